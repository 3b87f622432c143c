package collector

import (
	"testing"

	"github.com/route-beacon/bgp-sentry/internal/ris"
)

func ts(v float64) *float64 { return &v }

func TestParseUpdate_Announcement(t *testing.T) {
	d := &ris.UpdateData{
		Timestamp: ts(1721930400),
		Peer:      "185.1.2.3",
		PeerASN:   65000,
		Path:      ris.ASPath{65000, 3356, 13335},
		Announcements: []ris.Announcement{
			{NextHop: "185.1.2.3", Prefixes: []string{"1.1.1.0/24"}},
		},
	}

	peer, rows, err := ParseUpdate(d)
	if err != nil {
		t.Fatalf("ParseUpdate: %v", err)
	}
	if peer.Addr != "185.1.2.3" || peer.ASN != 65000 {
		t.Fatalf("peer = %+v", peer)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	row := rows[0]
	if row.Prefix != "1.1.1.0/24" || row.PrefixLen != 24 || !row.IsIPv4 {
		t.Errorf("prefix fields = %+v", row)
	}
	if row.OriginAS != 13335 {
		t.Errorf("origin_as = %d, want last path element 13335", row.OriginAS)
	}
	if row.Withdrawn {
		t.Error("announcement marked withdrawn")
	}
	if row.NextHop != "185.1.2.3" {
		t.Errorf("next_hop = %q", row.NextHop)
	}
	if row.Timestamp.Unix() != 1721930400 {
		t.Errorf("timestamp = %v", row.Timestamp)
	}
}

func TestParseUpdate_EmptyPathFallsBackToPeerASN(t *testing.T) {
	d := &ris.UpdateData{
		Timestamp: ts(1721930400),
		Peer:      "185.1.2.3",
		PeerASN:   65000,
		Announcements: []ris.Announcement{
			{NextHop: "185.1.2.3", Prefixes: []string{"10.0.0.0/8"}},
		},
	}

	_, rows, err := ParseUpdate(d)
	if err != nil {
		t.Fatalf("ParseUpdate: %v", err)
	}
	if rows[0].OriginAS != 65000 {
		t.Errorf("origin_as = %d, want peer ASN 65000", rows[0].OriginAS)
	}
	if len(rows[0].ASPath) != 1 || rows[0].ASPath[0] != 65000 {
		t.Errorf("as_path = %v, want [65000]", rows[0].ASPath)
	}
}

func TestParseUpdate_Withdrawal(t *testing.T) {
	d := &ris.UpdateData{
		Timestamp:   ts(1721930400),
		Peer:        "2001:db8::1",
		PeerASN:     64512,
		Withdrawals: []ris.Withdrawal{{Prefix: "2001:db8::/32"}},
	}

	_, rows, err := ParseUpdate(d)
	if err != nil {
		t.Fatalf("ParseUpdate: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	row := rows[0]
	if !row.Withdrawn {
		t.Error("withdrawal not marked withdrawn")
	}
	if row.IsIPv4 {
		t.Error("v6 prefix marked IPv4")
	}
	if row.OriginAS != 64512 {
		t.Errorf("origin_as = %d, want peer ASN", row.OriginAS)
	}
	if row.NextHop != "" {
		t.Errorf("withdrawal next_hop = %q, want empty", row.NextHop)
	}
	if len(row.ASPath) != 1 || row.ASPath[0] != 64512 {
		t.Errorf("as_path = %v, want [64512]", row.ASPath)
	}
}

func TestParseUpdate_MissingTimestamp(t *testing.T) {
	d := &ris.UpdateData{
		Peer:    "185.1.2.3",
		PeerASN: 65000,
		Announcements: []ris.Announcement{
			{Prefixes: []string{"10.0.0.0/8"}},
		},
	}
	if _, _, err := ParseUpdate(d); err != ErrMissingTimestamp {
		t.Fatalf("err = %v, want ErrMissingTimestamp", err)
	}
}

func TestParseUpdate_DefaultsEmptyPeer(t *testing.T) {
	d := &ris.UpdateData{Timestamp: ts(1)}
	peer, _, err := ParseUpdate(d)
	if err != nil {
		t.Fatalf("ParseUpdate: %v", err)
	}
	if peer.Addr != "0.0.0.0" || peer.ASN != 0 {
		t.Errorf("peer = %+v, want 0.0.0.0/0", peer)
	}
}

func TestParseUpdate_SkipsMalformedPrefixes(t *testing.T) {
	d := &ris.UpdateData{
		Timestamp: ts(1721930400),
		Peer:      "185.1.2.3",
		PeerASN:   65000,
		Path:      ris.ASPath{65000},
		Announcements: []ris.Announcement{
			{Prefixes: []string{"10.0.0.0", "10.0.0.0/x", "10.0.0.0/8"}},
		},
	}
	_, rows, err := ParseUpdate(d)
	if err != nil {
		t.Fatalf("ParseUpdate: %v", err)
	}
	if len(rows) != 1 || rows[0].Prefix != "10.0.0.0/8" {
		t.Fatalf("rows = %+v, want only the well-formed prefix", rows)
	}
}

func TestParseUpdate_ZeroASNPeerKeepsRow(t *testing.T) {
	// No path and no peer ASN: the row survives with an empty (non-NULL)
	// path so the base_attrs insert cannot fail on the array column.
	d := &ris.UpdateData{
		Timestamp: ts(1721930400),
		Announcements: []ris.Announcement{
			{NextHop: "185.1.2.3", Prefixes: []string{"10.0.0.0/8"}},
		},
	}
	_, rows, err := ParseUpdate(d)
	if err != nil {
		t.Fatalf("ParseUpdate: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].ASPath == nil {
		t.Error("as_path must be non-nil for the NOT NULL column")
	}
	if len(rows[0].ASPath) != 0 {
		t.Errorf("as_path = %v, want empty", rows[0].ASPath)
	}
	if rows[0].OriginAS != 0 {
		t.Errorf("origin_as = %d, want 0", rows[0].OriginAS)
	}
}

func TestNormalizePath_AppendsOrigin(t *testing.T) {
	got := normalizePath([]int64{65000, 3356}, 13335)
	if len(got) != 3 || got[2] != 13335 {
		t.Errorf("normalizePath = %v, want origin appended", got)
	}

	// Origin already terminal: untouched.
	got = normalizePath([]int64{65000, 13335}, 13335)
	if len(got) != 2 {
		t.Errorf("normalizePath = %v, want unchanged", got)
	}
}

func TestFirstNextHop_CommaSeparated(t *testing.T) {
	if got := firstNextHop("2001:db8::1,fe80::1"); got != "2001:db8::1" {
		t.Errorf("firstNextHop = %q", got)
	}
	if got := firstNextHop(" 1.2.3.4 "); got != "1.2.3.4" {
		t.Errorf("firstNextHop = %q", got)
	}
}

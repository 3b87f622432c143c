package ris

import (
	"encoding/json"
	"testing"
)

func TestFrame_UpdateDecodes(t *testing.T) {
	raw := `{
		"type": "ris_message",
		"data": {
			"type": "UPDATE",
			"timestamp": 1721930400.5,
			"peer": "185.1.2.3",
			"peer_asn": "65000",
			"path": [65000, 64513],
			"announcements": [{"next_hop": "1.2.3.4", "prefixes": ["10.0.0.0/8"]}],
			"withdrawals": ["192.0.2.0/24"]
		}
	}`

	var f Frame
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if f.Type != FrameTypeMessage || f.Data.Type != DataTypeUpdate {
		t.Fatalf("unexpected frame/data types: %q / %q", f.Type, f.Data.Type)
	}
	if f.Data.Timestamp == nil || *f.Data.Timestamp != 1721930400.5 {
		t.Errorf("timestamp = %v", f.Data.Timestamp)
	}
	if int64(f.Data.PeerASN) != 65000 {
		t.Errorf("peer_asn = %d, want 65000 (string coercion)", f.Data.PeerASN)
	}
	if len(f.Data.Path) != 2 || f.Data.Path[1] != 64513 {
		t.Errorf("path = %v", f.Data.Path)
	}
	if len(f.Data.Announcements) != 1 || f.Data.Announcements[0].Prefixes[0] != "10.0.0.0/8" {
		t.Errorf("announcements = %+v", f.Data.Announcements)
	}
	if len(f.Data.Withdrawals) != 1 || f.Data.Withdrawals[0].Prefix != "192.0.2.0/24" {
		t.Errorf("withdrawals = %+v", f.Data.Withdrawals)
	}
}

func TestWithdrawal_ObjectForm(t *testing.T) {
	raw := `{"withdrawals": [{"prefix": "198.51.100.0/24"}, "203.0.113.0/24"]}`

	var d UpdateData
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(d.Withdrawals) != 2 {
		t.Fatalf("expected 2 withdrawals, got %d", len(d.Withdrawals))
	}
	if d.Withdrawals[0].Prefix != "198.51.100.0/24" {
		t.Errorf("object withdrawal = %q", d.Withdrawals[0].Prefix)
	}
	if d.Withdrawals[1].Prefix != "203.0.113.0/24" {
		t.Errorf("string withdrawal = %q", d.Withdrawals[1].Prefix)
	}
}

func TestASPath_FlattensASSets(t *testing.T) {
	raw := `{"path": [65000, [64512, 64513], 174]}`

	var d UpdateData
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := []int64{65000, 64512, 64513, 174}
	if len(d.Path) != len(want) {
		t.Fatalf("path = %v, want %v", d.Path, want)
	}
	for i := range want {
		if d.Path[i] != want[i] {
			t.Fatalf("path = %v, want %v", d.Path, want)
		}
	}
}

func TestFlexInt_Garbage(t *testing.T) {
	var d UpdateData
	if err := json.Unmarshal([]byte(`{"peer_asn": "not-a-number"}`), &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if d.PeerASN != 0 {
		t.Errorf("garbage peer_asn should coerce to 0, got %d", d.PeerASN)
	}
}

func TestFrame_MissingTimestamp(t *testing.T) {
	var f Frame
	if err := json.Unmarshal([]byte(`{"type":"ris_message","data":{"type":"UPDATE"}}`), &f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if f.Data.Timestamp != nil {
		t.Error("absent timestamp should decode as nil")
	}
}

package collector

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/route-beacon/bgp-sentry/internal/ris"
)

// ErrMissingTimestamp marks an UPDATE without a timestamp; the message is
// dropped as a whole.
var ErrMissingTimestamp = errors.New("update has no timestamp")

type PeerInfo struct {
	Addr string
	ASN  int64
}

// UpdateRow is one prefix-level row destined for ip_rib, with the
// normalized path attributes its base_attrs bundle hashes over.
type UpdateRow struct {
	Prefix    string
	PrefixLen int
	IsIPv4    bool
	OriginAS  int64
	ASPath    []int64
	NextHop   string // empty for withdrawals
	Withdrawn bool
	Timestamp time.Time
}

// ParseUpdate translates a decoded UPDATE into peer info plus one row per
// announced or withdrawn prefix. Malformed prefixes are skipped; the row
// set may legitimately be empty.
func ParseUpdate(d *ris.UpdateData) (PeerInfo, []UpdateRow, error) {
	if d.Timestamp == nil {
		return PeerInfo{}, nil, ErrMissingTimestamp
	}
	ts := unixToTime(*d.Timestamp)

	peer := PeerInfo{Addr: d.Peer, ASN: int64(d.PeerASN)}
	if peer.Addr == "" {
		peer.Addr = "0.0.0.0"
	}

	var rows []UpdateRow

	for _, ann := range d.Announcements {
		nextHop := firstNextHop(ann.NextHop)
		for _, pfx := range ann.Prefixes {
			_, prefixLen, ok := splitPrefix(pfx)
			if !ok {
				continue
			}

			originAS := peer.ASN
			if len(d.Path) > 0 {
				originAS = d.Path[len(d.Path)-1]
			}

			rows = append(rows, UpdateRow{
				Prefix:    pfx,
				PrefixLen: prefixLen,
				IsIPv4:    isIPv4(pfx),
				OriginAS:  originAS,
				ASPath:    normalizePath(d.Path, originAS),
				NextHop:   nextHop,
				Withdrawn: false,
				Timestamp: ts,
			})
		}
	}

	for _, wd := range d.Withdrawals {
		pfx := wd.Prefix
		_, prefixLen, ok := splitPrefix(pfx)
		if !ok {
			continue
		}

		// Withdrawals carry no path; the peer stands in as origin.
		rows = append(rows, UpdateRow{
			Prefix:    pfx,
			PrefixLen: prefixLen,
			IsIPv4:    isIPv4(pfx),
			OriginAS:  peer.ASN,
			ASPath:    normalizePath([]int64{peer.ASN}, peer.ASN),
			Withdrawn: true,
			Timestamp: ts,
		})
	}

	return peer, rows, nil
}

// normalizePath guarantees the origin AS terminates the stored path, the
// invariant the base_attrs identity hash relies on.
func normalizePath(path []int64, originAS int64) []int64 {
	if len(path) == 0 {
		if originAS == 0 {
			// Non-nil so the column stores an empty array, not NULL.
			return []int64{}
		}
		return []int64{originAS}
	}
	if originAS != 0 && path[len(path)-1] != originAS {
		out := make([]int64, len(path)+1)
		copy(out, path)
		out[len(path)] = originAS
		return out
	}
	return path
}

// firstNextHop takes the first of possibly comma-separated next-hop
// addresses (RIS reports both v4 and v6 next hops for v6 announcements).
func firstNextHop(nh string) string {
	if i := strings.IndexByte(nh, ','); i >= 0 {
		nh = nh[:i]
	}
	return strings.TrimSpace(nh)
}

func splitPrefix(pfx string) (addr string, length int, ok bool) {
	i := strings.LastIndexByte(pfx, '/')
	if i < 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(pfx[i+1:])
	if err != nil || n < 0 {
		return "", 0, false
	}
	return pfx[:i], n, true
}

func isIPv4(s string) bool {
	return !strings.Contains(s, ":")
}

func unixToTime(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

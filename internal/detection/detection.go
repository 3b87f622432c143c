// Package detection holds the record types, identity derivations, and
// store shared by the heuristic, ML, and RPKI detectors.
package detection

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// isoMinute matches the timestamp rendering the detection identity hashes
// were defined over: second precision, no zone suffix.
const isoMinute = "2006-01-02T15:04:05"

// Detection is one row of hybrid_anomaly_detections. Pointer fields map to
// nullable columns; only the RPKI detector fills the peer/path columns.
type Detection struct {
	Timestamp        time.Time
	DetectionID      string
	Prefix           string
	PrefixLength     int
	PeerIP           *string
	PeerASN          *int64
	OriginAS         int64
	ASPath           []int64
	NextHop          *string
	EventType        string
	MessageType      string
	RPKIStatus       string
	RPKIAnomaly      bool
	CombinedAnomaly  bool
	CombinedScore    float64
	CombinedSeverity Severity
	Classification   string
	Metadata         any
}

// HeuristicDetectionID is stable per (window, prefix, origin) so re-running
// a window updates the existing row instead of duplicating it.
func HeuristicDetectionID(windowStart time.Time, prefix string, originAS int64) string {
	data := fmt.Sprintf("heuristic_%s_%s_%d", windowStart.UTC().Format(isoMinute), prefix, originAS)
	sum := sha256.Sum256([]byte(data))
	return "heur_" + hex.EncodeToString(sum[:])[:32]
}

// MLDetectionID is the ML detector's stable identity for a window.
func MLDetectionID(windowStart time.Time, prefix string, originAS int64) string {
	data := fmt.Sprintf("%s|%s|%d", windowStart.UTC().Format(isoMinute), prefix, originAS)
	sum := sha256.Sum256([]byte(data))
	return "ml_" + hex.EncodeToString(sum[:])[:16]
}

// RPKIDetectionID is plain-text rather than hashed; the compact timestamp
// keeps it within the column width.
func RPKIDetectionID(windowStart time.Time, prefix string, originAS int64) string {
	return fmt.Sprintf("rpki_%s_%s_%d", windowStart.UTC().Format("20060102150405"), prefix, originAS)
}

// PrefixLength extracts the mask length from CIDR notation, defaulting to a
// host route when the prefix is malformed.
func PrefixLength(prefix string) int {
	if i := strings.LastIndexByte(prefix, '/'); i >= 0 {
		n := 0
		ok := i+1 < len(prefix)
		for _, r := range prefix[i+1:] {
			if r < '0' || r > '9' {
				ok = false
				break
			}
			n = n*10 + int(r-'0')
		}
		if ok {
			return n
		}
	}
	if strings.Contains(prefix, ":") {
		return 128
	}
	return 32
}

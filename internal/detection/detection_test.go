package detection

import (
	"strings"
	"testing"
	"time"
)

var windowStart = time.Date(2025, 7, 25, 18, 0, 0, 0, time.UTC)

func TestHeuristicDetectionID_Format(t *testing.T) {
	id := HeuristicDetectionID(windowStart, "10.0.0.0/8", 65000)
	if !strings.HasPrefix(id, "heur_") {
		t.Fatalf("id = %q, want heur_ prefix", id)
	}
	if len(id) != len("heur_")+32 {
		t.Errorf("id = %q, want 32 hash characters", id)
	}
	if id != HeuristicDetectionID(windowStart, "10.0.0.0/8", 65000) {
		t.Error("id is not deterministic")
	}
	if id == HeuristicDetectionID(windowStart, "10.0.0.0/8", 65001) {
		t.Error("origin_as should change the id")
	}
}

func TestMLDetectionID_Format(t *testing.T) {
	id := MLDetectionID(windowStart, "1.1.1.0/24", 13335)
	if !strings.HasPrefix(id, "ml_") {
		t.Fatalf("id = %q, want ml_ prefix", id)
	}
	if len(id) != len("ml_")+16 {
		t.Errorf("id = %q, want 16 hash characters", id)
	}
	if id == MLDetectionID(windowStart.Add(time.Minute), "1.1.1.0/24", 13335) {
		t.Error("window_start should change the id")
	}
}

func TestRPKIDetectionID_PlainText(t *testing.T) {
	id := RPKIDetectionID(windowStart, "1.1.1.0/24", 13335)
	want := "rpki_20250725180000_1.1.1.0/24_13335"
	if id != want {
		t.Fatalf("id = %q, want %q", id, want)
	}
}

func TestPrefixLength(t *testing.T) {
	cases := []struct {
		prefix string
		want   int
	}{
		{"10.0.0.0/8", 8},
		{"2001:db8::/32", 32},
		{"1.2.3.4", 32},
		{"2001:db8::1", 128},
		{"10.0.0.0/", 32},
	}
	for _, c := range cases {
		if got := PrefixLength(c.prefix); got != c.want {
			t.Errorf("PrefixLength(%q) = %d, want %d", c.prefix, got, c.want)
		}
	}
}

func TestSeverityOrdering(t *testing.T) {
	if SeverityCritical.Rank() <= SeverityHigh.Rank() {
		t.Error("critical should outrank high")
	}
	if SeverityHigh.Rank() <= SeverityMedium.Rank() {
		t.Error("high should outrank medium")
	}
	if SeverityMedium.Rank() <= SeverityLow.Rank() {
		t.Error("medium should outrank low")
	}
	if Severity("bogus").Rank() >= SeverityLow.Rank() {
		t.Error("unknown severity should rank below low")
	}
}

func TestMaxSeverity(t *testing.T) {
	got := MaxSeverity([]Severity{SeverityMedium, SeverityCritical, SeverityHigh})
	if got != SeverityCritical {
		t.Errorf("MaxSeverity = %s, want critical", got)
	}
	if MaxSeverity(nil) != SeverityLow {
		t.Error("empty input should default to low")
	}
}

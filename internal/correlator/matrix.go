// Package correlator groups detector output per (prefix, origin AS,
// minute) and applies the decision matrix that yields the final
// classification: NORMAL, SUSPICIOUS, INVALID, HIJACK, or LEAK.
package correlator

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/route-beacon/bgp-sentry/internal/detection"
)

// DetectionRow is the correlator's read view of one detection.
type DetectionRow struct {
	ID               int64
	Timestamp        time.Time
	DetectionID      string
	Prefix           string
	OriginAS         int64
	EventType        string
	RPKIStatus       string
	CombinedSeverity detection.Severity
	Metadata         []byte
}

// Signals summarizes what the detectors saw for one group.
type Signals struct {
	SourceCount           int
	HasRPKIOriginMismatch bool
	HasRPKIMaxLength      bool
	HasRPKIInvalid        bool
	HasHeuristic          bool
	HasPathInflation      bool
	MaxSeverity           detection.Severity
}

// Outcome is the matrix result applied to every member of the group.
type Outcome struct {
	Classification string
	FinalSeverity  detection.Severity
	SourceCount    int
	Reasoning      string
}

type rpkiMeta struct {
	RPKIDescription string `json:"rpki_description"`
}

type heuristicMeta struct {
	TriggeredRules []struct {
		RuleName string `json:"rule_name"`
	} `json:"triggered_rules"`
}

// Summarize extracts the matrix inputs from a detection group. Metadata
// that fails to decode simply contributes no flags.
func Summarize(rows []*DetectionRow) Signals {
	var sig Signals
	sources := make(map[string]struct{})
	severities := make([]detection.Severity, 0, len(rows))

	for _, row := range rows {
		sources[row.EventType] = struct{}{}
		severities = append(severities, row.CombinedSeverity)

		switch row.EventType {
		case "rpki":
			if row.RPKIStatus != "invalid" {
				continue
			}
			sig.HasRPKIInvalid = true
			var meta rpkiMeta
			if err := json.Unmarshal(row.Metadata, &meta); err != nil {
				continue
			}
			desc := strings.ToLower(meta.RPKIDescription)
			if strings.Contains(desc, "origin as mismatch") || strings.Contains(desc, "hijack") {
				sig.HasRPKIOriginMismatch = true
			}
			if strings.Contains(desc, "maxlength") || strings.Contains(desc, "leak") {
				sig.HasRPKIMaxLength = true
			}

		case "heuristic":
			sig.HasHeuristic = true
			var meta heuristicMeta
			if err := json.Unmarshal(row.Metadata, &meta); err != nil {
				continue
			}
			for _, rule := range meta.TriggeredRules {
				if strings.HasPrefix(rule.RuleName, "path_inflation") {
					sig.HasPathInflation = true
					break
				}
			}
		}
	}

	sig.SourceCount = len(sources)
	sig.MaxSeverity = detection.MaxSeverity(severities)
	return sig
}

// Classify applies the decision matrix in priority order; the first
// matching rule wins.
func Classify(sig Signals) Outcome {
	switch {
	case sig.HasRPKIOriginMismatch:
		return Outcome{"HIJACK", detection.SeverityCritical, sig.SourceCount,
			"RPKI Origin AS mismatch detected - hijack signal"}

	case sig.HasRPKIMaxLength && sig.HasPathInflation:
		return Outcome{"LEAK", detection.SeverityCritical, sig.SourceCount,
			"RPKI MaxLength violation + Path inflation - route leak"}

	case sig.HasRPKIMaxLength:
		return Outcome{"LEAK", detection.SeverityHigh, sig.SourceCount,
			"RPKI MaxLength violation - potential route leak"}

	case sig.HasRPKIInvalid && sig.HasHeuristic:
		return Outcome{"INVALID", detection.SeverityHigh, sig.SourceCount,
			"RPKI invalid + Heuristic anomalies detected"}

	case sig.HasRPKIInvalid:
		return Outcome{"INVALID", detection.SeverityHigh, sig.SourceCount,
			"RPKI validation failed"}

	case sig.SourceCount >= 4:
		return Outcome{"SUSPICIOUS", detection.SeverityCritical, sig.SourceCount,
			fmt.Sprintf("Severe systemic issue - %d detection sources", sig.SourceCount)}

	case sig.SourceCount == 3:
		return Outcome{"SUSPICIOUS", detection.SeverityHigh, sig.SourceCount,
			"Broad evidence - 3 detection sources"}

	case sig.SourceCount == 2:
		return Outcome{"SUSPICIOUS", detection.SeverityMedium, sig.SourceCount,
			"Stronger evidence - 2 detection sources"}

	case sig.SourceCount == 1:
		if sig.MaxSeverity == detection.SeverityHigh || sig.MaxSeverity == detection.SeverityCritical {
			return Outcome{"SUSPICIOUS", sig.MaxSeverity, sig.SourceCount,
				fmt.Sprintf("Single detector with %s severity", sig.MaxSeverity)}
		}
		return Outcome{"NORMAL", sig.MaxSeverity, sig.SourceCount,
			"Single weak signal - informational"}
	}

	return Outcome{"NORMAL", detection.SeverityLow, sig.SourceCount, "No significant anomaly"}
}

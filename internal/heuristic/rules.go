// Package heuristic applies deterministic rule-based detection to the
// 1-minute feature windows. Rules are pure functions over a window (plus a
// historical baseline for path inflation) so they can be tested without a
// database.
package heuristic

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/route-beacon/bgp-sentry/internal/detection"
)

// Hit is one triggered rule.
type Hit struct {
	RuleName string             `json:"rule_name"`
	Severity detection.Severity `json:"severity"`
	Score    float64            `json:"score"`
	Reason   string             `json:"reason"`
}

// Rate thresholds are per-hour; 1-minute windows are extrapolated by x60
// before comparison.
const (
	churnModeratePerHour = 1212
	churnSeverePerHour   = 6012
	churnCriticalPerHour = 24000

	flapMediumPerHour   = 132
	flapHighPerHour     = 372
	flapCriticalPerHour = 1200

	withdrawalRatioHigh     = 0.70
	withdrawalRatioCritical = 0.90

	pathLengthMild   = 16
	pathLengthSevere = 25

	pathInflationHigh     = 5
	pathInflationCritical = 10

	volumeSpikeHigh     = 100000
	volumeSpikeCritical = 500000

	sessionResetsMedium   = 6
	sessionResetsHigh     = 11
	sessionResetsCritical = 50
)

// Private-use ASN ranges (RFC 6996).
var bogonASNRanges = [][2]int64{
	{64512, 65534},
	{4200000000, 4294967294},
}

// Prefixes that must never appear in the public routing table.
var bogonPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("255.255.255.255/32"),
}

// Evaluate runs all nine rules against one window. pathBaseline is the
// 7-day average path length for the same (prefix, origin AS), nil when no
// history exists.
func Evaluate(row *detection.FeatureRow, pathBaseline *float64) []Hit {
	checks := []*Hit{
		checkChurn(row),
		checkWithdrawalRatio(row),
		checkFlapping(row),
		checkPathLength(row),
		checkBogonASN(row),
		checkBogonPrefix(row),
		checkPathInflation(row, pathBaseline),
		checkVolumeSpike(row),
		checkSessionResets(row),
	}

	var hits []Hit
	for _, h := range checks {
		if h != nil {
			hits = append(hits, *h)
		}
	}
	return hits
}

func checkChurn(row *detection.FeatureRow) *Hit {
	perHour := row.TotalUpdates * 60
	switch {
	case perHour > churnCriticalPerHour:
		return &Hit{"churn_critical", detection.SeverityCritical, 0.95,
			fmt.Sprintf("total_updates=%d (%d/hr) exceeds critical threshold %d/hr", row.TotalUpdates, perHour, churnCriticalPerHour)}
	case perHour > churnSeverePerHour:
		return &Hit{"churn_severe", detection.SeverityHigh, 0.8,
			fmt.Sprintf("total_updates=%d (%d/hr) exceeds severe threshold %d/hr", row.TotalUpdates, perHour, churnSeverePerHour)}
	case perHour > churnModeratePerHour:
		return &Hit{"churn_moderate", detection.SeverityMedium, 0.6,
			fmt.Sprintf("total_updates=%d (%d/hr) exceeds moderate threshold %d/hr", row.TotalUpdates, perHour, churnModeratePerHour)}
	}
	return nil
}

// checkWithdrawalRatio requires both a high ratio and real volume so
// routine cleanup of a quiet prefix cannot trigger it.
func checkWithdrawalRatio(row *detection.FeatureRow) *Hit {
	perHour := row.Withdrawals * 60
	switch {
	case row.WithdrawalRatio >= withdrawalRatioCritical && perHour > 300:
		return &Hit{"withdrawal_storm_critical", detection.SeverityCritical, 0.95,
			fmt.Sprintf("withdrawal_ratio=%.2f, withdrawals=%d (%d/hr) - withdrawal storm detected", row.WithdrawalRatio, row.Withdrawals, perHour)}
	case row.WithdrawalRatio >= withdrawalRatioHigh && perHour > 600:
		return &Hit{"withdrawal_storm_high", detection.SeverityHigh, 0.8,
			fmt.Sprintf("withdrawal_ratio=%.2f, withdrawals=%d (%d/hr) - high withdrawal activity", row.WithdrawalRatio, row.Withdrawals, perHour)}
	}
	return nil
}

func checkFlapping(row *detection.FeatureRow) *Hit {
	perHour := row.FlapCount * 60
	switch {
	case perHour > flapCriticalPerHour:
		return &Hit{"flap_critical", detection.SeverityCritical, 0.95,
			fmt.Sprintf("flap_count=%d (%d/hr) exceeds critical threshold %d/hr", row.FlapCount, perHour, flapCriticalPerHour)}
	case perHour > flapHighPerHour:
		return &Hit{"flap_high", detection.SeverityHigh, 0.8,
			fmt.Sprintf("flap_count=%d (%d/hr) exceeds high threshold %d/hr", row.FlapCount, perHour, flapHighPerHour)}
	case perHour > flapMediumPerHour:
		return &Hit{"flap_medium", detection.SeverityMedium, 0.6,
			fmt.Sprintf("flap_count=%d (%d/hr) exceeds medium threshold %d/hr", row.FlapCount, perHour, flapMediumPerHour)}
	}
	return nil
}

func checkPathLength(row *detection.FeatureRow) *Hit {
	if row.PathLength == nil {
		return nil
	}
	pl := *row.PathLength
	switch {
	case pl > pathLengthSevere:
		return &Hit{"path_length_severe", detection.SeverityHigh, 0.85,
			fmt.Sprintf("path_length=%.1f exceeds severe threshold %d", pl, pathLengthSevere)}
	case pl > pathLengthMild:
		return &Hit{"path_length_mild", detection.SeverityMedium, 0.6,
			fmt.Sprintf("path_length=%.1f exceeds mild threshold %d", pl, pathLengthMild)}
	}
	return nil
}

func checkBogonASN(row *detection.FeatureRow) *Hit {
	for _, r := range bogonASNRanges {
		if row.OriginAS >= r[0] && row.OriginAS <= r[1] {
			return &Hit{"bogon_asn_critical", detection.SeverityCritical, 0.95,
				fmt.Sprintf("origin_as=%d is in private/reserved range [%d-%d] - should not be in public routing", row.OriginAS, r[0], r[1])}
		}
	}
	return nil
}

func checkBogonPrefix(row *detection.FeatureRow) *Hit {
	announced, err := netip.ParsePrefix(row.Prefix)
	if err != nil {
		return nil
	}
	announced = announced.Masked()
	for _, bogon := range bogonPrefixes {
		if announced.Overlaps(bogon) {
			return &Hit{"bogon_prefix_critical", detection.SeverityCritical, 0.95,
				fmt.Sprintf("prefix=%s overlaps with bogon range %s - reserved/private prefix should not be routed", row.Prefix, bogon)}
		}
	}
	return nil
}

// checkPathInflation flags sudden growth against the prefix's own history,
// the signature of AS path poisoning.
func checkPathInflation(row *detection.FeatureRow, baseline *float64) *Hit {
	if row.PathLength == nil || baseline == nil {
		return nil
	}
	delta := *row.PathLength - *baseline
	switch {
	case delta > pathInflationCritical:
		return &Hit{"path_inflation_critical", detection.SeverityCritical, 0.95,
			fmt.Sprintf("path_length=%.1f, baseline=%.1f, delta=%.1f (>10 hop increase) - possible path poisoning", *row.PathLength, *baseline, delta)}
	case delta > pathInflationHigh:
		return &Hit{"path_inflation_high", detection.SeverityHigh, 0.8,
			fmt.Sprintf("path_length=%.1f, baseline=%.1f, delta=%.1f (>5 hop increase) - suspicious path change", *row.PathLength, *baseline, delta)}
	}
	return nil
}

func checkVolumeSpike(row *detection.FeatureRow) *Hit {
	switch {
	case row.MessageRate > volumeSpikeCritical:
		return &Hit{"volume_spike_critical", detection.SeverityCritical, 0.95,
			fmt.Sprintf("message_rate=%.0f msg/min exceeds critical threshold %d - severe overload", row.MessageRate, volumeSpikeCritical)}
	case row.MessageRate > volumeSpikeHigh:
		return &Hit{"volume_spike_high", detection.SeverityHigh, 0.85,
			fmt.Sprintf("message_rate=%.0f msg/min exceeds high threshold %d - may stress devices", row.MessageRate, volumeSpikeHigh)}
	}
	return nil
}

func checkSessionResets(row *detection.FeatureRow) *Hit {
	switch {
	case row.SessionResets >= sessionResetsCritical:
		return &Hit{"session_resets_critical", detection.SeverityCritical, 0.95,
			fmt.Sprintf("session_resets=%d exceeds critical threshold %d - DoS-level issue", row.SessionResets, sessionResetsCritical)}
	case row.SessionResets >= sessionResetsHigh:
		return &Hit{"session_resets_high", detection.SeverityHigh, 0.85,
			fmt.Sprintf("session_resets=%d exceeds high threshold %d - persistent instability", row.SessionResets, sessionResetsHigh)}
	case row.SessionResets >= sessionResetsMedium:
		return &Hit{"session_resets_medium", detection.SeverityMedium, 0.6,
			fmt.Sprintf("session_resets=%d exceeds medium threshold %d - investigate", row.SessionResets, sessionResetsMedium)}
	}
	return nil
}

// Classify maps the triggered rule set to an event label.
func Classify(hits []Hit) string {
	if len(hits) > 1 {
		return "multi_rule"
	}
	if len(hits) == 0 {
		return "unknown"
	}
	name := hits[0].RuleName
	switch {
	case strings.Contains(name, "churn"):
		return "churn_spike"
	case strings.Contains(name, "withdrawal"):
		return "withdrawal_burst"
	case strings.Contains(name, "flap"):
		return "route_flap"
	case strings.Contains(name, "path_inflation"):
		return "path_inflation"
	case strings.Contains(name, "path_length"):
		return "path_anomaly"
	case strings.Contains(name, "bogon_asn"):
		return "bogon_asn"
	case strings.Contains(name, "bogon_prefix"):
		return "bogon_prefix"
	case strings.Contains(name, "volume_spike"):
		return "volume_spike"
	case strings.Contains(name, "session_resets"):
		return "session_instability"
	}
	return "unknown"
}

// MaxScore returns the strongest rule score.
func MaxScore(hits []Hit) float64 {
	max := 0.0
	for _, h := range hits {
		if h.Score > max {
			max = h.Score
		}
	}
	return max
}

// MaxHitSeverity returns the highest severity among the hits.
func MaxHitSeverity(hits []Hit) detection.Severity {
	severities := make([]detection.Severity, len(hits))
	for i, h := range hits {
		severities[i] = h.Severity
	}
	return detection.MaxSeverity(severities)
}


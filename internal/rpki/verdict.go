package rpki

import (
	"fmt"
	"strings"

	"github.com/route-beacon/bgp-sentry/internal/detection"
)

// Verdict is the detector-facing interpretation of a validator response.
// A nil Verdict means the route is RPKI-valid and produces no detection.
type Verdict struct {
	State       string
	Severity    detection.Severity
	Description string
}

// Decide maps a validator response to a verdict:
//
//	origin AS mismatch  -> invalid/critical (hijack signal)
//	max-length exceeded -> invalid/high (leak or config error)
//	other invalid       -> invalid/high
//	no covering ROA     -> unknown/low (informational)
//	valid               -> nil
func Decide(prefix string, originAS int64, prefixLen int, route *ValidatedRoute) *Verdict {
	switch route.Validity.State {
	case "valid":
		return nil

	case "invalid":
		reason := strings.ToLower(route.Validity.Reason)

		if strings.Contains(reason, "as") || strings.Contains(reason, "origin") {
			if roaOrigin, ok := firstForeignOrigin(&route.VRPs, originAS); ok {
				return &Verdict{
					State:    "invalid",
					Severity: detection.SeverityCritical,
					Description: fmt.Sprintf(
						"Origin AS mismatch: announced AS%d, ROA expects AS%d - HIJACK SIGNAL",
						originAS, roaOrigin),
				}
			}
		}

		if strings.Contains(reason, "length") || strings.Contains(reason, "max") {
			for _, vrp := range route.VRPs.Matched {
				if vrp.MaxLength > 0 && prefixLen > vrp.MaxLength {
					return &Verdict{
						State:    "invalid",
						Severity: detection.SeverityHigh,
						Description: fmt.Sprintf(
							"MaxLength violation: prefix /%d exceeds max_length /%d - LEAK/CONFIG ERROR",
							prefixLen, vrp.MaxLength),
					}
				}
			}
		}

		return &Verdict{
			State:       "invalid",
			Severity:    detection.SeverityHigh,
			Description: fmt.Sprintf("RPKI invalid: %s", route.Validity.Reason),
		}

	case "not-found", "unknown":
		return &Verdict{
			State:    "unknown",
			Severity: detection.SeverityLow,
			Description: fmt.Sprintf(
				"No ROA found for prefix %s origin AS%d - INFORMATIONAL", prefix, originAS),
		}
	}

	// Unexpected state: skip rather than guess.
	return nil
}

// firstForeignOrigin returns the first VRP origin, matched or unmatched,
// that differs from the announced origin.
func firstForeignOrigin(vrps *VRPSet, originAS int64) (int64, bool) {
	for _, list := range [][]VRP{vrps.Matched, vrps.Unmatched} {
		for _, vrp := range list {
			if int64(vrp.ASN) != 0 && int64(vrp.ASN) != originAS {
				return int64(vrp.ASN), true
			}
		}
	}
	return 0, false
}

// SeverityScore maps verdict severity onto the 1-10 combined_score scale
// the other detectors use fractions of.
func SeverityScore(s detection.Severity) float64 {
	switch s {
	case detection.SeverityCritical:
		return 10
	case detection.SeverityHigh:
		return 7
	case detection.SeverityMedium:
		return 5
	case detection.SeverityLow:
		return 2
	}
	return 5
}

// Package rpki validates announced origins against ROA data served by a
// Routinator instance and turns invalid or unknown states into detections.
package rpki

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/bgp-sentry/internal/metrics"
)

const (
	requestTimeout = 5 * time.Second
	maxRetries     = 3
	retryDelay     = 2 * time.Second
	initDelay      = 5 * time.Second
)

// Response is the subset of Routinator's validity API the detector needs.
type Response struct {
	ValidatedRoute ValidatedRoute `json:"validated_route"`
}

type ValidatedRoute struct {
	Validity Validity `json:"validity"`
	VRPs     VRPSet   `json:"vrps"`
}

type Validity struct {
	State  string `json:"state"`
	Reason string `json:"reason"`
}

type VRPSet struct {
	Matched   []VRP `json:"matched"`
	Unmatched []VRP `json:"unmatched"`
}

type VRP struct {
	ASN       ASN    `json:"asn"`
	Prefix    string `json:"prefix"`
	MaxLength int    `json:"max_length"`
}

// ASN tolerates both numeric and "AS64512"-style encodings.
type ASN int64

func (a *ASN) UnmarshalJSON(b []byte) error {
	var n int64
	if err := json.Unmarshal(b, &n); err == nil {
		*a = ASN(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	s = strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "AS")
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("unparseable asn %q", s)
	}
	*a = ASN(n)
	return nil
}

type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

func NewClient(baseURL string, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: requestTimeout},
		logger:  logger,
	}
}

// Validity queries the validator for one (origin AS, prefix) pair. 503
// responses and timeouts are retried; any other failure is returned so the
// caller can skip the row.
func (c *Client) Validity(ctx context.Context, originAS int64, prefix string) (*Response, error) {
	pfx, err := netip.ParsePrefix(prefix)
	if err != nil {
		return nil, fmt.Errorf("unparseable prefix %q: %w", prefix, err)
	}
	url := fmt.Sprintf("%s/api/v1/validity/%d/%s/%d",
		c.baseURL, originAS, pfx.Masked().Addr(), pfx.Bits())

	for attempt := 1; attempt <= maxRetries; attempt++ {
		resp, err := c.get(ctx, url)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				metrics.RPKIRequestsTotal.WithLabelValues("timeout").Inc()
				c.logger.Warn("validator request timed out",
					zap.Int("attempt", attempt), zap.Int("max", maxRetries))
				if attempt < maxRetries {
					if serr := sleepCtx(ctx, retryDelay); serr != nil {
						return nil, serr
					}
				}
				continue
			}
			metrics.RPKIRequestsTotal.WithLabelValues("error").Inc()
			return nil, err
		}

		switch resp.status {
		case http.StatusOK:
			metrics.RPKIRequestsTotal.WithLabelValues("ok").Inc()
			var out Response
			if err := json.Unmarshal(resp.body, &out); err != nil {
				return nil, fmt.Errorf("decoding validator response: %w", err)
			}
			return &out, nil
		case http.StatusServiceUnavailable:
			// Initial validation still running.
			metrics.RPKIRequestsTotal.WithLabelValues("initializing").Inc()
			c.logger.Warn("validator initializing, waiting",
				zap.Int("attempt", attempt), zap.Int("max", maxRetries))
			if serr := sleepCtx(ctx, initDelay); serr != nil {
				return nil, serr
			}
		default:
			metrics.RPKIRequestsTotal.WithLabelValues("bad_status").Inc()
			return nil, fmt.Errorf("validator returned status %d for %s AS%d", resp.status, prefix, originAS)
		}
	}
	return nil, fmt.Errorf("validator unavailable after %d attempts", maxRetries)
}

// WaitReady probes a well-known route until the validator answers 200,
// giving it time to download ROAs after startup.
func (c *Client) WaitReady(ctx context.Context, maxWait time.Duration) error {
	deadline := time.Now().Add(maxWait)
	url := c.baseURL + "/api/v1/validity/13335/1.1.1.0/24"

	for time.Now().Before(deadline) {
		resp, err := c.get(ctx, url)
		if err == nil && resp.status == http.StatusOK {
			return nil
		}
		if err != nil {
			c.logger.Warn("validator not yet reachable", zap.Error(err))
		} else {
			c.logger.Info("validator initializing", zap.Int("status", resp.status))
		}
		if serr := sleepCtx(ctx, initDelay); serr != nil {
			return serr
		}
	}
	return fmt.Errorf("validator not ready within %s", maxWait)
}

type httpResult struct {
	status int
	body   []byte
}

func (c *Client) get(ctx context.Context, url string) (*httpResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &httpResult{status: resp.StatusCode, body: body}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

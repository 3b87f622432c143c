package rpki

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/route-beacon/bgp-sentry/internal/detection"
	"github.com/route-beacon/bgp-sentry/internal/metrics"
)

// initialLookback bounds the first pass when no checkpoint exists.
const initialLookback = time.Hour

// Metadata is the jsonb payload attached to every RPKI detection.
type Metadata struct {
	VRPs            VRPSet `json:"vrps"`
	ValidationTime  string `json:"validation_time"`
	Announcements   int    `json:"announcements"`
	Withdrawals     int    `json:"withdrawals"`
	UniquePeers     int    `json:"unique_peers"`
	RPKIDescription string `json:"rpki_description"`
}

type Detector struct {
	pool     *pgxpool.Pool
	store    *detection.Store
	client   *Client
	logger   *zap.Logger
	interval time.Duration
}

func NewDetector(pool *pgxpool.Pool, store *detection.Store, client *Client, interval time.Duration, logger *zap.Logger) *Detector {
	return &Detector{pool: pool, store: store, client: client, logger: logger, interval: interval}
}

func (d *Detector) IsReady() bool { return true }

// Run validates new feature windows on a fixed cadence until cancelled.
func (d *Detector) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		if err := d.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Error("rpki validation pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce validates every window newer than the checkpoint. Validator
// failures skip the row; the checkpoint still advances so a flaky
// validator cannot wedge the detector.
func (d *Detector) RunOnce(ctx context.Context) error {
	from, err := d.checkpoint(ctx)
	if err != nil {
		return fmt.Errorf("reading rpki checkpoint: %w", err)
	}

	rows, err := detection.FetchFeaturesSince(ctx, d.pool, from)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	detected := 0
	maxWindow := from
	for i := range rows {
		row := &rows[i]
		if row.WindowStart.After(maxWindow) {
			maxWindow = row.WindowStart
		}

		resp, err := d.client.Validity(ctx, row.OriginAS, row.Prefix)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Warn("validator query failed, skipping row",
				zap.String("prefix", row.Prefix),
				zap.Int64("origin_as", row.OriginAS),
				zap.Error(err))
			continue
		}

		verdict := Decide(row.Prefix, row.OriginAS, detection.PrefixLength(row.Prefix), &resp.ValidatedRoute)
		if verdict == nil {
			continue
		}

		det := d.buildDetection(row, verdict, &resp.ValidatedRoute.VRPs)
		if err := d.store.Insert(ctx, "rpki", det, detection.OnConflictIgnore); err != nil {
			d.logger.Error("failed to store rpki detection",
				zap.String("detection_id", det.DetectionID), zap.Error(err))
			continue
		}
		detected++
		d.logger.Info("rpki detection",
			zap.String("state", verdict.State),
			zap.String("severity", string(verdict.Severity)),
			zap.String("prefix", row.Prefix),
			zap.Int64("origin_as", row.OriginAS))
	}

	if err := d.advanceCheckpoint(ctx, maxWindow, len(rows)); err != nil {
		return err
	}

	d.logger.Info("rpki validation pass complete",
		zap.Int("windows", len(rows)),
		zap.Int("detections", detected),
		zap.Time("checkpoint", maxWindow))
	return nil
}

func (d *Detector) buildDetection(row *detection.FeatureRow, verdict *Verdict, vrps *VRPSet) *detection.Detection {
	return &detection.Detection{
		Timestamp:        row.WindowStart,
		DetectionID:      detection.RPKIDetectionID(row.WindowStart, row.Prefix, row.OriginAS),
		Prefix:           row.Prefix,
		PrefixLength:     detection.PrefixLength(row.Prefix),
		OriginAS:         row.OriginAS,
		EventType:        "rpki",
		MessageType:      "rpki_validation",
		RPKIStatus:       verdict.State,
		RPKIAnomaly:      verdict.State == "invalid" || verdict.State == "unknown",
		CombinedAnomaly:  true,
		CombinedScore:    SeverityScore(verdict.Severity),
		CombinedSeverity: verdict.Severity,
		Classification:   "UNKNOWN",
		Metadata: Metadata{
			VRPs:            *vrps,
			ValidationTime:  time.Now().UTC().Format(time.RFC3339),
			Announcements:   row.Announcements,
			Withdrawals:     row.Withdrawals,
			UniquePeers:     row.UniquePeers,
			RPKIDescription: verdict.Description,
		},
	}
}

func (d *Detector) checkpoint(ctx context.Context) (time.Time, error) {
	var ts *time.Time
	err := d.pool.QueryRow(ctx,
		`SELECT last_processed_timestamp FROM rpki_inference_state WHERE id = 1`,
	).Scan(&ts)
	if err != nil && !detection.MissingStateRow(err) {
		return time.Time{}, err
	}
	if err == nil && ts != nil {
		return ts.UTC(), nil
	}

	seed := time.Now().UTC().Add(-initialLookback)
	if _, ierr := d.pool.Exec(ctx, `
		INSERT INTO rpki_inference_state (id, last_processed_timestamp)
		VALUES (1, $1)
		ON CONFLICT (id) DO NOTHING`, seed); ierr != nil {
		return time.Time{}, ierr
	}
	d.logger.Info("initialized rpki checkpoint", zap.Time("from", seed))
	return seed, nil
}

func (d *Detector) advanceCheckpoint(ctx context.Context, ts time.Time, processed int) error {
	if _, err := d.pool.Exec(ctx, `
		UPDATE rpki_inference_state
		SET last_processed_timestamp = $1,
		    total_processed = total_processed + $2,
		    last_update = now()
		WHERE id = 1`,
		ts, processed); err != nil {
		return fmt.Errorf("advancing rpki checkpoint: %w", err)
	}
	metrics.CheckpointTimestamp.WithLabelValues("rpki").Set(float64(ts.Unix()))
	return nil
}

package heuristic

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/route-beacon/bgp-sentry/internal/detection"
	"github.com/route-beacon/bgp-sentry/internal/metrics"
)

const detectorVersion = "v1.0"

// Metadata is the jsonb payload attached to every heuristic detection.
type Metadata struct {
	TriggeredRules []Hit       `json:"triggered_rules"`
	RawFeatures    RawFeatures `json:"raw_features"`
	HeuristicScore float64     `json:"heuristic_score"`
	DetectorType   string      `json:"detector_type"`
	Version        string      `json:"version"`
}

type RawFeatures struct {
	Announcements   int      `json:"announcements"`
	Withdrawals     int      `json:"withdrawals"`
	TotalUpdates    int      `json:"total_updates"`
	WithdrawalRatio float64  `json:"withdrawal_ratio"`
	FlapCount       int      `json:"flap_count"`
	PathLength      *float64 `json:"path_length"`
	UniquePeers     int      `json:"unique_peers"`
	MessageRate     float64  `json:"message_rate"`
	SessionResets   int      `json:"session_resets"`
}

type Detector struct {
	pool     *pgxpool.Pool
	store    *detection.Store
	logger   *zap.Logger
	interval time.Duration
}

func NewDetector(pool *pgxpool.Pool, store *detection.Store, interval time.Duration, logger *zap.Logger) *Detector {
	return &Detector{pool: pool, store: store, logger: logger, interval: interval}
}

func (d *Detector) IsReady() bool { return true }

// Run polls for new feature windows until the context is cancelled.
func (d *Detector) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		if err := d.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Error("heuristic pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce scores every window newer than the checkpoint and advances the
// checkpoint to the newest window seen.
func (d *Detector) RunOnce(ctx context.Context) error {
	from, err := d.checkpoint(ctx)
	if err != nil {
		return fmt.Errorf("reading heuristic checkpoint: %w", err)
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

		baseline, err := d.pathBaseline(ctx, row)
		if err != nil {
			d.logger.Warn("path baseline query failed",
				zap.String("prefix", row.Prefix), zap.Error(err))
			baseline = nil
		}

		hits := Evaluate(row, baseline)
		if len(hits) == 0 {
			continue
		}

		det := buildDetection(row, hits)
		if err := d.store.Insert(ctx, "heuristic", det, detection.OnConflictUpdate); err != nil {
			d.logger.Error("failed to store heuristic detection",
				zap.String("detection_id", det.DetectionID), zap.Error(err))
			continue
		}
		detected++
	}

	if err := d.advanceCheckpoint(ctx, maxWindow, len(rows)); err != nil {
		return err
	}

	d.logger.Info("heuristic pass complete",
		zap.Int("windows", len(rows)),
		zap.Int("detections", detected),
		zap.Time("checkpoint", maxWindow))
	return nil
}

func buildDetection(row *detection.FeatureRow, hits []Hit) *detection.Detection {
	score := MaxScore(hits)
	severity := MaxHitSeverity(hits)

	return &detection.Detection{
		Timestamp:        row.WindowStart,
		DetectionID:      detection.HeuristicDetectionID(row.WindowStart, row.Prefix, row.OriginAS),
		Prefix:           row.Prefix,
		PrefixLength:     detection.PrefixLength(row.Prefix),
		OriginAS:         row.OriginAS,
		EventType:        "heuristic",
		MessageType:      "bgp_features_1min",
		RPKIStatus:       "unknown",
		RPKIAnomaly:      false,
		CombinedAnomaly:  severity.Rank() >= detection.SeverityMedium.Rank(),
		CombinedScore:    score,
		CombinedSeverity: severity,
		Classification:   Classify(hits),
		Metadata: Metadata{
			TriggeredRules: hits,
			RawFeatures: RawFeatures{
				Announcements:   row.Announcements,
				Withdrawals:     row.Withdrawals,
				TotalUpdates:    row.TotalUpdates,
				WithdrawalRatio: row.WithdrawalRatio,
				FlapCount:       row.FlapCount,
				PathLength:      row.PathLength,
				UniquePeers:     row.UniquePeers,
				MessageRate:     row.MessageRate,
				SessionResets:   row.SessionResets,
			},
			HeuristicScore: score,
			DetectorType:   "HeuristicDetector",
			Version:        detectorVersion,
		},
	}
}

// pathBaseline averages the prefix's path length over the trailing week,
// excluding the most recent hour so the anomaly cannot pollute its own
// baseline.
func (d *Detector) pathBaseline(ctx context.Context, row *detection.FeatureRow) (*float64, error) {
	if row.PathLength == nil {
		return nil, nil
	}
	var baseline *float64
	err := d.pool.QueryRow(ctx, `
		SELECT AVG(path_length)
		FROM bgp_features_1min
		WHERE prefix = $1
		  AND origin_as = $2
		  AND window_start BETWEEN $3 - INTERVAL '7 days' AND $3 - INTERVAL '1 hour'
		  AND path_length IS NOT NULL`,
		row.Prefix, row.OriginAS, row.WindowStart,
	).Scan(&baseline)
	if err != nil {
		return nil, err
	}
	return baseline, nil
}

func (d *Detector) checkpoint(ctx context.Context) (time.Time, error) {
	var ts *time.Time
	err := d.pool.QueryRow(ctx,
		`SELECT last_processed_timestamp FROM heuristic_inference_state WHERE id = 1`,
	).Scan(&ts)
	if err != nil && !detection.MissingStateRow(err) {
		return time.Time{}, err
	}
	if err == nil && ts != nil {
		return ts.UTC(), nil
	}

	seed := time.Now().UTC()
	if _, ierr := d.pool.Exec(ctx, `
		INSERT INTO heuristic_inference_state (id, last_processed_timestamp)
		VALUES (1, $1)
		ON CONFLICT (id) DO NOTHING`, seed); ierr != nil {
		return time.Time{}, ierr
	}
	d.logger.Info("initialized heuristic checkpoint", zap.Time("from", seed))
	return seed, nil
}

func (d *Detector) advanceCheckpoint(ctx context.Context, ts time.Time, processed int) error {
	if _, err := d.pool.Exec(ctx, `
		UPDATE heuristic_inference_state
		SET last_processed_timestamp = $1,
		    total_processed = total_processed + $2,
		    last_update = now()
		WHERE id = 1`,
		ts, processed); err != nil {
		return fmt.Errorf("advancing heuristic checkpoint: %w", err)
	}
	metrics.CheckpointTimestamp.WithLabelValues("heuristic").Set(float64(ts.Unix()))
	return nil
}

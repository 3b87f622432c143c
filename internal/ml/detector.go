package ml

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/route-beacon/bgp-sentry/internal/detection"
	"github.com/route-beacon/bgp-sentry/internal/metrics"
)

// Metadata is the jsonb payload attached to every ML detection.
type Metadata struct {
	ISOScore       float64  `json:"iso_score"`
	LSTMScore      float64  `json:"lstm_score"`
	ZISO           float64  `json:"z_iso"`
	ZLSTM          float64  `json:"z_lstm"`
	EnsembleMethod string   `json:"ensemble_method"`
	ModelVersion   string   `json:"model_version"`
	FeatureColumns []string `json:"feature_columns"`
	Threshold      float64  `json:"threshold"`
}

type Detector struct {
	pool      *pgxpool.Pool
	store     *detection.Store
	scorer    *Scorer
	logger    *zap.Logger
	interval  time.Duration
	method    string
	threshold float64
}

func NewDetector(pool *pgxpool.Pool, store *detection.Store, scorer *Scorer, interval time.Duration, method string, threshold float64, logger *zap.Logger) *Detector {
	return &Detector{
		pool:      pool,
		store:     store,
		scorer:    scorer,
		logger:    logger,
		interval:  interval,
		method:    method,
		threshold: threshold,
	}
}

func (d *Detector) IsReady() bool { return true }

// Run scores new feature windows on a fixed cadence until cancelled.
func (d *Detector) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		if err := d.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Error("ml inference pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce scores every window newer than the checkpoint and writes one
// detection per window, anomalous or not, so the correlator sees the full
// score surface.
func (d *Detector) RunOnce(ctx context.Context) error {
	from, err := d.checkpoint(ctx)
	if err != nil {
		return fmt.Errorf("reading ml checkpoint: %w", err)
	}

	rows, err := detection.FetchFeaturesSince(ctx, d.pool, from)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	scores := d.scorer.ScoreBatch(rows)

	anomalies := 0
	maxWindow := from
	for i := range rows {
		row := &rows[i]
		if row.WindowStart.After(maxWindow) {
			maxWindow = row.WindowStart
		}
		score := &scores[i]
		if score.Anomaly {
			anomalies++
		}

		det := d.buildDetection(row, score)
		if err := d.store.Insert(ctx, "ml", det, detection.OnConflictUpdate); err != nil {
			d.logger.Error("failed to store ml detection",
				zap.String("detection_id", det.DetectionID), zap.Error(err))
		}
	}

	if _, err := d.pool.Exec(ctx, `
		UPDATE ml_inference_state
		SET last_processed_timestamp = $1,
		    total_processed = total_processed + $2,
		    last_update = now()
		WHERE id = 1`,
		maxWindow, len(rows)); err != nil {
		return fmt.Errorf("advancing ml checkpoint: %w", err)
	}
	metrics.CheckpointTimestamp.WithLabelValues("ml").Set(float64(maxWindow.Unix()))

	d.logger.Info("ml inference pass complete",
		zap.Int("windows", len(rows)),
		zap.Int("anomalies", anomalies),
		zap.Time("checkpoint", maxWindow))
	return nil
}

func (d *Detector) buildDetection(row *detection.FeatureRow, score *WindowScore) *detection.Detection {
	return &detection.Detection{
		Timestamp:        row.WindowStart,
		DetectionID:      detection.MLDetectionID(row.WindowStart, row.Prefix, row.OriginAS),
		Prefix:           row.Prefix,
		PrefixLength:     detection.PrefixLength(row.Prefix),
		OriginAS:         row.OriginAS,
		EventType:        "ml_anomaly",
		MessageType:      "bgp_features_5min",
		RPKIStatus:       "unknown",
		RPKIAnomaly:      false,
		CombinedAnomaly:  score.Anomaly,
		CombinedScore:    score.Combined,
		CombinedSeverity: score.Severity,
		Classification:   "lstm_if_ensemble",
		Metadata: Metadata{
			ISOScore:       score.ISOScore,
			LSTMScore:      score.LSTMScore,
			ZISO:           score.ZISO,
			ZLSTM:          score.ZLSTM,
			EnsembleMethod: d.method,
			ModelVersion:   ModelVersion,
			FeatureColumns: FeatureColumns,
			Threshold:      d.threshold,
		},
	}
}

func (d *Detector) checkpoint(ctx context.Context) (time.Time, error) {
	var ts *time.Time
	err := d.pool.QueryRow(ctx,
		`SELECT last_processed_timestamp FROM ml_inference_state WHERE id = 1`,
	).Scan(&ts)
	if err != nil && !detection.MissingStateRow(err) {
		return time.Time{}, err
	}
	if err == nil && ts != nil {
		return ts.UTC(), nil
	}

	// The migration seeds this row; recover if it was lost.
	seed := time.Unix(0, 0).UTC()
	if _, ierr := d.pool.Exec(ctx, `
		INSERT INTO ml_inference_state (id, last_processed_timestamp)
		VALUES (1, $1)
		ON CONFLICT (id) DO NOTHING`, seed); ierr != nil {
		return time.Time{}, ierr
	}
	return seed, nil
}

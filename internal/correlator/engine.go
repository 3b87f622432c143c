package correlator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/route-beacon/bgp-sentry/internal/detection"
	"github.com/route-beacon/bgp-sentry/internal/metrics"
)

// correlationWindow groups detections whose timestamps fall in the same
// minute.
const correlationWindow = time.Minute

type Engine struct {
	pool      *pgxpool.Pool
	publisher *Publisher // nil when no broker is configured
	logger    *zap.Logger
	interval  time.Duration
}

func NewEngine(pool *pgxpool.Pool, publisher *Publisher, interval time.Duration, logger *zap.Logger) *Engine {
	return &Engine{pool: pool, publisher: publisher, logger: logger, interval: interval}
}

func (e *Engine) IsReady() bool { return true }

// Run correlates new detections on a fixed cadence until cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		if err := e.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Error("correlation pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce fetches detections past the id checkpoint, classifies each
// (prefix, origin AS, minute) group, and writes all member updates in one
// transaction before advancing the checkpoint.
func (e *Engine) RunOnce(ctx context.Context) error {
	lastID, err := e.checkpoint(ctx)
	if err != nil {
		return fmt.Errorf("reading correlator checkpoint: %w", err)
	}

	rows, err := e.fetchNewDetections(ctx, lastID)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	groups := groupDetections(rows)

	type memberUpdate struct {
		detectionID string
		outcome     *Outcome
		window      time.Time
	}
	var updates []memberUpdate
	maxID := lastID

	for _, g := range groups {
		outcome := Classify(Summarize(g.members))
		metrics.CorrelatedGroupsTotal.WithLabelValues(outcome.Classification).Inc()

		for _, m := range g.members {
			if m.ID > maxID {
				maxID = m.ID
			}
			updates = append(updates, memberUpdate{m.DetectionID, &outcome, g.window})
		}

		if e.publisher != nil && outcome.Classification != "NORMAL" {
			if err := e.publisher.PublishIncident(ctx, g.prefix, g.originAS, g.window, &outcome); err != nil {
				e.logger.Warn("incident publish failed",
					zap.String("prefix", g.prefix), zap.Error(err))
			}
		}
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("starting correlation tx: %w", err)
	}
	defer tx.Rollback(ctx)

	start := time.Now()
	for _, u := range updates {
		meta, err := correlationMetadata(u.outcome, u.window)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE hybrid_anomaly_detections
			SET classification = $1,
			    combined_severity = $2,
			    metadata = metadata || $3::jsonb
			WHERE detection_id = $4`,
			u.outcome.Classification, string(u.outcome.FinalSeverity),
			meta, u.detectionID); err != nil {
			return fmt.Errorf("updating detection %s: %w", u.detectionID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing correlation tx: %w", err)
	}
	metrics.DBWriteDuration.WithLabelValues("correlator", "update_detections").Observe(time.Since(start).Seconds())
	metrics.DBRowsAffectedTotal.WithLabelValues("correlator", "hybrid_anomaly_detections", "update").Add(float64(len(updates)))

	if err := e.advanceCheckpoint(ctx, maxID, len(rows)); err != nil {
		return err
	}

	e.logger.Info("correlation pass complete",
		zap.Int("detections", len(rows)),
		zap.Int("groups", len(groups)),
		zap.Int64("checkpoint", maxID))
	return nil
}

type group struct {
	prefix   string
	originAS int64
	window   time.Time
	members  []*DetectionRow
}

// groupDetections buckets rows by (prefix, origin AS, minute), returning
// groups in a stable order.
func groupDetections(rows []DetectionRow) []*group {
	type key struct {
		prefix   string
		originAS int64
		window   time.Time
	}
	byKey := make(map[key]*group)
	var order []key

	for i := range rows {
		row := &rows[i]
		k := key{row.Prefix, row.OriginAS, row.Timestamp.Truncate(correlationWindow)}
		g, ok := byKey[k]
		if !ok {
			g = &group{prefix: k.prefix, originAS: k.originAS, window: k.window}
			byKey[k] = g
			order = append(order, k)
		}
		g.members = append(g.members, row)
	}

	out := make([]*group, len(order))
	for i, k := range order {
		out[i] = byKey[k]
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].window.Equal(out[b].window) {
			return out[a].window.Before(out[b].window)
		}
		return out[a].prefix < out[b].prefix
	})
	return out
}

func correlationMetadata(outcome *Outcome, window time.Time) ([]byte, error) {
	meta := map[string]any{
		"correlation": map[string]any{
			"source_count":   outcome.SourceCount,
			"classification": outcome.Classification,
			"final_severity": string(outcome.FinalSeverity),
			"reasoning":      outcome.Reasoning,
			"time_window":    window.UTC().Format(time.RFC3339),
			"correlated_at":  time.Now().UTC().Format(time.RFC3339),
		},
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshaling correlation metadata: %w", err)
	}
	return b, nil
}

func (e *Engine) fetchNewDetections(ctx context.Context, lastID int64) ([]DetectionRow, error) {
	rows, err := e.pool.Query(ctx, `
		SELECT id, timestamp, detection_id, prefix, origin_as,
		       event_type, rpki_status, combined_severity, metadata
		FROM hybrid_anomaly_detections
		WHERE id > $1
		ORDER BY id ASC`,
		lastID)
	if err != nil {
		return nil, fmt.Errorf("querying new detections: %w", err)
	}
	defer rows.Close()

	var out []DetectionRow
	for rows.Next() {
		var d DetectionRow
		var severity string
		if err := rows.Scan(&d.ID, &d.Timestamp, &d.DetectionID, &d.Prefix, &d.OriginAS,
			&d.EventType, &d.RPKIStatus, &severity, &d.Metadata); err != nil {
			return nil, fmt.Errorf("scanning detection: %w", err)
		}
		d.Timestamp = d.Timestamp.UTC()
		d.CombinedSeverity = detection.Severity(severity)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (e *Engine) checkpoint(ctx context.Context) (int64, error) {
	var lastID int64
	err := e.pool.QueryRow(ctx,
		`SELECT COALESCE(last_processed_id, 0) FROM correlation_engine_state WHERE id = 1`,
	).Scan(&lastID)
	if detection.MissingStateRow(err) {
		return 0, nil
	}
	return lastID, err
}

func (e *Engine) advanceCheckpoint(ctx context.Context, lastID int64, processed int) error {
	if _, err := e.pool.Exec(ctx, `
		UPDATE correlation_engine_state
		SET last_processed_id = $1,
		    total_processed = total_processed + $2,
		    last_update = now()
		WHERE id = 1`,
		lastID, processed); err != nil {
		return fmt.Errorf("advancing correlator checkpoint: %w", err)
	}
	return nil
}

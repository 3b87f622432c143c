package collector

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/route-beacon/bgp-sentry/internal/identity"
	"github.com/route-beacon/bgp-sentry/internal/metrics"
)

// Writer persists parsed UPDATE rows. Peer and path-attribute bundles are
// deduplicated by deterministic hash_id; every prefix event gets a fresh
// ip_rib row.
type Writer struct {
	pool         *pgxpool.Pool
	logger       *zap.Logger
	routerHashID uuid.UUID
	enc          *zstd.Encoder
}

func NewWriter(pool *pgxpool.Pool, storeRawFrames bool, logger *zap.Logger) (*Writer, error) {
	w := &Writer{
		pool:         pool,
		logger:       logger,
		routerHashID: uuid.New(),
	}
	if storeRawFrames {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
		w.enc = enc
	}
	return w, nil
}

// HandleUpdate upserts the peer once and writes one ip_rib row per prefix.
// Per-row failures are logged and skipped so one bad prefix cannot stall
// the stream.
func (w *Writer) HandleUpdate(ctx context.Context, peer PeerInfo, rows []UpdateRow) error {
	if len(rows) == 0 {
		return nil
	}

	peerHashID := identity.PeerHashID(peer.Addr, peer.ASN)
	if err := w.upsertPeer(ctx, peerHashID, peer); err != nil {
		return fmt.Errorf("upserting peer %s: %w", peer.Addr, err)
	}

	metrics.BatchSize.WithLabelValues("collector").Observe(float64(len(rows)))

	for i := range rows {
		row := &rows[i]
		if err := w.writeRow(ctx, peerHashID, row); err != nil {
			w.logger.Warn("failed to write prefix row",
				zap.String("prefix", row.Prefix),
				zap.Bool("withdrawn", row.Withdrawn),
				zap.Error(err))
			continue
		}
		kind := "announcement"
		if row.Withdrawn {
			kind = "withdrawal"
		}
		metrics.UpdatesWrittenTotal.WithLabelValues(kind).Inc()
	}
	return nil
}

func (w *Writer) upsertPeer(ctx context.Context, hashID uuid.UUID, peer PeerInfo) error {
	start := time.Now()
	tag, err := w.pool.Exec(ctx, `
		INSERT INTO bgp_peers (hash_id, router_hash_id, peer_rd, isipv4, peer_addr, peer_as, state, first_seen)
		VALUES ($1, $2, '0:0', $3, $4, $5, 'up', now())
		ON CONFLICT (hash_id) DO NOTHING`,
		hashID, w.routerHashID, isIPv4(peer.Addr), peer.Addr, peer.ASN)
	metrics.DBWriteDuration.WithLabelValues("collector", "upsert_peer").Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		metrics.UpsertConflictsTotal.WithLabelValues("bgp_peers").Inc()
	}
	return nil
}

func (w *Writer) writeRow(ctx context.Context, peerHashID uuid.UUID, row *UpdateRow) error {
	baseAttrHashID := identity.BaseAttrsHashID(row.ASPath, row.OriginAS, row.NextHop)

	start := time.Now()
	tag, err := w.pool.Exec(ctx, `
		INSERT INTO base_attrs (hash_id, peer_hash_id, origin, as_path, as_path_count, origin_as, next_hop, nexthop_isipv4, timestamp)
		VALUES ($1, $2, 'IGP', $3, $4, $5, $6, $7, $8)
		ON CONFLICT (hash_id) DO NOTHING`,
		baseAttrHashID, peerHashID, row.ASPath, len(row.ASPath), row.OriginAS,
		nullIfEmpty(row.NextHop), nextHopIsIPv4(row.NextHop), row.Timestamp)
	metrics.DBWriteDuration.WithLabelValues("collector", "upsert_base_attrs").Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("upserting base_attrs: %w", err)
	}
	if tag.RowsAffected() == 0 {
		metrics.UpsertConflictsTotal.WithLabelValues("base_attrs").Inc()
	}

	start = time.Now()
	_, err = w.pool.Exec(ctx, `
		INSERT INTO ip_rib (hash_id, base_attr_hash_id, peer_hash_id, isipv4, origin_as, prefix, prefix_len, timestamp, first_added_timestamp, iswithdrawn)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8, $9)`,
		uuid.New(), baseAttrHashID, peerHashID, row.IsIPv4, row.OriginAS,
		row.Prefix, row.PrefixLen, row.Timestamp, row.Withdrawn)
	metrics.DBWriteDuration.WithLabelValues("collector", "insert_ip_rib").Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("inserting ip_rib: %w", err)
	}
	metrics.DBRowsAffectedTotal.WithLabelValues("collector", "ip_rib", "insert").Inc()
	return nil
}

// ArchiveFrame stores the raw frame keyed by content hash. A no-op unless
// raw-frame storage was enabled at construction.
func (w *Writer) ArchiveFrame(ctx context.Context, raw []byte) error {
	if w.enc == nil {
		return nil
	}
	eventID := sha256.Sum256(raw)
	compressed := w.enc.EncodeAll(raw, nil)

	tag, err := w.pool.Exec(ctx, `
		INSERT INTO ris_raw_frames (event_id, received_at, frame)
		VALUES ($1, now(), $2)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID[:], compressed)
	if err != nil {
		return fmt.Errorf("archiving raw frame: %w", err)
	}
	if tag.RowsAffected() == 0 {
		metrics.UpsertConflictsTotal.WithLabelValues("ris_raw_frames").Inc()
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nextHopIsIPv4(nh string) bool {
	if nh == "" {
		return true
	}
	return !strings.Contains(nh, ":")
}

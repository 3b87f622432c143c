// Package collector consumes the RIS Live UPDATE stream and lands it in the
// RIB tables: peers and path-attribute bundles deduplicated by hash,
// announcements and withdrawals as append-only ip_rib rows.
package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/bgp-sentry/internal/metrics"
	"github.com/route-beacon/bgp-sentry/internal/ris"
)

type Collector struct {
	client         *ris.Client
	writer         *Writer
	logger         *zap.Logger
	reconnectDelay time.Duration
}

func New(client *ris.Client, writer *Writer, reconnectDelay time.Duration, logger *zap.Logger) *Collector {
	return &Collector{
		client:         client,
		writer:         writer,
		logger:         logger,
		reconnectDelay: reconnectDelay,
	}
}

// IsReady reports whether the feed connection is up.
func (c *Collector) IsReady() bool {
	return c.client.IsReady()
}

// Run drives the connect/read loop until the context is cancelled. Socket
// failures trigger a reconnect after a fixed delay; database failures are
// logged and the stream keeps going.
func (c *Collector) Run(ctx context.Context) error {
	for {
		if err := c.client.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("RIS Live connection failed", zap.Error(err))
			metrics.StreamReconnectsTotal.Inc()
			if err := sleepCtx(ctx, c.reconnectDelay); err != nil {
				return err
			}
			continue
		}

		err := c.readLoop(ctx)
		c.client.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("RIS Live stream interrupted, reconnecting",
			zap.Error(err),
			zap.Duration("delay", c.reconnectDelay))
		metrics.StreamReconnectsTotal.Inc()
		if err := sleepCtx(ctx, c.reconnectDelay); err != nil {
			return err
		}
	}
}

func (c *Collector) readLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		raw, err := c.client.ReadFrame()
		if err != nil {
			return err
		}
		c.process(ctx, raw)
	}
}

func (c *Collector) process(ctx context.Context, raw []byte) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return
	}

	var frame ris.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		metrics.ParseErrorsTotal.WithLabelValues("ris", "bad_json").Inc()
		c.logger.Warn("undecodable RIS frame", zap.Error(err))
		return
	}

	if frame.Type != ris.FrameTypeMessage || frame.Data.Type != ris.DataTypeUpdate {
		metrics.RISMessagesTotal.WithLabelValues("skipped").Inc()
		return
	}

	if err := c.writer.ArchiveFrame(ctx, raw); err != nil {
		c.logger.Warn("raw frame archive failed", zap.Error(err))
	}

	peer, rows, err := ParseUpdate(&frame.Data)
	if err != nil {
		metrics.RISMessagesTotal.WithLabelValues("dropped").Inc()
		metrics.ParseErrorsTotal.WithLabelValues("ris", "missing_timestamp").Inc()
		return
	}

	if err := c.writer.HandleUpdate(ctx, peer, rows); err != nil {
		metrics.RISMessagesTotal.WithLabelValues("db_error").Inc()
		c.logger.Warn("failed to persist update", zap.Error(err))
		return
	}
	metrics.RISMessagesTotal.WithLabelValues("processed").Inc()
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

package correlator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Incident is the message published for every non-NORMAL group, keyed by
// prefix|origin_as so one route's incidents stay ordered within a
// partition.
type Incident struct {
	Prefix         string    `json:"prefix"`
	OriginAS       int64     `json:"origin_as"`
	TimeWindow     time.Time `json:"time_window"`
	Classification string    `json:"classification"`
	Severity       string    `json:"severity"`
	SourceCount    int       `json:"source_count"`
	Reasoning      string    `json:"reasoning"`
	EmittedAt      time.Time `json:"emitted_at"`
}

type Publisher struct {
	client *kgo.Client
	topic  string
	logger *zap.Logger
}

func NewPublisher(brokers []string, topic string, logger *zap.Logger) (*Publisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating kafka client: %w", err)
	}
	return &Publisher{client: client, topic: topic, logger: logger}, nil
}

// PublishIncident produces one incident record synchronously.
func (p *Publisher) PublishIncident(ctx context.Context, prefix string, originAS int64, window time.Time, outcome *Outcome) error {
	payload, err := json.Marshal(Incident{
		Prefix:         prefix,
		OriginAS:       originAS,
		TimeWindow:     window.UTC(),
		Classification: outcome.Classification,
		Severity:       string(outcome.FinalSeverity),
		SourceCount:    outcome.SourceCount,
		Reasoning:      outcome.Reasoning,
		EmittedAt:      time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshaling incident: %w", err)
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(fmt.Sprintf("%s|%d", prefix, originAS)),
		Value: payload,
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("producing incident: %w", err)
	}
	return nil
}

func (p *Publisher) Close() {
	p.client.Close()
}

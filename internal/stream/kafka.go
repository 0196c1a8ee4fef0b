package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/rawblock/btn-forensics/pkg/models"
)

// Envelope is the wire format of every published event
type Envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	TS        int64           `json:"ts"` // unix millis
	Data      json.RawMessage `json:"data"`
}

const (
	EventFinding   = "finding"
	EventExpansion = "expansion"
)

// Publisher emits findings to a Kafka topic, one message per address
type Publisher struct {
	topic string
	sp    sarama.SyncProducer
	now   func() time.Time
}

func NewPublisher(brokersCSV, topic string) (*Publisher, error) {
	if topic == "" {
		return nil, errors.New("topic empty")
	}
	brokers := splitCSV(brokersCSV)
	if len(brokers) == 0 {
		return nil, errors.New("no brokers")
	}

	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 200 * time.Millisecond
	// SyncProducer must have Return.Successes=true
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true

	sp, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return NewPublisherWithProducer(sp, topic), nil
}

// NewPublisherWithProducer wraps an existing producer
func NewPublisherWithProducer(sp sarama.SyncProducer, topic string) *Publisher {
	return &Publisher{topic: topic, sp: sp, now: time.Now}
}

func (p *Publisher) Close() error {
	if p.sp != nil {
		return p.sp.Close()
	}
	return nil
}

// PublishFindings sends every finding keyed by address so a consumer sees a
// given address's history on one partition.
func (p *Publisher) PublishFindings(ctx context.Context, sessionID string, findings []models.Finding) error {
	if len(findings) == 0 {
		return nil
	}
	// SyncProducer does not take a context; check before sending.
	if err := ctx.Err(); err != nil {
		return err
	}

	msgs := make([]*sarama.ProducerMessage, 0, len(findings))
	for _, f := range findings {
		msg, err := p.message(EventFinding, sessionID, f.Address, f)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	if err := p.sp.SendMessages(msgs); err != nil {
		return fmt.Errorf("kafka publish findings: %w", err)
	}
	return nil
}

// PublishExpansion sends the cluster expansion summary keyed by session
func (p *Publisher) PublishExpansion(ctx context.Context, sessionID string, report models.ExpansionReport) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := p.message(EventExpansion, sessionID, sessionID, report)
	if err != nil {
		return err
	}
	if _, _, err := p.sp.SendMessage(msg); err != nil {
		return fmt.Errorf("kafka publish expansion: %w", err)
	}
	return nil
}

func (p *Publisher) message(typ, sessionID, key string, v any) (*sarama.ProducerMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(Envelope{Type: typ, SessionID: sessionID, TS: p.now().UnixMilli(), Data: data})
	if err != nil {
		return nil, err
	}
	return &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(b),
	}, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Package events publishes copilot verdicts and final call reports to Kafka.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"voice-copilot-go/internal/metrics"
)

const (
	KindVerdict     = "copilot.verdict"
	KindFinalReport = "copilot.final_report"
)

// Publisher writes report events keyed by call id. Without brokers it runs in
// log-only mode.
type Publisher struct {
	writer  *kafka.Writer
	topic   string
	enabled bool
	log     *logrus.Entry
	metrics *metrics.Metrics
}

type Config struct {
	Brokers []string
	Topic   string
	Enabled bool
}

func New(cfg *Config, log *logrus.Entry, m *metrics.Metrics) *Publisher {
	log = log.WithField("component", "events")

	if cfg == nil || !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info("kafka disabled, using log-only mode")
		p := &Publisher{log: log, metrics: m}
		if cfg != nil {
			p.topic = cfg.Topic
		}
		return p
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	}

	log.WithFields(logrus.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	}).Info("kafka publisher initialized")

	return &Publisher{
		writer:  writer,
		topic:   cfg.Topic,
		enabled: true,
		log:     log,
		metrics: m,
	}
}

// Publish marshals event and writes it with the call id as key, so every
// report of one call lands on the same partition.
func (p *Publisher) Publish(ctx context.Context, kind, callID string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		p.log.WithError(err).WithField("kind", kind).Error("failed to marshal event")
		return err
	}

	entry := p.log.WithFields(logrus.Fields{
		"topic":   p.topic,
		"kind":    kind,
		"call_id": callID,
	})
	entry.WithField("bytes", len(payload)).Debug("publishing event")

	if !p.enabled || p.writer == nil {
		p.metrics.RecordPublish(kind, nil)
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(callID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(kind)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		entry.WithError(err).Error("failed to write to kafka")
		p.metrics.RecordPublish(kind, err)
		return err
	}
	p.metrics.RecordPublish(kind, nil)
	return nil
}

func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	if err := p.writer.Close(); err != nil {
		p.log.WithError(err).Error("error closing kafka writer")
		return err
	}
	return nil
}

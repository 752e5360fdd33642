// Package kafkaexport is the optional northbound bridge: every
// msg-labeled envelope read off a publication reader is additionally
// produced onto a configured Kafka topic for an external analytics
// consumer, via a franz-go client (TLS/SASL wiring, ClientID,
// structured zap logging on every lifecycle event).
package kafkaexport

import (
	"context"
	"crypto/tls"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"go.uber.org/zap"

	"github.com/route-beacon/bgpmon/internal/bmf"
	"github.com/route-beacon/bgpmon/internal/queue"
)

// Exporter drains one publication reader and produces every msg-labeled
// envelope it sees onto a single Kafka topic, keyed by session ID so a downstream
// consumer group preserves per-session ordering.
type Exporter struct {
	client *kgo.Client
	topic  string
	logger *zap.Logger
}

// NewExporter builds the franz-go client. tlsCfg/saslMech may be nil.
func NewExporter(brokers []string, clientID, topic string, tlsCfg *tls.Config, saslMech sasl.Mechanism, logger *zap.Logger) (*Exporter, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.DefaultProduceTopic(topic),
	}
	if tlsCfg != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	if saslMech != nil {
		opts = append(opts, kgo.SASL(saslMech))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	return &Exporter{client: client, topic: topic, logger: logger}, nil
}

// Run reads envelopes from r until ctx is cancelled or the publication is
// closed, producing each one as it arrives. Only TypeMsgLabeled envelopes
// are exported; every other envelope type is this bridge's business to
// skip, not the publication's.
func (e *Exporter) Run(ctx context.Context, pub *queue.Publication, r *queue.Reader) {
	for {
		envs, err := pub.Read(ctx, r, 64)
		if err != nil {
			if err != queue.ErrClosed {
				e.logger.Warn("kafka export: read failed", zap.Error(err))
			}
			return
		}
		for _, env := range envs {
			if env.Type != bmf.TypeMsgLabeled {
				continue
			}
			e.produce(ctx, env)
		}
	}
}

func (e *Exporter) produce(ctx context.Context, env bmf.Envelope) {
	rec := &kgo.Record{
		Topic: e.topic,
		Key:   sessionKey(env.SessionID),
		Value: env.Payload,
	}
	e.client.Produce(ctx, rec, func(_ *kgo.Record, err error) {
		if err != nil {
			e.logger.Error("kafka export: produce failed", zap.Int("session_id", env.SessionID), zap.Error(err))
		}
	})
}

func sessionKey(sessionID int) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[7-i] = byte(sessionID >> (8 * i))
	}
	return b
}

// Close flushes any buffered records and closes the underlying client.
func (e *Exporter) Close() {
	e.client.Close()
}

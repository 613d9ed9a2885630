// Package events publishes finalized blocks and analysis results to Kafka.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/analysis"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/logging"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Event types, also sent as the eventType header.
const (
	TypeBlockFinalized   = "block.finalized"
	TypeAnalysisAttached = "analysis.attached"
	TypeAnalysisDropped  = "analysis.dropped"
	TypeSessionClosed    = "session.closed"
)

const queueSize = 256

var errQueueFull = errors.New("event queue full")

type Envelope struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId"`
	BlockID   string    `json:"blockId,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageWriter is the subset of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type pending struct {
	writer MessageWriter
	topic  string
	msg    kafka.Message
}

// Publisher forwards session facts to Kafka from a background worker so the
// session loop never waits on the brokers. When Kafka is disabled it only logs.
type Publisher struct {
	blocks    MessageWriter
	analyses  MessageWriter
	topicBlk  string
	topicAna  string
	principal string
	enabled   bool
	log       zerolog.Logger
	now       func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan pending
	done   chan struct{}

	published metric.Int64Counter
	failed    metric.Int64Counter
}

// New builds a publisher from config. Brokers are dialed lazily on first write.
func New(cfg config.KafkaConfig, log zerolog.Logger) *Publisher {
	log = logging.WithComponent(log, "events")
	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("kafka disabled, using log-only mode")
		return newPublisher(cfg, nil, nil, log)
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{Dial: dialer.DialFunc}
	writer := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafka.RequireOne,
			Transport:    transport,
		}
	}

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicBlocks", cfg.TopicBlocks).
		Str("topicAnalysis", cfg.TopicAnalysis).
		Str("principal", cfg.Principal).
		Msg("kafka publisher initialized")
	return newPublisher(cfg, writer(cfg.TopicBlocks), writer(cfg.TopicAnalysis), log)
}

// NewWithWriters is New with caller-supplied writers.
func NewWithWriters(cfg config.KafkaConfig, blocks, analyses MessageWriter, log zerolog.Logger) *Publisher {
	return newPublisher(cfg, blocks, analyses, logging.WithComponent(log, "events"))
}

func newPublisher(cfg config.KafkaConfig, blocks, analyses MessageWriter, log zerolog.Logger) *Publisher {
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/internal/events")
	published, _ := meter.Int64Counter("scribe.events.published",
		metric.WithDescription("Session events written to Kafka"))
	failed, _ := meter.Int64Counter("scribe.events.failed",
		metric.WithDescription("Session events Kafka rejected or the queue dropped"))

	p := &Publisher{
		blocks:    blocks,
		analyses:  analyses,
		topicBlk:  cfg.TopicBlocks,
		topicAna:  cfg.TopicAnalysis,
		principal: cfg.Principal,
		enabled:   blocks != nil && analyses != nil,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
		queue:     make(chan pending, queueSize),
		done:      make(chan struct{}),
		published: published,
		failed:    failed,
	}
	go p.drain()
	return p
}

func (p *Publisher) Enabled() bool { return p.enabled }

func (p *Publisher) BlockFinalized(ctx context.Context, sessionID string, b transcript.Block) {
	p.enqueue(ctx, p.blocks, p.topicBlk, Envelope{Type: TypeBlockFinalized, SessionID: sessionID, BlockID: b.ID, Payload: b})
}

func (p *Publisher) AnalysisAttached(ctx context.Context, sessionID, blockID string, r analysis.Result) {
	p.enqueue(ctx, p.analyses, p.topicAna, Envelope{Type: TypeAnalysisAttached, SessionID: sessionID, BlockID: blockID, Payload: r})
}

func (p *Publisher) AnalysisDropped(ctx context.Context, sessionID string, req analysis.Request) {
	p.enqueue(ctx, p.analyses, p.topicAna, Envelope{Type: TypeAnalysisDropped, SessionID: sessionID, BlockID: req.BlockID, Payload: req.Wire()})
}

func (p *Publisher) SessionClosed(ctx context.Context, sessionID string) {
	p.enqueue(ctx, p.blocks, p.topicBlk, Envelope{Type: TypeSessionClosed, SessionID: sessionID})
}

func (p *Publisher) enqueue(ctx context.Context, writer MessageWriter, topic string, env Envelope) {
	env.Timestamp = p.now()
	payload, err := json.Marshal(env)
	if err != nil {
		p.log.Error().Err(err).Str("topic", topic).Msg("failed to marshal event")
		return
	}

	p.log.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("key", env.SessionID).
		RawJSON("payload", payload).
		Msg("publishing event")

	if !p.enabled {
		return
	}

	msg := kafka.Message{
		Key:   []byte(env.SessionID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(env.Type)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- pending{writer: writer, topic: topic, msg: msg}:
	default:
		p.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
		p.log.Warn().Err(errQueueFull).Str("topic", topic).Str("type", env.Type).Msg("dropping event")
	}
}

func (p *Publisher) drain() {
	defer close(p.done)
	for item := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := item.writer.WriteMessages(ctx, item.msg)
		cancel()
		attrs := metric.WithAttributes(attribute.String("topic", item.topic))
		if err != nil {
			p.failed.Add(context.Background(), 1, attrs)
			p.log.Error().Err(err).Str("topic", item.topic).Str("key", string(item.msg.Key)).Msg("failed to write to kafka")
			continue
		}
		p.published.Add(context.Background(), 1, attrs)
	}
}

// Close flushes queued events and closes both writers.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	<-p.done

	var errs []error
	if p.blocks != nil {
		if err := p.blocks.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.analyses != nil {
		if err := p.analyses.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Package feedevents publishes one Kafka event per served feed.
package feedevents

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"

	"github.com/mohammed-shakir/ais-feed-cache/internal/core/observability"
)

type Event struct {
	Key        string    `json:"key"`
	Route      string    `json:"route"`
	Outcome    string    `json:"outcome"` // HIT, MISS, COALESCED or ERROR
	Written    int       `json:"written"`
	Bytes      int64     `json:"bytes"`
	DurationMS int64     `json:"duration_ms"`
	TS         time.Time `json:"ts"`
	Mode       string    `json:"mode,omitempty"`
}

// Sink accepts events without blocking the caller.
type Sink interface {
	Publish(Event)
}

type Nop struct{}

func (Nop) Publish(Event) {}

type Publisher struct {
	topic   string
	log     *slog.Logger
	events  chan Event
	prod    sarama.AsyncProducer
	stopped chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewPublisher(brokers []string, topic string, queueSize int, log *slog.Logger) (*Publisher, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false
	cfg.Producer.RequiredAcks = sarama.WaitForLocal

	prod, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("feedevents: create async producer: %w", err)
	}
	return NewWithProducer(prod, topic, queueSize, log), nil
}

// NewWithProducer publishes through an existing producer, which the
// Publisher then owns.
func NewWithProducer(prod sarama.AsyncProducer, topic string, queueSize int, log *slog.Logger) *Publisher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	p := &Publisher{
		topic:   topic,
		log:     log,
		events:  make(chan Event, queueSize),
		prod:    prod,
		stopped: make(chan struct{}),
	}

	go func() {
		defer close(p.stopped)
		for ev := range p.events {
			b, err := json.Marshal(ev)
			if err != nil {
				p.log.Warn("feedevents: marshal error", "err", err)
				continue
			}
			p.prod.Input() <- &sarama.ProducerMessage{
				Topic: p.topic,
				Key:   sarama.StringEncoder(ev.Key),
				Value: sarama.ByteEncoder(b),
			}
		}
	}()

	go func() {
		for err := range p.prod.Errors() {
			if err != nil {
				p.log.Warn("feedevents: producer error", "err", err)
			}
		}
	}()

	return p
}

// Publish enqueues ev, dropping it when the queue is full or the
// publisher is closed.
func (p *Publisher) Publish(ev Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.events <- ev:
	default:
		observability.IncFeedEventDropped()
	}
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.events)
	p.mu.Unlock()

	<-p.stopped
	if err := p.prod.Close(); err != nil {
		return fmt.Errorf("feedevents: close producer: %w", err)
	}
	return nil
}

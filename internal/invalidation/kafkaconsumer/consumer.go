package kafkaconsumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"

	obs "github.com/mohammed-shakir/ais-feed-cache/internal/core/observability"
	"github.com/mohammed-shakir/ais-feed-cache/internal/invalidation"
)

// DayInvalidator drops every cached artifact covering a day.
type DayInvalidator interface {
	InvalidateDay(day time.Time) int
}

type Consumer struct {
	cfg    Config
	logger *slog.Logger
	store  DayInvalidator
	seen   *versionDedupe

	assigned atomic.Bool
	assignMu sync.RWMutex
	assign   map[int32]struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(cfg Config, logger *slog.Logger, store DayInvalidator) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		cfg:    cfg,
		logger: logger.With("component", "kafka_consumer"),
		store:  store,
		seen:   newVersionDedupe(cfg.DedupeSize),
		assign: map[int32]struct{}{},
	}
}

// Start joins the consumer group in the background. It returns nil
// without connecting when the consumer is disabled.
func (c *Consumer) Start(ctx context.Context) error {
	if !c.cfg.Enabled {
		c.logger.Info("invalidation consumer disabled")
		return nil
	}
	if c.store == nil {
		return errors.New("kafkaconsumer: missing cache dependency")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	if c.cfg.InitialOffsetOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Offsets.AutoCommit.Enable = true
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	h := c.handler()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if err := group.Close(); err != nil {
				c.logger.Error("kafka consumer group close", "err", err)
			}
		}()
		for {
			if err := group.Consume(ctx, []string{c.cfg.Topic}, h); err != nil {
				c.logger.Error("kafka consume error", "err", err, "topic", c.cfg.Topic)
				select {
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for err := range group.Errors() {
			c.logger.Error("kafka group error", "err", err)
		}
	}()

	c.logger.Info("kafka invalidation consumer starting",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.GroupID)
	return nil
}

func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// Readiness reports whether the group currently holds partitions.
func (c *Consumer) Readiness() (ready bool, partitions []int32) {
	if !c.assigned.Load() {
		return false, nil
	}
	c.assignMu.RLock()
	defer c.assignMu.RUnlock()
	for p := range c.assign {
		partitions = append(partitions, p)
	}
	slices.Sort(partitions)
	return true, partitions
}

func (c *Consumer) handler() *groupHandler {
	return &groupHandler{
		setup: func(sess sarama.ConsumerGroupSession) {
			c.assignMu.Lock()
			c.assign = map[int32]struct{}{}
			for _, parts := range sess.Claims() {
				for _, p := range parts {
					c.assign[p] = struct{}{}
				}
			}
			c.assigned.Store(true)
			c.assignMu.Unlock()
		},
		cleanup: func(sarama.ConsumerGroupSession) {
			c.assignMu.Lock()
			c.assigned.Store(false)
			c.assign = map[int32]struct{}{}
			c.assignMu.Unlock()
		},
		process: c.ProcessOne,
	}
}

// ProcessOne applies a single day-republish event. Undecodable, invalid
// and stale events are counted and skipped so their offsets advance.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	start := time.Now()
	defer func() { obs.ObserveUpstreamLatency("kafka_invalidation", time.Since(start).Seconds()) }()

	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		obs.IncInvalidation("decode_error")
		c.logger.Warn("invalidation decode failed",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}
	if err := ev.Validate(); err != nil {
		obs.IncInvalidation("invalid")
		c.logger.Warn("invalidation event rejected",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("invalidate %s: %w", ev.Day, err)
	}

	day, _ := ev.Date()
	if !c.seen.shouldApply(ev.Day, ev.TS.UnixNano()) {
		obs.IncInvalidation("stale")
		c.logger.Debug("stale invalidation skipped", "day", ev.Day, "ts", ev.TS)
		return nil
	}

	n := c.store.InvalidateDay(day)
	obs.IncInvalidation("applied")
	c.logger.Info("invalidated day", "day", ev.Day, "op", ev.Op, "removed", n)
	return nil
}

package kafkaconsumer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/ais-feed-cache/internal/core/config"
)

type fakeStore struct {
	mu   sync.Mutex
	days []time.Time
}

func (f *fakeStore) InvalidateDay(day time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.days = append(f.days, day)
	return 1
}

func (f *fakeStore) calls() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.days...)
}

type sess struct {
	ctx    context.Context
	claims map[string][]int32
	mu     sync.Mutex
	marked []int64
}

func (s *sess) Claims() map[string][]int32 { return s.claims }
func (s *sess) MemberID() string           { return "" }
func (s *sess) GenerationID() int32        { return 0 }
func (s *sess) MarkMessage(m *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	s.marked = append(s.marked, m.Offset)
	s.mu.Unlock()
}
func (s *sess) ResetOffset(_ string, _ int32, _ int64, _ string) {}
func (s *sess) MarkOffset(_ string, _ int32, _ int64, _ string)  {}
func (s *sess) Context() context.Context                         { return s.ctx }
func (s *sess) Errors() <-chan error                             { return nil }
func (s *sess) Commit()                                          {}

type claim struct {
	part int32
	msgs chan *sarama.ConsumerMessage
}

func (c *claim) Topic() string                            { return "ais-day-republish" }
func (c *claim) Partition() int32                         { return c.part }
func (c *claim) InitialOffset() int64                     { return 0 }
func (c *claim) HighWaterMarkOffset() int64               { return 0 }
func (c *claim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

func eventBytes(day string, ts time.Time) []byte {
	return fmt.Appendf(nil, `{"version":1,"op":"republish","day":%q,"ts":%q}`, day, ts.UTC().Format(time.RFC3339Nano))
}

func newConsumerForTest(fs *fakeStore) *Consumer {
	cfg := Config{Brokers: []string{"x"}, Topic: "ais-day-republish", GroupID: "g"}
	return New(cfg, slog.New(slog.DiscardHandler), fs)
}

func msgs(vals ...[]byte) chan *sarama.ConsumerMessage {
	ch := make(chan *sarama.ConsumerMessage, len(vals))
	for i, v := range vals {
		ch <- &sarama.ConsumerMessage{Topic: "ais-day-republish", Offset: int64(10 + i), Value: v}
	}
	close(ch)
	return ch
}

func TestSinglePartition_OrderAndCommitAfterWork(t *testing.T) {
	fs := &fakeStore{}
	c := newConsumerForTest(fs)
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	s := &sess{ctx: t.Context()}
	ch := msgs(eventBytes("2024-01-02", ts), eventBytes("2024-01-03", ts))
	if err := c.handler().ConsumeClaim(s, &claim{msgs: ch}); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}

	if len(s.marked) != 2 || s.marked[0] != 10 || s.marked[1] != 11 {
		t.Fatalf("marked offsets=%v want [10 11]", s.marked)
	}
	days := fs.calls()
	if len(days) != 2 || days[0].Day() != 2 || days[1].Day() != 3 {
		t.Fatalf("invalidated days=%v", days)
	}
}

func TestStaleEventsAreSkipped(t *testing.T) {
	fs := &fakeStore{}
	c := newConsumerForTest(fs)
	newer := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	older := newer.Add(-time.Hour)

	s := &sess{ctx: t.Context()}
	ch := msgs(
		eventBytes("2024-01-02", newer),
		eventBytes("2024-01-02", older),
		eventBytes("2024-01-02", newer),
		eventBytes("2024-01-03", older),
	)
	if err := c.handler().ConsumeClaim(s, &claim{msgs: ch}); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if len(s.marked) != 4 {
		t.Fatalf("stale events must still be marked; marked=%v", s.marked)
	}
	if got := len(fs.calls()); got != 2 {
		t.Fatalf("applied=%d want 2", got)
	}
}

func TestInvalidMessagesAreMarkedNotApplied(t *testing.T) {
	fs := &fakeStore{}
	c := newConsumerForTest(fs)

	s := &sess{ctx: t.Context()}
	ch := msgs(
		[]byte("{not json"),
		[]byte(`{"version":1,"op":"update","day":"2024-01-02","ts":"2025-01-01T00:00:00Z"}`),
		[]byte(`{"version":1,"op":"delete","day":"20240102","ts":"2025-01-01T00:00:00Z"}`),
	)
	if err := c.handler().ConsumeClaim(s, &claim{msgs: ch}); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if len(s.marked) != 3 {
		t.Fatalf("marked=%v want 3 offsets", s.marked)
	}
	if len(fs.calls()) != 0 {
		t.Fatalf("invalid events must not invalidate")
	}
}

func TestCanceledContextLeavesOffsetUnmarked(t *testing.T) {
	fs := &fakeStore{}
	c := newConsumerForTest(fs)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	msg := &sarama.ConsumerMessage{Offset: 5, Value: eventBytes("2024-01-02", time.Now())}
	if err := c.ProcessOne(ctx, msg); err == nil {
		t.Fatalf("expected error with canceled context")
	}
	if len(fs.calls()) != 0 {
		t.Fatalf("nothing should be invalidated")
	}
}

func TestMultiPartition_Parallel(t *testing.T) {
	fs := &fakeStore{}
	c := newConsumerForTest(fs)
	g := c.handler()
	s := &sess{ctx: t.Context()}
	ts := time.Now()

	p0 := msgs(eventBytes("2024-01-01", ts), eventBytes("2024-01-02", ts))
	p1 := msgs(eventBytes("2024-02-01", ts), eventBytes("2024-02-02", ts))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = g.ConsumeClaim(s, &claim{part: 0, msgs: p0}) }()
	go func() { defer wg.Done(); _ = g.ConsumeClaim(s, &claim{part: 1, msgs: p1}) }()
	wg.Wait()

	if len(s.marked) != 4 {
		t.Fatalf("expected 4 marks total; got %v", s.marked)
	}
	if len(fs.calls()) != 4 {
		t.Fatalf("expected 4 invalidations; got %d", len(fs.calls()))
	}
}

func TestReadinessFollowsAssignment(t *testing.T) {
	c := newConsumerForTest(&fakeStore{})
	if ready, _ := c.Readiness(); ready {
		t.Fatalf("ready before setup")
	}
	g := c.handler()
	s := &sess{ctx: t.Context(), claims: map[string][]int32{"ais-day-republish": {2, 0}}}
	_ = g.Setup(s)

	ready, parts := c.Readiness()
	if !ready || len(parts) != 2 || parts[0] != 0 || parts[1] != 2 {
		t.Fatalf("ready=%v parts=%v", ready, parts)
	}
	_ = g.Cleanup(s)
	if ready, _ := c.Readiness(); ready {
		t.Fatalf("ready after cleanup")
	}
}

func TestStart_DisabledIsNoop(t *testing.T) {
	c := New(Config{}, nil, &fakeStore{})
	if err := c.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.Stop()
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.InvalidationCfg{
		Enabled: true, Driver: "kafka", Topic: "t", Brokers: "a:9092, b:9092", GroupID: "g",
	})
	if !cfg.Enabled || len(cfg.Brokers) != 2 || cfg.Brokers[1] != "b:9092" {
		t.Fatalf("cfg=%+v", cfg)
	}
	if FromConfig(config.InvalidationCfg{Enabled: true, Driver: "none"}).Enabled {
		t.Fatalf("driver none must disable")
	}
}

// Package fetch downloads one day of AIS positions and streams its records
// straight out of the zipped CSV while the transfer is still running.
package fetch

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/mohammed-shakir/ais-feed-cache/internal/core/feederr"
	"github.com/mohammed-shakir/ais-feed-cache/internal/core/model"
	"github.com/mohammed-shakir/ais-feed-cache/internal/core/observability"
	"github.com/mohammed-shakir/ais-feed-cache/internal/fetch/ziprecord"
)

type Config struct {
	// URLTemplate may contain {YYYY}, {MM} and {DD}.
	URLTemplate    string
	Retries        int
	Timeout        time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	BreakerFails   int
	BreakerTimeout time.Duration
}

type State int32

const (
	StateInit State = iota
	StateConnecting
	StateDecompressing
	StateParsing
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateDecompressing:
		return "decompressing"
	case StateParsing:
		return "parsing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type Option func(*Fetcher)

// WithStateHook observes every state transition of every fetch.
func WithStateHook(fn func(day string, s State)) Option {
	return func(f *Fetcher) { f.onState = fn }
}

// WithSleep replaces the retry backoff wait.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(f *Fetcher) { f.sleep = fn }
}

type Fetcher struct {
	cfg     Config
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
	log     *slog.Logger
	onState func(day string, s State)
	sleep   func(ctx context.Context, d time.Duration) error
}

const upstreamName = "ais-archive"

func New(cfg Config, client *http.Client, log *slog.Logger, opts ...Option) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	if cfg.BreakerFails <= 0 {
		cfg.BreakerFails = 5
	}
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	f := &Fetcher{cfg: cfg, client: client, log: log, sleep: sleepCtx}
	for _, o := range opts {
		o(f)
	}

	fails := uint32(min(cfg.BreakerFails, math.MaxUint32))
	f.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:    upstreamName,
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= fails
		},
		// a missing day is an answer, not an outage
		IsSuccessful: func(err error) bool {
			var se *StatusError
			return err == nil || (errors.As(err, &se) && !se.retryable())
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("upstream breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return f
}

// StatusError is a non-2xx upstream response.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.URL, e.Code)
}

func (e *StatusError) retryable() bool {
	switch e.Code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return e.Code >= 500
}

// URL resolves the archive location for day.
func (f *Fetcher) URL(day time.Time) string {
	return strings.NewReplacer(
		"{YYYY}", day.Format("2006"),
		"{MM}", day.Format("01"),
		"{DD}", day.Format("02"),
	).Replace(f.cfg.URLTemplate)
}

// FetchDay invokes onRecord for every record of day, in file order. An
// error from onRecord stops delivery and is returned as a CallbackError.
func (f *Fetcher) FetchDay(ctx context.Context, day string, onRecord func(model.Record) error) error {
	for rec, err := range f.Records(ctx, day) {
		if err != nil {
			return err
		}
		if cerr := onRecord(rec); cerr != nil {
			f.setState(ctx, day, StateFailed)
			observability.IncFetchError(feederr.KindCallback.String())
			return feederr.Callback("fetch "+day, cerr)
		}
	}
	return nil
}

// Records yields the records of day one at a time. A failure is yielded
// once as a classified error and ends the sequence. Breaking out of the
// loop closes the download.
func (f *Fetcher) Records(ctx context.Context, day string) iter.Seq2[model.Record, error] {
	return func(yield func(model.Record, error) bool) {
		d, err := time.Parse(time.DateOnly, day)
		if err != nil {
			yield(nil, feederr.Invalid("fetch", "invalid day %q", day))
			return
		}
		op := "fetch " + day
		f.setState(ctx, day, StateInit)

		fail := func(err error) {
			f.setState(ctx, day, StateFailed)
			observability.IncFetchError(feederr.KindOf(err).String())
			f.log.WarnContext(ctx, "fetch failed", "day", day, "err", err)
			yield(nil, err)
		}

		body, actx, cancel, err := f.open(ctx, day, d)
		if err != nil {
			fail(err)
			return
		}
		defer cancel()
		defer body.Close()

		f.setState(ctx, day, StateDecompressing)
		entry, name, err := ziprecord.Open(body, isCSV)
		if err != nil {
			fail(classify(actx, op, err))
			return
		}
		defer entry.Close()

		f.setState(ctx, day, StateParsing)
		f.log.DebugContext(ctx, "archive entry", "day", day, "entry", name)
		rows := newRowReader(entry)
		for {
			rec, err := rows.Next()
			if errors.Is(err, io.EOF) {
				f.setState(ctx, day, StateDone)
				return
			}
			if err != nil {
				fail(classify(actx, op, err))
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// open connects with retries. Only connecting is retried; once the body is
// handed out, failures are final. The returned context bounds the whole
// transfer of the successful attempt.
func (f *Fetcher) open(ctx context.Context, dayStr string, day time.Time) (io.ReadCloser, context.Context, context.CancelFunc, error) {
	op := "fetch " + dayStr
	url := f.URL(day)
	var lastErr error
	for attempt := 0; attempt <= f.cfg.Retries; attempt++ {
		if attempt > 0 {
			observability.IncFetchRetry()
			wait := f.backoff(attempt)
			f.log.InfoContext(ctx, "retrying upstream", "day", dayStr, "attempt", attempt, "wait", wait, "err", lastErr)
			if err := f.sleep(ctx, wait); err != nil {
				return nil, nil, nil, feederr.Network(op, fmt.Errorf("retry wait: %w", err))
			}
		}
		f.setState(ctx, dayStr, StateConnecting)

		actx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
		start := time.Now()
		resp, err := f.breaker.Execute(func() (*http.Response, error) {
			return f.connect(actx, url)
		})
		if err == nil {
			observability.ObserveUpstreamLatency(upstreamName, time.Since(start).Seconds())
			return resp.Body, actx, cancel, nil
		}
		cancel()
		lastErr = err
		if ctx.Err() != nil || !retryable(err) {
			break
		}
	}
	return nil, nil, nil, feederr.Network(op, lastErr)
}

func (f *Fetcher) connect(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		_ = resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, URL: url}
	}
	return resp, nil
}

func retryable(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.retryable()
	}
	// transport errors, including the per-attempt deadline
	return true
}

func (f *Fetcher) backoff(attempt int) time.Duration {
	delay := float64(f.cfg.BackoffBase) * math.Pow(2, float64(attempt-1))
	if delay > float64(f.cfg.BackoffMax) {
		delay = float64(f.cfg.BackoffMax)
	}
	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
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

// classify maps a failure after connect onto an error kind.
func classify(ctx context.Context, op string, err error) error {
	var pe *csv.ParseError
	switch {
	case ctx.Err() != nil:
		return feederr.Network(op, fmt.Errorf("transfer: %w", errors.Join(ctx.Err(), err)))
	case errors.Is(err, ziprecord.ErrFormat), errors.Is(err, ziprecord.ErrNoMatch):
		return feederr.Archive(op, err)
	case errors.As(err, &pe):
		return feederr.Parse(op, err)
	default:
		return feederr.Network(op, fmt.Errorf("transfer: %w", err))
	}
}

func isCSV(name string) bool {
	return len(name) >= 4 && strings.EqualFold(name[len(name)-4:], ".csv")
}

func (f *Fetcher) setState(ctx context.Context, day string, s State) {
	f.log.DebugContext(ctx, "fetch state", "day", day, "state", s.String())
	if f.onState != nil {
		f.onState(day, s)
	}
}

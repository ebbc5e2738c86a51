// Package cache serves feeds through the on-disk artifact cache.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mohammed-shakir/ais-feed-cache/internal/cache/diskstore"
	"github.com/mohammed-shakir/ais-feed-cache/internal/cache/statsstore"
	"github.com/mohammed-shakir/ais-feed-cache/internal/core/config"
	"github.com/mohammed-shakir/ais-feed-cache/internal/core/observability"
	"github.com/mohammed-shakir/ais-feed-cache/internal/core/router"
	"github.com/mohammed-shakir/ais-feed-cache/internal/feed"
	"github.com/mohammed-shakir/ais-feed-cache/internal/feedevents"
	mylog "github.com/mohammed-shakir/ais-feed-cache/internal/logger"
	"github.com/mohammed-shakir/ais-feed-cache/internal/scenarios"
)

type Engine struct {
	logger   *slog.Logger
	src      feed.Source
	store    *diskstore.Store
	stats    statsstore.Store
	events   feedevents.Sink
	mode     string
	coalesce bool
	tmpDir   string
	group    singleflight.Group
}

func init() {
	scenarios.Register("cache", newCache)
}

func newCache(cfg config.Config, logger *slog.Logger, deps scenarios.Deps) (router.FeedHandler, error) {
	if deps.Source == nil || deps.Store == nil {
		return nil, errors.New("cache: source and store are required")
	}
	return &Engine{
		logger:   logger,
		src:      deps.Source,
		store:    deps.Store,
		stats:    deps.Stats,
		events:   deps.Events,
		mode:     cfg.Mode,
		coalesce: cfg.CoalesceInflight,
		tmpDir:   os.TempDir(),
	}, nil
}

// errAbandoned ends a coalesced build whose leader went away before it
// could start writing.
var errAbandoned = errors.New("build abandoned")

func (e *Engine) ServeFeed(ctx context.Context, w http.ResponseWriter, r *http.Request, q router.FeedRequest) {
	start := time.Now()
	outcome, res, err := e.serve(ctx, w, r, q)
	if err != nil {
		e.logger.WarnContext(ctx, "feed build failed", "key", q.Key, "err", err)
		outcome = "ERROR"
	}
	e.logger.DebugContext(mylog.WithCacheStatus(ctx, outcome), "feed served",
		"key", q.Key, "written", res.Written, "bytes", res.Bytes, "dur", time.Since(start).String())
	e.events.Publish(feedevents.Event{
		Key:        q.Key,
		Route:      q.Route,
		Outcome:    outcome,
		Written:    res.Written,
		Bytes:      res.Bytes,
		DurationMS: time.Since(start).Milliseconds(),
		TS:         time.Now().UTC(),
		Mode:       e.mode,
	})
}

func (e *Engine) serve(ctx context.Context, w http.ResponseWriter, r *http.Request, q router.FeedRequest) (string, feed.Result, error) {
	if !q.Cacheable() {
		observability.IncCacheResult("bypass")
		res, err := router.Stream(ctx, w, e.src, q, nil, router.CacheMiss)
		return router.CacheMiss, res, err
	}

	if ent, ok := e.store.Get(q.Key); ok {
		observability.IncCacheResult("hit")
		res, err := e.serveEntry(ctx, w, r, q, ent, router.CacheHit)
		return router.CacheHit, res, err
	}

	if !e.coalesce {
		observability.IncCacheResult("miss")
		res, err := e.build(ctx, w, q)
		return router.CacheMiss, res, err
	}
	return e.coalesced(ctx, w, r, q)
}

const (
	claimPending int32 = iota
	claimLeader
	claimAbandoned
)

// coalesced runs at most one build per key. The leader streams to its own
// client; followers wait and then serve the stored artifact, or build on
// their own if the leader left none.
func (e *Engine) coalesced(ctx context.Context, w http.ResponseWriter, r *http.Request, q router.FeedRequest) (string, feed.Result, error) {
	var claim atomic.Int32
	ch := e.group.DoChan(q.Key, func() (any, error) {
		if !claim.CompareAndSwap(claimPending, claimLeader) {
			return nil, errAbandoned
		}
		return e.build(ctx, w, q)
	})

	var out singleflight.Result
	select {
	case out = <-ch:
	case <-ctx.Done():
		if claim.CompareAndSwap(claimPending, claimAbandoned) || claim.Load() != claimLeader {
			return router.CacheCoalesced, feed.Result{}, ctx.Err()
		}
		// the build observes ctx and returns shortly
		out = <-ch
	}

	if claim.Load() == claimLeader {
		observability.IncCacheResult("miss")
		res, _ := out.Val.(feed.Result)
		return router.CacheMiss, res, out.Err
	}

	if ent, ok := e.store.Get(q.Key); ok {
		observability.IncCacheResult("coalesced")
		res, err := e.serveEntry(ctx, w, r, q, ent, router.CacheCoalesced)
		return router.CacheCoalesced, res, err
	}
	observability.IncCacheResult("miss")
	res, err := e.build(ctx, w, q)
	return router.CacheMiss, res, err
}

// build streams q to w while teeing into a temp file that becomes the
// cached artifact if the build completes.
func (e *Engine) build(ctx context.Context, w http.ResponseWriter, q router.FeedRequest) (feed.Result, error) {
	tmp, err := os.CreateTemp(e.tmpDir, "ais-feed-*.tmp")
	if err != nil {
		e.logger.WarnContext(ctx, "cache temp file failed; streaming uncached", "err", err)
		return router.Stream(ctx, w, e.src, q, nil, router.CacheMiss)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	res, err := router.Stream(ctx, w, e.src, q, tmp, router.CacheMiss)
	if cerr := tmp.Close(); err == nil && cerr != nil {
		e.logger.WarnContext(ctx, "cache temp close failed", "err", cerr)
		return res, nil
	}
	if err != nil {
		return res, err
	}

	putStart := time.Now()
	_, perr := e.store.Put(q.Key, tmp.Name())
	observability.ObserveCacheOp("put", perr, time.Since(putStart).Seconds())
	if perr != nil {
		e.logger.WarnContext(ctx, "cache put failed", "key", q.Key, "err", perr)
		return res, nil
	}
	if err := e.stats.Record(context.WithoutCancel(ctx), q.Key, res); err != nil {
		e.logger.DebugContext(ctx, "stats record failed", "key", q.Key, "err", err)
	}
	return res, nil
}

func (e *Engine) serveEntry(ctx context.Context, w http.ResponseWriter, r *http.Request, q router.FeedRequest, ent diskstore.Entry, status string) (feed.Result, error) {
	f, err := os.Open(ent.Path)
	if err != nil {
		// evicted between Get and Open
		e.logger.DebugContext(ctx, "cache artifact vanished", "path", ent.Path, "err", err)
		return e.build(ctx, w, q)
	}
	defer f.Close()

	res := feed.Result{Bytes: ent.Size}
	if stats, ok, err := e.stats.Lookup(ctx, q.Key); err == nil && ok {
		res = stats
		router.SetStats(w, stats)
	}
	h := w.Header()
	h.Set("Content-Type", q.Format.ContentType())
	h.Set("Content-Encoding", "gzip")
	h.Set("X-Cache", status)
	h.Set("ETag", ent.Validator)
	// a byte range of the gzip stream is not decodable on its own
	r = r.Clone(ctx)
	r.Header.Del("Range")
	r.Header.Del("If-Range")
	http.ServeContent(w, r, "", ent.CreatedAt, f)
	return res, nil
}

// Package direct serves every feed straight from the upstream archive.
package direct

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/mohammed-shakir/ais-feed-cache/internal/core/config"
	"github.com/mohammed-shakir/ais-feed-cache/internal/core/observability"
	"github.com/mohammed-shakir/ais-feed-cache/internal/core/router"
	"github.com/mohammed-shakir/ais-feed-cache/internal/feed"
	"github.com/mohammed-shakir/ais-feed-cache/internal/feedevents"
	"github.com/mohammed-shakir/ais-feed-cache/internal/scenarios"
)

type Engine struct {
	logger *slog.Logger
	src    feed.Source
	events feedevents.Sink
	mode   string
}

func init() {
	scenarios.Register("direct", newDirect)
}

func newDirect(cfg config.Config, logger *slog.Logger, deps scenarios.Deps) (router.FeedHandler, error) {
	if deps.Source == nil {
		return nil, errors.New("direct: source is required")
	}
	return &Engine{
		logger: logger,
		src:    deps.Source,
		events: deps.Events,
		mode:   cfg.Mode,
	}, nil
}

func (e *Engine) ServeFeed(ctx context.Context, w http.ResponseWriter, _ *http.Request, q router.FeedRequest) {
	start := time.Now()
	res, err := router.Stream(ctx, w, e.src, q, nil, router.CacheMiss)
	observability.IncCacheResult("bypass")

	outcome := router.CacheMiss
	if err != nil {
		outcome = "ERROR"
		e.logger.WarnContext(ctx, "feed build failed", "key", q.Key, "err", err)
	}
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

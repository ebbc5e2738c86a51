package scenarios

import (
	"fmt"
	"log/slog"

	"github.com/mohammed-shakir/ais-feed-cache/internal/cache/diskstore"
	"github.com/mohammed-shakir/ais-feed-cache/internal/cache/statsstore"
	"github.com/mohammed-shakir/ais-feed-cache/internal/core/config"
	"github.com/mohammed-shakir/ais-feed-cache/internal/core/router"
	"github.com/mohammed-shakir/ais-feed-cache/internal/feed"
	"github.com/mohammed-shakir/ais-feed-cache/internal/feedevents"
)

// Deps are the collaborators a mode may use. Store is nil when the mode
// runs without a disk cache.
type Deps struct {
	Source feed.Source
	Store  *diskstore.Store
	Stats  statsstore.Store
	Events feedevents.Sink
}

type Factory func(cfg config.Config, logger *slog.Logger, deps Deps) (router.FeedHandler, error)

var reg = map[string]Factory{}

func Register(name string, f Factory) {
	reg[name] = f
}

func New(name string, cfg config.Config, logger *slog.Logger, deps Deps) (router.FeedHandler, error) {
	if deps.Stats == nil {
		deps.Stats = statsstore.Nop{}
	}
	if deps.Events == nil {
		deps.Events = feedevents.Nop{}
	}
	if f, ok := reg[name]; ok {
		return f(cfg, logger, deps)
	}
	if f, ok := reg["direct"]; ok {
		logger.Warn("unknown mode; falling back to direct", "mode", name)
		return f(cfg, logger, deps)
	}
	return nil, fmt.Errorf("no factory for mode %q and no direct mode registered", name)
}

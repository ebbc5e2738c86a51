// Package statsstore remembers the feature and byte counts of built feeds
// so cache hits can report them without reading the artifact.
package statsstore

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/mohammed-shakir/ais-feed-cache/internal/cache/redisstore"
	"github.com/mohammed-shakir/ais-feed-cache/internal/feed"
)

const prefix = "aisfeed:stats:"

// Store is the lookup side used by request handlers.
type Store interface {
	Record(ctx context.Context, key string, res feed.Result) error
	Lookup(ctx context.Context, key string) (feed.Result, bool, error)
	Forget(ctx context.Context, keys ...string) error
}

type Redis struct {
	cli *redisstore.Client
	ttl time.Duration
	// per-operation deadline
	opTimeout time.Duration
}

func NewRedis(cli *redisstore.Client, ttl, opTimeout time.Duration) *Redis {
	return &Redis{cli: cli, ttl: ttl, opTimeout: opTimeout}
}

func (r *Redis) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.opTimeout)
}

func (r *Redis) Record(ctx context.Context, key string, res feed.Result) error {
	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.cli.Set(ctx, prefix+key, b, r.ttl)
}

func (r *Redis) Lookup(ctx context.Context, key string) (feed.Result, bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	b, found, err := r.cli.Get(ctx, prefix+key)
	if err != nil || !found {
		return feed.Result{}, false, err
	}
	var res feed.Result
	if err := json.Unmarshal(b, &res); err != nil {
		return feed.Result{}, false, fmt.Errorf("decode stats for %q: %w", key, err)
	}
	return res, true, nil
}

func (r *Redis) Forget(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = prefix + k
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.cli.Del(ctx, full...)
}

// Nop is used when no stats backend is configured.
type Nop struct{}

func (Nop) Record(context.Context, string, feed.Result) error { return nil }

func (Nop) Lookup(context.Context, string) (feed.Result, bool, error) {
	return feed.Result{}, false, nil
}

func (Nop) Forget(context.Context, ...string) error { return nil }

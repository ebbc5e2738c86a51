package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mohammed-shakir/ais-feed-cache/internal/cache/diskstore"
	"github.com/mohammed-shakir/ais-feed-cache/internal/cache/redisstore"
	"github.com/mohammed-shakir/ais-feed-cache/internal/cache/statsstore"
	"github.com/mohammed-shakir/ais-feed-cache/internal/core/config"
	"github.com/mohammed-shakir/ais-feed-cache/internal/core/health"
	"github.com/mohammed-shakir/ais-feed-cache/internal/core/httpclient"
	"github.com/mohammed-shakir/ais-feed-cache/internal/core/observability"
	"github.com/mohammed-shakir/ais-feed-cache/internal/core/server"
	"github.com/mohammed-shakir/ais-feed-cache/internal/feedevents"
	"github.com/mohammed-shakir/ais-feed-cache/internal/fetch"
	"github.com/mohammed-shakir/ais-feed-cache/internal/invalidation/kafkaconsumer"
	"github.com/mohammed-shakir/ais-feed-cache/internal/logger"
	"github.com/mohammed-shakir/ais-feed-cache/internal/scenarios"
	_ "github.com/mohammed-shakir/ais-feed-cache/internal/scenarios/cache"
	_ "github.com/mohammed-shakir/ais-feed-cache/internal/scenarios/direct"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// overriding mode via flag
	modeFlag := flag.String("mode", "", "serving mode: cache or direct")
	flag.Parse()

	cfg := config.FromEnv()
	if *modeFlag != "" {
		cfg.Mode = strings.TrimSpace(*modeFlag)
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Mode:      cfg.Mode,
		Component: "feedserver",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	observability.SetMode(cfg.Mode)
	observability.ExposeBuildInfo(Version)
	appLog.Info("starting feedserver",
		"addr", cfg.Addr,
		"version", Version,
		"mode", cfg.Mode,
		"upstream", cfg.Fetch.URLTemplate)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fetcher := fetch.New(fetch.Config{
		URLTemplate:    cfg.Fetch.URLTemplate,
		Retries:        cfg.Fetch.Retries,
		Timeout:        cfg.Fetch.Timeout,
		BackoffBase:    cfg.Fetch.BackoffBase,
		BackoffMax:     cfg.Fetch.BackoffMax,
		BreakerFails:   cfg.Fetch.BreakerFails,
		BreakerTimeout: cfg.Fetch.BreakerTimeout,
	}, httpclient.NewOutbound(), appLog.With("component", "fetch"))

	deps := scenarios.Deps{Source: fetcher}
	var ready health.All

	if cfg.Mode == "cache" {
		store, err := diskstore.Open(diskstore.Config{
			Dir:           cfg.Cache.Dir,
			MaxItems:      cfg.Cache.MaxItems,
			MaxBytes:      cfg.Cache.MaxBytes,
			MaxAge:        cfg.Cache.MaxAge,
			PurgeInterval: cfg.Cache.PurgeInterval,
		}, appLog.With("component", "cache"))
		if err != nil {
			appLog.Error("cache setup failed", "dir", cfg.Cache.Dir, "err", err)
			return 1
		}
		defer store.Close()
		deps.Store = store
		ready = append(ready, health.DirReady(func() error {
			_, err := os.Stat(store.Dir())
			return err
		}))
		appLog.Info("cache opened", "dir", store.Dir(), "items", store.Len(), "bytes", store.ResidentBytes())
	}

	if cfg.StatsEnabled {
		rc, err := redisstore.New(ctx, cfg.RedisAddr)
		if err != nil {
			appLog.Warn("feed stats disabled: redis unavailable", "addr", cfg.RedisAddr, "err", err)
		} else {
			defer rc.Close()
			deps.Stats = statsstore.NewRedis(rc, cfg.Cache.MaxAge, cfg.CacheOpTimeout)
		}
	}

	if cfg.EventsEnabled {
		pub, err := feedevents.NewPublisher(config.Brokers(cfg.KafkaBrokers), cfg.EventsTopic, 1024, appLog.With("component", "feedevents"))
		if err != nil {
			appLog.Warn("feed events disabled", "err", err)
		} else {
			defer pub.Close()
			deps.Events = pub
		}
	}

	handler, err := scenarios.New(cfg.Mode, cfg, appLog, deps)
	if err != nil {
		appLog.Error("mode setup failed", "err", err)
		return 1
	}

	if icfg := kafkaconsumer.FromConfig(cfg.Invalidation); icfg.Enabled {
		if deps.Store == nil {
			appLog.Warn("invalidation ignored: no cache in this mode", "mode", cfg.Mode)
		} else {
			cons := kafkaconsumer.New(icfg, appLog, deps.Store)
			if err := cons.Start(ctx); err != nil {
				appLog.Error("invalidation consumer failed", "err", err)
				return 1
			}
			defer cons.Stop()
			ready = append(ready, cons)
		}
	}

	if err := server.Run(ctx, cfg, appLog, handler, ready); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}

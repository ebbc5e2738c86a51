// Command feedfetch builds the feed of one archive day into a local
// .ndjson.gz file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mohammed-shakir/ais-feed-cache/internal/cache/keys"
	"github.com/mohammed-shakir/ais-feed-cache/internal/core/config"
	"github.com/mohammed-shakir/ais-feed-cache/internal/core/httpclient"
	"github.com/mohammed-shakir/ais-feed-cache/internal/core/model"
	"github.com/mohammed-shakir/ais-feed-cache/internal/feed"
	"github.com/mohammed-shakir/ais-feed-cache/internal/fetch"
	"github.com/mohammed-shakir/ais-feed-cache/internal/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	day := flag.String("day", "", "archive day YYYY-MM-DD (required)")
	bbox := flag.String("bbox", "-180,-90,180,90", "minLon,minLat,maxLon,maxLat")
	precision := flag.Int("precision", 6, "coordinate decimals (0..8)")
	sample := flag.Int("sample", 1, "keep every n-th record")
	grid := flag.String("grid", "none", "none or h3:<res>")
	out := flag.String("out", "", "output file (default: cache artifact name in the working dir)")
	flag.Parse()

	cfg := config.FromEnv()
	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   true,
		Component: "feedfetch",
	}, os.Stderr)
	log := logger.NewSlog(&zl)

	req, key, err := buildRequest(*day, *bbox, *precision, *sample, *grid)
	if err != nil {
		log.Error("invalid arguments", "err", err)
		flag.Usage()
		return 2
	}
	path := *out
	if path == "" {
		path = keys.Filename(key)
	}

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
	}, httpclient.NewOutbound(), log)

	start := time.Now()
	res, err := writeFeed(ctx, fetcher, req, path)
	if err != nil {
		log.Error("feed build failed", "day", *day, "out", path, "err", err)
		return 1
	}
	log.Info("feed written", "out", path, "written", res.Written, "bytes", res.Bytes, "dur", time.Since(start).String())
	return 0
}

func buildRequest(day, rawBBox string, precision, sample int, rawGrid string) (feed.Request, string, error) {
	if _, err := time.Parse(time.DateOnly, day); err != nil {
		return feed.Request{}, "", fmt.Errorf("day must be YYYY-MM-DD: %w", err)
	}
	parts := strings.Split(rawBBox, ",")
	if len(parts) != 4 {
		return feed.Request{}, "", errors.New("bbox needs 4 comma-separated numbers")
	}
	var n [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return feed.Request{}, "", fmt.Errorf("bbox value %d: %w", i+1, err)
		}
		n[i] = f
	}
	bb := model.BBox{MinLng: n[0], MinLat: n[1], MaxLng: n[2], MaxLat: n[3]}

	g := model.Grid{Kind: "none"}
	if rawGrid != "" && rawGrid != "none" {
		res, ok := strings.CutPrefix(rawGrid, "h3:")
		r, err := strconv.Atoi(res)
		if !ok || err != nil {
			return feed.Request{}, "", errors.New("grid must be none or h3:<res>")
		}
		g = model.Grid{Kind: "h3", Res: r}
	}

	opts := feed.Options{Precision: precision, Sample: sample, Spatial: feed.InBBox(bb), Grid: g}
	if err := opts.Validate(); err != nil {
		return feed.Request{}, "", err
	}
	key := keys.Query(keys.Params{
		BBox:      bb,
		Start:     day,
		Precision: keys.Int(precision),
		Sample:    sample,
		Format:    string(feed.FormatNDJSON),
		Grid:      g.String(),
	})
	return feed.Request{Days: []string{day}, Options: opts}, key, nil
}

// writeFeed builds into a sibling temp file and renames it into place only
// on success.
func writeFeed(ctx context.Context, src feed.Source, req feed.Request, path string) (feed.Result, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".feedfetch-*")
	if err != nil {
		return feed.Result{}, fmt.Errorf("create temp: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	res, err := feed.Build(ctx, src, req, tmp, feed.FormatNDJSON)
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close temp: %w", cerr)
	}
	if err != nil {
		return res, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return res, fmt.Errorf("rename: %w", err)
	}
	return res, nil
}

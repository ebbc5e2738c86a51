package router

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mohammed-shakir/ais-feed-cache/internal/cache/keys"
	"github.com/mohammed-shakir/ais-feed-cache/internal/core/config"
	"github.com/mohammed-shakir/ais-feed-cache/internal/core/feederr"
	"github.com/mohammed-shakir/ais-feed-cache/internal/core/observability"
	"github.com/mohammed-shakir/ais-feed-cache/internal/feed"
	mylog "github.com/mohammed-shakir/ais-feed-cache/internal/logger"
)

// FeedHandler serves validated feed requests.
type FeedHandler interface {
	ServeFeed(ctx context.Context, w http.ResponseWriter, r *http.Request, q FeedRequest)
}

// FeedRequest is a parsed and validated feed query.
type FeedRequest struct {
	Route  string
	Key    string
	Format feed.Format
	Feed   feed.Request
}

// Cacheable reports whether the result may be stored and validated by key.
// Truncated (head) requests are not.
func (q FeedRequest) Cacheable() bool { return q.Feed.Limit == 0 }

type Parser func(r *http.Request, cfg config.Config) (FeedRequest, error)

// HandleFeed validates input query params and calls the handler. A key
// validator match answers 304 before any upstream work.
func HandleFeed(logger *slog.Logger, cfg config.Config, route string, parse Parser, h FeedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			observability.ObserveHTTP(r.Method, route, sw.code, time.Since(start).Seconds())
		}()

		q, err := parse(r, cfg)
		if err != nil {
			logger.Debug("rejected feed request", "route", route, "err", err)
			http.Error(sw, err.Error(), http.StatusBadRequest)
			return
		}
		q.Route = route

		if q.Cacheable() {
			etag := keys.Validator(q.Key)
			if ETagMatch(r.Header.Get("If-None-Match"), etag) {
				sw.Header().Set("ETag", etag)
				sw.WriteHeader(http.StatusNotModified)
				return
			}
		}

		ctx := mylog.WithFeedKey(r.Context(), q.Key)
		h.ServeFeed(ctx, sw, r.WithContext(ctx), q)
	}
}

// StatusFor maps a pipeline error to the status sent when no body has been
// written yet.
func StatusFor(err error) int {
	switch feederr.KindOf(err) {
	case feederr.KindInvalidInput:
		return http.StatusBadRequest
	case feederr.KindNetwork, feederr.KindArchive, feederr.KindParse:
		if errors.Is(err, context.Canceled) {
			return 499
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func WriteError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), StatusFor(err))
}

// ETagMatch implements the weak comparison of If-None-Match.
func ETagMatch(header, etag string) bool {
	if header == "" {
		return false
	}
	want := strings.TrimPrefix(etag, "W/")
	for part := range strings.SplitSeq(header, ",") {
		part = strings.TrimSpace(part)
		if part == "*" || strings.TrimPrefix(part, "W/") == want {
			return true
		}
	}
	return false
}

type statusWriter struct {
	http.ResponseWriter
	code        int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.code = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(p)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

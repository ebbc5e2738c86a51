package router

import (
	"context"
	"io"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/mohammed-shakir/ais-feed-cache/internal/cache/keys"
	"github.com/mohammed-shakir/ais-feed-cache/internal/core/observability"
	"github.com/mohammed-shakir/ais-feed-cache/internal/feed"
)

const (
	CacheHit       = "HIT"
	CacheMiss      = "MISS"
	CacheCoalesced = "COALESCED"
)

// Stream builds q and writes it to w. A failure before the first feature
// is answered with an error status and nothing else; a later failure ends
// the body with an error record. tee, if non-nil, receives the same
// compressed bytes as w.
func Stream(ctx context.Context, w http.ResponseWriter, src feed.Source, q FeedRequest, tee io.Writer, cacheStatus string) (feed.Result, error) {
	seq, stop, err := feed.Start(feed.Features(ctx, src, q.Feed))
	defer stop()
	if err != nil {
		WriteError(w, err)
		return feed.Result{}, err
	}

	h := w.Header()
	h.Set("Content-Type", q.Format.ContentType())
	h.Set("Content-Encoding", "gzip")
	h.Set("X-Cache", cacheStatus)
	h.Set("Trailer", "X-Stats")
	if q.Cacheable() {
		h.Set("ETag", keys.Validator(q.Key))
	}
	w.WriteHeader(http.StatusOK)

	var sink io.Writer = w
	if tee != nil {
		sink = io.MultiWriter(w, tee)
	}
	res, err := feed.Encode(ctx, seq, sink, q.Format)
	observability.AddFeedBytes(res.Bytes)
	if b, merr := json.Marshal(res); merr == nil {
		h.Set("X-Stats", string(b))
	}
	return res, err
}

// SetStats exposes res as the X-Stats header of a response that has not
// started.
func SetStats(w http.ResponseWriter, res feed.Result) {
	if b, err := json.Marshal(res); err == nil {
		w.Header().Set("X-Stats", string(b))
	}
}

package router

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mohammed-shakir/ais-feed-cache/internal/cache/keys"
	"github.com/mohammed-shakir/ais-feed-cache/internal/core/config"
	"github.com/mohammed-shakir/ais-feed-cache/internal/core/feederr"
	"github.com/mohammed-shakir/ais-feed-cache/internal/core/model"
	"github.com/mohammed-shakir/ais-feed-cache/internal/feed"
	h3mapper "github.com/mohammed-shakir/ais-feed-cache/internal/mapper/h3"
)

const (
	nsjsonPrecision = 6
	aisPrecision    = 5
)

// ParseNSJSON parses a single-day line-delimited feed query.
func ParseNSJSON(r *http.Request, _ config.Config) (FeedRequest, error) {
	v := r.URL.Query()
	day, err := parseDay("start", v.Get("start"))
	if err != nil {
		return FeedRequest{}, err
	}
	common, err := parseCommon(v.Get("bbox"), v.Get("sample"), v.Get("precision"), v.Get("grid"), nsjsonPrecision)
	if err != nil {
		return FeedRequest{}, err
	}
	opts := common.options()
	if err := opts.Validate(); err != nil {
		return FeedRequest{}, err
	}
	start := day.Format(time.DateOnly)
	return FeedRequest{
		Key:    common.key(start, "", feed.FormatNDJSON),
		Format: feed.FormatNDJSON,
		Feed:   feed.Request{Days: []string{start}, Options: opts},
	}, nil
}

// ParseAIS parses a multi-day FeatureCollection query. end defaults to
// start and is inclusive.
func ParseAIS(r *http.Request, cfg config.Config) (FeedRequest, error) {
	v := r.URL.Query()
	from, err := parseDay("start", v.Get("start"))
	if err != nil {
		return FeedRequest{}, err
	}
	to := from
	if raw := strings.TrimSpace(v.Get("end")); raw != "" {
		if to, err = parseDay("end", raw); err != nil {
			return FeedRequest{}, err
		}
	}
	if to.Before(from) {
		return FeedRequest{}, feederr.Invalid("request", "end must not be before start")
	}
	days := dayList(from, to)
	if limit := cfg.MaxRangeDays; limit > 0 && len(days) > limit {
		return FeedRequest{}, feederr.Invalid("request", "range of %d days exceeds limit of %d", len(days), limit)
	}

	common, err := parseCommon(v.Get("bbox"), v.Get("sample"), v.Get("precision"), v.Get("grid"), aisPrecision)
	if err != nil {
		return FeedRequest{}, err
	}
	head := 0
	if raw := strings.TrimSpace(v.Get("head")); raw != "" {
		if head, err = strconv.Atoi(raw); err != nil || head < 1 {
			return FeedRequest{}, feederr.Invalid("request", "head must be a positive integer")
		}
	}

	opts := common.options()
	opts.Temporal = feed.InWindow(from, to.AddDate(0, 0, 1))
	if err := opts.Validate(); err != nil {
		return FeedRequest{}, err
	}
	return FeedRequest{
		Key:    common.key(from.Format(time.DateOnly), to.Format(time.DateOnly), feed.FormatGeoJSON),
		Format: feed.FormatGeoJSON,
		Feed:   feed.Request{Days: days, Options: opts, Limit: head},
	}, nil
}

type commonParams struct {
	bbox      model.BBox
	sample    int
	precision int
	grid      model.Grid
}

func (c commonParams) options() feed.Options {
	return feed.Options{
		Precision: c.precision,
		Sample:    c.sample,
		Spatial:   feed.InBBox(c.bbox),
		Grid:      c.grid,
	}
}

func (c commonParams) key(start, end string, f feed.Format) string {
	return keys.Query(keys.Params{
		BBox:      c.bbox,
		Start:     start,
		End:       end,
		Precision: keys.Int(c.precision),
		Sample:    c.sample,
		Format:    string(f),
		Grid:      c.grid.String(),
	})
}

func parseCommon(rawBBox, rawSample, rawPrecision, rawGrid string, defPrecision int) (commonParams, error) {
	bb, err := parseBBox(rawBBox)
	if err != nil {
		return commonParams{}, err
	}
	out := commonParams{bbox: bb, sample: 1, precision: defPrecision}
	if s := strings.TrimSpace(rawSample); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return commonParams{}, feederr.Invalid("request", "sample must be a positive integer")
		}
		out.sample = n
	}
	if s := strings.TrimSpace(rawPrecision); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 || n > feed.MaxPrecision {
			return commonParams{}, feederr.Invalid("request", "precision must be an integer in 0..%d", feed.MaxPrecision)
		}
		out.precision = n
	}
	if out.grid, err = parseGrid(rawGrid); err != nil {
		return commonParams{}, err
	}
	return out, nil
}

func parseDay(name, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, feederr.Invalid("request", "missing required parameter: %s", name)
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, feederr.Invalid("request", "%s must be YYYY-MM-DD", name)
	}
	return t, nil
}

func parseBBox(raw string) (model.BBox, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return model.BBox{}, feederr.Invalid("request", "missing required parameter: bbox")
	}
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return model.BBox{}, feederr.Invalid("request", "bbox: expected 4 comma-separated values: minLon,minLat,maxLon,maxLat")
	}
	var n [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return model.BBox{}, feederr.Invalid("request", "bbox: value %d is not a number", i+1)
		}
		n[i] = f
	}
	bb := model.BBox{MinLng: n[0], MinLat: n[1], MaxLng: n[2], MaxLat: n[3]}
	if bb.MinLng < -180 || bb.MaxLng > 180 || bb.MinLat < -90 || bb.MaxLat > 90 {
		return model.BBox{}, feederr.Invalid("request", "bbox: coordinates out of range")
	}
	if bb.MaxLng < bb.MinLng || bb.MaxLat < bb.MinLat {
		return model.BBox{}, feederr.Invalid("request", "bbox: min must not exceed max")
	}
	return bb, nil
}

func parseGrid(raw string) (model.Grid, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" || raw == "none" {
		return model.Grid{Kind: "none"}, nil
	}
	kind, res, ok := strings.Cut(raw, ":")
	if !ok || kind != "h3" {
		return model.Grid{}, feederr.Invalid("request", "grid must be none or h3:<res>")
	}
	n, err := strconv.Atoi(res)
	if err != nil {
		return model.Grid{}, feederr.Invalid("request", "grid resolution must be an integer")
	}
	if err := h3mapper.ValidateRes(n); err != nil {
		return model.Grid{}, feederr.Invalid("request", "grid: %v", err)
	}
	return model.Grid{Kind: "h3", Res: n}, nil
}

func dayList(from, to time.Time) []string {
	var out []string
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		out = append(out, d.Format(time.DateOnly))
	}
	return out
}

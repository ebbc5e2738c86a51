// Package feed turns upstream AIS records into gzip-compressed GeoJSON
// point streams.
package feed

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/mohammed-shakir/ais-feed-cache/internal/core/feederr"
	"github.com/mohammed-shakir/ais-feed-cache/internal/core/model"
	"github.com/mohammed-shakir/ais-feed-cache/internal/mapper"
	h3mapper "github.com/mohammed-shakir/ais-feed-cache/internal/mapper/h3"
)

const MaxPrecision = 8

// Options control projection. Nil filters accept everything.
type Options struct {
	Precision int
	Sample    int
	Spatial   func(model.Row) bool
	Temporal  func(model.Row) bool
	Grid      model.Grid
	Cells     mapper.Interface
}

func (o Options) Validate() error {
	if o.Precision < 0 || o.Precision > MaxPrecision {
		return feederr.Invalid("feed", "precision %d out of range 0..%d", o.Precision, MaxPrecision)
	}
	if o.Sample < 1 {
		return feederr.Invalid("feed", "sample %d must be >= 1", o.Sample)
	}
	if o.Grid.Enabled() {
		if o.Grid.Kind != "h3" {
			return feederr.Invalid("feed", "unknown grid %q", o.Grid.Kind)
		}
		if err := h3mapper.ValidateRes(o.Grid.Res); err != nil {
			return feederr.Invalid("feed", "grid: %v", err)
		}
	}
	return nil
}

// InBBox is a spatial filter keeping points inside or on the edge of r.
func InBBox(r model.Region) func(model.Row) bool {
	return func(row model.Row) bool { return r.Contains(row.Lon, row.Lat) }
}

// InWindow keeps rows timestamped in [from, to). Rows without a parseable
// timestamp are dropped.
func InWindow(from, to time.Time) func(model.Row) bool {
	return func(row model.Row) bool {
		return row.HasTime && !row.Time.Before(from) && row.Time.Before(to)
	}
}

var (
	lonAliases  = []string{"lon", "longitude", "long", "lng", "x"}
	latAliases  = []string{"lat", "latitude", "y"}
	timeAliases = []string{"basedatetime", "timestamp", "datetime", "time", "t"}
)

// Project converts rec into a point feature, or rejects it. index counts
// every record examined so far, rejected ones included.
func Project(rec model.Record, opts Options, index int) (model.Feature, bool) {
	return NewProjector(opts).Project(rec, index)
}

// Projector is Project with field resolution cached across records that
// share a header.
type Projector struct {
	opts                 Options
	lonKey, latKey, tKey string
}

func NewProjector(opts Options) *Projector {
	if opts.Grid.Enabled() && opts.Cells == nil {
		opts.Cells = h3mapper.New()
	}
	return &Projector{opts: opts}
}

func (p *Projector) Project(rec model.Record, index int) (model.Feature, bool) {
	sample := max(p.opts.Sample, 1)
	if index%sample != 0 {
		return model.Feature{}, false
	}
	lonV, ok := p.lookup(rec, &p.lonKey, lonAliases)
	if !ok {
		return model.Feature{}, false
	}
	latV, ok := p.lookup(rec, &p.latKey, latAliases)
	if !ok {
		return model.Feature{}, false
	}
	lon, ok := toFloat(lonV)
	if !ok {
		return model.Feature{}, false
	}
	lat, ok := toFloat(latV)
	if !ok {
		return model.Feature{}, false
	}

	row := model.Row{Lon: lon, Lat: lat, Props: rec}
	if tv, ok := p.lookup(rec, &p.tKey, timeAliases); ok {
		row.Time, row.HasTime = toTime(tv)
	}
	if p.opts.Spatial != nil && !p.opts.Spatial(row) {
		return model.Feature{}, false
	}
	if p.opts.Temporal != nil && !p.opts.Temporal(row) {
		return model.Feature{}, false
	}

	if p.opts.Grid.Enabled() && p.opts.Cells != nil {
		if cell, err := p.opts.Cells.CellForPoint(lon, lat, p.opts.Grid.Res); err == nil {
			rec[p.opts.Grid.Kind] = cell
		}
	}
	prec := min(max(p.opts.Precision, 0), MaxPrecision)
	return model.NewPointFeature(Round(lon, prec), Round(lat, prec), rec), true
}

// lookup returns the field of the first alias, in preference order, that
// rec carries under any casing. Among casings of one alias the
// lexicographically smallest key wins, so LON beats lon. The matched key
// is remembered in *cached.
func (p *Projector) lookup(rec model.Record, cached *string, aliases []string) (any, bool) {
	if *cached != "" {
		if v, ok := rec[*cached]; ok {
			return v, true
		}
	}
	for _, a := range aliases {
		best := ""
		for k := range rec {
			if strings.EqualFold(k, a) && (best == "" || k < best) {
				best = k
			}
		}
		if best != "" {
			*cached = best
			return rec[best], true
		}
	}
	return nil, false
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	time.DateOnly,
}

// toTime reads zone-less timestamps as UTC and bare numbers as Unix
// seconds, or milliseconds when too large to be seconds.
func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), true
			}
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return unixTime(n)
		}
		return time.Time{}, false
	default:
		if n, ok := toFloat(v); ok {
			return unixTime(n)
		}
		return time.Time{}, false
	}
}

func unixTime(n float64) (time.Time, bool) {
	if math.Abs(n) >= 1e12 {
		return time.UnixMilli(int64(n)).UTC(), true
	}
	sec, frac := math.Modf(n)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
}

// Round rounds half away from zero to p decimal places. Values too large
// to carry p decimals are returned unchanged, so Round is idempotent.
func Round(x float64, p int) float64 {
	pow := math.Pow10(max(p, 0))
	y := x * pow
	if math.IsInf(y, 0) || math.IsNaN(y) || math.Abs(y) >= 1<<52 {
		return x
	}
	r := math.Round(y) / pow
	if r == 0 {
		return 0 // no "-0" in output
	}
	return r
}

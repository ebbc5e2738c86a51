// Package keys canonicalizes feed query parameters into cache keys,
// on-disk artifact names and weak validators.
package keys

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/mohammed-shakir/ais-feed-cache/internal/core/model"
)

const (
	version = "v2"

	DefaultPrecision = 5
	DefaultSample    = 1
	DefaultFormat    = "ndjson"
	DefaultGrid      = "none"

	// ArtifactSuffix marks a gzip-compressed line-delimited payload.
	ArtifactSuffix = ".ndjson.gz"
)

// Params are the semantic fields of a feed query. Zero values take the
// defaults; Precision is a pointer because 0 is a valid precision.
type Params struct {
	BBox      any // [4]float64, []float64, model.BBox or the raw string
	Start     string
	End       string
	Precision *int
	Sample    int
	Format    string
	Grid      string
}

func Int(n int) *int { return &n }

// Query returns the canonical key for p. Field values containing ':' can
// collide with other keys; callers pass validated values.
func Query(p Params) string {
	precision := DefaultPrecision
	if p.Precision != nil {
		precision = *p.Precision
	}
	sample := p.Sample
	if sample == 0 {
		sample = DefaultSample
	}
	format := strings.ToLower(p.Format)
	if format == "" {
		format = DefaultFormat
	}
	grid := p.Grid
	if grid == "" {
		grid = DefaultGrid
	}
	return fmt.Sprintf("%s:%s:%s:%s:p%d:s%d:f%s:g%s",
		version, bboxString(p.BBox), p.Start, p.End, precision, sample, format, grid)
}

func bboxString(v any) string {
	switch b := v.(type) {
	case string:
		return b
	case model.BBox:
		return b.String()
	case *model.BBox:
		if b == nil {
			return ""
		}
		return b.String()
	case [4]float64:
		return joinFloats(b[:])
	case []float64:
		return joinFloats(b)
	case nil:
		return ""
	default:
		return fmt.Sprint(b)
	}
}

func joinFloats(fs []float64) string {
	parts := make([]string, len(fs))
	for i, f := range fs {
		parts[i] = strconv.FormatFloat(f, 'f', -1, 64)
	}
	return strings.Join(parts, ",")
}

// Filename maps a key to its artifact file name. Every rune outside
// [A-Za-z0-9_:,.] becomes '_'.
func Filename(key string) string {
	var b strings.Builder
	b.Grow(len(key) + len(ArtifactSuffix))
	for _, r := range key {
		if isSafe(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	b.WriteString(ArtifactSuffix)
	return b.String()
}

func isSafe(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') ||
		r == '_' || r == ':' || r == ',' || r == '.'
}

// Validator is the weak entity tag for a key, stable across restarts.
func Validator(key string) string {
	return fmt.Sprintf(`W/"%016x"`, xxhash.Sum64String(key))
}

// DayRange recovers the start and end days from a key or an artifact file
// name. A key without an end covers only its start day.
func DayRange(keyOrName string) (start, end time.Time, ok bool) {
	s := strings.TrimSuffix(keyOrName, ArtifactSuffix)
	parts := strings.Split(s, ":")
	if len(parts) < 8 || parts[0] != version {
		return time.Time{}, time.Time{}, false
	}
	start, err := parseDay(parts[2])
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	if parts[3] == "" {
		return start, start, true
	}
	end, err = parseDay(parts[3])
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

// sanitized names carry '_' where the key had '-'
func parseDay(s string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, strings.ReplaceAll(s, "_", "-"))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse day %q: %w", s, err)
	}
	return t, nil
}

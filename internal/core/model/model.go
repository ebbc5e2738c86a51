// Package model defines core domain types shared across the service.
package model

import (
	"fmt"
	"strconv"
	"time"
)

// BBox is [minLng, minLat, maxLng, maxLat] in EPSG:4326.
type BBox struct {
	MinLng, MinLat float64
	MaxLng, MaxLat float64
}

// String is the canonical comma-joined form used in cache keys.
func (b BBox) String() string {
	return fmt.Sprintf("%s,%s,%s,%s", ftoa(b.MinLng), ftoa(b.MinLat), ftoa(b.MaxLng), ftoa(b.MaxLat))
}

func (b BBox) Array() [4]float64 {
	return [4]float64{b.MinLng, b.MinLat, b.MaxLng, b.MaxLat}
}

// Contains reports whether the point lies inside or on the edge of b.
func (b BBox) Contains(lon, lat float64) bool {
	return lon >= b.MinLng && lon <= b.MaxLng && lat >= b.MinLat && lat <= b.MaxLat
}

// Region is anything that can answer point-in-region.
type Region interface {
	Contains(lon, lat float64) bool
}

// Record is one upstream tabular row, field name to raw scalar.
type Record map[string]any

// Row is the projector's view of a Record after position/time extraction.
type Row struct {
	Lon, Lat float64
	Time     time.Time
	HasTime  bool
	Props    Record
}

type Geometry struct {
	Type        string     `json:"type"`
	Coordinates [2]float64 `json:"coordinates"`
}

type Feature struct {
	Type       string   `json:"type"`
	Geometry   Geometry `json:"geometry"`
	Properties Record   `json:"properties"`
}

func NewPointFeature(lon, lat float64, props Record) Feature {
	return Feature{
		Type:       "Feature",
		Geometry:   Geometry{Type: "Point", Coordinates: [2]float64{lon, lat}},
		Properties: props,
	}
}

// Grid selects an optional spatial index tag for emitted features.
type Grid struct {
	Kind string // "none" or "h3"
	Res  int
}

func (g Grid) String() string {
	if g.Kind == "" || g.Kind == "none" {
		return "none"
	}
	return g.Kind + ":" + strconv.Itoa(g.Res)
}

func (g Grid) Enabled() bool { return g.Kind != "" && g.Kind != "none" }

func ftoa(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

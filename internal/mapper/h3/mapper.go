package h3mapper

import (
	"fmt"
	"math"

	h3 "github.com/uber/h3-go/v4"
)

type Mapper struct{}

func New() *Mapper { return &Mapper{} }

// CellForPoint returns the H3 cell containing (lon, lat) at res.
func (m *Mapper) CellForPoint(lon, lat float64, res int) (string, error) {
	if err := ValidateRes(res); err != nil {
		return "", err
	}
	if math.IsNaN(lon) || math.IsNaN(lat) || math.IsInf(lon, 0) || math.IsInf(lat, 0) {
		return "", fmt.Errorf("non-finite point (%v,%v)", lon, lat)
	}
	if lat < -90 || lat > 90 {
		return "", fmt.Errorf("latitude %v out of range", lat)
	}
	// v4 wants degrees
	c, err := h3.LatLngToCell(h3.NewLatLng(lat, lon), res)
	if err != nil {
		return "", fmt.Errorf("h3 cell: %w", err)
	}
	return c.String(), nil
}

func ValidateRes(res int) error {
	if res < 0 || res > 15 {
		return fmt.Errorf("invalid H3 resolution %d (must be 0..15)", res)
	}
	return nil
}

// Package mapper converts between geometric coordinates and grid cells.
package mapper

type Interface interface {
	CellForPoint(lon, lat float64, res int) (string, error)
}

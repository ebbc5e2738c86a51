package invalidation

import (
	"fmt"
	"strings"
	"time"
)

const (
	OpRepublish = "republish"
	OpDelete    = "delete"
)

// Event announces that the upstream archive for Day changed.
type Event struct {
	Version int       `json:"version"`
	Op      string    `json:"op"`
	Day     string    `json:"day"`
	TS      time.Time `json:"ts"`
	Source  string    `json:"source,omitempty"`
}

func (e Event) Validate() error {
	if e.Version != 1 {
		return fmt.Errorf("version must be 1")
	}
	switch e.Op {
	case OpRepublish, OpDelete:
	default:
		return fmt.Errorf("op must be republish|delete")
	}
	if strings.TrimSpace(e.Day) == "" {
		return fmt.Errorf("day is required")
	}
	if _, err := e.Date(); err != nil {
		return err
	}
	if e.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	return nil
}

// Date parses Day as a UTC calendar date.
func (e Event) Date() (time.Time, error) {
	d, err := time.Parse(time.DateOnly, strings.TrimSpace(e.Day))
	if err != nil {
		return time.Time{}, fmt.Errorf("day must be YYYY-MM-DD: %w", err)
	}
	return d, nil
}

package kafkaconsumer

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// versionDedupe remembers the newest event timestamp applied per day.
type versionDedupe struct {
	mu  sync.Mutex
	lru *lru.Cache[string, int64]
}

func newVersionDedupe(size int) *versionDedupe {
	if size <= 0 {
		size = 4096
	}
	c, _ := lru.New[string, int64](size)
	return &versionDedupe{lru: c}
}

// returns true if v is greater than last seen for day
func (d *versionDedupe) shouldApply(day string, v int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lru.Get(day); ok && v <= last {
		return false
	}
	d.lru.Add(day, v)
	return true
}

package health

import (
	"net/http"

	"github.com/goccy/go-json"
)

type ReadinessReporter interface {
	Readiness() (ready bool, partitions []int32)
}

// Static reports a fixed readiness without partitions.
type Static bool

func (s Static) Readiness() (bool, []int32) { return bool(s), nil }

// All is ready when every reporter is. Partitions are concatenated.
type All []ReadinessReporter

func (a All) Readiness() (bool, []int32) {
	var parts []int32
	for _, rr := range a {
		ok, p := rr.Readiness()
		if !ok {
			return false, nil
		}
		parts = append(parts, p...)
	}
	return true, parts
}

func Readiness(rr ReadinessReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		type resp struct {
			Status     string  `json:"status"`
			Partitions []int32 `json:"partitions,omitempty"`
		}
		ready, parts := rr.Readiness()
		out := resp{Status: "not_ready"}
		if ready {
			out.Status = "ready"
			out.Partitions = parts
		}
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}

// DirReady reports ready while the directory check succeeds.
type DirReady func() error

func (d DirReady) Readiness() (bool, []int32) { return d() == nil, nil }

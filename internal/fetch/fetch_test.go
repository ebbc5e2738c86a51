package fetch

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mohammed-shakir/ais-feed-cache/internal/core/feederr"
	"github.com/mohammed-shakir/ais-feed-cache/internal/core/model"
)

func zipCSV(t *testing.T, name, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(name)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return buf.Bytes()
}

type countingTransport struct {
	calls atomic.Int32
	next  http.RoundTripper
}

func (c *countingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	c.calls.Add(1)
	return c.next.RoundTrip(r)
}

func noSleep(context.Context, time.Duration) error { return nil }

func newFetcher(t *testing.T, srv *httptest.Server, cfg Config, opts ...Option) (*Fetcher, *countingTransport) {
	t.Helper()
	ct := &countingTransport{next: http.DefaultTransport}
	if srv != nil {
		cfg.URLTemplate = srv.URL + "/{YYYY}/AIS_{YYYY}_{MM}_{DD}.zip"
	}
	opts = append([]Option{WithSleep(noSleep)}, opts...)
	return New(cfg, &http.Client{Transport: ct}, nil, opts...), ct
}

func serveZip(data []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write(data)
	}
}

func collect(t *testing.T, f *Fetcher, day string) ([]model.Record, error) {
	t.Helper()
	var out []model.Record
	err := f.FetchDay(context.Background(), day, func(r model.Record) error {
		out = append(out, r)
		return nil
	})
	return out, err
}

func TestFetchDay_DeliversRecordsInFileOrder(t *testing.T) {
	var b strings.Builder
	b.WriteString("MMSI,BaseDateTime,LAT,LON\n")
	for i := range 200 {
		fmt.Fprintf(&b, "%d,2023-01-01T00:%02d:00,%d.5,%d.25\n", i, i%60, i%90, i%180)
	}
	data := zipCSV(t, "AIS_2023_01_01.csv", b.String())

	var gotPath atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		serveZip(data)(w, r)
	}))
	defer srv.Close()

	f, _ := newFetcher(t, srv, Config{})
	recs, err := collect(t, f, "2023-01-01")
	if err != nil {
		t.Fatalf("FetchDay: %v", err)
	}
	if p, _ := gotPath.Load().(string); p != "/2023/AIS_2023_01_01.zip" {
		t.Fatalf("requested %q", p)
	}
	if len(recs) != 200 {
		t.Fatalf("got %d records, want 200", len(recs))
	}
	for i, r := range recs {
		if r["MMSI"] != fmt.Sprint(i) {
			t.Fatalf("record %d has MMSI %v", i, r["MMSI"])
		}
	}
}

func TestFetchDay_InvalidDayNeverTouchesNetwork(t *testing.T) {
	srv := httptest.NewServer(serveZip(nil))
	defer srv.Close()
	f, ct := newFetcher(t, srv, Config{})

	for _, day := range []string{"invalid", "2023-02-30", "2023-1-1", ""} {
		called := false
		err := f.FetchDay(context.Background(), day, func(model.Record) error {
			called = true
			return nil
		})
		if !errors.Is(err, feederr.InvalidInput) {
			t.Fatalf("day %q: want InvalidInput, got %v", day, err)
		}
		if called {
			t.Fatalf("day %q: callback invoked", day)
		}
	}
	if n := ct.calls.Load(); n != 0 {
		t.Fatalf("network calls = %d, want 0", n)
	}
}

func TestFetchDay_StateTransitions(t *testing.T) {
	data := zipCSV(t, "day.csv", "lon,lat\n1,2\n")
	srv := httptest.NewServer(serveZip(data))
	defer srv.Close()

	var mu sync.Mutex
	var states []State
	f, _ := newFetcher(t, srv, Config{}, WithStateHook(func(_ string, s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}))
	if _, err := collect(t, f, "2023-01-01"); err != nil {
		t.Fatalf("FetchDay: %v", err)
	}
	want := []State{StateInit, StateConnecting, StateDecompressing, StateParsing, StateDone}
	if fmt.Sprint(states) != fmt.Sprint(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
}

func TestFetchDay_RetriesTransientStatus(t *testing.T) {
	data := zipCSV(t, "day.csv", "lon,lat\n1,2\n3,4\n")
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		serveZip(data)(w, r)
	}))
	defer srv.Close()

	f, _ := newFetcher(t, srv, Config{Retries: 2})
	recs, err := collect(t, f, "2023-01-01")
	if err != nil {
		t.Fatalf("FetchDay: %v", err)
	}
	if len(recs) != 2 || hits.Load() != 3 {
		t.Fatalf("records=%d hits=%d", len(recs), hits.Load())
	}
}

func TestFetchDay_ExhaustedRetriesIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f, ct := newFetcher(t, srv, Config{Retries: 2, BreakerFails: 100})
	_, err := collect(t, f, "2023-01-01")
	if !errors.Is(err, feederr.NetworkError) {
		t.Fatalf("want NetworkError, got %v", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Code != 500 {
		t.Fatalf("want status 500 in chain, got %v", err)
	}
	if n := ct.calls.Load(); n != 3 {
		t.Fatalf("calls = %d, want 3", n)
	}
}

func TestFetchDay_NotFoundIsNotRetried(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	f, ct := newFetcher(t, srv, Config{Retries: 2})
	_, err := collect(t, f, "2031-01-01")
	if !errors.Is(err, feederr.NetworkError) {
		t.Fatalf("want NetworkError, got %v", err)
	}
	if n := ct.calls.Load(); n != 1 {
		t.Fatalf("calls = %d, want 1", n)
	}
}

func TestFetchDay_OpenBreakerSkipsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f, ct := newFetcher(t, srv, Config{Retries: 0, BreakerFails: 1, BreakerTimeout: time.Hour})
	if _, err := collect(t, f, "2023-01-01"); !errors.Is(err, feederr.NetworkError) {
		t.Fatalf("first: want NetworkError, got %v", err)
	}
	_, err := collect(t, f, "2023-01-02")
	if !errors.Is(err, feederr.NetworkError) {
		t.Fatalf("second: want NetworkError, got %v", err)
	}
	if n := ct.calls.Load(); n != 1 {
		t.Fatalf("calls = %d, want 1 (breaker should be open)", n)
	}
}

func TestFetchDay_AttemptTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	f, _ := newFetcher(t, srv, Config{Timeout: 50 * time.Millisecond})
	start := time.Now()
	_, err := collect(t, f, "2023-01-01")
	if !errors.Is(err, feederr.NetworkError) {
		t.Fatalf("want NetworkError, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("timeout not enforced: took %v", time.Since(start))
	}
}

func TestFetchDay_ArchiveErrors(t *testing.T) {
	cases := map[string][]byte{
		"not a zip":    []byte("<html>down for maintenance</html>"),
		"no csv entry": zipCSV(t, "notes.txt", "hello"),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(serveZip(body))
			defer srv.Close()
			f, _ := newFetcher(t, srv, Config{})
			_, err := collect(t, f, "2023-01-01")
			if !errors.Is(err, feederr.ArchiveError) {
				t.Fatalf("want ArchiveError, got %v", err)
			}
		})
	}
}

func TestFetchDay_CallbackErrorHaltsDelivery(t *testing.T) {
	data := zipCSV(t, "day.csv", "lon,lat\n1,1\n2,2\n3,3\n")
	srv := httptest.NewServer(serveZip(data))
	defer srv.Close()
	f, _ := newFetcher(t, srv, Config{})

	boom := errors.New("sink closed")
	calls := 0
	err := f.FetchDay(context.Background(), "2023-01-01", func(model.Record) error {
		calls++
		return boom
	})
	if !errors.Is(err, feederr.CallbackError) || !errors.Is(err, boom) {
		t.Fatalf("want CallbackError wrapping boom, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("callback invoked %d times after failure", calls)
	}
}

func TestFetchDay_BOMAndRaggedRows(t *testing.T) {
	body := "\ufeffLON,LAT,Extra\r\n1,2\r\n\r\n3,4,5,6\r\n\"7\",8,\"q,x\"\r\n"
	srv := httptest.NewServer(serveZip(zipCSV(t, "day.CSV", body)))
	defer srv.Close()
	f, _ := newFetcher(t, srv, Config{})

	recs, err := collect(t, f, "2023-01-01")
	if err != nil {
		t.Fatalf("FetchDay: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records: %v", len(recs), recs)
	}
	if recs[0]["LON"] != "1" || recs[0]["LAT"] != "2" {
		t.Fatalf("BOM not stripped from header: %v", recs[0])
	}
	if _, ok := recs[0]["Extra"]; ok {
		t.Fatalf("short row should leave trailing column absent: %v", recs[0])
	}
	if len(recs[1]) != 3 || recs[1]["Extra"] != "5" {
		t.Fatalf("long row should drop extra fields: %v", recs[1])
	}
	if recs[2]["LON"] != "7" {
		t.Fatalf("quoted field: %v", recs[2])
	}
}

func TestRecords_BreakStopsWithoutDone(t *testing.T) {
	data := zipCSV(t, "day.csv", "lon,lat\n1,1\n2,2\n3,3\n")
	srv := httptest.NewServer(serveZip(data))
	defer srv.Close()

	var last atomic.Int32
	f, _ := newFetcher(t, srv, Config{}, WithStateHook(func(_ string, s State) { last.Store(int32(s)) }))

	n := 0
	for rec, err := range f.Records(context.Background(), "2023-01-01") {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec["lon"] != "1" {
			t.Fatalf("first record %v", rec)
		}
		n++
		break
	}
	if n != 1 {
		t.Fatalf("n = %d", n)
	}
	if State(last.Load()) != StateParsing {
		t.Fatalf("last state = %v, want parsing", State(last.Load()))
	}
}

func TestURL_Template(t *testing.T) {
	f := New(Config{URLTemplate: "https://example.test/{YYYY}/AIS_{YYYY}_{MM}_{DD}.zip"}, nil, nil)
	day := time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC)
	if got := f.URL(day); got != "https://example.test/2024/AIS_2024_03_07.zip" {
		t.Fatalf("URL = %q", got)
	}
}

func TestBackoff_BoundedWithJitter(t *testing.T) {
	f := New(Config{BackoffBase: 100 * time.Millisecond, BackoffMax: 300 * time.Millisecond}, nil, nil)
	for attempt, lo := range map[int]time.Duration{1: 100 * time.Millisecond, 2: 200 * time.Millisecond, 5: 300 * time.Millisecond} {
		d := f.backoff(attempt)
		if d < lo || d > lo+lo/10 {
			t.Fatalf("attempt %d: backoff %v outside [%v, %v]", attempt, d, lo, lo+lo/10)
		}
	}
}

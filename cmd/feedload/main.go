// Command feedload replays a Zipf-skewed mix of /v1/ais queries against a
// running feedserver and reports latency percentiles and X-Cache outcomes.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

type Config struct {
	TargetURL      string
	Days           []string
	Concurrency    int
	Duration       time.Duration
	ZipfS          float64
	ZipfV          float64
	BBoxCount      int
	Precision      int
	Sample         int
	Head           int
	OutputPrefix   string
	RequestTimeout time.Duration
}

func loadConfig() Config {
	var cfg Config
	var days string
	flag.StringVar(&cfg.TargetURL, "target", "http://localhost:8090/v1/ais", "feedserver /v1/ais URL")
	flag.StringVar(&days, "days", "2024-01-01", "comma-separated archive days")
	flag.IntVar(&cfg.Concurrency, "concurrency", 8, "Concurrent workers")
	flag.DurationVar(&cfg.Duration, "duration", 60*time.Second, "Test duration")
	flag.Float64Var(&cfg.ZipfS, "zipf-s", 1.3, "Zipf parameter s (>1)")
	flag.Float64Var(&cfg.ZipfV, "zipf-v", 1.0, "Zipf parameter v (>=1)")
	flag.IntVar(&cfg.BBoxCount, "bboxes", 32, "Distinct BBOXes in pool")
	flag.IntVar(&cfg.Precision, "precision", 5, "precision query param")
	flag.IntVar(&cfg.Sample, "sample", 1, "sample query param")
	flag.IntVar(&cfg.Head, "head", 0, "head query param; 0 omits it")
	flag.StringVar(&cfg.OutputPrefix, "out", "results/feedload", "Output file prefix (JSON/CSV); empty disables")
	flag.DurationVar(&cfg.RequestTimeout, "timeout", 5*time.Minute, "Per-request timeout")
	flag.Parse()
	for d := range strings.SplitSeq(days, ",") {
		if d = strings.TrimSpace(d); d != "" {
			cfg.Days = append(cfg.Days, d)
		}
	}
	return cfg
}

type BBox struct{ X1, Y1, X2, Y2 float64 }

func (b BBox) String() string {
	return fmt.Sprintf("%.4f,%.4f,%.4f,%.4f", b.X1, b.Y1, b.X2, b.Y2)
}

// query is one point of the workload: a day crossed with a bbox.
type query struct {
	Day  string
	BBox BBox
}

// makeBBoxes mixes a few hot port areas with random boxes over US coastal
// waters, where the daily archives are densest.
func makeBBoxes(count int, r *rand.Rand) []BBox {
	centers := [][2]float64{
		{-74.02, 40.65},  // New York
		{-118.25, 33.73}, // Los Angeles
		{-95.02, 29.73},  // Houston
		{-122.35, 47.60}, // Seattle
	}
	out := make([]BBox, 0, count)
	hot := min(count, max(4, count/4))
	for i := range hot {
		c := centers[i%len(centers)]
		w, h := 0.2+r.Float64()*0.2, 0.2+r.Float64()*0.2
		out = append(out, BBox{c[0] - w/2, c[1] - h/2, c[0] + w/2, c[1] + h/2})
	}
	for len(out) < count {
		lon := -125 + r.Float64()*(-67+125)
		lat := 25 + r.Float64()*(49-25)
		w, h := 0.5+r.Float64(), 0.5+r.Float64()
		out = append(out, BBox{lon - w/2, lat - h/2, lon + w/2, lat + h/2})
	}
	return out
}

// makeQueries lays out the pool so low Zipf ranks hit the hot boxes first.
func makeQueries(days []string, boxes []BBox) []query {
	out := make([]query, 0, len(days)*len(boxes))
	for _, b := range boxes {
		for _, d := range days {
			out = append(out, query{Day: d, BBox: b})
		}
	}
	return out
}

func (c Config) requestURL(q query) (string, error) {
	u, err := url.Parse(c.TargetURL)
	if err != nil {
		return "", err
	}
	v := u.Query()
	v.Set("start", q.Day)
	v.Set("bbox", q.BBox.String())
	v.Set("precision", strconv.Itoa(c.Precision))
	v.Set("sample", strconv.Itoa(c.Sample))
	if c.Head > 0 {
		v.Set("head", strconv.Itoa(c.Head))
	}
	u.RawQuery = v.Encode()
	return u.String(), nil
}

type sample struct {
	Timestamp time.Time
	Latency   time.Duration
	Status    int
	Cache     string
	Bytes     int64
	ErrorMsg  string
	Index     int
}

func (s sample) ok() bool {
	return s.ErrorMsg == "" && s.Status >= 200 && s.Status < 300
}

type summary struct {
	StartTime     time.Time        `json:"start"`
	EndTime       time.Time        `json:"end"`
	DurationSec   float64          `json:"duration_sec"`
	TotalRequests int64            `json:"total"`
	SuccessCount  int64            `json:"success"`
	ErrorCount    int64            `json:"errors"`
	Bytes         int64            `json:"bytes"`
	ThroughputRPS float64          `json:"throughput_rps"`
	P50Ms         float64          `json:"p50_ms"`
	P95Ms         float64          `json:"p95_ms"`
	P99Ms         float64          `json:"p99_ms"`
	CacheCounts   map[string]int64 `json:"x_cache"`
	Concurrency   int              `json:"concurrency"`
	ZipfS         float64          `json:"zipf_s"`
	ZipfV         float64          `json:"zipf_v"`
	Queries       int              `json:"queries"`
	TargetURL     string           `json:"target"`
}

// aggregator folds samples into a summary and mirrors them to w when set.
type aggregator struct {
	w       *csv.Writer
	sum     summary
	latency []float64
}

func newAggregator(w *csv.Writer) *aggregator {
	a := &aggregator{w: w, sum: summary{CacheCounts: map[string]int64{}}}
	if w != nil {
		_ = w.Write([]string{"timestamp", "latency_ms", "status", "x_cache", "bytes", "error", "query_idx"})
	}
	return a
}

func (a *aggregator) add(s sample) {
	a.sum.TotalRequests++
	ms := float64(s.Latency.Microseconds()) / 1000.0
	if s.ok() {
		a.sum.SuccessCount++
		a.sum.Bytes += s.Bytes
		a.latency = append(a.latency, ms)
		if s.Cache != "" {
			a.sum.CacheCounts[s.Cache]++
		}
	} else {
		a.sum.ErrorCount++
	}
	if a.w != nil {
		_ = a.w.Write([]string{
			s.Timestamp.UTC().Format(time.RFC3339Nano),
			strconv.FormatFloat(ms, 'f', 3, 64),
			strconv.Itoa(s.Status),
			s.Cache,
			strconv.FormatInt(s.Bytes, 10),
			s.ErrorMsg,
			strconv.Itoa(s.Index),
		})
	}
}

func (a *aggregator) finish(start, end time.Time) summary {
	sort.Float64s(a.latency)
	a.sum.StartTime, a.sum.EndTime = start.UTC(), end.UTC()
	a.sum.DurationSec = end.Sub(start).Seconds()
	if a.sum.DurationSec > 0 {
		a.sum.ThroughputRPS = float64(a.sum.TotalRequests) / a.sum.DurationSec
	}
	a.sum.P50Ms = percentile(a.latency, 50)
	a.sum.P95Ms = percentile(a.latency, 95)
	a.sum.P99Ms = percentile(a.latency, 99)
	return a.sum
}

// do issues one request and drains the body still gzip-compressed.
func do(ctx context.Context, client *http.Client, rawURL string) sample {
	s := sample{Timestamp: time.Now()}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		s.ErrorMsg = err.Error()
		return s
	}
	resp, err := client.Do(req)
	if err != nil {
		s.Latency = time.Since(s.Timestamp)
		s.ErrorMsg = err.Error()
		return s
	}
	n, cerr := io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	s.Latency = time.Since(s.Timestamp)
	s.Status = resp.StatusCode
	s.Cache = resp.Header.Get("X-Cache")
	s.Bytes = n
	switch {
	case cerr != nil:
		s.ErrorMsg = cerr.Error()
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		s.ErrorMsg = fmt.Sprintf("status=%d", resp.StatusCode)
	}
	return s
}

func main() {
	cfg := loadConfig()
	if len(cfg.Days) == 0 || cfg.BBoxCount <= 0 || cfg.Concurrency <= 0 {
		log.Fatalf("need at least one day, one bbox and one worker")
	}

	seed := time.Now().UnixNano()
	queries := makeQueries(cfg.Days, makeBBoxes(cfg.BBoxCount, rand.New(rand.NewSource(seed))))
	imax := uint64(len(queries)) - 1

	client := &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         (&net.Dialer{Timeout: 4 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			MaxIdleConns:        256,
			MaxIdleConnsPerHost: 64,
			IdleConnTimeout:     90 * time.Second,
			DisableCompression:  true,
		},
		Timeout: cfg.RequestTimeout,
	}

	var csvWriter *csv.Writer
	if cfg.OutputPrefix != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.OutputPrefix), 0o750); err != nil {
			log.Fatalf("mkdir results: %v", err)
		}
		f, err := os.Create(filepath.Clean(cfg.OutputPrefix + "_samples.csv"))
		if err != nil {
			log.Fatalf("open csv: %v", err)
		}
		defer func() { _ = f.Close() }()
		csvWriter = csv.NewWriter(f)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	samples := make(chan sample, 1024)
	agg := newAggregator(csvWriter)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for s := range samples {
			agg.add(s)
		}
	}()

	start := time.Now()
	log.Printf("feedload start target=%s days=%v dur=%s conc=%d zipf(s=%.2f,v=%.2f) queries=%d",
		cfg.TargetURL, cfg.Days, cfg.Duration, cfg.Concurrency, cfg.ZipfS, cfg.ZipfV, len(queries))

	var wg sync.WaitGroup
	for id := range cfg.Concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			zipf := rand.NewZipf(rand.New(rand.NewSource(seed+int64(id)+1)), cfg.ZipfS, cfg.ZipfV, imax)
			for ctx.Err() == nil {
				idx := int(zipf.Uint64())
				u, err := cfg.requestURL(queries[idx])
				if err != nil {
					log.Printf("bad target: %v", err)
					return
				}
				s := do(ctx, client, u)
				s.Index = idx
				if ctx.Err() != nil {
					return
				}
				samples <- s
			}
		}()
	}
	wg.Wait()
	close(samples)
	<-done

	sum := agg.finish(start, time.Now())
	sum.Concurrency, sum.ZipfS, sum.ZipfV = cfg.Concurrency, cfg.ZipfS, cfg.ZipfV
	sum.Queries, sum.TargetURL = len(queries), cfg.TargetURL

	if csvWriter != nil {
		csvWriter.Flush()
		if err := csvWriter.Error(); err != nil {
			log.Printf("csv flush error: %v", err)
		}
		if b, err := json.MarshalIndent(sum, "", "  "); err == nil {
			_ = os.WriteFile(filepath.Clean(cfg.OutputPrefix+"_summary.json"), b, 0o600)
		}
	}

	log.Printf("done: total=%d succ=%d err=%d thr=%.2f rps p50=%.1fms p95=%.1fms p99=%.1fms x-cache=%v",
		sum.TotalRequests, sum.SuccessCount, sum.ErrorCount, sum.ThroughputRPS, sum.P50Ms, sum.P95Ms, sum.P99Ms, sum.CacheCounts)
}

func percentile(sortedValues []float64, p float64) float64 {
	if len(sortedValues) == 0 {
		return math.NaN()
	}
	if p <= 0 {
		return sortedValues[0]
	}
	if p >= 100 {
		return sortedValues[len(sortedValues)-1]
	}
	k := (p / 100.0) * float64(len(sortedValues)-1)
	f := math.Floor(k)
	i := int(f)
	if i >= len(sortedValues)-1 {
		return sortedValues[len(sortedValues)-1]
	}
	d := k - f
	return sortedValues[i]*(1-d) + sortedValues[i+1]*d
}

package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type InvalidationCfg struct {
	Enabled bool
	Driver  string
	Topic   string
	Brokers string
	GroupID string
}

type FetchCfg struct {
	URLTemplate    string
	Retries        int
	Timeout        time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	BreakerFails   int
	BreakerTimeout time.Duration
}

type CacheCfg struct {
	Dir           string
	MaxItems      int
	MaxBytes      int64
	MaxAge        time.Duration
	PurgeInterval time.Duration
}

type Config struct {
	Addr             string
	LogLevel         string
	LogConsole       bool
	LogSampleN       int
	Mode             string
	Fetch            FetchCfg
	Cache            CacheCfg
	CoalesceInflight bool
	MaxRangeDays     int
	RedisAddr        string
	StatsEnabled     bool
	CacheOpTimeout   time.Duration
	KafkaBrokers     string
	EventsEnabled    bool
	EventsTopic      string
	Invalidation     InvalidationCfg
}

const DefaultURLTemplate = "https://coast.noaa.gov/htdata/CMSP/AISDataHandler/{YYYY}/AIS_{YYYY}_{MM}_{DD}.zip"

func FromEnv() Config {
	retries := getint("FETCH_RETRIES", 2)
	if retries < 0 {
		retries = 0
	}
	maxRange := getint("MAX_RANGE_DAYS", 7)
	if maxRange < 1 {
		maxRange = 1
	}
	brokers := getenv("KAFKA_BROKERS", "localhost:9092")

	return Config{
		Addr:       getenv("ADDR", ":8090"),
		LogLevel:   getenv("LOG_LEVEL", "info"),
		LogConsole: getbool("LOG_CONSOLE", false),
		LogSampleN: getint("LOG_SAMPLE_N", 0),
		Mode:       getenv("MODE", "cache"),
		Fetch: FetchCfg{
			URLTemplate:    getenv("FETCH_URL_TEMPLATE", DefaultURLTemplate),
			Retries:        retries,
			Timeout:        getduration("FETCH_TIMEOUT", 30*time.Second),
			BackoffBase:    getduration("FETCH_BACKOFF_BASE", 500*time.Millisecond),
			BackoffMax:     getduration("FETCH_BACKOFF_MAX", 5*time.Second),
			BreakerFails:   getint("FETCH_BREAKER_FAILURES", 5),
			BreakerTimeout: getduration("FETCH_BREAKER_TIMEOUT", 30*time.Second),
		},
		Cache: CacheCfg{
			Dir:           getenv("CACHE_DIR", filepath.Join(os.TempDir(), "ais-feed-cache")),
			MaxItems:      getint("CACHE_MAX_ITEMS", 300),
			MaxBytes:      getint64("CACHE_MAX_BYTES", 512<<20),
			MaxAge:        getduration("CACHE_MAX_AGE", 24*time.Hour),
			PurgeInterval: getduration("CACHE_PURGE_INTERVAL", time.Hour),
		},
		CoalesceInflight: getbool("COALESCE_INFLIGHT", true),
		MaxRangeDays:     maxRange,
		RedisAddr:        getenv("REDIS_ADDR", "localhost:6379"),
		StatsEnabled:     getbool("STATS_ENABLED", false),
		CacheOpTimeout:   getduration("CACHE_OP_TIMEOUT", 250*time.Millisecond),
		KafkaBrokers:     brokers,
		EventsEnabled:    getbool("FEED_EVENTS_ENABLED", false),
		EventsTopic:      getenv("FEED_EVENTS_TOPIC", "ais-feed-events"),
		Invalidation: InvalidationCfg{
			Enabled: getbool("INVALIDATION_ENABLED", false),
			Driver:  getenv("INVALIDATION_DRIVER", "none"),
			Topic:   getenv("KAFKA_TOPIC", "ais-day-republish"),
			Brokers: brokers,
			GroupID: getenv("KAFKA_GROUP_ID", "ais-feed-invalidator"),
		},
	}
}

// Brokers splits a comma-separated broker list, dropping blanks.
func Brokers(s string) []string {
	var out []string
	for b := range strings.SplitSeq(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getint64(k string, def int64) int64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

package kafkaconsumer

import (
	"time"

	"github.com/mohammed-shakir/ais-feed-cache/internal/core/config"
)

const DriverKafka = "kafka"

type Config struct {
	Enabled             bool
	Brokers             []string
	Topic               string
	GroupID             string
	SessionTimeout      time.Duration
	Heartbeat           time.Duration
	RebalanceTimeout    time.Duration
	InitialOffsetOldest bool
	DedupeSize          int
}

func FromConfig(ic config.InvalidationCfg) Config {
	return Config{
		Enabled:             ic.Enabled && ic.Driver == DriverKafka,
		Brokers:             config.Brokers(ic.Brokers),
		Topic:               ic.Topic,
		GroupID:             ic.GroupID,
		SessionTimeout:      30 * time.Second,
		Heartbeat:           3 * time.Second,
		RebalanceTimeout:    30 * time.Second,
		InitialOffsetOldest: true,
		DedupeSize:          4096,
	}
}

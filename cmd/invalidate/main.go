// Command invalidate publishes a day invalidation event so running
// feedservers drop their cached artifacts for that day.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"

	"github.com/mohammed-shakir/ais-feed-cache/internal/core/config"
	"github.com/mohammed-shakir/ais-feed-cache/internal/invalidation"
)

func main() {
	cfg := config.FromEnv()
	day := flag.String("day", "", "archive day YYYY-MM-DD (required)")
	op := flag.String("op", invalidation.OpRepublish, "republish or delete")
	source := flag.String("source", "cli", "free-form origin recorded in the event")
	brokers := flag.String("brokers", cfg.Invalidation.Brokers, "comma-separated Kafka brokers")
	topic := flag.String("topic", cfg.Invalidation.Topic, "invalidation topic")
	flag.Parse()

	ev := invalidation.Event{
		Version: 1,
		Op:      strings.TrimSpace(*op),
		Day:     strings.TrimSpace(*day),
		TS:      time.Now().UTC(),
		Source:  *source,
	}
	if err := ev.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid event:", err)
		os.Exit(2)
	}

	pcfg := sarama.NewConfig()
	pcfg.Version = sarama.V2_5_0_0
	pcfg.Producer.Return.Successes = true
	pcfg.Producer.RequiredAcks = sarama.WaitForAll
	prod, err := sarama.NewSyncProducer(config.Brokers(*brokers), pcfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "producer create:", err)
		os.Exit(1)
	}
	defer func() { _ = prod.Close() }()

	partition, offset, err := send(prod, *topic, ev)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		_ = prod.Close()
		os.Exit(1)
	}
	fmt.Printf("published %s %s to %s[%d]@%d\n", ev.Op, ev.Day, *topic, partition, offset)
}

// send keys the message by day so events for one day stay ordered within a
// partition.
func send(prod sarama.SyncProducer, topic string, ev invalidation.Event) (int32, int64, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return 0, 0, fmt.Errorf("marshal event: %w", err)
	}
	partition, offset, err := prod.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(ev.Day),
		Value: sarama.ByteEncoder(b),
	})
	if err != nil {
		return 0, 0, fmt.Errorf("send message: %w", err)
	}
	return partition, offset, nil
}

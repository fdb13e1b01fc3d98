package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"go.uber.org/zap"

	"github.com/ezpaarse-project/ezmesure-harvester/pkg/harvest"
)

// Stats describes the producer since Connect.
type Stats struct {
	Connected     bool      `json:"connected"`
	Topic         string    `json:"topic"`
	Brokers       string    `json:"brokers"`
	Published     int64     `json:"published"`
	Delivered     int64     `json:"delivered"`
	Failed        int64     `json:"failed"`
	LastError     string    `json:"last_error,omitempty"`
	LastPublishAt time.Time `json:"last_publish_at,omitempty"`
}

// Publisher sends harvest events to a Kafka topic, keyed by run id so the
// events of one run stay ordered within a partition.
type Publisher struct {
	config   kafka.ConfigMap
	producer *kafka.Producer
	topic    string
	logger   *zap.Logger

	statsMu sync.RWMutex
	stats   Stats
}

// ParseURI builds the producer configuration from
// kafka://broker1:9092,broker2:9092/topic?linger.ms=10. Query parameters
// override the defaults.
func ParseURI(uri *url.URL) (kafka.ConfigMap, string, error) {
	topic := strings.TrimPrefix(uri.Path, "/")
	if topic == "" {
		return nil, "", fmt.Errorf("topic must be specified in URL path")
	}
	if uri.Host == "" {
		return nil, "", fmt.Errorf("at least one broker must be specified in URL host")
	}

	config := kafka.ConfigMap{
		"bootstrap.servers":   uri.Host,
		"client.id":           "ezmesure-harvester",
		"acks":                "all",
		"retries":             "5",
		"linger.ms":           "5",
		"compression.type":    "snappy",
		"request.timeout.ms":  "5000",
		"delivery.timeout.ms": "30000",
	}
	for key, values := range uri.Query() {
		if len(values) > 0 {
			config[key] = values[0]
		}
	}
	return config, topic, nil
}

func NewPublisher(uri *url.URL, logger *zap.Logger) (*Publisher, error) {
	config, topic, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		config: config,
		topic:  topic,
		logger: logger.Named("kafka"),
		stats: Stats{
			Topic:   topic,
			Brokers: uri.Host,
		},
	}, nil
}

func (p *Publisher) Connect(ctx context.Context) error {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	producer, err := kafka.NewProducer(&p.config)
	if err != nil {
		p.stats.Connected = false
		p.stats.LastError = err.Error()
		return err
	}
	p.producer = producer
	p.stats.Connected = true
	p.stats.LastError = ""

	go p.deliveries(producer.Events())

	p.logger.Info("kafka publisher connected",
		zap.String("topic", p.topic),
		zap.String("brokers", p.stats.Brokers))
	return nil
}

func (p *Publisher) deliveries(events chan kafka.Event) {
	defer p.logger.Debug("producer event loop closed")

	for e := range events {
		switch ev := e.(type) {
		case *kafka.Message:
			p.statsMu.Lock()
			if ev.TopicPartition.Error != nil {
				p.stats.Failed++
				p.stats.LastError = ev.TopicPartition.Error.Error()
			} else {
				p.stats.Delivered++
			}
			p.statsMu.Unlock()

			if ev.TopicPartition.Error != nil {
				p.logger.Error("event delivery failed",
					zap.ByteString("key", ev.Key),
					zap.Error(ev.TopicPartition.Error))
				continue
			}
			p.logger.Debug("event delivered",
				zap.Int32("partition", ev.TopicPartition.Partition),
				zap.Int64("offset", int64(ev.TopicPartition.Offset)))
		case kafka.Error:
			p.logger.Error("producer error", zap.Error(ev))
		}
	}
}

// Publish enqueues the event. Delivery is asynchronous, failures are
// reported through Stats and the log.
func (p *Publisher) Publish(ctx context.Context, event harvest.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.producer == nil {
		return fmt.Errorf("kafka publisher is not connected")
	}

	value, err := json.Marshal(event)
	if err != nil {
		p.recordError(err)
		return err
	}

	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &p.topic,
			Partition: kafka.PartitionAny,
		},
		Key:   []byte(event.RunID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type)},
		},
	}
	if err := p.producer.Produce(msg, nil); err != nil {
		p.recordError(err)
		return err
	}

	p.statsMu.Lock()
	p.stats.Published++
	p.stats.LastPublishAt = time.Now()
	p.statsMu.Unlock()
	return nil
}

func (p *Publisher) recordError(err error) {
	p.statsMu.Lock()
	p.stats.Failed++
	p.stats.LastError = err.Error()
	p.statsMu.Unlock()
}

// Close flushes pending messages for up to five seconds.
func (p *Publisher) Close() error {
	if p.producer != nil {
		if left := p.producer.Flush(5000); left > 0 {
			p.logger.Warn("closing with undelivered events", zap.Int("pending", left))
		}
		p.producer.Close()
	}

	p.statsMu.Lock()
	p.stats.Connected = false
	p.statsMu.Unlock()
	return nil
}

func (p *Publisher) Stats() Stats {
	p.statsMu.RLock()
	defer p.statsMu.RUnlock()
	return p.stats
}

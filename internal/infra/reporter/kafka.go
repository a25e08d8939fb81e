package reporter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/blockscan/internal/domain/scan"
	"github.com/ahrav/blockscan/pkg/common"
	"github.com/ahrav/blockscan/pkg/common/logger"
)

// Message types carried in the event_type header.
const (
	EventTypePage    = "blockscan.page"
	EventTypeSummary = "blockscan.summary"
)

// KafkaConfig names the brokers and topic results are published to.
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	ClientID string
}

// PageMessage is the JSON value published for every reported page.
type PageMessage struct {
	RunID string  `json:"run_id"`
	Job   string  `json:"job"`
	Page  int     `json:"page"`
	IDs   []int64 `json:"ids"`
}

var _ scan.Reporter = (*Kafka)(nil)

// Kafka publishes each page and the final summary to a topic. Messages are
// keyed by job so one run's pages stay ordered within a partition.
type Kafka struct {
	producer sarama.SyncProducer
	topic    string
	runID    string
	job      string

	logger *logger.Logger
	tracer trace.Tracer
}

// NewKafka wraps an already connected producer.
func NewKafka(
	producer sarama.SyncProducer,
	topic, runID, job string,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Kafka {
	return &Kafka{producer: producer, topic: topic, runID: runID, job: job, logger: logger, tracer: tracer}
}

// NewSaramaConfig returns the producer settings results are published with.
func NewSaramaConfig(clientID string) *sarama.Config {
	config := sarama.NewConfig()
	config.ClientID = clientID

	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1
	config.Producer.Retry.Max = 5
	config.Producer.Retry.Backoff = 250 * time.Millisecond

	config.Version = sarama.V3_6_0_0
	return config
}

// ConnectKafkaProducer dials the brokers, retrying with backoff while they
// are unreachable.
func ConnectKafkaProducer(ctx context.Context, cfg KafkaConfig, log *logger.Logger) (sarama.SyncProducer, error) {
	return common.ConnectWithRetry(ctx, log, "kafka", common.DefaultConnectConfig(),
		func(context.Context) (sarama.SyncProducer, error) {
			return sarama.NewSyncProducer(cfg.Brokers, NewSaramaConfig(cfg.ClientID))
		})
}

func (k *Kafka) ReportPage(ctx context.Context, pageNumber int, ids []int64) error {
	value, err := json.Marshal(PageMessage{RunID: k.runID, Job: k.job, Page: pageNumber, IDs: ids})
	if err != nil {
		return fmt.Errorf("failed to encode page %d: %w", pageNumber, err)
	}
	return k.publish(ctx, EventTypePage, value,
		attribute.Int("page", pageNumber),
		attribute.Int("ids", len(ids)),
	)
}

func (k *Kafka) ReportSummary(ctx context.Context, s scan.Summary) error {
	value, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	return k.publish(ctx, EventTypeSummary, value, attribute.Int("total_found", s.TotalFound))
}

func (k *Kafka) publish(ctx context.Context, eventType string, value []byte, attrs ...attribute.KeyValue) error {
	ctx, span := k.tracer.Start(ctx, "kafka.produce",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", k.topic),
			attribute.String("messaging.operation", "publish"),
			attribute.String("event.type", eventType),
		),
		trace.WithAttributes(attrs...),
	)
	defer span.End()

	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(k.job),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(eventType)},
			{Key: []byte("run_id"), Value: []byte(k.runID)},
			{Key: []byte("sent_at"), Value: []byte(strconv.FormatInt(time.Now().UnixMilli(), 10))},
		},
	}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier{msg: msg})

	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to send %s to kafka topic %s: %w", eventType, k.topic, err)
	}

	k.logger.Debug(ctx, "published message to kafka",
		"topic", k.topic,
		"partition", partition,
		"offset", offset,
		"event_type", eventType,
	)
	return nil
}

// Close shuts the producer down.
func (k *Kafka) Close() error { return k.producer.Close() }

// headerCarrier exposes a producer message's headers to the otel propagator.
type headerCarrier struct{ msg *sarama.ProducerMessage }

func (c headerCarrier) Get(key string) string {
	for _, h := range c.msg.Headers {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	c.msg.Headers = append(c.msg.Headers, sarama.RecordHeader{Key: []byte(key), Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, len(c.msg.Headers))
	for i, h := range c.msg.Headers {
		keys[i] = string(h.Key)
	}
	return keys
}

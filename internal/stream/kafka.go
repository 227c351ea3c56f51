package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/you/surplus-alerts/internal/event"
	"github.com/you/surplus-alerts/internal/model"
)

// batchLinger is how long Read waits for more messages once the first one arrived.
const batchLinger = 50 * time.Millisecond

// KafkaConfig configures a KafkaTransport.
type KafkaConfig struct {
	Brokers           []string
	Topic             string
	Group             string
	Consumer          string // sent as the client id
	Partitions        int
	ReplicationFactor int
}

// KafkaTransport is a Transport and Publisher over a Kafka topic.
//
// Kafka commits offsets rather than single messages, so Ack commits only up to
// the highest offset below which every fetched message of the partition was
// acknowledged. An entry that is never acknowledged is fetched again after a
// restart or group rebalance.
type KafkaTransport struct {
	cfg    KafkaConfig
	dialer *kafka.Dialer
	reader *kafka.Reader
	writer *kafka.Writer
	marks  *watermarks
}

// NewKafkaTransport builds the group reader and the writer. No connection is
// made until the first call.
func NewKafkaTransport(cfg KafkaConfig) *KafkaTransport {
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}
	if cfg.ReplicationFactor <= 0 {
		cfg.ReplicationFactor = 1
	}
	dialer := &kafka.Dialer{ClientID: cfg.Consumer, Timeout: 10 * time.Second}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.Group,
		Dialer:         dialer,
		StartOffset:    kafka.FirstOffset, // a new group starts at the beginning of the log
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // commits are synchronous and explicit
	})
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	return &KafkaTransport{cfg: cfg, dialer: dialer, reader: r, writer: w, marks: newWatermarks()}
}

// EnsureGroup creates the topic through the cluster controller. Kafka creates
// the group itself on the first join.
func (t *KafkaTransport) EnsureGroup(ctx context.Context) error {
	if len(t.cfg.Brokers) == 0 {
		return errors.New("no kafka brokers configured")
	}
	conn, err := t.dialer.DialContext(ctx, "tcp", t.cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.cfg.Brokers[0], err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("find controller: %w", err)
	}
	cconn, err := t.dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("dial controller: %w", err)
	}
	defer cconn.Close()

	err = cconn.CreateTopics(kafka.TopicConfig{
		Topic:             t.cfg.Topic,
		NumPartitions:     t.cfg.Partitions,
		ReplicationFactor: t.cfg.ReplicationFactor,
	})
	if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("create topic %s: %w", t.cfg.Topic, err)
	}
	return nil
}

// Read fetches up to count messages. It waits up to block for the first one and
// only briefly for each following one.
func (t *KafkaTransport) Read(ctx context.Context, count int, block time.Duration) ([]Entry, error) {
	var entries []Entry
	wait := block
	for len(entries) < count {
		fetchCtx, cancel := context.WithTimeout(ctx, wait)
		m, err := t.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if len(entries) > 0 {
				break
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, nil
			}
			return nil, fmt.Errorf("fetch %s: %w", t.cfg.Topic, err)
		}
		t.marks.track(m.Partition, m.Offset)
		entries = append(entries, kafkaEntry(m))
		wait = batchLinger
	}
	return entries, nil
}

func kafkaEntryID(partition int, offset int64) string {
	return strconv.Itoa(partition) + "-" + strconv.FormatInt(offset, 10)
}

func parseKafkaEntryID(id string) (int, int64, error) {
	p, o, ok := strings.Cut(id, "-")
	if !ok {
		return 0, 0, fmt.Errorf("bad kafka entry id %q", id)
	}
	partition, err := strconv.Atoi(p)
	if err != nil {
		return 0, 0, fmt.Errorf("bad kafka entry id %q: %w", id, err)
	}
	offset, err := strconv.ParseInt(o, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad kafka entry id %q: %w", id, err)
	}
	return partition, offset, nil
}

// kafkaEntry flattens a JSON object value into string fields: JSON strings are
// unquoted, anything else keeps its raw JSON text.
func kafkaEntry(m kafka.Message) Entry {
	fields := map[string]string{}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(m.Value, &raw); err == nil {
		for k, v := range raw {
			var s string
			if err := json.Unmarshal(v, &s); err == nil {
				fields[k] = s
				continue
			}
			fields[k] = string(v)
		}
	}
	return Entry{ID: kafkaEntryID(m.Partition, m.Offset), Fields: fields}
}

// Ack commits whatever prefix of each partition is now fully acknowledged.
func (t *KafkaTransport) Ack(ctx context.Context, ids ...string) error {
	var commits []kafka.Message
	for _, id := range ids {
		partition, offset, err := parseKafkaEntryID(id)
		if err != nil {
			return err
		}
		if upTo, ok := t.marks.ack(partition, offset); ok {
			commits = append(commits, kafka.Message{Topic: t.cfg.Topic, Partition: partition, Offset: upTo})
		}
	}
	if len(commits) == 0 {
		return nil
	}
	if err := t.reader.CommitMessages(ctx, commits...); err != nil {
		return fmt.Errorf("commit %s: %w", t.cfg.Topic, err)
	}
	return nil
}

// Inflight returns how many fetched messages are not yet committed. One entry
// that is never acknowledged holds back its partition, so this keeps growing
// until the next restart or rebalance.
func (t *KafkaTransport) Inflight() int {
	return t.marks.pending()
}

// Publish writes ev keyed by store id so one store's events stay in order.
// Kafka does not report the assigned offset, so the returned id is empty.
func (t *KafkaTransport) Publish(ctx context.Context, ev model.Event) (string, error) {
	fields, err := event.Encode(ev)
	if err != nil {
		return "", err
	}
	value, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode event: %w", err)
	}
	if err := t.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.StoreID), Value: value}); err != nil {
		return "", fmt.Errorf("write %s: %w", t.cfg.Topic, err)
	}
	return "", nil
}

// Close closes the reader and the writer.
func (t *KafkaTransport) Close() error {
	return errors.Join(t.reader.Close(), t.writer.Close())
}

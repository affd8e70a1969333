// Package events publishes the receptor's domain events to the message
// bus. Delivery is at-least-once: publish failures are retried with
// backoff, and envelopes that cannot be delivered are parked in the
// store's dead-letter collection instead of being dropped.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/openfinancebr/receptor/clock"
	"github.com/openfinancebr/receptor/model"
	"github.com/openfinancebr/receptor/store"
)

// Publisher emits one event to one topic, keyed by aggregate id.
type Publisher interface {
	Publish(ctx context.Context, topic string, event model.Event) error
}

// Kafka is the production Publisher over franz-go.
type Kafka struct {
	client  *kgo.Client
	store   *store.Store
	clock   clock.Clock
	retries int
}

// NewKafka connects a producer to |brokers|. The store receives
// dead-lettered envelopes.
func NewKafka(brokers []string, st *store.Store, clk clock.Clock) (*Kafka, error) {
	var client, err = kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting Kafka producer: %w", err)
	}
	return &Kafka{client: client, store: st, clock: clk, retries: 3}, nil
}

// Close flushes and tears down the producer.
func (k *Kafka) Close() {
	k.client.Close()
}

// Publish produces the event, retrying transient failures. A durable
// failure parks the envelope in the dead-letter collection and does
// not propagate: the pipeline never stalls on the bus.
func (k *Kafka) Publish(ctx context.Context, topic string, event model.Event) error {
	var value, err = json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event %s: %w", event.Type, err)
	}
	var record = &kgo.Record{Topic: topic, Key: []byte(event.Key), Value: value}

	for attempt := 1; attempt <= k.retries; attempt++ {
		if err = k.client.ProduceSync(ctx, record).FirstErr(); err == nil {
			return nil
		}
		select {
		case <-k.clock.After(time.Duration(attempt) * 250 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	log.WithFields(log.Fields{
		"topic": topic,
		"type":  event.Type,
		"key":   event.Key,
		"err":   err,
	}).Error("event publish failed; dead-lettering")

	return k.deadLetter(ctx, topic, event, value, err)
}

// ParkedEvent is one dead-lettered envelope, kept for inspection and
// manual replay.
type ParkedEvent struct {
	Topic    string          `json:"topic"`
	Event    json.RawMessage `json:"event"`
	Error    string          `json:"error"`
	ParkedAt time.Time       `json:"parkedAt"`
}

func (k *Kafka) deadLetter(ctx context.Context, topic string, event model.Event, value []byte, cause error) error {
	var row = ParkedEvent{
		Topic:    topic,
		Event:    value,
		Error:    cause.Error(),
		ParkedAt: k.clock.Now(),
	}

	var _, err = k.store.Upsert(ctx, store.CollectionDLQ, topic, clock.NewID(), row, store.Meta{OrgKey: event.Key}, store.VersionAbsent)
	if err != nil {
		return fmt.Errorf("dead-lettering event %s: %w", event.Type, err)
	}
	return nil
}

// DeadLetters pages the parked envelopes of |topic|.
func DeadLetters(ctx context.Context, st *store.Store, topic string, limit int, pageToken string) ([]ParkedEvent, string, error) {
	var docs, next, err = st.RunQuery(ctx, store.Query{
		Collection: store.CollectionDLQ,
		Partition:  topic,
		Limit:      limit,
		PageToken:  pageToken,
	})
	if err != nil {
		return nil, "", fmt.Errorf("listing dead letters of %s: %w", topic, err)
	}

	var out = make([]ParkedEvent, 0, len(docs))
	for i := range docs {
		var p ParkedEvent
		if err = docs[i].Decode(&p); err != nil {
			return nil, "", err
		}
		out = append(out, p)
	}
	return out, next, nil
}

// Local is an in-memory Publisher recording every event, used by tests
// and by single-process deployments without a broker.
type Local struct {
	mu     sync.Mutex
	events []Published
}

// Published pairs an event with the topic it was sent to.
type Published struct {
	Topic string
	Event model.Event
}

func NewLocal() *Local { return &Local{} }

func (l *Local) Publish(_ context.Context, topic string, event model.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, Published{Topic: topic, Event: event})
	return nil
}

// All returns a snapshot of everything published so far.
func (l *Local) All() []Published {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Published(nil), l.events...)
}

// OfType filters the snapshot by event type.
func (l *Local) OfType(eventType string) []Published {
	var out []Published
	for _, p := range l.All() {
		if p.Event.Type == eventType {
			out = append(out, p)
		}
	}
	return out
}

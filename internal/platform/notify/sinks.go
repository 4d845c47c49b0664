package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	pubnub "github.com/pubnub/go"

	"github.com/clinic/waitroom/internal/domain/queue"
	"github.com/clinic/waitroom/internal/platform/websocket"
)

// Topic is the websocket topic carrying every queue delta. Per-entry topics
// are EntryTopic(id).
const Topic = "queue"

const (
	EventDelta     = "queue.delta"
	EventResync    = "queue.resync"
	EventResyncGap = "queue.resync_gap"
)

func EntryTopic(id string) string { return Topic + "/" + id }

func lastSeq(deltas []queue.Delta) int64 {
	var seq int64
	for _, d := range deltas {
		if d.Seq > seq {
			seq = d.Seq
		}
	}
	return seq
}

// ---------------------------------------------------------------------------
// WebSocket
// ---------------------------------------------------------------------------

// HubSink broadcasts each batch on the queue topic and each delta on its
// entry topic.
type HubSink struct {
	hub *websocket.Hub
	now func() time.Time
}

func NewHubSink(hub *websocket.Hub) *HubSink {
	return &HubSink{hub: hub, now: time.Now}
}

func (s *HubSink) Name() string { return "websocket" }

func (s *HubSink) Deliver(_ context.Context, deltas []queue.Delta) error {
	data, err := json.Marshal(deltas)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("marshal deltas: %w", err))
	}
	ts := s.now()
	s.hub.Broadcast(Topic, websocket.Event{
		Type:      EventDelta,
		Topic:     Topic,
		Seq:       lastSeq(deltas),
		Timestamp: ts,
		Data:      data,
	})
	for _, d := range deltas {
		one, err := json.Marshal(d)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("marshal delta: %w", err))
		}
		topic := EntryTopic(d.EntryID.String())
		s.hub.Broadcast(topic, websocket.Event{
			Type:      EventDelta,
			Topic:     topic,
			Seq:       d.Seq,
			EntryID:   d.EntryID.String(),
			Timestamp: ts,
			Data:      one,
		})
	}
	return nil
}

// HubReplayer answers websocket resync requests from the notifier journal.
func HubReplayer(n *Notifier) websocket.Replayer {
	return func(ctx context.Context, since int64) (websocket.Event, error) {
		deltas, err := n.Resync(ctx, since)
		if errors.Is(err, ErrResyncGap) {
			last, lerr := n.LastSeq(ctx)
			if lerr != nil {
				return websocket.Event{}, lerr
			}
			return websocket.Event{Type: EventResyncGap, Topic: Topic, Seq: last, Timestamp: time.Now()}, nil
		}
		if err != nil {
			return websocket.Event{}, err
		}
		if deltas == nil {
			deltas = []queue.Delta{}
		}
		data, err := json.Marshal(deltas)
		if err != nil {
			return websocket.Event{}, err
		}
		seq := lastSeq(deltas)
		if seq == 0 {
			seq = since
		}
		return websocket.Event{Type: EventResync, Topic: Topic, Seq: seq, Timestamp: time.Now(), Data: data}, nil
	}
}

// ---------------------------------------------------------------------------
// Kafka
// ---------------------------------------------------------------------------

// NewKafkaProducer builds the synchronous producer used by KafkaSink.
func NewKafkaProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Timeout = 10 * time.Second
	// Keyed by entry id so every change to one entry lands on one partition.
	cfg.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return producer, nil
}

// KafkaSink writes one message per delta to a topic for downstream consumers.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaSink(producer sarama.SyncProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Deliver(_ context.Context, deltas []queue.Delta) error {
	msgs := make([]*sarama.ProducerMessage, 0, len(deltas))
	for _, d := range deltas {
		b, err := json.Marshal(d)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("marshal delta: %w", err))
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic: s.topic,
			Key:   sarama.StringEncoder(d.EntryID.String()),
			Value: sarama.ByteEncoder(b),
			Headers: []sarama.RecordHeader{
				{Key: []byte("seq"), Value: []byte(strconv.FormatInt(d.Seq, 10))},
				{Key: []byte("version"), Value: []byte(strconv.Itoa(d.Version))},
			},
		})
	}
	if err := s.producer.SendMessages(msgs); err != nil {
		return fmt.Errorf("send deltas to kafka: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error { return s.producer.Close() }

// ---------------------------------------------------------------------------
// PubNub
// ---------------------------------------------------------------------------

type channelPublisher interface {
	publish(channel string, message interface{}) error
}

type pubnubClient struct{ pn *pubnub.PubNub }

func (c pubnubClient) publish(channel string, message interface{}) error {
	_, _, err := c.pn.Publish().Channel(channel).Message(message).Execute()
	return err
}

// NewPubNub builds a client from publish and subscribe keys.
func NewPubNub(publishKey, subscribeKey string) *pubnub.PubNub {
	cfg := pubnub.NewConfig()
	cfg.PublishKey = publishKey
	cfg.SubscribeKey = subscribeKey
	return pubnub.NewPubNub(cfg)
}

// PubNubSink publishes display-board updates to a PubNub channel. Boards
// only need what is shown on screen, so the message carries positions and
// waits, never subject references.
type PubNubSink struct {
	client  channelPublisher
	channel string
}

func NewPubNubSink(pn *pubnub.PubNub, channel string) *PubNubSink {
	return &PubNubSink{client: pubnubClient{pn: pn}, channel: channel}
}

func (s *PubNubSink) Name() string { return "pubnub" }

func (s *PubNubSink) Deliver(_ context.Context, deltas []queue.Delta) error {
	msg := map[string]any{
		"type":   EventDelta,
		"seq":    lastSeq(deltas),
		"deltas": deltas,
	}
	if err := s.client.publish(s.channel, msg); err != nil {
		return fmt.Errorf("publish to pubnub channel %s: %w", s.channel, err)
	}
	return nil
}

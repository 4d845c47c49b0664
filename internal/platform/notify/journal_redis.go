package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/clinic/waitroom/internal/domain/queue"
	"github.com/clinic/waitroom/internal/platform/metrics"
)

const (
	seqKey     = "waitroom:notify:seq"
	journalKey = "waitroom:notify:journal"
	// feedChannel carries every appended batch to the other instances.
	feedChannel = "waitroom:notify:feed"
)

type feedMessage struct {
	Origin string        `json:"origin"`
	Deltas []queue.Delta `json:"deltas"`
}

// RedisJournal keeps the sequence counter and the delta tail in Redis so
// sequence numbers survive restarts and are shared by every instance. Each
// appended batch is also published on a pub/sub channel that Follow relays to
// the other instances.
type RedisJournal struct {
	client *redis.Client
	max    int64
	origin string
}

func NewRedisJournal(client *redis.Client, max int) *RedisJournal {
	if max <= 0 {
		max = 1024
	}
	return &RedisJournal{client: client, max: int64(max), origin: uuid.NewString()}
}

func (j *RedisJournal) Append(ctx context.Context, deltas []queue.Delta) ([]queue.Delta, error) {
	if len(deltas) == 0 {
		return nil, nil
	}
	last, err := j.client.IncrBy(ctx, seqKey, int64(len(deltas))).Result()
	if err != nil {
		return nil, fmt.Errorf("reserve journal sequence: %w", err)
	}

	first := last - int64(len(deltas)) + 1
	out := make([]queue.Delta, len(deltas))
	members := make([]redis.Z, len(deltas))
	for i, d := range deltas {
		d.Seq = first + int64(i)
		out[i] = d
		b, err := json.Marshal(d)
		if err != nil {
			return nil, fmt.Errorf("marshal delta: %w", err)
		}
		members[i] = redis.Z{Score: float64(d.Seq), Member: string(b)}
	}

	if err := j.client.ZAdd(ctx, journalKey, members...).Err(); err != nil {
		return nil, fmt.Errorf("append journal: %w", err)
	}
	if err := j.client.ZRemRangeByRank(ctx, journalKey, 0, -(j.max + 1)).Err(); err != nil {
		return nil, fmt.Errorf("trim journal: %w", err)
	}
	j.announce(ctx, out)
	return out, nil
}

// announce publishes a journaled batch for other instances. The batch is
// already stored, so a failure here is counted rather than returned; those
// instances catch up through the gap in sequence numbers.
func (j *RedisJournal) announce(ctx context.Context, deltas []queue.Delta) {
	b, err := json.Marshal(feedMessage{Origin: j.origin, Deltas: deltas})
	if err == nil {
		err = j.client.Publish(ctx, feedChannel, string(b)).Err()
	}
	if err != nil {
		metrics.TrackDropped("feed")
	}
}

// Follow subscribes to batches journaled by other instances and passes each
// to fn. It returns nil when ctx ends and an error when the subscription is
// lost.
func (j *RedisJournal) Follow(ctx context.Context, fn func(deltas []queue.Delta)) error {
	pubsub := j.client.Subscribe(ctx, feedChannel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe to %s: %w", feedChannel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription to %s closed", feedChannel)
			}
			if deltas, ok := j.foreign(msg.Payload); ok {
				fn(deltas)
			}
		}
	}
}

// foreign decodes a feed message, skipping this instance's own batches
// (already delivered locally) and anything unreadable.
func (j *RedisJournal) foreign(payload string) ([]queue.Delta, bool) {
	var m feedMessage
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return nil, false
	}
	if m.Origin == j.origin || len(m.Deltas) == 0 {
		return nil, false
	}
	return m.Deltas, true
}

func (j *RedisJournal) Since(ctx context.Context, seq int64) ([]queue.Delta, error) {
	last, err := j.LastSeq(ctx)
	if err != nil {
		return nil, err
	}
	if seq > last {
		return nil, ErrResyncGap
	}
	if seq == last {
		return nil, nil
	}

	oldest, err := j.client.ZRangeWithScores(ctx, journalKey, 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("read journal head: %w", err)
	}
	if len(oldest) == 0 || seq+1 < int64(oldest[0].Score) {
		return nil, ErrResyncGap
	}

	raw, err := j.client.ZRangeByScore(ctx, journalKey, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(seq, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	out := make([]queue.Delta, 0, len(raw))
	for _, m := range raw {
		var d queue.Delta
		if err := json.Unmarshal([]byte(m), &d); err != nil {
			return nil, fmt.Errorf("decode journal entry: %w", err)
		}
		out = append(out, d)
	}
	return out, nil
}

func (j *RedisJournal) LastSeq(ctx context.Context) (int64, error) {
	last, err := j.client.Get(ctx, seqKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read journal sequence: %w", err)
	}
	return last, nil
}

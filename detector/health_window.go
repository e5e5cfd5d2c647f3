// Package detector keeps a sliding window of meta-connection events in
// redis so operators can watch session stability across chunk server
// restarts. The session state machine records connects, disconnects and
// handshake completions; Summary aggregates the window.
package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Connection event kinds.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
	EventHelloDone  = "hello-done"
)

// ConnEvent is one sample in the window.
type ConnEvent struct {
	Id         string `json:"id"`
	ConnId     string `json:"conn_id"`
	Kind       string `json:"kind"`
	Reason     string `json:"reason,omitempty"`
	Generation uint64 `json:"generation"`
	At         int64  `json:"at"` // unix millis
}

// Summary aggregates the current window contents.
type Summary struct {
	Connects    int   `json:"connects"`
	Disconnects int   `json:"disconnects"`
	HellosDone  int   `json:"hellos_done"`
	WindowSize  int   `json:"window_size"`
	OldestAt    int64 `json:"oldest_at,omitempty"`
	NewestAt    int64 `json:"newest_at,omitempty"`
}

// HealthWindow is a redis-backed bounded sample window. Samples live in
// a scored set keyed by event time plus per-item JSON blobs; a sibling
// set tracks expiry so stale samples drop out even when no new events
// arrive.
type HealthWindow struct {
	key  string
	size int
	ttl  time.Duration
	rdb  *redis.Client
}

func NewHealthWindow(key string, size int, ttl time.Duration, opts *redis.Options) (*HealthWindow, error) {
	if size <= 0 {
		size = 64
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := redis.NewClient(opts)
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &HealthWindow{key: key, size: size, ttl: ttl, rdb: client}, nil
}

func (hw *HealthWindow) mainKey() string   { return hw.key + ":events" }
func (hw *HealthWindow) expiryKey() string { return hw.key + ":expiry" }

func (hw *HealthWindow) itemKey(id string) string {
	return hw.key + ":item:" + id
}

// prune drops expired samples, then trims the window to size oldest-first.
func (hw *HealthWindow) prune(ctx context.Context) error {
	expired, err := hw.rdb.ZRangeByScore(ctx, hw.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", time.Now().UnixMilli()),
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to query expired samples: %w", err)
	}
	if len(expired) > 0 {
		if err := hw.drop(ctx, expired); err != nil {
			return err
		}
	}

	card, err := hw.rdb.ZCard(ctx, hw.mainKey()).Result()
	if err != nil {
		return fmt.Errorf("failed to get window size: %w", err)
	}
	if card > int64(hw.size) {
		oldest, err := hw.rdb.ZRange(ctx, hw.mainKey(), 0, card-int64(hw.size)-1).Result()
		if err != nil {
			return fmt.Errorf("failed to query oldest samples: %w", err)
		}
		if err := hw.drop(ctx, oldest); err != nil {
			return err
		}
	}
	return nil
}

func (hw *HealthWindow) drop(ctx context.Context, ids []string) error {
	p := hw.rdb.Pipeline()
	for _, id := range ids {
		p.ZRem(ctx, hw.mainKey(), id)
		p.ZRem(ctx, hw.expiryKey(), id)
		p.Del(ctx, hw.itemKey(id))
	}
	if _, err := p.Exec(ctx); err != nil {
		return fmt.Errorf("failed to drop samples: %w", err)
	}
	return nil
}

// Record inserts one event, pruning first.
func (hw *HealthWindow) Record(ctx context.Context, ev ConnEvent) error {
	if ev.Id == "" {
		ev.Id = uuid.New().String()
	}
	if ev.At == 0 {
		ev.At = time.Now().UnixMilli()
	}
	if err := hw.prune(ctx); err != nil {
		return err
	}

	jsn, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal sample: %w", err)
	}

	p := hw.rdb.Pipeline()
	p.Set(ctx, hw.itemKey(ev.Id), jsn, 0)
	p.ZAdd(ctx, hw.mainKey(), redis.Z{Score: float64(ev.At), Member: ev.Id})
	p.ZAdd(ctx, hw.expiryKey(), redis.Z{
		Score:  float64(ev.At + hw.ttl.Milliseconds()),
		Member: ev.Id,
	})
	if _, err := p.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record sample: %w", err)
	}
	return nil
}

// RecordAsync records on a background goroutine; the event-loop caller
// must never block on redis.
func (hw *HealthWindow) RecordAsync(ev ConnEvent) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hw.Record(ctx, ev); err != nil {
			log.Warn().Err(err).Str("kind", ev.Kind).Msg("health sample dropped")
		}
	}()
}

// Events returns the window newest-first.
func (hw *HealthWindow) Events(ctx context.Context) ([]ConnEvent, error) {
	if err := hw.prune(ctx); err != nil {
		return nil, err
	}
	members, err := hw.rdb.ZRevRange(ctx, hw.mainKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list samples: %w", err)
	}
	if len(members) == 0 {
		return []ConnEvent{}, nil
	}
	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = hw.itemKey(m)
	}
	values, err := hw.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch samples: %w", err)
	}
	out := make([]ConnEvent, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var ev ConnEvent
		if err := json.Unmarshal([]byte(s), &ev); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sample: %w", err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// Summarize aggregates the window.
func (hw *HealthWindow) Summarize(ctx context.Context) (Summary, error) {
	events, err := hw.Events(ctx)
	if err != nil {
		return Summary{}, err
	}
	var sum Summary
	sum.WindowSize = len(events)
	for _, ev := range events {
		switch ev.Kind {
		case EventConnect:
			sum.Connects++
		case EventDisconnect:
			sum.Disconnects++
		case EventHelloDone:
			sum.HellosDone++
		}
		if sum.OldestAt == 0 || ev.At < sum.OldestAt {
			sum.OldestAt = ev.At
		}
		if ev.At > sum.NewestAt {
			sum.NewestAt = ev.At
		}
	}
	return sum, nil
}

// Close releases the redis client.
func (hw *HealthWindow) Close() error {
	if hw.rdb != nil {
		return hw.rdb.Close()
	}
	return nil
}

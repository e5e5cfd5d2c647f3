package detector

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWindow(t *testing.T, size int, ttl time.Duration) *HealthWindow {
	mr := miniredis.RunT(t)
	hw, err := NewHealthWindow("qfs:test", size, ttl, &redis.Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { hw.Close() })
	return hw
}

func TestRecordAndSummarize(t *testing.T) {
	hw := newTestWindow(t, 16, time.Minute)
	ctx := context.Background()
	connId := uuid.New().String()

	require.NoError(t, hw.Record(ctx, ConnEvent{
		ConnId: connId, Kind: EventConnect, Generation: 2}))
	require.NoError(t, hw.Record(ctx, ConnEvent{
		ConnId: connId, Kind: EventHelloDone, Generation: 2}))
	require.NoError(t, hw.Record(ctx, ConnEvent{
		ConnId: connId, Kind: EventDisconnect, Reason: "network error", Generation: 2}))

	sum, err := hw.Summarize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Connects)
	assert.Equal(t, 1, sum.HellosDone)
	assert.Equal(t, 1, sum.Disconnects)
	assert.Equal(t, 3, sum.WindowSize)
	assert.LessOrEqual(t, sum.OldestAt, sum.NewestAt)
}

func TestWindowSizeTrim(t *testing.T) {
	hw := newTestWindow(t, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, hw.Record(ctx, ConnEvent{
			Id:     uuid.New().String(),
			ConnId: "c1",
			Kind:   EventConnect,
			At:     time.Now().UnixMilli() + int64(i),
		}))
	}
	events, err := hw.Events(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(events), 2)
}

func TestExpiredSamplesDrop(t *testing.T) {
	hw := newTestWindow(t, 16, 50*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, hw.Record(ctx, ConnEvent{ConnId: "c1", Kind: EventConnect}))
	time.Sleep(80 * time.Millisecond)
	events, err := hw.Events(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestEventsNewestFirst(t *testing.T) {
	hw := newTestWindow(t, 16, time.Minute)
	ctx := context.Background()
	base := time.Now().UnixMilli()

	for i, kind := range []string{EventConnect, EventHelloDone, EventDisconnect} {
		require.NoError(t, hw.Record(ctx, ConnEvent{
			Id: uuid.New().String(), ConnId: "c1", Kind: kind, At: base + int64(i)}))
	}
	events, err := hw.Events(ctx)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, EventDisconnect, events[0].Kind)
	assert.Equal(t, EventConnect, events[2].Kind)
}

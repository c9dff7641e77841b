package redis

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/predicta/internal/domain"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return Wrap(rdb, "predicta"), mr
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLockIsExclusive(t *testing.T) {
	c, mr := newTestClient(t)
	lm := NewLockManager(c, discard())
	ctx := context.Background()

	unlock, err := lm.Acquire(ctx, "user:0xabc", time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("predicta:lock:user:0xabc"))

	_, err = lm.Acquire(ctx, "user:0xabc", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()
	assert.False(t, mr.Exists("predicta:lock:user:0xabc"))

	again, err := lm.Acquire(ctx, "user:0xabc", time.Minute)
	require.NoError(t, err)
	again()
}

func TestUnlockLeavesForeignLock(t *testing.T) {
	c, mr := newTestClient(t)
	lm := NewLockManager(c, discard())

	unlock, err := lm.Acquire(context.Background(), "channel:0x01", time.Minute)
	require.NoError(t, err)

	require.NoError(t, mr.Set("predicta:lock:channel:0x01", "someone-else"))
	unlock()

	got, err := mr.Get("predicta:lock:channel:0x01")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestLockLeaseIsRenewed(t *testing.T) {
	c, mr := newTestClient(t)
	lm := NewLockManager(c, discard())

	unlock, err := lm.Acquire(context.Background(), "channel:0x02", 300*time.Millisecond)
	require.NoError(t, err)
	defer unlock()

	mr.FastForward(250 * time.Millisecond)
	require.Eventually(t, func() bool {
		return mr.TTL("predicta:lock:channel:0x02") == 300*time.Millisecond
	}, time.Second, 10*time.Millisecond)
	assert.True(t, mr.Exists("predicta:lock:channel:0x02"))
}

func TestRateLimiterAllow(t *testing.T) {
	c, _ := newTestClient(t)
	rl := NewRateLimiter(c, 0, 0)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := rl.Allow(ctx, "api:1.2.3.4", 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(ctx, "api:1.2.3.4", 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, "api:5.6.7.8", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRateLimiterWait(t *testing.T) {
	c, _ := newTestClient(t)
	rl := NewRateLimiter(c, 1, time.Hour)

	require.NoError(t, rl.Wait(context.Background(), "settle"))

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	err := rl.Wait(ctx, "settle")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEventBusStream(t *testing.T) {
	c, _ := newTestClient(t)
	bus := NewEventBus(c)
	ctx := context.Background()

	msgs, err := bus.StreamRead(ctx, domain.StreamChannelEvents, "0", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, bus.StreamAppend(ctx, domain.StreamChannelEvents, []byte(`{"n":1}`)))
	require.NoError(t, bus.StreamAppend(ctx, domain.StreamChannelEvents, []byte(`{"n":2}`)))

	msgs, err = bus.StreamRead(ctx, domain.StreamChannelEvents, "", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, `{"n":1}`, string(msgs[0].Payload))

	rest, err := bus.StreamRead(ctx, domain.StreamChannelEvents, msgs[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, `{"n":2}`, string(rest[0].Payload))
}

func TestEventBusPubSub(t *testing.T) {
	c, _ := newTestClient(t)
	bus := NewEventBus(c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := bus.Subscribe(ctx, domain.BusChannelEvents)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), domain.BusChannelEvents, []byte("hello")))
	select {
	case got := <-sub:
		assert.Equal(t, "hello", string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-sub
		return !open
	}, 2*time.Second, 10*time.Millisecond)
}

package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/synclab/collabd/internal/common/cnst"
)

func newTestRedisNotifier(t *testing.T) (*RedisNotifier, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	notifier, err := NewRedisNotifier(zap.NewNop(), client, "test:events")
	require.NoError(t, err)

	return notifier, mr
}

func TestNewRedisNotifierConnectionError(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	n, err := NewRedisNotifier(zap.NewNop(), client, "x")
	assert.Nil(t, n)
	assert.Error(t, err)
}

func TestRedisNotifierPublishWatch(t *testing.T) {
	notifier, _ := newTestRedisNotifier(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := notifier.Watch(ctx)
	require.NoError(t, err)

	// Give the XREAD loop a moment to park on "$" before publishing
	time.Sleep(100 * time.Millisecond)

	event := &Event{
		Collection: "articles",
		Action:     cnst.EventActionUpdate,
		Keys:       []string{"1"},
		Payload:    json.RawMessage(`{"title":"New Title"}`),
	}
	require.NoError(t, notifier.Publish(ctx, event))

	select {
	case got := <-ch:
		assert.Equal(t, "articles", got.Collection)
		assert.Equal(t, cnst.EventActionUpdate, got.Action)
		assert.Equal(t, []string{"1"}, got.Keys)
		assert.True(t, got.HasKey("1"))
		assert.False(t, got.HasKey("2"))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestChannelNotifierFanout(t *testing.T) {
	notifier := NewChannelNotifier(zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := notifier.Watch(ctx)
	require.NoError(t, err)
	b, err := notifier.Watch(ctx)
	require.NoError(t, err)

	event := &Event{Collection: "articles", Action: cnst.EventActionDelete, Keys: []string{"9"}}
	require.NoError(t, notifier.Publish(ctx, event))

	for _, ch := range []<-chan *Event{a, b} {
		select {
		case got := <-ch:
			assert.Equal(t, cnst.EventActionDelete, got.Action)
		case <-time.After(time.Second):
			t.Fatal("watcher did not receive event")
		}
	}
}

func TestSplitAddrs(t *testing.T) {
	assert.Equal(t, []string{"a:1"}, splitAddrs("a:1"))
	assert.Equal(t, []string{"a:1", "b:2", "c:3"}, splitAddrs("a:1,b:2;c:3"))
	assert.Nil(t, splitAddrs(""))
}

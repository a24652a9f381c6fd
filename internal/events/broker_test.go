package events

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseBroker(t *testing.T, b Broker) {
	t.Helper()
	topic := DriverTopic("d1")
	ch := b.Subscribe(topic)
	other := b.Subscribe(DriverTopic("d2"))

	evt := New(topic, JobAssigned, map[string]any{"jobId": "j1"})
	b.Publish(topic, evt)

	select {
	case got := <-ch:
		assert.Equal(t, JobAssigned, got.Type)
		assert.Equal(t, evt.ID, got.ID)
		assert.Equal(t, topic, got.Topic)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	select {
	case got := <-other:
		t.Fatalf("unexpected event on other topic: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}

	b.Unsubscribe(topic, ch)
	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")
	// second unsubscribe is a no-op
	b.Unsubscribe(topic, ch)
	b.Unsubscribe(DriverTopic("d2"), other)
}

func TestMemoryBrokerPublishSubscribe(t *testing.T) {
	b := NewMemoryBroker()
	exerciseBroker(t, b)
	assert.Equal(t, 0, b.Subscribers(DriverTopic("d1")))
}

func TestMemoryBrokerDropsForSlowSubscribers(t *testing.T) {
	b := NewMemoryBroker()
	ch := b.Subscribe(AlertsTopic)
	for i := 0; i < 100; i++ {
		b.Publish(AlertsTopic, New(AlertsTopic, AlertRaised, i))
	}
	assert.Len(t, ch, cap(ch))
	b.Unsubscribe(AlertsTopic, ch)
}

func TestRedisBrokerPublishSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	b := NewRedisBroker(rdb, zerolog.Nop())
	exerciseBroker(t, b)
}

func TestRedisBrokerCrossInstance(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb1 := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rdb2 := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb1.Close(); _ = rdb2.Close() })

	sub := NewRedisBroker(rdb1, zerolog.Nop())
	pub := NewRedisBroker(rdb2, zerolog.Nop())
	ch := sub.Subscribe(AlertsTopic)
	defer sub.Unsubscribe(AlertsTopic, ch)

	pub.Publish(AlertsTopic, New(AlertsTopic, AlertRaised, map[string]any{"id": "a1"}))
	select {
	case got := <-ch:
		require.Equal(t, AlertRaised, got.Type)
		data, ok := got.Data.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "a1", data["id"])
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for cross-instance event")
	}
}

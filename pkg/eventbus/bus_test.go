package eventbus

import (
	"context"
	"testing"
	"time"

	"memgrid/pkg/events"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(buffer int) *Bus {
	return New(buffer, prometheus.NewRegistry())
}

func TestPublishFanOut(t *testing.T) {
	bus := newTestBus(8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch1, _ := bus.SubscribeTopic(ctx, "device")
	ch2, _ := bus.SubscribeTopic(ctx, "device")
	other, _ := bus.SubscribeTopic(ctx, "session")

	err := bus.Publish(ctx, "device", &events.DeviceDenied{DeviceID: "dev-1"})
	require.NoError(t, err)

	select {
	case env := <-ch1:
		evt, ok := env.Event.(*events.DeviceDenied)
		require.True(t, ok)
		assert.Equal(t, "dev-1", evt.DeviceID)
		assert.Equal(t, "device", env.Topic)
		assert.False(t, env.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("first subscriber did not receive the event")
	}

	select {
	case <-ch2:
	case <-time.After(time.Second):
		t.Fatal("second subscriber did not receive the event")
	}

	select {
	case env := <-other:
		t.Fatalf("topic filter leaked event %T", env.Event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeAllSeesEveryTopic(t *testing.T) {
	bus := newTestBus(8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	all, _ := bus.SubscribeAll(ctx)

	require.NoError(t, bus.Publish(ctx, "device", &events.DeviceDenied{DeviceID: "a"}))
	require.NoError(t, bus.Publish(ctx, "session", &events.SessionStopped{SessionID: "s"}))

	got := make([]string, 0, 2)
	for i := 0; i < 2; i++ {
		select {
		case env := <-all:
			got = append(got, env.Topic)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}

	assert.ElementsMatch(t, []string{"device", "session"}, got)
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	bus := newTestBus(2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, _ := bus.SubscribeTopic(ctx, "device")

	// Nobody reads: the buffer holds 2 and older events get evicted.
	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(ctx, "device", &events.MemoryAllocated{MemoryMB: int64(i)}))
	}

	first := <-ch
	second := <-ch

	// The two newest survive.
	assert.Equal(t, int64(3), first.Event.(*events.MemoryAllocated).MemoryMB)
	assert.Equal(t, int64(4), second.Event.(*events.MemoryAllocated).MemoryMB)

	select {
	case env := <-ch:
		t.Fatalf("unexpected extra event %v", env)
	default:
	}
}

func TestPublisherNeverBlocks(t *testing.T) {
	bus := newTestBus(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, _ = bus.SubscribeTopic(ctx, "device")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			_ = bus.Publish(ctx, "device", &events.DeviceDenied{DeviceID: "x"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

func TestUnsubscribeOnCancel(t *testing.T) {
	bus := newTestBus(4)

	ctx, cancel := context.WithCancel(context.Background())
	_, _ = bus.SubscribeTopic(ctx, "device")
	cancel()

	assert.Eventually(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return len(bus.subs) == 0
	}, time.Second, 10*time.Millisecond)
}

package events_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/blazekit/blazekit/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func newTestBus(t *testing.T, bufferSize int) *events.Bus {
	logger := zaptest.NewLogger(t)
	return events.NewBus(logger, bufferSize)
}

func TestBusDeliversToSubscribedTopics(t *testing.T) {
	b := newTestBus(t, 4)
	defer b.Shutdown()

	loaded, unsubLoaded := b.Subscribe(events.TopicLoaded)
	defer unsubLoaded()
	both, unsubBoth := b.Subscribe(events.TopicLoaded, events.TopicIntersecting)
	defer unsubBoth()

	require.NoError(t, b.Post(context.Background(), events.TopicLoaded, events.ElementPayload{Success: true}))
	require.NoError(t, b.Post(context.Background(), events.TopicIntersecting, nil))

	msg := <-loaded
	assert.Equal(t, events.TopicLoaded, msg.Topic)
	payload, ok := msg.Payload.(events.ElementPayload)
	require.True(t, ok)
	assert.True(t, payload.Success)
	b.Acknowledge(msg)

	first := <-both
	assert.Equal(t, events.TopicLoaded, first.Topic)
	b.Acknowledge(first)
	second := <-both
	assert.Equal(t, events.TopicIntersecting, second.Topic)
	b.Acknowledge(second)
}

func TestBusPostWithoutSubscribersIsANoOp(t *testing.T) {
	b := newTestBus(t, 0)
	defer b.Shutdown()

	assert.NoError(t, b.Post(context.Background(), events.TopicResize, events.ResizePayload{Width: 1280}))
}

func TestBusPostCancellation(t *testing.T) {
	// Unbuffered so the post genuinely blocks until read or cancelled.
	b := newTestBus(t, 0)
	defer b.Shutdown()

	ch, unsub := b.Subscribe(events.TopicLoaded)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	postDone := make(chan error, 1)
	go func() {
		postDone <- b.Post(ctx, events.TopicLoaded, nil)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-postDone:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Post did not return promptly after context cancellation")
	}

	select {
	case <-ch:
		t.Error("message should not have been delivered after cancellation")
	default:
	}
}

func TestBusShutdownUnderLoad(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := newTestBus(t, 5)

	var consumers sync.WaitGroup
	const numConsumers = 4
	for i := 0; i < numConsumers; i++ {
		ch, _ := b.Subscribe(events.TopicIntersecting)
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			for msg := range ch {
				time.Sleep(time.Millisecond)
				b.Acknowledge(msg)
			}
		}()
	}

	var producers sync.WaitGroup
	for i := 0; i < 3; i++ {
		producers.Add(1)
		go func() {
			defer producers.Done()
			for j := 0; j < 20; j++ {
				// Errors are expected once shutdown begins.
				_ = b.Post(context.Background(), events.TopicIntersecting, nil)
			}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	b.Shutdown()
	producers.Wait()
	consumers.Wait()

	// Posting after shutdown fails cleanly.
	assert.Error(t, b.Post(context.Background(), events.TopicIntersecting, nil))
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(t, 2)
	defer b.Shutdown()

	ch, unsub := b.Subscribe(events.TopicNativeDone)
	unsub()

	require.NoError(t, b.Post(context.Background(), events.TopicNativeDone, nil))
	select {
	case _, open := <-ch:
		// Shutdown closes the channel later; nothing should arrive before.
		assert.False(t, open)
	default:
	}
}

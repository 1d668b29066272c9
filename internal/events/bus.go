// File: internal/events/bus.go
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Message is the envelope for data transmitted over the Bus.
type Message struct {
	ID        string
	Timestamp time.Time
	Topic     Topic
	Payload   interface{}
}

// Bus is the typed pub/sub channel the pipeline components communicate over.
// It replaces the implicit custom-DOM-event control flow of a browser with
// explicit topics and registered subscriber channels.
type Bus struct {
	logger *zap.Logger

	// Map of topic to a list of channels (subscribers).
	subscribers map[Topic][]chan Message
	mu          sync.RWMutex
	bufferSize  int

	// WaitGroup to track messages currently being processed by consumers.
	processingWg sync.WaitGroup
	// WaitGroup to track active Post operations.
	activePostsWg sync.WaitGroup

	// Shutdown mechanism
	shutdownChan chan struct{}
	shutdownOnce sync.Once
	isShutdown   bool
	shutdownMu   sync.Mutex
}

// NewBus initializes the Bus.
func NewBus(logger *zap.Logger, bufferSize int) *Bus {
	if bufferSize < 0 {
		bufferSize = 0
	}

	return &Bus{
		logger:       logger.Named("bus"),
		subscribers:  make(map[Topic][]chan Message),
		bufferSize:   bufferSize,
		shutdownChan: make(chan struct{}),
	}
}

// Post sends a message onto the bus. Blocks if subscriber buffers are full.
func (b *Bus) Post(ctx context.Context, topic Topic, payload interface{}) error {
	b.shutdownMu.Lock()
	if b.isShutdown {
		b.shutdownMu.Unlock()
		return fmt.Errorf("cannot post message: bus is shut down")
	}
	b.activePostsWg.Add(1)
	b.shutdownMu.Unlock()
	defer b.activePostsWg.Done()

	msg := Message{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Topic:     topic,
		Payload:   payload,
	}

	b.logger.Debug("Posting message", zap.String("topic", string(msg.Topic)), zap.String("id", msg.ID))

	b.mu.RLock()
	subscribers, ok := b.subscribers[msg.Topic]
	if !ok || len(subscribers) == 0 {
		b.mu.RUnlock()
		return nil // No one is listening.
	}

	// Copy so the lock is not held during channel sends.
	subsCopy := make([]chan Message, len(subscribers))
	copy(subsCopy, subscribers)
	b.mu.RUnlock()

	for _, ch := range subsCopy {
		b.processingWg.Add(1)
		select {
		case ch <- msg:
			// Delivered. The consumer must call Acknowledge.
		case <-ctx.Done():
			b.processingWg.Done()
			return ctx.Err()
		case <-b.shutdownChan:
			b.processingWg.Done()
			return fmt.Errorf("failed to post message: bus is shutting down")
		}
	}
	return nil
}

// Subscribe returns a channel to listen for specific topics, plus an
// unsubscribe function.
func (b *Bus) Subscribe(topics ...Topic) (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isShutdown {
		closedCh := make(chan Message)
		close(closedCh)
		return closedCh, func() {}
	}

	if len(topics) == 0 {
		panic("must subscribe to at least one topic")
	}

	ch := make(chan Message, b.bufferSize)
	subscribed := make([]Topic, len(topics))
	copy(subscribed, topics)

	for _, topic := range subscribed {
		b.subscribers[topic] = append(b.subscribers[topic], ch)
	}

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		for _, topic := range subscribed {
			subs, exists := b.subscribers[topic]
			if !exists {
				continue
			}
			for i, subscriberCh := range subs {
				if subscriberCh == ch {
					copy(subs[i:], subs[i+1:])
					b.subscribers[topic] = subs[:len(subs)-1]
					if len(b.subscribers[topic]) == 0 {
						delete(b.subscribers, topic)
					}
					break
				}
			}
		}
		// The channel is not closed here: a concurrent Post may still be
		// sending on it. Shutdown closes channels that remain subscribed, so
		// consumers that unsubscribe early need their own stop signal.
	}

	return ch, unsubscribe
}

// Acknowledge signals that a message has been processed by a consumer.
func (b *Bus) Acknowledge(msg Message) {
	b.processingWg.Done()
}

// Shutdown gracefully closes the bus. It waits for in-flight posts, closes and
// drains all subscriber channels, then waits for outstanding acknowledgements.
func (b *Bus) Shutdown() {
	b.shutdownOnce.Do(func() {
		b.logger.Debug("Shutting down bus")

		b.shutdownMu.Lock()
		b.isShutdown = true
		b.shutdownMu.Unlock()

		close(b.shutdownChan)

		// Wait for in-flight Post calls to finish attempting delivery.
		b.activePostsWg.Wait()

		b.mu.Lock()
		uniqueChannels := make(map[chan Message]struct{})
		for _, subs := range b.subscribers {
			for _, ch := range subs {
				uniqueChannels[ch] = struct{}{}
			}
		}

		// Since activePostsWg.Wait() finished, no goroutine is sending on
		// these channels anymore.
		for ch := range uniqueChannels {
			close(ch)
		}

		// Drain buffered messages that were delivered but never acknowledged.
		drained := 0
		for ch := range uniqueChannels {
			for range ch {
				drained++
				b.processingWg.Done()
			}
		}

		b.subscribers = make(map[Topic][]chan Message)
		b.mu.Unlock()

		if drained > 0 {
			b.logger.Debug("Drained buffered messages during shutdown", zap.Int("count", drained))
		}

		b.processingWg.Wait()
	})
}

// internal/queue/queue.go
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler processes one message body. A returned error asks for redelivery.
type Handler func(ctx context.Context, body []byte) error

// Queue interface
type Queue interface {
	Publish(ctx context.Context, topic string, body []byte) error
	Subscribe(topic string, handler Handler) error
	Close() error
}

const DefaultMaxRetries = 3

// InMemoryQueue delivers messages to in-process subscribers with retry.
type InMemoryQueue struct {
	mu       sync.Mutex
	handlers map[string][]Handler
	wg       sync.WaitGroup
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc

	MaxRetries int
	// Backoff returns the delay before retry n (1-based).
	Backoff func(n int) time.Duration
	Logger  *zap.Logger
}

var _ Queue = (*InMemoryQueue)(nil)

func NewInMemoryQueue(logger *zap.Logger) *InMemoryQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &InMemoryQueue{
		handlers:   make(map[string][]Handler),
		ctx:        ctx,
		cancel:     cancel,
		MaxRetries: DefaultMaxRetries,
		Backoff:    func(n int) time.Duration { return time.Duration(n*500) * time.Millisecond },
		Logger:     logger,
	}
}

// Publish hands body to every subscriber of topic.
func (q *InMemoryQueue) Publish(_ context.Context, topic string, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("queue closed")
	}
	handlers := q.handlers[topic]
	if len(handlers) == 0 {
		return fmt.Errorf("no subscribers for topic %s", topic)
	}

	msg := append([]byte(nil), body...)
	for _, h := range handlers {
		q.wg.Add(1)
		go q.process(topic, h, msg)
	}
	return nil
}

func (q *InMemoryQueue) process(topic string, handler Handler, body []byte) {
	defer q.wg.Done()
	log := q.Logger.With(zap.String("topic", topic))

	for attempt := 0; ; attempt++ {
		err := handler(q.ctx, body)
		if err == nil {
			log.Debug("message processed", zap.Int("attempt", attempt+1))
			return
		}
		if attempt >= q.MaxRetries {
			log.Error("message permanently failed", zap.Int("attempts", attempt+1), zap.Error(err))
			return
		}
		log.Warn("message failed, retrying", zap.Int("attempt", attempt+1), zap.Error(err))

		select {
		case <-time.After(q.Backoff(attempt + 1)):
		case <-q.ctx.Done():
			return
		}
	}
}

func (q *InMemoryQueue) Subscribe(topic string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

// Close stops accepting messages, cancels pending retries and waits for
// handlers that are running.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cancel()
	q.wg.Wait()
	return nil
}

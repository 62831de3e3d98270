// internal/queue/amqp.go
package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

const retryHeader = "x-retry-count"

// AMQPQueue publishes to and consumes from durable RabbitMQ queues named
// after the topic. A failed delivery is acked and republished with an
// incremented x-retry-count header until MaxRetries is reached.
type AMQPQueue struct {
	conn *amqp.Connection

	mu sync.Mutex
	ch *amqp.Channel

	declared map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	MaxRetries int
	Logger     *zap.Logger
}

var _ Queue = (*AMQPQueue)(nil)

func DialAMQP(url string, logger *zap.Logger) (*AMQPQueue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AMQPQueue{
		conn:       conn,
		ch:         ch,
		declared:   make(map[string]bool),
		ctx:        ctx,
		cancel:     cancel,
		MaxRetries: DefaultMaxRetries,
		Logger:     logger,
	}, nil
}

// declare must be called with mu held.
func (q *AMQPQueue) declare(topic string) error {
	if q.declared[topic] {
		return nil
	}
	_, err := q.ch.QueueDeclare(
		topic,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", topic, err)
	}
	q.declared[topic] = true
	return nil
}

func (q *AMQPQueue) publish(topic string, body []byte, retries int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.declare(topic); err != nil {
		return err
	}
	return q.ch.Publish("", topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      amqp.Table{retryHeader: int32(retries)},
		Body:         body,
	})
}

func (q *AMQPQueue) Publish(ctx context.Context, topic string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return q.publish(topic, body, 0)
}

// Subscribe starts one consumer goroutine for topic.
func (q *AMQPQueue) Subscribe(topic string, handler Handler) error {
	q.mu.Lock()
	if err := q.declare(topic); err != nil {
		q.mu.Unlock()
		return err
	}
	deliveries, err := q.ch.Consume(
		topic,
		"",
		false, // autoAck
		false,
		false,
		false,
		nil,
	)
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("consume %s: %w", topic, err)
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for d := range deliveries {
			q.handle(topic, handler, d)
		}
	}()
	return nil
}

func (q *AMQPQueue) handle(topic string, handler Handler, d amqp.Delivery) {
	retries := RetryCount(d.Headers)
	log := q.Logger.With(zap.String("topic", topic), zap.Int("retry", retries))

	err := handler(q.ctx, d.Body)
	if err == nil {
		_ = d.Ack(false)
		return
	}
	if retries >= q.MaxRetries {
		log.Error("message permanently failed", zap.Error(err))
		_ = d.Ack(false)
		return
	}
	if perr := q.publish(topic, d.Body, retries+1); perr != nil {
		log.Error("could not republish failed message", zap.Error(perr))
		_ = d.Nack(false, true)
		return
	}
	log.Warn("message failed, republished", zap.Error(err))
	_ = d.Ack(false)
}

// RetryCount reads the retry header; brokers may hand integers back in any
// width.
func RetryCount(h amqp.Table) int {
	switch v := h[retryHeader].(type) {
	case int:
		return v
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	}
	return 0
}

func (q *AMQPQueue) Close() error {
	q.cancel()
	q.mu.Lock()
	err := q.ch.Close()
	q.mu.Unlock()
	if cerr := q.conn.Close(); err == nil {
		err = cerr
	}
	q.wg.Wait()
	return err
}

package transport

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerConfig tunes the circuit breaker around a transport.
type BreakerConfig struct {
	Name        string
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	MinRequests uint32
	FailureRate float64
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:        "mail-transport",
		MaxRequests: 1,
		Interval:    5 * time.Minute,
		Timeout:     2 * time.Minute,
		MinRequests: 5,
		FailureRate: 0.6,
	}
}

// Breaker stops calling a provider that keeps failing. While open, Send
// returns ErrUnavailable without touching the network and Ready reports
// false, so a dispatcher can leave the rest of its batch pending.
type Breaker struct {
	next Transport
	cb   *gobreaker.CircuitBreaker
}

var _ Readiness = (*Breaker)(nil)

func NewBreaker(next Transport, cfg BreakerConfig, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureRate
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("transport circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return &Breaker{next: next, cb: cb}
}

func (b *Breaker) Send(ctx context.Context, m Message) (string, error) {
	var cancelled error
	res, err := b.cb.Execute(func() (interface{}, error) {
		id, err := b.next.Send(ctx, m)
		if errors.Is(err, context.Canceled) {
			// Our own cancellation says nothing about the provider.
			cancelled = err
			return "", nil
		}
		return id, err
	})
	if cancelled != nil {
		return "", cancelled
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", ErrUnavailable
	}
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func (b *Breaker) Ready() bool {
	return b.cb.State() != gobreaker.StateOpen
}

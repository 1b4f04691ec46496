package llmservice

import (
	"context"
	"errors"
	"time"

	"exceltranslator/pkg/logger"

	"github.com/sony/gobreaker"
)

// Breaker stops hammering a backend that keeps failing. While open, calls fail
// immediately with a Transient error so the retry policy backs off.
type Breaker struct {
	inner Client
	cb    *gobreaker.CircuitBreaker
}

// NewBreaker trips after maxFailures consecutive backend-side failures and
// probes again after openTimeout. Invalid input and caller cancellation do not
// count as failures.
func NewBreaker(inner Client, name string, maxFailures uint32, openTimeout time.Duration, log *logger.Logger) *Breaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			be := Classify(err)
			return be.Kind == Invalid && !be.Fatal
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnf("Backend circuit breaker %s: %s -> %s", name, from, to)
		},
	}
	return &Breaker{inner: inner, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *Breaker) Translate(ctx context.Context, req Request) (string, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.Translate(ctx, req)
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

// Package circuitbreaker wraps sony/gobreaker for calls to the data
// warehouse, with tracing and state-change logging.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State is the breaker state exposed to callers.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// ErrOpen is returned when the circuit rejects a call without running it.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// Config controls when the circuit trips and recovers.
type Config struct {
	Name string
	// MaxRequests is how many probe requests half-open allows.
	MaxRequests uint32
	// Interval clears the closed-state counters periodically.
	Interval time.Duration
	// Timeout is how long open lasts before probing.
	Timeout time.Duration
	// ConsecutiveFailures trips the circuit below MinRequests volume.
	ConsecutiveFailures uint32
	// FailureRatio trips the circuit once MinRequests have been seen.
	FailureRatio float64
	MinRequests  uint32
}

// DefaultConfig returns settings sized for warehouse snapshot queries, which
// are few and long-running rather than high-volume.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxRequests:         1,
		Interval:            5 * time.Minute,
		Timeout:             time.Minute,
		ConsecutiveFailures: 3,
		FailureRatio:        0.5,
		MinRequests:         6,
	}
}

// Breaker guards a dependency with a gobreaker circuit.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	logger *zap.Logger
	tracer trace.Tracer

	rejectedCounter metric.Int64Counter

	mu    sync.RWMutex
	state State
}

// New creates a breaker.
func New(cfg Config, logger *zap.Logger) (*Breaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Breaker{
		name:   cfg.Name,
		logger: logger,
		tracer: otel.Tracer("circuitbreaker"),
		state:  StateClosed,
	}

	var err error
	b.rejectedCounter, err = otel.Meter("circuitbreaker").Int64Counter(
		"circuit_breaker_rejected_total",
		metric.WithDescription("Calls rejected while the circuit was open"))
	if err != nil {
		return nil, fmt.Errorf("create rejected counter: %w", err)
	}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.setState(mapState(to))
			logger.Warn("circuit state changed",
				zap.String("breaker", name),
				zap.String("from", string(mapState(from))),
				zap.String("to", string(mapState(to))))
		},
	})
	return b, nil
}

// Execute runs fn through the circuit. When the circuit is open the call is
// rejected with ErrOpen and fn never runs.
func (b *Breaker) Execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	ctx, span := b.tracer.Start(ctx, "breaker_execute",
		trace.WithAttributes(
			attribute.String("breaker", b.name),
			attribute.String("state", string(b.State())),
		))
	defer span.End()

	result, err := b.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			b.rejectedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("name", b.name)))
			span.SetAttributes(attribute.Bool("rejected", true))
			return nil, ErrOpen
		}
		span.RecordError(err)
		return nil, err
	}
	return result, nil
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Counts exposes the underlying request counters.
func (b *Breaker) Counts() gobreaker.Counts {
	return b.cb.Counts()
}

func (b *Breaker) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

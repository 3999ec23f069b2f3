package network

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

type HostState string

var (
	StateFailing  HostState = "failing"
	StateRetrying HostState = "retrying"
	StateAlive    HostState = "alive"
	StateUnknown  HostState = "unknown"
)

type HostStatus struct {
	Host         string    `json:"host"`
	State        HostState `json:"state"`
	FailingSince time.Time `json:"failing-since,omitempty"`
}

type hostGuard struct {
	sync.Mutex
	host             string
	breaker          *gobreaker.CircuitBreaker
	limiter          *rate.Limiter
	firstFailureTime time.Time
}

func newHostGuard(host string, settings Settings, logger zerolog.Logger) *hostGuard {
	g := &hostGuard{
		host: host,
	}

	if settings.RateLimit > 0 {
		burst := settings.RateBurst
		if burst < 1 {
			burst = 1
		}

		g.limiter = rate.NewLimiter(rate.Limit(settings.RateLimit), burst)
	}

	threshold := settings.FailureThreshold
	if threshold == 0 {
		threshold = DefaultSettings().FailureThreshold
	}

	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Interval:    0, // Never clear counts
		Timeout:     settings.RetryAfter,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: stateChangeHandler(g, logger),
	})

	return g
}

func (g *hostGuard) wait(ctx context.Context) error {
	if g.limiter == nil {
		return nil
	}

	return g.limiter.Wait(ctx)
}

func (g *hostGuard) status() *HostStatus {
	var state HostState

	switch g.breaker.State() {
	case gobreaker.StateOpen:
		state = StateFailing
	case gobreaker.StateHalfOpen:
		state = StateRetrying
	case gobreaker.StateClosed:
		state = StateAlive
	default:
		state = StateUnknown
	}

	g.Lock()
	defer g.Unlock()

	return &HostStatus{
		Host:         g.host,
		State:        state,
		FailingSince: g.firstFailureTime,
	}
}

func stateChangeHandler(g *hostGuard, logger zerolog.Logger) func(name string, from, to gobreaker.State) {
	return func(name string, from, to gobreaker.State) {
		switch to {
		case gobreaker.StateOpen:
			if from == gobreaker.StateClosed {
				g.Lock()
				defer g.Unlock()
				g.firstFailureTime = time.Now()

				logger.Warn().Str("host", name).Msg("Temporarily not sending to host")
			}
		case gobreaker.StateHalfOpen:
			logger.Info().Str("host", name).Msg("Retrying host")

		case gobreaker.StateClosed:
			g.Lock()
			defer g.Unlock()
			g.firstFailureTime = time.Time{}

			logger.Info().Str("host", name).Msg("Resuming sending to host")
		}
	}
}

// Package delivery hands completed results over to a single goroutine, so
// listeners never run concurrently with each other.
package delivery

import (
	"sync"

	"github.com/rs/zerolog"
)

// Serial runs posted functions one at a time, in the order they were posted.
// Posting never blocks, pending work is kept in an unbounded list.
type Serial struct {
	sync.Mutex
	pending []func()
	closed  bool
	wakeCh  chan struct{}
	doneCh  chan struct{}
	logger  zerolog.Logger
}

func NewSerial(logger zerolog.Logger) *Serial {
	s := &Serial{
		wakeCh: make(chan struct{}, 1),
		doneCh: make(chan struct{}),
		logger: logger.With().Str("component", "delivery").Logger(),
	}

	go s.run()

	return s
}

// Post queues fn for execution. Functions posted after Close are dropped.
func (s *Serial) Post(fn func()) {
	s.Lock()
	if s.closed {
		s.Unlock()
		s.logger.Warn().Msg("Delivery closed, dropping completion")

		return
	}

	s.pending = append(s.pending, fn)
	s.Unlock()

	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Serial) run() {
	defer close(s.doneCh)

	for {
		s.Lock()
		batch := s.pending
		s.pending = nil
		closed := s.closed
		s.Unlock()

		for _, fn := range batch {
			s.execute(fn)
		}

		if len(batch) > 0 {
			continue
		}

		if closed {
			return
		}

		<-s.wakeCh
	}
}

func (s *Serial) execute(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error().Interface("panic", p).Msg("Listener panicked")
		}
	}()

	fn()
}

// Close runs everything posted so far and stops the delivery goroutine.
func (s *Serial) Close() {
	s.Lock()
	if s.closed {
		s.Unlock()
		<-s.doneCh

		return
	}

	s.closed = true
	s.Unlock()

	select {
	case s.wakeCh <- struct{}{}:
	default:
	}

	<-s.doneCh
}

package dispatch

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rb3ckers/requestqueue/internal/cache"
	"github.com/rb3ckers/requestqueue/internal/delivery"
	"github.com/rb3ckers/requestqueue/internal/network"
	"github.com/rs/zerolog"
)

type offer struct {
	ID      string `json:"id"`
	Heading string `json:"heading"`
}

type fakeNetwork struct {
	mu      sync.Mutex
	calls   []*network.Call
	handler func(call *network.Call, n int) (*network.Result, error)
}

func newFakeNetwork(handler func(call *network.Call, n int) (*network.Result, error)) *fakeNetwork {
	return &fakeNetwork{handler: handler}
}

func (f *fakeNetwork) Perform(ctx context.Context, call *network.Call) (*network.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	n := len(f.calls)
	f.mu.Unlock()

	return f.handler(call, n)
}

func (f *fakeNetwork) Calls() []*network.Call {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]*network.Call(nil), f.calls...)
}

func respond(status int, body string) *network.Result {
	return &network.Result{StatusCode: status, Header: http.Header{}, Data: []byte(body)}
}

type countingCache struct {
	*cache.Memory
	gets    atomic.Int32
	failGet error
}

func newCountingCache(t *testing.T) *countingCache {
	m := cache.NewMemory(100, time.Minute)
	t.Cleanup(m.Close)

	return &countingCache{Memory: m}
}

func (c *countingCache) Get(key string) (*cache.Entry, error) {
	c.gets.Add(1)

	if c.failGet != nil {
		return nil, c.failGet
	}

	return c.Memory.Get(key)
}

type fakeSession struct {
	inFlight atomic.Bool
	mu       sync.Mutex
	token    string
}

func (s *fakeSession) InFlight() bool {
	return s.inFlight.Load()
}

func (s *fakeSession) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.token
}

func (s *fakeSession) setToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

type observingSession struct {
	fakeSession
	dropped []*Request
}

func (s *observingSession) SessionDropped(r *Request) {
	s.mu.Lock()
	s.dropped = append(s.dropped, r)
	s.mu.Unlock()
}

func (s *observingSession) droppedRequests() []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]*Request(nil), s.dropped...)
}

type queueOption func(*Options)

func withPoolSize(n int) queueOption {
	return func(o *Options) { o.PoolSize = n }
}

func withSession(s Session) queueOption {
	return func(o *Options) { o.Environment.Session = s }
}

func newTestQueue(t *testing.T, net Network, c Cache, opts ...queueOption) *RequestQueue {
	t.Helper()

	logger := zerolog.Nop()
	d := delivery.NewSerial(logger)

	o := Options{
		Environment: Environment{Host: "http://api.test"},
		Cache:       c,
		Network:     net,
		Delivery:    d,
		PoolSize:    2,
		LogSize:     64,
		Retry: RetryPolicy{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
		},
		Logger: &logger,
	}

	for _, opt := range opts {
		opt(&o)
	}

	q := NewRequestQueue(o)

	t.Cleanup(func() {
		q.Stop()
		d.Close()
	})

	return q
}

func capture[T any]() (Listener[T], <-chan Response[T]) {
	ch := make(chan Response[T], 16)

	return func(r Response[T]) { ch <- r }, ch
}

func waitResponse[T any](t *testing.T, ch <-chan Response[T]) Response[T] {
	t.Helper()

	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a response")
	}

	return Response[T]{}
}

func expectNoResponse[T any](t *testing.T, ch <-chan Response[T], wait time.Duration) {
	t.Helper()

	select {
	case r := <-ch:
		t.Fatalf("unexpected response: %+v", r)
	case <-time.After(wait):
	}
}

func sequences(rs []*Request) []uint64 {
	out := make([]uint64, len(rs))
	for i, r := range rs {
		out[i] = r.Sequence()
	}

	return out
}

func drain(pq *priorityQueue) []*Request {
	var out []*Request

	for {
		r, ok := pq.TryPop()
		if !ok {
			return out
		}

		out = append(out, r)
	}
}

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/rb3ckers/requestqueue/datatypes"
	"github.com/rb3ckers/requestqueue/internal/cache"
	"github.com/rb3ckers/requestqueue/internal/eventlog"
	"github.com/rb3ckers/requestqueue/internal/metrics"
	"github.com/rb3ckers/requestqueue/internal/network"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPoolSize = 4
	DefaultLogSize  = 16
)

var ErrAlreadyStarted = errors.New("request queue already started")

type Network interface {
	Perform(ctx context.Context, call *network.Call) (*network.Result, error)
}

type Cache interface {
	Get(key string) (*cache.Entry, error)
	Put(key string, entry *cache.Entry) error
	Invalidate(key string) error
	Clear() error
}

// Delivery runs completions on the goroutine listeners expect to be called on.
// Post must not block.
type Delivery interface {
	Post(fn func())
}

// Session reports on the session requests depend on.
type Session interface {
	// InFlight is true while a request establishing a new session is underway.
	InFlight() bool
	Token() string
}

// SessionObserver is implemented by a Session that needs to know when one of
// its session requests ends without a response, so it can reopen the gate.
type SessionObserver interface {
	SessionDropped(r *Request)
}

// Environment is the shared state requests are prepared with.
type Environment struct {
	Host       string
	AppVersion string
	Location   *datatypes.Location
	Session    Session
}

type Options struct {
	Environment Environment
	Cache       Cache
	Network     Network
	Delivery    Delivery
	// PoolSize is the number of network dispatchers, it must be positive.
	PoolSize int
	// LogSize is the number of events kept in the queue log, <= 0 keeps everything.
	LogSize int
	Retry   RetryPolicy
	Metrics *metrics.Metrics
	Logger  *zerolog.Logger
}

// RequestQueue admits requests and dispatches them, first to the cache and
// then to the network.
//
// Lock order: tracker, then parkingMu, then the internal lock of a priorityQueue.
type RequestQueue struct {
	env      Environment
	cache    Cache
	network  Network
	delivery Delivery
	poolSize int
	retry    RetryPolicy
	log      *eventlog.Log
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	tracker *requestTracker

	parkingMu sync.Mutex
	parking   []*Request

	cacheQueue   *priorityQueue
	networkQueue *priorityQueue

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	group     *errgroup.Group
}

func NewRequestQueue(opts Options) *RequestQueue {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	retry := opts.Retry
	if retry.MaxAttempts == 0 {
		retry = DefaultRetryPolicy()
	}

	return &RequestQueue{
		env:          opts.Environment,
		cache:        opts.Cache,
		network:      opts.Network,
		delivery:     opts.Delivery,
		poolSize:     opts.PoolSize,
		retry:        retry,
		log:          eventlog.New(opts.LogSize),
		metrics:      opts.Metrics,
		logger:       logger.With().Str("component", "requestqueue").Logger(),
		tracker:      makeRequestTracker(),
		cacheQueue:   newPriorityQueue(),
		networkQueue: newPriorityQueue(),
	}
}

func (q *RequestQueue) validate() error {
	if q.poolSize < 1 {
		return fmt.Errorf("network pool size must be positive, got %d", q.poolSize)
	}

	if q.cache == nil {
		return errors.New("no cache configured")
	}

	if q.network == nil {
		return errors.New("no network configured")
	}

	if q.delivery == nil {
		return errors.New("no delivery configured")
	}

	if q.retry.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be positive, got %d", q.retry.MaxAttempts)
	}

	return nil
}

// Start launches the cache dispatcher and the network dispatchers. They run
// until Stop is called or ctx is done.
func (q *RequestQueue) Start(ctx context.Context) error {
	q.lifecycle.Lock()
	defer q.lifecycle.Unlock()

	if q.cancel != nil {
		return ErrAlreadyStarted
	}

	if err := q.validate(); err != nil {
		return fmt.Errorf("cannot start request queue: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(ctx)

	cd := newCacheDispatcher(q)
	group.Go(func() error {
		return cd.run(groupCtx)
	})

	for i := 0; i < q.poolSize; i++ {
		nd := newNetworkDispatcher(q, i)
		group.Go(func() error {
			return nd.run(groupCtx)
		})
	}

	q.cancel = cancel
	q.group = group

	q.logger.Info().Int("pool-size", q.poolSize).Msg("Request queue started")

	return nil
}

// Stop stops all dispatchers and waits for them to return. Requests still
// waiting in the cache or network queue get a transport error. It is safe to
// call when the queue was never started.
func (q *RequestQueue) Stop() {
	q.lifecycle.Lock()
	defer q.lifecycle.Unlock()

	if q.cancel == nil {
		return
	}

	q.cancel()

	if err := q.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		q.logger.Error().Err(err).Msg("Dispatcher stopped with error")
	}

	q.cancel = nil
	q.group = nil

	q.failQueued(q.cacheQueue)
	q.failQueued(q.networkQueue)

	q.logger.Info().Msg("Request queue stopped")
}

func (q *RequestQueue) failQueued(pq *priorityQueue) {
	for {
		r, ok := pq.TryPop()
		if !ok {
			return
		}

		r.addEvent("queue-stopped")
		q.deliverError(r, &Error{Kind: KindTransport, Message: "request queue stopped"})
	}
}

// Add admits a request. It is parked when a session request is in flight,
// otherwise it goes to the cache queue.
func (q *RequestQueue) Add(r *Request) *Request {
	q.tracker.Lock()
	defer q.tracker.Unlock()

	if r.sequence != 0 {
		q.logger.Warn().Str("request", r.id).Msg("Request was already added, ignoring")
		return r
	}

	seq := q.tracker.admitLocked(r)

	q.prepare(r)
	q.appendRequestLog(r)
	q.metrics.Admit()

	q.parkingMu.Lock()
	defer q.parkingMu.Unlock()

	if !r.session && q.sessionInFlight() {
		// Waiting for a new session before continuing
		r.addEvent("added-to-parking-queue")
		q.parking = append(q.parking, r)
		q.metrics.Park()

		q.logger.Debug().Uint64("sequence", seq).Str("url", r.url).Msg("Parked request, session request in flight")

		return r
	}

	if r.session && !q.sessionInFlight() {
		q.logger.Warn().Str("url", r.url).Msg("Session requests should be issued by the session manager, this request might cause problems")
	}

	r.addEvent("added-to-queue")
	q.cacheQueue.Push(r)
	q.metrics.Depth("cache", q.cacheQueue.Len())

	return r
}

// RunParkedQueue moves all parked requests to the cache queue, in the order they
// were added. Nothing happens while a session request is still in flight.
func (q *RequestQueue) RunParkedQueue() {
	q.parkingMu.Lock()
	defer q.parkingMu.Unlock()

	if q.sessionInFlight() {
		q.logger.Debug().Msg("Cannot resume yet, session request still in flight")
		return
	}

	if len(q.parking) == 0 {
		return
	}

	for _, r := range q.parking {
		r.addEvent("resuming-request")
	}

	q.logger.Debug().Int("count", len(q.parking)).Msg("Resuming parked requests")

	q.cacheQueue.PushAll(q.parking)
	q.parking = nil

	q.metrics.Depth("cache", q.cacheQueue.Len())
}

// CancelAll cancels every request with the given tag that has not been
// delivered yet. Tags are compared with ==, a nil tag cancels nothing.
func (q *RequestQueue) CancelAll(tag interface{}) int {
	if tag == nil || !reflect.TypeOf(tag).Comparable() {
		return 0
	}

	q.tracker.Lock()
	defer q.tracker.Unlock()

	count := 0

	for r := range q.tracker.active {
		if r.tag == tag {
			count++
			r.Cancel()
		}
	}

	return count
}

// Log returns a snapshot of the queue event log.
func (q *RequestQueue) Log() []eventlog.Event {
	return q.log.Events()
}

// RequestCount is the number of requests ever added to the queue.
func (q *RequestQueue) RequestCount() uint64 {
	return q.tracker.count()
}

// Clear empties the cache and the event log.
func (q *RequestQueue) Clear() error {
	q.log.Clear()

	if err := q.cache.Clear(); err != nil {
		return &Error{Kind: KindCache, Message: "clearing cache", Cause: err}
	}

	return nil
}

func (q *RequestQueue) sessionInFlight() bool {
	return q.env.Session != nil && q.env.Session.InFlight()
}

func (q *RequestQueue) appendRequestLog(r *Request) {
	q.log.AddData(eventlog.TypeRequest, r.id, map[string]interface{}{
		"sequence": r.sequence,
		"method":   r.method,
		"url":      r.FullURL(),
		"priority": r.priority.String(),
		"headers":  r.header.Clone(),
		"time":     time.Now().UTC().Format(time.RFC3339),
	})
}

func (q *RequestQueue) toNetwork(r *Request) {
	r.addEvent("added-to-network-queue")
	q.networkQueue.Push(r)
	q.metrics.Depth("network", q.networkQueue.Len())
}

// deliver hands the result to the Delivery, at most once per request, and
// never for a cancelled request.
func (q *RequestQueue) deliver(r *Request, res result) {
	if r.IsCancelled() {
		q.drop(r, "cancelled-before-delivery")
		return
	}

	if !r.delivered.CompareAndSwap(false, true) {
		return
	}

	q.finish(r)

	outcome := "success"
	if res.err != nil {
		outcome = res.err.Kind.String()
		q.log.AddData(eventlog.TypeException, r.id, map[string]interface{}{
			"url":   r.url,
			"error": res.err.Error(),
		})
	}

	r.addEvent("post-response")

	q.delivery.Post(func() {
		if r.IsCancelled() {
			r.addEvent("cancelled-at-delivery")
			q.metrics.Cancel()
			q.sessionDropped(r)

			return
		}

		r.addEvent("request-delivered")
		r.complete(res)
		q.metrics.Delivered(outcome)
		q.debugRequest(r)
	})
}

func (q *RequestQueue) deliverError(r *Request, err *Error) {
	q.deliver(r, result{err: err})
}

// drop finishes a cancelled request without delivering anything.
func (q *RequestQueue) drop(r *Request, event string) {
	r.addEvent(event)

	if r.delivered.CompareAndSwap(false, true) {
		q.metrics.Cancel()
		q.finish(r)
		q.sessionDropped(r)
	}
}

// sessionDropped tells the session that its request will never complete.
// No queue lock may be held, the session resumes parked requests from here.
func (q *RequestQueue) sessionDropped(r *Request) {
	if !r.session {
		return
	}

	if o, ok := q.env.Session.(SessionObserver); ok {
		o.SessionDropped(r)
	}
}

func (q *RequestQueue) finish(r *Request) {
	q.tracker.requestDone(r)
}

func (q *RequestQueue) debugRequest(r *Request) {
	if e := q.logger.Debug(); e.Enabled() {
		e.Str("request", r.id).Msg("\n" + r.log.String(r.method+" "+r.url))
	}
}

// safely runs one dispatcher step, a panic is turned into an error delivered to the request.
func (q *RequestQueue) safely(r *Request, step func()) {
	defer func() {
		if p := recover(); p != nil {
			q.logger.Error().Interface("panic", p).Str("request", r.id).Str("url", r.url).Msg("Recovered from panic while dispatching")
			q.deliverError(r, &Error{Kind: KindInternal, Message: fmt.Sprintf("%v", p)})
		}
	}()

	step()
}

package dispatch

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rb3ckers/requestqueue/internal/cache"
	"github.com/rb3ckers/requestqueue/internal/eventlog"
	"github.com/rb3ckers/requestqueue/internal/network"
	"github.com/rs/zerolog"
)

// RetryPolicy bounds how often a request is sent before its last error is delivered.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.MaxInterval = p.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	retries := 0
	if p.MaxAttempts > 1 {
		retries = p.MaxAttempts - 1
	}

	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

type networkDispatcher struct {
	q      *RequestQueue
	logger zerolog.Logger
}

func newNetworkDispatcher(q *RequestQueue, index int) *networkDispatcher {
	return &networkDispatcher{
		q:      q,
		logger: q.logger.With().Str("dispatcher", "network").Int("worker", index).Logger(),
	}
}

func (d *networkDispatcher) run(ctx context.Context) error {
	d.logger.Debug().Msg("Network dispatcher started")

	for {
		r, err := d.q.networkQueue.Pop(ctx)
		if err != nil {
			d.logger.Debug().Msg("Network dispatcher stopped")
			return nil
		}

		d.q.metrics.Depth("network", d.q.networkQueue.Len())

		d.q.safely(r, func() {
			d.process(ctx, r)
		})
	}
}

func (d *networkDispatcher) process(ctx context.Context, r *Request) {
	r.addEvent("network-queue-take")

	if r.IsCancelled() {
		d.q.drop(r, "network-discard-cancelled")
		return
	}

	res, err := d.perform(ctx, r)
	if err != nil {
		var dispatchErr *Error

		switch {
		case errors.Is(err, errCancelled):
			d.q.drop(r, "network-discard-cancelled")
		case ctx.Err() != nil:
			r.addEvent("network-queue-stopped")
			d.q.deliverError(r, &Error{Kind: KindTransport, Message: "request queue stopped", Cause: err})
		case errors.As(err, &dispatchErr):
			r.addEvent("network-failed")
			d.q.deliverError(r, dispatchErr)
		default:
			r.addEvent("network-failed")
			d.q.deliverError(r, &Error{Kind: KindInternal, Cause: err})
		}

		return
	}

	d.handleResult(r, res)
}

// perform sends r, retrying transport failures and server errors until the
// retry policy gives up. The cancelled flag is checked before every attempt.
func (d *networkDispatcher) perform(ctx context.Context, r *Request) (*network.Result, error) {
	var (
		res     *network.Result
		attempt int
	)

	operation := func() error {
		if r.IsCancelled() {
			return backoff.Permanent(errCancelled)
		}

		attempt++
		r.addEvent("network-attempt")
		d.q.log.Append(eventlog.Event{
			Name:      "network-attempt",
			Type:      eventlog.TypeRequest,
			RequestID: r.id,
			Data: map[string]interface{}{
				"attempt": attempt,
				"url":     r.url,
			},
		})
		d.q.metrics.Attempt()

		out, err := d.q.network.Perform(ctx, d.q.call(r))
		if err != nil {
			return &Error{Kind: KindTransport, Cause: err}
		}

		if isSuccess(out.StatusCode) {
			res = out
			return nil
		}

		statusErr := newStatusError(out.StatusCode, out.Data)
		if statusErr.Retryable() {
			return statusErr
		}

		return backoff.Permanent(statusErr)
	}

	notify := func(err error, wait time.Duration) {
		r.addEvent("network-retry")
		d.q.metrics.Retry()
		d.logger.Debug().Err(err).Str("url", r.url).Int("attempt", attempt).Dur("wait", wait).Msg("Retrying request")
	}

	if err := backoff.RetryNotify(operation, d.q.retry.backOff(ctx), notify); err != nil {
		return nil, err
	}

	return res, nil
}

func (d *networkDispatcher) handleResult(r *Request, res *network.Result) {
	r.addEvent("network-http-complete")

	if res.StatusCode == http.StatusNotModified {
		if r.stale == nil {
			// Nothing was revalidated, there is no body to parse
			r.addEvent("network-unexpected-not-modified")
			d.q.deliverError(r, &Error{Kind: KindHTTPStatus, StatusCode: res.StatusCode, Message: "not modified without a cached response"})

			return
		}

		d.revalidated(r)

		return
	}

	value, err := r.parse(res.Data)
	if err != nil {
		r.addEvent("network-parse-failed")
		d.q.deliverError(r, &Error{Kind: KindParse, StatusCode: res.StatusCode, Message: "malformed response body", Cause: err})

		return
	}

	var entry *cache.Entry

	if r.cacheable() {
		entry = cache.NewEntry(res.Data, res.Header, r.ttl)

		if err := d.q.cache.Put(r.cacheKey, entry); err != nil {
			d.logger.Warn().Err(err).Str("key", r.cacheKey).Msg("Failed to cache response")
			d.q.metrics.CacheError()
		} else {
			r.addEvent("network-cache-written")
		}
	}

	d.q.deliver(r, result{value: value, entry: entry})
}

// revalidated delivers the stale cache entry the server confirmed to be current.
func (d *networkDispatcher) revalidated(r *Request) {
	entry := r.stale.Refreshed(time.Now())
	r.addEvent("network-not-modified")

	if err := d.q.cache.Put(r.cacheKey, entry); err != nil {
		d.logger.Warn().Err(err).Str("key", r.cacheKey).Msg("Failed to refresh cache entry")
		d.q.metrics.CacheError()
	}

	value, err := r.parse(entry.Data)
	if err != nil {
		d.q.deliverError(r, &Error{Kind: KindParse, StatusCode: http.StatusNotModified, Message: "malformed cached body", Cause: err})
		return
	}

	d.q.deliver(r, result{value: value, entry: entry, cached: true})
}

func isSuccess(statusCode int) bool {
	return (statusCode >= 200 && statusCode < 300) || statusCode == http.StatusNotModified
}

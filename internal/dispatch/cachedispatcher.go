package dispatch

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// cacheDispatcher answers requests from the cache, and forwards the rest to the network queue.
type cacheDispatcher struct {
	q      *RequestQueue
	logger zerolog.Logger
	now    func() time.Time
}

func newCacheDispatcher(q *RequestQueue) *cacheDispatcher {
	return &cacheDispatcher{
		q:      q,
		logger: q.logger.With().Str("dispatcher", "cache").Logger(),
		now:    time.Now,
	}
}

func (d *cacheDispatcher) run(ctx context.Context) error {
	d.logger.Debug().Msg("Cache dispatcher started")

	for {
		r, err := d.q.cacheQueue.Pop(ctx)
		if err != nil {
			d.logger.Debug().Msg("Cache dispatcher stopped")
			return nil
		}

		d.q.metrics.Depth("cache", d.q.cacheQueue.Len())

		d.q.safely(r, func() {
			d.process(r)
		})
	}
}

func (d *cacheDispatcher) process(r *Request) {
	r.addEvent("cache-queue-take")

	if r.IsCancelled() {
		d.q.drop(r, "cache-discard-cancelled")
		return
	}

	if r.policy == IgnoreCache {
		r.addEvent("cache-ignored")
		d.q.toNetwork(r)

		return
	}

	entry, err := d.q.cache.Get(r.cacheKey)
	if err != nil {
		d.logger.Warn().Err(err).Str("key", r.cacheKey).Msg("Cache lookup failed, treating as miss")
		d.q.metrics.CacheError()
		r.addEvent("cache-error")
		d.miss(r)

		return
	}

	if entry == nil {
		r.addEvent("cache-miss")
		d.miss(r)

		return
	}

	if entry.IsExpired(d.now()) {
		r.addEvent("cache-hit-expired")

		if entry.HasValidators() {
			r.stale = entry
		}

		d.miss(r)

		return
	}

	value, err := r.parse(entry.Data)
	if err != nil {
		d.logger.Warn().Err(err).Str("key", r.cacheKey).Msg("Cached response could not be parsed, invalidating")
		r.addEvent("cache-parse-failed")

		if err := d.q.cache.Invalidate(r.cacheKey); err != nil {
			d.q.metrics.CacheError()
		}

		d.miss(r)

		return
	}

	r.addEvent("cache-hit")
	d.q.metrics.CacheHit()
	d.q.deliver(r, result{value: value, entry: entry, cached: true})
}

func (d *cacheDispatcher) miss(r *Request) {
	d.q.metrics.CacheMiss()
	d.q.toNetwork(r)
}

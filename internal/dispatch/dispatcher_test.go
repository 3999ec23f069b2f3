package dispatch

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rb3ckers/requestqueue/internal/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startQueue(t *testing.T, q *RequestQueue) {
	t.Helper()
	require.NoError(t, q.Start(context.Background()))
}

func TestCacheMissThenHit(t *testing.T) {
	net := newFakeNetwork(func(call *network.Call, n int) (*network.Result, error) {
		return respond(http.StatusOK, `{"id":"o-1","heading":"Half price"}`), nil
	})

	q := newTestQueue(t, net, newCountingCache(t))
	startQueue(t, q)

	listener, responses := capture[offer]()

	q.Add(NewJSONRequest(http.MethodGet, "/v2/offers/o-1", listener))
	first := waitResponse(t, responses)
	require.True(t, first.IsSuccess())
	assert.False(t, first.Cached)
	assert.Equal(t, "Half price", first.Value.Heading)

	second := q.Add(NewJSONRequest(http.MethodGet, "/v2/offers/o-1", listener))
	hit := waitResponse(t, responses)
	require.True(t, hit.IsSuccess())
	assert.True(t, hit.Cached)
	assert.Equal(t, first.Value, hit.Value)

	assert.Len(t, net.Calls(), 1)
	assert.Len(t, second.Log().Named("cache-hit"), 1)
}

func TestIgnoreCacheNeverReadsCache(t *testing.T) {
	net := newFakeNetwork(func(call *network.Call, n int) (*network.Result, error) {
		return respond(http.StatusOK, `{"id":"o-1"}`), nil
	})

	c := newCountingCache(t)
	q := newTestQueue(t, net, c)
	startQueue(t, q)

	listener, responses := capture[offer]()

	for i := 0; i < 2; i++ {
		q.Add(NewJSONRequest(http.MethodGet, "/v2/offers/o-1", listener).SetCachePolicy(IgnoreCache))
		require.True(t, waitResponse(t, responses).IsSuccess())
	}

	assert.Equal(t, int32(0), c.gets.Load())
	assert.Len(t, net.Calls(), 2)
}

func TestOnlyGetResponsesAreCached(t *testing.T) {
	net := newFakeNetwork(func(call *network.Call, n int) (*network.Result, error) {
		return respond(http.StatusOK, `{"id":"o-1"}`), nil
	})

	c := newCountingCache(t)
	q := newTestQueue(t, net, c)
	startQueue(t, q)

	listener, responses := capture[offer]()

	q.Add(NewJSONRequest(http.MethodPost, "/v2/offers", listener).SetBody("application/json", []byte(`{}`)))
	resp := waitResponse(t, responses)
	require.True(t, resp.IsSuccess())
	assert.Nil(t, resp.Entry)
	assert.Equal(t, 0, c.Len())

	q.Add(NewJSONRequest(http.MethodGet, "/v2/offers", listener).SetCacheTTL(0))
	require.True(t, waitResponse(t, responses).IsSuccess())
	assert.Equal(t, 0, c.Len())
}

func TestRetriesTransportFailures(t *testing.T) {
	net := newFakeNetwork(func(call *network.Call, n int) (*network.Result, error) {
		if n < 3 {
			return nil, errors.New("connection reset by peer")
		}

		return respond(http.StatusOK, `{"id":"o-1"}`), nil
	})

	q := newTestQueue(t, net, newCountingCache(t))
	startQueue(t, q)

	listener, responses := capture[offer]()
	r := q.Add(NewJSONRequest(http.MethodGet, "/v2/offers/o-1", listener))

	resp := waitResponse(t, responses)
	require.True(t, resp.IsSuccess())
	assert.Equal(t, "o-1", resp.Value.ID)

	expectNoResponse(t, responses, 50*time.Millisecond)

	assert.Len(t, net.Calls(), 3)
	assert.Len(t, r.Log().Named("network-attempt"), 3)
	assert.Len(t, r.Log().Named("network-retry"), 2)

	attempts := 0
	for _, e := range q.Log() {
		if e.Name == "network-attempt" && e.RequestID == r.ID() {
			attempts++
		}
	}

	assert.Equal(t, 3, attempts)
}

func TestServerErrorsExhaustAttempts(t *testing.T) {
	net := newFakeNetwork(func(call *network.Call, n int) (*network.Result, error) {
		return respond(http.StatusServiceUnavailable, ""), nil
	})

	q := newTestQueue(t, net, newCountingCache(t))
	startQueue(t, q)

	listener, responses := capture[offer]()
	q.Add(NewJSONRequest(http.MethodGet, "/v2/offers", listener))

	resp := waitResponse(t, responses)
	require.NotNil(t, resp.Err)
	assert.Equal(t, KindHTTPStatus, resp.Err.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Err.StatusCode)
	assert.Len(t, net.Calls(), 3)
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	net := newFakeNetwork(func(call *network.Call, n int) (*network.Result, error) {
		return respond(http.StatusNotFound, `{"id":"e-42","code":404,"message":"Offer not found","details":"o-9"}`), nil
	})

	q := newTestQueue(t, net, newCountingCache(t))
	startQueue(t, q)

	listener, responses := capture[offer]()
	q.Add(NewJSONRequest(http.MethodGet, "/v2/offers/o-9", listener))

	resp := waitResponse(t, responses)
	require.NotNil(t, resp.Err)
	assert.Equal(t, KindHTTPStatus, resp.Err.Kind)
	assert.Equal(t, 404, resp.Err.Code)
	assert.Equal(t, "e-42", resp.Err.ID)
	assert.Equal(t, "Offer not found", resp.Err.Message)
	assert.Equal(t, "o-9", resp.Err.Details)
	assert.False(t, resp.Err.Retryable())
	assert.Len(t, net.Calls(), 1)
}

func TestParseErrorsAreNotRetried(t *testing.T) {
	net := newFakeNetwork(func(call *network.Call, n int) (*network.Result, error) {
		return respond(http.StatusOK, `{"id":`), nil
	})

	c := newCountingCache(t)
	q := newTestQueue(t, net, c)
	startQueue(t, q)

	listener, responses := capture[offer]()
	q.Add(NewJSONRequest(http.MethodGet, "/v2/offers", listener))

	resp := waitResponse(t, responses)
	require.NotNil(t, resp.Err)
	assert.Equal(t, KindParse, resp.Err.Kind)
	assert.Len(t, net.Calls(), 1)
	assert.Equal(t, 0, c.Len())
}

func TestCancelledWhileQueuedIsNeverDelivered(t *testing.T) {
	release := make(chan struct{})

	net := newFakeNetwork(func(call *network.Call, n int) (*network.Result, error) {
		if n == 1 {
			<-release
		}

		return respond(http.StatusOK, `{"id":"o-1"}`), nil
	})

	q := newTestQueue(t, net, newCountingCache(t), withPoolSize(1))
	startQueue(t, q)

	firstListener, first := capture[offer]()
	secondListener, second := capture[offer]()

	q.Add(NewJSONRequest(http.MethodGet, "/v2/offers/1", firstListener))

	assert.Eventually(t, func() bool { return len(net.Calls()) == 1 }, time.Second, time.Millisecond)

	cancelled := q.Add(NewJSONRequest(http.MethodGet, "/v2/offers/2", secondListener))

	assert.Eventually(t, func() bool {
		return len(cancelled.Log().Named("added-to-network-queue")) == 1
	}, time.Second, time.Millisecond)

	cancelled.Cancel()
	close(release)

	require.True(t, waitResponse(t, first).IsSuccess())

	assert.Eventually(t, func() bool {
		return len(cancelled.Log().Named("network-discard-cancelled")) == 1
	}, time.Second, time.Millisecond)

	expectNoResponse(t, second, 50*time.Millisecond)
	assert.Len(t, net.Calls(), 1)
	assert.Equal(t, 0, q.tracker.activeCount())
}

func TestCancelDuringRetryStopsRetrying(t *testing.T) {
	var r *Request

	net := newFakeNetwork(func(call *network.Call, n int) (*network.Result, error) {
		r.Cancel()
		return nil, errors.New("connection refused")
	})

	q := newTestQueue(t, net, newCountingCache(t))
	startQueue(t, q)

	listener, responses := capture[offer]()
	r = NewJSONRequest(http.MethodGet, "/v2/offers", listener)
	q.Add(r)

	assert.Eventually(t, func() bool {
		return len(r.Log().Named("network-discard-cancelled")) == 1
	}, time.Second, time.Millisecond)

	expectNoResponse(t, responses, 50*time.Millisecond)
	assert.Len(t, net.Calls(), 1)
}

func TestCacheErrorsAreTreatedAsMiss(t *testing.T) {
	net := newFakeNetwork(func(call *network.Call, n int) (*network.Result, error) {
		return respond(http.StatusOK, `{"id":"o-1"}`), nil
	})

	c := newCountingCache(t)
	c.failGet = errors.New("disk full")

	q := newTestQueue(t, net, c)
	startQueue(t, q)

	listener, responses := capture[offer]()
	r := q.Add(NewJSONRequest(http.MethodGet, "/v2/offers", listener))

	resp := waitResponse(t, responses)
	require.True(t, resp.IsSuccess())
	assert.False(t, resp.Cached)
	assert.Len(t, r.Log().Named("cache-error"), 1)
	assert.Len(t, net.Calls(), 1)
}

func TestPanicInParseIsDeliveredAsError(t *testing.T) {
	net := newFakeNetwork(func(call *network.Call, n int) (*network.Result, error) {
		return respond(http.StatusOK, `{"id":"o-1"}`), nil
	})

	q := newTestQueue(t, net, newCountingCache(t), withPoolSize(1))
	startQueue(t, q)

	panicking, failed := capture[offer]()
	q.Add(NewRequest(http.MethodGet, "/v2/offers/1", func(data []byte) (offer, error) {
		panic("unexpected payload")
	}, panicking))

	resp := waitResponse(t, failed)
	require.NotNil(t, resp.Err)
	assert.Equal(t, KindInternal, resp.Err.Kind)
	assert.Contains(t, resp.Err.Message, "unexpected payload")

	listener, responses := capture[offer]()
	q.Add(NewJSONRequest(http.MethodGet, "/v2/offers/2", listener))
	assert.True(t, waitResponse(t, responses).IsSuccess())
}

func TestEveryRequestIsDeliveredOnce(t *testing.T) {
	net := newFakeNetwork(func(call *network.Call, n int) (*network.Result, error) {
		if n%3 == 0 {
			return respond(http.StatusBadRequest, ""), nil
		}

		return respond(http.StatusOK, `{"id":"o-1"}`), nil
	})

	q := newTestQueue(t, net, newCountingCache(t), withPoolSize(4))
	startQueue(t, q)

	const n = 50

	var (
		mu     sync.Mutex
		counts = map[string]int{}
		wg     sync.WaitGroup
	)

	wg.Add(n)

	for i := 0; i < n; i++ {
		var r *Request
		r = NewJSONRequest[offer](http.MethodGet, "/v2/offers", func(resp Response[offer]) {
			mu.Lock()
			counts[r.ID()]++
			mu.Unlock()
			wg.Done()
		}).SetCachePolicy(IgnoreCache)
		q.Add(r)
	}

	wg.Wait()
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	assert.Len(t, counts, n)

	for id, c := range counts {
		assert.Equal(t, 1, c, id)
	}
}

func TestExpiredEntryIsRevalidated(t *testing.T) {
	net := newFakeNetwork(func(call *network.Call, n int) (*network.Result, error) {
		if call.Header.Get("If-None-Match") == `"v1"` {
			return respond(http.StatusNotModified, ""), nil
		}

		res := respond(http.StatusOK, `{"id":"o-1","heading":"Fresh"}`)
		res.Header.Set("ETag", `"v1"`)

		return res, nil
	})

	q := newTestQueue(t, net, newCountingCache(t))
	startQueue(t, q)

	listener, responses := capture[offer]()

	q.Add(NewJSONRequest(http.MethodGet, "/v2/offers/o-1", listener).SetCacheTTL(time.Millisecond))
	first := waitResponse(t, responses)
	require.True(t, first.IsSuccess())
	require.NotNil(t, first.Entry)
	assert.Equal(t, `"v1"`, first.Entry.ETag)

	time.Sleep(5 * time.Millisecond)

	r := q.Add(NewJSONRequest(http.MethodGet, "/v2/offers/o-1", listener).SetCacheTTL(time.Millisecond))
	second := waitResponse(t, responses)
	require.True(t, second.IsSuccess())
	assert.True(t, second.Cached)
	assert.Equal(t, "Fresh", second.Value.Heading)

	calls := net.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, `"v1"`, calls[1].Header.Get("If-None-Match"))
	assert.Len(t, r.Log().Named("cache-hit-expired"), 1)
	assert.Len(t, r.Log().Named("network-not-modified"), 1)
}

func TestNotModifiedWithoutCachedResponse(t *testing.T) {
	net := newFakeNetwork(func(call *network.Call, n int) (*network.Result, error) {
		return respond(http.StatusNotModified, ""), nil
	})

	q := newTestQueue(t, net, newCountingCache(t))
	startQueue(t, q)

	listener, responses := capture[offer]()

	r := q.Add(NewJSONRequest(http.MethodGet, "/v2/offers/o-1", listener))

	resp := waitResponse(t, responses)
	require.NotNil(t, resp.Err)
	assert.Equal(t, KindHTTPStatus, resp.Err.Kind)
	assert.Equal(t, http.StatusNotModified, resp.Err.StatusCode)
	assert.Len(t, r.Log().Named("network-unexpected-not-modified"), 1)
	assert.Len(t, net.Calls(), 1)
}

func TestSessionTokenIsSent(t *testing.T) {
	net := newFakeNetwork(func(call *network.Call, n int) (*network.Result, error) {
		return respond(http.StatusOK, `{"id":"o-1"}`), nil
	})

	session := &fakeSession{}
	session.setToken("t-1")

	q := newTestQueue(t, net, newCountingCache(t), withSession(session))
	startQueue(t, q)

	listener, responses := capture[offer]()

	q.Add(NewJSONRequest(http.MethodGet, "/v2/offers", listener))
	require.True(t, waitResponse(t, responses).IsSuccess())

	q.Add(NewJSONRequest(http.MethodPost, "/v2/sessions", listener).SetSessionRequest(true))
	require.True(t, waitResponse(t, responses).IsSuccess())

	calls := net.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "t-1", calls[0].Header.Get(HeaderToken))
	assert.Empty(t, calls[1].Header.Get(HeaderToken))
}

func TestStopDeliversTransportError(t *testing.T) {
	started := make(chan struct{})

	net := newFakeNetwork(func(call *network.Call, n int) (*network.Result, error) {
		close(started)
		time.Sleep(20 * time.Millisecond)

		return nil, errors.New("context canceled")
	})

	q := newTestQueue(t, net, newCountingCache(t), withPoolSize(1))
	startQueue(t, q)

	listener, responses := capture[offer]()
	q.Add(NewJSONRequest(http.MethodGet, "/v2/offers", listener))

	<-started
	q.Stop()

	resp := waitResponse(t, responses)
	require.NotNil(t, resp.Err)
	assert.Equal(t, KindTransport, resp.Err.Kind)
	assert.Len(t, net.Calls(), 1)
}

func TestStopFailsQueuedRequests(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	net := newFakeNetwork(func(call *network.Call, n int) (*network.Result, error) {
		if n == 1 {
			close(started)
			<-release
		}

		return nil, errors.New("context canceled")
	})

	q := newTestQueue(t, net, newCountingCache(t), withPoolSize(1))
	startQueue(t, q)

	firstListener, first := capture[offer]()
	secondListener, second := capture[offer]()

	q.Add(NewJSONRequest(http.MethodGet, "/v2/offers/1", firstListener))
	<-started

	queued := q.Add(NewJSONRequest(http.MethodGet, "/v2/offers/2", secondListener))

	assert.Eventually(t, func() bool {
		return len(queued.Log().Named("added-to-network-queue")) == 1
	}, time.Second, time.Millisecond)

	// The running call only returns once Stop has cancelled the dispatchers
	time.AfterFunc(20*time.Millisecond, func() { close(release) })
	q.Stop()

	running := waitResponse(t, first)
	require.NotNil(t, running.Err)
	assert.Equal(t, KindTransport, running.Err.Kind)

	resp := waitResponse(t, second)
	require.NotNil(t, resp.Err)
	assert.Equal(t, KindTransport, resp.Err.Kind)
	assert.Len(t, queued.Log().Named("queue-stopped"), 1)
	assert.Len(t, net.Calls(), 1)
	assert.Equal(t, 0, q.networkQueue.Len())
	assert.Equal(t, 0, q.tracker.activeCount())
}

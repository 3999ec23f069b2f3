package dispatch

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rb3ckers/requestqueue/internal/cache"
	"github.com/rb3ckers/requestqueue/internal/eventlog"
)

type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityImmediate
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityImmediate:
		return "immediate"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

type CachePolicy int

const (
	UseCache CachePolicy = iota
	IgnoreCache
)

// ParseFunc turns a response body into a result value.
type ParseFunc[T any] func(data []byte) (T, error)

// Listener receives the single result of a request.
type Listener[T any] func(Response[T])

type result struct {
	value  interface{}
	entry  *cache.Entry
	cached bool
	err    *Error
}

// Request is a single call to the API. Its setters are meant to be used
// before the request is added to a RequestQueue, after that the request must
// only be cancelled.
type Request struct {
	id          string
	sequence    uint64
	priority    Priority
	method      string
	url         string
	body        []byte
	header      http.Header
	params      map[string]string
	policy      CachePolicy
	ttl         time.Duration
	tag         interface{}
	session     bool
	useLocation bool
	cancelled   atomic.Bool
	delivered   atomic.Bool
	log         *eventlog.Log
	cacheKey    string
	stale       *cache.Entry
	parse       func(data []byte) (interface{}, error)
	complete    func(result)
}

// NewRequest creates a request whose response body is turned into a T by parse.
func NewRequest[T any](method string, rawURL string, parse ParseFunc[T], listener Listener[T]) *Request {
	r := &Request{
		id:          uuid.NewString(),
		priority:    PriorityNormal,
		method:      method,
		url:         rawURL,
		header:      http.Header{},
		params:      map[string]string{},
		ttl:         cache.DefaultTTL,
		useLocation: true,
		log:         eventlog.New(0),
	}

	r.parse = func(data []byte) (interface{}, error) {
		return parse(data)
	}

	r.complete = func(res result) {
		if listener == nil {
			return
		}

		resp := Response[T]{
			Entry:  res.entry,
			Cached: res.cached,
			Err:    res.err,
		}

		if res.err == nil {
			resp.Value, _ = res.value.(T)
		}

		listener(resp)
	}

	r.addEvent("request-created")

	return r
}

// NewJSONRequest creates a request whose response body is decoded as JSON into a T.
func NewJSONRequest[T any](method string, rawURL string, listener Listener[T]) *Request {
	return NewRequest(method, rawURL, func(data []byte) (T, error) {
		var v T
		err := json.Unmarshal(data, &v)

		return v, err
	}, listener)
}

func (r *Request) SetPriority(p Priority) *Request {
	r.priority = p
	return r
}

// SetTag sets the owner of the request, used to cancel groups of requests with RequestQueue.CancelAll.
func (r *Request) SetTag(tag interface{}) *Request {
	r.tag = tag
	return r
}

func (r *Request) SetCachePolicy(policy CachePolicy) *Request {
	r.policy = policy
	return r
}

func (r *Request) SetCacheTTL(ttl time.Duration) *Request {
	r.ttl = ttl
	return r
}

func (r *Request) SetBody(contentType string, body []byte) *Request {
	r.header.Set("Content-Type", contentType)
	r.body = body

	return r
}

func (r *Request) SetHeader(key, value string) *Request {
	r.header.Set(key, value)
	return r
}

func (r *Request) SetParam(key, value string) *Request {
	r.params[key] = value
	return r
}

// SetUseLocation controls whether the shared location is added to the query parameters.
func (r *Request) SetUseLocation(use bool) *Request {
	r.useLocation = use
	return r
}

// SetSessionRequest marks the request as the one establishing a session, it is never parked.
func (r *Request) SetSessionRequest(session bool) *Request {
	r.session = session
	return r
}

func (r *Request) ID() string { return r.id }
func (r *Request) Sequence() uint64 { return r.sequence }
func (r *Request) Priority() Priority { return r.priority }
func (r *Request) Method() string { return r.method }
func (r *Request) URL() string { return r.url }
func (r *Request) Tag() interface{} { return r.tag }
func (r *Request) CachePolicy() CachePolicy { return r.policy }
func (r *Request) IsSessionRequest() bool { return r.session }
func (r *Request) CacheKey() string { return r.cacheKey }

func (r *Request) Param(key string) (string, bool) {
	v, ok := r.params[key]
	return v, ok
}

func (r *Request) Header() http.Header {
	return r.header.Clone()
}

// Cancel marks the request as cancelled, the listener will not be called after this.
func (r *Request) Cancel() {
	if r.cancelled.CompareAndSwap(false, true) {
		r.addEvent("cancelled")
	}
}

func (r *Request) IsCancelled() bool {
	return r.cancelled.Load()
}

// Log is the list of things that happened to this request.
func (r *Request) Log() *eventlog.Log {
	return r.log
}

func (r *Request) addEvent(name string) {
	r.log.Append(eventlog.Event{Name: name, RequestID: r.id})
}

// FullURL is the url including the encoded query parameters, sorted by key.
func (r *Request) FullURL() string {
	if len(r.params) == 0 {
		return r.url
	}

	values := url.Values{}
	for k, v := range r.params {
		values.Set(k, v)
	}

	sep := "?"
	if strings.Contains(r.url, "?") {
		sep = "&"
	}

	return r.url + sep + values.Encode()
}

func (r *Request) cacheable() bool {
	return r.method == http.MethodGet && r.policy == UseCache && r.ttl > 0
}

func buildCacheKey(r *Request) string {
	return r.method + " " + r.FullURL()
}

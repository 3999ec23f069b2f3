package cache

import (
	"net/http"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// DefaultTTL is used for responses that don't specify their own time to live.
const DefaultTTL = 3 * time.Minute

// Entry is a cached API response.
type Entry struct {
	Data         []byte
	Header       http.Header
	Created      time.Time
	TTL          time.Duration
	ETag         string
	LastModified string
}

func NewEntry(data []byte, header http.Header, ttl time.Duration) *Entry {
	e := &Entry{
		Data:    data,
		Header:  header,
		Created: time.Now(),
		TTL:     ttl,
	}

	if header != nil {
		e.ETag = header.Get("ETag")
		e.LastModified = header.Get("Last-Modified")
	}

	return e
}

func (e *Entry) IsExpired(now time.Time) bool {
	return !now.Before(e.Created.Add(e.TTL))
}

// HasValidators reports whether the entry can be revalidated with a conditional request.
func (e *Entry) HasValidators() bool {
	return e.ETag != "" || e.LastModified != ""
}

// Refreshed returns a copy of the entry with a new creation time.
func (e *Entry) Refreshed(now time.Time) *Entry {
	c := *e
	c.Created = now

	return &c
}

// Memory is an in-memory response cache, bounded in number of entries.
// Entries are kept for their TTL plus a retention window, so that stale
// entries carrying validators can still be revalidated.
//
// Expired entries are removed in the background until Close is called.
type Memory struct {
	items     *ttlcache.Cache[string, *Entry]
	retention time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

func NewMemory(capacity uint64, retention time.Duration) *Memory {
	opts := []ttlcache.Option[string, *Entry]{
		ttlcache.WithDisableTouchOnHit[string, *Entry](),
	}

	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, *Entry](capacity))
	}

	m := &Memory{
		items:     ttlcache.New[string, *Entry](opts...),
		retention: retention,
		done:      make(chan struct{}),
	}

	go func() {
		defer close(m.done)
		m.items.Start()
	}()

	return m
}

// Close stops the background cleanup and waits for it to exit.
func (m *Memory) Close() {
	m.closeOnce.Do(func() {
		for {
			m.items.Stop()

			select {
			case <-m.done:
				return
			case <-time.After(time.Millisecond):
				// Stop is a no-op until the cleanup loop has started
			}
		}
	})
}

func (m *Memory) Get(key string) (*Entry, error) {
	item := m.items.Get(key)
	if item == nil {
		return nil, nil
	}

	return item.Value(), nil
}

func (m *Memory) Put(key string, entry *Entry) error {
	ttl := entry.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	m.items.Set(key, entry, ttl+m.retention)

	return nil
}

func (m *Memory) Invalidate(key string) error {
	m.items.Delete(key)
	return nil
}

func (m *Memory) Clear() error {
	m.items.DeleteAll()
	return nil
}

func (m *Memory) Len() int {
	return m.items.Len()
}

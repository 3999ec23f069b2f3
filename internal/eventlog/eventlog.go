package eventlog

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	TypeRequest   = "request"
	TypeException = "exception"
	TypeLog       = "log"
)

// Event is a single, timestamped entry in a Log.
type Event struct {
	Name      string                 `json:"name"`
	Type      string                 `json:"type"`
	Time      time.Time              `json:"time"`
	RequestID string                 `json:"request-id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Log is an append-only list of events. When a capacity is set the oldest
// events are evicted first once it is reached.
type Log struct {
	sync.RWMutex
	capacity int
	events   []Event
	head     int
	now      func() time.Time
}

// New creates a Log holding at most capacity events, a capacity <= 0 means unbounded.
func New(capacity int) *Log {
	if capacity < 0 {
		capacity = 0
	}

	return &Log{
		capacity: capacity,
		now:      time.Now,
	}
}

// Add records an event with only a name, for tracing the order in which things happen.
func (l *Log) Add(name string) {
	l.Append(Event{Name: name, Type: TypeLog})
}

// AddData records an event of the given type carrying additional data.
func (l *Log) AddData(typ string, requestID string, data map[string]interface{}) {
	l.Append(Event{Name: typ, Type: typ, RequestID: requestID, Data: data})
}

func (l *Log) Append(e Event) {
	if e.Name == "" {
		e.Name = e.Type
		if e.Name == "" {
			e.Name = "unknown"
		}
	}

	l.Lock()
	defer l.Unlock()

	if e.Time.IsZero() {
		e.Time = l.now()
	}

	if l.capacity == 0 || len(l.events) < l.capacity {
		l.events = append(l.events, e)
		return
	}

	// Full, overwrite the oldest
	l.events[l.head] = e
	l.head = (l.head + 1) % l.capacity
}

// Events returns a snapshot of the log ordered by timestamp.
func (l *Log) Events() []Event {
	l.RLock()
	out := make([]Event, 0, len(l.events))
	out = append(out, l.events[l.head:]...)
	out = append(out, l.events[:l.head]...)
	l.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Time.Before(out[j].Time)
	})

	return out
}

// ByType returns all events of the given type, ordered by timestamp.
func (l *Log) ByType(typ string) []Event {
	var out []Event

	for _, e := range l.Events() {
		if e.Type == typ {
			out = append(out, e)
		}
	}

	return out
}

// Named returns all events with the given name, ordered by timestamp.
func (l *Log) Named(name string) []Event {
	var out []Event

	for _, e := range l.Events() {
		if e.Name == name {
			out = append(out, e)
		}
	}

	return out
}

func (l *Log) Len() int {
	l.RLock()
	defer l.RUnlock()

	return len(l.events)
}

func (l *Log) Clear() {
	l.Lock()
	defer l.Unlock()

	l.events = nil
	l.head = 0
}

// TotalDuration is the time between the first and the last event.
func (l *Log) TotalDuration() time.Duration {
	events := l.Events()
	if len(events) == 0 {
		return 0
	}

	return events[len(events)-1].Time.Sub(events[0].Time)
}

// String prints the timing of the events, each line shows the time passed since the previous event.
func (l *Log) String(prefix string) string {
	events := l.Events()

	var sb strings.Builder

	fmt.Fprintf(&sb, "     [%+6d ms] %s\n", l.TotalDuration().Milliseconds(), prefix)

	if len(events) == 0 {
		return sb.String()
	}

	prev := events[0].Time
	for i, e := range events {
		fmt.Fprintf(&sb, "[%2d] [%+6d ms] %s\n", i, e.Time.Sub(prev).Milliseconds(), e.Name)
		prev = e.Time
	}

	return sb.String()
}

/*
Package logbuf keeps the most recent log records in memory.

The buffer is an slog.Handler sink. The management API reads it back
(GET /api/logs) and streams new records to websocket clients
(/api/logs/stream), optionally narrowed to one network.
*/
package logbuf

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultSize is the capacity used when New gets a non-positive size.
const DefaultSize = 1000

// networkAttr is the attribute the certificate manager tags records with.
const networkAttr = "network_id"

// Entry is one buffered log record.
type Entry struct {
	Time      time.Time      `json:"time"`
	Level     slog.Level     `json:"level"`
	Message   string         `json:"msg"`
	NetworkID string         `json:"network_id,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// Query selects entries. Zero values match everything.
type Query struct {
	MinLevel  slog.Level
	NetworkID string
	Limit     int
}

func (q Query) match(e *Entry) bool {
	return e.Level >= q.MinLevel && (q.NetworkID == "" || e.NetworkID == q.NetworkID)
}

// Subscription delivers entries matching its query as they are logged.
// Entries are dropped, never queued, when the reader falls behind.
type Subscription struct {
	C     <-chan Entry
	c     chan Entry
	query Query
	buf   *Buffer
	once  sync.Once
}

// Close detaches the subscription and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.buf.mu.Lock()
		delete(s.buf.subs, s)
		s.buf.mu.Unlock()
		close(s.c)
	})
}

// Buffer is a fixed-size ring of log entries.
type Buffer struct {
	mu   sync.Mutex
	ring []Entry
	next int
	full bool
	subs map[*Subscription]struct{}
}

// New creates a buffer holding the last size entries.
func New(size int) *Buffer {
	if size <= 0 {
		size = DefaultSize
	}
	return &Buffer{
		ring: make([]Entry, size),
		subs: make(map[*Subscription]struct{}),
	}
}

// Len returns the number of buffered entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full {
		return len(b.ring)
	}
	return b.next
}

// Recent returns matching entries, oldest first, keeping the newest
// q.Limit of them when a limit is set.
func (b *Buffer) Recent(q Query) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Entry
	b.each(func(e *Entry) {
		if q.match(e) {
			out = append(out, *e)
		}
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

// Subscribe returns a subscription for entries logged from now on.
func (b *Buffer) Subscribe(q Query) *Subscription {
	c := make(chan Entry, 256)
	s := &Subscription{C: c, c: c, query: q, buf: b}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *Buffer) add(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.ring[b.next] = e
	b.next++
	if b.next == len(b.ring) {
		b.next = 0
		b.full = true
	}

	for s := range b.subs {
		if !s.query.match(&e) {
			continue
		}
		select {
		case s.c <- e:
		default:
		}
	}
}

// each visits buffered entries oldest first. Caller holds mu.
func (b *Buffer) each(fn func(*Entry)) {
	if b.full {
		for i := b.next; i < len(b.ring); i++ {
			fn(&b.ring[i])
		}
	}
	for i := 0; i < b.next; i++ {
		fn(&b.ring[i])
	}
}

// Handler returns an slog.Handler feeding the buffer with records at or
// above level.
func (b *Buffer) Handler(level slog.Leveler) slog.Handler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &handler{buf: b, level: level}
}

type handler struct {
	buf    *Buffer
	level  slog.Leveler
	attrs  []slog.Attr
	prefix string
}

func (h *handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *handler) Handle(_ context.Context, r slog.Record) error { //nolint:gocritic // slog.Handler interface
	e := Entry{
		Time:    r.Time,
		Level:   r.Level,
		Message: r.Message,
	}

	set := func(key string, val slog.Value) {
		if key == networkAttr {
			e.NetworkID = val.String()
			return
		}
		if e.Attrs == nil {
			e.Attrs = make(map[string]any)
		}
		v := val.Resolve().Any()
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		e.Attrs[key] = v
	}
	// h.attrs already carry their group prefix.
	for _, a := range h.attrs {
		set(a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		set(h.prefix+a.Key, a.Value)
		return true
	})

	h.buf.add(e)
	return nil
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := *h
	out.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	out.attrs = append(out.attrs, h.attrs...)
	for _, a := range attrs {
		a.Key = h.prefix + a.Key
		out.attrs = append(out.attrs, a)
	}
	return &out
}

func (h *handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	out := *h
	out.prefix = h.prefix + name + "."
	return &out
}

// ParseLevel converts a level name (case-insensitive) to slog.Level,
// defaulting to INFO.
func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return l
}

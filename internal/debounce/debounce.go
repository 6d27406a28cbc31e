// Package debounce batches rapid updates behind per-key timers so a
// consumer sees one flush per quiet period instead of one per event.
// The stream processor uses it to turn streaming text deltas into
// occasional journal writes.
package debounce

import (
	"sync"
	"time"
)

// buffer holds one key's pending items and the timer that will flush
// them.
type buffer[T any] struct {
	items []*T
	timer *time.Timer
}

// Debouncer groups items by key and hands each group to the flush
// callback once the key has been quiet for the debounce window.
// Flushes can also be forced per key or across the board, which is how
// callers pin ordering against writes that must not overtake pending
// state.
type Debouncer[T any] struct {
	mu      sync.Mutex
	buffers map[string]*buffer[T]
	stopped bool

	window   time.Duration
	buildKey func(item *T) string
	onFlush  func(items []*T) error
	onError  func(err error, items []*T)
}

// Option configures a Debouncer.
type Option[T any] func(*Debouncer[T])

// WithWindow sets the quiet window. Zero or negative flushes every
// item immediately.
func WithWindow[T any](window time.Duration) Option[T] {
	return func(d *Debouncer[T]) {
		if window < 0 {
			window = 0
		}
		d.window = window
	}
}

// WithBuildKey sets the grouping key function. Items with equal keys
// share a buffer and a timer.
func WithBuildKey[T any](fn func(item *T) string) Option[T] {
	return func(d *Debouncer[T]) {
		if fn != nil {
			d.buildKey = fn
		}
	}
}

// WithOnFlush sets the callback invoked with each flushed group.
func WithOnFlush[T any](fn func(items []*T) error) Option[T] {
	return func(d *Debouncer[T]) {
		if fn != nil {
			d.onFlush = fn
		}
	}
}

// WithOnError sets an optional callback for flush errors.
func WithOnError[T any](fn func(err error, items []*T)) Option[T] {
	return func(d *Debouncer[T]) {
		d.onError = fn
	}
}

// New creates a Debouncer.
func New[T any](opts ...Option[T]) *Debouncer[T] {
	d := &Debouncer[T]{
		buffers:  make(map[string]*buffer[T]),
		buildKey: func(*T) string { return "default" },
		onFlush:  func([]*T) error { return nil },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Enqueue adds an item. With a zero window the item flushes
// immediately; otherwise it joins its key's buffer and restarts that
// key's quiet timer.
func (d *Debouncer[T]) Enqueue(item *T) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}

	key := d.buildKey(item)
	if d.window <= 0 {
		// Earlier buffered items for the key must not be overtaken.
		if buf, ok := d.buffers[key]; ok {
			d.flushLocked(key, buf)
		}
		d.mu.Unlock()
		d.emit([]*T{item})
		return
	}

	if buf, ok := d.buffers[key]; ok {
		buf.items = append(buf.items, item)
		if buf.timer != nil {
			buf.timer.Stop()
		}
		buf.timer = time.AfterFunc(d.window, func() { d.FlushKey(key) })
		d.mu.Unlock()
		return
	}

	buf := &buffer[T]{items: []*T{item}}
	buf.timer = time.AfterFunc(d.window, func() { d.FlushKey(key) })
	d.buffers[key] = buf
	d.mu.Unlock()
}

// FlushKey forces out everything pending for one key. Flushing a key
// with nothing pending is a no-op, so timers and forced flushes can
// race freely.
func (d *Debouncer[T]) FlushKey(key string) {
	d.mu.Lock()
	buf, ok := d.buffers[key]
	if !ok || d.stopped {
		d.mu.Unlock()
		return
	}
	d.flushLocked(key, buf)
	d.mu.Unlock()
}

// FlushAll forces out everything pending for every key.
func (d *Debouncer[T]) FlushAll() {
	d.mu.Lock()
	keys := make([]string, 0, len(d.buffers))
	for key := range d.buffers {
		keys = append(keys, key)
	}
	d.mu.Unlock()
	for _, key := range keys {
		d.FlushKey(key)
	}
}

// flushLocked detaches the buffer and emits its items. The lock is
// released around the callback so flushes can enqueue follow-up work.
func (d *Debouncer[T]) flushLocked(key string, buf *buffer[T]) {
	delete(d.buffers, key)
	if buf.timer != nil {
		buf.timer.Stop()
		buf.timer = nil
	}
	items := buf.items
	buf.items = nil
	if len(items) == 0 {
		return
	}
	d.mu.Unlock()
	d.emit(items)
	d.mu.Lock()
}

func (d *Debouncer[T]) emit(items []*T) {
	if len(items) == 0 {
		return
	}
	if err := d.onFlush(items); err != nil && d.onError != nil {
		d.onError(err, items)
	}
}

// Stop cancels all timers and drops whatever is pending. Callers that
// need the pending items call FlushAll first.
func (d *Debouncer[T]) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for key, buf := range d.buffers {
		if buf.timer != nil {
			buf.timer.Stop()
			buf.timer = nil
		}
		delete(d.buffers, key)
	}
}

// PendingCount returns how many keys currently hold buffered items.
func (d *Debouncer[T]) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffers)
}

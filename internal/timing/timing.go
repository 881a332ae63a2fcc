// Package timing records the chain of timed events produced by one
// business run.
//
// Every Stopwatch is appended to an ordered log owned by a Timings value and
// refers to its predecessor by sequence number rather than by pointer, so the
// chain serializes without any cycle handling.
package timing

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrAlreadyStopped is returned when stopping a stopwatch twice.
var ErrAlreadyStopped = errors.New("stopwatch already stopped")

// DefaultMaxRecords bounds the in-memory chain of a long-running business.
const DefaultMaxRecords = 10000

// Clock provides the current time. It can be replaced in tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// Option configures a Timings.
type Option func(*Timings)

// WithClock overrides the clock used to stamp events.
func WithClock(c Clock) Option {
	return func(t *Timings) {
		t.clock = c
	}
}

// WithObserver registers a callback invoked with the final record every time
// a stopwatch is stopped.
func WithObserver(fn func(Data)) Option {
	return func(t *Timings) {
		if fn != nil {
			t.observers = append(t.observers, fn)
		}
	}
}

// WithMaxRecords sets how many records are retained. Zero means unlimited.
func WithMaxRecords(n int) Option {
	return func(t *Timings) {
		t.maxRecords = n
	}
}

// Timings is the append-only chain of stopwatches for one business.
//
// Timings is safe for concurrent use: the owning business writes to it while
// summaries and dumps may read it from other goroutines.
type Timings struct {
	mu         sync.Mutex
	clock      Clock
	observers  []func(Data)
	maxRecords int

	records []*Stopwatch
	nextSeq int
}

// New creates an empty timing chain.
func New(opts ...Option) *Timings {
	t := &Timings{
		clock:      realClock{},
		maxRecords: DefaultMaxRecords,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Stopwatch is a single timed event.
type Stopwatch struct {
	owner *Timings

	seq         int
	previous    int // -1 when there is no predecessor
	event       string
	annotations map[string]string
	start       time.Time
	stop        time.Time
	stopped     bool
	failed      bool
	sincePrev   time.Duration
}

// Start opens a new stopwatch chained after the most recent record.
// The annotations map is copied.
func (t *Timings) Start(event string, annotations map[string]string) *Stopwatch {
	t.mu.Lock()
	defer t.mu.Unlock()

	sw := &Stopwatch{
		owner:       t,
		seq:         t.nextSeq,
		previous:    -1,
		event:       event,
		annotations: copyAnnotations(annotations),
		start:       t.clock.Now(),
	}
	t.nextSeq++

	if n := len(t.records); n > 0 {
		prev := t.records[n-1]
		sw.previous = prev.seq
		if prev.stopped {
			sw.sincePrev = sw.start.Sub(prev.stop)
		}
	}

	t.records = append(t.records, sw)
	if t.maxRecords > 0 && len(t.records) > t.maxRecords {
		drop := len(t.records) - t.maxRecords
		t.records = append(t.records[:0:0], t.records[drop:]...)
	}
	return sw
}

// Current returns the most recent stopwatch if it is still open.
func (t *Timings) Current() *Stopwatch {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n := len(t.records); n > 0 && !t.records[n-1].stopped {
		return t.records[n-1]
	}
	return nil
}

// Len returns the number of retained records.
func (t *Timings) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Dump serializes the whole chain in order.
func (t *Timings) Dump() []Data {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make([]Data, 0, len(t.records))
	for _, sw := range t.records {
		result = append(result, sw.dataLocked())
	}
	return result
}

// Stop closes the stopwatch and computes its elapsed time.
func (sw *Stopwatch) Stop() error {
	t := sw.owner
	t.mu.Lock()
	if sw.stopped {
		stoppedAt := sw.stop
		t.mu.Unlock()
		return fmt.Errorf("%w at %s", ErrAlreadyStopped, stoppedAt.Format(time.RFC3339Nano))
	}
	sw.stop = t.clock.Now()
	if sw.stop.Before(sw.start) {
		sw.stop = sw.start
	}
	sw.stopped = true
	data := sw.dataLocked()
	observers := t.observers
	t.mu.Unlock()

	for _, fn := range observers {
		fn(data)
	}
	return nil
}

// Fail marks the event as failed. It may be called before or after Stop.
func (sw *Stopwatch) Fail() {
	sw.owner.mu.Lock()
	defer sw.owner.mu.Unlock()
	sw.failed = true
}

// Annotate sets one annotation on the event.
func (sw *Stopwatch) Annotate(key, value string) {
	sw.owner.mu.Lock()
	defer sw.owner.mu.Unlock()
	if sw.annotations == nil {
		sw.annotations = make(map[string]string)
	}
	sw.annotations[key] = value
}

// Event returns the event name.
func (sw *Stopwatch) Event() string {
	return sw.event
}

// Started returns when the event started.
func (sw *Stopwatch) Started() time.Time {
	return sw.start
}

// Annotations returns a copy of the current annotations.
func (sw *Stopwatch) Annotations() map[string]string {
	sw.owner.mu.Lock()
	defer sw.owner.mu.Unlock()
	return copyAnnotations(sw.annotations)
}

// Elapsed returns stop minus start for a closed stopwatch, or the time
// elapsed so far for an open one.
func (sw *Stopwatch) Elapsed() time.Duration {
	t := sw.owner
	t.mu.Lock()
	defer t.mu.Unlock()
	if sw.stopped {
		return sw.stop.Sub(sw.start)
	}
	return t.clock.Now().Sub(sw.start)
}

// ElapsedSincePreviousStop is the gap between the previous record's stop and
// this record's start. It is zero if there is no stopped predecessor.
func (sw *Stopwatch) ElapsedSincePreviousStop() time.Duration {
	return sw.sincePrev
}

// Stopped reports whether Stop has been called.
func (sw *Stopwatch) Stopped() bool {
	sw.owner.mu.Lock()
	defer sw.owner.mu.Unlock()
	return sw.stopped
}

// Data returns the serialized form of the stopwatch.
func (sw *Stopwatch) Data() Data {
	sw.owner.mu.Lock()
	defer sw.owner.mu.Unlock()
	return sw.dataLocked()
}

func (sw *Stopwatch) dataLocked() Data {
	d := Data{
		ID:                       sw.seq,
		Event:                    sw.event,
		Annotations:              copyAnnotations(sw.annotations),
		Start:                    sw.start,
		Failed:                   sw.failed,
		ElapsedSincePreviousStop: sw.sincePrev.Seconds(),
	}
	if d.Annotations == nil {
		d.Annotations = map[string]string{}
	}
	if sw.previous >= 0 {
		prev := sw.previous
		d.Previous = &prev
	}
	if sw.stopped {
		stop := sw.stop
		elapsed := sw.stop.Sub(sw.start).Seconds()
		d.Stop = &stop
		d.Elapsed = &elapsed
	}
	return d
}

func copyAnnotations(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

package timing

import (
	"encoding/json"
	"fmt"
	"time"
)

// Data is the serialized form of a Stopwatch. Timestamps marshal as ISO 8601
// and durations are expressed in seconds.
type Data struct {
	ID                       int               `json:"id"`
	Event                    string            `json:"event"`
	Annotations              map[string]string `json:"annotations"`
	Start                    time.Time         `json:"start"`
	Stop                     *time.Time        `json:"stop"`
	Elapsed                  *float64          `json:"elapsed"`
	Failed                   bool              `json:"failed"`
	Previous                 *int              `json:"previous"`
	ElapsedSincePreviousStop float64           `json:"elapsed_since_previous_stop"`
}

// ElapsedDuration returns the elapsed time as a duration, or zero if the
// event is still open.
func (d Data) ElapsedDuration() time.Duration {
	if d.Elapsed == nil {
		return 0
	}
	return time.Duration(*d.Elapsed * float64(time.Second))
}

// Restore rebuilds a timing chain from dumped records.
func Restore(records []Data, opts ...Option) (*Timings, error) {
	t := New(opts...)
	for i, d := range records {
		if d.Stop != nil && d.Stop.Before(d.Start) {
			return nil, fmt.Errorf("record %d (%s): stop before start", i, d.Event)
		}
		sw := &Stopwatch{
			owner:       t,
			seq:         d.ID,
			previous:    -1,
			event:       d.Event,
			annotations: copyAnnotations(d.Annotations),
			start:       d.Start,
			failed:      d.Failed,
			sincePrev:   time.Duration(d.ElapsedSincePreviousStop * float64(time.Second)),
		}
		if d.Previous != nil {
			sw.previous = *d.Previous
		}
		if d.Stop != nil {
			sw.stop = *d.Stop
			sw.stopped = true
		}
		t.records = append(t.records, sw)
		if d.ID >= t.nextSeq {
			t.nextSeq = d.ID + 1
		}
	}
	return t, nil
}

// MarshalJSON serializes the full chain.
func (t *Timings) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Dump())
}

// Package journal keeps a bounded, dmesg-like record of device events.
//
// Records live in an overlapped MPMC ring: when the ring is full the oldest
// record is overwritten, so producers never block. A logrus hook feeds the
// journal from the regular log stream.
package journal

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
)

// DefaultSize is the journal capacity in records.
const DefaultSize uint32 = 256

// MaxSize guards against accidental misconfiguration.
const MaxSize uint32 = 1 << 20

// Record is one journal line.
type Record struct {
	Time    time.Time         `json:"time" yaml:"time"`
	Level   logrus.Level      `json:"level" yaml:"level"`
	Device  string            `json:"device,omitempty" yaml:"device,omitempty"`
	Message string            `json:"message" yaml:"message"`
	Fields  map[string]string `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// String renders the record the way dmesg prints kernel lines.
func (r Record) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %-5s", r.Time.Format("15:04:05.000"), strings.ToUpper(r.Level.String()))
	if r.Device != "" {
		fmt.Fprintf(&b, " %s:", r.Device)
	}
	b.WriteByte(' ')
	b.WriteString(r.Message)

	keys := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, r.Fields[k])
	}
	return b.String()
}

// Metrics are lock-free journal counters.
type Metrics struct {
	Appended    int64
	Overwritten int64
	Errors      int64
}

// Journal is safe for concurrent use by any number of producers and consumers.
type Journal struct {
	buffer  mpmc.RichOverlappedRingBuffer[Record]
	size    uint32
	metrics Metrics
}

// New creates a journal holding about size records (0 = DefaultSize).
func New(size uint32) (*Journal, error) {
	if size == 0 {
		size = DefaultSize
	}
	if size > MaxSize {
		return nil, fmt.Errorf("journal size %d exceeds maximum %d", size, MaxSize)
	}
	return &Journal{
		buffer: mpmc.NewOverlappedRingBuffer[Record](size),
		size:   size,
	}, nil
}

// Size returns the configured capacity.
func (j *Journal) Size() uint32 { return j.size }

// Append stores rec, overwriting the oldest record when the journal is full.
func (j *Journal) Append(rec Record) error {
	overwrites, err := j.buffer.EnqueueM(rec)
	if err != nil {
		atomic.AddInt64(&j.metrics.Errors, 1)
		return fmt.Errorf("journal enqueue: %w", err)
	}
	atomic.AddInt64(&j.metrics.Overwritten, int64(overwrites))
	atomic.AddInt64(&j.metrics.Appended, 1)
	return nil
}

// Logf appends a record at level for device.
func (j *Journal) Logf(level logrus.Level, device string, format string, args ...any) {
	_ = j.Append(Record{
		Time:    time.Now(),
		Level:   level,
		Device:  device,
		Message: fmt.Sprintf(format, args...),
	})
}

// ConsumerFunc processes drained records.
//
// A non-nil record is the next record; returning a non-zero result stops
// the drain early. A nil record means the journal is empty and the consumer
// returns its final result.
type ConsumerFunc[T any] func(rec *Record) (T, error)

// Consume drains records oldest first into consumer.
func Consume[T any](j *Journal, consumer ConsumerFunc[T]) (T, error) {
	for !j.buffer.IsEmpty() {
		rec, err := j.buffer.Dequeue()
		if err != nil {
			var zero T
			return zero, fmt.Errorf("journal dequeue: %w", err)
		}
		result, err := consumer(&rec)
		if err != nil {
			return result, err
		}
		if !isZero(result) {
			return result, nil
		}
	}
	return consumer(nil)
}

func isZero[T any](v T) bool {
	var zero T
	return reflect.DeepEqual(v, zero)
}

// Drain removes and returns every buffered record, oldest first.
func (j *Journal) Drain() ([]Record, error) {
	var out []Record
	_, err := Consume(j, func(rec *Record) (bool, error) {
		if rec != nil {
			out = append(out, *rec)
		}
		return false, nil
	})
	return out, err
}

// Metrics returns a snapshot of the counters.
func (j *Journal) Metrics() Metrics {
	return Metrics{
		Appended:    atomic.LoadInt64(&j.metrics.Appended),
		Overwritten: atomic.LoadInt64(&j.metrics.Overwritten),
		Errors:      atomic.LoadInt64(&j.metrics.Errors),
	}
}

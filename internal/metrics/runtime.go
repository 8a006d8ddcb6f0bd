package metrics

import (
	"math"
	"sync"
	"time"

	"github.com/alisitki/quantlab/models"
)

// DefaultEPSInterval is the minimum wall-clock time between two
// events-per-second recomputations.
const DefaultEPSInterval = 10 * time.Second

// Runtime aggregates collector-wide counters. One instance lives for the
// whole process and is handed to every reader, the writer and the status
// server. It is safe for concurrent use.
type Runtime struct {
	mu  sync.Mutex
	now func() time.Time

	interval    time.Duration
	startedAt   time.Time
	lastEventMs int64
	lastWriteMs int64
	total       int64
	dropped     int64

	counts     map[models.StreamKind]int64
	baseline   map[models.StreamKind]int64
	baselineAt time.Time
	eps        map[models.StreamKind]float64

	writer WriterStats
}

// RuntimeOption customises a Runtime.
type RuntimeOption func(*Runtime)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) RuntimeOption {
	return func(r *Runtime) { r.now = now }
}

// NewRuntime creates the aggregator. A non-positive interval falls back to
// DefaultEPSInterval.
func NewRuntime(interval time.Duration, opts ...RuntimeOption) *Runtime {
	if interval <= 0 {
		interval = DefaultEPSInterval
	}
	r := &Runtime{
		now:      time.Now,
		interval: interval,
		counts:   make(map[models.StreamKind]int64, len(models.StreamKinds)),
		baseline: make(map[models.StreamKind]int64, len(models.StreamKinds)),
		eps:      make(map[models.StreamKind]float64, len(models.StreamKinds)),
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, kind := range models.StreamKinds {
		r.counts[kind] = 0
		r.baseline[kind] = 0
		r.eps[kind] = 0
	}
	r.startedAt = r.now()
	r.baselineAt = r.startedAt
	return r
}

// Record counts one normalized event of the given kind.
func (r *Runtime) Record(kind models.StreamKind) {
	r.mu.Lock()
	now := r.now()
	r.lastEventMs = now.UnixMilli()
	r.total++
	r.counts[kind]++
	r.maybeRecompute(now)
	r.mu.Unlock()

	observeEvent(kind)
}

// RecordDrop counts one frame that was discarded before producing events.
func (r *Runtime) RecordDrop() {
	r.mu.Lock()
	r.dropped++
	r.mu.Unlock()
}

// Refresh runs the EPS recomputation if the interval has elapsed. It lets a
// periodic reporter keep rates moving when no events arrive.
func (r *Runtime) Refresh() {
	r.mu.Lock()
	r.maybeRecompute(r.now())
	r.mu.Unlock()
}

// maybeRecompute must be called with mu held.
func (r *Runtime) maybeRecompute(now time.Time) {
	elapsed := now.Sub(r.baselineAt)
	if elapsed < r.interval {
		return
	}
	seconds := elapsed.Seconds()
	for kind, count := range r.counts {
		r.eps[kind] = roundTenth(float64(count-r.baseline[kind]) / seconds)
		r.baseline[kind] = count
	}
	r.baselineAt = now
}

func roundTenth(v float64) float64 {
	return math.Round(v*10) / 10
}

// MarkWrite stores the time of the latest successful storage flush.
func (r *Runtime) MarkWrite(t time.Time) {
	r.mu.Lock()
	r.lastWriteMs = t.UnixMilli()
	r.mu.Unlock()
}

// SetWriterStats replaces the writer statistics shown in snapshots.
func (r *Runtime) SetWriterStats(stats WriterStats) {
	r.mu.Lock()
	r.writer = stats
	r.mu.Unlock()
}

// Snapshot is a read-only copy of the runtime state.
type Snapshot struct {
	StartedAt     time.Time                     `json:"started_at"`
	UptimeSec     int64                         `json:"uptime_sec"`
	LastEventTs   int64                         `json:"last_event_ts"`
	LastWriteTs   int64                         `json:"last_write_ts"`
	TotalEvents   int64                         `json:"total_events"`
	DroppedFrames int64                         `json:"dropped_frames"`
	EventCounts   map[models.StreamKind]int64   `json:"event_counts"`
	EventsPerSec  map[models.StreamKind]float64 `json:"events_per_sec"`
	QueueSize     int                           `json:"queue_size"`
	Writer        WriterStats                   `json:"writer"`
}

// Snapshot copies the current state. Rates are the values from the last
// recomputation pass.
func (r *Runtime) Snapshot(queueDepth int) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[models.StreamKind]int64, len(r.counts))
	for k, v := range r.counts {
		counts[k] = v
	}
	eps := make(map[models.StreamKind]float64, len(r.eps))
	for k, v := range r.eps {
		eps[k] = v
	}

	return Snapshot{
		StartedAt:     r.startedAt,
		UptimeSec:     int64(r.now().Sub(r.startedAt) / time.Second),
		LastEventTs:   r.lastEventMs,
		LastWriteTs:   r.lastWriteMs,
		TotalEvents:   r.total,
		DroppedFrames: r.dropped,
		EventCounts:   counts,
		EventsPerSec:  eps,
		QueueSize:     queueDepth,
		Writer:        r.writer,
	}
}

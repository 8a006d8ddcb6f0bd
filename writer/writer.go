package writer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alisitki/quantlab/internal/metrics"
	"github.com/alisitki/quantlab/internal/queue"
	"github.com/alisitki/quantlab/logger"
	"github.com/alisitki/quantlab/models"
)

const (
	defaultBufferSize     = 1000
	defaultFlushInterval  = 5 * time.Second
	defaultReportInterval = 30 * time.Second
	writeTimeout          = 30 * time.Second
)

// Source yields events in FIFO order. *queue.Queue satisfies it.
type Source interface {
	Get(ctx context.Context) (models.Event, error)
}

// StatsSink receives write progress. *metrics.Runtime satisfies it.
type StatsSink interface {
	MarkWrite(t time.Time)
	SetWriterStats(stats metrics.WriterStats)
}

type Options struct {
	BufferSize     int
	FlushInterval  time.Duration
	MaxWorkers     int
	ReportInterval time.Duration
}

// Batch is the unit handed to a Backend: events of one stream for one
// symbol on one exchange, in arrival order.
type Batch struct {
	Exchange  string
	Stream    models.StreamKind
	Symbol    string
	Events    []models.Event
	Timestamp time.Time
}

type bufferKey struct {
	exchange string
	stream   models.StreamKind
	symbol   string
}

// Writer drains the event queue, buffers events per exchange, stream and
// symbol, and flushes a buffer when it reaches BufferSize, on every
// FlushInterval tick, and on Stop.
type Writer struct {
	source  Source
	backend Backend
	stats   StatsSink
	opts    Options

	mu      sync.Mutex
	running bool
	buffers map[bufferKey][]models.Event

	jobs      chan Batch
	ctx       context.Context
	cancel    context.CancelFunc
	drainDone chan struct{}
	loops     sync.WaitGroup
	workers   sync.WaitGroup

	batchesWritten atomic.Int64
	eventsWritten  atomic.Int64
	bytesWritten   atomic.Int64
	errorsCount    atomic.Int64

	log *logger.Log
}

func New(source Source, backend Backend, stats StatsSink, opts Options) *Writer {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 1
	}
	if opts.ReportInterval <= 0 {
		opts.ReportInterval = defaultReportInterval
	}

	return &Writer{
		source:  source,
		backend: backend,
		stats:   stats,
		opts:    opts,
		buffers: make(map[bufferKey][]models.Event),
		log:     logger.GetLogger(),
	}
}

// Start launches the drain loop, the flush ticker and the upload workers.
func (w *Writer) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("writer already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.jobs = make(chan Batch, w.opts.MaxWorkers)
	w.drainDone = make(chan struct{})
	w.mu.Unlock()

	w.log.WithComponent("writer").WithFields(logger.Fields{
		"backend":        w.backend.Name(),
		"buffer_size":    w.opts.BufferSize,
		"flush_interval": w.opts.FlushInterval.String(),
		"workers":        w.opts.MaxWorkers,
	}).Info("starting writer")

	for i := 0; i < w.opts.MaxWorkers; i++ {
		w.workers.Add(1)
		go w.worker(i)
	}

	go w.drain()

	w.loops.Add(2)
	go w.flushLoop()
	go w.metricsReporter()

	return nil
}

// Stop waits for the drain loop to empty the closed queue, flushes every
// buffer and waits for in-flight uploads. If ctx ends first the drain is
// abandoned and whatever is already buffered is still flushed.
func (w *Writer) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	log := w.log.WithComponent("writer")
	log.Info("stopping writer")

	var stopErr error
	select {
	case <-w.drainDone:
	case <-ctx.Done():
		stopErr = fmt.Errorf("writer drain interrupted: %w", ctx.Err())
		log.Warn("drain deadline reached, flushing buffered events only")
		w.cancel()
		<-w.drainDone
	}

	w.cancel()
	w.loops.Wait()
	w.flushAll("stop")
	close(w.jobs)
	w.workers.Wait()

	metrics.ReportWriter(w.log, "writer", w.Stats())
	if err := w.backend.Close(); err != nil {
		log.WithError(err).Warn("failed to close storage backend")
	}
	log.Info("writer stopped")
	return stopErr
}

// Stats returns cumulative write counters.
func (w *Writer) Stats() metrics.WriterStats {
	return metrics.WriterStats{
		Backend:        w.backend.Name(),
		BatchesWritten: w.batchesWritten.Load(),
		EventsWritten:  w.eventsWritten.Load(),
		BytesWritten:   w.bytesWritten.Load(),
		ErrorsCount:    w.errorsCount.Load(),
	}
}

func (w *Writer) drain() {
	defer close(w.drainDone)
	log := w.log.WithComponent("writer")

	for {
		ev, err := w.source.Get(w.ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) {
				log.Info("event queue drained")
			}
			return
		}
		w.add(ev)
	}
}

func (w *Writer) add(ev models.Event) {
	h := ev.Meta()
	key := bufferKey{exchange: h.Exchange, stream: h.Stream, symbol: h.Symbol}

	w.mu.Lock()
	w.buffers[key] = append(w.buffers[key], ev)
	var batch *Batch
	if len(w.buffers[key]) >= w.opts.BufferSize {
		batch = w.takeLocked(key)
	}
	w.mu.Unlock()

	if batch != nil {
		w.jobs <- *batch
	}
}

// takeLocked removes and returns the buffer for key. mu must be held.
func (w *Writer) takeLocked(key bufferKey) *Batch {
	events := w.buffers[key]
	if len(events) == 0 {
		return nil
	}
	delete(w.buffers, key)

	var newest int64
	for _, ev := range events {
		if ts := ev.Meta().TsEvent; ts > newest {
			newest = ts
		}
	}
	ts := time.Now().UTC()
	if newest > 0 {
		ts = time.UnixMilli(newest).UTC()
	}

	return &Batch{
		Exchange:  key.exchange,
		Stream:    key.stream,
		Symbol:    key.symbol,
		Events:    events,
		Timestamp: ts,
	}
}

func (w *Writer) flushLoop() {
	defer w.loops.Done()
	ticker := time.NewTicker(w.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flushAll("interval")
		}
	}
}

func (w *Writer) flushAll(reason string) {
	w.mu.Lock()
	batches := make([]Batch, 0, len(w.buffers))
	for key := range w.buffers {
		if b := w.takeLocked(key); b != nil {
			batches = append(batches, *b)
		}
	}
	w.mu.Unlock()

	if len(batches) == 0 {
		return
	}
	w.log.WithComponent("writer").WithFields(logger.Fields{
		"buffers": len(batches),
		"reason":  reason,
	}).Debug("flushing buffers")

	for _, b := range batches {
		w.jobs <- b
	}
}

func (w *Writer) worker(id int) {
	defer w.workers.Done()
	log := w.log.WithComponent("writer").WithFields(logger.Fields{"worker_id": id})

	for batch := range w.jobs {
		w.write(log, batch)
	}
}

func (w *Writer) write(log *logger.Entry, batch Batch) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(w.ctx), writeTimeout)
	defer cancel()

	n, err := w.backend.Write(ctx, batch)
	if err != nil {
		w.errorsCount.Add(1)
		log.WithError(err).WithFields(logger.Fields{
			"exchange": batch.Exchange,
			"stream":   string(batch.Stream),
			"symbol":   batch.Symbol,
			"events":   len(batch.Events),
		}).Error("failed to write batch")
		w.publishStats(false)
		return
	}

	w.batchesWritten.Add(1)
	w.eventsWritten.Add(int64(len(batch.Events)))
	w.bytesWritten.Add(n)
	w.publishStats(true)

	log.WithFields(logger.Fields{
		"stream": string(batch.Stream),
		"symbol": batch.Symbol,
		"bytes":  n,
	}).Flow("event_queue", w.backend.Name(), len(batch.Events), "events")
}

func (w *Writer) publishStats(wrote bool) {
	if w.stats == nil {
		return
	}
	if wrote {
		w.stats.MarkWrite(time.Now())
	}
	w.stats.SetWriterStats(w.Stats())
}

func (w *Writer) metricsReporter() {
	defer w.loops.Done()
	ticker := time.NewTicker(w.opts.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			metrics.ReportWriter(w.log, "writer", w.Stats())
		}
	}
}

package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/alisitki/quantlab/logger"
)

// QueueDepth reports the current number of buffered events.
type QueueDepth func() int

var (
	cpuPercentFn  = func(ctx context.Context) ([]float64, error) { return cpu.PercentWithContext(ctx, 0, false) }
	memoryStatsFn = mem.VirtualMemoryWithContext
)

// StartReport logs and emits the runtime snapshot every interval until ctx
// is cancelled. Each tick also refreshes the events-per-second window.
func StartReport(ctx context.Context, rt *Runtime, depth QueueDepth, interval time.Duration) {
	if rt == nil {
		return
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log, rt, depth)
			}
		}
	}()
}

func logReport(ctx context.Context, log *logger.Log, rt *Runtime, depth QueueDepth) {
	rt.Refresh()

	queueSize := 0
	if depth != nil {
		queueSize = depth()
	}
	snap := rt.Snapshot(queueSize)

	cpuPct := 0.0
	if pct, err := cpuPercentFn(ctx); err == nil && len(pct) > 0 {
		cpuPct = pct[0]
	}
	memoryMB := int64(0)
	if vm, err := memoryStatsFn(ctx); err == nil && vm != nil {
		memoryMB = int64(vm.Used) / 1024 / 1024
	}

	component := "runtime_report"
	for stream, eps := range snap.EventsPerSec {
		EmitMetric(log, component, "events_per_sec", eps, Gauge, logger.Fields{
			"stream": string(stream),
			"unit":   "count/second",
		})
	}
	EmitMetric(log, component, "queue_size", snap.QueueSize, Gauge, logger.Fields{})
	EmitMetric(log, component, "dropped_frames", snap.DroppedFrames, Counter, logger.Fields{})
	EmitMetric(log, component, "cpu_percent", cpuPct, Gauge, logger.Fields{"unit": "percent"})
	EmitMetric(log, component, "memory_mb", memoryMB, Gauge, logger.Fields{"unit": "megabytes"})

	log.WithComponent(component).WithFields(logger.Fields{
		"uptime_sec":     snap.UptimeSec,
		"total_events":   snap.TotalEvents,
		"dropped_frames": snap.DroppedFrames,
		"events_per_sec": snap.EventsPerSec,
		"queue_size":     snap.QueueSize,
		"last_event_ts":  snap.LastEventTs,
		"last_write_ts":  snap.LastWriteTs,
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      memoryMB,
	}).Info("runtime report")
}

package metrics

import "github.com/alisitki/quantlab/logger"

// WriterStats holds metrics for the storage writer.
type WriterStats struct {
	Backend        string `json:"backend"`
	BatchesWritten int64  `json:"batches_written"`
	EventsWritten  int64  `json:"events_written"`
	BytesWritten   int64  `json:"bytes_written"`
	ErrorsCount    int64  `json:"errors_count"`
}

// ReportWriter emits common writer metrics using the provided logger and component name.
func ReportWriter(log *logger.Log, component string, stats WriterStats) {
	errorRate := float64(0)
	if stats.BatchesWritten+stats.ErrorsCount > 0 {
		errorRate = float64(stats.ErrorsCount) / float64(stats.BatchesWritten+stats.ErrorsCount)
	}

	fields := logger.Fields{"backend": stats.Backend}
	EmitMetric(log, component, "batches_written", stats.BatchesWritten, Counter, fields)
	EmitMetric(log, component, "events_written", stats.EventsWritten, Counter, fields)
	EmitMetric(log, component, "bytes_written", stats.BytesWritten, Counter, fields)
	EmitMetric(log, component, "errors_count", stats.ErrorsCount, Counter, fields)
	EmitMetric(log, component, "error_rate", errorRate, Gauge, fields)

	entry := log.WithComponent(component).WithFields(logger.Fields{
		"backend":         stats.Backend,
		"batches_written": stats.BatchesWritten,
		"events_written":  stats.EventsWritten,
		"bytes_written":   stats.BytesWritten,
		"errors_count":    stats.ErrorsCount,
		"error_rate":      errorRate,
	})

	if stats.ErrorsCount > 0 {
		entry.Warn(component + " metrics")
		return
	}

	entry.Info(component + " metrics")
}

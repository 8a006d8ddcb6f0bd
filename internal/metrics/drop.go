package metrics

import "github.com/alisitki/quantlab/logger"

// DropReason classifies why an inbound frame produced no events.
type DropReason string

const (
	DropDecode        DropReason = "decode"
	DropValidation    DropReason = "validation"
	DropUnknownStream DropReason = "unknown_stream"
)

// EmitDropMetric records a dropped frame in Prometheus and as a structured
// metric. Callers invoke it once per dropped frame.
func EmitDropMetric(log *logger.Log, exchange string, reason DropReason, stream string) {
	IncrementDropped(exchange, string(reason))

	fields := logger.Fields{"reason": string(reason)}
	if exchange != "" {
		fields["exchange"] = exchange
	}
	if stream != "" {
		fields["stream"] = stream
	}
	EmitMetric(log, "frame_drops", "frames_dropped", 1, Counter, fields)
}

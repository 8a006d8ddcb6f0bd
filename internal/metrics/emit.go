package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/alisitki/quantlab/logger"
)

// Kind tells consumers whether a value accumulates or is a point reading.
type Kind string

const (
	Counter Kind = "counter"
	Gauge   Kind = "gauge"
)

// Metric is one reported value, as seen by handlers and the status API.
type Metric struct {
	Timestamp time.Time
	Component string
	Name      string
	Value     interface{}
	Type      Kind
	Fields    logger.Fields
}

type MetricHandler func(Metric)

// MetricHandlerID is returned by RegisterMetricHandler; zero is never issued.
type MetricHandlerID uint64

type handlerSet struct {
	mu       sync.RWMutex
	lastID   MetricHandlerID
	handlers map[MetricHandlerID]MetricHandler
}

func (s *handlerSet) add(h MetricHandler) MetricHandlerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastID++
	s.handlers[s.lastID] = h
	return s.lastID
}

func (s *handlerSet) remove(id MetricHandlerID) {
	s.mu.Lock()
	delete(s.handlers, id)
	s.mu.Unlock()
}

// list copies the handlers so none is called under the lock.
func (s *handlerSet) list() []MetricHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MetricHandler, 0, len(s.handlers))
	for _, h := range s.handlers {
		out = append(out, h)
	}
	return out
}

var subscribers = &handlerSet{handlers: make(map[MetricHandlerID]MetricHandler)}

// RegisterMetricHandler subscribes h to every emitted metric. A nil h is
// ignored and yields the zero id.
func RegisterMetricHandler(h MetricHandler) MetricHandlerID {
	if h == nil {
		return 0
	}
	return subscribers.add(h)
}

func UnregisterMetricHandler(id MetricHandlerID) {
	if id != 0 {
		subscribers.remove(id)
	}
}

// EmitMetric reports value under component/name. The metric is logged at
// debug, passed to every handler, and sent to CloudWatch when numeric.
// An empty kind means Counter; a metric without a name is dropped.
func EmitMetric(log *logger.Log, component, name string, value interface{}, kind Kind, fields logger.Fields) {
	if name == "" {
		return
	}
	if kind == "" {
		kind = Counter
	}
	if log == nil {
		log = logger.GetLogger()
	}

	m := Metric{
		Timestamp: time.Now(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      kind,
		Fields:    make(logger.Fields, len(fields)),
	}
	for k, v := range fields {
		m.Fields[k] = v
	}

	log.WithComponent(component).WithFields(m.Fields).WithFields(logger.Fields{
		"metric":      name,
		"metric_type": string(kind),
		"value":       value,
	}).Debug("metric")

	for _, h := range subscribers.list() {
		h(m)
	}

	if v, ok := numeric(value); ok {
		publishMetricDatum(context.Background(), m, v)
	}
}

func numeric(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case time.Duration:
		return v.Seconds(), true
	default:
		return 0, false
	}
}

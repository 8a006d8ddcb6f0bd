package logger

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// unscoped collects lines logged without a component field.
const unscoped = "main"

type levelCounts struct {
	warns  atomic.Int64
	errors atomic.Int64
}

var components sync.Map // component -> *levelCounts

// ComponentCounts is the number of warnings and errors logged by one component.
type ComponentCounts struct {
	Warnings int64 `json:"warnings"`
	Errors   int64 `json:"errors"`
}

// countingHook tallies warnings and errors per component for the status API.
type countingHook struct{}

func (countingHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel}
}

func (countingHook) Fire(entry *logrus.Entry) error {
	component, _ := entry.Data[ComponentKey].(string)
	if component == "" {
		component = unscoped
	}
	v, _ := components.LoadOrStore(component, &levelCounts{})
	c := v.(*levelCounts)
	if entry.Level == logrus.WarnLevel {
		c.warns.Add(1)
	} else {
		c.errors.Add(1)
	}
	return nil
}

// Counts returns warning and error totals keyed by component.
func Counts() map[string]ComponentCounts {
	out := make(map[string]ComponentCounts)
	components.Range(func(k, v any) bool {
		c := v.(*levelCounts)
		out[k.(string)] = ComponentCounts{
			Warnings: c.warns.Load(),
			Errors:   c.errors.Load(),
		}
		return true
	})
	return out
}

package dashboard

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"kiteflow/internal/metrics"
)

// history keeps the newest limit items.
type history[T any] struct {
	mu    sync.RWMutex
	items []T
	limit int
}

func newHistory[T any](limit int) *history[T] {
	if limit <= 0 {
		limit = 200
	}
	return &history[T]{limit: limit}
}

func (h *history[T]) add(item T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, item)
	if over := len(h.items) - h.limit; over > 0 {
		h.items = append([]T(nil), h.items[over:]...)
	}
}

func (h *history[T]) snapshot() []T {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]T, len(h.items))
	copy(out, h.items)
	return out
}

// metricStore records every metric event while the dashboard runs.
type metricStore struct {
	*history[metrics.Metric]
}

func newMetricStore(limit int) *metricStore {
	return &metricStore{newHistory[metrics.Metric](limit)}
}

func (s *metricStore) handle(m metrics.Metric) { s.add(m) }

type logRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// logStore is a logrus hook keeping recent entries at or above minLevel.
type logStore struct {
	*history[logRecord]
	minLevel logrus.Level
	enabled  atomic.Bool
}

func newLogStore(limit int, minLevel logrus.Level) *logStore {
	s := &logStore{history: newHistory[logRecord](limit), minLevel: minLevel}
	s.enabled.Store(true)
	return s
}

func (s *logStore) Levels() []logrus.Level {
	var out []logrus.Level
	for _, l := range logrus.AllLevels {
		if l <= s.minLevel {
			out = append(out, l)
		}
	}
	return out
}

func (s *logStore) Fire(entry *logrus.Entry) error {
	if !s.enabled.Load() {
		return nil
	}
	rec := logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
	}
	for k, v := range entry.Data {
		if k == "component" {
			rec.Component, _ = v.(string)
			continue
		}
		if rec.Fields == nil {
			rec.Fields = make(map[string]interface{}, len(entry.Data))
		}
		switch val := v.(type) {
		case error:
			rec.Fields[k] = val.Error()
		case fmt.Stringer:
			rec.Fields[k] = val.String()
		default:
			rec.Fields[k] = val
		}
	}
	s.add(rec)
	return nil
}

func (s *logStore) close() { s.enabled.Store(false) }

package metrics

import (
	"context"
	"strings"
	"sync"
	"time"

	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"kiteflow/logger"
)

// Metric is a structured metric event.
type Metric struct {
	Timestamp time.Time     `json:"timestamp"`
	Component string        `json:"component"`
	Name      string        `json:"name"`
	Value     interface{}   `json:"value"`
	Type      string        `json:"type"`
	Fields    logger.Fields `json:"fields,omitempty"`
}

type MetricHandler func(Metric)

type MetricHandlerID uint64

var (
	handlersMu    sync.RWMutex
	handlers      = make(map[MetricHandlerID]MetricHandler)
	nextHandlerID MetricHandlerID

	// CloudWatch is billed per datum; each component/name pair is sent at
	// most once per interval.
	cloudWatchPublishInterval = 30 * time.Second
	lastPublishMu             sync.Mutex
	lastPublish               = make(map[string]time.Time)

	timeNow     = time.Now
	publishFunc = logger.PublishMetric
)

// RegisterMetricHandler adds a handler that receives every emitted metric.
// A nil handler yields id 0.
func RegisterMetricHandler(handler MetricHandler) MetricHandlerID {
	if handler == nil {
		return 0
	}
	handlersMu.Lock()
	defer handlersMu.Unlock()
	nextHandlerID++
	handlers[nextHandlerID] = handler
	return nextHandlerID
}

func UnregisterMetricHandler(id MetricHandlerID) {
	if id == 0 {
		return
	}
	handlersMu.Lock()
	delete(handlers, id)
	handlersMu.Unlock()
}

// EmitMetric logs the metric, hands it to registered handlers and forwards
// numeric values to CloudWatch.
func EmitMetric(log *logger.Log, component, name string, value interface{}, metricType string, fields logger.Fields) {
	if name == "" {
		return
	}
	if log == nil {
		log = logger.GetLogger()
	}
	if metricType == "" {
		metricType = "counter"
	}

	m := Metric{
		Timestamp: timeNow(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    cloneFields(fields),
	}

	logFields := cloneFields(m.Fields)
	logFields["metric"] = name
	logFields["metric_type"] = metricType
	logFields["value"] = value
	log.WithComponent(component).WithFields(logFields).Debug("metric")

	dispatch(m)

	if v, ok := toFloat64(value); ok {
		publishThrottled(m, v)
	}
}

func dispatch(m Metric) {
	handlersMu.RLock()
	list := make([]MetricHandler, 0, len(handlers))
	for _, h := range handlers {
		list = append(list, h)
	}
	handlersMu.RUnlock()

	for _, h := range list {
		h(m)
	}
}

func publishThrottled(m Metric, value float64) {
	key := m.Component + "/" + m.Name
	now := timeNow()

	lastPublishMu.Lock()
	if last, ok := lastPublish[key]; ok && now.Sub(last) < cloudWatchPublishInterval {
		lastPublishMu.Unlock()
		return
	}
	lastPublish[key] = now
	lastPublishMu.Unlock()

	unit := cwtypes.StandardUnitCount
	dims := make(logger.Fields, len(m.Fields))
	for k, v := range m.Fields {
		if k == "unit" {
			if s, ok := v.(string); ok {
				if u, found := unitFromString(s); found {
					unit = u
				}
			}
			continue
		}
		dims[k] = v
	}
	publishFunc(context.Background(), m.Component, m.Name, value, unit, dims)
}

func resetPublishTimes() {
	lastPublishMu.Lock()
	lastPublish = make(map[string]time.Time)
	lastPublishMu.Unlock()
}

func unitFromString(s string) (cwtypes.StandardUnit, bool) {
	switch strings.ToLower(s) {
	case "count", "":
		return cwtypes.StandardUnitCount, true
	case "bytes":
		return cwtypes.StandardUnitBytes, true
	case "ms", "milliseconds":
		return cwtypes.StandardUnitMilliseconds, true
	case "seconds":
		return cwtypes.StandardUnitSeconds, true
	case "percent":
		return cwtypes.StandardUnitPercent, true
	case "count/second":
		return cwtypes.StandardUnitCountSecond, true
	}
	return "", false
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func cloneFields(fields logger.Fields) logger.Fields {
	out := make(logger.Fields, len(fields)+3)
	for k, v := range fields {
		out[k] = v
	}
	return out
}

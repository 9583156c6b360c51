package connection

import (
	"context"
	"sync"
	"time"

	"kiteflow/config"
	"kiteflow/internal/metrics"
	"kiteflow/logger"
)

// Issue is one unhealthy socket found by a health pass.
type Issue struct {
	ConnID string
	Symbol string
	Reason string
}

const (
	reasonNotOpen       = "not_open"
	reasonInactive      = "inactive"
	reasonSharedMissing = "shared_missing"
)

// HealthMonitor periodically looks for sockets that are closed or silent and
// optionally reconnects them.
type HealthMonitor struct {
	m   *Manager
	cfg config.HealthConfig
	log *logger.Log
	now func() time.Time

	wg     sync.WaitGroup
	cancel context.CancelFunc
	mu     sync.Mutex
}

func NewHealthMonitor(m *Manager, cfg config.HealthConfig, log *logger.Log) *HealthMonitor {
	if log == nil {
		log = logger.GetLogger()
	}
	return &HealthMonitor{m: m, cfg: cfg, log: log, now: time.Now}
}

func (h *HealthMonitor) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return
	}
	interval := h.cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ctx, h.cancel = context.WithCancel(ctx)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				h.Check(ctx)
			}
		}
	}()
	h.log.WithComponent("health").WithField("interval", interval.String()).Info("health monitor started")
}

func (h *HealthMonitor) Stop() {
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	h.wg.Wait()
}

// Check runs one health pass and returns what it found. With auto reconnect
// enabled, unhealthy sockets are reopened before it returns.
func (h *HealthMonitor) Check(ctx context.Context) []Issue {
	log := h.log.WithComponent("health")
	now := h.now()
	statuses := h.m.Snapshot()

	var issues []Issue
	sharedSeen := false
	for _, st := range statuses {
		if st.Shared {
			sharedSeen = true
		}
		switch {
		case st.State != StateOpen:
			issues = append(issues, Issue{ConnID: st.ID, Symbol: st.Symbol, Reason: reasonNotOpen})
		case h.cfg.InactivityTimeout > 0 && now.Sub(st.LastActivity) > h.cfg.InactivityTimeout:
			issues = append(issues, Issue{ConnID: st.ID, Symbol: st.Symbol, Reason: reasonInactive})
		}
	}
	if !sharedSeen && h.m.wantsShared() {
		issues = append(issues, Issue{Reason: reasonSharedMissing})
	}

	metrics.EmitMetric(h.log, "health", "unhealthy_connections", len(issues), "gauge", logger.Fields{
		"connections": len(statuses),
	})

	for _, is := range issues {
		log.WithFields(logger.Fields{
			"conn_id": is.ConnID,
			"symbol":  is.Symbol,
			"reason":  is.Reason,
		}).Warn("unhealthy connection")

		if !h.cfg.AutoReconnect {
			continue
		}
		var ok bool
		switch {
		case is.Symbol != "" && is.Reason == reasonInactive:
			ok = h.m.ReconnectDedicated(ctx, is.Symbol)
		case is.Symbol != "":
			ok = h.m.CreateDedicatedConnection(ctx, is.Symbol)
		case is.Reason == reasonInactive:
			ok = h.m.ReconnectShared(ctx)
		default:
			ok = h.m.EnsureSharedConnection(ctx)
		}
		log.WithFields(logger.Fields{"symbol": is.Symbol, "success": ok}).Info("reconnect attempted")
	}
	return issues
}

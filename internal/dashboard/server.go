// Package dashboard serves a JSON status API over the running pipeline:
// sockets, subscriptions, straddles, recent metrics and logs.
package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"kiteflow/config"
	"kiteflow/internal/connection"
	"kiteflow/internal/metrics"
	"kiteflow/internal/straddle"
	"kiteflow/internal/subscription"
	"kiteflow/logger"
)

type ConnectionSource interface {
	Snapshot() []connection.Status
}

type SubscriptionSource interface {
	Subscriptions() []subscription.Subscription
}

type StraddleSource interface {
	Snapshots() []straddle.Snapshot
	State(synthetic string) (straddle.Snapshot, error)
}

// Sources are the components the dashboard reports on. Any of them may be
// nil.
type Sources struct {
	Connections   ConnectionSource
	Subscriptions SubscriptionSource
	Straddles     StraddleSource
}

type Server struct {
	cfg     config.DashboardConfig
	log     *logger.Log
	src     Sources
	started time.Time

	metrics   *metricStore
	metricID  metrics.MetricHandlerID
	logs      *logStore
	processes *processSampler

	httpServer *http.Server
}

// NewServer returns nil when the dashboard is disabled.
func NewServer(cfg config.DashboardConfig, src Sources, log *logger.Log) *Server {
	if !cfg.Enabled {
		return nil
	}
	if log == nil {
		log = logger.GetLogger()
	}
	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}

	s := &Server{
		cfg:       cfg,
		log:       log,
		src:       src,
		started:   time.Now(),
		metrics:   newMetricStore(cfg.MetricsHistory),
		logs:      newLogStore(cfg.LogHistory, logrus.InfoLevel),
		processes: newProcessSampler(cfg.MetricsHistory, cfg.RefreshInterval, log),
	}
	s.metricID = metrics.RegisterMetricHandler(s.metrics.handle)
	log.AddHook(s.logs)
	return s
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context, appName string) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	router, err := s.buildRouter(appName)
	if err != nil {
		return err
	}
	s.processes.start(ctx)

	s.httpServer = &http.Server{Addr: s.cfg.Address, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.WithComponent("dashboard").WithField("address", s.cfg.Address).Info("dashboard listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricID)
	s.logs.close()
	s.processes.stop()
}

func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter(appName string) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", s.handleHealth)
	api := router.Group("/api")
	api.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"app":           appName,
			"uptime":        time.Since(s.started).Round(time.Second).String(),
			"connections":   s.connections(),
			"subscriptions": s.subscriptions(),
			"straddles":     s.straddles(),
		})
	})
	api.GET("/connections", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"connections": s.connections()})
	})
	api.GET("/subscriptions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"subscriptions": s.subscriptions()})
	})
	api.GET("/straddles", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"straddles": s.straddles()})
	})
	api.GET("/straddles/:symbol", s.handleStraddle)
	api.GET("/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"metrics": s.metrics.snapshot()})
	})
	api.GET("/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": s.logs.snapshot()})
	})
	api.GET("/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": s.processes.samples.snapshot()})
	})
	return router, nil
}

// handleHealth is 200 while the shared socket is open.
func (s *Server) handleHealth(c *gin.Context) {
	for _, st := range s.connections() {
		if st.Shared && st.State == connection.StateOpen {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"status": "shared connection not open"})
}

func (s *Server) handleStraddle(c *gin.Context) {
	if s.src.Straddles == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no straddles configured"})
		return
	}
	snap, err := s.src.Straddles.State(c.Param("symbol"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) connections() []connection.Status {
	if s.src.Connections == nil {
		return []connection.Status{}
	}
	return s.src.Connections.Snapshot()
}

func (s *Server) subscriptions() []subscription.Subscription {
	if s.src.Subscriptions == nil {
		return []subscription.Subscription{}
	}
	return s.src.Subscriptions.Subscriptions()
}

func (s *Server) straddles() []straddle.Snapshot {
	if s.src.Straddles == nil {
		return []straddle.Snapshot{}
	}
	return s.src.Straddles.Snapshots()
}

// normalizeAddress turns loose address forms (":9000", "localhost",
// "http://host:port/") into host:port, defaulting to 0.0.0.0:8080.
func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8080"
	}
	if strings.Contains(addr, "://") {
		if u, err := url.Parse(addr); err == nil && u.Host != "" {
			addr = u.Host
		}
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}
	return net.JoinHostPort(strings.Trim(addr, "[]"), "8080")
}

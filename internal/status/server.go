package status

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/alisitki/quantlab/config"
	"github.com/alisitki/quantlab/internal/metrics"
	"github.com/alisitki/quantlab/logger"
	"github.com/alisitki/quantlab/reader"
)

const (
	defaultHost = "127.0.0.1"
	defaultPort = "9100"
)

// Connection is a live exchange session. *reader.Supervisor satisfies it.
type Connection interface {
	Name() string
	State() reader.State
}

// QueueView exposes the event queue depth. *queue.Queue satisfies it.
type QueueView interface {
	Len() int
	Cap() int
}

// RuntimeView exposes collector counters. *metrics.Runtime satisfies it.
type RuntimeView interface {
	Snapshot(queueDepth int) metrics.Snapshot
}

// Info describes what the collector was configured to collect.
type Info struct {
	StorageBackend string
	DataDir        string
	Symbols        []string
	Streams        map[string][]string
}

// Server is the read-only HTTP status API.
type Server struct {
	cfg     config.StatusConfig
	info    Info
	log     *logger.Log
	runtime RuntimeView
	queue   QueueView
	conns   []Connection

	metricStore   *ring[metrics.Metric]
	metricHandler metrics.MetricHandlerID
	logStore      *logStore
	sampler       *hostSampler

	router     *gin.Engine
	httpServer *http.Server
}

// NewServer builds the status API. It returns nil when the API is disabled.
func NewServer(cfg config.StatusConfig, info Info, rt RuntimeView, q QueueView, conns []Connection, log *logger.Log) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.History <= 0 {
		cfg.History = 200
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 5 * time.Second
	}

	s := &Server{
		cfg:         cfg,
		info:        info,
		log:         log,
		runtime:     rt,
		queue:       q,
		conns:       conns,
		metricStore: newRing[metrics.Metric](cfg.History),
		logStore:    newLogStore(cfg.History),
		sampler:     newHostSampler(cfg.History, cfg.SampleInterval, info.DataDir),
	}

	router, err := s.buildRouter()
	if err != nil {
		return nil, err
	}
	s.router = router

	s.metricHandler = metrics.RegisterMetricHandler(s.metricStore.push)
	log.AddHook(s.logStore)

	return s, nil
}

// Address reports the listen address.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	s.sampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.WithComponent("status").WithFields(logger.Fields{"address": s.cfg.Address}).Info("status api listening")

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
	metrics.UnregisterMetricHandler(s.metricHandler)
	s.logStore.close()
	s.sampler.stop()
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/health", s.handleHealth)
	router.GET("/streams", s.handleStreams)
	router.GET("/metrics", s.handleMetrics)
	router.GET("/metrics/prometheus", gin.WrapH(metrics.Handler()))
	router.GET("/metrics/recent", s.handleRecentMetrics)
	router.GET("/logs", s.handleLogs)
	router.GET("/resources", s.handleResources)

	return router, nil
}

func (s *Server) queueDepth() int {
	if s.queue == nil {
		return 0
	}
	return s.queue.Len()
}

func (s *Server) handleHealth(c *gin.Context) {
	snap := s.runtime.Snapshot(s.queueDepth())

	conns := make(map[string]string, len(s.conns))
	for _, conn := range s.conns {
		conns[conn.Name()] = conn.State().String()
	}

	c.JSON(http.StatusOK, gin.H{
		"status":          "running",
		"uptime_sec":      snap.UptimeSec,
		"queue_size":      snap.QueueSize,
		"storage_backend": s.info.StorageBackend,
		"last_event_ts":   snap.LastEventTs,
		"last_write_ts":   snap.LastWriteTs,
		"connections":     conns,
	})
}

func (s *Server) handleStreams(c *gin.Context) {
	symbols := s.info.Symbols
	if symbols == nil {
		symbols = []string{}
	}
	streams := s.info.Streams
	if streams == nil {
		streams = map[string][]string{}
	}
	c.JSON(http.StatusOK, gin.H{
		"symbols": symbols,
		"streams": streams,
	})
}

func (s *Server) handleMetrics(c *gin.Context) {
	snap := s.runtime.Snapshot(s.queueDepth())
	capacity := 0
	if s.queue != nil {
		capacity = s.queue.Cap()
	}

	c.JSON(http.StatusOK, gin.H{
		"events_per_sec": snap.EventsPerSec,
		"event_counts":   snap.EventCounts,
		"queue_size":     snap.QueueSize,
		"queue_capacity": capacity,
		"total_events":   snap.TotalEvents,
		"dropped_frames": snap.DroppedFrames,
		"writer":         snap.Writer,
		"log_counts":     logger.Counts(),
	})
}

func (s *Server) handleRecentMetrics(c *gin.Context) {
	recent := s.metricStore.snapshot()
	payload := make([]gin.H, 0, len(recent))
	for _, m := range recent {
		payload = append(payload, gin.H{
			"timestamp": m.Timestamp.Format(time.RFC3339Nano),
			"component": m.Component,
			"name":      m.Name,
			"value":     m.Value,
			"type":      m.Type,
			"fields":    m.Fields,
		})
	}
	c.JSON(http.StatusOK, gin.H{"metrics": payload})
}

func (s *Server) handleLogs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"logs": s.logStore.snapshot()})
}

func (s *Server) handleResources(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"resources": s.sampler.snapshot()})
}

// normalizeAddress turns user input such as ":9100", "localhost" or
// "http://host:port/" into a host:port listen address.
func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return net.JoinHostPort(defaultHost, defaultPort)
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil && parsed.Host != "" {
			addr = parsed.Host
		}
	}

	if host, port, err := net.SplitHostPort(addr); err == nil {
		switch host {
		case "":
			host = defaultHost
		case "*":
			host = "0.0.0.0"
		}
		if port == "" {
			port = defaultPort
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil || !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, defaultPort)
	}
	return addr
}

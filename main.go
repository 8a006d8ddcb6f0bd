package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/alisitki/quantlab/config"
	"github.com/alisitki/quantlab/internal/metrics"
	"github.com/alisitki/quantlab/internal/queue"
	"github.com/alisitki/quantlab/internal/status"
	"github.com/alisitki/quantlab/logger"
	"github.com/alisitki/quantlab/models"
	"github.com/alisitki/quantlab/reader"
	"github.com/alisitki/quantlab/reader/binance"
	"github.com/alisitki/quantlab/writer"
)

const shutdownTimeout = 30 * time.Second

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultPath, "Path to configuration file")
	flag.Parse()

	path := config.ResolveConfigPath(*configPath)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{"path": path}).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(logger.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		MaxAge: cfg.Logging.MaxAge,
	}); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Collector.Name,
		"version": cfg.Collector.Version,
		"env":     config.AppEnvironment(),
		"config":  path,
	}).Info("starting collector")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.Init()
	if cfg.Metrics.CloudWatch.Enabled {
		metrics.InitCloudWatch(ctx, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace)
	}

	events := queue.New(cfg.Queue.Capacity)
	rt := metrics.NewRuntime(cfg.Metrics.EPSInterval)

	backend, err := writer.NewBackend(ctx, cfg)
	if err != nil {
		log.WithError(err).Error("failed to create storage backend")
		os.Exit(1)
	}

	w := writer.New(events, backend, rt, writer.Options{
		BufferSize:     cfg.Writer.BufferSize,
		FlushInterval:  cfg.Writer.FlushInterval,
		MaxWorkers:     cfg.Writer.MaxWorkers,
		ReportInterval: cfg.Metrics.ReportInterval,
	})
	if err := w.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start writer")
		os.Exit(1)
	}

	var supervisors []*reader.Supervisor
	if cfg.Source.Binance.Enabled {
		bc := cfg.Source.Binance
		supervisors = append(supervisors, reader.NewSupervisor(binance.New(bc.URL), reader.Options{
			Symbols:           bc.Symbols,
			ReconnectDelay:    bc.ReconnectDelay,
			MaxReconnectDelay: bc.MaxReconnectDelay,
			PingInterval:      bc.PingInterval,
			PingTimeout:       bc.PingTimeout,
		}, events, rt))
	}

	var wg sync.WaitGroup

	for _, s := range supervisors {
		wg.Add(1)
		go func(s *reader.Supervisor) {
			defer wg.Done()
			if err := s.Start(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, queue.ErrClosed) {
				log.WithError(err).WithFields(logger.Fields{"exchange": s.Name()}).Warn("supervisor exited")
			}
		}(s)
	}

	metrics.StartReport(ctx, rt, events.Len, cfg.Metrics.ReportInterval)

	conns := make([]status.Connection, 0, len(supervisors))
	for _, s := range supervisors {
		conns = append(conns, s)
	}
	srv, err := status.NewServer(cfg.Status, status.Info{
		StorageBackend: backend.Name(),
		DataDir:        cfg.Storage.Local.DataDir,
		Symbols:        cfg.Source.Binance.Symbols,
		Streams:        streamCatalog(supervisors),
	}, rt, events, conns, log)
	if err != nil {
		log.WithError(err).Error("failed to create status api")
		os.Exit(1)
	}

	statusCtx, stopStatus := context.WithCancel(context.Background())
	statusDone := make(chan struct{})
	go func() {
		defer close(statusDone)
		if err := srv.Run(statusCtx); err != nil {
			log.WithError(err).Warn("status api stopped")
		}
	}()

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("stopping exchange connections")
	for _, s := range supervisors {
		s.Stop()
	}
	wg.Wait()

	// Readers are gone, so the writer can drain what is left.
	events.Close()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := w.Stop(stopCtx); err != nil {
		log.WithError(err).Warn("writer did not drain before the shutdown deadline")
	}

	cancel()
	stopStatus()
	<-statusDone

	snap := rt.Snapshot(events.Len())
	log.WithFields(logger.Fields{
		"total_events":   snap.TotalEvents,
		"dropped_frames": snap.DroppedFrames,
		"events_written": snap.Writer.EventsWritten,
		"write_errors":   snap.Writer.ErrorsCount,
	}).Info("collector stopped")
}

func streamCatalog(supervisors []*reader.Supervisor) map[string][]string {
	kinds := make([]string, 0, len(models.StreamKinds))
	for _, k := range models.StreamKinds {
		kinds = append(kinds, string(k))
	}
	out := make(map[string][]string, len(supervisors))
	for _, s := range supervisors {
		out[s.Name()] = kinds
	}
	return out
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/honeytrap-sensor/internal/config"
	"github.com/invisible-tech/honeytrap-sensor/internal/profiler"
	"github.com/invisible-tech/honeytrap-sensor/internal/server"
	"github.com/invisible-tech/honeytrap-sensor/internal/trap"
	"github.com/invisible-tech/honeytrap-sensor/internal/types"
	"github.com/invisible-tech/honeytrap-sensor/internal/version"
	"github.com/invisible-tech/honeytrap-sensor/pkg/reporter"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg := config.DefaultDaemonConfig()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	log.WithField("version", version.Version).Info("Starting trapd")

	trapCfg := config.DefaultTrapConfig()
	if cfg.ConfigFile != "" {
		trapCfg, err = config.LoadTrapConfig(cfg.ConfigFile)
		if err != nil {
			log.WithError(err).Fatal("Failed to load trap config")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sinks, closeSinks := buildSinks(cfg, log)
	defer closeSinks()
	rep := reporter.New(reporter.Config{QueueSize: cfg.ReportQueueSize, SendTimeout: cfg.ReportTimeout}, log, sinks...)
	reporterDone := make(chan struct{})
	go func() {
		defer close(reporterDone)
		rep.Start(ctx)
	}()

	d := &daemon{
		log:      log,
		metrics:  trap.NewMetrics(nil),
		profiler: profiler.New(log),
		reporter: rep,
	}
	engine, err := d.build(trapCfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to build trap engine")
	}
	d.start(engine)

	srv := server.New(cfg.HTTPAddr, engine, d.metrics.Registry, rep, log)
	d.srv = srv
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("API server failed")
		}
	}()

	if cfg.ConfigFile != "" && cfg.WatchConfig {
		w, err := config.NewWatcher(cfg.ConfigFile, 0, d.reload, log)
		if err != nil {
			log.WithError(err).Warn("Config hot reload disabled")
		} else {
			go w.Start(ctx)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down trapd")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	d.stop(shutdownCtx)

	cancel()
	select {
	case <-reporterDone:
	case <-shutdownCtx.Done():
		log.Warn("Reporter did not flush before shutdown timeout")
	}
	stats := rep.Stats()
	log.WithFields(logrus.Fields{
		"sent":    stats.Sent,
		"dropped": stats.Dropped,
		"failed":  stats.Failed,
	}).Info("trapd stopped")
}

// daemon owns the current engine and swaps it on config reload. The
// profiler and metrics outlive individual engines.
type daemon struct {
	log      *logrus.Logger
	metrics  *trap.Metrics
	profiler *profiler.Profiler
	reporter *reporter.Reporter
	srv      *server.Server

	mu     sync.Mutex
	engine *trap.Engine
}

func (d *daemon) build(cfg config.TrapConfig) (*trap.Engine, error) {
	e, err := trap.New(cfg, d.log, trap.WithProfiler(d.profiler), trap.WithMetrics(d.metrics))
	if err != nil {
		return nil, err
	}
	e.OnIntel(func(r *types.TrapIntelligence) {
		d.reporter.Enqueue(r)
	})
	return e, nil
}

// start runs e and makes it current. Partial bind failures are logged by
// the engine and tolerated.
func (d *daemon) start(e *trap.Engine) {
	if err := e.Start(); err != nil {
		var startErr *trap.StartError
		if !errors.As(err, &startErr) {
			d.log.WithError(err).Error("Trap engine failed to start")
		}
	}
	d.mu.Lock()
	d.engine = e
	d.mu.Unlock()
	if d.srv != nil {
		d.srv.SetEngine(e)
	}
}

func (d *daemon) stop(ctx context.Context) {
	d.mu.Lock()
	e := d.engine
	d.mu.Unlock()
	if e == nil {
		return
	}
	if err := e.Stop(ctx); err != nil {
		d.log.WithError(err).Warn("Trap engine stopped with errors")
	}
}

// reload builds an engine from cfg, stops the old one so its ports are
// free, then starts the new one. An invalid config keeps the old engine.
func (d *daemon) reload(cfg config.TrapConfig) {
	next, err := d.build(cfg)
	if err != nil {
		d.log.WithError(err).Warn("Keeping current trap engine")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracePeriod+5*time.Second)
	defer cancel()
	d.stop(ctx)
	d.start(next)
	d.log.WithField("services", len(cfg.EnabledServices())).Info("Trap engine reloaded")
}

// buildSinks wires every configured outbound sink. The returned func
// closes any connections opened here.
func buildSinks(cfg config.DaemonConfig, log *logrus.Logger) ([]reporter.Sink, func()) {
	var sinks []reporter.Sink
	closers := []func(){}

	if cfg.ReportEndpoint != "" {
		httpSink := reporter.NewHTTPSink(reporter.HTTPConfig{
			Endpoint: cfg.ReportEndpoint,
			APIKey:   cfg.ReportAPIKey,
			Timeout:  cfg.ReportTimeout,
		}, log)
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ReportTimeout)
		if err := httpSink.HealthCheck(ctx); err != nil {
			log.WithError(err).Warn("Intel collector health check failed")
		}
		cancel()
		sinks = append(sinks, httpSink)
	}

	if cfg.NATSURL != "" {
		nc, err := reporter.ConnectNATS(cfg.NATSURL, "trapd", log)
		if err != nil {
			log.WithError(err).Error("NATS sink disabled")
		} else {
			sink, err := reporter.NewNATSSink(nc, reporter.NATSConfig{
				SubjectPrefix: cfg.NATSSubjectPrefix,
				Compress:      cfg.NATSCompress,
			}, log)
			if err != nil {
				log.WithError(err).Error("NATS sink disabled")
				nc.Close()
			} else {
				sinks = append(sinks, sink)
				closers = append(closers, func() { nc.Drain() })
			}
		}
	}

	if cfg.SyslogEnabled {
		sinks = append(sinks, reporter.NewSyslogSink(os.Stdout, cfg.SyslogAppName))
	}

	return sinks, func() {
		for _, c := range closers {
			c()
		}
	}
}

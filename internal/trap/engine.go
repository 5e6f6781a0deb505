// Package trap orchestrates the decoy services and feeds every completed
// session through the profiler and the intelligence builder.
package trap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/honeytrap-sensor/internal/config"
	"github.com/invisible-tech/honeytrap-sensor/internal/detection"
	"github.com/invisible-tech/honeytrap-sensor/internal/intel"
	"github.com/invisible-tech/honeytrap-sensor/internal/profiler"
	"github.com/invisible-tech/honeytrap-sensor/internal/types"
	"github.com/invisible-tech/honeytrap-sensor/pkg/decoy"
)

const defaultRetention = 10000

// Status is the engine lifecycle state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
)

// IntelHandler receives every intelligence record the engine builds.
type IntelHandler func(*types.TrapIntelligence)

// ServiceInfo is a read-only view of one decoy service.
type ServiceInfo struct {
	Type           types.ServiceType `json:"type"`
	Port           int               `json:"port"`
	Status         decoy.Status      `json:"status"`
	ActiveSessions int               `json:"active_sessions"`
	TotalSessions  int64             `json:"total_sessions"`
}

// StartError lists the services that failed to start. The remaining
// services keep running.
type StartError struct {
	Failed map[types.ServiceType]error
}

func (e *StartError) Error() string {
	names := make([]string, 0, len(e.Failed))
	for t := range e.Failed {
		names = append(names, string(t))
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", n, e.Failed[types.ServiceType(n)]))
	}
	return fmt.Sprintf("%d decoy service(s) failed to start: %s", len(e.Failed), strings.Join(parts, "; "))
}

func (e *StartError) Unwrap() []error {
	out := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		out = append(out, err)
	}
	return out
}

// Option configures an Engine.
type Option func(*Engine)

// WithProfiler shares a profiler across engines, e.g. across config reloads.
func WithProfiler(p *profiler.Profiler) Option {
	return func(e *Engine) { e.profiler = p }
}

// WithMetrics records engine activity on m.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine owns the decoy services, the completed-session store and the
// intelligence reports. Its config is fixed at construction.
type Engine struct {
	cfg      config.TrapConfig
	log      *logrus.Logger
	services []decoy.Service
	profiler *profiler.Profiler
	builder  *intel.Builder
	metrics  *Metrics

	completed *lru.Cache[string, *types.Session]

	// lifecycle serialises Start and Stop.
	lifecycle sync.Mutex

	mu        sync.RWMutex
	status    Status
	startedAt time.Time
	running   []decoy.Service
	failed    map[types.ServiceType]error

	reportsMu sync.RWMutex
	reports   []*types.TrapIntelligence

	handlersMu      sync.RWMutex
	sessionHandlers []decoy.SessionHandler
	intelHandlers   []IntelHandler
}

// New validates cfg and builds, but does not start, every enabled decoy.
// Configuration errors, including unsupported protocols, fail here.
func New(cfg config.TrapConfig, log *logrus.Logger, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:     cfg,
		log:     log,
		builder: intel.NewBuilder(log),
		status:  StatusIdle,
		failed:  make(map[types.ServiceType]error),
	}
	for _, o := range opts {
		o(e)
	}
	if e.profiler == nil {
		e.profiler = profiler.New(log)
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}
	e.metrics.setActiveSource(e.activeCount)

	retention := cfg.SessionRetention
	if retention <= 0 {
		retention = defaultRetention
	}
	completed, err := lru.New[string, *types.Session](retention)
	if err != nil {
		return nil, fmt.Errorf("failed to create session store: %w", err)
	}
	e.completed = completed

	decoyOpts := decoy.Options{
		BindAddress:        cfg.BindAddress,
		Hostname:           cfg.Hostname,
		IdleTimeout:        cfg.IdleTimeout,
		MaxSessionDuration: cfg.MaxSessionDuration,
		GracePeriod:        cfg.GracePeriod,
		ShellAfterAttempts: cfg.ShellAfterAttempts,
		MaxCommands:        cfg.MaxCommandsPerSession,
		Detector:           detection.NewEngine(),
	}
	for _, sc := range cfg.EnabledServices() {
		svc, err := decoy.New(sc.Type, sc.Port, decoyOpts, log)
		if err != nil {
			return nil, fmt.Errorf("failed to build %s decoy: %w", sc.Type, err)
		}
		svc.OnSession(e.handleSession)
		e.services = append(e.services, svc)
	}
	return e, nil
}

// Start moves the engine from idle to running and starts every service.
// Bind failures are isolated: the other services still start and the
// failures are returned as a *StartError. Starting a running engine is a
// no-op.
func (e *Engine) Start() error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if e.Status() == StatusRunning {
		return nil
	}

	var running []decoy.Service
	failed := make(map[types.ServiceType]error)
	for _, svc := range e.services {
		if err := svc.Start(); err != nil {
			failed[svc.Type()] = err
			e.metrics.servicesUp.WithLabelValues(string(svc.Type())).Set(0)
			e.log.WithError(err).WithField("service", svc.Type()).Error("Decoy failed to start")
			continue
		}
		e.metrics.servicesUp.WithLabelValues(string(svc.Type())).Set(1)
		running = append(running, svc)
	}

	e.mu.Lock()
	e.status = StatusRunning
	e.startedAt = time.Now()
	e.running = running
	e.failed = failed
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{
		"running": len(running),
		"failed":  len(failed),
	}).Info("Trap engine started")

	if len(failed) > 0 {
		return &StartError{Failed: failed}
	}
	return nil
}

// Stop stops every running service, waiting for their grace periods
// bounded by ctx. Stopping an idle engine is a no-op.
func (e *Engine) Stop(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.mu.RLock()
	if e.status != StatusRunning {
		e.mu.RUnlock()
		return nil
	}
	running := e.running
	e.mu.RUnlock()

	var wg sync.WaitGroup
	errs := make([]error, len(running))
	for i, svc := range running {
		wg.Add(1)
		go func(i int, svc decoy.Service) {
			defer wg.Done()
			if err := svc.Stop(ctx); err != nil {
				errs[i] = fmt.Errorf("failed to stop %s decoy: %w", svc.Type(), err)
			}
			e.metrics.servicesUp.WithLabelValues(string(svc.Type())).Set(0)
		}(i, svc)
	}
	wg.Wait()

	e.mu.Lock()
	e.status = StatusIdle
	e.running = nil
	e.mu.Unlock()

	e.log.Info("Trap engine stopped")
	return errors.Join(errs...)
}

// Status returns idle or running.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() config.TrapConfig {
	return e.cfg
}

// RunningServices returns views of the services that started.
func (e *Engine) RunningServices() []ServiceInfo {
	e.mu.RLock()
	running := append([]decoy.Service(nil), e.running...)
	e.mu.RUnlock()

	out := make([]ServiceInfo, 0, len(running))
	for _, svc := range running {
		out = append(out, ServiceInfo{
			Type:           svc.Type(),
			Port:           svc.Port(),
			Status:         svc.Status(),
			ActiveSessions: len(svc.ActiveSessions()),
			TotalSessions:  svc.TotalSessionCount(),
		})
	}
	return out
}

// FailedServices returns the services that failed in the last Start.
func (e *Engine) FailedServices() map[types.ServiceType]error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[types.ServiceType]error, len(e.failed))
	for k, v := range e.failed {
		out[k] = v
	}
	return out
}

// OnSession registers a handler for every completed session. Handlers run
// on the connection's goroutine after profiling and must not block long.
func (e *Engine) OnSession(h decoy.SessionHandler) {
	e.handlersMu.Lock()
	e.sessionHandlers = append(e.sessionHandlers, h)
	e.handlersMu.Unlock()
}

// OnIntel registers a handler for every intelligence record built.
func (e *Engine) OnIntel(h IntelHandler) {
	e.handlersMu.Lock()
	e.intelHandlers = append(e.intelHandlers, h)
	e.handlersMu.Unlock()
}

// Profiler exposes the engine's profiler for queries.
func (e *Engine) Profiler() *profiler.Profiler {
	return e.profiler
}

// CompletedSessions returns retained sessions, oldest first. The sessions
// are shared and must be treated as read-only.
func (e *Engine) CompletedSessions() []*types.Session {
	return e.completed.Values()
}

// IntelReports returns retained intelligence records, oldest first.
func (e *Engine) IntelReports() []*types.TrapIntelligence {
	e.reportsMu.RLock()
	defer e.reportsMu.RUnlock()
	return append([]*types.TrapIntelligence(nil), e.reports...)
}

// IntelSummary aggregates the retained intelligence records.
func (e *Engine) IntelSummary() types.IntelSummary {
	return intel.GenerateIntelSummary(e.IntelReports())
}

// Statistics is computed at call time. Every protocol and skill level is
// present, zero when unseen. Session totals come from the services'
// monotonic counters; the remaining figures cover retained and active
// sessions.
func (e *Engine) Statistics() types.TrapStatistics {
	stats := types.TrapStatistics{
		SessionsByService: make(map[types.ServiceType]int),
		SkillDistribution: make(map[types.SkillLevel]int),
	}
	for _, t := range types.AllServiceTypes {
		stats.SessionsByService[t] = 0
	}
	for _, l := range types.AllSkillLevels {
		stats.SkillDistribution[l] = 0
	}

	e.mu.RLock()
	running := append([]decoy.Service(nil), e.running...)
	if e.status == StatusRunning {
		stats.UptimeMs = time.Since(e.startedAt).Milliseconds()
	}
	e.mu.RUnlock()

	ips := make(map[string]struct{})
	for _, s := range e.completed.Values() {
		ips[s.SourceIP] = struct{}{}
		stats.TotalCredentialAttempts += len(s.Credentials)
		stats.TotalCommandsCaptured += len(s.Commands)
		stats.SkillDistribution[detection.EstimateSession(s).Level]++
	}
	for _, svc := range e.services {
		n := int(svc.TotalSessionCount())
		stats.SessionsByService[svc.Type()] += n
		stats.TotalSessions += n
	}
	for _, svc := range running {
		for _, s := range svc.ActiveSessions() {
			stats.ActiveSessions++
			ips[s.SourceIP] = struct{}{}
			stats.TotalCredentialAttempts += len(s.Credentials)
			stats.TotalCommandsCaptured += len(s.Commands)
			stats.SkillDistribution[detection.EstimateSession(s).Level]++
		}
	}
	stats.UniqueSourceIPs = len(ips)
	return stats
}

func (e *Engine) activeCount() int {
	e.mu.RLock()
	running := append([]decoy.Service(nil), e.running...)
	e.mu.RUnlock()
	n := 0
	for _, svc := range running {
		n += len(svc.ActiveSessions())
	}
	return n
}

// handleSession runs on the completing connection's goroutine.
func (e *Engine) handleSession(s *types.Session) {
	profile := e.profiler.ProcessSession(s)
	e.completed.Add(s.ID, s)

	svc := string(s.ServiceType)
	e.metrics.sessions.WithLabelValues(svc).Inc()
	e.metrics.credentials.WithLabelValues(svc).Add(float64(len(s.Credentials)))
	e.metrics.commands.WithLabelValues(svc).Add(float64(len(s.Commands)))
	for _, t := range s.MitreTechniques {
		e.metrics.techniques.WithLabelValues(t).Inc()
	}

	record := e.builder.BuildTrapIntel(s, &profile)
	if record != nil {
		e.storeReport(record)
		e.metrics.intel.WithLabelValues(string(record.AttackType)).Inc()
	} else {
		e.metrics.intelFiltered.Inc()
	}

	logger := e.log.WithFields(logrus.Fields{
		"session_id":  s.ID,
		"service":     s.ServiceType,
		"source_ip":   s.SourceIP,
		"profile_id":  s.AttackerProfileID,
		"techniques":  s.MitreTechniques,
		"credentials": len(s.Credentials),
		"commands":    len(s.Commands),
	})
	if record != nil {
		logger = logger.WithField("attack_type", record.AttackType)
	}
	if len(s.MitreTechniques) > 0 {
		logger.Warn("Attack session completed")
	} else {
		logger.Info("Session completed")
	}

	e.handlersMu.RLock()
	sessionHandlers := append([]decoy.SessionHandler(nil), e.sessionHandlers...)
	intelHandlers := append([]IntelHandler(nil), e.intelHandlers...)
	e.handlersMu.RUnlock()

	for _, h := range sessionHandlers {
		e.safeCall("session", func() { h(s) })
	}
	if record != nil {
		for _, h := range intelHandlers {
			e.safeCall("intel", func() { h(record) })
		}
	}
}

func (e *Engine) storeReport(r *types.TrapIntelligence) {
	limit := e.cfg.IntelRetention
	if limit <= 0 {
		limit = defaultRetention
	}
	e.reportsMu.Lock()
	e.reports = append(e.reports, r)
	if over := len(e.reports) - limit; over > 0 {
		e.reports = append([]*types.TrapIntelligence(nil), e.reports[over:]...)
	}
	e.reportsMu.Unlock()
}

func (e *Engine) safeCall(kind string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			e.log.WithFields(logrus.Fields{"handler": kind, "panic": p}).Error("Engine handler panicked")
		}
	}()
	fn()
}

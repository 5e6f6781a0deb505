// Package reporter hands intelligence records to external collectors. A
// bounded queue decouples the decoys from slow sinks; records that do not
// fit are dropped and counted.
package reporter

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/honeytrap-sensor/internal/types"
)

// Sink delivers one record to a collector.
type Sink interface {
	Name() string
	Send(ctx context.Context, r *types.TrapIntelligence) error
}

// Config for the reporter queue.
type Config struct {
	QueueSize int
	// SendTimeout bounds a single delivery to a single sink.
	SendTimeout time.Duration
}

// Stats are cumulative delivery counters. Sent and Failed count per sink.
type Stats struct {
	Queued  int   `json:"queued"`
	Sent    int64 `json:"sent"`
	Dropped int64 `json:"dropped"`
	Failed  int64 `json:"failed"`
}

// Reporter fans queued records out to every sink.
type Reporter struct {
	cfg   Config
	log   *logrus.Logger
	sinks []Sink
	queue chan *types.TrapIntelligence

	sent    atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// New creates a Reporter. It does nothing until Start is called.
func New(cfg Config, log *logrus.Logger, sinks ...Sink) *Reporter {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	return &Reporter{
		cfg:   cfg,
		log:   log,
		sinks: sinks,
		queue: make(chan *types.TrapIntelligence, cfg.QueueSize),
	}
}

// Enqueue adds r without blocking. It returns false when the queue is full.
func (r *Reporter) Enqueue(rec *types.TrapIntelligence) bool {
	if rec == nil {
		return false
	}
	select {
	case r.queue <- rec:
		return true
	default:
		r.dropped.Add(1)
		r.log.WithFields(logrus.Fields{
			"session_id": rec.SessionID,
			"source_ip":  rec.SourceIP,
		}).Warn("Report queue full, dropping intel record")
		return false
	}
}

// Start delivers queued records until ctx is cancelled, then flushes what
// is already queued and returns ctx.Err().
func (r *Reporter) Start(ctx context.Context) error {
	names := make([]string, 0, len(r.sinks))
	for _, s := range r.sinks {
		names = append(names, s.Name())
	}
	r.log.WithField("sinks", names).Info("Starting intel reporter")

	for {
		select {
		case <-ctx.Done():
			r.flush()
			return ctx.Err()
		case rec := <-r.queue:
			r.deliver(ctx, rec)
		}
	}
}

func (r *Reporter) flush() {
	for {
		select {
		case rec := <-r.queue:
			r.deliver(context.Background(), rec)
		default:
			return
		}
	}
}

func (r *Reporter) deliver(ctx context.Context, rec *types.TrapIntelligence) {
	for _, s := range r.sinks {
		sendCtx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
		err := s.Send(sendCtx, rec)
		cancel()
		if err != nil {
			r.failed.Add(1)
			r.log.WithError(err).WithFields(logrus.Fields{
				"sink":       s.Name(),
				"session_id": rec.SessionID,
			}).Debug("Failed to deliver intel record")
			continue
		}
		r.sent.Add(1)
	}
}

// Stats returns the current counters.
func (r *Reporter) Stats() Stats {
	return Stats{
		Queued:  len(r.queue),
		Sent:    r.sent.Load(),
		Dropped: r.dropped.Load(),
		Failed:  r.failed.Load(),
	}
}

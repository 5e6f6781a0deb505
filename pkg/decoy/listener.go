package decoy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/honeytrap-sensor/internal/types"
)

const forceCloseWait = 5 * time.Second

// serveFunc runs one protocol dialogue. It returns when the attacker
// disconnects, the dialogue ends, or conn is closed underneath it.
type serveFunc func(ctx context.Context, conn net.Conn, rec *recorder) error

// listener is the accept loop and connection bookkeeping shared by every
// decoy variant.
type listener struct {
	serviceType types.ServiceType
	port        int
	opts        Options
	log         *logrus.Logger
	serve       serveFunc

	// lifecycle serialises Start and Stop.
	lifecycle sync.Mutex

	mu       sync.Mutex
	status   Status
	ln       net.Listener
	cancel   context.CancelFunc
	active   map[string]*recorder
	conns    map[net.Conn]struct{}
	handlers []SessionHandler

	total atomic.Int64
	wg    sync.WaitGroup
}

func newListener(serviceType types.ServiceType, port int, opts Options, log *logrus.Logger) *listener {
	return &listener{
		serviceType: serviceType,
		port:        port,
		opts:        opts.withDefaults(),
		log:         log,
		status:      StatusStopped,
		active:      make(map[string]*recorder),
		conns:       make(map[net.Conn]struct{}),
	}
}

func (l *listener) Type() types.ServiceType { return l.serviceType }

func (l *listener) Port() int {
	if tcp, ok := l.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return l.port
}

func (l *listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *listener) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

func (l *listener) TotalSessionCount() int64 {
	return l.total.Load()
}

func (l *listener) OnSession(handler SessionHandler) {
	l.mu.Lock()
	l.handlers = append(l.handlers, handler)
	l.mu.Unlock()
}

func (l *listener) ActiveSessions() []*types.Session {
	l.mu.Lock()
	recs := make([]*recorder, 0, len(l.active))
	for _, r := range l.active {
		recs = append(recs, r)
	}
	l.mu.Unlock()

	out := make([]*types.Session, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.snapshot())
	}
	return out
}

// Start binds the listener and begins accepting. Starting a running
// service is a no-op.
func (l *listener) Start() error {
	l.lifecycle.Lock()
	defer l.lifecycle.Unlock()

	l.mu.Lock()
	if l.status == StatusRunning {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	addr := net.JoinHostPort(l.opts.BindAddress, strconv.Itoa(l.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s decoy on %s: %w", l.serviceType, addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	l.ln = ln
	l.cancel = cancel
	l.status = StatusRunning
	l.mu.Unlock()

	l.wg.Add(1)
	go l.acceptLoop(ctx, ln)

	l.log.WithFields(logrus.Fields{
		"service": l.serviceType,
		"addr":    ln.Addr().String(),
	}).Info("Decoy listening")
	return nil
}

// Stop closes the listener, lets open sessions run for the grace period
// and then force-closes them. Every session still produces its completed
// record. Stopping a stopped service is a no-op.
func (l *listener) Stop(ctx context.Context) error {
	l.lifecycle.Lock()
	defer l.lifecycle.Unlock()

	l.mu.Lock()
	if l.status != StatusRunning {
		l.mu.Unlock()
		return nil
	}
	l.status = StatusStopped
	ln, cancel := l.ln, l.cancel
	l.ln = nil
	l.mu.Unlock()

	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		l.log.WithError(err).WithField("service", l.serviceType).Warn("Error closing decoy listener")
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(l.opts.GracePeriod)
	defer grace.Stop()
	select {
	case <-done:
		cancel()
		l.log.WithField("service", l.serviceType).Info("Decoy stopped")
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	cancel()
	l.closeConns()

	select {
	case <-done:
	case <-time.After(forceCloseWait):
		l.log.WithField("service", l.serviceType).Warn("Decoy sessions did not finish after force close")
	}
	l.log.WithField("service", l.serviceType).Info("Decoy stopped")
	return nil
}

func (l *listener) closeConns() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for c := range l.conns {
		c.Close()
	}
}

func (l *listener) acceptLoop(ctx context.Context, ln net.Listener) {
	defer l.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			l.log.WithError(err).WithField("service", l.serviceType).Warn("Accept failed")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		l.mu.Lock()
		if l.status != StatusRunning {
			l.mu.Unlock()
			conn.Close()
			continue
		}
		l.conns[conn] = struct{}{}
		l.wg.Add(1)
		l.mu.Unlock()

		go l.handleConn(ctx, conn)
	}
}

func (l *listener) handleConn(ctx context.Context, conn net.Conn) {
	defer l.wg.Done()

	rec := newRecorder(l.serviceType, conn.RemoteAddr(), l.opts)
	l.total.Add(1)
	l.mu.Lock()
	l.active[rec.id()] = rec
	l.mu.Unlock()

	rec.event(types.EventConnection, map[string]string{"local_addr": conn.LocalAddr().String()})
	logger := l.log.WithFields(logrus.Fields{
		"service":    l.serviceType,
		"session_id": rec.id(),
		"source_ip":  rec.s.SourceIP,
	})
	logger.Debug("Decoy session opened")

	sessCtx, cancel := context.WithTimeout(ctx, l.opts.MaxSessionDuration)
	stop := context.AfterFunc(sessCtx, func() { conn.Close() })

	reason := l.run(sessCtx, &idleConn{Conn: conn, idle: l.opts.IdleTimeout}, rec, logger)
	switch {
	case errors.Is(sessCtx.Err(), context.DeadlineExceeded):
		reason = "max_duration"
	case ctx.Err() != nil:
		reason = "shutdown"
	}
	stop()
	cancel()
	conn.Close()

	l.mu.Lock()
	delete(l.conns, conn)
	delete(l.active, rec.id())
	handlers := append([]SessionHandler(nil), l.handlers...)
	l.mu.Unlock()

	sess := rec.finish(reason)
	logger.WithFields(logrus.Fields{
		"reason":      reason,
		"duration_ms": sess.DurationMs,
		"credentials": len(sess.Credentials),
		"commands":    len(sess.Commands),
	}).Info("Decoy session closed")

	for _, h := range handlers {
		l.dispatch(h, sess, logger)
	}
}

// run invokes the protocol handler and maps its outcome to a disconnect
// reason. A panicking handler ends only its own session.
func (l *listener) run(ctx context.Context, conn net.Conn, rec *recorder, logger *logrus.Entry) (reason string) {
	defer func() {
		if p := recover(); p != nil {
			logger.WithField("panic", p).Error("Decoy handler panicked")
			rec.event(types.EventError, map[string]string{"error": fmt.Sprint(p)})
			reason = "handler_panic"
		}
	}()

	err := l.serve(ctx, conn, rec)
	switch {
	case err == nil:
		return "server_closed"
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return "client_closed"
	case errors.Is(err, os.ErrDeadlineExceeded):
		return "idle_timeout"
	default:
		rec.event(types.EventError, map[string]string{"error": err.Error()})
		return "error"
	}
}

func (l *listener) dispatch(h SessionHandler, sess *types.Session, logger *logrus.Entry) {
	defer func() {
		if p := recover(); p != nil {
			logger.WithField("panic", p).Error("Session handler panicked")
		}
	}()
	h(sess)
}

// idleConn pushes the read deadline forward on every read so a silent
// attacker is dropped after the idle timeout.
type idleConn struct {
	net.Conn
	idle time.Duration
}

func (c *idleConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.idle)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

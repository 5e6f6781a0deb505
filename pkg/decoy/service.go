// Package decoy implements fake network services that record every
// interaction an attacker has with them. Decoys never execute input and
// never grant real access.
package decoy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/honeytrap-sensor/internal/detection"
	"github.com/invisible-tech/honeytrap-sensor/internal/types"
)

// ErrUnsupportedProtocol is returned when a decoy is constructed for a
// protocol it cannot emulate.
var ErrUnsupportedProtocol = errors.New("unsupported decoy protocol")

// Status is the lifecycle state of a decoy service.
type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
)

// SessionHandler receives a completed, read-only session.
type SessionHandler func(*types.Session)

// Service is a single decoy listener.
type Service interface {
	Type() types.ServiceType
	// Port is the bound port while running, otherwise the configured one.
	Port() int
	Addr() net.Addr
	Status() Status
	Start() error
	Stop(ctx context.Context) error
	ActiveSessions() []*types.Session
	TotalSessionCount() int64
	OnSession(handler SessionHandler)
}

// Options tune decoy behaviour. Zero values fall back to defaults.
type Options struct {
	BindAddress        string
	Hostname           string
	IdleTimeout        time.Duration
	MaxSessionDuration time.Duration
	GracePeriod        time.Duration
	ShellAfterAttempts int
	MaxCommands        int
	Detector           *detection.Engine
}

func (o Options) withDefaults() Options {
	if o.Hostname == "" {
		o.Hostname = "srv-prod-db01"
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 2 * time.Minute
	}
	if o.MaxSessionDuration <= 0 {
		o.MaxSessionDuration = 15 * time.Minute
	}
	if o.MaxCommands <= 0 {
		o.MaxCommands = 500
	}
	if o.Detector == nil {
		o.Detector = detection.NewEngine()
	}
	return o
}

// New returns the decoy variant for serviceType.
func New(serviceType types.ServiceType, port int, opts Options, log *logrus.Logger) (Service, error) {
	switch serviceType {
	case types.ServiceSSH:
		return NewSSH(port, opts, log)
	case types.ServiceHTTP:
		return NewHTTP(port, opts, log), nil
	default:
		svc, err := NewGeneric(serviceType, port, opts, log)
		if err != nil {
			return nil, err
		}
		return svc, nil
	}
}

func unsupported(serviceType types.ServiceType) error {
	return fmt.Errorf("%w: %q", ErrUnsupportedProtocol, serviceType)
}

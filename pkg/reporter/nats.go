package reporter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/honeytrap-sensor/internal/types"
)

// Publisher is the part of *nats.Conn the sink needs.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATSConfig for the NATS sink.
type NATSConfig struct {
	// SubjectPrefix is joined with the service type, e.g. honeytrap.intel.ssh.
	SubjectPrefix string
	Compress      bool
}

// NATSSink publishes records as JSON, optionally zstd compressed.
type NATSSink struct {
	pub    Publisher
	prefix string
	enc    *zstd.Encoder
	log    *logrus.Logger
}

// ConnectNATS dials url with reconnects enabled and logs connection changes.
func ConnectNATS(url, name string, log *logrus.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.WithField("url", c.ConnectedUrl()).Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// NewNATSSink creates a sink publishing through pub.
func NewNATSSink(pub Publisher, cfg NATSConfig, log *logrus.Logger) (*NATSSink, error) {
	if pub == nil {
		return nil, ErrNotConfigured
	}
	prefix := strings.TrimSuffix(cfg.SubjectPrefix, ".")
	if prefix == "" {
		prefix = "honeytrap.intel"
	}
	s := &NATSSink{pub: pub, prefix: prefix, log: log}
	if cfg.Compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		s.enc = enc
	}
	return s, nil
}

func (s *NATSSink) Name() string { return "nats" }

// Subject returns the subject a record for service is published on.
func (s *NATSSink) Subject(service types.ServiceType) string {
	return s.prefix + "." + string(service)
}

// Send publishes r. The context is unused; NATS publishes are buffered by
// the client.
func (s *NATSSink) Send(_ context.Context, r *types.TrapIntelligence) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal intel record: %w", err)
	}

	headers := nats.Header{}
	headers.Set("x-session-id", r.SessionID)
	headers.Set("x-source-ip", r.SourceIP)
	headers.Set("x-service", string(r.ServiceType))
	headers.Set("x-attack-type", string(r.AttackType))
	headers.Set("x-skill-level", string(r.SkillLevel))
	headers.Set("x-timestamp", r.Timestamp.UTC().Format(time.RFC3339Nano))
	if s.enc != nil {
		data = s.enc.EncodeAll(data, nil)
		headers.Set("Content-Encoding", "zstd")
	}

	msg := &nats.Msg{
		Subject: s.Subject(r.ServiceType),
		Data:    data,
		Header:  headers,
	}
	if err := s.pub.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish intel record: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"subject":    msg.Subject,
		"session_id": r.SessionID,
		"bytes":      len(data),
	}).Debug("Published intel record")
	return nil
}

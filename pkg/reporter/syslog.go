package reporter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/crewjam/rfc5424"

	"github.com/invisible-tech/honeytrap-sensor/internal/types"
)

// intelSDID is the structured-data element carrying record fields.
const intelSDID = "intel@32473"

// SyslogSink writes one RFC 5424 line per record, e.g. to a SIEM relay.
type SyslogSink struct {
	mu        sync.Mutex
	w         io.Writer
	appName   string
	hostname  string
	processID string
}

// NewSyslogSink creates a sink writing to w.
func NewSyslogSink(w io.Writer, appName string) *SyslogSink {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	if appName == "" {
		appName = "trapd"
	}
	return &SyslogSink{
		w:         w,
		appName:   appName,
		hostname:  hostname,
		processID: strconv.Itoa(os.Getpid()),
	}
}

func (s *SyslogSink) Name() string { return "syslog" }

// Send writes r as a newline-terminated RFC 5424 message.
func (s *SyslogSink) Send(_ context.Context, r *types.TrapIntelligence) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal intel record: %w", err)
	}

	msg := &rfc5424.Message{
		Priority:  rfc5424.User | syslogSeverity(r.AttackType),
		Timestamp: r.Timestamp.UTC(),
		Hostname:  s.hostname,
		AppName:   s.appName,
		ProcessID: s.processID,
		MessageID: string(r.AttackType),
		Message:   body,
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	msg.AddDatum(intelSDID, "session_id", r.SessionID)
	msg.AddDatum(intelSDID, "source_ip", r.SourceIP)
	msg.AddDatum(intelSDID, "service", string(r.ServiceType))
	msg.AddDatum(intelSDID, "skill", string(r.SkillLevel))
	msg.AddDatum(intelSDID, "intent", string(r.Intent))
	if len(r.MitreTechniques) > 0 {
		msg.AddDatum(intelSDID, "techniques", strings.Join(r.MitreTechniques, ","))
	}

	// MarshalBinary gives the bare message; WriteTo would add octet-count
	// framing.
	line, err := msg.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to format syslog message: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(line); err != nil {
		return fmt.Errorf("failed to write syslog message: %w", err)
	}
	return nil
}

func syslogSeverity(t types.AttackType) rfc5424.Priority {
	switch t {
	case types.AttackExploitAttempt:
		return rfc5424.Error
	case types.AttackBruteForce, types.AttackCryptomining, types.AttackWebAttack:
		return rfc5424.Warning
	default:
		return rfc5424.Info
	}
}

package decoy

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/invisible-tech/honeytrap-sensor/internal/detection"
	"github.com/invisible-tech/honeytrap-sensor/internal/types"
)

const maxRecordedInput = 4096

// recorder owns a live session. The connection goroutine writes through
// it; the mutex only exists so ActiveSessions can take snapshots.
type recorder struct {
	mu          sync.Mutex
	s           *types.Session
	detector    *detection.Engine
	maxCommands int
}

func newRecorder(serviceType types.ServiceType, remote net.Addr, opts Options) *recorder {
	ip, port := splitAddr(remote)
	return &recorder{
		s: &types.Session{
			ID:          uuid.NewString(),
			ServiceType: serviceType,
			SourceIP:    ip,
			SourcePort:  port,
			StartTime:   time.Now().UTC(),
		},
		detector:    opts.Detector,
		maxCommands: opts.MaxCommands,
	}
}

func splitAddr(addr net.Addr) (string, int) {
	if addr == nil {
		return "", 0
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String(), tcp.Port
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func (r *recorder) id() string {
	return r.s.ID
}

func (r *recorder) event(t types.EventType, data map[string]string) {
	r.mu.Lock()
	r.appendEvent(t, data)
	r.mu.Unlock()
}

func (r *recorder) appendEvent(t types.EventType, data map[string]string) {
	r.s.Events = append(r.s.Events, types.Event{Timestamp: time.Now().UTC(), Type: t, Data: data})
}

// credential records an attempt and returns the session's attempt count.
// Decoys never grant access, so GrantedAccess is always false.
func (r *recorder) credential(username, password string) int {
	username = truncate(username)
	password = truncate(password)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s.Credentials = append(r.s.Credentials, types.CredentialAttempt{
		Timestamp: time.Now().UTC(),
		Username:  username,
		Password:  password,
	})
	r.appendEvent(types.EventAuthAttempt, map[string]string{"username": username})
	n := len(r.s.Credentials)
	if n >= detection.BruteForceThreshold {
		r.addTechnique(detection.TechniqueBruteForce, "credential_attempts")
	}
	return n
}

// command records post-login input and tags techniques. It returns false
// once the per-session command limit is reached.
func (r *recorder) command(cmd string) bool {
	cmd = truncate(cmd)
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.s.Commands) >= r.maxCommands {
		return false
	}
	r.s.Commands = append(r.s.Commands, cmd)
	r.appendEvent(types.EventCommand, map[string]string{"command": cmd})
	r.tag(cmd)
	return true
}

// inspect tags techniques found in input that is not itself a command,
// such as request bodies.
func (r *recorder) inspect(input string) {
	input = truncate(input)
	r.mu.Lock()
	r.tag(input)
	r.mu.Unlock()
}

func (r *recorder) technique(id, source string) {
	r.mu.Lock()
	r.addTechnique(id, source)
	r.mu.Unlock()
}

func (r *recorder) userAgent(ua string) {
	if ua == "" {
		return
	}
	ua = truncate(ua)
	r.mu.Lock()
	r.s.UserAgents, _ = types.AddToSet(r.s.UserAgents, ua)
	r.mu.Unlock()
}

func (r *recorder) tag(input string) {
	for _, m := range r.detector.Evaluate(r.s.ServiceType, input) {
		r.addTechnique(m.MitreID, m.RuleID)
	}
}

func (r *recorder) addTechnique(id, source string) {
	var added bool
	r.s.MitreTechniques, added = types.AddToSet(r.s.MitreTechniques, id)
	if added {
		r.appendEvent(types.EventTechniqueDetected, map[string]string{"technique": id, "source": source})
	}
}

func (r *recorder) attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.s.Credentials)
}

func (r *recorder) snapshot() *types.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.s.Clone()
}

// finish closes the session. The returned value must not be written to
// by the decoy again.
func (r *recorder) finish(reason string) *types.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	end := time.Now().UTC()
	r.appendEvent(types.EventDisconnection, map[string]string{"reason": reason})
	r.s.EndTime = &end
	r.s.DurationMs = end.Sub(r.s.StartTime).Milliseconds()
	return r.s
}

func truncate(s string) string {
	if len(s) > maxRecordedInput {
		return s[:maxRecordedInput]
	}
	return s
}

// Package types defines the records shared by the decoy services, the trap
// engine, the attacker profiler and the intelligence builder.
package types

import (
	"sort"
	"time"
)

// ServiceType identifies the protocol a decoy emulates.
type ServiceType string

const (
	ServiceSSH    ServiceType = "ssh"
	ServiceHTTP   ServiceType = "http"
	ServiceFTP    ServiceType = "ftp"
	ServiceTelnet ServiceType = "telnet"
	ServiceMySQL  ServiceType = "mysql"
	ServiceRedis  ServiceType = "redis"
	ServiceSMB    ServiceType = "smb"
	ServiceRDP    ServiceType = "rdp"
)

// AllServiceTypes lists every supported protocol in display order.
var AllServiceTypes = []ServiceType{
	ServiceSSH, ServiceHTTP, ServiceFTP, ServiceTelnet,
	ServiceMySQL, ServiceRedis, ServiceSMB, ServiceRDP,
}

// Valid reports whether s is a supported protocol.
func (s ServiceType) Valid() bool {
	for _, t := range AllServiceTypes {
		if t == s {
			return true
		}
	}
	return false
}

// EventType classifies an entry in a session's event log.
type EventType string

const (
	EventConnection        EventType = "connection"
	EventAuthAttempt       EventType = "authentication_attempt"
	EventPublicKeyAttempt  EventType = "publickey_attempt"
	EventCommand           EventType = "command"
	EventHTTPRequest       EventType = "http_request"
	EventProtocolData      EventType = "protocol_data"
	EventTechniqueDetected EventType = "technique_detected"
	EventDisconnection     EventType = "disconnection"
	EventError             EventType = "error"
)

// Event is a single captured interaction, in capture order.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      EventType         `json:"type"`
	Data      map[string]string `json:"data,omitempty"`
}

// CredentialAttempt is one username/password pair offered to a decoy.
type CredentialAttempt struct {
	Timestamp     time.Time `json:"timestamp"`
	Username      string    `json:"username"`
	Password      string    `json:"password"`
	GrantedAccess bool      `json:"granted_access"`
}

// Session is the full record of one connection to a decoy service.
// Only the owning connection goroutine writes to it; once EndTime is set it
// is read-only.
type Session struct {
	ID                string              `json:"session_id"`
	ServiceType       ServiceType         `json:"service_type"`
	SourceIP          string              `json:"source_ip"`
	SourcePort        int                 `json:"source_port"`
	StartTime         time.Time           `json:"start_time"`
	EndTime           *time.Time          `json:"end_time,omitempty"`
	DurationMs        int64               `json:"duration_ms"`
	Events            []Event             `json:"events"`
	Credentials       []CredentialAttempt `json:"credentials"`
	Commands          []string            `json:"commands"`
	MitreTechniques   []string            `json:"mitre_techniques"`
	UserAgents        []string            `json:"user_agents,omitempty"`
	AttackerProfileID string              `json:"attacker_profile_id,omitempty"`
}

// Closed reports whether the session has ended.
func (s *Session) Closed() bool {
	return s.EndTime != nil
}

// HasTechnique reports whether id was tagged on the session.
func (s *Session) HasTechnique(id string) bool {
	for _, t := range s.MitreTechniques {
		if t == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	out := *s
	if s.EndTime != nil {
		end := *s.EndTime
		out.EndTime = &end
	}
	out.Events = make([]Event, len(s.Events))
	for i, ev := range s.Events {
		out.Events[i] = ev
		if ev.Data != nil {
			data := make(map[string]string, len(ev.Data))
			for k, v := range ev.Data {
				data[k] = v
			}
			out.Events[i].Data = data
		}
	}
	out.Credentials = append([]CredentialAttempt(nil), s.Credentials...)
	out.Commands = append([]string(nil), s.Commands...)
	out.MitreTechniques = append([]string(nil), s.MitreTechniques...)
	out.UserAgents = append([]string(nil), s.UserAgents...)
	return &out
}

// AddToSet inserts v into the sorted, de-duplicated slice set and returns
// the result and whether v was new.
func AddToSet(set []string, v string) ([]string, bool) {
	i := sort.SearchStrings(set, v)
	if i < len(set) && set[i] == v {
		return set, false
	}
	set = append(set, "")
	copy(set[i+1:], set[i:])
	set[i] = v
	return set, true
}

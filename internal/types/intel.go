package types

import "time"

// AttackType is the headline classification of an intelligence record.
type AttackType string

const (
	AttackExploitAttempt AttackType = "exploit_attempt"
	AttackCryptomining   AttackType = "cryptomining"
	AttackBruteForce     AttackType = "brute_force"
	AttackWebAttack      AttackType = "web_attack"
	AttackReconnaissance AttackType = "reconnaissance"
	AttackPortScan       AttackType = "port_scan"
)

// CredentialCount is a username and how often it was tried.
type CredentialCount struct {
	Username string `json:"username"`
	Count    int    `json:"count"`
}

// TrapIntelligence is a shareable record derived from one session.
// It is never modified after construction.
type TrapIntelligence struct {
	Timestamp       time.Time         `json:"timestamp"`
	SessionID       string            `json:"session_id"`
	ServiceType     ServiceType       `json:"service_type"`
	SourceIP        string            `json:"source_ip"`
	AttackType      AttackType        `json:"attack_type"`
	MitreTechniques []string          `json:"mitre_techniques"`
	SkillLevel      SkillLevel        `json:"skill_level"`
	Intent          Intent            `json:"intent"`
	Tools           []string          `json:"tools"`
	TopCredentials  []CredentialCount `json:"top_credentials"`
	Region          string            `json:"region,omitempty"`
	CommandCount    int               `json:"command_count"`
	DurationMs      int64             `json:"duration_ms"`
}

// IPCount is a source address and its record count.
type IPCount struct {
	IP    string `json:"ip"`
	Count int    `json:"count"`
}

// IntelSummary aggregates a collection of intelligence records.
type IntelSummary struct {
	TotalIntelReports      int                 `json:"total_intel_reports"`
	UniqueSourceIPs        int                 `json:"unique_source_ips"`
	AttackTypeDistribution map[AttackType]int  `json:"attack_type_distribution"`
	ServiceDistribution    map[ServiceType]int `json:"service_distribution"`
	TopSourceIPs           []IPCount           `json:"top_source_ips"`
}

// TrapStatistics is a point-in-time view over all decoy traffic.
type TrapStatistics struct {
	TotalSessions           int                 `json:"total_sessions"`
	ActiveSessions          int                 `json:"active_sessions"`
	UniqueSourceIPs         int                 `json:"unique_source_ips"`
	TotalCredentialAttempts int                 `json:"total_credential_attempts"`
	TotalCommandsCaptured   int                 `json:"total_commands_captured"`
	UptimeMs                int64               `json:"uptime_ms"`
	SessionsByService       map[ServiceType]int `json:"sessions_by_service"`
	SkillDistribution       map[SkillLevel]int  `json:"skill_distribution"`
}

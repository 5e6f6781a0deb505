package types

import "time"

// SkillLevel is an ordered classification of attacker sophistication.
type SkillLevel string

const (
	SkillScriptKiddie SkillLevel = "script_kiddie"
	SkillIntermediate SkillLevel = "intermediate"
	SkillAdvanced     SkillLevel = "advanced"
	SkillAPT          SkillLevel = "apt"
)

// AllSkillLevels lists skill levels from lowest to highest.
var AllSkillLevels = []SkillLevel{SkillScriptKiddie, SkillIntermediate, SkillAdvanced, SkillAPT}

// Rank returns the position of l in the skill ordering; unknown values rank
// lowest.
func (l SkillLevel) Rank() int {
	for i, s := range AllSkillLevels {
		if s == l {
			return i
		}
	}
	return 0
}

// MaxSkill returns the higher of a and b.
func MaxSkill(a, b SkillLevel) SkillLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	if a == "" {
		return SkillScriptKiddie
	}
	return a
}

// Intent is the inferred goal of an attacker's session.
type Intent string

const (
	IntentCredentialHarvesting Intent = "credential_harvesting"
	IntentCryptomining         Intent = "cryptomining"
	IntentRansomware           Intent = "ransomware_deployment"
	IntentDataTheft            Intent = "data_theft"
	IntentLateralMovement      Intent = "lateral_movement"
	IntentReconnaissance       Intent = "reconnaissance"
	IntentUnknown              Intent = "unknown"
)

// CredentialPatterns accumulates credential usage for one attacker.
type CredentialPatterns struct {
	CommonUsernames []string `json:"common_usernames"`
	CommonPasswords []string `json:"common_passwords"`
	TotalAttempts   int      `json:"total_attempts"`
}

// GeoHints carries best-effort location data. Country is empty when unknown.
type GeoHints struct {
	Country string `json:"country,omitempty"`
}

// AttackerProfile aggregates every session seen from one source address.
type AttackerProfile struct {
	ProfileID          string             `json:"profile_id"`
	SourceIPs          []string           `json:"source_ips"`
	FirstSeen          time.Time          `json:"first_seen"`
	LastSeen           time.Time          `json:"last_seen"`
	TotalSessions      int                `json:"total_sessions"`
	SkillLevel         SkillLevel         `json:"skill_level"`
	SkillScore         int                `json:"skill_score"`
	Intent             Intent             `json:"intent"`
	ToolsDetected      []string           `json:"tools_detected"`
	MitreTechniques    []string           `json:"mitre_techniques"`
	CredentialPatterns CredentialPatterns `json:"credential_patterns"`
	GeoHints           GeoHints           `json:"geo_hints"`
	RiskScore          int                `json:"risk_score"`
}

// Package intel turns completed decoy sessions into shareable
// intelligence records and aggregates them.
package intel

import (
	"net"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/honeytrap-sensor/internal/detection"
	"github.com/invisible-tech/honeytrap-sensor/internal/types"
)

const (
	// MinSessionEvents is the least activity a session needs before it is
	// worth sharing.
	MinSessionEvents = 3
	// MaxTopCredentials bounds TrapIntelligence.TopCredentials.
	MaxTopCredentials = 5
	// MaxTopSourceIPs bounds IntelSummary.TopSourceIPs.
	MaxTopSourceIPs = 10

	TechniqueCryptomining = "T1496"
)

// ExploitTechniques mark a session as an exploitation attempt.
var ExploitTechniques = []string{"T1190", "T1203", "T1210", "T1068", "T1211", "T1212"}

var privateRanges []*net.IPNet

func init() {
	for _, cidr := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16",
		"100.64.0.0/10",
		"fc00::/7",
		"fe80::/10",
	} {
		_, ipnet, _ := net.ParseCIDR(cidr)
		privateRanges = append(privateRanges, ipnet)
	}
}

// IsPrivateOrLocal reports whether ip must be kept out of shared
// intelligence. Unparseable addresses are treated as private.
func IsPrivateOrLocal(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.IsUnspecified() || parsed.IsLoopback() ||
		parsed.IsLinkLocalUnicast() || parsed.IsMulticast() {
		return true
	}
	for _, r := range privateRanges {
		if r.Contains(parsed) {
			return true
		}
	}
	return false
}

// Builder produces TrapIntelligence records. It holds no state beyond its
// logger and is safe for concurrent use.
type Builder struct {
	log *logrus.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(log *logrus.Logger) *Builder {
	return &Builder{log: log}
}

// BuildTrapIntel derives a record from a closed session. profile may be nil,
// in which case skill and intent are computed from the session alone. A nil
// result means the session was filtered out, not that anything failed.
func (b *Builder) BuildTrapIntel(s *types.Session, profile *types.AttackerProfile) *types.TrapIntelligence {
	if s == nil {
		return nil
	}
	if IsPrivateOrLocal(s.SourceIP) {
		b.log.WithFields(logrus.Fields{"session_id": s.ID, "source_ip": s.SourceIP}).Debug("Intel filtered: private source")
		return nil
	}
	if n := activityCount(s); n < MinSessionEvents {
		b.log.WithFields(logrus.Fields{"session_id": s.ID, "events": n}).Debug("Intel filtered: too little activity")
		return nil
	}

	tools := detection.DetectTools(s.Commands, s.UserAgents)
	intel := &types.TrapIntelligence{
		Timestamp:       time.Now().UTC(),
		SessionID:       s.ID,
		ServiceType:     s.ServiceType,
		SourceIP:        s.SourceIP,
		AttackType:      ClassifyAttack(s),
		MitreTechniques: append([]string{}, s.MitreTechniques...),
		Tools:           tools,
		TopCredentials:  TopCredentials(s.Credentials, MaxTopCredentials),
		CommandCount:    len(s.Commands),
		DurationMs:      s.DurationMs,
	}
	if s.EndTime != nil {
		intel.Timestamp = *s.EndTime
	}
	if profile != nil {
		intel.SkillLevel = profile.SkillLevel
		intel.Intent = profile.Intent
		intel.Region = profile.GeoHints.Country
	} else {
		intel.SkillLevel = detection.EstimateSkillLevel(s.Commands, s.MitreTechniques, tools).Level
		intel.Intent = detection.ClassifyIntent(s.Commands, s.MitreTechniques)
	}
	if intel.Tools == nil {
		intel.Tools = []string{}
	}
	return intel
}

// activityCount is the number of recorded events. Sessions assembled
// without an event log fall back to their credentials and commands.
func activityCount(s *types.Session) int {
	if len(s.Events) > 0 {
		return len(s.Events)
	}
	return len(s.Credentials) + len(s.Commands)
}

// BuildBatchIntel builds a record for every session, dropping filtered
// ones. profiles is keyed by source IP and may be nil.
func (b *Builder) BuildBatchIntel(sessions []*types.Session, profiles map[string]types.AttackerProfile) []*types.TrapIntelligence {
	out := make([]*types.TrapIntelligence, 0, len(sessions))
	for _, s := range sessions {
		if s == nil {
			continue
		}
		var profile *types.AttackerProfile
		if p, ok := profiles[s.SourceIP]; ok {
			profile = &p
		}
		if intel := b.BuildTrapIntel(s, profile); intel != nil {
			out = append(out, intel)
		}
	}
	return out
}

// ClassifyAttack picks the most specific attack type for a session.
func ClassifyAttack(s *types.Session) types.AttackType {
	switch {
	case hasAnyTechnique(s.MitreTechniques, ExploitTechniques...):
		return types.AttackExploitAttempt
	case hasAnyTechnique(s.MitreTechniques, TechniqueCryptomining):
		return types.AttackCryptomining
	case len(s.Credentials) > 0 && s.ServiceType != types.ServiceHTTP:
		return types.AttackBruteForce
	case s.ServiceType == types.ServiceHTTP:
		// HTTP sessions with or without form credentials.
		return types.AttackWebAttack
	case len(s.Commands) > 0:
		return types.AttackReconnaissance
	default:
		return types.AttackPortScan
	}
}

// hasAnyTechnique matches ids exactly or as parents of sub-techniques.
func hasAnyTechnique(techniques []string, ids ...string) bool {
	for _, t := range techniques {
		for _, id := range ids {
			if t == id || strings.HasPrefix(t, id+".") {
				return true
			}
		}
	}
	return false
}

// TopCredentials ranks usernames by attempt count, ties by first
// appearance, truncated to n.
func TopCredentials(creds []types.CredentialAttempt, n int) []types.CredentialCount {
	counts := make(map[string]int)
	var order []string
	for _, c := range creds {
		if _, ok := counts[c.Username]; !ok {
			order = append(order, c.Username)
		}
		counts[c.Username]++
	}
	out := make([]types.CredentialCount, 0, len(order))
	for _, u := range order {
		out = append(out, types.CredentialCount{Username: u, Count: counts[u]})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// GenerateIntelSummary aggregates records. Empty input yields a zero
// summary with empty, non-nil collections.
func GenerateIntelSummary(reports []*types.TrapIntelligence) types.IntelSummary {
	summary := types.IntelSummary{
		AttackTypeDistribution: make(map[types.AttackType]int),
		ServiceDistribution:    make(map[types.ServiceType]int),
		TopSourceIPs:           []types.IPCount{},
	}
	byIP := make(map[string]int)
	for _, r := range reports {
		if r == nil {
			continue
		}
		summary.TotalIntelReports++
		summary.AttackTypeDistribution[r.AttackType]++
		summary.ServiceDistribution[r.ServiceType]++
		byIP[r.SourceIP]++
	}
	summary.UniqueSourceIPs = len(byIP)
	for ip, n := range byIP {
		summary.TopSourceIPs = append(summary.TopSourceIPs, types.IPCount{IP: ip, Count: n})
	}
	sort.Slice(summary.TopSourceIPs, func(i, j int) bool {
		a, b := summary.TopSourceIPs[i], summary.TopSourceIPs[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.IP < b.IP
	})
	if len(summary.TopSourceIPs) > MaxTopSourceIPs {
		summary.TopSourceIPs = summary.TopSourceIPs[:MaxTopSourceIPs]
	}
	return summary
}

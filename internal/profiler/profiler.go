// Package profiler aggregates completed decoy sessions into one running
// profile per source address.
package profiler

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/honeytrap-sensor/internal/detection"
	"github.com/invisible-tech/honeytrap-sensor/internal/types"
)

// Risk score weights. activity = min(100, sessions*SessionPoints +
// attempts*AttemptPoints + commands*CommandPoints) and
// risk = round(SkillWeight*skillScore + ActivityWeight*activity).
const (
	SkillWeight    = 0.7
	ActivityWeight = 0.3
	SessionPoints  = 10
	AttemptPoints  = 2
	CommandPoints  = 3
	MaxRiskScore   = 100

	// HighRiskThreshold is the score at which profile updates log at warn.
	HighRiskThreshold = 70

	// MaxCommonCredentials bounds CredentialPatterns lists.
	MaxCommonCredentials = 10
)

// GeoResolver maps a source address to a country code. It returns "" when
// the location is unknown.
type GeoResolver interface {
	Country(ip string) string
}

// Option configures a Profiler.
type Option func(*Profiler)

// WithGeoResolver enables GeoHints on new and updated profiles.
func WithGeoResolver(r GeoResolver) Option {
	return func(p *Profiler) { p.geo = r }
}

// Profiler owns the IP -> profile map. Sessions handed to ProcessSession
// must be closed; the profiler only writes their AttackerProfileID.
type Profiler struct {
	log *logrus.Logger
	geo GeoResolver

	mu       sync.RWMutex
	profiles map[string]*entry
}

type entry struct {
	profile   types.AttackerProfile
	usernames counter
	passwords counter
	commands  int
}

// New creates an empty Profiler.
func New(log *logrus.Logger, opts ...Option) *Profiler {
	p := &Profiler{
		log:      log,
		profiles: make(map[string]*entry),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// ProcessSession folds s into the profile for s.SourceIP, creating it on
// first sight, and links s to the profile. It returns a copy of the
// updated profile.
func (p *Profiler) ProcessSession(s *types.Session) types.AttackerProfile {
	estimate := detection.EstimateSession(s)
	tools := detection.DetectTools(s.Commands, s.UserAgents)
	intent := detection.ClassifyIntent(s.Commands, s.MitreTechniques)
	seen := s.StartTime
	if s.EndTime != nil {
		seen = *s.EndTime
	}

	p.mu.Lock()
	e, ok := p.profiles[s.SourceIP]
	if !ok {
		e = &entry{profile: types.AttackerProfile{
			ProfileID:  uuid.NewString(),
			SourceIPs:  []string{s.SourceIP},
			FirstSeen:  s.StartTime,
			LastSeen:   seen,
			SkillLevel: types.SkillScriptKiddie,
			Intent:     types.IntentUnknown,
		}}
		p.profiles[s.SourceIP] = e
	}
	prevLevel := e.profile.SkillLevel
	p.update(e, s, estimate, tools, intent, seen)
	out := cloneProfile(&e.profile)
	p.mu.Unlock()

	s.AttackerProfileID = out.ProfileID

	logger := p.log.WithFields(logrus.Fields{
		"profile_id":  out.ProfileID,
		"source_ip":   s.SourceIP,
		"sessions":    out.TotalSessions,
		"skill_level": out.SkillLevel,
		"intent":      out.Intent,
		"risk_score":  out.RiskScore,
	})
	switch {
	case !ok:
		logger.Info("New attacker profile")
	case out.SkillLevel != prevLevel:
		logger.WithField("previous_skill_level", prevLevel).Warn("Attacker skill level escalated")
	case out.RiskScore >= HighRiskThreshold:
		logger.Warn("High risk attacker active")
	default:
		logger.Debug("Attacker profile updated")
	}
	return out
}

func (p *Profiler) update(e *entry, s *types.Session, est detection.SkillEstimate, tools []string, intent types.Intent, seen time.Time) {
	pr := &e.profile
	pr.TotalSessions++
	if s.StartTime.Before(pr.FirstSeen) {
		pr.FirstSeen = s.StartTime
	}
	if seen.After(pr.LastSeen) {
		pr.LastSeen = seen
	}
	for _, t := range s.MitreTechniques {
		pr.MitreTechniques, _ = types.AddToSet(pr.MitreTechniques, t)
	}
	for _, t := range tools {
		pr.ToolsDetected, _ = types.AddToSet(pr.ToolsDetected, t)
	}
	for _, c := range s.Credentials {
		e.usernames.add(c.Username)
		e.passwords.add(c.Password)
	}
	pr.CredentialPatterns = types.CredentialPatterns{
		CommonUsernames: e.usernames.top(MaxCommonCredentials),
		CommonPasswords: e.passwords.top(MaxCommonCredentials),
		TotalAttempts:   pr.CredentialPatterns.TotalAttempts + len(s.Credentials),
	}
	e.commands += len(s.Commands)

	pr.SkillLevel = types.MaxSkill(pr.SkillLevel, est.Level)
	if est.Score > pr.SkillScore {
		pr.SkillScore = est.Score
	}
	pr.Intent = intent
	if p.geo != nil && pr.GeoHints.Country == "" {
		pr.GeoHints.Country = p.geo.Country(s.SourceIP)
	}
	pr.RiskScore = RiskScore(pr.SkillScore, pr.TotalSessions, pr.CredentialPatterns.TotalAttempts, e.commands)
}

// EstimateSkillLevel scores a session's exposure with the shared classifier.
func (p *Profiler) EstimateSkillLevel(commands, techniques, tools []string) detection.SkillEstimate {
	return detection.EstimateSkillLevel(commands, techniques, tools)
}

// ClassifyIntent infers the goal behind a command sequence.
func (p *Profiler) ClassifyIntent(commands, techniques []string) types.Intent {
	return detection.ClassifyIntent(commands, techniques)
}

// DetectTools matches commands and user agents against known tooling.
func (p *Profiler) DetectTools(commands, userAgents []string) []string {
	return detection.DetectTools(commands, userAgents)
}

// RiskScore combines skill and activity volume into 0..100.
func RiskScore(skillScore, sessions, attempts, commands int) int {
	activity := sessions*SessionPoints + attempts*AttemptPoints + commands*CommandPoints
	if activity > 100 {
		activity = 100
	}
	risk := int(math.Round(SkillWeight*float64(skillScore) + ActivityWeight*float64(activity)))
	switch {
	case risk < 0:
		return 0
	case risk > MaxRiskScore:
		return MaxRiskScore
	}
	return risk
}

// Profile returns the profile for ip.
func (p *Profiler) Profile(ip string) (types.AttackerProfile, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.profiles[ip]
	if !ok {
		return types.AttackerProfile{}, false
	}
	return cloneProfile(&e.profile), true
}

// Profiles returns every profile, most recently seen first.
func (p *Profiler) Profiles() []types.AttackerProfile {
	out := p.snapshot()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].SourceIPs[0] < out[j].SourceIPs[0]
	})
	return out
}

// TopAttackers returns the n profiles with the highest risk score,
// descending. Ties go to the most recently seen attacker.
func (p *Profiler) TopAttackers(n int) []types.AttackerProfile {
	if n <= 0 {
		return []types.AttackerProfile{}
	}
	out := p.snapshot()
	sort.Slice(out, func(i, j int) bool {
		if out[i].RiskScore != out[j].RiskScore {
			return out[i].RiskScore > out[j].RiskScore
		}
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].SourceIPs[0] < out[j].SourceIPs[0]
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Count returns the number of profiles.
func (p *Profiler) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.profiles)
}

// Clear drops every profile.
func (p *Profiler) Clear() {
	p.mu.Lock()
	p.profiles = make(map[string]*entry)
	p.mu.Unlock()
}

func (p *Profiler) snapshot() []types.AttackerProfile {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]types.AttackerProfile, 0, len(p.profiles))
	for _, e := range p.profiles {
		out = append(out, cloneProfile(&e.profile))
	}
	return out
}

func cloneProfile(p *types.AttackerProfile) types.AttackerProfile {
	out := *p
	out.SourceIPs = append([]string(nil), p.SourceIPs...)
	out.ToolsDetected = append([]string(nil), p.ToolsDetected...)
	out.MitreTechniques = append([]string(nil), p.MitreTechniques...)
	out.CredentialPatterns.CommonUsernames = append([]string(nil), p.CredentialPatterns.CommonUsernames...)
	out.CredentialPatterns.CommonPasswords = append([]string(nil), p.CredentialPatterns.CommonPasswords...)
	return out
}

// counter tracks value frequency, remembering first-seen order for ties.
type counter struct {
	counts map[string]int
	order  []string
}

func (c *counter) add(v string) {
	if c.counts == nil {
		c.counts = make(map[string]int)
	}
	if _, ok := c.counts[v]; !ok {
		c.order = append(c.order, v)
	}
	c.counts[v]++
}

func (c *counter) top(n int) []string {
	ranked := append([]string(nil), c.order...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return c.counts[ranked[i]] > c.counts[ranked[j]]
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

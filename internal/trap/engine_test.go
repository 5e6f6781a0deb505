package trap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invisible-tech/honeytrap-sensor/internal/config"
	"github.com/invisible-tech/honeytrap-sensor/internal/types"
	"github.com/invisible-tech/honeytrap-sensor/pkg/decoy"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testConfig(services ...config.TrapServiceConfig) config.TrapConfig {
	return config.TrapConfig{
		Services:              services,
		BindAddress:           "127.0.0.1",
		Hostname:              "trap-test",
		IdleTimeout:           5 * time.Second,
		MaxSessionDuration:    30 * time.Second,
		GracePeriod:           100 * time.Millisecond,
		ShellAfterAttempts:    3,
		MaxCommandsPerSession: 100,
		SessionRetention:      100,
		IntelRetention:        100,
	}
}

func publicSession(id, ip string, creds int) *types.Session {
	start := time.Now().Add(-time.Minute)
	end := time.Now()
	s := &types.Session{
		ID:          id,
		ServiceType: types.ServiceSSH,
		SourceIP:    ip,
		StartTime:   start,
		EndTime:     &end,
		Commands:    []string{"uname -a"},
		Events:      make([]types.Event, 5),
	}
	for i := 0; i < creds; i++ {
		s.Credentials = append(s.Credentials, types.CredentialAttempt{Username: "root", Password: strconv.Itoa(i)})
	}
	if creds >= 2 {
		s.MitreTechniques = []string{"T1110"}
	}
	return s
}

func TestEngine_ZeroServices(t *testing.T) {
	e, err := New(testConfig(), testLogger())
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, e.Status())

	require.NoError(t, e.Start())
	assert.Equal(t, StatusRunning, e.Status())
	assert.Empty(t, e.RunningServices())
	assert.Equal(t, 0, e.Statistics().TotalSessions)

	require.NoError(t, e.Stop(context.Background()))
	assert.Equal(t, StatusIdle, e.Status())
	require.NoError(t, e.Stop(context.Background()))
}

func TestEngine_ConfigErrors(t *testing.T) {
	_, err := New(testConfig(config.TrapServiceConfig{Type: "gopher", Port: 7070, Enabled: true}), testLogger())
	assert.ErrorIs(t, err, decoy.ErrUnsupportedProtocol)

	_, err = New(testConfig(config.TrapServiceConfig{Type: types.ServiceFTP, Port: 70000, Enabled: true}), testLogger())
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	e, err := New(testConfig(config.TrapServiceConfig{Type: "gopher", Port: 7070, Enabled: false}), testLogger())
	require.NoError(t, err, "disabled services are not built")
	assert.NotNil(t, e)
}

func TestEngine_BindFailureIsolated(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	taken := ln.Addr().(*net.TCPAddr).Port

	e, err := New(testConfig(
		config.TrapServiceConfig{Type: types.ServiceFTP, Port: taken, Enabled: true},
		config.TrapServiceConfig{Type: types.ServiceRedis, Port: 0, Enabled: true},
	), testLogger())
	require.NoError(t, err)

	err = e.Start()
	var startErr *StartError
	require.True(t, errors.As(err, &startErr))
	assert.Contains(t, startErr.Failed, types.ServiceFTP)
	assert.Contains(t, err.Error(), "ftp")
	defer e.Stop(context.Background())

	assert.Equal(t, StatusRunning, e.Status())
	running := e.RunningServices()
	require.Len(t, running, 1)
	assert.Equal(t, types.ServiceRedis, running[0].Type)
	assert.NotZero(t, running[0].Port)
	assert.Contains(t, e.FailedServices(), types.ServiceFTP)
}

func TestEngine_EndToEndFTP(t *testing.T) {
	e, err := New(testConfig(config.TrapServiceConfig{Type: types.ServiceFTP, Port: 0, Enabled: true}), testLogger())
	require.NoError(t, err)

	seen := make(chan *types.Session, 1)
	e.OnSession(func(s *types.Session) { seen <- s })
	require.NoError(t, e.Start())
	defer e.Stop(context.Background())

	port := e.RunningServices()[0].Port
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	r := bufio.NewReader(conn)
	r.ReadString('\n')
	for _, pw := range []string{"123456", "password"} {
		fmt.Fprintf(conn, "USER admin\r\n")
		r.ReadString('\n')
		fmt.Fprintf(conn, "PASS %s\r\n", pw)
		r.ReadString('\n')
	}
	fmt.Fprintf(conn, "QUIT\r\n")
	r.ReadString('\n')
	conn.Close()

	var s *types.Session
	select {
	case s = <-seen:
	case <-time.After(5 * time.Second):
		t.Fatal("no session delivered")
	}
	assert.NotEmpty(t, s.AttackerProfileID, "profiled before handlers run")
	assert.True(t, s.HasTechnique("T1110"))

	require.Len(t, e.CompletedSessions(), 1)
	assert.Equal(t, 1, e.Profiler().Count())
	assert.Empty(t, e.IntelReports(), "loopback sessions never become intel")
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.intelFiltered))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.sessions.WithLabelValues("ftp")))
	assert.Equal(t, 2.0, testutil.ToFloat64(e.metrics.credentials.WithLabelValues("ftp")))

	stats := e.Statistics()
	assert.Equal(t, 1, stats.TotalSessions)
	assert.Equal(t, 1, stats.SessionsByService[types.ServiceFTP])
	assert.Equal(t, 2, stats.TotalCredentialAttempts)
	assert.Equal(t, 1, stats.UniqueSourceIPs)
	assert.Equal(t, 1, stats.SkillDistribution[types.SkillScriptKiddie])
}

func TestEngine_HandleSessionBuildsIntel(t *testing.T) {
	e, err := New(testConfig(), testLogger())
	require.NoError(t, err)

	var got []*types.TrapIntelligence
	e.OnIntel(func(r *types.TrapIntelligence) { got = append(got, r) })
	e.OnIntel(func(*types.TrapIntelligence) { panic("downstream failure") })

	e.handleSession(publicSession("a", "103.45.67.89", 2))
	e.handleSession(publicSession("b", "103.45.67.89", 3))
	e.handleSession(publicSession("c", "192.168.0.4", 2))

	require.Len(t, got, 2)
	assert.Equal(t, types.AttackBruteForce, got[0].AttackType)
	assert.Len(t, e.IntelReports(), 2)

	summary := e.IntelSummary()
	assert.Equal(t, 2, summary.TotalIntelReports)
	assert.Equal(t, 1, summary.UniqueSourceIPs)
	assert.Equal(t, 2, summary.AttackTypeDistribution[types.AttackBruteForce])

	prof, ok := e.Profiler().Profile("103.45.67.89")
	require.True(t, ok)
	assert.Equal(t, 2, prof.TotalSessions)
	assert.Equal(t, 5, prof.CredentialPatterns.TotalAttempts)
	assert.Equal(t, 2.0, testutil.ToFloat64(e.metrics.intel.WithLabelValues(string(types.AttackBruteForce))))
}

func TestEngine_Retention(t *testing.T) {
	cfg := testConfig()
	cfg.SessionRetention = 2
	cfg.IntelRetention = 2
	e, err := New(cfg, testLogger())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		e.handleSession(publicSession(fmt.Sprintf("s%d", i), fmt.Sprintf("198.51.100.%d", i+1), 1))
	}
	sessions := e.CompletedSessions()
	require.Len(t, sessions, 2)
	assert.Equal(t, "s1", sessions[0].ID)
	assert.Equal(t, "s2", sessions[1].ID)

	reports := e.IntelReports()
	require.Len(t, reports, 2)
	assert.Equal(t, "s1", reports[0].SessionID)
}

func TestEngine_StartIsIdempotent(t *testing.T) {
	e, err := New(testConfig(config.TrapServiceConfig{Type: types.ServiceHTTP, Port: 0, Enabled: true}), testLogger())
	require.NoError(t, err)
	require.NoError(t, e.Start())
	port := e.RunningServices()[0].Port
	require.NoError(t, e.Start())
	assert.Equal(t, port, e.RunningServices()[0].Port)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Stop(ctx))
	assert.Empty(t, e.RunningServices())
}

func TestEngine_StatisticsZeroDefaults(t *testing.T) {
	e, err := New(testConfig(), testLogger())
	require.NoError(t, err)
	require.NoError(t, e.Start())
	defer e.Stop(context.Background())

	stats := e.Statistics()
	require.Len(t, stats.SessionsByService, len(types.AllServiceTypes))
	for _, st := range types.AllServiceTypes {
		n, ok := stats.SessionsByService[st]
		assert.True(t, ok, "missing service %s", st)
		assert.Zero(t, n)
	}
	require.Len(t, stats.SkillDistribution, len(types.AllSkillLevels))
	for _, l := range types.AllSkillLevels {
		n, ok := stats.SkillDistribution[l]
		assert.True(t, ok, "missing skill level %s", l)
		assert.Zero(t, n)
	}
}

func TestEngine_StatisticsIncludeActiveSessions(t *testing.T) {
	e, err := New(testConfig(config.TrapServiceConfig{Type: types.ServiceRedis, Port: 0, Enabled: true}), testLogger())
	require.NoError(t, err)
	require.NoError(t, e.Start())
	defer e.Stop(context.Background())

	port := e.RunningServices()[0].Port
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return e.Statistics().ActiveSessions == 1 }, 5*time.Second, 10*time.Millisecond)
	stats := e.Statistics()
	assert.Equal(t, 1, stats.SkillDistribution[types.SkillScriptKiddie])
	assert.Equal(t, 1, stats.UniqueSourceIPs)
	assert.Equal(t, 1, stats.SessionsByService[types.ServiceRedis])
	assert.Zero(t, stats.SessionsByService[types.ServiceSSH])
}

// Package config provides configuration loading from environment, YAML
// files and defaults for the decoy engine and the trapd daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/invisible-tech/honeytrap-sensor/internal/types"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid trap configuration")

// GetEnv returns the value of key from the environment, or defaultValue if unset or empty.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return defaultValue
}

// GetEnvDuration returns the duration for key, or defaultValue if unset/invalid.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}

// GetEnvInt returns the integer for key, or defaultValue if unset/invalid.
func GetEnvInt(key string, defaultValue int) int {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return n
}

// GetEnvBool returns the boolean for key, or defaultValue if unset/invalid.
func GetEnvBool(key string, defaultValue bool) bool {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return defaultValue
	}
	return b
}

// TrapServiceConfig configures one decoy listener.
type TrapServiceConfig struct {
	Type    types.ServiceType `yaml:"type" json:"type"`
	Port    int               `yaml:"port" json:"port"`
	Enabled bool              `yaml:"enabled" json:"enabled"`
}

// TrapConfig is the engine configuration. It is not modified once the
// engine has started.
type TrapConfig struct {
	Services []TrapServiceConfig `yaml:"services" json:"services"`

	BindAddress string `yaml:"bind_address" json:"bind_address"`
	// Hostname is the machine name the decoys pretend to be.
	Hostname string `yaml:"hostname" json:"hostname"`

	IdleTimeout        time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	MaxSessionDuration time.Duration `yaml:"max_session_duration" json:"max_session_duration"`
	GracePeriod        time.Duration `yaml:"grace_period" json:"grace_period"`

	// ShellAfterAttempts is the credential attempt on which SSH and telnet
	// decoys drop the attacker into the fake shell. Zero keeps them at the
	// login prompt forever.
	ShellAfterAttempts    int `yaml:"shell_after_attempts" json:"shell_after_attempts"`
	MaxCommandsPerSession int `yaml:"max_commands_per_session" json:"max_commands_per_session"`

	SessionRetention int `yaml:"session_retention" json:"session_retention"`
	IntelRetention   int `yaml:"intel_retention" json:"intel_retention"`
}

// DefaultPorts are the listener ports used when a service is enabled
// without an explicit port.
var DefaultPorts = map[types.ServiceType]int{
	types.ServiceSSH:    2222,
	types.ServiceHTTP:   8080,
	types.ServiceFTP:    2121,
	types.ServiceTelnet: 2323,
	types.ServiceMySQL:  3306,
	types.ServiceRedis:  6379,
	types.ServiceSMB:    4445,
	types.ServiceRDP:    3389,
}

// DefaultServiceConfigs returns one config per supported protocol. SSH,
// HTTP, FTP and telnet are enabled by default.
func DefaultServiceConfigs() []TrapServiceConfig {
	enabled := map[types.ServiceType]bool{
		types.ServiceSSH:    true,
		types.ServiceHTTP:   true,
		types.ServiceFTP:    true,
		types.ServiceTelnet: true,
	}
	out := make([]TrapServiceConfig, 0, len(types.AllServiceTypes))
	for _, t := range types.AllServiceTypes {
		out = append(out, TrapServiceConfig{Type: t, Port: DefaultPorts[t], Enabled: enabled[t]})
	}
	return out
}

// DefaultTrapConfig returns engine config from environment with defaults.
func DefaultTrapConfig() TrapConfig {
	return TrapConfig{
		Services:              DefaultServiceConfigs(),
		BindAddress:           GetEnv("TRAP_BIND_ADDRESS", "0.0.0.0"),
		Hostname:              GetEnv("TRAP_HOSTNAME", "srv-prod-db01"),
		IdleTimeout:           GetEnvDuration("TRAP_IDLE_TIMEOUT", 2*time.Minute),
		MaxSessionDuration:    GetEnvDuration("TRAP_MAX_SESSION_DURATION", 15*time.Minute),
		GracePeriod:           GetEnvDuration("TRAP_GRACE_PERIOD", 5*time.Second),
		ShellAfterAttempts:    GetEnvInt("TRAP_SHELL_AFTER_ATTEMPTS", 3),
		MaxCommandsPerSession: 500,
		SessionRetention:      10000,
		IntelRetention:        10000,
	}
}

// LoadTrapConfig reads a YAML file over the defaults. Keys missing from the
// file keep their default; a present services list replaces the defaults.
func LoadTrapConfig(path string) (TrapConfig, error) {
	cfg := DefaultTrapConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	for i := range cfg.Services {
		if cfg.Services[i].Port == 0 {
			cfg.Services[i].Port = DefaultPorts[cfg.Services[i].Type]
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// EnabledServices returns the services that should be started.
func (c TrapConfig) EnabledServices() []TrapServiceConfig {
	var out []TrapServiceConfig
	for _, s := range c.Services {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks ports, durations and duplicate listeners. Unknown
// protocol types are left to the decoy factory, which rejects them.
func (c TrapConfig) Validate() error {
	seen := make(map[types.ServiceType]bool)
	ports := make(map[int]types.ServiceType)
	for _, s := range c.Services {
		if s.Port < 0 || s.Port > 65535 {
			return fmt.Errorf("%w: service %s port %d out of range", ErrInvalidConfig, s.Type, s.Port)
		}
		if seen[s.Type] {
			return fmt.Errorf("%w: service %s configured more than once", ErrInvalidConfig, s.Type)
		}
		seen[s.Type] = true
		if !s.Enabled || s.Port == 0 {
			continue
		}
		if other, ok := ports[s.Port]; ok {
			return fmt.Errorf("%w: services %s and %s both use port %d", ErrInvalidConfig, other, s.Type, s.Port)
		}
		ports[s.Port] = s.Type
	}
	if c.IdleTimeout < 0 || c.MaxSessionDuration < 0 || c.GracePeriod < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidConfig)
	}
	if c.ShellAfterAttempts < 0 || c.MaxCommandsPerSession < 0 {
		return fmt.Errorf("%w: attempt and command limits must not be negative", ErrInvalidConfig)
	}
	return nil
}

// DaemonConfig holds configuration for cmd/trapd.
type DaemonConfig struct {
	ConfigFile      string
	WatchConfig     bool
	HTTPAddr        string
	ShutdownTimeout time.Duration
	LogLevel        string

	ReportQueueSize int

	ReportEndpoint string
	ReportAPIKey   string
	ReportTimeout  time.Duration

	NATSURL           string
	NATSSubjectPrefix string
	NATSCompress      bool

	SyslogEnabled bool
	SyslogAppName string
}

// DefaultDaemonConfig returns daemon config from environment.
func DefaultDaemonConfig() DaemonConfig {
	return DaemonConfig{
		ConfigFile:        GetEnv("TRAP_CONFIG_FILE", ""),
		WatchConfig:       GetEnvBool("TRAP_WATCH_CONFIG", true),
		HTTPAddr:          GetEnv("HTTP_ADDR", ":9090"),
		ShutdownTimeout:   GetEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		LogLevel:          GetEnv("LOG_LEVEL", "info"),
		ReportQueueSize:   GetEnvInt("REPORT_QUEUE_SIZE", 10000),
		ReportEndpoint:    GetEnv("REPORT_ENDPOINT", ""),
		ReportAPIKey:      GetEnv("REPORT_API_KEY", ""),
		ReportTimeout:     GetEnvDuration("REPORT_TIMEOUT", 30*time.Second),
		NATSURL:           GetEnv("NATS_URL", ""),
		NATSSubjectPrefix: GetEnv("NATS_SUBJECT_PREFIX", "honeytrap.intel"),
		NATSCompress:      GetEnvBool("NATS_COMPRESS", false),
		SyslogEnabled:     GetEnvBool("SYSLOG_ENABLED", false),
		SyslogAppName:     GetEnv("SYSLOG_APP_NAME", "trapd"),
	}
}

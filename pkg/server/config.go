package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/time/rate"
)

// EnvPrefix prefixes every environment override: SISTCHAT_SECTION_KEY.
const EnvPrefix = "SISTCHAT"

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server  ServerSection  `toml:"server"`
	Limits  LimitsSection  `toml:"limits"`
	History HistorySection `toml:"history"`
	Logging LoggingSection `toml:"logging"`
	Admin   AdminSection   `toml:"admin"`
}

type ServerSection struct {
	BindAddress string `toml:"bind_address"`
	TCPPort     int    `toml:"tcp_port"`
	SSHPort     int    `toml:"ssh_port"`
	SSHHostKey  string `toml:"ssh_host_key"`
	HTTPPort    int    `toml:"http_port"`
	AdminPort   int    `toml:"admin_port"`
}

type LimitsSection struct {
	MaxUsers            int `toml:"max_users"`
	MaxUsernameLength   int `toml:"max_username_length"`
	MaxMessageLength    int `toml:"max_message_length"`
	MessageRateLimit    int `toml:"message_rate_limit"`
	MessageBurst        int `toml:"message_burst"`
	OutboxSize          int `toml:"outbox_size"`
	IdleTimeoutSeconds  int `toml:"idle_timeout_seconds"`
	WriteTimeoutSeconds int `toml:"write_timeout_seconds"`
}

type HistorySection struct {
	BroadcastLogSize int `toml:"broadcast_log_size"`
}

type LoggingSection struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type AdminSection struct {
	AllowedOrigins []string `toml:"allowed_origins"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			BindAddress: "",
			TCPPort:     6465,
			SSHPort:     0,
			SSHHostKey:  "~/.sistchat/ssh_host_key",
			HTTPPort:    0,
			AdminPort:   9090,
		},
		Limits: LimitsSection{
			MaxUsers:            0,
			MaxUsernameLength:   32,
			MaxMessageLength:    4096,
			MessageRateLimit:    60,
			MessageBurst:        10,
			OutboxSize:          64,
			IdleTimeoutSeconds:  0,
			WriteTimeoutSeconds: 10,
		},
		History: HistorySection{
			BroadcastLogSize: 1000,
		},
		Logging: LoggingSection{
			Level:  "info",
			Format: "console",
		},
		Admin: AdminSection{
			AllowedOrigins: []string{"http://localhost:*"},
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides. Keys missing from the file
// keep their defaults.
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	config := DefaultTOMLConfig()

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		// A read-only filesystem still runs on defaults
		_ = writeDefaultConfig(path)
		return applyEnvOverrides(config), nil
	}

	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

func envKey(section, key string) string {
	return EnvPrefix + "_" + section + "_" + key
}

// applyEnvOverrides applies environment variable overrides to the config.
// Example: SISTCHAT_SERVER_TCP_PORT=7000. Unparseable values are ignored.
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	ints := []struct {
		section, key string
		dst          *int
	}{
		{"SERVER", "TCP_PORT", &config.Server.TCPPort},
		{"SERVER", "SSH_PORT", &config.Server.SSHPort},
		{"SERVER", "HTTP_PORT", &config.Server.HTTPPort},
		{"SERVER", "ADMIN_PORT", &config.Server.AdminPort},
		{"LIMITS", "MAX_USERS", &config.Limits.MaxUsers},
		{"LIMITS", "MAX_USERNAME_LENGTH", &config.Limits.MaxUsernameLength},
		{"LIMITS", "MAX_MESSAGE_LENGTH", &config.Limits.MaxMessageLength},
		{"LIMITS", "MESSAGE_RATE_LIMIT", &config.Limits.MessageRateLimit},
		{"LIMITS", "MESSAGE_BURST", &config.Limits.MessageBurst},
		{"LIMITS", "OUTBOX_SIZE", &config.Limits.OutboxSize},
		{"LIMITS", "IDLE_TIMEOUT_SECONDS", &config.Limits.IdleTimeoutSeconds},
		{"LIMITS", "WRITE_TIMEOUT_SECONDS", &config.Limits.WriteTimeoutSeconds},
		{"HISTORY", "BROADCAST_LOG_SIZE", &config.History.BroadcastLogSize},
	}
	for _, o := range ints {
		if val := os.Getenv(envKey(o.section, o.key)); val != "" {
			if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
				*o.dst = n
			}
		}
	}

	strs := []struct {
		section, key string
		dst          *string
	}{
		{"SERVER", "BIND_ADDRESS", &config.Server.BindAddress},
		{"SERVER", "SSH_HOST_KEY", &config.Server.SSHHostKey},
		{"LOGGING", "LEVEL", &config.Logging.Level},
		{"LOGGING", "FORMAT", &config.Logging.Format},
	}
	for _, o := range strs {
		if val := os.Getenv(envKey(o.section, o.key)); val != "" {
			*o.dst = val
		}
	}

	if val := os.Getenv(envKey("ADMIN", "ALLOWED_ORIGINS")); val != "" {
		// Comma-separated list
		origins := strings.Split(val, ",")
		for i, origin := range origins {
			origins[i] = strings.TrimSpace(origin)
		}
		config.Admin.AllowedOrigins = origins
	}

	return config
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := `# sistchat server configuration
# Generated with default values. Restart the server after editing.
#
# Environment variables override these settings:
# SISTCHAT_SECTION_KEY (e.g. SISTCHAT_SERVER_TCP_PORT=7000)

[server]
# Interface to bind (empty = all interfaces)
bind_address = ""

# Port for the binary chat protocol over TCP
tcp_port = 6465

# Port for the same protocol over SSH (0 = disabled)
ssh_port = 0

# SSH host key, generated on first start if missing
ssh_host_key = "~/.sistchat/ssh_host_key"

# Port for WebSocket clients on /ws (0 = disabled)
http_port = 0

# Internal admin API: /health, /metrics, /users, /broadcasts (0 = disabled)
# Never expose this port publicly.
admin_port = 9090

[limits]
# Maximum registered users (0 = unlimited)
max_users = 0

# Maximum username length in characters
max_username_length = 32

# Maximum message length in bytes
max_message_length = 4096

# Messages per minute per session (0 = unlimited) and burst allowance
message_rate_limit = 60
message_burst = 10

# Frames queued per session before a slow client is disconnected
outbox_size = 64

# Disconnect clients idle longer than this (0 = never)
idle_timeout_seconds = 0

# Disconnect clients that stop reading for this long (0 = never)
write_timeout_seconds = 10

[history]
# Number of broadcast messages kept for the admin API
broadcast_log_size = 1000

[logging]
# trace, debug, info, warn, error
level = "info"
# console or json
format = "console"

[admin]
# CORS origins allowed to call the admin API
allowed_origins = ["http://localhost:*"]
`

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// ServerConfig holds the runtime server configuration
type ServerConfig struct {
	BindAddress    string
	TCPPort        int
	SSHPort        int // 0 = disabled
	SSHHostKeyPath string
	HTTPPort       int // WebSocket listener, 0 = disabled
	AdminPort      int // 0 = disabled

	MaxUsers          int
	MaxUsernameLength int
	MaxMessageLength  int
	MessageRateLimit  int // per minute, 0 = unlimited
	MessageBurst      int
	OutboxSize        int
	IdleTimeout       time.Duration
	WriteTimeout      time.Duration
	FlushTimeout      time.Duration

	BroadcastLogSize int

	LogLevel  string
	LogFormat string

	AllowedOrigins []string
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	c := DefaultTOMLConfig()
	return c.ToServerConfig()
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	return ServerConfig{
		BindAddress:       strings.TrimSpace(c.Server.BindAddress),
		TCPPort:           c.Server.TCPPort,
		SSHPort:           c.Server.SSHPort,
		SSHHostKeyPath:    c.Server.SSHHostKey,
		HTTPPort:          c.Server.HTTPPort,
		AdminPort:         c.Server.AdminPort,
		MaxUsers:          c.Limits.MaxUsers,
		MaxUsernameLength: c.Limits.MaxUsernameLength,
		MaxMessageLength:  c.Limits.MaxMessageLength,
		MessageRateLimit:  c.Limits.MessageRateLimit,
		MessageBurst:      c.Limits.MessageBurst,
		OutboxSize:        c.Limits.OutboxSize,
		IdleTimeout:       time.Duration(c.Limits.IdleTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(c.Limits.WriteTimeoutSeconds) * time.Second,
		FlushTimeout:      2 * time.Second,
		BroadcastLogSize:  c.History.BroadcastLogSize,
		LogLevel:          c.Logging.Level,
		LogFormat:         c.Logging.Format,
		AllowedOrigins:    c.Admin.AllowedOrigins,
	}
}

func validPort(p int) bool {
	return p >= 0 && p <= 65535
}

// Validate rejects configurations the server cannot run with.
func (c ServerConfig) Validate() error {
	ports := []struct {
		name string
		port int
	}{
		{"tcp_port", c.TCPPort},
		{"ssh_port", c.SSHPort},
		{"http_port", c.HTTPPort},
		{"admin_port", c.AdminPort},
	}
	for _, p := range ports {
		if !validPort(p.port) {
			return fmt.Errorf("%s out of range: %d", p.name, p.port)
		}
	}

	switch {
	case c.MaxUsers < 0:
		return fmt.Errorf("max_users must not be negative: %d", c.MaxUsers)
	case c.MaxUsernameLength <= 0:
		return fmt.Errorf("max_username_length must be positive: %d", c.MaxUsernameLength)
	case c.MaxMessageLength <= 0:
		return fmt.Errorf("max_message_length must be positive: %d", c.MaxMessageLength)
	case c.MessageRateLimit < 0:
		return fmt.Errorf("message_rate_limit must not be negative: %d", c.MessageRateLimit)
	case c.OutboxSize <= 0:
		return fmt.Errorf("outbox_size must be positive: %d", c.OutboxSize)
	case c.IdleTimeout < 0:
		return fmt.Errorf("idle_timeout_seconds must not be negative")
	case c.WriteTimeout < 0:
		return fmt.Errorf("write_timeout_seconds must not be negative")
	case c.BroadcastLogSize <= 0:
		return fmt.Errorf("broadcast_log_size must be positive: %d", c.BroadcastLogSize)
	case c.SSHPort > 0 && strings.TrimSpace(c.SSHHostKeyPath) == "":
		return errors.New("ssh_host_key is required when ssh_port is set")
	}
	return nil
}

func (c ServerConfig) sessionOptions() sessionOptions {
	opts := sessionOptions{
		outboxSize:   c.OutboxSize,
		idleTimeout:  c.IdleTimeout,
		writeTimeout: c.WriteTimeout,
		flushTimeout: c.FlushTimeout,
		messageBurst: c.MessageBurst,
	}
	if c.MessageRateLimit > 0 {
		opts.messageRate = rate.Limit(float64(c.MessageRateLimit) / 60)
	}
	return opts
}

package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/onkernel/chat-bridge/lib/browser"
	"github.com/onkernel/chat-bridge/lib/rpc"
	"github.com/onkernel/chat-bridge/lib/session"
)

// Config holds all configuration for the bridge
type Config struct {
	// Socket configuration
	ListenType      string        `envconfig:"LISTEN_TYPE" default:"unix"`
	SocketPath      string        `envconfig:"SOCKET_PATH" default:"./bridge.sock"`
	ListenHost      string        `envconfig:"LISTEN_HOST" default:"127.0.0.1"`
	ListenPort      int           `envconfig:"LISTEN_PORT" default:"29395"`
	RegisterTimeout time.Duration `envconfig:"REGISTER_TIMEOUT" default:"3s"`

	// Browser configuration
	ChromiumPath      string `envconfig:"CHROMIUM_PATH" default:"chromium"`
	ChromiumFlags     string `envconfig:"CHROMIUM_FLAGS"`
	ChromiumFlagsFile string `envconfig:"CHROMIUM_FLAGS_FILE"`
	ProfileDir        string `envconfig:"PROFILE_DIR" default:"./profiles"`
	ExtensionDir      string `envconfig:"EXTENSION_DIR"`

	// Web client
	ClientURL       string `envconfig:"CLIENT_URL"`
	DOMSourceScript string `envconfig:"DOM_SOURCE_SCRIPT"`
	DOMSourceWatch  bool   `envconfig:"DOM_SOURCE_WATCH" default:"false"`

	// Session timing. A negative CYCLE_DELAY disables chat cycling and a zero
	// IDLE_DEFEAT_INTERVAL disables the keep-alive.
	CycleDelay         time.Duration `envconfig:"CYCLE_DELAY" default:"5s"`
	IdleDefeatInterval time.Duration `envconfig:"IDLE_DEFEAT_INTERVAL" default:"0s"`
	SendTimeout        time.Duration `envconfig:"SEND_TIMEOUT" default:"10s"`
	UploadTimeout      time.Duration `envconfig:"UPLOAD_TIMEOUT" default:"60s"`
	ParseTimeout       time.Duration `envconfig:"PARSE_TIMEOUT" default:"5s"`
	LoginPollInterval  time.Duration `envconfig:"LOGIN_POLL_INTERVAL" default:"1s"`
	HistorySyncTimeout time.Duration `envconfig:"HISTORY_SYNC_TIMEOUT" default:"2m"`

	// Optional surfaces; empty disables each.
	HealthAddr string `envconfig:"HEALTH_ADDR"`
	StateDB    string `envconfig:"STATE_DB"`
	DebugDir   string `envconfig:"DEBUG_DIR"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		return nil, err
	}
	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(config *Config) error {
	switch config.ListenType {
	case "unix":
		if config.SocketPath == "" {
			return fmt.Errorf("SOCKET_PATH is required when LISTEN_TYPE is unix")
		}
	case "tcp":
		if config.ListenPort <= 0 || config.ListenPort > 65535 {
			return fmt.Errorf("LISTEN_PORT must be between 1 and 65535")
		}
	default:
		return fmt.Errorf("LISTEN_TYPE must be unix or tcp, got %q", config.ListenType)
	}
	if config.RegisterTimeout <= 0 {
		return fmt.Errorf("REGISTER_TIMEOUT must be greater than 0")
	}
	if config.ChromiumPath == "" {
		return fmt.Errorf("CHROMIUM_PATH is required")
	}
	if config.ProfileDir == "" {
		return fmt.Errorf("PROFILE_DIR is required")
	}
	if config.ClientURL == "" {
		return fmt.Errorf("CLIENT_URL is required")
	}
	if config.DOMSourceScript == "" {
		return fmt.Errorf("DOM_SOURCE_SCRIPT is required")
	}
	if config.IdleDefeatInterval < 0 {
		return fmt.Errorf("IDLE_DEFEAT_INTERVAL must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"SEND_TIMEOUT":         config.SendTimeout,
		"UPLOAD_TIMEOUT":       config.UploadTimeout,
		"PARSE_TIMEOUT":        config.ParseTimeout,
		"LOGIN_POLL_INTERVAL":  config.LoginPollInterval,
		"HISTORY_SYNC_TIMEOUT": config.HistorySyncTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be greater than 0", name)
		}
	}

	return nil
}

// Session returns the per-session configuration.
func (c *Config) Session() session.Config {
	return session.Config{
		ClientURL:          c.ClientURL,
		CycleDelay:         c.CycleDelay,
		IdleDefeatInterval: c.IdleDefeatInterval,
		SendTimeout:        c.SendTimeout,
		UploadTimeout:      c.UploadTimeout,
		ParseTimeout:       c.ParseTimeout,
		LoginPollInterval:  c.LoginPollInterval,
		HistorySyncTimeout: c.HistorySyncTimeout,
	}
}

// RPC returns the socket server configuration.
func (c *Config) RPC() rpc.Config {
	cfg := rpc.Config{Network: c.ListenType, RegisterTimeout: c.RegisterTimeout}
	if c.ListenType == "tcp" {
		cfg.Address = net.JoinHostPort(c.ListenHost, strconv.Itoa(c.ListenPort))
	} else {
		cfg.Address = c.SocketPath
	}
	return cfg
}

func (c *Config) Launcher() browser.LauncherConfig {
	return browser.LauncherConfig{
		ChromiumPath: c.ChromiumPath,
		BaseFlags:    c.ChromiumFlags,
		FlagsFile:    c.ChromiumFlagsFile,
		ProfileDir:   c.ProfileDir,
		ExtensionDir: c.ExtensionDir,
	}
}

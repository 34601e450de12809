package mux

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/usbmux-protocol/usbmux-go/pkg/log"
	"github.com/usbmux-protocol/usbmux-go/pkg/transport"
)

// Defaults applied by Dial.
const (
	// DefaultClientVersion is the ClientVersionString sent in requests.
	DefaultClientVersion = "usbmux-go"

	// DefaultProgName is the ProgName sent in requests.
	DefaultProgName = "usbmux-go"

	// DefaultMaxWait is the default budget for ConnectToFirstDevice.
	DefaultMaxWait = 2 * time.Second
)

// Config configures a Mux.
type Config struct {
	// SocketPath is the daemon's Unix socket path (Unix-like platforms).
	// Default: /var/run/usbmuxd.
	SocketPath string `yaml:"socket_path"`

	// SocketPort is the daemon's local TCP port (Windows).
	// Default: 27015.
	SocketPort int `yaml:"socket_port"`

	// ClientVersion is sent as ClientVersionString for daemon
	// diagnostics.
	ClientVersion string `yaml:"client_version"`

	// ProgName is sent as ProgName for daemon diagnostics.
	ProgName string `yaml:"prog_name"`

	// DialTimeout bounds each connection to the daemon.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// Logger receives protocol events. Nil disables capture.
	Logger log.Logger `yaml:"-"`
}

// withDefaults returns a copy of c with zero values filled in.
func (c Config) withDefaults() Config {
	if c.ClientVersion == "" {
		c.ClientVersion = DefaultClientVersion
	}
	if c.ProgName == "" {
		c.ProgName = DefaultProgName
	}
	if c.Logger == nil {
		c.Logger = log.NoopLogger{}
	}
	return c
}

// transportConfig derives the transport configuration.
func (c Config) transportConfig() transport.Config {
	return transport.Config{
		SocketPath:  c.SocketPath,
		SocketPort:  c.SocketPort,
		DialTimeout: c.DialTimeout,
		Logger:      c.Logger,
	}
}

// LoadConfig reads a Config from a YAML file. Missing fields keep their
// zero values and pick up defaults in Dial.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

package transport

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"time"

	"github.com/usbmux-protocol/usbmux-go/pkg/log"
)

// Defaults for reaching the local daemon.
const (
	// DefaultSocketPath is the daemon's Unix socket path.
	DefaultSocketPath = "/var/run/usbmuxd"

	// DefaultSocketPort is the daemon's TCP port on Windows.
	DefaultSocketPort = 27015

	// DefaultDialTimeout bounds connection establishment when the
	// context carries no deadline.
	DefaultDialTimeout = 30 * time.Second
)

// Config configures how connections to the daemon are established.
type Config struct {
	// SocketPath is the Unix socket path (Unix-like platforms).
	SocketPath string

	// SocketPort is the local TCP port (Windows).
	SocketPort int

	// DialTimeout bounds connection establishment (default: 30s).
	DialTimeout time.Duration

	// Logger receives protocol events. Nil disables capture.
	Logger log.Logger
}

// withDefaults returns a copy of c with zero values filled in.
func (c Config) withDefaults() Config {
	if c.SocketPath == "" {
		c.SocketPath = DefaultSocketPath
	}
	if c.SocketPort == 0 {
		c.SocketPort = DefaultSocketPort
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.Logger == nil {
		c.Logger = log.NoopLogger{}
	}
	return c
}

// endpoint returns the network and address for the running platform.
func (c Config) endpoint() (network, address string) {
	if runtime.GOOS == "windows" {
		return "tcp", fmt.Sprintf("127.0.0.1:%d", c.SocketPort)
	}
	return "unix", c.SocketPath
}

// Dial establishes a connection to the daemon and returns it unstarted.
// Call Start with a Handler to begin delivery.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	cfg = cfg.withDefaults()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}

	network, address := cfg.endpoint()
	dialer := &net.Dialer{}
	nc, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s failed: %w", network, address, err)
	}

	return NewConn(nc, cfg.Logger), nil
}

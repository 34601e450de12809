// Package interactive provides the interactive command-line interface
// for usbmux-cli.
package interactive

import (
	"context"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"

	"github.com/usbmux-protocol/usbmux-go/pkg/mux"
	"github.com/usbmux-protocol/usbmux-go/pkg/registry"
)

// defaultWaitTimeout bounds wait and serial commands unless the user
// gives an explicit timeout.
const defaultWaitTimeout = 30 * time.Second

// forward is one active local-port forward.
type forward struct {
	localPort  int
	deviceID   int
	devicePort uint16
	listener   net.Listener
	cancel     context.CancelFunc
}

// Session handles interactive mode for usbmux-cli.
type Session struct {
	m  *mux.Mux
	rl *readline.Instance

	mu       sync.Mutex
	forwards []*forward
}

// New creates a new interactive session handler.
func New(m *mux.Mux) (*Session, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "usbmux> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Session{m: m, rl: rl}, nil
}

// Stdout returns a writer that properly coordinates with the readline
// input. Use this for log output to avoid interfering with the prompt.
func (s *Session) Stdout() io.Writer {
	return s.rl.Stdout()
}

// Run starts the interactive command loop.
func (s *Session) Run(ctx context.Context, cancel context.CancelFunc) {
	defer s.rl.Close()
	defer s.stopForwards()

	s.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := s.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(s.rl.Stdout(), "Exiting...")
			cancel()
			return
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		parts := strings.Fields(input)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "help", "?":
			s.printHelp()

		case "list", "ls", "devices":
			s.cmdList()

		case "wait":
			s.cmdWait(ctx, args)

		case "serial":
			s.cmdSerial(ctx, args)

		case "connect":
			s.cmdConnect(ctx, args)

		case "forward":
			s.cmdForward(ctx, args)

		case "forwards":
			s.cmdForwards()

		case "watch":
			s.cmdWatch(ctx, args)

		case "quit", "exit", "q":
			fmt.Fprintln(s.rl.Stdout(), "Exiting...")
			cancel()
			return

		default:
			fmt.Fprintf(s.rl.Stdout(), "Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func (s *Session) printHelp() {
	fmt.Fprintln(s.rl.Stdout(), `
usbmux Commands:
  Devices:
    list                                  - List attached devices
    wait [seconds]                        - Wait for the next device attach
    serial <serial> [seconds]             - Wait for a device by serial number
    watch [seconds]                       - Print attach/detach events

  Tunnels:
    connect <device-id> <port>            - Probe a device port
    forward <local-port> <device-id> <port> - Forward a local TCP port
    forwards                              - List active forwards

  General:
    help                                  - Show this help
    quit                                  - Exit`)
}

// cmdList prints the attached device table.
func (s *Session) cmdList() {
	devices := s.m.Attached()
	if len(devices) == 0 {
		fmt.Fprintln(s.rl.Stdout(), "No devices attached")
		return
	}

	ids := make([]int, 0, len(devices))
	for id := range devices {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	fmt.Fprintf(s.rl.Stdout(), "\nAttached Devices (%d):\n", len(ids))
	fmt.Fprintln(s.rl.Stdout(), "-------------------------------------------")
	for _, id := range ids {
		props := devices[id]
		fmt.Fprintf(s.rl.Stdout(), "  ID: %d\n", id)
		fmt.Fprintf(s.rl.Stdout(), "      Serial: %s\n", props.SerialNumber)
		fmt.Fprintf(s.rl.Stdout(), "      Type:   %s\n", props.ConnectionType)
		fmt.Fprintln(s.rl.Stdout())
	}
}

// cmdWait blocks until the next device attaches.
func (s *Session) cmdWait(ctx context.Context, args []string) {
	timeout := defaultWaitTimeout
	if len(args) > 0 {
		secs, err := strconv.Atoi(args[0])
		if err != nil {
			fmt.Fprintf(s.rl.Stdout(), "Invalid timeout: %v\n", err)
			return
		}
		timeout = time.Duration(secs) * time.Second
	}

	fmt.Fprintf(s.rl.Stdout(), "Waiting for device attach (up to %v)...\n", timeout)
	id, err := s.m.WaitForAttach(ctx, timeout)
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Wait failed: %v\n", err)
		return
	}
	fmt.Fprintf(s.rl.Stdout(), "Device %d attached\n", id)
}

// cmdSerial blocks until a device with the given serial attaches.
func (s *Session) cmdSerial(ctx context.Context, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.rl.Stdout(), "Usage: serial <serial> [seconds]")
		return
	}
	timeout := defaultWaitTimeout
	if len(args) > 1 {
		secs, err := strconv.Atoi(args[1])
		if err != nil {
			fmt.Fprintf(s.rl.Stdout(), "Invalid timeout: %v\n", err)
			return
		}
		timeout = time.Duration(secs) * time.Second
	}

	fmt.Fprintf(s.rl.Stdout(), "Waiting for serial %s (up to %v)...\n", args[0], timeout)
	id, err := s.m.WaitForSerial(ctx, args[0], timeout)
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Wait failed: %v\n", err)
		return
	}
	fmt.Fprintf(s.rl.Stdout(), "Device %d matches serial %s\n", id, args[0])
}

// cmdConnect probes a device port by opening and closing a tunnel.
func (s *Session) cmdConnect(ctx context.Context, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(s.rl.Stdout(), "Usage: connect <device-id> <port>")
		return
	}
	deviceID, port, err := parseDevicePort(args[0], args[1])
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "%v\n", err)
		return
	}

	stream, err := s.m.ConnectToDevice(ctx, deviceID, port)
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Connect failed: %v\n", err)
		return
	}
	stream.Close()
	fmt.Fprintf(s.rl.Stdout(), "Device %d accepts connections on port %d\n", deviceID, port)
}

// cmdForward starts a local TCP listener forwarding to a device port.
func (s *Session) cmdForward(ctx context.Context, args []string) {
	if len(args) < 3 {
		fmt.Fprintln(s.rl.Stdout(), "Usage: forward <local-port> <device-id> <port>")
		return
	}
	localPort, err := strconv.Atoi(args[0])
	if err != nil || localPort < 1 || localPort > 65535 {
		fmt.Fprintf(s.rl.Stdout(), "Invalid local port: %s\n", args[0])
		return
	}
	deviceID, port, err := parseDevicePort(args[1], args[2])
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "%v\n", err)
		return
	}

	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", localPort))
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Listen failed: %v\n", err)
		return
	}

	fwdCtx, cancel := context.WithCancel(ctx)
	f := &forward{
		localPort:  localPort,
		deviceID:   deviceID,
		devicePort: port,
		listener:   l,
		cancel:     cancel,
	}
	s.mu.Lock()
	s.forwards = append(s.forwards, f)
	s.mu.Unlock()

	go s.serveForward(fwdCtx, f)
	fmt.Fprintf(s.rl.Stdout(), "Forwarding 127.0.0.1:%d -> device %d port %d\n", localPort, deviceID, port)
}

// serveForward accepts local connections and bridges each to a fresh
// device tunnel.
func (s *Session) serveForward(ctx context.Context, f *forward) {
	for {
		local, err := f.listener.Accept()
		if err != nil {
			return
		}
		go func() {
			defer local.Close()
			stream, err := s.m.ConnectToDevice(ctx, f.deviceID, f.devicePort)
			if err != nil {
				fmt.Fprintf(s.rl.Stdout(), "Forward to device %d failed: %v\n", f.deviceID, err)
				return
			}
			defer stream.Close()

			done := make(chan struct{})
			go func() {
				io.Copy(stream, local)
				stream.Close()
				close(done)
			}()
			io.Copy(local, stream)
			<-done
		}()
	}
}

// cmdForwards lists active port forwards.
func (s *Session) cmdForwards() {
	s.mu.Lock()
	forwards := append([]*forward(nil), s.forwards...)
	s.mu.Unlock()

	if len(forwards) == 0 {
		fmt.Fprintln(s.rl.Stdout(), "No active forwards")
		return
	}
	for _, f := range forwards {
		fmt.Fprintf(s.rl.Stdout(), "  127.0.0.1:%d -> device %d port %d\n", f.localPort, f.deviceID, f.devicePort)
	}
}

// cmdWatch prints attach/detach events for a bounded time.
func (s *Session) cmdWatch(ctx context.Context, args []string) {
	timeout := defaultWaitTimeout
	if len(args) > 0 {
		secs, err := strconv.Atoi(args[0])
		if err != nil {
			fmt.Fprintf(s.rl.Stdout(), "Invalid timeout: %v\n", err)
			return
		}
		timeout = time.Duration(secs) * time.Second
	}

	w := s.m.Watch(false)
	defer w.Close()

	fmt.Fprintf(s.rl.Stdout(), "Watching for %v...\n", timeout)
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		ev, err := w.Next(ctx, remaining)
		if err != nil {
			if err != registry.ErrWaitTimeout {
				fmt.Fprintf(s.rl.Stdout(), "Watch failed: %v\n", err)
			}
			return
		}
		switch ev.Action {
		case registry.ActionAttached:
			fmt.Fprintf(s.rl.Stdout(), "ATTACHED  device %d  serial=%s\n", ev.DeviceID, ev.Properties.SerialNumber)
		case registry.ActionDetached:
			fmt.Fprintf(s.rl.Stdout(), "DETACHED  device %d\n", ev.DeviceID)
		}
	}
}

// stopForwards tears down all active forwards.
func (s *Session) stopForwards() {
	s.mu.Lock()
	forwards := s.forwards
	s.forwards = nil
	s.mu.Unlock()

	for _, f := range forwards {
		f.cancel()
		f.listener.Close()
	}
}

// parseDevicePort parses device id and port arguments.
func parseDevicePort(devArg, portArg string) (int, uint16, error) {
	deviceID, err := strconv.Atoi(devArg)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid device id: %s", devArg)
	}
	port, err := strconv.Atoi(portArg)
	if err != nil || port < 1 || port > 65535 {
		return 0, 0, fmt.Errorf("invalid port: %s", portArg)
	}
	return deviceID, uint16(port), nil
}

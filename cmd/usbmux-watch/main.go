// Command usbmux-watch prints device attach and detach events from the
// usbmuxd daemon as they happen.
//
// Usage:
//
//	usbmux-watch [flags]
//
// Flags:
//
//	-config string   Configuration file path (YAML)
//	-socket string   Daemon socket path (overrides config)
//	-capture string  Write protocol events to a CBOR capture file
//	-existing        Also print devices already attached at startup
//
// Examples:
//
//	# Watch live events
//	usbmux-watch
//
//	# Include current devices and record the session
//	usbmux-watch -existing -capture session.cbor
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	muxlog "github.com/usbmux-protocol/usbmux-go/pkg/log"
	"github.com/usbmux-protocol/usbmux-go/pkg/mux"
	"github.com/usbmux-protocol/usbmux-go/pkg/registry"
)

var (
	configFile  string
	socketPath  string
	captureFile string
	existing    bool
)

func init() {
	flag.StringVar(&configFile, "config", "", "Configuration file path (YAML)")
	flag.StringVar(&socketPath, "socket", "", "Daemon socket path (overrides config)")
	flag.StringVar(&captureFile, "capture", "", "Write protocol events to a CBOR capture file")
	flag.BoolVar(&existing, "existing", false, "Also print devices already attached at startup")
}

func main() {
	flag.Parse()
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	cfg := mux.Config{}
	if configFile != "" {
		var err error
		cfg, err = mux.LoadConfig(configFile)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	if socketPath != "" {
		cfg.SocketPath = socketPath
	}

	if captureFile != "" {
		capture, err := muxlog.NewFileLogger(captureFile)
		if err != nil {
			log.Fatalf("Failed to open capture file: %v", err)
		}
		defer capture.Close()
		cfg.Logger = capture
		log.Printf("Capturing protocol events to %s", captureFile)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m, err := mux.Dial(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to connect to usbmuxd: %v", err)
	}
	defer m.Close()

	log.Println("Watching for devices (Ctrl-C to stop)")

	w := m.Watch(existing)
	defer w.Close()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		cancel()
	}()

	for {
		ev, err := w.Next(ctx, 0)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("Goodbye!")
				return
			}
			log.Fatalf("Watch failed: %v", err)
		}
		printEvent(ev)
	}
}

func printEvent(ev registry.Event) {
	switch ev.Action {
	case registry.ActionAttached:
		log.Printf("ATTACHED  device %d  serial=%s  type=%s",
			ev.DeviceID, ev.Properties.SerialNumber, ev.Properties.ConnectionType)
	case registry.ActionDetached:
		log.Printf("DETACHED  device %d", ev.DeviceID)
	}
}

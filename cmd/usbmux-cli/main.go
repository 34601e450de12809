// Command usbmux-cli is an interactive client for the usbmuxd daemon.
//
// It lists attached devices, waits for specific devices, opens tunnels
// to device ports, and forwards local TCP ports to device ports.
//
// Usage:
//
//	usbmux-cli [flags]
//
// Flags:
//
//	-config string   Configuration file path (YAML)
//	-socket string   Daemon socket path (overrides config)
//	-capture string  Write protocol events to a CBOR capture file
//
// Examples:
//
//	# Interactive session against the default socket
//	usbmux-cli
//
//	# Record the protocol exchange
//	usbmux-cli -capture session.cbor
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/usbmux-protocol/usbmux-go/cmd/usbmux-cli/interactive"
	muxlog "github.com/usbmux-protocol/usbmux-go/pkg/log"
	"github.com/usbmux-protocol/usbmux-go/pkg/mux"
)

var (
	configFile  string
	socketPath  string
	captureFile string
)

func init() {
	flag.StringVar(&configFile, "config", "", "Configuration file path (YAML)")
	flag.StringVar(&socketPath, "socket", "", "Daemon socket path (overrides config)")
	flag.StringVar(&captureFile, "capture", "", "Write protocol events to a CBOR capture file")
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
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m, err := mux.Dial(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to connect to usbmuxd: %v", err)
	}
	defer m.Close()

	session, err := interactive.New(m)
	if err != nil {
		log.Fatalf("Failed to create interactive session: %v", err)
	}
	// Redirect log output through readline to avoid interfering with input
	log.SetOutput(session.Stdout())
	go session.Run(ctx, cancel)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received signal: %v", sig)
	case <-ctx.Done():
		// Cancelled by the interactive quit command.
	}

	log.Println("Goodbye!")
}

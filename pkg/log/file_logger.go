package log

import (
	"fmt"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// FileLogger appends capture events to a file as a CBOR sequence, one
// record per event. Appending to an existing capture extends it; Reader
// consumes the result. Safe for concurrent use.
type FileLogger struct {
	mu     sync.Mutex
	f      *os.File
	enc    *cbor.Encoder
	closed bool
}

// NewFileLogger opens (or creates) the capture file at path for
// appending.
func NewFileLogger(path string) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file: %w", err)
	}
	return &FileLogger{f: f, enc: newEventEncoder(f)}, nil
}

// Log appends one event to the capture. Encoding failures are dropped:
// capture is diagnostic and must never take the protocol session down
// with it.
func (l *FileLogger) Log(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	_ = l.enc.Encode(event)
}

// Close flushes and closes the capture file. Further Log calls are
// dropped; repeated Close calls return nil.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.f.Close()
}

// Compile-time interface satisfaction check.
var _ Logger = (*FileLogger)(nil)

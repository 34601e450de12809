package log

import (
	"bytes"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvent(connID string, deviceID int) Event {
	number := 0
	return Event{
		Timestamp:    time.Now().UTC().Truncate(time.Microsecond),
		ConnectionID: connID,
		Direction:    DirectionIn,
		Layer:        LayerWire,
		Category:     CategoryMessage,
		DeviceID:     deviceID,
		Message: &MessageEvent{
			Type:   "Result",
			Number: &number,
		},
	}
}

func TestEncodeDecodeEvent(t *testing.T) {
	event := sampleEvent("conn-1", 3)

	data, err := EncodeEvent(event)
	require.NoError(t, err)

	decoded, err := DecodeEvent(data)
	require.NoError(t, err)

	assert.Equal(t, event.ConnectionID, decoded.ConnectionID)
	assert.Equal(t, event.Direction, decoded.Direction)
	assert.Equal(t, event.Layer, decoded.Layer)
	assert.Equal(t, event.Category, decoded.Category)
	assert.Equal(t, event.DeviceID, decoded.DeviceID)
	require.NotNil(t, decoded.Message)
	assert.Equal(t, "Result", decoded.Message.Type)
	require.NotNil(t, decoded.Message.Number)
	assert.Equal(t, 0, *decoded.Message.Number)
	assert.WithinDuration(t, event.Timestamp, decoded.Timestamp, time.Millisecond)
}

func TestEncodeStateChangeEvent(t *testing.T) {
	event := Event{
		Timestamp:    time.Now(),
		ConnectionID: "conn-2",
		Layer:        LayerTransport,
		Category:     CategoryState,
		StateChange: &StateChangeEvent{
			Entity:   StateEntityConnection,
			OldState: "CONTROL",
			NewState: "PASSTHROUGH",
			Reason:   "handler switched",
		},
	}

	data, err := EncodeEvent(event)
	require.NoError(t, err)

	decoded, err := DecodeEvent(data)
	require.NoError(t, err)
	require.NotNil(t, decoded.StateChange)
	assert.Equal(t, StateEntityConnection, decoded.StateChange.Entity)
	assert.Equal(t, "PASSTHROUGH", decoded.StateChange.NewState)
}

func TestFileLoggerAndReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.cbor")

	logger, err := NewFileLogger(path)
	require.NoError(t, err)

	logger.Log(sampleEvent("conn-a", 1))
	logger.Log(sampleEvent("conn-b", 2))
	logger.Log(sampleEvent("conn-a", 1))
	require.NoError(t, logger.Close())

	// Log after Close is silently dropped.
	logger.Log(sampleEvent("conn-c", 3))
	require.NoError(t, logger.Close())

	reader, err := NewReader(path)
	require.NoError(t, err)
	defer reader.Close()

	var count int
	for {
		_, err := reader.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 3, count)
}

func TestReaderFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.cbor")

	logger, err := NewFileLogger(path)
	require.NoError(t, err)
	logger.Log(sampleEvent("conn-a", 1))
	logger.Log(sampleEvent("conn-b", 2))
	logger.Log(sampleEvent("conn-b", 1))
	require.NoError(t, logger.Close())

	t.Run("by connection", func(t *testing.T) {
		reader, err := NewFilteredReader(path, Filter{ConnectionID: "conn-b"})
		require.NoError(t, err)
		defer reader.Close()

		var got []Event
		for {
			ev, err := reader.Next()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			got = append(got, ev)
		}
		require.Len(t, got, 2)
		for _, ev := range got {
			assert.Equal(t, "conn-b", ev.ConnectionID)
		}
	})

	t.Run("by device", func(t *testing.T) {
		reader, err := NewFilteredReader(path, Filter{DeviceID: 2})
		require.NoError(t, err)
		defer reader.Close()

		ev, err := reader.Next()
		require.NoError(t, err)
		assert.Equal(t, 2, ev.DeviceID)

		_, err = reader.Next()
		assert.Equal(t, io.EOF, err)
	})
}

func TestFileLoggerAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.cbor")

	for i := 0; i < 2; i++ {
		logger, err := NewFileLogger(path)
		require.NoError(t, err)
		logger.Log(sampleEvent("conn", 1))
		require.NoError(t, logger.Close())
	}

	reader, err := NewReader(path)
	require.NoError(t, err)
	defer reader.Close()

	var count int
	for {
		if _, err := reader.Next(); err == io.EOF {
			break
		}
		count++
	}
	assert.Equal(t, 2, count)
}

func TestMultiLogger(t *testing.T) {
	path1 := filepath.Join(t.TempDir(), "one.cbor")
	path2 := filepath.Join(t.TempDir(), "two.cbor")

	l1, err := NewFileLogger(path1)
	require.NoError(t, err)
	l2, err := NewFileLogger(path2)
	require.NoError(t, err)

	multi := NewMultiLogger(l1, l2)
	multi.Log(sampleEvent("conn", 1))
	require.NoError(t, l1.Close())
	require.NoError(t, l2.Close())

	for _, path := range []string{path1, path2} {
		reader, err := NewReader(path)
		require.NoError(t, err)
		_, err = reader.Next()
		assert.NoError(t, err)
		reader.Close()
	}
}

func TestMultiLoggerSkipsNil(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.cbor")

	l, err := NewFileLogger(path)
	require.NoError(t, err)

	// An optional sink that was never configured arrives as nil.
	multi := NewMultiLogger(nil, l, nil)
	multi.Log(sampleEvent("conn", 1))
	require.NoError(t, l.Close())

	reader, err := NewReader(path)
	require.NoError(t, err)
	defer reader.Close()
	_, err = reader.Next()
	assert.NoError(t, err)
}

func TestSlogAdapter(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	adapter := NewSlogAdapter(slog.New(handler))

	adapter.Log(sampleEvent("conn-x", 4))

	out := buf.String()
	assert.Contains(t, out, "conn-x")
	assert.Contains(t, out, "Result")
	assert.Contains(t, out, "device_id=4")
}

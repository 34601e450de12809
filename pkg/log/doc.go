// Package log provides protocol event capture for usbmux connections.
//
// Events are captured at three layers: transport (connection lifecycle),
// wire (framed control messages), and mux (handshakes, attach/detach
// bookkeeping). Applications install a Logger through the mux
// configuration; the library never writes to the process logger itself.
//
// Sinks provided here:
//   - FileLogger persists events as a CBOR stream for later analysis.
//   - SlogAdapter mirrors events to an slog.Logger for development.
//   - MultiLogger fans one event out to several sinks.
//
// Pass nil (or NoopLogger) to disable capture entirely.
package log

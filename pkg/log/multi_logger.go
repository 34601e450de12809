package log

// MultiLogger fans each capture event out to several sinks, typically
// a FileLogger for the on-disk capture plus a SlogAdapter for live
// console output.
type MultiLogger struct {
	sinks []Logger
}

// NewMultiLogger combines the given sinks. Nil entries are skipped, so
// callers can pass an optional sink without a conditional.
func NewMultiLogger(sinks ...Logger) *MultiLogger {
	m := &MultiLogger{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Log delivers the event to every sink in registration order.
func (m *MultiLogger) Log(event Event) {
	for _, s := range m.sinks {
		s.Log(event)
	}
}

// Compile-time interface satisfaction check.
var _ Logger = (*MultiLogger)(nil)

package logmonitor

// Monitor is an io.Writer that sends bytes written to its Write method to an
// underlying byte channel. This allows the admin live view to receive event
// log records as they are written. Writes are non-blocking. If there is no
// receiver, the data is silently discarded.
//
// Monitor does not implement io.Closer. Once initialized, it is meant to run
// for the duration of the program. If needed, manually close `Channel` when
// finished.
type Monitor struct {
	Channel chan []byte
}

// DefaultBuffer is the channel capacity used by New.
const DefaultBuffer = 16

// New creates a new Monitor ready for I/O operations. The underlying `Channel`
// should have a receiver to capture and process the data.
func New() *Monitor {
	return NewSize(DefaultBuffer)
}

// NewSize creates a Monitor whose channel buffers up to size writes.
func NewSize(size int) *Monitor {
	if size < 0 {
		size = 0
	}
	return &Monitor{
		Channel: make(chan []byte, size),
	}
}

// Write sends a copy of p to the underlying Monitor's channel. The caller may
// reuse p after Write returns. If there is no receiver for the channel, the
// data is silently discarded. Write always returns n = len(p) and err = nil.
func (m *Monitor) Write(p []byte) (n int, err error) {
	b := make([]byte, len(p))
	copy(b, p)

	select {
	case m.Channel <- b:
	default:
	}
	return len(p), nil
}

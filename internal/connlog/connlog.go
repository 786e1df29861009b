// Package connlog keeps a bounded, insertion-ordered audit log of completed
// handshakes.
package connlog

import (
	"sync"
	"time"
)

// DefaultCapacity is the number of entries kept when no capacity is
// configured.
const DefaultCapacity = 100

// Entry records the outcome of one handshake. Entries are values and are
// never modified after NewEntry returns them.
type Entry struct {
	Timestamp     time.Time `json:"timestamp"`
	RemoteAddress string    `json:"remote_address"`
	RemotePort    int       `json:"remote_port"`
	StationName   string    `json:"station_name"`
	Accepted      bool      `json:"accepted"`
}

// NewEntry creates an Entry stamped with the current time.
func NewEntry(remoteAddress string, remotePort int, stationName string, accepted bool) Entry {
	return Entry{
		Timestamp:     time.Now(),
		RemoteAddress: remoteAddress,
		RemotePort:    remotePort,
		StationName:   stationName,
		Accepted:      accepted,
	}
}

// Sink receives entries produced by handshake handlers.
type Sink interface {
	Append(Entry)
}

// SinkFunc adapts an ordinary function to the Sink interface.
type SinkFunc func(Entry)

// Append calls f(e).
func (f SinkFunc) Append(e Entry) {
	f(e)
}

// Counts summarizes the entries held by a Buffer at a single instant.
type Counts struct {
	Total    int `json:"total"`
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
}

// Buffer is a fixed-capacity ring of entries. Once full, each Append evicts
// the oldest entry.
type Buffer struct {
	mu      sync.Mutex
	entries []Entry
	start   int // index of the oldest entry
	size    int
}

// Ensure Buffer satisfies the Sink interface.
var _ Sink = (*Buffer)(nil)

// New returns an empty Buffer holding at most capacity entries. A capacity
// below 1 uses DefaultCapacity.
func New(capacity int) *Buffer {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Buffer{entries: make([]Entry, capacity)}
}

// Capacity returns the maximum number of entries the Buffer holds.
func (b *Buffer) Capacity() int {
	return len(b.entries)
}

// Append adds e to the end of the log, evicting the oldest entry if the
// Buffer is full.
func (b *Buffer) Append(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size < len(b.entries) {
		b.entries[(b.start+b.size)%len(b.entries)] = e
		b.size++
		return
	}

	// Full. Overwrite the oldest slot and advance the start.
	b.entries[b.start] = e
	b.start = (b.start + 1) % len(b.entries)
}

// Snapshot returns a copy of the current entries, oldest first.
func (b *Buffer) Snapshot() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Entry, b.size)
	for i := range b.size {
		out[i] = b.entries[(b.start+i)%len(b.entries)]
	}
	return out
}

// Counts returns total, accepted and rejected counts for the current
// entries.
func (b *Buffer) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := Counts{Total: b.size}
	for i := range b.size {
		if b.entries[(b.start+i)%len(b.entries)].Accepted {
			c.Accepted++
		} else {
			c.Rejected++
		}
	}
	return c
}

// CountTotal returns the number of entries in the log.
func (b *Buffer) CountTotal() int {
	return b.Counts().Total
}

// CountAccepted returns the number of entries with Accepted set.
func (b *Buffer) CountAccepted() int {
	return b.Counts().Accepted
}

// CountRejected returns the number of entries with Accepted unset.
func (b *Buffer) CountRejected() int {
	return b.Counts().Rejected
}

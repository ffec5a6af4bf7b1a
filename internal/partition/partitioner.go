// Package partition implements the Partitioner: it groups the
// Reader's event stream by client_id into in-memory buffers, and
// serializes each buffer into the sink's wire format. The Partitioner
// is single-owner and CPU-bound only — nothing here takes a lock,
// because exactly one goroutine (the orchestrator's drain loop) ever
// calls Admit.
package partition

import (
	"fmt"

	"eventshipper/internal/eventmodel"
)

// Buffer is the append-only, insertion-ordered sequence of events
// admitted for one client_id.
type Buffer struct {
	ClientID string
	Events   []eventmodel.Event
	bytes    int64
}

// Evictor is called when bounded mode needs to stream a buffer to the
// sink early, mid-run, because the aggregate buffered byte count
// crossed the configured high-water mark. chunkIndex is always a
// chunk of a larger, split client output — index 0 included.
type Evictor func(buf *Buffer, chunkIndex int) error

// Partitioner accumulates events into per-client buffers.
type Partitioner struct {
	window  eventmodel.Window
	buffers map[string]*Buffer
	order   []string // first-sight order, for deterministic Finalize iteration in tests

	highWaterMark int64
	totalBytes    int64
	chunkIndex    map[string]int // next unused chunk index per client; presence means the client has been evicted at least once
	evict         Evictor

	rejected int64
}

// New builds a Partitioner that re-validates admitted events against
// window. highWaterMark of 0 disables bounded eviction, which is fine
// when the environment's memory budget comfortably exceeds the
// expected working set.
func New(window eventmodel.Window, highWaterMark int64, evict Evictor) *Partitioner {
	return &Partitioner{
		window:        window,
		buffers:       make(map[string]*Buffer),
		highWaterMark: highWaterMark,
		chunkIndex:    make(map[string]int),
		evict:         evict,
	}
}

// Admit validates and appends one event. It returns false when the
// event is rejected (empty client_id, or a time that is unparseable or
// outside the window) —
// rejection never aborts the run, it only increments the Rejected
// counter.
func (p *Partitioner) Admit(ev eventmodel.Event) bool {
	if ev.ClientID == "" {
		p.rejected++
		return false
	}
	t, err := ev.ParsedTime()
	if err != nil || !p.window.Contains(t) {
		p.rejected++
		return false
	}

	buf, ok := p.buffers[ev.ClientID]
	if !ok {
		buf = &Buffer{ClientID: ev.ClientID}
		p.buffers[ev.ClientID] = buf
		p.order = append(p.order, ev.ClientID)
	}
	size := int64(len(ev.Payload)) + int64(len(ev.EventID)+len(ev.ClientID)+len(ev.Time))
	buf.Events = append(buf.Events, ev)
	buf.bytes += size
	p.totalBytes += size

	p.maybeEvict()
	return true
}

// Rejected returns the number of events rejected by Admit so far.
func (p *Partitioner) Rejected() int64 { return p.rejected }

// maybeEvict streams the single largest buffer to the sink early when
// the aggregate buffered size crosses the high-water mark. The evicted
// buffer's events are cleared from memory but its identity (and
// running chunk index) is kept, so a later admit to the same client
// starts a fresh chunk rather than silently merging with the evicted
// one. Finalize omits an evicted buffer that received no further
// events.
func (p *Partitioner) maybeEvict() {
	if p.highWaterMark <= 0 || p.totalBytes <= p.highWaterMark || p.evict == nil {
		return
	}
	var largest *Buffer
	for _, id := range p.order {
		b := p.buffers[id]
		if len(b.Events) == 0 {
			continue
		}
		if largest == nil || b.bytes > largest.bytes {
			largest = b
		}
	}
	if largest == nil {
		return
	}
	index := p.chunkIndex[largest.ClientID] // zero value 0 is correct for a client's first eviction
	if err := p.evict(largest, index); err != nil {
		// Recording an eviction failure is the Evictor's job (the
		// orchestrator's evictor adds it to the run's error ledger);
		// here we simply keep the buffer so it still gets flushed at
		// Finalize rather than losing events.
		return
	}
	p.chunkIndex[largest.ClientID] = index + 1
	p.totalBytes -= largest.bytes
	largest.Events = nil
	largest.bytes = 0
}

// Finalize returns every non-empty buffer (a client with zero admitted
// events gets no output object) and clears internal state, in
// first-sight order for deterministic iteration.
func (p *Partitioner) Finalize() []*Buffer {
	out := make([]*Buffer, 0, len(p.order))
	for _, id := range p.order {
		b := p.buffers[id]
		if len(b.Events) == 0 {
			continue
		}
		out = append(out, b)
	}
	p.buffers = make(map[string]*Buffer)
	p.order = nil
	p.totalBytes = 0
	return out
}

// ChunkInfo reports the next chunk index to key clientID's
// Finalize-time object under, and whether the client was chunked at
// all (had at least one bounded-mode eviction mid-run). A client never
// evicted reports (0, false) and gets the plain unsuffixed key.
func (p *Partitioner) ChunkInfo(clientID string) (int, bool) {
	index, chunked := p.chunkIndex[clientID]
	return index, chunked
}

// ErrUnknownFormat is returned by Serialize for an unrecognized
// output format.
type ErrUnknownFormat struct{ Format string }

func (e ErrUnknownFormat) Error() string { return fmt.Sprintf("unknown output format %q", e.Format) }

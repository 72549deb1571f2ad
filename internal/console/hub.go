// Package console fans a server's log output out to any number of
// subscribers. Publication never blocks: a slow subscriber loses events and
// sees a gap marker instead of back-pressuring the server's output pump.
package console

import (
	"sync"
	"time"
)

// Source tags where a log line came from.
type Source string

const (
	SourceStdout Source = "stdout"
	SourceStderr Source = "stderr"
	SourceDaemon Source = "daemon"
)

// Event is one console line. Seq is per-hub monotonic so subscribers can
// detect gaps after reconnect. Gap events carry no payload; they mark the
// point where a slow subscriber's channel overflowed.
type Event struct {
	Seq     uint64    `json:"seq"`
	Source  Source    `json:"source"`
	Payload []byte    `json:"payload"`
	At      time.Time `json:"at"`
	Gap     bool      `json:"gap,omitempty"`
}

// Hub is one server's console stream: a bounded backlog ring plus live
// fan-out.
type Hub struct {
	mu      sync.Mutex
	seq     uint64
	backlog []Event // ring, oldest first after compaction
	size    int
	subSize int
	subs    map[*Subscriber]struct{}
	closed  bool
}

// Subscriber receives events on C. Close detaches it from the hub.
type Subscriber struct {
	C   chan Event
	hub *Hub
	// gapped is set while events are being dropped; the next successful
	// send is preceded by a gap marker.
	gapped bool
}

func NewHub(backlogSize, subscriberSize int) *Hub {
	if backlogSize <= 0 {
		backlogSize = 1
	}
	if subscriberSize <= 0 {
		subscriberSize = 16
	}
	return &Hub{
		size:    backlogSize,
		subSize: subscriberSize,
		subs:    make(map[*Subscriber]struct{}),
	}
}

// Publish appends to the backlog (dropping the oldest entry when full) and
// pushes to all live subscribers without blocking.
func (h *Hub) Publish(source Source, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	h.seq++
	ev := Event{
		Seq:     h.seq,
		Source:  source,
		Payload: payload,
		At:      time.Now().UTC(),
	}

	h.backlog = append(h.backlog, ev)
	if len(h.backlog) > h.size {
		h.backlog = h.backlog[len(h.backlog)-h.size:]
	}

	for sub := range h.subs {
		h.send(sub, ev)
	}
}

// send delivers without blocking. On overflow the event is dropped and a
// gap marker is queued in front of the next delivered event.
func (h *Hub) send(sub *Subscriber, ev Event) {
	if sub.gapped {
		// Need room for the gap marker plus the event.
		if len(sub.C)+2 > cap(sub.C) {
			return
		}
		sub.C <- Event{Seq: ev.Seq, Source: SourceDaemon, At: ev.At, Gap: true}
		sub.gapped = false
	}
	select {
	case sub.C <- ev:
	default:
		sub.gapped = true
	}
}

// Subscribe attaches a new subscriber and replays the buffered backlog into
// its channel before any live event is delivered.
func (h *Hub) Subscribe() *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	depth := h.subSize
	if depth < h.size {
		depth = h.size
	}
	// Extra headroom so the replay never eats the live budget.
	sub := &Subscriber{
		C:   make(chan Event, depth+h.subSize),
		hub: h,
	}
	for _, ev := range h.backlog {
		sub.C <- ev
	}
	if !h.closed {
		h.subs[sub] = struct{}{}
	} else {
		close(sub.C)
	}
	return sub
}

func (s *Subscriber) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if _, ok := s.hub.subs[s]; ok {
		delete(s.hub.subs, s)
		close(s.C)
	}
}

// Close detaches all subscribers and rejects further publication. The
// backlog stays readable through History.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		close(sub.C)
		delete(h.subs, sub)
	}
}

// History returns a copy of the buffered backlog.
func (h *Hub) History() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Event, len(h.backlog))
	copy(out, h.backlog)
	return out
}

// Seq returns the last assigned sequence number.
func (h *Hub) Seq() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq
}

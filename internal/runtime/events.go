package runtime

import "time"

// EventKind enumerates asynchronous container notifications.
type EventKind int

const (
	EventExited EventKind = iota
	EventOOMKilled
	EventRemoved
)

func (k EventKind) String() string {
	switch k {
	case EventExited:
		return "exited"
	case EventOOMKilled:
		return "oom_killed"
	case EventRemoved:
		return "removed"
	}
	return "unknown"
}

// Event is an asynchronous container notification fed into a server's
// command loop. Generation is the server's generation counter at the time
// the watcher was armed; the loop drops events whose generation no longer
// matches.
type Event struct {
	ServerID    string
	ContainerID string
	Generation  uint64
	Kind        EventKind
	ExitCode    int
	OOMKilled   bool
	At          time.Time
}

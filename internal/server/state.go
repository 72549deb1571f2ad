package server

import "errors"

// PowerState is the authoritative lifecycle state of a server. Exactly one
// is active at a time; Crashed is only ever entered by an unexpected exit
// event, never by a command.
type PowerState int

const (
	Offline PowerState = iota
	Starting
	Running
	Stopping
	Crashed
	Installing
	RestoringBackup
	Transferring
)

func (s PowerState) String() string {
	switch s {
	case Offline:
		return "offline"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Crashed:
		return "crashed"
	case Installing:
		return "installing"
	case RestoringBackup:
		return "restoring_backup"
	case Transferring:
		return "transferring"
	}
	return "unknown"
}

// IsActivity reports whether the state is an exclusive long-running
// activity rather than a normal power transition.
func (s PowerState) IsActivity() bool {
	return s == Installing || s == RestoringBackup || s == Transferring
}

// CommandKind enumerates the lifecycle commands a server accepts.
type CommandKind int

const (
	CmdStart CommandKind = iota
	CmdStop
	CmdRestart
	CmdKill
	CmdInstall
	CmdRestoreBackup
	CmdBeginTransfer
	CmdCancelTransfer
)

func (k CommandKind) String() string {
	switch k {
	case CmdStart:
		return "start"
	case CmdStop:
		return "stop"
	case CmdRestart:
		return "restart"
	case CmdKill:
		return "kill"
	case CmdInstall:
		return "install"
	case CmdRestoreBackup:
		return "restore_backup"
	case CmdBeginTransfer:
		return "begin_transfer"
	case CmdCancelTransfer:
		return "cancel_transfer"
	}
	return "unknown"
}

// Command is one lifecycle request against a server.
type Command struct {
	Kind      CommandKind
	Forceful  bool   // stop: skip the graceful signal
	BackupRef string // restore_backup
	// begin_transfer
	Destination   string
	Token         string
	ArchiveFormat string
}

// Sentinel errors
var (
	ErrInvalidTransition = errors.New("command not allowed in current state")
	ErrServerNotFound    = errors.New("server not found")
	ErrAlreadyExists     = errors.New("server already exists")
	ErrShuttingDown      = errors.New("server is shutting down")
)

// allowedFrom is the transition table: for each command, the set of power
// states it may be issued from. Deterministic; anything absent is rejected
// with ErrInvalidTransition.
var allowedFrom = map[CommandKind]map[PowerState]bool{
	CmdStart: {
		Offline: true,
		Crashed: true,
	},
	CmdStop: {
		Starting: true,
		Running:  true,
	},
	CmdRestart: {
		Offline:  true,
		Starting: true,
		Running:  true,
		Crashed:  true,
	},
	// Kill is always legal except from Offline and Installing.
	CmdKill: {
		Starting:        true,
		Running:         true,
		Stopping:        true,
		Crashed:         true,
		RestoringBackup: true,
		Transferring:    true,
	},
	CmdInstall: {
		Offline: true,
		Crashed: true,
	},
	CmdRestoreBackup: {
		Offline: true,
		Crashed: true,
	},
	CmdBeginTransfer: {
		Offline: true,
		Running: true,
		Crashed: true,
	},
	CmdCancelTransfer: {
		Transferring: true,
	},
}

// CanTransition reports whether cmd is legal from state.
func CanTransition(state PowerState, cmd CommandKind) bool {
	return allowedFrom[cmd][state]
}

package messages

import (
	"fmt"
	"strings"
)

// RunspacePoolState is the server-visible pool state carried in
// RunspacePoolStateInfo messages.
type RunspacePoolState int32

const (
	RunspacePoolBeforeOpen    RunspacePoolState = 0
	RunspacePoolOpening       RunspacePoolState = 1
	RunspacePoolOpened        RunspacePoolState = 2
	RunspacePoolClosing       RunspacePoolState = 3
	RunspacePoolClosed        RunspacePoolState = 4
	RunspacePoolBroken        RunspacePoolState = 5
	RunspacePoolDisconnecting RunspacePoolState = 6
	RunspacePoolDisconnected  RunspacePoolState = 7
	RunspacePoolConnecting    RunspacePoolState = 8
)

var runspacePoolStateNames = map[RunspacePoolState]string{
	RunspacePoolBeforeOpen:    "BeforeOpen",
	RunspacePoolOpening:       "Opening",
	RunspacePoolOpened:        "Opened",
	RunspacePoolClosing:       "Closing",
	RunspacePoolClosed:        "Closed",
	RunspacePoolBroken:        "Broken",
	RunspacePoolDisconnecting: "Disconnecting",
	RunspacePoolDisconnected:  "Disconnected",
	RunspacePoolConnecting:    "Connecting",
}

// Valid reports whether s is in the known range.
func (s RunspacePoolState) Valid() bool {
	_, ok := runspacePoolStateNames[s]
	return ok
}

func (s RunspacePoolState) String() string {
	if name, ok := runspacePoolStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("RunspacePoolState(%d)", int32(s))
}

// PSInvocationState is the pipeline state carried in PowerShellStateInfo
// messages.
type PSInvocationState int32

const (
	InvocationNotStarted   PSInvocationState = 0
	InvocationRunning      PSInvocationState = 1
	InvocationStopping     PSInvocationState = 2
	InvocationStopped      PSInvocationState = 3
	InvocationCompleted    PSInvocationState = 4
	InvocationFailed       PSInvocationState = 5
	InvocationDisconnected PSInvocationState = 6
)

var invocationStateNames = map[PSInvocationState]string{
	InvocationNotStarted:   "NotStarted",
	InvocationRunning:      "Running",
	InvocationStopping:     "Stopping",
	InvocationStopped:      "Stopped",
	InvocationCompleted:    "Completed",
	InvocationFailed:       "Failed",
	InvocationDisconnected: "Disconnected",
}

// Valid reports whether s is in the known range.
func (s PSInvocationState) Valid() bool {
	_, ok := invocationStateNames[s]
	return ok
}

func (s PSInvocationState) String() string {
	if name, ok := invocationStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("PSInvocationState(%d)", int32(s))
}

// PSThreadOptions controls how the server schedules runspace threads.
type PSThreadOptions int32

const (
	ThreadOptionsDefault          PSThreadOptions = 0
	ThreadOptionsUseNewThread     PSThreadOptions = 1
	ThreadOptionsReuseThread      PSThreadOptions = 2
	ThreadOptionsUseCurrentThread PSThreadOptions = 3
)

func (o PSThreadOptions) String() string {
	switch o {
	case ThreadOptionsDefault:
		return "Default"
	case ThreadOptionsUseNewThread:
		return "UseNewThread"
	case ThreadOptionsReuseThread:
		return "ReuseThread"
	case ThreadOptionsUseCurrentThread:
		return "UseCurrentThread"
	default:
		return fmt.Sprintf("PSThreadOptions(%d)", int32(o))
	}
}

// ApartmentState is the COM apartment model requested for runspaces.
type ApartmentState int32

const (
	ApartmentSTA     ApartmentState = 0
	ApartmentMTA     ApartmentState = 1
	ApartmentUnknown ApartmentState = 2
)

func (a ApartmentState) String() string {
	switch a {
	case ApartmentSTA:
		return "STA"
	case ApartmentMTA:
		return "MTA"
	case ApartmentUnknown:
		return "Unknown"
	default:
		return fmt.Sprintf("ApartmentState(%d)", int32(a))
	}
}

// OutputBufferingMode is the server policy for pipeline output produced while
// the session is disconnected.
type OutputBufferingMode int32

const (
	// BufferingNone means no disconnect buffering policy is set.
	BufferingNone OutputBufferingMode = 0
	// BufferingBlock stalls server-side execution once the buffer is full so
	// no output is lost across a disconnect.
	BufferingBlock OutputBufferingMode = 1
	// BufferingDrop discards the oldest buffered output; callers must
	// tolerate gaps after reconnecting.
	BufferingDrop OutputBufferingMode = 2
)

func (m OutputBufferingMode) String() string {
	switch m {
	case BufferingNone:
		return "None"
	case BufferingBlock:
		return "Block"
	case BufferingDrop:
		return "Drop"
	default:
		return fmt.Sprintf("OutputBufferingMode(%d)", int32(m))
	}
}

// ParseOutputBufferingMode parses the wire string form case-insensitively.
// Unknown values are a decode failure, never a silent default.
func ParseOutputBufferingMode(s string) (OutputBufferingMode, error) {
	switch strings.ToLower(s) {
	case "none":
		return BufferingNone, nil
	case "block":
		return BufferingBlock, nil
	case "drop":
		return BufferingDrop, nil
	default:
		return BufferingNone, fmt.Errorf("unknown OutputBufferingMode %q", s)
	}
}

// RemoteStreamOptions is a bit mask selecting which pipeline streams the
// server merges into the output stream.
type RemoteStreamOptions int32

const (
	StreamOptionsNone           RemoteStreamOptions = 0
	StreamOptionsAddInvocation  RemoteStreamOptions = 1 << 0
	StreamOptionsMergeError     RemoteStreamOptions = 1 << 1
	StreamOptionsMergeWarning   RemoteStreamOptions = 1 << 2
	StreamOptionsMergeVerbose   RemoteStreamOptions = 1 << 3
	StreamOptionsMergeDebug     RemoteStreamOptions = 1 << 4
	StreamOptionsMergeToResults RemoteStreamOptions = StreamOptionsMergeError |
		StreamOptionsMergeWarning | StreamOptionsMergeVerbose | StreamOptionsMergeDebug
)

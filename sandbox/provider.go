package sandbox

import (
	"context"
	"maps"
	"slices"
	"time"
)

// Labels attached to every sandbox this service creates.
const (
	LabelManaged = "coderun.managed"
	LabelRequest = "coderun.request"
)

// NamePrefix prefixes every sandbox name.
const NamePrefix = "coderun-"

// State is the coarse lifecycle state reported by a Provider.
type State int

const (
	StateUnknown State = iota
	StateRunning
	StateExited
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Status is one status refresh of a sandbox.
type Status struct {
	State     State
	ExitCode  int
	OOMKilled bool
}

// Spec describes the sandbox to create. Command is the full argv; the
// untrusted code is one of its elements and is never passed through a shell.
type Spec struct {
	Name           string
	Image          string
	Command        []string
	User           string
	MemoryBytes    int64
	PidsLimit      int64
	NetworkEnabled bool
	Labels         map[string]string
}

// Handle identifies a sandbox created by a Provider.
type Handle struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// LogStreams selects which output streams FetchLogs returns.
type LogStreams int

const (
	Stdout LogStreams = 1 << iota
	Stderr

	Combined = Stdout | Stderr
)

// Provider is the isolation capability the lifecycle manager drives. A
// Provider is shared by concurrent requests and must be safe for concurrent
// use; calls for a single Handle are always issued sequentially.
type Provider interface {
	// EnsureImage makes the image available locally, pulling it if absent.
	EnsureImage(ctx context.Context, image string) error
	// CreateAndStart creates the sandbox and starts it detached. When it
	// fails no sandbox is left behind.
	CreateAndStart(ctx context.Context, spec Spec) (Handle, error)
	RefreshStatus(ctx context.Context, h Handle) (Status, error)
	// ForceKill kills the sandbox. Killing a sandbox that is no longer
	// running is not an error.
	ForceKill(ctx context.Context, h Handle) error
	FetchLogs(ctx context.Context, h Handle, streams LogStreams) ([]byte, error)
	// Remove deletes the sandbox. Removing a missing sandbox is not an error.
	Remove(ctx context.Context, h Handle) error
}

// Pinger is implemented by providers that can check runtime reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Sweeper is implemented by providers that can remove sandboxes left over by
// a previous process. It returns the number of sandboxes removed.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

func managedLabels(requestID string) map[string]string {
	return map[string]string{
		LabelManaged: "true",
		LabelRequest: requestID,
	}
}

// stateFromRuntime maps a docker/podman state string to a State.
func stateFromRuntime(status string, running bool) State {
	switch status {
	case "exited", "dead", "stopped":
		return StateExited
	case "running", "created", "configured", "initialized", "paused", "restarting", "removing":
		return StateRunning
	}
	if running {
		return StateRunning
	}
	return StateUnknown
}

func sortedKeys(m map[string]string) []string {
	return slices.Sorted(maps.Keys(m))
}

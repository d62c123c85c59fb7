package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// fakeProvider is a scripted, recording Provider. Every sandbox it creates
// exits runFor after start (never when runFor < 0) with exitCode.
type fakeProvider struct {
	mu sync.Mutex

	runFor    time.Duration
	exitCode  int
	oomKilled bool
	stdout    string
	stderr    string

	ensureErr  error
	createErr  error
	refreshErr error
	killErr    error
	logsErr    error
	removeErr  error

	// onRefresh runs after every status refresh, outside the lock.
	onRefresh func()
	// stallRefresh makes RefreshStatus hang until its context ends.
	stallRefresh bool

	nextID    int
	specs     []Spec
	calls     map[string][]string // sandbox id -> ops in order
	startedAt map[string]time.Time
	killed    map[string]bool
	active    int
	maxActive int
	ensures   int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		calls:     make(map[string][]string),
		startedAt: make(map[string]time.Time),
		killed:    make(map[string]bool),
	}
}

func (f *fakeProvider) record(id, op string) {
	f.calls[id] = append(f.calls[id], op)
}

func (f *fakeProvider) EnsureImage(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensures++
	return f.ensureErr
}

func (f *fakeProvider) CreateAndStart(_ context.Context, spec Spec) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createErr != nil {
		return Handle{}, f.createErr
	}

	f.nextID++
	id := fmt.Sprintf("sbx-%d", f.nextID)
	f.specs = append(f.specs, spec)
	f.startedAt[id] = time.Now()
	f.record(id, "create")

	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}

	return Handle{ID: id, Name: spec.Name, CreatedAt: time.Now()}, nil
}

func (f *fakeProvider) RefreshStatus(ctx context.Context, h Handle) (Status, error) {
	f.mu.Lock()
	f.record(h.ID, "refresh")
	status, err := f.statusLocked(h.ID)
	hook := f.onRefresh
	stall := f.stallRefresh
	f.mu.Unlock()

	if stall {
		<-ctx.Done()
		return Status{}, fmt.Errorf("inspect %s: %w", h.ID, ctx.Err())
	}
	if hook != nil {
		hook()
	}
	if err != nil {
		return Status{}, err
	}
	if ctx.Err() != nil {
		return Status{}, ctx.Err()
	}
	return status, nil
}

func (f *fakeProvider) statusLocked(id string) (Status, error) {
	if f.refreshErr != nil {
		return Status{}, f.refreshErr
	}
	if f.killed[id] {
		return Status{State: StateExited, ExitCode: 137}, nil
	}
	if f.runFor >= 0 && time.Since(f.startedAt[id]) >= f.runFor {
		return Status{State: StateExited, ExitCode: f.exitCode, OOMKilled: f.oomKilled}, nil
	}
	return Status{State: StateRunning}, nil
}

func (f *fakeProvider) ForceKill(_ context.Context, h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(h.ID, "kill")
	if f.killErr != nil {
		return f.killErr
	}
	f.killed[h.ID] = true
	return nil
}

func (f *fakeProvider) FetchLogs(_ context.Context, h Handle, streams LogStreams) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch streams {
	case Stdout:
		f.record(h.ID, "logs:stdout")
	case Stderr:
		f.record(h.ID, "logs:stderr")
	default:
		f.record(h.ID, "logs")
	}
	if f.logsErr != nil {
		return nil, f.logsErr
	}

	var out string
	if streams&Stdout != 0 {
		out += f.stdout
	}
	if streams&Stderr != 0 {
		out += f.stderr
	}
	return []byte(out), nil
}

func (f *fakeProvider) Remove(_ context.Context, h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(h.ID, "remove")
	if f.removeErr != nil {
		return f.removeErr
	}
	f.active--
	return nil
}

// count returns how many times op was issued for the sandbox.
func (f *fakeProvider) count(id, op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls[id] {
		if c == op {
			n++
		}
	}
	return n
}

// ops returns the calls for a sandbox with consecutive refreshes collapsed.
func (f *fakeProvider) ops(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls[id] {
		if c == "refresh" && len(out) > 0 && out[len(out)-1] == "refresh" {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (f *fakeProvider) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.specs)
}

package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	_ Provider = (*CLIProvider)(nil)
	_ Pinger   = (*CLIProvider)(nil)
	_ Sweeper  = (*CLIProvider)(nil)
)

// CLIProvider implements Provider by driving the docker or podman command
// line client. Both accept the same subcommands and flags used here.
type CLIProvider struct {
	logger    *zap.Logger
	binary    string
	cmdRunner CommandRunner
}

// CLIProviderOption defines a functional option for CLIProvider
type CLIProviderOption func(*CLIProvider)

// WithCommandRunner sets the CommandRunner for CLIProvider
func WithCommandRunner(cmdRunner CommandRunner) CLIProviderOption {
	return func(p *CLIProvider) {
		p.cmdRunner = cmdRunner
	}
}

// NewCLIProvider creates a provider for the given binary ("docker" or "podman").
func NewCLIProvider(logger *zap.Logger, binary string, opts ...CLIProviderOption) *CLIProvider {
	p := &CLIProvider{
		logger:    logger,
		binary:    binary,
		cmdRunner: &RealCommandRunner{},
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

func (p *CLIProvider) run(ctx context.Context, args ...string) (stdout, stderr string, exitCode int, err error) {
	return p.cmdRunner.RunCommand(ctx, append([]string{p.binary}, args...))
}

// EnsureImage pulls the image only when it is not present locally.
func (p *CLIProvider) EnsureImage(ctx context.Context, image string) error {
	_, _, exitCode, err := p.run(ctx, "image", "inspect", image)
	if err != nil {
		return fmt.Errorf("failed to inspect image %s: %w", image, err)
	}
	if exitCode == 0 {
		return nil
	}

	p.logger.Info("pulling sandbox image", zap.String("image", image))
	_, stderr, exitCode, err := p.run(ctx, "pull", image)
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", image, err)
	}
	if exitCode != 0 {
		return fmt.Errorf("failed to pull image %s: %s", image, strings.TrimSpace(stderr))
	}

	return nil
}

// CreateAndStart runs the sandbox detached with the security restrictions
// applied to every execution.
func (p *CLIProvider) CreateAndStart(ctx context.Context, spec Spec) (Handle, error) {
	args := []string{
		"run", "--detach",
		"--name", spec.Name,
		"--memory", strconv.FormatInt(spec.MemoryBytes, 10),
		"--memory-swap", strconv.FormatInt(spec.MemoryBytes, 10), // no swap beyond the memory cap
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
	}

	if spec.NetworkEnabled {
		args = append(args, "--network", "bridge")
	} else {
		args = append(args, "--network", "none")
	}
	if spec.PidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.FormatInt(spec.PidsLimit, 10))
	}
	if spec.User != "" {
		args = append(args, "--user", spec.User)
	}
	for _, key := range sortedKeys(spec.Labels) {
		args = append(args, "--label", key+"="+spec.Labels[key])
	}

	args = append(args, spec.Image)
	args = append(args, spec.Command...)

	stdout, stderr, exitCode, err := p.run(ctx, args...)
	if err == nil && exitCode != 0 {
		err = fmt.Errorf("%s run exited with status %d: %s", p.binary, exitCode, strings.TrimSpace(stderr))
	}
	if err != nil {
		p.discard(ctx, spec.Name)
		return Handle{}, fmt.Errorf("failed to start sandbox: %w", err)
	}

	id := strings.TrimSpace(stdout)
	if id == "" {
		p.discard(ctx, spec.Name)
		return Handle{}, fmt.Errorf("%s run returned no container id", p.binary)
	}

	return Handle{ID: id, Name: spec.Name, CreatedAt: time.Now()}, nil
}

// discard removes a half-created sandbox by name.
func (p *CLIProvider) discard(ctx context.Context, name string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if _, stderr, exitCode, err := p.run(cctx, "rm", "--force", name); err != nil || (exitCode != 0 && !isNoSuchContainer(stderr)) {
		p.logger.Warn("failed to discard sandbox after failed start",
			zap.String("name", name), zap.String("stderr", stderr), zap.Error(err))
	}
}

type cliState struct {
	Status    string `json:"Status"`
	Running   bool   `json:"Running"`
	OOMKilled bool   `json:"OOMKilled"`
	ExitCode  int    `json:"ExitCode"`
}

// RefreshStatus inspects the sandbox state.
func (p *CLIProvider) RefreshStatus(ctx context.Context, h Handle) (Status, error) {
	stdout, stderr, exitCode, err := p.run(ctx, "inspect", "--format", "{{json .State}}", h.ID)
	if err != nil {
		return Status{}, fmt.Errorf("failed to inspect sandbox: %w", err)
	}
	if exitCode != 0 {
		return Status{}, fmt.Errorf("failed to inspect sandbox: %s", strings.TrimSpace(stderr))
	}

	var st cliState
	if err := json.Unmarshal([]byte(strings.TrimSpace(stdout)), &st); err != nil {
		return Status{}, fmt.Errorf("failed to decode sandbox state: %w", err)
	}

	return Status{
		State:     stateFromRuntime(st.Status, st.Running),
		ExitCode:  st.ExitCode,
		OOMKilled: st.OOMKilled,
	}, nil
}

// ForceKill sends SIGKILL to the sandbox.
func (p *CLIProvider) ForceKill(ctx context.Context, h Handle) error {
	_, stderr, exitCode, err := p.run(ctx, "kill", h.ID)
	if err != nil {
		return fmt.Errorf("failed to kill sandbox: %w", err)
	}
	if exitCode != 0 && !isNotRunning(stderr) && !isNoSuchContainer(stderr) {
		return fmt.Errorf("failed to kill sandbox: %s", strings.TrimSpace(stderr))
	}
	return nil
}

// FetchLogs returns the selected output streams. The CLI separates stdout
// from stderr, so Combined is stdout followed by stderr.
func (p *CLIProvider) FetchLogs(ctx context.Context, h Handle, streams LogStreams) ([]byte, error) {
	stdout, stderr, exitCode, err := p.run(ctx, "logs", h.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch sandbox logs: %w", err)
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("failed to fetch sandbox logs: %s", strings.TrimSpace(stderr))
	}

	var out strings.Builder
	if streams&Stdout != 0 {
		out.WriteString(stdout)
	}
	if streams&Stderr != 0 {
		out.WriteString(stderr)
	}
	return []byte(out.String()), nil
}

// Remove force-removes the sandbox.
func (p *CLIProvider) Remove(ctx context.Context, h Handle) error {
	_, stderr, exitCode, err := p.run(ctx, "rm", "--force", h.ID)
	if err != nil {
		return fmt.Errorf("failed to remove sandbox: %w", err)
	}
	if exitCode != 0 && !isNoSuchContainer(stderr) {
		return fmt.Errorf("failed to remove sandbox: %s", strings.TrimSpace(stderr))
	}
	return nil
}

// Ping checks that the runtime answers.
func (p *CLIProvider) Ping(ctx context.Context) error {
	_, stderr, exitCode, err := p.run(ctx, "info", "--format", "{{json .ID}}")
	if err != nil {
		return fmt.Errorf("%s is not reachable: %w", p.binary, err)
	}
	if exitCode != 0 {
		return fmt.Errorf("%s is not reachable: %s", p.binary, strings.TrimSpace(stderr))
	}
	return nil
}

// Sweep removes every sandbox labelled as managed by this service.
func (p *CLIProvider) Sweep(ctx context.Context) (int, error) {
	stdout, stderr, exitCode, err := p.run(ctx, "ps", "--all", "--quiet", "--filter", "label="+LabelManaged+"=true")
	if err != nil {
		return 0, fmt.Errorf("failed to list sandboxes: %w", err)
	}
	if exitCode != 0 {
		return 0, fmt.Errorf("failed to list sandboxes: %s", strings.TrimSpace(stderr))
	}

	removed := 0
	for _, id := range strings.Fields(stdout) {
		if err := p.Remove(ctx, Handle{ID: id}); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func isNotRunning(stderr string) bool {
	return strings.Contains(strings.ToLower(stderr), "is not running")
}

func isNoSuchContainer(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "no such container") || strings.Contains(s, "no container with name or id")
}

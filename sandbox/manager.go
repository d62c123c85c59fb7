package sandbox

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/isdmx/coderun/config"
)

const (
	truncatedNotice = "\n[output truncated]"

	// statusGrace is how long past the timeout a status refresh may run.
	statusGrace = 250 * time.Millisecond
)

// Options holds the per-deployment execution settings.
type Options struct {
	Image          string
	Command        []string
	User           string
	Timeout        time.Duration
	PollInterval   time.Duration
	CleanupTimeout time.Duration
	MemoryBytes    int64
	PidsLimit      int64
	NetworkEnabled bool
	MaxCodeLength  int
	MaxOutputBytes int
	MaxConcurrent  int
}

// OptionsFromConfig converts the sandbox configuration section.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	memory, err := cfg.MemoryLimitBytes()
	if err != nil {
		return Options{}, err
	}

	return Options{
		Image:          cfg.Sandbox.Image,
		Command:        slices.Clone(cfg.Sandbox.Command),
		User:           cfg.Sandbox.User,
		Timeout:        cfg.Sandbox.Timeout,
		PollInterval:   cfg.Sandbox.PollInterval,
		CleanupTimeout: cfg.Sandbox.CleanupTimeout,
		MemoryBytes:    memory,
		PidsLimit:      cfg.Sandbox.PidsLimit,
		NetworkEnabled: cfg.Sandbox.NetworkEnabled,
		MaxCodeLength:  cfg.Sandbox.MaxCodeLength,
		MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
		MaxConcurrent:  cfg.Sandbox.MaxConcurrent,
	}, nil
}

// Executor runs one execution request. Transports depend on it rather than
// on *Manager.
type Executor interface {
	Execute(ctx context.Context, req ExecutionRequest) (Result, error)
}

var _ Executor = (*Manager)(nil)

// Manager drives sandboxes from creation to teardown. It holds no
// per-request state and is safe for concurrent use.
type Manager struct {
	logger    *zap.Logger
	provider  Provider
	opts      Options
	validator Validator
	admission *semaphore.Weighted
	metrics   *Metrics
}

// ManagerOption defines a functional option for Manager
type ManagerOption func(*Manager)

// WithMetrics records outcomes into m.
func WithMetrics(m *Metrics) ManagerOption {
	return func(mgr *Manager) {
		mgr.metrics = m
	}
}

// NewManager creates a Manager on top of a shared provider.
func NewManager(logger *zap.Logger, provider Provider, opts Options, mopts ...ManagerOption) *Manager {
	m := &Manager{
		logger:    logger,
		provider:  provider,
		opts:      opts,
		validator: Validator{MaxLength: opts.MaxCodeLength},
	}
	if opts.MaxConcurrent > 0 {
		m.admission = semaphore.NewWeighted(int64(opts.MaxConcurrent))
	}

	for _, opt := range mopts {
		opt(m)
	}

	return m
}

// NewManagerFromConfig is the fx constructor for Manager.
func NewManagerFromConfig(logger *zap.Logger, cfg *config.Config, provider Provider, metrics *Metrics) (*Manager, error) {
	opts, err := OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	return NewManager(logger, provider, opts, WithMetrics(metrics)), nil
}

// Execute runs req.Code in a fresh sandbox.
//
// A nil error comes with a Completed, TimedOut or ProviderError result; in
// the last case the program exited abnormally and ErrorMessage holds its
// diagnostics. A *ValidationError means nothing was provisioned. A
// *ProviderFault means the isolation layer failed. Any other error is
// internal. Whatever happens, a created sandbox is removed before Execute
// returns.
func (m *Manager) Execute(ctx context.Context, req ExecutionRequest) (Result, error) {
	code, err := m.validator.Validate(req.Code)
	if err != nil {
		m.metrics.observe(Result{Outcome: OutcomeRejected})
		return Result{Outcome: OutcomeRejected}, err
	}

	if m.admission != nil {
		if err := m.admission.Acquire(ctx, 1); err != nil {
			res := Result{Outcome: OutcomeInternalError}
			m.metrics.observe(res)
			return res, fmt.Errorf("waiting for a free sandbox slot: %w", err)
		}
		defer m.admission.Release(1)
	}

	requestID := uuid.NewString()
	e := &execution{
		mgr:       m,
		requestID: requestID,
		code:      code,
		log:       m.logger.With(zap.String("request_id", requestID)),
	}

	res, err := e.run(ctx)
	m.metrics.observe(res)

	fields := []zap.Field{zap.Stringer("outcome", res.Outcome)}
	if res.Started {
		fields = append(fields, zap.Duration("elapsed", res.Elapsed), zap.Int("exit_code", res.ExitCode))
	}
	if err != nil {
		e.log.Error("code execution failed", append(fields, zap.Error(err))...)
	} else {
		e.log.Info("code execution finished", fields...)
	}

	return res, err
}

// execution is the request-local state of one sandbox lifecycle.
type execution struct {
	mgr       *Manager
	requestID string
	code      string
	log       *zap.Logger

	handle  Handle
	started time.Time
	exited  bool
	killed  bool
}

func (e *execution) run(ctx context.Context) (res Result, err error) {
	m := e.mgr

	if err := m.provider.EnsureImage(ctx, m.opts.Image); err != nil {
		return e.fail(ctx, "ensure image", err)
	}

	spec := Spec{
		Name:           NamePrefix + e.requestID,
		Image:          m.opts.Image,
		Command:        append(slices.Clone(m.opts.Command), e.code),
		User:           m.opts.User,
		MemoryBytes:    m.opts.MemoryBytes,
		PidsLimit:      m.opts.PidsLimit,
		NetworkEnabled: m.opts.NetworkEnabled,
		Labels:         managedLabels(e.requestID),
	}

	h, err := m.provider.CreateAndStart(ctx, spec)
	if err != nil {
		return e.fail(ctx, "create sandbox", err)
	}
	e.handle = h
	e.started = time.Now()
	e.log = e.log.With(zap.String("sandbox_id", h.ID))
	e.log.Debug("sandbox started", zap.String("image", spec.Image))

	m.metrics.sandboxUp()
	defer m.metrics.sandboxDown()
	defer func() {
		res, err = e.teardown(ctx, res, err)
	}()

	status, timedOut, err := e.wait(ctx)
	if err != nil {
		return e.fail(ctx, "refresh status", err)
	}

	if timedOut {
		return e.timeout(ctx)
	}

	return e.collect(ctx, status)
}

// wait polls the sandbox until it exits or the timeout elapses.
func (e *execution) wait(ctx context.Context) (Status, bool, error) {
	ticker := time.NewTicker(e.mgr.opts.PollInterval)
	defer ticker.Stop()

	deadline := time.NewTimer(e.mgr.opts.Timeout)
	defer deadline.Stop()

	// a stalled status call must not outlive the timeout
	rctx, cancel := context.WithDeadline(ctx, e.started.Add(e.mgr.opts.Timeout+statusGrace))
	defer cancel()

	for {
		status, err := e.mgr.provider.RefreshStatus(rctx, e.handle)
		if err != nil {
			if ctx.Err() == nil && errors.Is(rctx.Err(), context.DeadlineExceeded) {
				e.log.Warn("sandbox status refresh stalled past the timeout", zap.Error(err))
				return Status{}, true, nil
			}
			return Status{}, false, err
		}

		if status.State == StateExited {
			e.exited = true
			return status, false, nil
		}

		if time.Since(e.started) >= e.mgr.opts.Timeout {
			return status, true, nil
		}

		select {
		case <-ctx.Done():
			return Status{}, false, ctx.Err()
		case <-ticker.C:
		case <-deadline.C:
		}
	}
}

func (e *execution) timeout(ctx context.Context) (Result, error) {
	elapsed := time.Since(e.started)

	kctx, cancel := e.cleanupContext(ctx)
	defer cancel()

	e.killed = true
	if err := e.mgr.provider.ForceKill(kctx, e.handle); err != nil {
		return e.result(OutcomeProviderError), &ProviderFault{Op: "kill sandbox", Err: err}
	}

	e.log.Info("sandbox killed after timeout", zap.Duration("timeout", e.mgr.opts.Timeout))

	res := e.result(OutcomeTimedOut)
	res.Elapsed = elapsed
	return res, nil
}

func (e *execution) collect(ctx context.Context, status Status) (Result, error) {
	elapsed := time.Since(e.started)

	if status.ExitCode == 0 && !status.OOMKilled {
		logs, err := e.mgr.provider.FetchLogs(ctx, e.handle, Combined)
		if err != nil {
			return e.fail(ctx, "fetch logs", err)
		}

		output := decodeOutput(logs, e.mgr.opts.MaxOutputBytes)
		res := e.result(OutcomeCompleted)
		res.Elapsed = elapsed
		res.Output = &output
		return res, nil
	}

	logs, err := e.mgr.provider.FetchLogs(ctx, e.handle, Stderr)
	if err != nil {
		return e.fail(ctx, "fetch logs", err)
	}
	if len(strings.TrimSpace(string(logs))) == 0 {
		if logs, err = e.mgr.provider.FetchLogs(ctx, e.handle, Combined); err != nil {
			return e.fail(ctx, "fetch logs", err)
		}
	}

	message := decodeOutput(logs, e.mgr.opts.MaxOutputBytes)
	if status.OOMKilled {
		message = strings.TrimRight(message, "\n")
		if message != "" {
			message += "\n"
		}
		message += "sandbox exceeded its memory limit"
	}
	if strings.TrimSpace(message) == "" {
		message = fmt.Sprintf("process exited with status %d", status.ExitCode)
	}

	res := e.result(OutcomeProviderError)
	res.Elapsed = elapsed
	res.ExitCode = status.ExitCode
	res.ErrorMessage = &message
	return res, nil
}

// teardown kills the sandbox if it may still be running and removes it. It
// runs on every path after a successful create, detached from the caller's
// cancellation.
func (e *execution) teardown(ctx context.Context, res Result, err error) (Result, error) {
	cctx, cancel := e.cleanupContext(ctx)
	defer cancel()

	if !e.exited && !e.killed {
		e.killed = true
		if kerr := e.mgr.provider.ForceKill(cctx, e.handle); kerr != nil {
			e.mgr.metrics.teardownFailed("kill")
			e.log.Warn("failed to kill sandbox during teardown", zap.Error(kerr))
		}
	}

	if rerr := e.mgr.provider.Remove(cctx, e.handle); rerr != nil {
		e.mgr.metrics.teardownFailed("remove")
		e.log.Error("failed to remove sandbox", zap.Error(rerr))
		if err == nil {
			res.Outcome = OutcomeProviderError
			res.Output = nil
			res.ErrorMessage = nil
			return res, &ProviderFault{Op: "remove sandbox", Err: rerr}
		}
	}

	return res, err
}

// fail classifies a provider call failure. Failures caused by the caller
// giving up are internal, everything else is a provider fault.
func (e *execution) fail(ctx context.Context, op string, err error) (Result, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if !errors.Is(err, ctxErr) {
			err = errors.Join(ctxErr, err)
		}
		return e.result(OutcomeInternalError), fmt.Errorf("%s aborted: %w", op, err)
	}

	return e.result(OutcomeProviderError), &ProviderFault{Op: op, Err: err}
}

func (e *execution) result(outcome Outcome) Result {
	res := Result{Outcome: outcome, SandboxID: e.handle.ID}
	if !e.started.IsZero() {
		res.Started = true
		res.Elapsed = time.Since(e.started)
	}
	return res
}

func (e *execution) cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := e.mgr.opts.CleanupTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

// decodeOutput caps raw output at limit bytes without splitting a character
// and replaces invalid UTF-8.
func decodeOutput(raw []byte, limit int) string {
	truncated := false
	if limit > 0 && len(raw) > limit {
		cut := limit
		for cut > 0 && limit-cut < utf8.UTFMax-1 && !utf8.RuneStart(raw[cut]) {
			cut--
		}
		raw = raw[:cut]
		truncated = true
	}

	out := strings.ToValidUTF8(string(raw), "\uFFFD")
	if truncated {
		out += truncatedNotice
	}
	return out
}

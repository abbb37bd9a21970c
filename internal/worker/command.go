package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/Iron-Ham/cadence/internal/config"
	"github.com/Iron-Ham/cadence/internal/errors"
	"github.com/Iron-Ham/cadence/internal/logging"
	"github.com/Iron-Ham/cadence/internal/phase"
)

// Runner executes an external command with stdin and returns its stdout and
// stderr separately.
type Runner interface {
	Run(ctx context.Context, dir, name string, args []string, stdin []byte) (stdout, stderr []byte, err error)
}

// ExecRunner runs commands with os/exec. On cancellation the child receives
// an interrupt and is killed if it has not exited after the grace period.
type ExecRunner struct {
	Grace time.Duration
}

// Run executes name with args in dir.
func (r ExecRunner) Run(ctx context.Context, dir, name string, args []string, stdin []byte) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = r.Grace
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// CommandWorker runs an external program per invocation. The request is
// written to the program's stdin as JSON and a Response is read from its
// stdout.
type CommandWorker struct {
	phase   phase.Phase
	name    string
	args    []string
	dir     string
	timeout time.Duration
	runner  Runner
	logger  *logging.Logger
}

// CommandOption configures a CommandWorker.
type CommandOption func(*CommandWorker)

// WithRunner replaces the command runner, primarily for tests.
func WithRunner(r Runner) CommandOption {
	return func(w *CommandWorker) { w.runner = r }
}

// WithLogger sets the worker's logger.
func WithLogger(l *logging.Logger) CommandOption {
	return func(w *CommandWorker) { w.logger = l }
}

// NewCommandWorker creates a worker for phase p from its configuration.
func NewCommandWorker(p phase.Phase, cfg config.WorkerConfig, dir string, opts ...CommandOption) *CommandWorker {
	w := &CommandWorker{
		phase:   p,
		name:    cfg.Command,
		args:    cfg.Args,
		dir:     dir,
		timeout: cfg.Timeout(),
		runner:  ExecRunner{},
		logger:  logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Invoke runs the command. A timeout, non-zero exit, or unparsable output
// is returned as a PhaseError; cancellation of ctx is returned as its cause.
func (w *CommandWorker) Invoke(ctx context.Context, req Request) (Response, error) {
	input, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encode worker request: %w", err)
	}

	runCtx := ctx
	if w.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeoutCause(ctx, w.timeout, errors.ErrTimeout)
		defer cancel()
	}

	start := time.Now()
	w.logger.Debug("invoking worker", "command", w.name, "attempt", req.Attempt)
	stdout, stderr, runErr := w.runner.Run(runCtx, w.dir, w.name, w.args, input)
	w.logger.Debug("worker exited", "command", w.name, "duration_ms", time.Since(start).Milliseconds(), "error", runErr)

	// The caller's cancellation wins over anything the process reported.
	if ctx.Err() != nil {
		return Response{}, context.Cause(ctx)
	}
	if runCtx.Err() != nil {
		return Response{}, w.phaseError(fmt.Sprintf("worker timed out after %s", w.timeout), errors.ErrTimeout, req.Attempt, string(stderr))
	}
	if runErr != nil {
		return Response{}, w.phaseError("worker command failed", fmt.Errorf("%w: %v", errors.ErrWorkerFailed, runErr), req.Attempt, string(stderr))
	}

	resp, err := parseResponse(stdout)
	if err != nil {
		return Response{}, w.phaseError("worker returned an unusable response", err, req.Attempt, string(stdout))
	}
	return resp, nil
}

func (w *CommandWorker) phaseError(msg string, cause error, attempt int, output string) error {
	if output = strings.TrimSpace(output); output != "" {
		if len(output) > 200 {
			output = output[:200] + "..."
		}
		msg = msg + ": " + output
	}
	return errors.NewPhaseError(msg, cause).
		WithPhase(string(w.phase)).
		WithAttempt(attempt).
		WithRetryable(w.phase.Idempotent())
}

// parseResponse reads the last JSON object on stdout, so workers may print
// progress lines before their answer.
func parseResponse(stdout []byte) (Response, error) {
	data := bytes.TrimSpace(stdout)
	if len(data) == 0 {
		return Response{}, fmt.Errorf("%w: empty output", errors.ErrMalformedResponse)
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		idx := bytes.LastIndex(data, []byte("\n{"))
		if idx < 0 {
			return Response{}, fmt.Errorf("%w: %v", errors.ErrMalformedResponse, err)
		}
		if err := json.Unmarshal(data[idx+1:], &resp); err != nil {
			return Response{}, fmt.Errorf("%w: %v", errors.ErrMalformedResponse, err)
		}
	}
	if err := resp.Validate(); err != nil {
		return Response{}, err
	}
	return resp, nil
}

// FromConfig builds a CommandWorker for every phase that has a command.
func FromConfig(cfg config.WorkersConfig, dir string, logger *logging.Logger) Set {
	if logger == nil {
		logger = logging.NopLogger()
	}
	set := make(Set)
	for _, p := range phase.All() {
		wc, _ := cfg.ByPhase(string(p))
		if wc.Command == "" {
			continue
		}
		set[p] = NewCommandWorker(p, wc, dir, WithLogger(logger.WithPhase(string(p))))
	}
	return set
}

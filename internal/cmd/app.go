package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Iron-Ham/cadence/internal/config"
	"github.com/Iron-Ham/cadence/internal/escalation"
	"github.com/Iron-Ham/cadence/internal/event"
	"github.com/Iron-Ham/cadence/internal/logging"
	"github.com/Iron-Ham/cadence/internal/session"
	"github.com/Iron-Ham/cadence/internal/tracker"
	"github.com/Iron-Ham/cadence/internal/vcs"
	"github.com/Iron-Ham/cadence/internal/worker"
)

// app carries what every command needs: the loaded configuration, the
// repository root and the command's output streams.
type app struct {
	cfg    *config.Config
	root   string
	in     io.Reader
	out    io.Writer
	errOut io.Writer
	logger *logging.Logger
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	root, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}
	return &app{
		cfg:    cfg,
		root:   root,
		in:     cmd.InOrStdin(),
		out:    cmd.OutOrStdout(),
		errOut: cmd.ErrOrStderr(),
		logger: logging.NopLogger(),
	}, nil
}

func (a *app) stateDir() string {
	return a.cfg.Paths.ResolveStateDir(a.root)
}

func (a *app) store() *session.Store {
	return session.NewStore(a.stateDir())
}

func (a *app) rotation() logging.RotationConfig {
	return logging.RotationConfig{
		MaxSizeMB:  a.cfg.Logging.MaxSizeMB,
		MaxBackups: a.cfg.Logging.MaxBackups,
		Compress:   a.cfg.Logging.Compress,
	}
}

// openLog switches the app logger to <stateDir>/debug.log. Session runs
// additionally log into their own directory.
func (a *app) openLog() error {
	if err := os.MkdirAll(a.stateDir(), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	logger, err := logging.NewLoggerWithRotation(a.stateDir(), a.cfg.Logging.Level, a.rotation())
	if err != nil {
		return fmt.Errorf("failed to open log: %w", err)
	}
	a.logger = logger
	return nil
}

func (a *app) close() {
	_ = a.logger.Close()
}

// interactive reports whether escalations may prompt on the terminal.
func (a *app) interactive() bool {
	switch a.cfg.Escalation.Interactive {
	case "always":
		return true
	case "never":
		return false
	default:
		return term.IsTerminal(int(os.Stdin.Fd()))
	}
}

// gateway answers escalations from --decide first, then from the terminal
// when interactive. Without either every escalation halts the session.
func (a *app) gateway(decisions []string) (escalation.Gateway, error) {
	scripted, err := escalation.ParseDecisions(decisions)
	if err != nil {
		return nil, err
	}
	if a.interactive() {
		return escalation.Chain(scripted, escalation.NewTerminalGateway(escalation.WithIO(a.in, a.errOut))), nil
	}
	return escalation.Chain(scripted, escalation.Unavailable), nil
}

// buildDeps wires the configured tracker, VCS backend and workers. Tests
// replace it with in-memory collaborators.
var buildDeps = func(ctx context.Context, a *app, gateway escalation.Gateway) (session.Deps, error) {
	tr, err := tracker.New(ctx, a.cfg.Tracker, a.root, a.logger)
	if err != nil {
		return session.Deps{}, err
	}
	v, err := vcs.New(a.cfg.VCS, a.root)
	if err != nil {
		return session.Deps{}, err
	}
	return session.Deps{
		Tracker: tr,
		VCS:     v,
		Workers: worker.FromConfig(a.cfg.Workers, a.root, a.logger),
		Gateway: gateway,
	}, nil
}

// manager builds a session manager whose events are echoed to the
// command's output.
func (a *app) manager(ctx context.Context, decisions []string) (*session.Manager, error) {
	gw, err := a.gateway(decisions)
	if err != nil {
		return nil, err
	}
	deps, err := buildDeps(ctx, a, gw)
	if err != nil {
		return nil, err
	}
	bus := event.NewBus(a.logger)
	bus.SubscribeAll(progressPrinter(a.out))
	return session.NewManager(a.cfg, a.root, deps,
		session.WithLogger(a.logger),
		session.WithBus(bus),
	)
}

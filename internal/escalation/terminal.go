package escalation

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/Iron-Ham/cadence/internal/errors"
	"github.com/Iron-Ham/cadence/internal/styles"
)

// TerminalGateway prompts on a terminal with a select over the menu.
type TerminalGateway struct {
	in         io.Reader
	out        io.Writer
	accessible bool
}

// TerminalOption configures a TerminalGateway.
type TerminalOption func(*TerminalGateway)

// WithIO overrides the prompt's input and output streams.
func WithIO(in io.Reader, out io.Writer) TerminalOption {
	return func(g *TerminalGateway) {
		g.in = in
		g.out = out
	}
}

// WithAccessible switches huh to its line-based accessible mode, which
// works without raw terminal control.
func WithAccessible(on bool) TerminalOption {
	return func(g *TerminalGateway) {
		g.accessible = on
	}
}

// NewTerminalGateway returns a gateway reading from stdin and writing to stderr.
func NewTerminalGateway(opts ...TerminalOption) *TerminalGateway {
	g := &TerminalGateway{in: os.Stdin, out: os.Stderr}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Decide renders the request and waits for a selection. Aborting the prompt
// yields errors.ErrNoDecision.
func (g *TerminalGateway) Decide(ctx context.Context, req Request) (Option, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	_, _ = fmt.Fprintln(g.out, Render(req))

	options := make([]huh.Option[string], 0, len(req.Options))
	for _, o := range req.Options {
		options = append(options, huh.NewOption(fmt.Sprintf("%s  %s", o, styles.Muted.Render(o.Describe())), string(o)))
	}

	var choice string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Decision required").
				Options(options...).
				Value(&choice),
		),
	).
		WithInput(g.in).
		WithOutput(g.out).
		WithAccessible(g.accessible)

	if err := form.RunWithContext(ctx); err != nil {
		return "", promptError(ctx, err)
	}
	return Option(choice), nil
}

// promptError maps a failed form run onto the gateway's error contract.
func promptError(ctx context.Context, err error) error {
	if errors.Is(err, huh.ErrUserAborted) {
		return fmt.Errorf("%w: prompt aborted", errors.ErrNoDecision)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("escalation prompt: %w", err)
}

// Render formats a request as a framed panel.
func Render(req Request) string {
	var b strings.Builder
	b.WriteString(styles.Title.Render("Escalation: " + strings.ReplaceAll(string(req.Context), "_", " ")))
	b.WriteString("\n\n")
	if req.Step != "" {
		b.WriteString(styles.Label.Render("Step") + req.Step + "\n")
	}
	if req.Phase != "" {
		b.WriteString(styles.Label.Render("Phase") + req.Phase + "\n")
	}
	if req.Summary != "" {
		b.WriteString("\n" + req.Summary + "\n")
	}
	for _, d := range req.Details {
		b.WriteString(styles.Muted.Render("  - "+d) + "\n")
	}
	b.WriteString("\n" + styles.Label.Render("Options") + joinOptions(req.Options))
	return styles.Panel.Render(b.String())
}

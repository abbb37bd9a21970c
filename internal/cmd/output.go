package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/Iron-Ham/cadence/internal/errors"
	"github.com/Iron-Ham/cadence/internal/event"
	"github.com/Iron-Ham/cadence/internal/session"
	"github.com/Iron-Ham/cadence/internal/styles"
)

// errReported marks an error whose details were already printed.
var errReported = errors.New("reported")

// progressPrinter echoes pipeline events as one line each.
func progressPrinter(w io.Writer) event.Handler {
	return func(ev event.Event) {
		var line string
		switch e := ev.(type) {
		case event.PhaseStartedEvent:
			line = fmt.Sprintf("  %s %s", styles.Muted.Render(e.StepID+" ›"), e.Phase)
			if e.Attempt > 1 {
				line += styles.Muted.Render(fmt.Sprintf(" (attempt %d)", e.Attempt))
			}
		case event.PhaseFailedEvent:
			suffix := ""
			if e.Retrying {
				suffix = ", retrying"
			}
			line = styles.Warning.Render(fmt.Sprintf("  %s failed: %s%s", e.Phase, styles.Truncate(e.Error, 160), suffix))
		case event.DriftAssessedEvent:
			label := "drift"
			if e.Early {
				label = "early drift"
			}
			line = fmt.Sprintf("  %s %s (yellow %d, red %d, unexpected %d)",
				label, styles.Severity(e.Severity).Render(e.Severity), e.YellowUsed, e.RedUsed, e.Unexpected)
		case event.EscalationRaisedEvent:
			line = styles.Warning.Render(fmt.Sprintf("  decision needed: %s [%s]", e.Context, strings.Join(e.Options, ", ")))
		case event.EscalationResolvedEvent:
			line = fmt.Sprintf("  decided %s: %s", e.Context, styles.Primary.Render(e.Choice))
		case event.StepCompletedEvent:
			line = styles.Success.Render(fmt.Sprintf("✓ %s committed %s", e.StepID, shortRev(e.Revision)))
		case event.StepAbortedEvent:
			line = styles.Error.Render(fmt.Sprintf("✗ %s stopped in %s: %s", e.StepID, e.Phase, e.Reason))
		default:
			return
		}
		fmt.Fprintln(w, line)
	}
}

// isHalt reports whether err came from the pipeline stopping, as opposed to
// the command failing to start the run at all.
func isHalt(err error) bool {
	var halt *errors.HaltError
	return errors.As(err, &halt) || errors.IsStructural(err)
}

// reportHalt prints the halt report for sess and what to do next.
func reportHalt(w io.Writer, sess *session.Session, err error) error {
	step, ph, reason := "", "", err.Error()
	var halt *errors.HaltError
	if errors.As(err, &halt) {
		step, ph, reason = halt.Step, halt.Phase, halt.Reason
	}
	if sess.Halt != nil {
		step, ph, reason = sess.Halt.Step, sess.Halt.Phase, sess.Halt.Reason
	}

	rows := []string{
		styles.Title.Render("Session halted"),
		row("Session", sess.ID),
		row("Status", styles.Status(string(sess.Status)).Render(string(sess.Status))),
	}
	if step != "" {
		rows = append(rows, row("Step", step))
	}
	if ph != "" {
		rows = append(rows, row("Phase", ph))
	}
	rows = append(rows, row("Reason", reason))
	if hint := haltHint(sess, err); hint != "" {
		rows = append(rows, "", styles.Muted.Render(hint))
	}

	fmt.Fprintln(w, styles.ErrorPanel.Render(strings.Join(rows, "\n")))
	return fmt.Errorf("%w: %w", errReported, err)
}

func haltHint(sess *session.Session, err error) string {
	switch {
	case errors.IsStructural(err):
		return "Session state is inconsistent and will not be repaired.\nStart a fresh session with: cadence run <plan>"
	case errors.Is(err, errors.ErrAborted):
		return "The session was aborted and cannot be resumed."
	case sess.NeedsReconciliation():
		return fmt.Sprintf("Close tracker item %s by hand, then run: cadence ack %s",
			sess.Reconciliation.Item, sess.ID)
	case errors.Is(err, errors.ErrNoDecision), errors.Is(err, errors.ErrInvalidOption):
		return fmt.Sprintf("Resume with a decision: cadence resume %s --decide <context>=<option>", sess.ID)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("Interrupted. Resume with: cadence resume %s", sess.ID)
	case sess.Status == session.StatusFailed:
		return "The session has failed and cannot be resumed."
	default:
		return fmt.Sprintf("Resume with: cadence resume %s", sess.ID)
	}
}

func row(label, value string) string {
	return styles.Label.Render(label) + value
}

func shortRev(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// renderSession prints the detailed view used by status.
func renderSession(w io.Writer, sess *session.Session) {
	total := len(sess.Completed) + len(sess.Remaining)
	rows := []string{
		styles.Title.Render("Session " + sess.ID),
		row("Plan", sess.PlanRef),
		row("Status", styles.Status(string(sess.Status)).Render(string(sess.Status))),
		row("Policy", string(sess.CommitPolicy)),
		row("Progress", fmt.Sprintf("%d/%d steps", len(sess.Completed), total)),
		row("Updated", sess.Updated.Local().Format(time.DateTime)),
	}
	if sess.CurrentStep != "" {
		current := sess.CurrentStep
		if p, ok := sess.StepProgress[current]; ok && p != nil {
			current += styles.Muted.Render(fmt.Sprintf(" (verification retries %d, quality retries %d)",
				p.VerificationRetries, p.QualityRetries))
			if p.Partial {
				current += styles.Warning.Render(" partial")
			}
		}
		rows = append(rows, row("Current", current))
	}
	if sess.PublishURL != "" {
		rows = append(rows, row("Published", sess.PublishURL))
	}
	fmt.Fprintln(w, strings.Join(rows, "\n"))

	fmt.Fprintln(w)
	fmt.Fprintln(w, styles.Header.Render("Steps"))
	for _, id := range sess.Completed {
		fmt.Fprintln(w, stepLine(sess, id, styles.Success.Render("✓")))
	}
	for _, id := range sess.Remaining {
		mark := styles.Muted.Render("·")
		if id == sess.CurrentStep {
			mark = styles.Info.Render("▸")
		}
		fmt.Fprintln(w, stepLine(sess, id, mark))
	}

	if h := sess.Halt; h != nil {
		lines := []string{styles.Warning.Bold(true).Render("Halted"), row("Step", h.Step)}
		if h.Phase != "" {
			lines = append(lines, row("Phase", h.Phase))
		}
		lines = append(lines, row("Reason", h.Reason), row("At", h.At.Local().Format(time.DateTime)))
		fmt.Fprintln(w)
		fmt.Fprintln(w, styles.Panel.Render(strings.Join(lines, "\n")))
	}

	if rec := sess.Reconciliation; rec != nil {
		state := styles.Warning.Render("pending")
		if rec.Acknowledged {
			state = styles.Success.Render("acknowledged")
		}
		lines := []string{
			styles.Warning.Bold(true).Render("Reconciliation " + state),
			row("Step", rec.Step),
			row("Item", rec.Item),
			row("Revision", shortRev(rec.Revision)),
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, styles.Panel.Render(strings.Join(lines, "\n")))
	}
}

func stepLine(sess *session.Session, id, mark string) string {
	line := fmt.Sprintf("  %s %s", mark, id)
	if item := sess.TrackerItems[id]; item != "" && item != id {
		line += styles.Muted.Render("  " + item)
	}
	return line
}

// sessionTable prints one row per session.
func sessionTable(w io.Writer, infos []*session.Info) {
	cell := func(width int) lipgloss.Style { return lipgloss.NewStyle().Width(width) }
	fmt.Fprintln(w, styles.Header.Render(
		cell(10).Render("ID")+cell(16).Render("STATUS")+cell(8).Render("STEPS")+
			cell(20).Render("CURRENT")+cell(21).Render("UPDATED")+"LOCK"))
	for _, info := range infos {
		status := string(info.Status)
		if info.Reconciliation {
			status = "reconciliation"
		}
		lock := ""
		if info.IsLocked && info.LockInfo != nil {
			lock = fmt.Sprintf("pid %d", info.LockInfo.PID)
		}
		fmt.Fprintln(w,
			cell(10).Render(shortID(info.ID))+
				styles.Status(status).Width(16).Render(status)+
				cell(8).Render(fmt.Sprintf("%d/%d", info.CompletedSteps, info.TotalSteps))+
				cell(20).Render(styles.Truncate(info.CurrentStep, 19))+
				cell(21).Render(info.Updated.Local().Format(time.DateTime))+
				lock)
	}
}

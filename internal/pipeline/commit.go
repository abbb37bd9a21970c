package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/Iron-Ham/cadence/internal/errors"
	"github.com/Iron-Ham/cadence/internal/escalation"
	"github.com/Iron-Ham/cadence/internal/event"
	"github.com/Iron-Ham/cadence/internal/phase"
	"github.com/Iron-Ham/cadence/internal/worker"
)

// commit runs the commit phase. It returns phase.None with a result when the
// step is finished (or reconciliation is needed), or another state when an
// escalation sent the step elsewhere.
func (r *stepRun) commit(ctx context.Context) (StepResult, phase.Phase, error) {
	resp, payload, err := r.invoke(ctx, phase.Commit)
	if err != nil {
		return StepResult{}, phase.None, err
	}
	if resp.Verdict == worker.VerdictEscalate {
		req := escalation.NewRequest(escalation.ContextWorkerEscalation, r.step, phase.Commit.String(),
			"commit worker escalated: "+resp.Reason)
		choice, err := r.decide(ctx, phase.Commit, req)
		if err != nil {
			return StepResult{}, phase.None, err
		}
		switch {
		case choice == escalation.OptionRevise:
			next, err := r.restart(phase.Commit, resp.Reason)
			return StepResult{}, next, err
		case choice != escalation.OptionContinue:
			return StepResult{}, phase.None, r.abort(phase.Commit, "commit worker escalated: "+resp.Reason)
		case payload == nil:
			r.sc.Progress.Feedback = "continue after escalation: " + resp.Reason
			if err := r.save(phase.Commit); err != nil {
				return StepResult{}, phase.None, err
			}
			return StepResult{}, phase.Commit, nil
		}
	}
	proposal := payload.(*worker.CommitPayload)

	if err := r.adapterStep(ctx, "stage changes", func() error {
		return r.c.deps.VCS.Stage(ctx, proposal.Files)
	}); err != nil {
		return StepResult{}, phase.None, err
	}

	if r.c.cfg.CommitPolicy == PolicyConfirmed {
		details := []string{"message: " + firstLine(proposal.Message)}
		if len(proposal.Files) == 0 {
			details = append(details, "files: all changes in the work tree")
		}
		for _, f := range proposal.Files {
			details = append(details, "file: "+f)
		}
		req := escalation.NewRequest(escalation.ContextCommitConfirmation, r.step, phase.Commit.String(),
			fmt.Sprintf("commit step %s", r.step), details...)
		choice, err := r.decide(ctx, phase.Commit, req)
		if err != nil {
			return StepResult{}, phase.None, err
		}
		if choice != escalation.OptionCommit {
			return StepResult{}, phase.None, r.abort(phase.Commit, "commit rejected")
		}
	}

	var revision string
	if err := r.adapterStep(ctx, "commit changes", func() error {
		rev, err := r.c.deps.VCS.Commit(ctx, proposal.Message)
		if errors.Is(err, errors.ErrNothingToCommit) {
			r.logger.Warn("nothing to commit for step")
			return nil
		}
		revision = rev
		return err
	}); err != nil {
		return StepResult{}, phase.None, err
	}

	record := CommitRecord{
		Message:       proposal.Message,
		Files:         proposal.Files,
		Revision:      revision,
		TrackerItem:   r.sc.ItemID,
		TrackerClosed: true,
	}

	var closeErr error
	if r.sc.ItemID != "" {
		closeErr = r.c.deps.Tracker.Close(ctx, r.sc.ItemID, closeReason(r.step, revision, proposal.Message))
		if closeErr != nil {
			record.TrackerClosed = false
			record.CloseError = closeErr.Error()
			r.logger.Error("tracker close failed after commit", "item", r.sc.ItemID, "revision", revision, "error", closeErr)
		}
	}

	if _, err := r.complete(phase.Commit, record, resp.Verdict); err != nil {
		return StepResult{}, phase.None, err
	}

	if closeErr != nil {
		res := StepResult{Aborted: true, Committed: revision != "", Revision: revision}
		return res, phase.None, r.halt(phase.Commit,
			fmt.Sprintf("committed %s but could not close tracker item %s", shortRev(revision), r.sc.ItemID),
			fmt.Errorf("%w: %w: %w", errors.ErrReconciliationRequired, errors.ErrTrackerClose, closeErr))
	}

	r.c.bus.Publish(event.NewStepCompletedEvent(r.c.cfg.SessionID, r.step, revision))
	r.logger.Info("step committed", "revision", revision)
	return StepResult{Completed: true, Committed: revision != "", Revision: revision}, phase.None, nil
}

// adapterStep runs a version-control operation. Failures are escalated with
// {retry, abort}; retry runs the operation again without re-invoking the
// commit worker.
func (r *stepRun) adapterStep(ctx context.Context, what string, fn func() error) error {
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return r.halt(phase.Commit, "interrupted", context.Cause(ctx))
		}
		if _, recErr := r.c.deps.Store.RecordAttempt(r.step, phase.Commit, what+": "+err.Error(), false, nil); recErr != nil {
			r.logger.Warn("failed to record attempt", "phase", phase.Commit.String(), "error", recErr)
		}
		r.c.bus.Publish(event.NewPhaseFailedEvent(r.c.cfg.SessionID, r.step, phase.Commit.String(), err, false))

		req := escalation.NewRequest(escalation.ContextPhaseFailure, r.step, phase.Commit.String(),
			"failed to "+what, err.Error())
		choice, derr := r.decide(ctx, phase.Commit, req)
		if derr != nil {
			return derr
		}
		if choice != escalation.OptionRetry {
			return r.abort(phase.Commit, fmt.Sprintf("failed to %s: %v", what, err))
		}
	}
}

func closeReason(step, revision, message string) string {
	if revision == "" {
		return fmt.Sprintf("Step %s completed: %s", step, firstLine(message))
	}
	return fmt.Sprintf("Step %s committed in %s: %s", step, revision, firstLine(message))
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

func shortRev(rev string) string {
	if rev == "" {
		return "nothing"
	}
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

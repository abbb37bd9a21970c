package event

import "github.com/Iron-Ham/cadence/internal/logging"

// Journal subscribes to every event on bus and writes it to logger, so the
// session's debug.log holds a complete timeline. It returns the subscription ID.
func Journal(bus *Bus, logger *logging.Logger) string {
	return bus.SubscribeAll(func(e Event) {
		logger.Info("event", append([]any{"event_type", e.EventType()}, attrs(e)...)...)
	})
}

func attrs(e Event) []any {
	switch ev := e.(type) {
	case PhaseStartedEvent:
		return []any{"step_id", ev.StepID, "phase", ev.Phase, "attempt", ev.Attempt}
	case PhaseCompletedEvent:
		return []any{"step_id", ev.StepID, "phase", ev.Phase, "verdict", ev.Verdict}
	case PhaseFailedEvent:
		return []any{"step_id", ev.StepID, "phase", ev.Phase, "error", ev.Error, "retrying", ev.Retrying}
	case DriftAssessedEvent:
		return []any{"step_id", ev.StepID, "severity", ev.Severity, "yellow_used", ev.YellowUsed,
			"red_used", ev.RedUsed, "unexpected", ev.Unexpected, "early", ev.Early}
	case EscalationRaisedEvent:
		return []any{"step_id", ev.StepID, "phase", ev.Phase, "context", ev.Context, "options", ev.Options}
	case EscalationResolvedEvent:
		return []any{"step_id", ev.StepID, "context", ev.Context, "choice", ev.Choice}
	case StepCompletedEvent:
		return []any{"step_id", ev.StepID, "revision", ev.Revision}
	case StepAbortedEvent:
		return []any{"step_id", ev.StepID, "phase", ev.Phase, "reason", ev.Reason, "committed", ev.Committed}
	case SessionHaltedEvent:
		return []any{"step_id", ev.StepID, "phase", ev.Phase, "reason", ev.Reason}
	case SessionCompletedEvent:
		return []any{"steps", ev.Steps}
	default:
		return nil
	}
}

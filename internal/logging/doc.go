// Package logging provides structured logging for cadence sessions.
//
// Every session writes a JSON-lines debug log to
// .cadence/sessions/<id>/debug.log. Entries carry the session, step and phase
// they were emitted from, so a halted run can be reconstructed afterwards
// with [AggregateLogs] and [FilterLogs] (surfaced by `cadence logs`).
//
// # Context Propagation
//
//	logger, err := logging.NewLoggerWithRotation(dir, "INFO", logging.DefaultRotationConfig())
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	stepLog := logger.WithSession(sess.ID).WithStep("auth")
//	stepLog.WithPhase("verification").Info("rework requested", "retries", 2)
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"rework requested","session_id":"...","step_id":"auth","phase":"verification","retries":2}
//
// # Rotation
//
// [RotatingWriter] rotates debug.log once it would exceed MaxSizeMB, keeping
// MaxBackups numbered backups (debug.log.1 is the newest), optionally gzipped.
//
// # Testing
//
// Use [NopLogger] in tests, or [NewWriterLogger] with a bytes.Buffer to
// assert on emitted entries.
package logging

// Package pipeline drives one plan step through the fixed phase sequence:
//
//	strategy → implementation → drift gate → verification ⟲ → quality review ⟲ → logging → commit
//
// A [Controller] is built once per session run and [Controller.RunStep] is
// called for each step in dependency order. Before running anything it asks
// the artifact store for the step's latest phase and re-enters at the phase
// after it, so a resumed step never repeats or skips a phase.
//
// The controller only branches on worker verdicts. Rework verdicts from
// verification and quality review rewind the step to implementation, bounded
// by per-loop ceilings; blocking drift, exhausted ceilings, worker
// escalations and non-retryable failures go to the escalation gateway with a
// fixed menu. An optional [Observer] runs alongside implementation and can
// stop it early when drift is already major; the partial result is kept as a
// failed attempt and reviewed through the drift gate.
//
// The commit phase stages and commits the worker's proposal (after
// confirmation under [PolicyConfirmed]) and closes the step's tracker item.
// When the commit lands but the tracker close fails, RunStep reports the step
// as aborted and committed and returns errors.ErrReconciliationRequired.
//
// # Usage
//
//	ctrl, _ := pipeline.New(pipeline.Config{
//	    SessionID:           id,
//	    WorkDir:             root,
//	    VerificationCeiling: 3,
//	    QualityCeiling:      2,
//	    CommitPolicy:        pipeline.PolicyConfirmed,
//	}, pipeline.Deps{
//	    Store:   store,
//	    Workers: workers,
//	    Gateway: gateway,
//	    VCS:     repo,
//	    Tracker: tracker,
//	}, pipeline.WithBus(bus))
//	result, err := ctrl.RunStep(ctx, pipeline.StepContext{Step: step, ItemID: item, Progress: &progress})
package pipeline

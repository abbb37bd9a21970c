package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/cadence/internal/config"
	cerrors "github.com/Iron-Ham/cadence/internal/errors"
	"github.com/Iron-Ham/cadence/internal/phase"
	"github.com/Iron-Ham/cadence/internal/plan"
)

type fakeRunner struct {
	stdout, stderr string
	err            error
	block          bool
	gotStdin       []byte
	gotName        string
	gotArgs        []string
}

func (f *fakeRunner) Run(ctx context.Context, dir, name string, args []string, stdin []byte) ([]byte, []byte, error) {
	f.gotStdin = stdin
	f.gotName = name
	f.gotArgs = args
	if f.block {
		<-ctx.Done()
		return nil, nil, ctx.Err()
	}
	return []byte(f.stdout), []byte(f.stderr), f.err
}

func TestResponse_Validate(t *testing.T) {
	tests := []struct {
		name    string
		resp    Response
		wantErr bool
	}{
		{"approve", Response{Verdict: VerdictApprove}, false},
		{"revise with feedback", Response{Verdict: VerdictRevise, Feedback: "fix x"}, false},
		{"revise without feedback", Response{Verdict: VerdictRevise}, true},
		{"escalate without reason", Response{Verdict: VerdictEscalate}, true},
		{"fail without error", Response{Verdict: VerdictFail}, true},
		{"fail with error", Response{Verdict: VerdictFail, Error: "boom"}, false},
		{"unknown verdict", Response{Verdict: "maybe"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.resp.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, cerrors.ErrMalformedResponse)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDecodePayload(t *testing.T) {
	p, err := DecodePayload(phase.Strategy, json.RawMessage(`{"approach":"x","expected_files":["a.go"],"extra":1}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"a.go"}, p.(*StrategyPayload).ExpectedFiles)

	_, err = DecodePayload(phase.Strategy, json.RawMessage(`{"approach":"x","expected_files":[]}`))
	assert.ErrorIs(t, err, cerrors.ErrMalformedResponse)

	_, err = DecodePayload(phase.Commit, json.RawMessage(`{"message":"  "}`))
	assert.ErrorIs(t, err, cerrors.ErrMalformedResponse)

	_, err = DecodePayload(phase.Implementation, nil)
	assert.ErrorIs(t, err, cerrors.ErrMalformedResponse)

	_, err = DecodePayload(phase.Implementation, json.RawMessage(`[1,2]`))
	assert.ErrorIs(t, err, cerrors.ErrMalformedResponse)

	impl, err := DecodePayload(phase.Implementation, json.RawMessage(`{"summary":"done","touched_files":[]}`))
	require.NoError(t, err)
	assert.Empty(t, impl.(*ImplementationPayload).TouchedFiles)

	_, err = DecodePayload(phase.DriftGate, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, cerrors.ErrUnknownPhase)
}

func TestReviewPayload_SeverityIsFreeForm(t *testing.T) {
	p, err := DecodePayload(phase.QualityReview, json.RawMessage(
		`{"summary":"minor nits","findings":[{"severity":"blocker","path":"a.go","message":"unused var"}]}`))
	require.NoError(t, err)
	findings := p.(*ReviewPayload).Findings
	require.Len(t, findings, 1)
	assert.Equal(t, "blocker", findings[0].Severity)

	_, err = DecodePayload(phase.QualityReview, json.RawMessage(`{"findings":[{"severity":"low"}]}`))
	assert.ErrorIs(t, err, cerrors.ErrMalformedResponse)
}

func TestVerificationPayload_Passed(t *testing.T) {
	p := &VerificationPayload{Checks: []CheckResult{{Command: "go test", Passed: true}, {Command: "go vet", Passed: false}}}
	assert.False(t, p.Passed())
	p.Checks[1].Passed = true
	assert.True(t, p.Passed())
}

func TestApproveAndRevise(t *testing.T) {
	r, err := Approve(LoggingPayload{Entry: "did it"})
	require.NoError(t, err)
	assert.Equal(t, VerdictApprove, r.Verdict)
	assert.JSONEq(t, `{"entry":"did it"}`, string(r.Payload))

	r, err = Revise("tests fail", VerificationPayload{})
	require.NoError(t, err)
	assert.Equal(t, VerdictRevise, r.Verdict)
	assert.Equal(t, "tests fail", r.Feedback)
	assert.NoError(t, r.Validate())
}

func TestSet(t *testing.T) {
	s := Set{phase.Strategy: Func(func(context.Context, Request) (Response, error) { return Response{}, nil })}

	_, err := s.For(phase.Strategy)
	assert.NoError(t, err)
	_, err = s.For(phase.Commit)
	assert.ErrorIs(t, err, cerrors.ErrInvalidInput)
	assert.Len(t, s.Missing(), 5)
}

func newTestWorker(r Runner, timeout int) *CommandWorker {
	return NewCommandWorker(phase.Verification,
		config.WorkerConfig{Command: "verify", Args: []string{"--json"}, TimeoutMinutes: timeout},
		"/repo", WithRunner(r))
}

func TestCommandWorker_RoundTrip(t *testing.T) {
	r := &fakeRunner{stdout: "running checks...\n{\"verdict\":\"revise\",\"feedback\":\"add tests\"}\n"}
	w := newTestWorker(r, 0)

	req := Request{
		SessionID: "s1",
		StepID:    "auth",
		Phase:     phase.Verification,
		Attempt:   2,
		Step:      plan.Step{ID: "auth", VerificationCommands: []string{"go test ./..."}},
	}
	resp, err := w.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, VerdictRevise, resp.Verdict)
	assert.Equal(t, "add tests", resp.Feedback)

	assert.Equal(t, "verify", r.gotName)
	assert.Equal(t, []string{"--json"}, r.gotArgs)
	var sent Request
	require.NoError(t, json.Unmarshal(r.gotStdin, &sent))
	assert.Equal(t, "auth", sent.StepID)
	assert.Equal(t, 2, sent.Attempt)
}

func TestCommandWorker_Failures(t *testing.T) {
	tests := []struct {
		name   string
		runner *fakeRunner
		want   error
	}{
		{"non-zero exit", &fakeRunner{stderr: "panic", err: errors.New("exit status 2")}, cerrors.ErrWorkerFailed},
		{"empty output", &fakeRunner{}, cerrors.ErrMalformedResponse},
		{"garbage", &fakeRunner{stdout: "not json"}, cerrors.ErrMalformedResponse},
		{"invalid verdict", &fakeRunner{stdout: `{"verdict":"ok"}`}, cerrors.ErrMalformedResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestWorker(tt.runner, 0).Invoke(context.Background(), Request{Attempt: 1})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var pe *cerrors.PhaseError
			require.True(t, cerrors.As(err, &pe))
			assert.Equal(t, "verification", pe.Phase)
			assert.True(t, pe.IsRetryable(), "verification is idempotent")
		})
	}
}

func TestCommandWorker_CallerCancellationReturnsCause(t *testing.T) {
	w := newTestWorker(&fakeRunner{block: true}, 0)

	ctx, cancel := context.WithCancelCause(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel(cerrors.ErrEarlyStop)
	}()

	_, err := w.Invoke(ctx, Request{})
	assert.ErrorIs(t, err, cerrors.ErrEarlyStop)
}

func TestExecRunner(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	stdout, _, err := ExecRunner{}.Run(context.Background(), t.TempDir(), "cat", nil, []byte(`{"verdict":"approve"}`))
	require.NoError(t, err)

	resp, err := parseResponse(stdout)
	require.NoError(t, err)
	assert.Equal(t, VerdictApprove, resp.Verdict)
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default().Workers
	cfg.Strategy.Command = "plan-worker"
	cfg.Commit.Command = "commit-worker"

	set := FromConfig(cfg, "/repo", nil)
	assert.Len(t, set, 2)
	assert.Contains(t, set, phase.Strategy)
	assert.Contains(t, set, phase.Commit)
}

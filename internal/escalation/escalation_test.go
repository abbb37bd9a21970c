package escalation

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/charmbracelet/huh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/cadence/internal/errors"
)

func TestRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		options []Option
		wantErr bool
	}{
		{"two options", []Option{OptionCommit, OptionAbort}, false},
		{"four options", []Option{"a", "b", "c", "d"}, false},
		{"one option", []Option{OptionAbort}, true},
		{"five options", []Option{"a", "b", "c", "d", "e"}, true},
		{"duplicate", []Option{OptionAbort, OptionAbort}, true},
		{"empty entry", []Option{OptionAbort, " "}, true},
		{"nil", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Request{Context: ContextDriftGate, Options: tt.options}.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, errors.ErrInvalidMenu)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMenu_EveryContextIsValid(t *testing.T) {
	for _, c := range Contexts() {
		req := NewRequest(c, "step", "phase", "summary")
		assert.NoError(t, req.Validate(), c)
		assert.True(t, req.Offers(OptionAbort), "%s must offer abort", c)
	}
	assert.Nil(t, Menu("bogus"))
}

func TestValidated(t *testing.T) {
	ctx := context.Background()
	calls := 0
	inner := GatewayFunc(func(_ context.Context, req Request) (Option, error) {
		calls++
		return "explode", nil
	})
	gw := Validated(inner)

	_, err := gw.Decide(ctx, Request{Context: ContextDriftGate, Options: []Option{OptionAbort}})
	assert.ErrorIs(t, err, errors.ErrInvalidMenu)
	assert.Equal(t, 0, calls, "invalid menus never reach the inner gateway")

	_, err = gw.Decide(ctx, NewRequest(ContextDriftGate, "s", "implementation", "drift"))
	assert.ErrorIs(t, err, errors.ErrInvalidOption)
	assert.Equal(t, 1, calls)

	assert.Same(t, gw, Validated(gw))
}

func TestValidated_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Validated(NewScriptedGateway().Add(ContextDriftGate, OptionContinue)).
		Decide(ctx, NewRequest(ContextDriftGate, "s", "", ""))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScriptedGateway(t *testing.T) {
	ctx := context.Background()
	gw := NewScriptedGateway().
		Add(ContextVerificationCeiling, OptionRevise, OptionContinue).
		Add(ContextCommitConfirmation, OptionCommit)

	choice, err := gw.Decide(ctx, NewRequest(ContextVerificationCeiling, "s", "verification", ""))
	require.NoError(t, err)
	assert.Equal(t, OptionRevise, choice)

	choice, err = gw.Decide(ctx, NewRequest(ContextVerificationCeiling, "s", "verification", ""))
	require.NoError(t, err)
	assert.Equal(t, OptionContinue, choice)

	_, err = gw.Decide(ctx, NewRequest(ContextVerificationCeiling, "s", "verification", ""))
	assert.ErrorIs(t, err, errors.ErrNoDecision)

	assert.Equal(t, 1, gw.Remaining())
	assert.Len(t, gw.Requests(), 3)
}

func TestParseDecisions(t *testing.T) {
	gw, err := ParseDecisions([]string{"drift_gate=continue", " commit_confirmation = commit"})
	require.NoError(t, err)

	choice, err := gw.Decide(context.Background(), NewRequest(ContextCommitConfirmation, "s", "commit", ""))
	require.NoError(t, err)
	assert.Equal(t, OptionCommit, choice)

	_, err = ParseDecisions([]string{"drift_gate"})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	_, err = ParseDecisions([]string{"nope=continue"})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	_, err = ParseDecisions([]string{"drift_gate=contnue"})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	_, err = ParseDecisions([]string{"commit_confirmation=continue"})
	assert.ErrorIs(t, err, errors.ErrInvalidInput, "continue is not on the commit menu")
}

func TestChain(t *testing.T) {
	ctx := context.Background()
	scripted := NewScriptedGateway().Add(ContextDriftGate, OptionContinue)
	fallback := GatewayFunc(func(context.Context, Request) (Option, error) { return OptionAbort, nil })
	gw := Chain(scripted, fallback)

	choice, err := gw.Decide(ctx, NewRequest(ContextDriftGate, "s", "", ""))
	require.NoError(t, err)
	assert.Equal(t, OptionContinue, choice)

	choice, err = gw.Decide(ctx, NewRequest(ContextDriftGate, "s", "", ""))
	require.NoError(t, err)
	assert.Equal(t, OptionAbort, choice)

	_, err = Chain(Unavailable).Decide(ctx, NewRequest(ContextDriftGate, "s", "", ""))
	assert.ErrorIs(t, err, errors.ErrNoDecision)

	boom := errors.New("boom")
	_, err = Chain(GatewayFunc(func(context.Context, Request) (Option, error) { return "", boom }), fallback).
		Decide(ctx, NewRequest(ContextDriftGate, "s", "", ""))
	assert.ErrorIs(t, err, boom)
}

func TestRender(t *testing.T) {
	out := Render(NewRequest(ContextDriftGate, "auth", "implementation", "major drift: 2 unexpected file(s)", "billing/x.go (red)"))

	assert.Contains(t, out, "drift gate")
	assert.Contains(t, out, "auth")
	assert.Contains(t, out, "major drift")
	assert.Contains(t, out, "billing/x.go (red)")
	assert.Contains(t, out, "continue, revise, abort")
}

func TestTerminalGateway_RejectsInvalidMenu(t *testing.T) {
	var out bytes.Buffer
	gw := NewTerminalGateway(WithIO(strings.NewReader(""), &out))

	_, err := gw.Decide(context.Background(), Request{Context: ContextDriftGate})
	assert.ErrorIs(t, err, errors.ErrInvalidMenu)
	assert.Empty(t, out.String())
}

func TestPromptError(t *testing.T) {
	ctx := context.Background()

	err := promptError(ctx, fmt.Errorf("form: %w", huh.ErrUserAborted))
	assert.ErrorIs(t, err, errors.ErrNoDecision, "a wrapped abort still means no decision")

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, promptError(canceled, errors.New("tty closed")), context.Canceled)

	err = promptError(ctx, errors.New("tty closed"))
	assert.NotErrorIs(t, err, errors.ErrNoDecision)
	assert.Contains(t, err.Error(), "tty closed")
}

func TestParseContext(t *testing.T) {
	c, err := ParseContext("quality_ceiling")
	require.NoError(t, err)
	assert.Equal(t, ContextQualityCeiling, c)

	_, err = ParseContext("quality")
	assert.Error(t, err)
}

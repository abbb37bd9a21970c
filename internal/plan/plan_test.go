package plan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/cadence/internal/errors"
)

const samplePlan = `
title: Auth rework
steps:
  - id: tokens
    title: Token issuing
    tasks: [issue tokens]
    expected_artifacts: [internal/auth/token.go]
    verification_commands: ["go test ./internal/auth/..."]
    depends_on: [store]
  - id: store
    title: Session store
    expected_artifacts: [internal/auth/store.go]
  - id: docs
    expected_artifacts: [docs/auth.md]
`

func TestParse_YAML(t *testing.T) {
	p, err := Parse([]byte(samplePlan), "yaml")
	require.NoError(t, err)

	assert.Equal(t, "Auth rework", p.Title)
	assert.Equal(t, []string{"tokens", "store", "docs"}, p.StepIDs())

	s, err := p.GetStep("tokens")
	require.NoError(t, err)
	assert.Equal(t, []string{"internal/auth/token.go"}, s.ExpectedArtifacts)
	assert.Equal(t, []string{"go test ./internal/auth/..."}, s.VerificationCommands)
	assert.Equal(t, []string{"store"}, s.DependsOn)

	_, err = p.GetStep("missing")
	assert.ErrorIs(t, err, errors.ErrStepNotFound)
}

func TestParse_JSON(t *testing.T) {
	doc := `{"title":"x","steps":[{"id":"a","expected_artifacts":["a.go"]},{"id":"b","depends_on":["a"]}]}`
	p, err := Parse([]byte(doc), "json")
	require.NoError(t, err)

	order, err := p.Order()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want error
	}{
		{"no steps", "title: empty\n", errors.ErrPlanInvalid},
		{"unknown field", "steps:\n  - id: a\n    colour: red\n", errors.ErrPlanInvalid},
		{"bad id", "steps:\n  - id: ../a\n", errors.ErrPlanInvalid},
		{"empty id", "steps:\n  - title: nameless\n", errors.ErrPlanInvalid},
		{"duplicate id", "steps:\n  - id: a\n  - id: a\n", errors.ErrPlanInvalid},
		{"self dependency", "steps:\n  - id: a\n    depends_on: [a]\n", errors.ErrPlanInvalid},
		{"unknown dependency", "steps:\n  - id: a\n    depends_on: [z]\n", errors.ErrPlanInvalid},
		{"cycle", "steps:\n  - id: a\n    depends_on: [b]\n  - id: b\n    depends_on: [a]\n", errors.ErrDependencyCycle},
		{"malformed", "steps: [", errors.ErrPlanInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc), "yaml")
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := Parse([]byte("{}"), "toml")
	assert.ErrorIs(t, err, errors.ErrPlanInvalid)
}

func TestOrder_KeepsDocumentOrderForTies(t *testing.T) {
	p, err := Parse([]byte(samplePlan), "yaml")
	require.NoError(t, err)

	order, err := p.Order()
	require.NoError(t, err)
	assert.Equal(t, []string{"store", "tokens", "docs"}, order)
}

func TestOrder_Diamond(t *testing.T) {
	doc := `
steps:
  - id: d
    depends_on: [b, c]
  - id: c
    depends_on: [a]
  - id: b
    depends_on: [a]
  - id: a
`
	p, err := Parse([]byte(doc), "yaml")
	require.NoError(t, err)

	order, err := p.Order()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "b", "d"}, order)
}

func TestUnmet(t *testing.T) {
	p, err := Parse([]byte(samplePlan), "yaml")
	require.NoError(t, err)

	missing, err := p.Unmet("tokens", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"store"}, missing)

	missing, err = p.Unmet("tokens", []string{"store"})
	require.NoError(t, err)
	assert.Empty(t, missing)

	_, err = p.Unmet("nope", nil)
	assert.ErrorIs(t, err, errors.ErrStepNotFound)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "plan.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(samplePlan), 0644))
	p, err := Load(yamlPath)
	require.NoError(t, err)
	assert.Len(t, p.Steps, 3)

	jsonPath := filepath.Join(dir, "plan.JSON")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"steps":[{"id":"a"}]}`), 0644))
	p, err = Load(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, p.StepIDs())

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	var adapterErr *errors.AdapterError
	assert.True(t, errors.As(err, &adapterErr))
}

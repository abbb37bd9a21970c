package phase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrdinal(t *testing.T) {
	for i, p := range All() {
		assert.Equal(t, i+1, p.Ordinal(), p)
	}
	assert.Equal(t, 0, DriftGate.Ordinal())
	assert.Equal(t, 0, None.Ordinal())
}

func TestNext(t *testing.T) {
	assert.Equal(t, Strategy, None.Next())
	assert.Equal(t, Implementation, Strategy.Next())
	assert.Equal(t, Verification, Implementation.Next())
	assert.Equal(t, QualityReview, Verification.Next())
	assert.Equal(t, Logging, QualityReview.Next())
	assert.Equal(t, Commit, Logging.Next())
	assert.Equal(t, None, Commit.Next())
	assert.Equal(t, None, DriftGate.Next())
}

func TestBefore(t *testing.T) {
	assert.Empty(t, Strategy.Before())
	assert.Equal(t, []Phase{Strategy, Implementation}, Verification.Before())
	assert.Len(t, Commit.Before(), 5)
}

func TestIdempotent(t *testing.T) {
	assert.True(t, Strategy.Idempotent())
	assert.True(t, Verification.Idempotent())
	assert.True(t, QualityReview.Idempotent())
	assert.True(t, Logging.Idempotent())
	assert.False(t, Implementation.Idempotent())
	assert.False(t, Commit.Idempotent())
}

func TestParse(t *testing.T) {
	p, err := Parse("quality_review")
	require.NoError(t, err)
	assert.Equal(t, QualityReview, p)

	_, err = Parse("drift_gate")
	assert.Error(t, err)
}

func TestAllReturnsCopy(t *testing.T) {
	all := All()
	all[0] = Commit
	assert.Equal(t, Strategy, All()[0])
}

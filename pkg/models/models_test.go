package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEngineKindAliases(t *testing.T) {
	t.Parallel()

	assert.Equal(t, EngineChromium, ParseEngineKind("Chrome"))
	assert.Equal(t, EngineGecko, ParseEngineKind(" firefox "))
	assert.Equal(t, EngineWebKit, ParseEngineKind("safari"))
	assert.Equal(t, EngineKind("opera"), ParseEngineKind("opera"))
	assert.False(t, ParseEngineKind("opera").Valid())
}

func TestParseEngineList(t *testing.T) {
	t.Parallel()

	kinds, err := ParseEngineList("chromium, gecko,,webkit")
	require.NoError(t, err)
	assert.Equal(t, []EngineKind{EngineChromium, EngineGecko, EngineWebKit}, kinds)

	_, err = ParseEngineList(" , ")
	require.Error(t, err)
}

func TestAggregateResultPolicies(t *testing.T) {
	t.Parallel()

	ok := RunOutcome{Engine: EngineChromium, Status: OutcomeSuccess}
	bad := RunOutcome{Engine: EngineGecko, Status: OutcomeFailure, Failure: FailureScript}

	all := NewAggregateResult([]RunOutcome{ok, bad, ok}, PolicyAll)
	assert.False(t, all.Success)
	assert.Len(t, all.Failed(), 1)

	majority := NewAggregateResult([]RunOutcome{ok, bad, ok}, PolicyMajority)
	assert.True(t, majority.Success)

	tie := NewAggregateResult([]RunOutcome{ok, bad}, PolicyMajority)
	assert.False(t, tie.Success)

	empty := NewAggregateResult(nil, "bogus")
	assert.False(t, empty.Success)
	assert.Equal(t, PolicyAll, empty.Policy)
}

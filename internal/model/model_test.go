package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatorStateOrdinalsAreStable(t *testing.T) {
	// The ordinal sequence is part of the external contract; dashboards
	// key off these numbers directly.
	assert.Equal(t, ValidatorState(0), StateDown)
	assert.Equal(t, ValidatorState(1), StateDisconnected)
	assert.Equal(t, ValidatorState(2), StateConnected)
	assert.Equal(t, ValidatorState(3), StateSyncing)
	assert.Equal(t, ValidatorState(4), StateTracking)
	assert.Equal(t, ValidatorState(5), StateFull)
	assert.Equal(t, ValidatorState(6), StateValidating)
	assert.Equal(t, ValidatorState(7), StateProposing)
}

func TestParseValidatorStateRoundTrip(t *testing.T) {
	for _, s := range []ValidatorState{StateDown, StateFull, StateProposing} {
		assert.Equal(t, s, ParseValidatorState(s.String()))
	}
	assert.Equal(t, StateDown, ParseValidatorState("nonsense"))
}

func TestSampleEncodeOrdersLabelsStably(t *testing.T) {
	s := NewSample("ledger_sequence", 12345, 1000, KindGauge, "instance", "validator", "state", "full")
	assert.Equal(t, `ledger_sequence{instance="validator",state="full"} 12345 1000`, s.Encode())
}

func TestSampleEncodeEscapesLabelValues(t *testing.T) {
	s := NewSample("x", 1, 0, KindGauge, "msg", "a\"b\\c\nd")
	assert.Equal(t, `x{msg="a\"b\\c\nd"} 1 0`, s.Encode())
}

func TestSampleEncodeNoLabels(t *testing.T) {
	s := NewSample("up", 1, 42, KindGauge)
	assert.Equal(t, "up 1 42", s.Encode())
}

func TestConsensusHashBufferFIFOEviction(t *testing.T) {
	b := NewConsensusHashBuffer(3)
	b.Put(1, "A")
	b.Put(2, "B")
	b.Put(3, "C")
	require.Equal(t, 3, b.Len())

	b.Put(4, "D")
	assert.Equal(t, 3, b.Len())

	_, ok := b.Get(1)
	assert.False(t, ok, "oldest entry should have been evicted")

	h, ok := b.Get(4)
	require.True(t, ok)
	assert.Equal(t, "D", h)
}

func TestConsensusHashBufferDuplicateKeyDoesNotGrowQueue(t *testing.T) {
	b := NewConsensusHashBuffer(2)
	b.Put(1, "A")
	b.Put(2, "B")
	b.Put(1, "A-updated")
	require.Equal(t, 2, b.Len())

	h, ok := b.Get(1)
	require.True(t, ok)
	assert.Equal(t, "A-updated", h)

	_, ok = b.Get(2)
	assert.True(t, ok, "non-duplicate entry should not have been evicted by an update")
}

package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatchesByCode(t *testing.T) {
	err := fmt.Errorf("launch: %w", New(CodeRuleViolation, "Planetary Probes Must only visit planets"))

	assert.True(t, errors.Is(err, ErrRuleViolation))
	assert.False(t, errors.Is(err, ErrProtocolAbort))
	assert.Equal(t, CodeRuleViolation, CodeOf(err))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
}

func TestFailureRoundTrip(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(CodePersistenceFailure, "record probe", cause)
	assert.ErrorIs(t, err, cause)

	f := FailureOf(err)
	assert.Equal(t, CodePersistenceFailure, f.Code)
	assert.Equal(t, "record probe: disk full", f.Reason)

	back := f.Err()
	assert.ErrorIs(t, back, ErrPersistenceFailure)
	assert.Equal(t, "record probe: disk full", back.Error())

	assert.Equal(t, CodeInternal, Failure{Reason: "x"}.Err().Code)
}

func TestIsFinalized(t *testing.T) {
	err := WithMetadata(CodePersistenceFailure, "record", map[string]string{MetaFinalized: "true"})
	assert.True(t, IsFinalized(fmt.Errorf("launch: %w", err)))
	assert.False(t, IsFinalized(New(CodePersistenceFailure, "record")))
	assert.False(t, IsFinalized(errors.New("boom")))
}

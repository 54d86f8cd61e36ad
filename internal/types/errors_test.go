package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"invalid parameter", InvalidParameter("ratio", "bad"), KindClientInput},
		{"not media", &NotMediaError{Header: "3c 3f"}, KindClientInput},
		{"wrapped timeout", fmt.Errorf("poll: %w", &TimeoutError{Handle: "t1", Attempts: 3}), KindRetryLater},
		{"remote 503", &RemoteServiceError{Service: "runway", Status: 503}, KindRetryLater},
		{"remote transport", &RemoteServiceError{Service: "runway", Err: errors.New("dial tcp")}, KindRetryLater},
		{"remote 400", &RemoteServiceError{Service: "runway", Status: 400}, KindPermanent},
		{"business failure", &BusinessFailure{Handle: "t1", Reason: "nsfw"}, KindPermanent},
		{"media", &MediaProcessingError{Op: "trim"}, KindInternal},
		{"storage", &StorageError{Attempts: []error{errors.New("x")}}, KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestTypedErrorsMatchSentinels(t *testing.T) {
	assert.ErrorIs(t, &RemoteServiceError{}, ErrRemoteService)
	assert.ErrorIs(t, &NotMediaError{}, ErrNotMedia)
	assert.ErrorIs(t, &MediaProcessingError{}, ErrMediaProcessing)
	assert.ErrorIs(t, &TimeoutError{}, ErrTimeout)
	assert.ErrorIs(t, &StorageError{}, ErrStorage)
	assert.ErrorIs(t, &BusinessFailure{}, ErrBusinessFailure)

	inner := errors.New("imgbb down")
	se := &StorageError{Attempts: []error{inner}}
	assert.ErrorIs(t, se, inner)
}

func TestParseJobState(t *testing.T) {
	tests := map[string]JobState{
		"PENDING":   StatePending,
		"throttled": StatePending,
		"RUNNING":   StateRunning,
		"SUCCEEDED": StateSucceeded,
		"COMPLETED": StateSucceeded,
		"FAILED":    StateFailed,
		"CANCELLED": StateFailed,
		"whatever":  StateRunning,
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, ParseJobState(in))
		})
	}
}

func TestRatioAndDurationValidation(t *testing.T) {
	got, err := RatioPortrait.ServiceRatio()
	assert.NoError(t, err)
	assert.Equal(t, "720:1280", got)

	_, err = Ratio("4:3").ServiceRatio()
	assert.ErrorIs(t, err, ErrInvalidParameter)

	assert.NoError(t, ValidateDuration(10))
	assert.ErrorIs(t, ValidateDuration(7), ErrInvalidParameter)

	assert.NoError(t, ActionBirthdayDance.Validate())
	assert.ErrorIs(t, Action("flying").Validate(), ErrInvalidParameter)
}

package spider

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJobStateClassification(t *testing.T) {
	t.Parallel()

	for _, state := range []JobState{JobStateCompleted, JobStateFailed, JobStateStopped} {
		require.True(t, state.Terminal(), "state %s", state)
		require.False(t, state.Active(), "state %s", state)
	}
	for _, state := range []JobState{JobStatePending, JobStateRunning, JobStatePaused} {
		require.False(t, state.Terminal(), "state %s", state)
		require.True(t, state.Active(), "state %s", state)
	}
}

func TestFetchErrorTransient(t *testing.T) {
	t.Parallel()

	cases := []struct {
		kind      FetchErrorKind
		transient bool
	}{
		{FetchKindNetwork, true},
		{FetchKindTimeout, true},
		{FetchKindBlocked, true},
		{FetchKindHTTPStatus, false},
	}
	for _, tc := range cases {
		err := &FetchError{Kind: tc.kind, URL: "https://example.com", Attempts: 1}
		require.Equal(t, tc.transient, err.Transient(), "kind %s", tc.kind)
	}
}

func TestFetchErrorUnwrap(t *testing.T) {
	t.Parallel()

	inner := errors.New("connection refused")
	err := &FetchError{Kind: FetchKindNetwork, URL: "https://example.com", Attempts: 3, Err: inner}

	require.ErrorIs(t, err, inner)

	var fe *FetchError
	require.ErrorAs(t, error(err), &fe)
	require.Equal(t, FetchKindNetwork, fe.Kind)
}

func TestRejectReasonDuplicate(t *testing.T) {
	t.Parallel()

	require.True(t, RejectDuplicateID.Duplicate())
	require.True(t, RejectDuplicateContent.Duplicate())
	require.False(t, RejectInvalidSchema.Duplicate())
}

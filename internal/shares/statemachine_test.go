package shares

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestObjectLifecyclePath(t *testing.T) {
	m := NewObjectStateMachine(ObjectDraft)

	next, err := m.Run(ActionSubmit)
	require.NoError(t, err)
	require.Equal(t, ObjectSubmitted, next)

	next, err = m.Run(ActionApprove)
	require.NoError(t, err)
	require.Equal(t, ObjectApproved, next)

	next, err = m.Run(ActionStart)
	require.NoError(t, err)
	require.Equal(t, ObjectShareInProgress, next)

	next, err = m.Run(ActionFinish)
	require.NoError(t, err)
	require.Equal(t, ObjectProcessed, next)
}

func TestObjectIllegalTransitions(t *testing.T) {
	cases := []struct {
		action Action
		state  ShareObjectStatus
	}{
		{ActionApprove, ObjectDraft},
		{ActionApprove, ObjectProcessed},
		{ActionReject, ObjectApproved},
		{ActionStart, ObjectDraft},
		{ActionFinish, ObjectDraft},
		{ActionDelete, ObjectShareInProgress},
		{ActionExtensionApprove, ObjectDraft},
	}
	for _, tc := range cases {
		m := NewObjectStateMachine(tc.state)
		_, err := m.Run(tc.action)
		var illegal *IllegalTransitionError
		require.ErrorAs(t, err, &illegal, "action %s from %s", tc.action, tc.state)
		require.Equal(t, tc.action, illegal.Action)
		require.Equal(t, string(tc.state), illegal.State)
		require.Equal(t, tc.state, m.State(), "state must not move on illegal transition")
	}
}

func TestReplayIsIdempotent(t *testing.T) {
	// A state that is already a target of the action replays as a no-op.
	m := NewObjectStateMachine(ObjectSubmitted)
	next, err := m.Run(ActionSubmit)
	require.NoError(t, err)
	require.Equal(t, ObjectSubmitted, next)

	im := NewItemStateMachine(ItemShareInProgress)
	got, err := im.Run(ActionStart)
	require.NoError(t, err)
	require.Equal(t, ItemShareInProgress, got)

	im = NewItemStateMachine(ItemShareSucceeded)
	got, err = im.Run(ActionSuccess)
	require.NoError(t, err)
	require.Equal(t, ItemShareSucceeded, got)
}

func TestItemGrantAndRevokePath(t *testing.T) {
	m := NewItemStateMachine(ItemPendingApproval)
	for _, step := range []struct {
		action Action
		want   ShareItemStatus
	}{
		{ActionApprove, ItemShareApproved},
		{ActionStart, ItemShareInProgress},
		{ActionSuccess, ItemShareSucceeded},
		{ActionRevokeItems, ItemRevokeApproved},
		{ActionStart, ItemRevokeInProgress},
		{ActionSuccess, ItemRevokeSucceeded},
	} {
		got, err := m.Run(step.action)
		require.NoError(t, err)
		require.Equal(t, step.want, got)
	}
}

func TestItemFailureTransitions(t *testing.T) {
	m := NewItemStateMachine(ItemShareInProgress)
	got, err := m.Run(ActionFailure)
	require.NoError(t, err)
	require.Equal(t, ItemShareFailed, got)

	m = NewItemStateMachine(ItemRevokeInProgress)
	got, err = m.Run(ActionFailure)
	require.NoError(t, err)
	require.Equal(t, ItemRevokeFailed, got)

	// A succeeded item has no failure edge; failure is only reachable
	// while a run is in flight.
	m = NewItemStateMachine(ItemShareSucceeded)
	_, err = m.Run(ActionFailure)
	var illegal *IllegalTransitionError
	require.ErrorAs(t, err, &illegal)
}

func TestUnknownActionRejected(t *testing.T) {
	m := NewItemStateMachine(ItemPendingApproval)
	_, err := m.Run(Action("Bogus"))
	var illegal *IllegalTransitionError
	require.ErrorAs(t, err, &illegal)
}

func TestExtensionRoundTrip(t *testing.T) {
	m := NewObjectStateMachine(ObjectProcessed)
	next, err := m.Run(ActionExtension)
	require.NoError(t, err)
	require.Equal(t, ObjectSubmittedForExtension, next)

	next, err = m.Run(ActionExtensionReject)
	require.NoError(t, err)
	require.Equal(t, ObjectExtensionRejected, next)

	next, err = m.Run(ActionSubmit)
	require.NoError(t, err)
	require.Equal(t, ObjectSubmitted, next)
}

func TestTransitionTableExhaustive(t *testing.T) {
	// Every (action, state) pair must either be a target (no-op), reach a
	// target, or fail with IllegalTransitionError; no other outcome exists.
	allStates := []ShareObjectStatus{
		ObjectDraft, ObjectSubmitted, ObjectApproved, ObjectRejected,
		ObjectShareInProgress, ObjectRevokeInProgress, ObjectProcessed,
		ObjectRevoked, ObjectSubmittedForExtension, ObjectExtensionRejected,
		ObjectDeleted,
	}
	for action, tr := range objectTransitions {
		for _, state := range allStates {
			next, err := tr.Run(state)
			if err != nil {
				var illegal *IllegalTransitionError
				require.True(t, errors.As(err, &illegal), "action %s state %s", action, state)
				require.Equal(t, state, next)
				continue
			}
			_, isTarget := tr.Targets[next]
			require.True(t, isTarget || next == state, "action %s state %s landed on %s", action, state, next)
		}
	}
}

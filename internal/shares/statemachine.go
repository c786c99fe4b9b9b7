package shares

import "fmt"

// Action names a lifecycle transition request. The same action is applied to
// the share object and to its items, each against its own transition table.
type Action string

const (
	ActionSubmit          Action = "Submit"
	ActionApprove         Action = "Approve"
	ActionReject          Action = "Reject"
	ActionStart           Action = "Start"
	ActionFinish          Action = "Finish"
	ActionFinishPending   Action = "FinishPending"
	ActionRevokeItems     Action = "RevokeItems"
	ActionAddItem         Action = "AddItem"
	ActionRemoveItem      Action = "RemoveItem"
	ActionDelete          Action = "Delete"
	ActionExtension       Action = "Extension"
	ActionExtensionApprove Action = "ExtensionApprove"
	ActionExtensionReject Action = "ExtensionReject"
	ActionCancelExtension Action = "CancelExtension"
	ActionSuccess         Action = "Success"
	ActionFailure         Action = "Failure"
)

// IllegalTransitionError reports a lifecycle action that is not reachable
// from the current state. It is surfaced synchronously and never retried.
type IllegalTransitionError struct {
	Action Action
	State  string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf(
		"shares: action %s is not allowed from state %s; wait for any sharing or revoking in progress to complete and try again",
		e.Action, e.State,
	)
}

// Transition maps each reachable target state to the set of source states it
// is reachable from. Encoding the lifecycle as data keeps every legal path
// centrally auditable and makes illegal paths unreachable by construction.
type Transition[S ~string] struct {
	Action  Action
	Targets map[S][]S
}

// Run evaluates the transition from prev:
//  1. prev already a target state: replaying the action is a no-op, prev is
//     returned unchanged.
//  2. prev not a recognized source state: IllegalTransitionError.
//  3. otherwise the mapped target state.
func (t Transition[S]) Run(prev S) (S, error) {
	if _, ok := t.Targets[prev]; ok {
		return prev, nil
	}
	for target, sources := range t.Targets {
		for _, s := range sources {
			if s == prev {
				return target, nil
			}
		}
	}
	return prev, &IllegalTransitionError{Action: t.Action, State: string(prev)}
}

// StateMachine tracks the current state and the action table for either the
// share object or a share item.
type StateMachine[S ~string] struct {
	state S
	table map[Action]Transition[S]
}

// State returns the machine's current state.
func (m *StateMachine[S]) State() S { return m.state }

// Run applies the named action and advances the machine on success. The
// returned state equals the prior state when the action is an idempotent
// replay. Unknown actions and illegal transitions leave the state untouched.
func (m *StateMachine[S]) Run(action Action) (S, error) {
	t, ok := m.table[action]
	if !ok {
		return m.state, &IllegalTransitionError{Action: action, State: string(m.state)}
	}
	next, err := t.Run(m.state)
	if err != nil {
		return m.state, err
	}
	m.state = next
	return next, nil
}

// NewObjectStateMachine builds the share-object machine positioned at state.
func NewObjectStateMachine(state ShareObjectStatus) *StateMachine[ShareObjectStatus] {
	return &StateMachine[ShareObjectStatus]{state: state, table: objectTransitions}
}

// NewItemStateMachine builds the share-item machine positioned at state.
func NewItemStateMachine(state ShareItemStatus) *StateMachine[ShareItemStatus] {
	return &StateMachine[ShareItemStatus]{state: state, table: itemTransitions}
}

var objectTransitions = map[Action]Transition[ShareObjectStatus]{
	ActionSubmit: {
		Action: ActionSubmit,
		Targets: map[ShareObjectStatus][]ShareObjectStatus{
			ObjectSubmitted: {ObjectDraft, ObjectRejected, ObjectExtensionRejected},
		},
	},
	ActionApprove: {
		Action: ActionApprove,
		Targets: map[ShareObjectStatus][]ShareObjectStatus{
			ObjectApproved: {ObjectSubmitted},
		},
	},
	ActionReject: {
		Action: ActionReject,
		Targets: map[ShareObjectStatus][]ShareObjectStatus{
			ObjectRejected: {ObjectSubmitted},
		},
	},
	ActionRevokeItems: {
		Action: ActionRevokeItems,
		Targets: map[ShareObjectStatus][]ShareObjectStatus{
			ObjectRevoked: {ObjectDraft, ObjectSubmitted, ObjectRejected, ObjectProcessed, ObjectExtensionRejected},
		},
	},
	ActionStart: {
		Action: ActionStart,
		Targets: map[ShareObjectStatus][]ShareObjectStatus{
			ObjectShareInProgress:  {ObjectApproved},
			ObjectRevokeInProgress: {ObjectRevoked},
		},
	},
	ActionFinish: {
		Action: ActionFinish,
		Targets: map[ShareObjectStatus][]ShareObjectStatus{
			ObjectProcessed: {ObjectShareInProgress, ObjectRevokeInProgress},
		},
	},
	ActionFinishPending: {
		Action: ActionFinishPending,
		Targets: map[ShareObjectStatus][]ShareObjectStatus{
			ObjectDraft: {ObjectRevokeInProgress},
		},
	},
	ActionDelete: {
		Action: ActionDelete,
		Targets: map[ShareObjectStatus][]ShareObjectStatus{
			ObjectDeleted: {ObjectRejected, ObjectDraft, ObjectSubmitted, ObjectProcessed, ObjectExtensionRejected},
		},
	},
	ActionAddItem: {
		Action: ActionAddItem,
		Targets: map[ShareObjectStatus][]ShareObjectStatus{
			ObjectDraft: {ObjectSubmitted, ObjectRejected, ObjectProcessed, ObjectExtensionRejected},
		},
	},
	ActionExtension: {
		Action: ActionExtension,
		Targets: map[ShareObjectStatus][]ShareObjectStatus{
			ObjectSubmittedForExtension: {ObjectProcessed, ObjectExtensionRejected, ObjectDraft},
		},
	},
	ActionExtensionApprove: {
		Action: ActionExtensionApprove,
		Targets: map[ShareObjectStatus][]ShareObjectStatus{
			ObjectProcessed: {ObjectSubmittedForExtension},
		},
	},
	ActionExtensionReject: {
		Action: ActionExtensionReject,
		Targets: map[ShareObjectStatus][]ShareObjectStatus{
			ObjectExtensionRejected: {ObjectSubmittedForExtension},
		},
	},
	ActionCancelExtension: {
		Action: ActionCancelExtension,
		Targets: map[ShareObjectStatus][]ShareObjectStatus{
			ObjectProcessed: {ObjectSubmittedForExtension},
		},
	},
}

var itemTransitions = map[Action]Transition[ShareItemStatus]{
	ActionAddItem: {
		Action: ActionAddItem,
		Targets: map[ShareItemStatus][]ShareItemStatus{
			ItemPendingApproval: {ItemDeleted},
		},
	},
	ActionSubmit: {
		Action: ActionSubmit,
		Targets: map[ShareItemStatus][]ShareItemStatus{
			ItemPendingApproval:  {ItemShareRejected, ItemShareFailed},
			ItemRevokeApproved:   {ItemRevokeApproved},
			ItemRevokeFailed:     {ItemRevokeFailed},
			ItemShareApproved:    {ItemShareApproved},
			ItemShareSucceeded:   {ItemShareSucceeded},
			ItemRevokeSucceeded:  {ItemRevokeSucceeded},
			ItemShareInProgress:  {ItemShareInProgress},
			ItemRevokeInProgress: {ItemRevokeInProgress},
		},
	},
	ActionApprove: {
		Action: ActionApprove,
		Targets: map[ShareItemStatus][]ShareItemStatus{
			ItemShareApproved:    {ItemPendingApproval},
			ItemRevokeApproved:   {ItemRevokeApproved},
			ItemRevokeFailed:     {ItemRevokeFailed},
			ItemShareSucceeded:   {ItemShareSucceeded},
			ItemRevokeSucceeded:  {ItemRevokeSucceeded},
			ItemShareInProgress:  {ItemShareInProgress},
			ItemRevokeInProgress: {ItemRevokeInProgress},
		},
	},
	ActionReject: {
		Action: ActionReject,
		Targets: map[ShareItemStatus][]ShareItemStatus{
			ItemShareRejected:    {ItemPendingApproval},
			ItemRevokeApproved:   {ItemRevokeApproved},
			ItemRevokeFailed:     {ItemRevokeFailed},
			ItemShareSucceeded:   {ItemShareSucceeded},
			ItemRevokeSucceeded:  {ItemRevokeSucceeded},
			ItemShareInProgress:  {ItemShareInProgress},
			ItemRevokeInProgress: {ItemRevokeInProgress},
		},
	},
	ActionStart: {
		Action: ActionStart,
		Targets: map[ShareItemStatus][]ShareItemStatus{
			ItemShareInProgress:  {ItemShareApproved},
			ItemRevokeInProgress: {ItemRevokeApproved},
		},
	},
	ActionSuccess: {
		Action: ActionSuccess,
		Targets: map[ShareItemStatus][]ShareItemStatus{
			ItemShareSucceeded:  {ItemShareInProgress},
			ItemRevokeSucceeded: {ItemRevokeInProgress},
		},
	},
	ActionFailure: {
		Action: ActionFailure,
		Targets: map[ShareItemStatus][]ShareItemStatus{
			ItemShareFailed:  {ItemShareInProgress, ItemShareApproved},
			ItemRevokeFailed: {ItemRevokeInProgress, ItemRevokeApproved},
		},
	},
	ActionRemoveItem: {
		Action: ActionRemoveItem,
		Targets: map[ShareItemStatus][]ShareItemStatus{
			ItemDeleted: {ItemPendingApproval, ItemShareRejected, ItemShareFailed, ItemRevokeSucceeded},
		},
	},
	ActionRevokeItems: {
		Action: ActionRevokeItems,
		Targets: map[ShareItemStatus][]ShareItemStatus{
			ItemRevokeApproved: {ItemShareSucceeded, ItemRevokeFailed, ItemRevokeApproved},
		},
	},
	ActionDelete: {
		Action: ActionDelete,
		Targets: map[ShareItemStatus][]ShareItemStatus{
			ItemDeleted: {ItemPendingApproval, ItemShareRejected, ItemShareFailed, ItemRevokeSucceeded},
		},
	},
	ActionExtension: {
		Action: ActionExtension,
		Targets: map[ShareItemStatus][]ShareItemStatus{
			ItemPendingExtension: {ItemShareSucceeded},
		},
	},
	ActionExtensionApprove: {
		Action: ActionExtensionApprove,
		Targets: map[ShareItemStatus][]ShareItemStatus{
			ItemShareSucceeded: {ItemPendingExtension},
		},
	},
	ActionExtensionReject: {
		Action: ActionExtensionReject,
		Targets: map[ShareItemStatus][]ShareItemStatus{
			ItemShareSucceeded: {ItemPendingExtension},
		},
	},
	ActionCancelExtension: {
		Action: ActionCancelExtension,
		Targets: map[ShareItemStatus][]ShareItemStatus{
			ItemShareSucceeded: {ItemPendingExtension},
		},
	},
}

package model

import (
	"context"
	"errors"
	"fmt"

	"github.com/qmuntal/stateless"
)

// EventState is the lifecycle state of a PushEvent.
type EventState string

const (
	StateWaiting   EventState = "waiting"
	StateTriggered EventState = "triggered"
	StateCancelled EventState = "cancelled"
	StateHidden    EventState = "hidden"
)

// LifecycleAction drives EventState transitions.
type LifecycleAction string

const (
	ActionFire   LifecycleAction = "fire"
	ActionRearm  LifecycleAction = "rearm"
	ActionRemove LifecycleAction = "remove"
)

// ErrInvalidTransition is returned when an action is not allowed from a state.
var ErrInvalidTransition = errors.New("invalid event state transition")

func newLifecycle(from EventState) *stateless.StateMachine {
	sm := stateless.NewStateMachine(from)
	sm.Configure(StateWaiting).
		Permit(ActionFire, StateTriggered).
		Permit(ActionRemove, StateCancelled).
		PermitReentry(ActionRearm)
	sm.Configure(StateTriggered).
		Permit(ActionRemove, StateHidden).
		Permit(ActionRearm, StateWaiting)
	sm.Configure(StateCancelled)
	sm.Configure(StateHidden)
	return sm
}

// Next returns the state reached by applying action to s.
func (s EventState) Next(action LifecycleAction) (EventState, error) {
	sm := newLifecycle(s)
	if err := sm.FireCtx(context.Background(), action); err != nil {
		return s, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, action, s)
	}
	return sm.MustState().(EventState), nil
}

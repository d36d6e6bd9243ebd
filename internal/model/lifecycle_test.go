package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventState_Next(t *testing.T) {
	tests := []struct {
		from   EventState
		action LifecycleAction
		want   EventState
	}{
		{StateWaiting, ActionFire, StateTriggered},
		{StateWaiting, ActionRemove, StateCancelled},
		{StateWaiting, ActionRearm, StateWaiting},
		{StateTriggered, ActionRemove, StateHidden},
		{StateTriggered, ActionRearm, StateWaiting},
	}
	for _, tt := range tests {
		got, err := tt.from.Next(tt.action)
		require.NoError(t, err, "%s --%s-->", tt.from, tt.action)
		require.Equal(t, tt.want, got)
	}
}

func TestEventState_TerminalStates(t *testing.T) {
	for _, s := range []EventState{StateCancelled, StateHidden} {
		for _, a := range []LifecycleAction{ActionFire, ActionRearm, ActionRemove} {
			got, err := s.Next(a)
			require.True(t, errors.Is(err, ErrInvalidTransition), "%s --%s--> should fail", s, a)
			require.Equal(t, s, got)
		}
	}
	_, err := StateTriggered.Next(ActionFire)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

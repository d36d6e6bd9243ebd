package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// TriggerState mirrors the shape of a Trigger tree. A leaf state is either
// unset (zero At) or the firing time. A compound state holds one child per
// sub-trigger, addressed by position.
type TriggerState struct {
	At   time.Time
	Subs []TriggerState
}

// Fired reports whether a leaf state holds a firing time.
func (s TriggerState) Fired() bool { return !s.At.IsZero() }

// IsZero reports whether nothing has been recorded in the state.
func (s TriggerState) IsZero() bool { return s.At.IsZero() && s.Subs == nil }

// Sub returns the state slot for sub-trigger i, or the zero state if absent.
func (s TriggerState) Sub(i int) TriggerState {
	if i < 0 || i >= len(s.Subs) {
		return TriggerState{}
	}
	return s.Subs[i]
}

// Equal compares two state trees.
func (s TriggerState) Equal(o TriggerState) bool {
	if !s.At.Equal(o.At) || (s.Subs == nil) != (o.Subs == nil) || len(s.Subs) != len(o.Subs) {
		return false
	}
	for i := range s.Subs {
		if !s.Subs[i].Equal(o.Subs[i]) {
			return false
		}
	}
	return true
}

// Compound builds a compound state from its children.
func Compound(subs ...TriggerState) TriggerState {
	if subs == nil {
		subs = []TriggerState{}
	}
	return TriggerState{Subs: subs}
}

// FiredAt builds a leaf state fired at t.
func FiredAt(t time.Time) TriggerState { return TriggerState{At: t.UTC()} }

// MarshalJSON encodes a leaf as an ISO timestamp or null, a compound as an array.
func (s TriggerState) MarshalJSON() ([]byte, error) {
	if s.Subs != nil {
		return json.Marshal(s.Subs)
	}
	if s.At.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(FormatKey(s.At))
}

func (s *TriggerState) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*s = TriggerState{}
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		return nil
	case data[0] == '[':
		var subs []TriggerState
		if err := json.Unmarshal(data, &subs); err != nil {
			return err
		}
		if subs == nil {
			subs = []TriggerState{}
		}
		s.Subs = subs
		return nil
	case data[0] == '"':
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		t, err := time.Parse(time.RFC3339Nano, str)
		if err != nil {
			return fmt.Errorf("trigger state: %w", err)
		}
		s.At = t.UTC()
		return nil
	}
	return fmt.Errorf("trigger state: unexpected %q", data)
}

// keyLayout matches the millisecond ISO form used for event document keys.
const keyLayout = "2006-01-02T15:04:05.000Z"

// FormatKey renders t the way event keys are rendered: UTC with millisecond
// precision, so keys sort lexically in time order.
func FormatKey(t time.Time) string {
	return t.UTC().Format(keyLayout)
}

// ParseKey is the inverse of FormatKey.
func ParseKey(s string) (time.Time, error) {
	return time.Parse(keyLayout, s)
}

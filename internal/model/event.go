package model

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PushMessage is the notification template attached to an event.
type PushMessage struct {
	Title string            `json:"title,omitempty"`
	Body  string            `json:"body,omitempty"`
	Data  map[string]string `json:"data,omitempty"`
}

// BroadcastTx is a raw transaction sent through a plugin when the event fires.
type BroadcastTx struct {
	PluginID string `json:"pluginId"`
	RawTx    []byte `json:"rawTx"`
}

// LoginID is a fixed-length binary user identity. It travels as base64.
type LoginID []byte

// LoginIDLen is the length of every LoginID.
const LoginIDLen = 32

func (id LoginID) String() string { return base64.StdEncoding.EncodeToString(id) }

// ParseLoginID decodes a base64 login id and checks its length.
func ParseLoginID(s string) (LoginID, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("login id: %w", err)
	}
	if len(b) != LoginIDLen {
		return nil, fmt.Errorf("login id: want %d bytes, got %d", LoginIDLen, len(b))
	}
	return LoginID(b), nil
}

// PushEvent pairs a trigger with the actions to run when it fires.
type PushEvent struct {
	EventID  string    `json:"eventId"`
	Created  time.Time `json:"created"`
	DeviceID string    `json:"deviceId,omitempty"`
	LoginID  LoginID   `json:"loginId,omitempty"`

	Trigger      Trigger       `json:"trigger"`
	PushMessage  *PushMessage  `json:"pushMessage,omitempty"`
	BroadcastTxs []BroadcastTx `json:"broadcastTxs,omitempty"`
	Repeat       bool          `json:"repeat,omitempty"`

	// Status fields, mutated by the daemons and the sender.
	State             EventState   `json:"state"`
	Triggered         TriggerState `json:"triggered"`
	BroadcastTxErrors []*string    `json:"broadcastTxErrors,omitempty"`
	PushMessageEmits  int          `json:"pushMessageEmits,omitempty"`
	PushMessageFails  int          `json:"pushMessageFails,omitempty"`
}

// Live reports whether the event is still visible to its owner.
func (e *PushEvent) Live() bool {
	return e.State == StateWaiting || e.State == StateTriggered
}

// NewPushEvent is the client payload for creating an event.
type NewPushEvent struct {
	EventID      string        `json:"eventId"`
	Trigger      Trigger       `json:"trigger"`
	PushMessage  *PushMessage  `json:"pushMessage,omitempty"`
	BroadcastTxs []BroadcastTx `json:"broadcastTxs,omitempty"`
	Repeat       bool          `json:"repeat,omitempty"`
}

// Validate cleans a client payload before it reaches the store.
func (n NewPushEvent) Validate() error {
	if n.EventID == "" {
		return errors.New("eventId is required")
	}
	if err := n.Trigger.Validate(); err != nil {
		return err
	}
	for i, tx := range n.BroadcastTxs {
		if tx.PluginID == "" || len(tx.RawTx) == 0 {
			return fmt.Errorf("broadcastTxs[%d]: pluginId and rawTx are required", i)
		}
	}
	return nil
}

// ToEvent builds the stored form of a new event owned by owner.
func (n NewPushEvent) ToEvent(owner Owner, created time.Time) PushEvent {
	ev := PushEvent{
		EventID:      n.EventID,
		Created:      created.UTC(),
		DeviceID:     owner.DeviceID,
		LoginID:      owner.LoginID,
		Trigger:      n.Trigger,
		PushMessage:  n.PushMessage,
		BroadcastTxs: n.BroadcastTxs,
		// price-change never completes, so it always rearms.
		Repeat: n.Repeat || n.Trigger.IsRecurring(),
		State:  StateWaiting,
	}
	if n.Trigger.IsCompound() {
		ev.Triggered = emptyState(n.Trigger)
	}
	return ev
}

func emptyState(t Trigger) TriggerState {
	if !t.IsCompound() {
		return TriggerState{}
	}
	subs := make([]TriggerState, len(t.Triggers))
	for i, sub := range t.Triggers {
		subs[i] = emptyState(sub)
	}
	return TriggerState{Subs: subs}
}

// Owner selects the events of one device or one login.
type Owner struct {
	DeviceID string
	LoginID  LoginID
}

func (o Owner) String() string {
	if o.DeviceID != "" {
		return "device:" + o.DeviceID
	}
	return "login:" + o.LoginID.String()
}

// Valid reports whether exactly one owner field is set.
func (o Owner) Valid() bool {
	return (o.DeviceID != "") != (len(o.LoginID) > 0)
}

// JSON returns the event encoded as JSON, ignoring errors for log paths.
func (e *PushEvent) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

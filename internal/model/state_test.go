package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTriggerState_JSONShapes(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 250_000_000, time.UTC)

	b, err := json.Marshal(TriggerState{})
	require.NoError(t, err)
	require.Equal(t, "null", string(b))

	b, err = json.Marshal(FiredAt(at))
	require.NoError(t, err)
	require.Equal(t, `"2024-03-01T12:00:00.250Z"`, string(b))

	b, err = json.Marshal(Compound(FiredAt(at), TriggerState{}))
	require.NoError(t, err)
	require.Equal(t, `["2024-03-01T12:00:00.250Z",null]`, string(b))

	var back TriggerState
	require.NoError(t, json.Unmarshal(b, &back))
	require.True(t, back.Equal(Compound(FiredAt(at), TriggerState{})))
	require.False(t, back.Sub(1).Fired())
	require.False(t, back.Sub(7).Fired())
}

func TestTriggerState_EmptyCompoundIsNotLeaf(t *testing.T) {
	var s TriggerState
	require.NoError(t, json.Unmarshal([]byte(`[]`), &s))
	require.NotNil(t, s.Subs)
	require.False(t, s.Equal(TriggerState{}))
}

func TestFormatKey_SortsByTime(t *testing.T) {
	a := time.Date(2024, 1, 1, 0, 0, 0, 999_000_000, time.UTC)
	b := a.Add(time.Millisecond)
	require.Less(t, FormatKey(a), FormatKey(b))

	back, err := ParseKey(FormatKey(b))
	require.NoError(t, err)
	require.True(t, back.Equal(b))
}

func TestTrigger_Validate(t *testing.T) {
	above := 50000.0
	hourly := 5.0
	valid := []Trigger{
		{Type: TriggerPriceLevel, CurrencyPair: "BTC-USD", AboveRate: &above},
		{Type: TriggerAddressBalance, PluginID: "ethereum", Address: "0xabc", AboveAmount: "100000000000000000000000"},
		{Type: TriggerTxConfirm, PluginID: "ethereum", TxID: "0x01", Confirmations: 6},
		{Type: TriggerPriceChange, PluginID: "bitcoin", HourlyChange: &hourly},
		{Type: TriggerAll, Triggers: []Trigger{
			{Type: TriggerTxConfirm, PluginID: "ethereum", TxID: "0x01", Confirmations: 6},
			{Type: TriggerAddressBalance, PluginID: "ethereum", Address: "0xabc", AboveAmount: "100"},
		}},
	}
	for _, tr := range valid {
		require.NoError(t, tr.Validate(), tr.Type)
	}

	invalid := []Trigger{
		{Type: "bogus"},
		{Type: TriggerPriceLevel, CurrencyPair: "BTC-USD"},
		{Type: TriggerAddressBalance, PluginID: "ethereum", Address: "0xabc", AboveAmount: "1e"},
		{Type: TriggerAny},
		{Type: TriggerAll, Triggers: []Trigger{{Type: TriggerTxConfirm}}},
		{Type: TriggerPriceChange, PluginID: "bitcoin", HourlyChange: &hourly, Directions: []string{"a"}},
	}
	for _, tr := range invalid {
		require.ErrorIs(t, tr.Validate(), ErrInvalidTrigger, tr.Type)
	}
}

func TestTrigger_LeafTypes(t *testing.T) {
	tr := Trigger{Type: TriggerAny, Triggers: []Trigger{
		{Type: TriggerTxConfirm},
		{Type: TriggerAll, Triggers: []Trigger{{Type: TriggerAddressBalance}, {Type: TriggerTxConfirm}}},
	}}
	require.Equal(t, []TriggerType{TriggerTxConfirm, TriggerAddressBalance}, tr.LeafTypesIn())
	require.True(t, tr.HasLeaf(TriggerAddressBalance))
	require.False(t, tr.HasLeaf(TriggerPriceLevel))
}

func TestNewPushEvent_ToEvent(t *testing.T) {
	hourly := 5.0
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	ev := NewPushEvent{
		EventID: "pc",
		Trigger: Trigger{Type: TriggerPriceChange, PluginID: "bitcoin", HourlyChange: &hourly},
	}.ToEvent(Owner{DeviceID: "d1"}, created)
	require.True(t, ev.Repeat)
	require.Equal(t, StateWaiting, ev.State)
	require.True(t, ev.Triggered.IsZero())

	ev = NewPushEvent{
		EventID: "both",
		Trigger: Trigger{Type: TriggerAll, Triggers: []Trigger{{Type: TriggerTxConfirm}, {Type: TriggerTxConfirm}}},
	}.ToEvent(Owner{DeviceID: "d1"}, created)
	require.Len(t, ev.Triggered.Subs, 2)
	require.False(t, ev.Repeat)
}

func TestOwner_Valid(t *testing.T) {
	require.True(t, Owner{DeviceID: "d"}.Valid())
	require.True(t, Owner{LoginID: make(LoginID, LoginIDLen)}.Valid())
	require.False(t, Owner{}.Valid())
	require.False(t, Owner{DeviceID: "d", LoginID: LoginID{1}}.Valid())
}

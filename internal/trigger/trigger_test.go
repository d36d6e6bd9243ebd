package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"push-server/internal/model"
)

type fakePlugin struct {
	balance       string
	confirmations int
	calls         int
}

func (p *fakePlugin) GetBalance(context.Context, string, string) (string, error) {
	p.calls++
	return p.balance, nil
}

func (p *fakePlugin) GetTxConfirmations(context.Context, string) (int, error) {
	p.calls++
	return p.confirmations, nil
}

func (p *fakePlugin) BroadcastTx(context.Context, []byte) error { return nil }

type fakePlugins map[string]model.CurrencyPlugin

func (f fakePlugins) Plugin(id string) (model.CurrencyPlugin, bool) {
	p, ok := f[id]
	return p, ok
}

// fakeRates answers from a per-time table, falling back to the latest price.
type fakeRates struct {
	latest float64
	at     map[time.Time]float64
	calls  int
}

func (r *fakeRates) GetRate(_ context.Context, _ string, date time.Time) (float64, bool, error) {
	r.calls++
	if v, ok := r.at[date]; ok {
		return v, true, nil
	}
	return r.latest, true, nil
}

var now = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func ptr(f float64) *float64 { return &f }

func TestEvaluate_PriceLevelFires(t *testing.T) {
	rates := &fakeRates{latest: 51000}
	e := &Evaluator{Rates: rates}
	tr := model.Trigger{Type: model.TriggerPriceLevel, CurrencyPair: "BTC-USD", AboveRate: ptr(50000)}

	r, err := e.Evaluate(context.Background(), tr, model.TriggerState{}, now)
	require.NoError(t, err)
	require.True(t, r.Done)
	require.True(t, r.State.At.Equal(now))

	rates.latest = 49000
	r, err = e.Evaluate(context.Background(), tr, model.TriggerState{}, now)
	require.NoError(t, err)
	require.False(t, r.Done)
	require.True(t, r.State.IsZero())
}

func TestEvaluate_FiredLeafSkipsProviders(t *testing.T) {
	p := &fakePlugin{confirmations: 10, balance: "0"}
	rates := &fakeRates{latest: 1}
	e := &Evaluator{Plugins: fakePlugins{"eth": p}, Rates: rates}
	ctx := context.Background()

	leaves := []model.Trigger{
		{Type: model.TriggerTxConfirm, PluginID: "eth", TxID: "0x1", Confirmations: 6},
		{Type: model.TriggerAddressBalance, PluginID: "eth", Address: "0xa", BelowAmount: "1"},
		{Type: model.TriggerPriceLevel, CurrencyPair: "ETH-USD", BelowRate: ptr(2)},
	}
	for _, leaf := range leaves {
		first, err := e.Evaluate(ctx, leaf, model.TriggerState{}, now)
		require.NoError(t, err)
		require.True(t, first.Done, leaf.Type)

		p.calls, rates.calls = 0, 0
		again, err := e.Evaluate(ctx, leaf, first.State, now.Add(time.Hour))
		require.NoError(t, err)
		require.True(t, again.Done)
		require.True(t, again.State.Equal(first.State))
		require.Zero(t, p.calls)
		require.Zero(t, rates.calls)
	}
}

func TestEvaluate_MissingPluginIsNotDone(t *testing.T) {
	e := &Evaluator{Plugins: fakePlugins{}}
	r, err := e.Evaluate(context.Background(),
		model.Trigger{Type: model.TriggerTxConfirm, PluginID: "nope", TxID: "0x1"}, model.TriggerState{}, now)
	require.NoError(t, err)
	require.False(t, r.Done)
}

func TestEvaluate_Compound(t *testing.T) {
	confirmed := &fakePlugin{confirmations: 6, balance: "50"}
	e := &Evaluator{Plugins: fakePlugins{"eth": confirmed}}
	ctx := context.Background()

	tx := model.Trigger{Type: model.TriggerTxConfirm, PluginID: "eth", TxID: "0x1", Confirmations: 6}
	bal := model.Trigger{Type: model.TriggerAddressBalance, PluginID: "eth", Address: "0xa", AboveAmount: "100"}

	all := model.Trigger{Type: model.TriggerAll, Triggers: []model.Trigger{tx, bal}}
	r, err := e.Evaluate(ctx, all, model.Compound(model.TriggerState{}, model.TriggerState{}), now)
	require.NoError(t, err)
	require.False(t, r.Done)
	require.Len(t, r.State.Subs, 2)
	require.True(t, r.State.Subs[0].At.Equal(now))
	require.False(t, r.State.Subs[1].Fired())

	confirmed.balance = "100"
	r, err = e.Evaluate(ctx, all, r.State, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, r.Done)
	require.True(t, r.State.Subs[0].At.Equal(now))

	confirmed.balance = "0"
	confirmed.confirmations = 0
	anyT := model.Trigger{Type: model.TriggerAny, Triggers: []model.Trigger{tx, bal}}
	r, err = e.Evaluate(ctx, anyT, model.TriggerState{}, now)
	require.NoError(t, err)
	require.False(t, r.Done)

	confirmed.confirmations = 7
	r, err = e.Evaluate(ctx, anyT, r.State, now)
	require.NoError(t, err)
	require.True(t, r.Done)
}

func TestEvaluate_CompoundUnchangedKeepsState(t *testing.T) {
	e := &Evaluator{Plugins: fakePlugins{"eth": &fakePlugin{balance: "0"}}}
	bal := model.Trigger{Type: model.TriggerAddressBalance, PluginID: "eth", Address: "0xa", AboveAmount: "100"}
	in := model.Compound(model.TriggerState{})
	r, err := e.Evaluate(context.Background(), model.Trigger{Type: model.TriggerAll, Triggers: []model.Trigger{bal}}, in, now)
	require.NoError(t, err)
	require.True(t, r.State.Equal(in))
}

func TestBalanceCrossed_BeyondFloatPrecision(t *testing.T) {
	ok, err := BalanceCrossed("100000000000000000000001", "100000000000000000000001", "")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = BalanceCrossed("100000000000000000000000", "100000000000000000000001", "")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = BalanceCrossed("abc", "1", "")
	require.Error(t, err)
}

func TestPercentChange(t *testing.T) {
	pct, ok := PercentChange(100, 110)
	require.True(t, ok)
	require.InDelta(t, 10.0, pct, 1e-9)

	_, ok = PercentChange(0, 5)
	require.False(t, ok)
	_, ok = PercentChange(0, 0)
	require.False(t, ok)
}

func TestCheckPriceChange_Hourly(t *testing.T) {
	rates := &fakeRates{latest: 108, at: map[time.Time]float64{now.Add(-time.Hour): 100}}
	tr := model.Trigger{Type: model.TriggerPriceChange, PluginID: "bitcoin", HourlyChange: ptr(5)}

	pc, err := CheckPriceChange(context.Background(), rates, tr, time.Time{}, now)
	require.NoError(t, err)
	require.NotNil(t, pc)
	require.Equal(t, Hourly, pc.Window)
	require.InDelta(t, 8.0, pc.Percent, 1e-9)
	require.Equal(t, "up", pc.Direction)

	// Anchored at the last firing, the move is already reported.
	last := now.Add(-10 * time.Minute)
	rates.at[last] = 107
	pc, err = CheckPriceChange(context.Background(), rates, tr, last, now)
	require.NoError(t, err)
	require.Nil(t, pc)
}

func TestCheckPriceChange_DailyDirections(t *testing.T) {
	rates := &fakeRates{latest: 80, at: map[time.Time]float64{
		now.Add(-time.Hour):      79,
		now.Add(-24 * time.Hour): 100,
	}}
	tr := model.Trigger{
		Type: model.TriggerPriceChange, CurrencyPair: "BTC_iso:USD",
		HourlyChange: ptr(5), DailyChange: ptr(10),
		Directions: []string{"rose", "fell", "climbed", "dropped"},
	}
	pc, err := CheckPriceChange(context.Background(), rates, tr, time.Time{}, now)
	require.NoError(t, err)
	require.NotNil(t, pc)
	require.Equal(t, Daily, pc.Window)
	require.Equal(t, "dropped", pc.Direction)
}

func TestDirection_Fallbacks(t *testing.T) {
	require.Equal(t, "down", Direction(nil, Daily, false))
	require.Equal(t, "rose", Direction([]string{"rose", "fell"}, Daily, true))
	require.Equal(t, "fell", Direction([]string{"rose", "fell"}, Hourly, false))
}

func TestRearm(t *testing.T) {
	tr := model.Trigger{Type: model.TriggerAny, Triggers: []model.Trigger{
		{Type: model.TriggerPriceLevel, CurrencyPair: "BTC-USD", AboveRate: ptr(1)},
		{Type: model.TriggerPriceChange, PluginID: "bitcoin", HourlyChange: ptr(5)},
	}}
	s := Rearm(tr, now)
	require.Len(t, s.Subs, 2)
	require.False(t, s.Subs[0].Fired())
	require.True(t, s.Subs[1].At.Equal(now))
}

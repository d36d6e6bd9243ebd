package plugins

import (
	"context"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

func TestWaterfall_FirstSuccessWins(t *testing.T) {
	var started atomic.Int32
	slow := func(ctx context.Context) (string, error) {
		started.Add(1)
		select {
		case <-time.After(time.Second):
			return "slow", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	fast := func(context.Context) (string, error) {
		started.Add(1)
		return "fast", nil
	}

	got, err := Waterfall(context.Background(), 20*time.Millisecond, []func(context.Context) (string, error){slow, fast})
	require.NoError(t, err)
	require.Equal(t, "fast", got)
	require.EqualValues(t, 2, started.Load())
}

func TestWaterfall_SecondStartsEarlyOnFailure(t *testing.T) {
	failing := func(context.Context) (int, error) { return 0, errors.New("down") }
	ok := func(context.Context) (int, error) { return 7, nil }

	begin := time.Now()
	got, err := Waterfall(context.Background(), time.Hour, []func(context.Context) (int, error){failing, ok})
	require.NoError(t, err)
	require.Equal(t, 7, got)
	require.Less(t, time.Since(begin), time.Second)
}

func TestWaterfall_AllFail(t *testing.T) {
	failing := func(context.Context) (int, error) { return 0, errors.New("down") }
	_, err := Waterfall(context.Background(), time.Millisecond, []func(context.Context) (int, error){failing, failing, failing})
	require.ErrorIs(t, err, ErrAllFailed)

	_, err = Waterfall[int](context.Background(), time.Millisecond, nil)
	require.ErrorIs(t, err, ErrAllFailed)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plugins.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
plugins:
  - id: ethereum
    type: evm
    servers: ["https://rpc-a.example", "https://rpc-b.example"]
    timeout: 2s
  - id: polygon
    servers: ["https://polygon.example"]
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Plugins, 2)
	require.Equal(t, 2*time.Second, cfg.Plugins[0].Timeout)
	require.Equal(t, defaultTimeout, cfg.Plugins[1].Timeout)

	require.NoError(t, os.WriteFile(path, []byte("plugins:\n  - id: x\n"), 0o644))
	_, err = LoadConfig(path)
	require.Error(t, err)
}

func TestRegistry_MissingIsNotAnError(t *testing.T) {
	r := NewRegistry(nil)
	_, ok := r.Plugin("nope")
	require.False(t, ok)
}

type fakeChain struct {
	balance  *big.Int
	callOut  []byte
	receipt  *types.Receipt
	head     uint64
	lastCall ethereum.CallMsg
	err      error
}

func (f *fakeChain) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return f.balance, f.err
}

func (f *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.lastCall = msg
	return f.callOut, f.err
}

func (f *fakeChain) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	if f.receipt == nil {
		return nil, ethereum.NotFound
	}
	return f.receipt, f.err
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) { return f.head, f.err }

func (f *fakeChain) SendTransaction(context.Context, *types.Transaction) error { return f.err }

func TestEVMPlugin_Balances(t *testing.T) {
	wei, _ := new(big.Int).SetString("123456789012345678901234567", 10)
	chain := &fakeChain{balance: wei, callOut: common.LeftPadBytes(big.NewInt(42).Bytes(), 32)}
	p := newEVMPlugin([]chainClient{chain}, time.Second)
	ctx := context.Background()
	addr := "0x00000000000000000000000000000000000000aa"

	bal, err := p.GetBalance(ctx, addr, "")
	require.NoError(t, err)
	require.Equal(t, "123456789012345678901234567", bal)

	bal, err = p.GetBalance(ctx, addr, "0x00000000000000000000000000000000000000bb")
	require.NoError(t, err)
	require.Equal(t, "42", bal)
	require.Len(t, chain.lastCall.Data, 36)
	require.Equal(t, balanceOfSelector, chain.lastCall.Data[:4])

	_, err = p.GetBalance(ctx, "not-an-address", "")
	require.Error(t, err)
}

func TestEVMPlugin_Confirmations(t *testing.T) {
	chain := &fakeChain{head: 105}
	p := newEVMPlugin([]chainClient{chain}, time.Second)
	ctx := context.Background()

	n, err := p.GetTxConfirmations(ctx, "0x01")
	require.NoError(t, err)
	require.Zero(t, n)

	chain.receipt = &types.Receipt{BlockNumber: big.NewInt(100)}
	n, err = p.GetTxConfirmations(ctx, "0x01")
	require.NoError(t, err)
	require.Equal(t, 6, n)
}

func TestEVMPlugin_FallsBackToSecondServer(t *testing.T) {
	down := &fakeChain{err: errors.New("connection refused")}
	up := &fakeChain{balance: big.NewInt(9)}
	p := newEVMPlugin([]chainClient{down, up}, time.Hour)

	bal, err := p.GetBalance(context.Background(), "0x00000000000000000000000000000000000000aa", "")
	require.NoError(t, err)
	require.Equal(t, "9", bal)
}

func TestEVMPlugin_BroadcastRejectsGarbage(t *testing.T) {
	p := newEVMPlugin([]chainClient{&fakeChain{}}, time.Second)
	require.Error(t, p.BroadcastTx(context.Background(), []byte{0x01, 0x02}))
}

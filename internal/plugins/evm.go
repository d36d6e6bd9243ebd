package plugins

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// balanceOfSelector is the ERC-20 balanceOf(address) function selector.
var balanceOfSelector = common.FromHex("0x70a08231")

// chainClient is the subset of *ethclient.Client the plugin calls.
type chainClient interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// EVMPlugin serves an EVM network over JSON-RPC. Every call races the
// configured servers as a waterfall.
type EVMPlugin struct {
	clients []chainClient
	stagger time.Duration
}

// DialEVM connects to each JSON-RPC server.
func DialEVM(ctx context.Context, servers []string, stagger time.Duration) (*EVMPlugin, error) {
	clients := make([]chainClient, 0, len(servers))
	for _, url := range servers {
		c, err := ethclient.DialContext(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", url, err)
		}
		clients = append(clients, c)
	}
	return newEVMPlugin(clients, stagger), nil
}

func newEVMPlugin(clients []chainClient, stagger time.Duration) *EVMPlugin {
	if stagger <= 0 {
		stagger = defaultTimeout
	}
	return &EVMPlugin{clients: clients, stagger: stagger}
}

func race[T any](ctx context.Context, p *EVMPlugin, call func(context.Context, chainClient) (T, error)) (T, error) {
	candidates := make([]func(context.Context) (T, error), len(p.clients))
	for i, c := range p.clients {
		c := c
		candidates[i] = func(ctx context.Context) (T, error) { return call(ctx, c) }
	}
	return Waterfall(ctx, p.stagger, candidates)
}

// GetBalance returns the native balance, or the ERC-20 balance of tokenID
// when set, in base units.
func (p *EVMPlugin) GetBalance(ctx context.Context, address, tokenID string) (string, error) {
	if !common.IsHexAddress(address) {
		return "", fmt.Errorf("evm balance: bad address %q", address)
	}
	account := common.HexToAddress(address)

	if tokenID == "" {
		bal, err := race(ctx, p, func(ctx context.Context, c chainClient) (*big.Int, error) {
			return c.BalanceAt(ctx, account, nil)
		})
		if err != nil {
			return "", fmt.Errorf("evm balance %s: %w", address, err)
		}
		return bal.String(), nil
	}

	if !common.IsHexAddress(tokenID) {
		return "", fmt.Errorf("evm balance: bad token contract %q", tokenID)
	}
	contract := common.HexToAddress(tokenID)
	data := append(append([]byte{}, balanceOfSelector...), common.LeftPadBytes(account.Bytes(), 32)...)
	out, err := race(ctx, p, func(ctx context.Context, c chainClient) ([]byte, error) {
		return c.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	})
	if err != nil {
		return "", fmt.Errorf("evm token balance %s/%s: %w", tokenID, address, err)
	}
	return new(big.Int).SetBytes(out).String(), nil
}

// GetTxConfirmations counts blocks from the receipt's block to head,
// inclusive. An unknown transaction has zero confirmations.
func (p *EVMPlugin) GetTxConfirmations(ctx context.Context, txid string) (int, error) {
	hash := common.HexToHash(txid)
	n, err := race(ctx, p, func(ctx context.Context, c chainClient) (int, error) {
		receipt, err := c.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		head, err := c.BlockNumber(ctx)
		if err != nil {
			return 0, err
		}
		mined := receipt.BlockNumber.Uint64()
		if head < mined {
			return 0, nil
		}
		return int(head-mined) + 1, nil
	})
	if err != nil {
		return 0, fmt.Errorf("evm confirmations %s: %w", txid, err)
	}
	return n, nil
}

// BroadcastTx decodes a signed transaction and submits it.
func (p *EVMPlugin) BroadcastTx(ctx context.Context, raw []byte) error {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return fmt.Errorf("evm broadcast: decode: %w", err)
	}
	_, err := race(ctx, p, func(ctx context.Context, c chainClient) (struct{}, error) {
		return struct{}{}, c.SendTransaction(ctx, tx)
	})
	if err != nil {
		return fmt.Errorf("evm broadcast %s: %w", tx.Hash().Hex(), err)
	}
	return nil
}

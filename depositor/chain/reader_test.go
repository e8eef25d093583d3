package chain_test

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/piggyvault/piggy-hub/depositor/chain"
	"github.com/piggyvault/piggy-hub/depositor/models"
	"github.com/zeebo/assert"
)

// fakeBackend answers eth_call by 4-byte selector
type fakeBackend struct {
	results map[string]*big.Int
	native  *big.Int
	err     error
	calls   int
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	for name, value := range f.results {
		method, ok := chain.VaultABI().Methods[name]
		if !ok {
			method = chain.ERC20ABI().Methods[name]
		}
		if bytes.Equal(method.ID, msg.Data[:4]) {
			return method.Outputs.Pack(value)
		}
	}
	return nil, errors.New("execution reverted")
}

func (f *fakeBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.native, nil
}

func TestReaderTypedReads(t *testing.T) {
	backend := &fakeBackend{
		results: map[string]*big.Int{
			"investThreshold":  big.NewInt(100_000_000),
			"totalPendingUSDC": big.NewInt(5),
		},
		native: big.NewInt(42),
	}
	reader := chain.NewReader(backend)
	ctx := context.Background()

	threshold, err := reader.InvestThreshold(ctx, vault)
	assert.NoError(t, err)
	assert.Equal(t, threshold.Uint64(), uint64(100_000_000))

	pending, err := reader.PendingDeposits(ctx, vault)
	assert.NoError(t, err)
	assert.Equal(t, pending.Uint64(), uint64(5))

	native, err := reader.GetBalance(ctx, account)
	assert.NoError(t, err)
	assert.Equal(t, native.Uint64(), uint64(42))

	// every read goes to the backend
	_, _ = reader.InvestThreshold(ctx, vault)
	assert.Equal(t, backend.calls, 4)
}

func TestReaderBalanceOf(t *testing.T) {
	backend := &fakeBackend{results: map[string]*big.Int{"balanceOf": big.NewInt(123)}}
	reader := chain.NewReader(backend)

	balance, err := reader.TokenBalance(context.Background(), usdc, account)
	assert.NoError(t, err)
	assert.Equal(t, balance.Uint64(), uint64(123))

	shares, err := reader.VaultShares(context.Background(), vault, account)
	assert.NoError(t, err)
	assert.Equal(t, shares.Uint64(), uint64(123))
}

func TestReaderWrapsFailures(t *testing.T) {
	reader := chain.NewReader(&fakeBackend{err: errors.New("connection refused")})

	_, err := reader.TokenBalance(context.Background(), usdc, account)
	assert.True(t, errors.Is(err, models.ErrChainRead))

	_, err = reader.GetBalance(context.Background(), account)
	assert.True(t, errors.Is(err, models.ErrChainRead))
}

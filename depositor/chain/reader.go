package chain

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"github.com/piggyvault/piggy-hub/depositor/models"
	"github.com/rs/zerolog"
)

var log zerolog.Logger

func init() {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log = zerolog.New(out).With().Timestamp().Str("component", "chain").Logger()
}

// SetLogHook attaches a hook to the package logger
func SetLogHook(h zerolog.Hook) {
	log = log.Hook(h)
}

// ContractBackend is the subset of ethclient.Client the reader needs
type ContractBackend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Reader performs uncached reads against the latest block.
type Reader struct {
	backend ContractBackend
	close   func()
}

// DialReader connects to a JSON-RPC endpoint
func DialReader(ctx context.Context, rpcURL string) (*Reader, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	log.Info().Str("url", rpcURL).Msg("Chain reader connected")
	return &Reader{backend: client, close: client.Close}, nil
}

// NewReader wraps an existing backend
func NewReader(backend ContractBackend) *Reader {
	return &Reader{backend: backend}
}

// Close releases the underlying connection
func (r *Reader) Close() {
	if r.close != nil {
		r.close()
	}
}

// ReadContract calls a view function and returns its unpacked outputs.
func (r *Reader) ReadContract(
	ctx context.Context,
	contractABI abi.ABI,
	address common.Address,
	functionName string,
	args ...any,
) ([]any, error) {
	data, err := contractABI.Pack(functionName, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode %s: %v", models.ErrChainRead, functionName, err)
	}

	result, err := r.backend.CallContract(ctx, ethereum.CallMsg{
		To:   &address,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s on %s: %v", models.ErrChainRead, functionName, address.Hex(), err)
	}

	out, err := contractABI.Unpack(functionName, result)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode %s: %v", models.ErrChainRead, functionName, err)
	}
	return out, nil
}

// GetBalance returns the native balance of an address.
func (r *Reader) GetBalance(ctx context.Context, address common.Address) (*uint256.Int, error) {
	balance, err := r.backend.BalanceAt(ctx, address, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: native balance of %s: %v", models.ErrChainRead, address.Hex(), err)
	}
	return toUint256(balance, "native balance")
}

// TokenBalance returns token.balanceOf(account).
func (r *Reader) TokenBalance(ctx context.Context, token, account common.Address) (*uint256.Int, error) {
	return r.readUint(ctx, erc20ABI, token, "balanceOf", account)
}

// InvestThreshold returns vault.investThreshold().
func (r *Reader) InvestThreshold(ctx context.Context, vault common.Address) (*uint256.Int, error) {
	return r.readUint(ctx, vaultABI, vault, "investThreshold")
}

// VaultShares returns vault.balanceOf(account).
func (r *Reader) VaultShares(ctx context.Context, vault, account common.Address) (*uint256.Int, error) {
	return r.readUint(ctx, vaultABI, vault, "balanceOf", account)
}

// PendingDeposits returns vault.totalPendingUSDC(), the deposits not yet invested.
func (r *Reader) PendingDeposits(ctx context.Context, vault common.Address) (*uint256.Int, error) {
	return r.readUint(ctx, vaultABI, vault, "totalPendingUSDC")
}

func (r *Reader) readUint(
	ctx context.Context,
	contractABI abi.ABI,
	address common.Address,
	functionName string,
	args ...any,
) (*uint256.Int, error) {
	out, err := r.ReadContract(ctx, contractABI, address, functionName, args...)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%w: %s returned %d values", models.ErrChainRead, functionName, len(out))
	}
	value, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: %s returned %T", models.ErrChainRead, functionName, out[0])
	}
	return toUint256(value, functionName)
}

func toUint256(value *big.Int, what string) (*uint256.Int, error) {
	if value == nil || value.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s is not a valid uint256", models.ErrChainRead, what)
	}
	v, overflow := uint256.FromBig(value)
	if overflow {
		return nil, fmt.Errorf("%w: %s overflows uint256", models.ErrChainRead, what)
	}
	return v, nil
}

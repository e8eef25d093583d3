package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"
	"github.com/piggyvault/piggy-hub/depositor/models"
)

// EIP-5792 status codes
const (
	callsStatusPending   = 100
	callsStatusConfirmed = 200
	callsStatusFailed    = 400
)

const sendCallsVersion = "2.0.0"

// RPCCaller is the subset of rpc.Client the submitter needs
type RPCCaller interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
}

// SubmitRequest describes one batched operation.
type SubmitRequest struct {
	Account              common.Address
	ChainID              uint64
	Calls                []models.CallStep
	Paymaster            bool
	PaymasterURL         string
	MaxFeePerGas         *uint256.Int
	MaxPriorityFeePerGas *uint256.Int
}

// Submitter sends batched operations to a wallet service over EIP-5792
// (wallet_sendCalls / wallet_getCallsStatus) and waits for their receipt.
type Submitter struct {
	client       RPCCaller
	pollInterval time.Duration
	timeout      time.Duration
	close        func()
}

// DialSubmitter connects to the wallet service JSON-RPC endpoint
func DialSubmitter(ctx context.Context, walletURL string, pollInterval, timeout time.Duration) (*Submitter, error) {
	client, err := rpc.DialContext(ctx, walletURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to wallet service: %w", err)
	}
	s := NewSubmitter(client, pollInterval, timeout)
	s.close = client.Close
	log.Info().Str("url", walletURL).Msg("Wallet service connected")
	return s, nil
}

// NewSubmitter wraps an existing RPC client
func NewSubmitter(client RPCCaller, pollInterval, timeout time.Duration) *Submitter {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Submitter{client: client, pollInterval: pollInterval, timeout: timeout}
}

// Close releases the underlying connection
func (s *Submitter) Close() {
	if s.close != nil {
		s.close()
	}
}

type walletCall struct {
	To    common.Address `json:"to"`
	Data  hexutil.Bytes  `json:"data"`
	Value *hexutil.Big   `json:"value"`
}

type sendCallsParams struct {
	Version        string         `json:"version"`
	ChainID        hexutil.Uint64 `json:"chainId"`
	From           common.Address `json:"from"`
	AtomicRequired bool           `json:"atomicRequired"`
	Calls          []walletCall   `json:"calls"`
	Capabilities   map[string]any `json:"capabilities,omitempty"`
}

type sendCallsResult struct {
	ID string `json:"id"`
}

type callReceipt struct {
	Status          hexutil.Uint64 `json:"status"`
	BlockNumber     hexutil.Uint64 `json:"blockNumber"`
	GasUsed         hexutil.Uint64 `json:"gasUsed"`
	TransactionHash common.Hash    `json:"transactionHash"`
}

type callsStatus struct {
	Version  string         `json:"version"`
	ID       string         `json:"id"`
	ChainID  hexutil.Uint64 `json:"chainId"`
	Status   int            `json:"status"`
	Atomic   bool           `json:"atomic"`
	Receipts []callReceipt  `json:"receipts"`
}

// Submit sends the calls as one atomic batch and returns the wallet's handle.
func (s *Submitter) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if len(req.Calls) == 0 {
		return "", fmt.Errorf("%w: no calls to submit", models.ErrSubmission)
	}

	calls := make([]walletCall, len(req.Calls))
	for i, c := range req.Calls {
		value := new(uint256.Int)
		if c.Value != nil {
			value.Set(c.Value)
		}
		calls[i] = walletCall{To: c.To, Data: c.Data, Value: (*hexutil.Big)(value.ToBig())}
	}

	capabilities := map[string]any{}
	if req.Paymaster {
		paymaster := map[string]any{}
		if req.PaymasterURL != "" {
			paymaster["url"] = req.PaymasterURL
		}
		capabilities["paymasterService"] = paymaster
	}
	if req.MaxFeePerGas != nil && req.MaxPriorityFeePerGas != nil {
		capabilities["gasFees"] = map[string]*hexutil.Big{
			"maxFeePerGas":         (*hexutil.Big)(req.MaxFeePerGas.ToBig()),
			"maxPriorityFeePerGas": (*hexutil.Big)(req.MaxPriorityFeePerGas.ToBig()),
		}
	}

	params := sendCallsParams{
		Version:        sendCallsVersion,
		ChainID:        hexutil.Uint64(req.ChainID),
		From:           req.Account,
		AtomicRequired: true,
		Calls:          calls,
		Capabilities:   capabilities,
	}

	var result sendCallsResult
	if err := s.client.CallContext(ctx, &result, "wallet_sendCalls", params); err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrSubmission, err)
	}
	if result.ID == "" {
		return "", fmt.Errorf("%w: wallet returned an empty handle", models.ErrSubmission)
	}

	log.Info().
		Str("handle", result.ID).
		Str("account", req.Account.Hex()).
		Int("calls", len(calls)).
		Bool("paymaster", req.Paymaster).
		Msg("Batched operation submitted")
	return result.ID, nil
}

// AwaitReceipt polls the wallet until the batch reaches a terminal status or
// the receipt timeout elapses. A non-success terminal status is returned as a
// receipt with Success set to false, not as an error.
func (s *Submitter) AwaitReceipt(ctx context.Context, handle string) (*models.Receipt, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		var status callsStatus
		err := s.client.CallContext(timeoutCtx, &status, "wallet_getCallsStatus", handle)
		switch {
		case err == nil && status.Status >= callsStatusConfirmed:
			return toReceipt(handle, &status), nil
		case err == nil && status.Status >= callsStatusPending:
			log.Debug().Str("handle", handle).Int("status", status.Status).Msg("Batch pending")
		case err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled):
			log.Warn().Err(err).Str("handle", handle).Msg("Failed to poll batch status")
		}

		select {
		case <-timeoutCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: timeout waiting for receipt of %s", models.ErrSubmission, handle)
		case <-ticker.C:
		}
	}
}

func toReceipt(handle string, status *callsStatus) *models.Receipt {
	receipt := &models.Receipt{
		Handle:     handle,
		StatusCode: status.Status,
		Success:    status.Status >= callsStatusConfirmed && status.Status < callsStatusFailed,
	}
	for _, r := range status.Receipts {
		receipt.TransactionHash = append(receipt.TransactionHash, r.TransactionHash.Hex())
		receipt.GasUsed += uint64(r.GasUsed)
		if uint64(r.BlockNumber) > receipt.BlockNumber {
			receipt.BlockNumber = uint64(r.BlockNumber)
		}
		if r.Status != 1 {
			receipt.Success = false
		}
	}
	return receipt
}

package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/piggyvault/piggy-hub/depositor/units"
)

// DefaultDecimals is used whenever a token's decimals are unknown.
const DefaultDecimals uint8 = 18

// PreviewStateKey is the base store key holding a session's preview snapshot.
const PreviewStateKey = "depositPreviewState"

// CanonicalAddress returns the lower-cased form used for all address comparisons.
func CanonicalAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// TokenRef identifies a token and carries the data needed to value it.
type TokenRef struct {
	Address  string `json:"address"`  // lower-cased hex address
	Symbol   string `json:"symbol"`   // e.g. "USDC"
	Name     string `json:"name"`     // e.g. "USD Coin"
	Decimals uint8  `json:"decimals"` // 18 when unknown
	Price    string `json:"price"`    // USD per whole unit, decimal string
}

// NewTokenRef builds a TokenRef in canonical form. A nil decimals pointer
// means the decimals are unknown.
func NewTokenRef(address, symbol, name string, decimals *uint8, price string) TokenRef {
	d := DefaultDecimals
	if decimals != nil {
		d = *decimals
	}
	return TokenRef{
		Address:  CanonicalAddress(address),
		Symbol:   symbol,
		Name:     name,
		Decimals: d,
		Price:    strings.TrimSpace(price),
	}
}

// Same reports whether both refs point at the same token.
func (t TokenRef) Same(other TokenRef) bool {
	return CanonicalAddress(t.Address) == CanonicalAddress(other.Address)
}

// HexAddress returns the token address as a go-ethereum address.
func (t TokenRef) HexAddress() common.Address {
	return common.HexToAddress(t.Address)
}

// SourceEntry pairs a source token with the amount to convert in minor units.
// An empty or zero amount marks the entry as inactive.
type SourceEntry struct {
	Token  TokenRef `json:"token"`
	Amount string   `json:"amount"`
}

// Active reports whether the entry takes part in valuation and call assembly.
func (e SourceEntry) Active() bool {
	a, err := units.ParseMinor(e.Amount, e.Token.Decimals)
	return err == nil && !a.IsZero()
}

// Parsed returns the entry amount as a tagged amount.
func (e SourceEntry) Parsed() (units.Amount, error) {
	return units.ParseMinor(e.Amount, e.Token.Decimals)
}

// SourceSelection is either a single token with an amount or a list of
// token/amount pairs ("multi mode").
type SourceSelection struct {
	Multi   bool          `json:"multi"`
	Entries []SourceEntry `json:"entries"`
}

// SingleSource builds a single-token selection.
func SingleSource(token TokenRef, amount string) SourceSelection {
	return SourceSelection{Entries: []SourceEntry{{Token: token, Amount: amount}}}
}

// MultiSource builds a multi-token selection.
func MultiSource(entries ...SourceEntry) SourceSelection {
	return SourceSelection{Multi: true, Entries: entries}
}

// ActiveEntries returns the entries that carry a positive amount, in order.
func (s SourceSelection) ActiveEntries() []SourceEntry {
	active := make([]SourceEntry, 0, len(s.Entries))
	for _, e := range s.Entries {
		if e.Active() {
			active = append(active, e)
		}
	}
	return active
}

// Validate checks every amount parses and every address is a hex address.
func (s SourceSelection) Validate() error {
	if !s.Multi && len(s.Entries) > 1 {
		return fmt.Errorf("%w: single mode selection has %d entries", ErrValidation, len(s.Entries))
	}
	seen := make(map[string]struct{}, len(s.Entries))
	for _, e := range s.Entries {
		if !common.IsHexAddress(e.Token.Address) {
			return fmt.Errorf("%w: invalid token address %q", ErrValidation, e.Token.Address)
		}
		addr := CanonicalAddress(e.Token.Address)
		if _, dup := seen[addr]; dup {
			return fmt.Errorf("%w: token %s selected twice", ErrValidation, addr)
		}
		seen[addr] = struct{}{}
		if _, err := e.Parsed(); err != nil {
			return fmt.Errorf("%w: token %s: %v", ErrValidation, addr, err)
		}
	}
	return nil
}

// ExchangeQuote is an advisory estimate computed from prices only.
type ExchangeQuote struct {
	Rate            string `json:"rate"`            // destination units per source unit, 6 places
	PredictedOutput string `json:"predictedOutput"` // destination whole units, 6 places
}

// CallStep is one contract call inside a batched operation.
type CallStep struct {
	To    common.Address `json:"to"`
	Data  hexutil.Bytes  `json:"data"`
	Value *uint256.Int   `json:"value"`
}

// NewCallStep copies the payload so the step cannot be changed through the
// caller's slice. A nil value becomes zero.
func NewCallStep(to common.Address, data []byte, value *uint256.Int) CallStep {
	payload := make([]byte, len(data))
	copy(payload, data)
	v := new(uint256.Int)
	if value != nil {
		v.Set(value)
	}
	return CallStep{To: to, Data: payload, Value: v}
}

// PreviewState is the snapshot carried from preview to execute.
type PreviewState struct {
	SessionID              string         `json:"sessionId"`
	IsMultiToken           bool           `json:"isMultiToken"`
	ApprovalRequest        ApproveRequest `json:"approvalRequest"`
	SwapRequest            SwapRequest    `json:"swapRequest"`
	SwapResponse           SwapResponse   `json:"swapResponse"`
	TotalDestinationAmount string         `json:"totalDestinationAmount"`
	SettlementTokenBalance string         `json:"settlementTokenBalance"`
	Destination            TokenRef       `json:"destination"`
	Sources                []SourceEntry  `json:"sources"`
	CreatedAt              time.Time      `json:"createdAt"`
}

// PreviewKey returns the store key for a session's preview snapshot.
func PreviewKey(sessionID string) string {
	return PreviewStateKey + "/" + sessionID
}

// OutcomeStatus is the terminal status of a submitted batched operation.
type OutcomeStatus string

const (
	OutcomeSuccess  OutcomeStatus = "success"
	OutcomeReverted OutcomeStatus = "reverted"
)

// Receipt is the terminal receipt of a batched operation.
type Receipt struct {
	Handle          string   `json:"handle"`
	StatusCode      int      `json:"statusCode"`
	TransactionHash []string `json:"transactionHashes"`
	BlockNumber     uint64   `json:"blockNumber"`
	GasUsed         uint64   `json:"gasUsed"`
	Success         bool     `json:"success"`
}

// OperationOutcome is what an execute run returns to the caller.
type OperationOutcome struct {
	SubmittedHandle string            `json:"submittedHandle"`
	TerminalReceipt *Receipt          `json:"terminalReceipt"`
	Status          OutcomeStatus     `json:"status"`
	CallCount       int               `json:"callCount"`
	RawFee          string            `json:"rawFee"`
	NetPredicted    string            `json:"netPredicted"`
	DepositAmount   string            `json:"depositAmount"`
	DepositEntry    string            `json:"depositEntry"`
	Invested        bool              `json:"invested"`
	Balances        map[string]string `json:"balances,omitempty"` // refreshed after success
}

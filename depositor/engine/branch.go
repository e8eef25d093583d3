package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/piggyvault/piggy-hub/depositor/chain"
	"github.com/piggyvault/piggy-hub/depositor/models"
)

// DepositEntry is the vault entry point chosen for a run
type DepositEntry string

const (
	EntryDeposit          DepositEntry = "deposit"
	EntryDepositAll       DepositEntry = "depositAll"
	EntryDepositAndInvest DepositEntry = "depositAndInvest"
)

// VaultReader is the set of chain reads the branch decision needs
type VaultReader interface {
	TokenBalance(ctx context.Context, token, account common.Address) (*uint256.Int, error)
	InvestThreshold(ctx context.Context, vault common.Address) (*uint256.Int, error)
	VaultShares(ctx context.Context, vault, account common.Address) (*uint256.Int, error)
}

// BranchInputs are the chain values the decision is made on
type BranchInputs struct {
	SettlementBalance  *uint256.Int
	DepositAmount      *uint256.Int
	InvestThreshold    *uint256.Int
	AccruedVaultShares *uint256.Int
}

// DepositDecision is the vault approval, the deposit call and an optional
// invest call, in the order they must run.
type DepositDecision struct {
	Entry         DepositEntry
	VaultApproval models.CallStep
	Deposit       models.CallStep
	Invest        *models.CallStep
	Inputs        BranchInputs
}

// Invested reports whether the decision triggers an investment, either with
// a separate invest call or through the fused entry point.
func (d *DepositDecision) Invested() bool {
	return d.Invest != nil || d.Entry == EntryDepositAndInvest
}

// BranchSelector picks the vault entry point from fresh chain reads.
type BranchSelector struct {
	reader          VaultReader
	vault           common.Address
	settlementToken common.Address
	fuseInvest      bool
}

// NewBranchSelector creates a selector. With fuseInvest set a positive
// settlement balance and a met invest threshold use depositAndInvest instead
// of deposit followed by invest.
func NewBranchSelector(reader VaultReader, vault, settlementToken common.Address, fuseInvest bool) *BranchSelector {
	return &BranchSelector{
		reader:          reader,
		vault:           vault,
		settlementToken: settlementToken,
		fuseInvest:      fuseInvest,
	}
}

// ShouldInvest reports whether shares + deposit reaches the threshold. An
// overflowing sum is above any threshold.
func ShouldInvest(shares, deposit, threshold *uint256.Int) bool {
	sum, overflow := new(uint256.Int).AddOverflow(orZero(shares), orZero(deposit))
	if overflow {
		return true
	}
	return !sum.Lt(orZero(threshold))
}

// Decide reads the settlement balance, the invest threshold and the accrued
// vault shares for the account, then selects the calls. Nothing is cached.
func (b *BranchSelector) Decide(ctx context.Context, account common.Address, depositAmount *uint256.Int) (*DepositDecision, error) {
	balance, err := b.reader.TokenBalance(ctx, b.settlementToken, account)
	if err != nil {
		return nil, chainReadError("settlement balance", err)
	}
	threshold, err := b.reader.InvestThreshold(ctx, b.vault)
	if err != nil {
		return nil, chainReadError("invest threshold", err)
	}
	shares, err := b.reader.VaultShares(ctx, b.vault, account)
	if err != nil {
		return nil, chainReadError("vault shares", err)
	}

	decision, err := b.SelectDepositCall(BranchInputs{
		SettlementBalance:  balance,
		DepositAmount:      depositAmount,
		InvestThreshold:    threshold,
		AccruedVaultShares: shares,
	}, account)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("account", account.Hex()).
		Str("settlement_balance", balance.Dec()).
		Str("deposit_amount", orZero(depositAmount).Dec()).
		Str("threshold", threshold.Dec()).
		Str("shares", shares.Dec()).
		Str("entry", string(decision.Entry)).
		Bool("invest", decision.Invested()).
		Msg("Selected deposit branch")
	return decision, nil
}

// SelectDepositCall is the decision itself, without reads.
//
//	balance > 0  -> approve(vault, amount), deposit(amount, recipient)
//	balance == 0 -> approve(vault, max),    depositAll(recipient)
//
// invest() is appended when ShouldInvest holds.
func (b *BranchSelector) SelectDepositCall(in BranchInputs, recipient common.Address) (*DepositDecision, error) {
	amount := orZero(in.DepositAmount)
	invest := ShouldInvest(in.AccruedVaultShares, amount, in.InvestThreshold)

	decision := &DepositDecision{Inputs: in}
	var err error

	if orZero(in.SettlementBalance).IsZero() {
		decision.Entry = EntryDepositAll
		if decision.VaultApproval, err = chain.EncodeApprove(b.settlementToken, b.vault, chain.MaxUint256()); err != nil {
			return nil, err
		}
		if decision.Deposit, err = chain.EncodeDepositAll(b.vault, recipient); err != nil {
			return nil, err
		}
	} else {
		if decision.VaultApproval, err = chain.EncodeApprove(b.settlementToken, b.vault, amount); err != nil {
			return nil, err
		}
		if b.fuseInvest && invest {
			decision.Entry = EntryDepositAndInvest
			if decision.Deposit, err = chain.EncodeDepositAndInvest(b.vault, amount, recipient); err != nil {
				return nil, err
			}
			return decision, nil
		}
		decision.Entry = EntryDeposit
		if decision.Deposit, err = chain.EncodeDeposit(b.vault, amount, recipient); err != nil {
			return nil, err
		}
	}

	if invest {
		step, err := chain.EncodeInvest(b.vault)
		if err != nil {
			return nil, err
		}
		decision.Invest = &step
	}
	return decision, nil
}

func chainReadError(what string, err error) error {
	if errors.Is(err, models.ErrChainRead) {
		return fmt.Errorf("%s: %w", what, err)
	}
	return fmt.Errorf("%w: %s: %v", models.ErrChainRead, what, err)
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}

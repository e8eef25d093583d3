package engine

import (
	"github.com/piggyvault/piggy-hub/depositor/models"
)

// Phase tags each call of a plan with the part of the batch it belongs to
type Phase int

const (
	PhaseSourceApproval Phase = iota
	PhaseSourceSwap
	PhaseFeeApproval
	PhaseFeeSwap
	PhaseVaultApproval
	PhaseDeposit
	PhaseInvest
)

func (p Phase) String() string {
	switch p {
	case PhaseSourceApproval:
		return "source-approval"
	case PhaseSourceSwap:
		return "source-swap"
	case PhaseFeeApproval:
		return "fee-approval"
	case PhaseFeeSwap:
		return "fee-swap"
	case PhaseVaultApproval:
		return "vault-approval"
	case PhaseDeposit:
		return "deposit"
	case PhaseInvest:
		return "invest"
	default:
		return "unknown"
	}
}

// PlannedCall is one call of a plan and its phase
type PlannedCall struct {
	Phase Phase
	Call  models.CallStep
}

// TransactionPlan is the ordered list of calls submitted as one batched
// operation. It is immutable once assembled.
type TransactionPlan struct {
	steps []PlannedCall
}

// AssembleInput groups the parts of a plan. Nil optional calls are skipped.
type AssembleInput struct {
	Approvals     []models.CallStep
	Swaps         []models.CallStep
	FeeApproval   *models.CallStep
	FeeSwap       *models.CallStep
	VaultApproval models.CallStep
	Deposit       models.CallStep
	Invest        *models.CallStep
}

// Assemble concatenates the parts in execution order: every source approval,
// every source swap, the fee legs, the vault approval, the deposit and then
// invest when present. Calls are copied.
func Assemble(in AssembleInput) TransactionPlan {
	steps := make([]PlannedCall, 0, len(in.Approvals)+len(in.Swaps)+5)
	add := func(phase Phase, call models.CallStep) {
		steps = append(steps, PlannedCall{
			Phase: phase,
			Call:  models.NewCallStep(call.To, call.Data, call.Value),
		})
	}

	for _, call := range in.Approvals {
		add(PhaseSourceApproval, call)
	}
	for _, call := range in.Swaps {
		add(PhaseSourceSwap, call)
	}
	if in.FeeApproval != nil {
		add(PhaseFeeApproval, *in.FeeApproval)
	}
	if in.FeeSwap != nil {
		add(PhaseFeeSwap, *in.FeeSwap)
	}
	add(PhaseVaultApproval, in.VaultApproval)
	add(PhaseDeposit, in.Deposit)
	if in.Invest != nil {
		add(PhaseInvest, *in.Invest)
	}

	return TransactionPlan{steps: steps}
}

// Len is the number of calls in the plan
func (p TransactionPlan) Len() int {
	return len(p.steps)
}

// Steps returns a copy of the planned calls
func (p TransactionPlan) Steps() []PlannedCall {
	out := make([]PlannedCall, len(p.steps))
	for i, s := range p.steps {
		out[i] = PlannedCall{Phase: s.Phase, Call: models.NewCallStep(s.Call.To, s.Call.Data, s.Call.Value)}
	}
	return out
}

// Calls returns a copy of the calls in submission order
func (p TransactionPlan) Calls() []models.CallStep {
	out := make([]models.CallStep, len(p.steps))
	for i, s := range p.steps {
		out[i] = models.NewCallStep(s.Call.To, s.Call.Data, s.Call.Value)
	}
	return out
}

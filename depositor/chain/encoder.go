package chain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/piggyvault/piggy-hub/depositor/models"
)

// MaxUint256 returns 2^256-1, the unlimited ERC20 allowance.
func MaxUint256() *uint256.Int {
	return new(uint256.Int).SetAllOne()
}

// EncodeApprove builds token.approve(spender, amount).
func EncodeApprove(token, spender common.Address, amount *uint256.Int) (models.CallStep, error) {
	return encode(erc20ABI, token, "approve", spender, amount.ToBig())
}

// EncodeDeposit builds vault.deposit(amount, receiver).
func EncodeDeposit(vault common.Address, amount *uint256.Int, receiver common.Address) (models.CallStep, error) {
	return encode(vaultABI, vault, "deposit", amount.ToBig(), receiver)
}

// EncodeDepositAll builds vault.depositAll(receiver).
func EncodeDepositAll(vault, receiver common.Address) (models.CallStep, error) {
	return encode(vaultABI, vault, "depositAll", receiver)
}

// EncodeDepositAndInvest builds vault.depositAndInvest(amount, receiver).
func EncodeDepositAndInvest(vault common.Address, amount *uint256.Int, receiver common.Address) (models.CallStep, error) {
	return encode(vaultABI, vault, "depositAndInvest", amount.ToBig(), receiver)
}

// EncodeInvest builds vault.invest().
func EncodeInvest(vault common.Address) (models.CallStep, error) {
	return encode(vaultABI, vault, "invest")
}

func encode(contractABI abi.ABI, target common.Address, method string, args ...any) (models.CallStep, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return models.CallStep{}, fmt.Errorf("failed to encode %s: %w", method, err)
	}
	return models.NewCallStep(target, data, nil), nil
}

// DescribeCall returns the method name of a call known to the ERC20 or vault
// ABI, or its 4-byte selector otherwise.
func DescribeCall(step models.CallStep) string {
	if len(step.Data) < 4 {
		return "transfer"
	}
	for _, contractABI := range []abi.ABI{vaultABI, erc20ABI} {
		if method, err := contractABI.MethodById(step.Data[:4]); err == nil {
			return method.Name
		}
	}
	return hexutil.Encode(step.Data[:4])
}

// DecodeCall unpacks the arguments of a call known to the ERC20 or vault ABI.
func DecodeCall(step models.CallStep) (string, []any, error) {
	if len(step.Data) < 4 {
		return "", nil, fmt.Errorf("call data too short")
	}
	for _, contractABI := range []abi.ABI{vaultABI, erc20ABI} {
		method, err := contractABI.MethodById(step.Data[:4])
		if err != nil {
			continue
		}
		args, err := method.Inputs.Unpack(step.Data[4:])
		if err != nil {
			return "", nil, fmt.Errorf("failed to decode %s: %w", method.Name, err)
		}
		return method.Name, args, nil
	}
	return "", nil, fmt.Errorf("unknown selector %s", hexutil.Encode(step.Data[:4]))
}

// Package userop models ERC-4337 user operations as they travel through the
// relay: the unpacked JSON form accepted on the wire, the packed on-chain
// tuple, and the fingerprint used for duplicate detection.
package userop

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var ErrInvalidOperation = errors.New("invalid user operation")

// UserOperation is the unpacked request shape. Quantities arrive as 0x hex
// strings and stay as big integers internally; packing happens only at the
// submission boundary.
type UserOperation struct {
	Sender               common.Address `json:"sender"`
	Nonce                *hexutil.Big   `json:"nonce"`
	InitCode             hexutil.Bytes  `json:"initCode"`
	CallData             hexutil.Bytes  `json:"callData"`
	CallGasLimit         *hexutil.Big   `json:"callGasLimit"`
	VerificationGasLimit *hexutil.Big   `json:"verificationGasLimit"`
	PreVerificationGas   *hexutil.Big   `json:"preVerificationGas"`
	MaxFeePerGas         *hexutil.Big   `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big   `json:"maxPriorityFeePerGas"`
	PaymasterAndData     hexutil.Bytes  `json:"paymasterAndData"`
	Signature            hexutil.Bytes  `json:"signature"`
}

// Validate checks the fields the relay cannot default. Gas bounds are
// enforced later by the codec; this is only about presence and shape.
func (op *UserOperation) Validate() error {
	if op == nil {
		return fmt.Errorf("%w: missing payload", ErrInvalidOperation)
	}
	if op.Sender == (common.Address{}) {
		return fmt.Errorf("%w: missing sender", ErrInvalidOperation)
	}
	if op.Nonce == nil {
		return fmt.Errorf("%w: missing nonce", ErrInvalidOperation)
	}
	for name, v := range map[string]*hexutil.Big{
		"callGasLimit":         op.CallGasLimit,
		"verificationGasLimit": op.VerificationGasLimit,
		"preVerificationGas":   op.PreVerificationGas,
		"maxFeePerGas":         op.MaxFeePerGas,
		"maxPriorityFeePerGas": op.MaxPriorityFeePerGas,
	} {
		if v == nil {
			return fmt.Errorf("%w: missing %s", ErrInvalidOperation, name)
		}
	}
	return nil
}

// Fingerprint identifies the (sender, nonce) pair for deduplication. The
// sender is re-encoded through its checksummed form so hex casing from the
// caller never splits one identity into two.
func (op *UserOperation) Fingerprint() string {
	nonce := "0"
	if op.Nonce != nil {
		nonce = op.Nonce.ToInt().String()
	}
	return op.Sender.Hex() + ":" + nonce
}

func bigOrZero(v *hexutil.Big) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v.ToInt()
}

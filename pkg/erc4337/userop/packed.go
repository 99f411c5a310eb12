package userop

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/riftline/oprelay/pkg/erc4337/packing"
)

// PackedUserOperation is the v0.7 entrypoint tuple, hex-encoded the way the
// upstream JSON-RPC expects it.
type PackedUserOperation struct {
	Sender             string `json:"sender"`
	Nonce              string `json:"nonce"`
	InitCode           string `json:"initCode"`
	CallData           string `json:"callData"`
	AccountGasLimits   string `json:"accountGasLimits"`
	PreVerificationGas string `json:"preVerificationGas"`
	GasFees            string `json:"gasFees"`
	PaymasterAndData   string `json:"paymasterAndData"`
	Signature          string `json:"signature"`
}

var packedHashArgs abi.Arguments

func init() {
	addressType, err := abi.NewType("address", "", nil)
	if err != nil {
		panic(err)
	}
	uint256Type, err := abi.NewType("uint256", "", nil)
	if err != nil {
		panic(err)
	}
	bytes32Type, err := abi.NewType("bytes32", "", nil)
	if err != nil {
		panic(err)
	}

	packedHashArgs = abi.Arguments{
		{Type: addressType}, // sender
		{Type: uint256Type}, // nonce
		{Type: bytes32Type}, // keccak(initCode)
		{Type: bytes32Type}, // keccak(callData)
		{Type: bytes32Type}, // accountGasLimits
		{Type: uint256Type}, // preVerificationGas
		{Type: bytes32Type}, // gasFees
		{Type: bytes32Type}, // keccak(paymasterAndData)
	}
}

// Pack folds the unpacked operation into the v0.7 tuple:
// accountGasLimits = verificationGasLimit || callGasLimit and
// gasFees = maxPriorityFeePerGas || maxFeePerGas, each a 32-byte word.
// Gas values outside 128 bits are rejected here, before anything is queued.
func Pack(op *UserOperation) (*PackedUserOperation, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}

	accountGasLimits, err := packing.PackGasWord(bigOrZero(op.VerificationGasLimit), bigOrZero(op.CallGasLimit))
	if err != nil {
		return nil, fmt.Errorf("accountGasLimits: %w", err)
	}

	gasFees, err := packing.PackGasWord(bigOrZero(op.MaxPriorityFeePerGas), bigOrZero(op.MaxFeePerGas))
	if err != nil {
		return nil, fmt.Errorf("gasFees: %w", err)
	}

	return &PackedUserOperation{
		Sender:             op.Sender.Hex(),
		Nonce:              hexutil.EncodeBig(bigOrZero(op.Nonce)),
		InitCode:           hexutil.Encode(op.InitCode),
		CallData:           hexutil.Encode(op.CallData),
		AccountGasLimits:   hexutil.Encode(accountGasLimits[:]),
		PreVerificationGas: hexutil.EncodeBig(bigOrZero(op.PreVerificationGas)),
		GasFees:            hexutil.Encode(gasFees[:]),
		PaymasterAndData:   hexutil.Encode(op.PaymasterAndData),
		Signature:          hexutil.Encode(op.Signature),
	}, nil
}

// PackedHash is the deterministic digest of the packed tuple, with the
// dynamic byte fields hashed first so the encoding stays fixed-width. The
// sponsorship gate signs over this value.
func (op *UserOperation) PackedHash() (common.Hash, error) {
	accountGasLimits, err := packing.PackGasWord(bigOrZero(op.VerificationGasLimit), bigOrZero(op.CallGasLimit))
	if err != nil {
		return common.Hash{}, fmt.Errorf("accountGasLimits: %w", err)
	}

	gasFees, err := packing.PackGasWord(bigOrZero(op.MaxPriorityFeePerGas), bigOrZero(op.MaxFeePerGas))
	if err != nil {
		return common.Hash{}, fmt.Errorf("gasFees: %w", err)
	}

	preVerificationGas := bigOrZero(op.PreVerificationGas)
	if preVerificationGas.BitLen() > 256 {
		return common.Hash{}, packing.ErrEncodingOverflow
	}

	encoded, err := packedHashArgs.Pack(
		op.Sender,
		new(big.Int).Set(bigOrZero(op.Nonce)),
		crypto.Keccak256Hash(op.InitCode),
		crypto.Keccak256Hash(op.CallData),
		common.Hash(accountGasLimits),
		preVerificationGas,
		common.Hash(gasFees),
		crypto.Keccak256Hash(op.PaymasterAndData),
	)
	if err != nil {
		return common.Hash{}, err
	}

	return crypto.Keccak256Hash(encoded), nil
}

// Package packing implements the byte-exact encodings shared by the
// submission pipeline and the sponsorship gate: the 32-byte gas words of a
// packed user operation, the fixed 52-byte paymaster header, and the ABI
// tail appended after it.
package packing

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrEncodingOverflow      = errors.New("encoding overflow: value does not fit the field width")
	ErrEncodingInvalidLength = errors.New("encoding invalid length")
)

const (
	// paymaster header = address(20) || verificationGas(16) || postOpGas(16)
	HeaderLength = 52

	gasFieldBits  = 128
	gasFieldBytes = 16
	uint48Bits    = 48
)

var sponsorTailArgs abi.Arguments

func init() {
	uint48Type, err := abi.NewType("uint48", "", nil)
	if err != nil {
		panic(err)
	}
	addressType, err := abi.NewType("address", "", nil)
	if err != nil {
		panic(err)
	}
	bytes32Type, err := abi.NewType("bytes32", "", nil)
	if err != nil {
		panic(err)
	}
	bytesType, err := abi.NewType("bytes", "", nil)
	if err != nil {
		panic(err)
	}

	sponsorTailArgs = abi.Arguments{
		{Type: uint48Type},  // validUntil
		{Type: uint48Type},  // validAfter
		{Type: addressType}, // sessionKey
		{Type: bytes32Type}, // scope
		{Type: bytesType},   // signature
	}
}

// PackGasWord folds two unsigned 128-bit quantities into one 32-byte word,
// high in the upper half, low in the lower half, both big-endian. Values that
// do not fit 128 bits are rejected, never truncated.
func PackGasWord(high, low *big.Int) ([32]byte, error) {
	var word [32]byte

	if err := checkGasField(high); err != nil {
		return word, err
	}
	if err := checkGasField(low); err != nil {
		return word, err
	}

	high.FillBytes(word[:gasFieldBytes])
	low.FillBytes(word[gasFieldBytes:])
	return word, nil
}

// UnpackGasWord is the inverse of PackGasWord. Any 32-byte word is valid
// input; the halves come back as non-negative integers.
func UnpackGasWord(word [32]byte) (high, low *big.Int) {
	high = new(big.Int).SetBytes(word[:gasFieldBytes])
	low = new(big.Int).SetBytes(word[gasFieldBytes:])
	return high, low
}

// PaymasterHeader builds the fixed-width prefix of paymasterAndData:
// the paymaster address followed by the two 16-byte big-endian gas limits.
func PaymasterHeader(paymaster common.Address, verificationGas, postOpGas *big.Int) ([]byte, error) {
	if err := checkGasField(verificationGas); err != nil {
		return nil, err
	}
	if err := checkGasField(postOpGas); err != nil {
		return nil, err
	}

	header := make([]byte, HeaderLength)
	copy(header[:common.AddressLength], paymaster.Bytes())
	verificationGas.FillBytes(header[common.AddressLength : common.AddressLength+gasFieldBytes])
	postOpGas.FillBytes(header[common.AddressLength+gasFieldBytes:])
	return header, nil
}

// SplitHeader parses a paymasterAndData header back into its fields. The
// input must carry at least HeaderLength bytes.
func SplitHeader(data []byte) (paymaster common.Address, verificationGas, postOpGas *big.Int, err error) {
	if len(data) < HeaderLength {
		return common.Address{}, nil, nil, ErrEncodingInvalidLength
	}

	paymaster = common.BytesToAddress(data[:common.AddressLength])
	verificationGas = new(big.Int).SetBytes(data[common.AddressLength : common.AddressLength+gasFieldBytes])
	postOpGas = new(big.Int).SetBytes(data[common.AddressLength+gasFieldBytes : HeaderLength])
	return paymaster, verificationGas, postOpGas, nil
}

// SponsorTail ABI-encodes (uint48 validUntil, uint48 validAfter,
// address sessionKey, bytes32 scope, bytes signature), the variable part of
// paymasterAndData appended after the header.
func SponsorTail(validUntil, validAfter *big.Int, sessionKey common.Address, scope [32]byte, signature []byte) ([]byte, error) {
	if err := checkUint48(validUntil); err != nil {
		return nil, err
	}
	if err := checkUint48(validAfter); err != nil {
		return nil, err
	}

	return sponsorTailArgs.Pack(validUntil, validAfter, sessionKey, scope, signature)
}

// CheckUint48 verifies v fits the 48-bit validity fields of the sponsor
// tail. Callers use it to reject a request before side effects, ahead of the
// encode itself.
func CheckUint48(v *big.Int) error {
	return checkUint48(v)
}

// ScopeWord right-aligns a scope label into a bytes32 value, zero padded on
// the left. Labels longer than 32 bytes are rejected.
func ScopeWord(scope string) ([32]byte, error) {
	var word [32]byte

	raw := []byte(scope)
	if len(raw) > len(word) {
		return word, ErrEncodingInvalidLength
	}

	copy(word[len(word)-len(raw):], raw)
	return word, nil
}

func checkGasField(v *big.Int) error {
	if v == nil || v.Sign() < 0 || v.BitLen() > gasFieldBits {
		return ErrEncodingOverflow
	}
	return nil
}

func checkUint48(v *big.Int) error {
	if v == nil || v.Sign() < 0 || v.BitLen() > uint48Bits {
		return ErrEncodingOverflow
	}
	return nil
}

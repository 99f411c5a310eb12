package userop

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftline/oprelay/pkg/erc4337/packing"
)

func sampleOp() *UserOperation {
	return &UserOperation{
		Sender:               common.HexToAddress("0x8ba1f109551bd432803012645ac136ddd64dba72"),
		Nonce:                (*hexutil.Big)(big.NewInt(7)),
		InitCode:             hexutil.Bytes{},
		CallData:             hexutil.MustDecode("0xdeadbeef"),
		CallGasLimit:         (*hexutil.Big)(big.NewInt(200000)),
		VerificationGasLimit: (*hexutil.Big)(big.NewInt(150000)),
		PreVerificationGas:   (*hexutil.Big)(big.NewInt(21000)),
		MaxFeePerGas:         (*hexutil.Big)(big.NewInt(30_000_000_000)),
		MaxPriorityFeePerGas: (*hexutil.Big)(big.NewInt(1_000_000_000)),
		PaymasterAndData:     hexutil.Bytes{},
		Signature:            hexutil.MustDecode("0x01"),
	}
}

func TestUnmarshalFromHexPayload(t *testing.T) {
	payload := `{
		"sender": "0x8ba1f109551bd432803012645ac136ddd64dba72",
		"nonce": "0x7",
		"initCode": "0x",
		"callData": "0xdeadbeef",
		"callGasLimit": "0x30d40",
		"verificationGasLimit": "0x249f0",
		"preVerificationGas": "0x5208",
		"maxFeePerGas": "0x6fc23ac00",
		"maxPriorityFeePerGas": "0x3b9aca00",
		"paymasterAndData": "0x",
		"signature": "0x01"
	}`

	op := &UserOperation{}
	require.NoError(t, json.Unmarshal([]byte(payload), op))
	require.NoError(t, op.Validate())

	assert.Equal(t, int64(7), op.Nonce.ToInt().Int64())
	assert.Equal(t, int64(200000), op.CallGasLimit.ToInt().Int64())
}

func TestValidateMissingFields(t *testing.T) {
	op := sampleOp()
	op.Nonce = nil
	assert.ErrorIs(t, op.Validate(), ErrInvalidOperation)

	op = sampleOp()
	op.Sender = common.Address{}
	assert.ErrorIs(t, op.Validate(), ErrInvalidOperation)

	op = sampleOp()
	op.MaxFeePerGas = nil
	assert.ErrorIs(t, op.Validate(), ErrInvalidOperation)
}

func TestFingerprintNormalizesCasing(t *testing.T) {
	lower := sampleOp()

	upper := sampleOp()
	upper.Sender = common.HexToAddress("0x8BA1F109551BD432803012645AC136DDD64DBA72")

	assert.Equal(t, lower.Fingerprint(), upper.Fingerprint())
	assert.Equal(t, "0x8ba1f109551bD432803012645Ac136ddd64DBA72:7", lower.Fingerprint())
}

func TestFingerprintDistinguishesNonces(t *testing.T) {
	a := sampleOp()
	b := sampleOp()
	b.Nonce = (*hexutil.Big)(big.NewInt(8))

	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}

func TestPackFoldsGasWords(t *testing.T) {
	packed, err := Pack(sampleOp())
	require.NoError(t, err)

	assert.Equal(t,
		"0x000000000000000000000000000249f000000000000000000000000000030d40",
		packed.AccountGasLimits,
	)
	assert.Equal(t,
		"0x0000000000000000000000003b9aca00000000000000000000000006fc23ac00",
		packed.GasFees,
	)
	assert.Equal(t, "0x7", packed.Nonce)
	assert.Equal(t, "0x5208", packed.PreVerificationGas)
	assert.Equal(t, "0xdeadbeef", packed.CallData)
}

func TestPackRejectsOversizedGas(t *testing.T) {
	op := sampleOp()
	op.CallGasLimit = (*hexutil.Big)(new(big.Int).Lsh(big.NewInt(1), 130))

	_, err := Pack(op)
	assert.ErrorIs(t, err, packing.ErrEncodingOverflow)
}

func TestPackedHashStable(t *testing.T) {
	h1, err := sampleOp().PackedHash()
	require.NoError(t, err)

	h2, err := sampleOp().PackedHash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	changed := sampleOp()
	changed.CallData = hexutil.MustDecode("0xdeadbeee")
	h3, err := changed.PackedHash()
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

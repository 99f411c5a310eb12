// Package paymaster decides which user operations get their gas sponsored
// and produces the signed paymasterAndData blob proving the decision.
package paymaster

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sort"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"

	"github.com/riftline/oprelay/metrics"
	"github.com/riftline/oprelay/pkg/erc4337/packing"
	"github.com/riftline/oprelay/pkg/erc4337/userop"
)

const (
	defaultValidityWindow  = time.Hour
	defaultVerificationGas = 150000
	defaultPostOpGas       = 60000
)

type Config struct {
	PaymasterAddress common.Address
	SignerKey        *ecdsa.PrivateKey
	ChainID          *big.Int

	AllowedScopes []string
	// sponsored operations per (wallet, scope) within one window
	UsageLimit uint64
	Window     time.Duration

	DefaultVerificationGas *big.Int
	DefaultPostOpGas       *big.Int
	ValidityWindow         time.Duration
}

type SponsorRequest struct {
	UserOp     *userop.UserOperation `json:"userOperation"`
	SessionKey common.Address        `json:"sessionKey"`
	Scope      string                `json:"scope"`

	// optional overrides; zero means use the configured defaults
	ValidUntil           uint64       `json:"validUntil,omitempty"`
	ValidAfter           uint64       `json:"validAfter,omitempty"`
	VerificationGasLimit *hexutil.Big `json:"verificationGasLimit,omitempty"`
	PostOpGasLimit       *hexutil.Big `json:"postOpGasLimit,omitempty"`
}

type SponsorResult struct {
	Paymaster        common.Address `json:"paymaster"`
	PaymasterAndData hexutil.Bytes  `json:"paymasterAndData"`
	Digest           common.Hash    `json:"digest"`
	Signature        hexutil.Bytes  `json:"signature"`
	ValidUntil       uint64         `json:"validUntil"`
	ValidAfter       uint64         `json:"validAfter"`
	Used             uint64         `json:"used"`
}

type Allowance struct {
	Scope     string `json:"scope"`
	Used      uint64 `json:"used"`
	Limit     uint64 `json:"limit"`
	Remaining uint64 `json:"remaining"`
}

var digestArgs abi.Arguments

func init() {
	bytes32Type, err := abi.NewType("bytes32", "", nil)
	if err != nil {
		panic(err)
	}
	addressType, err := abi.NewType("address", "", nil)
	if err != nil {
		panic(err)
	}
	uint48Type, err := abi.NewType("uint48", "", nil)
	if err != nil {
		panic(err)
	}
	uint256Type, err := abi.NewType("uint256", "", nil)
	if err != nil {
		panic(err)
	}

	digestArgs = abi.Arguments{
		{Type: bytes32Type}, // operation hash
		{Type: addressType}, // sessionKey
		{Type: bytes32Type}, // scope
		{Type: uint48Type},  // validUntil
		{Type: uint48Type},  // validAfter
		{Type: uint256Type}, // chainId
		{Type: addressType}, // paymaster
	}
}

// Gate is the sponsorship decision point: scope allow-set, optional session
// registry, capped usage counters, then header + signed tail.
type Gate struct {
	cfg      Config
	scopes   map[string]bool
	limiter  *UsageLimiter
	registry SessionRegistry
	clock    clockwork.Clock

	logger sdklogging.Logger
	m      *metrics.RelayMetrics
}

func NewGate(cfg Config, limiter *UsageLimiter, registry SessionRegistry, clock clockwork.Clock, m *metrics.RelayMetrics, logger sdklogging.Logger) *Gate {
	if cfg.ValidityWindow <= 0 {
		cfg.ValidityWindow = defaultValidityWindow
	}
	if cfg.DefaultVerificationGas == nil {
		cfg.DefaultVerificationGas = big.NewInt(defaultVerificationGas)
	}
	if cfg.DefaultPostOpGas == nil {
		cfg.DefaultPostOpGas = big.NewInt(defaultPostOpGas)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	scopes := make(map[string]bool, len(cfg.AllowedScopes))
	for _, s := range cfg.AllowedScopes {
		scopes[s] = true
	}

	return &Gate{
		cfg:      cfg,
		scopes:   scopes,
		limiter:  limiter,
		registry: registry,
		clock:    clock,
		logger:   logger,
		m:        m,
	}
}

// Sponsor runs the full gate for one operation. Order matters: the scope,
// session and encode checks must not consume a usage slot, and the slot must
// be reserved before anything is signed.
func (g *Gate) Sponsor(ctx context.Context, req *SponsorRequest) (*SponsorResult, error) {
	if req == nil || req.UserOp == nil {
		return nil, fmt.Errorf("missing user operation")
	}
	if err := req.UserOp.Validate(); err != nil {
		return nil, err
	}

	if !g.scopes[req.Scope] {
		g.m.IncSponsorship("scope_denied")
		return nil, fmt.Errorf("%w: %s", ErrScopeDenied, req.Scope)
	}

	scopeWord, err := packing.ScopeWord(req.Scope)
	if err != nil {
		return nil, err
	}

	wallet := req.UserOp.Sender

	if g.registry != nil {
		valid, rerr := g.registry.IsSessionValid(ctx, wallet, req.SessionKey, scopeWord)
		if rerr != nil {
			return nil, fmt.Errorf("session registry: %w", rerr)
		}
		if !valid {
			g.m.IncSponsorship("session_invalid")
			return nil, ErrSessionInvalid
		}
	}

	validUntil := req.ValidUntil
	if validUntil == 0 {
		validUntil = uint64(g.clock.Now().Add(g.cfg.ValidityWindow).Unix())
	}
	validAfter := req.ValidAfter

	verificationGas := g.cfg.DefaultVerificationGas
	if req.VerificationGasLimit != nil {
		verificationGas = req.VerificationGasLimit.ToInt()
	}
	postOpGas := g.cfg.DefaultPostOpGas
	if req.PostOpGasLimit != nil {
		postOpGas = req.PostOpGasLimit.ToInt()
	}

	// everything encodable is checked before a usage slot is consumed, so an
	// oversized request cannot burn budget it gets no value from
	header, err := packing.PaymasterHeader(g.cfg.PaymasterAddress, verificationGas, postOpGas)
	if err != nil {
		return nil, err
	}

	until := new(big.Int).SetUint64(validUntil)
	after := new(big.Int).SetUint64(validAfter)
	if err := packing.CheckUint48(until); err != nil {
		return nil, err
	}
	if err := packing.CheckUint48(after); err != nil {
		return nil, err
	}

	digest, err := g.sponsorDigest(req.UserOp, req.SessionKey, scopeWord, validUntil, validAfter)
	if err != nil {
		return nil, err
	}

	used, err := g.limiter.Reserve(wallet, req.Scope)
	if err != nil {
		if err == ErrLimitReached {
			g.m.IncSponsorship("limit_reached")
		}
		return nil, err
	}

	signature, err := g.signDigest(digest)
	if err != nil {
		return nil, err
	}

	tail, err := packing.SponsorTail(until, after, req.SessionKey, scopeWord, signature)
	if err != nil {
		return nil, err
	}

	g.m.IncSponsorship("granted")
	g.logger.Info("sponsorship granted",
		"wallet", wallet.Hex(), "scope", req.Scope, "used", used, "valid_until", validUntil)

	return &SponsorResult{
		Paymaster:        g.cfg.PaymasterAddress,
		PaymasterAndData: append(header, tail...),
		Digest:           digest,
		Signature:        signature,
		ValidUntil:       validUntil,
		ValidAfter:       validAfter,
		Used:             used,
	}, nil
}

// Revoke clears the current window's usage for one (wallet, scope)
func (g *Gate) Revoke(wallet common.Address, scope string) error {
	if !g.scopes[scope] {
		return fmt.Errorf("%w: %s", ErrScopeDenied, scope)
	}
	return g.limiter.Reset(wallet, scope)
}

// Allowances lists the wallet's remaining budget in every allowed scope
func (g *Gate) Allowances(wallet common.Address) ([]Allowance, error) {
	scopes := make([]string, 0, len(g.scopes))
	for s := range g.scopes {
		scopes = append(scopes, s)
	}
	sort.Strings(scopes)

	var firstErr error
	allowances := lo.Map(scopes, func(scope string, _ int) Allowance {
		used, err := g.limiter.Used(wallet, scope)
		if err != nil && firstErr == nil {
			firstErr = err
		}

		remaining := uint64(0)
		if limit := g.limiter.Limit(); limit > used {
			remaining = limit - used
		}

		return Allowance{
			Scope:     scope,
			Used:      used,
			Limit:     g.limiter.Limit(),
			Remaining: remaining,
		}
	})

	if firstErr != nil {
		return nil, firstErr
	}
	return allowances, nil
}

// sponsorDigest binds the operation hash, the session identity, the
// validity window, the chain and the paymaster address into one word
func (g *Gate) sponsorDigest(op *userop.UserOperation, sessionKey common.Address, scope [32]byte, validUntil, validAfter uint64) (common.Hash, error) {
	opHash, err := op.PackedHash()
	if err != nil {
		return common.Hash{}, err
	}

	chainID := g.cfg.ChainID
	if chainID == nil {
		chainID = big.NewInt(0)
	}

	encoded, err := digestArgs.Pack(
		opHash,
		sessionKey,
		scope,
		new(big.Int).SetUint64(validUntil),
		new(big.Int).SetUint64(validAfter),
		chainID,
		g.cfg.PaymasterAddress,
	)
	if err != nil {
		return common.Hash{}, err
	}

	return crypto.Keccak256Hash(encoded), nil
}

// signDigest produces an EIP-191 personal-sign signature over the digest,
// with v shifted to 27/28 as onchain ecrecover expects
func (g *Gate) signDigest(digest common.Hash) ([]byte, error) {
	prefixed := crypto.Keccak256Hash(
		[]byte("\x19Ethereum Signed Message:\n32"),
		digest.Bytes(),
	)

	signature, err := crypto.Sign(prefixed.Bytes(), g.cfg.SignerKey)
	if err != nil {
		return nil, err
	}

	signature[64] += 27
	return signature, nil
}

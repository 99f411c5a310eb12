package paymaster

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-resty/resty/v2"
)

// SessionRegistry answers whether a session key may act for an account
// within a scope. A nil registry on the gate skips the check entirely.
type SessionRegistry interface {
	IsSessionValid(ctx context.Context, account, sessionKey common.Address, scope [32]byte) (bool, error)
}

// HTTPSessionRegistry asks an external registry service over REST
type HTTPSessionRegistry struct {
	client *resty.Client
}

func NewHTTPSessionRegistry(baseURL string) *HTTPSessionRegistry {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second)

	return &HTTPSessionRegistry{client: client}
}

type sessionValidResponse struct {
	Valid bool `json:"valid"`
}

func (r *HTTPSessionRegistry) IsSessionValid(ctx context.Context, account, sessionKey common.Address, scope [32]byte) (bool, error) {
	result := &sessionValidResponse{}

	resp, err := r.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"account": account.Hex(),
			"key":     sessionKey.Hex(),
			"scope":   hexutil.Encode(scope[:]),
		}).
		SetResult(result).
		Get("/sessions/validate")
	if err != nil {
		return false, fmt.Errorf("session registry request: %w", err)
	}

	if resp.IsError() {
		return false, fmt.Errorf("session registry responded %d", resp.StatusCode())
	}

	return result.Valid, nil
}

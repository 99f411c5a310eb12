// Package bundler is the JSON-RPC client for the upstream submission
// endpoint packed operations are forwarded to.
package bundler

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/riftline/oprelay/pkg/erc4337/userop"
)

type Client struct {
	client *rpc.Client
	url    string
}

// Dial connects to the upstream endpoint. apiKey, when non-empty, rides
// along as an x-api-key header on every call.
func Dial(ctx context.Context, url string, apiKey string) (*Client, error) {
	var (
		c   *rpc.Client
		err error
	)

	if apiKey != "" {
		c, err = rpc.DialOptions(ctx, url, rpc.WithHeader("x-api-key", apiKey))
	} else {
		c, err = rpc.DialContext(ctx, url)
	}
	if err != nil {
		return nil, fmt.Errorf("error creating upstream client: %w", err)
	}

	return &Client{client: c, url: url}, nil
}

func (c *Client) Close() {
	c.client.Close()
}

func (c *Client) URL() string {
	return c.url
}

// SendPackedOperation submits one packed operation and returns the hash the
// upstream acknowledged it with.
func (c *Client) SendPackedOperation(ctx context.Context, op *userop.PackedUserOperation, entrypoint common.Address) (string, error) {
	var hash string
	if err := c.client.CallContext(ctx, &hash, "eth_sendUserOperation", op, entrypoint.Hex()); err != nil {
		return "", err
	}

	return hash, nil
}

// EstimateUserOperationGas forwards the unpacked operation and hands the
// upstream answer back as raw JSON. The relay adds nothing to it.
func (c *Client) EstimateUserOperationGas(ctx context.Context, op *userop.UserOperation, entrypoint common.Address) (json.RawMessage, error) {
	var result json.RawMessage
	if err := c.client.CallContext(ctx, &result, "eth_estimateUserOperationGas", op, entrypoint.Hex()); err != nil {
		return nil, err
	}

	return result, nil
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	var raw string
	if err := c.client.CallContext(ctx, &raw, "eth_chainId"); err != nil {
		return nil, err
	}

	return hexutil.DecodeBig(raw)
}

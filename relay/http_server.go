package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/getsentry/sentry-go"
	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/riftline/oprelay/core/paymaster"
	"github.com/riftline/oprelay/core/relayengine"
	"github.com/riftline/oprelay/pkg/erc4337/userop"
	"github.com/riftline/oprelay/version"
)

// JSON-RPC error codes, matching common bundler conventions
const (
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcServerError    = -32000
)

type jsonRpcRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type jsonRpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type jsonRpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *jsonRpcError   `json:"error,omitempty"`
}

func rpcResult(id json.RawMessage, result interface{}) *jsonRpcResponse {
	return &jsonRpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func rpcError(id json.RawMessage, code int, message string, data interface{}) *jsonRpcResponse {
	return &jsonRpcResponse{JSONRPC: "2.0", ID: id, Error: &jsonRpcError{Code: code, Message: message, Data: data}}
}

func (r *Relay) startHttpServer(ctx context.Context) {
	if r.config == nil || r.config.BindAddress == "" {
		r.logger.Info("HTTP server disabled: no bind_address configured")
		return
	}

	if r.config.SentryDsn != "" {
		release := fmt.Sprintf("%s@%s", version.Get(), version.Commit())

		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              r.config.SentryDsn,
			ServerName:       r.config.ServerName,
			Environment:      "production",
			Release:          release,
			AttachStacktrace: true,
			TracesSampleRate: 1.0,
		}); err != nil {
			r.logger.Errorf("sentry initialization failed: %v", err)
		}
	}

	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Logger())

	// register Sentry before Recover so panics are reported
	if r.config.SentryDsn != "" {
		e.Use(sentryecho.New(sentryecho.Options{
			Repanic:         true,
			WaitForDelivery: false,
		}))
	}

	e.Use(middleware.Recover())

	e.GET("/up", func(c echo.Context) error {
		if r.status == runningStatus {
			return c.String(http.StatusOK, "up")
		}

		return c.String(http.StatusServiceUnavailable, "pending...")
	})

	e.GET("/health", func(c echo.Context) error {
		health := map[string]interface{}{
			"status":     string(r.status),
			"version":    version.Get(),
			"entrypoint": r.config.EntrypointAddress.Hex(),
			"chainId":    r.chainID.String(),
			"dryRun":     r.upstream == nil,
		}
		if r.gate != nil && r.config.Paymaster != nil {
			health["paymaster"] = r.config.Paymaster.Address.Hex()
		}
		return c.JSON(http.StatusOK, health)
	})

	e.GET("/stats", func(c echo.Context) error {
		stats, err := r.engine.Stats()
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": InternalError})
		}
		return c.JSON(http.StatusOK, stats)
	})

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.POST("/rpc", r.handleRpc)

	e.POST("/paymaster/sponsor", r.handleSponsor)
	e.POST("/paymaster/revoke", r.handleRevoke)
	e.GET("/paymaster/allowances/:wallet", r.handleAllowances)

	addr := r.config.BindAddress
	r.logger.Info("HTTP server listening", "address", addr)
	goSafe(func() {
		if err := e.Start(addr); err != nil {
			r.logger.Warn("HTTP server stopped", "address", addr, "error", err)
		}
	})
}

func (r *Relay) handleRpc(c echo.Context) error {
	req := &jsonRpcRequest{}
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusOK, rpcError(nil, rpcInvalidParams, "cannot parse request", nil))
	}

	switch req.Method {
	case "eth_sendUserOperation":
		return c.JSON(http.StatusOK, r.rpcSendUserOperation(req))
	case "eth_estimateUserOperationGas":
		return c.JSON(http.StatusOK, r.rpcEstimateGas(c.Request().Context(), req))
	case "eth_supportedEntryPoints":
		return c.JSON(http.StatusOK, rpcResult(req.ID, []string{r.config.EntrypointAddress.Hex()}))
	case "eth_chainId":
		return c.JSON(http.StatusOK, rpcResult(req.ID, fmt.Sprintf("0x%x", r.chainID)))
	case "aa_getUserOperationStatus":
		return c.JSON(http.StatusOK, r.rpcOperationStatus(req))
	case "aa_cancelUserOperation":
		return c.JSON(http.StatusOK, r.rpcCancelOperation(req))
	default:
		return c.JSON(http.StatusOK, rpcError(req.ID, rpcMethodNotFound, fmt.Sprintf("method %s is not supported", req.Method), nil))
	}
}

func (r *Relay) rpcSendUserOperation(req *jsonRpcRequest) *jsonRpcResponse {
	if len(req.Params) < 1 {
		return rpcError(req.ID, rpcInvalidParams, "missing user operation", nil)
	}

	op := &userop.UserOperation{}
	if err := json.Unmarshal(req.Params[0], op); err != nil {
		return rpcError(req.ID, rpcInvalidParams, fmt.Sprintf("cannot parse user operation: %v", err), nil)
	}

	id, err := r.engine.Submit(op)
	if err != nil {
		var dup *relayengine.DuplicateError
		if errors.As(err, &dup) {
			return rpcError(req.ID, rpcServerError, relayengine.DuplicateSubmissionError, map[string]string{
				"operationId": dup.ExistingID,
			})
		}
		return rpcError(req.ID, rpcInvalidParams, err.Error(), nil)
	}

	return rpcResult(req.ID, map[string]string{
		"operationId": id,
		"status":      string(relayengine.StatusQueued),
	})
}

func (r *Relay) rpcEstimateGas(ctx context.Context, req *jsonRpcRequest) *jsonRpcResponse {
	if r.upstream == nil {
		return rpcError(req.ID, rpcServerError, "no upstream configured", nil)
	}
	if len(req.Params) < 1 {
		return rpcError(req.ID, rpcInvalidParams, "missing user operation", nil)
	}

	op := &userop.UserOperation{}
	if err := json.Unmarshal(req.Params[0], op); err != nil {
		return rpcError(req.ID, rpcInvalidParams, fmt.Sprintf("cannot parse user operation: %v", err), nil)
	}

	result, err := r.upstream.EstimateUserOperationGas(ctx, op, r.config.EntrypointAddress)
	if err != nil {
		return rpcError(req.ID, rpcServerError, err.Error(), nil)
	}

	return rpcResult(req.ID, result)
}

func (r *Relay) rpcOperationStatus(req *jsonRpcRequest) *jsonRpcResponse {
	var id string
	if len(req.Params) < 1 || json.Unmarshal(req.Params[0], &id) != nil || id == "" {
		return rpcError(req.ID, rpcInvalidParams, "missing operation id", nil)
	}

	rec, err := r.engine.Status(id)
	if err != nil {
		if errors.Is(err, relayengine.ErrOperationNotFound) {
			return rpcError(req.ID, rpcServerError, err.Error(), nil)
		}
		return rpcError(req.ID, rpcServerError, InternalError, nil)
	}

	return rpcResult(req.ID, rec)
}

func (r *Relay) rpcCancelOperation(req *jsonRpcRequest) *jsonRpcResponse {
	var id string
	if len(req.Params) < 1 || json.Unmarshal(req.Params[0], &id) != nil || id == "" {
		return rpcError(req.ID, rpcInvalidParams, "missing operation id", nil)
	}

	if err := r.engine.Cancel(id); err != nil {
		return rpcError(req.ID, rpcServerError, err.Error(), nil)
	}

	return rpcResult(req.ID, map[string]string{
		"operationId": id,
		"status":      string(relayengine.StatusFailed),
	})
}

func (r *Relay) handleSponsor(c echo.Context) error {
	if r.gate == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "paymaster is not enabled"})
	}

	req := &paymaster.SponsorRequest{}
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "cannot parse request"})
	}

	result, err := r.gate.Sponsor(c.Request().Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, paymaster.ErrScopeDenied):
			return c.JSON(http.StatusForbidden, map[string]string{"error": err.Error()})
		case errors.Is(err, paymaster.ErrLimitReached):
			return c.JSON(http.StatusTooManyRequests, map[string]string{"error": err.Error()})
		case errors.Is(err, paymaster.ErrSessionInvalid):
			return c.JSON(http.StatusForbidden, map[string]string{"error": err.Error()})
		default:
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
	}

	return c.JSON(http.StatusOK, result)
}

type revokeRequest struct {
	Wallet string `json:"wallet"`
	Scope  string `json:"scope"`
}

func (r *Relay) handleRevoke(c echo.Context) error {
	if r.gate == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "paymaster is not enabled"})
	}

	req := &revokeRequest{}
	if err := c.Bind(req); err != nil || !common.IsHexAddress(req.Wallet) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid wallet address"})
	}

	if err := r.gate.Revoke(common.HexToAddress(req.Wallet), req.Scope); err != nil {
		if errors.Is(err, paymaster.ErrScopeDenied) {
			return c.JSON(http.StatusForbidden, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": InternalError})
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "revoked"})
}

func (r *Relay) handleAllowances(c echo.Context) error {
	if r.gate == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "paymaster is not enabled"})
	}

	wallet := c.Param("wallet")
	if !common.IsHexAddress(wallet) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid wallet address"})
	}

	allowances, err := r.gate.Allowances(common.HexToAddress(wallet))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": InternalError})
	}

	return c.JSON(http.StatusOK, allowances)
}

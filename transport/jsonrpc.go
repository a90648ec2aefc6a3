package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

// JSONRPCConfig configures the default HTTP transport.
type JSONRPCConfig struct {
	URL            string
	Database       string
	Timeout        time.Duration
	MaxConnections int
}

// JSONRPC is the default Executor. It speaks Odoo's JSON-RPC envelope over a
// pooled HTTP client with keepalives enabled.
type JSONRPC struct {
	config  JSONRPCConfig
	client  *http.Client
	logger  *zap.Logger
	nextID  atomic.Int64
	uid     atomic.Int64
	session atomic.Value // string
}

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
	ID      int64     `json:"id"`
}

type rpcParams struct {
	Service string `json:"service"`
	Method  string `json:"method"`
	Args    []any  `json:"args"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data"`
}

// NewJSONRPC creates the default transport. The HTTP client uses a dedicated
// pool so concurrent RPCs reuse connections instead of dialing per call.
func NewJSONRPC(config JSONRPCConfig, logger *zap.Logger) *JSONRPC {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = 10
	}

	transport := &http.Transport{
		MaxIdleConns:        config.MaxConnections,
		MaxIdleConnsPerHost: config.MaxConnections,
		MaxConnsPerHost:     config.MaxConnections,
		IdleConnTimeout:     90 * time.Second,
	}

	return &JSONRPC{
		config: config,
		client: &http.Client{Transport: transport},
		logger: logger,
	}
}

// Authenticate performs the login handshake and stores the resulting uid for
// subsequent ExecuteKW calls.
func (t *JSONRPC) Authenticate(ctx context.Context, db, login, password string) (int64, error) {
	result, err := t.call(ctx, "common", "authenticate", []any{db, login, password, map[string]any{}})
	if err != nil {
		return 0, err
	}

	var uid int64
	if err := json.Unmarshal(result, &uid); err != nil {
		// Odoo returns false for rejected credentials.
		return 0, NewError(KindAuthentication, "invalid credentials", nil)
	}
	if uid <= 0 {
		return 0, NewError(KindAuthentication, "invalid credentials", nil)
	}

	t.uid.Store(uid)
	t.session.Store(password)
	t.logger.Debug("authenticated", zap.String("db", db), zap.Int64("uid", uid))
	return uid, nil
}

// ExecuteKW implements Executor.
func (t *JSONRPC) ExecuteKW(ctx context.Context, model, method string, args []any, kwargs map[string]any) (any, error) {
	uid := t.uid.Load()
	if uid == 0 {
		return nil, NewError(KindAuthentication, "not authenticated", nil)
	}
	password, _ := t.session.Load().(string)
	if kwargs == nil {
		kwargs = map[string]any{}
	}

	raw, err := t.call(ctx, "object", "execute_kw",
		[]any{t.config.Database, uid, password, model, method, args, kwargs})
	if err != nil {
		return nil, err
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, NewError(KindServer, fmt.Sprintf("malformed result for %s.%s", model, method), err)
	}
	return value, nil
}

// Close releases the underlying connection pool.
func (t *JSONRPC) Close() {
	t.client.CloseIdleConnections()
	t.uid.Store(0)
}

func (t *JSONRPC) call(ctx context.Context, service, method string, args []any) (json.RawMessage, error) {
	payload := rpcRequest{
		JSONRPC: "2.0",
		Method:  "call",
		Params:  rpcParams{Service: service, Method: method, Args: args},
		ID:      t.nextID.Add(1),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, NewError(KindValidation, "failed to encode request", err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL+"/jsonrpc", bytes.NewReader(body))
	if err != nil {
		return nil, NewError(KindValidation, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, classifyNetError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewError(KindConnection, "failed to read response", err)
	}

	t.logger.Debug("rpc call",
		zap.String("service", service),
		zap.String("method", method),
		zap.Duration("duration", time.Since(start)),
	)

	var parsed rpcResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, NewError(KindServer, "malformed JSON-RPC response", err)
	}
	if parsed.Error != nil {
		return nil, classifyServerError(parsed.Error)
	}
	return parsed.Result, nil
}

func classifyNetError(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTimeout, "request deadline exceeded", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewError(KindTimeout, "request timed out", err)
	}
	return NewError(KindConnection, "server unreachable", err)
}

// classifyServerError maps Odoo's exception names onto transport error kinds.
func classifyServerError(e *rpcError) *Error {
	name := ""
	if e.Data != nil {
		if n, ok := e.Data["name"].(string); ok {
			name = n
		}
	}
	message := e.Message
	if e.Data != nil {
		if m, ok := e.Data["message"].(string); ok && m != "" {
			message = m
		}
	}

	kind := KindServer
	switch {
	case strings.Contains(name, "AccessDenied"), strings.Contains(name, "SessionExpired"):
		kind = KindAuthentication
	case strings.Contains(name, "AccessError"):
		kind = KindAccess
	case strings.Contains(name, "ValidationError"), strings.Contains(name, "UserError"):
		kind = KindValidation
	}

	err := NewError(kind, message, nil)
	err.Data = e.Data
	return err
}

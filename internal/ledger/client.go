package ledger

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eldtechnologies/questrelay/internal/metrics"
)

var ErrAccountNotFound = errors.New("ledger account not found")

// Reader fetches raw account bytes by address.
type Reader interface {
	AccountBytes(ctx context.Context, address string) ([]byte, error)
}

// RPCClient reads accounts through a JSON-RPC getAccountInfo endpoint.
type RPCClient struct {
	url        string
	httpClient *http.Client
	nextID     atomic.Int64
}

// NewRPCClient creates a ledger reader for the given RPC URL.
func NewRPCClient(url string, timeout time.Duration) *RPCClient {
	return &RPCClient{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type accountInfoResponse struct {
	Result *struct {
		Value *struct {
			Data []string `json:"data"`
		} `json:"value"`
	} `json:"result"`
	Error *rpcError `json:"error"`
}

// AccountBytes returns the decoded account data, or ErrAccountNotFound when
// the ledger reports a null value.
func (c *RPCClient) AccountBytes(ctx context.Context, address string) ([]byte, error) {
	start := time.Now()
	defer func() {
		metrics.LedgerLatency.Observe(time.Since(start).Seconds())
	}()

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  "getAccountInfo",
		Params:  []interface{}{address, map[string]string{"encoding": "base64"}},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ledger rpc: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ledger rpc: unexpected status %d", resp.StatusCode)
	}

	var out accountInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("ledger rpc: decode response: %w", err)
	}
	if out.Error != nil {
		return nil, fmt.Errorf("ledger rpc: %d %s", out.Error.Code, out.Error.Message)
	}
	if out.Result == nil || out.Result.Value == nil || len(out.Result.Value.Data) == 0 {
		return nil, ErrAccountNotFound
	}

	data, err := base64.StdEncoding.DecodeString(out.Result.Value.Data[0])
	if err != nil {
		return nil, fmt.Errorf("ledger rpc: account data: %w", err)
	}
	return data, nil
}

// MemoryLedger is an in-process Reader used in development and tests.
type MemoryLedger struct {
	mu       sync.RWMutex
	accounts map[string][]byte
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{accounts: make(map[string][]byte)}
}

// SetAccount stores raw account bytes under address.
func (m *MemoryLedger) SetAccount(address string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[address] = append([]byte(nil), data...)
}

// AccountBytes implements Reader.
func (m *MemoryLedger) AccountBytes(ctx context.Context, address string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.accounts[address]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return append([]byte(nil), data...), nil
}

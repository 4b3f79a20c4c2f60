package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/photopay/payment-engine/internal/metrics"
)

// DefaultTimeout bounds every RPC round trip.
const DefaultTimeout = 12 * time.Second

// RPCClient talks JSON-RPC 2.0 to a Solana node over HTTP.
//
// Close drains in-flight calls before the underlying connections are
// released; calls made after Close fail with ErrClosed.
type RPCClient struct {
	endpoint string
	http     *resty.Client

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
	base     context.Context
	abort    context.CancelFunc
	nextID   atomic.Uint64
}

// NewRPCClient creates a client for the node at endpoint. A non-positive
// timeout selects DefaultTimeout.
func NewRPCClient(endpoint string, timeout time.Duration) *RPCClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	base, abort := context.WithCancel(context.Background())
	return &RPCClient{
		endpoint: endpoint,
		http: resty.New().
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
		base:  base,
		abort: abort,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// --- Ledger reads ---

type wireTransaction struct {
	Slot      uint64 `json:"slot"`
	BlockTime *int64 `json:"blockTime"`
	Meta      *struct {
		Err json.RawMessage `json:"err"`
	} `json:"meta"`
	Transaction struct {
		Signatures []string `json:"signatures"`
		Message    struct {
			Instructions []wireInstruction `json:"instructions"`
		} `json:"message"`
	} `json:"transaction"`
}

type wireInstruction struct {
	Program   string          `json:"program"`
	ProgramID string          `json:"programId"`
	Parsed    json.RawMessage `json:"parsed"`
}

type wireParsed struct {
	Type string `json:"type"`
	Info struct {
		Source      string  `json:"source"`
		Destination string  `json:"destination"`
		Lamports    *uint64 `json:"lamports"`
	} `json:"info"`
}

// FetchTransaction returns the committed transaction for signature, or
// ErrNotFound when the node has no record of it yet.
func (c *RPCClient) FetchTransaction(ctx context.Context, signature string) (*Transaction, error) {
	const method = "getTransaction"
	raw, err := c.call(ctx, method, []any{
		signature,
		map[string]any{
			"encoding":                       "jsonParsed",
			"maxSupportedTransactionVersion": 0,
			"commitment":                     "confirmed",
		},
	})
	if err != nil {
		return nil, err
	}
	if isNull(raw) {
		return nil, fmt.Errorf("%w: transaction %s", ErrNotFound, signature)
	}

	var wt wireTransaction
	if err := json.Unmarshal(raw, &wt); err != nil {
		return nil, c.malformed(method, fmt.Errorf("decode transaction: %v", err))
	}
	if wt.Meta == nil {
		return nil, c.malformed(method, errors.New("transaction without meta"))
	}

	tx := &Transaction{
		Signature: signature,
		Slot:      wt.Slot,
		Err:       wt.Meta.Err,
	}
	if wt.BlockTime != nil {
		bt := time.Unix(*wt.BlockTime, 0).UTC()
		tx.BlockTime = &bt
	}

	for i, wi := range wt.Transaction.Message.Instructions {
		ix := Instruction{Program: wi.Program, ProgramID: wi.ProgramID}
		// Unparsed instructions carry base58 data instead; memo-like programs
		// parse to a bare string. Only objects can be transfers.
		if len(wi.Parsed) > 0 && wi.Parsed[0] == '{' {
			var p wireParsed
			if err := json.Unmarshal(wi.Parsed, &p); err != nil {
				return nil, c.malformed(method, fmt.Errorf("decode instruction %d: %v", i, err))
			}
			ix.Type = p.Type
			if p.Type == "transfer" && p.Info.Lamports != nil {
				ix.Transfer = &Transfer{
					Source:      p.Info.Source,
					Destination: p.Info.Destination,
					Lamports:    *p.Info.Lamports,
				}
			}
		}
		tx.Instructions = append(tx.Instructions, ix)
	}

	return tx, nil
}

// FetchSignatureStatus returns the confirmation level reached by signature.
// LevelUnknown means the node has not seen it.
func (c *RPCClient) FetchSignatureStatus(ctx context.Context, signature string) (ConfirmationLevel, error) {
	const method = "getSignatureStatuses"
	raw, err := c.call(ctx, method, []any{
		[]string{signature},
		map[string]any{"searchTransactionHistory": true},
	})
	if err != nil {
		return LevelUnknown, err
	}

	var out struct {
		Value []*struct {
			ConfirmationStatus string `json:"confirmationStatus"`
		} `json:"value"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return LevelUnknown, c.malformed(method, fmt.Errorf("decode statuses: %v", err))
	}
	if len(out.Value) != 1 {
		return LevelUnknown, c.malformed(method, fmt.Errorf("expected 1 status, got %d", len(out.Value)))
	}
	if out.Value[0] == nil {
		return LevelUnknown, nil
	}

	level, err := ParseConfirmationLevel(out.Value[0].ConfirmationStatus)
	if err != nil {
		return LevelUnknown, c.malformed(method, err)
	}
	return level, nil
}

// FetchRecentBlockReference returns the latest finalized blockhash.
func (c *RPCClient) FetchRecentBlockReference(ctx context.Context) (*BlockReference, error) {
	const method = "getLatestBlockhash"
	raw, err := c.call(ctx, method, []any{
		map[string]any{"commitment": "finalized"},
	})
	if err != nil {
		return nil, err
	}

	var out struct {
		Value *struct {
			Blockhash            string `json:"blockhash"`
			LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
		} `json:"value"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, c.malformed(method, fmt.Errorf("decode blockhash: %v", err))
	}
	if out.Value == nil || out.Value.Blockhash == "" {
		return nil, c.malformed(method, errors.New("missing blockhash"))
	}

	return &BlockReference{
		Blockhash:            out.Value.Blockhash,
		LastValidBlockHeight: out.Value.LastValidBlockHeight,
	}, nil
}

// Close stops accepting calls and waits for in-flight ones. If ctx expires
// first, the remaining calls are aborted (they surface ErrTransport) before
// idle connections are released.
func (c *RPCClient) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		c.abort()
		<-done
	}
	c.abort()
	c.http.GetClient().CloseIdleConnections()
	return err
}

// --- JSON-RPC plumbing ---

func (c *RPCClient) call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.inflight.Add(1)
	c.mu.Unlock()
	defer c.inflight.Done()

	// Abort with the client as well as with the caller.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.base, cancel)
	defer stop()

	start := time.Now()
	raw, err := c.roundTrip(ctx, method, params)
	metrics.LedgerLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
	metrics.LedgerRequests.WithLabelValues(method, outcomeLabel(err)).Inc()
	return raw, err
}

func (c *RPCClient) roundTrip(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(rpcRequest{
			JSONRPC: "2.0",
			ID:      c.nextID.Add(1),
			Method:  method,
			Params:  params,
		}).
		Post(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTransport, method, err)
	}

	status := resp.StatusCode()
	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: %s: http %d", ErrTransport, method, status)
	}
	if status != http.StatusOK {
		return nil, c.malformed(method, fmt.Errorf("http %d", status))
	}

	var rr rpcResponse
	if err := json.Unmarshal(resp.Body(), &rr); err != nil {
		return nil, c.malformed(method, fmt.Errorf("decode envelope: %v", err))
	}
	if rr.Error != nil {
		// -32000..-32099 are node-side conditions (unhealthy, behind, slot
		// skipped); everything else means the request or response is wrong.
		if rr.Error.Code <= -32000 && rr.Error.Code >= -32099 {
			return nil, fmt.Errorf("%w: %s: rpc %d %s", ErrTransport, method, rr.Error.Code, rr.Error.Message)
		}
		return nil, c.malformed(method, fmt.Errorf("rpc %d %s", rr.Error.Code, rr.Error.Message))
	}
	return rr.Result, nil
}

func (c *RPCClient) malformed(method string, cause error) error {
	slog.Error("ledger returned malformed response", "method", method, "err", cause)
	return fmt.Errorf("%w: %s: %v", ErrMalformed, method, cause)
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTransport):
		return "transport"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	default:
		return "error"
	}
}

// Package gateway is a best-effort client for the transaction acceleration
// gateway. Nothing here returns an error: every failure degrades to an
// Unavailable result carrying the reason, and callers proceed without the
// optimization.
package gateway

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/photopay/payment-engine/internal/metrics"
)

const (
	DefaultBaseURL = "https://transaction.sanctum.so"
	DefaultTimeout = 5 * time.Second

	// ReasonDisabled is reported when the gateway is switched off.
	ReasonDisabled = "disabled"
)

// Result is either an optimized value or the reason it is unavailable.
type Result[T any] struct {
	Value  T
	OK     bool
	Reason string
}

// Optimized wraps a value the gateway produced.
func Optimized[T any](v T) Result[T] {
	return Result[T]{Value: v, OK: true}
}

// Unavailable reports that the gateway could not help.
func Unavailable[T any](reason string) Result[T] {
	return Result[T]{Reason: reason}
}

// Submission is the gateway's acknowledgement of a relayed transaction.
type Submission struct {
	Signature string `json:"signature"`
	Slot      uint64 `json:"slot"`
}

// Config selects and tunes the gateway.
type Config struct {
	Enabled bool
	BaseURL string
	Timeout time.Duration
}

// Client talks to the gateway over HTTP.
type Client struct {
	enabled bool
	http    *resty.Client
}

// New creates a gateway client. A disabled client never touches the network.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		enabled: cfg.Enabled,
		http: resty.New().
			SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
			SetTimeout(cfg.Timeout).
			SetHeader("Accept", "application/json"),
	}
}

// Enabled reports whether the gateway is switched on.
func (c *Client) Enabled() bool { return c.enabled }

// PriorityFee returns the recommended priority fee in micro-lamports.
func (c *Client) PriorityFee(ctx context.Context) Result[uint64] {
	const op = "priority_fee"
	if !c.enabled {
		return Unavailable[uint64](ReasonDisabled)
	}

	var out struct {
		PriorityFee *uint64 `json:"priorityFee"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/v1/priority-fee")
	if kind, reason := failure(ctx, resp, err); kind != "" {
		return degrade[uint64](op, kind, reason)
	}
	if out.PriorityFee == nil {
		return degrade[uint64](op, "malformed", "missing priorityFee")
	}
	return Optimized(*out.PriorityFee)
}

// Submit relays a signed, serialized transaction.
func (c *Client) Submit(ctx context.Context, signedTx []byte) Result[Submission] {
	const op = "submit"
	if !c.enabled {
		return Unavailable[Submission](ReasonDisabled)
	}

	var out Submission
	var apiErr struct {
		Error string `json:"error"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"transaction": base64.StdEncoding.EncodeToString(signedTx),
			"options": map[string]any{
				"skipPreflight": false,
				"maxRetries":    3,
			},
		}).
		SetResult(&out).
		SetError(&apiErr).
		Post("/v1/submit")
	if kind, reason := failure(ctx, resp, err); kind != "" {
		if apiErr.Error != "" {
			reason = apiErr.Error
		}
		return degrade[Submission](op, kind, reason)
	}
	if out.Signature == "" {
		return degrade[Submission](op, "malformed", "missing signature")
	}
	return Optimized(out)
}

// TransactionStatus returns the gateway's view of a relayed transaction.
func (c *Client) TransactionStatus(ctx context.Context, signature string) Result[map[string]any] {
	const op = "transaction_status"
	if !c.enabled {
		return Unavailable[map[string]any](ReasonDisabled)
	}

	out := map[string]any{}
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("signature", signature).
		SetResult(&out).
		Get("/v1/transaction/{signature}")
	if kind, reason := failure(ctx, resp, err); kind != "" {
		return degrade[map[string]any](op, kind, reason)
	}
	return Optimized(out)
}

// failure classifies a gateway response. An empty kind means success.
func failure(ctx context.Context, resp *resty.Response, err error) (kind, reason string) {
	switch {
	case ctx.Err() != nil:
		return "timeout", ctx.Err().Error()
	case err != nil:
		return "transport", err.Error()
	case resp.StatusCode() != http.StatusOK:
		return "status", fmt.Sprintf("http %d", resp.StatusCode())
	}
	return "", ""
}

func degrade[T any](op, kind, reason string) Result[T] {
	metrics.GatewayDegradations.WithLabelValues(op, kind).Inc()
	slog.Warn("gateway unavailable, continuing without optimization", "op", op, "reason", reason)
	return Unavailable[T](reason)
}

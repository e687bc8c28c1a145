// Package paystack is a client for the Paystack-compatible payment gateway:
// transaction initialize and verify, bank account resolution, and webhook
// signature checks.
package paystack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/circuitbreaker"
	"github.com/safehold/safehold/internal/metrics"
	"github.com/safehold/safehold/internal/money"
	"github.com/safehold/safehold/internal/retry"
	"github.com/safehold/safehold/internal/traces"
)

// DefaultBaseURL is the public Paystack API.
const DefaultBaseURL = "https://api.paystack.co"

const (
	defaultTimeout     = 15 * time.Second
	defaultMaxAttempts = 3
	retryBaseDelay     = 200 * time.Millisecond
	maxResponseBytes   = 1 << 20
)

// APIError is a 4xx answer, or a 2xx envelope with status false. It is the
// gateway refusing the request, not the gateway being down, so it is
// neither retried nor counted against the circuit.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("paystack: %d: %s", e.StatusCode, e.Message)
}

// Client calls the gateway. Each operation has its own circuit.
type Client struct {
	baseURL     string
	secretKey   string
	http        *http.Client
	breaker     *circuitbreaker.Breaker
	maxAttempts int
	logger      *slog.Logger
}

// NewClient creates a client authenticating with secretKey. An empty
// baseURL selects DefaultBaseURL.
func NewClient(baseURL, secretKey string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		secretKey:   secretKey,
		http:        &http.Client{Timeout: defaultTimeout},
		breaker:     circuitbreaker.New(5, 30*time.Second),
		maxAttempts: defaultMaxAttempts,
		logger:      slog.Default(),
	}
}

// WithHTTPClient replaces the HTTP client.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

// WithBreaker replaces the circuit breaker.
func (c *Client) WithBreaker(b *circuitbreaker.Breaker) *Client {
	c.breaker = b
	return c
}

// WithMaxAttempts bounds retries of calls that failed with a transport
// error or 5xx.
func (c *Client) WithMaxAttempts(n int) *Client {
	if n > 0 {
		c.maxAttempts = n
	}
	return c
}

// WithLogger sets the client logger.
func (c *Client) WithLogger(logger *slog.Logger) *Client {
	c.logger = logger
	return c
}

// InitializeRequest starts a hosted checkout.
type InitializeRequest struct {
	Email       string
	Amount      money.Amount
	Reference   string
	CallbackURL string
	Metadata    map[string]string
}

// Initialization is the gateway's answer to InitializeRequest.
type Initialization struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

// Transaction is a verified gateway transaction.
type Transaction struct {
	Reference string            `json:"reference"`
	Status    string            `json:"status"`
	Amount    money.Amount      `json:"-"`
	Currency  string            `json:"currency"`
	Channel   string            `json:"channel"`
	PaidAt    *time.Time        `json:"paid_at"`
	Metadata  map[string]string `json:"-"`
}

// Successful reports whether the gateway settled the charge.
func (t *Transaction) Successful() bool { return t.Status == "success" }

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Initialize creates a checkout for req and returns where to send the payer.
func (c *Client) Initialize(ctx context.Context, req InitializeRequest) (*Initialization, error) {
	body := map[string]any{
		"email":     req.Email,
		"amount":    req.Amount.Kobo(),
		"reference": req.Reference,
	}
	if req.CallbackURL != "" {
		body["callback_url"] = req.CallbackURL
	}
	if len(req.Metadata) > 0 {
		body["metadata"] = req.Metadata
	}
	var out Initialization
	if err := c.do(ctx, "initialize", http.MethodPost, "/transaction/initialize", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Verify fetches the transaction for reference.
func (c *Client) Verify(ctx context.Context, reference string) (*Transaction, error) {
	var raw struct {
		Transaction
		Amount   int64           `json:"amount"`
		Metadata json.RawMessage `json:"metadata"`
	}
	err := c.do(ctx, "verify", http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil, &raw)
	if err != nil {
		return nil, err
	}
	tx := raw.Transaction
	tx.Amount = money.Amount(raw.Amount)
	tx.Metadata = DecodeMetadata(raw.Metadata)
	return &tx, nil
}

// ResolveAccountName returns the name registered on a bank account.
func (c *Client) ResolveAccountName(ctx context.Context, accountNumber, bankCode string) (string, error) {
	q := url.Values{"account_number": {accountNumber}, "bank_code": {bankCode}}
	var out struct {
		AccountName string `json:"account_name"`
	}
	err := c.do(ctx, "resolve", http.MethodGet, "/bank/resolve?"+q.Encode(), nil, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return "", fmt.Errorf("%w: account could not be resolved: %s", apperr.ErrInvalidInput, apiErr.Message)
	}
	if err != nil {
		return "", err
	}
	return out.AccountName, nil
}

// DecodeMetadata accepts metadata as an object or as a JSON-encoded string
// holding one; the gateway returns both. Non-string values are dropped.
func DecodeMetadata(raw json.RawMessage) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		raw = json.RawMessage(s)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil
	}
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) (err error) {
	ctx, span := traces.StartSpan(ctx, "paystack."+op)
	defer func() { traces.End(span, err) }()

	var payload []byte
	if body != nil {
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("paystack: encode %s request: %w", op, err)
		}
	}

	countable := func(err error) bool {
		var apiErr *APIError
		return !errors.As(err, &apiErr)
	}
	err = c.breaker.Execute("paystack_"+op, countable, func() error {
		return retry.DoIf(ctx, c.maxAttempts, retryBaseDelay, countable, func() error {
			return c.send(ctx, method, path, payload, out)
		})
	})

	result := "ok"
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		result = "open"
		err = fmt.Errorf("%w: %w", apperr.ErrGatewayUnavailable, err)
	case err != nil && countable(err):
		result = "error"
	case err != nil:
		result = "rejected"
	}
	metrics.GatewayRequestsTotal.WithLabelValues(op, result).Inc()
	if result == "error" || result == "open" {
		c.logger.Warn("payment gateway call failed", "operation", op, "error", err)
	}
	return err
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", apperr.ErrGatewayUnavailable, err)
	}

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: status %d", apperr.ErrGatewayUnavailable, resp.StatusCode)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 300 {
			return &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return fmt.Errorf("%w: malformed response: %v", apperr.ErrGatewayUnavailable, err)
	}
	if resp.StatusCode >= 300 || !env.Status {
		return &APIError{StatusCode: resp.StatusCode, Message: env.Message}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%w: malformed data: %v", apperr.ErrGatewayUnavailable, err)
		}
	}
	return nil
}

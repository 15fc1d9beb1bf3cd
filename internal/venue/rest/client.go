// Package rest is a venue bridge speaking signed JSON over HTTPS. Each
// order carries its idempotency token as the request nonce.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/posengine/internal/crypto"
	"github.com/alanyoungcy/posengine/internal/domain"
)

// Config describes one REST venue.
type Config struct {
	Name    string
	BaseURL string // e.g. "https://api.example.com/v1"
	Symbols []string
	Timeout time.Duration
}

// Client implements domain.Venue, domain.MarkSource and
// domain.OrderCanceller against the REST bridge.
type Client struct {
	name       string
	baseURL    string
	auth       *crypto.HMACAuth
	symbols    map[string]struct{}
	httpClient *http.Client
	now        func() time.Time
}

// NewClient creates a REST venue client. An empty symbol list accepts any
// symbol.
func NewClient(cfg Config, auth *crypto.HMACAuth) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	symbols := make(map[string]struct{}, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		symbols[s] = struct{}{}
	}
	return &Client{
		name:       cfg.Name,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		auth:       auth,
		symbols:    symbols,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

// Name implements domain.Venue.
func (c *Client) Name() string { return c.name }

// Supports implements domain.Venue.
func (c *Client) Supports(symbol string) bool {
	if len(c.symbols) == 0 {
		return symbol != ""
	}
	_, ok := c.symbols[symbol]
	return ok
}

// SubmitOrder posts one order. The token travels as the signed nonce.
func (c *Client) SubmitOrder(ctx context.Context, req domain.SubmitRequest) (domain.SubmitResult, error) {
	body := orderRequest{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          string(req.Side),
		Size:          req.Size,
		SizeType:      string(req.SizeType),
	}
	nonce := strconv.FormatUint(req.Token, 10)

	var resp orderResponse
	if err := c.do(ctx, http.MethodPost, "/orders", nonce, body, &resp); err != nil {
		return domain.SubmitResult{}, fmt.Errorf("rest: submit %s: %w", req.Symbol, err)
	}
	if strings.EqualFold(resp.Status, "rejected") {
		return domain.SubmitResult{}, fmt.Errorf("rest: submit %s: %w: %s", req.Symbol, domain.ErrOrderRejected, resp.Message)
	}
	return domain.SubmitResult{
		OrderID:      resp.OrderID,
		FillPrice:    resp.FillPrice.Float64(),
		FillQuantity: resp.FillQuantity.Float64(),
		Message:      resp.Message,
	}, nil
}

// GetBalance implements domain.Venue.
func (c *Client) GetBalance(ctx context.Context) (domain.BalanceSnapshot, error) {
	var resp balanceResponse
	if err := c.do(ctx, http.MethodGet, "/balance", "", nil, &resp); err != nil {
		return domain.BalanceSnapshot{}, fmt.Errorf("rest: get balance: %w", err)
	}
	return domain.BalanceSnapshot{
		TotalEquity:       resp.TotalEquity.Float64(),
		Available:         resp.Available.Float64(),
		LockedInPositions: resp.Locked.Float64(),
		CapturedAt:        c.now().UTC(),
	}, nil
}

// GetHoldings implements domain.Venue.
func (c *Client) GetHoldings(ctx context.Context) ([]domain.Holding, error) {
	var resp struct {
		Holdings []holdingJSON `json:"holdings"`
	}
	if err := c.do(ctx, http.MethodGet, "/holdings", "", nil, &resp); err != nil {
		return nil, fmt.Errorf("rest: get holdings: %w", err)
	}
	out := make([]domain.Holding, 0, len(resp.Holdings))
	for _, h := range resp.Holdings {
		out = append(out, domain.Holding{
			Symbol:        h.Symbol,
			Quantity:      h.Quantity.Float64(),
			NotionalValue: h.Notional.Float64(),
		})
	}
	return out, nil
}

// Marks implements domain.MarkSource.
func (c *Client) Marks(ctx context.Context, symbols []string) (map[string]float64, error) {
	if len(symbols) == 0 {
		return map[string]float64{}, nil
	}
	path := "/marks?" + url.Values{"symbols": {strings.Join(symbols, ",")}}.Encode()

	var resp struct {
		Marks map[string]flexFloat `json:"marks"`
	}
	if err := c.do(ctx, http.MethodGet, path, "", nil, &resp); err != nil {
		return nil, fmt.Errorf("rest: get marks: %w", err)
	}
	out := make(map[string]float64, len(resp.Marks))
	for sym, p := range resp.Marks {
		if v := p.Float64(); domain.PositiveFinite(v) {
			out[sym] = v
		}
	}
	return out, nil
}

// CancelAll implements domain.OrderCanceller.
func (c *Client) CancelAll(ctx context.Context) (int, error) {
	var resp struct {
		Cancelled int `json:"cancelled"`
	}
	if err := c.do(ctx, http.MethodDelete, "/orders", "", nil, &resp); err != nil {
		return 0, fmt.Errorf("rest: cancel all: %w", err)
	}
	return resp.Cancelled, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// do builds, signs, sends and decodes one request.
func (c *Client) do(ctx context.Context, method, path, nonce string, reqBody, out any) error {
	var payload []byte
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		payload = b
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.auth != nil {
		for k, v := range c.auth.HeadersAt(method, path, nonce, string(payload), c.now().UnixMilli()) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := checkStatus(resp.StatusCode, respBody); err != nil {
		return err
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// checkStatus maps non-2xx responses to domain errors. 5xx and unknown
// codes stay unclassified so the caller treats the outcome as unknown.
func checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr errorResponse
	_ = json.Unmarshal(body, &apiErr)

	switch {
	case statusCode == http.StatusConflict && apiErr.Code == "stale_nonce":
		return fmt.Errorf("%w: %s", domain.ErrStaleToken, apiErr.Message)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s (%s)", domain.ErrUnauthorized, apiErr.Message, apiErr.Code)
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, apiErr.Message)
	case statusCode == http.StatusNotFound && apiErr.Code == "unknown_symbol":
		return fmt.Errorf("%w: %s", domain.ErrUnsupportedSymbol, apiErr.Message)
	case statusCode == http.StatusBadRequest || statusCode == http.StatusUnprocessableEntity || statusCode == http.StatusConflict:
		return fmt.Errorf("%w: %s (%s)", domain.ErrOrderRejected, apiErr.Message, apiErr.Code)
	default:
		return &StatusError{Code: statusCode, Message: apiErr.Message}
	}
}

// StatusError is an unclassified HTTP failure.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Message)
}


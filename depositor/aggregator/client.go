package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/piggyvault/piggy-hub/depositor/models"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var log zerolog.Logger

func init() {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log = zerolog.New(out).With().Timestamp().Str("component", "aggregator").Logger()
}

// SetLogHook attaches a hook to the package logger
func SetLogHook(h zerolog.Hook) {
	log = log.Hook(h)
}

// maxErrorBody limits how much of an error response is kept for diagnostics
const maxErrorBody = 2048

// Client talks to the backend proxy in front of the swap aggregation service.
// The same proxy serves the price feed and the token list.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	retry      RetryPolicy
}

// ClientConfig configures a Client
type ClientConfig struct {
	// BaseURL of the proxy, e.g. https://api.example.com
	BaseURL string
	// APIKey is sent as a bearer token when set
	APIKey string
	// Timeout is the HTTP request timeout
	Timeout time.Duration
	// Retry is applied to every call
	Retry RetryPolicy
}

// NewClient creates a new aggregator Client
func NewClient(config ClientConfig) (*Client, error) {
	parsed, err := url.Parse(config.BaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid aggregator url %q", config.BaseURL)
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry = DefaultRetryPolicy()
	}

	log.Info().
		Str("url", config.BaseURL).
		Int("max_attempts", config.Retry.MaxAttempts).
		Msg("Aggregator client initialized")

	return &Client{
		httpClient: &http.Client{Timeout: config.Timeout},
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		apiKey:     config.APIKey,
		retry:      config.Retry,
	}, nil
}

// Approve requests approval transactions for the given tokens.
func (c *Client) Approve(ctx context.Context, req models.ApproveRequest) (*models.ApproveResponse, error) {
	if err := validateAligned(req.Tokens, req.Amounts); err != nil {
		return nil, err
	}

	var resp models.ApproveResponse
	if err := c.call(ctx, "approve", http.MethodPost, "/convert/approve", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.ApproveDatas) != len(req.Tokens) {
		return nil, fmt.Errorf("%w: expected %d approve datas, got %d",
			models.ErrUpstreamUnavailable, len(req.Tokens), len(resp.ApproveDatas))
	}
	return &resp, nil
}

// Swap requests swap transactions converting the given tokens into req.DstTokenAddress.
func (c *Client) Swap(ctx context.Context, req models.SwapRequest) (*models.SwapResponse, error) {
	if err := validateAligned(req.Tokens, req.Amounts); err != nil {
		return nil, err
	}
	if !common.IsHexAddress(req.DstTokenAddress) {
		return nil, fmt.Errorf("%w: invalid destination token %q", models.ErrValidation, req.DstTokenAddress)
	}
	if !common.IsHexAddress(req.UserAddress) {
		return nil, fmt.Errorf("%w: invalid user address %q", models.ErrValidation, req.UserAddress)
	}

	var resp models.SwapResponse
	if err := c.call(ctx, "swap", http.MethodPost, "/convert/swap", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.SwapDatas) != len(req.Tokens) {
		return nil, fmt.Errorf("%w: expected %d swap datas, got %d",
			models.ErrUpstreamUnavailable, len(req.Tokens), len(resp.SwapDatas))
	}
	return &resp, nil
}

// Prices fetches USD spot prices keyed by lower-cased address.
// Addresses the feed does not know are returned with a zero price.
func (c *Client) Prices(ctx context.Context, chainID uint64, addresses []string) (map[string]decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal, len(addresses))
	if len(addresses) == 0 {
		return prices, nil
	}
	canonical := make([]string, 0, len(addresses))
	for _, a := range addresses {
		if !common.IsHexAddress(a) {
			return nil, fmt.Errorf("%w: invalid token address %q", models.ErrValidation, a)
		}
		addr := models.CanonicalAddress(a)
		if _, dup := prices[addr]; dup {
			continue
		}
		prices[addr] = decimal.Zero
		canonical = append(canonical, addr)
	}

	path := fmt.Sprintf("/tokens/prices/%d/%s", chainID, strings.Join(canonical, ","))
	var raw map[string]json.RawMessage
	if err := c.call(ctx, "prices", http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}

	for key, value := range raw {
		addr := models.CanonicalAddress(key)
		if _, wanted := prices[addr]; !wanted {
			continue
		}
		price, err := parsePrice(value)
		if err != nil {
			return nil, fmt.Errorf("failed to parse price for %s: %w", addr, err)
		}
		prices[addr] = price
	}
	return prices, nil
}

// TokenList fetches the tokens the aggregator can route on the given chain.
func (c *Client) TokenList(ctx context.Context, chainID uint64) ([]models.ListedToken, error) {
	var resp models.TokenListResponse
	path := fmt.Sprintf("/tokens/list/%d", chainID)
	if err := c.call(ctx, "token_list", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	tokens := make([]models.ListedToken, 0, len(resp.Tokens))
	for key, t := range resp.Tokens {
		if t.Address == "" {
			t.Address = key
		}
		tokens = append(tokens, t)
	}
	return tokens, nil
}

// call performs the request under the retry policy and decodes the response into out
func (c *Client) call(ctx context.Context, op, method, path string, body, out any) error {
	return c.retry.Do(ctx, op, func(ctx context.Context) error {
		respBody, err := c.doRequest(ctx, method, path, body)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("%w: failed to parse %s response: %v", models.ErrUpstreamUnavailable, op, err)
		}
		return nil
	})
}

// doRequest performs a single HTTP round trip and maps the status code onto
// the upstream error taxonomy
func (c *Client) doRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", models.ErrUpstreamUnavailable, err)
	}

	log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Msg("Aggregator response")

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}

	upErr := &models.UpstreamError{
		Status:     resp.StatusCode,
		Body:       truncate(string(respBody), maxErrorBody),
		RetryAfter: resp.Header.Get("Retry-After"),
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		upErr.Err = models.ErrUpstreamRateLimited
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		upErr.Err = models.ErrUpstreamRejected
	default:
		upErr.Err = models.ErrUpstreamUnavailable
	}
	return nil, upErr
}

func validateAligned(tokens, amounts []string) error {
	if len(tokens) == 0 {
		return fmt.Errorf("%w: no tokens given", models.ErrValidation)
	}
	if len(tokens) != len(amounts) {
		return fmt.Errorf("%w: %d tokens but %d amounts", models.ErrValidation, len(tokens), len(amounts))
	}
	for _, t := range tokens {
		if !common.IsHexAddress(t) {
			return fmt.Errorf("%w: invalid token address %q", models.ErrValidation, t)
		}
	}
	return nil
}

// parsePrice accepts both quoted and bare numbers; the feed has returned both
func parsePrice(raw json.RawMessage) (decimal.Decimal, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return decimal.Decimal{}, errors.New("price is neither a string nor a number")
	}
	return decimal.NewFromString(n.String())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(" + strconv.Itoa(len(s)-n) + " more bytes)"
}

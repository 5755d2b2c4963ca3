package ledgernet

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// HTTPClient talks to the network's public RPC gateway.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
}

type HTTPClientConfig struct {
	BaseURL string
	Timeout time.Duration
	// RatePerSecond caps outbound requests; zero disables throttling.
	RatePerSecond float64
	Burst         int
	// BearerToken, when set, is sent as an Authorization header.
	BearerToken string
}

func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse rpc url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return &HTTPClient{
		baseURL: base,
		token:   cfg.BearerToken,
		http:    &http.Client{Timeout: timeout},
		limiter: limiter,
	}, nil
}

type balanceResponse struct {
	Balance struct {
		ID      string      `json:"id"`
		Balance json.Number `json:"balance"`
	} `json:"balance"`
}

func (c *HTTPClient) GetBalance(ctx context.Context, identity string) (int64, error) {
	if !ValidIdentity(identity) {
		return 0, fmt.Errorf("invalid identity %q", identity)
	}
	var out balanceResponse
	if _, err := c.do(ctx, http.MethodGet, "/v1/balances/"+identity, nil, &out); err != nil {
		return 0, err
	}
	if out.Balance.Balance == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(out.Balance.Balance.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: balance %q: %v", ErrNetwork, out.Balance.Balance, err)
	}
	return v, nil
}

type broadcastRequest struct {
	EncodedTransaction string `json:"encodedTransaction"`
}

type broadcastResponse struct {
	PeersBroadcasted int    `json:"peersBroadcasted"`
	TransactionID    string `json:"transactionId"`
}

func (c *HTTPClient) Broadcast(ctx context.Context, tx SignedTransfer) (string, error) {
	if len(tx.Payload) == 0 {
		return "", fmt.Errorf("%w: empty payload", ErrBroadcast)
	}
	body := broadcastRequest{EncodedTransaction: base64.StdEncoding.EncodeToString(tx.Payload)}
	var out broadcastResponse
	status, err := c.do(ctx, http.MethodPost, "/v1/broadcast-transaction", body, &out)
	if err != nil {
		return "", fmt.Errorf("%w (http %d): %w", ErrBroadcast, status, err)
	}
	if out.TransactionID == "" {
		return "", fmt.Errorf("%w: response carried no transaction id", ErrBroadcast)
	}
	return out.TransactionID, nil
}

func (c *HTTPClient) GetStatus(ctx context.Context, externalID string) (Status, error) {
	if externalID == "" {
		return Status{}, fmt.Errorf("external id required")
	}
	var out Status
	status, err := c.do(ctx, http.MethodGet, "/v1/transactions/"+url.PathEscape(externalID)+"/status", nil, &out)
	if status == http.StatusNotFound {
		// Not indexed yet.
		return Status{State: StatePending}, nil
	}
	if err != nil {
		return Status{}, err
	}
	switch out.State {
	case StatePending, StateConfirmed, StateFailed:
	default:
		return Status{}, fmt.Errorf("%w: unknown transfer status %q", ErrNetwork, out.State)
	}
	return out, nil
}

type tickResponse struct {
	TickInfo struct {
		Tick  uint64 `json:"tick"`
		Epoch uint32 `json:"epoch"`
	} `json:"tickInfo"`
}

func (c *HTTPClient) GetTick(ctx context.Context) (uint64, error) {
	var out tickResponse
	if _, err := c.do(ctx, http.MethodGet, "/v1/tick-info", nil, &out); err != nil {
		return 0, err
	}
	return out.TickInfo.Tick, nil
}

func (c *HTTPClient) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/v1/status", nil, nil)
	return err
}

// do performs one JSON round trip. Transport failures and non-2xx answers are
// reported as ErrNetwork; the HTTP status is returned when one was received.
func (c *HTTPClient) do(ctx context.Context, method, path string, in, out interface{}) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("%w: throttle: %w", ErrNetwork, err)
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %s: %w", ErrNetwork, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("%w: read body: %w", ErrNetwork, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("%w: %s %s returned %d: %s", ErrNetwork, method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil || len(raw) == 0 {
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return resp.StatusCode, fmt.Errorf("%w: decode %s: %w", ErrNetwork, path, err)
	}
	return resp.StatusCode, nil
}

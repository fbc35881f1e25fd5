package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client is the typed surface the resolver calls into. Kept as an
// interface so tests can substitute a fake without touching the network,
// mirroring the Store/Resolver contracts used throughout this module.
type Client interface {
	// Login documents the full upstream collaborator surface; session
	// creation itself is out of scope for this gateway, so nothing here
	// calls it yet.
	Login(ctx context.Context, username, password string) (LoginResult, error)
	VMConnectionInfo(ctx context.Context, token, vmID string) (ConnectionInfo, error)
	VMPort(ctx context.Context, token, vmID string) (PortInfo, error)
	VNCPassword(ctx context.Context, token, vmID string) (string, error)
	SPICEConnectionInfo(ctx context.Context, token, vmID string, cfg RenderConfig) (SpiceInfo, error)
}

// HTTPClient is the real implementation, built the same way
// llm-proxy/pkg/proxy builds its upstream *http.Client: a single shared
// client with an explicit timeout. Redirects follow net/http's default
// policy.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// New constructs an HTTPClient against baseURL with the given per-call
// timeout.
func New(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *HTTPClient) Login(ctx context.Context, username, password string) (LoginResult, error) {
	var out LoginResult
	err := c.post(ctx, "/login", map[string]string{
		"username": username,
		"password": password,
	}, codeOK, &out)
	return out, err
}

func (c *HTTPClient) VMConnectionInfo(ctx context.Context, token, vmID string) (ConnectionInfo, error) {
	var out ConnectionInfo
	err := c.post(ctx, "/vm-connection-info", map[string]string{
		"upstreamToken": token,
		"vmId":          vmID,
	}, codeOK, &out)
	return out, err
}

func (c *HTTPClient) VMPort(ctx context.Context, token, vmID string) (PortInfo, error) {
	var out PortInfo
	query := url.Values{"upstreamToken": {token}, "vmId": {vmID}}.Encode()
	err := c.get(ctx, "/vm-port?"+query, codePortOK, &out)
	return out, err
}

func (c *HTTPClient) VNCPassword(ctx context.Context, token, vmID string) (string, error) {
	var out struct {
		Base64Password string `json:"base64Password"`
	}
	err := c.post(ctx, "/vnc-password", map[string]string{
		"upstreamToken": token,
		"vmId":          vmID,
	}, codeOK, &out)
	return out.Base64Password, err
}

func (c *HTTPClient) SPICEConnectionInfo(ctx context.Context, token, vmID string, cfg RenderConfig) (SpiceInfo, error) {
	var out SpiceInfo
	err := c.post(ctx, "/spice-connection-info", map[string]any{
		"upstreamToken": token,
		"vmId":          vmID,
		"rendering":     cfg,
	}, codeOK, &out)
	return out, err
}

func (c *HTTPClient) post(ctx context.Context, path string, body any, okCode int, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("upstream: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, okCode, out)
}

func (c *HTTPClient) get(ctx context.Context, path string, okCode int, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("upstream: build request: %w", err)
	}
	return c.do(req, okCode, out)
}

func (c *HTTPClient) do(req *http.Request, okCode int, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return &UnreachableError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &UnreachableError{Err: err}
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return &StatusError{StatusCode: resp.StatusCode}
	}
	if resp.StatusCode >= 500 {
		return &StatusError{StatusCode: resp.StatusCode}
	}

	var env envelope[json.RawMessage]
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("upstream: decode envelope: %w", err)
	}
	if env.ReturnCode != okCode {
		return &RejectedError{Code: env.ReturnCode, Message: env.Message}
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("upstream: decode data: %w", err)
		}
		return nil
	}
	// Some endpoints (observed across the pack's envelope conventions)
	// put the payload at the envelope's top level instead of under
	// "data"; fall back to decoding the whole body into out.
	return json.Unmarshal(body, out)
}

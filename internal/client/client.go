package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"airthings-bridge/internal/config"

	"github.com/sirupsen/logrus"
)

// TokenProvider supplies access tokens for authenticated requests
type TokenProvider interface {
	GetAccessToken(ctx context.Context) (string, error)
	ForceRenew(ctx context.Context) error
}

// HTTPClient provides authenticated HTTP communication with the cloud API
type HTTPClient struct {
	httpClient *http.Client
	tokens     TokenProvider
	baseURL    string
	logger     *logrus.Logger
}

// ClientConfig holds configuration for the HTTP client
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
}

// DefaultClientConfig returns a client configuration with sensible defaults
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Timeout: 30 * time.Second,
	}
}

// NewHTTPClient creates a new authenticated HTTP client
func NewHTTPClient(cfg *config.Config, tokens TokenProvider, logger *logrus.Logger) (*HTTPClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token provider is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	clientCfg := DefaultClientConfig()
	clientCfg.BaseURL = cfg.APIBaseURL

	httpClient := &http.Client{
		Timeout: clientCfg.Timeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			MaxIdleConns:          10,
			MaxIdleConnsPerHost:   2,
			IdleConnTimeout:       90 * time.Second,
		},
	}

	return &HTTPClient{
		httpClient: httpClient,
		tokens:     tokens,
		baseURL:    strings.TrimSuffix(clientCfg.BaseURL, "/"),
		logger:     logger,
	}, nil
}

// Request represents an HTTP request to be made
type Request struct {
	Method      string
	Path        string
	Body        interface{}
	Headers     map[string]string
	Query       url.Values
	RequireAuth bool
}

// Response represents an HTTP response
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// Do executes a single HTTP request. The Authorization header is sourced
// from the token provider on every call rather than cached, so an expired
// token is renewed transparently. The client never retries; errors propagate
// to the caller.
func (c *HTTPClient) Do(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, fmt.Errorf("request is required")
	}

	fullURL := c.baseURL + req.Path
	if len(req.Query) > 0 {
		fullURL += "?" + req.Query.Encode()
	}

	var bodyReader io.Reader
	if req.Body != nil {
		bodyBytes, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, fullURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	if req.RequireAuth {
		token, err := c.tokens.GetAccessToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to obtain access token: %w", err)
		}
		httpReq.Header.Set("Authorization", token)
	}

	c.logger.WithFields(logrus.Fields{
		"method":        req.Method,
		"url":           fullURL,
		"authenticated": req.RequireAuth,
	}).Debug("Making HTTP request")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Op: req.Method + " " + req.Path, Err: err}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &TransportError{Op: req.Method + " " + req.Path, Err: err}
	}

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Body:       respBody,
		Headers:    httpResp.Header,
	}

	c.logger.WithFields(logrus.Fields{
		"status_code": httpResp.StatusCode,
		"body_length": len(respBody),
	}).Debug("HTTP response received")

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return resp, ParseAPIError(httpResp.StatusCode, httpResp.Status, respBody)
	}

	return resp, nil
}

// Close closes the HTTP client and cleans up resources
func (c *HTTPClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// parseJSONResponse parses a JSON response into the provided interface
func parseJSONResponse(resp *Response, v interface{}) error {
	if resp == nil {
		return fmt.Errorf("response is nil")
	}

	if len(resp.Body) == 0 {
		return fmt.Errorf("response body is empty")
	}

	if err := json.Unmarshal(resp.Body, v); err != nil {
		return fmt.Errorf("failed to unmarshal JSON response: %w", err)
	}

	return nil
}

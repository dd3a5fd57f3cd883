// Package auth exchanges broker credentials for a streaming session token.
package auth

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxResponseSize bounds the login response body.
const maxResponseSize = 1 << 20

// Client performs the credential exchange.
type Client struct {
	endpoint string
	http     *http.Client
}

// Config holds auth client configuration.
type Config struct {
	Endpoint string
	// HTTPClient is optional. No timeout is applied locally; callers bound the
	// exchange through the context they pass to Login.
	HTTPClient *http.Client
}

// NewClient creates a new auth client.
func NewClient(cfg *Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		endpoint: cfg.Endpoint,
		http:     httpClient,
	}
}

type loginResponse struct {
	SID    string `json:"SID"`
	Error  string `json:"error"`
	ErrMsg string `json:"errMsg"`
}

// Login posts the credentials and returns the session identifier.
func (c *Client) Login(ctx context.Context, login, password string) (string, error) {
	if login == "" || password == "" {
		return "", ErrMissingCredentials
	}

	form := url.Values{}
	form.Set("login", login)
	form.Set("password", password)
	form.Set("rememberMe", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", errors.Wrap(err, "failed to build login request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "login request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", errors.Wrap(err, "failed to read login response")
	}

	var out loginResponse
	if err := json.Unmarshal(body, &out); err != nil {
		if resp.StatusCode/100 != 2 {
			return "", errors.Wrapf(ErrLoginFailed, "status %d", resp.StatusCode)
		}
		return "", errors.Wrap(ErrMalformedResponse, err.Error())
	}

	if msg := out.message(); msg != "" {
		return "", errors.Wrap(ErrInvalidCredentials, msg)
	}
	if resp.StatusCode/100 != 2 {
		return "", errors.Wrapf(ErrLoginFailed, "status %d", resp.StatusCode)
	}
	if out.SID == "" {
		return "", ErrNoSession
	}

	return out.SID, nil
}

func (r loginResponse) message() string {
	if r.Error != "" {
		return r.Error
	}
	return r.ErrMsg
}

// Error definitions
var (
	ErrMissingCredentials = errors.New("login and password are required")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNoSession          = errors.New("login response carries no session id")
	ErrMalformedResponse  = errors.New("malformed login response")
	ErrLoginFailed        = errors.New("login request rejected")
)

// Package wechat implements the code2session exchange against the WeChat
// API: a one-time login code from a mini program is traded for the user's
// openid. The call is made once per sign-in; retries, if any, belong to the
// caller's transport policy.
package wechat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	code2SessionPath = "/sns/jscode2session"
	defaultTimeout   = 10 * time.Second
)

// ExchangeError reports a rejection from the WeChat API, carrying the
// provider's own diagnostic code and message.
type ExchangeError struct {
	Code    int
	Message string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("errcode: %d. %s", e.Code, e.Message)
}

// Client calls the WeChat login API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient constructs a Client for the given API origin. A nil httpClient
// gets a default with a bounded timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

type code2SessionResponse struct {
	OpenID  string `json:"openid"`
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// Exchange trades a one-time login code for the user's openid. A response
// without an openid is an *ExchangeError; transport and decode failures are
// returned as-is so the caller can classify them as upstream problems.
func (c *Client) Exchange(ctx context.Context, appID, appSecret, code string) (string, error) {
	query := url.Values{}
	query.Set("appid", appID)
	query.Set("secret", appSecret)
	query.Set("js_code", code)
	query.Set("grant_type", "authorization_code")

	endpoint := c.baseURL + code2SessionPath + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var session code2SessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", fmt.Errorf("decode code2session response: %w", err)
	}

	if session.OpenID == "" {
		return "", &ExchangeError{Code: session.ErrCode, Message: session.ErrMsg}
	}
	return session.OpenID, nil
}

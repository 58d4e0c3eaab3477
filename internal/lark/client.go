// Package lark delivers bot replies to the chat platform. Only the two
// calls the backend needs are implemented: tenant token exchange and
// threaded message reply.
package lark

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/zhang1980s/lark-aws-knowledge-assistant/internal/secrets"
)

const (
	feishuBaseURL = "https://open.feishu.cn"
	larkBaseURL   = "https://open.larksuite.com"

	tokenPath = "/open-apis/auth/v3/tenant_access_token/internal"
	replyPath = "/open-apis/im/v1/messages/%s/reply"
)

// BaseURL maps the BOT_ENDPOINT flavor to the platform host. Anything but
// "lark" falls back to feishu, matching the deployment default.
func BaseURL(flavor string) string {
	if strings.TrimSpace(flavor) == "lark" {
		return larkBaseURL
	}
	return feishuBaseURL
}

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to the Feishu/Lark open API. App credentials come from the
// secret resolver and are exchanged for a short-lived tenant token.
type Client struct {
	baseURL      string
	http         httpDoer
	secrets      secrets.Getter
	appIDArn     string
	appSecretArn string

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewClient(sec secrets.Getter, appIDArn, appSecretArn, flavor string) (*Client, error) {
	if sec == nil {
		return nil, errors.New("lark: secret resolver must not be nil")
	}
	if strings.TrimSpace(appIDArn) == "" || strings.TrimSpace(appSecretArn) == "" {
		return nil, errors.New("lark: app credential secret arns are required")
	}
	return &Client{
		baseURL:      BaseURL(flavor),
		http:         &http.Client{Timeout: 15 * time.Second},
		secrets:      sec,
		appIDArn:     appIDArn,
		appSecretArn: appSecretArn,
	}, nil
}

type tokenResponse struct {
	Code              int    `json:"code"`
	Msg               string `json:"msg"`
	TenantAccessToken string `json:"tenant_access_token"`
	Expire            int    `json:"expire"`
}

func (c *Client) tenantToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		tok := c.token
		c.mu.Unlock()
		return tok, nil
	}
	c.mu.Unlock()

	appID, err := c.secrets.GetSecret(ctx, c.appIDArn)
	if err != nil {
		return "", fmt.Errorf("lark: resolve app id: %w", err)
	}
	appSecret, err := c.secrets.GetSecret(ctx, c.appSecretArn)
	if err != nil {
		return "", fmt.Errorf("lark: resolve app secret: %w", err)
	}

	body, _ := json.Marshal(map[string]string{
		"app_id":     appID,
		"app_secret": appSecret,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+tokenPath, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	res, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("lark: token request: %w", err)
	}
	defer res.Body.Close()

	raw, _ := io.ReadAll(res.Body)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", fmt.Errorf("lark: token request failed: http %d", res.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return "", fmt.Errorf("lark: token response decode: %w", err)
	}
	if tr.Code != 0 || tr.TenantAccessToken == "" {
		return "", fmt.Errorf("lark: token rejected: code=%d msg=%s", tr.Code, tr.Msg)
	}

	c.mu.Lock()
	c.token = tr.TenantAccessToken
	// Renew a minute early so an in-flight reply never carries a token
	// that expires mid-call.
	c.tokenExpiry = time.Now().Add(time.Duration(tr.Expire)*time.Second - time.Minute)
	c.mu.Unlock()

	return tr.TenantAccessToken, nil
}

// ReplyInThread posts a text reply into the thread of the given message.
func (c *Client) ReplyInThread(ctx context.Context, messageID, text string) error {
	if strings.TrimSpace(messageID) == "" {
		return errors.New("lark: message id is required")
	}

	token, err := c.tenantToken(ctx)
	if err != nil {
		return err
	}

	content, _ := json.Marshal(map[string]string{"text": text})
	payload, _ := json.Marshal(map[string]any{
		"content":         string(content),
		"msg_type":        "text",
		"reply_in_thread": true,
	})

	url := c.baseURL + fmt.Sprintf(replyPath, messageID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("lark: reply request: %w", err)
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("lark: reply to %s failed: http %d", messageID, res.StatusCode)
	}
	return nil
}

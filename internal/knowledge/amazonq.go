// Package knowledge wraps the knowledge-answer engine behind a minimal
// request/response contract: start a conversation, send one utterance, no
// retained session.
package knowledge

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
)

const (
	defaultEndpoint = "https://q.us-east-1.amazonaws.com"
	serviceName     = "q"
	signingRegion   = "us-east-1"
)

// Answer is one knowledge-engine response: the answer body plus a
// pre-formatted numbered reference list.
type Answer struct {
	Body       string
	References string
}

// Engine is what the content processor depends on.
type Engine interface {
	Answer(ctx context.Context, text string) (*Answer, error)
}

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client implements Engine against the Amazon Q console API.
type Client struct {
	endpoint string
	http     httpDoer
	creds    aws.CredentialsProvider

	// sign is replaceable in tests.
	sign func(ctx context.Context, req *http.Request, payload []byte) error
}

func NewClient(creds aws.CredentialsProvider) (*Client, error) {
	if creds == nil {
		return nil, errors.New("knowledge: credentials provider must not be nil")
	}

	endpoint := strings.TrimSpace(os.Getenv("KNOWLEDGE_ENDPOINT"))
	if endpoint == "" {
		endpoint = defaultEndpoint
	}

	c := &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{Timeout: 20 * time.Second},
		creds:    creds,
	}
	signer := v4.NewSigner()
	c.sign = func(ctx context.Context, req *http.Request, payload []byte) error {
		cr, err := c.creds.Retrieve(ctx)
		if err != nil {
			return fmt.Errorf("knowledge: retrieve credentials: %w", err)
		}
		sum := sha256.Sum256(payload)
		return signer.SignHTTP(ctx, cr, req, hex.EncodeToString(sum[:]), serviceName, signingRegion, time.Now())
	}
	return c, nil
}

type startConversationResponse struct {
	ConversationID    string `json:"conversationId"`
	ConversationToken string `json:"conversationToken"`
}

type sendMessageResponse struct {
	Result struct {
		Content struct {
			Text struct {
				Body       string `json:"body"`
				References []struct {
					Title string `json:"title"`
					URL   string `json:"url"`
				} `json:"references"`
			} `json:"text"`
		} `json:"content"`
	} `json:"result"`
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("knowledge: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.sign(ctx, req, body); err != nil {
		return err
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("knowledge: %s request: %w", path, err)
	}
	defer res.Body.Close()

	raw, _ := io.ReadAll(res.Body)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("knowledge: %s failed: http %d", path, res.StatusCode)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("knowledge: %s response decode: %w", path, err)
	}
	return nil
}

// Answer starts a throwaway conversation, sends the utterance, and
// collects the answer body plus formatted references.
func (c *Client) Answer(ctx context.Context, text string) (*Answer, error) {
	var start startConversationResponse
	if err := c.post(ctx, "/StartConversation", map[string]string{"source": "CONSOLE"}, &start); err != nil {
		return nil, err
	}
	if start.ConversationID == "" {
		return nil, errors.New("knowledge: empty conversation id")
	}

	var send sendMessageResponse
	payload := map[string]string{
		"source":            "CONSOLE",
		"conversationId":    start.ConversationID,
		"utterance":         text,
		"conversationToken": start.ConversationToken,
	}
	if err := c.post(ctx, "/SendMessage", payload, &send); err != nil {
		return nil, err
	}

	result := send.Result.Content.Text
	if result.Body == "" {
		return nil, errors.New("knowledge: empty answer body")
	}

	var refs strings.Builder
	for i, ref := range result.References {
		fmt.Fprintf(&refs, "%d. [%s]: %s\n", i+1, ref.Title, ref.URL)
	}

	return &Answer{Body: result.Body, References: refs.String()}, nil
}

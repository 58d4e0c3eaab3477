package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func signedRequest(key, body string) events.APIGatewayV2HTTPRequest {
	ts, nonce := "1772366400", "n-1"
	sum := sha256.Sum256([]byte(ts + nonce + key + body))
	return events.APIGatewayV2HTTPRequest{
		Body: body,
		Headers: map[string]string{
			"x-lark-request-timestamp": ts,
			"x-lark-request-nonce":     nonce,
			"x-lark-signature":         hex.EncodeToString(sum[:]),
		},
	}
}

func TestServeWebhook_MissingSignatureRejected(t *testing.T) {
	t.Setenv("LARK_ENCRYPT_KEY", "k-test")
	a := &app{log: zap.NewNop()}

	req := events.APIGatewayV2HTTPRequest{Body: `{"challenge":"abc"}`}
	resp, err := a.serveWebhook(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, resp.Body, "invalid_signature")
}

func TestServeWebhook_TamperedBodyRejected(t *testing.T) {
	t.Setenv("LARK_ENCRYPT_KEY", "k-test")
	a := &app{log: zap.NewNop()}

	req := signedRequest("k-test", `{"challenge":"abc"}`)
	req.Body = `{"challenge":"xyz"}`
	resp, err := a.serveWebhook(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServeWebhook_SignedChallengeEchoes(t *testing.T) {
	t.Setenv("LARK_ENCRYPT_KEY", "k-test")
	a := &app{log: zap.NewNop()}

	resp, err := a.serveWebhook(context.Background(), signedRequest("k-test", `{"challenge":"abc"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Body, "abc")
}

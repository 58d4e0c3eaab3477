package lark

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSecrets struct{ vals map[string]string }

func (f *fakeSecrets) GetSecret(_ context.Context, id string) (string, error) {
	v, ok := f.vals[id]
	if !ok {
		return "", fmt.Errorf("secret not found: %s", id)
	}
	return v, nil
}

func TestBaseURL(t *testing.T) {
	require.Equal(t, larkBaseURL, BaseURL("lark"))
	require.Equal(t, feishuBaseURL, BaseURL("feishu"))
	require.Equal(t, feishuBaseURL, BaseURL(""))
	require.Equal(t, feishuBaseURL, BaseURL("bogus"))
}

func newTestClient(t *testing.T, srvURL string) *Client {
	t.Helper()
	c, err := NewClient(&fakeSecrets{vals: map[string]string{
		"id-arn":  "cli_app",
		"sec-arn": "s3cr3t",
	}}, "id-arn", "sec-arn", "feishu")
	require.NoError(t, err)
	c.baseURL = srvURL
	return c
}

func TestReplyInThread(t *testing.T) {
	tokenCalls := 0
	var gotAuth string
	var gotPayload map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case tokenPath:
			tokenCalls++
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			require.Equal(t, "cli_app", body["app_id"])
			json.NewEncoder(w).Encode(tokenResponse{TenantAccessToken: "t-abc", Expire: 7200})
		case "/open-apis/im/v1/messages/om_1/reply":
			gotAuth = r.Header.Get("Authorization")
			_ = json.NewDecoder(r.Body).Decode(&gotPayload)
			io.WriteString(w, `{"code":0}`)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	require.NoError(t, c.ReplyInThread(context.Background(), "om_1", "answer text"))
	require.Equal(t, "Bearer t-abc", gotAuth)
	require.Equal(t, true, gotPayload["reply_in_thread"])
	require.Equal(t, "text", gotPayload["msg_type"])

	// Second reply reuses the cached tenant token.
	require.NoError(t, c.ReplyInThread(context.Background(), "om_1", "again"))
	require.Equal(t, 1, tokenCalls)
}

func TestReplyInThread_TokenRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(tokenResponse{Code: 99991663, Msg: "app not found"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	err := c.ReplyInThread(context.Background(), "om_1", "answer")
	require.Error(t, err)
	require.Contains(t, err.Error(), "token rejected")
}

func TestReplyInThread_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == tokenPath {
			json.NewEncoder(w).Encode(tokenResponse{TenantAccessToken: "t", Expire: 7200})
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	err := c.ReplyInThread(context.Background(), "om_1", "answer")
	require.Error(t, err)
	require.Contains(t, err.Error(), "http 502")
}

func TestReplyInThread_EmptyMessageID(t *testing.T) {
	c := newTestClient(t, "http://unused")
	require.Error(t, c.ReplyInThread(context.Background(), "", "x"))
}

package slack

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ship-commander/threadbridge/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedCall struct {
	Method string
	Token  string
	Form   map[string]string
}

type fakeSlackAPI struct {
	mu        sync.Mutex
	calls     []recordedCall
	responses map[string]string
	// extra routes mounted beside /api/, used for the websocket endpoint.
	mux *http.ServeMux
}

func (f *fakeSlackAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/api/") {
		f.mux.ServeHTTP(w, r)
		return
	}
	method := strings.TrimPrefix(r.URL.Path, "/api/")
	_ = r.ParseForm()
	form := map[string]string{}
	for key, values := range r.PostForm {
		if key != "token" && len(values) > 0 {
			form[key] = values[0]
		}
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		token = r.PostForm.Get("token")
	}

	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{Method: method, Token: token, Form: form})
	response, ok := f.responses[method]
	f.mu.Unlock()
	if !ok {
		response = `{"ok":true}`
	}
	if response == "429" {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, response)
}

func (f *fakeSlackAPI) Calls() []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedCall(nil), f.calls...)
}

func (f *fakeSlackAPI) CallsTo(method string) []recordedCall {
	var out []recordedCall
	for _, call := range f.Calls() {
		if call.Method == method {
			out = append(out, call)
		}
	}
	return out
}

func newFakeSlack(t *testing.T, responses map[string]string) (*fakeSlackAPI, *httptest.Server) {
	t.Helper()
	api := &fakeSlackAPI{responses: responses, mux: http.NewServeMux()}
	server := httptest.NewServer(api)
	t.Cleanup(server.Close)
	return api, server
}

func newTestClient(t *testing.T, responses map[string]string) (*Client, *fakeSlackAPI) {
	t.Helper()
	api, server := newFakeSlack(t, responses)
	client, err := NewClient(ClientConfig{
		BaseURL:  server.URL + "/api",
		BotToken: "xoxb-bot",
		AppToken: "xapp-app",
		Logger:   logging.Discard(),
	})
	require.NoError(t, err)
	return client, api
}

func TestNewClientRequiresBotToken(t *testing.T) {
	t.Parallel()

	_, err := NewClient(ClientConfig{})
	assert.Error(t, err)
}

func TestPostMessageSendsThreadedMessage(t *testing.T) {
	t.Parallel()

	client, api := newTestClient(t, map[string]string{
		"chat.postMessage": `{"ok":true,"channel":"C1","ts":"171.2"}`,
	})
	require.NoError(t, client.PostMessage(context.Background(), "C1", "hello", "171.1"))
	require.NoError(t, client.PostMessage(context.Background(), "C1", "top", ""))

	calls := api.CallsTo("chat.postMessage")
	require.Len(t, calls, 2)
	assert.Equal(t, "xoxb-bot", calls[0].Token)
	assert.Equal(t, "C1", calls[0].Form["channel"])
	assert.Equal(t, "hello", calls[0].Form["text"])
	assert.Equal(t, "171.1", calls[0].Form["thread_ts"])
	_, hasThread := calls[1].Form["thread_ts"]
	assert.False(t, hasThread)
}

func TestAPIErrorsAreTyped(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, map[string]string{
		"chat.postMessage": `{"ok":false,"error":"channel_not_found"}`,
		"reactions.add":    "429",
	})
	err := client.PostMessage(context.Background(), "C404", "x", "")
	require.Error(t, err)
	assert.True(t, IsAPIError(err, "channel_not_found"))
	assert.False(t, IsAPIError(err, CodeRateLimited))
	assert.Equal(t, "slack chat.postMessage: channel_not_found", err.Error())

	err = client.AddReaction(context.Background(), "C1", "171.1", "eyes")
	assert.True(t, IsAPIError(err, CodeRateLimited))
	assert.False(t, IsAPIError(nil, CodeRateLimited))
}

func TestReactionIdempotenceErrorsAreIgnored(t *testing.T) {
	t.Parallel()

	client, api := newTestClient(t, map[string]string{
		"reactions.add":    `{"ok":false,"error":"already_reacted"}`,
		"reactions.remove": `{"ok":false,"error":"no_reaction"}`,
	})
	assert.NoError(t, client.AddReaction(context.Background(), "C1", "171.1", "eyes"))
	assert.NoError(t, client.RemoveReaction(context.Background(), "C1", "171.1", "eyes"))

	calls := api.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "reactions.add", calls[0].Method)
	assert.Equal(t, "C1", calls[0].Form["channel"])
	assert.Equal(t, "171.1", calls[0].Form["timestamp"])
	assert.Equal(t, "eyes", calls[0].Form["name"])
	assert.Equal(t, "reactions.remove", calls[1].Method)
}

func TestAuthTest(t *testing.T) {
	t.Parallel()

	client, api := newTestClient(t, map[string]string{
		"auth.test": `{"ok":true,"user_id":"UBOT","bot_id":"B1","team":"acme","team_id":"T1"}`,
	})
	info, err := client.AuthTest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, AuthInfo{UserID: "UBOT", BotID: "B1", Team: "acme", TeamID: "T1"}, info)
	require.Len(t, api.Calls(), 1)
	assert.Equal(t, "xoxb-bot", api.Calls()[0].Token)

	client, _ = newTestClient(t, map[string]string{"auth.test": `{"ok":false,"error":"invalid_auth"}`})
	_, err = client.AuthTest(context.Background())
	assert.True(t, IsAPIError(err, "invalid_auth"))
}

package alert

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	mu   sync.Mutex
	reqs []capturedRequest
}

type capturedRequest struct {
	path    string
	headers http.Header
	body    string
}

func (c *captured) handler(status int, reply string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.reqs = append(c.reqs, capturedRequest{path: r.URL.Path, headers: r.Header.Clone(), body: string(b)})
		c.mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}
}

func (c *captured) all() []capturedRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]capturedRequest(nil), c.reqs...)
}

func TestShouldSend(t *testing.T) {
	assert.True(t, shouldSend(LevelInfo, ""))
	assert.True(t, shouldSend(LevelCritical, LevelWarning))
	assert.False(t, shouldSend(LevelInfo, LevelWarning))
	assert.True(t, shouldSend("CRITICAL", LevelCritical))
}

func TestSendWebhookAndNtfy(t *testing.T) {
	var hook, ntfy captured
	hookSrv := httptest.NewServer(hook.handler(http.StatusOK, ""))
	defer hookSrv.Close()
	ntfySrv := httptest.NewServer(ntfy.handler(http.StatusOK, ""))
	defer ntfySrv.Close()

	d := NewDispatcher([]Channel{
		{Name: "ops-hook", Type: "webhook", WebhookURL: hookSrv.URL},
		{Name: "ops-ntfy", Type: "ntfy", Server: ntfySrv.URL, Topic: "paygate", Token: "tk"},
		{Name: "quiet", Type: "webhook", WebhookURL: hookSrv.URL, Level: LevelCritical},
	}, nil, nil)

	err := d.SendSimple(context.Background(), "cleanup exhausted", "ip 203.0.113.7: boom", LevelWarning)
	require.NoError(t, err)

	hooks := hook.all()
	require.Len(t, hooks, 1, "critical-only channel must skip a warning")
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(hooks[0].body), &payload))
	assert.Contains(t, payload["text"], "cleanup exhausted")

	ntfys := ntfy.all()
	require.Len(t, ntfys, 1)
	assert.Equal(t, "/paygate", ntfys[0].path)
	assert.Equal(t, "cleanup exhausted", ntfys[0].headers.Get("Title"))
	assert.Equal(t, "warning", ntfys[0].headers.Get("Tags"))
	assert.Equal(t, "Bearer tk", ntfys[0].headers.Get("Authorization"))
	assert.Equal(t, "ip 203.0.113.7: boom", ntfys[0].body)
}

func TestSendSlack(t *testing.T) {
	var slack captured
	srv := httptest.NewServer(slack.handler(http.StatusOK, `{"ok":true,"ts":"1.2"}`))
	defer srv.Close()

	d := NewDispatcher([]Channel{
		{Name: "slack", Type: "slack", Token: "xoxb", SlackChannel: "#ops", SlackBaseURL: srv.URL},
	}, nil, nil)

	require.NoError(t, d.SendSimple(context.Background(), "t", "m", LevelCritical))

	reqs := slack.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/chat.postMessage", reqs[0].path)
	assert.Equal(t, "Bearer xoxb", reqs[0].headers.Get("Authorization"))
	assert.Contains(t, reqs[0].body, `"channel":"#ops"`)
}

func TestSendJoinsErrors(t *testing.T) {
	var bad captured
	srv := httptest.NewServer(bad.handler(http.StatusInternalServerError, ""))
	defer srv.Close()
	var slack captured
	slackSrv := httptest.NewServer(slack.handler(http.StatusOK, `{"ok":false,"error":"channel_not_found"}`))
	defer slackSrv.Close()

	d := NewDispatcher([]Channel{
		{Name: "hook", Type: "webhook", WebhookURL: srv.URL},
		{Name: "slack", Type: "slack", Token: "x", SlackChannel: "#nope", SlackBaseURL: slackSrv.URL},
		{Name: "mystery", Type: "pager"},
	}, nil, nil)

	err := d.SendSimple(context.Background(), "t", "m", LevelCritical)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook failed with status: 500")
	assert.Contains(t, err.Error(), "channel_not_found")
	assert.Contains(t, err.Error(), "unknown channel type: pager")
}

func TestSendWithoutChannels(t *testing.T) {
	d := NewDispatcher(nil, nil, nil)
	assert.NoError(t, d.SendSimple(context.Background(), "t", "m", LevelInfo))
}

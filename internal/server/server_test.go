// ABOUTME: End-to-end tests for the relay HTTP surface
// ABOUTME: Runs the real handler against fake OneBot and provider servers

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/conversation"
	"github.com/2389/coven-relay/internal/onebot"
)

const (
	testGroup  int64 = 123456
	testSelfID int64 = 10001
	testSecret       = "0123456789abcdef0123456789abcdef"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeOneBot records every send_group_msg call.
type fakeOneBot struct {
	*httptest.Server
	mu   sync.Mutex
	sent []string
}

func newFakeOneBot(t *testing.T) *fakeOneBot {
	t.Helper()
	f := &fakeOneBot{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			GroupID int64  `json:"group_id"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.sent = append(f.sent, body.Message)
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"status":"ok","retcode":0}`))
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeOneBot) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func newFakeProvider(t *testing.T, reply string, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"choices":[{"message":{"content":%q}}],"usage":{"prompt_tokens":11,"completion_tokens":4}}`, reply)
	}))
	t.Cleanup(srv.Close)
	return srv
}

type testRelay struct {
	server   *Server
	handler  http.Handler
	onebot   *fakeOneBot
	calls    *atomic.Int32
	verifier *auth.JWTVerifier
}

func newTestRelay(t *testing.T, mutate func(*config.Config)) *testRelay {
	t.Helper()
	bot := newFakeOneBot(t)
	calls := &atomic.Int32{}
	llm := newFakeProvider(t, "model says hi", calls)

	dir := t.TempDir()
	cfg := config.Default()
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.OneBot.BaseURL = bot.URL
	cfg.OneBot.SelfID = testSelfID
	cfg.OneBot.Timeout = 2 * time.Second
	cfg.Dispatch.TargetGroups = []int64{testGroup}
	cfg.Dispatch.Cooldown = 0
	cfg.Providers.DeepSeek.APIKey = "sk-test"
	cfg.Providers.DeepSeek.BaseURL = llm.URL
	cfg.Providers.DeepSeek.Timeout = 2 * time.Second
	cfg.Conversation.StoragePath = filepath.Join(dir, "state.json")
	cfg.Dedupe.TTL = time.Minute
	cfg.Ledger.Path = filepath.Join(dir, "ledger.db")
	cfg.Auth.JWTSecret = testSecret
	if mutate != nil {
		mutate(cfg)
	}

	s, err := New(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	verifier, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)

	return &testRelay{server: s, handler: s.Handler(), onebot: bot, calls: calls, verifier: verifier}
}

func groupMessage(messageID int64, text string) []byte {
	return []byte(fmt.Sprintf(
		`{"post_type":"message","message_type":"group","message_id":%d,"group_id":%d,"user_id":42,"self_id":%d,"message":%q,"raw_message":%q}`,
		messageID, testGroup, testSelfID, text, text,
	))
}

func (tr *testRelay) post(t *testing.T, body []byte, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/onebot/event", bytes.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	tr.handler.ServeHTTP(rec, req)
	return rec
}

func (tr *testRelay) get(t *testing.T, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	tr.handler.ServeHTTP(rec, req)
	return rec
}

func (tr *testRelay) token(t *testing.T) string {
	t.Helper()
	tok, err := tr.verifier.Generate("ops", time.Hour)
	require.NoError(t, err)
	return tok
}

func TestWebhook_RepliesAndPersists(t *testing.T) {
	tr := newTestRelay(t, nil)

	rec := tr.post(t, groupMessage(1, "/ai hello"), nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Equal(t, []string{"model says hi"}, tr.onebot.messages())
	assert.Equal(t, int32(1), tr.calls.Load())
	assert.Equal(t, 3, tr.server.store.Len(testGroup))
}

func TestWebhook_ReplyOutlivesDroppedDelivery(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"late answer"}}]}`))
	}))
	t.Cleanup(slow.Close)

	tr := newTestRelay(t, func(cfg *config.Config) {
		cfg.Providers.DeepSeek.BaseURL = slow.URL
	})
	relay := httptest.NewServer(tr.handler)
	t.Cleanup(relay.Close)

	gateway := &http.Client{Timeout: 50 * time.Millisecond}
	resp, err := gateway.Post(relay.URL+"/onebot/event", "application/json", bytes.NewReader(groupMessage(1, "/ai hello")))
	if resp != nil {
		resp.Body.Close()
	}
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return len(tr.onebot.messages()) == 1
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"late answer"}, tr.onebot.messages())
	assert.Equal(t, 3, tr.server.store.Len(testGroup))
}

func TestWebhook_DuplicateDeliveryIgnored(t *testing.T) {
	tr := newTestRelay(t, nil)

	tr.post(t, groupMessage(7, "/ai hello"), nil)
	rec := tr.post(t, groupMessage(7, "/ai hello"), nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(1), tr.calls.Load())
	assert.Len(t, tr.onebot.messages(), 1)

	// A missing message id is never treated as a duplicate.
	tr.post(t, groupMessage(0, "/ping"), nil)
	tr.post(t, groupMessage(0, "/ping"), nil)
	assert.Len(t, tr.onebot.messages(), 3)
}

func TestWebhook_AcknowledgesBadInput(t *testing.T) {
	tr := newTestRelay(t, nil)

	tests := []struct {
		name string
		body []byte
	}{
		{"invalid json", []byte(`{not json`)},
		{"empty body", nil},
		{"oversized body", bytes.Repeat([]byte("a"), maxWebhookBody+1)},
		{"meta event", []byte(`{"post_type":"meta_event","meta_event_type":"heartbeat"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := tr.post(t, tt.body, nil)
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "ok", rec.Body.String())
		})
	}
	assert.Empty(t, tr.onebot.messages())
	assert.Zero(t, tr.calls.Load())
}

func TestWebhook_Signature(t *testing.T) {
	tr := newTestRelay(t, func(cfg *config.Config) {
		cfg.OneBot.Secret = "hook-secret"
	})
	body := groupMessage(1, "/ping")

	rec := tr.post(t, body, http.Header{onebot.SignatureHeader: {"sha1=deadbeef"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, tr.onebot.messages())

	rec = tr.post(t, body, http.Header{onebot.SignatureHeader: {onebot.Sign("hook-secret", body)}})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"pong"}, tr.onebot.messages())
}

func TestCatchAllRoutesAcknowledge(t *testing.T) {
	tr := newTestRelay(t, nil)

	for _, path := range []string{"/", "/anything/else", "/onebot/event"} {
		rec := tr.get(t, path, "")
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "ok", rec.Body.String(), path)
	}
}

func TestHealth(t *testing.T) {
	tr := newTestRelay(t, nil)

	rec := tr.get(t, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestUsageStats(t *testing.T) {
	tr := newTestRelay(t, nil)

	assert.Equal(t, http.StatusUnauthorized, tr.get(t, "/api/stats/usage", "").Code)

	tr.post(t, groupMessage(1, "/ai one"), nil)
	tr.post(t, groupMessage(2, "/ai two"), nil)

	rec := tr.get(t, "/api/stats/usage", tr.token(t))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp UsageStatsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, []GroupSummary{{GroupID: testGroup, Messages: 5}}, resp.Groups)
	assert.Equal(t, 2, resp.DedupeEntries)

	stats := resp.Stats
	require.NotNil(t, stats)
	assert.Equal(t, int64(2), stats.Requests)
	assert.Equal(t, int64(22), stats.InputTokens)
	assert.Equal(t, int64(8), stats.OutputTokens)
	require.Len(t, stats.Providers, 1)
	assert.Equal(t, "deepseek", stats.Providers[0].Provider)

	rec = tr.get(t, "/api/stats/usage?group=999", tr.token(t))
	require.Equal(t, http.StatusOK, rec.Code)
	resp = UsageStatsResponse{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotNil(t, resp.Stats)
	assert.Zero(t, resp.Requests)
	assert.Empty(t, resp.Groups)

	assert.Equal(t, http.StatusBadRequest, tr.get(t, "/api/stats/usage?group=abc", tr.token(t)).Code)
	assert.Equal(t, http.StatusBadRequest, tr.get(t, "/api/stats/usage?since=yesterday", tr.token(t)).Code)
}

func TestUsageStats_LedgerDisabled(t *testing.T) {
	tr := newTestRelay(t, func(cfg *config.Config) {
		cfg.Ledger.Path = ""
		cfg.Auth.JWTSecret = ""
	})

	rec := tr.get(t, "/api/stats/usage", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGroupHistory(t *testing.T) {
	tr := newTestRelay(t, nil)
	tr.post(t, groupMessage(1, "/ai hello"), nil)

	rec := tr.get(t, fmt.Sprintf("/api/groups/%d/history", testGroup), tr.token(t))
	require.Equal(t, http.StatusOK, rec.Code)

	var got GroupHistoryResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, testGroup, got.GroupID)
	assert.Equal(t, "deepseek", got.Provider)
	assert.Equal(t, 12, got.MaxTurns)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, conversation.RoleSystem, got.Messages[0].Role)
	assert.Equal(t, "hello", got.Messages[1].Content)
	assert.Equal(t, "model says hi", got.Messages[2].Content)

	assert.Equal(t, http.StatusBadRequest, tr.get(t, "/api/groups/abc/history", tr.token(t)).Code)
	assert.Equal(t, http.StatusUnauthorized, tr.get(t, "/api/groups/1/history", "").Code)
}

func TestNew_RejectsUnconfiguredPolicyProvider(t *testing.T) {
	cfg := config.Default()
	cfg.OneBot.BaseURL = "http://127.0.0.1:1"
	cfg.Dispatch.TargetGroups = []int64{testGroup}
	cfg.Providers.DeepSeek.APIKey = "sk"
	cfg.Conversation.StoragePath = filepath.Join(t.TempDir(), "state.json")
	cfg.Policy.Inline = `{"123456": {"provider": "grok"}}`

	_, err := New(cfg, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "grok")
}

func TestBuildProviders(t *testing.T) {
	cfg := config.Default().Providers
	assert.Empty(t, BuildProviders(cfg, testLogger()).Names())

	cfg.DeepSeek.APIKey = "a"
	cfg.Grok.APIKey = "b"
	cfg.Grok.Model = "grok-beta"
	reg := BuildProviders(cfg, testLogger())
	assert.Equal(t, []string{"deepseek", "grok"}, reg.Names())

	grok, ok := reg.Get("GROK")
	require.True(t, ok)
	assert.Equal(t, "grok-beta", grok.Model())
}

func TestRun_ServesUntilCanceled(t *testing.T) {
	tr := newTestRelay(t, func(cfg *config.Config) {
		cfg.Policy.Watch = true
		cfg.Policy.Path = filepath.Join(t.TempDir(), "groups.json")
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.server.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_ListenError(t *testing.T) {
	tr := newTestRelay(t, func(cfg *config.Config) {
		cfg.Server.HTTPAddr = "not-an-address"
	})

	err := tr.server.Run(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "listening"))
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	env := func(v string) func(string) string {
		return func(string) string { return v }
	}

	key, err := resolveTailscaleAuthKey("configured", env("from-env"))
	require.NoError(t, err)
	assert.Equal(t, "configured", key)

	key, err = resolveTailscaleAuthKey("", env("from-env"))
	require.NoError(t, err)
	assert.Equal(t, "from-env", key)

	_, err = resolveTailscaleAuthKey("", env(""))
	assert.Error(t, err)
}

func TestResolveTailscaleStateDir(t *testing.T) {
	dir, err := resolveTailscaleStateDir("/var/lib/relay")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/relay", dir)
}

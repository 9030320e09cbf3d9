package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/threadline/pkg/chat"
	"github.com/go-go-golems/threadline/pkg/chatstore"
	"github.com/go-go-golems/threadline/pkg/credentials"
	"github.com/go-go-golems/threadline/pkg/dispatch"
	"github.com/go-go-golems/threadline/pkg/events"
	"github.com/go-go-golems/threadline/pkg/files"
	"github.com/go-go-golems/threadline/pkg/identity"
	"github.com/go-go-golems/threadline/pkg/jobs"
	"github.com/go-go-golems/threadline/pkg/metrics"
	"github.com/go-go-golems/threadline/pkg/providers"
	"github.com/go-go-golems/threadline/pkg/providers/providerstest"
	"github.com/go-go-golems/threadline/pkg/streams"
)

const testModel = "openai/gpt-4o-mini"

type harness struct {
	url   string
	alice string
	bob   string
}

func newHarness(t *testing.T, text *providerstest.Scripted, options ...Option) *harness {
	t.Helper()
	store := chatstore.NewMemoryStore()
	ss := streams.NewService(streams.NewMemoryBackend(), nil)
	local, err := files.NewLocal(t.TempDir(), "")
	require.NoError(t, err)

	router, err := events.NewEventRouter()
	require.NoError(t, err)
	runner := jobs.NewRunner(router)
	gw := dispatch.NewGateway(store, ss,
		credentials.Static{credentials.ProviderOpenRouter: "or-key"},
		dispatch.Routes{DefaultModel: testModel},
		dispatch.WithTextRoute(dispatch.TextRoute{Provider: text, Credential: credentials.ProviderOpenRouter}),
		dispatch.WithFiles(local),
	)
	runner.SetHandler(jobs.KindGeneration, gw)
	runner.SetHandler(jobs.KindTitle, chat.NewTitleGenerator(store, nil, nil, "", ""))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = router.Run(ctx)
	}()
	<-router.Running()

	svc := chat.NewService(store, ss, runner, testModel, chat.WithFiles(local))
	resolver, err := identity.NewHMACResolver("test-secret")
	require.NoError(t, err)
	options = append([]Option{
		WithLocalFiles(local),
		WithUserKeys(credentials.NewUserKeys()),
		WithPollTimeout(2 * time.Second),
	}, options...)
	srv := httptest.NewServer(NewServer(svc, resolver, runner, options...).Handler())
	local.BaseURL = srv.URL

	t.Cleanup(func() {
		srv.Close()
		_ = runner.Close()
		cancel()
		_ = router.Close()
		_ = ss.Close()
	})

	aliceToken, err := resolver.Sign(identity.Identity{ID: "alice", Email: "alice@example.com"}, time.Hour)
	require.NoError(t, err)
	bobToken, err := resolver.Sign(identity.Identity{ID: "bob", Email: "bob@example.com"}, time.Hour)
	require.NoError(t, err)

	return &harness{url: srv.URL, alice: aliceToken, bob: bobToken}
}

// fetch sends body as JSON and decodes a JSON answer into out when given.
func (h *harness) fetch(method string, path string, token string, body interface{}, out interface{}) (int, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.url+path, r)
	if err != nil {
		return 0, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func (h *harness) do(t *testing.T, method string, path string, token string, body interface{}, out interface{}) int {
	t.Helper()
	code, err := h.fetch(method, path, token, body, out)
	require.NoError(t, err)
	return code
}

func (h *harness) send(t *testing.T, token string, req chat.SendRequest) chat.SendResult {
	t.Helper()
	var res chat.SendResult
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/messages", token, req, &res))
	return res
}

func (h *harness) messages(t *testing.T, token string, threadID string) []*chatstore.Message {
	t.Helper()
	var out struct {
		Messages []*chatstore.Message `json:"messages"`
	}
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/threads/"+threadID+"/messages", token, nil, &out))
	return out.Messages
}

func (h *harness) waitForAnswer(t *testing.T, token string, threadID string) []*chatstore.Message {
	t.Helper()
	var msgs []*chatstore.Message
	require.Eventually(t, func() bool {
		var out struct {
			Messages []*chatstore.Message `json:"messages"`
		}
		code, err := h.fetch(http.MethodGet, "/api/threads/"+threadID+"/messages", token, nil, &out)
		msgs = out.Messages
		return err == nil && code == http.StatusOK && len(msgs) == 2 && msgs[0].StreamID == ""
	}, 5*time.Second, 10*time.Millisecond)
	return msgs
}

// waitForTitle waits for the title job so later renames are not overwritten.
func (h *harness) waitForTitle(t *testing.T, token string, threadID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		var thread chatstore.Thread
		code, err := h.fetch(http.MethodGet, "/api/threads/"+threadID, token, nil, &thread)
		return err == nil && code == http.StatusOK && thread.Title != ""
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, &providerstest.Scripted{})
	var out map[string]string
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/healthz", "", nil, &out))
	assert.Equal(t, "ok", out["status"])
}

func TestRequiresIdentity(t *testing.T) {
	h := newHarness(t, &providerstest.Scripted{})
	var out map[string]string
	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/api/threads", "", nil, &out))
	assert.NotEmpty(t, out["error"])
	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/api/threads", "garbage", nil, &out))

	// the session id query parameter is accepted as well
	resp, err := http.Get(h.url + "/api/threads?sessionId=" + h.alice)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSendAndStream(t *testing.T) {
	h := newHarness(t, &providerstest.Scripted{Parts: providerstest.Text("Hello", " world")})
	res := h.send(t, h.alice, chat.SendRequest{Prompt: "Hi there"})
	require.NotEmpty(t, res.ThreadID)
	require.NotEmpty(t, res.StreamID)

	body, _ := json.Marshal(map[string]string{"streamId": res.StreamID})
	req, err := http.NewRequest(http.MethodPost, h.url+"/chat-stream?threadId="+res.ThreadID+"&sessionId="+h.alice, bytes.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	text, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", resp.Header.Get("Vary"))
	assert.Equal(t, "Hello world", string(text))

	msgs := h.waitForAnswer(t, h.alice, res.ThreadID)
	assert.Equal(t, chatstore.RoleUser, msgs[0].Role)
	assert.Equal(t, "Hello world", msgs[1].Content)

	var thread chatstore.Thread
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/threads/"+res.ThreadID, h.alice, nil, &thread))
	assert.Equal(t, testModel, thread.Model)
}

func TestChatStreamPreflight(t *testing.T) {
	h := newHarness(t, &providerstest.Scripted{})
	req, err := http.NewRequest(http.MethodOptions, h.url+"/chat-stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestChatStreamForeignStream(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	h := newHarness(t, &providerstest.Scripted{Parts: providerstest.Text("slow"), Gate: gate})
	res := h.send(t, h.alice, chat.SendRequest{Prompt: "Hi"})

	var out map[string]string
	code := h.do(t, http.MethodPost, "/chat-stream", h.bob, map[string]string{"streamId": res.StreamID}, &out)
	assert.Equal(t, http.StatusForbidden, code)
	code = h.do(t, http.MethodPost, "/chat-stream", h.alice, map[string]string{}, &out)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSendWhileInFlightAndStop(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, &providerstest.Scripted{Parts: providerstest.Text("partial", " rest"), Gate: gate, GateAfter: 1})
	res := h.send(t, h.alice, chat.SendRequest{Prompt: "Hi"})

	var snap streams.Snapshot
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/streams/"+res.StreamID+"?after=0&wait=1", h.alice, nil, &snap))
	assert.Equal(t, "partial", snap.Text)
	assert.Equal(t, streams.StatusStreaming, snap.Status)

	var out map[string]string
	code := h.do(t, http.MethodPost, "/api/messages", h.alice, chat.SendRequest{Prompt: "again", ThreadID: res.ThreadID}, &out)
	assert.Equal(t, http.StatusConflict, code)

	var stopped map[string]bool
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/streams/"+res.StreamID+"/stop", h.alice, nil, &stopped))
	assert.True(t, stopped["stopped"])

	msgs := h.messages(t, h.alice, res.ThreadID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "partial", msgs[1].Content)
	assert.True(t, msgs[1].Stopped)

	// stopping twice is a no-op
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/streams/"+res.StreamID+"/stop", h.alice, nil, &stopped))
	assert.False(t, stopped["stopped"])
	close(gate)
}

func TestSharedReaderFollowsInFlightStream(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, &providerstest.Scripted{Parts: providerstest.Text("partial", " rest"), Gate: gate, GateAfter: 1})
	res := h.send(t, h.alice, chat.SendRequest{Prompt: "Hi"})

	var out map[string]string
	require.Equal(t, http.StatusForbidden, h.do(t, http.MethodGet, "/streams/"+res.StreamID+"?after=0", h.bob, nil, &out))

	var shares struct {
		Shares []*chatstore.Share `json:"shares"`
	}
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/threads/"+res.ThreadID+"/shares", h.alice,
		map[string][]string{"emails": {"Bob@Example.com"}}, &shares))
	require.Len(t, shares.Shares, 1)

	var snap streams.Snapshot
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/streams/"+res.StreamID+"?after=0&wait=1", h.bob, nil, &snap))
	assert.Equal(t, "partial", snap.Text)
	assert.Equal(t, streams.StatusStreaming, snap.Status)

	// readers watch the stream but cannot stop it
	var stopped map[string]bool
	assert.Equal(t, http.StatusForbidden, h.do(t, http.MethodPost, "/api/streams/"+res.StreamID+"/stop", h.bob, nil, &stopped))

	type result struct {
		code int
		text string
		err  error
	}
	streamed := make(chan result, 1)
	go func() {
		body, _ := json.Marshal(map[string]string{"streamId": res.StreamID})
		req, err := http.NewRequest(http.MethodPost, h.url+"/chat-stream?threadId="+res.ThreadID+"&sessionId="+h.bob, bytes.NewReader(body))
		if err != nil {
			streamed <- result{err: err}
			return
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			streamed <- result{err: err}
			return
		}
		text, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		streamed <- result{code: resp.StatusCode, text: string(text), err: err}
	}()
	close(gate)

	select {
	case r := <-streamed:
		require.NoError(t, r.err)
		assert.Equal(t, http.StatusOK, r.code)
		assert.Equal(t, "partial rest", r.text)
	case <-time.After(5 * time.Second):
		t.Fatal("shared reader never saw the end of the stream")
	}

	msgs := h.waitForAnswer(t, h.alice, res.ThreadID)
	assert.Equal(t, "partial rest", msgs[1].Content)
}

func TestChatStreamThreadMismatch(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	h := newHarness(t, &providerstest.Scripted{Parts: providerstest.Text("slow"), Gate: gate})
	res := h.send(t, h.alice, chat.SendRequest{Prompt: "Hi"})
	other := h.send(t, h.bob, chat.SendRequest{Prompt: "Elsewhere"})

	var out map[string]string
	code := h.do(t, http.MethodPost, "/chat-stream?threadId="+other.ThreadID, h.alice, map[string]string{"streamId": res.StreamID}, &out)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, out["error"], "does not belong to thread")
}

func TestPollStreamValidation(t *testing.T) {
	h := newHarness(t, &providerstest.Scripted{Parts: providerstest.Text("Hello")})
	res := h.send(t, h.alice, chat.SendRequest{Prompt: "Hi"})
	h.waitForAnswer(t, h.alice, res.ThreadID)

	var snap streams.Snapshot
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/streams/"+res.StreamID+"?format=json", h.alice, nil, &snap))
	assert.Equal(t, "Hello", snap.Answer)
	assert.Equal(t, streams.StatusDone, snap.Status)

	var out map[string]string
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/streams/"+res.StreamID+"?after=x", h.alice, nil, &out))
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/streams/"+res.StreamID+"?format=xml", h.alice, nil, &out))
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/streams/unknown", h.alice, nil, &out))
}

func TestThreadRoutes(t *testing.T) {
	h := newHarness(t, &providerstest.Scripted{Parts: providerstest.Text("Answer")})
	res := h.send(t, h.alice, chat.SendRequest{Prompt: "Question"})
	h.waitForAnswer(t, h.alice, res.ThreadID)
	h.waitForTitle(t, h.alice, res.ThreadID)

	var thread chatstore.Thread
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPut, "/api/threads/"+res.ThreadID+"/title", h.alice, map[string]string{"title": "Renamed"}, &thread))
	assert.Equal(t, "Renamed", thread.Title)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/threads/"+res.ThreadID+"/pin", h.alice, nil, &thread))
	assert.True(t, thread.Pinned)

	var list struct {
		Threads []*chatstore.Thread `json:"threads"`
	}
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/threads", h.alice, nil, &list))
	require.Len(t, list.Threads, 1)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/threads", h.bob, nil, &list))
	assert.Empty(t, list.Threads)

	var out map[string]string
	assert.Equal(t, http.StatusForbidden, h.do(t, http.MethodGet, "/api/threads/"+res.ThreadID+"/messages", h.bob, nil, &out))
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/threads/missing", h.alice, nil, &out))
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPut, "/api/threads/"+res.ThreadID+"/title", h.alice, map[string]string{"title": " "}, &out))

	req, err := http.NewRequest(http.MethodGet, h.url+"/api/threads/"+res.ThreadID+"/export?format=markdown", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+h.alice)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	md, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(string(md), "# Renamed"))
	assert.Contains(t, string(md), "Answer")

	assert.Equal(t, http.StatusNoContent, h.do(t, http.MethodDelete, "/api/threads/"+res.ThreadID, h.alice, nil, nil))
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/threads/"+res.ThreadID, h.alice, nil, &out))
}

func TestRetryAndBranchRoutes(t *testing.T) {
	h := newHarness(t, &providerstest.Scripted{Parts: providerstest.Text("Answer")})
	res := h.send(t, h.alice, chat.SendRequest{Prompt: "Question"})
	msgs := h.waitForAnswer(t, h.alice, res.ThreadID)

	var branched map[string]string
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/threads/"+res.ThreadID+"/branch", h.alice,
		map[string]string{"messageId": msgs[1].ID}, &branched))
	require.NotEmpty(t, branched["threadId"])
	assert.NotEqual(t, res.ThreadID, branched["threadId"])
	assert.Len(t, h.messages(t, h.alice, branched["threadId"]), 2)

	var regen chat.RegenerateResult
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/messages/"+msgs[1].ID+"/retry", h.alice, nil, &regen))
	assert.Equal(t, msgs[0].ID, regen.MessageID)
	retried := h.waitForAnswer(t, h.alice, res.ThreadID)
	assert.NotEqual(t, msgs[1].ID, retried[1].ID)

	var out map[string]string
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/api/messages/"+retried[1].ID+"/edit", h.alice,
		map[string]string{"content": "changed"}, &out))
	assert.Equal(t, http.StatusForbidden, h.do(t, http.MethodPost, "/api/messages/"+retried[0].ID+"/retry", h.bob, nil, &out))
}

func TestSharesAndConfigRoutes(t *testing.T) {
	h := newHarness(t, &providerstest.Scripted{Parts: providerstest.Text("Answer")})
	res := h.send(t, h.alice, chat.SendRequest{Prompt: "Question"})
	h.waitForAnswer(t, h.alice, res.ThreadID)

	var shares struct {
		Shares []*chatstore.Share `json:"shares"`
	}
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/threads/"+res.ThreadID+"/shares", h.alice,
		map[string]interface{}{"emails": []string{"Bob@Example.com"}}, &shares))
	require.Len(t, shares.Shares, 1)
	assert.Len(t, h.messages(t, h.bob, res.ThreadID), 2)

	var cfg chatstore.UserConfig
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPut, "/api/config/model", h.alice, map[string]string{"model": "ollama/llama3"}, &cfg))
	assert.Equal(t, "ollama/llama3", cfg.CurrentModel)

	var keys struct {
		Keys map[string]bool `json:"keys"`
	}
	assert.Equal(t, http.StatusNoContent, h.do(t, http.MethodPut, "/api/keys/openai", h.alice, map[string]string{"key": "sk-1"}, nil))
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/keys", h.alice, nil, &keys))
	assert.True(t, keys.Keys["openai"])
	var out map[string]string
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPut, "/api/keys/acme", h.alice, map[string]string{"key": "x"}, &out))
}

func TestUploadAndAttach(t *testing.T) {
	h := newHarness(t, &providerstest.Scripted{})
	var upload map[string]string
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/attachments/upload-url", h.alice, nil, &upload))
	require.True(t, strings.HasPrefix(upload["url"], h.url+"/files/upload/"))

	resp, err := http.Post(upload["url"]+"?name=notes.txt", "text/plain", strings.NewReader("some notes"))
	require.NoError(t, err)
	var stored map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stored))
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// upload urls are single use
	resp, err = http.Post(upload["url"], "text/plain", strings.NewReader("again"))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var att chatstore.Attachment
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/attachments", h.alice, map[string]string{"storageId": stored["storageId"]}, &att))
	assert.Equal(t, "notes.txt", att.Name)
	assert.EqualValues(t, len("some notes"), att.Size)

	var u map[string]string
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/attachments/"+att.ID+"/url", h.alice, nil, &u))
	resp, err = http.Get(u["url"])
	require.NoError(t, err)
	content, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "some notes", string(content))
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))

	var out map[string]string
	assert.Equal(t, http.StatusForbidden, h.do(t, http.MethodGet, "/api/attachments/"+att.ID+"/url", h.bob, nil, &out))
	assert.Equal(t, http.StatusNoContent, h.do(t, http.MethodDelete, "/api/attachments", h.alice, map[string][]string{"ids": {att.ID}}, nil))
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, &providerstest.Scripted{}, WithRateLimit(0.001, 2))
	var out map[string]interface{}
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/threads", h.alice, nil, &out))
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/threads", h.alice, nil, &out))
	assert.Equal(t, http.StatusTooManyRequests, h.do(t, http.MethodGet, "/api/threads", h.alice, nil, &out))
	// buckets are per identity
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/threads", h.bob, nil, &out))
}

func TestMetricsRoute(t *testing.T) {
	h := newHarness(t, &providerstest.Scripted{}, WithMetrics(metrics.New()))
	var out map[string]interface{}
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/threads", h.alice, nil, &out))

	resp, err := http.Get(h.url + "/metrics")
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Contains(t, string(b), `route="/api/threads"`)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(&chatstore.StreamInFlightError{ThreadID: "t", MessageID: "m"}))
	assert.Equal(t, http.StatusBadRequest, statusFor(chat.ErrInvalidRetryTarget))
	assert.Equal(t, http.StatusNotFound, statusFor(streams.ErrStreamNotFound))
	assert.Equal(t, http.StatusInternalServerError, statusFor(providers.ErrProviderFailure))
}

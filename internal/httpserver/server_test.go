package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"courseassist/internal/attach"
	"courseassist/internal/chat"
	"courseassist/internal/config"
	"courseassist/internal/genai"
	"courseassist/internal/storage"
)

type fakeCompleter struct {
	completion *chat.Completion
	err        error
	events     []chat.StreamEvent

	payload []chat.Turn
}

func (f *fakeCompleter) Complete(_ context.Context, turns []chat.Turn) (*chat.Completion, error) {
	f.payload = turns
	return f.completion, f.err
}

func (f *fakeCompleter) Stream(_ context.Context, turns []chat.Turn) <-chan chat.StreamEvent {
	f.payload = turns
	ch := make(chan chat.StreamEvent, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeProber bool

func (p fakeProber) Healthy(context.Context) bool { return bool(p) }

func testConfig() config.Config {
	return config.Config{
		Course: config.CourseConfig{Name: "STAT 350", AssistantName: "Course Assistant"},
		GenAI:  config.GenAIConfig{Model: "gpt-stat350"},
		Upload: config.UploadConfig{
			Enabled:            true,
			MaxSizeMB:          10,
			AllowedExtensions:  []string{".txt", ".md"},
			MaxAttachmentChars: 50000,
		},
		Storage:  config.StorageConfig{Mode: "memory"},
		Advanced: config.Advanced{MemoryPerConversation: 50},
	}
}

func ephemeralRouter(t *testing.T, cfg config.Config, client chat.Completer, hasKey bool) http.Handler {
	t.Helper()
	sessions := chat.NewSessionStore(0).WithWindow(cfg.Advanced.MemoryPerConversation)
	relay := chat.NewRelay(chat.RelayConfig{
		Store:  sessions,
		Client: client,
		Attach: attach.NewNormalizer(cfg.Upload, nil),
		Window: cfg.Advanced.MemoryPerConversation,
		HasKey: hasKey,
	})
	return NewRouter(ServerDeps{
		Relay:    relay,
		Sessions: sessions,
		Upstream: fakeProber(true),
		Config:   cfg,
		Logger:   discardLogger(),
	})
}

func persistentRouter(t *testing.T, cfg config.Config, client chat.Completer) http.Handler {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	store, err := storage.New(db, cfg.Advanced.MemoryPerConversation, nil)
	if err != nil {
		t.Fatalf("init store: %v", err)
	}
	relay := chat.NewRelay(chat.RelayConfig{
		Store:  store,
		Convs:  store,
		Client: client,
		Attach: attach.NewNormalizer(cfg.Upload, nil),
		Window: cfg.Advanced.MemoryPerConversation,
		HasKey: true,
	})
	return NewRouter(ServerDeps{
		Relay:    relay,
		Store:    store,
		Upstream: fakeProber(true),
		Config:   cfg,
		Logger:   discardLogger(),
	})
}

func postJSON(t *testing.T, handler http.Handler, path string, body any, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestChatReturnsCompletion(t *testing.T) {
	client := &fakeCompleter{completion: &chat.Completion{
		Content: "the answer",
		Model:   "gpt-stat350",
		Usage:   chat.Usage{TotalTokens: 20},
	}}
	handler := ephemeralRouter(t, testConfig(), client, true)

	rec := postJSON(t, handler, "/chat", map[string]string{"message": "what is variance?"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	body := decodeBody(t, rec)
	if body["content"] != "the answer" || body["model"] != "gpt-stat350" {
		t.Fatalf("unexpected body: %v", body)
	}
	if body["message_count"].(float64) != 2 {
		t.Fatalf("expected message_count 2, got %v", body["message_count"])
	}
	if body["conversation_id"] == "" {
		t.Fatalf("conversation id missing")
	}

	found := false
	for _, c := range rec.Result().Cookies() {
		if c.Name == sessionCookie && c.Value != "" {
			found = true
		}
	}
	if !found {
		t.Fatalf("session cookie not set on first contact")
	}
}

func TestChatEmptyMessage(t *testing.T) {
	handler := ephemeralRouter(t, testConfig(), &fakeCompleter{}, true)

	rec := postJSON(t, handler, "/chat", map[string]string{"message": "   "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "Message cannot be empty" {
		t.Fatalf("unexpected error body: %v", body)
	}
}

func TestChatMissingAPIKey(t *testing.T) {
	handler := ephemeralRouter(t, testConfig(), &fakeCompleter{}, false)

	rec := postJSON(t, handler, "/chat", map[string]string{"message": "hi"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestChatUpstreamErrorMapping(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{"upstream", &genai.UpstreamError{Status: 500, Detail: "model overloaded"}, http.StatusBadGateway, "API error: model overloaded"},
		{"timeout", fmt.Errorf("wrapped: %w", genai.ErrTimeout), http.StatusGatewayTimeout, "Request timeout. Please try again."},
		{"protocol", &genai.ProtocolError{Reason: "empty response from model"}, http.StatusBadGateway, "Failed to get response from API"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := ephemeralRouter(t, testConfig(), &fakeCompleter{err: tc.err}, true)
			rec := postJSON(t, handler, "/chat", map[string]string{"message": "hi"})
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			if body := decodeBody(t, rec); body["error"] != tc.message {
				t.Fatalf("unexpected message: %v", body["error"])
			}
		})
	}
}

func TestChatSessionContextCarriesAcrossRequests(t *testing.T) {
	client := &fakeCompleter{completion: &chat.Completion{Content: "reply"}}
	handler := ephemeralRouter(t, testConfig(), client, true)

	first := postJSON(t, handler, "/chat", map[string]string{"message": "first"})
	if first.Code != http.StatusOK {
		t.Fatalf("first request failed: %d", first.Code)
	}
	var session *http.Cookie
	for _, c := range first.Result().Cookies() {
		if c.Name == sessionCookie {
			session = c
		}
	}
	if session == nil {
		t.Fatalf("no session cookie issued")
	}

	second := postJSON(t, handler, "/chat", map[string]string{"message": "second"}, session)
	if second.Code != http.StatusOK {
		t.Fatalf("second request failed: %d", second.Code)
	}
	if len(client.payload) != 3 {
		t.Fatalf("expected prior exchange in payload, got %d turns", len(client.payload))
	}
	if body := decodeBody(t, second); body["message_count"].(float64) != 4 {
		t.Fatalf("expected message_count 4, got %v", body["message_count"])
	}
}

func TestChatMultipartMergesAttachment(t *testing.T) {
	client := &fakeCompleter{completion: &chat.Completion{Content: "ok"}}
	handler := ephemeralRouter(t, testConfig(), client, true)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("message", "summarize this")
	part, _ := mw.CreateFormFile("files", "notes.txt")
	_, _ = part.Write([]byte("lecture notes"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/chat", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	sent := client.payload[len(client.payload)-1].Content
	if !strings.Contains(sent, "--- Attached Files ---") || !strings.Contains(sent, "lecture notes") {
		t.Fatalf("attachment not merged into user turn: %q", sent)
	}
}

func TestChatMultipartTooLarge(t *testing.T) {
	cfg := testConfig()
	cfg.Upload.MaxSizeMB = 1
	handler := ephemeralRouter(t, cfg, &fakeCompleter{completion: &chat.Completion{Content: "ok"}}, true)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("message", "look at this")
	part, _ := mw.CreateFormFile("files", "big.txt")
	_, _ = part.Write(bytes.Repeat([]byte("x"), 2<<20))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/chat", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "File too large. Maximum size is 1MB" {
		t.Fatalf("unexpected message: %v", body["error"])
	}
}

func TestStreamRelaysEvents(t *testing.T) {
	client := &fakeCompleter{events: []chat.StreamEvent{
		{Data: []byte(`{"choices":[{"delta":{"content":"Hello"}}]}`)},
		{Data: []byte(`{"choices":[{"delta":{"content":" world"}}]}`)},
		{Done: true},
	}}
	handler := ephemeralRouter(t, testConfig(), client, true)

	rec := postJSON(t, handler, "/chat/stream", map[string]string{"message": "hi"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("wrong content type: %q", ct)
	}
	if rec.Header().Get("X-Accel-Buffering") != "no" {
		t.Fatalf("proxy buffering not disabled")
	}

	body := rec.Body.String()
	if !strings.Contains(body, `data: {"choices":[{"delta":{"content":"Hello"}}]}`+"\n\n") {
		t.Fatalf("fragment not relayed verbatim: %q", body)
	}
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Fatalf("completion sentinel missing: %q", body)
	}
}

func TestStreamValidationErrorBeforeEvents(t *testing.T) {
	handler := ephemeralRouter(t, testConfig(), &fakeCompleter{}, true)

	rec := postJSON(t, handler, "/chat/stream", map[string]string{"message": ""})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("pre-stream errors must be plain JSON, got %q", ct)
	}
}

func TestStreamMidStreamErrorFrame(t *testing.T) {
	client := &fakeCompleter{events: []chat.StreamEvent{
		{Data: []byte(`{"choices":[{"delta":{"content":"partial"}}]}`)},
		{Err: &genai.UpstreamError{Status: 502, Detail: "gone"}},
	}}
	handler := ephemeralRouter(t, testConfig(), client, true)

	rec := postJSON(t, handler, "/chat/stream", map[string]string{"message": "hi"})
	if rec.Code != http.StatusOK {
		t.Fatalf("stream already started, status must stay 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `data: {"error":"API error: gone"}`) {
		t.Fatalf("error frame missing: %q", rec.Body.String())
	}
}

func TestStreamMultipartMergesAttachment(t *testing.T) {
	client := &fakeCompleter{events: []chat.StreamEvent{
		{Data: []byte(`{"choices":[{"delta":{"content":"summary"}}]}`)},
		{Done: true},
	}}
	handler := ephemeralRouter(t, testConfig(), client, true)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("message", "summarize this")
	part, _ := mw.CreateFormFile("files", "notes.txt")
	_, _ = part.Write([]byte("lecture notes"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/chat/stream", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("wrong content type: %q", ct)
	}
	if !strings.HasSuffix(rec.Body.String(), "data: [DONE]\n\n") {
		t.Fatalf("completion sentinel missing: %q", rec.Body.String())
	}
	sent := client.payload[len(client.payload)-1].Content
	if !strings.Contains(sent, "--- Attached Files ---") || !strings.Contains(sent, "lecture notes") {
		t.Fatalf("attachment not merged into streamed user turn: %q", sent)
	}
}

func TestStreamMessagesListSeedsContext(t *testing.T) {
	client := &fakeCompleter{events: []chat.StreamEvent{{Done: true}}}
	handler := ephemeralRouter(t, testConfig(), client, true)

	rec := postJSON(t, handler, "/chat/stream", map[string]any{
		"messages": []map[string]string{
			{"role": "system", "content": "course prompt"},
			{"role": "user", "content": "earlier"},
			{"role": "assistant", "content": "earlier answer"},
			{"role": "user", "content": "the new question"},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	if len(client.payload) != 4 {
		t.Fatalf("expected 4 payload turns, got %d", len(client.payload))
	}
	if client.payload[0].Role != chat.RoleSystem {
		t.Fatalf("system turn lost from seeded context")
	}
	if last := client.payload[3]; last.Content != "the new question" {
		t.Fatalf("new question not last: %+v", last)
	}
}

func TestConversationLifecycle(t *testing.T) {
	client := &fakeCompleter{completion: &chat.Completion{Content: "answer", Model: "gpt-stat350"}}
	handler := persistentRouter(t, testConfig(), client)
	session := &http.Cookie{Name: sessionCookie, Value: "student-1"}

	rec := postJSON(t, handler, "/chat", map[string]string{"message": "what is a z-score?"}, session)
	if rec.Code != http.StatusOK {
		t.Fatalf("chat failed: %d %s", rec.Code, rec.Body.String())
	}
	convID := decodeBody(t, rec)["conversation_id"].(string)

	// Second exchange in the same conversation.
	rec = postJSON(t, handler, "/chat", map[string]string{
		"message": "and a t-score?", "conversation_id": convID,
	}, session)
	if rec.Code != http.StatusOK {
		t.Fatalf("second chat failed: %d", rec.Code)
	}
	if decodeBody(t, rec)["message_count"].(float64) != 4 {
		t.Fatalf("message count not cumulative")
	}

	// Listing.
	req := httptest.NewRequest(http.MethodGet, "/conversations", nil)
	req.AddCookie(session)
	list := httptest.NewRecorder()
	handler.ServeHTTP(list, req)
	if list.Code != http.StatusOK {
		t.Fatalf("list failed: %d", list.Code)
	}
	listBody := decodeBody(t, list)
	if listBody["total"].(float64) != 1 {
		t.Fatalf("expected 1 conversation, got %v", listBody["total"])
	}

	// Fetch with messages.
	req = httptest.NewRequest(http.MethodGet, "/conversations/"+convID, nil)
	get := httptest.NewRecorder()
	handler.ServeHTTP(get, req)
	if get.Code != http.StatusOK {
		t.Fatalf("get failed: %d", get.Code)
	}
	getBody := decodeBody(t, get)
	if getBody["title"] != "what is a z-score?" {
		t.Fatalf("title not derived from first message: %v", getBody["title"])
	}
	if msgs := getBody["messages"].([]any); len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}

	// Export as a JSON document.
	req = httptest.NewRequest(http.MethodGet, "/conversations/"+convID+"/export", nil)
	export := httptest.NewRecorder()
	handler.ServeHTTP(export, req)
	if export.Code != http.StatusOK {
		t.Fatalf("export failed: %d", export.Code)
	}
	exportBody := decodeBody(t, export)
	if exportBody["course"] != "STAT 350" || exportBody["conversation_id"] != convID {
		t.Fatalf("export document incomplete: %v", exportBody)
	}
	if exportBody["title"] != "what is a z-score?" {
		t.Fatalf("export title missing: %v", exportBody["title"])
	}
	if msgs := exportBody["messages"].([]any); len(msgs) != 4 {
		t.Fatalf("export must carry all messages, got %d", len(msgs))
	}
	cd := export.Header().Get("Content-Disposition")
	if !strings.Contains(cd, "attachment") || !strings.Contains(cd, ".json") {
		t.Fatalf("export must download as json: %q", cd)
	}

	// Delete, then 404.
	req = httptest.NewRequest(http.MethodDelete, "/conversations/"+convID, nil)
	del := httptest.NewRecorder()
	handler.ServeHTTP(del, req)
	if del.Code != http.StatusOK {
		t.Fatalf("delete failed: %d", del.Code)
	}
	req = httptest.NewRequest(http.MethodGet, "/conversations/"+convID, nil)
	gone := httptest.NewRecorder()
	handler.ServeHTTP(gone, req)
	if gone.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", gone.Code)
	}
}

func TestConversationRoutesAbsentInEphemeralMode(t *testing.T) {
	handler := ephemeralRouter(t, testConfig(), &fakeCompleter{}, true)

	req := httptest.NewRequest(http.MethodGet, "/conversations", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound && rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("conversation routes must not exist in ephemeral mode, got %d", rec.Code)
	}
}

func TestHealthReportsDependencies(t *testing.T) {
	handler := ephemeralRouter(t, testConfig(), &fakeCompleter{}, true)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["api"] != "connected" || body["database"] != "not configured" {
		t.Fatalf("unexpected health body: %v", body)
	}
}

func TestConfigInfoHidesCredentials(t *testing.T) {
	handler := ephemeralRouter(t, testConfig(), &fakeCompleter{}, true)

	req := httptest.NewRequest(http.MethodGet, "/config-info", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	body := decodeBody(t, rec)
	if body["course_name"] != "STAT 350" || body["model"] != "gpt-stat350" {
		t.Fatalf("public config missing: %v", body)
	}
	if strings.Contains(strings.ToLower(rec.Body.String()), "api_key") {
		t.Fatalf("config-info leaked a credential field")
	}
}

func TestClearSessionDropsContext(t *testing.T) {
	client := &fakeCompleter{completion: &chat.Completion{Content: "reply"}}
	handler := ephemeralRouter(t, testConfig(), client, true)
	session := &http.Cookie{Name: sessionCookie, Value: "sess-clear"}

	if rec := postJSON(t, handler, "/chat", map[string]string{"message": "hello"}, session); rec.Code != http.StatusOK {
		t.Fatalf("chat failed: %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/clear-session", nil)
	req.AddCookie(session)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("clear-session failed: %d", rec.Code)
	}

	second := postJSON(t, handler, "/chat", map[string]string{"message": "again"}, session)
	if second.Code != http.StatusOK {
		t.Fatalf("chat after clear failed: %d", second.Code)
	}
	if body := decodeBody(t, second); body["message_count"].(float64) != 2 {
		t.Fatalf("context not cleared: message_count %v", body["message_count"])
	}
}

func TestRateLimitExceeded(t *testing.T) {
	cfg := testConfig()
	cfg.Security.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1}
	client := &fakeCompleter{completion: &chat.Completion{Content: "ok"}}
	handler := ephemeralRouter(t, cfg, client, true)

	first := postJSON(t, handler, "/chat", map[string]string{"message": "one"})
	if first.Code != http.StatusOK {
		t.Fatalf("first request must pass, got %d", first.Code)
	}
	second := postJSON(t, handler, "/chat", map[string]string{"message": "two"})
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
	if body := decodeBody(t, second); body["error"] != "Rate limit exceeded. Please wait a moment and try again." {
		t.Fatalf("unexpected limit message: %v", body["error"])
	}
}

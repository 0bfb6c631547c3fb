package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"docuchat/internal/chat"
	"docuchat/internal/ingest"
	"docuchat/internal/rag"
	"docuchat/internal/usertoken"
	"docuchat/pkg/ai"
	"docuchat/pkg/domain"
	"docuchat/pkg/storage"
	"docuchat/pkg/store"
)

const testDim = 4

type stubEmbedder struct{}

func (stubEmbedder) EmbedText(_ context.Context, _ string) ([]float32, error) {
	return []float32{1, 0, 0, 0}, nil
}

func (stubEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0, 0}
	}
	return out, nil
}

func (stubEmbedder) Dimensions() int { return testDim }

type stubGenerator struct {
	answer string
}

func (g stubGenerator) GenerateText(_ context.Context, _, _ string) (string, error) {
	return g.answer, nil
}

func (g stubGenerator) StreamText(_ context.Context, _, _ string) (*ai.Stream, error) {
	var buf bytes.Buffer
	for _, word := range strings.Fields(g.answer) {
		fmt.Fprintf(&buf, `{"message":{"content":%q},"done":false}`+"\n", word+" ")
	}
	buf.WriteString(`{"done":true}` + "\n")
	return ai.NewNDJSONStream(io.NopCloser(&buf)), nil
}

type testEnv struct {
	server  *Server
	store   *store.MemoryStore
	handler http.Handler
	signer  *usertoken.Signer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st := store.NewMemoryStore(testDim)
	objects, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	processor, err := ingest.NewProcessor(ingest.Config{
		Store:    st,
		Objects:  objects,
		Embedder: stubEmbedder{},
	})
	if err != nil {
		t.Fatalf("processor: %v", err)
	}
	ragSvc, err := rag.NewService(rag.Config{Store: st, Embedder: stubEmbedder{}})
	if err != nil {
		t.Fatalf("rag service: %v", err)
	}
	orch, err := chat.NewOrchestrator(chat.Config{
		Store: st,
		RAG:   ragSvc,
		NewGenerator: func(ai.ProviderConfig) (ai.Generator, error) {
			return stubGenerator{answer: "the answer"}, nil
		},
	})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	signer, err := usertoken.NewSigner("test-secret", "docuchat", time.Hour)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	verifier, err := usertoken.NewVerifier("test-secret", "docuchat", 0)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	srv := New(Config{
		Store:         st,
		Processor:     processor,
		Orchestrator:  orch,
		RAG:           ragSvc,
		TokenVerifier: verifier,
	})
	return &testEnv{server: srv, store: st, handler: srv.Router(), signer: signer}
}

func (e *testEnv) token(t *testing.T, id, email string, role domain.UserRole) string {
	t.Helper()
	tok, err := e.signer.Sign(domain.User{ID: id, Email: email, Role: role})
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) doJSON(t *testing.T, method, path, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	return e.do(t, method, path, token, body, "application/json")
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func (e *testEnv) createCollection(t *testing.T, token string) domain.Collection {
	t.Helper()
	rec := e.doJSON(t, http.MethodPost, "/collections", token, map[string]string{
		"name":      "notes",
		"provider":  "ollama",
		"modelName": "llama3",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create collection: status %d body %s", rec.Code, rec.Body.String())
	}
	return decodeBody[domain.Collection](t, rec)
}

func (e *testEnv) uploadText(t *testing.T, token, collectionID, filename, content string) domain.Document {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("collectionId", collectionID); err != nil {
		t.Fatalf("write field: %v", err)
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := io.WriteString(part, content); err != nil {
		t.Fatalf("write file part: %v", err)
	}
	mw.Close()

	rec := e.do(t, http.MethodPost, "/documents", token, &buf, mw.FormDataContentType())
	if rec.Code != http.StatusAccepted {
		t.Fatalf("upload: status %d body %s", rec.Code, rec.Body.String())
	}
	return decodeBody[domain.Document](t, rec)
}

func TestRequestsWithoutTokenAreRejected(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/collections", "/documents?collectionId=x", "/sessions"} {
		rec := env.do(t, http.MethodGet, path, "", nil, "")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("GET %s: got status %d, want 401", path, rec.Code)
		}
	}

	rec := env.do(t, http.MethodGet, "/healthz", "", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: got status %d, want 200", rec.Code)
	}
}

func TestCollectionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	alice := env.token(t, "alice", "alice@example.com", domain.RoleUser)
	bob := env.token(t, "bob", "bob@example.com", domain.RoleUser)

	col := env.createCollection(t, alice)
	if col.CreatedBy != "alice" {
		t.Fatalf("createdBy = %q, want alice", col.CreatedBy)
	}

	// Creator sees it, an unrelated user does not.
	if got := decodeBody[[]domain.Collection](t, env.doJSON(t, http.MethodGet, "/collections", alice, nil)); len(got) != 1 {
		t.Fatalf("alice sees %d collections, want 1", len(got))
	}
	if got := decodeBody[[]domain.Collection](t, env.doJSON(t, http.MethodGet, "/collections", bob, nil)); len(got) != 0 {
		t.Fatalf("bob sees %d collections, want 0", len(got))
	}

	// Only the creator (or an admin) may grant access.
	rec := env.doJSON(t, http.MethodPost, "/collections/"+col.ID+"/access", bob, map[string]string{"userId": "bob"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("grant by outsider: status %d, want 403", rec.Code)
	}
	rec = env.doJSON(t, http.MethodPost, "/collections/"+col.ID+"/access", alice, map[string]string{"userId": "bob"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("grant: status %d body %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody[[]domain.Collection](t, env.doJSON(t, http.MethodGet, "/collections", bob, nil)); len(got) != 1 {
		t.Fatalf("bob sees %d collections after grant, want 1", len(got))
	}

	rec = env.doJSON(t, http.MethodDelete, "/collections/"+col.ID, bob, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("delete by non-creator: status %d, want 403", rec.Code)
	}
	rec = env.doJSON(t, http.MethodDelete, "/collections/"+col.ID, alice, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status %d", rec.Code)
	}
	rec = env.doJSON(t, http.MethodGet, "/documents?collectionId="+col.ID, alice, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("list documents after delete: status %d, want 403", rec.Code)
	}
}

func TestDocumentUploadAndLifecycle(t *testing.T) {
	env := newTestEnv(t)
	alice := env.token(t, "alice", "alice@example.com", domain.RoleUser)
	col := env.createCollection(t, alice)

	doc := env.uploadText(t, alice, col.ID, "notes.txt", "The capital of France is Paris.")
	if doc.Filename != "notes.txt" {
		t.Fatalf("filename = %q", doc.Filename)
	}

	// Inline processing mode: the upload is fully processed by the time
	// the handler returns.
	got := decodeBody[domain.Document](t, env.doJSON(t, http.MethodGet, "/documents/"+doc.ID, alice, nil))
	if got.Status != domain.StatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}

	list := decodeBody[[]domain.Document](t, env.doJSON(t, http.MethodGet, "/documents?collectionId="+col.ID, alice, nil))
	if len(list) != 1 || list[0].ID != doc.ID {
		t.Fatalf("list = %+v", list)
	}

	rec := env.doJSON(t, http.MethodPost, "/documents/"+doc.ID+"/reprocess", alice, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("reprocess: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = env.doJSON(t, http.MethodDelete, "/documents/"+doc.ID, alice, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status %d", rec.Code)
	}
	rec = env.doJSON(t, http.MethodGet, "/documents/"+doc.ID, alice, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: status %d, want 404", rec.Code)
	}
}

func TestDocumentDownloadURL(t *testing.T) {
	env := newTestEnv(t)
	alice := env.token(t, "alice", "alice@example.com", domain.RoleUser)
	col := env.createCollection(t, alice)
	doc := env.uploadText(t, alice, col.ID, "notes.txt", "The capital of France is Paris.")

	rec := env.doJSON(t, http.MethodGet, "/documents/"+doc.ID+"/download", alice, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("download: status %d body %s", rec.Code, rec.Body.String())
	}
	got := decodeBody[map[string]string](t, rec)
	if got["url"] == "" {
		t.Fatal("no url in download response")
	}

	mallory := env.token(t, "mallory", "mallory@example.com", domain.RoleUser)
	rec = env.doJSON(t, http.MethodGet, "/documents/"+doc.ID+"/download", mallory, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign download: status %d, want 403", rec.Code)
	}
}

func TestDocumentAccessControl(t *testing.T) {
	env := newTestEnv(t)
	alice := env.token(t, "alice", "alice@example.com", domain.RoleUser)
	mallory := env.token(t, "mallory", "mallory@example.com", domain.RoleUser)
	col := env.createCollection(t, alice)
	doc := env.uploadText(t, alice, col.ID, "notes.txt", "The capital of France is Paris.")

	rec := env.doJSON(t, http.MethodGet, "/documents/"+doc.ID, mallory, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign get: status %d, want 403", rec.Code)
	}
	rec = env.doJSON(t, http.MethodDelete, "/documents/"+doc.ID, mallory, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign delete: status %d, want 403", rec.Code)
	}
}

func TestUploadRejectsUnsupportedType(t *testing.T) {
	env := newTestEnv(t)
	alice := env.token(t, "alice", "alice@example.com", domain.RoleUser)
	col := env.createCollection(t, alice)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("collectionId", col.ID)
	part, _ := mw.CreateFormFile("file", "malware.exe")
	io.WriteString(part, "binary")
	mw.Close()

	rec := env.do(t, http.MethodPost, "/documents", alice, &buf, mw.FormDataContentType())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestChatBlockingTurn(t *testing.T) {
	env := newTestEnv(t)
	alice := env.token(t, "alice", "alice@example.com", domain.RoleUser)
	col := env.createCollection(t, alice)
	env.uploadText(t, alice, col.ID, "notes.txt", "The capital of France is Paris.")

	rec := env.doJSON(t, http.MethodPost, "/chat", alice, map[string]string{
		"collectionId": col.ID,
		"question":     "What is the capital of France?",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("chat: status %d body %s", rec.Code, rec.Body.String())
	}
	answer := decodeBody[chat.Answer](t, rec)
	if answer.Content != "the answer" {
		t.Fatalf("content = %q", answer.Content)
	}
	if answer.SessionID == "" {
		t.Fatalf("missing session id")
	}
	if len(answer.Sources) == 0 {
		t.Fatalf("expected at least one source")
	}

	sessions := decodeBody[[]domain.ChatSession](t, env.doJSON(t, http.MethodGet, "/sessions?collectionId="+col.ID, alice, nil))
	if len(sessions) != 1 || sessions[0].ID != answer.SessionID {
		t.Fatalf("sessions = %+v", sessions)
	}

	messages := decodeBody[[]domain.ChatMessage](t, env.doJSON(t, http.MethodGet, "/sessions/"+answer.SessionID+"/messages", alice, nil))
	if len(messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(messages))
	}
	if messages[0].Role != domain.MessageRoleUser || messages[1].Role != domain.MessageRoleAssistant {
		t.Fatalf("message roles = %q, %q", messages[0].Role, messages[1].Role)
	}

	// Another user cannot read the session.
	mallory := env.token(t, "mallory", "mallory@example.com", domain.RoleUser)
	rec = env.doJSON(t, http.MethodGet, "/sessions/"+answer.SessionID+"/messages", mallory, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign session read: status %d, want 403", rec.Code)
	}
}

func TestChatRequiresQuestion(t *testing.T) {
	env := newTestEnv(t)
	alice := env.token(t, "alice", "alice@example.com", domain.RoleUser)
	col := env.createCollection(t, alice)

	rec := env.doJSON(t, http.MethodPost, "/chat", alice, map[string]string{
		"collectionId": col.ID,
		"question":     "   ",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestChatForbiddenCollection(t *testing.T) {
	env := newTestEnv(t)
	alice := env.token(t, "alice", "alice@example.com", domain.RoleUser)
	mallory := env.token(t, "mallory", "mallory@example.com", domain.RoleUser)
	col := env.createCollection(t, alice)

	rec := env.doJSON(t, http.MethodPost, "/chat", mallory, map[string]string{
		"collectionId": col.ID,
		"question":     "What is the capital of France?",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestChatWebsocketStream(t *testing.T) {
	env := newTestEnv(t)
	alice := env.token(t, "alice", "alice@example.com", domain.RoleUser)
	col := env.createCollection(t, alice)
	env.uploadText(t, alice, col.ID, "notes.txt", "The capital of France is Paris.")

	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/chat/ws?token=" + alice
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v (resp %+v)", err, resp)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{
		"collectionId": col.ID,
		"question":     "What is the capital of France?",
	}); err != nil {
		t.Fatalf("write question: %v", err)
	}

	var types []string
	var streamed strings.Builder
	for {
		var ev chat.Event
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read event: %v (got %v)", err, types)
		}
		types = append(types, ev.Type)
		if ev.Type == chat.EventStreamChunk {
			streamed.WriteString(ev.Content)
		}
		if ev.Type == chat.EventMessageSaved || ev.Type == chat.EventError {
			break
		}
	}

	want := []string{
		chat.EventUserMessage,
		chat.EventSources,
		chat.EventStreamStart,
		chat.EventStreamChunk,
		chat.EventStreamChunk,
		chat.EventStreamEnd,
		chat.EventMessageSaved,
	}
	if len(types) != len(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event[%d] = %q, want %q", i, types[i], want[i])
		}
	}
	if got := strings.TrimSpace(streamed.String()); got != "the answer" {
		t.Fatalf("streamed content = %q", got)
	}
}

func TestChatWebsocketRejectsMissingToken(t *testing.T) {
	env := newTestEnv(t)

	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/chat/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("resp = %+v, want 401", resp)
	}
}

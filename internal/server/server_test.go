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
	"sync"
	"testing"
	"time"

	"aligniq/internal/app"
	"aligniq/pkg/ai"
	"aligniq/pkg/auth"
	"aligniq/pkg/domain"
	"aligniq/pkg/queue"
	"aligniq/pkg/status"
	"aligniq/pkg/storage"
	"aligniq/pkg/store"
)

// memTasks implements app.TaskEnqueuer and TaskReader for handler tests.
type memTasks struct {
	mu    sync.Mutex
	tasks map[string]queue.TaskStatus
	next  int
}

func newMemTasks() *memTasks {
	return &memTasks{tasks: make(map[string]queue.TaskStatus)}
}

func (m *memTasks) Enqueue(ctx context.Context, documentID, ownerID string) (queue.TaskStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	task := queue.TaskStatus{
		TaskID:     fmt.Sprintf("task-%d", m.next),
		DocumentID: documentID,
		OwnerID:    ownerID,
		Status:     queue.StatusQueued,
	}
	m.tasks[task.TaskID] = task
	return task, nil
}

func (m *memTasks) GetTask(ctx context.Context, taskID string) (queue.TaskStatus, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	return task, ok, nil
}

type testEnv struct {
	srv    *httptest.Server
	app    *app.App
	broker *status.MemoryBroker
	tasks  *memTasks
	token  string
	user   domain.User
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	tokens, err := auth.NewTokenIssuer("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("token issuer: %v", err)
	}
	tasks := newMemTasks()
	a, err := app.New(app.Config{
		Store:         store.NewMemoryStore(),
		Objects:       storage.NewMemoryStore(),
		Queue:         tasks,
		ChatGenerator: &ai.StaticGenerator{ChatResponse: "assistant says hi"},
		Tokens:        tokens,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	broker := status.NewMemoryBroker()
	s := New(Config{App: a, Broker: broker, Tasks: tasks})
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)

	env := &testEnv{srv: srv, app: a, broker: broker, tasks: tasks}
	env.user, env.token, err = a.SignUp("dana@example.com", "hunter22", "Dana")
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return env
}

// do sends an authenticated request with a matching CSRF pair.
func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+e.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet {
		req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "csrf-test"})
		req.Header.Set(csrfHeaderName, "csrf-test")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestRegistrationAndLoginStatuses(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/registration", map[string]string{
		"email": "new@example.com", "password": "pw123456", "given_name": "New",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("registration status = %d", resp.StatusCode)
	}
	var tok tokenResponse
	decodeBody(t, resp, &tok)
	if tok.AccessToken == "" || tok.TokenType != "bearer" {
		t.Fatalf("token response = %+v", tok)
	}

	resp = env.do(t, http.MethodPost, "/registration", map[string]string{
		"email": "new@example.com", "password": "pw123456",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate registration status = %d", resp.StatusCode)
	}

	cases := []struct {
		email, password string
		want            int
	}{
		{"new@example.com", "pw123456", http.StatusOK},
		{"new@example.com", "wrong", http.StatusUnauthorized},
		{"ghost@example.com", "pw123456", http.StatusNotFound},
	}
	for _, tc := range cases {
		resp := env.do(t, http.MethodPost, "/login", map[string]string{
			"email_address": tc.email, "password": tc.password,
		})
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Errorf("login %s status = %d, want %d", tc.email, resp.StatusCode, tc.want)
		}
	}
}

func TestCSRFEnforcement(t *testing.T) {
	env := newTestEnv(t)

	// Safe request issues the cookie.
	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/healthz", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	found := false
	for _, c := range resp.Cookies() {
		if c.Name == csrfCookieName && c.Value != "" {
			found = true
		}
	}
	if !found {
		t.Fatalf("safe request should set the csrf cookie")
	}

	// Unsafe request without a matching header is rejected.
	req, _ = http.NewRequest(http.MethodPost, env.srv.URL+"/chat", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer "+env.token)
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "cookie-value"})
	req.Header.Set(csrfHeaderName, "different-value")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("csrf mismatch status = %d", resp.StatusCode)
	}

	// Login is exempt even without the cookie.
	req, _ = http.NewRequest(http.MethodPost, env.srv.URL+"/login", strings.NewReader(`{"email_address":"x@example.com","password":"y"}`))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("login post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusForbidden {
		t.Fatalf("login must be csrf exempt")
	}
}

func TestConversationEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/chat", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("empty history status = %d, want 404", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPost, "/chat", map[string]any{
		"title":   "spec.pdf",
		"message": `[{"role":"assistant","content":"hello"}]`,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("save status = %d", resp.StatusCode)
	}
	var saveResp struct {
		UserDetails chatRecord `json:"user_details"`
	}
	decodeBody(t, resp, &saveResp)
	id := saveResp.UserDetails.ChatHistoryID
	if id == "" {
		t.Fatalf("no chat_history_id in %+v", saveResp)
	}

	resp = env.do(t, http.MethodGet, "/chat", nil)
	var listResp struct {
		UserDetails []domain.ConversationMetadata `json:"user_details"`
	}
	decodeBody(t, resp, &listResp)
	if len(listResp.UserDetails) != 1 || listResp.UserDetails[0].Title != "spec.pdf" {
		t.Fatalf("list = %+v", listResp.UserDetails)
	}

	resp = env.do(t, http.MethodGet, "/chat/"+id, nil)
	var getResp struct {
		UserDetails chatRecord `json:"user_details"`
	}
	decodeBody(t, resp, &getResp)
	var messages []domain.Message
	if err := json.Unmarshal([]byte(getResp.UserDetails.Message), &messages); err != nil {
		t.Fatalf("message blob: %v", err)
	}
	if len(messages) != 1 || messages[0].Content != "hello" {
		t.Fatalf("messages = %+v", messages)
	}

	// Unknown id on update → 404.
	resp = env.do(t, http.MethodPost, "/chat", map[string]any{
		"chat_history_id": "nope", "title": "x",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown update status = %d", resp.StatusCode)
	}

	resp = env.do(t, http.MethodDelete, "/chat/"+id, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp = env.do(t, http.MethodGet, "/chat/"+id, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted fetch status = %d", resp.StatusCode)
	}
}

func TestChatMessageRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/chat/message", map[string]string{
		"message": "What stack fits?",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat message status = %d", resp.StatusCode)
	}
	var msgResp struct {
		Reply       string     `json:"reply"`
		UserDetails chatRecord `json:"user_details"`
	}
	decodeBody(t, resp, &msgResp)
	if msgResp.Reply != "assistant says hi" {
		t.Fatalf("reply = %q", msgResp.Reply)
	}
	if role := msgResp.UserDetails.Message; !strings.Contains(role, domain.RoleAssistant) {
		t.Fatalf("message blob missing assistant turn: %s", role)
	}
	var messages []domain.Message
	if err := json.Unmarshal([]byte(msgResp.UserDetails.Message), &messages); err != nil {
		t.Fatalf("message blob: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected user+assistant turns, got %+v", messages)
	}
}

func uploadFile(t *testing.T, env *testEnv, filename, content string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	io.WriteString(part, content)
	mw.Close()

	req, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/upload/", &buf)
	req.Header.Set("Authorization", "Bearer "+env.token)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "csrf-test"})
	req.Header.Set(csrfHeaderName, "csrf-test")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	return resp
}

func TestUploadAndStatusStream(t *testing.T) {
	env := newTestEnv(t)

	resp := uploadFile(t, env, "spec.txt", "the requirements")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
	var upload struct {
		TaskID     string `json:"task_id"`
		DocumentID string `json:"document_id"`
	}
	decodeBody(t, resp, &upload)
	if upload.TaskID == "" || upload.DocumentID == "" {
		t.Fatalf("upload response = %+v", upload)
	}

	// Rejected extension never reaches the queue.
	resp = uploadFile(t, env, "malware.exe", "x")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("exe upload status = %d", resp.StatusCode)
	}

	// Snapshot requires the owner.
	resp = env.do(t, http.MethodGet, "/status/"+upload.TaskID, nil)
	var snapshot queue.TaskStatus
	decodeBody(t, resp, &snapshot)
	if snapshot.Status != queue.StatusQueued {
		t.Fatalf("snapshot = %+v", snapshot)
	}

	// Publish a terminal event, then stream: replay + immediate close.
	result := domain.AnalysisResult{Summary: "done"}
	if err := env.broker.Publish(context.Background(), upload.TaskID, status.Completed(result)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	streamResp, err := http.Get(env.srv.URL + "/status/" + upload.TaskID + "/events?token=" + env.token)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer streamResp.Body.Close()
	if ct := streamResp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	data, err := io.ReadAll(streamResp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if !strings.Contains(string(data), `"status":"completed"`) {
		t.Fatalf("stream body = %q", data)
	}

	// Wrong token cannot attach to the stream.
	badResp, err := http.Get(env.srv.URL + "/status/" + upload.TaskID + "/events?token=bogus")
	if err != nil {
		t.Fatalf("bad stream: %v", err)
	}
	badResp.Body.Close()
	if badResp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d", badResp.StatusCode)
	}
}

func TestJiraEndpointsRequireJiraAuthorization(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/jira/get_issues", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing jira header status = %d", resp.StatusCode)
	}

	// A regular app token in the Jira header is rejected too.
	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/jira/get_issues", nil)
	req.Header.Set("Authorization", "Bearer "+env.token)
	req.Header.Set("Jira-Authorization", env.token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("app token in jira header status = %d", resp.StatusCode)
	}
}

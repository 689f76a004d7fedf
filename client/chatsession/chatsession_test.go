package chatsession

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"aligniq/client/apiclient"
	"aligniq/client/conversations"
	"aligniq/client/tokenstore"
	"aligniq/internal/app"
	"aligniq/internal/server"
	"aligniq/pkg/ai"
	"aligniq/pkg/auth"
	"aligniq/pkg/domain"
	"aligniq/pkg/queue"
	"aligniq/pkg/status"
	"aligniq/pkg/storage"
	"aligniq/pkg/store"
)

type chatStub struct {
	mu          sync.Mutex
	replies     []string
	fail        bool
	block       chan struct{}
	messages    []string
	messageBlob string
}

func (c *chatStub) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/message" {
			http.NotFound(w, r)
			return
		}
		if c.block != nil {
			<-c.block
		}
		c.mu.Lock()
		fail := c.fail
		reply := "fallback"
		if len(c.replies) > 0 {
			reply = c.replies[0]
			c.replies = c.replies[1:]
		}
		var req struct {
			Message string `json:"message"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		c.messages = append(c.messages, req.Message)
		blob := c.messageBlob
		c.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte(`{"error":"reply generation failed"}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"reply": reply,
			"user_details": map[string]any{
				"chat_history_id": "c-new",
				"title":           "What is the scope",
				"message":         blob,
			},
		})
	})
}

func newSession(t *testing.T, stub *chatStub) *Session {
	t.Helper()
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)
	tokens := tokenstore.NewMemoryStore()
	api, err := apiclient.New(apiclient.Config{BaseURL: srv.URL, Tokens: tokens})
	if err != nil {
		t.Fatalf("apiclient.New: %v", err)
	}
	return New(api, conversations.New(api, tokens))
}

func TestSendAppendsBothTurns(t *testing.T) {
	stub := &chatStub{replies: []string{"The scope covers three services."}}
	session := newSession(t, stub)
	session.Bind(domain.Conversation{ID: "c-1", DocumentID: "d-1"})

	reply, err := session.Send(context.Background(), "  What is the scope?  ")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply != "The scope covers three services." {
		t.Errorf("reply = %q", reply)
	}
	msgs := session.Messages()
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("messages = %+v", msgs)
	}
	if msgs[0].Content != "What is the scope?" {
		t.Errorf("user content = %q, want trimmed", msgs[0].Content)
	}
}

func TestSendRebindsFromServerRecord(t *testing.T) {
	serverCopy := []domain.Message{
		{ID: "m-1", Role: "user", Content: "What is the scope?"},
		{ID: "m-2", Role: "assistant", Content: "Three services."},
	}
	blob, err := json.Marshal(serverCopy)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	stub := &chatStub{replies: []string{"Three services."}, messageBlob: string(blob)}
	session := newSession(t, stub)
	session.Bind(domain.Conversation{ID: "c-new", DocumentID: "d-1"})

	if _, err := session.Send(context.Background(), "What is the scope?"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msgs := session.Messages()
	if len(msgs) != 2 {
		t.Fatalf("messages = %+v", msgs)
	}
	if msgs[0].ID != "m-1" || msgs[1].ID != "m-2" {
		t.Errorf("message ids = %q, %q, want server-assigned m-1, m-2", msgs[0].ID, msgs[1].ID)
	}
}

func TestSendFailureKeepsUserMessage(t *testing.T) {
	stub := &chatStub{fail: true}
	session := newSession(t, stub)
	session.Bind(domain.Conversation{ID: "c-1"})

	_, err := session.Send(context.Background(), "hello?")
	var apiErr *apiclient.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadGateway {
		t.Fatalf("err = %v, want 502 APIError", err)
	}
	msgs := session.Messages()
	if len(msgs) != 1 || msgs[0].Role != "user" || msgs[0].Content != "hello?" {
		t.Errorf("messages = %+v, want the optimistic user turn kept", msgs)
	}
	if session.Loading() {
		t.Error("loading gate stuck after failure")
	}
}

func TestSendRejectsOverlap(t *testing.T) {
	stub := &chatStub{block: make(chan struct{}), replies: []string{"ok"}}
	session := newSession(t, stub)
	session.Bind(domain.Conversation{ID: "c-1"})

	done := make(chan error, 1)
	go func() {
		_, err := session.Send(context.Background(), "first")
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !session.Loading() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if _, err := session.Send(context.Background(), "second"); !errors.Is(err, ErrSendInProgress) {
		t.Fatalf("overlapping send err = %v, want ErrSendInProgress", err)
	}
	close(stub.block)
	if err := <-done; err != nil {
		t.Fatalf("first send: %v", err)
	}
}

func TestSendBindsNewConversationFromResponse(t *testing.T) {
	stub := &chatStub{replies: []string{"hi"}}
	session := newSession(t, stub)

	if _, err := session.Send(context.Background(), "start fresh"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if session.ConversationID() != "c-new" {
		t.Errorf("ConversationID = %q, want c-new", session.ConversationID())
	}
}

func TestSendRejectsEmpty(t *testing.T) {
	session := newSession(t, &chatStub{})
	if _, err := session.Send(context.Background(), "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("err = %v, want ErrEmptyMessage", err)
	}
}

// noopTasks satisfies the enqueue and status-read interfaces for flows
// that never touch the analysis queue.
type noopTasks struct{}

func (noopTasks) Enqueue(ctx context.Context, documentID, ownerID string) (queue.TaskStatus, error) {
	return queue.TaskStatus{TaskID: "task-1", DocumentID: documentID, OwnerID: ownerID, Status: queue.StatusQueued}, nil
}

func (noopTasks) GetTask(ctx context.Context, taskID string) (queue.TaskStatus, bool, error) {
	return queue.TaskStatus{}, false, nil
}

// TestSendRoundTripAgainstServer drives Send through the real HTTP
// surface so both halves of the chat contract stay in lockstep.
func TestSendRoundTripAgainstServer(t *testing.T) {
	issuer, err := auth.NewTokenIssuer("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("token issuer: %v", err)
	}
	a, err := app.New(app.Config{
		Store:         store.NewMemoryStore(),
		Objects:       storage.NewMemoryStore(),
		Queue:         noopTasks{},
		ChatGenerator: &ai.StaticGenerator{ChatResponse: "The deadline is in June."},
		Tokens:        issuer,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	s := server.New(server.Config{App: a, Broker: status.NewMemoryBroker(), Tasks: noopTasks{}})
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)

	user, token, err := a.SignUp("dana@example.com", "hunter22", "Dana")
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}

	tokens := tokenstore.NewMemoryStore()
	tokens.Set(tokenstore.KeyToken, token)
	tokens.Set(tokenstore.KeyUserID, user.ID)
	api, err := apiclient.New(apiclient.Config{BaseURL: srv.URL, Tokens: tokens})
	if err != nil {
		t.Fatalf("apiclient.New: %v", err)
	}
	if err := api.PrimeCSRF(context.Background()); err != nil {
		t.Fatalf("PrimeCSRF: %v", err)
	}
	conv := conversations.New(api, tokens)
	session := New(api, conv)

	reply, err := session.Send(context.Background(), "When is the deadline?")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply != "The deadline is in June." {
		t.Errorf("reply = %q", reply)
	}
	if session.ConversationID() == "" {
		t.Fatal("session not bound to the persisted conversation")
	}
	msgs := session.Messages()
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("messages = %+v", msgs)
	}

	stored, err := conv.Get(context.Background(), session.ConversationID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(stored.Messages) != 2 {
		t.Fatalf("stored messages = %+v, want both turns", stored.Messages)
	}
	if stored.Messages[1].Content != "The deadline is in June." {
		t.Errorf("stored assistant content = %q", stored.Messages[1].Content)
	}
}

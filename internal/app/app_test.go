package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"aligniq/pkg/ai"
	"aligniq/pkg/auth"
	"aligniq/pkg/domain"
	"aligniq/pkg/queue"
	"aligniq/pkg/storage"
	"aligniq/pkg/store"
)

type fakeQueue struct {
	enqueued []string
	err      error
}

func (f *fakeQueue) Enqueue(ctx context.Context, documentID, ownerID string) (queue.TaskStatus, error) {
	if f.err != nil {
		return queue.TaskStatus{}, f.err
	}
	f.enqueued = append(f.enqueued, documentID)
	return queue.TaskStatus{
		TaskID:     "task-" + documentID,
		DocumentID: documentID,
		OwnerID:    ownerID,
		Status:     queue.StatusQueued,
	}, nil
}

func newTestApp(t *testing.T) (*App, *fakeQueue, store.Store) {
	t.Helper()
	tokens, err := auth.NewTokenIssuer("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("token issuer: %v", err)
	}
	st := store.NewMemoryStore()
	q := &fakeQueue{}
	a, err := New(Config{
		Store:         st,
		Objects:       storage.NewMemoryStore(),
		Queue:         q,
		ChatGenerator: &ai.StaticGenerator{ChatResponse: "canned reply"},
		Tokens:        tokens,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a, q, st
}

func TestSignUpAndLogin(t *testing.T) {
	a, _, _ := newTestApp(t)

	user, token, err := a.SignUp("Dana@Example.com", "hunter22", "Dana")
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if user.Email != "dana@example.com" || token == "" {
		t.Fatalf("user = %+v token = %q", user, token)
	}

	if _, _, err := a.SignUp("dana@example.com", "other", ""); !errors.Is(err, ErrEmailAlreadyExists) {
		t.Fatalf("duplicate signup err = %v", err)
	}
	if _, _, err := a.Login("dana@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("bad password err = %v", err)
	}
	if _, _, err := a.Login("nobody@example.com", "hunter22"); !errors.Is(err, ErrUnknownEmail) {
		t.Fatalf("unknown email err = %v", err)
	}

	got, loginToken, err := a.Login("dana@example.com", "hunter22")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if got.ID != user.ID {
		t.Fatalf("login returned different user")
	}

	resolved, ok := a.UserFromToken(loginToken)
	if !ok || resolved.ID != user.ID {
		t.Fatalf("token did not resolve to user")
	}
}

func TestLoginWithProviderUpserts(t *testing.T) {
	a, _, _ := newTestApp(t)

	first, _, err := a.LoginWithProvider(domain.ProviderGoogle, "g@example.com", "G", "pic1", true)
	if err != nil {
		t.Fatalf("first oauth login: %v", err)
	}
	second, _, err := a.LoginWithProvider(domain.ProviderGoogle, "g@example.com", "G Renamed", "pic2", true)
	if err != nil {
		t.Fatalf("second oauth login: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("oauth login created a duplicate account")
	}
	if second.Name != "G Renamed" || second.Picture != "pic2" {
		t.Fatalf("profile not refreshed: %+v", second)
	}
}

func TestUploadDocumentValidation(t *testing.T) {
	a, q, _ := newTestApp(t)
	ctx := context.Background()

	if _, _, err := a.UploadDocument(ctx, "u1", "virus.exe", strings.NewReader("x")); !errors.Is(err, ErrUnsupportedFileType) {
		t.Fatalf("exe err = %v", err)
	}
	if _, _, err := a.UploadDocument(ctx, "u1", "empty.txt", strings.NewReader("")); !errors.Is(err, ErrEmptyFile) {
		t.Fatalf("empty err = %v", err)
	}

	doc, task, err := a.UploadDocument(ctx, "u1", "spec.txt", strings.NewReader("requirements"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if doc.Status != domain.StatusQueued || doc.SizeBytes != int64(len("requirements")) {
		t.Fatalf("doc = %+v", doc)
	}
	if task.TaskID == "" || len(q.enqueued) != 1 || q.enqueued[0] != doc.ID {
		t.Fatalf("task = %+v enqueued = %v", task, q.enqueued)
	}
}

func TestUploadDocumentSizeLimit(t *testing.T) {
	tokens, _ := auth.NewTokenIssuer("s", time.Hour)
	a, err := New(Config{
		Store:          store.NewMemoryStore(),
		Objects:        storage.NewMemoryStore(),
		Queue:          &fakeQueue{},
		Tokens:         tokens,
		MaxUploadBytes: 10,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	_, _, err = a.UploadDocument(context.Background(), "u1", "big.txt", strings.NewReader("0123456789A"))
	if !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("err = %v, want ErrFileTooLarge", err)
	}
}

func TestConversationLifecycle(t *testing.T) {
	a, _, _ := newTestApp(t)

	if _, err := a.Conversations("u1"); !errors.Is(err, ErrNoConversations) {
		t.Fatalf("empty list err = %v", err)
	}

	saved, err := a.SaveConversation("u1", domain.ChatHistory{
		Title:   "spec.pdf",
		Message: []domain.Message{{Role: domain.RoleAssistant, Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if saved.ChatHistoryID == "" {
		t.Fatalf("expected a generated conversation id")
	}

	renamed, err := a.RenameConversation("u1", saved.ChatHistoryID, "Sprint planning")
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if renamed.Title != "Sprint planning" || len(renamed.Message) != 1 {
		t.Fatalf("renamed = %+v", renamed)
	}
	if _, err := a.RenameConversation("u1", saved.ChatHistoryID, "  "); !errors.Is(err, ErrTitleRequired) {
		t.Fatalf("blank title err = %v", err)
	}
	if _, err := a.RenameConversation("other", saved.ChatHistoryID, "x"); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("foreign rename err = %v", err)
	}

	if err := a.DeleteConversation("u1", saved.ChatHistoryID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// Deleting again is a no-op, not an error.
	if err := a.DeleteConversation("u1", saved.ChatHistoryID); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if _, err := a.Conversation("u1", saved.ChatHistoryID); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("deleted fetch err = %v", err)
	}
}

func TestSendChatMessageAppendsBothTurns(t *testing.T) {
	a, _, _ := newTestApp(t)
	ctx := context.Background()

	reply, saved, err := a.SendChatMessage(ctx, "u1", "", "", "What stack should we use?")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if reply.Role != domain.RoleAssistant || reply.Content != "canned reply" {
		t.Fatalf("reply = %+v", reply)
	}
	if len(saved.Message) != 2 || saved.Message[0].Role != domain.RoleUser {
		t.Fatalf("messages = %+v", saved.Message)
	}
	if saved.Title == "" {
		t.Fatalf("new conversation should take its title from the first message")
	}

	// Second turn lands in the same conversation.
	_, again, err := a.SendChatMessage(ctx, "u1", saved.ChatHistoryID, "", "And the team size?")
	if err != nil {
		t.Fatalf("second send: %v", err)
	}
	if again.ChatHistoryID != saved.ChatHistoryID || len(again.Message) != 4 {
		t.Fatalf("second turn = %+v", again)
	}

	if _, _, err := a.SendChatMessage(ctx, "u1", "", "", "   "); !errors.Is(err, ErrMessageRequired) {
		t.Fatalf("blank message err = %v", err)
	}
}

// Package app is the service layer: account management, document
// uploads, conversation history, and chat turns. Handlers translate
// its sentinel errors to HTTP statuses.
package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"aligniq/internal/analysis"
	"aligniq/internal/util"
	"aligniq/pkg/ai"
	"aligniq/pkg/auth"
	"aligniq/pkg/domain"
	"aligniq/pkg/queue"
	"aligniq/pkg/storage"
	"aligniq/pkg/store"
)

const defaultMaxUploadBytes = 20 << 20

// TaskEnqueuer submits an analysis task for an uploaded document.
type TaskEnqueuer interface {
	Enqueue(ctx context.Context, documentID, ownerID string) (queue.TaskStatus, error)
}

// Config wires the application's dependencies.
type Config struct {
	Store          store.Store
	Objects        storage.ObjectStore
	Queue          TaskEnqueuer
	ChatGenerator  ai.ChatGenerator
	Tokens         *auth.TokenIssuer
	MaxUploadBytes int64
}

// App is the core application service.
type App struct {
	store          store.Store
	objects        storage.ObjectStore
	queue          TaskEnqueuer
	chatGen        ai.ChatGenerator
	tokens         *auth.TokenIssuer
	maxUploadBytes int64
}

func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Objects == nil {
		return nil, fmt.Errorf("object store required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("task queue required")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("token issuer required")
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadBytes
	}
	return &App{
		store:          cfg.Store,
		objects:        cfg.Objects,
		queue:          cfg.Queue,
		chatGen:        cfg.ChatGenerator,
		tokens:         cfg.Tokens,
		maxUploadBytes: maxUpload,
	}, nil
}

// SignUp registers a local account and issues an access token.
func (a *App) SignUp(email, password, name string) (domain.User, string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return domain.User{}, "", ErrEmailAndPasswordRequired
	}
	exists, err := a.store.HasUserEmail(email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("check email: %w", err)
	}
	if exists {
		return domain.User{}, "", ErrEmailAlreadyExists
	}
	passwordHash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("hash password: %w", err)
	}
	now := time.Now().UTC()
	user := domain.User{
		ID:           util.NewID(),
		Email:        email,
		Name:         strings.TrimSpace(name),
		PasswordHash: passwordHash,
		Provider:     domain.ProviderLocal,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.SaveUser(user); err != nil {
		return domain.User{}, "", fmt.Errorf("save user: %w", err)
	}
	return a.issueToken(user)
}

// Login validates credentials and issues an access token.
func (a *App) Login(email, password string) (domain.User, string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	user, ok, err := a.store.GetUserByEmail(email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return domain.User{}, "", ErrUnknownEmail
	}
	if strings.TrimSpace(user.PasswordHash) == "" {
		return domain.User{}, "", ErrInvalidCredentials
	}
	if !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, "", ErrInvalidCredentials
	}
	return a.issueToken(user)
}

// LoginWithProvider upserts an OAuth account (Google or Jira) and
// issues an access token. Existing accounts keep their ID; profile
// fields refresh on each login.
func (a *App) LoginWithProvider(provider domain.AuthProvider, email, name, picture string, verifiedEmail bool) (domain.User, string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return domain.User{}, "", ErrEmailAndPasswordRequired
	}
	now := time.Now().UTC()
	user, found, err := a.store.GetUserByEmail(email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("fetch user: %w", err)
	}
	if !found {
		user = domain.User{
			ID:        util.NewID(),
			Email:     email,
			Provider:  provider,
			CreatedAt: now,
		}
	}
	user.Name = strings.TrimSpace(name)
	user.Picture = picture
	user.VerifiedEmail = verifiedEmail
	user.UpdatedAt = now
	if err := a.store.SaveUser(user); err != nil {
		return domain.User{}, "", fmt.Errorf("save user: %w", err)
	}
	return a.issueToken(user)
}

// IssueJiraToken wraps an Atlassian access token in a Jira-scoped app
// token for the proxy endpoints.
func (a *App) IssueJiraToken(userID, atlassianToken string) (string, error) {
	return a.tokens.IssueJira(userID, atlassianToken)
}

func (a *App) issueToken(user domain.User) (domain.User, string, error) {
	token, err := a.tokens.Issue(user)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("issue token: %w", err)
	}
	return user, token, nil
}

// UserFromToken resolves a user from an access token.
func (a *App) UserFromToken(token string) (domain.User, bool) {
	claims, err := a.tokens.Verify(token)
	if err != nil {
		return domain.User{}, false
	}
	user, found, err := a.store.GetUserByID(claims.Subject)
	if err != nil || !found {
		return domain.User{}, false
	}
	return user, true
}

// JiraAccessToken extracts the Atlassian token from a Jira-scoped app
// token.
func (a *App) JiraAccessToken(token string) (string, error) {
	claims, err := a.tokens.VerifyJira(token)
	if err != nil {
		return "", err
	}
	return claims.JiraAccessToken, nil
}

// UploadDocument stages a document and enqueues its analysis. The
// returned task carries the task_id clients track progress with.
func (a *App) UploadDocument(ctx context.Context, ownerID, filename string, r io.Reader) (domain.Document, queue.TaskStatus, error) {
	filename = strings.TrimSpace(filename)
	if !analysis.ExtensionAllowed(filename) {
		return domain.Document{}, queue.TaskStatus{}, ErrUnsupportedFileType
	}

	data, err := io.ReadAll(io.LimitReader(r, a.maxUploadBytes+1))
	if err != nil {
		return domain.Document{}, queue.TaskStatus{}, fmt.Errorf("read upload: %w", err)
	}
	if len(data) == 0 {
		return domain.Document{}, queue.TaskStatus{}, ErrEmptyFile
	}
	if int64(len(data)) > a.maxUploadBytes {
		return domain.Document{}, queue.TaskStatus{}, ErrFileTooLarge
	}

	now := time.Now().UTC()
	doc := domain.Document{
		ID:               util.NewID(),
		OwnerID:          ownerID,
		OriginalFilename: filename,
		Status:           domain.StatusQueued,
		SizeBytes:        int64(len(data)),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	doc.StorageKey = storage.DocumentKey(doc.ID, filename)

	if err := a.objects.Put(ctx, doc.StorageKey, bytes.NewReader(data), doc.SizeBytes, ""); err != nil {
		return domain.Document{}, queue.TaskStatus{}, fmt.Errorf("store upload: %w", err)
	}
	if err := a.store.SaveDocument(doc); err != nil {
		return domain.Document{}, queue.TaskStatus{}, fmt.Errorf("save document: %w", err)
	}
	task, err := a.queue.Enqueue(ctx, doc.ID, ownerID)
	if err != nil {
		return domain.Document{}, queue.TaskStatus{}, fmt.Errorf("enqueue analysis: %w", err)
	}
	return doc, task, nil
}

// Documents lists the caller's uploads, newest first.
func (a *App) Documents(ownerID string) ([]domain.Document, error) {
	return a.store.ListDocumentsByOwner(ownerID)
}

// Document returns one of the caller's uploads.
func (a *App) Document(ownerID, documentID string) (domain.Document, error) {
	doc, found, err := a.store.GetDocument(documentID)
	if err != nil {
		return domain.Document{}, fmt.Errorf("fetch document: %w", err)
	}
	if !found || doc.OwnerID != ownerID {
		return domain.Document{}, ErrDocumentNotFound
	}
	return doc, nil
}

// AnalysisResult returns the stored assessment for a processed document.
func (a *App) AnalysisResult(ownerID, documentID string) (domain.AnalysisResult, error) {
	doc, err := a.Document(ownerID, documentID)
	if err != nil {
		return domain.AnalysisResult{}, err
	}
	if doc.Status != domain.StatusReady {
		return domain.AnalysisResult{}, ErrDocumentNotReady
	}
	result, found, err := a.store.GetAnalysisResult(doc.ID)
	if err != nil {
		return domain.AnalysisResult{}, fmt.Errorf("fetch result: %w", err)
	}
	if !found {
		return domain.AnalysisResult{}, ErrDocumentNotReady
	}
	return result, nil
}

// DeleteDocument removes a document record and its stored blob.
func (a *App) DeleteDocument(ctx context.Context, ownerID, documentID string) error {
	doc, err := a.Document(ownerID, documentID)
	if err != nil {
		return err
	}
	if err := a.store.DeleteDocument(doc.ID); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if err := a.objects.Delete(ctx, doc.StorageKey); err != nil {
		return fmt.Errorf("delete stored document: %w", err)
	}
	return nil
}

// Conversations lists the caller's active conversations, newest first.
// An account with no conversations yet is reported as ErrNoConversations.
func (a *App) Conversations(userID string) ([]domain.ConversationMetadata, error) {
	list, err := a.store.ListChatHistories(userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	if len(list) == 0 {
		return nil, ErrNoConversations
	}
	return list, nil
}

// Conversation returns one conversation with its full message list.
func (a *App) Conversation(userID, chatHistoryID string) (domain.ChatHistory, error) {
	history, found, err := a.store.GetChatHistory(userID, chatHistoryID)
	if err != nil {
		return domain.ChatHistory{}, fmt.Errorf("fetch conversation: %w", err)
	}
	if !found {
		return domain.ChatHistory{}, ErrConversationNotFound
	}
	return history, nil
}

// SaveConversation creates or replaces a conversation's message list.
// A missing id means create; the id is generated server side.
func (a *App) SaveConversation(userID string, history domain.ChatHistory) (domain.ChatHistory, error) {
	history.UserID = userID
	if strings.TrimSpace(history.ChatHistoryID) == "" {
		history.ChatHistoryID = uuid.NewString()
	}
	saved, err := a.store.SaveChatHistory(history)
	if err != nil {
		return domain.ChatHistory{}, fmt.Errorf("save conversation: %w", err)
	}
	return saved, nil
}

// RenameConversation sets a new title, keeping messages intact.
func (a *App) RenameConversation(userID, chatHistoryID, title string) (domain.ChatHistory, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return domain.ChatHistory{}, ErrTitleRequired
	}
	history, err := a.Conversation(userID, chatHistoryID)
	if err != nil {
		return domain.ChatHistory{}, err
	}
	history.Title = title
	saved, err := a.store.SaveChatHistory(history)
	if err != nil {
		return domain.ChatHistory{}, fmt.Errorf("rename conversation: %w", err)
	}
	return saved, nil
}

// DeleteConversation soft deletes a conversation. Deleting a
// conversation that is already gone is not an error.
func (a *App) DeleteConversation(userID, chatHistoryID string) error {
	_, err := a.store.DeleteChatHistory(userID, chatHistoryID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// SendChatMessage appends a user turn, generates the assistant reply
// grounded on the conversation's document analysis, persists both, and
// returns the reply with the updated conversation.
func (a *App) SendChatMessage(ctx context.Context, userID, chatHistoryID, documentID, message string) (domain.Message, domain.ChatHistory, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return domain.Message{}, domain.ChatHistory{}, ErrMessageRequired
	}

	var history domain.ChatHistory
	if strings.TrimSpace(chatHistoryID) != "" {
		var err error
		history, err = a.Conversation(userID, chatHistoryID)
		if err != nil {
			return domain.Message{}, domain.ChatHistory{}, err
		}
	} else {
		history = domain.ChatHistory{
			ChatHistoryID: uuid.NewString(),
			UserID:        userID,
			DocumentID:    strings.TrimSpace(documentID),
			Title:         firstWords(message, 8),
		}
	}

	now := time.Now().UTC()
	history.Message = append(history.Message, domain.Message{
		ID:        util.NewID(),
		Role:      domain.RoleUser,
		Content:   message,
		Timestamp: now.Format(time.RFC3339),
	})

	reply, err := a.generateReply(ctx, userID, history)
	if err != nil {
		return domain.Message{}, domain.ChatHistory{}, err
	}
	history.Message = append(history.Message, reply)

	saved, err := a.store.SaveChatHistory(history)
	if err != nil {
		return domain.Message{}, domain.ChatHistory{}, fmt.Errorf("save conversation: %w", err)
	}
	return reply, saved, nil
}

func (a *App) generateReply(ctx context.Context, userID string, history domain.ChatHistory) (domain.Message, error) {
	if a.chatGen == nil {
		return domain.Message{}, fmt.Errorf("chat generation is not configured")
	}
	systemPrompt := a.chatSystemPrompt(userID, history.DocumentID)
	content, err := a.chatGen.GenerateChat(ctx, systemPrompt, history.Message)
	if err != nil {
		return domain.Message{}, fmt.Errorf("generate reply: %w", err)
	}
	return domain.Message{
		ID:        util.NewID(),
		Role:      domain.RoleAssistant,
		Content:   content,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// chatSystemPrompt grounds the assistant on the analyzed document when
// the conversation has one; otherwise the assistant answers generally.
func (a *App) chatSystemPrompt(userID, documentID string) string {
	base := "You are a project analysis assistant. Answer questions about the user's requirement documents concisely."
	if strings.TrimSpace(documentID) == "" {
		return base
	}
	doc, err := a.Document(userID, documentID)
	if err != nil {
		return base
	}
	result, found, err := a.store.GetAnalysisResult(doc.ID)
	if err != nil || !found {
		return base
	}
	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\nThe conversation concerns the document \"")
	b.WriteString(doc.OriginalFilename)
	b.WriteString("\". Its analysis:\nSummary: ")
	b.WriteString(result.Summary)
	if len(result.TechStack) > 0 {
		b.WriteString("\nRecommended stack: ")
		b.WriteString(strings.Join(result.TechStack, ", "))
	}
	for _, dev := range result.DevelopersRequired {
		fmt.Fprintf(&b, "\nStaffing: %d x %s (%s)", dev.Count, dev.Role, strings.Join(dev.Skills, ", "))
	}
	if len(result.Ambiguities) > 0 {
		b.WriteString("\nOpen questions: ")
		b.WriteString(strings.Join(result.Ambiguities, "; "))
	}
	return b.String()
}

func firstWords(text string, n int) string {
	words := strings.Fields(text)
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}

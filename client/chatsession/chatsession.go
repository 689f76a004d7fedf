// Package chatsession manages the message list of the active
// conversation: optimistic append, the /chat/message round trip, and
// rebinding to the record the server persisted.
package chatsession

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"aligniq/client/apiclient"
	"aligniq/client/conversations"
	"aligniq/pkg/domain"
)

// ErrSendInProgress rejects overlapping sends; the caller retries
// after the outstanding one resolves.
var ErrSendInProgress = errors.New("chatsession: a message is already being sent")

// ErrEmptyMessage rejects blank input before any network call.
var ErrEmptyMessage = errors.New("chatsession: message is empty")

// Session is an append-only view over one conversation's messages.
type Session struct {
	api  *apiclient.Client
	conv *conversations.Service

	mu           sync.Mutex
	loading      bool
	conversation domain.Conversation
}

func New(api *apiclient.Client, conv *conversations.Service) *Session {
	return &Session{api: api, conv: conv}
}

// Load replaces the session's conversation with the stored one.
func (s *Session) Load(ctx context.Context, id string) error {
	loaded, err := s.conv.Get(ctx, id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversation = loaded
	return nil
}

// Bind attaches an already-materialized conversation, e.g. the one
// seeded after document analysis.
func (s *Session) Bind(conv domain.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversation = conv
}

// Messages returns a copy of the current message list.
func (s *Session) Messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Message(nil), s.conversation.Messages...)
}

// Loading reports whether a send is outstanding.
func (s *Session) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// ConversationID returns the bound conversation's id, empty for a
// fresh session.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversation.ID
}

type messageRequest struct {
	ChatHistoryID string `json:"chat_history_id,omitempty"`
	DocumentID    string `json:"document_id,omitempty"`
	Message       string `json:"message"`
}

type messageResponse struct {
	Reply       string `json:"reply"`
	UserDetails struct {
		ChatHistoryID string `json:"chat_history_id"`
		DocumentID    string `json:"document_id"`
		Title         string `json:"title"`
		Message       string `json:"message"`
	} `json:"user_details"`
}

// Send appends the user message optimistically, performs the round
// trip, and appends the assistant reply. On failure the user message
// stays in the list and the error is returned.
func (s *Session) Send(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}

	s.mu.Lock()
	if s.loading {
		s.mu.Unlock()
		return "", ErrSendInProgress
	}
	s.loading = true
	s.conversation.Messages = append(s.conversation.Messages, domain.Message{
		Role:      "user",
		Content:   text,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	req := messageRequest{
		ChatHistoryID: s.conversation.ID,
		DocumentID:    s.conversation.DocumentID,
		Message:       text,
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.loading = false
		s.mu.Unlock()
	}()

	var resp messageResponse
	if err := s.api.JSON(ctx, http.MethodPost, "/chat/message", req, &resp); err != nil {
		return "", err
	}

	s.mu.Lock()
	if s.conversation.ID == "" {
		s.conversation.ID = resp.UserDetails.ChatHistoryID
		s.conversation.Title = resp.UserDetails.Title
	}
	// The server persists both turns itself; rebind to its copy so
	// message ids stay authoritative, falling back to a local append
	// when the record comes back without the serialized list.
	if msgs := conversations.DecodeMessages(resp.UserDetails.Message); len(msgs) > 0 {
		s.conversation.Messages = msgs
	} else {
		s.conversation.Messages = append(s.conversation.Messages, domain.Message{
			Role:      "assistant",
			Content:   resp.Reply,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
	s.mu.Unlock()

	return resp.Reply, nil
}

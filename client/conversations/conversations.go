// Package conversations reads and writes chat histories through the
// API and groups them into the sidebar's recency buckets.
package conversations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"aligniq/client/apiclient"
	"aligniq/client/tokenstore"
	"aligniq/pkg/domain"
)

// ErrUserIDMissing is returned by Rename when the token store has no
// user_id; the save endpoint's payload requires one.
var ErrUserIDMissing = errors.New("conversations: user_id not present in token store")

// GroupedConversations buckets metadata by recency. Each bucket is
// sorted newest first.
type GroupedConversations struct {
	Today     []domain.ConversationMetadata `json:"today"`
	Yesterday []domain.ConversationMetadata `json:"yesterday"`
	LastWeek  []domain.ConversationMetadata `json:"lastWeek"`
	Older     []domain.ConversationMetadata `json:"older"`
}

// Service talks to the /chat endpoints.
type Service struct {
	api    *apiclient.Client
	tokens tokenstore.Store
	now    func() time.Time
}

func New(api *apiclient.Client, tokens tokenstore.Store) *Service {
	return &Service{api: api, tokens: tokens, now: time.Now}
}

// record mirrors the server's chat payload; message is a serialized
// JSON array.
type record struct {
	ChatHistoryID string    `json:"chat_history_id"`
	DocumentID    string    `json:"document_id"`
	Title         string    `json:"title"`
	ModifiedAt    time.Time `json:"modified_at"`
	Message       string    `json:"message"`
}

type detailEnvelope struct {
	UserDetails record `json:"user_details"`
}

type listEnvelope struct {
	UserDetails []domain.ConversationMetadata `json:"user_details"`
}

// Fetch lists the caller's conversations grouped by calendar recency.
// Failures, including the empty-list 404, propagate to the caller.
func (s *Service) Fetch(ctx context.Context) (GroupedConversations, error) {
	var envelope listEnvelope
	if err := s.api.JSON(ctx, http.MethodGet, "/chat", nil, &envelope); err != nil {
		return GroupedConversations{}, err
	}

	items := append([]domain.ConversationMetadata(nil), envelope.UserDetails...)
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].ModifiedAt.After(items[j].ModifiedAt)
	})

	now := s.now()
	yesterday := now.AddDate(0, 0, -1)
	weekAgo := now.AddDate(0, 0, -7)

	grouped := GroupedConversations{}
	for _, item := range items {
		switch {
		case sameDay(item.ModifiedAt, now):
			grouped.Today = append(grouped.Today, item)
		case sameDay(item.ModifiedAt, yesterday):
			grouped.Yesterday = append(grouped.Yesterday, item)
		case item.ModifiedAt.After(weekAgo):
			grouped.LastWeek = append(grouped.LastWeek, item)
		default:
			grouped.Older = append(grouped.Older, item)
		}
	}
	return grouped, nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// Get loads one conversation. A malformed message payload degrades to
// an empty message list rather than failing the load.
func (s *Service) Get(ctx context.Context, id string) (domain.Conversation, error) {
	var envelope detailEnvelope
	if err := s.api.JSON(ctx, http.MethodGet, "/chat/"+id, nil, &envelope); err != nil {
		return domain.Conversation{}, err
	}
	details := envelope.UserDetails
	return domain.Conversation{
		ID:         details.ChatHistoryID,
		Title:      details.Title,
		CreatedAt:  details.ModifiedAt,
		Messages:   DecodeMessages(details.Message),
		DocumentID: details.DocumentID,
	}, nil
}

// DecodeMessages accepts a serialized message list as a JSON array or
// a JSON-encoded string of one; anything else degrades to empty.
func DecodeMessages(raw string) []domain.Message {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []domain.Message{}
	}
	var messages []domain.Message
	if err := json.Unmarshal([]byte(raw), &messages); err == nil {
		return messages
	}
	var encoded string
	if err := json.Unmarshal([]byte(raw), &encoded); err == nil {
		if err := json.Unmarshal([]byte(encoded), &messages); err == nil {
			return messages
		}
	}
	return []domain.Message{}
}

// saveRequest is the write payload for POST /chat.
type saveRequest struct {
	ChatHistoryID string           `json:"chat_history_id,omitempty"`
	UserID        string           `json:"user_id"`
	DocumentID    string           `json:"document_id"`
	Title         string           `json:"title"`
	Message       []domain.Message `json:"message"`
}

// Save creates or updates a conversation and returns the stored copy.
func (s *Service) Save(ctx context.Context, conv domain.Conversation) (domain.Conversation, error) {
	payload := saveRequest{
		ChatHistoryID: conv.ID,
		UserID:        s.tokens.Get(tokenstore.KeyUserID),
		DocumentID:    conv.DocumentID,
		Title:         conv.Title,
		Message:       conv.Messages,
	}
	var envelope detailEnvelope
	if err := s.api.JSON(ctx, http.MethodPost, "/chat", payload, &envelope); err != nil {
		return domain.Conversation{}, err
	}
	details := envelope.UserDetails
	return domain.Conversation{
		ID:         details.ChatHistoryID,
		Title:      details.Title,
		CreatedAt:  details.ModifiedAt,
		Messages:   DecodeMessages(details.Message),
		DocumentID: details.DocumentID,
	}, nil
}

// Rename fetches the full record and writes it back with the new
// title; there is no dedicated rename endpoint. Messages are carried
// through untouched.
func (s *Service) Rename(ctx context.Context, id, title string) error {
	userID := s.tokens.Get(tokenstore.KeyUserID)
	if userID == "" {
		return ErrUserIDMissing
	}
	conv, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	payload := saveRequest{
		ChatHistoryID: id,
		UserID:        userID,
		DocumentID:    conv.DocumentID,
		Title:         strings.TrimSpace(title),
		Message:       conv.Messages,
	}
	if err := s.api.JSON(ctx, http.MethodPost, "/chat", payload, nil); err != nil {
		return fmt.Errorf("rename conversation: %w", err)
	}
	return nil
}

// Delete removes a conversation. A 404 means it is already gone and
// counts as success.
func (s *Service) Delete(ctx context.Context, id string) error {
	err := s.api.JSON(ctx, http.MethodDelete, "/chat/"+id, nil, nil)
	if err == nil {
		return nil
	}
	var apiErr *apiclient.APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return nil
	}
	return err
}

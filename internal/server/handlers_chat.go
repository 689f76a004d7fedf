package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"aligniq/internal/app"
	"aligniq/pkg/domain"
)

// Responses nest the payload under user_details, the envelope the SPA
// was built against.

type chatSaveRequest struct {
	ChatHistoryID string          `json:"chat_history_id"`
	DocumentID    string          `json:"document_id"`
	Title         string          `json:"title"`
	Message       json.RawMessage `json:"message"`
}

type chatRecord struct {
	ChatHistoryID string    `json:"chat_history_id"`
	DocumentID    string    `json:"document_id,omitempty"`
	Title         string    `json:"title"`
	ModifiedAt    time.Time `json:"modified_at"`
	Message       string    `json:"message"`
}

func toChatRecord(history domain.ChatHistory) chatRecord {
	blob, err := json.Marshal(history.Message)
	if err != nil || history.Message == nil {
		blob = []byte("[]")
	}
	return chatRecord{
		ChatHistoryID: history.ChatHistoryID,
		DocumentID:    history.DocumentID,
		Title:         history.Title,
		ModifiedAt:    history.ModifiedAt,
		Message:       string(blob),
	}
}

func (s *Server) handleChatCollection(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		list, err := s.app.Conversations(user.ID)
		if err != nil {
			if errors.Is(err, app.ErrNoConversations) {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user_details": list})
	case http.MethodPost:
		var req chatSaveRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 4<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		messages, ok := decodeMessageBlob(req.Message)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid message payload")
			return
		}
		// Updating an id the caller does not own is a 404, same as a read.
		if strings.TrimSpace(req.ChatHistoryID) != "" {
			if _, err := s.app.Conversation(user.ID, req.ChatHistoryID); err != nil {
				writeError(w, http.StatusNotFound, app.ErrConversationNotFound.Error())
				return
			}
		}
		saved, err := s.app.SaveConversation(user.ID, domain.ChatHistory{
			ChatHistoryID: req.ChatHistoryID,
			DocumentID:    req.DocumentID,
			Title:         req.Title,
			Message:       messages,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user_details": toChatRecord(saved)})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleChatByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	id := strings.TrimPrefix(r.URL.Path, "/chat/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		history, err := s.app.Conversation(user.ID, id)
		if err != nil {
			writeError(w, http.StatusNotFound, app.ErrConversationNotFound.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user_details": toChatRecord(history)})
	case http.MethodDelete:
		if err := s.app.DeleteConversation(user.ID, id); err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

type chatMessageRequest struct {
	ChatHistoryID string `json:"chat_history_id"`
	DocumentID    string `json:"document_id"`
	Message       string `json:"message"`
}

func (s *Server) handleChatMessage(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req chatMessageRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	reply, history, err := s.app.SendChatMessage(r.Context(), user.ID, req.ChatHistoryID, req.DocumentID, req.Message)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrMessageRequired):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, app.ErrConversationNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		default:
			writeError(w, http.StatusBadGateway, "reply generation failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reply":        reply.Content,
		"user_details": toChatRecord(history),
	})
}

// decodeMessageBlob accepts the message list as an array or as a
// JSON-encoded string of an array, the two shapes clients send.
func decodeMessageBlob(raw json.RawMessage) ([]domain.Message, bool) {
	if len(raw) == 0 {
		return nil, true
	}
	var messages []domain.Message
	if err := json.Unmarshal(raw, &messages); err == nil {
		return messages, true
	}
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, false
	}
	if strings.TrimSpace(encoded) == "" {
		return nil, true
	}
	if err := json.Unmarshal([]byte(encoded), &messages); err != nil {
		return nil, false
	}
	return messages, true
}

package store

import (
	"sort"
	"sync"
	"time"

	"aligniq/pkg/domain"
)

// MemoryStore keeps all records in-process. Used by tests and local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	users   map[string]domain.User
	email   map[string]string // email -> user ID
	docs    map[string]domain.Document
	chats   map[string]domain.ChatHistory // key: chat_history_id
	results map[string]domain.AnalysisResult
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]domain.User),
		email:   make(map[string]string),
		docs:    make(map[string]domain.Document),
		chats:   make(map[string]domain.ChatHistory),
		results: make(map[string]domain.AnalysisResult),
	}
}

func (m *MemoryStore) SaveUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	m.email[u.Email] = u.ID
	return nil
}

func (m *MemoryStore) HasUserEmail(email string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.email[email]
	return ok, nil
}

func (m *MemoryStore) GetUserByEmail(email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.email[email]
	if !ok {
		return domain.User{}, false, nil
	}
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) GetUserByID(id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) SaveDocument(d domain.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[d.ID] = d
	return nil
}

func (m *MemoryStore) SetDocumentStatus(id string, status domain.DocumentStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil
	}
	doc.Status = status
	doc.ErrorMessage = errMsg
	doc.UpdatedAt = time.Now().UTC()
	m.docs[id] = doc
	return nil
}

func (m *MemoryStore) GetDocument(id string) (domain.Document, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[id]
	return d, ok, nil
}

func (m *MemoryStore) ListDocumentsByOwner(ownerID string) ([]domain.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Document, 0)
	for _, d := range m.docs {
		if d.OwnerID == ownerID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DeleteDocument(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, id)
	return nil
}

func (m *MemoryStore) SaveChatHistory(h domain.ChatHistory) (domain.ChatHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	existing, ok := m.chats[h.ChatHistoryID]
	if ok && existing.ActiveTag {
		existing.Message = append([]domain.Message(nil), h.Message...)
		if h.Title != "" {
			existing.Title = h.Title
		}
		existing.ModifiedAt = now
		m.chats[h.ChatHistoryID] = existing
		return existing, nil
	}
	h.ActiveTag = true
	h.CreatedAt = now
	h.ModifiedAt = now
	h.Message = append([]domain.Message(nil), h.Message...)
	m.chats[h.ChatHistoryID] = h
	return h, nil
}

func (m *MemoryStore) GetChatHistory(userID, chatHistoryID string) (domain.ChatHistory, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.chats[chatHistoryID]
	if !ok || !h.ActiveTag || h.UserID != userID {
		return domain.ChatHistory{}, false, nil
	}
	h.Message = append([]domain.Message(nil), h.Message...)
	return h, true, nil
}

func (m *MemoryStore) ListChatHistories(userID string) ([]domain.ConversationMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.ConversationMetadata, 0)
	for _, h := range m.chats {
		if h.UserID != userID || !h.ActiveTag {
			continue
		}
		out = append(out, domain.ConversationMetadata{
			ChatHistoryID: h.ChatHistoryID,
			Title:         h.Title,
			ModifiedAt:    h.ModifiedAt,
			DocumentID:    h.DocumentID,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModifiedAt.After(out[j].ModifiedAt) })
	return out, nil
}

func (m *MemoryStore) DeleteChatHistory(userID, chatHistoryID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.chats[chatHistoryID]
	if !ok || !h.ActiveTag || h.UserID != userID {
		return false, nil
	}
	h.ActiveTag = false
	h.ModifiedAt = time.Now().UTC()
	m.chats[chatHistoryID] = h
	return true, nil
}

func (m *MemoryStore) SaveAnalysisResult(documentID string, result domain.AnalysisResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[documentID] = result
	return nil
}

func (m *MemoryStore) GetAnalysisResult(documentID string) (domain.AnalysisResult, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[documentID]
	return r, ok, nil
}

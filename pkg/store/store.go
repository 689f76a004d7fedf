package store

import "aligniq/pkg/domain"

// Store defines persistence operations for users, documents, and chat history.
type Store interface {
	// users
	SaveUser(domain.User) error
	HasUserEmail(email string) (bool, error)
	GetUserByEmail(email string) (domain.User, bool, error)
	GetUserByID(id string) (domain.User, bool, error)

	// documents
	SaveDocument(domain.Document) error
	SetDocumentStatus(id string, status domain.DocumentStatus, errMsg string) error
	GetDocument(id string) (domain.Document, bool, error)
	ListDocumentsByOwner(ownerID string) ([]domain.Document, error)
	DeleteDocument(id string) error

	// chat history (soft-deleted rows are invisible to reads)
	SaveChatHistory(domain.ChatHistory) (domain.ChatHistory, error)
	GetChatHistory(userID, chatHistoryID string) (domain.ChatHistory, bool, error)
	ListChatHistories(userID string) ([]domain.ConversationMetadata, error)
	DeleteChatHistory(userID, chatHistoryID string) (bool, error)

	// analysis results
	SaveAnalysisResult(documentID string, result domain.AnalysisResult) error
	GetAnalysisResult(documentID string) (domain.AnalysisResult, bool, error)
}

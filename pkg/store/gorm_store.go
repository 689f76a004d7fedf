package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"aligniq/pkg/domain"
)

const migrateLockID int64 = 41194119

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &DocumentModel{}, &ChatHistoryModel{}, &AnalysisResultModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveUser registers or updates a user.
func (s *GormStore) SaveUser(u domain.User) error {
	model := userToModel(u)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "name", "password_hash", "provider", "picture", "verified_email", "updated_at"}),
	}).Create(&model).Error
}

// HasUserEmail checks if the email exists.
func (s *GormStore) HasUserEmail(email string) (bool, error) {
	var count int64
	if err := s.db.Model(&UserModel{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where("email = ?", email).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// SaveDocument stores or replaces a document record.
func (s *GormStore) SaveDocument(d domain.Document) error {
	model := documentToModel(d)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "error_message", "updated_at"}),
	}).Create(&model).Error
}

// SetDocumentStatus updates status and optional error message.
func (s *GormStore) SetDocumentStatus(id string, status domain.DocumentStatus, errMsg string) error {
	return s.db.Model(&DocumentModel{}).Where("id = ?", id).Updates(map[string]any{
		"status":        string(status),
		"error_message": errMsg,
		"updated_at":    time.Now().UTC(),
	}).Error
}

// GetDocument returns a document by ID.
func (s *GormStore) GetDocument(id string) (domain.Document, bool, error) {
	var model DocumentModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Document{}, false, nil
		}
		return domain.Document{}, false, err
	}
	return documentFromModel(model), true, nil
}

// ListDocumentsByOwner returns documents for one owner, newest first.
func (s *GormStore) ListDocumentsByOwner(ownerID string) ([]domain.Document, error) {
	var models []DocumentModel
	if err := s.db.Where("owner_id = ?", ownerID).Order("created_at desc").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Document, 0, len(models))
	for _, m := range models {
		out = append(out, documentFromModel(m))
	}
	return out, nil
}

// DeleteDocument removes a document row.
func (s *GormStore) DeleteDocument(id string) error {
	return s.db.Delete(&DocumentModel{}, "id = ?", id).Error
}

// SaveChatHistory creates or updates a chat history record and returns the
// persisted state.
func (s *GormStore) SaveChatHistory(h domain.ChatHistory) (domain.ChatHistory, error) {
	blob, err := json.Marshal(h.Message)
	if err != nil {
		return domain.ChatHistory{}, fmt.Errorf("marshal messages: %w", err)
	}
	now := time.Now().UTC()

	if h.ChatHistoryID == "" {
		return domain.ChatHistory{}, fmt.Errorf("chat history id required")
	}

	var existing ChatHistoryModel
	err = s.db.First(&existing, "chat_history_id = ? AND active_tag = ?", h.ChatHistoryID, true).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		model := ChatHistoryModel{
			ChatHistoryID: h.ChatHistoryID,
			UserID:        h.UserID,
			DocumentID:    h.DocumentID,
			Title:         h.Title,
			Message:       datatypes.JSON(blob),
			ActiveTag:     true,
			CreatedAt:     now,
			ModifiedAt:    now,
		}
		if err := s.db.Create(&model).Error; err != nil {
			return domain.ChatHistory{}, err
		}
		return chatHistoryFromModel(model)
	case err != nil:
		return domain.ChatHistory{}, err
	}

	existing.Message = datatypes.JSON(blob)
	if h.Title != "" {
		existing.Title = h.Title
	}
	existing.ModifiedAt = now
	if err := s.db.Save(&existing).Error; err != nil {
		return domain.ChatHistory{}, err
	}
	return chatHistoryFromModel(existing)
}

// GetChatHistory returns one active chat history scoped to its owner.
func (s *GormStore) GetChatHistory(userID, chatHistoryID string) (domain.ChatHistory, bool, error) {
	var model ChatHistoryModel
	err := s.db.First(&model, "user_id = ? AND chat_history_id = ? AND active_tag = ?", userID, chatHistoryID, true).Error
	if err == gorm.ErrRecordNotFound {
		return domain.ChatHistory{}, false, nil
	}
	if err != nil {
		return domain.ChatHistory{}, false, err
	}
	h, err := chatHistoryFromModel(model)
	if err != nil {
		return domain.ChatHistory{}, false, err
	}
	return h, true, nil
}

// ListChatHistories returns metadata for all active conversations of a user.
func (s *GormStore) ListChatHistories(userID string) ([]domain.ConversationMetadata, error) {
	var models []ChatHistoryModel
	if err := s.db.Select("chat_history_id", "document_id", "title", "modified_at").
		Where("user_id = ? AND active_tag = ?", userID, true).
		Order("modified_at desc").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.ConversationMetadata, 0, len(models))
	for _, m := range models {
		out = append(out, domain.ConversationMetadata{
			ChatHistoryID: m.ChatHistoryID,
			Title:         m.Title,
			ModifiedAt:    m.ModifiedAt,
			DocumentID:    m.DocumentID,
		})
	}
	return out, nil
}

// DeleteChatHistory soft deletes by flipping the active flag. Returns false
// when no active record matched.
func (s *GormStore) DeleteChatHistory(userID, chatHistoryID string) (bool, error) {
	res := s.db.Model(&ChatHistoryModel{}).
		Where("user_id = ? AND chat_history_id = ? AND active_tag = ?", userID, chatHistoryID, true).
		Updates(map[string]any{"active_tag": false, "modified_at": time.Now().UTC()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// SaveAnalysisResult upserts the structured analysis for a document.
func (s *GormStore) SaveAnalysisResult(documentID string, result domain.AnalysisResult) error {
	blob, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	now := time.Now().UTC()
	model := AnalysisResultModel{
		DocumentID: documentID,
		Result:     datatypes.JSON(blob),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "document_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"result", "updated_at"}),
	}).Create(&model).Error
}

// GetAnalysisResult returns the stored analysis for a document.
func (s *GormStore) GetAnalysisResult(documentID string) (domain.AnalysisResult, bool, error) {
	var model AnalysisResultModel
	if err := s.db.First(&model, "document_id = ?", documentID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.AnalysisResult{}, false, nil
		}
		return domain.AnalysisResult{}, false, err
	}
	var result domain.AnalysisResult
	if err := json.Unmarshal(model.Result, &result); err != nil {
		return domain.AnalysisResult{}, false, fmt.Errorf("unmarshal result: %w", err)
	}
	return result, true, nil
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:            u.ID,
		Email:         u.Email,
		Name:          u.Name,
		PasswordHash:  u.PasswordHash,
		Provider:      string(u.Provider),
		Picture:       u.Picture,
		VerifiedEmail: u.VerifiedEmail,
		CreatedAt:     u.CreatedAt,
		UpdatedAt:     u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:            m.ID,
		Email:         m.Email,
		Name:          m.Name,
		PasswordHash:  m.PasswordHash,
		Provider:      domain.AuthProvider(m.Provider),
		Picture:       m.Picture,
		VerifiedEmail: m.VerifiedEmail,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func documentToModel(d domain.Document) DocumentModel {
	return DocumentModel{
		ID:               d.ID,
		OwnerID:          d.OwnerID,
		OriginalFilename: d.OriginalFilename,
		StorageKey:       d.StorageKey,
		Status:           string(d.Status),
		ErrorMessage:     d.ErrorMessage,
		SizeBytes:        d.SizeBytes,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
}

func documentFromModel(m DocumentModel) domain.Document {
	return domain.Document{
		ID:               m.ID,
		OwnerID:          m.OwnerID,
		OriginalFilename: m.OriginalFilename,
		StorageKey:       m.StorageKey,
		Status:           domain.DocumentStatus(m.Status),
		ErrorMessage:     m.ErrorMessage,
		SizeBytes:        m.SizeBytes,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func chatHistoryFromModel(m ChatHistoryModel) (domain.ChatHistory, error) {
	var messages []domain.Message
	if len(m.Message) > 0 {
		if err := json.Unmarshal(m.Message, &messages); err != nil {
			// Malformed blobs degrade to an empty list rather than failing reads.
			messages = nil
		}
	}
	return domain.ChatHistory{
		ChatHistoryID: m.ChatHistoryID,
		UserID:        m.UserID,
		DocumentID:    m.DocumentID,
		Title:         m.Title,
		Message:       messages,
		ActiveTag:     m.ActiveTag,
		CreatedAt:     m.CreatedAt,
		ModifiedAt:    m.ModifiedAt,
	}, nil
}

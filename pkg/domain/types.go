package domain

import "time"

type DocumentStatus string

const (
	StatusQueued     DocumentStatus = "queued"
	StatusProcessing DocumentStatus = "processing"
	StatusReady      DocumentStatus = "ready"
	StatusFailed     DocumentStatus = "failed"
)

// AuthProvider identifies how an account was created.
type AuthProvider string

const (
	ProviderLocal  AuthProvider = "local"
	ProviderGoogle AuthProvider = "google"
	ProviderJira   AuthProvider = "jira"
)

type User struct {
	ID            string       `json:"id"`
	Email         string       `json:"email"`
	Name          string       `json:"name"`
	PasswordHash  string       `json:"-"`
	Provider      AuthProvider `json:"provider"`
	Picture       string       `json:"picture,omitempty"`
	VerifiedEmail bool         `json:"verifiedEmail"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// Document is an uploaded requirement document staged for analysis.
type Document struct {
	ID               string         `json:"id"`
	OwnerID          string         `json:"ownerId"`
	OriginalFilename string         `json:"originalFilename"`
	StorageKey       string         `json:"-"`
	Status           DocumentStatus `json:"status"`
	ErrorMessage     string         `json:"errorMessage,omitempty"`
	SizeBytes        int64          `json:"sizeBytes"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one entry of a conversation. Ordering is append-only.
type Message struct {
	ID        string `json:"id,omitempty"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// ConversationMetadata is the list-view projection of a conversation.
type ConversationMetadata struct {
	ChatHistoryID string    `json:"chat_history_id"`
	Title         string    `json:"title"`
	ModifiedAt    time.Time `json:"modified_at"`
	DocumentID    string    `json:"document_id,omitempty"`
}

// Conversation is a hydrated, titled message sequence tied to one document.
type Conversation struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	CreatedAt  time.Time `json:"created_at"`
	Messages   []Message `json:"messages"`
	DocumentID string    `json:"document_id"`
}

// ChatHistory is the server-side persisted conversation record. Message is
// the full ordered message list; deletion is a soft delete via ActiveTag.
type ChatHistory struct {
	ChatHistoryID string    `json:"chat_history_id"`
	UserID        string    `json:"user_id"`
	DocumentID    string    `json:"document_id"`
	Title         string    `json:"title"`
	Message       []Message `json:"message"`
	ActiveTag     bool      `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
	ModifiedAt    time.Time `json:"modified_at"`
}

// StepState tracks one stage of the client-visible processing pipeline.
type StepState string

const (
	StepWaiting    StepState = "waiting"
	StepInProgress StepState = "in-progress"
	StepCompleted  StepState = "completed"
	StepError      StepState = "error"
)

// StepNames is the fixed, ordered stage sequence of document analysis.
// Stages complete monotonically left to right.
var StepNames = [5]string{
	"Reading document",
	"Processing content",
	"Analyzing data",
	"Generating recommendations",
	"Finalizing",
}

// ProcessingStep pairs a stage name with its display state.
type ProcessingStep struct {
	Name    string    `json:"name"`
	State   StepState `json:"state"`
	Message string    `json:"message,omitempty"`
}

// NewProcessingSteps returns the five stages, all waiting.
func NewProcessingSteps() []ProcessingStep {
	steps := make([]ProcessingStep, len(StepNames))
	for i, name := range StepNames {
		steps[i] = ProcessingStep{Name: name, State: StepWaiting}
	}
	return steps
}

// DeveloperRequirement is one staffing line of an analysis result.
type DeveloperRequirement struct {
	Role   string   `json:"role"`
	Count  int      `json:"count"`
	Skills []string `json:"skills"`
}

// AnalysisResult is the structured recommendation produced for a document.
type AnalysisResult struct {
	Summary            string                 `json:"summary"`
	TechStack          []string               `json:"tech_stack"`
	DevelopersRequired []DeveloperRequirement `json:"developers_required"`
	Ambiguities        []string               `json:"ambiguities"`
}

// JiraAttachment mirrors a remote Jira attachment.
type JiraAttachment struct {
	ID        string `json:"id"`
	Filename  string `json:"filename"`
	MimeType  string `json:"mimeType"`
	SizeBytes int64  `json:"size"`
	Content   string `json:"content"`
}

// JiraComment carries one issue comment; Body is an ADF document.
type JiraComment struct {
	ID     string `json:"id"`
	Author string `json:"author"`
	Body   any    `json:"body"`
}

// JiraIssue mirrors a remote Jira issue, read-only.
type JiraIssue struct {
	ID          string           `json:"id"`
	Key         string           `json:"key"`
	Summary     string           `json:"summary"`
	Status      string           `json:"status,omitempty"`
	Description any              `json:"description,omitempty"`
	Attachments []JiraAttachment `json:"attachments"`
	Comments    []JiraComment    `json:"comments,omitempty"`
}

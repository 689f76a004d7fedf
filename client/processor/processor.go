// Package processor drives a document upload through the analysis
// pipeline: staging, upload with byte progress, live status tracking
// over the typed event stream, and the scripted fallback flow for
// responses that carry no task id.
package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"aligniq/client/apiclient"
	"aligniq/client/conversations"
	"aligniq/pkg/domain"
	"aligniq/pkg/status"
)

// State is the controller's position in the processing lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateStaged     State = "staged"
	StateUploading  State = "uploading"
	StateTracking   State = "tracking"
	StateLegacyFlow State = "legacy-flow"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

const (
	completionGreeting = "I've analyzed your document. Ask me anything about its requirements, scope, or staffing."
	interruptedMessage = "Document processing was interrupted"

	defaultLegacyStepDelay = 1500 * time.Millisecond
	defaultWatchInterval   = time.Second
)

// StagedFile is an in-memory file queued for processing.
type StagedFile struct {
	Name    string
	Content []byte
}

// StatusStream delivers typed status events for a task. The returned
// cancel func must be safe to call more than once.
type StatusStream interface {
	Subscribe(ctx context.Context, taskID string) (<-chan status.TaskStatusUpdate, func(), error)
}

// Config wires a Controller.
type Config struct {
	API           *apiclient.Client
	Conversations *conversations.Service
	Stream        StatusStream

	// LegacyStepDelay paces the scripted fallback flow; tests shrink it.
	LegacyStepDelay time.Duration
	// WatchInterval paces the interrupted-stream watchdog.
	WatchInterval time.Duration
}

// Controller is a tagged-union state machine over the upload flow.
// All exported methods are safe for concurrent use.
type Controller struct {
	api             *apiclient.Client
	conv            *conversations.Service
	stream          StatusStream
	legacyStepDelay time.Duration
	watchInterval   time.Duration

	mu              sync.Mutex
	state           State
	staged          []StagedFile
	steps           []domain.ProcessingStep
	result          *domain.AnalysisResult
	processingError string
	taskID          string
	documentID      string
	uploadedName    string
	conversationID  string

	teardown     *sync.Once
	unsubscribe  func()
	streamClosed chan struct{}
	watchStop    chan struct{}
}

func New(cfg Config) *Controller {
	legacyDelay := cfg.LegacyStepDelay
	if legacyDelay <= 0 {
		legacyDelay = defaultLegacyStepDelay
	}
	watch := cfg.WatchInterval
	if watch <= 0 {
		watch = defaultWatchInterval
	}
	return &Controller{
		api:             cfg.API,
		conv:            cfg.Conversations,
		stream:          cfg.Stream,
		legacyStepDelay: legacyDelay,
		watchInterval:   watch,
		state:           StateIdle,
		steps:           domain.NewProcessingSteps(),
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Steps returns a copy of the five processing steps.
func (c *Controller) Steps() []domain.ProcessingStep {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.ProcessingStep(nil), c.steps...)
}

// Result returns the stored analysis result, nil before completion.
func (c *Controller) Result() *domain.AnalysisResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// ProcessingError returns the failure message, empty unless Failed.
func (c *Controller) ProcessingError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processingError
}

// StagedFiles returns the staged file names in order.
func (c *Controller) StagedFiles() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, len(c.staged))
	for i, f := range c.staged {
		names[i] = f.Name
	}
	return names
}

// ConversationID returns the conversation seeded on completion.
func (c *Controller) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// Stage appends files to the staging list. Allowed from Idle, Staged
// and Failed; staging out of Failed starts a fresh attempt.
func (c *Controller) Stage(files ...StagedFile) error {
	if len(files) == 0 {
		return fmt.Errorf("processor: no files to stage")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateIdle, StateStaged:
	case StateFailed:
		c.steps = domain.NewProcessingSteps()
		c.processingError = ""
		c.result = nil
	default:
		return fmt.Errorf("processor: cannot stage files while %s", c.state)
	}
	c.staged = append(c.staged, files...)
	c.state = StateStaged
	return nil
}

// Reset returns the controller to Idle and clears all staged files.
func (c *Controller) Reset() {
	c.mu.Lock()
	teardown := c.teardown
	c.mu.Unlock()
	if teardown != nil {
		c.runTeardown(teardown)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateIdle
	c.staged = nil
	c.steps = domain.NewProcessingSteps()
	c.result = nil
	c.processingError = ""
	c.taskID = ""
	c.documentID = ""
	c.uploadedName = ""
	c.conversationID = ""
}

type uploadResponse struct {
	TaskID     string `json:"task_id"`
	DocumentID string `json:"document_id"`
}

// Process submits the first staged file. Only that file is uploaded;
// the rest of the staging list is kept but not sent. With a task id in
// the response the controller tracks live status events; without one
// it falls back to the scripted flow.
func (c *Controller) Process(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateStaged || len(c.staged) == 0 {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("processor: nothing to process in state %s", state)
	}
	file := c.staged[0]
	c.state = StateUploading
	c.steps = domain.NewProcessingSteps()
	c.steps[0].State = domain.StepInProgress
	c.uploadedName = file.Name
	c.mu.Unlock()

	resp, err := c.upload(ctx, file)
	if err != nil {
		c.failCurrentStep(err.Error())
		return err
	}

	c.mu.Lock()
	c.taskID = resp.TaskID
	c.documentID = resp.DocumentID
	c.mu.Unlock()

	if resp.TaskID == "" {
		return c.runLegacyFlow(ctx, file.Name)
	}
	return c.track(ctx, resp.TaskID, file.Name)
}

func (c *Controller) upload(ctx context.Context, file StagedFile) (uploadResponse, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", file.Name)
	if err != nil {
		return uploadResponse{}, fmt.Errorf("build upload: %w", err)
	}
	if _, err := part.Write(file.Content); err != nil {
		return uploadResponse{}, fmt.Errorf("build upload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return uploadResponse{}, fmt.Errorf("build upload: %w", err)
	}

	total := int64(body.Len())
	reader := &progressReader{
		reader: bytes.NewReader(body.Bytes()),
		total:  total,
		report: c.setUploadProgress,
	}
	req, err := c.api.NewRequest(ctx, http.MethodPost, "/upload", reader)
	if err != nil {
		return uploadResponse{}, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.ContentLength = total

	httpResp, err := c.api.Do(req)
	if err != nil {
		return uploadResponse{}, err
	}
	defer httpResp.Body.Close()
	var resp uploadResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return uploadResponse{}, fmt.Errorf("decode upload response: %w", err)
	}
	return resp, nil
}

// setUploadProgress updates step 0's message with a byte percentage.
func (c *Controller) setUploadProgress(sent, total int64) {
	if total <= 0 {
		return
	}
	pct := int(sent * 100 / total)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateUploading {
		c.steps[0].Message = fmt.Sprintf("Uploading %d%%", pct)
	}
}

// failCurrentStep marks the in-progress step as errored and moves the
// controller to Failed. Later steps stay waiting.
func (c *Controller) failCurrentStep(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.steps {
		if c.steps[i].State == domain.StepInProgress {
			c.steps[i].State = domain.StepError
			c.steps[i].Message = message
			break
		}
	}
	c.processingError = message
	c.state = StateFailed
}

// track subscribes to the status stream and applies events until a
// terminal update arrives or the watchdog trips.
func (c *Controller) track(ctx context.Context, taskID, filename string) error {
	events, cancel, err := c.stream.Subscribe(ctx, taskID)
	if err != nil {
		c.failCurrentStep(err.Error())
		return err
	}

	teardown := &sync.Once{}
	streamClosed := make(chan struct{})
	watchStop := make(chan struct{})

	c.mu.Lock()
	c.state = StateTracking
	c.teardown = teardown
	c.unsubscribe = cancel
	c.streamClosed = streamClosed
	c.watchStop = watchStop
	c.mu.Unlock()

	go func() {
		for update := range events {
			c.applyEvent(update, filename, teardown)
		}
		close(streamClosed)
	}()
	go c.watchdog(streamClosed, watchStop, teardown)
	return nil
}

// applyEvent folds one status update into the step display. Steps
// before current_step are completed; current_step is in-progress with
// the event message or a synthesized percentage.
func (c *Controller) applyEvent(update status.TaskStatusUpdate, filename string, teardown *sync.Once) {
	c.mu.Lock()
	if c.state != StateTracking {
		c.mu.Unlock()
		return
	}

	switch update.Status {
	case status.StatusCompleted:
		for i := range c.steps {
			c.steps[i].State = domain.StepCompleted
			c.steps[i].Message = ""
		}
		c.result = update.Result
		c.state = StateCompleted
		documentID := c.documentID
		c.mu.Unlock()
		c.runTeardown(teardown)
		c.seedConversation(filename, documentID)
		return
	case status.StatusError:
		step := clampStep(update.CurrentStep, len(c.steps))
		for i := 0; i < step; i++ {
			c.steps[i].State = domain.StepCompleted
		}
		c.steps[step].State = domain.StepError
		c.steps[step].Message = update.Message
		c.processingError = update.Message
		c.state = StateFailed
		c.mu.Unlock()
		c.runTeardown(teardown)
		return
	default:
		step := clampStep(update.CurrentStep, len(c.steps))
		for i := 0; i < step; i++ {
			c.steps[i].State = domain.StepCompleted
			c.steps[i].Message = ""
		}
		c.steps[step].State = domain.StepInProgress
		if update.Message != "" {
			c.steps[step].Message = update.Message
		} else {
			c.steps[step].Message = fmt.Sprintf("%d%%", update.StepProgress)
		}
		c.mu.Unlock()
	}
}

func clampStep(step, max int) int {
	if step < 0 {
		return 0
	}
	if step >= max {
		return max - 1
	}
	return step
}

// watchdog fails the controller when the event stream dies while a
// task is still being tracked.
func (c *Controller) watchdog(streamClosed, watchStop chan struct{}, teardown *sync.Once) {
	ticker := time.NewTicker(c.watchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-watchStop:
			return
		case <-ticker.C:
			select {
			case <-streamClosed:
			default:
				continue
			}
			c.mu.Lock()
			tracking := c.state == StateTracking
			if tracking {
				for i := range c.steps {
					if c.steps[i].State == domain.StepInProgress {
						c.steps[i].State = domain.StepError
						c.steps[i].Message = interruptedMessage
						break
					}
				}
				c.processingError = interruptedMessage
				c.state = StateFailed
			}
			c.mu.Unlock()
			if tracking {
				c.runTeardown(teardown)
			}
			return
		}
	}
}

// runTeardown detaches the stream exactly once.
func (c *Controller) runTeardown(teardown *sync.Once) {
	teardown.Do(func() {
		c.mu.Lock()
		cancel := c.unsubscribe
		watchStop := c.watchStop
		c.unsubscribe = nil
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if watchStop != nil {
			close(watchStop)
		}
	})
}

// seedConversation creates the post-analysis chat: a fixed assistant
// greeting under a title derived from the uploaded filename.
func (c *Controller) seedConversation(filename, documentID string) {
	if c.conv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	saved, err := c.conv.Save(ctx, domain.Conversation{
		Title:      "Analysis of " + filename,
		DocumentID: documentID,
		Messages: []domain.Message{{
			Role:      "assistant",
			Content:   completionGreeting,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}},
	})
	if err != nil {
		slog.Warn("seeding analysis conversation failed", "err", err)
		return
	}
	c.mu.Lock()
	c.conversationID = saved.ID
	c.mu.Unlock()
}

// runLegacyFlow advances all five steps on a fixed schedule. Servers
// that answer an upload without a task id never push events, so the
// display is scripted end to end.
func (c *Controller) runLegacyFlow(ctx context.Context, filename string) error {
	c.mu.Lock()
	c.state = StateLegacyFlow
	total := len(c.steps)
	c.mu.Unlock()

	for i := 0; i < total; i++ {
		c.mu.Lock()
		c.steps[i].State = domain.StepInProgress
		c.steps[i].Message = ""
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			c.failCurrentStep(ctx.Err().Error())
			return ctx.Err()
		case <-time.After(c.legacyStepDelay):
		}

		c.mu.Lock()
		c.steps[i].State = domain.StepCompleted
		c.mu.Unlock()
	}

	c.mu.Lock()
	c.state = StateCompleted
	documentID := c.documentID
	c.mu.Unlock()
	c.seedConversation(filename, documentID)
	return nil
}

// progressReader reports bytes consumed by the HTTP transport.
type progressReader struct {
	reader *bytes.Reader
	total  int64
	sent   int64
	report func(sent, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.reader.Read(b)
	if n > 0 {
		p.sent += int64(n)
		p.report(p.sent, p.total)
	}
	if err == io.EOF && p.sent == p.total {
		p.report(p.sent, p.total)
	}
	return n, err
}

package processor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"aligniq/client/apiclient"
	"aligniq/client/conversations"
	"aligniq/client/tokenstore"
	"aligniq/pkg/domain"
	"aligniq/pkg/status"
)

type savedConversation struct {
	mu    sync.Mutex
	title string
	msgs  []domain.Message
	docID string
	count int
}

func (s *savedConversation) snapshot() (string, []domain.Message, string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.title, s.msgs, s.docID, s.count
}

// capturingStream exposes the subscription's cancel func so tests can
// kill the stream out-of-band, as a dropped server connection would.
type capturingStream struct {
	inner  StatusStream
	mu     sync.Mutex
	cancel func()
}

func (c *capturingStream) Subscribe(ctx context.Context, taskID string) (<-chan status.TaskStatusUpdate, func(), error) {
	ch, stop, err := c.inner.Subscribe(ctx, taskID)
	c.mu.Lock()
	c.cancel = stop
	c.mu.Unlock()
	return ch, stop, err
}

func (c *capturingStream) kill() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// newTestController wires a controller against a stub API server and
// the given status stream.
func newTestController(t *testing.T, taskID string, stream StatusStream) (*Controller, *savedConversation) {
	t.Helper()
	saved := &savedConversation{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/upload" && r.Method == http.MethodPost:
			if err := r.ParseMultipartForm(8 << 20); err != nil {
				http.Error(w, "bad multipart", http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(map[string]string{"task_id": taskID, "document_id": "d-1"})
		case r.URL.Path == "/chat" && r.Method == http.MethodPost:
			var req struct {
				Title      string           `json:"title"`
				DocumentID string           `json:"document_id"`
				Message    []domain.Message `json:"message"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			saved.mu.Lock()
			saved.title = req.Title
			saved.msgs = req.Message
			saved.docID = req.DocumentID
			saved.count++
			saved.mu.Unlock()
			blob, _ := json.Marshal(req.Message)
			json.NewEncoder(w).Encode(map[string]any{"user_details": map[string]any{
				"chat_history_id": "conv-1",
				"title":           req.Title,
				"modified_at":     time.Now().UTC().Format(time.RFC3339),
				"document_id":     req.DocumentID,
				"message":         string(blob),
			}})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	tokens := tokenstore.NewMemoryStore()
	tokens.Set(tokenstore.KeyRegularToken, "tok")
	api, err := apiclient.New(apiclient.Config{BaseURL: srv.URL, Tokens: tokens})
	if err != nil {
		t.Fatalf("apiclient.New: %v", err)
	}
	ctrl := New(Config{
		API:             api,
		Conversations:   conversations.New(api, tokens),
		Stream:          stream,
		LegacyStepDelay: time.Millisecond,
		WatchInterval:   10 * time.Millisecond,
	})
	return ctrl, saved
}

func waitForState(t *testing.T, ctrl *Controller, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if ctrl.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", ctrl.State(), want)
}

func TestStageTransitionsAndGuards(t *testing.T) {
	ctrl, _ := newTestController(t, "t-1", status.NewMemoryBroker())
	if ctrl.State() != StateIdle {
		t.Fatalf("initial state = %s", ctrl.State())
	}
	if err := ctrl.Stage(StagedFile{Name: "a.pdf", Content: []byte("x")}); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if err := ctrl.Stage(StagedFile{Name: "b.pdf", Content: []byte("y")}); err != nil {
		t.Fatalf("Stage second: %v", err)
	}
	if got := ctrl.StagedFiles(); len(got) != 2 || got[0] != "a.pdf" {
		t.Errorf("StagedFiles = %v", got)
	}
	if err := ctrl.Process(context.Background()); err != nil {
		t.Fatalf("Process: %v", err)
	}
	// mid-flight staging is rejected
	if err := ctrl.Stage(StagedFile{Name: "c.pdf"}); err == nil {
		t.Error("Stage during tracking succeeded, want error")
	}
}

func TestTrackingCompletionSeedsConversation(t *testing.T) {
	broker := status.NewMemoryBroker()
	ctrl, saved := newTestController(t, "t-1", broker)
	if err := ctrl.Stage(StagedFile{Name: "report.pdf", Content: []byte("pdf bytes")}); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if err := ctrl.Process(context.Background()); err != nil {
		t.Fatalf("Process: %v", err)
	}
	waitForState(t, ctrl, StateTracking)

	ctx := context.Background()
	broker.Publish(ctx, "t-1", status.Processing(0, 100, "Reading document"))
	broker.Publish(ctx, "t-1", status.Processing(2, 40, ""))
	broker.Publish(ctx, "t-1", status.Completed(domain.AnalysisResult{Summary: "A summary"}))

	waitForState(t, ctrl, StateCompleted)
	for i, step := range ctrl.Steps() {
		if step.State != domain.StepCompleted {
			t.Errorf("step %d = %s, want completed", i, step.State)
		}
	}
	if ctrl.Result() == nil || ctrl.Result().Summary != "A summary" {
		t.Errorf("Result = %+v", ctrl.Result())
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, _, _, count := saved.snapshot(); count > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	title, msgs, docID, count := saved.snapshot()
	if count != 1 {
		t.Fatalf("conversation saves = %d, want 1", count)
	}
	if title != "Analysis of report.pdf" {
		t.Errorf("title = %q", title)
	}
	if len(msgs) != 1 || msgs[0].Role != "assistant" || msgs[0].Content == "" {
		t.Errorf("seeded messages = %+v", msgs)
	}
	if docID != "d-1" {
		t.Errorf("document_id = %q", docID)
	}
	if ctrl.ConversationID() != "conv-1" {
		t.Errorf("ConversationID = %q", ctrl.ConversationID())
	}
}

func TestErrorEventFreezesLaterSteps(t *testing.T) {
	broker := status.NewMemoryBroker()
	ctrl, _ := newTestController(t, "t-2", broker)
	ctrl.Stage(StagedFile{Name: "spec.docx", Content: []byte("doc")})
	if err := ctrl.Process(context.Background()); err != nil {
		t.Fatalf("Process: %v", err)
	}
	waitForState(t, ctrl, StateTracking)

	ctx := context.Background()
	broker.Publish(ctx, "t-2", status.Processing(1, 10, ""))
	broker.Publish(ctx, "t-2", status.Failed(2, "model unavailable"))

	waitForState(t, ctrl, StateFailed)
	steps := ctrl.Steps()
	if steps[0].State != domain.StepCompleted || steps[1].State != domain.StepCompleted {
		t.Errorf("early steps = %s/%s, want completed", steps[0].State, steps[1].State)
	}
	if steps[2].State != domain.StepError || steps[2].Message != "model unavailable" {
		t.Errorf("step 2 = %+v", steps[2])
	}
	for i := 3; i < len(steps); i++ {
		if steps[i].State != domain.StepWaiting {
			t.Errorf("step %d = %s, want waiting", i, steps[i].State)
		}
	}
	if ctrl.ProcessingError() != "model unavailable" {
		t.Errorf("ProcessingError = %q", ctrl.ProcessingError())
	}

	// Failed -> Staged retry path.
	if err := ctrl.Stage(StagedFile{Name: "spec2.docx", Content: []byte("doc")}); err != nil {
		t.Fatalf("Stage after failure: %v", err)
	}
	if ctrl.State() != StateStaged {
		t.Errorf("state after retry stage = %s", ctrl.State())
	}
	if ctrl.ProcessingError() != "" {
		t.Error("processing error not cleared by retry staging")
	}
}

func TestWatchdogFailsInterruptedStream(t *testing.T) {
	broker := status.NewMemoryBroker()
	stream := &capturingStream{inner: broker}
	ctrl, _ := newTestController(t, "t-3", stream)
	ctrl.Stage(StagedFile{Name: "notes.txt", Content: []byte("text")})

	if err := ctrl.Process(context.Background()); err != nil {
		t.Fatalf("Process: %v", err)
	}
	waitForState(t, ctrl, StateTracking)
	broker.Publish(context.Background(), "t-3", status.Processing(1, 50, ""))

	// Kill the subscription out-of-band; the watchdog must notice.
	stream.kill()
	waitForState(t, ctrl, StateFailed)
	if ctrl.ProcessingError() != interruptedMessage {
		t.Errorf("ProcessingError = %q, want %q", ctrl.ProcessingError(), interruptedMessage)
	}
	var errored int
	for _, step := range ctrl.Steps() {
		if step.State == domain.StepError {
			errored++
		}
	}
	if errored != 1 {
		t.Errorf("errored steps = %d, want 1", errored)
	}
}

func TestLegacyFlowCompletesAllSteps(t *testing.T) {
	ctrl, saved := newTestController(t, "", status.NewMemoryBroker())
	ctrl.Stage(StagedFile{Name: "plan.txt", Content: []byte("text")})
	if err := ctrl.Process(context.Background()); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if ctrl.State() != StateCompleted {
		t.Fatalf("state = %s, want completed", ctrl.State())
	}
	for i, step := range ctrl.Steps() {
		if step.State != domain.StepCompleted {
			t.Errorf("step %d = %s", i, step.State)
		}
	}
	title, _, _, count := saved.snapshot()
	if count != 1 || title != "Analysis of plan.txt" {
		t.Errorf("seeded conversation: count=%d title=%q", count, title)
	}
}

func TestResetReturnsToIdle(t *testing.T) {
	ctrl, _ := newTestController(t, "", status.NewMemoryBroker())
	ctrl.Stage(StagedFile{Name: "plan.txt", Content: []byte("text")})
	if err := ctrl.Process(context.Background()); err != nil {
		t.Fatalf("Process: %v", err)
	}
	ctrl.Reset()
	if ctrl.State() != StateIdle {
		t.Errorf("state = %s", ctrl.State())
	}
	if len(ctrl.StagedFiles()) != 0 {
		t.Errorf("StagedFiles = %v", ctrl.StagedFiles())
	}
	if ctrl.Result() != nil || ctrl.ProcessingError() != "" {
		t.Error("Reset left result or error behind")
	}
}

func TestUploadFailureMarksStepErrored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		w.Write([]byte(`{"error":"file exceeds the upload size limit"}`))
	}))
	defer srv.Close()

	tokens := tokenstore.NewMemoryStore()
	api, err := apiclient.New(apiclient.Config{BaseURL: srv.URL, Tokens: tokens})
	if err != nil {
		t.Fatalf("apiclient.New: %v", err)
	}
	ctrl := New(Config{API: api, Stream: status.NewMemoryBroker(), LegacyStepDelay: time.Millisecond})
	ctrl.Stage(StagedFile{Name: "huge.pdf", Content: []byte("x")})

	if err := ctrl.Process(context.Background()); err == nil {
		t.Fatal("Process succeeded, want error")
	}
	if ctrl.State() != StateFailed {
		t.Errorf("state = %s", ctrl.State())
	}
	steps := ctrl.Steps()
	if steps[0].State != domain.StepError {
		t.Errorf("step 0 = %s, want error", steps[0].State)
	}
	if ctrl.ProcessingError() == "" {
		t.Error("ProcessingError empty")
	}
}

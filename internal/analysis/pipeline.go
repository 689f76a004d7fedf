// Package analysis implements the five-stage document assessment the
// worker runs for each uploaded document: read, process, analyze,
// recommend, finalize. Progress is published per stage so clients can
// render a live checklist; a failed stage freezes the stages after it.
package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"aligniq/pkg/ai"
	"aligniq/pkg/domain"
	"aligniq/pkg/queue"
	"aligniq/pkg/status"
	"aligniq/pkg/storage"
	"aligniq/pkg/store"
)

const defaultMaxPromptRunes = 60000

// Pipeline runs document analysis tasks end to end.
type Pipeline struct {
	store          store.Store
	objects        storage.ObjectStore
	broker         status.Broker
	generator      ai.TextGenerator
	maxPromptRunes int
}

func NewPipeline(st store.Store, objects storage.ObjectStore, broker status.Broker, generator ai.TextGenerator) *Pipeline {
	return &Pipeline{
		store:          st,
		objects:        objects,
		broker:         broker,
		generator:      generator,
		maxPromptRunes: defaultMaxPromptRunes,
	}
}

// Run executes every stage for one task. The returned error is the
// first stage failure; by then the document is marked failed and the
// terminal error event is already published.
func (p *Pipeline) Run(ctx context.Context, task queue.TaskStatus) error {
	logger := slog.With("task_id", task.TaskID, "document_id", task.DocumentID)

	fail := func(step int, err error) error {
		logger.Error("analysis failed", "step", domain.StepNames[step], "error", err)
		if serr := p.store.SetDocumentStatus(task.DocumentID, domain.StatusFailed, err.Error()); serr != nil {
			logger.Error("mark document failed", "error", serr)
		}
		_ = p.broker.Publish(ctx, task.TaskID, status.Failed(step, err.Error()))
		return err
	}
	progress := func(step, pct int, message string) {
		_ = p.broker.Publish(ctx, task.TaskID, status.Processing(step, pct, message))
	}

	// Stage 0: Reading document.
	progress(0, 0, domain.StepNames[0])
	doc, found, err := p.store.GetDocument(task.DocumentID)
	if err != nil {
		return fail(0, fmt.Errorf("load document: %w", err))
	}
	if !found {
		return fail(0, fmt.Errorf("document %s not found", task.DocumentID))
	}
	if err := p.store.SetDocumentStatus(doc.ID, domain.StatusProcessing, ""); err != nil {
		return fail(0, fmt.Errorf("mark document processing: %w", err))
	}
	obj, err := p.objects.Get(ctx, doc.StorageKey)
	if err != nil {
		return fail(0, fmt.Errorf("fetch stored document: %w", err))
	}
	text, err := ExtractText(doc.OriginalFilename, obj)
	obj.Close()
	if err != nil {
		return fail(0, fmt.Errorf("extract text: %w", err))
	}
	progress(0, 100, domain.StepNames[0])

	// Stage 1: Processing content.
	progress(1, 0, domain.StepNames[1])
	text = p.truncate(text)
	if strings.TrimSpace(text) == "" {
		return fail(1, fmt.Errorf("document contains no analyzable text"))
	}
	progress(1, 100, domain.StepNames[1])

	// Stage 2: Analyzing data.
	progress(2, 0, domain.StepNames[2])
	systemPrompt, userPrompt := ai.BuildAnalysisPrompts(text)
	raw, err := p.generator.GenerateText(ctx, systemPrompt, userPrompt)
	if err != nil {
		return fail(2, fmt.Errorf("model call: %w", err))
	}
	progress(2, 100, domain.StepNames[2])

	// Stage 3: Generating recommendations.
	progress(3, 0, domain.StepNames[3])
	result, err := ai.ParseAnalysisResult(raw)
	if err != nil {
		return fail(3, err)
	}
	if err := p.store.SaveAnalysisResult(doc.ID, result); err != nil {
		return fail(3, fmt.Errorf("persist result: %w", err))
	}
	progress(3, 100, domain.StepNames[3])

	// Stage 4: Finalizing.
	progress(4, 0, domain.StepNames[4])
	if err := p.store.SetDocumentStatus(doc.ID, domain.StatusReady, ""); err != nil {
		return fail(4, fmt.Errorf("mark document ready: %w", err))
	}
	if err := p.broker.Publish(ctx, task.TaskID, status.Completed(result)); err != nil {
		logger.Warn("publish completion", "error", err)
	}
	logger.Info("analysis completed")
	return nil
}

func (p *Pipeline) truncate(text string) string {
	limit := p.maxPromptRunes
	if limit <= 0 {
		limit = defaultMaxPromptRunes
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}

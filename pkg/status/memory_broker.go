package status

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// MemoryBroker is an in-process Broker for tests and single-binary runs.
type MemoryBroker struct {
	mu     sync.Mutex
	latest map[string]TaskStatusUpdate
	subs   map[string]map[chan TaskStatusUpdate]struct{}
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		latest: make(map[string]TaskStatusUpdate),
		subs:   make(map[string]map[chan TaskStatusUpdate]struct{}),
	}
}

func (b *MemoryBroker) Publish(ctx context.Context, taskID string, update TaskStatusUpdate) error {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return errors.New("task id required")
	}
	b.mu.Lock()
	b.latest[taskID] = update
	var closing []chan TaskStatusUpdate
	for ch := range b.subs[taskID] {
		select {
		case ch <- update:
		default:
			// Slow subscriber; it will still see the retained state on
			// its next subscribe.
		}
		if update.Terminal() {
			closing = append(closing, ch)
		}
	}
	if update.Terminal() {
		for _, ch := range closing {
			delete(b.subs[taskID], ch)
			close(ch)
		}
	}
	b.mu.Unlock()
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, taskID string) (<-chan TaskStatusUpdate, func(), error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, nil, errors.New("task id required")
	}
	ch := make(chan TaskStatusUpdate, 16)

	b.mu.Lock()
	latest, hasLatest := b.latest[taskID]
	if hasLatest {
		ch <- latest
	}
	if hasLatest && latest.Terminal() {
		close(ch)
		b.mu.Unlock()
		return ch, func() {}, nil
	}
	if b.subs[taskID] == nil {
		b.subs[taskID] = make(map[chan TaskStatusUpdate]struct{})
	}
	b.subs[taskID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[taskID][ch]; ok {
				delete(b.subs[taskID], ch)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
	return ch, stop, nil
}

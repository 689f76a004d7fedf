package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRetention = time.Hour

// RedisBroker fans events out over Redis pub/sub so the worker and the
// API server can run as separate processes. The latest event per task is
// kept in a plain key for catch-up on subscribe.
type RedisBroker struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

type RedisBrokerConfig struct {
	Addr      string
	Password  string
	Prefix    string
	Retention time.Duration
}

func NewRedisBroker(cfg RedisBrokerConfig) (*RedisBroker, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "aligniq:status"
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	return &RedisBroker{
		client:    redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		prefix:    prefix,
		retention: retention,
	}, nil
}

func (b *RedisBroker) channel(taskID string) string {
	return fmt.Sprintf("%s:events:%s", b.prefix, taskID)
}

func (b *RedisBroker) latestKey(taskID string) string {
	return fmt.Sprintf("%s:latest:%s", b.prefix, taskID)
}

func (b *RedisBroker) Publish(ctx context.Context, taskID string, update TaskStatusUpdate) error {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return errors.New("task id required")
	}
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("encode status event: %w", err)
	}
	if err := b.client.Set(ctx, b.latestKey(taskID), payload, b.retention).Err(); err != nil {
		return fmt.Errorf("retain status event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(taskID), payload).Err(); err != nil {
		return fmt.Errorf("publish status event: %w", err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, taskID string) (<-chan TaskStatusUpdate, func(), error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, nil, errors.New("task id required")
	}

	sub := b.client.Subscribe(ctx, b.channel(taskID))
	// Forces the SUBSCRIBE handshake so no event published after this
	// point is missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("subscribe status events: %w", err)
	}

	out := make(chan TaskStatusUpdate, 16)
	done := make(chan struct{})
	stop := func() {
		select {
		case <-done:
		default:
			close(done)
		}
		_ = sub.Close()
	}

	go func() {
		defer close(out)

		// Replay the retained state first. A terminal state means the
		// run already finished and there is nothing to stream.
		if raw, err := b.client.Get(ctx, b.latestKey(taskID)).Result(); err == nil {
			var latest TaskStatusUpdate
			if json.Unmarshal([]byte(raw), &latest) == nil {
				select {
				case out <- latest:
				case <-done:
					return
				case <-ctx.Done():
					return
				}
				if latest.Terminal() {
					return
				}
			}
		}

		ch := sub.Channel()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var update TaskStatusUpdate
				if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
					continue
				}
				select {
				case out <- update:
				case <-done:
					return
				case <-ctx.Done():
					return
				}
				if update.Terminal() {
					return
				}
			}
		}
	}()

	return out, stop, nil
}

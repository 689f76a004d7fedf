package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// TaskStatus is the durable record for one analysis task. The TaskID is
// also the handle the client polls or subscribes with.
type TaskStatus struct {
	TaskID       string    `json:"task_id"`
	DocumentID   string    `json:"document_id"`
	OwnerID      string    `json:"owner_id"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type RedisTaskQueue struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	taskTTL      time.Duration
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	once         sync.Once
}

type RedisQueueConfig struct {
	Addr       string
	Password   string
	Stream     string
	Group      string
	Consumer   string
	TaskTTL    time.Duration
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
	ClaimCount int64
}

func NewRedisTaskQueue(cfg RedisQueueConfig) (*RedisTaskQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "default"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = uuid.NewString()
	}
	taskTTL := cfg.TaskTTL
	if taskTTL <= 0 {
		taskTTL = 24 * time.Hour
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 30 * time.Second
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 10
	}
	claimCount := cfg.ClaimCount
	if claimCount <= 0 {
		claimCount = 10
	}

	return &RedisTaskQueue{
		client:       redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		taskTTL:      taskTTL,
		maxRetries:   maxRetries,
		block:        block,
		claimIdle:    claimIdle,
		retryDelay:   retryDelay,
		maxLen:       maxLen,
		readCount:    readCount,
		claimCount:   claimCount,
	}, nil
}

// Enqueue records a new queued task and appends it to the stream. The
// returned task carries the task_id the upload response hands back to
// the client.
func (q *RedisTaskQueue) Enqueue(ctx context.Context, documentID, ownerID string) (TaskStatus, error) {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return TaskStatus{}, errors.New("document_id required")
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return TaskStatus{}, errors.New("owner_id required")
	}
	task := TaskStatus{
		TaskID:     uuid.NewString(),
		DocumentID: documentID,
		OwnerID:    ownerID,
		Status:     StatusQueued,
		Attempts:   0,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	if err := q.writeStatus(ctx, task); err != nil {
		return TaskStatus{}, err
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"task_id":     task.TaskID,
			"document_id": task.DocumentID,
			"owner_id":    task.OwnerID,
		},
	}).Err(); err != nil {
		return TaskStatus{}, err
	}
	return task, nil
}

func (q *RedisTaskQueue) GetTask(ctx context.Context, taskID string) (TaskStatus, bool, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return TaskStatus{}, false, nil
	}
	key := q.taskKey(taskID)
	data, err := q.client.HGetAll(ctx, key).Result()
	if err != nil {
		return TaskStatus{}, false, err
	}
	if len(data) == 0 {
		return TaskStatus{}, false, nil
	}
	task := decodeTaskStatus(taskID, data)
	return task, true, nil
}

// Start launches concurrency consumer goroutines. They stop when ctx is
// cancelled.
func (q *RedisTaskQueue) Start(ctx context.Context, concurrency int, handler func(context.Context, TaskStatus) error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		go q.consumeLoop(ctx, consumer, handler)
	}
}

func (q *RedisTaskQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			slog.Warn("creating consumer group failed", "stream", q.stream, "group", q.group, "err", err)
		}
	})
}

func (q *RedisTaskQueue) consumeLoop(ctx context.Context, consumer string, handler func(context.Context, TaskStatus) error) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *RedisTaskQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *RedisTaskQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler func(context.Context, TaskStatus) error) {
	taskID, _ := msg.Values["task_id"].(string)
	documentID, _ := msg.Values["document_id"].(string)
	ownerID, _ := msg.Values["owner_id"].(string)
	if taskID == "" || documentID == "" {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	task, err := q.markProcessing(ctx, taskID, documentID, ownerID)
	if err != nil {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if err := handler(ctx, task); err == nil {
		_ = q.markDone(ctx, taskID)
		q.ackAndDel(ctx, msg.ID)
		return
	} else if task.Attempts >= q.maxRetries {
		_ = q.markFailed(ctx, taskID, err.Error())
		q.ackAndDel(ctx, msg.ID)
		return
	} else {
		_ = q.markQueued(ctx, taskID, err.Error())
	}
	if q.retryDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.retryDelay):
		}
	}
	_ = q.requeueAndAck(ctx, msg.ID, taskID, documentID, ownerID)
}

func (q *RedisTaskQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

func (q *RedisTaskQueue) requeueAndAck(ctx context.Context, msgID, taskID, documentID, ownerID string) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"task_id":     taskID,
			"document_id": documentID,
			"owner_id":    ownerID,
		},
	})
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisTaskQueue) markProcessing(ctx context.Context, taskID, documentID, ownerID string) (TaskStatus, error) {
	task, _, err := q.GetTask(ctx, taskID)
	if err != nil {
		return TaskStatus{}, err
	}
	if task.TaskID == "" {
		task = TaskStatus{TaskID: taskID}
	}
	if documentID != "" {
		task.DocumentID = documentID
	}
	if ownerID != "" {
		task.OwnerID = ownerID
	}
	task.Attempts++
	task.Status = StatusProcessing
	task.UpdatedAt = time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = task.UpdatedAt
	}
	if err := q.writeStatus(ctx, task); err != nil {
		return TaskStatus{}, err
	}
	return task, nil
}

func (q *RedisTaskQueue) markQueued(ctx context.Context, taskID, errMsg string) error {
	task, _, err := q.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	task.Status = StatusQueued
	task.ErrorMessage = errMsg
	task.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, task)
}

func (q *RedisTaskQueue) markDone(ctx context.Context, taskID string) error {
	task, _, err := q.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	task.Status = StatusDone
	task.ErrorMessage = ""
	task.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, task)
}

func (q *RedisTaskQueue) markFailed(ctx context.Context, taskID, errMsg string) error {
	task, _, err := q.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	task.Status = StatusFailed
	task.ErrorMessage = errMsg
	task.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, task)
}

func (q *RedisTaskQueue) writeStatus(ctx context.Context, task TaskStatus) error {
	key := q.taskKey(task.TaskID)
	payload := map[string]any{
		"task_id":     task.TaskID,
		"document_id": task.DocumentID,
		"owner_id":    task.OwnerID,
		"status":      task.Status,
		"error":       task.ErrorMessage,
		"attempts":    strconv.Itoa(task.Attempts),
		"created_at":  task.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":  task.UpdatedAt.Format(time.RFC3339Nano),
	}
	if err := q.client.HSet(ctx, key, payload).Err(); err != nil {
		return err
	}
	_ = q.client.Expire(ctx, key, q.taskTTL).Err()
	return nil
}

func (q *RedisTaskQueue) taskKey(taskID string) string {
	return fmt.Sprintf("task:%s:%s", q.stream, taskID)
}

func decodeTaskStatus(taskID string, data map[string]string) TaskStatus {
	task := TaskStatus{TaskID: taskID}
	task.DocumentID = data["document_id"]
	task.OwnerID = data["owner_id"]
	task.Status = data["status"]
	task.ErrorMessage = data["error"]
	if v := data["attempts"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			task.Attempts = n
		}
	}
	if v := data["created_at"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			task.CreatedAt = t
		}
	}
	if v := data["updated_at"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			task.UpdatedAt = t
		}
	}
	return task
}

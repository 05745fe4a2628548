package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// Scheduler 是可取消的延迟房间清理任务。
type Scheduler interface {
	// ScheduleRoomCleanup 在 delay 之后清理房间，已有待执行任务时替换它。
	ScheduleRoomCleanup(ctx context.Context, roomID string, delay time.Duration) error
	// CancelRoomCleanup 取消待执行的清理任务，不存在时不报错。
	CancelRoomCleanup(ctx context.Context, roomID string) error
}

// CleanupFunc 执行房间清理
type CleanupFunc func(ctx context.Context, roomID string)

// LocalScheduler 用进程内定时器实现 Scheduler，用于单进程部署和测试。
type LocalScheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	run    CleanupFunc
}

// NewLocalScheduler 创建 LocalScheduler。run 在定时器到期时于独立 goroutine 中调用。
func NewLocalScheduler(run CleanupFunc) *LocalScheduler {
	if run == nil {
		panic("cleanup func cannot be nil for LocalScheduler")
	}
	return &LocalScheduler{timers: make(map[string]*time.Timer), run: run}
}

func (s *LocalScheduler) ScheduleRoomCleanup(ctx context.Context, roomID string, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[roomID]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		// 已被取消或替换
		if s.timers[roomID] != timer {
			s.mu.Unlock()
			return
		}
		delete(s.timers, roomID)
		s.mu.Unlock()
		s.run(context.Background(), roomID)
	})
	s.timers[roomID] = timer
	return nil
}

func (s *LocalScheduler) CancelRoomCleanup(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[roomID]; ok {
		t.Stop()
		delete(s.timers, roomID)
	}
	return nil
}

// Pending 返回待执行的清理任务数
func (s *LocalScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop 停止所有定时器
func (s *LocalScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// AsynqScheduler 用 asynq 的延迟任务实现 Scheduler，任务由 worker 执行，进程重启后仍然有效。
type AsynqScheduler struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	queue     string
}

// NewAsynqScheduler 创建 AsynqScheduler
func NewAsynqScheduler(client *asynq.Client, inspector *asynq.Inspector) *AsynqScheduler {
	if client == nil || inspector == nil {
		panic("asynq client and inspector cannot be nil for AsynqScheduler")
	}
	return &AsynqScheduler{client: client, inspector: inspector, queue: QueueCleanup}
}

func (s *AsynqScheduler) ScheduleRoomCleanup(ctx context.Context, roomID string, delay time.Duration) error {
	payload, err := NewRoomCleanupPayload(roomID)
	if err != nil {
		return err
	}
	// 先删除旧任务，保证 TaskID 可用
	if err := s.CancelRoomCleanup(ctx, roomID); err != nil {
		return err
	}
	task := asynq.NewTask(TypeRoomCleanup, payload)
	info, err := s.client.EnqueueContext(ctx, task,
		asynq.TaskID(cleanupTaskID(roomID)),
		asynq.ProcessIn(delay),
		asynq.Queue(s.queue),
		asynq.MaxRetry(3),
	)
	if err != nil {
		return fmt.Errorf("enqueue room cleanup for %s: %w", roomID, err)
	}
	logrus.WithFields(logrus.Fields{"room_id": roomID, "task_id": info.ID, "process_at": info.NextProcessAt}).Debug("Room cleanup scheduled")
	return nil
}

func (s *AsynqScheduler) CancelRoomCleanup(ctx context.Context, roomID string) error {
	err := s.inspector.DeleteTask(s.queue, cleanupTaskID(roomID))
	if err == nil || errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return nil
	}
	return fmt.Errorf("cancel room cleanup for %s: %w", roomID, err)
}

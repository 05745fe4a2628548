package worker

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"anon-chatroom/internal/tasks"
)

// RoomCleaner 在房间仍为空时删除房间，hub.Presence 满足该接口
type RoomCleaner interface {
	CleanupIfEmpty(ctx context.Context, roomID string) (bool, error)
}

// RoomCleanupHandler 处理宽限期到期的房间清理任务
type RoomCleanupHandler struct {
	cleaner RoomCleaner
}

// NewRoomCleanupHandler 创建 Handler 实例
func NewRoomCleanupHandler(cleaner RoomCleaner) *RoomCleanupHandler {
	if cleaner == nil {
		panic("RoomCleaner cannot be nil for RoomCleanupHandler")
	}
	return &RoomCleanupHandler{cleaner: cleaner}
}

// ProcessTask 实现 asynq.Handler 接口
func (h *RoomCleanupHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	taskID := ""
	if rw := t.ResultWriter(); rw != nil {
		taskID = rw.TaskID()
	}
	currentRetry, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	logCtx := logrus.WithFields(logrus.Fields{
		"task_id":   taskID,
		"task_type": t.Type(),
		"retry":     currentRetry,
		"max_retry": maxRetry,
	})

	payload, err := tasks.ParseRoomCleanupPayload(t.Payload())
	if err != nil {
		logCtx.WithError(err).Error("Failed to unmarshal task payload")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	logCtx = logCtx.WithField("room_id", payload.RoomID)

	cleaned, err := h.cleaner.CleanupIfEmpty(ctx, payload.RoomID)
	if err != nil {
		logCtx.WithError(err).Error("Room cleanup failed")
		return fmt.Errorf("cleanup room %s: %w", payload.RoomID, err)
	}
	logCtx.WithField("cleaned", cleaned).Info("Room cleanup task processed")
	return nil
}

// Run 供 tasks.LocalScheduler 在定时器到期时直接调用
func (h *RoomCleanupHandler) Run(ctx context.Context, roomID string) {
	logCtx := logrus.WithField("room_id", roomID)
	cleaned, err := h.cleaner.CleanupIfEmpty(ctx, roomID)
	if err != nil {
		logCtx.WithError(err).Error("Room cleanup failed")
		return
	}
	logCtx.WithField("cleaned", cleaned).Info("Room cleanup timer fired")
}

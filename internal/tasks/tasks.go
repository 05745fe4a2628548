package tasks

import (
	"encoding/json"
	"fmt"
)

// 任务类型常量
const (
	TypeRoomCleanup = "room:cleanup" // 空房间宽限期结束后的清理任务
)

// QueueCleanup 是清理任务所在的低优先级队列
const QueueCleanup = "low"

// RoomCleanupPayload 是房间清理任务的负载
type RoomCleanupPayload struct {
	RoomID string `json:"room_id"`
}

// NewRoomCleanupPayload 序列化清理任务负载
func NewRoomCleanupPayload(roomID string) ([]byte, error) {
	return json.Marshal(RoomCleanupPayload{RoomID: roomID})
}

// ParseRoomCleanupPayload 反序列化清理任务负载
func ParseRoomCleanupPayload(data []byte) (RoomCleanupPayload, error) {
	var p RoomCleanupPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("unmarshal room cleanup payload: %w", err)
	}
	if p.RoomID == "" {
		return p, fmt.Errorf("room cleanup payload missing room_id")
	}
	return p, nil
}

// cleanupTaskID 让同一房间同时最多只有一个待执行的清理任务
func cleanupTaskID(roomID string) string {
	return "room-cleanup:" + roomID
}

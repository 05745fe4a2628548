package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"anon-chatroom/internal/domain"
	"anon-chatroom/internal/hub"
	"anon-chatroom/internal/middleware"
	"anon-chatroom/internal/service"
)

// RoomHandler 封装房间列表、创建、封禁和运行统计的 HTTP 处理逻辑
type RoomHandler struct {
	roomService *service.RoomService
	presence    *hub.Presence
	registry    *hub.Registry
}

// NewRoomHandler 创建 RoomHandler 实例
func NewRoomHandler(roomService *service.RoomService, presence *hub.Presence, registry *hub.Registry) *RoomHandler {
	if roomService == nil || presence == nil || registry == nil {
		panic("RoomService, Presence and Registry cannot be nil for RoomHandler")
	}
	return &RoomHandler{roomService: roomService, presence: presence, registry: registry}
}

// RoomSummary 是房间对外可见的字段
type RoomSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Locked    bool      `json:"locked"`
	Private   bool      `json:"private"`
	Region    string    `json:"region,omitempty"`
	HostAid   string    `json:"hostAid,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func summaryOf(r *domain.Room) RoomSummary {
	return RoomSummary{
		ID:        r.ID,
		Name:      r.Name,
		Locked:    r.Locked,
		Private:   r.Private,
		Region:    r.Region,
		HostAid:   r.HostAid,
		CreatedAt: r.CreatedAt,
	}
}

// ListRooms 处理 GET /api/rooms?region=
func (h *RoomHandler) ListRooms(c *gin.Context) {
	rooms, err := h.roomService.ListRooms(c.Request.Context(), c.Query("region"))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	out := make([]RoomSummary, 0, len(rooms))
	for i := range rooms {
		out = append(out, summaryOf(&rooms[i]))
	}
	SuccessResponse(c, http.StatusOK, gin.H{"rooms": out})
}

// CreateRoomRequest 是创建房间的请求体
type CreateRoomRequest struct {
	Name     string `json:"name" binding:"required,max=191"`
	Password string `json:"password"`
	Private  bool   `json:"private"`
	Region   string `json:"region" binding:"max=64"`
}

// CreateRoom 处理 POST /api/rooms
func (h *RoomHandler) CreateRoom(c *gin.Context) {
	identity, ok := middleware.IdentityFrom(c)
	if !ok {
		logrus.Warn("Handler.CreateRoom: identity not found in context, middleware missing or failed?")
		ErrorResponse(c, http.StatusUnauthorized, "User not authenticated")
		return
	}
	logCtx := logrus.WithField("user_aid", identity.UserAid)

	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logCtx.WithError(err).Warn("Handler.CreateRoom: Invalid input format")
		ErrorResponse(c, http.StatusBadRequest, "Invalid input: name is required")
		return
	}

	room, err := h.roomService.CreateRoom(c.Request.Context(), identity, service.CreateRoomInput{
		Name:     req.Name,
		Password: req.Password,
		Private:  req.Private,
		Region:   req.Region,
	})
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusCreated, summaryOf(room))
}

// BanRequest 是封禁请求体
type BanRequest struct {
	UserAid     string `json:"userAid" binding:"required"`
	DisplayName string `json:"displayName"`
	Reason      string `json:"reason"`
}

// BanMember 处理 POST /api/rooms/:roomId/bans。只有当前房主可以封禁，被封禁者的连接随即被强制断开。
func (h *RoomHandler) BanMember(c *gin.Context) {
	identity, ok := middleware.IdentityFrom(c)
	if !ok {
		ErrorResponse(c, http.StatusUnauthorized, "User not authenticated")
		return
	}
	roomID := c.Param("roomId")
	logCtx := logrus.WithFields(logrus.Fields{"user_aid": identity.UserAid, "room_id": roomID})

	var req BanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logCtx.WithError(err).Warn("Handler.BanMember: Invalid input format")
		ErrorResponse(c, http.StatusBadRequest, "Invalid input: userAid is required")
		return
	}

	target := domain.Identity{UserAid: req.UserAid, DisplayName: req.DisplayName}
	if err := h.roomService.Ban(c.Request.Context(), roomID, identity, target, req.Reason); err != nil {
		HandleServiceError(c, err)
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "banned"
	}
	closed := h.presence.ForceDisconnect(c.Request.Context(), roomID, req.UserAid, reason)
	logCtx.WithFields(logrus.Fields{"target_aid": req.UserAid, "connections": closed}).Info("Handler.BanMember: member banned")
	SuccessResponse(c, http.StatusOK, gin.H{"userAid": req.UserAid, "disconnected": closed})
}

// Stats 处理 GET /api/stats
func (h *RoomHandler) Stats(c *gin.Context) {
	rooms := h.presence.ActiveRooms()
	SuccessResponse(c, http.StatusOK, gin.H{
		"connections": h.registry.Count(),
		"activeRooms": len(rooms),
		"roomIds":     rooms,
	})
}

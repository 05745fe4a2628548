package websocket

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"anon-chatroom/internal/hub"
	"anon-chatroom/internal/middleware"
	"anon-chatroom/internal/service"
)

const closeWait = time.Second

// WebSocketHandler 负责升级连接、准入登记，然后把连接交给事件处理器
type WebSocketHandler struct {
	upgrader websocket.Upgrader
	registry *hub.Registry
	handler  hub.Handler
}

// NewWebSocketHandler 创建 WebSocketHandler 实例。allowedOrigin 为空或 "*" 时接受任意来源。
func NewWebSocketHandler(registry *hub.Registry, handler hub.Handler, allowedOrigin string) *WebSocketHandler {
	if registry == nil {
		panic("Registry cannot be nil for WebSocketHandler")
	}
	if handler == nil {
		panic("Handler cannot be nil for WebSocketHandler")
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if allowedOrigin == "" || allowedOrigin == "*" {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || origin == allowedOrigin
		},
	}

	return &WebSocketHandler{
		upgrader: upgrader,
		registry: registry,
		handler:  handler,
	}
}

// HandleConnection 处理 /ws 升级请求。身份由 Auth 中间件提供，房间由后续的 join 事件指定。
func (h *WebSocketHandler) HandleConnection(c *gin.Context) {
	identity, ok := middleware.IdentityFrom(c)
	if !ok {
		logrus.Warn("WS Handler: identity not found in context")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}
	logCtx := logrus.WithFields(logrus.Fields{"user_aid": identity.UserAid, "remote_addr": c.ClientIP()})

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已经写回了 HTTP 错误
		logCtx.WithError(err).Warn("WS Handler: Failed to upgrade connection")
		return
	}

	client, err := h.registry.Register(conn, c.ClientIP())
	if err != nil {
		if errors.Is(err, service.ErrAdmissionDenied) {
			logCtx.Warn("WS Handler: admission denied")
		} else {
			logCtx.WithError(err).Error("WS Handler: failed to register connection")
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, service.PublicMessage(err)),
			time.Now().Add(closeWait))
		_ = conn.Close()
		return
	}

	client.SetIdentity(identity)
	client.Run(h.handler)
	logCtx.WithField("conn_id", client.ID()).Info("WS Handler: connection established")
}

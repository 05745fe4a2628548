package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"anon-chatroom/internal/service"
)

var statusByError = []struct {
	err    error
	status int
}{
	{service.ErrInvalidPayload, http.StatusBadRequest},
	{service.ErrRoomNotFound, http.StatusNotFound},
	{service.ErrMessageNotFound, http.StatusNotFound},
	{service.ErrAccessDenied, http.StatusForbidden},
	{service.ErrUnauthorized, http.StatusForbidden},
	{service.ErrRoomNameTaken, http.StatusConflict},
	{service.ErrRateLimited, http.StatusTooManyRequests},
	{service.ErrAdmissionDenied, http.StatusTooManyRequests},
}

// HandleServiceError 把服务层错误转换为 HTTP 响应
func HandleServiceError(c *gin.Context, err error) {
	for _, se := range statusByError {
		if errors.Is(err, se.err) {
			ErrorCodeResponse(c, se.status, service.ErrorCode(err), service.PublicMessage(err))
			return
		}
	}
	logrus.WithError(err).WithField("path", c.Request.URL.Path).Error("Unhandled internal server error")
	ErrorCodeResponse(c, http.StatusInternalServerError, service.ErrorCode(err), "An unexpected error occurred")
}

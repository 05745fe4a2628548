package http

import "github.com/gin-gonic/gin"

// ErrorResponse 返回 {"error": message}
func ErrorResponse(c *gin.Context, code int, message string) {
	c.JSON(code, gin.H{"error": message})
}

// ErrorCodeResponse 额外携带与 WebSocket error 事件相同的错误码
func ErrorCodeResponse(c *gin.Context, code int, errCode, message string) {
	c.JSON(code, gin.H{"error": message, "code": errCode})
}

func SuccessResponse(c *gin.Context, code int, data interface{}) {
	c.JSON(code, data)
}

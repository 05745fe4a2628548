package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/sirupsen/logrus"

	"anon-chatroom/internal/domain"
)

// IdentityKey 是身份在 gin.Context 中的键
const IdentityKey = "identity"

// ErrMissingToken 表示请求既没有 Authorization 头也没有 token 参数
var ErrMissingToken = errors.New("missing bearer token")

// IdentityClaims 是令牌携带的不透明身份
type IdentityClaims struct {
	UserAid     string `json:"aid"`
	DisplayName string `json:"name"`
	jwt.RegisteredClaims
}

// Auth 返回一个 Gin 中间件，验证 JWT 并把 domain.Identity 放入上下文。
// 浏览器的 WebSocket 无法设置请求头，因此也接受 token 查询参数。
func Auth(jwtSecret string) gin.HandlerFunc {
	if jwtSecret == "" {
		panic("JWT secret cannot be empty for Auth middleware")
	}

	return func(c *gin.Context) {
		tokenStr, err := extractToken(c)
		if err != nil {
			logrus.WithField("path", c.Request.URL.Path).WithError(err).Warn("Auth middleware: token not provided")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization token is required"})
			return
		}

		claims, err := validateToken(tokenStr, jwtSecret)
		if err != nil {
			logCtx := logrus.WithError(err)
			logCtx.Warn("Auth middleware: Invalid token")
			var validationError *jwt.ValidationError
			if errors.As(err, &validationError) && validationError.Errors&jwt.ValidationErrorExpired != 0 {
				logCtx.Warn("Reason: Token is expired")
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			return
		}

		identity := domain.Identity{UserAid: claims.UserAid, DisplayName: claims.DisplayName}
		c.Set(IdentityKey, identity)
		logrus.WithField("user_aid", identity.UserAid).Debug("Auth middleware: identity authenticated via JWT")
		c.Next()
	}
}

// IdentityFrom 读取 Auth 中间件设置的身份
func IdentityFrom(c *gin.Context) (domain.Identity, bool) {
	v, ok := c.Get(IdentityKey)
	if !ok {
		return domain.Identity{}, false
	}
	id, ok := v.(domain.Identity)
	if !ok || id.UserAid == "" {
		return domain.Identity{}, false
	}
	return id, true
}

// IssueToken 为身份签发 HS256 令牌，供开发工具和测试使用
func IssueToken(secret string, identity domain.Identity, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is empty")
	}
	if identity.UserAid == "" {
		return "", errors.New("identity has no aid")
	}
	now := time.Now()
	claims := IdentityClaims{
		UserAid:     identity.UserAid,
		DisplayName: identity.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// extractToken 依次从 Authorization 头和 token 查询参数读取令牌
func extractToken(c *gin.Context) (string, error) {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return "", jwt.ErrTokenMalformed
		}
		return parts[1], nil
	}
	if token := c.Query("token"); token != "" {
		return token, nil
	}
	return "", ErrMissingToken
}

func validateToken(tokenStr string, secret string) (*IdentityClaims, error) {
	claims := &IdentityClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.UserAid == "" {
		return nil, errors.New("token carries no aid claim")
	}
	return claims, nil
}

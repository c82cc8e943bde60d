package security

import (
	"net/http"
	"strings"

	"PChat/tools/errs"
	"PChat/tools/security"

	"github.com/gin-gonic/gin"
)

// context key
// 后续模块统一用 IdentityFrom 读取
const (
	PPCtxIdentityKey = "identity"
)

// Identity 已认证的调用方
type Identity struct {
	UserID   int64
	Username string
}

type Options struct {
	JWT security.Options

	// 读取哪个请求头
	HeaderToken               string // 默认 "authorization"
	EnableAuthorizationBearer bool   // 默认 true
	// websocket 握手无法自定义 header，允许从 query 取
	QueryToken string // 默认 "token"
}

func DefaultOptions(secret []byte) *Options {
	return &Options{
		JWT:                       security.DefaultOptions(secret),
		HeaderToken:               "authorization",
		EnableAuthorizationBearer: true,
		QueryToken:                "token",
	}
}

func extractToken(c *gin.Context, opts *Options) string {
	token := strings.TrimSpace(c.GetHeader(opts.HeaderToken))

	// 兼容 Authorization: Bearer xxx
	if opts.EnableAuthorizationBearer {
		if strings.HasPrefix(strings.ToLower(token), "bearer ") {
			token = strings.TrimSpace(token[len("bearer "):])
		} else if token == "" {
			if authz := strings.TrimSpace(c.GetHeader("Authorization")); strings.HasPrefix(strings.ToLower(authz), "bearer ") {
				token = strings.TrimSpace(authz[len("bearer "):])
			}
		}
	}
	if token == "" && opts.QueryToken != "" {
		token = strings.TrimSpace(c.Query(opts.QueryToken))
	}
	return token
}

func Middleware(opts *Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := security.Verify(opts.JWT, extractToken(c, opts))
		if err != nil {
			ce, _ := errs.AsCodeError(err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, ce)
			return
		}
		c.Set(PPCtxIdentityKey, Identity{UserID: claims.UserID, Username: claims.Username})
		c.Next()
	}
}

func IdentityFrom(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(PPCtxIdentityKey)
	if !ok {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}

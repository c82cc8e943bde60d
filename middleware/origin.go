package middleware

import (
	"time"

	"PChat/logger"
	"PChat/tools/errs"
	"PChat/tools/ids"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// CORS 允许的来源为空时放行所有
func CORS(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		cfg.AllowCredentials = false
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

// AccessLog 请求日志，慢请求升级为 warn
func AccessLog(slow time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		cost := time.Since(start)
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("cost", cost),
		}
		if cost > slow {
			logger.Warn("[http] slow request", fields...)
			return
		}
		logger.Debug("[http] request", fields...)
	}
}

// Recovery handler 里的 panic 转成 500，不让进程退出
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				err := errs.ErrPanic(r)
				logger.Error("[http] panic recovered", zap.String("path", c.FullPath()), zap.Error(err))
				c.AbortWithStatusJSON(500, errs.ErrInternalServer)
			}
		}()
		c.Next()
	}
}

// OriginGuard websocket 握手校验 Origin，只拦截不包裹
func OriginGuard(path string, origins []string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	_, wildcard := allowed["*"]
	return func(c *gin.Context) {
		if wildcard || len(allowed) == 0 || c.Request.URL.Path != path {
			return
		}
		origin := c.GetHeader("Origin")
		if origin == "" {
			return
		}
		if _, ok := allowed[origin]; !ok {
			c.AbortWithStatusJSON(403, errs.ErrAccessDenied.WithDetail("origin not allowed"))
		}
	}
}

// RequestID 透传或生成 X-Request-ID
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader("X-Request-ID")
		if rid == "" {
			rid = ids.UUID()
		}
		c.Set("requestId", rid)
		c.Header("X-Request-ID", rid)
	}
}

package global

import (
	"time"

	"PChat/middleware"
	midsec "PChat/middleware/security"
	"PChat/module/chat/handler"
	"PChat/tools/errs"

	"github.com/gin-gonic/gin"
)

const slowRequest = 500 * time.Millisecond

// Engine 组装 HTTP 入口：全局中间件 + 业务路由
func (a *App) Engine() (*gin.Engine, error) {
	if err := handler.RegisterValidators(); err != nil {
		return nil, errs.WrapMsg(err, "register validators")
	}
	r := gin.New()
	r.Use(middleware.Recovery(), middleware.AccessLog(slowRequest), middleware.CORS(a.Conf.CORSOrigins))

	mgr := middleware.Manager()
	mgr.Add("request-id", middleware.RequestID())
	mgr.Add("origin-guard", middleware.OriginGuard("/ws", a.Conf.CORSOrigins))
	r.Use(mgr.Use())

	auth := midsec.Middleware(midsec.DefaultOptions([]byte(a.Conf.JwtSecret)))
	h := &handler.Handler{
		Pipeline:      a.Pipeline,
		Receipts:      a.Receipts,
		Conversations: a.Conversations,
		Presence:      a.Registry,
		Hub:           a.Hub,
	}
	h.Register(middleware.NewRoutes(r, auth))
	return r, nil
}

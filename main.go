package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"PChat/global"
	"PChat/global/config"
	"PChat/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	defer logger.Sync()

	conf, err := config.Load()
	if err != nil {
		logger.Error("[main] load config", zap.Error(err))
		os.Exit(1)
	}
	if conf.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	bootCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	app, err := global.Bootstrap(bootCtx, conf)
	cancel()
	if err != nil {
		logger.Error("[main] bootstrap", zap.Error(err))
		os.Exit(1)
	}

	engine, err := app.Engine()
	if err != nil {
		logger.Error("[main] build router", zap.Error(err))
		_ = app.Close(context.Background())
		os.Exit(1)
	}
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(conf.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Infof("[main] http listening on %s node=%s", srv.Addr, conf.NodeID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("[main] http server", zap.Error(err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("[main] shutting down")

	ctx, done := app.ShutdownContext()
	defer done()
	// 先停止接新请求，websocket 连接由 hub 关闭
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("[main] http shutdown", zap.Error(err))
	}
	if err := app.Close(ctx); err != nil {
		logger.Warn("[main] close", zap.Error(err))
	}
}

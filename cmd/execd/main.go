// execd is the sandboxed execution daemon of the IDE backend. It accepts
// execution requests over HTTP, runs each one in an isolated short-lived
// sandbox, and returns a normalized result.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"runbox/internal/exec/accounting"
	"runbox/internal/exec/limits"
	"runbox/internal/exec/sandbox"
	"runbox/internal/exec/service"
	"runbox/internal/httpapi"
	"runbox/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/execd.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx := context.Background()

	registry, err := buildRegistry(appCfg.Profiles)
	if err != nil {
		logger.Error(ctx, "load runtime profiles failed", zap.Error(err))
		os.Exit(1)
	}

	limiter := limits.NewLimiter(appCfg.Limits.Defaults, appCfg.Limits.Ceilings)
	slots := accounting.NewSlots(appCfg.Exec.MaxConcurrent)

	controller, err := sandbox.NewController(appCfg.Sandbox, slots)
	if err != nil {
		logger.Error(ctx, "init sandbox controller failed", zap.Error(err))
		os.Exit(1)
	}

	executor := service.NewExecutor(registry, limiter, controller)
	handler := httpapi.NewHandler(executor)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler.Register(router)

	server := &http.Server{
		Addr:         appCfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  appCfg.Server.ReadTimeout.Std(),
		WriteTimeout: appCfg.Server.WriteTimeout.Std(),
		IdleTimeout:  appCfg.Server.IdleTimeout.Std(),
	}

	go func() {
		logger.Info(ctx, "execd listening",
			zap.String("addr", appCfg.Server.Addr),
			zap.Strings("languages", registry.Languages()),
			zap.Int("max_concurrent", appCfg.Exec.MaxConcurrent))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "http server failed", zap.Error(err))
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info(ctx, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "shutdown failed", zap.Error(err))
	}
}

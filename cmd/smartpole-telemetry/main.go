package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"smartpole-telemetry/internal/config"
	"smartpole-telemetry/internal/consumer"
	"smartpole-telemetry/internal/httpapi"
	"smartpole-telemetry/internal/logger"
	"smartpole-telemetry/internal/service"

	"go.uber.org/zap"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 2. 初始化日志
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, "smartpole-telemetry")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	// 3. 创建服务
	telemetryService, err := service.NewTelemetryService(cfg, log)
	if err != nil {
		log.Fatal("Failed to create telemetry service",
			zap.Error(err),
		)
	}
	defer telemetryService.Stop()

	// 4. 创建上下文（支持优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 5. 订阅设备 MQTT 主题
	mqttConsumer := consumer.NewMQTTConsumer(cfg, telemetryService.MQTTClient(),
		telemetryService.Gateway, telemetryService.Liveness, log)
	if err := mqttConsumer.Start(ctx); err != nil {
		log.Fatal("Failed to start MQTT consumer",
			zap.Error(err),
		)
	}
	defer mqttConsumer.Stop()

	// 6. 注册 HTTP 路由
	router := httpapi.NewRouter(log)
	router.RegisterDeviceRoutes(httpapi.NewDeviceHandler(telemetryService.Gateway, telemetryService.Liveness, log))
	router.RegisterSessionRoutes(httpapi.NewSessionHandler(telemetryService.Manager, telemetryService.AlertRepo(), log))
	router.RegisterAlertRoutes(httpapi.NewAlertHandler(telemetryService.AlertRepo(), telemetryService.Gateway, log))
	router.RegisterPoleRoutes(httpapi.NewPoleHandler(cfg, telemetryService.PoleRepo(), telemetryService.Cache(), log))

	httpServer := service.NewHTTPServer(cfg, router)

	// 7. 启动后台任务与 HTTP 服务
	telemetryService.Start(ctx)

	serverErrChan := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening",
			zap.String("addr", cfg.HTTP.Addr),
		)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrChan <- err
		}
	}()

	// 8. 等待信号（优雅关闭）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down",
			zap.String("signal", sig.String()),
		)
	case err := <-serverErrChan:
		log.Error("HTTP server error",
			zap.Error(err),
		)
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Failed to shut down HTTP server",
			zap.Error(err),
		)
	}

	log.Info("Telemetry service stopped")
}

package service

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"smartpole-telemetry/internal/broadcast"
	"smartpole-telemetry/internal/cache"
	"smartpole-telemetry/internal/config"
	"smartpole-telemetry/internal/database"
	"smartpole-telemetry/internal/engine"
	"smartpole-telemetry/internal/mqtt"
	"smartpole-telemetry/internal/repository"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// TelemetryService 输液遥测服务（整合各层）
type TelemetryService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqtt.Client
	logger      *zap.Logger

	// 各层组件
	sessionRepo      *repository.SessionRepository
	poleRepo         *repository.PoleRepository
	alertRepo        *repository.AlertLogRepository
	prescriptionRepo *repository.PrescriptionRepository
	realtimeCache    *cache.RealtimeCache
	broadcaster      broadcast.Broadcaster
	alertEngine      *engine.Engine
	Manager          *SessionManager
	Gateway          *Gateway
	Liveness         *LivenessTracker
}

// NewTelemetryService 创建遥测服务
func NewTelemetryService(cfg *config.Config, logger *zap.Logger) (*TelemetryService, error) {
	// 1. 连接数据库
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, err
	}

	// 2. 连接 Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 3. 连接 MQTT
	mqttClient, err := mqtt.NewClient(&cfg.MQTT, logger)
	if err != nil {
		return nil, err
	}

	// 4. 创建 Repository 层
	sessionRepo := repository.NewSessionRepository(db, logger)
	poleRepo := repository.NewPoleRepository(db, logger)
	alertRepo := repository.NewAlertLogRepository(db, logger)
	prescriptionRepo := repository.NewPrescriptionRepository(db, logger)

	// 5. 创建缓存与广播
	kv := cache.NewRedisKVStore(redisClient)
	realtimeCache := cache.NewRealtimeCache(cfg, kv, logger)
	broadcaster := broadcast.NewMQTTBroadcaster(mqttClient, cfg.MQTT.QoS, logger)

	// 6. 创建报警引擎与服务层
	alertEngine := engine.NewEngine(cfg, alertRepo, logger)
	manager := NewSessionManager(cfg, sessionRepo, poleRepo, alertEngine, broadcaster, logger)
	gateway := NewGateway(cfg, sessionRepo, poleRepo, prescriptionRepo, alertRepo,
		manager, alertEngine, realtimeCache, broadcaster, logger)
	liveness := NewLivenessTracker(cfg, poleRepo, sessionRepo, alertRepo, alertEngine, broadcaster, logger)

	return &TelemetryService{
		config:           cfg,
		db:               db,
		redisClient:      redisClient,
		mqttClient:       mqttClient,
		logger:           logger,
		sessionRepo:      sessionRepo,
		poleRepo:         poleRepo,
		alertRepo:        alertRepo,
		prescriptionRepo: prescriptionRepo,
		realtimeCache:    realtimeCache,
		broadcaster:      broadcaster,
		alertEngine:      alertEngine,
		Manager:          manager,
		Gateway:          gateway,
		Liveness:         liveness,
	}, nil
}

// AlertRepo 报警仓库（HTTP 层查询/确认用）
func (s *TelemetryService) AlertRepo() *repository.AlertLogRepository {
	return s.alertRepo
}

// PoleRepo 设备仓库（HTTP 层管理端点用）
func (s *TelemetryService) PoleRepo() *repository.PoleRepository {
	return s.poleRepo
}

// Cache 实时缓存（HTTP 层快照端点用）
func (s *TelemetryService) Cache() *cache.RealtimeCache {
	return s.realtimeCache
}

// MQTTClient MQTT 客户端（消费者订阅用）
func (s *TelemetryService) MQTTClient() *mqtt.Client {
	return s.mqttClient
}

// Start 启动后台任务（离线扫描/统计）
func (s *TelemetryService) Start(ctx context.Context) {
	go s.Liveness.Start(ctx)
	s.logger.Info("Telemetry service started")
}

// Stop 停止服务并释放连接
func (s *TelemetryService) Stop() error {
	s.logger.Info("Stopping telemetry service")

	s.mqttClient.Disconnect()

	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close database",
			zap.Error(err),
		)
	}

	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("Failed to close redis",
			zap.Error(err),
		)
	}

	return nil
}

// NewHTTPServer 构建 HTTP 服务（路由注册集中在这里）
func NewHTTPServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: handler,
	}
}

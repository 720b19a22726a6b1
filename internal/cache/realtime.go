package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"smartpole-telemetry/internal/config"
	"smartpole-telemetry/internal/models"

	"go.uber.org/zap"
)

// PoleSnapshot 单设备最新遥测快照（供看板服务直接读取，避免打数据库）
type PoleSnapshot struct {
	DeviceID          string   `json:"device_id"`
	PatientID         string   `json:"patient_id,omitempty"`
	SessionID         string   `json:"session_id,omitempty"`
	RemainingVolumeML float64  `json:"remaining_volume_ml"`
	ConsumedVolumeML  float64  `json:"consumed_volume_ml"`
	Percentage        float64  `json:"percentage"`
	MeasuredFlowRate  *float64 `json:"measured_flow_rate,omitempty"`
	DeviationPercent  *float64 `json:"deviation_percent,omitempty"`
	SensorState       *string  `json:"sensor_state,omitempty"`
	Timestamp         int64    `json:"timestamp"`
}

// RealtimeCache Redis 实时缓存管理器
// 键形如 {prefix}{pole_id}{suffix}，TTL 有界：写入方挂掉后快照自然过期
type RealtimeCache struct {
	cfg    *config.Config
	kv     KVStore
	logger *zap.Logger
}

// NewRealtimeCache 创建实时缓存管理器
func NewRealtimeCache(cfg *config.Config, kv KVStore, logger *zap.Logger) *RealtimeCache {
	return &RealtimeCache{
		cfg:    cfg,
		kv:     kv,
		logger: logger,
	}
}

func (c *RealtimeCache) realtimeKey(poleID string) string {
	return fmt.Sprintf("%s%s%s", c.cfg.Telemetry.Cache.KeyPrefix, poleID, c.cfg.Telemetry.Cache.RealtimeSuffix)
}

func (c *RealtimeCache) alertKey(poleID string) string {
	return fmt.Sprintf("%s%s%s", c.cfg.Telemetry.Cache.KeyPrefix, poleID, c.cfg.Telemetry.Cache.AlarmSuffix)
}

// SetSnapshot 写入最新遥测快照
func (c *RealtimeCache) SetSnapshot(ctx context.Context, snapshot *PoleSnapshot) error {
	if snapshot.Timestamp == 0 {
		snapshot.Timestamp = time.Now().Unix()
	}

	jsonData, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	err = c.kv.Set(ctx, c.realtimeKey(snapshot.DeviceID), string(jsonData), c.cfg.Telemetry.Cache.RealtimeTTL)
	if err != nil {
		return fmt.Errorf("failed to set snapshot cache: %w", err)
	}

	return nil
}

// GetSnapshot 读取最新遥测快照
func (c *RealtimeCache) GetSnapshot(ctx context.Context, poleID string) (*PoleSnapshot, error) {
	val, err := c.kv.Get(ctx, c.realtimeKey(poleID))
	if err != nil {
		if err == ErrCacheMiss {
			return nil, fmt.Errorf("snapshot not found for pole: %s", poleID)
		}
		return nil, fmt.Errorf("failed to get snapshot cache: %w", err)
	}

	var snapshot PoleSnapshot
	if err := json.Unmarshal([]byte(val), &snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	return &snapshot, nil
}

// SetActiveAlerts 写入设备当前未确认报警列表
func (c *RealtimeCache) SetActiveAlerts(ctx context.Context, poleID string, alerts []models.AlertLog) error {
	jsonData, err := json.Marshal(alerts)
	if err != nil {
		return fmt.Errorf("failed to marshal alerts: %w", err)
	}

	err = c.kv.Set(ctx, c.alertKey(poleID), string(jsonData), c.cfg.Telemetry.Cache.AlarmTTL)
	if err != nil {
		return fmt.Errorf("failed to set alert cache: %w", err)
	}

	c.logger.Debug("Updated alert cache",
		zap.String("pole_id", poleID),
		zap.Int("alert_count", len(alerts)),
	)

	return nil
}

// GetActiveAlerts 读取设备当前未确认报警列表
func (c *RealtimeCache) GetActiveAlerts(ctx context.Context, poleID string) ([]models.AlertLog, error) {
	val, err := c.kv.Get(ctx, c.alertKey(poleID))
	if err != nil {
		if err == ErrCacheMiss {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get alert cache: %w", err)
	}

	var alerts []models.AlertLog
	if err := json.Unmarshal([]byte(val), &alerts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal alerts: %w", err)
	}

	return alerts, nil
}

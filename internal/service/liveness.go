package service

import (
	"context"
	"time"

	"smartpole-telemetry/internal/broadcast"
	"smartpole-telemetry/internal/config"
	"smartpole-telemetry/internal/engine"
	"smartpole-telemetry/internal/models"

	"go.uber.org/zap"
)

// LivenessTracker 设备在线状态跟踪
// 上线是反应式的（ping 到达即在线）；下线只由周期扫描触发，
// 两次扫描之间刚超窗的设备允许短暂仍显示在线。
type LivenessTracker struct {
	cfg         *config.Config
	poles       PoleStore
	sessions    SessionStore
	alerts      AlertStore
	engine      *engine.Engine
	broadcaster broadcast.Broadcaster
	logger      *zap.Logger
}

// NewLivenessTracker 创建在线状态跟踪器
func NewLivenessTracker(
	cfg *config.Config,
	poles PoleStore,
	sessions SessionStore,
	alerts AlertStore,
	alertEngine *engine.Engine,
	broadcaster broadcast.Broadcaster,
	logger *zap.Logger,
) *LivenessTracker {
	return &LivenessTracker{
		cfg:         cfg,
		poles:       poles,
		sessions:    sessions,
		alerts:      alerts,
		engine:      alertEngine,
		broadcaster: broadcaster,
		logger:      logger,
	}
}

// HandlePing 处理设备保活 ping
// 未注册设备自动注册（status=active，电量缺省 100）；
// 电量下穿阈值时产生报警；随后广播 battery_update。
func (t *LivenessTracker) HandlePing(ctx context.Context, report *models.PingReport) *models.Result {
	if report == nil || report.DeviceID == "" {
		return models.ErrResult("device_id is required")
	}

	now := time.Now()
	pole, err := t.poles.GetPole(ctx, report.DeviceID)
	if err != nil {
		t.logger.Error("Failed to get pole for ping",
			zap.String("device_id", report.DeviceID),
			zap.Error(err),
		)
		return models.ErrResult("internal error")
	}

	previousBattery := 100
	if pole == nil {
		battery := 100
		if report.BatteryLevel != nil {
			battery = *report.BatteryLevel
		}
		pole = &models.Pole{
			PoleID:       report.DeviceID,
			Status:       models.PoleActive,
			BatteryLevel: battery,
			IsOnline:     true,
			LastPingAt:   &now,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := t.poles.CreatePole(ctx, pole); err != nil {
			t.logger.Error("Failed to auto-register pole",
				zap.String("device_id", report.DeviceID),
				zap.Error(err),
			)
			return models.ErrResult("internal error")
		}
		t.logger.Info("Auto-registered new pole",
			zap.String("device_id", report.DeviceID),
			zap.Int("battery_level", battery),
		)
	} else {
		previousBattery = pole.BatteryLevel
		if err := t.poles.UpdatePing(ctx, report.DeviceID, report.BatteryLevel, now); err != nil {
			t.logger.Error("Failed to record ping",
				zap.String("device_id", report.DeviceID),
				zap.Error(err),
			)
			return models.ErrResult("internal error")
		}
		pole.IsOnline = true
		pole.LastPingAt = &now
		if report.BatteryLevel != nil {
			pole.BatteryLevel = *report.BatteryLevel
		}
	}

	if report.BatteryLevel != nil {
		alert, err := t.engine.CreateBatteryAlert(ctx, report.DeviceID, *report.BatteryLevel, previousBattery)
		if err != nil {
			t.logger.Error("Failed to create battery alert",
				zap.String("device_id", report.DeviceID),
				zap.Error(err),
			)
		} else if alert != nil {
			t.broadcastBatteryAlert(report.DeviceID, alert)
		}
	}

	hasSession, err := t.sessions.GetActiveSessionByPole(ctx, report.DeviceID)
	if err != nil {
		t.logger.Warn("Failed to check active session on ping",
			zap.String("device_id", report.DeviceID),
			zap.Error(err),
		)
	}

	t.broadcastPoleStatus(pole, "battery_update")

	return models.OkResult("Ping received", map[string]interface{}{
		"device_id":              report.DeviceID,
		"battery_level":          pole.BatteryLevel,
		"prescription_available": hasSession != nil,
	})
}

// Start 启动离线扫描与统计日志两个周期任务，ctx 取消后退出
func (t *LivenessTracker) Start(ctx context.Context) {
	sweepTicker := time.NewTicker(t.cfg.Telemetry.SweepInterval)
	statsTicker := time.NewTicker(t.cfg.Telemetry.StatsInterval)
	defer sweepTicker.Stop()
	defer statsTicker.Stop()

	t.logger.Info("Liveness tracker started",
		zap.Duration("liveness_window", t.cfg.Telemetry.LivenessWindow),
		zap.Duration("sweep_interval", t.cfg.Telemetry.SweepInterval),
	)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("Liveness tracker stopped")
			return
		case <-sweepTicker.C:
			t.Sweep(ctx)
		case <-statsTicker.C:
			t.logStats(ctx)
		}
	}
}

// Sweep 离线扫描：把超窗的在线设备降级为离线并广播
// MarkOffline 带 last_ping_at 守卫，扫描期间到达的新 ping 会使降级落空
func (t *LivenessTracker) Sweep(ctx context.Context) {
	now := time.Now()
	cutoff := now.Add(-t.cfg.Telemetry.LivenessWindow)

	poles, err := t.poles.ListOnlinePoles(ctx)
	if err != nil {
		t.logger.Error("Offline sweep failed to list poles", zap.Error(err))
		return
	}

	demoted := 0
	for i := range poles {
		pole := &poles[i]
		if pole.IsLiveAt(now, t.cfg.Telemetry.LivenessWindow) {
			continue
		}

		changed, err := t.poles.MarkOffline(ctx, pole.PoleID, cutoff)
		if err != nil {
			t.logger.Error("Failed to mark pole offline",
				zap.String("pole_id", pole.PoleID),
				zap.Error(err),
			)
			continue
		}
		if !changed {
			continue
		}

		demoted++
		pole.IsOnline = false
		t.logger.Warn("Pole went offline",
			zap.String("pole_id", pole.PoleID),
			zap.Timep("last_ping_at", pole.LastPingAt),
		)
		t.broadcastPoleStatus(pole, "status_change")
	}

	if demoted > 0 {
		t.logger.Info("Offline sweep completed", zap.Int("demoted", demoted))
	}
}

// logStats 周期性统计日志（仅诊断，不产生报警或事件）
func (t *LivenessTracker) logStats(ctx context.Context) {
	stats, err := t.poles.GetStats(ctx, t.cfg.Telemetry.BatteryLowPercent)
	if err != nil {
		t.logger.Error("Failed to collect pole stats", zap.Error(err))
		return
	}

	criticalUnacked, err := t.alerts.CountUnacknowledgedBySeverity(ctx, models.SeverityCritical)
	if err != nil {
		t.logger.Warn("Failed to count unacknowledged critical alerts", zap.Error(err))
	}

	t.logger.Info("Pole fleet stats",
		zap.Int("total", stats.Total),
		zap.Int("online", stats.Online),
		zap.Int("offline", stats.Offline),
		zap.Int("low_battery", stats.LowBattery),
		zap.Int("assigned", stats.Assigned),
		zap.Int64("critical_unacked", criticalUnacked),
	)
}

// broadcastPoleStatus 设备状态扇出：设备状态流 + 全局患者流
func (t *LivenessTracker) broadcastPoleStatus(pole *models.Pole, event string) {
	payload := map[string]interface{}{
		"type":          event,
		"pole_id":       pole.PoleID,
		"device_id":     pole.PoleID,
		"is_online":     pole.IsOnline,
		"battery_level": pole.BatteryLevel,
	}
	if pole.LastPingAt != nil {
		payload["last_ping_at"] = pole.LastPingAt.Format(time.RFC3339)
	}
	if pole.PatientID != nil {
		payload["patient_id"] = *pole.PatientID
	}

	_ = t.broadcaster.Publish(broadcast.TopicPoleStatus, payload)
	_ = t.broadcaster.Publish(broadcast.TopicPatients, payload)
}

// broadcastBatteryAlert 电量报警扇出
func (t *LivenessTracker) broadcastBatteryAlert(deviceID string, alert *models.AlertLog) {
	payload := map[string]interface{}{
		"type":       "alert",
		"alert_id":   alert.AlertID,
		"alert_type": string(alert.AlertType),
		"severity":   string(alert.Severity),
		"message":    alert.Message,
		"device_id":  deviceID,
	}

	_ = t.broadcaster.Publish(broadcast.TopicAlerts, payload)
	_ = t.broadcaster.Publish(broadcast.PoleAlertTopic(deviceID), payload)
}

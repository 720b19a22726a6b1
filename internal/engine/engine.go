package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"smartpole-telemetry/internal/config"
	"smartpole-telemetry/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AlertStore 报警持久化接口（由 repository.AlertLogRepository 实现）
type AlertStore interface {
	CreateAlert(ctx context.Context, alert *models.AlertLog) error
}

// Engine 偏差/报警引擎
// 判定本身是纯函数；命中后构造 AlertLog 并落库，广播由调用方负责
type Engine struct {
	cfg    *config.Config
	alerts AlertStore
	logger *zap.Logger
}

// NewEngine 创建报警引擎
func NewEngine(cfg *config.Config, alerts AlertStore, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		alerts: alerts,
		logger: logger,
	}
}

// ClassifyDeviation 流速偏差分级（对称：按 |deviation| 判定）
// |d| > critical → critical；warning < |d| ≤ critical → warning；否则不报警
func (e *Engine) ClassifyDeviation(deviationPercent float64) (models.Severity, bool) {
	abs := math.Abs(deviationPercent)
	switch {
	case abs > e.cfg.Telemetry.DeviationCriticalPercent:
		return models.SeverityCritical, true
	case abs > e.cfg.Telemetry.DeviationWarningPercent:
		return models.SeverityWarning, true
	default:
		return "", false
	}
}

// EvaluateDeviation 评估一次流速偏差，命中阈值则落库 flow_stopped 报警
// 遥测摄入与设备的独立报警通道都会走这里；未命中返回 (nil, nil)
func (e *Engine) EvaluateDeviation(ctx context.Context, sessionID string, deviationPercent float64, prescribed, measured *float64) (*models.AlertLog, error) {
	severity, alert := e.ClassifyDeviation(deviationPercent)
	if !alert {
		return nil, nil
	}

	message := fmt.Sprintf(
		"Flow rate deviation detected: %.1f%% (prescribed: %.2f mL/min, measured: %.2f mL/min)",
		deviationPercent, floatOrZero(prescribed), floatOrZero(measured),
	)

	return e.create(ctx, &sessionID, models.AlertFlowStopped, severity, message)
}

// CreateBatteryAlert 电量下穿阈值时创建报警（只在从阈值之上跌破时触发一次）
// battery < critical → critical，否则 warning；未下穿返回 (nil, nil)
func (e *Engine) CreateBatteryAlert(ctx context.Context, poleID string, battery, previousBattery int) (*models.AlertLog, error) {
	low := e.cfg.Telemetry.BatteryLowPercent
	if battery > low || previousBattery <= low {
		return nil, nil
	}

	severity := models.SeverityWarning
	if battery < e.cfg.Telemetry.BatteryCriticalPercent {
		severity = models.SeverityCritical
	}

	message := fmt.Sprintf("IV pole %s battery level is low: %d%%", poleID, battery)
	return e.create(ctx, nil, models.AlertBatteryLow, severity, message)
}

// CreatePoleFallAlert 倒伏/异常移动报警（始终 critical）
func (e *Engine) CreatePoleFallAlert(ctx context.Context, poleID string, sessionID *string) (*models.AlertLog, error) {
	message := fmt.Sprintf("IV pole %s detected fall or abnormal movement", poleID)
	return e.create(ctx, sessionID, models.AlertPoleFall, models.SeverityCritical, message)
}

// CreateNurseCallAlert 护士呼叫报警（始终 critical；可先于会话存在）
func (e *Engine) CreateNurseCallAlert(ctx context.Context, sessionID *string, patientID string) (*models.AlertLog, error) {
	message := fmt.Sprintf("Patient %s pressed the nurse call button", patientID)
	return e.create(ctx, sessionID, models.AlertNurseCall, models.SeverityCritical, message)
}

// CreateSystemAlert 系统报警（任意类型/级别/消息，无会话）
func (e *Engine) CreateSystemAlert(ctx context.Context, alertType models.AlertType, severity models.Severity, message string) (*models.AlertLog, error) {
	return e.create(ctx, nil, alertType, severity, message)
}

// CreateLowVolumeAlert 容量不足报警（由会话阈值越界触发）
func (e *Engine) CreateLowVolumeAlert(ctx context.Context, sessionID string, severity models.Severity, percentage float64) (*models.AlertLog, error) {
	remaining := 100 - percentage
	var message string
	if severity == models.SeverityCritical {
		message = fmt.Sprintf("IV fluid critically low (%.1f%% remaining)", remaining)
	} else {
		message = fmt.Sprintf("IV fluid level is low (%.1f%% remaining)", remaining)
	}
	return e.create(ctx, &sessionID, models.AlertLowVolume, severity, message)
}

func (e *Engine) create(ctx context.Context, sessionID *string, alertType models.AlertType, severity models.Severity, message string) (*models.AlertLog, error) {
	alert := &models.AlertLog{
		AlertID:      uuid.New().String(),
		SessionID:    sessionID,
		AlertType:    alertType,
		Severity:     severity,
		Message:      message,
		Acknowledged: false,
		CreatedAt:    time.Now(),
	}

	if err := e.alerts.CreateAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("failed to persist alert: %w", err)
	}

	e.logger.Info("Alert created",
		zap.String("alert_id", alert.AlertID),
		zap.String("alert_type", string(alertType)),
		zap.String("severity", string(severity)),
	)

	return alert, nil
}

func floatOrZero(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

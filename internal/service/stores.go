package service

import (
	"context"
	"time"

	"smartpole-telemetry/internal/models"
	"smartpole-telemetry/internal/repository"
)

// 存储接口：按服务实际用到的操作收敛，由 repository 层实现。
// 显式注入，禁止环境全局状态；单元测试用内存 fake 替换。

// SessionStore 会话存储
type SessionStore interface {
	GetSession(ctx context.Context, sessionID string) (*models.InfusionSession, error)
	GetActiveSessionByPole(ctx context.Context, poleID string) (*models.InfusionSession, error)
	GetActiveSessionByPatient(ctx context.Context, patientID string) (*models.InfusionSession, error)
	ListActiveSessions(ctx context.Context) ([]models.InfusionSession, error)
	CreateSession(ctx context.Context, session *models.InfusionSession) error
	UpdateStatus(ctx context.Context, sessionID string, from, to models.SessionStatus) error
	ApplyTelemetry(ctx context.Context, sessionID string, apply func(*models.InfusionSession)) (float64, *models.InfusionSession, error)
	LinkPole(ctx context.Context, sessionID, poleID string) error
}

// PoleStore 设备存储
type PoleStore interface {
	GetPole(ctx context.Context, poleID string) (*models.Pole, error)
	ListPoles(ctx context.Context) ([]models.Pole, error)
	ListOnlinePoles(ctx context.Context) ([]models.Pole, error)
	CreatePole(ctx context.Context, pole *models.Pole) error
	UpdatePing(ctx context.Context, poleID string, batteryLevel *int, pingAt time.Time) error
	MarkOffline(ctx context.Context, poleID string, lastSeenBefore time.Time) (bool, error)
	UpdateStatus(ctx context.Context, poleID string, status models.PoleStatus) error
	HasAssignedPole(ctx context.Context, patientID string) (bool, error)
	GetAssignedPoleByPatient(ctx context.Context, patientID string) (*models.Pole, error)
	AssignPole(ctx context.Context, poleID, patientID string) error
	UnassignPole(ctx context.Context, poleID string) error
	GetStats(ctx context.Context, lowBatteryThreshold int) (*repository.PoleStats, error)
}

// PrescriptionStore 处方存储（只读）
type PrescriptionStore interface {
	GetPrescription(ctx context.Context, prescriptionID string) (*models.Prescription, error)
	GetActiveByPatient(ctx context.Context, patientID string) (*models.Prescription, error)
}

// AlertStore 报警存储（gateway/httpapi 读取路径用）
type AlertStore interface {
	CreateAlert(ctx context.Context, alert *models.AlertLog) error
	GetAlert(ctx context.Context, alertID string) (*models.AlertLog, error)
	AcknowledgeAlert(ctx context.Context, alertID, actor string) error
	AcknowledgeAll(ctx context.Context, actor string) (int64, error)
	ListUnacknowledged(ctx context.Context) ([]models.AlertLog, error)
	ListBySession(ctx context.Context, sessionID string) ([]models.AlertLog, error)
	ListUnacknowledgedBySession(ctx context.Context, sessionID string) ([]models.AlertLog, error)
	CountUnacknowledgedBySeverity(ctx context.Context, severity models.Severity) (int64, error)
}

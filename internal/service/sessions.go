package service

import (
	"context"
	"fmt"
	"time"

	"smartpole-telemetry/internal/broadcast"
	"smartpole-telemetry/internal/config"
	"smartpole-telemetry/internal/engine"
	"smartpole-telemetry/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SessionManager 输液会话生命周期管理
// 创建时的业务校验、状态迁移、剩余量更新与阈值越界报警都在这里
type SessionManager struct {
	cfg         *config.Config
	sessions    SessionStore
	poles       PoleStore
	engine      *engine.Engine
	broadcaster broadcast.Broadcaster
	logger      *zap.Logger
}

// NewSessionManager 创建会话管理器
func NewSessionManager(
	cfg *config.Config,
	sessions SessionStore,
	poles PoleStore,
	alertEngine *engine.Engine,
	broadcaster broadcast.Broadcaster,
	logger *zap.Logger,
) *SessionManager {
	return &SessionManager{
		cfg:         cfg,
		sessions:    sessions,
		poles:       poles,
		engine:      alertEngine,
		broadcaster: broadcaster,
		logger:      logger,
	}
}

// CreateSessionRequest 创建会话请求
type CreateSessionRequest struct {
	PatientID      string   `json:"patient_id"`
	PrescriptionID *string  `json:"prescription_id,omitempty"`
	DrugID         *string  `json:"drug_id,omitempty"`
	PoleID         string   `json:"pole_id"`
	TotalVolumeML  float64  `json:"total_volume_ml"`
	FlowRateMLMin  float64  `json:"flow_rate_ml_min"`
	InitialWeightG *float64 `json:"initial_weight_grams,omitempty"`
}

// CreateSession 创建输液会话
// 校验：患者无进行中会话、设备无进行中会话、设备已分配给该患者、设备状态 active
func (m *SessionManager) CreateSession(ctx context.Context, req *CreateSessionRequest) (*models.InfusionSession, error) {
	if req == nil {
		return nil, fmt.Errorf("request is required")
	}
	if req.PatientID == "" {
		return nil, fmt.Errorf("patient_id is required")
	}
	if req.PoleID == "" {
		return nil, fmt.Errorf("pole_id is required")
	}
	if req.TotalVolumeML <= 0 {
		return nil, fmt.Errorf("total_volume_ml must be positive")
	}
	if req.FlowRateMLMin <= 0 {
		return nil, fmt.Errorf("flow_rate_ml_min must be positive")
	}

	existing, err := m.sessions.GetActiveSessionByPatient(ctx, req.PatientID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("patient %s already has an active session: %s", req.PatientID, existing.SessionID)
	}

	occupied, err := m.sessions.GetActiveSessionByPole(ctx, req.PoleID)
	if err != nil {
		return nil, err
	}
	if occupied != nil {
		return nil, fmt.Errorf("pole %s already has an active session: %s", req.PoleID, occupied.SessionID)
	}

	pole, err := m.poles.GetPole(ctx, req.PoleID)
	if err != nil {
		return nil, err
	}
	if pole == nil {
		return nil, fmt.Errorf("pole not found: %s", req.PoleID)
	}
	if pole.Status != models.PoleActive {
		return nil, fmt.Errorf("pole %s is not active (status: %s)", req.PoleID, pole.Status)
	}
	if pole.PatientID == nil || *pole.PatientID != req.PatientID {
		return nil, fmt.Errorf("pole %s is not assigned to patient %s", req.PoleID, req.PatientID)
	}

	now := time.Now()
	poleID := req.PoleID
	session := &models.InfusionSession{
		SessionID:          uuid.New().String(),
		PatientID:          req.PatientID,
		PrescriptionID:     req.PrescriptionID,
		DrugID:             req.DrugID,
		PoleID:             &poleID,
		Status:             models.SessionActive,
		TotalVolumeML:      req.TotalVolumeML,
		RemainingVolumeML:  req.TotalVolumeML,
		ConsumedVolumeML:   0,
		InitialWeightGrams: req.InitialWeightG,
		PrescribedFlowRate: req.FlowRateMLMin,
		StartTime:          now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := m.sessions.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	m.logger.Info("Infusion session created",
		zap.String("session_id", session.SessionID),
		zap.String("patient_id", session.PatientID),
		zap.String("pole_id", req.PoleID),
		zap.Float64("total_volume_ml", session.TotalVolumeML),
	)

	m.broadcastSession(session, "session_created")
	return session, nil
}

// PauseSession 暂停会话（ACTIVE → PAUSED）
func (m *SessionManager) PauseSession(ctx context.Context, sessionID string) (*models.InfusionSession, error) {
	return m.transition(ctx, sessionID, models.SessionActive, models.SessionPaused, "session_paused")
}

// ResumeSession 恢复会话（PAUSED → ACTIVE）
func (m *SessionManager) ResumeSession(ctx context.Context, sessionID string) (*models.InfusionSession, error) {
	return m.transition(ctx, sessionID, models.SessionPaused, models.SessionActive, "session_resumed")
}

// EndSession 结束会话（ACTIVE/PAUSED → ENDED，终态）
func (m *SessionManager) EndSession(ctx context.Context, sessionID string) (*models.InfusionSession, error) {
	session, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.Status.CanTransitionTo(models.SessionEnded) {
		return nil, fmt.Errorf("session %s cannot end from status %s", sessionID, session.Status)
	}

	if err := m.sessions.UpdateStatus(ctx, sessionID, session.Status, models.SessionEnded); err != nil {
		return nil, err
	}

	updated, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	m.logger.Info("Infusion session ended",
		zap.String("session_id", sessionID),
		zap.Float64("consumed_volume_ml", updated.ConsumedVolumeML),
	)

	m.broadcastSession(updated, "session_ended")
	return updated, nil
}

// GetSession 查询单个会话
func (m *SessionManager) GetSession(ctx context.Context, sessionID string) (*models.InfusionSession, error) {
	return m.sessions.GetSession(ctx, sessionID)
}

// ListActiveSessions 列出进行中会话
func (m *SessionManager) ListActiveSessions(ctx context.Context) ([]models.InfusionSession, error) {
	return m.sessions.ListActiveSessions(ctx)
}

// UpdateRemainingVolume 直接设置剩余量（护士手动校正入口），并做阈值越界检查
func (m *SessionManager) UpdateRemainingVolume(ctx context.Context, sessionID string, remaining float64) (*models.InfusionSession, *models.AlertLog, error) {
	if remaining < 0 {
		return nil, nil, fmt.Errorf("remaining volume must be non-negative")
	}

	prev, session, err := m.sessions.ApplyTelemetry(ctx, sessionID, func(s *models.InfusionSession) {
		s.RemainingVolumeML = remaining
		s.ConsumedVolumeML = s.TotalVolumeML - remaining
	})
	if err != nil {
		return nil, nil, err
	}

	alert, err := m.CheckVolumeThresholds(ctx, prev, session)
	if err != nil {
		return nil, nil, err
	}

	m.broadcastSession(session, "volume_updated")
	return session, alert, nil
}

// CheckVolumeThresholds 容量阈值越界检查
// 仅在剩余量下降且完成百分比从阈值之下穿到之上时触发一次；critical 越界优先
// 重放同一读数（剩余量不变）不会产生重复报警
func (m *SessionManager) CheckVolumeThresholds(ctx context.Context, prevRemaining float64, session *models.InfusionSession) (*models.AlertLog, error) {
	if session == nil || session.TotalVolumeML <= 0 {
		return nil, nil
	}
	if session.RemainingVolumeML >= prevRemaining {
		return nil, nil
	}

	prevPct := (session.TotalVolumeML - prevRemaining) / session.TotalVolumeML * 100
	newPct := session.CompletionPercentage()

	critical := m.cfg.Telemetry.CriticalVolumePercent
	low := m.cfg.Telemetry.LowVolumePercent

	switch {
	case newPct > critical && prevPct <= critical:
		return m.engine.CreateLowVolumeAlert(ctx, session.SessionID, models.SeverityCritical, newPct)
	case newPct > low && prevPct <= low:
		return m.engine.CreateLowVolumeAlert(ctx, session.SessionID, models.SeverityWarning, newPct)
	default:
		return nil, nil
	}
}

func (m *SessionManager) transition(ctx context.Context, sessionID string, from, to models.SessionStatus, event string) (*models.InfusionSession, error) {
	if err := m.sessions.UpdateStatus(ctx, sessionID, from, to); err != nil {
		return nil, err
	}

	session, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	m.logger.Info("Session status changed",
		zap.String("session_id", sessionID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)

	m.broadcastSession(session, event)
	return session, nil
}

// broadcastSession 会话级事件广播（按患者主题 + 全局患者汇总主题）
func (m *SessionManager) broadcastSession(session *models.InfusionSession, event string) {
	payload := map[string]interface{}{
		"type":                event,
		"session_id":          session.SessionID,
		"patient_id":          session.PatientID,
		"status":              string(session.Status),
		"total_volume_ml":     session.TotalVolumeML,
		"remaining_volume_ml": session.RemainingVolumeML,
		"percentage":          session.CompletionPercentage(),
	}
	if session.PoleID != nil {
		payload["pole_id"] = *session.PoleID
	}

	// 广播尽力而为，失败只记日志
	_ = m.broadcaster.Publish(broadcast.PatientTopic(session.PatientID), payload)
	_ = m.broadcaster.Publish(broadcast.TopicPatients, payload)
}

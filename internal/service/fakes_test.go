package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"smartpole-telemetry/internal/cache"
	"smartpole-telemetry/internal/config"
	"smartpole-telemetry/internal/engine"
	"smartpole-telemetry/internal/models"
	"smartpole-telemetry/internal/repository"

	"go.uber.org/zap"
)

// 内存 fake：按接口行为实现，约束（前置状态校验、截断、守卫）与仓库层保持一致

type fakeSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*models.InfusionSession
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[string]*models.InfusionSession)}
}

func copySession(s *models.InfusionSession) *models.InfusionSession {
	c := *s
	return &c
}

func (f *fakeSessionStore) GetSession(ctx context.Context, sessionID string) (*models.InfusionSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session not found: %s", sessionID)
	}
	return copySession(s), nil
}

func (f *fakeSessionStore) GetActiveSessionByPole(ctx context.Context, poleID string) (*models.InfusionSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.Status == models.SessionActive && s.PoleID != nil && *s.PoleID == poleID {
			return copySession(s), nil
		}
	}
	return nil, nil
}

func (f *fakeSessionStore) GetActiveSessionByPatient(ctx context.Context, patientID string) (*models.InfusionSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.Status == models.SessionActive && s.PatientID == patientID {
			return copySession(s), nil
		}
	}
	return nil, nil
}

func (f *fakeSessionStore) ListActiveSessions(ctx context.Context) ([]models.InfusionSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.InfusionSession
	for _, s := range f.sessions {
		if s.Status == models.SessionActive {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeSessionStore) CreateSession(ctx context.Context, session *models.InfusionSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[session.SessionID] = copySession(session)
	return nil
}

func (f *fakeSessionStore) UpdateStatus(ctx context.Context, sessionID string, from, to models.SessionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok || s.Status != from {
		return fmt.Errorf("%w: session=%s %s->%s", repository.ErrInvalidTransition, sessionID, from, to)
	}
	s.Status = to
	if to == models.SessionEnded {
		now := time.Now()
		s.EndTime = &now
	}
	return nil
}

func (f *fakeSessionStore) ApplyTelemetry(ctx context.Context, sessionID string, apply func(*models.InfusionSession)) (float64, *models.InfusionSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return 0, nil, fmt.Errorf("session not found: %s", sessionID)
	}

	prev := s.RemainingVolumeML
	apply(s)

	if s.RemainingVolumeML < 0 {
		s.RemainingVolumeML = 0
	}
	if s.RemainingVolumeML > s.TotalVolumeML {
		s.RemainingVolumeML = s.TotalVolumeML
	}

	return prev, copySession(s), nil
}

func (f *fakeSessionStore) LinkPole(ctx context.Context, sessionID, poleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	s.PoleID = &poleID
	return nil
}

type fakePoleStore struct {
	mu    sync.Mutex
	poles map[string]*models.Pole
}

func newFakePoleStore() *fakePoleStore {
	return &fakePoleStore{poles: make(map[string]*models.Pole)}
}

func copyPole(p *models.Pole) *models.Pole {
	c := *p
	return &c
}

func (f *fakePoleStore) GetPole(ctx context.Context, poleID string) (*models.Pole, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.poles[poleID]
	if !ok {
		return nil, nil
	}
	return copyPole(p), nil
}

func (f *fakePoleStore) ListPoles(ctx context.Context) ([]models.Pole, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Pole
	for _, p := range f.poles {
		out = append(out, *p)
	}
	return out, nil
}

func (f *fakePoleStore) ListOnlinePoles(ctx context.Context) ([]models.Pole, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Pole
	for _, p := range f.poles {
		if p.IsOnline {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakePoleStore) CreatePole(ctx context.Context, pole *models.Pole) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.poles[pole.PoleID] = copyPole(pole)
	return nil
}

func (f *fakePoleStore) UpdatePing(ctx context.Context, poleID string, batteryLevel *int, pingAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.poles[poleID]
	if !ok {
		return fmt.Errorf("pole not found: %s", poleID)
	}
	p.LastPingAt = &pingAt
	p.IsOnline = true
	if batteryLevel != nil {
		p.BatteryLevel = *batteryLevel
	}
	return nil
}

func (f *fakePoleStore) MarkOffline(ctx context.Context, poleID string, lastSeenBefore time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.poles[poleID]
	if !ok || !p.IsOnline {
		return false, nil
	}
	if p.LastPingAt != nil && !p.LastPingAt.Before(lastSeenBefore) {
		return false, nil
	}
	p.IsOnline = false
	return true, nil
}

func (f *fakePoleStore) UpdateStatus(ctx context.Context, poleID string, status models.PoleStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.poles[poleID]
	if !ok {
		return fmt.Errorf("pole not found: %s", poleID)
	}
	p.Status = status
	return nil
}

func (f *fakePoleStore) HasAssignedPole(ctx context.Context, patientID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.poles {
		if p.PatientID != nil && *p.PatientID == patientID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakePoleStore) GetAssignedPoleByPatient(ctx context.Context, patientID string) (*models.Pole, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.poles {
		if p.PatientID != nil && *p.PatientID == patientID {
			return copyPole(p), nil
		}
	}
	return nil, nil
}

func (f *fakePoleStore) AssignPole(ctx context.Context, poleID, patientID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.poles[poleID]
	if !ok || p.PatientID != nil || p.Status != models.PoleActive {
		return fmt.Errorf("pole %s cannot be assigned (missing, already assigned, or not active)", poleID)
	}
	now := time.Now()
	p.PatientID = &patientID
	p.AssignedAt = &now
	return nil
}

func (f *fakePoleStore) UnassignPole(ctx context.Context, poleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.poles[poleID]
	if !ok || p.PatientID == nil {
		return fmt.Errorf("pole %s is not assigned to any patient", poleID)
	}
	p.PatientID = nil
	p.AssignedAt = nil
	return nil
}

func (f *fakePoleStore) GetStats(ctx context.Context, lowBatteryThreshold int) (*repository.PoleStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := &repository.PoleStats{}
	for _, p := range f.poles {
		stats.Total++
		if p.IsOnline {
			stats.Online++
			if p.BatteryLevel < lowBatteryThreshold {
				stats.LowBattery++
			}
		} else {
			stats.Offline++
		}
		if p.PatientID != nil {
			stats.Assigned++
		}
	}
	return stats, nil
}

type fakePrescriptionStore struct {
	prescriptions map[string]*models.Prescription
}

func newFakePrescriptionStore() *fakePrescriptionStore {
	return &fakePrescriptionStore{prescriptions: make(map[string]*models.Prescription)}
}

func (f *fakePrescriptionStore) GetPrescription(ctx context.Context, prescriptionID string) (*models.Prescription, error) {
	p, ok := f.prescriptions[prescriptionID]
	if !ok {
		return nil, fmt.Errorf("prescription not found: %s", prescriptionID)
	}
	return p, nil
}

func (f *fakePrescriptionStore) GetActiveByPatient(ctx context.Context, patientID string) (*models.Prescription, error) {
	for _, p := range f.prescriptions {
		if p.PatientID == patientID && p.Status == "ACTIVE" {
			return p, nil
		}
	}
	return nil, nil
}

type fakeAlertStore struct {
	mu     sync.Mutex
	alerts []models.AlertLog
}

func (f *fakeAlertStore) CreateAlert(ctx context.Context, alert *models.AlertLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, *alert)
	return nil
}

func (f *fakeAlertStore) GetAlert(ctx context.Context, alertID string) (*models.AlertLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.alerts {
		if a.AlertID == alertID {
			c := a
			return &c, nil
		}
	}
	return nil, fmt.Errorf("alert not found: %s", alertID)
}

func (f *fakeAlertStore) AcknowledgeAlert(ctx context.Context, alertID, actor string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.alerts {
		if f.alerts[i].AlertID == alertID && !f.alerts[i].Acknowledged {
			now := time.Now()
			f.alerts[i].Acknowledged = true
			f.alerts[i].AcknowledgedBy = &actor
			f.alerts[i].AcknowledgedAt = &now
			return nil
		}
	}
	return fmt.Errorf("alert not found or already acknowledged: %s", alertID)
}

func (f *fakeAlertStore) AcknowledgeAll(ctx context.Context, actor string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	now := time.Now()
	for i := range f.alerts {
		if !f.alerts[i].Acknowledged {
			f.alerts[i].Acknowledged = true
			f.alerts[i].AcknowledgedBy = &actor
			f.alerts[i].AcknowledgedAt = &now
			count++
		}
	}
	return count, nil
}

func (f *fakeAlertStore) ListUnacknowledged(ctx context.Context) ([]models.AlertLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.AlertLog
	for _, a := range f.alerts {
		if !a.Acknowledged {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeAlertStore) ListBySession(ctx context.Context, sessionID string) ([]models.AlertLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.AlertLog
	for _, a := range f.alerts {
		if a.SessionID != nil && *a.SessionID == sessionID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeAlertStore) ListUnacknowledgedBySession(ctx context.Context, sessionID string) ([]models.AlertLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.AlertLog
	for _, a := range f.alerts {
		if !a.Acknowledged && a.SessionID != nil && *a.SessionID == sessionID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeAlertStore) CountUnacknowledgedBySeverity(ctx context.Context, severity models.Severity) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, a := range f.alerts {
		if !a.Acknowledged && a.Severity == severity {
			count++
		}
	}
	return count, nil
}

func (f *fakeAlertStore) byType(alertType models.AlertType) []models.AlertLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.AlertLog
	for _, a := range f.alerts {
		if a.AlertType == alertType {
			out = append(out, a)
		}
	}
	return out
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []broadcastEvent
}

type broadcastEvent struct {
	topic   string
	payload map[string]interface{}
}

func (f *fakeBroadcaster) Publish(topic string, payload map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, broadcastEvent{topic: topic, payload: payload})
	return nil
}

func (f *fakeBroadcaster) topicEvents(topic string) []broadcastEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []broadcastEvent
	for _, e := range f.events {
		if e.topic == topic {
			out = append(out, e)
		}
	}
	return out
}

// fakeKV cache.KVStore 的内存实现（不带 TTL 过期，测试用）
type fakeKV struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: make(map[string]string)}
}

func (f *fakeKV) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return "", cache.ErrCacheMiss
	}
	return v, nil
}

func (f *fakeKV) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	return nil
}

// testEnv 服务层测试环境（全部 fake 依赖 + 真实 engine/manager/gateway/liveness）
type testEnv struct {
	cfg           *config.Config
	sessions      *fakeSessionStore
	poles         *fakePoleStore
	prescriptions *fakePrescriptionStore
	alerts        *fakeAlertStore
	broadcaster   *fakeBroadcaster
	engine        *engine.Engine
	manager       *SessionManager
	gateway       *Gateway
	liveness      *LivenessTracker
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Telemetry.LivenessWindow = 60 * time.Second
	cfg.Telemetry.SweepInterval = 60 * time.Second
	cfg.Telemetry.StatsInterval = 10 * time.Minute
	cfg.Telemetry.LowVolumePercent = 90
	cfg.Telemetry.CriticalVolumePercent = 95
	cfg.Telemetry.DeviationWarningPercent = 15
	cfg.Telemetry.DeviationCriticalPercent = 25
	cfg.Telemetry.BatteryLowPercent = 20
	cfg.Telemetry.BatteryCriticalPercent = 10
	cfg.Telemetry.Cache.KeyPrefix = "smartpole:pole:"
	cfg.Telemetry.Cache.RealtimeSuffix = ":realtime"
	cfg.Telemetry.Cache.AlarmSuffix = ":alerts"
	cfg.Telemetry.Cache.RealtimeTTL = 30 * time.Second
	cfg.Telemetry.Cache.AlarmTTL = 30 * time.Second
	return cfg
}

func newTestEnv() *testEnv {
	cfg := testConfig()
	logger := zap.NewNop()

	sessions := newFakeSessionStore()
	poles := newFakePoleStore()
	prescriptions := newFakePrescriptionStore()
	alerts := &fakeAlertStore{}
	broadcaster := &fakeBroadcaster{}

	alertEngine := engine.NewEngine(cfg, alerts, logger)
	manager := NewSessionManager(cfg, sessions, poles, alertEngine, broadcaster, logger)
	realtimeCache := cache.NewRealtimeCache(cfg, newFakeKV(), logger)
	gateway := NewGateway(cfg, sessions, poles, prescriptions, alerts,
		manager, alertEngine, realtimeCache, broadcaster, logger)
	liveness := NewLivenessTracker(cfg, poles, sessions, alerts, alertEngine, broadcaster, logger)

	return &testEnv{
		cfg:           cfg,
		sessions:      sessions,
		poles:         poles,
		prescriptions: prescriptions,
		alerts:        alerts,
		broadcaster:   broadcaster,
		engine:        alertEngine,
		manager:       manager,
		gateway:       gateway,
		liveness:      liveness,
	}
}

// addAssignedPole 注册一台已分配给患者的在线设备
func (e *testEnv) addAssignedPole(poleID, patientID string) {
	now := time.Now()
	e.poles.poles[poleID] = &models.Pole{
		PoleID:       poleID,
		Status:       models.PoleActive,
		BatteryLevel: 90,
		IsOnline:     true,
		LastPingAt:   &now,
		PatientID:    &patientID,
		AssignedAt:   &now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// addActiveSession 注入一条进行中会话
func (e *testEnv) addActiveSession(sessionID, patientID, poleID string, total, remaining float64) {
	now := time.Now()
	e.sessions.sessions[sessionID] = &models.InfusionSession{
		SessionID:          sessionID,
		PatientID:          patientID,
		PoleID:             &poleID,
		Status:             models.SessionActive,
		TotalVolumeML:      total,
		RemainingVolumeML:  remaining,
		ConsumedVolumeML:   total - remaining,
		PrescribedFlowRate: 2.5,
		StartTime:          now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

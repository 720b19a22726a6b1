package service

import (
	"context"
	"testing"

	"smartpole-telemetry/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSession_Success(t *testing.T) {
	env := newTestEnv()
	env.addAssignedPole("pole-1", "patient-1")

	session, err := env.manager.CreateSession(context.Background(), &CreateSessionRequest{
		PatientID:     "patient-1",
		PoleID:        "pole-1",
		TotalVolumeML: 1000,
		FlowRateMLMin: 2.5,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, session.SessionID)
	assert.Equal(t, models.SessionActive, session.Status)
	assert.Equal(t, 1000.0, session.TotalVolumeML)
	assert.Equal(t, 1000.0, session.RemainingVolumeML, "remaining starts at total volume")
	assert.Equal(t, 0.0, session.ConsumedVolumeML)
	require.NotNil(t, session.PoleID)
	assert.Equal(t, "pole-1", *session.PoleID)
}

func TestCreateSession_PatientAlreadyActive(t *testing.T) {
	env := newTestEnv()
	env.addAssignedPole("pole-1", "patient-1")
	env.addActiveSession("sess-1", "patient-1", "pole-1", 500, 400)

	_, err := env.manager.CreateSession(context.Background(), &CreateSessionRequest{
		PatientID:     "patient-1",
		PoleID:        "pole-1",
		TotalVolumeML: 1000,
		FlowRateMLMin: 2,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already has an active session")
}

func TestCreateSession_PoleOccupiedByOtherPatient(t *testing.T) {
	env := newTestEnv()
	env.addAssignedPole("pole-1", "patient-1")
	env.addActiveSession("sess-1", "patient-other", "pole-1", 500, 400)

	_, err := env.manager.CreateSession(context.Background(), &CreateSessionRequest{
		PatientID:     "patient-1",
		PoleID:        "pole-1",
		TotalVolumeML: 1000,
		FlowRateMLMin: 2,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pole pole-1 already has an active session")
}

func TestCreateSession_PoleNotAssignedToPatient(t *testing.T) {
	env := newTestEnv()
	env.addAssignedPole("pole-1", "patient-other")

	_, err := env.manager.CreateSession(context.Background(), &CreateSessionRequest{
		PatientID:     "patient-1",
		PoleID:        "pole-1",
		TotalVolumeML: 1000,
		FlowRateMLMin: 2,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not assigned to patient")
}

func TestCreateSession_PoleNotActive(t *testing.T) {
	env := newTestEnv()
	env.addAssignedPole("pole-1", "patient-1")
	env.poles.poles["pole-1"].Status = models.PoleMaintenance

	_, err := env.manager.CreateSession(context.Background(), &CreateSessionRequest{
		PatientID:     "patient-1",
		PoleID:        "pole-1",
		TotalVolumeML: 1000,
		FlowRateMLMin: 2,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not active")
}

func TestCreateSession_InvalidVolume(t *testing.T) {
	env := newTestEnv()
	env.addAssignedPole("pole-1", "patient-1")

	_, err := env.manager.CreateSession(context.Background(), &CreateSessionRequest{
		PatientID:     "patient-1",
		PoleID:        "pole-1",
		TotalVolumeML: 0,
		FlowRateMLMin: 2,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "total_volume_ml must be positive")
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv()
	env.addActiveSession("sess-1", "patient-1", "pole-1", 1000, 800)
	ctx := context.Background()

	session, err := env.manager.PauseSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionPaused, session.Status)

	session, err = env.manager.ResumeSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, session.Status)

	session, err = env.manager.EndSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionEnded, session.Status)
	assert.NotNil(t, session.EndTime)

	// ENDED 为终态
	_, err = env.manager.ResumeSession(ctx, "sess-1")
	assert.Error(t, err)
	_, err = env.manager.EndSession(ctx, "sess-1")
	assert.Error(t, err)
}

func TestPauseSession_WrongState(t *testing.T) {
	env := newTestEnv()
	env.addActiveSession("sess-1", "patient-1", "pole-1", 1000, 800)
	env.sessions.sessions["sess-1"].Status = models.SessionPaused

	_, err := env.manager.PauseSession(context.Background(), "sess-1")
	assert.Error(t, err)
}

func TestCheckVolumeThresholds_WarningCrossing(t *testing.T) {
	env := newTestEnv()
	env.addActiveSession("sess-1", "patient-1", "pole-1", 1000, 150)
	ctx := context.Background()

	// 85% → 91%：下穿 10% 剩余线，一次 warning
	s := env.sessions.sessions["sess-1"]
	s.RemainingVolumeML = 90
	alert, err := env.manager.CheckVolumeThresholds(ctx, 150, s)
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.Equal(t, models.AlertLowVolume, alert.AlertType)
	assert.Equal(t, models.SeverityWarning, alert.Severity)

	// 91% → 92%：同一区间内继续下降，不再报警
	prev := s.RemainingVolumeML
	s.RemainingVolumeML = 80
	alert, err = env.manager.CheckVolumeThresholds(ctx, prev, s)
	require.NoError(t, err)
	assert.Nil(t, alert)
}

func TestCheckVolumeThresholds_CriticalWins(t *testing.T) {
	env := newTestEnv()
	env.addActiveSession("sess-1", "patient-1", "pole-1", 1000, 120)

	// 88% → 97%：一次越过两条线，只发 critical
	s := env.sessions.sessions["sess-1"]
	s.RemainingVolumeML = 30
	alert, err := env.manager.CheckVolumeThresholds(context.Background(), 120, s)
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.Equal(t, models.SeverityCritical, alert.Severity)

	assert.Len(t, env.alerts.byType(models.AlertLowVolume), 1)
}

func TestCheckVolumeThresholds_ReplayIsIdempotent(t *testing.T) {
	env := newTestEnv()
	env.addActiveSession("sess-1", "patient-1", "pole-1", 1000, 90)

	// 剩余量不变（重放同一读数）：不报警
	s := env.sessions.sessions["sess-1"]
	alert, err := env.manager.CheckVolumeThresholds(context.Background(), 90, s)
	require.NoError(t, err)
	assert.Nil(t, alert)

	// 剩余量上升（换袋/校正）：同样不报警
	s.RemainingVolumeML = 500
	alert, err = env.manager.CheckVolumeThresholds(context.Background(), 90, s)
	require.NoError(t, err)
	assert.Nil(t, alert)
}

func TestUpdateRemainingVolume(t *testing.T) {
	env := newTestEnv()
	env.addActiveSession("sess-1", "patient-1", "pole-1", 1000, 200)

	session, alert, err := env.manager.UpdateRemainingVolume(context.Background(), "sess-1", 50)
	require.NoError(t, err)

	assert.Equal(t, 50.0, session.RemainingVolumeML)
	assert.Equal(t, 950.0, session.ConsumedVolumeML)
	require.NotNil(t, alert, "80% -> 95% crossing produces an alert")
	assert.Equal(t, models.SeverityWarning, alert.Severity)

	_, _, err = env.manager.UpdateRemainingVolume(context.Background(), "sess-1", -1)
	assert.Error(t, err)
}

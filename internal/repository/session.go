package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"smartpole-telemetry/internal/models"

	"go.uber.org/zap"
)

// ErrInvalidTransition 非法状态迁移（或并发下状态已被他人改走）
var ErrInvalidTransition = errors.New("invalid session status transition")

// SessionRepository 输液会话仓库
type SessionRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSessionRepository 创建会话仓库
func NewSessionRepository(db *sql.DB, logger *zap.Logger) *SessionRepository {
	return &SessionRepository{
		db:     db,
		logger: logger,
	}
}

const sessionColumns = `
	session_id, patient_id, prescription_id, drug_id, pole_id, status,
	total_volume_ml, remaining_volume_ml, consumed_volume_ml,
	current_weight_grams, initial_weight_grams, baseline_weight_grams,
	prescribed_flow_rate, measured_flow_rate, deviation_percent, sensor_state,
	start_time, end_time, expected_end_time, last_sensor_update,
	created_at, updated_at`

func scanSession(row interface{ Scan(...interface{}) error }) (*models.InfusionSession, error) {
	var s models.InfusionSession
	var prescriptionID, drugID, poleID, sensorState sql.NullString
	var currentWeight, initialWeight, baselineWeight, measuredFlow, deviation sql.NullFloat64
	var endTime, expectedEnd, lastUpdate sql.NullTime
	var status string

	err := row.Scan(
		&s.SessionID, &s.PatientID, &prescriptionID, &drugID, &poleID, &status,
		&s.TotalVolumeML, &s.RemainingVolumeML, &s.ConsumedVolumeML,
		&currentWeight, &initialWeight, &baselineWeight,
		&s.PrescribedFlowRate, &measuredFlow, &deviation, &sensorState,
		&s.StartTime, &endTime, &expectedEnd, &lastUpdate,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsed, err := models.ParseSessionStatus(status)
	if err != nil {
		return nil, err
	}
	s.Status = parsed

	if prescriptionID.Valid {
		s.PrescriptionID = &prescriptionID.String
	}
	if drugID.Valid {
		s.DrugID = &drugID.String
	}
	if poleID.Valid {
		s.PoleID = &poleID.String
	}
	if sensorState.Valid {
		s.SensorState = &sensorState.String
	}
	if currentWeight.Valid {
		s.CurrentWeightGrams = &currentWeight.Float64
	}
	if initialWeight.Valid {
		s.InitialWeightGrams = &initialWeight.Float64
	}
	if baselineWeight.Valid {
		s.BaselineWeightGrams = &baselineWeight.Float64
	}
	if measuredFlow.Valid {
		s.MeasuredFlowRate = &measuredFlow.Float64
	}
	if deviation.Valid {
		s.DeviationPercent = &deviation.Float64
	}
	if endTime.Valid {
		s.EndTime = &endTime.Time
	}
	if expectedEnd.Valid {
		s.ExpectedEndTime = &expectedEnd.Time
	}
	if lastUpdate.Valid {
		s.LastSensorUpdate = &lastUpdate.Time
	}

	return &s, nil
}

// GetSession 按 session_id 获取会话
func (r *SessionRepository) GetSession(ctx context.Context, sessionID string) (*models.InfusionSession, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}

	query := `SELECT ` + sessionColumns + ` FROM infusion_sessions WHERE session_id = $1`

	session, err := scanSession(r.db.QueryRowContext(ctx, query, sessionID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("session not found: %s", sessionID)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return session, nil
}

// GetActiveSessionByPole 按输液架查找 ACTIVE 会话
// 未找到返回 (nil, nil)：未监护设备的上报属于正常情况，不是错误
func (r *SessionRepository) GetActiveSessionByPole(ctx context.Context, poleID string) (*models.InfusionSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM infusion_sessions WHERE pole_id = $1 AND status = $2`

	session, err := scanSession(r.db.QueryRowContext(ctx, query, poleID, string(models.SessionActive)))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active session by pole: %w", err)
	}

	return session, nil
}

// GetActiveSessionByPatient 按患者查找 ACTIVE 会话
func (r *SessionRepository) GetActiveSessionByPatient(ctx context.Context, patientID string) (*models.InfusionSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM infusion_sessions WHERE patient_id = $1 AND status = $2`

	session, err := scanSession(r.db.QueryRowContext(ctx, query, patientID, string(models.SessionActive)))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active session by patient: %w", err)
	}

	return session, nil
}

// ListActiveSessions 获取所有 ACTIVE 会话
func (r *SessionRepository) ListActiveSessions(ctx context.Context) ([]models.InfusionSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM infusion_sessions WHERE status = $1 ORDER BY start_time`

	rows, err := r.db.QueryContext(ctx, query, string(models.SessionActive))
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.InfusionSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, *s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}

	return sessions, nil
}

// CreateSession 创建会话
func (r *SessionRepository) CreateSession(ctx context.Context, session *models.InfusionSession) error {
	if session == nil {
		return fmt.Errorf("session is required")
	}

	query := `
		INSERT INTO infusion_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	`

	_, err := r.db.ExecContext(ctx, query,
		session.SessionID, session.PatientID, session.PrescriptionID, session.DrugID, session.PoleID, string(session.Status),
		session.TotalVolumeML, session.RemainingVolumeML, session.ConsumedVolumeML,
		session.CurrentWeightGrams, session.InitialWeightGrams, session.BaselineWeightGrams,
		session.PrescribedFlowRate, session.MeasuredFlowRate, session.DeviationPercent, session.SensorState,
		session.StartTime, session.EndTime, session.ExpectedEndTime, session.LastSensorUpdate,
		session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

// UpdateStatus 状态迁移（带前置状态校验，0 行受影响视为非法迁移）
// ENDED 迁移同时写入 end_time
func (r *SessionRepository) UpdateStatus(ctx context.Context, sessionID string, from, to models.SessionStatus) error {
	var query string
	var args []interface{}

	if to == models.SessionEnded {
		query = `
			UPDATE infusion_sessions
			SET status = $1, end_time = $2, updated_at = CURRENT_TIMESTAMP
			WHERE session_id = $3 AND status = $4
		`
		args = []interface{}{string(to), time.Now(), sessionID, string(from)}
	} else {
		query = `
			UPDATE infusion_sessions
			SET status = $1, updated_at = CURRENT_TIMESTAMP
			WHERE session_id = $2 AND status = $3
		`
		args = []interface{}{string(to), sessionID, string(from)}
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: session=%s %s->%s", ErrInvalidTransition, sessionID, from, to)
	}

	return nil
}

// ApplyTelemetry 在行锁内对单个会话做读-改-写（同一会话的并发上报串行化，不同会话并行）
// apply 在 SELECT ... FOR UPDATE 之后、UPDATE 之前执行；返回更新前的剩余量和更新后的会话
func (r *SessionRepository) ApplyTelemetry(ctx context.Context, sessionID string, apply func(*models.InfusionSession)) (float64, *models.InfusionSession, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + sessionColumns + ` FROM infusion_sessions WHERE session_id = $1 FOR UPDATE`

	session, err := scanSession(tx.QueryRowContext(ctx, query, sessionID))
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, nil, fmt.Errorf("session not found: %s", sessionID)
		}
		return 0, nil, fmt.Errorf("failed to lock session: %w", err)
	}

	previousRemaining := session.RemainingVolumeML
	apply(session)

	// 剩余量始终保持 0 ≤ remaining ≤ total
	if session.RemainingVolumeML < 0 {
		session.RemainingVolumeML = 0
	}
	if session.RemainingVolumeML > session.TotalVolumeML {
		session.RemainingVolumeML = session.TotalVolumeML
	}

	update := `
		UPDATE infusion_sessions
		SET remaining_volume_ml = $1, consumed_volume_ml = $2,
		    current_weight_grams = $3, initial_weight_grams = $4, baseline_weight_grams = $5,
		    measured_flow_rate = $6, deviation_percent = $7, sensor_state = $8,
		    expected_end_time = $9, last_sensor_update = $10, updated_at = CURRENT_TIMESTAMP
		WHERE session_id = $11
	`

	_, err = tx.ExecContext(ctx, update,
		session.RemainingVolumeML, session.ConsumedVolumeML,
		session.CurrentWeightGrams, session.InitialWeightGrams, session.BaselineWeightGrams,
		session.MeasuredFlowRate, session.DeviationPercent, session.SensorState,
		session.ExpectedEndTime, session.LastSensorUpdate,
		sessionID,
	)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to update session telemetry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, nil, fmt.Errorf("failed to commit telemetry update: %w", err)
	}

	return previousRemaining, session, nil
}

// LinkPole 将会话关联到输液架（init 路径的兜底自动关联）
func (r *SessionRepository) LinkPole(ctx context.Context, sessionID, poleID string) error {
	query := `
		UPDATE infusion_sessions
		SET pole_id = $1, updated_at = CURRENT_TIMESTAMP
		WHERE session_id = $2
	`

	result, err := r.db.ExecContext(ctx, query, poleID, sessionID)
	if err != nil {
		return fmt.Errorf("failed to link pole: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("session not found: %s", sessionID)
	}

	return nil
}

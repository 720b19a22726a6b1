package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"smartpole-telemetry/internal/models"

	"go.uber.org/zap"
)

// PoleRepository 输液架设备仓库
type PoleRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPoleRepository 创建设备仓库
func NewPoleRepository(db *sql.DB, logger *zap.Logger) *PoleRepository {
	return &PoleRepository{
		db:     db,
		logger: logger,
	}
}

const poleColumns = `
	pole_id, status, battery_level, is_online, last_ping_at,
	patient_id, assigned_at, created_at, updated_at`

func scanPole(row interface{ Scan(...interface{}) error }) (*models.Pole, error) {
	var p models.Pole
	var status string
	var lastPing, assignedAt sql.NullTime
	var patientID sql.NullString

	err := row.Scan(
		&p.PoleID, &status, &p.BatteryLevel, &p.IsOnline, &lastPing,
		&patientID, &assignedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsed, err := models.ParsePoleStatus(status)
	if err != nil {
		return nil, err
	}
	p.Status = parsed

	if lastPing.Valid {
		p.LastPingAt = &lastPing.Time
	}
	if patientID.Valid {
		p.PatientID = &patientID.String
	}
	if assignedAt.Valid {
		p.AssignedAt = &assignedAt.Time
	}

	return &p, nil
}

// GetPole 按 pole_id 获取设备；未找到返回 (nil, nil)（未知设备的 ping 走自动注册）
func (r *PoleRepository) GetPole(ctx context.Context, poleID string) (*models.Pole, error) {
	if poleID == "" {
		return nil, fmt.Errorf("pole_id is required")
	}

	query := `SELECT ` + poleColumns + ` FROM poles WHERE pole_id = $1`

	pole, err := scanPole(r.db.QueryRowContext(ctx, query, poleID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get pole: %w", err)
	}

	return pole, nil
}

// ListPoles 获取所有设备
func (r *PoleRepository) ListPoles(ctx context.Context) ([]models.Pole, error) {
	query := `SELECT ` + poleColumns + ` FROM poles ORDER BY pole_id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list poles: %w", err)
	}
	defer rows.Close()

	var poles []models.Pole
	for rows.Next() {
		p, err := scanPole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pole: %w", err)
		}
		poles = append(poles, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate poles: %w", err)
	}

	return poles, nil
}

// ListOnlinePoles 获取当前标记为在线的设备（供离线扫描使用）
func (r *PoleRepository) ListOnlinePoles(ctx context.Context) ([]models.Pole, error) {
	query := `SELECT ` + poleColumns + ` FROM poles WHERE is_online = TRUE ORDER BY pole_id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list online poles: %w", err)
	}
	defer rows.Close()

	var poles []models.Pole
	for rows.Next() {
		p, err := scanPole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pole: %w", err)
		}
		poles = append(poles, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate poles: %w", err)
	}

	return poles, nil
}

// CreatePole 创建设备（首个 ping 的自动注册）
func (r *PoleRepository) CreatePole(ctx context.Context, pole *models.Pole) error {
	if pole == nil {
		return fmt.Errorf("pole is required")
	}

	query := `
		INSERT INTO poles (` + poleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.ExecContext(ctx, query,
		pole.PoleID, string(pole.Status), pole.BatteryLevel, pole.IsOnline, pole.LastPingAt,
		pole.PatientID, pole.AssignedAt, pole.CreatedAt, pole.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create pole: %w", err)
	}

	return nil
}

// UpdatePing 记录保活 ping：刷新 last_ping_at、置为在线、可选更新电量
// ping 与扫描对同一设备的竞争按时间戳后写者生效，两者最终收敛到最近一次 ping
func (r *PoleRepository) UpdatePing(ctx context.Context, poleID string, batteryLevel *int, pingAt time.Time) error {
	query := `
		UPDATE poles
		SET last_ping_at = $1, is_online = TRUE,
		    battery_level = COALESCE($2, battery_level),
		    updated_at = CURRENT_TIMESTAMP
		WHERE pole_id = $3
	`

	result, err := r.db.ExecContext(ctx, query, pingAt, batteryLevel, poleID)
	if err != nil {
		return fmt.Errorf("failed to update ping: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("pole not found: %s", poleID)
	}

	return nil
}

// MarkOffline 标记离线（仅由周期扫描触发）
// WHERE 条件带 last_ping_at 守卫：扫描期间若有新 ping 到达则放弃本次降级
func (r *PoleRepository) MarkOffline(ctx context.Context, poleID string, lastSeenBefore time.Time) (bool, error) {
	query := `
		UPDATE poles
		SET is_online = FALSE, updated_at = CURRENT_TIMESTAMP
		WHERE pole_id = $1 AND is_online = TRUE
		  AND (last_ping_at IS NULL OR last_ping_at < $2)
	`

	result, err := r.db.ExecContext(ctx, query, poleID, lastSeenBefore)
	if err != nil {
		return false, fmt.Errorf("failed to mark pole offline: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// UpdateStatus 更新设备管理状态
func (r *PoleRepository) UpdateStatus(ctx context.Context, poleID string, status models.PoleStatus) error {
	query := `
		UPDATE poles
		SET status = $1, updated_at = CURRENT_TIMESTAMP
		WHERE pole_id = $2
	`

	result, err := r.db.ExecContext(ctx, query, string(status), poleID)
	if err != nil {
		return fmt.Errorf("failed to update pole status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("pole not found: %s", poleID)
	}

	return nil
}

// HasAssignedPole 患者是否已持有输液架
func (r *PoleRepository) HasAssignedPole(ctx context.Context, patientID string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM poles WHERE patient_id = $1`,
		patientID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to count assigned poles: %w", err)
	}
	return count > 0, nil
}

// GetAssignedPoleByPatient 获取患者当前分配的输液架；未分配返回 (nil, nil)
func (r *PoleRepository) GetAssignedPoleByPatient(ctx context.Context, patientID string) (*models.Pole, error) {
	query := `SELECT ` + poleColumns + ` FROM poles WHERE patient_id = $1`

	pole, err := scanPole(r.db.QueryRowContext(ctx, query, patientID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get assigned pole: %w", err)
	}

	return pole, nil
}

// AssignPole 将输液架分配给患者
// 约束：设备未被占用且状态 active；患者至多持有一台（由调用方先查 HasAssignedPole）
func (r *PoleRepository) AssignPole(ctx context.Context, poleID, patientID string) error {
	query := `
		UPDATE poles
		SET patient_id = $1, assigned_at = $2, updated_at = CURRENT_TIMESTAMP
		WHERE pole_id = $3 AND patient_id IS NULL AND status = $4
	`

	result, err := r.db.ExecContext(ctx, query, patientID, time.Now(), poleID, string(models.PoleActive))
	if err != nil {
		return fmt.Errorf("failed to assign pole: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("pole %s cannot be assigned (missing, already assigned, or not active)", poleID)
	}

	return nil
}

// UnassignPole 解除分配
func (r *PoleRepository) UnassignPole(ctx context.Context, poleID string) error {
	query := `
		UPDATE poles
		SET patient_id = NULL, assigned_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE pole_id = $1 AND patient_id IS NOT NULL
	`

	result, err := r.db.ExecContext(ctx, query, poleID)
	if err != nil {
		return fmt.Errorf("failed to unassign pole: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("pole %s is not assigned to any patient", poleID)
	}

	return nil
}

// PoleStats 设备统计（仅诊断日志用）
type PoleStats struct {
	Total      int
	Online     int
	Offline    int
	LowBattery int
	Assigned   int
}

// GetStats 聚合统计
func (r *PoleRepository) GetStats(ctx context.Context, lowBatteryThreshold int) (*PoleStats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE is_online),
			COUNT(*) FILTER (WHERE NOT is_online),
			COUNT(*) FILTER (WHERE is_online AND battery_level < $1),
			COUNT(*) FILTER (WHERE patient_id IS NOT NULL)
		FROM poles
	`

	var stats PoleStats
	err := r.db.QueryRowContext(ctx, query, lowBatteryThreshold).Scan(
		&stats.Total, &stats.Online, &stats.Offline, &stats.LowBattery, &stats.Assigned,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get pole stats: %w", err)
	}

	return &stats, nil
}

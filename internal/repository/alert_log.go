package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"smartpole-telemetry/internal/models"

	"go.uber.org/zap"
)

// AlertLogRepository 报警记录仓库
// 记录只增不改（确认操作除外，且单调不可撤销）
type AlertLogRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertLogRepository 创建报警记录仓库
func NewAlertLogRepository(db *sql.DB, logger *zap.Logger) *AlertLogRepository {
	return &AlertLogRepository{
		db:     db,
		logger: logger,
	}
}

const alertColumns = `
	alert_id, session_id, alert_type, severity, message,
	acknowledged, acknowledged_by, acknowledged_at, created_at`

func scanAlert(row interface{ Scan(...interface{}) error }) (*models.AlertLog, error) {
	var a models.AlertLog
	var sessionID, ackBy sql.NullString
	var ackAt sql.NullTime
	var alertType, severity string

	err := row.Scan(
		&a.AlertID, &sessionID, &alertType, &severity, &a.Message,
		&a.Acknowledged, &ackBy, &ackAt, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedType, err := models.ParseAlertType(alertType)
	if err != nil {
		return nil, err
	}
	a.AlertType = parsedType

	parsedSeverity, err := models.ParseSeverity(severity)
	if err != nil {
		return nil, err
	}
	a.Severity = parsedSeverity

	if sessionID.Valid {
		a.SessionID = &sessionID.String
	}
	if ackBy.Valid {
		a.AcknowledgedBy = &ackBy.String
	}
	if ackAt.Valid {
		a.AcknowledgedAt = &ackAt.Time
	}

	return &a, nil
}

// CreateAlert 创建报警记录
func (r *AlertLogRepository) CreateAlert(ctx context.Context, alert *models.AlertLog) error {
	if alert == nil {
		return fmt.Errorf("alert is required")
	}

	query := `
		INSERT INTO alert_logs (` + alertColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.ExecContext(ctx, query,
		alert.AlertID, alert.SessionID, string(alert.AlertType), string(alert.Severity), alert.Message,
		alert.Acknowledged, alert.AcknowledgedBy, alert.AcknowledgedAt, alert.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}

	return nil
}

// GetAlert 按 alert_id 获取报警记录
func (r *AlertLogRepository) GetAlert(ctx context.Context, alertID string) (*models.AlertLog, error) {
	if alertID == "" {
		return nil, fmt.Errorf("alert_id is required")
	}

	query := `SELECT ` + alertColumns + ` FROM alert_logs WHERE alert_id = $1`

	alert, err := scanAlert(r.db.QueryRowContext(ctx, query, alertID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("alert not found: %s", alertID)
		}
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}

	return alert, nil
}

// AcknowledgeAlert 确认报警（单调：已确认的记录不可再次确认，也不可撤销）
func (r *AlertLogRepository) AcknowledgeAlert(ctx context.Context, alertID, actor string) error {
	if actor == "" {
		return fmt.Errorf("actor is required")
	}

	query := `
		UPDATE alert_logs
		SET acknowledged = TRUE, acknowledged_by = $1, acknowledged_at = $2
		WHERE alert_id = $3 AND acknowledged = FALSE
	`

	result, err := r.db.ExecContext(ctx, query, actor, time.Now(), alertID)
	if err != nil {
		return fmt.Errorf("failed to acknowledge alert: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("alert not found or already acknowledged: %s", alertID)
	}

	return nil
}

// AcknowledgeAll 批量确认所有未确认报警
func (r *AlertLogRepository) AcknowledgeAll(ctx context.Context, actor string) (int64, error) {
	if actor == "" {
		return 0, fmt.Errorf("actor is required")
	}

	query := `
		UPDATE alert_logs
		SET acknowledged = TRUE, acknowledged_by = $1, acknowledged_at = $2
		WHERE acknowledged = FALSE
	`

	result, err := r.db.ExecContext(ctx, query, actor, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to acknowledge all alerts: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected, nil
}

// ListUnacknowledged 获取所有未确认报警（新→旧）
func (r *AlertLogRepository) ListUnacknowledged(ctx context.Context) ([]models.AlertLog, error) {
	query := `SELECT ` + alertColumns + ` FROM alert_logs WHERE acknowledged = FALSE ORDER BY created_at DESC`

	return r.queryAlerts(ctx, query)
}

// ListBySession 获取会话下的全部报警（新→旧）
func (r *AlertLogRepository) ListBySession(ctx context.Context, sessionID string) ([]models.AlertLog, error) {
	query := `SELECT ` + alertColumns + ` FROM alert_logs WHERE session_id = $1 ORDER BY created_at DESC`

	return r.queryAlerts(ctx, query, sessionID)
}

// ListUnacknowledgedBySession 获取会话下未确认的报警（供实时缓存）
func (r *AlertLogRepository) ListUnacknowledgedBySession(ctx context.Context, sessionID string) ([]models.AlertLog, error) {
	query := `SELECT ` + alertColumns + ` FROM alert_logs WHERE session_id = $1 AND acknowledged = FALSE ORDER BY created_at DESC`

	return r.queryAlerts(ctx, query, sessionID)
}

// CountUnacknowledgedBySeverity 按级别统计未确认报警
func (r *AlertLogRepository) CountUnacknowledgedBySeverity(ctx context.Context, severity models.Severity) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM alert_logs WHERE acknowledged = FALSE AND severity = $1`,
		string(severity),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count alerts: %w", err)
	}
	return count, nil
}

func (r *AlertLogRepository) queryAlerts(ctx context.Context, query string, args ...interface{}) ([]models.AlertLog, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.AlertLog
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alerts: %w", err)
	}

	return alerts, nil
}

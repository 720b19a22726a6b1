package repository

import (
	"context"
	"database/sql"
	"fmt"

	"smartpole-telemetry/internal/models"

	"go.uber.org/zap"
)

// PrescriptionRepository 处方仓库（只读：处方管理由外部系统负责）
type PrescriptionRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPrescriptionRepository 创建处方仓库
func NewPrescriptionRepository(db *sql.DB, logger *zap.Logger) *PrescriptionRepository {
	return &PrescriptionRepository{
		db:     db,
		logger: logger,
	}
}

const prescriptionColumns = `
	prescription_id, patient_id, drug_id, total_volume_ml, flow_rate_ml_min,
	gtt_factor, calculated_gtt, duration_hours, status, prescribed_at`

// GetPrescription 按 prescription_id 获取处方
func (r *PrescriptionRepository) GetPrescription(ctx context.Context, prescriptionID string) (*models.Prescription, error) {
	if prescriptionID == "" {
		return nil, fmt.Errorf("prescription_id is required")
	}

	query := `SELECT ` + prescriptionColumns + ` FROM prescriptions WHERE prescription_id = $1`

	p, err := r.scanPrescription(r.db.QueryRowContext(ctx, query, prescriptionID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("prescription not found: %s", prescriptionID)
		}
		return nil, fmt.Errorf("failed to get prescription: %w", err)
	}

	return p, nil
}

// GetActiveByPatient 获取患者当前激活的处方；未找到返回 (nil, nil)
func (r *PrescriptionRepository) GetActiveByPatient(ctx context.Context, patientID string) (*models.Prescription, error) {
	query := `
		SELECT ` + prescriptionColumns + `
		FROM prescriptions
		WHERE patient_id = $1 AND status = 'ACTIVE'
		ORDER BY prescribed_at DESC
		LIMIT 1
	`

	p, err := r.scanPrescription(r.db.QueryRowContext(ctx, query, patientID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active prescription: %w", err)
	}

	return p, nil
}

func (r *PrescriptionRepository) scanPrescription(row interface{ Scan(...interface{}) error }) (*models.Prescription, error) {
	var p models.Prescription
	err := row.Scan(
		&p.PrescriptionID, &p.PatientID, &p.DrugID, &p.TotalVolumeML, &p.FlowRateMLMin,
		&p.GTTFactor, &p.CalculatedGTT, &p.DurationHours, &p.Status, &p.PrescribedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

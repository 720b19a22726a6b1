package models

import (
	"fmt"
	"time"
)

// SessionStatus 输液会话状态（封闭枚举，入口处解析）
type SessionStatus string

const (
	SessionActive SessionStatus = "ACTIVE"
	SessionPaused SessionStatus = "PAUSED"
	SessionEnded  SessionStatus = "ENDED"
)

// ParseSessionStatus 解析会话状态字符串（不识别的值返回错误，不做猜测）
func ParseSessionStatus(s string) (SessionStatus, error) {
	switch SessionStatus(s) {
	case SessionActive, SessionPaused, SessionEnded:
		return SessionStatus(s), nil
	default:
		return "", fmt.Errorf("unknown session status: %q", s)
	}
}

// CanTransitionTo 校验状态迁移
// 允许：ACTIVE↔PAUSED、ACTIVE→ENDED、PAUSED→ENDED；ENDED 为终态
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	switch s {
	case SessionActive:
		return next == SessionPaused || next == SessionEnded
	case SessionPaused:
		return next == SessionActive || next == SessionEnded
	default:
		return false
	}
}

// InfusionSession 输液会话（对应 infusion_sessions 表）
// 一个会话 = 一名患者通过一台输液架进行的一次连续输液
type InfusionSession struct {
	SessionID      string        `json:"session_id" db:"session_id"`
	PatientID      string        `json:"patient_id" db:"patient_id"`
	PrescriptionID *string       `json:"prescription_id,omitempty" db:"prescription_id"`
	DrugID         *string       `json:"drug_id,omitempty" db:"drug_id"`
	PoleID         *string       `json:"pole_id,omitempty" db:"pole_id"`
	Status         SessionStatus `json:"status" db:"status"`

	// 容量（mL）
	TotalVolumeML     float64 `json:"total_volume_ml" db:"total_volume_ml"`
	RemainingVolumeML float64 `json:"remaining_volume_ml" db:"remaining_volume_ml"`
	ConsumedVolumeML  float64 `json:"consumed_volume_ml" db:"consumed_volume_ml"`

	// 传感器原始重量（g），仅用于可观测性
	CurrentWeightGrams  *float64 `json:"current_weight_grams,omitempty" db:"current_weight_grams"`
	InitialWeightGrams  *float64 `json:"initial_weight_grams,omitempty" db:"initial_weight_grams"`
	BaselineWeightGrams *float64 `json:"baseline_weight_grams,omitempty" db:"baseline_weight_grams"`

	// 流速（统一单位 mL/min，外部边界负责换算）
	PrescribedFlowRate float64  `json:"prescribed_flow_rate" db:"prescribed_flow_rate"`
	MeasuredFlowRate   *float64 `json:"measured_flow_rate,omitempty" db:"measured_flow_rate"`
	DeviationPercent   *float64 `json:"deviation_percent,omitempty" db:"deviation_percent"`
	SensorState        *string  `json:"sensor_state,omitempty" db:"sensor_state"`

	StartTime        time.Time  `json:"start_time" db:"start_time"`
	EndTime          *time.Time `json:"end_time,omitempty" db:"end_time"`
	ExpectedEndTime  *time.Time `json:"expected_end_time,omitempty" db:"expected_end_time"`
	LastSensorUpdate *time.Time `json:"last_sensor_update,omitempty" db:"last_sensor_update"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// CompletionPercentage 完成百分比 = (总量 - 剩余) / 总量 × 100
func (s *InfusionSession) CompletionPercentage() float64 {
	if s.TotalVolumeML <= 0 {
		return 0
	}
	return (s.TotalVolumeML - s.RemainingVolumeML) / s.TotalVolumeML * 100
}

// IsLowVolume 剩余不足 10%
func (s *InfusionSession) IsLowVolume() bool {
	return s.CompletionPercentage() > 90
}

// IsCriticalVolume 剩余不足 5%
func (s *InfusionSession) IsCriticalVolume() bool {
	return s.CompletionPercentage() > 95
}

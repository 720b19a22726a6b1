package models

import "time"

// Prescription 处方（仅供 init/bootstrap 路径读取，处方管理本身由外部系统负责）
// 流速统一以 mL/min 存储；GTT 换算：滴速(滴/分) = 流速(mL/min) × gtt_factor(滴/mL)
type Prescription struct {
	PrescriptionID string  `json:"prescription_id" db:"prescription_id"`
	PatientID      string  `json:"patient_id" db:"patient_id"`
	DrugID         string  `json:"drug_id" db:"drug_id"`
	TotalVolumeML  float64 `json:"total_volume_ml" db:"total_volume_ml"`
	FlowRateMLMin  float64 `json:"flow_rate_ml_min" db:"flow_rate_ml_min"`
	GTTFactor      int     `json:"gtt_factor" db:"gtt_factor"` // 20=macro drip, 60=micro drip
	CalculatedGTT  int     `json:"calculated_gtt" db:"calculated_gtt"`
	DurationHours  float64 `json:"duration_hours" db:"duration_hours"`
	Status         string  `json:"status" db:"status"`

	PrescribedAt time.Time `json:"prescribed_at" db:"prescribed_at"`
}

// DefaultGTTFactor 未关联处方时的缺省滴系数（macro drip）
const DefaultGTTFactor = 20

// CalculateDripRate 按护理公式计算滴速（滴/分）
// GTT/min = (总量 mL × GTT factor) ÷ 总时长(分)，总时长 = 总量 ÷ 流速(mL/min)
func CalculateDripRate(totalVolumeML, flowRateMLMin float64, gttFactor int) int {
	if totalVolumeML <= 0 || flowRateMLMin <= 0 {
		return 0
	}
	durationMin := totalVolumeML / flowRateMLMin
	return int((totalVolumeML * float64(gttFactor)) / durationMin)
}

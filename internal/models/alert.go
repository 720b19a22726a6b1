package models

import (
	"fmt"
	"time"
)

// AlertType 报警类型
type AlertType string

const (
	AlertLowVolume   AlertType = "low_volume"
	AlertFlowStopped AlertType = "flow_stopped"
	AlertPoleFall    AlertType = "pole_fall"
	AlertBatteryLow  AlertType = "battery_low"
	AlertSystemError AlertType = "system_error"
	AlertNurseCall   AlertType = "nurse_call"
)

// ParseAlertType 解析报警类型字符串
func ParseAlertType(s string) (AlertType, error) {
	switch AlertType(s) {
	case AlertLowVolume, AlertFlowStopped, AlertPoleFall, AlertBatteryLow, AlertSystemError, AlertNurseCall:
		return AlertType(s), nil
	default:
		return "", fmt.Errorf("unknown alert type: %q", s)
	}
}

// Severity 报警级别
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ParseSeverity 解析报警级别字符串
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return Severity(s), nil
	default:
		return "", fmt.Errorf("unknown severity: %q", s)
	}
}

// AlertLog 报警记录（对应 alert_logs 表）
// 创建后 type/severity/message/session_id/created_at 不可变；确认操作单调，不可撤销
type AlertLog struct {
	AlertID   string    `json:"alert_id" db:"alert_id"`
	SessionID *string   `json:"session_id,omitempty" db:"session_id"` // 部分报警（如护士呼叫）可能先于会话存在
	AlertType AlertType `json:"alert_type" db:"alert_type"`
	Severity  Severity  `json:"severity" db:"severity"`
	Message   string    `json:"message" db:"message"`

	Acknowledged   bool       `json:"acknowledged" db:"acknowledged"`
	AcknowledgedBy *string    `json:"acknowledged_by,omitempty" db:"acknowledged_by"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty" db:"acknowledged_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

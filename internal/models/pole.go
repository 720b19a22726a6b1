package models

import (
	"fmt"
	"time"
)

// PoleStatus 输液架设备状态（设备管理维度，与在线状态无关）
type PoleStatus string

const (
	PoleActive      PoleStatus = "active"
	PoleMaintenance PoleStatus = "maintenance"
	PoleInactive    PoleStatus = "inactive"
)

// ParsePoleStatus 解析设备状态字符串
func ParsePoleStatus(s string) (PoleStatus, error) {
	switch PoleStatus(s) {
	case PoleActive, PoleMaintenance, PoleInactive:
		return PoleStatus(s), nil
	default:
		return "", fmt.Errorf("unknown pole status: %q", s)
	}
}

// Pole 输液架设备（对应 poles 表）
type Pole struct {
	PoleID       string     `json:"pole_id" db:"pole_id"`
	Status       PoleStatus `json:"status" db:"status"`
	BatteryLevel int        `json:"battery_level" db:"battery_level"`
	IsOnline     bool       `json:"is_online" db:"is_online"`
	LastPingAt   *time.Time `json:"last_ping_at,omitempty" db:"last_ping_at"`

	// 患者分配（分配关系，不是所有权）
	PatientID  *string    `json:"patient_id,omitempty" db:"patient_id"`
	AssignedAt *time.Time `json:"assigned_at,omitempty" db:"assigned_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsAssigned 是否已分配给患者
func (p *Pole) IsAssigned() bool {
	return p.PatientID != nil
}

// IsLiveAt 在线判定：最后一次 ping 距 now 小于 window
// 反应式（ping 到达）与周期扫描共用同一判定
func (p *Pole) IsLiveAt(now time.Time, window time.Duration) bool {
	if p.LastPingAt == nil {
		return false
	}
	return now.Sub(*p.LastPingAt) < window
}

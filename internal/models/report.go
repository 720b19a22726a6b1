package models

import "strconv"

// 设备上报为扁平 key/value 载荷（HTTP JSON body 或 MQTT payload 解出的 map）。
// 数值字段全部可选：缺失或无法解析按"不存在"处理，不视为错误，继续处理剩余数据。

// TelemetryReport 遥测上报
type TelemetryReport struct {
	DeviceID string

	// 重量（g）
	CurrentWeight   *float64
	InitialWeight   *float64
	BaselineWeight  *float64
	WeightConsumed  *float64
	WeightRemaining *float64

	// 流速（mL/min）
	FlowRateMeasured   *float64
	FlowRatePrescribed *float64
	DeviationPercent   *float64

	RemainingTimeSec *float64
	State            *string
}

// TelemetryReportFromMap 从扁平载荷解析遥测上报
func TelemetryReportFromMap(data map[string]interface{}) *TelemetryReport {
	return &TelemetryReport{
		DeviceID:           asString(data["device_id"]),
		CurrentWeight:      asFloat(data["current_weight"]),
		InitialWeight:      asFloat(data["initial_weight"]),
		BaselineWeight:     asFloat(data["baseline_weight"]),
		WeightConsumed:     asFloat(data["weight_consumed"]),
		WeightRemaining:    asFloat(data["weight_remaining"]),
		FlowRateMeasured:   asFloat(data["flow_rate_measured"]),
		FlowRatePrescribed: asFloat(data["flow_rate_prescribed"]),
		DeviationPercent:   asFloat(data["deviation_percent"]),
		RemainingTimeSec:   asFloat(data["remaining_time_sec"]),
		State:              asStringPtr(data["state"]),
	}
}

// AlertReport 设备主动上报的异常（独立于遥测的报警通道）
type AlertReport struct {
	DeviceID         string
	AlertType        string
	DeviationPercent *float64
	Timestamp        *int64
}

// AlertReportFromMap 从扁平载荷解析报警上报
func AlertReportFromMap(data map[string]interface{}) *AlertReport {
	return &AlertReport{
		DeviceID:         asString(data["device_id"]),
		AlertType:        asString(data["alert_type"]),
		DeviationPercent: asFloat(data["deviation_percent"]),
		Timestamp:        asInt64(data["timestamp"]),
	}
}

// PingReport 设备保活 ping
type PingReport struct {
	DeviceID     string
	BatteryLevel *int
}

// PingReportFromMap 从扁平载荷解析 ping
func PingReportFromMap(data map[string]interface{}) *PingReport {
	return &PingReport{
		DeviceID:     asString(data["device_id"]),
		BatteryLevel: asInt(data["battery_level"]),
	}
}

// asFloat 宽容数值解析：数字或数字字符串，其余返回 nil
func asFloat(v interface{}) *float64 {
	switch val := v.(type) {
	case float64:
		return &val
	case float32:
		f := float64(val)
		return &f
	case int:
		f := float64(val)
		return &f
	case int64:
		f := float64(val)
		return &f
	case string:
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return &f
		}
	}
	return nil
}

func asInt(v interface{}) *int {
	if f := asFloat(v); f != nil {
		i := int(*f)
		return &i
	}
	return nil
}

func asInt64(v interface{}) *int64 {
	if f := asFloat(v); f != nil {
		i := int64(*f)
		return &i
	}
	return nil
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func asStringPtr(v interface{}) *string {
	if s, ok := v.(string); ok && s != "" {
		return &s
	}
	return nil
}

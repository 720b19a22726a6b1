package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelemetryReportFromMap(t *testing.T) {
	data := map[string]interface{}{
		"device_id":          "pole-07",
		"current_weight":     450.5,
		"initial_weight":     "500", // 数字字符串也接受
		"flow_rate_measured": 2,     // 整数也接受
		"deviation_percent":  -18.2,
		"state":              "flowing",
	}

	report := TelemetryReportFromMap(data)

	assert.Equal(t, "pole-07", report.DeviceID)
	require.NotNil(t, report.CurrentWeight)
	assert.Equal(t, 450.5, *report.CurrentWeight)
	require.NotNil(t, report.InitialWeight)
	assert.Equal(t, 500.0, *report.InitialWeight)
	require.NotNil(t, report.FlowRateMeasured)
	assert.Equal(t, 2.0, *report.FlowRateMeasured)
	require.NotNil(t, report.DeviationPercent)
	assert.Equal(t, -18.2, *report.DeviationPercent)
	require.NotNil(t, report.State)
	assert.Equal(t, "flowing", *report.State)
}

func TestTelemetryReportFromMap_MalformedFieldsTreatedAsAbsent(t *testing.T) {
	data := map[string]interface{}{
		"device_id":         "pole-07",
		"current_weight":    "garbage",
		"deviation_percent": true,
		"state":             "",
	}

	report := TelemetryReportFromMap(data)

	// 畸形字段按缺失处理，不报错，其余字段继续解析
	assert.Equal(t, "pole-07", report.DeviceID)
	assert.Nil(t, report.CurrentWeight)
	assert.Nil(t, report.DeviationPercent)
	assert.Nil(t, report.State)
}

func TestTelemetryReportFromMap_MissingDeviceID(t *testing.T) {
	report := TelemetryReportFromMap(map[string]interface{}{"current_weight": 100.0})
	assert.Equal(t, "", report.DeviceID)
}

func TestPingReportFromMap(t *testing.T) {
	report := PingReportFromMap(map[string]interface{}{
		"device_id":     "pole-01",
		"battery_level": 87.0, // JSON 数字解出来是 float64
	})

	assert.Equal(t, "pole-01", report.DeviceID)
	require.NotNil(t, report.BatteryLevel)
	assert.Equal(t, 87, *report.BatteryLevel)
}

func TestAlertReportFromMap(t *testing.T) {
	report := AlertReportFromMap(map[string]interface{}{
		"device_id":         "pole-02",
		"alert_type":        "flow_stopped",
		"deviation_percent": 30.0,
	})

	assert.Equal(t, "pole-02", report.DeviceID)
	assert.Equal(t, "flow_stopped", report.AlertType)
	require.NotNil(t, report.DeviationPercent)
	assert.Equal(t, 30.0, *report.DeviationPercent)
	assert.Nil(t, report.Timestamp)
}

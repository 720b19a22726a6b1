package httpapi

import (
	"net/http"

	"smartpole-telemetry/internal/models"
	"smartpole-telemetry/internal/service"

	"go.uber.org/zap"
)

// DeviceHandler 设备固件 HTTP 端点
// 与 MQTT 消费者共享 gateway/liveness，HTTP 只是另一条边
type DeviceHandler struct {
	gateway  *service.Gateway
	liveness *service.LivenessTracker
	logger   *zap.Logger
}

func NewDeviceHandler(gateway *service.Gateway, liveness *service.LivenessTracker, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{
		gateway:  gateway,
		liveness: liveness,
		logger:   logger,
	}
}

// Data POST /api/esp/data 遥测上报
func (h *DeviceHandler) Data(w http.ResponseWriter, r *http.Request) {
	data, err := readBodyMap(r)
	if err != nil {
		writeResult(w, models.ErrResult("invalid JSON payload"))
		return
	}

	result := h.gateway.HandleTelemetry(r.Context(), models.TelemetryReportFromMap(data))
	writeResult(w, result)
}

// Alert POST /api/esp/alert 设备主动报警
func (h *DeviceHandler) Alert(w http.ResponseWriter, r *http.Request) {
	data, err := readBodyMap(r)
	if err != nil {
		writeResult(w, models.ErrResult("invalid JSON payload"))
		return
	}

	result := h.gateway.HandleAlertReport(r.Context(), models.AlertReportFromMap(data))
	writeResult(w, result)
}

// Ping POST /api/esp/ping 保活
func (h *DeviceHandler) Ping(w http.ResponseWriter, r *http.Request) {
	data, err := readBodyMap(r)
	if err != nil {
		writeResult(w, models.ErrResult("invalid JSON payload"))
		return
	}

	result := h.liveness.HandlePing(r.Context(), models.PingReportFromMap(data))
	writeResult(w, result)
}

// Init GET /api/esp/init?device_id=xxx 初始化下发
func (h *DeviceHandler) Init(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	result := h.gateway.HandleInit(r.Context(), deviceID)
	writeResult(w, result)
}

// Test GET /api/esp/test 连通性自检
func (h *DeviceHandler) Test(w http.ResponseWriter, r *http.Request) {
	writeResult(w, models.OkResult("Service is running", nil))
}

package httpapi

import (
	"net/http"

	"smartpole-telemetry/internal/models"
	"smartpole-telemetry/internal/service"

	"go.uber.org/zap"
)

// AlertHandler 报警查询与确认端点
type AlertHandler struct {
	alerts  service.AlertStore
	gateway *service.Gateway
	logger  *zap.Logger
}

func NewAlertHandler(alerts service.AlertStore, gateway *service.Gateway, logger *zap.Logger) *AlertHandler {
	return &AlertHandler{
		alerts:  alerts,
		gateway: gateway,
		logger:  logger,
	}
}

// ListUnacknowledged GET /api/alerts/unacknowledged
func (h *AlertHandler) ListUnacknowledged(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.alerts.ListUnacknowledged(r.Context())
	if err != nil {
		h.logger.Error("Failed to list unacknowledged alerts", zap.Error(err))
		writeResult(w, models.ErrResult("failed to list alerts"))
		return
	}

	writeResult(w, models.OkResult("ok", map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	}))
}

// Acknowledge POST /api/alerts/{id}/acknowledge
func (h *AlertHandler) Acknowledge(w http.ResponseWriter, r *http.Request, alertID string) {
	var req struct {
		AcknowledgedBy string `json:"acknowledged_by"`
	}
	if err := readBodyJSON(r, &req); err != nil {
		writeResult(w, models.ErrResult("invalid JSON payload"))
		return
	}
	if req.AcknowledgedBy == "" {
		writeResult(w, models.ErrResult("acknowledged_by is required"))
		return
	}

	if err := h.alerts.AcknowledgeAlert(r.Context(), alertID, req.AcknowledgedBy); err != nil {
		writeResult(w, models.ErrResult(err.Error()))
		return
	}

	data := map[string]interface{}{"alert_id": alertID}
	if alert, err := h.alerts.GetAlert(r.Context(), alertID); err == nil {
		data["alert_type"] = string(alert.AlertType)
		data["severity"] = string(alert.Severity)
		data["acknowledged_by"] = req.AcknowledgedBy
	}

	writeResult(w, models.OkResult("Alert acknowledged", data))
}

// AcknowledgeAll POST /api/alerts/acknowledge-all
func (h *AlertHandler) AcknowledgeAll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AcknowledgedBy string `json:"acknowledged_by"`
	}
	if err := readBodyJSON(r, &req); err != nil {
		writeResult(w, models.ErrResult("invalid JSON payload"))
		return
	}
	if req.AcknowledgedBy == "" {
		writeResult(w, models.ErrResult("acknowledged_by is required"))
		return
	}

	count, err := h.alerts.AcknowledgeAll(r.Context(), req.AcknowledgedBy)
	if err != nil {
		h.logger.Error("Failed to acknowledge all alerts", zap.Error(err))
		writeResult(w, models.ErrResult("failed to acknowledge alerts"))
		return
	}

	writeResult(w, models.OkResult("Alerts acknowledged", map[string]interface{}{"count": count}))
}

// NurseCall POST /api/nurse-call
func (h *AlertHandler) NurseCall(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PatientID string  `json:"patient_id"`
		SessionID *string `json:"session_id,omitempty"`
	}
	if err := readBodyJSON(r, &req); err != nil {
		writeResult(w, models.ErrResult("invalid JSON payload"))
		return
	}

	result := h.gateway.HandleNurseCall(r.Context(), req.PatientID, req.SessionID)
	writeResult(w, result)
}

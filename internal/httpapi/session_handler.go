package httpapi

import (
	"net/http"

	"smartpole-telemetry/internal/models"
	"smartpole-telemetry/internal/service"

	"go.uber.org/zap"
)

// SessionHandler 输液会话管理端点（护士站/看板用）
type SessionHandler struct {
	manager *service.SessionManager
	alerts  service.AlertStore
	logger  *zap.Logger
}

func NewSessionHandler(manager *service.SessionManager, alerts service.AlertStore, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{
		manager: manager,
		alerts:  alerts,
		logger:  logger,
	}
}

// Create POST /api/sessions
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req service.CreateSessionRequest
	if err := readBodyJSON(r, &req); err != nil {
		writeResult(w, models.ErrResult("invalid JSON payload"))
		return
	}

	session, err := h.manager.CreateSession(r.Context(), &req)
	if err != nil {
		writeResult(w, models.ErrResult(err.Error()))
		return
	}

	writeResult(w, models.OkResult("Session created", sessionData(session)))
}

// Get GET /api/sessions/{id}
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request, sessionID string) {
	session, err := h.manager.GetSession(r.Context(), sessionID)
	if err != nil {
		writeResult(w, models.ErrResult(err.Error()))
		return
	}

	writeResult(w, models.OkResult("ok", sessionData(session)))
}

// ListActive GET /api/sessions
func (h *SessionHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.manager.ListActiveSessions(r.Context())
	if err != nil {
		h.logger.Error("Failed to list active sessions", zap.Error(err))
		writeResult(w, models.ErrResult("failed to list sessions"))
		return
	}

	items := make([]map[string]interface{}, 0, len(sessions))
	for i := range sessions {
		items = append(items, sessionData(&sessions[i]))
	}

	writeResult(w, models.OkResult("ok", map[string]interface{}{
		"sessions": items,
		"count":    len(items),
	}))
}

// Pause POST /api/sessions/{id}/pause
func (h *SessionHandler) Pause(w http.ResponseWriter, r *http.Request, sessionID string) {
	session, err := h.manager.PauseSession(r.Context(), sessionID)
	if err != nil {
		writeResult(w, models.ErrResult(err.Error()))
		return
	}
	writeResult(w, models.OkResult("Session paused", sessionData(session)))
}

// Resume POST /api/sessions/{id}/resume
func (h *SessionHandler) Resume(w http.ResponseWriter, r *http.Request, sessionID string) {
	session, err := h.manager.ResumeSession(r.Context(), sessionID)
	if err != nil {
		writeResult(w, models.ErrResult(err.Error()))
		return
	}
	writeResult(w, models.OkResult("Session resumed", sessionData(session)))
}

// End POST /api/sessions/{id}/end
func (h *SessionHandler) End(w http.ResponseWriter, r *http.Request, sessionID string) {
	session, err := h.manager.EndSession(r.Context(), sessionID)
	if err != nil {
		writeResult(w, models.ErrResult(err.Error()))
		return
	}
	writeResult(w, models.OkResult("Session ended", sessionData(session)))
}

// UpdateVolume PUT /api/sessions/{id}/volume 护士手动校正剩余量
func (h *SessionHandler) UpdateVolume(w http.ResponseWriter, r *http.Request, sessionID string) {
	var req struct {
		RemainingVolumeML float64 `json:"remaining_volume_ml"`
	}
	if err := readBodyJSON(r, &req); err != nil {
		writeResult(w, models.ErrResult("invalid JSON payload"))
		return
	}

	session, alert, err := h.manager.UpdateRemainingVolume(r.Context(), sessionID, req.RemainingVolumeML)
	if err != nil {
		writeResult(w, models.ErrResult(err.Error()))
		return
	}

	data := sessionData(session)
	if alert != nil {
		data["alert_id"] = alert.AlertID
	}
	writeResult(w, models.OkResult("Volume updated", data))
}

// ListAlerts GET /api/sessions/{id}/alerts
func (h *SessionHandler) ListAlerts(w http.ResponseWriter, r *http.Request, sessionID string) {
	alerts, err := h.alerts.ListBySession(r.Context(), sessionID)
	if err != nil {
		h.logger.Error("Failed to list session alerts",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		writeResult(w, models.ErrResult("failed to list alerts"))
		return
	}

	writeResult(w, models.OkResult("ok", map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	}))
}

func sessionData(s *models.InfusionSession) map[string]interface{} {
	data := map[string]interface{}{
		"session_id":           s.SessionID,
		"patient_id":           s.PatientID,
		"status":               string(s.Status),
		"total_volume_ml":      s.TotalVolumeML,
		"remaining_volume_ml":  s.RemainingVolumeML,
		"consumed_volume_ml":   s.ConsumedVolumeML,
		"percentage":           s.CompletionPercentage(),
		"prescribed_flow_rate": s.PrescribedFlowRate,
		"start_time":           s.StartTime,
	}
	if s.PoleID != nil {
		data["pole_id"] = *s.PoleID
	}
	if s.EndTime != nil {
		data["end_time"] = *s.EndTime
	}
	if s.MeasuredFlowRate != nil {
		data["measured_flow_rate"] = *s.MeasuredFlowRate
	}
	if s.DeviationPercent != nil {
		data["deviation_percent"] = *s.DeviationPercent
	}
	return data
}

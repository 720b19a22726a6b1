package httpapi

import (
	"net/http"

	"smartpole-telemetry/internal/cache"
	"smartpole-telemetry/internal/config"
	"smartpole-telemetry/internal/models"
	"smartpole-telemetry/internal/service"

	"go.uber.org/zap"
)

// PoleHandler 输液架设备管理端点
type PoleHandler struct {
	cfg    *config.Config
	poles  service.PoleStore
	cache  *cache.RealtimeCache
	logger *zap.Logger
}

func NewPoleHandler(cfg *config.Config, poles service.PoleStore, realtimeCache *cache.RealtimeCache, logger *zap.Logger) *PoleHandler {
	return &PoleHandler{
		cfg:    cfg,
		poles:  poles,
		cache:  realtimeCache,
		logger: logger,
	}
}

// List GET /api/poles
func (h *PoleHandler) List(w http.ResponseWriter, r *http.Request) {
	poles, err := h.poles.ListPoles(r.Context())
	if err != nil {
		h.logger.Error("Failed to list poles", zap.Error(err))
		writeResult(w, models.ErrResult("failed to list poles"))
		return
	}

	writeResult(w, models.OkResult("ok", map[string]interface{}{
		"poles": poles,
		"count": len(poles),
	}))
}

// Get GET /api/poles/{id}
func (h *PoleHandler) Get(w http.ResponseWriter, r *http.Request, poleID string) {
	pole, err := h.poles.GetPole(r.Context(), poleID)
	if err != nil {
		writeResult(w, models.ErrResult(err.Error()))
		return
	}
	if pole == nil {
		writeResult(w, models.ErrResult("pole not found: "+poleID))
		return
	}

	writeResult(w, models.OkResult("ok", map[string]interface{}{"pole": pole}))
}

// Realtime GET /api/poles/{id}/realtime 实时快照（只打缓存，不打数据库）
func (h *PoleHandler) Realtime(w http.ResponseWriter, r *http.Request, poleID string) {
	snapshot, err := h.cache.GetSnapshot(r.Context(), poleID)
	if err != nil {
		writeResult(w, models.ErrResult(err.Error()))
		return
	}

	alerts, err := h.cache.GetActiveAlerts(r.Context(), poleID)
	if err != nil {
		h.logger.Warn("Failed to read alert cache",
			zap.String("pole_id", poleID),
			zap.Error(err),
		)
	}

	writeResult(w, models.OkResult("ok", map[string]interface{}{
		"snapshot": snapshot,
		"alerts":   alerts,
	}))
}

// Assign POST /api/poles/{id}/assign
func (h *PoleHandler) Assign(w http.ResponseWriter, r *http.Request, poleID string) {
	var req struct {
		PatientID string `json:"patient_id"`
	}
	if err := readBodyJSON(r, &req); err != nil {
		writeResult(w, models.ErrResult("invalid JSON payload"))
		return
	}
	if req.PatientID == "" {
		writeResult(w, models.ErrResult("patient_id is required"))
		return
	}

	// 患者至多持有一台
	has, err := h.poles.HasAssignedPole(r.Context(), req.PatientID)
	if err != nil {
		h.logger.Error("Failed to check assigned pole",
			zap.String("patient_id", req.PatientID),
			zap.Error(err),
		)
		writeResult(w, models.ErrResult("internal error"))
		return
	}
	if has {
		writeResult(w, models.ErrResult("patient already has an assigned pole"))
		return
	}

	if err := h.poles.AssignPole(r.Context(), poleID, req.PatientID); err != nil {
		writeResult(w, models.ErrResult(err.Error()))
		return
	}

	writeResult(w, models.OkResult("Pole assigned", map[string]interface{}{
		"pole_id":    poleID,
		"patient_id": req.PatientID,
	}))
}

// Unassign POST /api/poles/{id}/unassign
func (h *PoleHandler) Unassign(w http.ResponseWriter, r *http.Request, poleID string) {
	if err := h.poles.UnassignPole(r.Context(), poleID); err != nil {
		writeResult(w, models.ErrResult(err.Error()))
		return
	}

	writeResult(w, models.OkResult("Pole unassigned", map[string]interface{}{"pole_id": poleID}))
}

// UpdateStatus PUT /api/poles/{id}/status
func (h *PoleHandler) UpdateStatus(w http.ResponseWriter, r *http.Request, poleID string) {
	var req struct {
		Status string `json:"status"`
	}
	if err := readBodyJSON(r, &req); err != nil {
		writeResult(w, models.ErrResult("invalid JSON payload"))
		return
	}

	status, err := models.ParsePoleStatus(req.Status)
	if err != nil {
		writeResult(w, models.ErrResult(err.Error()))
		return
	}

	if err := h.poles.UpdateStatus(r.Context(), poleID, status); err != nil {
		writeResult(w, models.ErrResult(err.Error()))
		return
	}

	writeResult(w, models.OkResult("Pole status updated", map[string]interface{}{
		"pole_id": poleID,
		"status":  string(status),
	}))
}

// Stats GET /api/poles/stats
func (h *PoleHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.poles.GetStats(r.Context(), h.cfg.Telemetry.BatteryLowPercent)
	if err != nil {
		h.logger.Error("Failed to get pole stats", zap.Error(err))
		writeResult(w, models.ErrResult("failed to get stats"))
		return
	}

	writeResult(w, models.OkResult("ok", map[string]interface{}{
		"total":       stats.Total,
		"online":      stats.Online,
		"offline":     stats.Offline,
		"low_battery": stats.LowBattery,
		"assigned":    stats.Assigned,
	}))
}

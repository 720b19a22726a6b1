package service

import (
	"context"
	"fmt"
	"time"

	"smartpole-telemetry/internal/broadcast"
	"smartpole-telemetry/internal/cache"
	"smartpole-telemetry/internal/config"
	"smartpole-telemetry/internal/engine"
	"smartpole-telemetry/internal/models"

	"go.uber.org/zap"
)

// Gateway 设备上报摄入网关
// 遥测/报警/初始化三条入站路径的统一入口。入口为"吞错"边界：
// 设备固件不消费错误细节，内部失败记日志并返回结构化错误响应，绝不 panic。
type Gateway struct {
	cfg           *config.Config
	sessions      SessionStore
	poles         PoleStore
	prescriptions PrescriptionStore
	alerts        AlertStore
	manager       *SessionManager
	engine        *engine.Engine
	cache         *cache.RealtimeCache
	broadcaster   broadcast.Broadcaster
	logger        *zap.Logger
}

// NewGateway 创建摄入网关
func NewGateway(
	cfg *config.Config,
	sessions SessionStore,
	poles PoleStore,
	prescriptions PrescriptionStore,
	alerts AlertStore,
	manager *SessionManager,
	alertEngine *engine.Engine,
	realtimeCache *cache.RealtimeCache,
	broadcaster broadcast.Broadcaster,
	logger *zap.Logger,
) *Gateway {
	return &Gateway{
		cfg:           cfg,
		sessions:      sessions,
		poles:         poles,
		prescriptions: prescriptions,
		alerts:        alerts,
		manager:       manager,
		engine:        alertEngine,
		cache:         realtimeCache,
		broadcaster:   broadcaster,
		logger:        logger,
	}
}

// HandleTelemetry 处理一次遥测上报
// 无进行中会话的设备数据照常确认但不落库（设备可能先于开单上电）
func (g *Gateway) HandleTelemetry(ctx context.Context, report *models.TelemetryReport) *models.Result {
	if report == nil || report.DeviceID == "" {
		return models.ErrResult("device_id is required")
	}

	session, err := g.sessions.GetActiveSessionByPole(ctx, report.DeviceID)
	if err != nil {
		g.logger.Error("Failed to resolve session for telemetry",
			zap.String("device_id", report.DeviceID),
			zap.Error(err),
		)
		return models.ErrResult("internal error")
	}
	if session == nil {
		return models.OkResult("Data received but no active session", nil)
	}

	now := time.Now()
	prevRemaining, updated, err := g.sessions.ApplyTelemetry(ctx, session.SessionID, func(s *models.InfusionSession) {
		applyTelemetryReading(s, report, now)
	})
	if err != nil {
		g.logger.Error("Failed to apply telemetry",
			zap.String("device_id", report.DeviceID),
			zap.String("session_id", session.SessionID),
			zap.Error(err),
		)
		return models.ErrResult("failed to record telemetry")
	}

	volumeAlert, err := g.manager.CheckVolumeThresholds(ctx, prevRemaining, updated)
	if err != nil {
		g.logger.Error("Failed to evaluate volume thresholds",
			zap.String("session_id", updated.SessionID),
			zap.Error(err),
		)
	}

	var deviationAlert *models.AlertLog
	if report.DeviationPercent != nil {
		deviationAlert, err = g.engine.EvaluateDeviation(ctx,
			updated.SessionID, *report.DeviationPercent,
			&updated.PrescribedFlowRate, report.FlowRateMeasured,
		)
		if err != nil {
			g.logger.Error("Failed to evaluate flow deviation",
				zap.String("session_id", updated.SessionID),
				zap.Error(err),
			)
		}
	}

	g.refreshCache(ctx, report.DeviceID, updated)
	g.broadcastTelemetry(report.DeviceID, updated)
	if volumeAlert != nil {
		g.broadcastAlert(report.DeviceID, &updated.PatientID, volumeAlert)
	}
	if deviationAlert != nil {
		g.broadcastAlert(report.DeviceID, &updated.PatientID, deviationAlert)
	}

	return models.OkResult("Telemetry recorded", map[string]interface{}{
		"session_id":          updated.SessionID,
		"remaining_volume_ml": updated.RemainingVolumeML,
		"consumed_volume_ml":  updated.ConsumedVolumeML,
		"percentage":          updated.CompletionPercentage(),
	})
}

// applyTelemetryReading 把一次上报写进会话行（在行锁事务内执行）
// 容量换算以称重为准：consumed = initial_weight − current_weight（1g ≈ 1mL），
// remaining = total − consumed（仓库层负责 0 ≤ remaining ≤ total 截断）。
// weight_remaining / weight_consumed 只在重量不足以换算时兜底。
// 流速/偏差/状态无条件记录，即使偏差未达报警阈值。
func applyTelemetryReading(s *models.InfusionSession, report *models.TelemetryReport, now time.Time) {
	if report.InitialWeight != nil && s.InitialWeightGrams == nil {
		s.InitialWeightGrams = report.InitialWeight
	}
	if report.BaselineWeight != nil && s.BaselineWeightGrams == nil {
		s.BaselineWeightGrams = report.BaselineWeight
	}
	if report.CurrentWeight != nil {
		s.CurrentWeightGrams = report.CurrentWeight
	}

	switch {
	case report.CurrentWeight != nil && s.InitialWeightGrams != nil:
		consumed := *s.InitialWeightGrams - *report.CurrentWeight
		if consumed < 0 {
			consumed = 0
		}
		s.ConsumedVolumeML = consumed
		s.RemainingVolumeML = s.TotalVolumeML - consumed
	case report.WeightRemaining != nil:
		s.RemainingVolumeML = *report.WeightRemaining
		s.ConsumedVolumeML = s.TotalVolumeML - s.RemainingVolumeML
	case report.WeightConsumed != nil:
		s.ConsumedVolumeML = *report.WeightConsumed
		s.RemainingVolumeML = s.TotalVolumeML - s.ConsumedVolumeML
	}

	if report.FlowRateMeasured != nil {
		s.MeasuredFlowRate = report.FlowRateMeasured
	}
	if report.DeviationPercent != nil {
		s.DeviationPercent = report.DeviationPercent
	}
	if report.State != nil {
		s.SensorState = report.State
	}
	if report.RemainingTimeSec != nil && *report.RemainingTimeSec > 0 {
		expected := now.Add(time.Duration(*report.RemainingTimeSec * float64(time.Second)))
		s.ExpectedEndTime = &expected
	}
	s.LastSensorUpdate = &now
}

// HandleAlertReport 处理设备主动上报的异常
// pole_fall 直接产生 critical 报警；system_error 落系统报警；
// 其余走与遥测路径相同的偏差分级
func (g *Gateway) HandleAlertReport(ctx context.Context, report *models.AlertReport) *models.Result {
	if report == nil || report.DeviceID == "" {
		return models.ErrResult("device_id is required")
	}

	session, err := g.sessions.GetActiveSessionByPole(ctx, report.DeviceID)
	if err != nil {
		g.logger.Error("Failed to resolve session for alert report",
			zap.String("device_id", report.DeviceID),
			zap.Error(err),
		)
		return models.ErrResult("internal error")
	}

	var sessionID *string
	var patientID *string
	if session != nil {
		sessionID = &session.SessionID
		patientID = &session.PatientID
	}

	if report.AlertType == string(models.AlertPoleFall) {
		alert, err := g.engine.CreatePoleFallAlert(ctx, report.DeviceID, sessionID)
		if err != nil {
			g.logger.Error("Failed to create pole fall alert",
				zap.String("device_id", report.DeviceID),
				zap.Error(err),
			)
			return models.ErrResult("failed to record alert")
		}
		g.broadcastAlert(report.DeviceID, patientID, alert)
		return models.OkResult("Alert recorded", map[string]interface{}{"alert_id": alert.AlertID})
	}

	// 设备自检异常：不依赖会话，落 system_error 报警
	if report.AlertType == string(models.AlertSystemError) {
		message := fmt.Sprintf("IV pole %s reported a system error", report.DeviceID)
		alert, err := g.engine.CreateSystemAlert(ctx, models.AlertSystemError, models.SeverityWarning, message)
		if err != nil {
			g.logger.Error("Failed to create system alert",
				zap.String("device_id", report.DeviceID),
				zap.Error(err),
			)
			return models.ErrResult("failed to record alert")
		}
		g.broadcastAlert(report.DeviceID, patientID, alert)
		return models.OkResult("Alert recorded", map[string]interface{}{"alert_id": alert.AlertID})
	}

	if session == nil {
		return models.OkResult("Alert received but no active session", nil)
	}

	deviation := 0.0
	if report.DeviationPercent != nil {
		deviation = *report.DeviationPercent
	}

	alert, err := g.engine.EvaluateDeviation(ctx, session.SessionID, deviation, &session.PrescribedFlowRate, nil)
	if err != nil {
		g.logger.Error("Failed to evaluate alert report",
			zap.String("session_id", session.SessionID),
			zap.Error(err),
		)
		return models.ErrResult("failed to record alert")
	}
	if alert == nil {
		return models.OkResult("Alert received (below threshold)", nil)
	}

	g.broadcastAlert(report.DeviceID, patientID, alert)
	return models.OkResult("Alert recorded", map[string]interface{}{"alert_id": alert.AlertID})
}

// HandleNurseCall 处理护士呼叫（可先于会话存在）
func (g *Gateway) HandleNurseCall(ctx context.Context, patientID string, sessionID *string) *models.Result {
	if patientID == "" {
		return models.ErrResult("patient_id is required")
	}

	if sessionID == nil {
		session, err := g.sessions.GetActiveSessionByPatient(ctx, patientID)
		if err != nil {
			g.logger.Error("Failed to resolve session for nurse call",
				zap.String("patient_id", patientID),
				zap.Error(err),
			)
			return models.ErrResult("internal error")
		}
		if session != nil {
			sessionID = &session.SessionID
		}
	}

	alert, err := g.engine.CreateNurseCallAlert(ctx, sessionID, patientID)
	if err != nil {
		g.logger.Error("Failed to create nurse call alert",
			zap.String("patient_id", patientID),
			zap.Error(err),
		)
		return models.ErrResult("failed to record nurse call")
	}

	// 患者已分配设备时，呼叫同时发到该设备的报警主题
	deviceID := ""
	pole, err := g.poles.GetAssignedPoleByPatient(ctx, patientID)
	if err != nil {
		g.logger.Warn("Failed to resolve pole for nurse call",
			zap.String("patient_id", patientID),
			zap.Error(err),
		)
	} else if pole != nil {
		deviceID = pole.PoleID
	}

	g.broadcastAlert(deviceID, &patientID, alert)
	return models.OkResult("Nurse call recorded", map[string]interface{}{"alert_id": alert.AlertID})
}

// HandleInit 设备初始化：下发当前会话与处方视图
// 优先按设备查会话；查不到再按设备分配的患者查，并把会话自动挂到该设备
func (g *Gateway) HandleInit(ctx context.Context, deviceID string) *models.Result {
	if deviceID == "" {
		return models.ErrResult("device_id is required")
	}

	session, err := g.sessions.GetActiveSessionByPole(ctx, deviceID)
	if err != nil {
		g.logger.Error("Failed to resolve session for init",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		return models.ErrResult("internal error")
	}

	if session == nil {
		pole, err := g.poles.GetPole(ctx, deviceID)
		if err != nil {
			g.logger.Error("Failed to get pole for init",
				zap.String("device_id", deviceID),
				zap.Error(err),
			)
			return models.ErrResult("internal error")
		}
		if pole == nil || pole.PatientID == nil {
			return models.ErrResult("no active session found for this device")
		}

		session, err = g.sessions.GetActiveSessionByPatient(ctx, *pole.PatientID)
		if err != nil {
			g.logger.Error("Failed to resolve patient session for init",
				zap.String("device_id", deviceID),
				zap.String("patient_id", *pole.PatientID),
				zap.Error(err),
			)
			return models.ErrResult("internal error")
		}
		if session == nil {
			return models.ErrResult("no active session found for patient")
		}

		// 会话开在设备分配之前：初始化时补挂设备
		if err := g.sessions.LinkPole(ctx, session.SessionID, deviceID); err != nil {
			g.logger.Error("Failed to link pole to session",
				zap.String("device_id", deviceID),
				zap.String("session_id", session.SessionID),
				zap.Error(err),
			)
			return models.ErrResult("internal error")
		}
		session.PoleID = &deviceID
		g.logger.Info("Linked pole to session on init",
			zap.String("device_id", deviceID),
			zap.String("session_id", session.SessionID),
		)
	}

	// 处方优先按会话挂的处方号取；会话未挂处方时退回患者当前有效处方
	var prescription *models.Prescription
	if session.PrescriptionID != nil {
		prescription, err = g.prescriptions.GetPrescription(ctx, *session.PrescriptionID)
		if err != nil {
			g.logger.Warn("Prescription lookup failed on init, using defaults",
				zap.String("session_id", session.SessionID),
				zap.Error(err),
			)
		}
	} else {
		prescription, err = g.prescriptions.GetActiveByPatient(ctx, session.PatientID)
		if err != nil {
			g.logger.Warn("Active prescription lookup failed on init, using defaults",
				zap.String("patient_id", session.PatientID),
				zap.Error(err),
			)
		}
	}

	gttFactor := models.DefaultGTTFactor
	if prescription != nil && prescription.GTTFactor > 0 {
		gttFactor = prescription.GTTFactor
	}

	data := map[string]interface{}{
		"device_id":        deviceID,
		"session_id":       session.SessionID,
		"patient_id":       session.PatientID,
		"total_volume_ml":  session.TotalVolumeML,
		"remaining_volume": session.RemainingVolumeML,
		"flow_rate_ml_min": session.PrescribedFlowRate,
		"gtt_factor":       gttFactor,
		"calculated_gtt":   models.CalculateDripRate(session.TotalVolumeML, session.PrescribedFlowRate, gttFactor),
		"start_time":       session.StartTime.Format(time.RFC3339),
	}
	if session.ExpectedEndTime != nil {
		data["expected_end_time"] = session.ExpectedEndTime.Format(time.RFC3339)
	}

	return models.OkResult("Session initialized", data)
}

// refreshCache 更新设备实时快照与活动报警缓存（尽力而为）
func (g *Gateway) refreshCache(ctx context.Context, deviceID string, session *models.InfusionSession) {
	snapshot := &cache.PoleSnapshot{
		DeviceID:          deviceID,
		PatientID:         session.PatientID,
		SessionID:         session.SessionID,
		RemainingVolumeML: session.RemainingVolumeML,
		ConsumedVolumeML:  session.ConsumedVolumeML,
		Percentage:        session.CompletionPercentage(),
		MeasuredFlowRate:  session.MeasuredFlowRate,
		DeviationPercent:  session.DeviationPercent,
		SensorState:       session.SensorState,
	}
	if err := g.cache.SetSnapshot(ctx, snapshot); err != nil {
		g.logger.Warn("Failed to cache telemetry snapshot",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
	}

	alerts, err := g.alerts.ListUnacknowledgedBySession(ctx, session.SessionID)
	if err != nil {
		g.logger.Warn("Failed to load active alerts for cache",
			zap.String("session_id", session.SessionID),
			zap.Error(err),
		)
		return
	}
	if err := g.cache.SetActiveAlerts(ctx, deviceID, alerts); err != nil {
		g.logger.Warn("Failed to cache active alerts",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
	}
}

// broadcastTelemetry 遥测更新扇出：单设备、单患者、全局患者流
func (g *Gateway) broadcastTelemetry(deviceID string, session *models.InfusionSession) {
	payload := map[string]interface{}{
		"type":                "telemetry_update",
		"device_id":           deviceID,
		"session_id":          session.SessionID,
		"patient_id":          session.PatientID,
		"total_volume_ml":     session.TotalVolumeML,
		"remaining_volume_ml": session.RemainingVolumeML,
		"consumed_volume_ml":  session.ConsumedVolumeML,
		"percentage":          session.CompletionPercentage(),
	}
	if session.MeasuredFlowRate != nil {
		payload["measured_flow_rate"] = *session.MeasuredFlowRate
	}
	if session.DeviationPercent != nil {
		payload["deviation_percent"] = *session.DeviationPercent
	}
	if session.SensorState != nil {
		payload["state"] = *session.SensorState
	}

	_ = g.broadcaster.Publish(broadcast.PoleDataTopic(deviceID), payload)
	_ = g.broadcaster.Publish(broadcast.PatientTopic(session.PatientID), payload)
	_ = g.broadcaster.Publish(broadcast.TopicPatients, payload)
}

// broadcastAlert 报警扇出：全局报警流 + 单设备报警主题（设备已知时）
func (g *Gateway) broadcastAlert(deviceID string, patientID *string, alert *models.AlertLog) {
	payload := map[string]interface{}{
		"type":       "alert",
		"alert_id":   alert.AlertID,
		"alert_type": string(alert.AlertType),
		"severity":   string(alert.Severity),
		"message":    alert.Message,
	}
	if alert.SessionID != nil {
		payload["session_id"] = *alert.SessionID
	}
	if deviceID != "" {
		payload["device_id"] = deviceID
	}
	if patientID != nil {
		payload["patient_id"] = *patientID
	}

	_ = g.broadcaster.Publish(broadcast.TopicAlerts, payload)
	if deviceID != "" {
		_ = g.broadcaster.Publish(broadcast.PoleAlertTopic(deviceID), payload)
	}
	if patientID != nil {
		_ = g.broadcaster.Publish(broadcast.PatientTopic(*patientID), payload)
	}
}

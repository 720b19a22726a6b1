package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"smartpole-telemetry/internal/config"
	"smartpole-telemetry/internal/models"
	"smartpole-telemetry/internal/mqtt"
	"smartpole-telemetry/internal/service"

	"go.uber.org/zap"
)

// 入站设备主题。设备号取自主题段，payload 里的 device_id 仅作兜底。
const (
	topicTelemetry = "hospital/pole/+/telemetry"
	topicStatus    = "hospital/pole/+/status"
	topicInit      = "hospital/pole/+/init"
	topicAlert     = "hospital/alert/#"
	topicNurseCall = "hospital/nurse/call/+"
)

// MQTTConsumer 设备上报 MQTT 消费入口
// HTTP 与 MQTT 两条边共享同一套 gateway/liveness 处理逻辑
type MQTTConsumer struct {
	cfg      *config.Config
	client   *mqtt.Client
	gateway  *service.Gateway
	liveness *service.LivenessTracker
	logger   *zap.Logger
}

// NewMQTTConsumer 创建 MQTT 消费者
func NewMQTTConsumer(
	cfg *config.Config,
	client *mqtt.Client,
	gateway *service.Gateway,
	liveness *service.LivenessTracker,
	logger *zap.Logger,
) *MQTTConsumer {
	return &MQTTConsumer{
		cfg:      cfg,
		client:   client,
		gateway:  gateway,
		liveness: liveness,
		logger:   logger,
	}
}

// Start 订阅全部设备主题
func (c *MQTTConsumer) Start(ctx context.Context) error {
	subscriptions := map[string]mqtt.MessageHandler{
		topicTelemetry: func(topic string, payload []byte) error { return c.handleTelemetry(ctx, topic, payload) },
		topicStatus:    func(topic string, payload []byte) error { return c.handleStatus(ctx, topic, payload) },
		topicInit:      func(topic string, payload []byte) error { return c.handleInit(ctx, topic, payload) },
		topicAlert:     func(topic string, payload []byte) error { return c.handleAlert(ctx, topic, payload) },
		topicNurseCall: func(topic string, payload []byte) error { return c.handleNurseCall(ctx, topic, payload) },
	}

	for topic, handler := range subscriptions {
		if err := c.client.Subscribe(topic, c.cfg.MQTT.QoS, handler); err != nil {
			return fmt.Errorf("failed to subscribe %s: %w", topic, err)
		}
		c.logger.Info("Subscribed to device topic", zap.String("topic", topic))
	}

	return nil
}

// Stop 取消订阅
func (c *MQTTConsumer) Stop() {
	topics := []string{topicTelemetry, topicStatus, topicInit, topicAlert, topicNurseCall}
	if err := c.client.Unsubscribe(topics...); err != nil {
		c.logger.Warn("Failed to unsubscribe device topics", zap.Error(err))
	}
}

func (c *MQTTConsumer) handleTelemetry(ctx context.Context, topic string, payload []byte) error {
	data, err := decodePayload(payload)
	if err != nil {
		return fmt.Errorf("invalid telemetry payload: %w", err)
	}

	report := models.TelemetryReportFromMap(data)
	if deviceID := deviceIDFromTopic(topic, 2); deviceID != "" {
		report.DeviceID = deviceID
	}

	result := c.gateway.HandleTelemetry(ctx, report)
	c.logResult("telemetry", topic, result)
	return nil
}

func (c *MQTTConsumer) handleStatus(ctx context.Context, topic string, payload []byte) error {
	data, err := decodePayload(payload)
	if err != nil {
		return fmt.Errorf("invalid status payload: %w", err)
	}

	report := models.PingReportFromMap(data)
	if deviceID := deviceIDFromTopic(topic, 2); deviceID != "" {
		report.DeviceID = deviceID
	}

	result := c.liveness.HandlePing(ctx, report)
	c.logResult("status", topic, result)
	return nil
}

// handleInit 处理设备初始化请求，响应发到 hospital/pole/{id}/init/response
func (c *MQTTConsumer) handleInit(ctx context.Context, topic string, payload []byte) error {
	deviceID := deviceIDFromTopic(topic, 2)
	if deviceID == "" {
		if data, err := decodePayload(payload); err == nil {
			if v, ok := data["device_id"].(string); ok {
				deviceID = v
			}
		}
	}

	result := c.gateway.HandleInit(ctx, deviceID)
	c.logResult("init", topic, result)

	response, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal init response: %w", err)
	}

	responseTopic := fmt.Sprintf("hospital/pole/%s/init/response", deviceID)
	if err := c.client.Publish(responseTopic, c.cfg.MQTT.QoS, false, response); err != nil {
		return fmt.Errorf("failed to publish init response: %w", err)
	}

	return nil
}

func (c *MQTTConsumer) handleAlert(ctx context.Context, topic string, payload []byte) error {
	data, err := decodePayload(payload)
	if err != nil {
		return fmt.Errorf("invalid alert payload: %w", err)
	}

	report := models.AlertReportFromMap(data)
	if report.DeviceID == "" {
		// hospital/alert/{pole_id} 形式允许从主题补设备号
		report.DeviceID = deviceIDFromTopic(topic, 2)
	}

	result := c.gateway.HandleAlertReport(ctx, report)
	c.logResult("alert", topic, result)
	return nil
}

func (c *MQTTConsumer) handleNurseCall(ctx context.Context, topic string, payload []byte) error {
	patientID := deviceIDFromTopic(topic, 3)

	var sessionID *string
	if data, err := decodePayload(payload); err == nil {
		if v, ok := data["session_id"].(string); ok && v != "" {
			sessionID = &v
		}
		if patientID == "" {
			if v, ok := data["patient_id"].(string); ok {
				patientID = v
			}
		}
	}

	result := c.gateway.HandleNurseCall(ctx, patientID, sessionID)
	c.logResult("nurse_call", topic, result)
	return nil
}

func (c *MQTTConsumer) logResult(kind, topic string, result *models.Result) {
	if result.Status == models.StatusError {
		c.logger.Warn("Device message rejected",
			zap.String("kind", kind),
			zap.String("topic", topic),
			zap.String("message", result.Message),
		)
		return
	}
	c.logger.Debug("Device message processed",
		zap.String("kind", kind),
		zap.String("topic", topic),
	)
}

// decodePayload 解析扁平 JSON 载荷
func decodePayload(payload []byte) (map[string]interface{}, error) {
	var data map[string]interface{}
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// deviceIDFromTopic 取主题的第 index 段（如 hospital/pole/{id}/telemetry 的 id 在第 2 段）
func deviceIDFromTopic(topic string, index int) string {
	parts := strings.Split(topic, "/")
	if len(parts) <= index {
		return ""
	}
	return parts[index]
}

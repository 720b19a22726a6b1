package broadcast

import (
	"encoding/json"
	"fmt"
	"time"

	"smartpole-telemetry/internal/mqtt"

	"go.uber.org/zap"
)

// 出站广播主题。payload 为扁平 key/value 结构，均带 timestamp。
const (
	TopicPatients   = "hospital/patients"     // 全患者汇总流（前端单主题订阅）
	TopicPoleStatus = "hospital/poles/status" // 设备状态流（ping/离线切换）
	TopicAlerts     = "hospital/alerts"       // 全局报警流
)

// PoleDataTopic 单设备遥测主题
func PoleDataTopic(poleID string) string {
	return fmt.Sprintf("hospital/pole/%s/data", poleID)
}

// PoleAlertTopic 单设备报警主题
func PoleAlertTopic(poleID string) string {
	return fmt.Sprintf("hospital/pole/%s/alert", poleID)
}

// PatientTopic 单患者主题
func PatientTopic(patientID string) string {
	return fmt.Sprintf("hospital/patient/%s", patientID)
}

// Broadcaster 状态变更事件的发布/订阅扇出
// 至多一次投递、无持久化、无重试；零订阅者的发布视为成功。
// 接口隔离传输实现，后续可替换为持久化队列而不触及摄入逻辑。
type Broadcaster interface {
	Publish(topic string, payload map[string]interface{}) error
}

// MQTTBroadcaster 基于 MQTT 的广播实现
type MQTTBroadcaster struct {
	client *mqtt.Client
	qos    byte
	logger *zap.Logger
}

// NewMQTTBroadcaster 创建 MQTT 广播器
func NewMQTTBroadcaster(client *mqtt.Client, qos byte, logger *zap.Logger) *MQTTBroadcaster {
	return &MQTTBroadcaster{
		client: client,
		qos:    qos,
		logger: logger,
	}
}

// Publish 发布事件（尽力而为：失败只记日志，不向上传播）
func (b *MQTTBroadcaster) Publish(topic string, payload map[string]interface{}) error {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	if _, ok := payload["timestamp"]; !ok {
		payload["timestamp"] = time.Now().Format(time.RFC3339)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("Failed to marshal broadcast payload",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return nil
	}

	if err := b.client.Publish(topic, b.qos, false, data); err != nil {
		b.logger.Error("Failed to publish broadcast",
			zap.String("topic", topic),
			zap.Error(err),
		)
	}

	return nil
}

package consumer

import (
	mqttclient "accident-alert/internal/mqtt"
)

// Bus 消息总线（由 mqtt.Client 实现）
type Bus interface {
	Subscribe(topic string, qos byte, handler mqttclient.MessageHandler) error
	Unsubscribe(topics ...string) error
	Publish(topic string, qos byte, retained bool, payload []byte) error
	IsConnected() bool
}

// Topics 设备主题
type Topics struct {
	Motion   string
	Location string
	Response string
	Call     string // 通配：<root>/call/+
	Status   string
}

// NewTopics 根据主题根生成各主题
func NewTopics(root string) Topics {
	return Topics{
		Motion:   root + "/motion",
		Location: root + "/location",
		Response: root + "/response",
		Call:     root + "/call/+",
		Status:   root + "/status",
	}
}

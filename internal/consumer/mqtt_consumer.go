package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"accident-alert/internal/confirmation"
	"accident-alert/internal/gateway"
	"accident-alert/internal/location"
	"accident-alert/internal/models"

	"go.uber.org/zap"
)

// ResponseHandler 用户响应（确认安全 / 求助）
type ResponseHandler interface {
	ConfirmSafe() (confirmation.Outcome, error)
	RequestHelp() (confirmation.Outcome, error)
}

// CallStatusHandler 呼叫状态处理
type CallStatusHandler interface {
	HandleCallStatus(status gateway.CallStatus) error
}

// Routes 各主题的消息去向（nil 表示忽略该主题）
type Routes struct {
	Motion    *MQTTMotionSource
	Locations location.FixSink
	Responses ResponseHandler
	Calls     CallStatusHandler
}

// userResponse 用户响应消息
type userResponse struct {
	Action string `json:"action"` // safe | help
}

// MQTTConsumer MQTT消息消费者
type MQTTConsumer struct {
	bus    Bus
	topics Topics
	qos    byte
	routes Routes
	logger *zap.Logger
}

// NewMQTTConsumer 创建MQTT消费者
func NewMQTTConsumer(bus Bus, topics Topics, qos byte, routes Routes, logger *zap.Logger) *MQTTConsumer {
	return &MQTTConsumer{
		bus:    bus,
		topics: topics,
		qos:    qos,
		routes: routes,
		logger: logger,
	}
}

// Start 订阅所有主题
func (c *MQTTConsumer) Start(ctx context.Context) error {
	subs := []struct {
		topic   string
		handler func(topic string, payload []byte) error
	}{
		{c.topics.Motion, c.handleMotion},
		{c.topics.Location, c.handleLocation},
		{c.topics.Response, c.handleResponse},
		{c.topics.Call, c.handleCallStatus},
	}
	for _, s := range subs {
		if err := c.bus.Subscribe(s.topic, c.qos, s.handler); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", s.topic, err)
		}
	}

	c.logger.Info("MQTT consumer started",
		zap.String("motion_topic", c.topics.Motion),
		zap.String("location_topic", c.topics.Location),
		zap.String("response_topic", c.topics.Response),
		zap.String("call_topic", c.topics.Call),
	)
	return nil
}

// Stop 取消订阅
func (c *MQTTConsumer) Stop(ctx context.Context) error {
	if err := c.bus.Unsubscribe(c.topics.Motion, c.topics.Location, c.topics.Response, c.topics.Call); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	c.logger.Info("MQTT consumer stopped")
	return nil
}

// handleMotion 单个采样或采样数组
func (c *MQTTConsumer) handleMotion(topic string, payload []byte) error {
	if c.routes.Motion == nil {
		return nil
	}

	var samples []models.MotionSample
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &samples); err != nil {
			return fmt.Errorf("failed to unmarshal motion batch: %w", err)
		}
	} else {
		var s models.MotionSample
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return fmt.Errorf("failed to unmarshal motion sample: %w", err)
		}
		samples = append(samples, s)
	}

	for _, s := range samples {
		c.routes.Motion.Push(s)
	}
	return nil
}

// handleLocation 设备上报的定位（未标明来源时按 secondary 处理）
func (c *MQTTConsumer) handleLocation(topic string, payload []byte) error {
	if c.routes.Locations == nil {
		return nil
	}

	var fix models.LocationFix
	if err := json.Unmarshal(payload, &fix); err != nil {
		return fmt.Errorf("failed to unmarshal location fix: %w", err)
	}
	if fix.Source == "" {
		fix.Source = models.LocationSourceSecondary
	}
	c.routes.Locations.OnFix(fix)
	return nil
}

func (c *MQTTConsumer) handleResponse(topic string, payload []byte) error {
	if c.routes.Responses == nil {
		return nil
	}

	var resp userResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return fmt.Errorf("failed to unmarshal user response: %w", err)
	}

	var err error
	switch strings.ToLower(resp.Action) {
	case "safe":
		_, err = c.routes.Responses.ConfirmSafe()
	case "help":
		_, err = c.routes.Responses.RequestHelp()
	default:
		return fmt.Errorf("unknown response action %q", resp.Action)
	}
	if err != nil {
		c.logger.Info("User response ignored",
			zap.String("action", resp.Action),
			zap.Error(err),
		)
	}
	return nil
}

// handleCallStatus 主题格式: <root>/call/{call_id}
func (c *MQTTConsumer) handleCallStatus(topic string, payload []byte) error {
	if c.routes.Calls == nil {
		return nil
	}

	var status gateway.CallStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		return fmt.Errorf("failed to unmarshal call status: %w", err)
	}
	if status.CallID == "" {
		status.CallID = topic[strings.LastIndex(topic, "/")+1:]
	}
	return c.routes.Calls.HandleCallStatus(status)
}

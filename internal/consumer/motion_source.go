package consumer

import (
	"context"

	"accident-alert/internal/metrics"
	"accident-alert/internal/models"
)

const motionBuffer = 256

// MQTTMotionSource 通过 MQTT 接收的运动采样（实现 detector.MotionSource）
type MQTTMotionSource struct {
	bus     Bus
	samples chan models.MotionSample
}

// NewMQTTMotionSource 创建运动采样源
func NewMQTTMotionSource(bus Bus) *MQTTMotionSource {
	return &MQTTMotionSource{
		bus:     bus,
		samples: make(chan models.MotionSample, motionBuffer),
	}
}

// Available 总线已连接时可用
func (s *MQTTMotionSource) Available() bool {
	return s.bus != nil && s.bus.IsConnected()
}

// Samples 采样通道
func (s *MQTTMotionSource) Samples(ctx context.Context) (<-chan models.MotionSample, error) {
	return s.samples, nil
}

// Push 写入采样（缓冲区满时丢弃，不阻塞消息回调）
func (s *MQTTMotionSource) Push(sample models.MotionSample) bool {
	select {
	case s.samples <- sample:
		return true
	default:
		metrics.SamplesTotal.WithLabelValues("dropped").Inc()
		return false
	}
}

package consumer

import (
	"encoding/json"
	"fmt"
	"time"

	"accident-alert/internal/models"
)

// StatusMessage 发布到设备的状态消息
type StatusMessage struct {
	State     string             `json:"state"` // pending | cancelled | escalated | report
	RunID     string             `json:"run_id"`
	GForce    float64            `json:"g_force,omitempty"`
	Location  models.Coordinates `json:"location"`
	Deadline  *time.Time         `json:"deadline,omitempty"`
	Summary   string             `json:"summary,omitempty"`
	Timestamp time.Time          `json:"ts"`
}

// StatusPublisher 状态发布器
type StatusPublisher struct {
	bus   Bus
	topic string
	qos   byte
}

// NewStatusPublisher 创建状态发布器
func NewStatusPublisher(bus Bus, topic string, qos byte) *StatusPublisher {
	return &StatusPublisher{bus: bus, topic: topic, qos: qos}
}

// Publish 发布状态
func (p *StatusPublisher) Publish(msg StatusMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	return p.bus.Publish(p.topic, p.qos, false, payload)
}

// SummarizeReport 报告摘要，如 "calling=answered facilities=exhausted fallback=answered"
func SummarizeReport(report *models.EscalationReport) string {
	if report == nil {
		return ""
	}
	if report.Aborted {
		return "aborted"
	}
	s := fmt.Sprintf("messaging=%s calling=%s facilities=%s",
		report.Messaging.Status, report.Calling.Status, report.Facilities.Status)
	if fb := report.EmergencyFallback; fb != nil {
		result := "unanswered"
		if fb.Answered {
			result = "answered"
		}
		s += " fallback=" + result
	}
	return s
}

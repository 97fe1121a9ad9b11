package models

import "time"

// EscalationRequest 升级请求（由确认控制器生成，调度器至多消费一次）
type EscalationRequest struct {
	ID            string      `json:"id"`
	Location      Coordinates `json:"location"`
	GForce        float64     `json:"g_force"`
	CreatedAt     time.Time   `json:"created_at"`
	Confirmed     bool        `json:"confirmed"`
	AutoTriggered bool        `json:"auto_triggered"`
}

// Contact 紧急联系人
type Contact struct {
	Name        string `json:"name" validate:"required,max=100"`
	PhoneNumber string `json:"phone_number" validate:"required,min=3,max=25"`
	Priority    int    `json:"priority" validate:"min=1"` // 1 = 最高
	Active      bool   `json:"active"`
}

// Facility 医疗机构
type Facility struct {
	Name        string  `json:"name"`
	PhoneNumber string  `json:"phone_number"`
	DistanceKm  float64 `json:"distance_km"`
}

// CallOutcome 单次呼叫结果
type CallOutcome struct {
	Target        string `json:"target"`
	PhoneNumber   string `json:"phone_number"`
	Initiated     bool   `json:"initiated"`
	Answered      bool   `json:"answered"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// MessageOutcome 单条短信结果
type MessageOutcome struct {
	Target        string `json:"target"`
	PhoneNumber   string `json:"phone_number"`
	Delivered     bool   `json:"delivered"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// TrackStatus 调度轨道的最终状态
type TrackStatus string

const (
	TrackCompleted            TrackStatus = "completed"              // 短信轨道：所有联系人都已尝试
	TrackAnswered             TrackStatus = "answered"               // 呼叫轨道：有人接听
	TrackExhausted            TrackStatus = "exhausted"              // 呼叫轨道：尝试次数用尽无人接听
	TrackAborted              TrackStatus = "aborted"                // 用户确认安全后中止
	TrackNoContactsConfigured TrackStatus = "no_contacts_configured" // 未配置联系人
	TrackNoFacilitiesFound    TrackStatus = "no_facilities_found"    // 附近无医疗机构
)

// TrackReport 单条轨道的报告
type TrackReport struct {
	Status   TrackStatus      `json:"status"`
	Calls    []CallOutcome    `json:"calls,omitempty"`
	Messages []MessageOutcome `json:"messages,omitempty"`
}

// EscalationReport 调度报告
type EscalationReport struct {
	RequestID         string            `json:"request_id"`
	Request           EscalationRequest `json:"request"`
	Messaging         TrackReport       `json:"messaging"`
	Calling           TrackReport       `json:"calling"`
	Facilities        TrackReport       `json:"facilities"`
	EmergencyFallback *CallOutcome      `json:"emergency_fallback,omitempty"`
	Aborted           bool              `json:"aborted"`
	StartedAt         time.Time         `json:"started_at"`
	FinishedAt        time.Time         `json:"finished_at"`
}

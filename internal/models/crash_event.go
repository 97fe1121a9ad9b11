package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// 事件类型
const (
	EventTypeCrashCandidate    = "crash_candidate"
	EventTypeFalsePositive     = "false_positive"
	EventTypeCancelled         = "cancelled"
	EventTypeEscalated         = "escalated"
	EventTypeEscalationReport  = "escalation_report"
	EventTypeEscalationAborted = "escalation_aborted"
)

// CrashEvent 碰撞事件记录（对应 crash_events 表）
type CrashEvent struct {
	EventID   string          `json:"event_id" db:"event_id"`
	EventType string          `json:"event_type" db:"event_type"`
	RunID     string          `json:"run_id" db:"run_id"`
	GForce    float64         `json:"g_force" db:"g_force"`
	Latitude  *float64        `json:"latitude,omitempty" db:"latitude"`   // 位置未知时为 NULL
	Longitude *float64        `json:"longitude,omitempty" db:"longitude"` // 位置未知时为 NULL
	Payload   json.RawMessage `json:"payload" db:"payload"`               // JSONB
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// NewCrashEvent 构建事件记录（payload 序列化为 JSON；位置未知时经纬度留空）
func NewCrashEvent(eventType, runID string, gForce float64, loc Coordinates, payload interface{}, at time.Time) (*CrashEvent, error) {
	event := &CrashEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		RunID:     runID,
		GForce:    gForce,
		Payload:   json.RawMessage("{}"),
		CreatedAt: at,
	}
	if loc.Known {
		lat, lon := loc.Latitude, loc.Longitude
		event.Latitude = &lat
		event.Longitude = &lon
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		event.Payload = data
	}
	return event, nil
}

// Location 事件坐标
func (e *CrashEvent) Location() Coordinates {
	if e.Latitude == nil || e.Longitude == nil {
		return UnknownLocation()
	}
	return Coordinates{Latitude: *e.Latitude, Longitude: *e.Longitude, Known: true}
}

package dispatcher

import (
	"context"

	"accident-alert/internal/models"
)

// CallEventKind 呼叫状态
type CallEventKind int

const (
	CallRinging CallEventKind = iota
	CallAnswered
	CallEnded
)

// String 状态名称
func (k CallEventKind) String() string {
	switch k {
	case CallRinging:
		return "ringing"
	case CallAnswered:
		return "answered"
	case CallEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// CallEvent 呼叫状态事件（WasAnswered 仅对 CallEnded 有意义）
type CallEvent struct {
	Kind        CallEventKind
	WasAnswered bool
}

// CallHandle 已发起呼叫的句柄
type CallHandle interface {
	ID() string
	Events() <-chan CallEvent
}

// Caller 电话能力
type Caller interface {
	PlaceCall(ctx context.Context, number string) (CallHandle, error)
}

// Messenger 短信能力
type Messenger interface {
	SendMessage(ctx context.Context, number, body string) (bool, error)
}

// Directory 联系人与医疗机构目录
type Directory interface {
	ListActiveContacts(ctx context.Context) ([]models.Contact, error)
	ListFacilities(ctx context.Context, lat, lon float64, radiusKm int) ([]models.Facility, error)
}

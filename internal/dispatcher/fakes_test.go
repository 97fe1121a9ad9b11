package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"accident-alert/internal/models"
)

// fakeHandle 预先写入事件的呼叫句柄
type fakeHandle struct {
	id     string
	events chan CallEvent
}

func (h *fakeHandle) ID() string               { return h.id }
func (h *fakeHandle) Events() <-chan CallEvent { return h.events }

type placedCall struct {
	number string
	at     time.Time
}

// fakeCaller answers 中的号码会立即接听，fail 中的号码发起失败，其他号码一直振铃
type fakeCaller struct {
	mu      sync.Mutex
	answers map[string]bool
	fail    map[string]bool
	placed  []placedCall
}

func newFakeCaller(answering ...string) *fakeCaller {
	c := &fakeCaller{answers: map[string]bool{}, fail: map[string]bool{}}
	for _, n := range answering {
		c.answers[n] = true
	}
	return c
}

func (c *fakeCaller) PlaceCall(ctx context.Context, number string) (CallHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.placed = append(c.placed, placedCall{number: number, at: time.Now()})
	if c.fail[number] {
		return nil, errors.New("line busy")
	}

	h := &fakeHandle{id: fmt.Sprintf("call-%d", len(c.placed)), events: make(chan CallEvent, 2)}
	h.events <- CallEvent{Kind: CallRinging}
	if c.answers[number] {
		h.events <- CallEvent{Kind: CallAnswered}
	}
	return h, nil
}

func (c *fakeCaller) numbers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.placed))
	for _, p := range c.placed {
		out = append(out, p.number)
	}
	return out
}

func (c *fakeCaller) times() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Time, 0, len(c.placed))
	for _, p := range c.placed {
		out = append(out, p.at)
	}
	return out
}

type sentMessage struct {
	number string
	body   string
}

type fakeMessenger struct {
	mu   sync.Mutex
	fail map[string]bool
	sent []sentMessage
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{fail: map[string]bool{}}
}

func (m *fakeMessenger) SendMessage(ctx context.Context, number, body string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMessage{number: number, body: body})
	if m.fail[number] {
		return false, errors.New("sms gateway rejected")
	}
	return true, nil
}

func (m *fakeMessenger) messages() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMessage(nil), m.sent...)
}

type fakeDirectory struct {
	contacts   []models.Contact
	facilities []models.Facility
	err        error

	mu            sync.Mutex
	facilityCalls int
	lastRadius    int
}

func (d *fakeDirectory) ListActiveContacts(ctx context.Context) ([]models.Contact, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.contacts, nil
}

func (d *fakeDirectory) ListFacilities(ctx context.Context, lat, lon float64, radiusKm int) ([]models.Facility, error) {
	d.mu.Lock()
	d.facilityCalls++
	d.lastRadius = radiusKm
	d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	return d.facilities, nil
}

package consumer

import (
	"sync"

	"accident-alert/internal/confirmation"
	"accident-alert/internal/gateway"
	mqttclient "accident-alert/internal/mqtt"
	"accident-alert/internal/models"
)

type published struct {
	topic   string
	payload []byte
}

type fakeBus struct {
	mu        sync.Mutex
	connected bool
	handlers  map[string]mqttclient.MessageHandler
	published []published
	unsubbed  []string
}

func newFakeBus() *fakeBus {
	return &fakeBus{connected: true, handlers: make(map[string]mqttclient.MessageHandler)}
}

func (b *fakeBus) Subscribe(topic string, qos byte, handler mqttclient.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = handler
	return nil
}

func (b *fakeBus) Unsubscribe(topics ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubbed = append(b.unsubbed, topics...)
	return nil
}

func (b *fakeBus) Publish(topic string, qos byte, retained bool, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, published{topic: topic, payload: payload})
	return nil
}

func (b *fakeBus) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// deliver 模拟 broker 投递（subscription 为订阅时的主题过滤器）
func (b *fakeBus) deliver(subscription, topic string, payload []byte) error {
	b.mu.Lock()
	h := b.handlers[subscription]
	b.mu.Unlock()
	return h(topic, payload)
}

type fakeSink struct {
	fixes []models.LocationFix
}

func (s *fakeSink) OnFix(fix models.LocationFix) bool {
	s.fixes = append(s.fixes, fix)
	return true
}

type fakeResponses struct {
	safe, help int
}

func (r *fakeResponses) ConfirmSafe() (confirmation.Outcome, error) {
	r.safe++
	return confirmation.Outcome{State: confirmation.StateCancelled}, nil
}

func (r *fakeResponses) RequestHelp() (confirmation.Outcome, error) {
	r.help++
	return confirmation.Outcome{}, confirmation.ErrNotPending
}

type fakeCalls struct {
	statuses []gateway.CallStatus
}

func (c *fakeCalls) HandleCallStatus(status gateway.CallStatus) error {
	c.statuses = append(c.statuses, status)
	return nil
}

// Package gateway 电话/短信网关客户端
//
// 呼叫与短信通过 HTTP 提交；呼叫状态异步到达（MQTT），由 HandleCallStatus 路由到对应的呼叫句柄。
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"accident-alert/internal/dispatcher"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// ErrCapabilityUnavailable 未配置网关，无法呼叫或发送短信
var ErrCapabilityUnavailable = errors.New("telephony gateway unavailable")

const (
	handleBuffer = 8

	// 响应返回前到达的状态：最多缓存 maxEarlyCalls 个呼叫，超过 earlyTTL 的丢弃
	maxEarlyCalls = 64
	earlyTTL      = 2 * time.Minute

	// 最近结束的呼叫，其迟到或重复的状态直接丢弃
	maxEndedCalls = 256
)

// Config 网关配置
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type callRequest struct {
	To string `json:"to"`
}

type callResponse struct {
	CallID string `json:"call_id"`
}

type messageRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

type messageResponse struct {
	Delivered bool   `json:"delivered"`
	Error     string `json:"error,omitempty"`
}

// CallStatus 网关推送的呼叫状态
type CallStatus struct {
	CallID   string `json:"call_id"`
	Status   string `json:"status"`
	Answered bool   `json:"answered,omitempty"`
}

// Gateway 电话/短信网关（实现 dispatcher.Caller 与 dispatcher.Messenger）
type Gateway struct {
	httpClient *resty.Client
	logger     *zap.Logger

	mu         sync.Mutex
	calls      map[string]*callHandle
	early      map[string]*earlyEntry
	ended      map[string]struct{}
	endedOrder []string
	now        func() time.Time
}

// earlyEntry 尚无句柄的呼叫状态
type earlyEntry struct {
	events []dispatcher.CallEvent
	at     time.Time
}

// New 创建网关客户端（BaseURL 为空时所有操作返回 ErrCapabilityUnavailable）
func New(cfg Config, logger *zap.Logger) *Gateway {
	g := &Gateway{
		logger: logger,
		calls:  make(map[string]*callHandle),
		early:  make(map[string]*earlyEntry),
		ended:  make(map[string]struct{}),
		now:    time.Now,
	}
	if cfg.BaseURL == "" {
		return g
	}

	g.httpClient = resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		g.httpClient.SetAuthToken(cfg.APIKey)
	}
	return g
}

// Available 是否配置了网关
func (g *Gateway) Available() bool {
	return g.httpClient != nil
}

// PlaceCall 发起呼叫
func (g *Gateway) PlaceCall(ctx context.Context, number string) (dispatcher.CallHandle, error) {
	if !g.Available() {
		return nil, ErrCapabilityUnavailable
	}

	var result callResponse
	resp, err := g.httpClient.R().
		SetContext(ctx).
		SetBody(callRequest{To: number}).
		SetResult(&result).
		Post("/calls")
	if err != nil {
		return nil, fmt.Errorf("failed to place call: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("gateway rejected call: status %d", resp.StatusCode())
	}
	if result.CallID == "" {
		return nil, fmt.Errorf("gateway returned empty call_id")
	}

	h := &callHandle{id: result.CallID, events: make(chan dispatcher.CallEvent, handleBuffer)}

	g.mu.Lock()
	g.calls[h.id] = h
	var early []dispatcher.CallEvent
	if entry, ok := g.early[h.id]; ok && g.now().Sub(entry.at) <= earlyTTL {
		early = entry.events
	}
	delete(g.early, h.id)
	g.mu.Unlock()

	// 响应返回前已到达的状态
	for _, ev := range early {
		g.deliver(h, ev)
	}

	g.logger.Info("Call placed",
		zap.String("call_id", h.id),
		zap.String("phone_number", number),
	)
	return h, nil
}

// SendMessage 发送短信，返回网关是否确认送达
func (g *Gateway) SendMessage(ctx context.Context, number, body string) (bool, error) {
	if !g.Available() {
		return false, ErrCapabilityUnavailable
	}

	var result messageResponse
	resp, err := g.httpClient.R().
		SetContext(ctx).
		SetBody(messageRequest{To: number, Body: body}).
		SetResult(&result).
		Post("/messages")
	if err != nil {
		return false, fmt.Errorf("failed to send message: %w", err)
	}
	if resp.IsError() {
		return false, fmt.Errorf("gateway rejected message: status %d", resp.StatusCode())
	}
	if !result.Delivered && result.Error != "" {
		return false, fmt.Errorf("message not delivered: %s", result.Error)
	}
	return result.Delivered, nil
}

// HandleCallStatus 路由网关推送的呼叫状态
func (g *Gateway) HandleCallStatus(status CallStatus) error {
	if status.CallID == "" {
		return fmt.Errorf("call_id is required")
	}
	ev, err := parseStatus(status)
	if err != nil {
		return err
	}

	g.mu.Lock()
	if h, ok := g.calls[status.CallID]; ok {
		g.mu.Unlock()
		g.deliver(h, ev)
		return nil
	}
	if _, done := g.ended[status.CallID]; done {
		g.mu.Unlock()
		g.logger.Debug("Dropping status for ended call",
			zap.String("call_id", status.CallID),
			zap.String("status", status.Status),
		)
		return nil
	}
	g.bufferEarlyLocked(status.CallID, ev)
	g.mu.Unlock()
	return nil
}

// bufferEarlyLocked 缓存尚无句柄的状态（调用方持有锁）
func (g *Gateway) bufferEarlyLocked(callID string, ev dispatcher.CallEvent) {
	now := g.now()
	if entry, ok := g.early[callID]; ok {
		entry.events = append(entry.events, ev)
		return
	}

	var oldestID string
	var oldest time.Time
	for id, entry := range g.early {
		if now.Sub(entry.at) > earlyTTL {
			delete(g.early, id)
			continue
		}
		if oldestID == "" || entry.at.Before(oldest) {
			oldestID, oldest = id, entry.at
		}
	}
	if len(g.early) >= maxEarlyCalls {
		delete(g.early, oldestID)
	}
	g.early[callID] = &earlyEntry{events: []dispatcher.CallEvent{ev}, at: now}
}

func (g *Gateway) deliver(h *callHandle, ev dispatcher.CallEvent) {
	h.send(ev)
	if ev.Kind == dispatcher.CallEnded {
		g.mu.Lock()
		delete(g.calls, h.id)
		g.markEndedLocked(h.id)
		g.mu.Unlock()
		h.close()
	}
}

func (g *Gateway) markEndedLocked(callID string) {
	if _, ok := g.ended[callID]; ok {
		return
	}
	g.ended[callID] = struct{}{}
	g.endedOrder = append(g.endedOrder, callID)
	if len(g.endedOrder) > maxEndedCalls {
		delete(g.ended, g.endedOrder[0])
		g.endedOrder = g.endedOrder[1:]
	}
}

func parseStatus(s CallStatus) (dispatcher.CallEvent, error) {
	switch strings.ToLower(s.Status) {
	case "ringing", "initiated", "queued":
		return dispatcher.CallEvent{Kind: dispatcher.CallRinging}, nil
	case "answered", "in-progress", "in_progress":
		return dispatcher.CallEvent{Kind: dispatcher.CallAnswered}, nil
	case "completed", "ended":
		return dispatcher.CallEvent{Kind: dispatcher.CallEnded, WasAnswered: s.Answered}, nil
	case "no-answer", "no_answer", "busy", "failed", "canceled", "cancelled", "rejected":
		return dispatcher.CallEvent{Kind: dispatcher.CallEnded}, nil
	default:
		return dispatcher.CallEvent{}, fmt.Errorf("unknown call status %q", s.Status)
	}
}

// callHandle 单次呼叫的事件通道
type callHandle struct {
	id     string
	mu     sync.Mutex
	closed bool
	events chan dispatcher.CallEvent
}

func (h *callHandle) ID() string                          { return h.id }
func (h *callHandle) Events() <-chan dispatcher.CallEvent { return h.events }

func (h *callHandle) send(ev dispatcher.CallEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	select {
	case h.events <- ev:
	default:
		// 没有人在等待（例如已超时），丢弃
	}
}

func (h *callHandle) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.events)
	}
}

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"accident-alert/internal/dispatcher"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestGateway(t *testing.T, handler http.HandlerFunc) *Gateway {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(Config{BaseURL: server.URL, APIKey: "token", Timeout: time.Second}, zap.NewNop())
}

func TestGateway_Unavailable(t *testing.T) {
	g := New(Config{}, zap.NewNop())
	assert.False(t, g.Available())

	_, err := g.PlaceCall(context.Background(), "+100")
	assert.ErrorIs(t, err, ErrCapabilityUnavailable)

	_, err = g.SendMessage(context.Background(), "+100", "hello")
	assert.ErrorIs(t, err, ErrCapabilityUnavailable)
}

func TestGateway_SendMessage(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))

		var req messageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		if req.To == "+999" {
			json.NewEncoder(w).Encode(messageResponse{Error: "unreachable"})
			return
		}
		json.NewEncoder(w).Encode(messageResponse{Delivered: true})
	})

	ok, err := g.SendMessage(context.Background(), "+100", "crash")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.SendMessage(context.Background(), "+999", "crash")
	assert.ErrorContains(t, err, "unreachable")
	assert.False(t, ok)
}

func TestGateway_PlaceCallRoutesStatus(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/calls", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(callResponse{CallID: "call-42"})
	})

	h, err := g.PlaceCall(context.Background(), "+100")
	require.NoError(t, err)
	assert.Equal(t, "call-42", h.ID())

	require.NoError(t, g.HandleCallStatus(CallStatus{CallID: "call-42", Status: "ringing"}))
	require.NoError(t, g.HandleCallStatus(CallStatus{CallID: "call-42", Status: "completed", Answered: true}))

	ev := <-h.Events()
	assert.Equal(t, dispatcher.CallRinging, ev.Kind)
	ev = <-h.Events()
	assert.Equal(t, dispatcher.CallEnded, ev.Kind)
	assert.True(t, ev.WasAnswered)

	_, open := <-h.Events()
	assert.False(t, open)
}

func TestGateway_EarlyStatusIsReplayed(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(callResponse{CallID: "call-7"})
	})

	// 状态先于 HTTP 响应到达
	require.NoError(t, g.HandleCallStatus(CallStatus{CallID: "call-7", Status: "answered"}))

	h, err := g.PlaceCall(context.Background(), "+100")
	require.NoError(t, err)

	select {
	case ev := <-h.Events():
		assert.Equal(t, dispatcher.CallAnswered, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("early status not replayed")
	}
}

func TestGateway_RejectedCall(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := g.PlaceCall(context.Background(), "+100")
	assert.ErrorContains(t, err, "status 503")
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		status string
		kind   dispatcher.CallEventKind
	}{
		{"ringing", dispatcher.CallRinging},
		{"in-progress", dispatcher.CallAnswered},
		{"no-answer", dispatcher.CallEnded},
		{"BUSY", dispatcher.CallEnded},
	}
	for _, tt := range tests {
		ev, err := parseStatus(CallStatus{CallID: "x", Status: tt.status})
		require.NoError(t, err, tt.status)
		assert.Equal(t, tt.kind, ev.Kind, tt.status)
		assert.False(t, ev.WasAnswered)
	}

	_, err := parseStatus(CallStatus{CallID: "x", Status: "teleported"})
	assert.Error(t, err)
	assert.Error(t, New(Config{}, zap.NewNop()).HandleCallStatus(CallStatus{Status: "ringing"}))
}

// sequentialCalls 依次返回 call-1, call-2, ...
func sequentialCalls(t *testing.T) *Gateway {
	var mu sync.Mutex
	n := 0
	return newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		n++
		id := fmt.Sprintf("call-%d", n)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(callResponse{CallID: id})
	})
}

func TestGateway_DuplicateTerminalStatusDoesNotExhaustEarlyBuffer(t *testing.T) {
	g := sequentialCalls(t)
	ctx := context.Background()

	// 每个呼叫的结束状态重复投递两次（QoS 1 重发）
	for i := 1; i <= maxEarlyCalls+8; i++ {
		h, err := g.PlaceCall(ctx, "+100")
		require.NoError(t, err)
		require.NoError(t, g.HandleCallStatus(CallStatus{CallID: h.ID(), Status: "no-answer"}))
		require.NoError(t, g.HandleCallStatus(CallStatus{CallID: h.ID(), Status: "no-answer"}))
		require.NoError(t, g.HandleCallStatus(CallStatus{CallID: h.ID(), Status: "completed"}))
	}
	assert.Empty(t, g.early)

	next := fmt.Sprintf("call-%d", maxEarlyCalls+9)
	require.NoError(t, g.HandleCallStatus(CallStatus{CallID: next, Status: "answered"}))

	h, err := g.PlaceCall(ctx, "+100")
	require.NoError(t, err)
	require.Equal(t, next, h.ID())

	select {
	case ev := <-h.Events():
		assert.Equal(t, dispatcher.CallAnswered, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("early answered status was dropped")
	}
}

func TestGateway_EarlyBufferEvictsExpiredAndOldest(t *testing.T) {
	g := New(Config{}, zap.NewNop())
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	require.NoError(t, g.HandleCallStatus(CallStatus{CallID: "stale", Status: "ringing"}))
	now = now.Add(earlyTTL + time.Second)

	for i := 0; i < maxEarlyCalls; i++ {
		require.NoError(t, g.HandleCallStatus(CallStatus{CallID: fmt.Sprintf("c-%d", i), Status: "ringing"}))
		now = now.Add(time.Millisecond)
	}
	assert.Len(t, g.early, maxEarlyCalls)
	assert.NotContains(t, g.early, "stale")

	// 满了以后淘汰最早的一条，新状态仍然被缓存
	require.NoError(t, g.HandleCallStatus(CallStatus{CallID: "newest", Status: "answered"}))
	assert.Len(t, g.early, maxEarlyCalls)
	assert.NotContains(t, g.early, "c-0")
	assert.Contains(t, g.early, "newest")
}

func TestGateway_EndedSetIsBounded(t *testing.T) {
	g := New(Config{}, zap.NewNop())
	g.mu.Lock()
	for i := 0; i < maxEndedCalls+10; i++ {
		g.markEndedLocked(fmt.Sprintf("c-%d", i))
	}
	g.mu.Unlock()

	assert.Len(t, g.ended, maxEndedCalls)
	assert.Len(t, g.endedOrder, maxEndedCalls)
	assert.NotContains(t, g.ended, "c-0")
	assert.Contains(t, g.ended, fmt.Sprintf("c-%d", maxEndedCalls+9))
}

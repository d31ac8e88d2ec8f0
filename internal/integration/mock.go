package integration

import (
	"context"
	"sync"

	"github.com/lorawan-server/lorawan-network-server/internal/models"
)

// MockHandler records the events it receives. It is used by tests.
type MockHandler struct {
	mu           sync.Mutex
	UplinkEvents []models.UplinkEvent
	JoinEvents   []models.JoinEvent
	AckEvents    []models.AckEvent
	StatusEvents []models.StatusEvent
	LogEvents    []models.LogEvent
}

// NewMockHandler creates an empty mock handler
func NewMockHandler() *MockHandler {
	return &MockHandler{}
}

func (h *MockHandler) HandleUplinkEvent(ctx context.Context, e models.UplinkEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.UplinkEvents = append(h.UplinkEvents, e)
	return nil
}

func (h *MockHandler) HandleJoinEvent(ctx context.Context, e models.JoinEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.JoinEvents = append(h.JoinEvents, e)
	return nil
}

func (h *MockHandler) HandleAckEvent(ctx context.Context, e models.AckEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.AckEvents = append(h.AckEvents, e)
	return nil
}

func (h *MockHandler) HandleStatusEvent(ctx context.Context, e models.StatusEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.StatusEvents = append(h.StatusEvents, e)
	return nil
}

func (h *MockHandler) HandleLogEvent(ctx context.Context, e models.LogEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.LogEvents = append(h.LogEvents, e)
	return nil
}

// Count returns the total number of recorded events
func (h *MockHandler) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.UplinkEvents) + len(h.JoinEvents) + len(h.AckEvents) + len(h.StatusEvents) + len(h.LogEvents)
}

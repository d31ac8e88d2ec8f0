package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-network-server/internal/config"
	"github.com/lorawan-server/lorawan-network-server/internal/models"
)

// HTTPHandler POSTs the events as JSON to an endpoint. The event name is
// passed in the event query parameter.
type HTTPHandler struct {
	endpoint   string
	headers    map[string]string
	httpClient *http.Client
}

// NewHTTPHandler creates the HTTP handler
func NewHTTPHandler(cfg config.HTTPConfig) *HTTPHandler {
	return &HTTPHandler{
		endpoint:   cfg.Endpoint,
		headers:    cfg.Headers,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func (h *HTTPHandler) post(ctx context.Context, event string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}

	u, err := url.Parse(h.endpoint)
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("event", event)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post %s event: %w", event, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("post %s event: status %d", event, resp.StatusCode)
	}

	log.Debug().Str("endpoint", h.endpoint).Str("event", event).Msg("event forwarded to HTTP")
	return nil
}

func (h *HTTPHandler) HandleUplinkEvent(ctx context.Context, e models.UplinkEvent) error {
	return h.post(ctx, EventUp, e)
}

func (h *HTTPHandler) HandleJoinEvent(ctx context.Context, e models.JoinEvent) error {
	return h.post(ctx, EventJoin, e)
}

func (h *HTTPHandler) HandleAckEvent(ctx context.Context, e models.AckEvent) error {
	return h.post(ctx, EventAck, e)
}

func (h *HTTPHandler) HandleStatusEvent(ctx context.Context, e models.StatusEvent) error {
	return h.post(ctx, EventStatus, e)
}

func (h *HTTPHandler) HandleLogEvent(ctx context.Context, e models.LogEvent) error {
	return h.post(ctx, EventLog, e)
}

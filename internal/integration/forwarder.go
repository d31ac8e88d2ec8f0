package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-network-server/internal/models"
	"github.com/lorawan-server/lorawan-network-server/pkg/crypto"
	"github.com/lorawan-server/lorawan-network-server/pkg/lorawan"
)

// forwardTimeout bounds the handling of one event
const forwardTimeout = 30 * time.Second

// ForwarderService runs in the application server. It receives the device
// events published by the network server, decrypts end-to-end encrypted
// payloads and forwards the events to the external integrations.
type ForwarderService struct {
	nc      *nats.Conn
	handler Handler
	keks    *crypto.KEKRing
}

// NewForwarderService creates the forwarder. keks may be nil when no
// payloads are wrapped.
func NewForwarderService(nc *nats.Conn, handler Handler, keks *crypto.KEKRing) *ForwarderService {
	return &ForwarderService{
		nc:      nc,
		handler: handler,
		keks:    keks,
	}
}

// Start subscribes to the device events and blocks until ctx is done
func (s *ForwarderService) Start(ctx context.Context) error {
	sub, err := s.nc.Subscribe("application.*.device.*.*", s.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe to device events: %w", err)
	}

	log.Info().Msg("Integration forwarder service started")

	<-ctx.Done()
	sub.Unsubscribe()
	return nil
}

func (s *ForwarderService) handleMessage(msg *nats.Msg) {
	parts := strings.Split(msg.Subject, ".")
	if len(parts) != 5 {
		log.Warn().Str("subject", msg.Subject).Msg("Invalid event subject")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
	defer cancel()

	if err := s.Dispatch(ctx, parts[4], msg.Data); err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("Failed to forward event")
	}
}

// Dispatch decodes an event and hands it to the handler
func (s *ForwarderService) Dispatch(ctx context.Context, event string, data []byte) error {
	switch event {
	case EventUp:
		var e models.UplinkEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("unmarshal uplink event: %w", err)
		}
		if err := s.decryptUplink(&e); err != nil {
			return err
		}
		return s.handler.HandleUplinkEvent(ctx, e)
	case EventJoin:
		var e models.JoinEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("unmarshal join event: %w", err)
		}
		return s.handler.HandleJoinEvent(ctx, e)
	case EventAck:
		var e models.AckEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("unmarshal ack event: %w", err)
		}
		return s.handler.HandleAckEvent(ctx, e)
	case EventStatus:
		var e models.StatusEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("unmarshal status event: %w", err)
		}
		return s.handler.HandleStatusEvent(ctx, e)
	case EventLog:
		var e models.LogEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("unmarshal log event: %w", err)
		}
		return s.handler.HandleLogEvent(ctx, e)
	default:
		return fmt.Errorf("unknown event: %s", event)
	}
}

// decryptUplink decrypts the payload of an uplink carrying a wrapped
// AppSKey
func (s *ForwarderService) decryptUplink(e *models.UplinkEvent) error {
	if e.KeyEnvelope == nil || !e.KeyEnvelope.Wrapped() {
		return nil
	}
	if s.keks == nil {
		return fmt.Errorf("uplink with wrapped key %s but no kek configured", e.KeyEnvelope.KEKLabel)
	}

	key, err := s.keks.Unwrap(e.KeyEnvelope.KEKLabel, e.KeyEnvelope.AESKey)
	if err != nil {
		return err
	}
	if len(key) != len(lorawan.AES128Key{}) {
		return fmt.Errorf("unwrapped key has invalid size %d", len(key))
	}

	var appSKey lorawan.AES128Key
	copy(appSKey[:], key)

	data, err := lorawan.EncryptFRMPayload(appSKey, true, e.DevAddr, e.FCnt, e.Data)
	if err != nil {
		return fmt.Errorf("decrypt frm-payload: %w", err)
	}
	e.Data = data
	e.KeyEnvelope = nil
	return nil
}

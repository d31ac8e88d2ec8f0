package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-network-server/internal/models"
)

// Backend sends downlink frames to gateways
type Backend interface {
	SendDownlink(ctx context.Context, frame models.DownlinkFrame) error
}

// Publisher publishes a message on a subject. *nats.Conn implements it.
type Publisher interface {
	Publish(subj string, data []byte) error
}

// NATSBackend publishes the downlink frames on gateway.<id>.tx where the
// gateway bridge picks them up
type NATSBackend struct {
	pub Publisher
}

// NewNATSBackend creates the NATS backend
func NewNATSBackend(pub Publisher) *NATSBackend {
	return &NATSBackend{pub: pub}
}

// SendDownlink implements Backend
func (b *NATSBackend) SendDownlink(ctx context.Context, frame models.DownlinkFrame) error {
	msg, err := NewDownlinkMessage(frame)
	if err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal downlink: %w", err)
	}

	subject := fmt.Sprintf("gateway.%s.tx", frame.GatewayID)
	if err := b.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	log.Debug().
		Str("gateway_id", frame.GatewayID.String()).
		Str("downlink_id", frame.DownlinkID.String()).
		Int("items", len(frame.Items)).
		Msg("downlink published")
	return nil
}

// NewDownlinkMessage converts a downlink frame into the bridge message
// carrying one txpk per transmit opportunity
func NewDownlinkMessage(frame models.DownlinkFrame) (models.GatewayDownlinkMessage, error) {
	msg := models.GatewayDownlinkMessage{
		GatewayID:  frame.GatewayID,
		DownlinkID: frame.DownlinkID,
		Items:      make([]models.GatewayDownlinkItem, 0, len(frame.Items)),
	}

	for i, item := range frame.Items {
		ti := item.TxInfo
		if ti.Modulation.SpreadingFactor == 0 {
			return msg, fmt.Errorf("item %d: only LoRa modulation is supported", i)
		}

		txpk := models.TXPK{
			Imme: ti.Timing.Immediately,
			Freq: float64(ti.Frequency) / 1000000,
			Powe: ti.Power,
			Modu: "LORA",
			DatR: models.NewLoRaDatR(ti.Modulation.SpreadingFactor, ti.Modulation.Bandwidth),
			CodR: ti.Modulation.CodeRate,
			IPol: ti.Modulation.PolarizationInversion,
			Size: len(item.PHYPayload),
			Data: item.PHYPayload,
		}

		gi := models.GatewayDownlinkItem{TXPK: txpk, Context: ti.Context}
		if !ti.Timing.Immediately {
			gi.Delay = ti.Timing.Delay.String()
		}
		msg.Items = append(msg.Items, gi)
	}

	return msg, nil
}

// MockBackend records the frames it is asked to send. It is used by
// tests.
type MockBackend struct {
	mu     sync.Mutex
	Frames []models.DownlinkFrame
	Err    error
}

// NewMockBackend creates an empty mock backend
func NewMockBackend() *MockBackend {
	return &MockBackend{}
}

// SendDownlink implements Backend
func (b *MockBackend) SendDownlink(ctx context.Context, frame models.DownlinkFrame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return b.Err
	}
	b.Frames = append(b.Frames, frame)
	return nil
}

// Sent returns a copy of the recorded frames
func (b *MockBackend) Sent() []models.DownlinkFrame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.DownlinkFrame(nil), b.Frames...)
}

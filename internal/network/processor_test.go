package network

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-network-server/internal/config"
	"github.com/lorawan-server/lorawan-network-server/internal/models"
	"github.com/lorawan-server/lorawan-network-server/internal/network/uplink"
	"github.com/lorawan-server/lorawan-network-server/internal/region"
	"github.com/lorawan-server/lorawan-network-server/internal/storage"
	"github.com/lorawan-server/lorawan-network-server/pkg/lorawan"
)

type recordingHandler struct {
	mu      sync.Mutex
	handled []*models.UplinkFrameSet
	err     error
}

func (h *recordingHandler) HandleUplink(ctx context.Context, ufs *models.UplinkFrameSet) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled = append(h.handled, ufs)
	return h.err
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handled)
}

func newTestProcessor(t *testing.T, handler UplinkHandler) (*Processor, *storage.MemoryStore) {
	regions, err := region.NewRegistry([]config.RegionConfig{
		{ID: "eu868", CommonName: "EU868"},
	})
	require.NoError(t, err)

	store := storage.NewMemoryStore(time.Hour)
	p := NewProcessor(nil, store, regions, handler, config.NetworkConfig{
		DeduplicationDelay: 20 * time.Millisecond,
		Workers:            2,
	})
	return p, store
}

func gatewayUplink(t *testing.T, gatewayID lorawan.EUI64, snr float64) []byte {
	b, err := json.Marshal(models.GatewayUplinkMessage{
		GatewayID: gatewayID,
		RXPK: models.RXPK{
			Time: "2026-03-01T10:00:00.5Z",
			Freq: 868.1,
			Chan: 2,
			Stat: 1,
			Modu: "LORA",
			DatR: models.NewLoRaDatR(7, 125),
			CodR: "4/5",
			RSSI: -80,
			LSNR: snr,
			Size: 3,
			Data: []byte{0x40, 0x01, 0x02},
		},
		Context:        []byte{1, 2, 3, 4},
		Timestamp:      1700000000,
		RegionConfigID: "eu868",
	})
	require.NoError(t, err)
	return b
}

func TestFrameSet(t *testing.T) {
	p, _ := newTestProcessor(t, &recordingHandler{})

	ufs, err := p.frameSet(gatewayUplink(t, gw1, 6.5))
	require.NoError(t, err)

	assert.Equal(t, uint32(868100000), ufs.TxInfo.Frequency)
	assert.Equal(t, 5, ufs.TxInfo.DR)
	assert.Equal(t, "eu868", ufs.RegionConfigID)
	assert.Equal(t, "EU868", ufs.RegionCommonName)
	assert.Equal(t, []byte{0x40, 0x01, 0x02}, ufs.PHYPayload)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 500000000, time.UTC), ufs.ReceivedAt.UTC())

	require.Len(t, ufs.RxInfo, 1)
	rx := ufs.RxInfo[0]
	assert.Equal(t, gw1, rx.GatewayID)
	assert.Equal(t, -80, rx.RSSI)
	assert.Equal(t, 6.5, rx.SNR)
	assert.Equal(t, 2, rx.Channel)
	assert.Equal(t, []byte{1, 2, 3, 4}, rx.Context)
	assert.Equal(t, "4/5", rx.Metadata["code_rate"])
}

func TestFrameSetErrors(t *testing.T) {
	p, _ := newTestProcessor(t, &recordingHandler{})

	tests := []struct {
		name   string
		modify func(*models.GatewayUplinkMessage)
		err    error
	}{
		{"crc error", func(m *models.GatewayUplinkMessage) { m.RXPK.Stat = -1 }, ErrInvalidMessage},
		{"empty payload", func(m *models.GatewayUplinkMessage) { m.RXPK.Data = nil }, ErrInvalidMessage},
		{"fsk", func(m *models.GatewayUplinkMessage) { m.RXPK.DatR = models.DatR{FSK: 50000} }, ErrInvalidMessage},
		{"unknown data-rate", func(m *models.GatewayUplinkMessage) { m.RXPK.DatR = models.NewLoRaDatR(13, 125) }, ErrInvalidMessage},
		{"unknown region", func(m *models.GatewayUplinkMessage) { m.RegionConfigID = "us915" }, region.ErrUnknownRegion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg models.GatewayUplinkMessage
			require.NoError(t, json.Unmarshal(gatewayUplink(t, gw1, 0), &msg))
			tt.modify(&msg)
			b, err := json.Marshal(msg)
			require.NoError(t, err)

			_, err = p.frameSet(b)
			assert.ErrorIs(t, err, tt.err)
		})
	}

	_, err := p.frameSet([]byte("{"))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestProcessorRun(t *testing.T) {
	handler := &recordingHandler{err: uplink.ErrAbort}
	p, _ := newTestProcessor(t, handler)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	// two gateways receive the same frame, a third reception is broken
	p.handleGatewayRX(&nats.Msg{Subject: "gateway.0101010101010101.rx", Data: gatewayUplink(t, gw1, 3)})
	p.handleGatewayRX(&nats.Msg{Subject: "gateway.0202020202020202.rx", Data: gatewayUplink(t, gw2, 8)})
	p.handleGatewayRX(&nats.Msg{Subject: "gateway.0202020202020202.rx", Data: []byte("garbage")})

	require.Eventually(t, func() bool { return handler.count() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	handler.mu.Lock()
	defer handler.mu.Unlock()
	assert.Len(t, handler.handled[0].RxInfo, 2)
}

func TestProcessorHandlerError(t *testing.T) {
	handler := &recordingHandler{err: errors.New("boom")}
	p, _ := newTestProcessor(t, handler)

	ufs, err := p.frameSet(gatewayUplink(t, gw1, 0))
	require.NoError(t, err)

	// errors are logged, the worker keeps going
	p.process(context.Background(), ufs)
	p.process(context.Background(), ufs)
	assert.Equal(t, 2, handler.count())
}

func TestGatewayStats(t *testing.T) {
	p, store := newTestProcessor(t, &recordingHandler{})
	ctx := context.Background()

	tenant := &models.Tenant{Name: "tenant"}
	require.NoError(t, store.CreateTenant(ctx, tenant))
	gw := &models.Gateway{GatewayID: gw1, Name: "gw"}
	gw.TenantID = tenant.ID
	require.NoError(t, store.CreateGateway(ctx, gw))

	b, err := json.Marshal(models.GatewayStatsMessage{GatewayID: gw1, Timestamp: 1700000000})
	require.NoError(t, err)
	p.handleGatewayStats(&nats.Msg{Subject: "gateway.0101010101010101.stat", Data: b})

	got, err := store.GetGateway(ctx, gw1)
	require.NoError(t, err)
	require.NotNil(t, got.LastSeenAt)
	assert.Equal(t, int64(1700000000), got.LastSeenAt.Unix())

	// unknown gateways are ignored
	b, err = json.Marshal(models.GatewayStatsMessage{GatewayID: gw2, Timestamp: 1700000000})
	require.NoError(t, err)
	p.handleGatewayStats(&nats.Msg{Subject: "gateway.0202020202020202.stat", Data: b})
	_, err = store.GetGateway(ctx, gw2)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestEnqueue(t *testing.T) {
	p, store := newTestProcessor(t, &recordingHandler{})
	ctx := context.Background()

	devEUI := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	require.NoError(t, store.CreateDevice(ctx, &models.Device{DevEUI: devEUI, Name: "device"}))

	data, err := json.Marshal(models.DeviceQueueRequest{FPort: 10, Data: []byte{0xca, 0xfe}, Confirmed: true})
	require.NoError(t, err)

	qi, err := p.enqueue(ctx, "ns.device.0102030405060708.tx", data)
	require.NoError(t, err)

	items, err := store.GetDeviceQueueItems(ctx, devEUI)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, qi.ID, items[0].ID)
	assert.Equal(t, uint8(10), items[0].FPort)
	assert.Equal(t, []byte{0xca, 0xfe}, items[0].Data)
	assert.True(t, items[0].Confirmed)

	t.Run("errors", func(t *testing.T) {
		_, err := p.enqueue(ctx, "ns.device.tx", data)
		assert.ErrorIs(t, err, ErrInvalidMessage)

		_, err = p.enqueue(ctx, "ns.device.nothex.tx", data)
		assert.ErrorIs(t, err, ErrInvalidMessage)

		_, err = p.enqueue(ctx, "ns.device.0807060504030201.tx", data)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		for _, fPort := range []uint8{0, 224} {
			b, err := json.Marshal(models.DeviceQueueRequest{FPort: fPort, Data: []byte{1}})
			require.NoError(t, err)
			_, err = p.enqueue(ctx, "ns.device.0102030405060708.tx", b)
			assert.ErrorIs(t, err, ErrInvalidMessage)
		}
	})
}

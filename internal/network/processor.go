// Package network receives the gateway traffic from NATS, deduplicates the
// uplinks and runs them through the uplink pipeline.
package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/lorawan-server/lorawan-network-server/internal/config"
	"github.com/lorawan-server/lorawan-network-server/internal/models"
	"github.com/lorawan-server/lorawan-network-server/internal/network/uplink"
	"github.com/lorawan-server/lorawan-network-server/internal/region"
	"github.com/lorawan-server/lorawan-network-server/internal/storage"
	"github.com/lorawan-server/lorawan-network-server/pkg/lorawan"
)

// NATS subjects
const (
	SubjectGatewayRX    = "gateway.*.rx"
	SubjectGatewayStats = "gateway.*.stat"
	SubjectDeviceTX     = "ns.device.*.tx"
)

// ErrInvalidMessage is returned for gateway or queue messages that can not
// be decoded
var ErrInvalidMessage = errors.New("invalid message")

// UplinkHandler handles a deduplicated frame-set. *uplink.Pipeline
// implements it.
type UplinkHandler interface {
	HandleUplink(ctx context.Context, ufs *models.UplinkFrameSet) error
}

// Processor consumes the gateway uplinks and the device queue requests
type Processor struct {
	nc      *nats.Conn
	store   storage.Store
	regions *region.Registry
	handler UplinkHandler
	dedup   *Deduplicator
	workers int
}

// NewProcessor creates the processor
func NewProcessor(nc *nats.Conn, store storage.Store, regions *region.Registry, handler UplinkHandler, cfg config.NetworkConfig) *Processor {
	return &Processor{
		nc:      nc,
		store:   store,
		regions: regions,
		handler: handler,
		dedup:   NewDeduplicator(cfg.DeduplicationDelay, cfg.Workers*4),
		workers: cfg.Workers,
	}
}

// Start subscribes to the gateway and queue subjects and handles the
// deduplicated uplinks until ctx is done
func (p *Processor) Start(ctx context.Context) error {
	var subs []*nats.Subscription
	for subject, h := range map[string]nats.MsgHandler{
		SubjectGatewayRX:    p.handleGatewayRX,
		SubjectGatewayStats: p.handleGatewayStats,
		SubjectDeviceTX:     p.handleDeviceQueueRequest,
	} {
		sub, err := p.nc.Subscribe(subject, h)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}
	defer func() {
		for _, sub := range subs {
			if err := sub.Unsubscribe(); err != nil {
				log.Warn().Err(err).Str("subject", sub.Subject).Msg("unsubscribe error")
			}
		}
	}()

	log.Info().
		Int("workers", p.workers).
		Int("regions", len(p.regions.Load().All())).
		Msg("Network server processor started")

	return p.Run(ctx)
}

// Run hands the deduplicated frame-sets to a bounded pool of workers
func (p *Processor) Run(ctx context.Context) error {
	defer p.dedup.Close()

	var pool errgroup.Group
	if p.workers > 0 {
		pool.SetLimit(p.workers)
	}

	for {
		select {
		case <-ctx.Done():
			return pool.Wait()
		case ufs := <-p.dedup.C():
			pool.Go(func() error {
				p.process(ctx, ufs)
				return nil
			})
		}
	}
}

func (p *Processor) process(ctx context.Context, ufs *models.UplinkFrameSet) {
	err := p.handler.HandleUplink(ctx, ufs)
	switch {
	case err == nil:
	case errors.Is(err, uplink.ErrAbort):
		log.Debug().Err(err).Str("deduplication_id", ufs.ID.String()).Msg("uplink dropped")
	default:
		log.Error().Err(err).Str("deduplication_id", ufs.ID.String()).Msg("handle uplink error")
	}
}

func (p *Processor) handleGatewayRX(msg *nats.Msg) {
	ufs, err := p.frameSet(msg.Data)
	if err != nil {
		log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping gateway uplink")
		return
	}
	p.dedup.Add(ufs)
}

// frameSet converts a gateway uplink message into a single reception
// frame-set
func (p *Processor) frameSet(data []byte) (*models.UplinkFrameSet, error) {
	var up models.GatewayUplinkMessage
	if err := json.Unmarshal(data, &up); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	rxpk := up.RXPK
	if rxpk.Stat == -1 {
		return nil, fmt.Errorf("%w: CRC error", ErrInvalidMessage)
	}
	if len(rxpk.Data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidMessage)
	}

	r, err := p.regions.Load().Get(up.RegionConfigID)
	if err != nil {
		return nil, err
	}

	sf, bw, err := rxpk.DatR.SFBW()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	dr, err := r.Band.GetDataRateIndex(true, sf, bw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	receivedAt := time.Unix(up.Timestamp, 0)
	if rxpk.Time != "" {
		if t, err := time.Parse(time.RFC3339Nano, rxpk.Time); err == nil {
			receivedAt = t
		}
	}

	return &models.UplinkFrameSet{
		ID:         uuid.New(),
		PHYPayload: rxpk.Data,
		TxInfo: models.TxInfo{
			Frequency: uint32(math.Round(rxpk.Freq * 1000000)),
			DR:        dr,
		},
		RxInfo: []models.RxInfo{{
			GatewayID: up.GatewayID,
			Time:      &receivedAt,
			RSSI:      rxpk.RSSI,
			SNR:       rxpk.LSNR,
			Channel:   rxpk.Chan,
			Context:   up.Context,
			Metadata: map[string]string{
				"rf_chain":  fmt.Sprint(rxpk.RFCh),
				"code_rate": rxpk.CodR,
			},
		}},
		ReceivedAt:       receivedAt,
		RegionConfigID:   r.ID,
		RegionCommonName: r.CommonName,
	}, nil
}

func (p *Processor) handleGatewayStats(msg *nats.Msg) {
	var stats models.GatewayStatsMessage
	if err := json.Unmarshal(msg.Data, &stats); err != nil {
		log.Warn().Err(err).Str("subject", msg.Subject).Msg("invalid gateway stats")
		return
	}

	ctx := context.Background()
	gw, err := p.store.GetGateway(ctx, stats.GatewayID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Debug().Str("gateway_id", stats.GatewayID.String()).Msg("stats of unknown gateway")
			return
		}
		log.Error().Err(err).Str("gateway_id", stats.GatewayID.String()).Msg("get gateway error")
		return
	}

	seen := time.Unix(stats.Timestamp, 0)
	gw.LastSeenAt = &seen
	if err := p.store.UpdateGateway(ctx, gw); err != nil {
		log.Error().Err(err).Str("gateway_id", gw.GatewayID.String()).Msg("update gateway error")
	}
}

func (p *Processor) handleDeviceQueueRequest(msg *nats.Msg) {
	qi, err := p.enqueue(context.Background(), msg.Subject, msg.Data)
	if err != nil {
		log.Warn().Err(err).Str("subject", msg.Subject).Msg("enqueue downlink error")
		p.respond(msg, map[string]string{"error": err.Error()})
		return
	}
	p.respond(msg, map[string]string{"id": qi.ID.String()})
}

// enqueue stores the downlink of a ns.device.<eui>.tx message
func (p *Processor) enqueue(ctx context.Context, subject string, data []byte) (*models.DeviceQueueItem, error) {
	parts := strings.Split(subject, ".")
	if len(parts) != 4 {
		return nil, fmt.Errorf("%w: subject %s", ErrInvalidMessage, subject)
	}
	var devEUI lorawan.EUI64
	if err := devEUI.UnmarshalText([]byte(parts[2])); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	var req models.DeviceQueueRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if req.FPort == 0 || req.FPort > 223 {
		return nil, fmt.Errorf("%w: invalid fPort %d", ErrInvalidMessage, req.FPort)
	}

	if _, err := p.store.GetDevice(ctx, devEUI); err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}

	qi := &models.DeviceQueueItem{
		DevEUI:    devEUI,
		FPort:     req.FPort,
		Data:      req.Data,
		Confirmed: req.Confirmed,
	}
	if err := p.store.CreateDeviceQueueItem(ctx, qi); err != nil {
		return nil, fmt.Errorf("create queue item: %w", err)
	}

	log.Info().
		Str("dev_eui", devEUI.String()).
		Str("queue_item_id", qi.ID.String()).
		Uint8("f_port", qi.FPort).
		Bool("confirmed", qi.Confirmed).
		Msg("downlink enqueued")
	return qi, nil
}

func (p *Processor) respond(msg *nats.Msg, v interface{}) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		log.Warn().Err(err).Msg("respond error")
	}
}

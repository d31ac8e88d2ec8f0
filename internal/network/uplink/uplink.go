// Package uplink implements the processing of deduplicated uplink frames:
// authentication, frame-counter checks, MAC commands, integration events
// and the class-A response.
package uplink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-network-server/internal/config"
	"github.com/lorawan-server/lorawan-network-server/internal/integration"
	"github.com/lorawan-server/lorawan-network-server/internal/models"
	"github.com/lorawan-server/lorawan-network-server/internal/network/adr"
	"github.com/lorawan-server/lorawan-network-server/internal/network/downlink"
	"github.com/lorawan-server/lorawan-network-server/internal/network/lock"
	"github.com/lorawan-server/lorawan-network-server/internal/network/maccommand"
	"github.com/lorawan-server/lorawan-network-server/internal/region"
	"github.com/lorawan-server/lorawan-network-server/internal/storage"
	"github.com/lorawan-server/lorawan-network-server/pkg/crypto"
	"github.com/lorawan-server/lorawan-network-server/pkg/lorawan"
)

// ErrAbort is returned for uplinks that are dropped on purpose, e.g. an
// unknown device, a replayed frame-counter or a disabled device
var ErrAbort = errors.New("uplink aborted")

// Pipeline handles deduplicated uplink frame-sets
type Pipeline struct {
	cfg       config.NetworkConfig
	netID     lorawan.NetID
	store     storage.Store
	regions   *region.Registry
	handler   integration.Handler
	mac       *maccommand.Processor
	engine    *adr.Engine
	scheduler *downlink.Scheduler
	locker    *lock.DeviceLocker

	kekLabel string
	keks     *crypto.KEKRing

	now func() time.Time
}

// NewPipeline creates the uplink pipeline
func NewPipeline(cfg config.NetworkConfig, store storage.Store, regions *region.Registry, handler integration.Handler,
	mac *maccommand.Processor, engine *adr.Engine, scheduler *downlink.Scheduler, locker *lock.DeviceLocker) (*Pipeline, error) {
	var netID lorawan.NetID
	if err := netID.UnmarshalText([]byte(cfg.NetID)); err != nil {
		return nil, fmt.Errorf("net_id: %w", err)
	}
	if engine == nil {
		engine = adr.NewEngine(nil, cfg.ADRBackoffThreshold)
	}

	return &Pipeline{
		cfg:       cfg,
		netID:     netID,
		store:     store,
		regions:   regions,
		handler:   handler,
		mac:       mac,
		engine:    engine,
		scheduler: scheduler,
		locker:    locker,
		now:       time.Now,
	}, nil
}

// SetKEK wraps the AppSKey of new sessions with the key-encryption key of
// label. The payloads of these devices are forwarded encrypted.
func (p *Pipeline) SetKEK(label string, keks *crypto.KEKRing) {
	p.kekLabel = label
	p.keks = keks
}

// HandleUplink handles one deduplicated uplink. ErrAbort is returned when
// the frame is dropped without changing any state.
func (p *Pipeline) HandleUplink(ctx context.Context, ufs *models.UplinkFrameSet) error {
	var phy lorawan.PHYPayload
	if err := phy.UnmarshalBinary(ufs.PHYPayload); err != nil {
		return fmt.Errorf("%w: decode PHYPayload: %v", ErrAbort, err)
	}

	// the snapshot is loaded once, a reload does not affect a running uplink
	r, err := p.regions.Load().Get(ufs.RegionConfigID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAbort, err)
	}

	down, err := p.resolveGateways(ctx, r, ufs)
	if err != nil {
		return err
	}

	switch phy.MHDR.MType {
	case lorawan.JoinRequest:
		return p.handleJoin(ctx, r, ufs, down, phy)
	case lorawan.UnconfirmedDataUp, lorawan.ConfirmedDataUp:
		return p.handleData(ctx, r, ufs, down, phy)
	default:
		return fmt.Errorf("%w: unexpected message type %s", ErrAbort, phy.MHDR.MType)
	}
}

// deviceContext holds the entities a device belongs to
type deviceContext struct {
	Device        *models.Device
	DeviceProfile *models.DeviceProfile
	Application   *models.Application
	Tenant        *models.Tenant
	Info          models.DeviceInfo
}

func (p *Pipeline) loadDevice(ctx context.Context, r *region.Region, devEUI lorawan.EUI64) (*deviceContext, error) {
	dev, err := p.store.GetDevice(ctx, devEUI)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown device %s", ErrAbort, devEUI)
		}
		return nil, fmt.Errorf("get device: %w", err)
	}
	dp, err := p.store.GetDeviceProfile(ctx, dev.DeviceProfileID)
	if err != nil {
		return nil, fmt.Errorf("get device profile: %w", err)
	}
	if dp.Region != r.CommonName {
		return nil, fmt.Errorf("%w: device profile region %s does not match %s", ErrAbort, dp.Region, r.CommonName)
	}
	app, err := p.store.GetApplication(ctx, dev.ApplicationID)
	if err != nil {
		return nil, fmt.Errorf("get application: %w", err)
	}
	tenant, err := p.store.GetTenant(ctx, app.TenantID)
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}

	return &deviceContext{
		Device:        dev,
		DeviceProfile: dp,
		Application:   app,
		Tenant:        tenant,
		Info:          models.NewDeviceInfo(tenant, app, dp, dev),
	}, nil
}

// logEvent reports a device level warning to the integrations
func (p *Pipeline) logEvent(ctx context.Context, info models.DeviceInfo, code, description string, details map[string]string) {
	ev := log.Warn().Str("dev_eui", info.DevEUI.String()).Str("code", code)
	for k, v := range details {
		ev = ev.Str(k, v)
	}
	ev.Msg(description)

	err := p.handler.HandleLogEvent(ctx, models.LogEvent{
		Time:        p.now(),
		DeviceInfo:  info,
		Level:       models.EventLevelWarning,
		Code:        code,
		Description: description,
		Context:     details,
	})
	if err != nil {
		log.Error().Err(err).Str("dev_eui", info.DevEUI.String()).Msg("send log event error")
	}
}

// auditLog stores an event that can not be linked to a device
func (p *Pipeline) auditLog(ctx context.Context, ufs *models.UplinkFrameSet, code, description string, details models.Variables) {
	e := &models.EventLog{
		Type:        models.EventTypeLog,
		Level:       models.EventLevelWarning,
		Code:        code,
		Description: description,
		Details:     details,
	}
	if len(ufs.RxInfo) != 0 {
		gatewayID := ufs.RxInfo[0].GatewayID
		e.GatewayID = &gatewayID
	}
	if err := p.store.CreateEventLog(ctx, e); err != nil {
		log.Error().Err(err).Str("code", code).Msg("store event log error")
	}
}

// logFrame stores the raw uplink. devEUI is nil when no device-session
// matched the MIC.
func (p *Pipeline) logFrame(ctx context.Context, ufs *models.UplinkFrameSet, phy lorawan.PHYPayload, devEUI *lorawan.EUI64) {
	fl := &models.UplinkFrameLog{
		DevEUI:         devEUI,
		MType:          phy.MHDR.MType,
		PHYPayload:     ufs.PHYPayload,
		TxInfo:         ufs.TxInfo,
		RxInfo:         ufs.RxInfo,
		RegionConfigID: ufs.RegionConfigID,
		MICValid:       devEUI != nil,
		ReceivedAt:     ufs.ReceivedAt,
	}
	if phy.MACPayload != nil {
		fl.DevAddr = phy.MACPayload.FHDR.DevAddr
	}
	if err := p.store.CreateUplinkFrameLog(ctx, fl); err != nil {
		log.Error().Err(err).Str("dev_addr", fl.DevAddr.String()).Msg("store uplink frame log error")
	}
}

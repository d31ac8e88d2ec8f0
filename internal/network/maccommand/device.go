package maccommand

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-network-server/internal/models"
	"github.com/lorawan-server/lorawan-network-server/pkg/lorawan"
)

var gpsEpoch = time.Date(1980, time.January, 6, 0, 0, 0, 0, time.UTC)

// leap seconds between UTC and GPS time since 2017-01-01
const gpsLeapSeconds = 18 * time.Second

func (p *Processor) handleDevStatusAns(ctx context.Context, req UplinkRequest, block lorawan.MACCommandSet) error {
	pl, ok := block[0].Payload.(*lorawan.DevStatusAnsPayload)
	if !ok {
		return fmt.Errorf("expected *DevStatusAnsPayload, got %T", block[0].Payload)
	}

	e := models.StatusEvent{
		Time:       time.Now(),
		DeviceInfo: req.DeviceInfo,
		Margin:     int(pl.Margin),
	}

	var battery *float64
	switch pl.Battery {
	case 0:
		e.ExternalPowerSource = true
	case 255:
		e.BatteryLevelUnavailable = true
	default:
		level := math.Round(float64(pl.Battery)/254*100*100) / 100
		e.BatteryLevel = level
		battery = &level
	}

	log.Info().
		Str("dev_eui", req.DeviceSession.DevEUI.String()).
		Uint8("battery", pl.Battery).
		Int8("margin", pl.Margin).
		Msg("DevStatusAns received")

	if req.Device != nil {
		req.Device.BatteryLevel = battery
		if err := p.store.UpdateDevice(ctx, req.Device); err != nil {
			return fmt.Errorf("update device battery level: %w", err)
		}
	}

	if p.handler != nil {
		if err := p.handler.HandleStatusEvent(ctx, e); err != nil {
			return fmt.Errorf("status event: %w", err)
		}
	}
	return nil
}

// handleDeviceTimeReq answers with the reception time of the uplink
// expressed as time since the GPS epoch
func handleDeviceTimeReq(req UplinkRequest) (lorawan.MACCommandSet, error) {
	ufs := req.UplinkFrameSet
	if ufs == nil {
		return nil, fmt.Errorf("no uplink frame-set")
	}

	t := ufs.ReceivedAt
	for _, rx := range ufs.RxInfo {
		if rx.Time != nil {
			t = *rx.Time
			break
		}
	}
	if t.IsZero() {
		return nil, fmt.Errorf("no reception time")
	}

	return lorawan.MACCommandSet{
		{
			CID:     lorawan.DeviceTimeAns,
			Payload: &lorawan.DeviceTimeAnsPayload{TimeSinceGPSEpoch: timeSinceGPSEpoch(t)},
		},
	}, nil
}

func timeSinceGPSEpoch(t time.Time) time.Duration {
	return t.Sub(gpsEpoch) + gpsLeapSeconds
}

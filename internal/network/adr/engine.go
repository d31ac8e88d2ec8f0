package adr

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-network-server/internal/models"
	"github.com/lorawan-server/lorawan-network-server/internal/region"
	"github.com/lorawan-server/lorawan-network-server/pkg/lorawan"
)

// Engine runs the ADR strategies against device sessions and builds the
// LinkADRReq blocks that bring a device in line with the network
type Engine struct {
	registry         *Registry
	backoffThreshold int
}

// NewEngine creates an engine. A backoffThreshold of 0 disables the
// back-off.
func NewEngine(registry *Registry, backoffThreshold int) *Engine {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Engine{registry: registry, backoffThreshold: backoffThreshold}
}

// Registry returns the strategy registry
func (e *Engine) Registry() *Registry {
	return e.registry
}

// MaxTxPowerIndex returns the highest tx power index the device supports
func MaxTxPowerIndex(r *region.Region, ds *models.DeviceSession) int {
	if ds.MaxSupportedTxPowerIndex != 0 {
		return ds.MaxSupportedTxPowerIndex
	}
	return r.Band.MaxTxPowerIndex()
}

// NewRequest builds the strategy request for an uplink received at uplinkDR
func NewRequest(r *region.Region, dp *models.DeviceProfile, ds *models.DeviceSession, uplinkDR int) (Request, error) {
	snr, err := r.Band.GetRequiredSNRForDR(uplinkDR)
	if err != nil {
		return Request{}, fmt.Errorf("required snr: %w", err)
	}

	return Request{
		RegionConfigID:     r.ID,
		RegionCommonName:   r.CommonName,
		DevEUI:             ds.DevEUI,
		MACVersion:         dp.MACVersion,
		RegParamsRevision:  dp.RegParamsRevision,
		ADR:                ds.ADR,
		DR:                 uplinkDR,
		TxPowerIndex:       ds.TxPowerIndex,
		NbTrans:            ds.NbTrans,
		MaxTxPowerIndex:    MaxTxPowerIndex(r, ds),
		RequiredSNRForDR:   snr,
		InstallationMargin: r.Network.InstallationMargin,
		MinDR:              r.Network.MinDR,
		MaxDR:              r.MaxDR(),
		MaxLoRaDR:          r.Band.MaxUplinkLoRaDR(),
		UplinkHistory:      ds.UplinkADRHistory,
		SkipFCntCheck:      ds.SkipFCntCheck,
	}, nil
}

// Backoff counts uplinks asking for an ADR acknowledgement (ADRACKReq with
// ADR enabled) or arriving while a LinkADRReq is still unanswered. When the
// count reaches the threshold the session falls back to the lowest data
// rate and full power and true is returned. The caller must then drop the
// pending LinkADRReq.
func (e *Engine) Backoff(r *region.Region, ds *models.DeviceSession, adrACKReq, linkADRPending bool) bool {
	if e.backoffThreshold <= 0 {
		return false
	}
	if !(ds.ADR && adrACKReq) && !linkADRPending {
		return false
	}

	ds.ADRBackoffCount++
	if ds.ADRBackoffCount < e.backoffThreshold {
		return false
	}

	log.Info().
		Str("dev_eui", ds.DevEUI.String()).
		Int("count", ds.ADRBackoffCount).
		Int("dr", r.Network.MinDR).
		Msg("ADR back-off, resetting to lowest data-rate")

	ds.DR = r.Network.MinDR
	ds.TxPowerIndex = 0
	ds.UplinkADRHistory = nil
	delete(ds.MACCommandErrorCount, lorawan.LinkADRReq)
	ds.ADRBackoffCount = 0
	return true
}

// LinkADRRequest returns the LinkADRReq block for the downlink answering
// an uplink received at uplinkDR, or nil when nothing needs to change.
//
// A channel-mask block is built when the session channels differ from the
// region and the ADR proposal is merged into it. With a LinkADRReq still
// pending only an identical block is returned again.
func (e *Engine) LinkADRRequest(r *region.Region, dp *models.DeviceProfile, ds *models.DeviceSession, uplinkDR int, pending *lorawan.PendingMACCommand) (lorawan.MACCommandSet, error) {
	pls := r.Band.GetLinkADRReqPayloadsForEnabledUplinkChannelIndices(ds.EnabledUplinkChannelIndices)
	if n := len(pls); n > 0 {
		pls[n-1].DataRate = uint8(ds.DR)
		pls[n-1].TXPower = uint8(ds.TxPowerIndex)
		pls[n-1].Redundancy.NbRep = uint8(ds.NbTrans)
	}

	if !r.Network.ADRDisabled {
		resp, changed, err := e.handle(r, dp, ds, uplinkDR)
		if err != nil {
			log.Warn().Err(err).Str("dev_eui", ds.DevEUI.String()).Msg("skipping ADR")
		} else if changed {
			if len(pls) == 0 {
				pls = []lorawan.LinkADRReqPayload{firstChMaskBlock(ds.EnabledUplinkChannelIndices)}
			}
			for i := range pls {
				pls[i].DataRate = uint8(resp.DR)
				pls[i].TXPower = uint8(resp.TxPowerIndex)
				pls[i].Redundancy.NbRep = uint8(resp.NbTrans)
			}
		}
	}

	if len(pls) == 0 {
		return nil, nil
	}

	set := make(lorawan.MACCommandSet, 0, len(pls))
	for i := range pls {
		pl := pls[i]
		set = append(set, lorawan.MACCommand{CID: lorawan.LinkADRReq, Payload: &pl})
	}

	if pending != nil {
		b, err := lorawan.EncodeMACCommands(set)
		if err != nil {
			return nil, fmt.Errorf("encode LinkADRReq: %w", err)
		}
		if !bytes.Equal(b, pending.Payload) {
			log.Debug().Str("dev_eui", ds.DevEUI.String()).Msg("LinkADRReq pending, skipping new request")
			return nil, nil
		}
	}

	return set, nil
}

// handle runs the device profile strategy and bounds the result by what the
// device supports. changed is true when the result differs from the
// current values.
func (e *Engine) handle(r *region.Region, dp *models.DeviceProfile, ds *models.DeviceSession, uplinkDR int) (Response, bool, error) {
	req, err := NewRequest(r, dp, ds, uplinkDR)
	if err != nil {
		return Response{}, false, err
	}

	resp := e.registry.Handle(dp.ADRAlgorithmID, req)
	if resp.NbTrans < 1 {
		resp.NbTrans = 1
	}
	if resp.TxPowerIndex > req.MaxTxPowerIndex {
		resp.TxPowerIndex = req.MaxTxPowerIndex
	}
	if resp.TxPowerIndex < ds.MinSupportedTxPowerIndex {
		resp.TxPowerIndex = ds.MinSupportedTxPowerIndex
	}

	changed := resp.DR != req.DR || resp.TxPowerIndex != req.TxPowerIndex || resp.NbTrans != req.NbTrans
	return resp, changed, nil
}

// firstChMaskBlock returns a payload enabling the session channels of the
// first ChMaskCntl block
func firstChMaskBlock(enabled []int) lorawan.LinkADRReqPayload {
	indices := append([]int(nil), enabled...)
	sort.Ints(indices)

	var pl lorawan.LinkADRReqPayload
	for i, c := range indices {
		if i == 0 {
			pl.Redundancy.ChMaskCntl = uint8(c / 16)
		} else if uint8(c/16) != pl.Redundancy.ChMaskCntl {
			break
		}
		pl.ChMask[c%16] = true
	}
	return pl
}

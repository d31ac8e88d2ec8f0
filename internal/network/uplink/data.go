package uplink

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-network-server/internal/models"
	"github.com/lorawan-server/lorawan-network-server/internal/network/downlink"
	"github.com/lorawan-server/lorawan-network-server/internal/network/maccommand"
	"github.com/lorawan-server/lorawan-network-server/internal/region"
	"github.com/lorawan-server/lorawan-network-server/internal/storage"
	"github.com/lorawan-server/lorawan-network-server/pkg/lorawan"
)

func (p *Pipeline) handleData(ctx context.Context, r *region.Region, ufs *models.UplinkFrameSet, down privateDown, phy lorawan.PHYPayload) error {
	devAddr := phy.MACPayload.FHDR.DevAddr

	ds, phy, err := p.authenticate(ctx, r, ufs, phy)
	if err != nil {
		return err
	}
	if ds == nil {
		p.logFrame(ctx, ufs, phy, nil)
		p.auditLog(ctx, ufs, models.LogCodeUplinkMIC, "No device-session matches the uplink MIC", models.Variables{
			"dev_addr":  devAddr.String(),
			"f_cnt":     phy.MACPayload.FHDR.FCnt,
			"region_id": ufs.RegionConfigID,
		})
		return fmt.Errorf("%w: no matching device-session for %s", ErrAbort, devAddr)
	}

	p.logFrame(ctx, ufs, phy, &ds.DevEUI)

	macPL := phy.MACPayload
	fCnt := macPL.FHDR.FCnt

	dc, err := p.loadDevice(ctx, r, ds.DevEUI)
	if err != nil {
		return err
	}
	if dc.Device.IsDisabled {
		log.Debug().Str("dev_eui", ds.DevEUI.String()).Msg("device is disabled, dropping uplink")
		return fmt.Errorf("%w: device %s is disabled", ErrAbort, ds.DevEUI)
	}

	skip := ds.SkipFCntCheck || dc.Device.SkipFCntCheck
	switch lorawan.ValidateFCntUp(ds.FCntUp, fCnt, skip) {
	case lorawan.FCntRetransmission:
		p.logEvent(ctx, dc.Info, models.LogCodeUplinkFCntRetransmission, "Uplink was flagged as re-transmission / frame-counter did not increment", map[string]string{
			"f_cnt": strconv.FormatUint(uint64(fCnt), 10),
		})
		return fmt.Errorf("%w: frame-counter retransmission", ErrAbort)
	case lorawan.FCntReset:
		p.logEvent(ctx, dc.Info, models.LogCodeUplinkFCntReset, "Frame-counter reset or rollover detected", map[string]string{
			"f_cnt":          strconv.FormatUint(uint64(fCnt), 10),
			"expected_f_cnt": strconv.FormatUint(uint64(ds.FCntUp), 10),
		})
		return fmt.Errorf("%w: frame-counter reset", ErrAbort)
	}

	unlock, err := p.locker.Lock(ctx, ds.DevEUI, p.cfg.ClassALockDuration)
	if err != nil {
		return fmt.Errorf("lock device: %w", err)
	}
	defer unlock()

	// a concurrent copy of this uplink may have been handled while waiting
	// for the lock
	cur, err := p.store.GetDeviceSession(ctx, ds.DevEUI)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: device-session removed", ErrAbort)
		}
		return fmt.Errorf("get device session: %w", err)
	}
	if cur.FCntUp != ds.FCntUp || cur.DevAddr != ds.DevAddr {
		log.Debug().
			Str("dev_eui", ds.DevEUI.String()).
			Uint32("f_cnt", fCnt).
			Msg("device-session changed while waiting for the lock, dropping uplink")
		return fmt.Errorf("%w: uplink already handled", ErrAbort)
	}
	ds = cur

	rxInfo := filterRxInfoUp(ufs, dc.Tenant.ID)
	if len(rxInfo) == 0 {
		log.Debug().Str("dev_eui", ds.DevEUI.String()).Msg("no reception from a gateway of the device tenant")
		return fmt.Errorf("%w: no gateway available for tenant", ErrAbort)
	}
	ufs.RxInfo = rxInfo

	sec, err := ds.Security()
	if err != nil {
		return err
	}
	commands, data, err := p.decryptPayload(ctx, dc, ds, sec, &phy)
	if err != nil {
		return err
	}

	ds.ADR = macPL.FHDR.FCtrl.ADR
	if ds.DR != ufs.TxInfo.DR {
		ds.DR = ufs.TxInfo.DR
		ds.TxPowerIndex = 0
		ds.UplinkADRHistory = nil
	}

	class := models.DeviceClassA
	switch {
	case dc.DeviceProfile.SupportsClassC:
		class = models.DeviceClassC
	case macPL.FHDR.FCtrl.ClassB:
		class = models.DeviceClassB
	}
	dc.Device.EnabledClass = class
	dc.Info.DeviceClass = class

	if err := p.handleADRBackoff(ctx, r, ds, macPL.FHDR.FCtrl.ADRACKReq, commands); err != nil {
		return err
	}

	answers, mustRespond, err := p.mac.HandleUplink(ctx, maccommand.UplinkRequest{
		Region:         r,
		DeviceSession:  ds,
		Device:         dc.Device,
		DeviceProfile:  dc.DeviceProfile,
		DeviceInfo:     dc.Info,
		UplinkFrameSet: ufs,
		Commands:       commands,
	})
	if err != nil {
		return fmt.Errorf("handle mac-commands: %w", err)
	}

	now := p.now()
	dc.Device.LastSeenAt = &now
	if err := p.store.UpdateDevice(ctx, dc.Device); err != nil {
		return fmt.Errorf("update device: %w", err)
	}

	if err := p.saveRxInfo(ctx, ds.DevEUI, ufs); err != nil {
		return err
	}

	ds.AppendUplinkADRHistory(models.UplinkADRHistory{
		FCnt:         fCnt,
		MaxSNR:       ufs.MaxSNR(),
		MaxRSSI:      ufs.MaxRSSI(),
		TxPowerIndex: ds.TxPowerIndex,
		GatewayCount: len(ufs.RxInfo),
	})

	p.sendUplinkEvent(ctx, dc, ds, ufs, phy, data)

	ds.FCntUp = fCnt + 1
	if err := p.store.SaveDeviceSession(ctx, ds); err != nil {
		return fmt.Errorf("save device session: %w", err)
	}

	if macPL.FHDR.FCtrl.ACK {
		if err := p.handleAck(ctx, dc, ds); err != nil {
			return err
		}
	}

	log.Info().
		Str("dev_eui", ds.DevEUI.String()).
		Str("dev_addr", ds.DevAddr.String()).
		Uint32("f_cnt", fCnt).
		Int("dr", ufs.TxInfo.DR).
		Int("gateways", len(ufs.RxInfo)).
		Bool("confirmed", phy.Confirmed()).
		Msg("uplink handled")

	resp := *ufs
	resp.RxInfo = filterRxInfoDown(ufs, ufs.RxInfo, down, dc.Tenant.ID)
	err = p.scheduler.HandleResponse(ctx, downlink.ResponseRequest{
		Region:         r,
		Device:         dc.Device,
		DeviceProfile:  dc.DeviceProfile,
		DeviceSession:  ds,
		DeviceInfo:     dc.Info,
		UplinkFrameSet: &resp,
		MACCommands:    answers,
		MustSend:       macPL.FHDR.FCtrl.ADRACKReq || mustRespond,
		MustACK:        phy.Confirmed(),
	})
	if err != nil {
		if errors.Is(err, downlink.ErrNoGateway) {
			p.logEvent(ctx, dc.Info, models.LogCodeDownlinkGateway, "No gateway available to send the downlink", nil)
			return nil
		}
		return fmt.Errorf("downlink response: %w", err)
	}
	return nil
}

// authenticate returns the session whose keys match the uplink MIC together
// with a copy of the frame holding the full frame-counter. Sessions of
// another region are not tried. A nil session means no match.
func (p *Pipeline) authenticate(ctx context.Context, r *region.Region, ufs *models.UplinkFrameSet,
	phy lorawan.PHYPayload) (*models.DeviceSession, lorawan.PHYPayload, error) {
	macPL := phy.MACPayload

	sessions, err := p.store.GetDeviceSessionsForDevAddr(ctx, macPL.FHDR.DevAddr)
	if err != nil {
		return nil, phy, fmt.Errorf("get device-sessions: %w", err)
	}

	txCh, err := r.Band.GetUplinkChannelIndex(ufs.TxInfo.Frequency, false)
	if err != nil {
		txCh = 0
	}

	for _, ds := range sessions {
		if ds.RegionConfigID != ufs.RegionConfigID {
			log.Debug().
				Str("dev_eui", ds.DevEUI.String()).
				Str("region_id", ds.RegionConfigID).
				Msg("skipping device-session of another region")
			continue
		}

		sec, err := ds.Security()
		if err != nil {
			log.Warn().Err(err).Str("dev_eui", ds.DevEUI.String()).Msg("invalid device-session")
			continue
		}

		var confFCnt uint32
		if macPL.FHDR.FCtrl.ACK {
			confFCnt = ds.ConfFCnt
		}

		candidate := phy
		pl := *macPL
		candidate.MACPayload = &pl

		ok, err := lorawan.ValidateUplinkDataMIC(sec, &candidate, ds.FCntUp, confFCnt, uint8(ufs.TxInfo.DR), uint8(txCh))
		if err != nil {
			return nil, phy, fmt.Errorf("validate MIC: %w", err)
		}
		if ok {
			return ds, candidate, nil
		}
	}

	return nil, phy, nil
}

// decryptPayload returns the uplink MAC commands and the application data.
// The data stays encrypted when the AppSKey is wrapped.
func (p *Pipeline) decryptPayload(ctx context.Context, dc *deviceContext, ds *models.DeviceSession, sec lorawan.Security,
	phy *lorawan.PHYPayload) (lorawan.MACCommandSet, []byte, error) {
	macPL := phy.MACPayload
	data := macPL.FRMPayload

	if macPL.FPort != nil && len(data) != 0 {
		switch {
		case *macPL.FPort == 0:
			plain, err := lorawan.EncryptFRMPayload(sec.PayloadKey(), true, ds.DevAddr, macPL.FHDR.FCnt, data)
			if err != nil {
				return nil, nil, fmt.Errorf("decrypt FRMPayload: %w", err)
			}
			data = plain
		case !ds.AppSKey.Wrapped():
			plain, err := lorawan.EncryptFRMPayload(ds.AppSKey.Key(), true, ds.DevAddr, macPL.FHDR.FCnt, data)
			if err != nil {
				return nil, nil, fmt.Errorf("decrypt FRMPayload: %w", err)
			}
			data = plain
		}
	}

	var raw []byte
	if macPL.FPort != nil && *macPL.FPort == 0 {
		raw = data
		data = nil
	} else if len(macPL.FHDR.FOpts) != 0 {
		if err := sec.EncryptFOpts(phy); err != nil {
			return nil, nil, fmt.Errorf("decrypt FOpts: %w", err)
		}
		raw = macPL.FHDR.FOpts
	}
	if len(raw) == 0 {
		return nil, data, nil
	}

	commands, err := lorawan.DecodeMACCommands(true, raw)
	if err != nil {
		p.logEvent(ctx, dc.Info, models.LogCodeMACCommand, "Decode mac-commands error", map[string]string{
			"error": err.Error(),
		})
		return nil, data, nil
	}
	return commands, data, nil
}

// handleADRBackoff counts the uplinks the device asks for (or ignores) an
// ADR change without answering. At the threshold the device is reset to
// the lowest data-rate and the unanswered LinkADRReq is dropped.
func (p *Pipeline) handleADRBackoff(ctx context.Context, r *region.Region, ds *models.DeviceSession, adrACKReq bool,
	commands lorawan.MACCommandSet) error {
	pending, err := p.store.GetPendingMACCommand(ctx, ds.DevEUI, lorawan.LinkADRReq)
	if err != nil {
		return fmt.Errorf("get pending mac-command: %w", err)
	}

	linkADRPending := pending != nil
	for _, c := range commands {
		if c.CID == lorawan.LinkADRAns {
			linkADRPending = false
			break
		}
	}

	if !p.engine.Backoff(r, ds, adrACKReq, linkADRPending) || pending == nil {
		return nil
	}
	if err := p.store.DeletePendingMACCommand(ctx, ds.DevEUI, lorawan.LinkADRReq); err != nil {
		return fmt.Errorf("delete pending mac-command: %w", err)
	}
	return nil
}

func (p *Pipeline) saveRxInfo(ctx context.Context, devEUI lorawan.EUI64, ufs *models.UplinkFrameSet) error {
	info := &models.DeviceGatewayRxInfo{
		DevEUI: devEUI,
		DR:     ufs.TxInfo.DR,
	}
	for _, rx := range ufs.RxInfo {
		info.Items = append(info.Items, models.DeviceGatewayRxInfoItem{
			GatewayID: rx.GatewayID,
			RSSI:      rx.RSSI,
			SNR:       rx.SNR,
			Context:   rx.Context,
		})
	}
	if err := p.store.SaveDeviceGatewayRxInfo(ctx, info); err != nil {
		return fmt.Errorf("save device gateway rx-info: %w", err)
	}
	return nil
}

func (p *Pipeline) sendUplinkEvent(ctx context.Context, dc *deviceContext, ds *models.DeviceSession, ufs *models.UplinkFrameSet,
	phy lorawan.PHYPayload, data []byte) {
	macPL := phy.MACPayload

	ev := models.UplinkEvent{
		DeduplicationID: ufs.ID,
		Time:            p.now(),
		DeviceInfo:      dc.Info,
		DevAddr:         ds.DevAddr,
		ADR:             macPL.FHDR.FCtrl.ADR,
		DR:              ufs.TxInfo.DR,
		FCnt:            macPL.FHDR.FCnt,
		Confirmed:       phy.Confirmed(),
		Data:            data,
		RxInfo:          ufs.RxInfo,
		TxInfo:          ufs.TxInfo,
	}
	if macPL.FPort != nil {
		ev.FPort = *macPL.FPort
	}
	if ds.AppSKey.Wrapped() && ev.FPort != 0 {
		env := models.KeyEnvelope{
			KEKLabel: ds.AppSKey.KEKLabel,
			AESKey:   append([]byte(nil), ds.AppSKey.AESKey...),
		}
		ev.KeyEnvelope = &env
	}

	if err := p.handler.HandleUplinkEvent(ctx, ev); err != nil {
		log.Error().Err(err).Str("dev_eui", ds.DevEUI.String()).Msg("send uplink event error")
	}
}

// handleAck removes the confirmed queue item the device acknowledged
func (p *Pipeline) handleAck(ctx context.Context, dc *deviceContext, ds *models.DeviceSession) error {
	items, err := p.store.GetDeviceQueueItems(ctx, ds.DevEUI)
	if err != nil {
		return fmt.Errorf("get device queue: %w", err)
	}

	for _, qi := range items {
		if !qi.IsPending {
			continue
		}
		if err := p.store.DeleteDeviceQueueItem(ctx, qi.ID); err != nil {
			return fmt.Errorf("delete queue item: %w", err)
		}

		var fCnt uint32
		if qi.FCntDown != nil {
			fCnt = *qi.FCntDown
		}
		err := p.handler.HandleAckEvent(ctx, models.AckEvent{
			QueueItemID:  qi.ID,
			Time:         p.now(),
			DeviceInfo:   dc.Info,
			Acknowledged: true,
			FCntDown:     fCnt,
		})
		if err != nil {
			log.Error().Err(err).Str("dev_eui", ds.DevEUI.String()).Msg("send ack event error")
		}
		return nil
	}

	log.Debug().Str("dev_eui", ds.DevEUI.String()).Msg("ack received without pending queue item")
	return nil
}

package uplink

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-network-server/internal/models"
	"github.com/lorawan-server/lorawan-network-server/internal/network/downlink"
	"github.com/lorawan-server/lorawan-network-server/internal/region"
	"github.com/lorawan-server/lorawan-network-server/internal/storage"
	"github.com/lorawan-server/lorawan-network-server/pkg/crypto"
	"github.com/lorawan-server/lorawan-network-server/pkg/lorawan"
)

func (p *Pipeline) handleJoin(ctx context.Context, r *region.Region, ufs *models.UplinkFrameSet, down privateDown, phy lorawan.PHYPayload) error {
	jr := phy.JoinRequest

	keys, err := p.store.GetDeviceKeys(ctx, jr.DevEUI)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: no keys for device %s", ErrAbort, jr.DevEUI)
		}
		return fmt.Errorf("get device keys: %w", err)
	}

	dc, err := p.loadDevice(ctx, r, jr.DevEUI)
	if err != nil {
		return err
	}
	dp := dc.DeviceProfile
	if dc.Device.IsDisabled {
		return fmt.Errorf("%w: device %s is disabled", ErrAbort, jr.DevEUI)
	}
	if !dp.SupportsOTAA {
		return fmt.Errorf("%w: device profile does not support OTAA", ErrAbort)
	}

	// 1.0 devices have a single root key, the AppKey
	rootKey := keys.AppKey
	if dp.MACVersion.Is11() {
		rootKey = keys.NwkKey
	}
	ok, err := lorawan.ValidateJoinRequestMIC(phy, rootKey)
	if err != nil {
		return fmt.Errorf("validate join-request MIC: %w", err)
	}
	if !ok {
		p.logEvent(ctx, dc.Info, models.LogCodeUplinkMIC, "Invalid join-request MIC", nil)
		return fmt.Errorf("%w: invalid join-request MIC", ErrAbort)
	}

	rxInfo := filterRxInfoUp(ufs, dc.Tenant.ID)
	if len(rxInfo) == 0 {
		return fmt.Errorf("%w: no gateway available for tenant", ErrAbort)
	}
	ufs.RxInfo = rxInfo

	unlock, err := p.locker.Lock(ctx, jr.DevEUI, p.cfg.ClassALockDuration)
	if err != nil {
		return fmt.Errorf("lock device: %w", err)
	}
	defer unlock()

	if err := p.store.AddDevNonce(ctx, jr.DevEUI, jr.DevNonce); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			p.logEvent(ctx, dc.Info, models.LogCodeOTAA, "DevNonce has already been used", map[string]string{
				"dev_nonce": strconv.Itoa(int(jr.DevNonce)),
			})
			return fmt.Errorf("%w: DevNonce reuse", ErrAbort)
		}
		return fmt.Errorf("add DevNonce: %w", err)
	}

	keys.JoinNonce++
	if err := p.store.SetDeviceKeys(ctx, keys); err != nil {
		return fmt.Errorf("set device keys: %w", err)
	}

	devAddr, err := p.newDevAddr()
	if err != nil {
		return err
	}

	ds, err := p.newSession(r, dp, keys, jr, devAddr)
	if err != nil {
		return err
	}

	if err := p.store.DeleteDeviceSession(ctx, jr.DevEUI); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete device session: %w", err)
	}
	if err := p.store.FlushDeviceQueue(ctx, jr.DevEUI); err != nil {
		return fmt.Errorf("flush device queue: %w", err)
	}
	if err := p.store.SaveDeviceSession(ctx, ds); err != nil {
		return fmt.Errorf("save device session: %w", err)
	}

	payload, err := p.joinAccept(r, keys, jr, ds)
	if err != nil {
		return err
	}

	resp := *ufs
	resp.RxInfo = filterRxInfoDown(ufs, ufs.RxInfo, down, dc.Tenant.ID)
	err = p.scheduler.SendJoinAccept(ctx, downlink.JoinAcceptRequest{
		Region:         r,
		DevEUI:         jr.DevEUI,
		UplinkFrameSet: &resp,
		PHYPayload:     payload,
	})
	if err != nil {
		if !errors.Is(err, downlink.ErrNoGateway) {
			return fmt.Errorf("send join accept: %w", err)
		}
		p.logEvent(ctx, dc.Info, models.LogCodeDownlinkGateway, "No gateway available to send the join accept", nil)
	}

	now := p.now()
	dc.Device.LastSeenAt = &now
	if dp.SupportsClassC {
		dc.Device.EnabledClass = models.DeviceClassC
	} else {
		dc.Device.EnabledClass = models.DeviceClassA
	}
	dc.Info.DeviceClass = dc.Device.EnabledClass
	if err := p.store.UpdateDevice(ctx, dc.Device); err != nil {
		return fmt.Errorf("update device: %w", err)
	}
	if err := p.saveRxInfo(ctx, jr.DevEUI, ufs); err != nil {
		return err
	}

	err = p.handler.HandleJoinEvent(ctx, models.JoinEvent{
		DeduplicationID: ufs.ID,
		Time:            now,
		DeviceInfo:      dc.Info,
		DevAddr:         devAddr,
	})
	if err != nil {
		log.Error().Err(err).Str("dev_eui", jr.DevEUI.String()).Msg("send join event error")
	}

	log.Info().
		Str("dev_eui", jr.DevEUI.String()).
		Str("dev_addr", devAddr.String()).
		Str("mac_version", string(dp.MACVersion)).
		Uint32("join_nonce", keys.JoinNonce).
		Msg("device joined")
	return nil
}

// newDevAddr returns a random DevAddr with the NwkID prefix of a type 0
// NetID: one type bit followed by the 6 bit NwkID
func (p *Pipeline) newDevAddr() (lorawan.DevAddr, error) {
	var devAddr lorawan.DevAddr
	b, err := crypto.GenerateRandomBytes(len(devAddr))
	if err != nil {
		return devAddr, fmt.Errorf("generate DevAddr: %w", err)
	}
	copy(devAddr[:], b)
	devAddr[0] = (p.netID[2]&0x3f)<<1 | devAddr[0]&0x01
	return devAddr, nil
}

// newSession derives the session keys of a join and returns the new
// session with the default radio parameters of the region
func (p *Pipeline) newSession(r *region.Region, dp *models.DeviceProfile, keys *models.DeviceKeys, jr *lorawan.JoinRequestPayload,
	devAddr lorawan.DevAddr) (*models.DeviceSession, error) {
	ds := &models.DeviceSession{
		DevEUI:     jr.DevEUI,
		JoinEUI:    jr.JoinEUI,
		DevAddr:    devAddr,
		MACVersion: dp.MACVersion,
	}

	var appSKey lorawan.AES128Key
	if dp.MACVersion.Is11() {
		sk, err := lorawan.DeriveSessionKeys11(keys.NwkKey, keys.AppKey, keys.JoinNonce, jr.JoinEUI, jr.DevNonce)
		if err != nil {
			return nil, fmt.Errorf("derive session keys: %w", err)
		}
		ds.FNwkSIntKey = sk.FNwkSIntKey
		ds.SNwkSIntKey = sk.SNwkSIntKey
		ds.NwkSEncKey = sk.NwkSEncKey
		appSKey = sk.AppSKey
	} else {
		nwkSKey, ask, err := lorawan.DeriveSessionKeys10(keys.AppKey, keys.JoinNonce, p.netID, jr.DevNonce)
		if err != nil {
			return nil, fmt.Errorf("derive session keys: %w", err)
		}
		ds.FNwkSIntKey = nwkSKey
		ds.SNwkSIntKey = nwkSKey
		ds.NwkSEncKey = nwkSKey
		appSKey = ask
	}

	env, err := p.appSKeyEnvelope(appSKey)
	if err != nil {
		return nil, err
	}
	ds.AppSKey = env

	r.ResetDeviceSession(ds, true)
	return ds, nil
}

// appSKeyEnvelope wraps the AppSKey when a KEK is configured
func (p *Pipeline) appSKeyEnvelope(key lorawan.AES128Key) (models.KeyEnvelope, error) {
	if p.keks == nil || p.kekLabel == "" {
		return models.KeyEnvelope{AESKey: append([]byte(nil), key[:]...)}, nil
	}
	wrapped, err := p.keks.Wrap(p.kekLabel, key[:])
	if err != nil {
		return models.KeyEnvelope{}, fmt.Errorf("wrap AppSKey: %w", err)
	}
	return models.KeyEnvelope{KEKLabel: p.kekLabel, AESKey: wrapped}, nil
}

// joinAccept returns the encrypted join accept for the new session
func (p *Pipeline) joinAccept(r *region.Region, keys *models.DeviceKeys, jr *lorawan.JoinRequestPayload,
	ds *models.DeviceSession) ([]byte, error) {
	phy := lorawan.PHYPayload{
		MHDR: lorawan.MHDR{MType: lorawan.JoinAccept, Major: lorawan.LoRaWANR1},
		JoinAccept: &lorawan.JoinAcceptPayload{
			JoinNonce: keys.JoinNonce,
			NetID:     p.netID,
			DevAddr:   ds.DevAddr,
			DLSettings: lorawan.DLSettings{
				OptNeg:      ds.MACVersion.Is11(),
				RX1DROffset: uint8(ds.RX1DROffset),
				RX2DataRate: uint8(ds.RX2DR),
			},
			RxDelay: uint8(ds.RX1Delay),
			CFList:  r.Band.GetCFList(),
		},
	}

	micKey, encKey := keys.AppKey, keys.AppKey
	if ds.MACVersion.Is11() {
		jsIntKey, err := lorawan.DeriveJSIntKey(keys.NwkKey, jr.DevEUI)
		if err != nil {
			return nil, fmt.Errorf("derive JSIntKey: %w", err)
		}
		micKey, encKey = jsIntKey, keys.NwkKey
	}

	b, err := lorawan.EncryptJoinAccept(phy, micKey, encKey, jr.JoinEUI, jr.DevNonce)
	if err != nil {
		return nil, fmt.Errorf("encrypt join accept: %w", err)
	}
	return b, nil
}

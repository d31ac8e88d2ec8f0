package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-network-server/internal/models"
	"github.com/lorawan-server/lorawan-network-server/internal/region"
	"github.com/lorawan-server/lorawan-network-server/pkg/lorawan"
)

// device loads the device of the {dev_eui} URL parameter and checks that
// the user may access it. On failure the error response is written and
// nil returned.
func (s *RESTServer) device(w http.ResponseWriter, r *http.Request) *models.Device {
	ctx := r.Context()

	devEUI, err := parseEUI64(chi.URLParam(r, "dev_eui"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid dev_eui")
		return nil
	}

	device, err := s.store.GetDevice(ctx, devEUI)
	if err != nil {
		s.respondStoreError(w, "device", err)
		return nil
	}

	app, err := s.store.GetApplication(ctx, device.ApplicationID)
	if err != nil {
		s.respondStoreError(w, "application", err)
		return nil
	}
	if !canAccess(ctx, app.TenantID) {
		// do not leak the existence of devices of other tenants
		s.respondError(w, http.StatusNotFound, "device not found")
		return nil
	}
	return device
}

// HandleGetDevice gets a device
func (s *RESTServer) HandleGetDevice(w http.ResponseWriter, r *http.Request) {
	device := s.device(w, r)
	if device == nil {
		return
	}
	s.respondJSON(w, http.StatusOK, device)
}

// HandleSetDeviceDisabled enables or disables a device. Uplinks of a
// disabled device are dropped.
func (s *RESTServer) HandleSetDeviceDisabled(w http.ResponseWriter, r *http.Request) {
	device := s.device(w, r)
	if device == nil {
		return
	}

	var req struct {
		Disabled *bool `json:"disabled" validate:"required"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	device.IsDisabled = *req.Disabled
	if err := s.store.UpdateDevice(r.Context(), device); err != nil {
		s.respondStoreError(w, "device", err)
		return
	}

	log.Info().
		Str("dev_eui", device.DevEUI.String()).
		Bool("disabled", device.IsDisabled).
		Msg("device state changed")
	s.respondJSON(w, http.StatusOK, device)
}

// sessionResponse is the device session without its keys
type sessionResponse struct {
	DevEUI         lorawan.EUI64      `json:"devEUI"`
	DevAddr        lorawan.DevAddr    `json:"devAddr"`
	MACVersion     lorawan.MACVersion `json:"macVersion"`
	RegionConfigID string             `json:"regionConfigID"`
	AppSKeyKEK     string             `json:"appSKeyKEKLabel,omitempty"`

	FCntUp        uint32 `json:"fCntUp"`
	NFCntDown     uint32 `json:"nFCntDown"`
	AFCntDown     uint32 `json:"aFCntDown"`
	SkipFCntCheck bool   `json:"skipFCntCheck"`

	EnabledUplinkChannels []int `json:"enabledUplinkChannels"`
	DR                    int   `json:"dr"`
	TxPowerIndex          int   `json:"txPowerIndex"`
	NbTrans               int   `json:"nbTrans"`
	ADR                   bool  `json:"adr"`

	RX1Delay     int    `json:"rx1Delay"`
	RX1DROffset  int    `json:"rx1DROffset"`
	RX2DR        int    `json:"rx2DR"`
	RX2Frequency uint32 `json:"rx2Frequency"`
}

// HandleGetDeviceSession returns the session state of a device. The keys
// are never returned.
func (s *RESTServer) HandleGetDeviceSession(w http.ResponseWriter, r *http.Request) {
	device := s.device(w, r)
	if device == nil {
		return
	}

	ds, err := s.store.GetDeviceSession(r.Context(), device.DevEUI)
	if err != nil {
		s.respondStoreError(w, "device session", err)
		return
	}

	s.respondJSON(w, http.StatusOK, sessionResponse{
		DevEUI:                ds.DevEUI,
		DevAddr:               ds.DevAddr,
		MACVersion:            ds.MACVersion,
		RegionConfigID:        ds.RegionConfigID,
		AppSKeyKEK:            ds.AppSKey.KEKLabel,
		FCntUp:                ds.FCntUp,
		NFCntDown:             ds.NFCntDown,
		AFCntDown:             ds.AFCntDown,
		SkipFCntCheck:         ds.SkipFCntCheck,
		EnabledUplinkChannels: ds.EnabledUplinkChannelIndices,
		DR:                    ds.DR,
		TxPowerIndex:          ds.TxPowerIndex,
		NbTrans:               ds.NbTrans,
		ADR:                   ds.ADR,
		RX1Delay:              ds.RX1Delay,
		RX1DROffset:           ds.RX1DROffset,
		RX2DR:                 ds.RX2DR,
		RX2Frequency:          ds.RX2Frequency,
	})
}

// HandleActivateDevice activates a device by personalization (ABP). A 1.0
// device only has the NwkSKey, a 1.1 device needs all three network keys.
func (s *RESTServer) HandleActivateDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	device := s.device(w, r)
	if device == nil {
		return
	}

	var req struct {
		DevAddr        string `json:"dev_addr" validate:"required,len=8,hex"`
		AppSKey        string `json:"app_s_key" validate:"required,len=32,hex"`
		NwkSKey        string `json:"nwk_s_key" validate:"omitempty,len=32,hex"`
		FNwkSIntKey    string `json:"f_nwk_s_int_key" validate:"omitempty,len=32,hex"`
		SNwkSIntKey    string `json:"s_nwk_s_int_key" validate:"omitempty,len=32,hex"`
		NwkSEncKey     string `json:"nwk_s_enc_key" validate:"omitempty,len=32,hex"`
		FCntUp         uint32 `json:"f_cnt_up"`
		NFCntDown      uint32 `json:"n_f_cnt_down"`
		AFCntDown      uint32 `json:"a_f_cnt_down"`
		SkipFCntCheck  bool   `json:"skip_f_cnt_check"`
		RegionConfigID string `json:"region_config_id"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	dp, err := s.store.GetDeviceProfile(ctx, device.DeviceProfileID)
	if err != nil {
		s.respondStoreError(w, "device profile", err)
		return
	}

	rg, err := s.regionForProfile(dp, req.RegionConfigID)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	ds := &models.DeviceSession{
		DevEUI:        device.DevEUI,
		JoinEUI:       device.JoinEUI,
		MACVersion:    dp.MACVersion,
		FCntUp:        req.FCntUp,
		NFCntDown:     req.NFCntDown,
		AFCntDown:     req.AFCntDown,
		SkipFCntCheck: req.SkipFCntCheck || device.SkipFCntCheck,
	}
	if ds.DevAddr, err = parseDevAddr(req.DevAddr); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid dev_addr")
		return
	}

	if dp.MACVersion.Is11() {
		if req.FNwkSIntKey == "" || req.SNwkSIntKey == "" || req.NwkSEncKey == "" {
			s.respondError(w, http.StatusBadRequest, "LoRaWAN 1.1 devices need all three network session keys")
			return
		}
		ds.FNwkSIntKey, _ = parseKey(req.FNwkSIntKey)
		ds.SNwkSIntKey, _ = parseKey(req.SNwkSIntKey)
		ds.NwkSEncKey, _ = parseKey(req.NwkSEncKey)
	} else {
		if req.NwkSKey == "" {
			s.respondError(w, http.StatusBadRequest, "nwk_s_key is required")
			return
		}
		nwkSKey, _ := parseKey(req.NwkSKey)
		ds.FNwkSIntKey, ds.SNwkSIntKey, ds.NwkSEncKey = nwkSKey, nwkSKey, nwkSKey
	}

	appSKey, _ := parseKey(req.AppSKey)
	if ds.AppSKey, err = s.appSKeyEnvelope(appSKey); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// ABP devices start from the region defaults, they never got a CFList
	rg.ResetDeviceSession(ds, false)

	if err := s.store.SaveDeviceSession(ctx, ds); err != nil {
		s.respondStoreError(w, "device session", err)
		return
	}

	log.Info().
		Str("dev_eui", device.DevEUI.String()).
		Str("dev_addr", ds.DevAddr.String()).
		Str("region_config_id", rg.ID).
		Msg("device activated")

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message":          "device activated successfully",
		"dev_addr":         ds.DevAddr,
		"region_config_id": rg.ID,
	})
}

// regionForProfile returns the region the session is bound to: the
// requested one or else the first configured region of the profile's band
func (s *RESTServer) regionForProfile(dp *models.DeviceProfile, id string) (*region.Region, error) {
	snap := s.regions.Load()
	if id != "" {
		rg, err := snap.Get(id)
		if err != nil {
			return nil, err
		}
		if rg.CommonName != dp.Region {
			return nil, fmt.Errorf("region %s is not a %s region", id, dp.Region)
		}
		return rg, nil
	}
	for _, rg := range snap.All() {
		if rg.CommonName == dp.Region {
			return rg, nil
		}
	}
	return nil, errors.New("no region configured for " + dp.Region)
}

func (s *RESTServer) appSKeyEnvelope(key lorawan.AES128Key) (models.KeyEnvelope, error) {
	if s.keks == nil || s.kekLabel == "" {
		return models.KeyEnvelope{AESKey: append([]byte(nil), key[:]...)}, nil
	}
	wrapped, err := s.keks.Wrap(s.kekLabel, key[:])
	if err != nil {
		return models.KeyEnvelope{}, fmt.Errorf("wrap AppSKey: %w", err)
	}
	return models.KeyEnvelope{KEKLabel: s.kekLabel, AESKey: wrapped}, nil
}

package uplink

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-network-server/internal/config"
	"github.com/lorawan-server/lorawan-network-server/internal/gateway"
	"github.com/lorawan-server/lorawan-network-server/internal/integration"
	"github.com/lorawan-server/lorawan-network-server/internal/models"
	"github.com/lorawan-server/lorawan-network-server/internal/network/downlink"
	"github.com/lorawan-server/lorawan-network-server/internal/network/lock"
	"github.com/lorawan-server/lorawan-network-server/internal/network/maccommand"
	"github.com/lorawan-server/lorawan-network-server/internal/region"
	"github.com/lorawan-server/lorawan-network-server/internal/storage"
	"github.com/lorawan-server/lorawan-network-server/pkg/crypto"
	"github.com/lorawan-server/lorawan-network-server/pkg/lorawan"
)

var (
	testDevEUI   = lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	testJoinEUI  = lorawan.EUI64{9, 9, 9, 9, 9, 9, 9, 9}
	testDevAddr  = lorawan.DevAddr{1, 2, 3, 4}
	publicGW     = lorawan.EUI64{8, 7, 6, 5, 4, 3, 2, 1}
	secondGW     = lorawan.EUI64{8, 7, 6, 5, 4, 3, 2, 2}
	privateGW    = lorawan.EUI64{8, 7, 6, 5, 4, 3, 2, 3}
	unknownGW    = lorawan.EUI64{8, 7, 6, 5, 4, 3, 2, 4}
	nwkSKey      = lorawan.AES128Key{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1}
	appSKey      = lorawan.AES128Key{2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2}
	appKey       = lorawan.AES128Key{3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3}
	testPayload  = []byte{0x01, 0x02, 0x03}
	testRegionID = "eu868"
)

type testEnv struct {
	store    *storage.MemoryStore
	handler  *integration.MockHandler
	backend  *gateway.MockBackend
	pipeline *Pipeline
	device   *models.Device
	dp       *models.DeviceProfile
	tenant   *models.Tenant
}

func newTestEnv(t *testing.T) *testEnv {
	ctx := context.Background()

	regions, err := region.NewRegistry([]config.RegionConfig{
		{ID: testRegionID, CommonName: "EU868", Network: config.RegionNetworkConfig{InstallationMargin: 10, DownlinkTxPower: -1}},
		{ID: "eu868-secondary", CommonName: "EU868", Network: config.RegionNetworkConfig{InstallationMargin: 10, DownlinkTxPower: -1}},
	})
	require.NoError(t, err)
	r, err := regions.Load().Get(testRegionID)
	require.NoError(t, err)

	store := storage.NewMemoryStore(time.Hour)

	tenant := &models.Tenant{Name: "tenant"}
	require.NoError(t, store.CreateTenant(ctx, tenant))
	other := &models.Tenant{Name: "other", PrivateGatewaysUp: true, PrivateGatewaysDown: true}
	require.NoError(t, store.CreateTenant(ctx, other))

	for _, gw := range []struct {
		id     lorawan.EUI64
		tenant uuid.UUID
	}{
		{publicGW, tenant.ID},
		{secondGW, tenant.ID},
		{privateGW, other.ID},
	} {
		g := &models.Gateway{GatewayID: gw.id, Name: gw.id.String()}
		g.TenantID = gw.tenant
		require.NoError(t, store.CreateGateway(ctx, g))
	}

	app := &models.Application{Name: "app"}
	app.TenantID = tenant.ID
	require.NoError(t, store.CreateApplication(ctx, app))
	dp := &models.DeviceProfile{
		Name:           "profile",
		Region:         "EU868",
		MACVersion:     lorawan.MACVersion103,
		SupportsOTAA:   true,
		SupportsClassC: true,
		ClassCTimeout:  30,
	}
	dp.TenantID = tenant.ID
	require.NoError(t, store.CreateDeviceProfile(ctx, dp))
	device := &models.Device{
		DevEUI:          testDevEUI,
		JoinEUI:         testJoinEUI,
		ApplicationID:   app.ID,
		DeviceProfileID: dp.ID,
		Name:            "sensor-1",
		EnabledClass:    models.DeviceClassA,
	}
	require.NoError(t, store.CreateDevice(ctx, device))

	ds := &models.DeviceSession{
		DevEUI:      testDevEUI,
		JoinEUI:     testJoinEUI,
		DevAddr:     testDevAddr,
		MACVersion:  lorawan.MACVersion103,
		FNwkSIntKey: nwkSKey,
		SNwkSIntKey: nwkSKey,
		NwkSEncKey:  nwkSKey,
		AppSKey:     models.KeyEnvelope{AESKey: appSKey[:]},
		FCntUp:      10,
	}
	r.ResetDeviceSession(ds, true)
	require.NoError(t, store.SaveDeviceSession(ctx, ds))

	cfg := config.NetworkConfig{
		NetID:               "000013",
		Workers:             4,
		ADRBackoffThreshold: 2,
		ClassALockDuration:  5 * time.Second,
		ClassCLockDuration:  time.Second,
	}

	handler := integration.NewMockHandler()
	backend := gateway.NewMockBackend()
	locker := lock.NewDeviceLocker(store)
	mac := maccommand.NewProcessor(store, handler, nil, false)
	scheduler := downlink.NewScheduler(cfg, store, backend, handler, mac, locker, regions)

	p, err := NewPipeline(cfg, store, regions, handler, mac, nil, scheduler, locker)
	require.NoError(t, err)

	return &testEnv{
		store:    store,
		handler:  handler,
		backend:  backend,
		pipeline: p,
		device:   device,
		dp:       dp,
		tenant:   tenant,
	}
}

type uplinkOpts struct {
	fCnt      uint32
	confirmed bool
	ack       bool
	adrACKReq bool
	key       lorawan.AES128Key
	version   lorawan.MACVersion
}

func (e *testEnv) uplink(t *testing.T, o uplinkOpts, gateways ...lorawan.EUI64) *models.UplinkFrameSet {
	if o.key == (lorawan.AES128Key{}) {
		o.key = nwkSKey
	}
	mType := lorawan.UnconfirmedDataUp
	if o.confirmed {
		mType = lorawan.ConfirmedDataUp
	}

	data, err := lorawan.EncryptFRMPayload(appSKey, true, testDevAddr, o.fCnt, testPayload)
	require.NoError(t, err)
	fPort := uint8(10)
	phy := lorawan.PHYPayload{
		MHDR: lorawan.MHDR{MType: mType, Major: lorawan.LoRaWANR1},
		MACPayload: &lorawan.MACPayload{
			FHDR: lorawan.FHDR{
				DevAddr: testDevAddr,
				FCtrl:   lorawan.FCtrl{ADR: true, ACK: o.ack, ADRACKReq: o.adrACKReq},
				FCnt:    o.fCnt,
			},
			FPort:      &fPort,
			FRMPayload: data,
		},
	}
	if o.version == "" {
		o.version = lorawan.MACVersion103
	}
	sec, err := lorawan.NewSecurity(o.version, lorawan.SessionKeys{FNwkSIntKey: o.key, SNwkSIntKey: o.key, NwkSEncKey: o.key})
	require.NoError(t, err)
	require.NoError(t, phy.SetUplinkDataMIC(sec, 0, 5, 0))
	b, err := phy.MarshalBinary()
	require.NoError(t, err)

	return frameSet(b, gateways...)
}

func frameSet(phy []byte, gateways ...lorawan.EUI64) *models.UplinkFrameSet {
	ufs := &models.UplinkFrameSet{
		ID:               uuid.New(),
		PHYPayload:       phy,
		TxInfo:           models.TxInfo{Frequency: 868100000, DR: 5},
		ReceivedAt:       time.Now(),
		RegionConfigID:   testRegionID,
		RegionCommonName: "EU868",
	}
	for i, gw := range gateways {
		ufs.RxInfo = append(ufs.RxInfo, models.RxInfo{
			GatewayID: gw,
			RSSI:      -60 - i,
			SNR:       7 - float64(i),
			Context:   []byte{1, 2, 3, byte(i)},
		})
	}
	return ufs
}

func (e *testEnv) session(t *testing.T) *models.DeviceSession {
	ds, err := e.store.GetDeviceSession(context.Background(), testDevEUI)
	require.NoError(t, err)
	return ds
}

func (e *testEnv) setMACVersion(t *testing.T, version lorawan.MACVersion) {
	ds := e.session(t)
	ds.MACVersion = version
	require.NoError(t, e.store.SaveDeviceSession(context.Background(), ds))
}

func TestHandleUplink(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, e.pipeline.HandleUplink(ctx, e.uplink(t, uplinkOpts{fCnt: 10}, publicGW)))

	ds := e.session(t)
	assert.EqualValues(t, 11, ds.FCntUp)
	assert.True(t, ds.ADR)
	assert.Equal(t, 5, ds.DR)
	require.Len(t, ds.UplinkADRHistory, 1)
	assert.Equal(t, models.UplinkADRHistory{FCnt: 10, MaxSNR: 7, MaxRSSI: -60, GatewayCount: 1}, ds.UplinkADRHistory[0])

	require.Len(t, e.handler.UplinkEvents, 1)
	ev := e.handler.UplinkEvents[0]
	assert.Equal(t, testPayload, ev.Data)
	assert.Nil(t, ev.KeyEnvelope)
	assert.EqualValues(t, 10, ev.FCnt)
	assert.EqualValues(t, 10, ev.FPort)
	assert.Equal(t, 5, ev.DR)
	assert.Equal(t, testDevAddr, ev.DevAddr)
	assert.Equal(t, "sensor-1", ev.DeviceInfo.DeviceName)
	assert.Equal(t, "tenant", ev.DeviceInfo.TenantName)
	assert.Equal(t, models.DeviceClassC, ev.DeviceInfo.DeviceClass)
	assert.False(t, ev.Confirmed)

	dev, err := e.store.GetDevice(ctx, testDevEUI)
	require.NoError(t, err)
	assert.NotNil(t, dev.LastSeenAt)
	assert.Equal(t, models.DeviceClassC, dev.EnabledClass)

	rxInfo, err := e.store.GetDeviceGatewayRxInfo(ctx, testDevEUI)
	require.NoError(t, err)
	assert.Equal(t, 5, rxInfo.DR)
	require.Len(t, rxInfo.Items, 1)
	assert.Equal(t, publicGW, rxInfo.Items[0].GatewayID)
}

func TestDuplicateUplink(t *testing.T) {
	t.Run("merged receptions", func(t *testing.T) {
		e := newTestEnv(t)
		require.NoError(t, e.pipeline.HandleUplink(context.Background(), e.uplink(t, uplinkOpts{fCnt: 10}, publicGW, secondGW)))

		assert.EqualValues(t, 11, e.session(t).FCntUp)
		require.Len(t, e.handler.UplinkEvents, 1)
		assert.Len(t, e.handler.UplinkEvents[0].RxInfo, 2)
	})

	t.Run("late copy", func(t *testing.T) {
		e := newTestEnv(t)
		ctx := context.Background()
		require.NoError(t, e.pipeline.HandleUplink(ctx, e.uplink(t, uplinkOpts{fCnt: 10}, publicGW)))

		err := e.pipeline.HandleUplink(ctx, e.uplink(t, uplinkOpts{fCnt: 10}, secondGW))
		assert.ErrorIs(t, err, ErrAbort)
		assert.EqualValues(t, 11, e.session(t).FCntUp)
		assert.Len(t, e.handler.UplinkEvents, 1)
		require.Len(t, e.handler.LogEvents, 1)
		assert.Equal(t, models.LogCodeUplinkFCntRetransmission, e.handler.LogEvents[0].Code)
	})

	t.Run("concurrent copies", func(t *testing.T) {
		e := newTestEnv(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i, gw := range []lorawan.EUI64{publicGW, secondGW} {
			wg.Add(1)
			go func(i int, ufs *models.UplinkFrameSet) {
				defer wg.Done()
				errs[i] = e.pipeline.HandleUplink(ctx, ufs)
			}(i, e.uplink(t, uplinkOpts{fCnt: 10}, gw))
		}
		wg.Wait()

		var handled int
		for _, err := range errs {
			if err == nil {
				handled++
			} else {
				assert.ErrorIs(t, err, ErrAbort)
			}
		}
		assert.Equal(t, 1, handled)
		assert.EqualValues(t, 11, e.session(t).FCntUp)
		assert.Len(t, e.handler.UplinkEvents, 1)
	})
}

func TestFrameCounterMonotonic(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, e.pipeline.HandleUplink(ctx, e.uplink(t, uplinkOpts{fCnt: 10}, publicGW)))

	err := e.pipeline.HandleUplink(ctx, e.uplink(t, uplinkOpts{fCnt: 8}, publicGW))
	assert.ErrorIs(t, err, ErrAbort)
	assert.EqualValues(t, 11, e.session(t).FCntUp)
	require.Len(t, e.handler.LogEvents, 1)
	assert.Equal(t, models.LogCodeUplinkFCntReset, e.handler.LogEvents[0].Code)

	// a gap in the counter is accepted
	require.NoError(t, e.pipeline.HandleUplink(ctx, e.uplink(t, uplinkOpts{fCnt: 15}, publicGW)))
	assert.EqualValues(t, 16, e.session(t).FCntUp)
	assert.Len(t, e.handler.UplinkEvents, 2)
}

func TestSkipFCntCheck(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.device.SkipFCntCheck = true
	require.NoError(t, e.store.UpdateDevice(ctx, e.device))

	require.NoError(t, e.pipeline.HandleUplink(ctx, e.uplink(t, uplinkOpts{fCnt: 3}, publicGW)))
	assert.EqualValues(t, 4, e.session(t).FCntUp)
	assert.Len(t, e.handler.UplinkEvents, 1)
}

func TestFCntResetToZero(t *testing.T) {
	for _, version := range []lorawan.MACVersion{lorawan.MACVersion103, lorawan.MACVersion110} {
		t.Run(string(version)+" skip check", func(t *testing.T) {
			e := newTestEnv(t)
			ctx := context.Background()
			e.setMACVersion(t, version)
			e.device.SkipFCntCheck = true
			require.NoError(t, e.store.UpdateDevice(ctx, e.device))

			require.NoError(t, e.pipeline.HandleUplink(ctx, e.uplink(t, uplinkOpts{fCnt: 0, version: version}, publicGW)))
			assert.EqualValues(t, 1, e.session(t).FCntUp)
			require.Len(t, e.handler.UplinkEvents, 1)
			assert.EqualValues(t, 0, e.handler.UplinkEvents[0].FCnt)
		})

		t.Run(string(version)+" reset is rejected", func(t *testing.T) {
			e := newTestEnv(t)
			ctx := context.Background()
			e.setMACVersion(t, version)

			err := e.pipeline.HandleUplink(ctx, e.uplink(t, uplinkOpts{fCnt: 0, version: version}, publicGW))
			assert.ErrorIs(t, err, ErrAbort)
			assert.EqualValues(t, 10, e.session(t).FCntUp)
			assert.Empty(t, e.handler.UplinkEvents)
			require.Len(t, e.handler.LogEvents, 1)
			assert.Equal(t, models.LogCodeUplinkFCntReset, e.handler.LogEvents[0].Code)
		})
	}
}

func TestRegionFilter(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	before := e.session(t)

	ufs := e.uplink(t, uplinkOpts{fCnt: 10}, publicGW)
	ufs.RegionConfigID = "eu868-secondary"

	err := e.pipeline.HandleUplink(ctx, ufs)
	assert.ErrorIs(t, err, ErrAbort)
	assert.Equal(t, before, e.session(t))
	assert.Empty(t, e.handler.UplinkEvents)
	assert.Empty(t, e.backend.Frames)

	events, total, err := e.store.ListEventLogs(ctx, storage.EventLogFilters{}, 10, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Equal(t, models.LogCodeUplinkMIC, events[0].Code)
}

func TestInvalidMIC(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	ufs := e.uplink(t, uplinkOpts{fCnt: 10, key: appKey}, publicGW)
	err := e.pipeline.HandleUplink(ctx, ufs)
	assert.ErrorIs(t, err, ErrAbort)
	assert.EqualValues(t, 10, e.session(t).FCntUp)
	assert.Empty(t, e.handler.UplinkEvents)

	micValid := false
	frames, total, err := e.store.ListUplinkFrameLogs(ctx, storage.FrameLogFilters{MICValid: &micValid}, 10, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	assert.Equal(t, ufs.PHYPayload, frames[0].PHYPayload)
	assert.Equal(t, testDevAddr, frames[0].DevAddr)
	assert.Nil(t, frames[0].DevEUI)
	assert.Equal(t, publicGW, frames[0].RxInfo[0].GatewayID)

	events, _, err := e.store.ListEventLogs(ctx, storage.EventLogFilters{}, 10, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].GatewayID)
	assert.Equal(t, publicGW, *events[0].GatewayID)
}

func TestGatewayIsolation(t *testing.T) {
	t.Run("private gateway of another tenant", func(t *testing.T) {
		e := newTestEnv(t)
		before := e.session(t)

		err := e.pipeline.HandleUplink(context.Background(), e.uplink(t, uplinkOpts{fCnt: 10}, privateGW))
		assert.ErrorIs(t, err, ErrAbort)
		assert.Equal(t, before, e.session(t))
		assert.Empty(t, e.handler.UplinkEvents)
	})

	t.Run("mixed receptions", func(t *testing.T) {
		e := newTestEnv(t)

		require.NoError(t, e.pipeline.HandleUplink(context.Background(), e.uplink(t, uplinkOpts{fCnt: 10, confirmed: true}, privateGW, publicGW)))
		require.Len(t, e.handler.UplinkEvents, 1)
		rxInfo := e.handler.UplinkEvents[0].RxInfo
		require.Len(t, rxInfo, 1)
		assert.Equal(t, publicGW, rxInfo[0].GatewayID)

		require.Len(t, e.backend.Frames, 1)
		assert.Equal(t, publicGW, e.backend.Frames[0].GatewayID)
	})

	t.Run("unknown gateway", func(t *testing.T) {
		e := newTestEnv(t)

		err := e.pipeline.HandleUplink(context.Background(), e.uplink(t, uplinkOpts{fCnt: 10}, unknownGW))
		assert.ErrorIs(t, err, ErrAbort)
		assert.EqualValues(t, 10, e.session(t).FCntUp)
	})
}

func TestDisabledDevice(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	before := e.session(t)

	e.device.IsDisabled = true
	require.NoError(t, e.store.UpdateDevice(ctx, e.device))

	err := e.pipeline.HandleUplink(ctx, e.uplink(t, uplinkOpts{fCnt: 10, confirmed: true}, publicGW))
	assert.ErrorIs(t, err, ErrAbort)
	assert.Equal(t, before, e.session(t))
	assert.Empty(t, e.handler.UplinkEvents)
	assert.Empty(t, e.handler.LogEvents)
	assert.Empty(t, e.backend.Frames)
}

func TestConfirmedUplink(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, e.pipeline.HandleUplink(ctx, e.uplink(t, uplinkOpts{fCnt: 10, confirmed: true}, publicGW)))

	require.Len(t, e.backend.Frames, 1)
	frame := e.backend.Frames[0]
	assert.Equal(t, testDevEUI, frame.DevEUI)
	require.Len(t, frame.Items, 2)

	var phy lorawan.PHYPayload
	require.NoError(t, phy.UnmarshalBinary(frame.Items[0].PHYPayload))
	assert.Equal(t, lorawan.UnconfirmedDataDown, phy.MHDR.MType)
	assert.True(t, phy.MACPayload.FHDR.FCtrl.ACK)
	assert.EqualValues(t, 1, e.session(t).NFCntDown)
}

func TestUplinkAck(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	fCnt := uint32(4)
	timeout := time.Now().Add(time.Minute)
	qi := &models.DeviceQueueItem{
		DevEUI:       testDevEUI,
		FPort:        2,
		Data:         []byte{1},
		Confirmed:    true,
		IsPending:    true,
		FCntDown:     &fCnt,
		TimeoutAfter: &timeout,
	}
	require.NoError(t, e.store.CreateDeviceQueueItem(ctx, qi))

	require.NoError(t, e.pipeline.HandleUplink(ctx, e.uplink(t, uplinkOpts{fCnt: 10, ack: true}, publicGW)))

	require.Len(t, e.handler.AckEvents, 1)
	ack := e.handler.AckEvents[0]
	assert.True(t, ack.Acknowledged)
	assert.Equal(t, qi.ID, ack.QueueItemID)
	assert.EqualValues(t, 4, ack.FCntDown)

	items, err := e.store.GetDeviceQueueItems(ctx, testDevEUI)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestWrappedAppSKey(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	keks, err := crypto.NewKEKRing(map[string]string{"kek-1": "000102030405060708090a0b0c0d0e0f"})
	require.NoError(t, err)
	wrapped, err := keks.Wrap("kek-1", appSKey[:])
	require.NoError(t, err)

	ds := e.session(t)
	ds.AppSKey = models.KeyEnvelope{KEKLabel: "kek-1", AESKey: wrapped}
	require.NoError(t, e.store.SaveDeviceSession(ctx, ds))

	require.NoError(t, e.pipeline.HandleUplink(ctx, e.uplink(t, uplinkOpts{fCnt: 10}, publicGW)))

	require.Len(t, e.handler.UplinkEvents, 1)
	ev := e.handler.UplinkEvents[0]
	require.NotNil(t, ev.KeyEnvelope)
	assert.Equal(t, "kek-1", ev.KeyEnvelope.KEKLabel)

	key, err := keks.Unwrap(ev.KeyEnvelope.KEKLabel, ev.KeyEnvelope.AESKey)
	require.NoError(t, err)
	var k lorawan.AES128Key
	copy(k[:], key)
	plain, err := lorawan.EncryptFRMPayload(k, true, testDevAddr, ev.FCnt, ev.Data)
	require.NoError(t, err)
	assert.Equal(t, testPayload, plain)
}

func TestADRBackoff(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, e.pipeline.HandleUplink(ctx, e.uplink(t, uplinkOpts{fCnt: 10, adrACKReq: true}, publicGW)))
	ds := e.session(t)
	assert.Equal(t, 1, ds.ADRBackoffCount)
	assert.Equal(t, 5, ds.DR)
	// ADRACKReq must be answered
	assert.Len(t, e.backend.Frames, 1)

	require.NoError(t, e.pipeline.HandleUplink(ctx, e.uplink(t, uplinkOpts{fCnt: 11, adrACKReq: true}, publicGW)))
	ds = e.session(t)
	assert.Equal(t, 0, ds.ADRBackoffCount)
	assert.Equal(t, 0, ds.DR)
	assert.Equal(t, 0, ds.TxPowerIndex)
}

func TestJoin(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, e.store.SetDeviceKeys(ctx, &models.DeviceKeys{DevEUI: testDevEUI, AppKey: appKey, NwkKey: appKey}))
	require.NoError(t, e.store.CreateDeviceQueueItem(ctx, &models.DeviceQueueItem{DevEUI: testDevEUI, FPort: 1, Data: []byte{1}}))

	joinRequest := func(devNonce uint16) *models.UplinkFrameSet {
		phy := lorawan.PHYPayload{
			MHDR:        lorawan.MHDR{MType: lorawan.JoinRequest, Major: lorawan.LoRaWANR1},
			JoinRequest: &lorawan.JoinRequestPayload{JoinEUI: testJoinEUI, DevEUI: testDevEUI, DevNonce: devNonce},
		}
		require.NoError(t, phy.SetJoinRequestMIC(appKey))
		b, err := phy.MarshalBinary()
		require.NoError(t, err)
		return frameSet(b, publicGW)
	}

	require.NoError(t, e.pipeline.HandleUplink(ctx, joinRequest(258)))

	ds := e.session(t)
	assert.EqualValues(t, 0x13, ds.DevAddr[0]>>1)
	assert.EqualValues(t, 0, ds.FCntUp)
	assert.EqualValues(t, 0, ds.NFCntDown)
	assert.Equal(t, testRegionID, ds.RegionConfigID)

	keys, err := e.store.GetDeviceKeys(ctx, testDevEUI)
	require.NoError(t, err)
	assert.EqualValues(t, 1, keys.JoinNonce)

	netID := lorawan.NetID{0x00, 0x00, 0x13}
	wantNwkSKey, wantAppSKey, err := lorawan.DeriveSessionKeys10(appKey, 1, netID, 258)
	require.NoError(t, err)
	assert.Equal(t, wantNwkSKey, ds.FNwkSIntKey)
	assert.Equal(t, wantAppSKey, ds.AppSKey.Key())

	items, err := e.store.GetDeviceQueueItems(ctx, testDevEUI)
	require.NoError(t, err)
	assert.Empty(t, items)

	require.Len(t, e.backend.Frames, 1)
	frame := e.backend.Frames[0]
	require.Len(t, frame.Items, 2)
	assert.Equal(t, 5*time.Second, frame.Items[0].TxInfo.Timing.Delay)
	assert.Equal(t, 6*time.Second, frame.Items[1].TxInfo.Timing.Delay)

	ja, err := lorawan.DecryptJoinAccept(frame.Items[0].PHYPayload, appKey)
	require.NoError(t, err)
	require.NotNil(t, ja.JoinAccept)
	assert.Equal(t, ds.DevAddr, ja.JoinAccept.DevAddr)
	assert.EqualValues(t, 1, ja.JoinAccept.JoinNonce)
	assert.Equal(t, netID, ja.JoinAccept.NetID)
	assert.EqualValues(t, 1, ja.JoinAccept.RxDelay)

	require.Len(t, e.handler.JoinEvents, 1)
	assert.Equal(t, ds.DevAddr, e.handler.JoinEvents[0].DevAddr)

	t.Run("DevNonce reuse", func(t *testing.T) {
		err := e.pipeline.HandleUplink(ctx, joinRequest(258))
		assert.ErrorIs(t, err, ErrAbort)
		assert.Len(t, e.handler.JoinEvents, 1)
		require.NotEmpty(t, e.handler.LogEvents)
		assert.Equal(t, models.LogCodeOTAA, e.handler.LogEvents[len(e.handler.LogEvents)-1].Code)
		assert.Equal(t, ds, e.session(t))
	})

	t.Run("invalid MIC", func(t *testing.T) {
		ufs := joinRequest(300)
		ufs.PHYPayload[len(ufs.PHYPayload)-1] ^= 0xff
		err := e.pipeline.HandleUplink(ctx, ufs)
		assert.ErrorIs(t, err, ErrAbort)
		assert.Len(t, e.handler.JoinEvents, 1)
	})
}

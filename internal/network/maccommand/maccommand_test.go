package maccommand

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-network-server/internal/config"
	"github.com/lorawan-server/lorawan-network-server/internal/integration"
	"github.com/lorawan-server/lorawan-network-server/internal/models"
	"github.com/lorawan-server/lorawan-network-server/internal/region"
	"github.com/lorawan-server/lorawan-network-server/internal/storage"
	"github.com/lorawan-server/lorawan-network-server/pkg/lorawan"
)

var testDevEUI = lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}

func testRegion(t *testing.T, modify func(c *config.RegionConfig)) *region.Region {
	rc := config.RegionConfig{
		ID:         "eu868",
		CommonName: "EU868",
		Network: config.RegionNetworkConfig{
			InstallationMargin: 10,
			MaxDR:              5,
			DownlinkTxPower:    -1,
		},
	}
	if modify != nil {
		modify(&rc)
	}

	s, err := region.Build([]config.RegionConfig{rc})
	require.NoError(t, err)
	r, err := s.Get("eu868")
	require.NoError(t, err)
	return r
}

func testSession(r *region.Region) *models.DeviceSession {
	ds := &models.DeviceSession{
		DevEUI:     testDevEUI,
		MACVersion: lorawan.MACVersion103,
	}
	r.ResetDeviceSession(ds, true)
	return ds
}

type testEnv struct {
	store   *storage.MemoryStore
	handler *integration.MockHandler
	proc    *Processor
	region  *region.Region
	ds      *models.DeviceSession
	device  *models.Device
}

func newTestEnv(t *testing.T) *testEnv {
	store := storage.NewMemoryStore(time.Hour)
	handler := integration.NewMockHandler()
	r := testRegion(t, nil)

	device := &models.Device{DevEUI: testDevEUI, Name: "sensor-1"}
	require.NoError(t, store.CreateDevice(context.Background(), device))

	return &testEnv{
		store:   store,
		handler: handler,
		proc:    NewProcessor(store, handler, nil, false),
		region:  r,
		ds:      testSession(r),
		device:  device,
	}
}

func (e *testEnv) setPending(t *testing.T, set lorawan.MACCommandSet) {
	p, err := lorawan.NewPendingMACCommand(set, time.Now())
	require.NoError(t, err)
	require.NoError(t, e.store.SetPendingMACCommand(context.Background(), testDevEUI, p))
}

func (e *testEnv) request(cmds ...lorawan.MACCommand) UplinkRequest {
	return UplinkRequest{
		Region:        e.region,
		DeviceSession: e.ds,
		Device:        e.device,
		DeviceProfile: &models.DeviceProfile{MACVersion: lorawan.MACVersion103},
		DeviceInfo:    models.DeviceInfo{DevEUI: testDevEUI, ApplicationID: uuid.New()},
		UplinkFrameSet: &models.UplinkFrameSet{
			TxInfo: models.TxInfo{Frequency: 868100000, DR: 0},
			RxInfo: []models.RxInfo{
				{GatewayID: lorawan.EUI64{1}, SNR: -5, RSSI: -100},
				{GatewayID: lorawan.EUI64{2}, SNR: -12, RSSI: -110},
			},
			ReceivedAt: time.Now(),
		},
		Commands: cmds,
	}
}

func linkADRReq(dr, txPower, nbRep uint8, channels ...int) lorawan.MACCommand {
	pl := &lorawan.LinkADRReqPayload{
		DataRate:   dr,
		TXPower:    txPower,
		Redundancy: lorawan.Redundancy{NbRep: nbRep},
	}
	for _, c := range channels {
		pl.ChMask[c] = true
	}
	return lorawan.MACCommand{CID: lorawan.LinkADRReq, Payload: pl}
}

func linkADRAns(chMask, dr, power bool) lorawan.MACCommand {
	return lorawan.MACCommand{
		CID:     lorawan.LinkADRAns,
		Payload: &lorawan.LinkADRAnsPayload{ChannelMaskACK: chMask, DataRateACK: dr, PowerACK: power},
	}
}

func TestGroupByCID(t *testing.T) {
	cmds := lorawan.MACCommandSet{
		linkADRAns(true, true, true),
		{CID: lorawan.DevStatusAns, Payload: &lorawan.DevStatusAnsPayload{Battery: 10}},
		linkADRAns(true, false, true),
		{CID: lorawan.LinkCheckReq},
	}

	blocks := groupByCID(cmds)
	require.Len(t, blocks, 3)
	assert.Len(t, blocks[0], 2)
	assert.Equal(t, lorawan.LinkADRAns, blocks[0][0].CID)
	assert.Equal(t, lorawan.DevStatusAns, blocks[1][0].CID)
	assert.Equal(t, lorawan.LinkCheckReq, blocks[2][0].CID)
}

func TestHandleLinkADRAns(t *testing.T) {
	ctx := context.Background()

	t.Run("ack applies the pending request", func(t *testing.T) {
		e := newTestEnv(t)
		e.ds.ADR = true
		e.ds.ADRBackoffCount = 2
		e.ds.UplinkADRHistory = []models.UplinkADRHistory{{FCnt: 1}}
		e.ds.MACCommandErrorCount = map[lorawan.CID]int{lorawan.LinkADRReq: 1}
		e.setPending(t, lorawan.MACCommandSet{linkADRReq(5, 2, 1, 0, 1)})

		resp, mustRespond, err := e.proc.HandleUplink(ctx, e.request(linkADRAns(true, true, true)))
		require.NoError(t, err)
		assert.Empty(t, resp)
		assert.False(t, mustRespond)

		assert.Equal(t, 5, e.ds.DR)
		assert.Equal(t, 2, e.ds.TxPowerIndex)
		assert.Equal(t, 1, e.ds.NbTrans)
		assert.Equal(t, []int{0, 1}, e.ds.EnabledUplinkChannelIndices)
		assert.Nil(t, e.ds.UplinkADRHistory)
		assert.Equal(t, 0, e.ds.ADRBackoffCount)
		assert.Equal(t, 0, e.ds.MACCommandErrorCount[lorawan.LinkADRReq])

		pending, err := e.store.GetPendingMACCommand(ctx, testDevEUI, lorawan.LinkADRReq)
		require.NoError(t, err)
		assert.Nil(t, pending)
	})

	t.Run("nack changes nothing", func(t *testing.T) {
		e := newTestEnv(t)
		e.ds.ADR = true
		e.ds.DR = 3
		e.ds.TxPowerIndex = 1
		e.setPending(t, lorawan.MACCommandSet{linkADRReq(5, 2, 1, 0, 1)})

		_, _, err := e.proc.HandleUplink(ctx, e.request(linkADRAns(true, false, true)))
		require.NoError(t, err)

		assert.Equal(t, 3, e.ds.DR)
		assert.Equal(t, 1, e.ds.TxPowerIndex)
		assert.Equal(t, []int{0, 1, 2}, e.ds.EnabledUplinkChannelIndices)
		assert.Equal(t, 1, e.ds.MACCommandErrorCount[lorawan.LinkADRReq])
	})

	t.Run("acks are combined over the block", func(t *testing.T) {
		e := newTestEnv(t)
		e.ds.ADR = true
		e.setPending(t, lorawan.MACCommandSet{linkADRReq(0, 0, 1, 0, 1), linkADRReq(4, 3, 2, 0, 1)})

		_, _, err := e.proc.HandleUplink(ctx, e.request(linkADRAns(true, true, true), linkADRAns(true, true, false)))
		require.NoError(t, err)

		assert.Equal(t, 0, e.ds.DR)
		assert.Equal(t, 1, e.ds.MACCommandErrorCount[lorawan.LinkADRReq])
		assert.Equal(t, 2, e.ds.MaxSupportedTxPowerIndex)
	})

	t.Run("power nack at max power", func(t *testing.T) {
		e := newTestEnv(t)
		e.ds.ADR = true
		e.setPending(t, lorawan.MACCommandSet{linkADRReq(5, 0, 1, 0, 1, 2)})

		_, _, err := e.proc.HandleUplink(ctx, e.request(linkADRAns(true, true, false)))
		require.NoError(t, err)

		assert.Equal(t, 1, e.ds.TxPowerIndex)
		assert.Equal(t, 1, e.ds.MinSupportedTxPowerIndex)
		assert.Equal(t, 0, e.ds.DR)
	})

	t.Run("ADR disabled applies the channel mask", func(t *testing.T) {
		e := newTestEnv(t)
		e.ds.ADR = false
		e.setPending(t, lorawan.MACCommandSet{linkADRReq(5, 2, 2, 0, 2)})

		_, _, err := e.proc.HandleUplink(ctx, e.request(linkADRAns(true, false, true)))
		require.NoError(t, err)

		assert.Equal(t, []int{0, 2}, e.ds.EnabledUplinkChannelIndices)
		assert.Equal(t, 2, e.ds.NbTrans)
		assert.Equal(t, 0, e.ds.DR)
		assert.Equal(t, 2, e.ds.TxPowerIndex)
	})

	t.Run("no pending request", func(t *testing.T) {
		e := newTestEnv(t)
		e.ds.DR = 3

		_, _, err := e.proc.HandleUplink(ctx, e.request(linkADRAns(true, true, true)))
		require.NoError(t, err)

		assert.Equal(t, 3, e.ds.DR)
		assert.Zero(t, e.ds.MACCommandErrorCount[lorawan.LinkADRAns])
	})

	t.Run("unsolicited answers keep requests flowing", func(t *testing.T) {
		e := newTestEnv(t)
		e.ds.EnabledUplinkChannelIndices = []int{0, 1}

		for i := 0; i < 2; i++ {
			_, _, err := e.proc.HandleUplink(ctx, e.request(linkADRAns(false, false, false)))
			require.NoError(t, err)
		}
		assert.Zero(t, e.ds.MACCommandErrorCount[lorawan.LinkADRReq])

		sets, err := e.proc.Requests(ctx, DownlinkRequest{
			Region:        e.region,
			DeviceProfile: &models.DeviceProfile{},
			DeviceSession: e.ds,
			UplinkDR:      e.ds.DR,
			Now:           time.Now(),
		})
		require.NoError(t, err)
		assert.Contains(t, cids(sets), lorawan.LinkADRReq)
	})
}

func TestHandleLinkCheckReq(t *testing.T) {
	e := newTestEnv(t)

	resp, _, err := e.proc.HandleUplink(context.Background(), e.request(lorawan.MACCommand{CID: lorawan.LinkCheckReq}))
	require.NoError(t, err)
	require.Len(t, resp, 1)
	require.Len(t, resp[0], 1)

	// DR0 requires -20 dB, the best reception has -5 dB
	assert.Equal(t, lorawan.LinkCheckAns, resp[0][0].CID)
	assert.Equal(t, &lorawan.LinkCheckAnsPayload{Margin: 15, GwCnt: 2}, resp[0][0].Payload)
}

func TestHandleDevStatusAns(t *testing.T) {
	tests := []struct {
		name        string
		battery     uint8
		external    bool
		unavailable bool
		level       float64
	}{
		{name: "battery level", battery: 127, level: 50},
		{name: "rounded", battery: 100, level: 39.37},
		{name: "external power", battery: 0, external: true},
		{name: "unavailable", battery: 255, unavailable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			ctx := context.Background()

			_, _, err := e.proc.HandleUplink(ctx, e.request(lorawan.MACCommand{
				CID:     lorawan.DevStatusAns,
				Payload: &lorawan.DevStatusAnsPayload{Battery: tt.battery, Margin: -3},
			}))
			require.NoError(t, err)

			require.Len(t, e.handler.StatusEvents, 1)
			se := e.handler.StatusEvents[0]
			assert.Equal(t, -3, se.Margin)
			assert.Equal(t, tt.external, se.ExternalPowerSource)
			assert.Equal(t, tt.unavailable, se.BatteryLevelUnavailable)
			assert.Equal(t, tt.level, se.BatteryLevel)

			d, err := e.store.GetDevice(ctx, testDevEUI)
			require.NoError(t, err)
			if tt.external || tt.unavailable {
				assert.Nil(t, d.BatteryLevel)
			} else {
				require.NotNil(t, d.BatteryLevel)
				assert.Equal(t, tt.level, *d.BatteryLevel)
			}
		})
	}
}

func TestHandleRXParamSetupAns(t *testing.T) {
	ctx := context.Background()
	req := lorawan.MACCommand{
		CID: lorawan.RXParamSetupReq,
		Payload: &lorawan.RXParamSetupReqPayload{
			Frequency:  869525000,
			DLSettings: lorawan.DLSettingsPayload{RX1DROffset: 2, RX2DataRate: 3},
		},
	}

	t.Run("ack", func(t *testing.T) {
		e := newTestEnv(t)
		e.setPending(t, lorawan.MACCommandSet{req})

		_, mustRespond, err := e.proc.HandleUplink(ctx, e.request(lorawan.MACCommand{
			CID:     lorawan.RXParamSetupAns,
			Payload: &lorawan.RXParamSetupAnsPayload{ChannelACK: true, RX2DataRateACK: true, RX1DROffsetACK: true},
		}))
		require.NoError(t, err)
		assert.True(t, mustRespond)
		assert.Equal(t, uint32(869525000), e.ds.RX2Frequency)
		assert.Equal(t, 3, e.ds.RX2DR)
		assert.Equal(t, 2, e.ds.RX1DROffset)
	})

	t.Run("nack", func(t *testing.T) {
		e := newTestEnv(t)
		e.setPending(t, lorawan.MACCommandSet{req})

		_, mustRespond, err := e.proc.HandleUplink(ctx, e.request(lorawan.MACCommand{
			CID:     lorawan.RXParamSetupAns,
			Payload: &lorawan.RXParamSetupAnsPayload{ChannelACK: true, RX2DataRateACK: false, RX1DROffsetACK: true},
		}))
		require.NoError(t, err)
		assert.True(t, mustRespond)
		assert.Equal(t, 0, e.ds.RX2DR)
		assert.Equal(t, 0, e.ds.RX1DROffset)
		assert.Equal(t, 1, e.ds.MACCommandErrorCount[lorawan.RXParamSetupReq])
	})
}

func TestHandleRXTimingSetupAns(t *testing.T) {
	e := newTestEnv(t)
	e.setPending(t, lorawan.MACCommandSet{{CID: lorawan.RXTimingSetupReq, Payload: &lorawan.RXTimingSetupReqPayload{Delay: 3}}})

	_, mustRespond, err := e.proc.HandleUplink(context.Background(), e.request(lorawan.MACCommand{CID: lorawan.RXTimingSetupAns}))
	require.NoError(t, err)
	assert.True(t, mustRespond)
	assert.Equal(t, 3, e.ds.RX1Delay)
}

func TestHandleNewChannelAns(t *testing.T) {
	e := newTestEnv(t)
	e.setPending(t, lorawan.MACCommandSet{
		{CID: lorawan.NewChannelReq, Payload: &lorawan.NewChannelReqPayload{ChIndex: 3, Freq: 867100000, MinDR: 0, MaxDR: 5}},
		{CID: lorawan.NewChannelReq, Payload: &lorawan.NewChannelReqPayload{ChIndex: 4, Freq: 867300000, MinDR: 0, MaxDR: 5}},
	})

	_, _, err := e.proc.HandleUplink(context.Background(), e.request(
		lorawan.MACCommand{CID: lorawan.NewChannelAns, Payload: &lorawan.NewChannelAnsPayload{ChannelFrequencyOK: true, DataRateRangeOK: true}},
		lorawan.MACCommand{CID: lorawan.NewChannelAns, Payload: &lorawan.NewChannelAnsPayload{ChannelFrequencyOK: false, DataRateRangeOK: true}},
	))
	require.NoError(t, err)

	assert.Equal(t, map[int]models.ExtraChannel{3: {Frequency: 867100000, MinDR: 0, MaxDR: 5}}, e.ds.ExtraUplinkChannels)
	assert.Equal(t, []int{0, 1, 2, 3}, e.ds.EnabledUplinkChannelIndices)
	assert.Equal(t, 1, e.ds.MACCommandErrorCount[lorawan.NewChannelReq])
}

func TestHandleDeviceTimeReq(t *testing.T) {
	e := newTestEnv(t)
	req := e.request(lorawan.MACCommand{CID: lorawan.DeviceTimeReq})
	rxTime := time.Date(1980, time.January, 6, 0, 0, 10, 0, time.UTC)
	req.UplinkFrameSet.RxInfo[0].Time = &rxTime

	resp, _, err := e.proc.HandleUplink(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp, 1)
	assert.Equal(t, &lorawan.DeviceTimeAnsPayload{TimeSinceGPSEpoch: 28 * time.Second}, resp[0][0].Payload)
}

func TestHandleUplinkDisabled(t *testing.T) {
	e := newTestEnv(t)
	e.proc = NewProcessor(e.store, e.handler, nil, true)

	resp, mustRespond, err := e.proc.HandleUplink(context.Background(), e.request(lorawan.MACCommand{CID: lorawan.LinkCheckReq}))
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.False(t, mustRespond)

	sets, err := e.proc.Requests(context.Background(), DownlinkRequest{
		Region:        e.region,
		DeviceProfile: &models.DeviceProfile{DeviceStatusReqInterval: 1},
		DeviceSession: e.ds,
		Now:           time.Now(),
	})
	require.NoError(t, err)
	assert.Nil(t, sets)
}

func cids(sets []lorawan.MACCommandSet) []lorawan.CID {
	var out []lorawan.CID
	for _, s := range sets {
		out = append(out, s[0].CID)
	}
	return out
}

func TestRequests(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	withExtraChannel := func(c *config.RegionConfig) {
		c.Network.ExtraChannels = []config.ExtraChannel{{Frequency: 867100000, MinDR: 0, MaxDR: 5}}
	}

	t.Run("in sync", func(t *testing.T) {
		e := newTestEnv(t)
		sets, err := e.proc.Requests(ctx, DownlinkRequest{
			Region:        e.region,
			DeviceProfile: &models.DeviceProfile{},
			DeviceSession: e.ds,
			Now:           now,
		})
		require.NoError(t, err)
		assert.Empty(t, sets)
	})

	t.Run("order", func(t *testing.T) {
		e := newTestEnv(t)
		e.region = testRegion(t, withExtraChannel)
		e.ds = testSession(e.region)
		e.ds.ExtraUplinkChannels = nil
		e.ds.EnabledUplinkChannelIndices = []int{0, 1, 2}
		e.ds.RX2DR = 3
		e.ds.RX1Delay = 5

		sets, err := e.proc.Requests(ctx, DownlinkRequest{
			Region:        e.region,
			DeviceProfile: &models.DeviceProfile{DeviceStatusReqInterval: 1},
			DeviceSession: e.ds,
			Now:           now,
		})
		require.NoError(t, err)
		assert.Equal(t, []lorawan.CID{lorawan.NewChannelReq, lorawan.DevStatusReq, lorawan.RXParamSetupReq, lorawan.RXTimingSetupReq}, cids(sets))
		assert.Equal(t, &lorawan.NewChannelReqPayload{ChIndex: 3, Freq: 867100000, MinDR: 0, MaxDR: 5}, sets[0][0].Payload)
		assert.Equal(t, &lorawan.RXTimingSetupReqPayload{Delay: 1}, sets[3][0].Payload)
	})

	t.Run("pending requests", func(t *testing.T) {
		e := newTestEnv(t)
		e.ds.RX1Delay = 5
		e.ds.RX2DR = 3

		// identical request is sent again, a different one is not
		e.setPending(t, lorawan.MACCommandSet{{CID: lorawan.RXTimingSetupReq, Payload: &lorawan.RXTimingSetupReqPayload{Delay: 1}}})
		e.setPending(t, lorawan.MACCommandSet{{CID: lorawan.RXParamSetupReq, Payload: &lorawan.RXParamSetupReqPayload{Frequency: 868100000}}})

		sets, err := e.proc.Requests(ctx, DownlinkRequest{
			Region:        e.region,
			DeviceProfile: &models.DeviceProfile{},
			DeviceSession: e.ds,
			Now:           now,
		})
		require.NoError(t, err)
		assert.Equal(t, []lorawan.CID{lorawan.RXTimingSetupReq}, cids(sets))
	})

	t.Run("device status interval", func(t *testing.T) {
		dp := &models.DeviceProfile{DeviceStatusReqInterval: 4}
		ds := &models.DeviceSession{}

		assert.NotNil(t, DevStatusRequest(dp, ds, now))

		last := now.Add(-5 * time.Hour)
		ds.LastDeviceStatusRequest = &last
		assert.Nil(t, DevStatusRequest(dp, ds, now))

		last = now.Add(-6 * time.Hour)
		assert.NotNil(t, DevStatusRequest(dp, ds, now))

		assert.Nil(t, DevStatusRequest(&models.DeviceProfile{}, &models.DeviceSession{}, now))
	})
}

func TestFilter(t *testing.T) {
	newChannel := lorawan.MACCommandSet{{CID: lorawan.NewChannelReq, Payload: &lorawan.NewChannelReqPayload{ChIndex: 3}}}
	linkADR := lorawan.MACCommandSet{linkADRReq(5, 0, 1, 0, 1, 2)}
	devStatus := lorawan.MACCommandSet{{CID: lorawan.DevStatusReq}}

	t.Run("mutually exclusive", func(t *testing.T) {
		ds := &models.DeviceSession{}
		assert.Equal(t, []lorawan.CID{lorawan.NewChannelReq, lorawan.DevStatusReq}, cids(Filter(ds, []lorawan.MACCommandSet{newChannel, linkADR, devStatus})))
		assert.Equal(t, []lorawan.CID{lorawan.LinkADRReq}, cids(Filter(ds, []lorawan.MACCommandSet{linkADR, newChannel})))
	})

	t.Run("error count", func(t *testing.T) {
		ds := &models.DeviceSession{MACCommandErrorCount: map[lorawan.CID]int{lorawan.NewChannelReq: 2, lorawan.DevStatusReq: 1}}
		assert.Equal(t, []lorawan.CID{lorawan.LinkADRReq, lorawan.DevStatusReq}, cids(Filter(ds, []lorawan.MACCommandSet{newChannel, linkADR, devStatus})))
	})
}

func TestMarkSent(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	now := time.Now()

	sets := []lorawan.MACCommandSet{
		{{CID: lorawan.LinkCheckAns, Payload: &lorawan.LinkCheckAnsPayload{Margin: 10, GwCnt: 1}}},
		{{CID: lorawan.DevStatusReq}},
		{linkADRReq(5, 1, 1, 0, 1, 2)},
	}
	require.NoError(t, e.proc.MarkSent(ctx, e.ds, sets, now))

	require.NotNil(t, e.ds.LastDeviceStatusRequest)
	assert.True(t, now.Equal(*e.ds.LastDeviceStatusRequest))

	p, err := e.store.GetPendingMACCommand(ctx, testDevEUI, lorawan.LinkADRReq)
	require.NoError(t, err)
	require.NotNil(t, p)
	reqs, err := p.Commands()
	require.NoError(t, err)
	assert.Equal(t, sets[2], reqs)

	p, err = e.store.GetPendingMACCommand(ctx, testDevEUI, lorawan.LinkCheckAns)
	require.NoError(t, err)
	assert.Nil(t, p)
}

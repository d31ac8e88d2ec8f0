package gateway

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-network-server/internal/config"
	"github.com/lorawan-server/lorawan-network-server/internal/models"
	"github.com/lorawan-server/lorawan-network-server/pkg/lorawan"
)

var testGatewayID = lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}

type fakePublisher struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func (p *fakePublisher) Publish(subj string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.messages == nil {
		p.messages = make(map[string][][]byte)
	}
	p.messages[subj] = append(p.messages[subj], data)
	return nil
}

func (p *fakePublisher) get(subj string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.messages[subj]
}

func newTestForwarder(t *testing.T) (*UDPPacketForwarder, *fakePublisher, *net.UDPConn) {
	pub := &fakePublisher{}
	u, err := newUDPPacketForwarder(config.GatewayConfig{
		UDPBind:          "127.0.0.1:0",
		RegionConfigID:   "eu868",
		RegionCommonName: "EU868",
	}, pub, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go u.Start(ctx)

	client, err := net.DialUDP("udp", nil, u.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return u, pub, client
}

func packet(token uint16, identifier byte, payload []byte) []byte {
	b := make([]byte, 12, 12+len(payload))
	b[0] = ProtocolVersion
	binary.BigEndian.PutUint16(b[1:3], token)
	b[3] = identifier
	copy(b[4:12], testGatewayID[:])
	return append(b, payload...)
}

func read(t *testing.T, conn *net.UDPConn) []byte {
	buf := make([]byte, 65507)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	return buf[:n]
}

func readPullResp(t *testing.T, conn *net.UDPConn) (uint16, models.TXPK) {
	b := read(t, conn)
	require.True(t, len(b) > 4)
	require.Equal(t, byte(PullResp), b[3])

	var pl pullRespPayload
	require.NoError(t, json.Unmarshal(b[4:], &pl))
	return binary.BigEndian.Uint16(b[1:3]), pl.TXPK
}

func TestPushData(t *testing.T) {
	_, pub, client := newTestForwarder(t)

	payload := []byte(`{"rxpk":[{"tmst":1000000,"freq":868.1,"chan":0,"rfch":0,"stat":1,"modu":"LORA","datr":"SF7BW125","codr":"4/5","rssi":-50,"lsnr":9.5,"size":3,"data":"AQID"}],"stat":{"rxnb":1}}`)
	_, err := client.Write(packet(0x1234, PushData, payload))
	require.NoError(t, err)

	ack := read(t, client)
	assert.Equal(t, []byte{ProtocolVersion, 0x12, 0x34, PushAck}, ack)

	rxSubject := "gateway.0102030405060708.rx"
	require.Eventually(t, func() bool { return len(pub.get(rxSubject)) == 1 }, 2*time.Second, 10*time.Millisecond)

	var msg models.GatewayUplinkMessage
	require.NoError(t, json.Unmarshal(pub.get(rxSubject)[0], &msg))
	assert.Equal(t, testGatewayID, msg.GatewayID)
	assert.Equal(t, []byte{1, 2, 3}, msg.RXPK.Data)
	assert.Equal(t, "SF7BW125", msg.RXPK.DatR.LoRa)
	assert.Equal(t, 868.1, msg.RXPK.Freq)
	assert.Equal(t, -50, msg.RXPK.RSSI)
	assert.Equal(t, "eu868", msg.RegionConfigID)
	assert.Equal(t, "EU868", msg.RegionCommonName)

	var uc models.UplinkContext
	require.NoError(t, json.Unmarshal(msg.Context, &uc))
	assert.Equal(t, uint32(1000000), uc.Tmst)
	assert.Equal(t, "0102030405060708", uc.GatewayID)

	require.Eventually(t, func() bool { return len(pub.get("gateway.0102030405060708.stat")) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestDownlinkFallback(t *testing.T) {
	u, pub, client := newTestForwarder(t)

	_, err := client.Write(packet(0x0001, PullData, nil))
	require.NoError(t, err)
	assert.Equal(t, []byte{ProtocolVersion, 0x00, 0x01, PullAck}, read(t, client))

	uc, err := json.Marshal(models.UplinkContext{GatewayID: testGatewayID.String(), Tmst: 1000000})
	require.NoError(t, err)

	downlinkID := uuid.New()
	require.NoError(t, u.SendDownlink(models.GatewayDownlinkMessage{
		GatewayID:  testGatewayID,
		DownlinkID: downlinkID,
		Items: []models.GatewayDownlinkItem{
			{TXPK: models.TXPK{Freq: 868.1, Powe: 14, Modu: "LORA", DatR: models.NewLoRaDatR(7, 125), CodR: "4/5", IPol: true, Size: 3, Data: []byte{1, 2, 3}}, Context: uc, Delay: "1s"},
			{TXPK: models.TXPK{Freq: 869.525, Powe: 27, Modu: "LORA", DatR: models.NewLoRaDatR(12, 125), CodR: "4/5", IPol: true, Size: 3, Data: []byte{1, 2, 3}}, Context: uc, Delay: "2s"},
		},
	}))

	token, txpk := readPullResp(t, client)
	require.NotNil(t, txpk.Tmst)
	assert.Equal(t, uint32(2000000), *txpk.Tmst)
	assert.Equal(t, 868.1, txpk.Freq)
	assert.Equal(t, "SF7BW125", txpk.DatR.LoRa)

	// RX1 is rejected, RX2 is tried
	_, err = client.Write(packet(token, TxAck, []byte(`{"txpk_ack":{"error":"TOO_LATE"}}`)))
	require.NoError(t, err)

	token, txpk = readPullResp(t, client)
	require.NotNil(t, txpk.Tmst)
	assert.Equal(t, uint32(3000000), *txpk.Tmst)
	assert.Equal(t, 869.525, txpk.Freq)
	assert.Equal(t, 27, txpk.Powe)
	assert.Equal(t, "SF12BW125", txpk.DatR.LoRa)

	_, err = client.Write(packet(token, TxAck, []byte(`{"txpk_ack":{"error":"NONE"}}`)))
	require.NoError(t, err)

	ackSubject := "gateway.0102030405060708.txack"
	require.Eventually(t, func() bool { return len(pub.get(ackSubject)) == 1 }, 2*time.Second, 10*time.Millisecond)

	var ack models.GatewayTxAckMessage
	require.NoError(t, json.Unmarshal(pub.get(ackSubject)[0], &ack))
	assert.Equal(t, downlinkID, ack.DownlinkID)
	assert.Empty(t, ack.Error)
}

func TestSendDownlinkUnknownGateway(t *testing.T) {
	u, _, _ := newTestForwarder(t)

	err := u.SendDownlink(models.GatewayDownlinkMessage{
		GatewayID: lorawan.EUI64{8, 7, 6, 5, 4, 3, 2, 1},
		Items:     []models.GatewayDownlinkItem{{TXPK: models.TXPK{Imme: true}}},
	})
	assert.Error(t, err)
	assert.Error(t, u.SendDownlink(models.GatewayDownlinkMessage{GatewayID: testGatewayID}))
}

func TestTimedTXPK(t *testing.T) {
	uc, err := json.Marshal(models.UplinkContext{Tmst: 4294000000})
	require.NoError(t, err)

	t.Run("counter wraps", func(t *testing.T) {
		txpk, err := timedTXPK(models.GatewayDownlinkItem{Context: uc, Delay: "2s"})
		require.NoError(t, err)
		require.NotNil(t, txpk.Tmst)
		assert.Equal(t, uint32(1032704), *txpk.Tmst)
	})

	t.Run("immediately", func(t *testing.T) {
		txpk, err := timedTXPK(models.GatewayDownlinkItem{TXPK: models.TXPK{Imme: true}})
		require.NoError(t, err)
		assert.Nil(t, txpk.Tmst)
	})

	t.Run("invalid delay", func(t *testing.T) {
		_, err := timedTXPK(models.GatewayDownlinkItem{Context: uc, Delay: "soon"})
		assert.Error(t, err)
	})
}

func TestRemoveExpired(t *testing.T) {
	u, _, client := newTestForwarder(t)

	_, err := client.Write(packet(1, PullData, nil))
	require.NoError(t, err)
	read(t, client)

	u.removeExpired(time.Now())
	u.mu.RLock()
	assert.Len(t, u.gateways, 1)
	u.mu.RUnlock()

	u.removeExpired(time.Now().Add(gatewayTimeout + time.Second))
	u.mu.RLock()
	assert.Len(t, u.gateways, 0)
	u.mu.RUnlock()
}

func TestNATSBackend(t *testing.T) {
	pub := &fakePublisher{}
	b := NewNATSBackend(pub)

	frame := models.DownlinkFrame{
		DownlinkID: uuid.New(),
		GatewayID:  testGatewayID,
		Items: []models.DownlinkFrameItem{
			{
				PHYPayload: []byte{1, 2, 3},
				TxInfo: models.DownlinkTxInfo{
					Frequency:  868100000,
					Power:      14,
					Modulation: models.LoRaModulationInfo{SpreadingFactor: 7, Bandwidth: 125, CodeRate: "4/5", PolarizationInversion: true},
					Timing:     models.DownlinkTiming{Delay: time.Second},
					Context:    []byte(`{"tmst":1}`),
				},
			},
			{
				PHYPayload: []byte{1, 2, 3},
				TxInfo: models.DownlinkTxInfo{
					Frequency:  869525000,
					Power:      27,
					Modulation: models.LoRaModulationInfo{SpreadingFactor: 12, Bandwidth: 125, CodeRate: "4/5", PolarizationInversion: true},
					Timing:     models.DownlinkTiming{Immediately: true},
				},
			},
		},
	}
	require.NoError(t, b.SendDownlink(context.Background(), frame))

	msgs := pub.get("gateway.0102030405060708.tx")
	require.Len(t, msgs, 1)

	var msg models.GatewayDownlinkMessage
	require.NoError(t, json.Unmarshal(msgs[0], &msg))
	require.Len(t, msg.Items, 2)
	assert.Equal(t, frame.DownlinkID, msg.DownlinkID)

	assert.Equal(t, "1s", msg.Items[0].Delay)
	assert.Equal(t, 868.1, msg.Items[0].TXPK.Freq)
	assert.Equal(t, "SF7BW125", msg.Items[0].TXPK.DatR.LoRa)
	assert.Equal(t, 3, msg.Items[0].TXPK.Size)
	assert.True(t, msg.Items[0].TXPK.IPol)
	assert.Equal(t, []byte(`{"tmst":1}`), msg.Items[0].Context)

	assert.True(t, msg.Items[1].TXPK.Imme)
	assert.Empty(t, msg.Items[1].Delay)
	assert.Equal(t, 27, msg.Items[1].TXPK.Powe)

	frame.Items[0].TxInfo.Modulation.SpreadingFactor = 0
	assert.Error(t, b.SendDownlink(context.Background(), frame))
}

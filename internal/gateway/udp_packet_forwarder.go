package gateway

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-network-server/internal/config"
	"github.com/lorawan-server/lorawan-network-server/internal/models"
	"github.com/lorawan-server/lorawan-network-server/internal/storage"
	"github.com/lorawan-server/lorawan-network-server/pkg/lorawan"
)

// Semtech UDP protocol constants
const (
	ProtocolVersion = 2

	PushData = 0x00
	PushAck  = 0x01
	PullData = 0x02
	PullResp = 0x03
	PullAck  = 0x04
	TxAck    = 0x05
)

const (
	gatewayTimeout  = 5 * time.Minute
	downlinkTimeout = 30 * time.Second
	cleanupInterval = 30 * time.Second
)

// GatewayStore updates the last seen time of known gateways
type GatewayStore interface {
	GetGateway(ctx context.Context, gatewayID lorawan.EUI64) (*models.Gateway, error)
	UpdateGateway(ctx context.Context, gateway *models.Gateway) error
}

// UDPPacketForwarder bridges the Semtech UDP packet forwarder protocol
// and the NATS gateway subjects. Uplinks are published on
// gateway.<id>.rx, downlinks are read from gateway.<id>.tx and TX_ACKs
// are published on gateway.<id>.txack.
type UDPPacketForwarder struct {
	conn  *net.UDPConn
	nc    *nats.Conn
	pub   Publisher
	store GatewayStore

	regionConfigID   string
	regionCommonName string

	mu        sync.RWMutex
	gateways  map[lorawan.EUI64]*GatewayInfo
	downlinks map[uint16]*pendingDownlink
}

// GatewayInfo holds the addresses of a connected gateway
type GatewayInfo struct {
	GatewayID lorawan.EUI64
	PushAddr  *net.UDPAddr
	PullAddr  *net.UDPAddr
	LastSeen  time.Time
}

// pendingDownlink is a downlink waiting for its TX_ACK. When the gateway
// rejects an item the next one is tried.
type pendingDownlink struct {
	gatewayID  lorawan.EUI64
	downlinkID uuid.UUID
	items      []models.GatewayDownlinkItem
	index      int
	createdAt  time.Time
}

// NewUDPPacketForwarder binds the UDP socket. store may be nil.
func NewUDPPacketForwarder(cfg config.GatewayConfig, nc *nats.Conn, store GatewayStore) (*UDPPacketForwarder, error) {
	u, err := newUDPPacketForwarder(cfg, nc, store)
	if err != nil {
		return nil, err
	}
	u.nc = nc
	return u, nil
}

func newUDPPacketForwarder(cfg config.GatewayConfig, pub Publisher, store GatewayStore) (*UDPPacketForwarder, error) {
	addr, err := net.ResolveUDPAddr("udp", cfg.UDPBind)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", cfg.UDPBind, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.UDPBind, err)
	}

	return &UDPPacketForwarder{
		conn:             conn,
		pub:              pub,
		store:            store,
		regionConfigID:   cfg.RegionConfigID,
		regionCommonName: cfg.RegionCommonName,
		gateways:         make(map[lorawan.EUI64]*GatewayInfo),
		downlinks:        make(map[uint16]*pendingDownlink),
	}, nil
}

// LocalAddr returns the bound UDP address
func (u *UDPPacketForwarder) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}

// Start subscribes to the downlink subjects and serves the UDP socket
// until ctx is done
func (u *UDPPacketForwarder) Start(ctx context.Context) error {
	log.Info().Str("addr", u.conn.LocalAddr().String()).Msg("Gateway bridge UDP server started")

	if u.nc != nil {
		sub, err := u.nc.Subscribe("gateway.*.tx", u.handleDownlinkMessage)
		if err != nil {
			return fmt.Errorf("subscribe to downlinks: %w", err)
		}
		defer sub.Unsubscribe()
	}

	go u.cleanup(ctx)
	go func() {
		<-ctx.Done()
		u.conn.Close()
	}()

	buf := make([]byte, 65507)
	for {
		n, addr, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Error().Err(err).Msg("Read UDP packet error")
			continue
		}

		data := append([]byte(nil), buf[:n]...)
		go u.handlePacket(data, addr)
	}
}

// Close closes the UDP socket
func (u *UDPPacketForwarder) Close() error {
	return u.conn.Close()
}

func (u *UDPPacketForwarder) handlePacket(data []byte, addr *net.UDPAddr) {
	if len(data) < 4 {
		return
	}

	version := data[0]
	token := binary.BigEndian.Uint16(data[1:3])
	identifier := data[3]

	if version != ProtocolVersion && version != 1 {
		log.Warn().
			Uint8("version", version).
			Str("addr", addr.String()).
			Msg("Unsupported protocol version")
		return
	}

	var err error
	switch identifier {
	case PushData:
		err = u.handlePushData(data, addr, token)
	case PullData:
		err = u.handlePullData(data, addr, token)
	case TxAck:
		err = u.handleTxAck(data, token)
	default:
		err = fmt.Errorf("unknown packet type 0x%02x", identifier)
	}
	if err != nil {
		log.Warn().Err(err).Str("addr", addr.String()).Msg("Handle UDP packet error")
	}
}

func (u *UDPPacketForwarder) ack(version byte, token uint16, identifier byte, addr *net.UDPAddr) {
	ack := make([]byte, 4)
	ack[0] = version
	binary.BigEndian.PutUint16(ack[1:3], token)
	ack[3] = identifier
	if _, err := u.conn.WriteToUDP(ack, addr); err != nil {
		log.Error().Err(err).Str("addr", addr.String()).Msg("Send ack error")
	}
}

// touch records the gateway address and returns the gateway id
func (u *UDPPacketForwarder) touch(data []byte, addr *net.UDPAddr, pull bool) (lorawan.EUI64, error) {
	var gatewayID lorawan.EUI64
	if len(data) < 12 {
		return gatewayID, fmt.Errorf("packet too short")
	}
	copy(gatewayID[:], data[4:12])

	u.mu.Lock()
	gw, ok := u.gateways[gatewayID]
	if !ok {
		gw = &GatewayInfo{GatewayID: gatewayID}
		u.gateways[gatewayID] = gw
		log.Info().Str("gateway_id", gatewayID.String()).Msg("Gateway connected")
	}
	if pull {
		gw.PullAddr = addr
	} else {
		gw.PushAddr = addr
	}
	gw.LastSeen = time.Now()
	u.mu.Unlock()

	if !ok {
		go u.updateLastSeen(gatewayID)
	}
	return gatewayID, nil
}

// pushDataPayload is the JSON part of a PUSH_DATA packet
type pushDataPayload struct {
	RXPK []models.RXPK          `json:"rxpk"`
	Stat map[string]interface{} `json:"stat"`
}

func (u *UDPPacketForwarder) handlePushData(data []byte, addr *net.UDPAddr, token uint16) error {
	gatewayID, err := u.touch(data, addr, false)
	if err != nil {
		return err
	}
	u.ack(data[0], token, PushAck, addr)

	if len(data) == 12 {
		return nil
	}

	var pl pushDataPayload
	if err := json.Unmarshal(data[12:], &pl); err != nil {
		return fmt.Errorf("unmarshal PUSH_DATA: %w", err)
	}

	for _, rxpk := range pl.RXPK {
		if err := u.publishUplink(gatewayID, rxpk); err != nil {
			log.Error().Err(err).Str("gateway_id", gatewayID.String()).Msg("Publish uplink error")
		}
	}

	if pl.Stat != nil {
		if err := u.publishStats(gatewayID, pl.Stat); err != nil {
			log.Error().Err(err).Str("gateway_id", gatewayID.String()).Msg("Publish stats error")
		}
	}
	return nil
}

func (u *UDPPacketForwarder) publishUplink(gatewayID lorawan.EUI64, rxpk models.RXPK) error {
	if rxpk.Stat != 1 && rxpk.Stat != 0 {
		log.Debug().Str("gateway_id", gatewayID.String()).Int("stat", rxpk.Stat).Msg("Ignoring packet with CRC error")
		return nil
	}

	ctxBytes, err := json.Marshal(models.UplinkContext{GatewayID: gatewayID.String(), Tmst: rxpk.Tmst})
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	msg := models.GatewayUplinkMessage{
		GatewayID:        gatewayID,
		RXPK:             rxpk,
		Context:          ctxBytes,
		Timestamp:        time.Now().Unix(),
		RegionConfigID:   u.regionConfigID,
		RegionCommonName: u.regionCommonName,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal uplink: %w", err)
	}

	if err := u.pub.Publish(fmt.Sprintf("gateway.%s.rx", gatewayID), b); err != nil {
		return err
	}

	log.Info().
		Str("gateway_id", gatewayID.String()).
		Float64("freq", rxpk.Freq).
		Int("rssi", rxpk.RSSI).
		Float64("snr", rxpk.LSNR).
		Int("size", len(rxpk.Data)).
		Msg("Uplink received")
	return nil
}

func (u *UDPPacketForwarder) publishStats(gatewayID lorawan.EUI64, stat map[string]interface{}) error {
	b, err := json.Marshal(models.GatewayStatsMessage{
		GatewayID: gatewayID,
		Stat:      stat,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	return u.pub.Publish(fmt.Sprintf("gateway.%s.stat", gatewayID), b)
}

func (u *UDPPacketForwarder) handlePullData(data []byte, addr *net.UDPAddr, token uint16) error {
	gatewayID, err := u.touch(data, addr, true)
	if err != nil {
		return err
	}
	u.ack(data[0], token, PullAck, addr)

	log.Debug().
		Str("gateway_id", gatewayID.String()).
		Str("pull_addr", addr.String()).
		Msg("PULL_DATA received")
	return nil
}

// txAckPayload is the JSON part of a TX_ACK packet
type txAckPayload struct {
	TXPKAck struct {
		Error string `json:"error"`
	} `json:"txpk_ack"`
}

func (u *UDPPacketForwarder) handleTxAck(data []byte, token uint16) error {
	if len(data) < 12 {
		return fmt.Errorf("packet too short")
	}

	var pl txAckPayload
	if len(data) > 12 {
		if err := json.Unmarshal(bytes.TrimRight(data[12:], "\x00"), &pl); err != nil {
			return fmt.Errorf("unmarshal TX_ACK: %w", err)
		}
	}
	ackErr := pl.TXPKAck.Error
	if ackErr == "NONE" {
		ackErr = ""
	}

	u.mu.Lock()
	d, ok := u.downlinks[token]
	if ok {
		delete(u.downlinks, token)
	}
	u.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown TX_ACK token %d", token)
	}

	if ackErr != "" && d.index+1 < len(d.items) {
		log.Info().
			Str("gateway_id", d.gatewayID.String()).
			Str("downlink_id", d.downlinkID.String()).
			Str("error", ackErr).
			Msg("Downlink rejected, trying next window")
		d.index++
		return u.sendItem(d)
	}

	b, err := json.Marshal(models.GatewayTxAckMessage{
		GatewayID:  d.gatewayID,
		DownlinkID: d.downlinkID,
		Token:      token,
		Error:      ackErr,
	})
	if err != nil {
		return fmt.Errorf("marshal tx ack: %w", err)
	}
	return u.pub.Publish(fmt.Sprintf("gateway.%s.txack", d.gatewayID), b)
}

func (u *UDPPacketForwarder) handleDownlinkMessage(msg *nats.Msg) {
	var dl models.GatewayDownlinkMessage
	if err := json.Unmarshal(msg.Data, &dl); err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("Unmarshal downlink error")
		return
	}

	if err := u.SendDownlink(dl); err != nil {
		log.Error().
			Err(err).
			Str("gateway_id", dl.GatewayID.String()).
			Str("downlink_id", dl.DownlinkID.String()).
			Msg("Send downlink error")
	}
}

// SendDownlink sends the first item of the downlink to the gateway. The
// other items are sent when the gateway rejects the previous one.
func (u *UDPPacketForwarder) SendDownlink(dl models.GatewayDownlinkMessage) error {
	if len(dl.Items) == 0 {
		return fmt.Errorf("downlink without items")
	}
	return u.sendItem(&pendingDownlink{
		gatewayID:  dl.GatewayID,
		downlinkID: dl.DownlinkID,
		items:      dl.Items,
		createdAt:  time.Now(),
	})
}

// pullRespPayload is the JSON part of a PULL_RESP packet
type pullRespPayload struct {
	TXPK models.TXPK `json:"txpk"`
}

func (u *UDPPacketForwarder) sendItem(d *pendingDownlink) error {
	u.mu.RLock()
	gw, ok := u.gateways[d.gatewayID]
	var pullAddr *net.UDPAddr
	if ok {
		pullAddr = gw.PullAddr
	}
	u.mu.RUnlock()

	if pullAddr == nil {
		return fmt.Errorf("gateway %s has no pull address", d.gatewayID)
	}

	item := d.items[d.index]
	txpk, err := timedTXPK(item)
	if err != nil {
		return err
	}

	b, err := json.Marshal(pullRespPayload{TXPK: txpk})
	if err != nil {
		return fmt.Errorf("marshal txpk: %w", err)
	}

	token, err := u.newToken(d)
	if err != nil {
		return err
	}

	resp := bytes.NewBuffer(make([]byte, 0, 4+len(b)))
	resp.WriteByte(ProtocolVersion)
	binary.Write(resp, binary.BigEndian, token)
	resp.WriteByte(PullResp)
	resp.Write(b)

	if _, err := u.conn.WriteToUDP(resp.Bytes(), pullAddr); err != nil {
		u.mu.Lock()
		delete(u.downlinks, token)
		u.mu.Unlock()
		return fmt.Errorf("send PULL_RESP: %w", err)
	}

	log.Info().
		Str("gateway_id", d.gatewayID.String()).
		Str("downlink_id", d.downlinkID.String()).
		Int("item", d.index).
		Bool("imme", txpk.Imme).
		Float64("freq", txpk.Freq).
		Msg("PULL_RESP sent")
	return nil
}

// newToken registers d under a random unused token
func (u *UDPPacketForwarder) newToken(d *pendingDownlink) (uint16, error) {
	var b [2]byte
	u.mu.Lock()
	defer u.mu.Unlock()

	for i := 0; i < 16; i++ {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, fmt.Errorf("token: %w", err)
		}
		token := binary.BigEndian.Uint16(b[:])
		if _, ok := u.downlinks[token]; !ok {
			u.downlinks[token] = d
			return token, nil
		}
	}
	return 0, fmt.Errorf("no free downlink token")
}

// timedTXPK sets the concentrator timestamp of a delayed item from the
// uplink context. The counter wraps around at 2^32.
func timedTXPK(item models.GatewayDownlinkItem) (models.TXPK, error) {
	txpk := item.TXPK
	if txpk.Imme {
		txpk.Tmst = nil
		return txpk, nil
	}

	var uc models.UplinkContext
	if err := json.Unmarshal(item.Context, &uc); err != nil {
		return txpk, fmt.Errorf("unmarshal uplink context: %w", err)
	}

	delay, err := time.ParseDuration(strings.TrimSpace(item.Delay))
	if err != nil {
		return txpk, fmt.Errorf("parse delay %q: %w", item.Delay, err)
	}

	tmst := uc.Tmst + uint32(delay/time.Microsecond)
	txpk.Tmst = &tmst
	return txpk, nil
}

func (u *UDPPacketForwarder) cleanup(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.removeExpired(time.Now())
		}
	}
}

func (u *UDPPacketForwarder) removeExpired(now time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()

	for id, gw := range u.gateways {
		if now.Sub(gw.LastSeen) > gatewayTimeout {
			delete(u.gateways, id)
			log.Info().Str("gateway_id", id.String()).Msg("Gateway offline, removed")
		}
	}
	for token, d := range u.downlinks {
		if now.Sub(d.createdAt) > downlinkTimeout {
			delete(u.downlinks, token)
		}
	}
}

// updateLastSeen sets the last seen time of a known gateway. Unknown
// gateways are not registered, the network server ignores their uplinks.
func (u *UDPPacketForwarder) updateLastSeen(gatewayID lorawan.EUI64) {
	if u.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	gw, err := u.store.GetGateway(ctx, gatewayID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Warn().Str("gateway_id", gatewayID.String()).Msg("Gateway is not registered")
			return
		}
		log.Error().Err(err).Str("gateway_id", gatewayID.String()).Msg("Get gateway error")
		return
	}

	now := time.Now()
	gw.LastSeenAt = &now
	if err := u.store.UpdateGateway(ctx, gw); err != nil {
		log.Error().Err(err).Str("gateway_id", gatewayID.String()).Msg("Update gateway error")
	}
}

package maccommand

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-network-server/internal/models"
	"github.com/lorawan-server/lorawan-network-server/internal/region"
	"github.com/lorawan-server/lorawan-network-server/pkg/lorawan"
)

// maxErrorCount is the number of failed answers after which a request is
// no longer sent
const maxErrorCount = 1

// DownlinkRequest holds the state the downlink MAC command requests are
// built from
type DownlinkRequest struct {
	Region        *region.Region
	DeviceProfile *models.DeviceProfile
	DeviceSession *models.DeviceSession
	UplinkDR      int
	Now           time.Time
}

// Requests returns the request blocks to send with the next downlink, in
// the order they should be added. A request is not issued again while an
// earlier one for the same CID is unanswered, unless it is identical.
func (p *Processor) Requests(ctx context.Context, req DownlinkRequest) ([]lorawan.MACCommandSet, error) {
	if p.disabled {
		return nil, nil
	}

	r, dp, ds := req.Region, req.DeviceProfile, req.DeviceSession
	var sets []lorawan.MACCommandSet

	if set := NewChannelRequests(r, ds); len(set) != 0 {
		sets = append(sets, set)
	}

	pending, err := p.store.GetPendingMACCommand(ctx, ds.DevEUI, lorawan.LinkADRReq)
	if err != nil {
		return nil, fmt.Errorf("get pending LinkADRReq: %w", err)
	}
	set, err := p.engine.LinkADRRequest(r, dp, ds, req.UplinkDR, pending)
	if err != nil {
		return nil, err
	}
	if len(set) != 0 {
		sets = append(sets, set)
	}

	if set := DevStatusRequest(dp, ds, req.Now); len(set) != 0 {
		sets = append(sets, set)
	}
	if set := RXParamSetupRequest(r, ds); len(set) != 0 {
		sets = append(sets, set)
	}
	if set := RXTimingSetupRequest(r, ds); len(set) != 0 {
		sets = append(sets, set)
	}

	out := make([]lorawan.MACCommandSet, 0, len(sets))
	for _, set := range sets {
		cid := set[0].CID
		if cid != lorawan.LinkADRReq {
			pending, err := p.store.GetPendingMACCommand(ctx, ds.DevEUI, cid)
			if err != nil {
				return nil, fmt.Errorf("get pending %s: %w", cid, err)
			}
			ok, err := retryable(set, pending)
			if err != nil {
				return nil, err
			}
			if !ok {
				log.Debug().Str("dev_eui", ds.DevEUI.String()).Str("cid", cid.String()).Msg("mac-command pending, skipping request")
				continue
			}
		}
		out = append(out, set)
	}

	return Filter(ds, out), nil
}

// MarkSent stores the request blocks of a sent downlink as pending.
// Answer blocks are ignored.
func (p *Processor) MarkSent(ctx context.Context, ds *models.DeviceSession, sets []lorawan.MACCommandSet, now time.Time) error {
	for _, set := range sets {
		if len(set) == 0 || !isRequest(set) {
			continue
		}

		pending, err := lorawan.NewPendingMACCommand(set, now)
		if err != nil {
			return fmt.Errorf("pending mac-command: %w", err)
		}
		if err := p.store.SetPendingMACCommand(ctx, ds.DevEUI, pending); err != nil {
			return fmt.Errorf("set pending %s: %w", set[0].CID, err)
		}

		if set[0].CID == lorawan.DevStatusReq {
			t := now
			ds.LastDeviceStatusRequest = &t
		}
	}
	return nil
}

// Filter drops the blocks of commands the device failed to answer more
// than once. NewChannelReq and LinkADRReq are not sent together, the
// first one wins.
func Filter(ds *models.DeviceSession, sets []lorawan.MACCommandSet) []lorawan.MACCommandSet {
	var (
		out                       []lorawan.MACCommandSet
		hasNewChannel, hasLinkADR bool
	)

	for _, set := range sets {
		if len(set) == 0 {
			continue
		}
		cid := set[0].CID

		if ds.MACCommandErrorCount[cid] > maxErrorCount {
			log.Warn().
				Str("dev_eui", ds.DevEUI.String()).
				Str("cid", cid.String()).
				Int("error_count", ds.MACCommandErrorCount[cid]).
				Msg("mac-command error count exceeded, skipping request")
			continue
		}

		switch cid {
		case lorawan.NewChannelReq:
			if hasLinkADR {
				continue
			}
			hasNewChannel = true
		case lorawan.LinkADRReq:
			if hasNewChannel {
				continue
			}
			hasLinkADR = true
		}

		out = append(out, set)
	}
	return out
}

// NewChannelRequests returns the NewChannelReq block that brings the
// device channels in line with the user defined channels of the region.
// Channels the region no longer defines are removed with a zero frequency.
func NewChannelRequests(r *region.Region, ds *models.DeviceSession) lorawan.MACCommandSet {
	wanted := make(map[int]lorawan.Channel)
	for _, i := range r.Band.GetUserDefinedUplinkChannelIndices() {
		wanted[i] = r.Band.UplinkChannels[i]
	}

	var indices []int
	for i, c := range wanted {
		cur, ok := ds.ExtraUplinkChannels[i]
		if !ok || cur.Frequency != c.Frequency || cur.MinDR != c.MinDR || cur.MaxDR != c.MaxDR {
			indices = append(indices, i)
		}
	}
	for i := range ds.ExtraUplinkChannels {
		if _, ok := wanted[i]; !ok {
			indices = append(indices, i)
		}
	}
	sort.Ints(indices)

	var set lorawan.MACCommandSet
	for _, i := range indices {
		pl := &lorawan.NewChannelReqPayload{ChIndex: uint8(i)}
		if c, ok := wanted[i]; ok {
			pl.Freq = c.Frequency
			pl.MinDR = uint8(c.MinDR)
			pl.MaxDR = uint8(c.MaxDR)
		}
		set = append(set, lorawan.MACCommand{CID: lorawan.NewChannelReq, Payload: pl})
	}
	return set
}

// DevStatusRequest returns a DevStatusReq when the profile interval
// (requests per day) has elapsed since the last one
func DevStatusRequest(dp *models.DeviceProfile, ds *models.DeviceSession, now time.Time) lorawan.MACCommandSet {
	if dp.DeviceStatusReqInterval <= 0 {
		return nil
	}

	interval := 24 * time.Hour / time.Duration(dp.DeviceStatusReqInterval)
	if ds.LastDeviceStatusRequest != nil && now.Sub(*ds.LastDeviceStatusRequest) < interval {
		return nil
	}

	return lorawan.MACCommandSet{{CID: lorawan.DevStatusReq}}
}

// RXParamSetupRequest returns a RXParamSetupReq when the session RX2 or
// RX1 offset settings differ from the region
func RXParamSetupRequest(r *region.Region, ds *models.DeviceSession) lorawan.MACCommandSet {
	n := r.Network
	if ds.RX2Frequency == n.RX2Frequency && ds.RX2DR == n.RX2DR && ds.RX1DROffset == n.RX1DROffset {
		return nil
	}

	return lorawan.MACCommandSet{
		{
			CID: lorawan.RXParamSetupReq,
			Payload: &lorawan.RXParamSetupReqPayload{
				Frequency: n.RX2Frequency,
				DLSettings: lorawan.DLSettingsPayload{
					RX1DROffset: uint8(n.RX1DROffset),
					RX2DataRate: uint8(n.RX2DR),
				},
			},
		},
	}
}

// RXTimingSetupRequest returns a RXTimingSetupReq when the session RX1
// delay differs from the region
func RXTimingSetupRequest(r *region.Region, ds *models.DeviceSession) lorawan.MACCommandSet {
	if ds.RX1Delay == r.Network.RX1Delay {
		return nil
	}

	return lorawan.MACCommandSet{
		{
			CID:     lorawan.RXTimingSetupReq,
			Payload: &lorawan.RXTimingSetupReqPayload{Delay: uint8(r.Network.RX1Delay)},
		},
	}
}

// retryable returns true when no request is pending or the pending one is
// identical to set
func retryable(set lorawan.MACCommandSet, pending *lorawan.PendingMACCommand) (bool, error) {
	if pending == nil {
		return true, nil
	}
	b, err := lorawan.EncodeMACCommands(set)
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", set[0].CID, err)
	}
	return bytes.Equal(b, pending.Payload), nil
}

// isRequest returns true for blocks the network initiates. The answers to
// device requests (LinkCheckAns, DeviceTimeAns) share their CID with a
// device request and are never pending.
func isRequest(set lorawan.MACCommandSet) bool {
	switch set[0].CID {
	case lorawan.LinkADRReq, lorawan.DutyCycleReq, lorawan.RXParamSetupReq, lorawan.DevStatusReq,
		lorawan.NewChannelReq, lorawan.RXTimingSetupReq, lorawan.TxParamSetupReq, lorawan.DlChannelReq:
		return true
	}
	return false
}

// Package maccommand handles the MAC commands sent by devices and builds
// the MAC command requests sent with downlinks.
package maccommand

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-network-server/internal/integration"
	"github.com/lorawan-server/lorawan-network-server/internal/models"
	"github.com/lorawan-server/lorawan-network-server/internal/network/adr"
	"github.com/lorawan-server/lorawan-network-server/internal/region"
	"github.com/lorawan-server/lorawan-network-server/internal/storage"
	"github.com/lorawan-server/lorawan-network-server/pkg/lorawan"
)

// ErrNoPendingRequest is returned for an answer without a pending request
var ErrNoPendingRequest = errors.New("expected pending mac-command")

// Store is the part of the storage used by the processor
type Store interface {
	GetPendingMACCommand(ctx context.Context, devEUI lorawan.EUI64, cid lorawan.CID) (*lorawan.PendingMACCommand, error)
	SetPendingMACCommand(ctx context.Context, devEUI lorawan.EUI64, pending *lorawan.PendingMACCommand) error
	DeletePendingMACCommand(ctx context.Context, devEUI lorawan.EUI64, cid lorawan.CID) error
	UpdateDevice(ctx context.Context, device *models.Device) error
}

var _ Store = (storage.Store)(nil)

// Processor handles uplink MAC commands and builds downlink requests
type Processor struct {
	store    Store
	handler  integration.Handler
	engine   *adr.Engine
	disabled bool
}

// NewProcessor creates a processor. With disabled set no commands are
// handled and no requests are built.
func NewProcessor(store Store, handler integration.Handler, engine *adr.Engine, disabled bool) *Processor {
	if engine == nil {
		engine = adr.NewEngine(nil, 0)
	}
	return &Processor{
		store:    store,
		handler:  handler,
		engine:   engine,
		disabled: disabled,
	}
}

// Disabled returns true when MAC command handling is turned off
func (p *Processor) Disabled() bool {
	return p.disabled
}

// UplinkRequest holds the uplink MAC commands together with the state they
// apply to. DeviceSession and Device are updated in place.
type UplinkRequest struct {
	Region         *region.Region
	DeviceSession  *models.DeviceSession
	Device         *models.Device
	DeviceProfile  *models.DeviceProfile
	DeviceInfo     models.DeviceInfo
	UplinkFrameSet *models.UplinkFrameSet
	Commands       lorawan.MACCommandSet
}

// HandleUplink handles the commands block by block. It returns the answer
// blocks to send and whether the device expects a downlink even when
// there is nothing else to send.
func (p *Processor) HandleUplink(ctx context.Context, req UplinkRequest) ([]lorawan.MACCommandSet, bool, error) {
	if p.disabled || len(req.Commands) == 0 {
		return nil, false, nil
	}

	ds := req.DeviceSession
	var (
		out         []lorawan.MACCommandSet
		mustRespond bool
	)

	for _, block := range groupByCID(req.Commands) {
		cid := block[0].CID

		pending, err := p.store.GetPendingMACCommand(ctx, ds.DevEUI, cid)
		if err != nil {
			return nil, false, fmt.Errorf("get pending mac-command: %w", err)
		}
		if pending != nil {
			if err := p.store.DeletePendingMACCommand(ctx, ds.DevEUI, cid); err != nil {
				return nil, false, fmt.Errorf("delete pending mac-command: %w", err)
			}
		}

		switch cid {
		case lorawan.RXParamSetupAns, lorawan.RXTimingSetupAns, lorawan.DlChannelAns:
			mustRespond = true
		}

		resp, err := p.handle(ctx, req, block, pending)
		if errors.Is(err, ErrNoPendingRequest) {
			// an answer nobody asked for, the device is not to blame
			log.Warn().
				Str("dev_eui", ds.DevEUI.String()).
				Str("cid", cid.String()).
				Msg("mac-command answer without pending request, ignoring")
			continue
		}
		if err != nil {
			log.Warn().
				Err(err).
				Str("dev_eui", ds.DevEUI.String()).
				Str("cid", cid.String()).
				Msg("Handle mac-command error")
			ds.IncrementMACCommandErrorCount(cid)
			continue
		}
		if len(resp) != 0 {
			out = append(out, resp)
		}
	}

	return out, mustRespond, nil
}

func (p *Processor) handle(ctx context.Context, req UplinkRequest, block lorawan.MACCommandSet, pending *lorawan.PendingMACCommand) (lorawan.MACCommandSet, error) {
	switch block[0].CID {
	case lorawan.LinkCheckReq:
		return handleLinkCheckReq(req)
	case lorawan.LinkADRAns:
		return nil, handleLinkADRAns(req, block, pending)
	case lorawan.DevStatusAns:
		return nil, p.handleDevStatusAns(ctx, req, block)
	case lorawan.RXParamSetupAns:
		return nil, handleRXParamSetupAns(req, block, pending)
	case lorawan.NewChannelAns:
		return nil, handleNewChannelAns(req, block, pending)
	case lorawan.RXTimingSetupAns:
		return nil, handleRXTimingSetupAns(req, pending)
	case lorawan.TxParamSetupAns:
		return nil, handleTxParamSetupAns(req, pending)
	case lorawan.DlChannelAns:
		return nil, handleDlChannelAns(req, block, pending)
	case lorawan.DeviceTimeReq:
		return handleDeviceTimeReq(req)
	default:
		return nil, fmt.Errorf("unhandled mac-command %s", block[0].CID)
	}
}

// groupByCID splits the commands into blocks of the same CID, in order of
// first appearance
func groupByCID(cmds lorawan.MACCommandSet) []lorawan.MACCommandSet {
	var out []lorawan.MACCommandSet
	index := make(map[lorawan.CID]int)

	for _, c := range cmds {
		i, ok := index[c.CID]
		if !ok {
			i = len(out)
			index[c.CID] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], c)
	}
	return out
}

// pendingRequests decodes the pending request block
func pendingRequests(pending *lorawan.PendingMACCommand) (lorawan.MACCommandSet, error) {
	if pending == nil {
		return nil, ErrNoPendingRequest
	}
	set, err := pending.Commands()
	if err != nil {
		return nil, fmt.Errorf("decode pending mac-command: %w", err)
	}
	if len(set) == 0 {
		return nil, ErrNoPendingRequest
	}
	return set, nil
}

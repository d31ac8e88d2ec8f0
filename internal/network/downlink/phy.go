package downlink

import (
	"fmt"

	"github.com/lorawan-server/lorawan-network-server/internal/models"
	"github.com/lorawan-server/lorawan-network-server/pkg/lorawan"
)

// maxFOptsSize is the largest MAC command block sent in FOpts. Larger
// blocks are sent as FRMPayload on FPort 0.
const maxFOptsSize = 15

type phyRequest struct {
	DeviceSession *models.DeviceSession
	MACCommands   []lorawan.MACCommandSet
	QueueItem     *models.DeviceQueueItem
	MoreInQueue   bool
	MustACK       bool
	ADRDisabled   bool
	MaxSize       int
}

// phyContent is the encoded frame and what went into it
type phyContent struct {
	PHYPayload  []byte
	FCnt        uint32
	MACCommands []lorawan.MACCommandSet
	QueueItem   *models.DeviceQueueItem
	// Size is the FOpts plus FRMPayload length
	Size int
}

// buildPHYPayload adds the MAC command blocks in order while they fit,
// then the queue item when there is room left. FPending is set when the
// queue item is left out or more items are queued.
func buildPHYPayload(req phyRequest) (phyContent, error) {
	var out phyContent
	ds := req.DeviceSession

	var macSize int
	var cmds lorawan.MACCommandSet
	for _, set := range req.MACCommands {
		n := set.Size()
		if macSize+n > req.MaxSize {
			break
		}
		out.MACCommands = append(out.MACCommands, set)
		cmds = append(cmds, set...)
		macSize += n
	}

	var macBytes []byte
	if len(cmds) != 0 {
		b, err := lorawan.EncodeMACCommands(cmds)
		if err != nil {
			return out, fmt.Errorf("encode mac-commands: %w", err)
		}
		macBytes = b
	}

	mac := &lorawan.MACPayload{
		FHDR: lorawan.FHDR{
			DevAddr: ds.DevAddr,
			FCtrl: lorawan.FCtrl{
				ADR: !req.ADRDisabled,
				ACK: req.MustACK,
			},
		},
	}

	qi := req.QueueItem
	if macSize > maxFOptsSize {
		fPort := uint8(0)
		mac.FPort = &fPort
		mac.FRMPayload = macBytes
		mac.FHDR.FCtrl.FPending = qi != nil
		qi = nil
	} else {
		mac.FHDR.FOpts = macBytes
		if qi != nil {
			if len(qi.Data) <= req.MaxSize-macSize {
				fPort := qi.FPort
				mac.FPort = &fPort
				mac.FRMPayload = qi.Data
			} else {
				mac.FHDR.FCtrl.FPending = true
				qi = nil
			}
		}
	}
	if req.MoreInQueue {
		mac.FHDR.FCtrl.FPending = true
	}
	out.QueueItem = qi
	out.Size = len(mac.FHDR.FOpts) + len(mac.FRMPayload)

	mType := lorawan.UnconfirmedDataDown
	out.FCnt = ds.GetDownlinkFCnt(qi != nil)
	if qi != nil {
		if qi.Confirmed {
			mType = lorawan.ConfirmedDataDown
		}
		if qi.IsEncrypted && qi.FCntDown != nil {
			out.FCnt = *qi.FCntDown
		}
	}
	mac.FHDR.FCnt = out.FCnt

	sec, err := ds.Security()
	if err != nil {
		return out, err
	}

	// pre-encrypted items are sent as they are
	if mac.FPort != nil && (qi == nil || !qi.IsEncrypted) {
		key := sec.PayloadKey()
		if *mac.FPort != 0 {
			key = ds.AppSKey.Key()
		}
		mac.FRMPayload, err = lorawan.EncryptFRMPayload(key, false, ds.DevAddr, out.FCnt, mac.FRMPayload)
		if err != nil {
			return out, fmt.Errorf("encrypt FRMPayload: %w", err)
		}
	}

	phy := lorawan.PHYPayload{
		MHDR: lorawan.MHDR{
			MType: mType,
			Major: lorawan.LoRaWANR1,
		},
		MACPayload: mac,
	}

	if err := sec.EncryptFOpts(&phy); err != nil {
		return out, fmt.Errorf("encrypt FOpts: %w", err)
	}

	var confFCnt uint32
	if req.MustACK && ds.FCntUp > 0 {
		confFCnt = ds.FCntUp - 1
	}
	if err := phy.SetDownlinkDataMIC(sec, confFCnt); err != nil {
		return out, err
	}

	out.PHYPayload, err = phy.MarshalBinary()
	if err != nil {
		return out, fmt.Errorf("marshal PHYPayload: %w", err)
	}
	return out, nil
}

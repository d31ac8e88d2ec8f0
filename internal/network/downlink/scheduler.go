package downlink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-network-server/internal/config"
	"github.com/lorawan-server/lorawan-network-server/internal/gateway"
	"github.com/lorawan-server/lorawan-network-server/internal/integration"
	"github.com/lorawan-server/lorawan-network-server/internal/models"
	"github.com/lorawan-server/lorawan-network-server/internal/network/lock"
	"github.com/lorawan-server/lorawan-network-server/internal/network/maccommand"
	"github.com/lorawan-server/lorawan-network-server/internal/region"
	"github.com/lorawan-server/lorawan-network-server/internal/storage"
	"github.com/lorawan-server/lorawan-network-server/pkg/lorawan"
)

// defaultAckTimeout is used for confirmed items when the device profile
// sets no class-C timeout
const defaultAckTimeout = time.Minute

// ErrNoGateway is returned when no gateway can transmit the downlink
var ErrNoGateway = errors.New("no downlink gateway")

// Scheduler builds and sends the downlinks of class-A responses and of the
// class-C queue
type Scheduler struct {
	cfg     config.NetworkConfig
	store   storage.Store
	backend gateway.Backend
	handler integration.Handler
	mac     *maccommand.Processor
	locker  *lock.DeviceLocker
	regions *region.Registry

	now func() time.Time
}

// NewScheduler creates the downlink scheduler
func NewScheduler(cfg config.NetworkConfig, store storage.Store, backend gateway.Backend, handler integration.Handler,
	mac *maccommand.Processor, locker *lock.DeviceLocker, regions *region.Registry) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		store:   store,
		backend: backend,
		handler: handler,
		mac:     mac,
		locker:  locker,
		regions: regions,
		now:     time.Now,
	}
}

// ResponseRequest holds the state of a handled uplink the class-A response
// is built for. The caller holds the device lock.
type ResponseRequest struct {
	Region         *region.Region
	Device         *models.Device
	DeviceProfile  *models.DeviceProfile
	DeviceSession  *models.DeviceSession
	DeviceInfo     models.DeviceInfo
	UplinkFrameSet *models.UplinkFrameSet

	// MACCommands are the answers to the uplink MAC commands. They are
	// sent before any request.
	MACCommands []lorawan.MACCommandSet

	// MustSend is set for ADRACKReq and for answers that need a downlink
	MustSend bool
	// MustACK is set for confirmed uplinks
	MustACK bool
}

// HandleResponse sends the downlink in the receive windows following the
// uplink, when there is something to send
func (s *Scheduler) HandleResponse(ctx context.Context, req ResponseRequest) error {
	ds := req.DeviceSession
	ufs := req.UplinkFrameSet
	now := s.now()

	// keep the class-C scheduler out of the receive windows of this uplink
	if req.Device != nil && req.Device.EnabledClass != models.DeviceClassA {
		if err := s.holdScheduler(ctx, req.Device, now.Add(s.cfg.ClassALockDuration)); err != nil {
			return err
		}
	}

	rx, err := selectGateway(req.Region, ufs.TxInfo.DR, ufs.RxInfo)
	if err != nil {
		return err
	}

	items, err := responseTxInfo(req.Region, ds, ufs.TxInfo, rx.Context)
	if err != nil {
		return fmt.Errorf("tx info: %w", err)
	}

	qi, more, err := s.nextQueueItem(ctx, ds, req.DeviceInfo, items[0].RemainingPayloadSize, now)
	if err != nil {
		return err
	}

	sets := append([]lorawan.MACCommandSet(nil), req.MACCommands...)
	requests, err := s.mac.Requests(ctx, maccommand.DownlinkRequest{
		Region:        req.Region,
		DeviceProfile: req.DeviceProfile,
		DeviceSession: ds,
		UplinkDR:      ufs.TxInfo.DR,
		Now:           now,
	})
	if err != nil {
		return fmt.Errorf("mac-command requests: %w", err)
	}
	sets = append(sets, requests...)

	if qi == nil && len(sets) == 0 && !req.MustACK && !req.MustSend {
		log.Debug().Str("dev_eui", ds.DevEUI.String()).Msg("nothing to send")
		return nil
	}

	return s.schedule(ctx, scheduleRequest{
		Region:        req.Region,
		DeviceProfile: req.DeviceProfile,
		DeviceSession: ds,
		GatewayID:     rx.GatewayID,
		Items:         items,
		QueueItem:     qi,
		MoreInQueue:   more,
		MACCommands:   sets,
		MustACK:       req.MustACK,
		Now:           now,
	})
}

type scheduleRequest struct {
	Region        *region.Region
	DeviceProfile *models.DeviceProfile
	DeviceSession *models.DeviceSession
	GatewayID     lorawan.EUI64
	Items         []txItem
	QueueItem     *models.DeviceQueueItem
	MoreInQueue   bool
	MACCommands   []lorawan.MACCommandSet
	MustACK       bool
	Now           time.Time
}

// schedule builds the frame, persists the new device state and hands the
// frame to the gateway backend
func (s *Scheduler) schedule(ctx context.Context, req scheduleRequest) error {
	ds := req.DeviceSession

	content, err := buildPHYPayload(phyRequest{
		DeviceSession: ds,
		MACCommands:   req.MACCommands,
		QueueItem:     req.QueueItem,
		MoreInQueue:   req.MoreInQueue,
		MustACK:       req.MustACK,
		ADRDisabled:   req.Region.Network.ADRDisabled,
		MaxSize:       req.Items[0].RemainingPayloadSize,
	})
	if err != nil {
		return fmt.Errorf("build PHYPayload: %w", err)
	}

	frame := models.DownlinkFrame{
		DownlinkID: uuid.New(),
		GatewayID:  req.GatewayID,
		DevEUI:     ds.DevEUI,
	}
	for i, item := range req.Items {
		if i > 0 && item.RemainingPayloadSize < content.Size {
			log.Debug().
				Str("dev_eui", ds.DevEUI.String()).
				Int("dr", item.DR).
				Msg("payload exceeds the window data-rate, dropping window")
			continue
		}
		frame.Items = append(frame.Items, models.DownlinkFrameItem{
			PHYPayload: content.PHYPayload,
			TxInfo:     item.TxInfo,
		})
	}

	qi := content.QueueItem
	if qi != nil {
		frame.QueueItemID = qi.ID

		if qi.Confirmed {
			timeout := defaultAckTimeout
			if req.DeviceProfile != nil && req.DeviceProfile.ClassCTimeout > 0 {
				timeout = time.Duration(req.DeviceProfile.ClassCTimeout) * time.Second
			}
			fCnt := content.FCnt
			timeoutAfter := req.Now.Add(timeout)
			qi.IsPending = true
			qi.FCntDown = &fCnt
			qi.TimeoutAfter = &timeoutAfter
			ds.ConfFCnt = fCnt
			if err := s.store.UpdateDeviceQueueItem(ctx, qi); err != nil {
				return fmt.Errorf("update queue item: %w", err)
			}
		}

		if qi.IsEncrypted {
			setAppFCntDown(ds, content.FCnt+1)
		} else {
			ds.IncrementDownlinkFCnt(true)
		}
	} else {
		ds.IncrementDownlinkFCnt(false)
	}

	if err := s.mac.MarkSent(ctx, ds, content.MACCommands, req.Now); err != nil {
		return err
	}
	if err := s.store.SaveDeviceSession(ctx, ds); err != nil {
		return fmt.Errorf("save device session: %w", err)
	}

	if err := s.backend.SendDownlink(ctx, frame); err != nil {
		return fmt.Errorf("send downlink: %w", err)
	}

	if qi != nil && !qi.Confirmed {
		if err := s.store.DeleteDeviceQueueItem(ctx, qi.ID); err != nil {
			return fmt.Errorf("delete queue item: %w", err)
		}
	}

	log.Info().
		Str("dev_eui", ds.DevEUI.String()).
		Str("gateway_id", req.GatewayID.String()).
		Str("downlink_id", frame.DownlinkID.String()).
		Uint32("f_cnt", content.FCnt).
		Int("items", len(frame.Items)).
		Int("mac_commands", len(content.MACCommands)).
		Bool("queue_item", qi != nil).
		Msg("downlink scheduled")
	return nil
}

// setAppFCntDown sets the counter that follows a pre-encrypted item
func setAppFCntDown(ds *models.DeviceSession, next uint32) {
	if ds.MACVersion.Is11() {
		ds.AFCntDown = next
		return
	}
	ds.NFCntDown = next
}

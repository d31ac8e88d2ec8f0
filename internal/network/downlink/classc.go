package downlink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/lorawan-server/lorawan-network-server/internal/models"
	"github.com/lorawan-server/lorawan-network-server/internal/storage"
)

// Start runs the class-C scheduler until ctx is done
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Scheduler.Interval)
	defer ticker.Stop()

	log.Info().
		Dur("interval", s.cfg.Scheduler.Interval).
		Int("batch_size", s.cfg.Scheduler.BatchSize).
		Msg("Class-C scheduler started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.ScheduleBatch(ctx); err != nil {
				log.Error().Err(err).Msg("class-C scheduler batch error")
			}
		}
	}
}

// ScheduleBatch schedules the next queue item of a batch of class-C
// devices
func (s *Scheduler) ScheduleBatch(ctx context.Context) error {
	devices, err := s.store.GetClassCDevicesWithQueueItems(ctx, s.cfg.Scheduler.BatchSize)
	if err != nil {
		return fmt.Errorf("get class-C devices: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	if s.cfg.Workers > 0 {
		g.SetLimit(s.cfg.Workers)
	}
	for _, dev := range devices {
		dev := dev
		g.Go(func() error {
			if err := s.ScheduleNext(ctx, dev); err != nil {
				log.Error().Err(err).Str("dev_eui", dev.DevEUI.String()).Msg("schedule class-C downlink error")
			}
			return nil
		})
	}
	return g.Wait()
}

// ScheduleNext sends the next queue item of a class-C device through the
// gateway that received its last uplink, using the RX2 parameters. A device
// locked by another operation is skipped.
func (s *Scheduler) ScheduleNext(ctx context.Context, dev *models.Device) error {
	if dev.IsDisabled || dev.EnabledClass != models.DeviceClassC {
		return nil
	}

	unlock, err := s.locker.TryLock(ctx, dev.DevEUI, s.cfg.ClassCLockDuration)
	if err != nil {
		if errors.Is(err, storage.ErrLocked) {
			log.Debug().Str("dev_eui", dev.DevEUI.String()).Msg("device locked, skipping")
			return nil
		}
		return err
	}
	defer unlock()

	// the batch may be stale, the device could have sent an uplink or
	// received a downlink since
	dev, err = s.store.GetDevice(ctx, dev.DevEUI)
	if err != nil {
		return fmt.Errorf("get device: %w", err)
	}
	now := s.now()
	if dev.IsDisabled || dev.EnabledClass != models.DeviceClassC {
		return nil
	}
	if dev.SchedulerRunAfter != nil && dev.SchedulerRunAfter.After(now) {
		log.Debug().
			Str("dev_eui", dev.DevEUI.String()).
			Time("scheduler_run_after", *dev.SchedulerRunAfter).
			Msg("class-C downlink held back")
		return nil
	}

	ds, err := s.store.GetDeviceSession(ctx, dev.DevEUI)
	if err != nil {
		return fmt.Errorf("get device session: %w", err)
	}
	r, err := s.regions.Load().Get(ds.RegionConfigID)
	if err != nil {
		return err
	}
	rxInfo, err := s.store.GetDeviceGatewayRxInfo(ctx, dev.DevEUI)
	if err != nil {
		return fmt.Errorf("get device gateway rx info: %w", err)
	}
	dp, info, err := s.deviceInfo(ctx, dev)
	if err != nil {
		return err
	}

	receptions := make([]models.RxInfo, 0, len(rxInfo.Items))
	for _, item := range rxInfo.Items {
		receptions = append(receptions, models.RxInfo{
			GatewayID: item.GatewayID,
			RSSI:      item.RSSI,
			SNR:       item.SNR,
			Context:   item.Context,
		})
	}
	rx, err := selectGateway(r, rxInfo.DR, receptions)
	if err != nil {
		return err
	}

	item, err := rx2TxItem(r, ds, models.DownlinkTiming{Immediately: true}, rx.Context)
	if err != nil {
		return fmt.Errorf("tx info: %w", err)
	}

	qi, more, err := s.nextQueueItem(ctx, ds, info, item.RemainingPayloadSize, now)
	if err != nil {
		return err
	}
	if qi == nil {
		return nil
	}

	err = s.schedule(ctx, scheduleRequest{
		Region:        r,
		DeviceProfile: dp,
		DeviceSession: ds,
		GatewayID:     rx.GatewayID,
		Items:         []txItem{item},
		QueueItem:     qi,
		MoreInQueue:   more,
		Now:           now,
	})
	if err != nil {
		return err
	}
	return s.holdScheduler(ctx, dev, now.Add(s.cfg.ClassCLockDuration))
}

// holdScheduler stores until when the class-C scheduler must leave the
// device alone
func (s *Scheduler) holdScheduler(ctx context.Context, dev *models.Device, until time.Time) error {
	dev.SchedulerRunAfter = &until
	if err := s.store.UpdateDevice(ctx, dev); err != nil {
		return fmt.Errorf("update device: %w", err)
	}
	return nil
}

func (s *Scheduler) deviceInfo(ctx context.Context, dev *models.Device) (*models.DeviceProfile, models.DeviceInfo, error) {
	dp, err := s.store.GetDeviceProfile(ctx, dev.DeviceProfileID)
	if err != nil {
		return nil, models.DeviceInfo{}, fmt.Errorf("get device profile: %w", err)
	}
	app, err := s.store.GetApplication(ctx, dev.ApplicationID)
	if err != nil {
		return nil, models.DeviceInfo{}, fmt.Errorf("get application: %w", err)
	}
	tenant, err := s.store.GetTenant(ctx, app.TenantID)
	if err != nil {
		return nil, models.DeviceInfo{}, fmt.Errorf("get tenant: %w", err)
	}
	return dp, models.NewDeviceInfo(tenant, app, dp, dev), nil
}

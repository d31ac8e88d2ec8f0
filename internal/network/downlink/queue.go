package downlink

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-network-server/internal/models"
)

// nextQueueItem returns the queue item to send and whether more items are
// queued after it. Items that can not be sent are removed and reported.
// While a confirmed item waits for its ack nothing is returned.
func (s *Scheduler) nextQueueItem(ctx context.Context, ds *models.DeviceSession, info models.DeviceInfo, maxPayloadSize int,
	now time.Time) (*models.DeviceQueueItem, bool, error) {
	items, err := s.store.GetDeviceQueueItems(ctx, ds.DevEUI)
	if err != nil {
		return nil, false, fmt.Errorf("get device queue: %w", err)
	}

	for i, qi := range items {
		more := i < len(items)-1

		if qi.IsPending {
			if qi.TimeoutAfter == nil || qi.TimeoutAfter.After(now) {
				return nil, false, nil
			}

			if err := s.store.DeleteDeviceQueueItem(ctx, qi.ID); err != nil {
				return nil, false, fmt.Errorf("delete queue item: %w", err)
			}
			var fCnt uint32
			if qi.FCntDown != nil {
				fCnt = *qi.FCntDown
			}
			s.emitAck(ctx, models.AckEvent{
				QueueItemID:  qi.ID,
				Time:         now,
				DeviceInfo:   info,
				Acknowledged: false,
				FCntDown:     fCnt,
			})
			continue
		}

		if len(qi.Data) > maxPayloadSize {
			if err := s.store.DeleteDeviceQueueItem(ctx, qi.ID); err != nil {
				return nil, false, fmt.Errorf("delete queue item: %w", err)
			}
			s.emitLog(ctx, info, now, models.LogCodeDownlinkPayloadSize, "Device queue-item discarded because it exceeds the max. payload size", map[string]string{
				"max_payload_size": strconv.Itoa(maxPayloadSize),
				"item_size":        strconv.Itoa(len(qi.Data)),
				"queue_item_id":    qi.ID.String(),
			})
			continue
		}

		if qi.IsEncrypted {
			next := ds.GetDownlinkFCnt(true)
			if qi.FCntDown == nil || *qi.FCntDown < next {
				if err := s.store.DeleteDeviceQueueItem(ctx, qi.ID); err != nil {
					return nil, false, fmt.Errorf("delete queue item: %w", err)
				}
				var fCnt string
				if qi.FCntDown != nil {
					fCnt = strconv.FormatUint(uint64(*qi.FCntDown), 10)
				}
				s.emitLog(ctx, info, now, models.LogCodeFCntDown, "Device queue-item discarded because the frame-counter is invalid", map[string]string{
					"device_f_cnt_down": strconv.FormatUint(uint64(next), 10),
					"queue_item_f_cnt":  fCnt,
					"queue_item_id":     qi.ID.String(),
				})
				continue
			}
		} else if ds.AppSKey.Wrapped() {
			if err := s.store.DeleteDeviceQueueItem(ctx, qi.ID); err != nil {
				return nil, false, fmt.Errorf("delete queue item: %w", err)
			}
			s.emitLog(ctx, info, now, models.LogCodeDownlinkKEK, "Device queue-item discarded because the AppSKey is not available to the network server", map[string]string{
				"queue_item_id": qi.ID.String(),
			})
			continue
		}

		return qi, more, nil
	}

	return nil, false, nil
}

func (s *Scheduler) emitAck(ctx context.Context, e models.AckEvent) {
	if err := s.handler.HandleAckEvent(ctx, e); err != nil {
		log.Error().Err(err).Str("dev_eui", e.DeviceInfo.DevEUI.String()).Msg("send ack event error")
	}
}

func (s *Scheduler) emitLog(ctx context.Context, info models.DeviceInfo, now time.Time, code, description string, details map[string]string) {
	ev := log.Warn().Str("dev_eui", info.DevEUI.String()).Str("code", code)
	for k, v := range details {
		ev = ev.Str(k, v)
	}
	ev.Msg(description)

	err := s.handler.HandleLogEvent(ctx, models.LogEvent{
		Time:        now,
		DeviceInfo:  info,
		Level:       models.EventLevelWarning,
		Code:        code,
		Description: description,
		Context:     details,
	})
	if err != nil {
		log.Error().Err(err).Str("dev_eui", info.DevEUI.String()).Msg("send log event error")
	}
}

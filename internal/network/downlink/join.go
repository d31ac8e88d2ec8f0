package downlink

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-network-server/internal/models"
	"github.com/lorawan-server/lorawan-network-server/internal/region"
	"github.com/lorawan-server/lorawan-network-server/pkg/lorawan"
)

// JoinAcceptRequest holds an encrypted join accept and the join request
// it answers
type JoinAcceptRequest struct {
	Region         *region.Region
	DevEUI         lorawan.EUI64
	UplinkFrameSet *models.UplinkFrameSet
	PHYPayload     []byte
}

// SendJoinAccept sends the join accept in the join receive windows. The
// device does not know its new RX parameters yet, so both windows use the
// band defaults.
func (s *Scheduler) SendJoinAccept(ctx context.Context, req JoinAcceptRequest) error {
	r := req.Region
	ufs := req.UplinkFrameSet

	rx, err := selectGateway(r, ufs.TxInfo.DR, ufs.RxInfo)
	if err != nil {
		return err
	}

	rx1DR, err := r.Band.GetRX1DataRateIndex(ufs.TxInfo.DR, 0)
	if err != nil {
		return fmt.Errorf("rx1 data-rate: %w", err)
	}
	rx1Freq, err := r.Band.GetRX1FrequencyForUplinkFrequency(ufs.TxInfo.Frequency)
	if err != nil {
		return fmt.Errorf("rx1 frequency: %w", err)
	}

	defaults := r.Band.Defaults
	rx1, err := newTxItem(r, rx1DR, rx1Freq, models.DownlinkTiming{Delay: defaults.JoinAcceptDelay1}, rx.Context)
	if err != nil {
		return err
	}
	rx2, err := newTxItem(r, defaults.RX2DataRate, defaults.RX2Frequency, models.DownlinkTiming{Delay: defaults.JoinAcceptDelay2}, rx.Context)
	if err != nil {
		return err
	}

	items := []txItem{rx1, rx2}
	switch r.Network.RXWindow {
	case rxWindowRX1:
		items = items[:1]
	case rxWindowRX2:
		items = items[1:]
	}

	frame := models.DownlinkFrame{
		DownlinkID: uuid.New(),
		GatewayID:  rx.GatewayID,
		DevEUI:     req.DevEUI,
	}
	for _, item := range items {
		frame.Items = append(frame.Items, models.DownlinkFrameItem{
			PHYPayload: req.PHYPayload,
			TxInfo:     item.TxInfo,
		})
	}

	if err := s.backend.SendDownlink(ctx, frame); err != nil {
		return fmt.Errorf("send join accept: %w", err)
	}

	log.Info().
		Str("dev_eui", req.DevEUI.String()).
		Str("gateway_id", rx.GatewayID.String()).
		Str("downlink_id", frame.DownlinkID.String()).
		Msg("join accept scheduled")
	return nil
}

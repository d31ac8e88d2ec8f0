package maccommand

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-network-server/pkg/lorawan"
)

// handleRXParamSetupAns applies the pending RX2 and RX1 offset settings
// when the device accepted all of them
func handleRXParamSetupAns(req UplinkRequest, block lorawan.MACCommandSet, pending *lorawan.PendingMACCommand) error {
	ds := req.DeviceSession

	reqs, err := pendingRequests(pending)
	if err != nil {
		return err
	}
	reqPL, ok := reqs[0].Payload.(*lorawan.RXParamSetupReqPayload)
	if !ok {
		return fmt.Errorf("expected *RXParamSetupReqPayload, got %T", reqs[0].Payload)
	}
	ansPL, ok := block[0].Payload.(*lorawan.RXParamSetupAnsPayload)
	if !ok {
		return fmt.Errorf("expected *RXParamSetupAnsPayload, got %T", block[0].Payload)
	}

	if !ansPL.ChannelACK || !ansPL.RX2DataRateACK || !ansPL.RX1DROffsetACK {
		ds.IncrementMACCommandErrorCount(lorawan.RXParamSetupReq)
		log.Warn().
			Str("dev_eui", ds.DevEUI.String()).
			Bool("channel_ack", ansPL.ChannelACK).
			Bool("rx2_dr_ack", ansPL.RX2DataRateACK).
			Bool("rx1_dr_offset_ack", ansPL.RX1DROffsetACK).
			Msg("RXParamSetupReq not acknowledged")
		return nil
	}

	ds.RX2Frequency = reqPL.Frequency
	ds.RX2DR = int(reqPL.DLSettings.RX2DataRate)
	ds.RX1DROffset = int(reqPL.DLSettings.RX1DROffset)
	delete(ds.MACCommandErrorCount, lorawan.RXParamSetupReq)

	log.Info().
		Str("dev_eui", ds.DevEUI.String()).
		Uint32("rx2_frequency", ds.RX2Frequency).
		Int("rx2_dr", ds.RX2DR).
		Int("rx1_dr_offset", ds.RX1DROffset).
		Msg("RXParamSetupReq acknowledged")
	return nil
}

func handleRXTimingSetupAns(req UplinkRequest, pending *lorawan.PendingMACCommand) error {
	ds := req.DeviceSession

	reqs, err := pendingRequests(pending)
	if err != nil {
		return err
	}
	pl, ok := reqs[0].Payload.(*lorawan.RXTimingSetupReqPayload)
	if !ok {
		return fmt.Errorf("expected *RXTimingSetupReqPayload, got %T", reqs[0].Payload)
	}

	ds.RX1Delay = int(pl.Delay)
	delete(ds.MACCommandErrorCount, lorawan.RXTimingSetupReq)

	log.Info().
		Str("dev_eui", ds.DevEUI.String()).
		Int("rx1_delay", ds.RX1Delay).
		Msg("RXTimingSetupReq acknowledged")
	return nil
}

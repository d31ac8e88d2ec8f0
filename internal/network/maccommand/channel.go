package maccommand

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-network-server/internal/models"
	"github.com/lorawan-server/lorawan-network-server/pkg/lorawan"
)

// handleNewChannelAns adds the acknowledged channels to the session. The
// answers are matched with the requests by position.
func handleNewChannelAns(req UplinkRequest, block lorawan.MACCommandSet, pending *lorawan.PendingMACCommand) error {
	ds := req.DeviceSession

	reqs, err := pendingRequests(pending)
	if err != nil {
		return err
	}
	if len(reqs) != len(block) {
		return fmt.Errorf("%d NewChannelAns for %d NewChannelReq", len(block), len(reqs))
	}

	for i := range block {
		reqPL, ok := reqs[i].Payload.(*lorawan.NewChannelReqPayload)
		if !ok {
			return fmt.Errorf("expected *NewChannelReqPayload, got %T", reqs[i].Payload)
		}
		ansPL, ok := block[i].Payload.(*lorawan.NewChannelAnsPayload)
		if !ok {
			return fmt.Errorf("expected *NewChannelAnsPayload, got %T", block[i].Payload)
		}

		if !ansPL.ChannelFrequencyOK || !ansPL.DataRateRangeOK {
			ds.IncrementMACCommandErrorCount(lorawan.NewChannelReq)
			log.Warn().
				Str("dev_eui", ds.DevEUI.String()).
				Uint8("channel", reqPL.ChIndex).
				Bool("frequency_ok", ansPL.ChannelFrequencyOK).
				Bool("dr_range_ok", ansPL.DataRateRangeOK).
				Msg("NewChannelReq not acknowledged")
			continue
		}

		idx := int(reqPL.ChIndex)
		if reqPL.Freq == 0 {
			delete(ds.ExtraUplinkChannels, idx)
			ds.EnabledUplinkChannelIndices = removeIndex(ds.EnabledUplinkChannelIndices, idx)
		} else {
			if ds.ExtraUplinkChannels == nil {
				ds.ExtraUplinkChannels = make(map[int]models.ExtraChannel)
			}
			ds.ExtraUplinkChannels[idx] = models.ExtraChannel{
				Frequency: reqPL.Freq,
				MinDR:     int(reqPL.MinDR),
				MaxDR:     int(reqPL.MaxDR),
			}
			ds.EnabledUplinkChannelIndices = addIndex(ds.EnabledUplinkChannelIndices, idx)
		}

		log.Info().
			Str("dev_eui", ds.DevEUI.String()).
			Uint8("channel", reqPL.ChIndex).
			Uint32("frequency", reqPL.Freq).
			Msg("NewChannelReq acknowledged")
	}

	return nil
}

func handleTxParamSetupAns(req UplinkRequest, pending *lorawan.PendingMACCommand) error {
	if _, err := pendingRequests(pending); err != nil {
		return err
	}
	log.Info().Str("dev_eui", req.DeviceSession.DevEUI.String()).Msg("TxParamSetupReq acknowledged")
	return nil
}

func handleDlChannelAns(req UplinkRequest, block lorawan.MACCommandSet, pending *lorawan.PendingMACCommand) error {
	if _, err := pendingRequests(pending); err != nil {
		return err
	}
	pl, ok := block[0].Payload.(*lorawan.DlChannelAnsPayload)
	if !ok {
		return fmt.Errorf("expected *DlChannelAnsPayload, got %T", block[0].Payload)
	}

	if !pl.ChannelFrequencyOK || !pl.UplinkFrequencyExists {
		req.DeviceSession.IncrementMACCommandErrorCount(lorawan.DlChannelReq)
		log.Warn().Str("dev_eui", req.DeviceSession.DevEUI.String()).Msg("DlChannelReq not acknowledged")
		return nil
	}

	log.Info().Str("dev_eui", req.DeviceSession.DevEUI.String()).Msg("DlChannelReq acknowledged")
	return nil
}

func addIndex(indices []int, i int) []int {
	for _, v := range indices {
		if v == i {
			return indices
		}
	}
	return append(indices, i)
}

func removeIndex(indices []int, i int) []int {
	out := indices[:0]
	for _, v := range indices {
		if v != i {
			out = append(out, v)
		}
	}
	return out
}

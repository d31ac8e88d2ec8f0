package maccommand

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-network-server/pkg/lorawan"
)

// handleLinkCheckReq answers with the link margin of the best reception
// and the number of gateways that received the uplink
func handleLinkCheckReq(req UplinkRequest) (lorawan.MACCommandSet, error) {
	ufs := req.UplinkFrameSet
	if ufs == nil || len(ufs.RxInfo) == 0 {
		return nil, fmt.Errorf("no rx info")
	}

	requiredSNR, err := req.Region.Band.GetRequiredSNRForDR(ufs.TxInfo.DR)
	if err != nil {
		return nil, err
	}

	margin := ufs.MaxSNR() - requiredSNR
	if margin < 0 {
		margin = 0
	}
	if margin > 254 {
		margin = 254
	}

	gwCnt := len(ufs.RxInfo)
	if gwCnt > 255 {
		gwCnt = 255
	}

	return lorawan.MACCommandSet{
		{
			CID: lorawan.LinkCheckAns,
			Payload: &lorawan.LinkCheckAnsPayload{
				Margin: uint8(margin),
				GwCnt:  uint8(gwCnt),
			},
		},
	}, nil
}

// handleLinkADRAns applies the pending LinkADRReq block. The acks of all
// answers in the block are combined and the last request of the block
// holds the data rate, tx power and nb-trans.
func handleLinkADRAns(req UplinkRequest, block lorawan.MACCommandSet, pending *lorawan.PendingMACCommand) error {
	ds := req.DeviceSession

	reqs, err := pendingRequests(pending)
	if err != nil {
		return err
	}

	chMaskACK, drACK, powerACK := true, true, true
	for _, c := range block {
		pl, ok := c.Payload.(*lorawan.LinkADRAnsPayload)
		if !ok {
			return fmt.Errorf("expected *LinkADRAnsPayload, got %T", c.Payload)
		}
		chMaskACK = chMaskACK && pl.ChannelMaskACK
		drACK = drACK && pl.DataRateACK
		powerACK = powerACK && pl.PowerACK
	}

	pls := make([]lorawan.LinkADRReqPayload, 0, len(reqs))
	for _, c := range reqs {
		pl, ok := c.Payload.(*lorawan.LinkADRReqPayload)
		if !ok {
			return fmt.Errorf("expected *LinkADRReqPayload, got %T", c.Payload)
		}
		pls = append(pls, *pl)
	}
	last := pls[len(pls)-1]

	logger := log.With().
		Str("dev_eui", ds.DevEUI.String()).
		Bool("ch_mask_ack", chMaskACK).
		Bool("dr_ack", drACK).
		Bool("power_ack", powerACK).
		Logger()

	switch {
	case chMaskACK && drACK && powerACK:
		chans, err := req.Region.Band.GetEnabledUplinkChannelIndicesForLinkADRReqPayloads(ds.EnabledUplinkChannelIndices, pls)
		if err != nil {
			return fmt.Errorf("enabled channels for LinkADRReq: %w", err)
		}

		if ds.TxPowerIndex != int(last.TXPower) || ds.DR != int(last.DataRate) || ds.NbTrans != int(last.Redundancy.NbRep) {
			ds.UplinkADRHistory = nil
		}

		ds.TxPowerIndex = int(last.TXPower)
		ds.DR = int(last.DataRate)
		ds.NbTrans = int(last.Redundancy.NbRep)
		ds.EnabledUplinkChannelIndices = chans
		ds.ADRBackoffCount = 0
		delete(ds.MACCommandErrorCount, lorawan.LinkADRReq)

		logger.Info().
			Int("dr", ds.DR).
			Int("tx_power_index", ds.TxPowerIndex).
			Int("nb_trans", ds.NbTrans).
			Ints("enabled_channels", chans).
			Msg("LinkADRReq acknowledged")

	case !ds.ADR && chMaskACK:
		chans, err := req.Region.Band.GetEnabledUplinkChannelIndicesForLinkADRReqPayloads(ds.EnabledUplinkChannelIndices, pls)
		if err != nil {
			return fmt.Errorf("enabled channels for LinkADRReq: %w", err)
		}

		ds.EnabledUplinkChannelIndices = chans
		ds.NbTrans = int(last.Redundancy.NbRep)
		if drACK {
			ds.DR = int(last.DataRate)
		}
		if powerACK {
			ds.TxPowerIndex = int(last.TXPower)
		}

		logger.Info().Ints("enabled_channels", chans).Msg("LinkADRReq channel-mask acknowledged")

	default:
		ds.IncrementMACCommandErrorCount(lorawan.LinkADRReq)

		if !powerACK {
			if last.TXPower == 0 {
				// the device does not support the max tx power
				ds.TxPowerIndex = 1
				ds.MinSupportedTxPowerIndex = 1
			} else {
				ds.MaxSupportedTxPowerIndex = int(last.TXPower) - 1
			}
		}

		logger.Warn().Msg("LinkADRReq not acknowledged")
	}

	return nil
}

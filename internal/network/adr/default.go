package adr

import "github.com/lorawan-server/lorawan-network-server/internal/models"

// requiredHistoryCount is the history length needed for loss based
// decisions and for raising the tx power
const requiredHistoryCount = models.MaxUplinkADRHistory

// nbTransTable is indexed by packet-loss band and current NbTrans-1
var nbTransTable = [4][3]int{
	{1, 1, 2},
	{1, 2, 3},
	{2, 3, 3},
	{3, 3, 3},
}

// DefaultStrategy is the LoRa only algorithm working on the SNR margin of
// the uplink history
type DefaultStrategy struct{}

// NewDefaultStrategy creates the default strategy
func NewDefaultStrategy() *DefaultStrategy {
	return &DefaultStrategy{}
}

func (s *DefaultStrategy) ID() string   { return DefaultStrategyID }
func (s *DefaultStrategy) Name() string { return "Default ADR algorithm (LoRa only)" }

// Handle computes the DR, TxPowerIndex and NbTrans for the request
func (s *DefaultStrategy) Handle(req Request) (Response, error) {
	resp := Response{DR: req.DR, TxPowerIndex: req.TxPowerIndex, NbTrans: req.NbTrans}
	if !req.ADR {
		return resp, nil
	}

	maxDR := req.MaxDR
	if maxDR > req.MaxLoRaDR {
		maxDR = req.MaxLoRaDR
	}
	if req.DR > maxDR {
		resp.DR = maxDR
	}

	resp.NbTrans = nbTrans(req.NbTrans, packetLossPercentage(req.UplinkHistory))

	snrMargin := maxSNR(req.UplinkHistory) - req.RequiredSNRForDR - req.InstallationMargin
	nStep := int(snrMargin / 3)

	// wait for a full history at the current power before raising it
	if nStep < 0 && historyCount(req.UplinkHistory, req.TxPowerIndex) != requiredHistoryCount {
		return resp, nil
	}

	resp.TxPowerIndex, resp.DR = idealTxPowerIndexAndDR(nStep, resp.TxPowerIndex, resp.DR, req.MaxTxPowerIndex, maxDR)
	return resp, nil
}

// idealTxPowerIndexAndDR consumes the steps one by one. A positive step
// raises the DR up to maxDR and then the tx power index, a negative step
// lowers the tx power index down to 0.
func idealTxPowerIndexAndDR(nStep, txPowerIndex, dr, maxTxPowerIndex, maxDR int) (int, int) {
	for nStep != 0 {
		if nStep > 0 {
			if dr < maxDR {
				dr++
			} else if txPowerIndex < maxTxPowerIndex {
				txPowerIndex++
			}
			nStep--
		} else {
			if txPowerIndex > 0 {
				txPowerIndex--
			}
			nStep++
		}
	}
	return txPowerIndex, dr
}

func maxSNR(history []models.UplinkADRHistory) float64 {
	max := -999.0
	for _, h := range history {
		if h.MaxSNR > max {
			max = h.MaxSNR
		}
	}
	return max
}

func historyCount(history []models.UplinkADRHistory, txPowerIndex int) int {
	var n int
	for _, h := range history {
		if h.TxPowerIndex == txPowerIndex {
			n++
		}
	}
	return n
}

func nbTrans(current int, lossRate float64) int {
	if current < 1 {
		current = 1
	}
	if current > 3 {
		current = 3
	}

	i := current - 1
	switch {
	case lossRate < 5:
		return nbTransTable[0][i]
	case lossRate < 10:
		return nbTransTable[1][i]
	case lossRate < 30:
		return nbTransTable[2][i]
	default:
		return nbTransTable[3][i]
	}
}

// packetLossPercentage returns the share of frame-counter gaps in a full
// history, 0 otherwise
func packetLossPercentage(history []models.UplinkADRHistory) float64 {
	if len(history) < requiredHistoryCount {
		return 0
	}

	var lost uint32
	prev := history[0].FCnt
	for _, h := range history[1:] {
		if h.FCnt > prev {
			lost += h.FCnt - prev - 1
		}
		prev = h.FCnt
	}
	return float64(lost) / float64(len(history)) * 100
}

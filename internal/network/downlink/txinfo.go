package downlink

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/lorawan-server/lorawan-network-server/internal/models"
	"github.com/lorawan-server/lorawan-network-server/internal/region"
	"github.com/lorawan-server/lorawan-network-server/pkg/lorawan"
)

// Receive window selection of region.Network.RXWindow
const (
	rxWindowBoth = 0
	rxWindowRX1  = 1
	rxWindowRX2  = 2
)

// txItem is one transmit opportunity of a downlink
type txItem struct {
	TxInfo               models.DownlinkTxInfo
	DR                   int
	RemainingPayloadSize int
}

// selectGateway picks the gateway for the downlink. The receptions are
// ordered by SNR and RSSI; a random one of those above the required SNR
// plus the configured margin is used, else the best one.
func selectGateway(r *region.Region, dr int, rxInfo []models.RxInfo) (models.RxInfo, error) {
	if len(rxInfo) == 0 {
		return models.RxInfo{}, ErrNoGateway
	}

	sorted := append([]models.RxInfo(nil), rxInfo...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].SNR != sorted[j].SNR {
			return sorted[i].SNR > sorted[j].SNR
		}
		return sorted[i].RSSI > sorted[j].RSSI
	})

	required, err := r.Band.GetRequiredSNRForDR(dr)
	if err != nil {
		return sorted[0], nil
	}

	var candidates []models.RxInfo
	for _, rx := range sorted {
		if rx.SNR-required >= r.Network.GatewayPreferMinMargin {
			candidates = append(candidates, rx)
		}
	}
	if len(candidates) == 0 {
		return sorted[0], nil
	}
	return candidates[rand.Intn(len(candidates))], nil
}

// responseTxInfo returns the receive windows of a class-A response in the
// order they are tried
func responseTxInfo(r *region.Region, ds *models.DeviceSession, tx models.TxInfo, uplinkContext []byte) ([]txItem, error) {
	rx1DR, err := r.Band.GetRX1DataRateIndex(tx.DR, ds.RX1DROffset)
	if err != nil {
		return nil, err
	}

	var windows []int
	switch r.Network.RXWindow {
	case rxWindowRX1:
		windows = []int{rxWindowRX1}
	case rxWindowRX2:
		windows = []int{rxWindowRX2}
	default:
		windows = []int{rxWindowRX1, rxWindowRX2}
		if preferRX2(r, ds, rx1DR) {
			windows = []int{rxWindowRX2, rxWindowRX1}
		}
	}

	items := make([]txItem, 0, len(windows))
	for _, w := range windows {
		var item txItem
		if w == rxWindowRX1 {
			item, err = rx1TxItem(r, ds, tx, rx1DR, uplinkContext)
		} else {
			item, err = rx2TxItem(r, ds, models.DownlinkTiming{Delay: rx1Delay(ds) + time.Second}, uplinkContext)
		}
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// preferRX2 is true when the RX1 data-rate is below the configured
// threshold and the device uses the network RX parameters
func preferRX2(r *region.Region, ds *models.DeviceSession, rx1DR int) bool {
	n := r.Network
	if ds.RX2Frequency != n.RX2Frequency || ds.RX2DR != n.RX2DR || ds.RX1DROffset != n.RX1DROffset {
		return false
	}
	return rx1DR < n.RX2PreferOnRX1DRLt
}

func rx1Delay(ds *models.DeviceSession) time.Duration {
	if ds.RX1Delay == 0 {
		return time.Second
	}
	return time.Duration(ds.RX1Delay) * time.Second
}

func rx1TxItem(r *region.Region, ds *models.DeviceSession, tx models.TxInfo, dr int, uplinkContext []byte) (txItem, error) {
	freq, err := r.Band.GetRX1FrequencyForUplinkFrequency(tx.Frequency)
	if err != nil {
		return txItem{}, err
	}
	return newTxItem(r, dr, freq, models.DownlinkTiming{Delay: rx1Delay(ds)}, uplinkContext)
}

func rx2TxItem(r *region.Region, ds *models.DeviceSession, timing models.DownlinkTiming, uplinkContext []byte) (txItem, error) {
	freq := ds.RX2Frequency
	if freq == 0 {
		freq = r.Band.Defaults.RX2Frequency
	}
	return newTxItem(r, ds.RX2DR, freq, timing, uplinkContext)
}

func newTxItem(r *region.Region, dr int, freq uint32, timing models.DownlinkTiming, uplinkContext []byte) (txItem, error) {
	d, err := r.Band.GetDataRate(dr)
	if err != nil {
		return txItem{}, err
	}
	if d.Modulation != lorawan.LoRaModulation {
		return txItem{}, fmt.Errorf("unsupported modulation %s for data-rate %d", d.Modulation, dr)
	}

	ps, err := r.Band.GetMaxPayloadSizeForDR(dr)
	if err != nil {
		return txItem{}, err
	}

	power := r.Network.DownlinkTxPower
	if power == -1 {
		power = r.Band.GetDownlinkTXPower(freq)
	}

	return txItem{
		DR:                   dr,
		RemainingPayloadSize: ps.N,
		TxInfo: models.DownlinkTxInfo{
			Frequency: freq,
			Power:     power,
			Modulation: models.LoRaModulationInfo{
				SpreadingFactor:       d.SpreadFactor,
				Bandwidth:             d.Bandwidth,
				CodeRate:              "4/5",
				PolarizationInversion: true,
			},
			Timing:  timing,
			Context: uplinkContext,
		},
	}, nil
}

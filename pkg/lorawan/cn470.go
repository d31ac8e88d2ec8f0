package lorawan

import "time"

// newCN470Band returns the CN470-510 band: 96 uplink channels from
// 470.3 MHz and 48 downlink channels from 500.3 MHz, both 200 kHz apart.
func newCN470Band(repeaterCompatible bool) *Band {
	b := &Band{
		Name: "CN470",
		DataRates: map[int]DataRate{
			0: {Modulation: LoRaModulation, SpreadFactor: 12, Bandwidth: 125, Uplink: true, Downlink: true},
			1: {Modulation: LoRaModulation, SpreadFactor: 11, Bandwidth: 125, Uplink: true, Downlink: true},
			2: {Modulation: LoRaModulation, SpreadFactor: 10, Bandwidth: 125, Uplink: true, Downlink: true},
			3: {Modulation: LoRaModulation, SpreadFactor: 9, Bandwidth: 125, Uplink: true, Downlink: true},
			4: {Modulation: LoRaModulation, SpreadFactor: 8, Bandwidth: 125, Uplink: true, Downlink: true},
			5: {Modulation: LoRaModulation, SpreadFactor: 7, Bandwidth: 125, Uplink: true, Downlink: true},
		},
		RX1DataRateTable: map[int][]int{
			0: {0, 0, 0, 0, 0, 0},
			1: {1, 0, 0, 0, 0, 0},
			2: {2, 1, 0, 0, 0, 0},
			3: {3, 2, 1, 0, 0, 0},
			4: {4, 3, 2, 1, 0, 0},
			5: {5, 4, 3, 2, 1, 0},
		},
		TxPowerOffsets: []int{0, -2, -4, -6, -8, -10, -12, -14},
		Defaults: Defaults{
			RX2Frequency:     505300000,
			RX2DataRate:      0,
			RX1Delay:         time.Second,
			RX2Delay:         2 * time.Second,
			JoinAcceptDelay1: 5 * time.Second,
			JoinAcceptDelay2: 6 * time.Second,
		},
		downlinkTxPower: func(uint32) int { return 14 },
		rx1Channel:      func(up int) int { return up % 48 },
	}

	for i := 0; i < 96; i++ {
		b.UplinkChannels = append(b.UplinkChannels, Channel{
			Frequency: 470300000 + uint32(i)*200000,
			MinDR:     0,
			MaxDR:     5,
			Enabled:   true,
		})
	}
	for i := 0; i < 48; i++ {
		b.DownlinkChannels = append(b.DownlinkChannels, Channel{
			Frequency: 500300000 + uint32(i)*200000,
			MinDR:     0,
			MaxDR:     5,
			Enabled:   true,
		})
	}

	if repeaterCompatible {
		b.MaxPayloadSizePerDR = map[int]MaxPayloadSize{
			0: {M: 59, N: 51},
			1: {M: 59, N: 51},
			2: {M: 59, N: 51},
			3: {M: 123, N: 115},
			4: {M: 230, N: 222},
			5: {M: 230, N: 222},
		}
	} else {
		b.MaxPayloadSizePerDR = map[int]MaxPayloadSize{
			0: {M: 59, N: 51},
			1: {M: 59, N: 51},
			2: {M: 59, N: 51},
			3: {M: 123, N: 115},
			4: {M: 250, N: 242},
			5: {M: 250, N: 242},
		}
	}

	return b
}

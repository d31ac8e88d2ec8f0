package lorawan

import "time"

func newUS915Band(repeaterCompatible bool) *Band {
	b := &Band{
		Name: "US915",
		DataRates: map[int]DataRate{
			0:  {Modulation: LoRaModulation, SpreadFactor: 10, Bandwidth: 125, Uplink: true},
			1:  {Modulation: LoRaModulation, SpreadFactor: 9, Bandwidth: 125, Uplink: true},
			2:  {Modulation: LoRaModulation, SpreadFactor: 8, Bandwidth: 125, Uplink: true},
			3:  {Modulation: LoRaModulation, SpreadFactor: 7, Bandwidth: 125, Uplink: true},
			4:  {Modulation: LoRaModulation, SpreadFactor: 8, Bandwidth: 500, Uplink: true},
			8:  {Modulation: LoRaModulation, SpreadFactor: 12, Bandwidth: 500, Downlink: true},
			9:  {Modulation: LoRaModulation, SpreadFactor: 11, Bandwidth: 500, Downlink: true},
			10: {Modulation: LoRaModulation, SpreadFactor: 10, Bandwidth: 500, Downlink: true},
			11: {Modulation: LoRaModulation, SpreadFactor: 9, Bandwidth: 500, Downlink: true},
			12: {Modulation: LoRaModulation, SpreadFactor: 8, Bandwidth: 500, Downlink: true},
			13: {Modulation: LoRaModulation, SpreadFactor: 7, Bandwidth: 500, Downlink: true},
		},
		RX1DataRateTable: map[int][]int{
			0: {10, 9, 8, 8},
			1: {11, 10, 9, 8},
			2: {12, 11, 10, 9},
			3: {13, 12, 11, 10},
			4: {13, 13, 12, 11},
		},
		TxPowerOffsets: []int{0, -2, -4, -6, -8, -10, -12, -14, -16, -18, -20, -22, -24, -26, -28},
		Defaults: Defaults{
			RX2Frequency:     923300000,
			RX2DataRate:      8,
			RX1Delay:         time.Second,
			RX2Delay:         2 * time.Second,
			JoinAcceptDelay1: 5 * time.Second,
			JoinAcceptDelay2: 6 * time.Second,
		},
		downlinkTxPower: func(uint32) int { return 20 },
		rx1Channel:      func(up int) int { return up % 8 },
	}

	// 64 x 125 kHz channels followed by 8 x 500 kHz channels
	for i := 0; i < 64; i++ {
		b.UplinkChannels = append(b.UplinkChannels, Channel{
			Frequency: 902300000 + uint32(i)*200000,
			MinDR:     0,
			MaxDR:     3,
			Enabled:   true,
		})
	}
	for i := 0; i < 8; i++ {
		b.UplinkChannels = append(b.UplinkChannels, Channel{
			Frequency: 903000000 + uint32(i)*1600000,
			MinDR:     4,
			MaxDR:     4,
			Enabled:   true,
		})
	}
	for i := 0; i < 8; i++ {
		b.DownlinkChannels = append(b.DownlinkChannels, Channel{
			Frequency: 923300000 + uint32(i)*600000,
			MinDR:     8,
			MaxDR:     13,
			Enabled:   true,
		})
	}

	if repeaterCompatible {
		b.MaxPayloadSizePerDR = map[int]MaxPayloadSize{
			0:  {M: 19, N: 11},
			1:  {M: 61, N: 53},
			2:  {M: 133, N: 125},
			3:  {M: 230, N: 222},
			4:  {M: 230, N: 222},
			8:  {M: 41, N: 33},
			9:  {M: 117, N: 109},
			10: {M: 230, N: 222},
			11: {M: 230, N: 222},
			12: {M: 230, N: 222},
			13: {M: 230, N: 222},
		}
	} else {
		b.MaxPayloadSizePerDR = map[int]MaxPayloadSize{
			0:  {M: 19, N: 11},
			1:  {M: 61, N: 53},
			2:  {M: 133, N: 125},
			3:  {M: 250, N: 242},
			4:  {M: 250, N: 242},
			8:  {M: 61, N: 53},
			9:  {M: 137, N: 129},
			10: {M: 250, N: 242},
			11: {M: 250, N: 242},
			12: {M: 250, N: 242},
			13: {M: 250, N: 242},
		}
	}

	return b
}

package lorawan

import "time"

func newEU868Band(repeaterCompatible bool) *Band {
	b := &Band{
		Name:                 "EU868",
		SupportsUserChannels: true,
		DataRates: map[int]DataRate{
			0: {Modulation: LoRaModulation, SpreadFactor: 12, Bandwidth: 125, Uplink: true, Downlink: true},
			1: {Modulation: LoRaModulation, SpreadFactor: 11, Bandwidth: 125, Uplink: true, Downlink: true},
			2: {Modulation: LoRaModulation, SpreadFactor: 10, Bandwidth: 125, Uplink: true, Downlink: true},
			3: {Modulation: LoRaModulation, SpreadFactor: 9, Bandwidth: 125, Uplink: true, Downlink: true},
			4: {Modulation: LoRaModulation, SpreadFactor: 8, Bandwidth: 125, Uplink: true, Downlink: true},
			5: {Modulation: LoRaModulation, SpreadFactor: 7, Bandwidth: 125, Uplink: true, Downlink: true},
			6: {Modulation: LoRaModulation, SpreadFactor: 7, Bandwidth: 250, Uplink: true, Downlink: true},
			7: {Modulation: FSKModulation, BitRate: 50000, Uplink: true, Downlink: true},
		},
		UplinkChannels: []Channel{
			{Frequency: 868100000, MinDR: 0, MaxDR: 5, Enabled: true},
			{Frequency: 868300000, MinDR: 0, MaxDR: 5, Enabled: true},
			{Frequency: 868500000, MinDR: 0, MaxDR: 5, Enabled: true},
		},
		RX1DataRateTable: map[int][]int{
			0: {0, 0, 0, 0, 0, 0},
			1: {1, 0, 0, 0, 0, 0},
			2: {2, 1, 0, 0, 0, 0},
			3: {3, 2, 1, 0, 0, 0},
			4: {4, 3, 2, 1, 0, 0},
			5: {5, 4, 3, 2, 1, 0},
			6: {6, 5, 4, 3, 2, 1},
			7: {7, 6, 5, 4, 3, 2},
		},
		TxPowerOffsets: []int{0, -2, -4, -6, -8, -10, -12, -14},
		Defaults: Defaults{
			RX2Frequency:     869525000,
			RX2DataRate:      0,
			RX1Delay:         time.Second,
			RX2Delay:         2 * time.Second,
			JoinAcceptDelay1: 5 * time.Second,
			JoinAcceptDelay2: 6 * time.Second,
		},
		cfListMinDR: 0,
		cfListMaxDR: 5,
		downlinkTxPower: func(freq uint32) int {
			// the 869.4 - 869.65 MHz sub-band allows 500 mW ERP
			if freq >= 869400000 && freq < 869650000 {
				return 27
			}
			return 14
		},
	}

	if repeaterCompatible {
		b.MaxPayloadSizePerDR = map[int]MaxPayloadSize{
			0: {M: 59, N: 51},
			1: {M: 59, N: 51},
			2: {M: 59, N: 51},
			3: {M: 123, N: 115},
			4: {M: 230, N: 222},
			5: {M: 230, N: 222},
			6: {M: 230, N: 222},
			7: {M: 230, N: 222},
		}
	} else {
		b.MaxPayloadSizePerDR = map[int]MaxPayloadSize{
			0: {M: 59, N: 51},
			1: {M: 59, N: 51},
			2: {M: 59, N: 51},
			3: {M: 123, N: 115},
			4: {M: 250, N: 242},
			5: {M: 250, N: 242},
			6: {M: 250, N: 242},
			7: {M: 250, N: 242},
		}
	}

	return b
}

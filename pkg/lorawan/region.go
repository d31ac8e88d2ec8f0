package lorawan

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrUnknownBand is returned for an unsupported region common name
var ErrUnknownBand = errors.New("unknown band")

// Modulation is the modulation of a data rate
type Modulation string

const (
	LoRaModulation Modulation = "LORA"
	FSKModulation  Modulation = "FSK"
)

// DataRate represents a data rate configuration
type DataRate struct {
	Modulation   Modulation
	SpreadFactor int
	Bandwidth    int // kHz
	BitRate      int // FSK only
	Uplink       bool
	Downlink     bool
}

// Channel represents a LoRa channel
type Channel struct {
	Frequency   uint32
	MinDR       int
	MaxDR       int
	Enabled     bool
	UserDefined bool
}

// MaxPayloadSize holds the max MACPayload size (M) and max FRMPayload
// size without FOpts (N)
type MaxPayloadSize struct {
	M int
	N int
}

// Defaults holds the band default receive window settings
type Defaults struct {
	RX2Frequency     uint32
	RX2DataRate      int
	RX1Delay         time.Duration
	RX2Delay         time.Duration
	JoinAcceptDelay1 time.Duration
	JoinAcceptDelay2 time.Duration
}

// Band holds the regional parameters of one band. A Band is built with
// NewBand, adjusted with AddChannel and the enable/disable helpers, and
// treated as read-only afterwards.
type Band struct {
	Name                 string
	SupportsUserChannels bool
	DataRates            map[int]DataRate
	UplinkChannels       []Channel
	DownlinkChannels     []Channel
	MaxPayloadSizePerDR  map[int]MaxPayloadSize
	RX1DataRateTable     map[int][]int
	TxPowerOffsets       []int
	Defaults             Defaults

	cfListMinDR     int
	cfListMaxDR     int
	downlinkTxPower func(freq uint32) int
	rx1Channel      func(uplinkChannel int) int
}

// NewBand returns the band for the given common name
func NewBand(name string, repeaterCompatible bool) (*Band, error) {
	switch name {
	case "EU868":
		return newEU868Band(repeaterCompatible), nil
	case "US915":
		return newUS915Band(repeaterCompatible), nil
	case "CN470":
		return newCN470Band(repeaterCompatible), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBand, name)
	}
}

// GetDataRate returns the data rate for the given index
func (b *Band) GetDataRate(dr int) (DataRate, error) {
	d, ok := b.DataRates[dr]
	if !ok {
		return d, fmt.Errorf("unknown data-rate index: %d", dr)
	}
	return d, nil
}

// GetDataRateIndex returns the index of the LoRa data rate with the given
// spreading factor and bandwidth
func (b *Band) GetDataRateIndex(uplink bool, sf, bandwidth int) (int, error) {
	for _, i := range sortedKeys(b.DataRates) {
		d := b.DataRates[i]
		if uplink && !d.Uplink || !uplink && !d.Downlink {
			continue
		}
		if d.Modulation == LoRaModulation && d.SpreadFactor == sf && d.Bandwidth == bandwidth {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown data-rate: SF%dBW%d", sf, bandwidth)
}

// GetMaxPayloadSizeForDR returns the max payload size for the data rate
func (b *Band) GetMaxPayloadSizeForDR(dr int) (MaxPayloadSize, error) {
	s, ok := b.MaxPayloadSizePerDR[dr]
	if !ok {
		return s, fmt.Errorf("no max payload size for data-rate: %d", dr)
	}
	return s, nil
}

// GetRX1DataRateIndex returns the RX1 data rate for the uplink data rate
// and RX1DROffset
func (b *Band) GetRX1DataRateIndex(uplinkDR, rx1DROffset int) (int, error) {
	offsets, ok := b.RX1DataRateTable[uplinkDR]
	if !ok {
		return 0, fmt.Errorf("invalid uplink data-rate: %d", uplinkDR)
	}
	if rx1DROffset < 0 || rx1DROffset >= len(offsets) {
		return 0, fmt.Errorf("invalid RX1DROffset: %d", rx1DROffset)
	}
	return offsets[rx1DROffset], nil
}

// GetRX1FrequencyForUplinkFrequency returns the RX1 downlink frequency
func (b *Band) GetRX1FrequencyForUplinkFrequency(freq uint32) (uint32, error) {
	if b.rx1Channel == nil {
		return freq, nil
	}
	up, err := b.GetUplinkChannelIndex(freq, false)
	if err != nil {
		return 0, err
	}
	down := b.rx1Channel(up)
	if down >= len(b.DownlinkChannels) {
		return 0, fmt.Errorf("invalid downlink channel: %d", down)
	}
	return b.DownlinkChannels[down].Frequency, nil
}

// GetTXPowerOffset returns the EIRP offset for the tx power index
func (b *Band) GetTXPowerOffset(txPower int) (int, error) {
	if txPower < 0 || txPower >= len(b.TxPowerOffsets) {
		return 0, fmt.Errorf("invalid tx-power index: %d", txPower)
	}
	return b.TxPowerOffsets[txPower], nil
}

// MaxTxPowerIndex returns the highest tx power index of the band
func (b *Band) MaxTxPowerIndex() int {
	return len(b.TxPowerOffsets) - 1
}

// GetDownlinkTXPower returns the default downlink tx power for the frequency
func (b *Band) GetDownlinkTXPower(freq uint32) int {
	return b.downlinkTxPower(freq)
}

// GetUplinkChannelIndex returns the uplink channel index for the frequency.
// With userDefined set only user defined channels are matched.
func (b *Band) GetUplinkChannelIndex(freq uint32, userDefined bool) (int, error) {
	for i, c := range b.UplinkChannels {
		if c.Frequency == freq && c.UserDefined == userDefined {
			return i, nil
		}
	}
	for i, c := range b.UplinkChannels {
		if c.Frequency == freq && !userDefined {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown uplink channel for frequency: %d", freq)
}

// GetUplinkChannel returns the uplink channel for the index
func (b *Band) GetUplinkChannel(i int) (Channel, error) {
	if i < 0 || i >= len(b.UplinkChannels) {
		return Channel{}, fmt.Errorf("invalid channel index: %d", i)
	}
	return b.UplinkChannels[i], nil
}

// GetEnabledUplinkChannelIndices returns the indices of the enabled uplink
// channels
func (b *Band) GetEnabledUplinkChannelIndices() []int {
	var out []int
	for i, c := range b.UplinkChannels {
		if c.Enabled {
			out = append(out, i)
		}
	}
	return out
}

// GetDefaultUplinkChannelIndices returns the indices of the channels every
// device knows after activation
func (b *Band) GetDefaultUplinkChannelIndices() []int {
	var out []int
	for i, c := range b.UplinkChannels {
		if !c.UserDefined {
			out = append(out, i)
		}
	}
	return out
}

// GetUserDefinedUplinkChannelIndices returns the indices of the extra
// channels
func (b *Band) GetUserDefinedUplinkChannelIndices() []int {
	var out []int
	for i, c := range b.UplinkChannels {
		if c.UserDefined {
			out = append(out, i)
		}
	}
	return out
}

// EnableUplinkChannelIndex enables an uplink channel
func (b *Band) EnableUplinkChannelIndex(i int) error {
	if i < 0 || i >= len(b.UplinkChannels) {
		return fmt.Errorf("invalid channel index: %d", i)
	}
	b.UplinkChannels[i].Enabled = true
	return nil
}

// DisableUplinkChannelIndex disables an uplink channel
func (b *Band) DisableUplinkChannelIndex(i int) error {
	if i < 0 || i >= len(b.UplinkChannels) {
		return fmt.Errorf("invalid channel index: %d", i)
	}
	b.UplinkChannels[i].Enabled = false
	return nil
}

// AddChannel adds a user defined uplink channel
func (b *Band) AddChannel(freq uint32, minDR, maxDR int) error {
	if !b.SupportsUserChannels {
		return fmt.Errorf("band %s does not support extra channels", b.Name)
	}
	b.UplinkChannels = append(b.UplinkChannels, Channel{
		Frequency:   freq,
		MinDR:       minDR,
		MaxDR:       maxDR,
		Enabled:     true,
		UserDefined: true,
	})
	return nil
}

// GetCFList returns the CFList for a join accept, carrying up to five user
// defined channels. It returns nil when the band has none.
func (b *Band) GetCFList() []byte {
	if !b.SupportsUserChannels {
		return nil
	}

	var freqs []uint32
	for _, c := range b.UplinkChannels {
		if c.UserDefined && c.MinDR == b.cfListMinDR && c.MaxDR == b.cfListMaxDR {
			freqs = append(freqs, c.Frequency)
		}
	}
	if len(freqs) == 0 {
		return nil
	}
	if len(freqs) > 5 {
		freqs = freqs[:5]
	}

	out := make([]byte, 16)
	for i, f := range freqs {
		_ = putFrequency(out[i*3:i*3+3], f)
	}
	return out
}

// GetRequiredSNRForDR returns the demodulation floor of the data rate
func (b *Band) GetRequiredSNRForDR(dr int) (float64, error) {
	d, err := b.GetDataRate(dr)
	if err != nil {
		return 0, err
	}
	if d.Modulation != LoRaModulation {
		return 0, fmt.Errorf("no required SNR for %s data-rate %d", d.Modulation, dr)
	}
	snr, ok := requiredSNRForSF[d.SpreadFactor]
	if !ok {
		return 0, fmt.Errorf("invalid spreading factor: %d", d.SpreadFactor)
	}
	return snr, nil
}

var requiredSNRForSF = map[int]float64{
	6:  -5,
	7:  -7.5,
	8:  -10,
	9:  -12.5,
	10: -15,
	11: -17.5,
	12: -20,
}

// MaxUplinkLoRaDR returns the highest uplink data rate using LoRa
// modulation with 125 kHz bandwidth
func (b *Band) MaxUplinkLoRaDR() int {
	max := 0
	for i, d := range b.DataRates {
		if d.Uplink && d.Modulation == LoRaModulation && d.Bandwidth == 125 && i > max {
			max = i
		}
	}
	return max
}

// GetLinkADRReqPayloadsForEnabledUplinkChannelIndices returns the
// LinkADRReq payloads needed to bring the device channels in sync with the
// band's enabled channels. User defined channels are only enabled when the
// device already has them. DR, TXPower and NbRep are left at zero for the
// caller to fill in.
func (b *Band) GetLinkADRReqPayloadsForEnabledUplinkChannelIndices(deviceEnabled []int) []LinkADRReqPayload {
	enabled := b.GetEnabledUplinkChannelIndices()
	deviceSet := make(map[int]bool, len(deviceEnabled))
	for _, i := range deviceEnabled {
		deviceSet[i] = true
	}
	enabledSet := make(map[int]bool, len(enabled))
	for _, i := range enabled {
		enabledSet[i] = true
	}

	var diff []int
	for i := range enabledSet {
		if !deviceSet[i] {
			diff = append(diff, i)
		}
	}
	for i := range deviceSet {
		if !enabledSet[i] {
			diff = append(diff, i)
		}
	}

	filtered := 0
	for _, i := range diff {
		if deviceSet[i] || i >= len(b.UplinkChannels) || !b.UplinkChannels[i].UserDefined {
			filtered++
		}
	}
	if len(diff) == 0 || filtered == 0 {
		return nil
	}

	sort.Ints(diff)

	var out []LinkADRReqPayload
	chMaskCntl := -1
	for _, i := range diff {
		if i/16 == chMaskCntl {
			continue
		}
		chMaskCntl = i / 16

		var mask ChMask
		for _, e := range enabled {
			if (!b.UplinkChannels[e].UserDefined || deviceSet[e]) && e/16 == chMaskCntl {
				mask[e%16] = true
			}
		}

		out = append(out, LinkADRReqPayload{
			ChMask:     mask,
			Redundancy: Redundancy{ChMaskCntl: uint8(chMaskCntl)},
		})
	}

	return out
}

// GetEnabledUplinkChannelIndicesForLinkADRReqPayloads applies the payloads
// to the device channels and returns the resulting enabled channels
func (b *Band) GetEnabledUplinkChannelIndicesForLinkADRReqPayloads(deviceEnabled []int, pls []LinkADRReqPayload) ([]int, error) {
	mask := make([]bool, len(b.UplinkChannels))
	for _, c := range deviceEnabled {
		if c >= 0 && c < len(mask) {
			mask[c] = true
		}
	}

	for _, pl := range pls {
		for i, set := range pl.ChMask {
			ii := int(pl.Redundancy.ChMaskCntl)*16 + i
			if ii >= len(mask) {
				if set {
					return nil, fmt.Errorf("channel %d does not exist", ii)
				}
				continue
			}
			mask[ii] = set
		}
	}

	var out []int
	for i, set := range mask {
		if set {
			out = append(out, i)
		}
	}
	return out, nil
}

func sortedKeys(m map[int]DataRate) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

package network

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-network-server/internal/models"
	"github.com/lorawan-server/lorawan-network-server/pkg/lorawan"
)

// Deduplicator collects the receptions of the same uplink by several
// gateways. After the delay one frame-set with all receptions is emitted.
type Deduplicator struct {
	delay time.Duration

	mu      sync.Mutex
	pending map[string]*models.UplinkFrameSet

	out       chan *models.UplinkFrameSet
	done      chan struct{}
	closeOnce sync.Once
}

// NewDeduplicator creates a deduplicator. buffer sizes the output channel.
func NewDeduplicator(delay time.Duration, buffer int) *Deduplicator {
	return &Deduplicator{
		delay:   delay,
		pending: make(map[string]*models.UplinkFrameSet),
		out:     make(chan *models.UplinkFrameSet, buffer),
		done:    make(chan struct{}),
	}
}

// C returns the channel of the deduplicated frame-sets
func (d *Deduplicator) C() <-chan *models.UplinkFrameSet {
	return d.out
}

// Add adds a single reception. The first reception of a frame starts the
// collect window.
func (d *Deduplicator) Add(ufs *models.UplinkFrameSet) {
	key := dedupKey(ufs)

	d.mu.Lock()
	defer d.mu.Unlock()

	cur, ok := d.pending[key]
	if !ok {
		d.pending[key] = ufs
		time.AfterFunc(d.delay, func() { d.flush(key) })
		return
	}

	for _, rx := range ufs.RxInfo {
		if i := indexOfGateway(cur.RxInfo, rx.GatewayID); i >= 0 {
			// the same gateway reported the frame twice, keep the best one
			if rx.SNR > cur.RxInfo[i].SNR {
				cur.RxInfo[i] = rx
			}
			continue
		}
		cur.RxInfo = append(cur.RxInfo, rx)
	}
}

// Close stops the hand-off of frame-sets. Collect windows ending after
// Close drop their frame-set instead of waiting for a reader.
func (d *Deduplicator) Close() {
	d.closeOnce.Do(func() { close(d.done) })
}

// Pending returns the number of frames in their collect window
func (d *Deduplicator) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Deduplicator) flush(key string) {
	d.mu.Lock()
	ufs, ok := d.pending[key]
	delete(d.pending, key)
	d.mu.Unlock()

	if !ok {
		return
	}

	log.Debug().
		Str("deduplication_id", ufs.ID.String()).
		Int("receptions", len(ufs.RxInfo)).
		Msg("uplink deduplicated")

	select {
	case d.out <- ufs:
	case <-d.done:
		log.Warn().Str("deduplication_id", ufs.ID.String()).Msg("deduplicator closed, uplink dropped")
	}
}

// dedupKey identifies a frame: the same bytes on the same channel and
// data-rate in the same region
func dedupKey(ufs *models.UplinkFrameSet) string {
	return fmt.Sprintf("%s/%d/%d/%s", hex.EncodeToString(ufs.PHYPayload), ufs.TxInfo.Frequency, ufs.TxInfo.DR, ufs.RegionConfigID)
}

func indexOfGateway(rxInfo []models.RxInfo, gatewayID lorawan.EUI64) int {
	for i, rx := range rxInfo {
		if rx.GatewayID == gatewayID {
			return i
		}
	}
	return -1
}

package network

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-network-server/internal/models"
	"github.com/lorawan-server/lorawan-network-server/pkg/lorawan"
)

var (
	gw1 = lorawan.EUI64{1, 1, 1, 1, 1, 1, 1, 1}
	gw2 = lorawan.EUI64{2, 2, 2, 2, 2, 2, 2, 2}
)

func reception(payload []byte, gatewayID lorawan.EUI64, snr float64) *models.UplinkFrameSet {
	return &models.UplinkFrameSet{
		ID:             uuid.New(),
		PHYPayload:     payload,
		TxInfo:         models.TxInfo{Frequency: 868100000, DR: 5},
		RxInfo:         []models.RxInfo{{GatewayID: gatewayID, SNR: snr}},
		RegionConfigID: "eu868",
	}
}

func receive(t *testing.T, d *Deduplicator) *models.UplinkFrameSet {
	t.Helper()
	select {
	case ufs := <-d.C():
		return ufs
	case <-time.After(time.Second):
		require.FailNow(t, "no frame-set emitted")
		return nil
	}
}

func TestDeduplicatorMerge(t *testing.T) {
	d := NewDeduplicator(50*time.Millisecond, 4)

	first := reception([]byte{1, 2, 3}, gw1, 5)
	d.Add(first)
	d.Add(reception([]byte{1, 2, 3}, gw2, 7))
	assert.Equal(t, 1, d.Pending())

	ufs := receive(t, d)
	assert.Equal(t, first.ID, ufs.ID)
	require.Len(t, ufs.RxInfo, 2)
	assert.Equal(t, gw1, ufs.RxInfo[0].GatewayID)
	assert.Equal(t, gw2, ufs.RxInfo[1].GatewayID)
	assert.Equal(t, 0, d.Pending())
}

func TestDeduplicatorSameGateway(t *testing.T) {
	d := NewDeduplicator(50*time.Millisecond, 4)

	d.Add(reception([]byte{1, 2, 3}, gw1, 2))
	d.Add(reception([]byte{1, 2, 3}, gw1, 9))
	d.Add(reception([]byte{1, 2, 3}, gw1, 4))

	ufs := receive(t, d)
	require.Len(t, ufs.RxInfo, 1)
	assert.Equal(t, 9.0, ufs.RxInfo[0].SNR)
}

func TestDeduplicatorKeys(t *testing.T) {
	d := NewDeduplicator(50*time.Millisecond, 4)

	d.Add(reception([]byte{1, 2, 3}, gw1, 0))
	d.Add(reception([]byte{1, 2, 4}, gw1, 0))

	otherDR := reception([]byte{1, 2, 3}, gw2, 0)
	otherDR.TxInfo.DR = 3
	d.Add(otherDR)

	otherRegion := reception([]byte{1, 2, 3}, gw2, 0)
	otherRegion.RegionConfigID = "eu868-secondary"
	d.Add(otherRegion)

	assert.Equal(t, 4, d.Pending())
	for i := 0; i < 4; i++ {
		ufs := receive(t, d)
		assert.Len(t, ufs.RxInfo, 1)
	}
}

func TestDeduplicatorLateReception(t *testing.T) {
	d := NewDeduplicator(20*time.Millisecond, 4)

	d.Add(reception([]byte{1, 2, 3}, gw1, 0))
	receive(t, d)

	// a reception after the window starts a new frame-set
	d.Add(reception([]byte{1, 2, 3}, gw2, 0))
	ufs := receive(t, d)
	require.Len(t, ufs.RxInfo, 1)
	assert.Equal(t, gw2, ufs.RxInfo[0].GatewayID)
}

func TestDeduplicatorClose(t *testing.T) {
	d := NewDeduplicator(10*time.Millisecond, 0)

	d.Add(reception([]byte{1, 2, 3}, gw1, 0))
	d.Close()
	d.Close()

	// nobody reads C, the window must still end
	require.Eventually(t, func() bool { return d.Pending() == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	// a flush stuck on the send would hand the frame-set to this late reader
	select {
	case ufs := <-d.C():
		t.Fatalf("unexpected frame-set %s", ufs.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

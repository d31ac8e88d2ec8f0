package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-network-server/internal/storage"
	"github.com/lorawan-server/lorawan-network-server/pkg/lorawan"
)

func TestDeviceLockerSerializes(t *testing.T) {
	l := NewDeviceLocker(storage.NewMemoryStore(time.Hour))
	devEUI := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}

	var (
		wg      sync.WaitGroup
		active  int32
		maxSeen int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), devEUI, time.Second)
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()

			n := atomic.AddInt32(&active, 1)
			if n > atomic.LoadInt32(&maxSeen) {
				atomic.StoreInt32(&maxSeen, n)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen)
	assert.Empty(t, l.locks)
}

func TestDeviceLockerTryLock(t *testing.T) {
	store := storage.NewMemoryStore(time.Hour)
	l := NewDeviceLocker(store)
	ctx := context.Background()
	devEUI := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}

	unlock, err := l.Lock(ctx, devEUI, time.Second)
	require.NoError(t, err)

	_, err = l.TryLock(ctx, devEUI, time.Second)
	assert.ErrorIs(t, err, storage.ErrLocked)

	// other devices are not blocked
	unlockOther, err := l.TryLock(ctx, lorawan.EUI64{8, 7, 6, 5, 4, 3, 2, 1}, time.Second)
	require.NoError(t, err)
	unlockOther()

	unlock()
	unlock()

	unlock, err = l.TryLock(ctx, devEUI, time.Second)
	require.NoError(t, err)
	unlock()
}

func TestDeviceLockerLease(t *testing.T) {
	store := storage.NewMemoryStore(time.Hour)
	ctx := context.Background()
	devEUI := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}

	// lease held by another process
	require.NoError(t, store.SetDeviceLock(ctx, devEUI, time.Minute))

	l := NewDeviceLocker(store)
	_, err := l.TryLock(ctx, devEUI, time.Second)
	assert.ErrorIs(t, err, storage.ErrLocked)

	_, err = l.Lock(ctx, devEUI, 100*time.Millisecond)
	assert.ErrorIs(t, err, storage.ErrLocked)

	require.NoError(t, store.ReleaseDeviceLock(ctx, devEUI))
	unlock, err := l.Lock(ctx, devEUI, time.Second)
	require.NoError(t, err)
	unlock()
	assert.Empty(t, l.locks)
}

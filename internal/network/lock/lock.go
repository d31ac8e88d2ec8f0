package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-network-server/internal/storage"
	"github.com/lorawan-server/lorawan-network-server/pkg/lorawan"
)

// retryInterval is the wait between attempts to take a busy store lease
const retryInterval = 50 * time.Millisecond

// LeaseStore holds the cross-process device leases
type LeaseStore interface {
	SetDeviceLock(ctx context.Context, devEUI lorawan.EUI64, ttl time.Duration) error
	ReleaseDeviceLock(ctx context.Context, devEUI lorawan.EUI64) error
}

// DeviceLocker serializes the work on one device. Inside the process a
// keyed mutex is used, across processes a lease in the store.
type DeviceLocker struct {
	store LeaseStore

	mu    sync.Mutex
	locks map[lorawan.EUI64]*deviceLock
}

type deviceLock struct {
	mu   sync.Mutex
	refs int
}

// NewDeviceLocker creates a locker backed by the store leases
func NewDeviceLocker(store LeaseStore) *DeviceLocker {
	return &DeviceLocker{
		store: store,
		locks: make(map[lorawan.EUI64]*deviceLock),
	}
}

// Lock blocks until the device is free and returns the unlock function.
// A lease held by another process is retried until ttl has passed.
func (l *DeviceLocker) Lock(ctx context.Context, devEUI lorawan.EUI64, ttl time.Duration) (func(), error) {
	dl := l.acquire(devEUI)
	dl.mu.Lock()

	deadline := time.Now().Add(ttl)
	for {
		err := l.store.SetDeviceLock(ctx, devEUI, ttl)
		if err == nil {
			return l.unlockFunc(devEUI, dl), nil
		}
		if !errors.Is(err, storage.ErrLocked) || time.Now().After(deadline) {
			l.release(devEUI, dl)
			return nil, fmt.Errorf("lock device %s: %w", devEUI, err)
		}

		select {
		case <-ctx.Done():
			l.release(devEUI, dl)
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

// TryLock takes the device lock without waiting. storage.ErrLocked is
// returned when the device is busy.
func (l *DeviceLocker) TryLock(ctx context.Context, devEUI lorawan.EUI64, ttl time.Duration) (func(), error) {
	dl := l.acquire(devEUI)
	if !dl.mu.TryLock() {
		l.drop(devEUI, dl)
		return nil, storage.ErrLocked
	}

	if err := l.store.SetDeviceLock(ctx, devEUI, ttl); err != nil {
		l.release(devEUI, dl)
		return nil, err
	}
	return l.unlockFunc(devEUI, dl), nil
}

func (l *DeviceLocker) unlockFunc(devEUI lorawan.EUI64, dl *deviceLock) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := l.store.ReleaseDeviceLock(ctx, devEUI); err != nil {
				log.Warn().Err(err).Str("dev_eui", devEUI.String()).Msg("release device lock failed")
			}
			l.release(devEUI, dl)
		})
	}
}

func (l *DeviceLocker) acquire(devEUI lorawan.EUI64) *deviceLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	dl, ok := l.locks[devEUI]
	if !ok {
		dl = &deviceLock{}
		l.locks[devEUI] = dl
	}
	dl.refs++
	return dl
}

// release unlocks the mutex and drops the reference
func (l *DeviceLocker) release(devEUI lorawan.EUI64, dl *deviceLock) {
	dl.mu.Unlock()
	l.drop(devEUI, dl)
}

func (l *DeviceLocker) drop(devEUI lorawan.EUI64, dl *deviceLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	dl.refs--
	if dl.refs == 0 {
		delete(l.locks, devEUI)
	}
}

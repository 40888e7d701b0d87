package cobot_us

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.viam.com/rdk/logging"
)

// DriverOpener opens a new driver for an endpoint.
type DriverOpener func(ep Endpoint, logger logging.Logger) (Driver, error)

// OpenMyCobotDriver opens a dedicated serial driver outside the shared registry.
func OpenMyCobotDriver(ep Endpoint, logger logging.Logger) (Driver, error) {
	return openMyCobot(ep, logger)
}

type driverEntry struct {
	driver   Driver
	endpoint Endpoint
	logger   logging.Logger
	refCount int64 // Atomic reference counter
	mu       sync.RWMutex
}

// DriverRegistry shares one open driver per serial port between all links
// that point at it, closing the port when the last user releases it.
type DriverRegistry struct {
	entries map[string]*driverEntry // port path -> entry
	mu      sync.RWMutex
	open    DriverOpener
}

func NewDriverRegistry(open DriverOpener) *DriverRegistry {
	return &DriverRegistry{
		entries: make(map[string]*driverEntry),
		open:    open,
	}
}

var defaultRegistry = NewDriverRegistry(OpenMyCobotDriver)

// sharedDriver hands a registry-owned driver to one user. Close releases the
// reference instead of closing the port.
type sharedDriver struct {
	Driver
	once    sync.Once
	release func()
}

func (s *sharedDriver) Close() error {
	s.once.Do(s.release)
	return nil
}

func endpointsEqual(a, b Endpoint) bool {
	a, b = a.withDefaults(), b.withDefaults()
	return a.Port == b.Port && a.Baudrate == b.Baudrate
}

// Acquire returns a driver for ep, opening the port if nobody holds it yet.
func (r *DriverRegistry) Acquire(ep Endpoint, logger logging.Logger) (Driver, error) {
	r.mu.RLock()
	entry, exists := r.entries[ep.Port]
	r.mu.RUnlock()

	if exists {
		if d, ok, err := r.acquireExisting(entry, ep); ok || err != nil {
			return d, err
		}
	}
	return r.acquireNew(ep, logger)
}

// acquireExisting takes a reference on entry. ok is false when the entry's
// driver was closed in the meantime.
func (r *DriverRegistry) acquireExisting(entry *driverEntry, ep Endpoint) (Driver, bool, error) {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.driver == nil {
		return nil, false, nil
	}

	if !endpointsEqual(entry.endpoint, ep) {
		currentRefCount := atomic.LoadInt64(&entry.refCount)
		return nil, false, fmt.Errorf("conflict: port %s already open at %d baud (refCount: %d)",
			ep.Port, entry.endpoint.withDefaults().Baudrate, currentRefCount)
	}

	atomic.AddInt64(&entry.refCount, 1)
	return r.share(entry), true, nil
}

func (r *DriverRegistry) acquireNew(ep Endpoint, logger logging.Logger) (Driver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, exists := r.entries[ep.Port]; exists {
		if d, ok, err := r.acquireExisting(entry, ep); ok || err != nil {
			return d, err
		}
	}

	driver, err := r.open(ep, logger)
	if err != nil {
		// Failed opens are not cached so a later connect can retry the port.
		return nil, err
	}

	entry := &driverEntry{driver: driver, endpoint: ep, logger: logger}
	atomic.StoreInt64(&entry.refCount, 1)
	r.entries[ep.Port] = entry

	if logger != nil {
		logger.Infof("Opened arm controller on %s", ep.Port)
	}
	return r.share(entry), nil
}

// share hands out a reference to entry. The release is bound to that entry,
// so a user left over from before a ForceClose cannot touch a reopened port.
func (r *DriverRegistry) share(entry *driverEntry) Driver {
	return &sharedDriver{Driver: entry.driver, release: func() { r.release(entry) }}
}

// release drops one reference and closes the port when none remain.
func (r *DriverRegistry) release(entry *driverEntry) {
	entry.mu.Lock()
	if entry.driver == nil {
		// Already force closed.
		entry.mu.Unlock()
		return
	}
	remaining := atomic.AddInt64(&entry.refCount, -1)
	var driver Driver
	if remaining <= 0 {
		driver = entry.driver
		entry.driver = nil
		atomic.StoreInt64(&entry.refCount, 0)
	}
	entry.mu.Unlock()

	if remaining > 0 {
		return
	}
	if driver != nil {
		if err := driver.Close(); err != nil && entry.logger != nil {
			entry.logger.Warnf("Error closing arm controller on %s: %v", entry.endpoint.Port, err)
		}
	}

	r.mu.Lock()
	if r.entries[entry.endpoint.Port] == entry {
		delete(r.entries, entry.endpoint.Port)
	}
	r.mu.Unlock()
}

// ForceClose closes the port regardless of outstanding references.
func (r *DriverRegistry) ForceClose(port string) error {
	r.mu.Lock()
	entry, exists := r.entries[port]
	if exists {
		delete(r.entries, port)
	}
	r.mu.Unlock()

	if !exists {
		return nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	var err error
	if entry.driver != nil {
		err = entry.driver.Close()
		entry.driver = nil
		atomic.StoreInt64(&entry.refCount, 0)
	}
	return err
}

// Status reports the reference count, whether a driver is open, and a summary.
func (r *DriverRegistry) Status(port string) (int64, bool, string) {
	r.mu.RLock()
	entry, exists := r.entries[port]
	r.mu.RUnlock()

	if !exists {
		return 0, false, ""
	}

	entry.mu.RLock()
	defer entry.mu.RUnlock()

	ep := entry.endpoint.withDefaults()
	return atomic.LoadInt64(&entry.refCount), entry.driver != nil,
		fmt.Sprintf("Serial: %s@%d", ep.Port, ep.Baudrate)
}

// Package sectorfs stores byte files as fixed size sectors and guards them
// with per file advisory locks.
package sectorfs

import (
	"fmt"
	"sync"

	"github.com/rarydzu/sectorfs/sectorfs/config"
	"github.com/rarydzu/sectorfs/sectorfs/store"
	"go.uber.org/zap"
)

const usedBytesStale = -1

// SectorStore is the sector persistence used by Driver
type SectorStore interface {
	Create(fileID, seq int64, size int, content []byte) (int64, error)
	Update(sectorID int64, size int, content []byte) (int64, error)
	GetContent(sectorID int64) ([]byte, error)
	GetLastSector(fileID int64) (*store.Sector, error)
	GetFileSize(fileID int64) (int64, error)
	GetSectorIDs(fileID int64) ([]int64, error)
	GetUsedBytes() (int64, error)
	DeleteSectors(fileID int64) error
	DeleteSector(sectorID int64) error
}

// Driver hands out locked sector streams of files and tracks capacity
type Driver struct {
	mu             sync.Mutex
	initialized    bool
	store          SectorStore
	sectorSize     int
	availableBytes int64
	usedBytes      int64
	usedGen        uint64
	writeLocked    map[int64]struct{}
	readLocked     map[int64]int
	log            *zap.SugaredLogger
}

// New creates a driver, it is unusable until Init
func New(log *zap.SugaredLogger) *Driver {
	return &Driver{
		usedBytes:   usedBytesStale,
		writeLocked: make(map[int64]struct{}),
		readLocked:  make(map[int64]int),
		log:         log,
	}
}

// Init wires the driver to st. Calling it again on an initialized driver is a no-op.
func (d *Driver) Init(st SectorStore, cfg config.DriverConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.initialized {
		return nil
	}
	if st == nil {
		return fmt.Errorf("%w: no sector store", ErrConfig)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	d.store = st
	d.sectorSize = cfg.SectorSize
	d.availableBytes = cfg.AvailableBytes
	d.invalidateUsedBytes()
	d.initialized = true
	d.log.Infof("sector driver ready, sector size %d, capacity %d bytes", d.sectorSize, d.availableBytes)
	return nil
}

// SectorSize returns configured sector size in bytes
func (d *Driver) SectorSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sectorSize
}

// lockWrite marks fileID write locked. Caller holds d.mu.
func (d *Driver) lockWrite(fileID int64) error {
	if !d.initialized {
		return ErrNotInitialized
	}
	if _, ok := d.writeLocked[fileID]; ok {
		return fmt.Errorf("%w: file %d is open for write", ErrLocked, fileID)
	}
	if d.readLocked[fileID] > 0 {
		return fmt.Errorf("%w: file %d is open for read", ErrLocked, fileID)
	}
	d.writeLocked[fileID] = struct{}{}
	return nil
}

// OpenForWrite opens a write stream of fileID. Without appendMode existing
// sectors of the file are removed first.
func (d *Driver) OpenForWrite(fileID int64, appendMode bool) (*OutputStream, error) {
	d.mu.Lock()
	err := d.lockWrite(fileID)
	d.invalidateUsedBytes()
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var last *store.Sector
	if appendMode {
		last, err = d.store.GetLastSector(fileID)
	} else {
		err = d.store.DeleteSectors(fileID)
	}
	if err != nil {
		d.releaseWriteLock(fileID)
		return nil, err
	}
	d.log.Debugf("file %d open for write, append %v", fileID, appendMode)
	return newOutputStream(d, fileID, last), nil
}

// OpenForRead opens a read stream over the sectors fileID has right now.
// Any number of readers may share a file.
func (d *Driver) OpenForRead(fileID int64) (*InputStream, error) {
	d.mu.Lock()
	if !d.initialized {
		d.mu.Unlock()
		return nil, ErrNotInitialized
	}
	if _, ok := d.writeLocked[fileID]; ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: file %d is open for write", ErrLocked, fileID)
	}
	d.readLocked[fileID]++
	d.mu.Unlock()

	ids, err := d.store.GetSectorIDs(fileID)
	if err != nil {
		d.releaseReadLock(fileID)
		return nil, err
	}
	d.log.Debugf("file %d open for read, %d sectors", fileID, len(ids))
	return newInputStream(d, fileID, ids), nil
}

// DeleteSectors removes every sector of fileID, fails with ErrLocked while
// the file has an open stream
func (d *Driver) DeleteSectors(fileID int64) error {
	d.mu.Lock()
	err := d.lockWrite(fileID)
	d.mu.Unlock()
	if err != nil {
		return err
	}
	defer d.releaseWriteLock(fileID)
	return d.store.DeleteSectors(fileID)
}

// GetFileSize returns sum of sector sizes of fileID
func (d *Driver) GetFileSize(fileID int64) (int64, error) {
	d.mu.Lock()
	st := d.store
	d.mu.Unlock()
	if st == nil {
		return 0, ErrNotInitialized
	}
	return st.GetFileSize(fileID)
}

// GetUsedBytes returns bytes held by all sectors. The value is memoized until
// a write or delete invalidates it.
func (d *Driver) GetUsedBytes() (int64, error) {
	d.mu.Lock()
	if !d.initialized {
		d.mu.Unlock()
		return 0, ErrNotInitialized
	}
	if d.usedBytes != usedBytesStale {
		used := d.usedBytes
		d.mu.Unlock()
		return used, nil
	}
	st := d.store
	gen := d.usedGen
	d.mu.Unlock()

	used, err := st.GetUsedBytes()
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	// keep the memo stale if it was invalidated while the store was queried
	if d.usedGen == gen {
		d.usedBytes = used
	}
	d.mu.Unlock()
	return used, nil
}

// GetAvailableBytes returns the configured capacity
func (d *Driver) GetAvailableBytes() (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return 0, ErrNotInitialized
	}
	return d.availableBytes, nil
}

// InvalidateUsedBytes drops the memoized used bytes, next GetUsedBytes asks the store
func (d *Driver) InvalidateUsedBytes() {
	d.mu.Lock()
	d.invalidateUsedBytes()
	d.mu.Unlock()
}

// invalidateUsedBytes caller holds d.mu
func (d *Driver) invalidateUsedBytes() {
	d.usedBytes = usedBytesStale
	d.usedGen++
}

// IsReadLocked reports whether fileID has an open read stream
func (d *Driver) IsReadLocked(fileID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readLocked[fileID] > 0
}

// IsWriteLocked reports whether fileID has an open write stream
func (d *Driver) IsWriteLocked(fileID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.writeLocked[fileID]
	return ok
}

func (d *Driver) releaseWriteLock(fileID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.writeLocked[fileID]; !ok {
		d.log.Warnf("file %d is not write locked", fileID)
		return
	}
	delete(d.writeLocked, fileID)
	d.invalidateUsedBytes()
}

func (d *Driver) releaseReadLock(fileID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.readLocked[fileID]
	if !ok {
		d.log.Warnf("file %d is not read locked", fileID)
		return
	}
	if n <= 1 {
		delete(d.readLocked, fileID)
		return
	}
	d.readLocked[fileID] = n - 1
}

// Close detaches the driver from its store. It fails with ErrLocked while any stream is open.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return nil
	}
	if n := len(d.writeLocked) + len(d.readLocked); n > 0 {
		return fmt.Errorf("%w: %d files still open", ErrLocked, n)
	}
	d.initialized = false
	d.store = nil
	d.invalidateUsedBytes()
	return nil
}

package sectorfs

import (
	"runtime"

	"github.com/rarydzu/sectorfs/sectorfs/store"
)

// OutputStream buffers written bytes and persists them one sector at a time.
// It is not safe for concurrent use.
type OutputStream struct {
	d      *Driver
	store  SectorStore
	fileID int64
	buf    []byte
	n      int
	seq    int64
	// sector preloaded for append, the first flush rewrites it in place
	last   *store.Sector
	dirty  bool
	closed bool
}

func newOutputStream(d *Driver, fileID int64, last *store.Sector) *OutputStream {
	s := &OutputStream{
		d:      d,
		store:  d.store,
		fileID: fileID,
		buf:    make([]byte, d.sectorSize),
	}
	if last != nil {
		if last.Size < len(s.buf) {
			s.n = copy(s.buf, last.Content[:last.Size])
			s.seq = last.Seq
			s.last = last
		} else {
			s.seq = last.Seq + 1
		}
	}
	runtime.SetFinalizer(s, (*OutputStream).finalize)
	return s
}

func (s *OutputStream) FileID() int64 {
	return s.fileID
}

func (s *OutputStream) Write(p []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	written := 0
	for len(p) > 0 {
		if s.n == len(s.buf) {
			if err := s.flush(); err != nil {
				return written, err
			}
		}
		c := copy(s.buf[s.n:], p)
		s.n += c
		s.dirty = true
		written += c
		p = p[c:]
	}
	if s.n == len(s.buf) {
		if err := s.flush(); err != nil {
			return written, err
		}
	}
	return written, nil
}

func (s *OutputStream) WriteByte(c byte) error {
	_, err := s.Write([]byte{c})
	return err
}

func (s *OutputStream) flush() error {
	if s.last != nil {
		if _, err := s.store.Update(s.last.ID, s.n, s.buf[:s.n]); err != nil {
			return err
		}
		s.last = nil
	} else {
		if _, err := s.store.Create(s.fileID, s.seq, s.n, s.buf[:s.n]); err != nil {
			return err
		}
	}
	s.seq++
	s.n = 0
	s.dirty = false
	s.d.InvalidateUsedBytes()
	return nil
}

// Close persists buffered bytes and releases the write lock. The lock is
// released even when the final flush fails.
func (s *OutputStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	runtime.SetFinalizer(s, nil)
	defer s.d.releaseWriteLock(s.fileID)
	if s.n == 0 || !s.dirty {
		return nil
	}
	return s.flush()
}

func (s *OutputStream) finalize() {
	if s.closed {
		return
	}
	s.d.log.Errorf("write stream of file %d was not closed, closing it now", s.fileID)
	if err := s.Close(); err != nil {
		s.d.log.Errorf("closing write stream of file %d: %v", s.fileID, err)
	}
}

package sectorfs

import (
	"errors"
	"io"
	"runtime"

	"github.com/rarydzu/sectorfs/sectorfs/store"
)

// InputStream reads the sectors a file had when the stream was opened.
// It is not safe for concurrent use.
type InputStream struct {
	d      *Driver
	store  SectorStore
	fileID int64
	ids    []int64
	next   int
	buf    []byte
	pos    int
	closed bool
}

func newInputStream(d *Driver, fileID int64, ids []int64) *InputStream {
	s := &InputStream{
		d:      d,
		store:  d.store,
		fileID: fileID,
		ids:    ids,
	}
	runtime.SetFinalizer(s, (*InputStream).finalize)
	return s
}

func (s *InputStream) FileID() int64 {
	return s.fileID
}

func (s *InputStream) Read(p []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	if s.pos >= len(s.buf) {
		if err := s.load(); err != nil {
			return 0, err
		}
	}
	n := copy(p, s.buf[s.pos:])
	s.pos += n
	return n, nil
}

func (s *InputStream) ReadByte() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(s, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// load fetches the next non empty sector. Empty sectors are deleted on the way.
func (s *InputStream) load() error {
	for s.next < len(s.ids) {
		id := s.ids[s.next]
		content, err := s.store.GetContent(id)
		if err != nil {
			return err
		}
		s.next++
		if len(content) == 0 {
			s.d.log.Infof("removing empty sector %d of file %d", id, s.fileID)
			if err := s.store.DeleteSector(id); err != nil {
				if !errors.Is(err, store.ErrNoSuchSector) {
					return err
				}
				s.d.log.Debugf("empty sector %d already gone: %v", id, err)
			}
			continue
		}
		s.buf = content
		s.pos = 0
		return nil
	}
	s.buf = nil
	s.pos = 0
	return io.EOF
}

// Close releases the read lock, calling it more than once is a no-op
func (s *InputStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.buf = nil
	runtime.SetFinalizer(s, nil)
	s.d.releaseReadLock(s.fileID)
	return nil
}

func (s *InputStream) finalize() {
	if s.closed {
		return
	}
	s.d.log.Errorf("read stream of file %d was not closed, closing it now", s.fileID)
	s.Close()
}

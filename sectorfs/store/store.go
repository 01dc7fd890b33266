// Sector table access over pooled connections
package store

import (
	"fmt"
	"time"

	"github.com/rarydzu/sectorfs/connpool"
	"github.com/rarydzu/sectorfs/sectorfs/config"
	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS sector (
	sector_id INTEGER PRIMARY KEY,
	file_id   INTEGER NOT NULL,
	seq_num   INTEGER NOT NULL,
	size      INTEGER NOT NULL,
	content   BLOB    NOT NULL,
	UNIQUE (file_id, seq_num)
);
CREATE INDEX IF NOT EXISTS idx_sector_file ON sector(file_id);
`

// Sector is a chunk of file content stored as one row
type Sector struct {
	ID      int64
	FileID  int64
	Seq     int64
	Size    int
	Content []byte
}

type Store struct {
	registry *connpool.Registry
	poolID   string
	timeout  time.Duration
	log      *zap.SugaredLogger
}

// New creates a store on pool cfg.Pool of registry
func New(registry *connpool.Registry, cfg config.DriverConfig, log *zap.SugaredLogger) *Store {
	timeout := cfg.EngageTimeout
	if timeout <= 0 {
		timeout = config.DefaultEngageTimeout
	}
	return &Store{
		registry: registry,
		poolID:   cfg.Pool,
		timeout:  timeout,
		log:      log,
	}
}

// Init creates the sector table and its index if they do not exist
func (s *Store) Init() error {
	return s.withConn(func(conn *sqlite.Conn) error {
		return storageError("init", sqlitex.ExecuteScript(conn, schema, nil))
	})
}

// withConn leases a connection for fn. Pool failures are returned as they are,
// fn is responsible for wrapping datastore errors.
func (s *Store) withConn(fn func(conn *sqlite.Conn) error) error {
	return s.registry.WithConn(s.poolID, s.timeout, fn)
}

func validate(size int, content []byte) error {
	if len(content) == 0 {
		return fmt.Errorf("%w: empty content", ErrInvalidSector)
	}
	if size <= 0 || size > len(content) {
		return fmt.Errorf("%w: size %d out of bounds (0, %d]", ErrInvalidSector, size, len(content))
	}
	return nil
}

// Create stores first size bytes of content as sector seq of fileID and returns the new sector id
func (s *Store) Create(fileID, seq int64, size int, content []byte) (int64, error) {
	if err := validate(size, content); err != nil {
		return 0, err
	}
	if seq < 0 {
		return 0, fmt.Errorf("%w: negative sequence number %d", ErrInvalidSector, seq)
	}
	var id int64
	err := s.withConn(func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			"INSERT INTO sector (file_id, seq_num, size, content) VALUES (?, ?, ?, ?)",
			&sqlitex.ExecOptions{Args: []any{fileID, seq, size, content[:size]}})
		if err != nil {
			return storageError("create", err)
		}
		id = conn.LastInsertRowID()
		return nil
	})
	return id, err
}

// Update rewrites content of an existing sector
func (s *Store) Update(sectorID int64, size int, content []byte) (int64, error) {
	if err := validate(size, content); err != nil {
		return 0, err
	}
	err := s.withConn(func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			"UPDATE sector SET size = ?, content = ? WHERE sector_id = ?",
			&sqlitex.ExecOptions{Args: []any{size, content[:size], sectorID}})
		if err != nil {
			return storageError("update", err)
		}
		if conn.Changes() == 0 {
			return fmt.Errorf("%w: %d", ErrNoSuchSector, sectorID)
		}
		return nil
	})
	return sectorID, err
}

// GetContent returns content of sector sectorID
func (s *Store) GetContent(sectorID int64) ([]byte, error) {
	var (
		content []byte
		found   bool
	)
	err := s.withConn(func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			"SELECT size, content FROM sector WHERE sector_id = ?",
			&sqlitex.ExecOptions{
				Args: []any{sectorID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					found = true
					content = columnContent(stmt, 0, 1)
					return nil
				},
			})
		return storageError("get content", err)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchSector, sectorID)
	}
	return content, nil
}

// GetLastSector returns the sector of fileID with the highest sequence number,
// nil if the file has no sectors
func (s *Store) GetLastSector(fileID int64) (*Sector, error) {
	var sector *Sector
	err := s.withConn(func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			"SELECT sector_id, file_id, seq_num, size, content FROM sector WHERE file_id = ? ORDER BY seq_num DESC LIMIT 1",
			&sqlitex.ExecOptions{
				Args: []any{fileID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					sector = &Sector{
						ID:     stmt.ColumnInt64(0),
						FileID: stmt.ColumnInt64(1),
						Seq:    stmt.ColumnInt64(2),
					}
					sector.Content = columnContent(stmt, 3, 4)
					sector.Size = len(sector.Content)
					return nil
				},
			})
		return storageError("get last sector", err)
	})
	return sector, err
}

// columnContent reads blob column data truncated to the size stored in column size
func columnContent(stmt *sqlite.Stmt, size, data int) []byte {
	content := make([]byte, stmt.ColumnLen(data))
	stmt.ColumnBytes(data, content)
	if n := stmt.ColumnInt(size); n >= 0 && n < len(content) {
		content = content[:n]
	}
	return content
}

func (s *Store) queryInt64(op, query string, args ...any) (int64, error) {
	var v int64
	err := s.withConn(func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				v = stmt.ColumnInt64(0)
				return nil
			},
		})
		return storageError(op, err)
	})
	return v, err
}

// GetFileSize returns sum of sector sizes of fileID
func (s *Store) GetFileSize(fileID int64) (int64, error) {
	return s.queryInt64("get file size", "SELECT COALESCE(SUM(size), 0) FROM sector WHERE file_id = ?", fileID)
}

// GetTotalSectorCount returns number of sectors of fileID
func (s *Store) GetTotalSectorCount(fileID int64) (int, error) {
	n, err := s.queryInt64("get sector count", "SELECT COUNT(*) FROM sector WHERE file_id = ?", fileID)
	return int(n), err
}

// GetUsedBytes returns sum of sector sizes over all files
func (s *Store) GetUsedBytes() (int64, error) {
	return s.queryInt64("get used bytes", "SELECT COALESCE(SUM(size), 0) FROM sector")
}

// GetSectorIDs returns sector ids of fileID ordered by sequence number
func (s *Store) GetSectorIDs(fileID int64) ([]int64, error) {
	ids := []int64{}
	err := s.withConn(func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			"SELECT sector_id FROM sector WHERE file_id = ? ORDER BY seq_num ASC",
			&sqlitex.ExecOptions{
				Args: []any{fileID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					ids = append(ids, stmt.ColumnInt64(0))
					return nil
				},
			})
		return storageError("get sector ids", err)
	})
	return ids, err
}

// DeleteSectors removes all sectors of fileID
func (s *Store) DeleteSectors(fileID int64) error {
	return s.withConn(func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, "DELETE FROM sector WHERE file_id = ?", &sqlitex.ExecOptions{Args: []any{fileID}})
		if err != nil {
			return storageError("delete sectors", err)
		}
		s.log.Debugf("deleted %d sectors of file %d", conn.Changes(), fileID)
		return nil
	})
}

// DeleteSector removes a single sector
func (s *Store) DeleteSector(sectorID int64) error {
	return s.withConn(func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, "DELETE FROM sector WHERE sector_id = ?", &sqlitex.ExecOptions{Args: []any{sectorID}})
		if err != nil {
			return storageError("delete sector", err)
		}
		if conn.Changes() == 0 {
			return fmt.Errorf("%w: %d", ErrNoSuchSector, sectorID)
		}
		return nil
	})
}

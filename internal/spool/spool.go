// Package spool keeps undeliverable frames in a local SQLite queue so
// escalations and telemetry survive disconnects and restarts.
package spool

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/hdwhite1980/opsis-agent-sub000/internal/logging"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/protocol"
)

const (
	defaultMaxEntries = 1000
	defaultMaxAge     = 72 * time.Hour
)

// Options bound how much the spool is allowed to hold.
type Options struct {
	MaxEntries int
	MaxAge     time.Duration
}

// Entry is one spooled frame, oldest-first by ID.
type Entry struct {
	ID        int64
	FrameType string
	Payload   []byte
	CreatedAt time.Time
}

// Frame decodes the stored payload back into a wire frame.
func (e Entry) Frame() (protocol.Frame, error) {
	return protocol.Decode(e.Payload)
}

// Spool is a durable FIFO of frames awaiting delivery. WAL mode so a
// crash mid-drain loses nothing already acknowledged.
type Spool struct {
	db         *sql.DB
	mu         sync.Mutex
	maxEntries int
	maxAge     time.Duration
	now        func() time.Time
	log        zerolog.Logger
}

// Open creates or reopens a spool at path with default bounds.
func Open(path string) (*Spool, error) {
	return OpenWithOptions(path, Options{})
}

// OpenWithOptions creates or reopens a spool with explicit bounds.
func OpenWithOptions(path string, opts Options) (*Spool, error) {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = defaultMaxEntries
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = defaultMaxAge
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create spool dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open spool database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS frames (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			frame_type TEXT NOT NULL,
			payload    BLOB NOT NULL,
			created_at INTEGER NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create frames table: %w", err)
	}
	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_frames_created ON frames(created_at)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create frames index: %w", err)
	}

	return &Spool{
		db:         db,
		maxEntries: opts.MaxEntries,
		maxAge:     opts.MaxAge,
		now:        func() time.Time { return time.Now().UTC() },
		log:        logging.WithComponent("spool"),
	}, nil
}

// SetClock overrides the time source. Test hook.
func (s *Spool) SetClock(now func() time.Time) { s.now = now }

// Enqueue stores a frame for later delivery. When the spool is full the
// oldest frames give way.
func (s *Spool) Enqueue(f protocol.Frame) error {
	payload, err := f.Encode()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(
		"INSERT INTO frames (frame_type, payload, created_at) VALUES (?, ?, ?)",
		f.Type(), payload, s.now().Unix(),
	); err != nil {
		return fmt.Errorf("spool %s frame: %w", f.Type(), err)
	}
	s.trimOverflowLocked()
	return nil
}

func (s *Spool) trimOverflowLocked() {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM frames").Scan(&count); err != nil || count <= s.maxEntries {
		return
	}
	if _, err := s.db.Exec(
		"DELETE FROM frames WHERE id IN (SELECT id FROM frames ORDER BY id ASC LIMIT ?)",
		count-s.maxEntries,
	); err != nil {
		s.log.Warn().Err(err).Msg("trim spool overflow")
	} else {
		s.log.Debug().Int("dropped", count-s.maxEntries).Msg("spool full, oldest frames dropped")
	}
}

// Next returns the oldest spooled frame without removing it. The caller
// acks after a successful send, so delivery is at-least-once.
func (s *Spool) Next() (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow("SELECT id, frame_type, payload, created_at FROM frames ORDER BY id ASC LIMIT 1")
	var e Entry
	var created int64
	if err := row.Scan(&e.ID, &e.FrameType, &e.Payload, &created); err != nil {
		if err != sql.ErrNoRows {
			s.log.Warn().Err(err).Msg("read spool head")
		}
		return Entry{}, false
	}
	e.CreatedAt = time.Unix(created, 0).UTC()
	return e, true
}

// Ack removes a delivered frame.
func (s *Spool) Ack(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec("DELETE FROM frames WHERE id = ?", id); err != nil {
		return fmt.Errorf("ack spooled frame %d: %w", id, err)
	}
	return nil
}

// Count returns how many frames are waiting.
func (s *Spool) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM frames").Scan(&count); err != nil {
		return 0
	}
	return count
}

// Prune removes frames older than maxAge and reports how many went.
func (s *Spool) Prune(maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-maxAge).Unix()
	res, err := s.db.Exec("DELETE FROM frames WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune spool: %w", err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

// PruneExpired applies the configured age bound.
func (s *Spool) PruneExpired() (int, error) {
	return s.Prune(s.maxAge)
}

// Stats reports spool occupancy for status surfaces.
type Stats struct {
	Count      int   `json:"count"`
	MaxEntries int   `json:"max_entries"`
	OldestUnix int64 `json:"oldest_unix,omitempty"`
}

// Snapshot returns current occupancy.
func (s *Spool) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{MaxEntries: s.maxEntries}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM frames").Scan(&st.Count); err != nil {
		return st
	}
	if st.Count > 0 {
		s.db.QueryRow("SELECT MIN(created_at) FROM frames").Scan(&st.OldestUnix)
	}
	return st
}

// Close releases the database.
func (s *Spool) Close() error {
	return s.db.Close()
}

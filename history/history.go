package history

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

type Action string

const (
	ActionRender     Action = "render"
	ActionThumbnails Action = "thumbnails"
	ActionConvert    Action = "convert"
	ActionQuicklook  Action = "quicklook"
	ActionNavigate   Action = "navigate"
)

type Entry struct {
	ID        string
	Path      string
	Action    Action
	CreatedAt time.Time
}

// Store records previewed files in a SQLite database.
type Store struct {
	db *sql.DB

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS history (
  id         TEXT PRIMARY KEY,
  path       TEXT NOT NULL,
  action     TEXT NOT NULL,
  created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_history_path ON history(path);
`

// Open opens or creates the database at dir/history.db.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("couldn't create dir: %w", err)
	}

	dsn := filepath.Join(dir, "history.db") + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("couldn't open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("couldn't prepare schema: %w", err)
	}

	return &Store{
		db:      db,
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}, nil
}

// Record adds an entry. Ids are monotonic, so entries are ordered by creation
// even within the same millisecond.
func (s *Store) Record(ctx context.Context, path string, action Action) (Entry, error) {
	s.mu.Lock()
	now := s.now()
	id, err := ulid.New(ulid.Timestamp(now), s.entropy)
	s.mu.Unlock()
	if err != nil {
		return Entry{}, fmt.Errorf("couldn't generate id: %w", err)
	}

	entry := Entry{
		ID:        id.String(),
		Path:      path,
		Action:    action,
		CreatedAt: now.UTC().Truncate(time.Millisecond),
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO history (id, path, action, created_at) VALUES (?, ?, ?, ?)`,
		entry.ID, entry.Path, string(entry.Action), entry.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return Entry{}, fmt.Errorf("couldn't insert entry: %w", err)
	}
	return entry, nil
}

// List returns the latest entries, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, path, action, created_at FROM history ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("couldn't query entries: %w", err)
	}
	defer rows.Close()

	var res []Entry
	for rows.Next() {
		var (
			entry     Entry
			action    string
			createdAt int64
		)
		if err := rows.Scan(&entry.ID, &entry.Path, &action, &createdAt); err != nil {
			return nil, fmt.Errorf("couldn't scan entry: %w", err)
		}
		entry.Action = Action(action)
		entry.CreatedAt = time.UnixMilli(createdAt).UTC()

		res = append(res, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("couldn't read entries: %w", err)
	}
	return res, nil
}

// Clear removes all entries.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM history`); err != nil {
		return fmt.Errorf("couldn't remove entries: %w", err)
	}
	return nil
}

func (s *Store) Shutdown(context.Context) error {
	return s.db.Close()
}

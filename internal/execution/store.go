package execution

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	clierr "github.com/ggonzalez94/routex/internal/errors"
)

// Store is the attempt journal. It keeps the latest committed state of each
// attempt and doubles as a Reporter.
type Store struct {
	db     *sql.DB
	lock   *flock.Flock
	logger *zap.Logger
}

func OpenStore(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create journal lock directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal sqlite: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS attempts (
			attempt_id TEXT PRIMARY KEY,
			route_id TEXT NOT NULL,
			strategy TEXT NOT NULL,
			status TEXT NOT NULL,
			version INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_attempts_status_updated ON attempts(status, updated_at DESC);",
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init journal schema: %w", err)
		}
	}
	return &Store{db: db, lock: flock.New(lockPath), logger: zap.NewNop()}, nil
}

func (s *Store) WithLogger(logger *zap.Logger) *Store {
	if logger != nil {
		s.logger = logger
	}
	return s
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Report persists st. States without an attempt (after a reset) are skipped.
func (s *Store) Report(st State) {
	if strings.TrimSpace(st.AttemptID) == "" {
		return
	}
	if err := s.Save(st); err != nil {
		s.logger.Warn("journal.save_failed", zap.String("attempt_id", st.AttemptID), zap.Error(err))
	}
}

// Save upserts st. An older version never overwrites a newer one.
func (s *Store) Save(st State) error {
	if strings.TrimSpace(st.AttemptID) == "" {
		return fmt.Errorf("save attempt: missing attempt id")
	}
	locked, err := s.lock.TryLockContext(context.Background(), 5*time.Second)
	if err != nil {
		return fmt.Errorf("lock journal: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock journal: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()

	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal attempt: %w", err)
	}
	createdUnix, _ := parseRFC3339Unix(st.StartedAt)
	updatedUnix, _ := parseRFC3339Unix(st.UpdatedAt)
	if createdUnix == 0 {
		createdUnix = time.Now().UTC().Unix()
	}
	if updatedUnix == 0 {
		updatedUnix = time.Now().UTC().Unix()
	}

	_, err = s.db.Exec(`
		INSERT INTO attempts (attempt_id, route_id, strategy, status, version, created_at, updated_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(attempt_id) DO UPDATE SET
			status=excluded.status,
			version=excluded.version,
			updated_at=excluded.updated_at,
			payload=excluded.payload
		WHERE excluded.version >= attempts.version
	`, st.AttemptID, st.RouteID, st.Strategy, string(st.Status), int64(st.Version), createdUnix, updatedUnix, payload)
	if err != nil {
		return fmt.Errorf("save attempt: %w", err)
	}
	return nil
}

func (s *Store) Get(attemptID string) (State, error) {
	var payload []byte
	err := s.db.QueryRow("SELECT payload FROM attempts WHERE attempt_id = ?", attemptID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return State{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("attempt not found: %s", attemptID))
		}
		return State{}, fmt.Errorf("read attempt: %w", err)
	}
	var st State
	if err := json.Unmarshal(payload, &st); err != nil {
		return State{}, fmt.Errorf("decode attempt payload: %w", err)
	}
	return st, nil
}

func (s *Store) List(status string, limit int) ([]State, error) {
	if limit <= 0 {
		limit = 20
	}
	var (
		rows *sql.Rows
		err  error
	)
	if strings.TrimSpace(status) == "" {
		rows, err = s.db.Query("SELECT payload FROM attempts ORDER BY updated_at DESC, created_at DESC LIMIT ?", limit)
	} else {
		rows, err = s.db.Query("SELECT payload FROM attempts WHERE status = ? ORDER BY updated_at DESC, created_at DESC LIMIT ?", status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	states := make([]State, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan attempt row: %w", err)
		}
		var st State
		if err := json.Unmarshal(payload, &st); err != nil {
			return nil, fmt.Errorf("decode attempt row: %w", err)
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempt rows: %w", err)
	}
	return states, nil
}

func parseRFC3339Unix(v string) (int64, bool) {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return 0, false
	}
	return t.UTC().Unix(), true
}

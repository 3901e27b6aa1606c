package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
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
	"github.com/ggonzalez94/routex/internal/model"
)

// Store is a sqlite response cache shared by provider reads (token lists,
// chain lists, quotes). Writes are serialized across processes with a file lock.
type Store struct {
	db     *sql.DB
	lock   *flock.Flock
	logger *zap.Logger
	now    func() time.Time
}

type Entry struct {
	Hit      bool
	Value    []byte
	Age      time.Duration
	Stale    bool
	TooStale bool
}

// Policy controls a read-through lookup. MaxStale < 0 allows any stale age.
type Policy struct {
	TTL      time.Duration
	MaxStale time.Duration
	NoStale  bool
}

// FetchFunc loads a fresh value for a read-through lookup.
type FetchFunc func(ctx context.Context) ([]byte, error)

func Open(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"CREATE TABLE IF NOT EXISTS cache_entries (key TEXT PRIMARY KEY, namespace TEXT NOT NULL DEFAULT '', value BLOB NOT NULL, created_at INTEGER NOT NULL, ttl_seconds INTEGER NOT NULL);",
	}
	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init cache schema: %w", err)
		}
	}

	store := &Store{db: db, lock: flock.New(lockPath), logger: zap.NewNop(), now: time.Now}
	_ = store.Prune(0)
	return store, nil
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

// Key derives a stable cache key from a namespace and a JSON-encodable request.
func Key(namespace string, req any) string {
	buf, _ := json.Marshal(req)
	sum := sha256.Sum256(append([]byte(namespace+"|"), buf...))
	return namespace + ":" + hex.EncodeToString(sum[:16])
}

// Prune deletes entries older than ttl+grace.
func (s *Store) Prune(grace time.Duration) error {
	if s == nil || s.db == nil {
		return nil
	}
	cutoff := s.now().UTC().Add(-grace).Unix()
	if _, err := s.db.Exec("DELETE FROM cache_entries WHERE created_at + ttl_seconds < ?", cutoff); err != nil {
		return fmt.Errorf("prune cache: %w", err)
	}
	return nil
}

func (s *Store) Get(key string, maxStale time.Duration) (Entry, error) {
	var value []byte
	var createdUnix int64
	var ttlSeconds int64
	err := s.db.QueryRow("SELECT value, created_at, ttl_seconds FROM cache_entries WHERE key = ?", key).Scan(&value, &createdUnix, &ttlSeconds)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, nil
		}
		return Entry{}, fmt.Errorf("cache read: %w", err)
	}

	age := s.now().Sub(time.Unix(createdUnix, 0))
	if age < 0 {
		age = 0
	}
	ttl := time.Duration(ttlSeconds) * time.Second
	stale := age > ttl
	return Entry{
		Hit:      true,
		Value:    value,
		Age:      age,
		Stale:    stale,
		TooStale: stale && maxStale >= 0 && age > ttl+maxStale,
	}, nil
}

func (s *Store) Set(key string, value []byte, ttl time.Duration) error {
	locked, err := s.lock.TryLockContext(context.Background(), 5*time.Second)
	if err != nil {
		return fmt.Errorf("lock cache: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock cache: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()

	ttlSeconds := int64(ttl.Seconds())
	if ttlSeconds <= 0 {
		ttlSeconds = 1
	}
	_, err = s.db.Exec(`
		INSERT INTO cache_entries (key, namespace, value, created_at, ttl_seconds)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value=excluded.value,
			created_at=excluded.created_at,
			ttl_seconds=excluded.ttl_seconds
	`, key, namespaceOf(key), value, s.now().UTC().Unix(), ttlSeconds)
	if err != nil {
		return fmt.Errorf("cache write: %w", err)
	}
	return nil
}

// ReadThrough serves a fresh entry, otherwise calls fetch and stores the
// result. When fetch fails with a transient provider error a stale entry
// within the policy's budget is served instead. A nil store always fetches.
func (s *Store) ReadThrough(ctx context.Context, key string, policy Policy, fetch FetchFunc) ([]byte, model.CacheStatus, error) {
	if s == nil {
		value, err := fetch(ctx)
		return value, model.CacheStatus{Status: "bypass"}, err
	}

	entry, err := s.Get(key, policy.MaxStale)
	if err != nil {
		s.logger.Warn("cache.read_failed", zap.String("key", key), zap.Error(err))
		entry = Entry{}
	}
	if entry.Hit && !entry.Stale {
		return entry.Value, model.CacheStatus{Status: "hit", AgeMS: entry.Age.Milliseconds()}, nil
	}

	value, fetchErr := fetch(ctx)
	if fetchErr != nil {
		if !entry.Hit || !staleFallbackAllowed(fetchErr) {
			return nil, model.CacheStatus{Status: "miss"}, fetchErr
		}
		if policy.NoStale {
			return nil, model.CacheStatus{Status: "miss"}, clierr.Wrap(clierr.CodeStale, "fresh provider fetch failed and stale fallback is disabled", fetchErr)
		}
		if entry.TooStale {
			return nil, model.CacheStatus{Status: "miss"}, clierr.Wrap(clierr.CodeStale, "fresh provider fetch failed and cached data exceeded stale budget", fetchErr)
		}
		s.logger.Warn("cache.serving_stale", zap.String("key", key), zap.Duration("age", entry.Age), zap.Error(fetchErr))
		return entry.Value, model.CacheStatus{Status: "hit", AgeMS: entry.Age.Milliseconds(), Stale: true}, nil
	}

	if err := s.Set(key, value, policy.TTL); err != nil {
		s.logger.Warn("cache.write_failed", zap.String("key", key), zap.Error(err))
		return value, model.CacheStatus{Status: "miss"}, nil
	}
	return value, model.CacheStatus{Status: "write"}, nil
}

func staleFallbackAllowed(err error) bool {
	cErr, ok := clierr.As(err)
	if !ok {
		return false
	}
	return cErr.Code == clierr.CodeUnavailable || cErr.Code == clierr.CodeRateLimited
}

func namespaceOf(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return ""
}

package unimart

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pelletier/go-toml/v2"
	"github.com/redis/go-redis/v9"
)

// UI state that survives a restart, keyed per user.
const (
	KeyDashboardPage      = "dashboard_page"
	KeyResetPhoneNumber   = "reset_phone_number"
	KeyLastConversationID = "last_conversation_id"
	KeyBrowseFilters      = "browse_filters"
)

// StateStore persists small UI values for one user.
type StateStore interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	// Clear forgets every value, e.g. on logout.
	Clear(ctx context.Context) error
}

// ============================================================================
// MemoryStateStore
// ============================================================================

// MemoryStateStore is a goroutine-safe in-memory StateStore.
type MemoryStateStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStateStore creates an empty in-memory store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{values: make(map[string]string)}
}

func (s *MemoryStateStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *MemoryStateStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemoryStateStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

func (s *MemoryStateStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]string)
	return nil
}

// ============================================================================
// FileStateStore
// ============================================================================

// FileStateStore keeps values in a TOML file with one table per user:
//
//	[users.u-123]
//	dashboard_page = "offers"
type FileStateStore struct {
	mu   sync.Mutex
	path string
	user string
}

type stateFile struct {
	Users map[string]map[string]string `toml:"users"`
}

// DefaultStatePath returns ~/.unimart/state.toml.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".unimart", "state.toml"), nil
}

// NewFileStateStore creates a store for user backed by the file at path.
func NewFileStateStore(path, user string) *FileStateStore {
	return &FileStateStore{path: path, user: user}
}

func (s *FileStateStore) load() (*stateFile, error) {
	f := &stateFile{}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			f.Users = map[string]map[string]string{}
			return f, nil
		}
		return nil, fmt.Errorf("cannot read state file: %w", err)
	}
	if err := toml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("cannot parse state file: %w", err)
	}
	if f.Users == nil {
		f.Users = map[string]map[string]string{}
	}
	return f, nil
}

func (s *FileStateStore) save(f *stateFile) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("cannot create state directory: %w", err)
	}
	data, err := toml.Marshal(f)
	if err != nil {
		return fmt.Errorf("cannot encode state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("cannot write state file: %w", err)
	}
	return os.Rename(tmp, s.path)
}

func (s *FileStateStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.load()
	if err != nil {
		return "", false, err
	}
	v, ok := f.Users[s.user][key]
	return v, ok, nil
}

func (s *FileStateStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.load()
	if err != nil {
		return err
	}
	if f.Users[s.user] == nil {
		f.Users[s.user] = map[string]string{}
	}
	f.Users[s.user][key] = value
	return s.save(f)
}

func (s *FileStateStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := f.Users[s.user][key]; !ok {
		return nil
	}
	delete(f.Users[s.user], key)
	return s.save(f)
}

func (s *FileStateStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := f.Users[s.user]; !ok {
		return nil
	}
	delete(f.Users, s.user)
	return s.save(f)
}

// ============================================================================
// RedisStateStore
// ============================================================================

// RedisStateStore keeps values in the hash unimart:state:<user>.
type RedisStateStore struct {
	rdb redis.Cmdable
	key string
}

// NewRedisStateStore creates a store for user on rdb.
func NewRedisStateStore(rdb redis.Cmdable, user string) *RedisStateStore {
	return &RedisStateStore{rdb: rdb, key: "unimart:state:" + user}
}

func (s *RedisStateStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.HGet(ctx, s.key, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis hget %s: %w", key, err)
	}
	return v, true, nil
}

func (s *RedisStateStore) Set(ctx context.Context, key, value string) error {
	if err := s.rdb.HSet(ctx, s.key, key, value).Err(); err != nil {
		return fmt.Errorf("redis hset %s: %w", key, err)
	}
	return nil
}

func (s *RedisStateStore) Delete(ctx context.Context, key string) error {
	if err := s.rdb.HDel(ctx, s.key, key).Err(); err != nil {
		return fmt.Errorf("redis hdel %s: %w", key, err)
	}
	return nil
}

func (s *RedisStateStore) Clear(ctx context.Context) error {
	return s.rdb.Del(ctx, s.key).Err()
}

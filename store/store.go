// Package store holds the current token pair and identity, writing through to a
// pluggable durable Backend.
//
// Storage failures never leave this package. A failed read is treated as "no
// session" and a failed write keeps the in-process value, so a client keeps
// working for the rest of its lifetime even when persistence is unavailable.
package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	authkit "github.com/chimerakang/authkit-go"
)

// Default storage keys. The token pair and the identity live under separate keys
// so either can be inspected alone, but they are always removed together.
const (
	DefaultTokenKey    = "authkit.tokens"
	DefaultIdentityKey = "authkit.identity"
)

// Backend is durable key/value storage. Implementations: MemoryBackend,
// gormstore (SQLite), redisstore.
type Backend interface {
	// Get returns the value stored under key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes all keys in a single operation.
	Delete(ctx context.Context, keys ...string) error
}

// Store implements authkit.TokenStore and authkit.IdentityStore.
type Store struct {
	backend     Backend
	logger      *slog.Logger
	tokenKey    string
	identityKey string

	mu          sync.Mutex
	loaded      bool
	pair        authkit.TokenPair
	hasPair     bool
	identity    authkit.Identity
	hasIdentity bool
	generation  uint64
}

// compile-time checks
var (
	_ authkit.TokenStore    = (*Store)(nil)
	_ authkit.IdentityStore = (*Store)(nil)
)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a structured logger for storage failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithKeys overrides the storage keys for the token pair and the identity.
func WithKeys(tokenKey, identityKey string) Option {
	return func(s *Store) {
		s.tokenKey = tokenKey
		s.identityKey = identityKey
	}
}

// New creates a Store over backend. A nil backend keeps everything in process.
func New(backend Backend, opts ...Option) *Store {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	s := &Store{
		backend:     backend,
		logger:      slog.Default(),
		tokenKey:    DefaultTokenKey,
		identityKey: DefaultIdentityKey,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns the current pair and generation.
func (s *Store) Get(ctx context.Context) (authkit.TokenPair, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked(ctx)
	return s.pair, s.generation, s.hasPair
}

// Set replaces the pair atomically and returns the new generation.
func (s *Store) Set(ctx context.Context, pair authkit.TokenPair) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked(ctx)
	s.setLocked(ctx, pair)
	return s.generation
}

// CompareAndSet replaces the pair only if no Set or Clear happened since generation.
func (s *Store) CompareAndSet(ctx context.Context, generation uint64, pair authkit.TokenPair) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked(ctx)
	if s.generation != generation || !s.hasPair {
		return false
	}
	s.setLocked(ctx, pair)
	return true
}

// Clear removes the pair and the identity.
func (s *Store) Clear(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked(ctx)
	s.clearLocked(ctx)
}

// ClearIf clears only if no Set or Clear happened since generation.
// It reports whether the store was cleared by this call.
func (s *Store) ClearIf(ctx context.Context, generation uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked(ctx)
	if s.generation != generation || !s.hasPair {
		return false
	}
	s.clearLocked(ctx)
	return true
}

// LoadIdentity returns the persisted identity.
func (s *Store) LoadIdentity(ctx context.Context) (authkit.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked(ctx)
	return s.identity, s.hasIdentity
}

// SaveIdentity persists the identity next to the current pair.
func (s *Store) SaveIdentity(ctx context.Context, id authkit.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked(ctx)
	s.identity, s.hasIdentity = id, true
	s.write(ctx, s.identityKey, id)
}

// Once written, the in-process value wins over anything a later load would read.
func (s *Store) setLocked(ctx context.Context, pair authkit.TokenPair) {
	s.loaded = true
	s.pair, s.hasPair = pair, true
	s.generation++
	s.write(ctx, s.tokenKey, pair)
}

func (s *Store) clearLocked(ctx context.Context) {
	s.loaded = true
	s.pair, s.hasPair = authkit.TokenPair{}, false
	s.identity, s.hasIdentity = authkit.Identity{}, false
	s.generation++
	if err := s.backend.Delete(ctx, s.tokenKey, s.identityKey); err != nil {
		s.logger.Warn("store_clear_failed", slog.String("err", err.Error()))
	}
}

func (s *Store) write(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("store_encode_failed", slog.String("key", key), slog.String("err", err.Error()))
		return
	}
	if err := s.backend.Put(ctx, key, data); err != nil {
		s.logger.Warn("store_write_failed", slog.String("key", key), slog.String("err", err.Error()))
	}
}

// loadLocked reads both keys from the backend on first access. A backend error
// leaves the store unloaded so the next access reads again.
func (s *Store) loadLocked(ctx context.Context) {
	if s.loaded {
		return
	}

	var pair authkit.TokenPair
	pairFound, pairErr := s.read(ctx, s.tokenKey, &pair)
	var id authkit.Identity
	idFound, idErr := s.read(ctx, s.identityKey, &id)
	if pairErr != nil || idErr != nil {
		return
	}
	s.loaded = true

	if pairFound && !pair.IsZero() {
		s.pair, s.hasPair = pair, true
	}
	if idFound && !s.hasIdentity {
		s.identity, s.hasIdentity = id, true
	}

	// An identity with no tokens is a leftover from an interrupted clear.
	if s.hasIdentity && !s.hasPair {
		s.identity, s.hasIdentity = authkit.Identity{}, false
		if err := s.backend.Delete(ctx, s.identityKey); err != nil {
			s.logger.Warn("store_clear_failed", slog.String("err", err.Error()))
		}
	}
}

// read decodes the value under key into v. Undecodable data counts as absent;
// only a backend failure is returned.
func (s *Store) read(ctx context.Context, key string, v any) (bool, error) {
	data, ok, err := s.backend.Get(ctx, key)
	if err != nil {
		s.logger.Warn("store_read_failed", slog.String("key", key), slog.String("err", err.Error()))
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.logger.Warn("store_decode_failed", slog.String("key", key), slog.String("err", err.Error()))
		return false, nil
	}
	return true, nil
}

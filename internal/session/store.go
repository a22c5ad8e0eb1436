// Package session keeps the token-addressed session blocks that let a client
// recover its state across reconnects.
//
// Every claim rotates the token: Recover always issues a new one and moves the
// old block (if any) under it. An unknown token silently yields a fresh block,
// so a caller cannot tell an expired token from a forged one.
package session

import (
	"errors"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/codefionn/prysmo/internal/logger"
	"github.com/google/uuid"
)

// ErrClosed is returned when a closed store is saved or closed again.
var ErrClosed = errors.New("session store is closed")

// Options configures a Store.
type Options struct {
	// Persist enables loading on construction, the periodic save and the
	// final save on Close.
	Persist bool
	// Expires is the lifetime granted by every renewal. Zero disables expiry.
	Expires time.Duration
	// BackupInterval is the period of the background save. Zero disables it.
	BackupInterval time.Duration
	// Backend defaults to a FileBackend on "session.json".
	Backend Backend
	// Now defaults to the UTC wall clock.
	Now    func() time.Time
	Logger *logger.Logger
}

// Store maps tokens to session blocks. All mutations and the scan-then-write
// of Save are serialized by one store-wide lock.
type Store struct {
	mu      sync.Mutex
	blocks  map[string]*Block
	closed  bool
	persist bool
	expires time.Duration
	backend Backend
	now     func() time.Time
	log     *logger.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewStore builds a store and, when persistence is on, loads the backend and
// starts the periodic save. A backend that cannot be read starts empty.
func NewStore(opts Options) *Store {
	s := &Store{
		blocks:  make(map[string]*Block),
		persist: opts.Persist,
		expires: opts.Expires,
		backend: opts.Backend,
		now:     opts.Now,
		log:     opts.Logger,
		stop:    make(chan struct{}),
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.log == nil {
		s.log = logger.Global().WithPrefix("session")
	}
	if !s.persist {
		return s
	}
	if s.backend == nil {
		s.backend = NewFileBackend("session.json")
	}

	blocks, err := s.backend.Load()
	switch {
	case err == nil:
		s.blocks = blocks
		s.log.Info("Loaded %d session(s)", len(blocks))
	case errors.Is(err, os.ErrNotExist):
		s.log.Debug("No persisted sessions, starting empty")
	default:
		s.log.Warn("Could not load persisted sessions, starting empty: %v", err)
	}

	if opts.BackupInterval > 0 {
		s.wg.Add(1)
		go s.autoSave(opts.BackupInterval)
	}
	return s
}

func (s *Store) autoSave(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				return
			}
			err := s.saveLocked()
			s.mu.Unlock()
			if err != nil {
				s.log.Error("Auto-save failed: %v", err)
			}
		case <-s.stop:
			return
		}
	}
}

// Add creates a block for address under a fresh token and returns the token.
func (s *Store) Add(address string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(address)
}

func (s *Store) addLocked(address string) string {
	token := uuid.NewString()
	s.blocks[token] = newBlock(address)
	s.renewLocked(token)
	return token
}

// Recover issues a new token for a client presenting requested. When
// requested names a live block, that block moves to the new token and the old
// token stops resolving; otherwise the new token gets an empty block.
func (s *Store) Recover(requested, address string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	token := s.addLocked(address)
	if requested != "" {
		if prev, ok := s.blocks[requested]; ok && requested != token {
			s.blocks[token] = prev
			delete(s.blocks, requested)
		}
	}

	s.renewLocked(token)
	s.blocks[token].Address = address
	return token
}

// Renew pushes the expiry of token one window into the future.
func (s *Store) Renew(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renewLocked(token)
}

func (s *Store) renewLocked(token string) {
	if s.expires <= 0 {
		return
	}
	b, ok := s.blocks[token]
	if !ok {
		return
	}
	expiry := s.now().Add(s.expires)
	b.ExpiryDate = &expiry
}

// Remove deletes the block of token, if any.
func (s *Store) Remove(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocks, token)
}

// Save drops expired blocks and writes the mapping to the backend. It does
// nothing when persistence is disabled.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	if !s.persist {
		return nil
	}
	if s.expires > 0 {
		now := s.now()
		for token, b := range s.blocks {
			if b.expired(now) {
				delete(s.blocks, token)
			}
		}
	}
	if err := s.backend.Write(s.blocks); err != nil {
		return err
	}
	s.log.Debug("Saved %d session(s)", len(s.blocks))
	return nil
}

// Close stops the periodic save, performs a final save when persistent and
// empties the store. The store must not be used afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stop)
	s.wg.Wait()

	s.mu.Lock()
	err := s.saveLocked()
	s.blocks = make(map[string]*Block)
	s.mu.Unlock()

	if s.backend != nil {
		if cerr := s.backend.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Values returns the payload of token's block.
func (s *Store) Values(token string) (*Values, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[token]
	if !ok {
		return nil, false
	}
	return b.Values, true
}

// Lookup returns a copy of token's block. The payload is shared, not copied.
func (s *Store) Lookup(token string) (Block, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[token]
	if !ok {
		return Block{}, false
	}
	out := *b
	if b.ExpiryDate != nil {
		expiry := *b.ExpiryDate
		out.ExpiryDate = &expiry
	}
	return out, true
}

// Len returns the number of live blocks.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blocks)
}

// Tokens returns the live tokens in sorted order.
func (s *Store) Tokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	tokens := make([]string, 0, len(s.blocks))
	for token := range s.blocks {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	return tokens
}

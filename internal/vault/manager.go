// Package vault implements the master-password state machine and the
// encrypted entry list.
package vault

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/org/piiguard/internal/core"
	"github.com/org/piiguard/internal/crypto"
	"github.com/org/piiguard/internal/errs"
	"github.com/org/piiguard/internal/events"
	"github.com/org/piiguard/internal/metrics"
	"github.com/org/piiguard/internal/profile"
	"github.com/org/piiguard/internal/storage"
	"github.com/org/piiguard/pkg/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MinPasswordLen is the shortest accepted master password, in characters.
const MinPasswordLen = 6

// Options tunes a Manager.
type Options struct {
	// Iterations is the PBKDF2 work factor. Zero means crypto.DefaultIterations.
	Iterations int
	// PreserveSession keeps a wrapped session key so a restart does not lock the vault.
	PreserveSession bool
}

// Manager owns the vault state, the session key and the entries list.
type Manager struct {
	store   storage.Store
	session *core.Session
	index   *profile.Manager
	bus     events.Publisher
	log     zerolog.Logger
	now     func() time.Time

	iterations int
	preserve   bool

	// Serializes state transitions so create/unlock/lock do not interleave.
	mu     sync.Mutex
	onLock []func()
}

// NewManager creates a Manager and registers it as the index's entry-reference checker.
func NewManager(store storage.Store, session *core.Session, index *profile.Manager, bus events.Publisher, opts Options) *Manager {
	if opts.Iterations <= 0 {
		opts.Iterations = crypto.DefaultIterations
	}
	m := &Manager{
		store:      store,
		session:    session,
		index:      index,
		bus:        bus,
		log:        log.With().Str("component", "vault").Logger(),
		now:        time.Now,
		iterations: opts.Iterations,
		preserve:   opts.PreserveSession,
	}
	index.SetHashReferences(m)
	return m
}

// OnLock registers fn to run after every successful Lock.
func (m *Manager) OnLock(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLock = append(m.onLock, fn)
}

// LockState returns the read-only lock view for restricted contexts.
func (m *Manager) LockState() core.LockState {
	return m.session.View()
}

// Status reports whether the vault exists, whether it is locked and how many entries it holds.
func (m *Manager) Status(ctx context.Context) (models.VaultStatus, error) {
	var st models.VaultStatus
	var verifier string
	found, err := storage.GetJSON(ctx, m.store, storage.KeyPasswordHash, &verifier)
	if err != nil {
		return st, err
	}
	st.Initialized = found
	st.Locked = m.session.IsLocked()

	entries, err := storage.LoadList[models.Entry](ctx, m.store, storage.KeyEntries)
	if err != nil {
		return st, err
	}
	st.EntryCount = len(entries)
	return st, nil
}

// Create sets the master password and opens a session.
func (m *Manager) Create(ctx context.Context, password, confirm string) error {
	if password != confirm {
		return fmt.Errorf("%w: passwords do not match", errs.ErrValidation)
	}
	if utf8.RuneCountInString(password) < MinPasswordLen {
		return fmt.Errorf("%w: password must be at least %d characters", errs.ErrValidation, MinPasswordLen)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var existing string
	found, err := storage.GetJSON(ctx, m.store, storage.KeyPasswordHash, &existing)
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("%w: %w", errs.ErrAlreadyInitialized, errs.ErrValidation)
	}

	salt, err := m.loadOrCreateSalt(ctx)
	if err != nil {
		return err
	}
	key, err := crypto.DeriveKey(password, salt, m.iterations)
	if err != nil {
		return err
	}
	if err := storage.SetJSON(ctx, m.store, storage.KeyPasswordHash, crypto.DigestHex(password)); err != nil {
		crypto.Zero(key)
		return err
	}
	m.openSession(ctx, key)
	if err := m.setLocked(ctx, false); err != nil {
		m.closeSession(ctx)
		return err
	}
	m.log.Info().Msg("vault created")
	return nil
}

// Unlock verifies password and opens a session. A wrong password leaves the
// persisted lock flag untouched.
func (m *Manager) Unlock(ctx context.Context, password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var verifier string
	found, err := storage.GetJSON(ctx, m.store, storage.KeyPasswordHash, &verifier)
	if err != nil {
		return err
	}
	if !found {
		return errs.ErrNotInitialized
	}
	if !crypto.ConstantTimeEqualHex(crypto.DigestHex(password), verifier) {
		m.log.Warn().Msg("unlock attempt with wrong password")
		return fmt.Errorf("%w: wrong password", errs.ErrAuthentication)
	}

	var salt []byte
	found, err = storage.GetJSON(ctx, m.store, storage.KeySalt, &salt)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: salt missing", errs.ErrStorage)
	}
	key, err := crypto.DeriveKey(password, salt, m.iterations)
	if err != nil {
		return err
	}
	m.openSession(ctx, key)
	if err := m.setLocked(ctx, false); err != nil {
		m.closeSession(ctx)
		return err
	}
	m.log.Info().Msg("vault unlocked")
	m.restoreIndex(ctx)
	return nil
}

// Lock wipes the session key. It runs the OnLock hooks and forgets any
// preserved session.
func (m *Manager) Lock(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closeSession(ctx)
	err := m.setLocked(ctx, true)
	for _, fn := range m.onLock {
		fn()
	}
	if err != nil {
		return err
	}
	m.log.Info().Msg("vault locked")
	return nil
}

func (m *Manager) openSession(ctx context.Context, key []byte) {
	m.session.Open(key)
	if m.preserve {
		if err := m.preserveSession(ctx); err != nil {
			m.log.Warn().Err(err).Msg("preserving session")
		}
	}
}

// closeSession wipes the key and any preserved copy of it.
func (m *Manager) closeSession(ctx context.Context) {
	m.session.Close()
	if m.preserve {
		if err := m.forgetSession(ctx); err != nil {
			m.log.Warn().Err(err).Msg("forgetting preserved session")
		}
	}
}

// setLocked persists the flag and broadcasts the change. A failed unlock is
// not broadcast; a lock always is, since the key is already gone.
func (m *Manager) setLocked(ctx context.Context, locked bool) error {
	err := storage.SetJSON(ctx, m.store, storage.KeyLocked, locked)
	if err != nil && !locked {
		return err
	}
	metrics.SetLocked(locked)
	m.bus.Publish(ctx, events.LockChanged(locked))
	return err
}

func (m *Manager) loadOrCreateSalt(ctx context.Context) ([]byte, error) {
	var salt []byte
	found, err := storage.GetJSON(ctx, m.store, storage.KeySalt, &salt)
	if err != nil {
		return nil, err
	}
	if found && len(salt) == crypto.SaltLen {
		return salt, nil
	}
	salt, err = crypto.GenerateSalt()
	if err != nil {
		return nil, err
	}
	if err := storage.SetJSON(ctx, m.store, storage.KeySalt, salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// sessionKey returns a copy of the key. When the key is missing but the
// persisted flag still says unlocked, the flag is corrected.
func (m *Manager) sessionKey(ctx context.Context) ([]byte, error) {
	key, err := m.session.Key()
	if err == nil {
		return key, nil
	}
	var locked bool
	found, ferr := storage.GetJSON(ctx, m.store, storage.KeyLocked, &locked)
	if ferr == nil && found && !locked {
		m.log.Warn().Msg("session key missing while marked unlocked, locking")
		if serr := m.setLocked(ctx, true); serr != nil {
			m.log.Warn().Err(serr).Msg("persisting lock flag")
		}
	}
	return nil, errs.ErrSessionExpired
}

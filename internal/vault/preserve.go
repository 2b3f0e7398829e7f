package vault

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/org/piiguard/internal/crypto"
	"github.com/org/piiguard/internal/storage"
	"github.com/zalando/go-keyring"
)

// The wrap secret lives in the OS keyring. The session key itself is stored
// only in wrapped form under storage.KeyPreservedSession.
const (
	keyringService = "piiguard"
	keyringUser    = "session-wrap"
	wrapContext    = "piiguard-session-v1"
)

var (
	keyringSet    = keyring.Set
	keyringGet    = keyring.Get
	keyringDelete = keyring.Delete
)

// PreservationEnabled reports whether the vault keeps its session across restarts.
func (m *Manager) PreservationEnabled() bool {
	return m.preserve
}

// RestoreSession reopens a preserved session without the password. It
// returns false when preservation is off or nothing usable was preserved.
func (m *Manager) RestoreSession(ctx context.Context) (bool, error) {
	if !m.preserve {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	wrapped, err := m.store.Get(ctx, storage.KeyPreservedSession)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	kek, err := m.wrapKey(false)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			m.log.Warn().Msg("preserved session has no keyring secret, discarding")
			return false, m.forgetSession(ctx)
		}
		return false, err
	}
	defer crypto.Zero(kek)

	key, err := crypto.UnwrapKey(wrapped, kek)
	if err != nil {
		m.log.Warn().Err(err).Msg("preserved session unreadable, discarding")
		return false, m.forgetSession(ctx)
	}
	m.session.Open(key)
	if err := m.setLocked(ctx, false); err != nil {
		m.session.Close()
		return false, err
	}
	m.log.Info().Msg("session restored")
	m.restoreIndex(ctx)
	return true, nil
}

// ForgetSession drops the preserved session and its keyring secret.
func (m *Manager) ForgetSession(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.forgetSession(ctx)
}

func (m *Manager) preserveSession(ctx context.Context) error {
	key, err := m.session.Key()
	if err != nil {
		return err
	}
	defer crypto.Zero(key)

	kek, err := m.wrapKey(true)
	if err != nil {
		return err
	}
	defer crypto.Zero(kek)

	wrapped, err := crypto.WrapKey(key, kek)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, storage.KeyPreservedSession, wrapped)
}

func (m *Manager) forgetSession(ctx context.Context) error {
	err := m.store.Remove(ctx, storage.KeyPreservedSession)
	if kerr := keyringDelete(keyringService, keyringUser); kerr != nil && !errors.Is(kerr, keyring.ErrNotFound) {
		err = errors.Join(err, fmt.Errorf("deleting keyring secret: %w", kerr))
	}
	return err
}

// wrapKey derives the key-encryption key from the keyring secret, creating
// the secret when create is set and none exists.
func (m *Manager) wrapKey(create bool) ([]byte, error) {
	encoded, err := keyringGet(keyringService, keyringUser)
	if errors.Is(err, keyring.ErrNotFound) && create {
		secret, gerr := crypto.GenerateKey()
		if gerr != nil {
			return nil, gerr
		}
		encoded = hex.EncodeToString(secret)
		crypto.Zero(secret)
		if serr := keyringSet(keyringService, keyringUser, encoded); serr != nil {
			return nil, fmt.Errorf("storing keyring secret: %w", serr)
		}
	} else if err != nil {
		return nil, err
	}

	secret, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding keyring secret: %w", err)
	}
	defer crypto.Zero(secret)
	return crypto.DeriveWrapKey(secret, wrapContext)
}

// Package profile manages plaintext profile values and the hash-only
// detection index derived from them.
package profile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/org/piiguard/internal/crypto"
	"github.com/org/piiguard/internal/errs"
	"github.com/org/piiguard/internal/events"
	"github.com/org/piiguard/internal/mask"
	"github.com/org/piiguard/internal/metrics"
	"github.com/org/piiguard/internal/storage"
	"github.com/org/piiguard/pkg/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// HashReferences reports whether something outside the profile list still
// needs a detection hash.
type HashReferences interface {
	References(ctx context.Context, hash string) (bool, error)
}

// Manager owns the profile and detection_hashes keys.
type Manager struct {
	store storage.Store
	bus   events.Publisher
	refs  HashReferences
	log   zerolog.Logger
	now   func() time.Time
}

// NewManager creates a Manager.
func NewManager(store storage.Store, bus events.Publisher) *Manager {
	return &Manager{
		store: store,
		bus:   bus,
		log:   log.With().Str("component", "profile").Logger(),
		now:   time.Now,
	}
}

// SetHashReferences installs the checker consulted before dropping a hash on Remove.
func (m *Manager) SetHashReferences(r HashReferences) {
	m.refs = r
}

// List returns all profile records in insertion order.
func (m *Manager) List(ctx context.Context) ([]models.ProfileRecord, error) {
	return storage.LoadList[models.ProfileRecord](ctx, m.store, storage.KeyProfile)
}

// Hashes returns the detection index.
func (m *Manager) Hashes(ctx context.Context) ([]models.DetectionHashRecord, error) {
	return storage.LoadList[models.DetectionHashRecord](ctx, m.store, storage.KeyDetectionHashes)
}

// Add registers value under typ and indexes its hash.
func (m *Manager) Add(ctx context.Context, value, typ string) (*models.ProfileRecord, error) {
	value = strings.TrimSpace(value)
	typ = strings.TrimSpace(typ)
	if err := Validate(value, typ); err != nil {
		return nil, err
	}

	rec := models.ProfileRecord{
		V:            models.SchemaVersion,
		Type:         typ,
		Value:        value,
		ShortDisplay: mask.ShortDisplay(value, typ),
		AddedAtMs:    m.now().UnixMilli(),
	}
	err := storage.UpdateList(ctx, m.store, storage.KeyProfile, func(list []models.ProfileRecord) ([]models.ProfileRecord, error) {
		for _, p := range list {
			if p.Type == typ && p.Value == value {
				return nil, fmt.Errorf("%w: %w: %s already registered", errs.ErrDuplicate, errs.ErrValidation, typ)
			}
		}
		return append(list, rec), nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := m.UpsertHash(ctx, hashRecord(rec)); err != nil {
		// A record without its hash would be invisible to detection.
		rerr := storage.UpdateList(ctx, m.store, storage.KeyProfile, func(list []models.ProfileRecord) ([]models.ProfileRecord, error) {
			out := list[:0]
			for _, p := range list {
				if p.Type != typ || p.Value != value {
					out = append(out, p)
				}
			}
			return out, nil
		})
		if rerr != nil {
			m.log.Error().Err(rerr).Str("type", typ).Msg("rolling back profile record, hash is restored on the next unlock or compaction")
		}
		return nil, fmt.Errorf("%w: indexing profile value: %w", errs.ErrStorage, err)
	}
	m.log.Info().Str("type", typ).Str("display", rec.ShortDisplay).Msg("profile value added")
	m.bus.Publish(ctx, events.IndexChanged())
	return &rec, nil
}

// Remove deletes the profile record at index. Its hash stays indexed while
// another profile record or a vault entry still references it.
func (m *Manager) Remove(ctx context.Context, index int) (*models.ProfileRecord, error) {
	var removed models.ProfileRecord
	var remaining []models.ProfileRecord
	err := storage.UpdateList(ctx, m.store, storage.KeyProfile, func(list []models.ProfileRecord) ([]models.ProfileRecord, error) {
		if index < 0 || index >= len(list) {
			return nil, fmt.Errorf("%w: profile index %d out of range", errs.ErrValidation, index)
		}
		removed = list[index]
		remaining = append(list[:index:index], list[index+1:]...)
		return remaining, nil
	})
	if err != nil {
		return nil, err
	}

	hash := crypto.DigestHex(removed.Value)
	referenced := false
	for _, p := range remaining {
		if crypto.DigestHex(p.Value) == hash {
			referenced = true
			break
		}
	}
	if !referenced && m.refs != nil {
		referenced, err = m.refs.References(ctx, hash)
		if err != nil {
			m.log.Warn().Err(err).Msg("hash reference check failed, keeping hash")
			referenced = true
		}
	}
	if !referenced {
		if _, err := m.RemoveHash(ctx, hash); err != nil {
			return nil, err
		}
	}

	m.log.Info().Str("type", removed.Type).Str("display", removed.ShortDisplay).Bool("hash_kept", referenced).Msg("profile value removed")
	m.bus.Publish(ctx, events.IndexChanged())
	return &removed, nil
}

// UpsertHash inserts rec unless its hash is already indexed. It reports
// whether the index changed.
func (m *Manager) UpsertHash(ctx context.Context, rec models.DetectionHashRecord) (bool, error) {
	if rec.V == 0 {
		rec.V = models.SchemaVersion
	}
	changed := false
	size := 0
	err := storage.UpdateList(ctx, m.store, storage.KeyDetectionHashes, func(list []models.DetectionHashRecord) ([]models.DetectionHashRecord, error) {
		size = len(list)
		for _, h := range list {
			if h.Hash == rec.Hash {
				return list, nil
			}
		}
		changed = true
		size++
		return append(list, rec), nil
	})
	if err != nil {
		return false, err
	}
	metrics.IndexSize.Set(float64(size))
	return changed, nil
}

// RemoveHash drops hash from the index. It reports whether it was present.
func (m *Manager) RemoveHash(ctx context.Context, hash string) (bool, error) {
	return m.filterHashes(ctx, func(h models.DetectionHashRecord) bool { return h.Hash != hash })
}

// SyncHashes makes the index cover every record in want. With prune set,
// hashes missing from want are dropped too. It returns how many hashes were
// added and removed.
func (m *Manager) SyncHashes(ctx context.Context, want map[string]models.DetectionHashRecord, prune bool) (added, removed int, err error) {
	size := 0
	err = storage.UpdateList(ctx, m.store, storage.KeyDetectionHashes, func(list []models.DetectionHashRecord) ([]models.DetectionHashRecord, error) {
		added, removed = 0, 0
		seen := make(map[string]bool, len(list))
		out := list[:0]
		for _, h := range list {
			if _, ok := want[h.Hash]; prune && !ok {
				removed++
				continue
			}
			seen[h.Hash] = true
			out = append(out, h)
		}
		for hash, rec := range want {
			if seen[hash] {
				continue
			}
			if rec.V == 0 {
				rec.V = models.SchemaVersion
			}
			rec.Hash = hash
			out = append(out, rec)
			added++
		}
		size = len(out)
		return out, nil
	})
	if err != nil {
		return 0, 0, err
	}
	metrics.IndexSize.Set(float64(size))
	return added, removed, nil
}

// ProfileHashes returns the detection record each profile value needs, keyed by hash.
func (m *Manager) ProfileHashes(ctx context.Context) (map[string]models.DetectionHashRecord, error) {
	list, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]models.DetectionHashRecord, len(list))
	for _, p := range list {
		rec := hashRecord(p)
		if _, ok := set[rec.Hash]; !ok {
			set[rec.Hash] = rec
		}
	}
	return set, nil
}

func hashRecord(p models.ProfileRecord) models.DetectionHashRecord {
	return models.DetectionHashRecord{
		V:            models.SchemaVersion,
		Hash:         crypto.DigestHex(p.Value),
		Type:         p.Type,
		ShortDisplay: p.ShortDisplay,
	}
}

func (m *Manager) filterHashes(ctx context.Context, keep func(models.DetectionHashRecord) bool) (bool, error) {
	changed := false
	size := 0
	err := storage.UpdateList(ctx, m.store, storage.KeyDetectionHashes, func(list []models.DetectionHashRecord) ([]models.DetectionHashRecord, error) {
		out := list[:0]
		for _, h := range list {
			if keep(h) {
				out = append(out, h)
			} else {
				changed = true
			}
		}
		size = len(out)
		return out, nil
	})
	if err != nil {
		return false, err
	}
	metrics.IndexSize.Set(float64(size))
	return changed, nil
}

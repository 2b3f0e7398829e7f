package vault

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/org/piiguard/internal/crypto"
	"github.com/org/piiguard/internal/errs"
	"github.com/org/piiguard/internal/events"
	"github.com/org/piiguard/internal/mask"
	"github.com/org/piiguard/internal/storage"
	"github.com/org/piiguard/pkg/models"
)

// ListResult is the decrypted view of the entries list. Entries that fail to
// decrypt are omitted and counted in Skipped.
type ListResult struct {
	Entries []models.DecryptedEntry `json:"entries"`
	Skipped int                     `json:"skipped"`
}

// SaveEntry encrypts rawValue into a new entry and indexes its hash.
func (m *Manager) SaveEntry(ctx context.Context, rawValue, typ, site string) (*models.EntryMeta, error) {
	key, err := m.sessionKey(ctx)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(key)

	if strings.TrimSpace(rawValue) == "" {
		return nil, fmt.Errorf("%w: value is empty", errs.ErrValidation)
	}
	typ = strings.TrimSpace(typ)
	if typ == "" {
		return nil, fmt.Errorf("%w: type is empty", errs.ErrValidation)
	}

	hash := crypto.DigestHex(rawValue)
	meta := models.EntryMeta{
		Type:         typ,
		ShortDisplay: mask.ShortDisplay(rawValue, typ),
		Site:         site,
		TimestampMs:  m.now().UnixMilli(),
	}
	sealed, err := crypto.Encrypt(models.EntryPayload{
		V:             models.SchemaVersion,
		Hash:          hash,
		Type:          meta.Type,
		ShortDisplay:  meta.ShortDisplay,
		TimestampMs:   meta.TimestampMs,
		Site:          site,
		OriginalValue: rawValue,
	}, key)
	if err != nil {
		return nil, err
	}

	entry := models.Entry{V: models.SchemaVersion, Payload: *sealed, Meta: meta}
	err = storage.UpdateList(ctx, m.store, storage.KeyEntries, func(list []models.Entry) ([]models.Entry, error) {
		return append(list, entry), nil
	})
	if err != nil {
		return nil, fmt.Errorf("storing entry: %w", err)
	}

	// The hash must be indexed after every save or the restricted context
	// cannot detect the value.
	changed, err := m.index.UpsertHash(ctx, models.DetectionHashRecord{
		V:            models.SchemaVersion,
		Hash:         hash,
		Type:         typ,
		ShortDisplay: meta.ShortDisplay,
	})
	if err != nil {
		m.rollbackEntry(ctx, sealed.IV)
		return nil, fmt.Errorf("%w: indexing entry: %w", errs.ErrStorage, err)
	}
	if changed {
		m.bus.Publish(ctx, events.IndexChanged())
	}
	m.log.Info().Str("type", typ).Str("display", meta.ShortDisplay).Str("site", site).Msg("entry saved")
	return &meta, nil
}

// ListEntries decrypts every entry. Unreadable entries are skipped.
func (m *Manager) ListEntries(ctx context.Context) (*ListResult, error) {
	key, err := m.sessionKey(ctx)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(key)

	entries, err := storage.LoadList[models.Entry](ctx, m.store, storage.KeyEntries)
	if err != nil {
		return nil, err
	}
	res := &ListResult{Entries: make([]models.DecryptedEntry, 0, len(entries))}
	for i := range entries {
		var p models.EntryPayload
		if err := crypto.Decrypt(&entries[i].Payload, key, &p); err != nil {
			m.log.Warn().Err(err).Int("index", i).Msg("skipping unreadable entry")
			res.Skipped++
			continue
		}
		res.Entries = append(res.Entries, models.DecryptedEntry{Index: i, Payload: p})
	}
	return res, nil
}

// RecentEntries returns entry metadata newest first. It needs no session.
func (m *Manager) RecentEntries(ctx context.Context, limit int) ([]models.EntryMeta, error) {
	entries, err := storage.LoadList[models.Entry](ctx, m.store, storage.KeyEntries)
	if err != nil {
		return nil, err
	}
	metas := make([]models.EntryMeta, len(entries))
	for i, e := range entries {
		metas[i] = e.Meta
	}
	sort.SliceStable(metas, func(i, j int) bool {
		return metas[i].TimestampMs > metas[j].TimestampMs
	})
	if limit > 0 && len(metas) > limit {
		metas = metas[:limit]
	}
	return metas, nil
}

// RemoveEntry deletes the entry at index. Its hash leaves the index only when
// no profile record and no remaining entry references it.
func (m *Manager) RemoveEntry(ctx context.Context, index int) (*models.EntryMeta, error) {
	key, err := m.sessionKey(ctx)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(key)

	var removed models.Entry
	var remaining []models.Entry
	err = storage.UpdateList(ctx, m.store, storage.KeyEntries, func(list []models.Entry) ([]models.Entry, error) {
		if index < 0 || index >= len(list) {
			return nil, fmt.Errorf("%w: entry index %d out of range", errs.ErrValidation, index)
		}
		removed = list[index]
		remaining = append(list[:index:index], list[index+1:]...)
		return remaining, nil
	})
	if err != nil {
		return nil, err
	}
	logger := m.log.With().Int("index", index).Str("type", removed.Meta.Type).Logger()

	var p models.EntryPayload
	if err := crypto.Decrypt(&removed.Payload, key, &p); err != nil {
		logger.Warn().Err(err).Msg("removed entry unreadable, index left untouched")
		return &removed.Meta, nil
	}

	referenced, err := m.hashReferenced(ctx, key, p.Hash, remaining)
	if err != nil {
		logger.Warn().Err(err).Msg("hash reference check failed, index left untouched")
		return &removed.Meta, nil
	}
	if !referenced {
		changed, err := m.index.RemoveHash(ctx, p.Hash)
		if err != nil {
			return nil, err
		}
		if changed {
			m.bus.Publish(ctx, events.IndexChanged())
		}
	}
	logger.Info().Bool("hash_kept", referenced).Msg("entry removed")
	return &removed.Meta, nil
}

// IndexRepair counts the hashes CompactIndex added and removed.
type IndexRepair struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
}

// CompactIndex brings the detection index in line with the profile records
// and the entries: missing hashes are added and unreferenced ones removed.
// It refuses to run if any entry cannot be decrypted.
func (m *Manager) CompactIndex(ctx context.Context) (*IndexRepair, error) {
	key, err := m.sessionKey(ctx)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(key)

	want, unreadable, err := m.wantedHashes(ctx, key)
	if err != nil {
		return nil, err
	}
	if unreadable >= 0 {
		return nil, fmt.Errorf("compaction aborted, entry %d unreadable: %w", unreadable, errs.ErrAuthentication)
	}
	added, removed, err := m.index.SyncHashes(ctx, want, true)
	if err != nil {
		return nil, err
	}
	if added+removed > 0 {
		m.bus.Publish(ctx, events.IndexChanged())
	}
	m.log.Info().Int("added", added).Int("removed", removed).Int("kept", len(want)).Msg("detection index compacted")
	return &IndexRepair{Added: added, Removed: removed}, nil
}

// restoreIndex adds hashes for readable entries and profile records that the
// index lacks. It never removes anything, so unreadable entries are skipped.
func (m *Manager) restoreIndex(ctx context.Context) {
	key, err := m.session.Key()
	if err != nil {
		return
	}
	defer crypto.Zero(key)

	want, _, err := m.wantedHashes(ctx, key)
	if err != nil {
		m.log.Warn().Err(err).Msg("loading records for index repair")
		return
	}
	added, _, err := m.index.SyncHashes(ctx, want, false)
	if err != nil {
		m.log.Warn().Err(err).Msg("repairing detection index")
		return
	}
	if added > 0 {
		m.log.Warn().Int("added", added).Msg("restored missing detection hashes")
		m.bus.Publish(ctx, events.IndexChanged())
	}
}

// wantedHashes collects the detection record every profile value and readable
// entry needs. unreadable is the index of the first entry that failed to
// decrypt, or -1.
func (m *Manager) wantedHashes(ctx context.Context, key []byte) (map[string]models.DetectionHashRecord, int, error) {
	entries, err := storage.LoadList[models.Entry](ctx, m.store, storage.KeyEntries)
	if err != nil {
		return nil, -1, err
	}
	want, err := m.index.ProfileHashes(ctx)
	if err != nil {
		return nil, -1, err
	}
	unreadable := -1
	for i := range entries {
		var p models.EntryPayload
		if err := crypto.Decrypt(&entries[i].Payload, key, &p); err != nil {
			if unreadable < 0 {
				unreadable = i
			}
			continue
		}
		if _, ok := want[p.Hash]; !ok {
			want[p.Hash] = models.DetectionHashRecord{
				V:            models.SchemaVersion,
				Hash:         p.Hash,
				Type:         p.Type,
				ShortDisplay: p.ShortDisplay,
			}
		}
	}
	return want, unreadable, nil
}

// rollbackEntry drops the entry sealed with iv. On failure the entry stays and
// its hash is restored on the next unlock or compaction.
func (m *Manager) rollbackEntry(ctx context.Context, iv []byte) {
	err := storage.UpdateList(ctx, m.store, storage.KeyEntries, func(list []models.Entry) ([]models.Entry, error) {
		out := list[:0]
		for _, e := range list {
			if !bytes.Equal(e.Payload.IV, iv) {
				out = append(out, e)
			}
		}
		return out, nil
	})
	if err != nil {
		m.log.Error().Err(err).Msg("rolling back unindexed entry")
	}
}

// References reports whether any entry references hash. While locked the
// answer is true unless there are no entries, since hashes are sealed.
func (m *Manager) References(ctx context.Context, hash string) (bool, error) {
	entries, err := storage.LoadList[models.Entry](ctx, m.store, storage.KeyEntries)
	if err != nil {
		return false, err
	}
	if len(entries) == 0 {
		return false, nil
	}
	key, err := m.session.Key()
	if err != nil {
		return true, nil
	}
	defer crypto.Zero(key)
	return m.entriesReference(key, hash, entries), nil
}

func (m *Manager) hashReferenced(ctx context.Context, key []byte, hash string, entries []models.Entry) (bool, error) {
	profiles, err := m.index.ProfileHashes(ctx)
	if err != nil {
		return false, err
	}
	if _, ok := profiles[hash]; ok {
		return true, nil
	}
	return m.entriesReference(key, hash, entries), nil
}

// entriesReference treats an unreadable entry as a reference.
func (m *Manager) entriesReference(key []byte, hash string, entries []models.Entry) bool {
	for i := range entries {
		var p models.EntryPayload
		if err := crypto.Decrypt(&entries[i].Payload, key, &p); err != nil {
			return true
		}
		if p.Hash == hash {
			return true
		}
	}
	return false
}

package profile

import (
	"context"
	"errors"
	"testing"

	"github.com/org/piiguard/internal/crypto"
	"github.com/org/piiguard/internal/errs"
	"github.com/org/piiguard/internal/events"
	"github.com/org/piiguard/internal/storage"
	"github.com/org/piiguard/pkg/models"
	"github.com/spf13/afero"
)

type fakeRefs map[string]bool

func (f fakeRefs) References(_ context.Context, hash string) (bool, error) {
	return f[hash], nil
}

func newTestManager(t *testing.T) (*Manager, *events.Subscription) {
	t.Helper()
	store, err := storage.NewFileBackend(afero.NewMemMapFs(), "/data")
	if err != nil {
		t.Fatal(err)
	}
	bus := events.NewBus()
	sub := bus.Subscribe(64)
	t.Cleanup(sub.Close)
	return NewManager(store, bus), sub
}

func TestValidate(t *testing.T) {
	cases := []struct {
		value, typ string
		ok         bool
	}{
		{"a@b.co", models.TypeEmail, true},
		{"abc", models.TypeEmail, false},
		{"a b@c.de", models.TypeEmail, false},
		{"(555) 123-4567", models.TypePhone, true},
		{"+1 555.123.4567", models.TypePhone, true},
		{"555-1234", models.TypePhone, false},
		{"----------", models.TypePhone, false},
		{"123-45-6789", models.TypeSSN, true},
		{"123456789", models.TypeSSN, true},
		{"12-345-6789", models.TypeSSN, false},
		{"4111 1111 1111 1111", models.TypeCredit, true},
		{"4111-1111-1111-1111", models.TypeCard, true},
		{"4111111111111111", models.TypeCredit, true},
		{"4111 1111 1111", models.TypeCredit, false},
		{"Jo", models.TypeName, false},
		{"Joe", models.TypeName, true},
		{"  12 Main St  ", models.TypeAddress, true},
		{"   ", models.TypeAddress, false},
	}
	for _, tc := range cases {
		err := Validate(tc.value, tc.typ)
		if tc.ok && err != nil {
			t.Errorf("Validate(%q, %s): unexpected error %v", tc.value, tc.typ, err)
		}
		if !tc.ok && !errors.Is(err, errs.ErrValidation) {
			t.Errorf("Validate(%q, %s): expected ErrValidation, got %v", tc.value, tc.typ, err)
		}
	}
}

func TestAddRejectsInvalid(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Add(ctx, "abc", models.TypeEmail)
	if !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	list, _ := m.List(ctx)
	hashes, _ := m.Hashes(ctx)
	if len(list) != 0 || len(hashes) != 0 {
		t.Errorf("nothing should be stored, got %d profiles %d hashes", len(list), len(hashes))
	}
}

func TestAddAndDuplicate(t *testing.T) {
	m, sub := newTestManager(t)
	ctx := context.Background()

	rec, err := m.Add(ctx, " a@b.co ", models.TypeEmail)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if rec.Value != "a@b.co" {
		t.Errorf("value should be trimmed, got %q", rec.Value)
	}
	if rec.ShortDisplay != "a•••@b.co" {
		t.Errorf("unexpected short display %q", rec.ShortDisplay)
	}

	hashes, _ := m.Hashes(ctx)
	if len(hashes) != 1 || hashes[0].Hash != crypto.DigestHex("a@b.co") {
		t.Fatalf("expected one hash for the value, got %+v", hashes)
	}
	select {
	case ev := <-sub.C:
		if ev.Kind != models.EventDetectionIndexChanged {
			t.Errorf("unexpected event %v", ev.Kind)
		}
	default:
		t.Error("expected an index change broadcast")
	}

	_, err = m.Add(ctx, "a@b.co", models.TypeEmail)
	if !errors.Is(err, errs.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if !errors.Is(err, errs.ErrValidation) {
		t.Error("duplicate should also be a validation error")
	}
	list, _ := m.List(ctx)
	if len(list) != 1 {
		t.Errorf("expected 1 profile, got %d", len(list))
	}

	// Same value under a different type is not a duplicate.
	if _, err := m.Add(ctx, "a@b.co", models.TypeName); err != nil {
		t.Fatalf("Add other type: %v", err)
	}
	hashes, _ = m.Hashes(ctx)
	if len(hashes) != 1 {
		t.Errorf("shared value should index one hash, got %d", len(hashes))
	}
}

func TestUpsertHashIdempotent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	rec := models.DetectionHashRecord{Hash: crypto.DigestHex("x"), Type: models.TypeName, ShortDisplay: "x..."}

	changed, err := m.UpsertHash(ctx, rec)
	if err != nil || !changed {
		t.Fatalf("first upsert: changed=%v err=%v", changed, err)
	}
	changed, err = m.UpsertHash(ctx, rec)
	if err != nil || changed {
		t.Fatalf("second upsert: changed=%v err=%v", changed, err)
	}
	hashes, _ := m.Hashes(ctx)
	if len(hashes) != 1 || hashes[0].V != models.SchemaVersion {
		t.Errorf("unexpected index %+v", hashes)
	}

	removed, _ := m.RemoveHash(ctx, rec.Hash)
	if !removed {
		t.Error("RemoveHash should report removal")
	}
	removed, _ = m.RemoveHash(ctx, rec.Hash)
	if removed {
		t.Error("second RemoveHash should be a no-op")
	}
}

func TestRemove(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	m.Add(ctx, "555-123-4567", models.TypePhone)
	m.Add(ctx, "a@b.co", models.TypeEmail)

	if _, err := m.Remove(ctx, 5); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected ErrValidation for out of range, got %v", err)
	}
	if _, err := m.Remove(ctx, -1); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected ErrValidation for negative index, got %v", err)
	}

	removed, err := m.Remove(ctx, 0)
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if removed.Type != models.TypePhone {
		t.Errorf("removed wrong record %+v", removed)
	}
	list, _ := m.List(ctx)
	if len(list) != 1 || list[0].Type != models.TypeEmail {
		t.Errorf("unexpected remaining profiles %+v", list)
	}
	hashes, _ := m.Hashes(ctx)
	if len(hashes) != 1 || hashes[0].Hash != crypto.DigestHex("a@b.co") {
		t.Errorf("phone hash should be gone, got %+v", hashes)
	}
}

func TestRemoveKeepsReferencedHash(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	m.SetHashReferences(fakeRefs{crypto.DigestHex("Jane Doe"): true})

	m.Add(ctx, "Jane Doe", models.TypeName)
	if _, err := m.Remove(ctx, 0); err != nil {
		t.Fatal(err)
	}
	hashes, _ := m.Hashes(ctx)
	if len(hashes) != 1 {
		t.Errorf("hash referenced by a vault entry must be kept, got %+v", hashes)
	}
}

func TestRemoveKeepsHashSharedByAnotherProfile(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	m.Add(ctx, "Jane Doe", models.TypeName)
	m.Add(ctx, "Jane Doe", models.TypeAddress)
	if _, err := m.Remove(ctx, 0); err != nil {
		t.Fatal(err)
	}
	hashes, _ := m.Hashes(ctx)
	if len(hashes) != 1 {
		t.Errorf("hash shared by another profile must be kept, got %+v", hashes)
	}
}

func TestSyncHashes(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	for _, v := range []string{"one", "two", "three"} {
		m.UpsertHash(ctx, models.DetectionHashRecord{Hash: crypto.DigestHex(v), Type: models.TypeName})
	}
	want := map[string]models.DetectionHashRecord{
		crypto.DigestHex("two"):  {Type: models.TypeName},
		crypto.DigestHex("four"): {Type: models.TypeName, ShortDisplay: "f***"},
	}

	added, removed, err := m.SyncHashes(ctx, want, false)
	if err != nil {
		t.Fatal(err)
	}
	if added != 1 || removed != 0 {
		t.Errorf("without prune: expected 1 added 0 removed, got %d/%d", added, removed)
	}
	if hashes, _ := m.Hashes(ctx); len(hashes) != 4 {
		t.Errorf("expected 4 hashes, got %+v", hashes)
	}

	added, removed, err = m.SyncHashes(ctx, want, true)
	if err != nil {
		t.Fatal(err)
	}
	if added != 0 || removed != 2 {
		t.Errorf("with prune: expected 0 added 2 removed, got %d/%d", added, removed)
	}
	hashes, _ := m.Hashes(ctx)
	if len(hashes) != 2 {
		t.Fatalf("unexpected index %+v", hashes)
	}
	for _, h := range hashes {
		if _, ok := want[h.Hash]; !ok || h.V != models.SchemaVersion {
			t.Errorf("unexpected record %+v", h)
		}
	}
}

// failingStore fails every Update of one key while fail is set.
type failingStore struct {
	storage.Store
	key  string
	fail bool
}

func (s *failingStore) Update(ctx context.Context, key string, fn storage.UpdateFunc) error {
	if s.fail && key == s.key {
		return errors.New("disk full")
	}
	return s.Store.Update(ctx, key, fn)
}

func TestAddRollsBackWhenIndexWriteFails(t *testing.T) {
	base, err := storage.NewFileBackend(afero.NewMemMapFs(), "/data")
	if err != nil {
		t.Fatal(err)
	}
	store := &failingStore{Store: base, key: storage.KeyDetectionHashes, fail: true}
	m := NewManager(store, events.NewBus())
	ctx := context.Background()

	if _, err := m.Add(ctx, "a@b.co", models.TypeEmail); !errors.Is(err, errs.ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	if list, _ := m.List(ctx); len(list) != 0 {
		t.Errorf("profile record must be rolled back, got %+v", list)
	}

	store.fail = false
	if _, err := m.Add(ctx, "a@b.co", models.TypeEmail); err != nil {
		t.Fatalf("retry after rollback: %v", err)
	}
	if hashes, _ := m.Hashes(ctx); len(hashes) != 1 {
		t.Errorf("expected the hash indexed on retry, got %+v", hashes)
	}
}

func TestProfileHashes(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	m.Add(ctx, "a@b.co", models.TypeEmail)
	m.Add(ctx, "Jane Doe", models.TypeName)

	set, err := m.ProfileHashes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	rec, ok := set[crypto.DigestHex("a@b.co")]
	if len(set) != 2 || !ok || rec.Type != models.TypeEmail || rec.ShortDisplay == "" {
		t.Errorf("unexpected profile hashes %+v", set)
	}
}

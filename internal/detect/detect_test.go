package detect

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/org/piiguard/internal/crypto"
	"github.com/org/piiguard/internal/errs"
	"github.com/org/piiguard/internal/events"
	"github.com/org/piiguard/internal/mask"
	"github.com/org/piiguard/pkg/models"
)

type fakeLock struct{ locked atomic.Bool }

func (f *fakeLock) IsLocked() bool { return f.locked.Load() }

type memSource struct {
	mu       sync.Mutex
	profiles []models.ProfileRecord
	hashes   []models.DetectionHashRecord
}

func (m *memSource) List(context.Context) ([]models.ProfileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ProfileRecord(nil), m.profiles...), nil
}

func (m *memSource) Hashes(context.Context) ([]models.DetectionHashRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.DetectionHashRecord(nil), m.hashes...), nil
}

// add registers value as a profile record and, if indexed, in the hash index.
func (m *memSource) add(typ, value string, indexed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	display := mask.ShortDisplay(value, typ)
	m.profiles = append(m.profiles, models.ProfileRecord{V: 1, Type: typ, Value: value, ShortDisplay: display})
	if indexed {
		m.hashes = append(m.hashes, models.DetectionHashRecord{V: 1, Hash: crypto.DigestHex(value), Type: typ, ShortDisplay: display})
	}
}

type memSink struct {
	mu   sync.Mutex
	recs []models.UsageLogRecord
}

func (m *memSink) Append(_ context.Context, rec models.UsageLogRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memSink) records() []models.UsageLogRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.UsageLogRecord(nil), m.recs...)
}

type recNotifier struct {
	mu sync.Mutex
	ns []Notification
}

func (r *recNotifier) Notify(_ context.Context, n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ns = append(r.ns, n)
}

func (r *recNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ns)
}

type harness struct {
	src      *memSource
	lock     *fakeLock
	sink     *memSink
	notifier *recNotifier
	engine   *Engine
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{src: &memSource{}, lock: &fakeLock{}, sink: &memSink{}, notifier: &recNotifier{}}
	h.engine = NewEngine(h.src, h.lock, h.sink, h.notifier, opts)
	t.Cleanup(h.engine.Close)
	return h
}

func (h *harness) refresh(t *testing.T) {
	t.Helper()
	if err := h.engine.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestVariants(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"abc", []string{"abc"}},
		{"ABC-123", []string{"ABC-123", "123", "abc-123"}},
		{"5551234567", []string{"5551234567"}},
		{"Jane", []string{"Jane", "jane"}},
	}
	for _, tc := range cases {
		if got := variants(tc.in); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("variants(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestFieldContext(t *testing.T) {
	cases := []struct {
		f    Field
		want string
	}{
		{Field{Label: "Email", Placeholder: "you@example.com", Name: "email", ID: "e1"}, "Email"},
		{Field{Placeholder: "Phone number", Name: "tel"}, "Phone number"},
		{Field{Name: "ssn", ID: "s"}, "ssn"},
		{Field{ID: "card-number"}, "card-number"},
		{Field{Label: "  "}, UnknownField},
		{Field{}, UnknownField},
	}
	for _, tc := range cases {
		if got := tc.f.Context(); got != tc.want {
			t.Errorf("Context(%+v) = %q, want %q", tc.f, got, tc.want)
		}
	}
}

func TestDetectionAcrossFormatting(t *testing.T) {
	for _, locked := range []bool{false, true} {
		name := "unlocked"
		if locked {
			name = "locked"
		}
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, Options{Debounce: 20 * time.Millisecond})
			h.src.add(models.TypePhone, "5551234567", true)
			h.lock.locked.Store(locked)
			h.refresh(t)

			ctx := context.Background()
			typed := ""
			for _, r := range "555-123-4567" {
				typed += string(r)
				ev := FieldEvent{Kind: EventValueChanged, Site: "shop.example", Field: Field{ID: "tel", Value: typed}}
				if _, err := h.engine.Observe(ctx, ev); err != nil {
					t.Fatal(err)
				}
			}

			eventually(t, func() bool { return len(h.sink.records()) >= 1 })
			time.Sleep(60 * time.Millisecond)
			recs := h.sink.records()
			if len(recs) != 1 {
				t.Fatalf("expected exactly one usage record, got %d", len(recs))
			}
			if recs[0].Type != models.TypePhone || recs[0].Site != "shop.example" || recs[0].FieldContext != "tel" {
				t.Errorf("unexpected record %+v", recs[0])
			}
			wantBy := models.MatchedByPlaintext
			if locked {
				wantBy = models.MatchedByHash
			}
			if recs[0].MatchedBy != wantBy {
				t.Errorf("expected match by %s, got %s", wantBy, recs[0].MatchedBy)
			}
		})
	}
}

func TestLockClearsPlaintextCache(t *testing.T) {
	h := newHarness(t, Options{})
	h.src.add(models.TypeName, "Jane Doe", false)
	h.src.add(models.TypeEmail, "jane@example.com", true)
	h.refresh(t)

	if m, ok := h.engine.Match("Jane Doe"); !ok || m.MatchedBy != models.MatchedByPlaintext {
		t.Fatalf("expected plaintext match while unlocked, got %+v", m)
	}

	h.lock.locked.Store(true)
	h.engine.HandleEvent(context.Background(), events.LockChanged(true))

	if _, ok := h.engine.Match("Jane Doe"); ok {
		t.Error("plaintext-only value must not match after lock")
	}
	m, ok := h.engine.Match("Jane@Example.com")
	if !ok || m.MatchedBy != models.MatchedByHash || m.Value != crypto.DigestHex("jane@example.com") {
		t.Errorf("indexed value should still match by hash, got %+v", m)
	}

	h.lock.locked.Store(false)
	h.engine.HandleEvent(context.Background(), events.LockChanged(false))
	if _, ok := h.engine.Match("Jane Doe"); !ok {
		t.Error("plaintext match should return after unlock")
	}
}

func TestRefreshWhileLockedSkipsProfiles(t *testing.T) {
	h := newHarness(t, Options{})
	h.src.add(models.TypeName, "Jane Doe", false)
	h.lock.locked.Store(true)
	h.refresh(t)

	h.engine.mu.Lock()
	known := len(h.engine.known)
	h.engine.mu.Unlock()
	if known != 0 {
		t.Errorf("profiles must not be cached while locked, got %d", known)
	}
}

func TestPlaintextNumericRules(t *testing.T) {
	h := newHarness(t, Options{})
	h.src.add(models.TypeSSN, "123-45-6789", false)
	h.src.add(models.TypeCredit, "4111 1111 1111 1111", false)
	h.src.add(models.TypeName, "Jane Doe", false)
	h.refresh(t)

	cases := []struct {
		in   string
		want string
	}{
		{"123456789", models.TypeSSN},
		{"123 45 6789", models.TypeSSN},
		{"4111-1111-1111-1111", models.TypeCredit},
		{"4111111111111111", models.TypeCredit},
		{"12345678", ""},
		{"jane doe", ""},
	}
	for _, tc := range cases {
		m, ok := h.engine.Match(tc.in)
		if tc.want == "" {
			if ok {
				t.Errorf("Match(%q) should not match, got %+v", tc.in, m)
			}
			continue
		}
		if !ok || m.Type != tc.want {
			t.Errorf("Match(%q) = %+v, want type %s", tc.in, m, tc.want)
		}
	}
}

func TestCheckMinLength(t *testing.T) {
	h := newHarness(t, Options{})
	h.src.add(models.TypeName, "ab", true)
	h.refresh(t)

	res, err := h.engine.Check(context.Background(), Input{Value: "ab", Site: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Match != nil || len(h.sink.records()) != 0 {
		t.Error("values shorter than the minimum must be ignored")
	}
}

func TestCooldownSuppression(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	h := newHarness(t, Options{Now: func() time.Time { return now }})
	h.src.add(models.TypeEmail, "a@b.co", true)
	h.refresh(t)
	ctx := context.Background()

	check := func(site string) Result {
		t.Helper()
		res, err := h.engine.Check(ctx, Input{Value: "a@b.co", Site: site})
		if err != nil {
			t.Fatal(err)
		}
		return res
	}

	if !check("a.example").Notified {
		t.Error("first match should notify")
	}
	now = now.Add(2 * time.Second)
	if check("a.example").Notified {
		t.Error("second match within cooldown should be suppressed")
	}
	if h.notifier.count() != 1 {
		t.Errorf("expected 1 notification, got %d", h.notifier.count())
	}
	if n := len(h.sink.records()); n != 2 {
		t.Errorf("both matches must be logged, got %d records", n)
	}

	if !check("b.example").Notified {
		t.Error("a different site has its own cooldown")
	}
	now = now.Add(5 * time.Second)
	if !check("a.example").Notified {
		t.Error("match after the cooldown should notify again")
	}
}

func TestPasteIsImmediate(t *testing.T) {
	h := newHarness(t, Options{Debounce: time.Hour})
	h.src.add(models.TypeEmail, "a@b.co", true)
	h.refresh(t)

	results, err := h.engine.Observe(context.Background(), FieldEvent{
		Kind:  EventPaste,
		Site:  "s.example",
		URL:   "https://s.example/signup",
		Field: Field{Placeholder: "Email address", Value: "a@b.co"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Match == nil {
		t.Fatalf("expected an immediate match, got %+v", results)
	}
	recs := h.sink.records()
	if len(recs) != 1 || recs[0].FieldContext != "Email address" || recs[0].URL != "https://s.example/signup" {
		t.Errorf("unexpected records %+v", recs)
	}
}

func TestSubmitChecksEveryField(t *testing.T) {
	h := newHarness(t, Options{Debounce: time.Hour})
	h.src.add(models.TypeEmail, "a@b.co", true)
	h.src.add(models.TypePhone, "5551234567", true)
	h.refresh(t)

	results, err := h.engine.Observe(context.Background(), FieldEvent{
		Kind: EventSubmit,
		Site: "s.example",
		Fields: []Field{
			{Name: "email", Value: "a@b.co"},
			{Name: "comment", Value: "hello there"},
			{Name: "phone", Value: "(555) 123-4567"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("expected a result per field, got %d", len(results))
	}
	if results[0].Match == nil || results[1].Match != nil || results[2].Match == nil {
		t.Errorf("unexpected results %+v", results)
	}
	if n := len(h.sink.records()); n != 2 {
		t.Errorf("expected 2 usage records, got %d", n)
	}
}

func TestObserveRejectsUnknownKind(t *testing.T) {
	h := newHarness(t, Options{})
	if _, err := h.engine.Observe(context.Background(), FieldEvent{Kind: "hover"}); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestCloseCancelsDebounce(t *testing.T) {
	h := newHarness(t, Options{Debounce: 20 * time.Millisecond})
	h.src.add(models.TypeEmail, "a@b.co", true)
	h.refresh(t)

	h.engine.Observe(context.Background(), FieldEvent{Kind: EventValueChanged, Field: Field{ID: "e", Value: "a@b.co"}})
	h.engine.Close()
	time.Sleep(60 * time.Millisecond)
	if n := len(h.sink.records()); n != 0 {
		t.Errorf("closed engine must not run pending checks, got %d records", n)
	}
}

func TestUnlabeledFieldsDoNotShareDebounce(t *testing.T) {
	h := newHarness(t, Options{Debounce: 20 * time.Millisecond})
	h.src.add(models.TypeEmail, "a@b.co", true)
	h.src.add(models.TypePhone, "5551234567", true)
	h.refresh(t)
	ctx := context.Background()

	first, second := 0, 1
	h.engine.Observe(ctx, FieldEvent{Kind: EventValueChanged, Site: "s", Field: Field{Index: &first, Value: "a@b.co"}})
	h.engine.Observe(ctx, FieldEvent{Kind: EventValueChanged, Site: "s", Field: Field{Index: &second, Value: "5551234567"}})
	eventually(t, func() bool { return len(h.sink.records()) == 2 })
}

func TestValueChangeWithoutFieldKeyIsImmediate(t *testing.T) {
	h := newHarness(t, Options{Debounce: time.Hour})
	h.src.add(models.TypeEmail, "a@b.co", true)
	h.src.add(models.TypePhone, "5551234567", true)
	h.refresh(t)
	ctx := context.Background()

	for _, v := range []string{"a@b.co", "5551234567"} {
		results, err := h.engine.Observe(ctx, FieldEvent{Kind: EventValueChanged, Site: "s", Field: Field{Value: v}})
		if err != nil {
			t.Fatal(err)
		}
		if len(results) != 1 || results[0].Match == nil {
			t.Fatalf("%s: expected an immediate match, got %+v", v, results)
		}
	}
	recs := h.sink.records()
	if len(recs) != 2 || recs[0].FieldContext != UnknownField {
		t.Errorf("expected both unlabeled fields recorded, got %+v", recs)
	}
}

func TestFieldKey(t *testing.T) {
	idx := 3
	cases := []struct {
		f   Field
		key string
		ok  bool
	}{
		{Field{ID: "email", Name: "mail", Index: &idx}, "id:email", true},
		{Field{Name: "mail", Index: &idx}, "name:mail", true},
		{Field{Index: &idx, Label: "Email"}, "idx:3", true},
		{Field{Label: "Email"}, "ctx:Email", true},
		{Field{Value: "x"}, "", false},
	}
	for _, tc := range cases {
		key, ok := tc.f.key()
		if key != tc.key || ok != tc.ok {
			t.Errorf("%+v: got (%q, %v) want (%q, %v)", tc.f, key, ok, tc.key, tc.ok)
		}
	}
}

func TestRegistry(t *testing.T) {
	bus := events.NewBus()
	src := &memSource{}
	lock := &fakeLock{}
	reg := NewRegistry(bus, func() *Engine {
		return NewEngine(src, lock, &memSink{}, &recNotifier{}, Options{})
	})
	defer reg.CloseAll()
	ctx := context.Background()

	e1, err := reg.Activate(ctx, "tab-1")
	if err != nil {
		t.Fatal(err)
	}
	e2, _ := reg.Activate(ctx, "tab-1")
	if e1 != e2 {
		t.Error("activating the same context must reuse its engine")
	}
	if reg.Len() != 1 || bus.Subscribers() != 1 {
		t.Errorf("expected one engine and one subscriber, got %d/%d", reg.Len(), bus.Subscribers())
	}

	if _, ok := e1.Match("a@b.co"); ok {
		t.Fatal("nothing is registered yet")
	}
	src.add(models.TypeEmail, "a@b.co", true)
	bus.Publish(ctx, events.IndexChanged())
	eventually(t, func() bool {
		_, ok := e1.Match("a@b.co")
		return ok
	})

	if !reg.Close("tab-1") {
		t.Error("Close should report an existing engine")
	}
	if reg.Close("tab-1") {
		t.Error("second Close should report nothing to close")
	}
	if bus.Subscribers() != 0 {
		t.Error("closing a context must unsubscribe it")
	}
	if _, ok := reg.Get("tab-1"); ok {
		t.Error("closed context should be gone")
	}
}

func TestRegistryActivateResyncs(t *testing.T) {
	bus := events.NewBus()
	src := &memSource{}
	reg := NewRegistry(bus, func() *Engine {
		return NewEngine(src, &fakeLock{}, &memSink{}, &recNotifier{}, Options{})
	})
	defer reg.CloseAll()
	ctx := context.Background()

	e, _ := reg.Activate(ctx, "tab")
	// Change without a broadcast: the next activation picks it up.
	src.add(models.TypeName, "Jane Doe", true)
	if _, ok := e.Match("Jane Doe"); ok {
		t.Fatal("engine should not see the change yet")
	}
	reg.Activate(ctx, "tab")
	if _, ok := e.Match("Jane Doe"); !ok {
		t.Error("activation should resync the caches")
	}
}

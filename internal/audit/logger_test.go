package audit

import (
	"context"
	"fmt"
	"testing"

	"github.com/org/piiguard/internal/storage"
	"github.com/org/piiguard/pkg/models"
	"github.com/spf13/afero"
)

func newTestLogger(t *testing.T, capacity int) *Logger {
	t.Helper()
	store, err := storage.NewFileBackend(afero.NewMemMapFs(), "/data")
	if err != nil {
		t.Fatal(err)
	}
	return NewLogger(store, capacity)
}

func TestAppendEvictsOldest(t *testing.T) {
	l := newTestLogger(t, 3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := l.Append(ctx, models.UsageLogRecord{Type: models.TypeName, Value: fmt.Sprint(i), TimestampMs: int64(i + 1)}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := l.Query(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	if got[0].Value != "4" || got[2].Value != "2" {
		t.Errorf("expected newest first with oldest evicted, got %+v", got)
	}
	if got[0].V != models.SchemaVersion {
		t.Errorf("record should carry schema version, got %d", got[0].V)
	}
}

func TestDefaultCapacity(t *testing.T) {
	l := newTestLogger(t, 0)
	if l.capacity != DefaultCapacity {
		t.Errorf("expected capacity %d, got %d", DefaultCapacity, l.capacity)
	}
}

func TestQueryFilters(t *testing.T) {
	l := newTestLogger(t, 0)
	ctx := context.Background()
	l.Append(ctx, models.UsageLogRecord{Type: models.TypeEmail, Site: "a.example"})
	l.Append(ctx, models.UsageLogRecord{Type: models.TypePhone, Site: "a.example"})
	l.Append(ctx, models.UsageLogRecord{Type: models.TypePhone, Site: "b.example"})
	l.Append(ctx, models.UsageLogRecord{Type: models.TypePhone, Site: "b.example"})

	cases := []struct {
		f    Filter
		want int
	}{
		{Filter{}, 4},
		{Filter{Type: models.TypePhone}, 3},
		{Filter{Site: "a.example"}, 2},
		{Filter{Type: models.TypePhone, Site: "b.example"}, 2},
		{Filter{Type: models.TypePhone, Limit: 1}, 1},
		{Filter{Type: models.TypeSSN}, 0},
	}
	for _, tc := range cases {
		got, err := l.Query(ctx, tc.f)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != tc.want {
			t.Errorf("Query(%+v): got %d records, want %d", tc.f, len(got), tc.want)
		}
	}
}

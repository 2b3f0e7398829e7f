// Package audit keeps the capped log of detections.
package audit

import (
	"context"
	"time"

	"github.com/org/piiguard/internal/storage"
	"github.com/org/piiguard/pkg/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultCapacity is the number of records kept before the oldest are evicted.
const DefaultCapacity = 1000

// Filter narrows a Query. Zero values match everything.
type Filter struct {
	Type  string
	Site  string
	Limit int
}

// Logger appends usage records to the shared store.
type Logger struct {
	store    storage.Store
	capacity int
	log      zerolog.Logger
}

// NewLogger creates a Logger. capacity <= 0 means DefaultCapacity.
func NewLogger(store storage.Store, capacity int) *Logger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Logger{
		store:    store,
		capacity: capacity,
		log:      log.With().Str("component", "audit").Logger(),
	}
}

// Append records rec, evicting the oldest records beyond capacity.
func (l *Logger) Append(ctx context.Context, rec models.UsageLogRecord) error {
	if rec.V == 0 {
		rec.V = models.SchemaVersion
	}
	if rec.TimestampMs == 0 {
		rec.TimestampMs = time.Now().UnixMilli()
	}
	return storage.UpdateList(ctx, l.store, storage.KeyUsageLogs, func(list []models.UsageLogRecord) ([]models.UsageLogRecord, error) {
		list = append(list, rec)
		if over := len(list) - l.capacity; over > 0 {
			l.log.Debug().Int("evicted", over).Msg("usage log at capacity")
			list = list[over:]
		}
		return list, nil
	})
}

// Query returns matching records newest first.
func (l *Logger) Query(ctx context.Context, f Filter) ([]models.UsageLogRecord, error) {
	list, err := storage.LoadList[models.UsageLogRecord](ctx, l.store, storage.KeyUsageLogs)
	if err != nil {
		return nil, err
	}
	out := make([]models.UsageLogRecord, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		r := list[i]
		if f.Type != "" && r.Type != f.Type {
			continue
		}
		if f.Site != "" && r.Site != f.Site {
			continue
		}
		out = append(out, r)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

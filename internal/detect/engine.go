// Package detect recognizes registered values in text typed or pasted into
// input fields. An Engine runs on behalf of one restricted context and never
// holds the vault key: it matches plaintext profile values only while the
// vault is unlocked and otherwise relies on the hash index.
package detect

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/org/piiguard/internal/core"
	"github.com/org/piiguard/internal/errs"
	"github.com/org/piiguard/internal/metrics"
	"github.com/org/piiguard/pkg/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Field event kinds.
const (
	EventValueChanged = "value_changed"
	EventPaste        = "paste"
	EventSubmit       = "submit"
)

// UnknownField is the field context used when a field carries no hints.
const UnknownField = "Unknown"

// Source supplies the shared records an Engine caches.
type Source interface {
	List(ctx context.Context) ([]models.ProfileRecord, error)
	Hashes(ctx context.Context) ([]models.DetectionHashRecord, error)
}

// UsageSink receives one record per detection.
type UsageSink interface {
	Append(ctx context.Context, rec models.UsageLogRecord) error
}

// Notification is raised for a detection outside the cooldown window.
type Notification struct {
	Type         string `json:"type"`
	ShortDisplay string `json:"shortDisplay"`
	Site         string `json:"site"`
	FieldContext string `json:"fieldContext"`
	MatchedBy    string `json:"matchedBy"`
}

// Notifier delivers notifications to the user.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// LogNotifier writes notifications to the process log.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, n Notification) {
	log.Info().
		Str("type", n.Type).
		Str("display", n.ShortDisplay).
		Str("site", n.Site).
		Str("field", n.FieldContext).
		Msg("registered value detected")
}

// Options tunes an Engine.
type Options struct {
	Debounce  time.Duration
	Cooldown  time.Duration
	MinLength int
	Now       func() time.Time
}

// DefaultOptions returns the standard timings.
func DefaultOptions() Options {
	return Options{
		Debounce:  500 * time.Millisecond,
		Cooldown:  5 * time.Second,
		MinLength: 3,
		Now:       time.Now,
	}
}

// Field describes one input surface.
type Field struct {
	Label       string `json:"label,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
	Name        string `json:"name,omitempty"`
	ID          string `json:"id,omitempty"`
	// Index is the field's position on the page, for fields with no id or name.
	Index       *int   `json:"index,omitempty"`
	Value       string `json:"value"`
}

// Context returns the most descriptive hint the field carries.
func (f Field) Context() string {
	for _, s := range []string{f.Label, f.Placeholder, f.Name, f.ID} {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return UnknownField
}

// key identifies the field across events. ok is false when the field carries
// nothing to tell it apart from other unlabeled fields.
func (f Field) key() (key string, ok bool) {
	switch ctx := f.Context(); {
	case f.ID != "":
		return "id:" + f.ID, true
	case f.Name != "":
		return "name:" + f.Name, true
	case f.Index != nil:
		return "idx:" + strconv.Itoa(*f.Index), true
	case ctx != UnknownField:
		return "ctx:" + ctx, true
	}
	return "", false
}

// FieldEvent is an observation from an input surface.
type FieldEvent struct {
	Kind   string  `json:"kind"`
	Site   string  `json:"site"`
	URL    string  `json:"url,omitempty"`
	Field  Field   `json:"field"`
	Fields []Field `json:"fields,omitempty"`
}

// Input is a single candidate value.
type Input struct {
	Value        string
	Site         string
	URL          string
	FieldContext string
}

// Result is the outcome of one Check.
type Result struct {
	Match    *Match `json:"match,omitempty"`
	Notified bool   `json:"notified"`
}

type pending struct {
	timer *time.Timer
	seq   uint64
}

// Engine caches the detection state of one restricted context.
type Engine struct {
	src      Source
	lock     core.LockState
	sink     UsageSink
	notifier Notifier
	opts     Options
	log      zerolog.Logger

	mu           sync.Mutex
	known        []models.ProfileRecord
	hashes       map[string]models.DetectionHashRecord
	lastNotified map[string]time.Time
	pending      map[string]pending
	seq          uint64
	closed       bool
}

// NewEngine creates an Engine with empty caches. Call Refresh before use.
func NewEngine(src Source, lock core.LockState, sink UsageSink, notifier Notifier, opts Options) *Engine {
	def := DefaultOptions()
	if opts.Debounce <= 0 {
		opts.Debounce = def.Debounce
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = def.Cooldown
	}
	if opts.MinLength <= 0 {
		opts.MinLength = def.MinLength
	}
	if opts.Now == nil {
		opts.Now = def.Now
	}
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &Engine{
		src:          src,
		lock:         lock,
		sink:         sink,
		notifier:     notifier,
		opts:         opts,
		log:          log.With().Str("component", "detect").Logger(),
		hashes:       make(map[string]models.DetectionHashRecord),
		lastNotified: make(map[string]time.Time),
		pending:      make(map[string]pending),
	}
}

// Refresh reloads the caches from the shared store. Profile values are only
// loaded while the vault is unlocked.
func (e *Engine) Refresh(ctx context.Context) error {
	hashes, err := e.src.Hashes(ctx)
	if err != nil {
		return fmt.Errorf("loading detection index: %w", err)
	}
	var known []models.ProfileRecord
	if !e.lock.IsLocked() {
		if known, err = e.src.List(ctx); err != nil {
			return fmt.Errorf("loading profile: %w", err)
		}
	}

	index := make(map[string]models.DetectionHashRecord, len(hashes))
	for _, h := range hashes {
		if _, dup := index[h.Hash]; !dup {
			index[h.Hash] = h
		}
	}
	e.mu.Lock()
	e.hashes = index
	e.known = known
	e.mu.Unlock()
	e.log.Debug().Int("hashes", len(index)).Int("known", len(known)).Msg("caches refreshed")
	return nil
}

// HandleEvent applies a broadcast. Refresh failures are logged; the next
// activation resyncs anyway.
func (e *Engine) HandleEvent(ctx context.Context, ev models.Event) {
	switch {
	case ev.Kind == models.EventLockStateChanged && ev.Locked:
		e.mu.Lock()
		e.known = nil
		e.mu.Unlock()
	case ev.Kind == models.EventLockStateChanged, ev.Kind == models.EventDetectionIndexChanged:
		if err := e.Refresh(ctx); err != nil {
			e.log.Warn().Err(err).Str("event", ev.Kind.String()).Msg("refresh after event failed")
		}
	}
}

// Match runs the plaintext step, when unlocked, and then the hash step.
func (e *Engine) Match(v string) (*Match, bool) {
	e.mu.Lock()
	known, index := e.known, e.hashes
	e.mu.Unlock()

	if len(known) > 0 && !e.lock.IsLocked() {
		if m, ok := matchPlaintext(v, known); ok {
			return m, true
		}
	}
	return matchHash(v, index)
}

// Check matches in.Value and records any detection.
func (e *Engine) Check(ctx context.Context, in Input) (Result, error) {
	if utf8.RuneCountInString(strings.TrimSpace(in.Value)) < e.opts.MinLength {
		return Result{}, nil
	}
	m, ok := e.Match(in.Value)
	if !ok {
		return Result{}, nil
	}
	if in.FieldContext == "" {
		in.FieldContext = UnknownField
	}
	metrics.DetectionsTotal.WithLabelValues(m.Type, m.MatchedBy).Inc()

	now := e.opts.Now()
	rec := models.UsageLogRecord{
		V:            models.SchemaVersion,
		Type:         m.Type,
		Value:        m.Value,
		ShortDisplay: m.ShortDisplay,
		Site:         in.Site,
		URL:          in.URL,
		TimestampMs:  now.UnixMilli(),
		FieldContext: in.FieldContext,
		MatchedBy:    m.MatchedBy,
	}
	if err := e.sink.Append(ctx, rec); err != nil {
		e.log.Warn().Err(err).Str("type", m.Type).Msg("appending usage record")
	}

	res := Result{Match: m}
	if e.allowNotify(m.Type, in.Site, now) {
		e.notifier.Notify(ctx, Notification{
			Type:         m.Type,
			ShortDisplay: m.ShortDisplay,
			Site:         in.Site,
			FieldContext: in.FieldContext,
			MatchedBy:    m.MatchedBy,
		})
		res.Notified = true
	} else {
		metrics.NotificationsSuppressed.Inc()
	}
	return res, nil
}

func (e *Engine) allowNotify(typ, site string, now time.Time) bool {
	key := typ + "\x00" + site
	e.mu.Lock()
	defer e.mu.Unlock()
	if last, ok := e.lastNotified[key]; ok && now.Sub(last) < e.opts.Cooldown {
		return false
	}
	e.lastNotified[key] = now
	return true
}

// Observe handles a field event. Value changes are debounced per field and
// return nil results; paste and submit are checked immediately. A value change
// on a field with no stable key cannot be debounced and is checked at once.
func (e *Engine) Observe(ctx context.Context, ev FieldEvent) ([]Result, error) {
	switch ev.Kind {
	case EventValueChanged:
		if key, ok := ev.Field.key(); ok {
			e.debounce(ctx, ev.Site+"\x00"+key, e.input(ev, ev.Field))
			return nil, nil
		}
		res, err := e.Check(ctx, e.input(ev, ev.Field))
		if err != nil {
			return nil, err
		}
		return []Result{res}, nil
	case EventPaste:
		e.cancelPending(ev.Site, ev.Field)
		res, err := e.Check(ctx, e.input(ev, ev.Field))
		if err != nil {
			return nil, err
		}
		return []Result{res}, nil
	case EventSubmit:
		fields := ev.Fields
		if ev.Field.Value != "" {
			fields = append([]Field{ev.Field}, fields...)
		}
		results := make([]Result, 0, len(fields))
		for _, f := range fields {
			e.cancelPending(ev.Site, f)
			res, err := e.Check(ctx, e.input(ev, f))
			if err != nil {
				return nil, err
			}
			results = append(results, res)
		}
		return results, nil
	default:
		return nil, fmt.Errorf("%w: unknown field event %q", errs.ErrValidation, ev.Kind)
	}
}

func (e *Engine) input(ev FieldEvent, f Field) Input {
	return Input{Value: f.Value, Site: ev.Site, URL: ev.URL, FieldContext: f.Context()}
}

// debounce schedules a check of in once no newer event arrives under key
// for the debounce delay.
func (e *Engine) debounce(ctx context.Context, key string, in Input) {
	// The triggering request is gone by the time the timer fires.
	ctx = context.WithoutCancel(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if p, ok := e.pending[key]; ok {
		p.timer.Stop()
	}
	e.seq++
	seq := e.seq
	e.pending[key] = pending{
		seq: seq,
		timer: time.AfterFunc(e.opts.Debounce, func() {
			e.mu.Lock()
			p, ok := e.pending[key]
			if !ok || p.seq != seq || e.closed {
				e.mu.Unlock()
				return
			}
			delete(e.pending, key)
			e.mu.Unlock()
			if _, err := e.Check(ctx, in); err != nil {
				e.log.Warn().Err(err).Msg("debounced check failed")
			}
		}),
	}
}

func (e *Engine) cancelPending(site string, f Field) {
	k, ok := f.key()
	if !ok {
		return
	}
	key := site + "\x00" + k
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.pending[key]; ok {
		p.timer.Stop()
		delete(e.pending, key)
	}
}

// Close cancels pending debounced checks. The Engine must not be used afterwards.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for key, p := range e.pending {
		p.timer.Stop()
		delete(e.pending, key)
	}
}

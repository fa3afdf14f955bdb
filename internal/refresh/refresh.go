package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"inkcal/internal/config"
	"inkcal/internal/ics"
	appLog "inkcal/internal/log"
	"inkcal/internal/model"
	"inkcal/internal/snapshot"
)

// ErrBusy is returned by TryRefresh while another cycle runs.
var ErrBusy = errors.New("refresh already running")

// FeedFetcher streams one calendar into a parser. *ics.Fetcher implements it.
type FeedFetcher interface {
	Fetch(ctx context.Context, src ics.Source, p *ics.Parser, opts ics.SessionOptions) (ics.FetchResult, error)
}

// SnapshotStore persists refresh results. *snapshot.Store implements it.
type SnapshotStore interface {
	Save(snapshot.Snapshot) error
	Prune(keep int) (int64, error)
}

// FeedResult summarises one calendar of a cycle.
type FeedResult struct {
	ID             string `json:"id"`
	Events         uint64 `json:"events"`
	RelevantEvents uint64 `json:"relevant_events"`
	FromCache      bool   `json:"from_cache"`
	Chunked        bool   `json:"chunked"`
	Error          string `json:"error,omitempty"`
}

// Result is the outcome of one refresh cycle.
type Result struct {
	Snapshot snapshot.Snapshot `json:"snapshot"`
	Feeds    []FeedResult      `json:"feeds"`
	Duration time.Duration     `json:"duration"`
}

// Runner executes refresh cycles one at a time.
type Runner struct {
	cfg     *config.Config
	loc     *time.Location
	fetcher FeedFetcher
	snaps   SnapshotStore
	now     func() time.Time

	// KeepSnapshots is how many snapshots survive pruning; 0 disables pruning.
	KeepSnapshots int

	mu    sync.Mutex
	store *model.EntryStore

	lastMu sync.RWMutex
	last   *Result
}

// NewRunner builds a Runner. snaps may be nil.
func NewRunner(cfg *config.Config, fetcher FeedFetcher, snaps SnapshotStore) (*Runner, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
	}
	return &Runner{
		cfg:           cfg,
		loc:           loc,
		fetcher:       fetcher,
		snaps:         snaps,
		now:           time.Now,
		KeepSnapshots: 48,
		store:         model.NewEntryStore(cfg.MaxEntries),
	}, nil
}

// SetClock replaces the time source. Intended for tests.
func (r *Runner) SetClock(now func() time.Time) { r.now = now }

// Location is the display timezone.
func (r *Runner) Location() *time.Location { return r.loc }

// Last returns the result of the most recent cycle, or nil.
func (r *Runner) Last() *Result {
	r.lastMu.RLock()
	defer r.lastMu.RUnlock()
	return r.last
}

// TryRefresh runs a cycle unless one is already running.
func (r *Runner) TryRefresh(ctx context.Context) (*Result, error) {
	if !r.mu.TryLock() {
		return nil, ErrBusy
	}
	defer r.mu.Unlock()
	return r.refresh(ctx)
}

// Refresh waits for any running cycle and then runs one.
func (r *Runner) Refresh(ctx context.Context) (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refresh(ctx)
}

func (r *Runner) refresh(ctx context.Context) (*Result, error) {
	started := r.now()
	id := uuid.NewString()
	window := ics.NewWindow(started, r.cfg.DaysShown, r.loc)

	appLog.Info("refresh start", "cycle", id, "calendars", len(r.cfg.Calendars),
		"window_start", window.DayStart(0).Format("2006-01-02"), "days", window.Days)

	r.store.Reset()
	res := &Result{Feeds: make([]FeedResult, 0, len(r.cfg.Calendars))}
	var feedErrs []string

	for _, cal := range r.cfg.Calendars {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fr, err := r.refreshCalendar(ctx, cal, window)
		if err != nil {
			fr.Error = err.Error()
			feedErrs = append(feedErrs, fmt.Sprintf("%s: %v", cal.ID, err))
			appLog.Error("calendar refresh failed", err, "cycle", id, "calendar", cal.ID)
		}
		res.Feeds = append(res.Feeds, fr)
	}

	r.store.Sort()
	stats := r.store.Stats()
	res.Snapshot = snapshot.Snapshot{
		ID:          id,
		TakenAt:     started,
		WindowStart: window.DayStart(0),
		Days:        window.Days,
		Stats:       stats,
		Entries:     r.store.Entries(),
		Errors:      feedErrs,
	}
	res.Duration = r.now().Sub(started)

	appLog.Info("refresh done", "cycle", id,
		"entries", len(res.Snapshot.Entries),
		"relevant", stats.TotalRelevantEvents,
		"total", stats.TotalEvents,
		"failed", len(feedErrs),
		"took", res.Duration.String(),
	)

	if r.snaps != nil {
		if err := r.snaps.Save(res.Snapshot); err != nil {
			appLog.Error("snapshot save failed", err, "cycle", id)
		} else if r.KeepSnapshots > 0 {
			if n, err := r.snaps.Prune(r.KeepSnapshots); err != nil {
				appLog.Error("snapshot prune failed", err, "cycle", id)
			} else if n > 0 {
				appLog.Debug("snapshots pruned", "removed", n)
			}
		}
	}

	r.lastMu.Lock()
	r.last = res
	r.lastMu.Unlock()
	return res, nil
}

func (r *Runner) refreshCalendar(ctx context.Context, cal config.CalendarConfig, window ics.Window) (FeedResult, error) {
	fr := FeedResult{ID: cal.ID}

	rules, err := cal.ProcessingRules()
	if err != nil {
		return fr, err
	}
	p := ics.NewParser(ics.ParserConfig{
		FeedID: cal.ID,
		Window: window,
		Rules:  rules,
		Colour: cal.DefaultColour(),
		Store:  r.store,
	})

	fetched, err := r.fetcher.Fetch(ctx, ics.Source{ID: cal.ID, URL: cal.URL}, p, ics.SessionOptions{
		BufferSize:   r.cfg.BufferSize,
		MinParseSize: r.cfg.MinParseSize,
	})
	fr.Events = p.Events()
	fr.RelevantEvents = p.RelevantEvents()
	fr.FromCache = fetched.FromCache
	fr.Chunked = fetched.Chunked
	if err != nil {
		return fr, err
	}

	appLog.Info("calendar parsed", "calendar", cal.ID,
		"relevant", fr.RelevantEvents, "events", fr.Events, "from_cache", fr.FromCache)
	return fr, nil
}

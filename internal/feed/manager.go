package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/seismoi-feed/internal/domain"
	"github.com/couchcryptid/seismoi-feed/internal/observability"
)

// ErrClosed is returned by Update once the manager has been closed.
var ErrClosed = errors.New("feed manager closed")

// Fetcher retrieves the current feed snapshot around a home location.
type Fetcher interface {
	Fetch(ctx context.Context, url string, home domain.Geo, radiusKM float64) ([]domain.FeedEntry, error)
}

// Observer receives reconciliation events. Callbacks run synchronously on the
// updating goroutine, after the manager's state already reflects the fetch.
type Observer interface {
	HandleFeedEvent(ctx context.Context, ev domain.FeedEvent)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, ev domain.FeedEvent)

func (f ObserverFunc) HandleFeedEvent(ctx context.Context, ev domain.FeedEvent) { f(ctx, ev) }

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the time source for the poll ticker.
func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithInterval sets the poll interval.
func WithInterval(d time.Duration) Option {
	return func(m *Manager) { m.interval = d }
}

type subscription struct {
	id       int
	observer Observer
}

// Manager polls the feed for one installation, holds the latest snapshot keyed
// by external id, and notifies observers of added, updated, and removed ids.
type Manager struct {
	installation domain.Installation
	fetcher      Fetcher
	logger       *slog.Logger
	metrics      *observability.Metrics
	clock        clockwork.Clock
	interval     time.Duration

	// updateMu serializes fetch-and-reconcile cycles so a manual refresh
	// cannot interleave with a scheduled one. It also guards closed.
	updateMu sync.Mutex
	closed   bool

	mu         sync.RWMutex
	entries    map[string]domain.FeedEntry
	subs       []subscription
	nextSubID  int
	lastUpdate time.Time

	ready atomic.Bool
}

// New creates a Manager for the installation.
func New(inst domain.Installation, fetcher Fetcher, logger *slog.Logger, metrics *observability.Metrics, opts ...Option) *Manager {
	m := &Manager{
		installation: inst,
		fetcher:      fetcher,
		logger:       logger.With("installation_id", inst.ID),
		metrics:      metrics,
		clock:        clockwork.NewRealClock(),
		interval:     domain.DefaultUpdateInterval,
		entries:      make(map[string]domain.FeedEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Installation returns the configuration the manager was built with.
func (m *Manager) Installation() domain.Installation {
	return m.installation
}

// Subscribe registers an observer and returns a function that removes it.
func (m *Manager) Subscribe(o Observer) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSubID
	m.nextSubID++
	m.subs = append(m.subs, subscription{id: id, observer: o})

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, s := range m.subs {
				if s.id == id {
					m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Entry returns the latest snapshot for an external id.
func (m *Manager) Entry(externalID string) (domain.FeedEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[externalID]
	return e, ok
}

// Entries returns every held entry, sorted by external id.
func (m *Manager) Entries() []domain.FeedEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.FeedEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out
}

// LastUpdate returns the time of the last successful update, or zero.
func (m *Manager) LastUpdate() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastUpdate
}

// CheckReadiness returns nil once the manager has completed a successful update.
func (m *Manager) CheckReadiness(_ context.Context) error {
	if !m.ready.Load() {
		return errors.New("feed has not been fetched successfully yet")
	}
	return nil
}

// Run updates immediately, then on every interval tick until the context is
// cancelled. Failed updates keep the previous snapshot and wait for the next tick.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("feed manager started", "url", m.installation.URL, "interval", m.interval)

	_ = m.Update(ctx)

	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("feed manager stopping", "reason", ctx.Err())
			return nil
		case <-ticker.Chan():
			_ = m.Update(ctx)
		}
	}
}

// Update runs one fetch-and-reconcile cycle. On failure the held snapshot is
// untouched and no observer is notified. After Close it returns ErrClosed
// without fetching.
func (m *Manager) Update(ctx context.Context) error {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	if m.closed {
		return ErrClosed
	}

	start := m.clock.Now()
	fetched, err := m.fetcher.Fetch(ctx, m.installation.URL, m.installation.Home(), m.installation.RadiusKM)
	m.metrics.FetchDuration.Observe(m.clock.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.metrics.FeedUpdates.WithLabelValues("error").Inc()
		m.logger.Warn("feed update failed, keeping previous entries", "error", err)
		return fmt.Errorf("update feed for installation %s: %w", m.installation.ID, err)
	}

	next := domain.IndexEntries(fetched)

	m.mu.Lock()
	prev := m.entries
	m.entries = next
	m.lastUpdate = m.clock.Now()
	subs := make([]subscription, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	diff := domain.DiffSnapshots(prev, next)
	m.dispatch(ctx, subs, domain.EntryAdded, diff.Added, next)
	m.dispatch(ctx, subs, domain.EntryUpdated, diff.Updated, next)
	m.dispatch(ctx, subs, domain.EntryRemoved, diff.Removed, prev)

	m.metrics.FeedUpdates.WithLabelValues("ok").Inc()
	m.metrics.FeedEntries.WithLabelValues(m.installation.ID).Set(float64(len(next)))
	m.ready.Store(true)

	m.logger.Debug("feed updated",
		"entries", len(next),
		"added", len(diff.Added),
		"updated", len(diff.Updated),
		"removed", len(diff.Removed),
	)
	return nil
}

// Close drops the held snapshot and observers and clears the per-installation
// gauge. It waits for an in-flight update to finish; later updates are
// rejected.
func (m *Manager) Close() {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	m.closed = true

	m.mu.Lock()
	m.entries = make(map[string]domain.FeedEntry)
	m.subs = nil
	m.mu.Unlock()
	m.metrics.FeedEntries.DeleteLabelValues(m.installation.ID)
}

func (m *Manager) dispatch(ctx context.Context, subs []subscription, kind domain.FeedEventKind, ids []string, source map[string]domain.FeedEntry) {
	for _, id := range ids {
		ev := domain.FeedEvent{
			Kind:           kind,
			InstallationID: m.installation.ID,
			ExternalID:     id,
			Entry:          source[id],
		}
		for _, s := range subs {
			s.observer.HandleFeedEvent(ctx, ev)
		}
	}
	if len(ids) > 0 {
		m.metrics.FeedEvents.WithLabelValues(string(kind)).Add(float64(len(ids)))
	}
}

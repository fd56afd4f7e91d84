package installation_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/seismoi-feed/internal/domain"
	"github.com/couchcryptid/seismoi-feed/internal/feed"
	"github.com/couchcryptid/seismoi-feed/internal/geolocation"
	"github.com/couchcryptid/seismoi-feed/internal/installation"
	"github.com/couchcryptid/seismoi-feed/internal/observability"
)

// --- mocks ---

type memStore struct {
	mu      sync.Mutex
	records map[string]domain.Installation
	listErr error
}

func newMemStore(installs ...domain.Installation) *memStore {
	s := &memStore{records: make(map[string]domain.Installation)}
	for _, inst := range installs {
		s.records[inst.ID] = inst
	}
	return s
}

func (s *memStore) List(_ context.Context) ([]domain.Installation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]domain.Installation, 0, len(s.records))
	for _, inst := range s.records {
		out = append(out, inst)
	}
	return out, nil
}

func (s *memStore) Get(_ context.Context, id string) (domain.Installation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.records[id]
	if !ok {
		return domain.Installation{}, errors.New("not found")
	}
	return inst, nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *memStore) put(inst domain.Installation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[inst.ID] = inst
}

type staticFetcher struct {
	mu      sync.Mutex
	entries []domain.FeedEntry
	err     error
}

func (f *staticFetcher) Fetch(_ context.Context, _ string, _ domain.Geo, _ float64) ([]domain.FeedEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries, f.err
}

func (f *staticFetcher) set(entries []domain.FeedEntry, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries, f.err = entries, err
}

// gatedFetcher serves quakes for the first free calls, then holds every
// later call until release is closed. Held calls ignore their context.
type gatedFetcher struct {
	mu      sync.Mutex
	calls   int
	free    int
	held    chan struct{}
	release chan struct{}
}

func newGatedFetcher(free int) *gatedFetcher {
	return &gatedFetcher{free: free, held: make(chan struct{}, 8), release: make(chan struct{})}
}

func (f *gatedFetcher) Fetch(_ context.Context, _ string, _ domain.Geo, _ float64) ([]domain.FeedEntry, error) {
	f.mu.Lock()
	f.calls++
	gated := f.calls > f.free
	f.mu.Unlock()

	if gated {
		select {
		case f.held <- struct{}{}:
		default:
		}
		<-f.release
	}
	return quakes(), nil
}

type eventLog struct {
	mu     sync.Mutex
	events []domain.EntityEvent
}

func (l *eventLog) HandleEntityEvent(_ context.Context, ev domain.EntityEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) count(kind domain.EntityEventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testInstall(id string) domain.Installation {
	return domain.Installation{
		ID:        id,
		Title:     domain.InstallationTitle(37.9755, 23.7348),
		URL:       domain.DefaultFeedURL,
		Latitude:  37.9755,
		Longitude: 23.7348,
		RadiusKM:  20,
	}
}

func quakes() []domain.FeedEntry {
	return []domain.FeedEntry{
		{ExternalID: "big", EventID: "big", Magnitude: 4.1},
		{ExternalID: "small", EventID: "small", Magnitude: 2.5},
	}
}

func newSupervisor(store *memStore, fetcher *staticFetcher, listeners ...geolocation.Listener) *installation.Supervisor {
	return newSupervisorWithClock(store, fetcher, clockwork.NewFakeClock(), listeners...)
}

func newSupervisorWithClock(store *memStore, fetcher feed.Fetcher, clock clockwork.Clock, listeners ...geolocation.Listener) *installation.Supervisor {
	return installation.New(store, fetcher, discardLogger(), observability.NewMetricsForTesting(),
		installation.WithClock(clock),
		installation.WithInterval(time.Minute),
		installation.WithListeners(listeners...),
	)
}

// holdScheduledUpdate fires the poll tickers of n loaded installations and
// waits until each scheduled fetch is held by the fetcher.
func holdScheduledUpdate(t *testing.T, clock *clockwork.FakeClock, fetcher *gatedFetcher, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, n))
	clock.Advance(time.Minute)
	for range n {
		select {
		case <-fetcher.held:
		case <-ctx.Done():
			t.Fatal("timed out waiting for a held fetch")
		}
	}
}

func waitForEntities(t *testing.T, s *installation.Supervisor, id string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		entities, err := s.Entities(id)
		return err == nil && len(entities) == n
	}, 2*time.Second, 10*time.Millisecond)
}

// --- tests ---

func TestSupervisor_Start_LoadsStoredInstallations(t *testing.T) {
	store := newMemStore(testInstall("b"), testInstall("a"))
	s := newSupervisor(store, &staticFetcher{entries: quakes()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	installs := s.Installations()
	require.Len(t, installs, 2)
	assert.Equal(t, "a", installs[0].ID)
	assert.Equal(t, "b", installs[1].ID)

	waitForEntities(t, s, "a", 1)
	entities, err := s.Entities("a")
	require.NoError(t, err)
	assert.Equal(t, "a_big", entities[0].UniqueID)
}

func TestSupervisor_Start_ListError(t *testing.T) {
	store := newMemStore()
	store.listErr = errors.New("database is locked")
	s := newSupervisor(store, &staticFetcher{})

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
}

func TestSupervisor_Load_Twice(t *testing.T) {
	s := newSupervisor(newMemStore(), &staticFetcher{})
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	require.NoError(t, s.Load(testInstall("a")))
	err := s.Load(testInstall("a"))
	require.ErrorIs(t, err, installation.ErrAlreadyLoaded)
}

func TestSupervisor_Unload_RemovesEntities(t *testing.T) {
	events := &eventLog{}
	s := newSupervisor(newMemStore(), &staticFetcher{entries: quakes()}, events)

	require.NoError(t, s.Load(testInstall("a")))
	waitForEntities(t, s, "a", 1)

	require.NoError(t, s.Unload(context.Background(), "a"))

	assert.Equal(t, 1, events.count(domain.EntityCreated))
	assert.Equal(t, 1, events.count(domain.EntityRemoved))
	_, err := s.Entities("a")
	require.ErrorIs(t, err, installation.ErrNotLoaded)
	assert.Empty(t, s.Installations())
}

func TestSupervisor_Unload_NotLoaded(t *testing.T) {
	s := newSupervisor(newMemStore(), &staticFetcher{})
	require.ErrorIs(t, s.Unload(context.Background(), "missing"), installation.ErrNotLoaded)
}

func TestSupervisor_Reload_AppliesNewOptions(t *testing.T) {
	store := newMemStore(testInstall("a"))
	s := newSupervisor(store, &staticFetcher{entries: quakes()})
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	require.NoError(t, s.Load(testInstall("a")))
	waitForEntities(t, s, "a", 1)

	lower := 2.0
	updated := testInstall("a")
	updated.Options.MagnitudeThreshold = &lower
	store.put(updated)

	require.NoError(t, s.Reload(context.Background(), "a"))
	waitForEntities(t, s, "a", 2)

	inst, ok := s.Installation("a")
	require.True(t, ok)
	assert.Equal(t, 2.0, inst.Threshold())
}

func TestSupervisor_Reload_MissingFromStore(t *testing.T) {
	s := newSupervisor(newMemStore(), &staticFetcher{})

	err := s.Reload(context.Background(), "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestSupervisor_Remove(t *testing.T) {
	store := newMemStore(testInstall("a"))
	s := newSupervisor(store, &staticFetcher{entries: quakes()})

	require.NoError(t, s.Load(testInstall("a")))
	require.NoError(t, s.Remove(context.Background(), "a"))

	_, err := store.Get(context.Background(), "a")
	require.Error(t, err)
	_, ok := s.Installation("a")
	assert.False(t, ok)
}

func TestSupervisor_Refresh(t *testing.T) {
	fetcher := &staticFetcher{}
	s := newSupervisor(newMemStore(), fetcher)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	require.NoError(t, s.Load(testInstall("a")))
	require.Eventually(t, func() bool {
		return s.CheckReadiness(context.Background()) == nil
	}, 2*time.Second, 10*time.Millisecond)

	fetcher.set(quakes(), nil)
	require.NoError(t, s.Refresh(context.Background(), "a"))

	entities, err := s.Entities("a")
	require.NoError(t, err)
	assert.Len(t, entities, 1)

	fetcher.set(nil, errors.New("timeout"))
	require.Error(t, s.Refresh(context.Background(), "a"))
	entities, err = s.Entities("a")
	require.NoError(t, err)
	assert.Len(t, entities, 1, "failed refresh keeps entities")

	require.ErrorIs(t, s.Refresh(context.Background(), "missing"), installation.ErrNotLoaded)
}

func TestSupervisor_CheckReadiness(t *testing.T) {
	fetcher := &staticFetcher{err: errors.New("unreachable")}
	s := newSupervisor(newMemStore(), fetcher)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	require.NoError(t, s.CheckReadiness(context.Background()), "nothing loaded is ready")

	require.NoError(t, s.Load(testInstall("a")))
	require.Error(t, s.CheckReadiness(context.Background()))

	fetcher.set(nil, nil)
	require.NoError(t, s.Refresh(context.Background(), "a"))
	require.NoError(t, s.CheckReadiness(context.Background()))
}

func TestSupervisor_Shutdown(t *testing.T) {
	events := &eventLog{}
	s := newSupervisor(newMemStore(), &staticFetcher{entries: quakes()}, events)

	require.NoError(t, s.Load(testInstall("a")))
	require.NoError(t, s.Load(testInstall("b")))
	waitForEntities(t, s, "a", 1)
	waitForEntities(t, s, "b", 1)

	require.NoError(t, s.Shutdown(context.Background()))

	assert.Empty(t, s.Installations())
	assert.Equal(t, 2, events.count(domain.EntityRemoved))
}

func TestSupervisor_Unload_DeadlineStillTearsDown(t *testing.T) {
	events := &eventLog{}
	clock := clockwork.NewFakeClock()
	fetcher := newGatedFetcher(1)
	s := newSupervisorWithClock(newMemStore(), fetcher, clock, events)

	require.NoError(t, s.Load(testInstall("a")))
	waitForEntities(t, s, "a", 1)
	holdScheduledUpdate(t, clock, fetcher, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.Unload(ctx, "a")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, ok := s.Installation("a")
	assert.False(t, ok, "an installation being torn down is not served")
	require.ErrorIs(t, s.Refresh(context.Background(), "a"), installation.ErrNotLoaded)
	require.ErrorIs(t, s.Load(testInstall("a")), installation.ErrAlreadyLoaded)
	assert.Equal(t, 0, events.count(domain.EntityRemoved))

	close(fetcher.release)
	if err := s.Unload(context.Background(), "a"); err != nil {
		require.ErrorIs(t, err, installation.ErrNotLoaded)
	}

	require.ErrorIs(t, s.Unload(context.Background(), "a"), installation.ErrNotLoaded)
	assert.Equal(t, 1, events.count(domain.EntityCreated))
	assert.Equal(t, 1, events.count(domain.EntityRemoved), "teardown happens once")
	assert.Empty(t, s.Installations())
}

func TestSupervisor_Reload_DeadlineStillReloads(t *testing.T) {
	events := &eventLog{}
	clock := clockwork.NewFakeClock()
	fetcher := newGatedFetcher(1)
	store := newMemStore(testInstall("a"))
	s := newSupervisorWithClock(store, fetcher, clock, events)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	require.NoError(t, s.Load(testInstall("a")))
	waitForEntities(t, s, "a", 1)
	holdScheduledUpdate(t, clock, fetcher, 1)

	lower := 2.0
	updated := testInstall("a")
	updated.Options.MagnitudeThreshold = &lower
	store.put(updated)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.Reload(ctx, "a")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(fetcher.release)
	waitForEntities(t, s, "a", 2)

	inst, ok := s.Installation("a")
	require.True(t, ok, "installation is loaded again once teardown completes")
	assert.Equal(t, 2.0, inst.Threshold())
	assert.Equal(t, 1, events.count(domain.EntityRemoved))
	assert.Equal(t, 3, events.count(domain.EntityCreated))
}

func TestSupervisor_Shutdown_DeadlineStillTearsDown(t *testing.T) {
	events := &eventLog{}
	clock := clockwork.NewFakeClock()
	fetcher := newGatedFetcher(2)
	s := newSupervisorWithClock(newMemStore(), fetcher, clock, events)

	require.NoError(t, s.Load(testInstall("a")))
	require.NoError(t, s.Load(testInstall("b")))
	waitForEntities(t, s, "a", 1)
	waitForEntities(t, s, "b", 1)
	holdScheduledUpdate(t, clock, fetcher, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.Shutdown(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, s.Installations())

	close(fetcher.release)
	require.Eventually(t, func() bool {
		return events.count(domain.EntityRemoved) == 2
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestSupervisor_RefreshRacingUnload(t *testing.T) {
	events := &eventLog{}
	clock := clockwork.NewFakeClock()
	fetcher := newGatedFetcher(1)
	s := newSupervisorWithClock(newMemStore(), fetcher, clock, events)

	require.NoError(t, s.Load(testInstall("a")))
	waitForEntities(t, s, "a", 1)
	holdScheduledUpdate(t, clock, fetcher, 1)

	refreshed := make(chan error, 1)
	go func() { refreshed <- s.Refresh(context.Background(), "a") }()

	unloaded := make(chan error, 1)
	go func() { unloaded <- s.Unload(context.Background(), "a") }()

	close(fetcher.release)
	require.NoError(t, <-unloaded)
	if err := <-refreshed; err != nil {
		require.ErrorIs(t, err, installation.ErrNotLoaded)
	}

	_, err := s.Entities("a")
	require.ErrorIs(t, err, installation.ErrNotLoaded)
	assert.Equal(t, 1, events.count(domain.EntityRemoved))
	assert.Equal(t, 1, events.count(domain.EntityCreated))
}

package installation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/seismoi-feed/internal/domain"
	"github.com/couchcryptid/seismoi-feed/internal/feed"
	"github.com/couchcryptid/seismoi-feed/internal/geolocation"
	"github.com/couchcryptid/seismoi-feed/internal/observability"
)

var (
	// ErrNotLoaded is returned for operations on an installation without a
	// running feed manager.
	ErrNotLoaded = errors.New("installation not loaded")

	// ErrAlreadyLoaded is returned by Load for an installation that is running.
	ErrAlreadyLoaded = errors.New("installation already loaded")
)

// Store is the persistence the supervisor reads installations from.
type Store interface {
	List(ctx context.Context) ([]domain.Installation, error)
	Get(ctx context.Context, id string) (domain.Installation, error)
	Delete(ctx context.Context, id string) error
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithClock sets the clock handed to every feed manager.
func WithClock(c clockwork.Clock) Option {
	return func(s *Supervisor) { s.clock = c }
}

// WithInterval sets the poll interval handed to every feed manager.
func WithInterval(d time.Duration) Option {
	return func(s *Supervisor) { s.interval = d }
}

// WithListeners attaches entity listeners to every platform the supervisor creates.
func WithListeners(listeners ...geolocation.Listener) Option {
	return func(s *Supervisor) { s.listeners = append(s.listeners, listeners...) }
}

type runtime struct {
	manager  *feed.Manager
	platform *geolocation.Platform
	cancel   context.CancelFunc
	done     chan struct{}

	// stopped is set once teardown has begun and closed when it completes.
	// Guarded by Supervisor.mu.
	stopped chan struct{}
}

// Supervisor owns the running feed manager and entity platform of every
// loaded installation.
type Supervisor struct {
	store     Store
	fetcher   feed.Fetcher
	logger    *slog.Logger
	metrics   *observability.Metrics
	clock     clockwork.Clock
	interval  time.Duration
	listeners []geolocation.Listener

	mu       sync.Mutex
	baseCtx  context.Context
	runtimes map[string]*runtime
}

// New creates a Supervisor. Nothing is loaded until Start or Load.
func New(store Store, fetcher feed.Fetcher, logger *slog.Logger, metrics *observability.Metrics, opts ...Option) *Supervisor {
	s := &Supervisor{
		store:    store,
		fetcher:  fetcher,
		logger:   logger,
		metrics:  metrics,
		clock:    clockwork.NewRealClock(),
		interval: domain.DefaultUpdateInterval,
		baseCtx:  context.Background(),
		runtimes: make(map[string]*runtime),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start loads every stored installation. Polling goroutines live until ctx is
// cancelled or Shutdown is called. An installation that fails to load is
// logged and skipped.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	installs, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list installations: %w", err)
	}
	for _, inst := range installs {
		if err := s.Load(inst); err != nil {
			s.logger.Error("failed to load installation", "installation_id", inst.ID, "error", err)
		}
	}
	s.logger.Info("supervisor started", "installations", len(installs))
	return nil
}

// Load starts a feed manager and entity platform for the installation. The
// first fetch runs in the background.
func (s *Supervisor) Load(inst domain.Installation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runtimes[inst.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyLoaded, inst.ID)
	}

	manager := feed.New(inst, s.fetcher, s.logger, s.metrics,
		feed.WithClock(s.clock), feed.WithInterval(s.interval))
	platform := geolocation.NewPlatform(inst, manager, s.logger, s.metrics, s.listeners...)
	manager.Subscribe(platform)

	ctx, cancel := context.WithCancel(s.baseCtx)
	rt := &runtime{manager: manager, platform: platform, cancel: cancel, done: make(chan struct{})}
	s.runtimes[inst.ID] = rt
	s.metrics.InstallationsLive.Set(float64(len(s.runtimes)))

	go func() {
		defer close(rt.done)
		if err := manager.Run(ctx); err != nil {
			s.logger.Error("feed manager error", "installation_id", inst.ID, "error", err)
		}
	}()

	s.logger.Info("installation loaded", "installation_id", inst.ID, "title", inst.Title)
	return nil
}

// Unload stops polling for the installation and tears down its entities.
// Teardown runs to completion even if ctx ends first; in that case Unload
// returns the context error and the installation stays unavailable until
// teardown finishes.
func (s *Supervisor) Unload(ctx context.Context, id string) error {
	stopped, err := s.stop(id)
	if err != nil {
		return err
	}
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("unload installation %s: %w", id, ctx.Err())
	}
}

// Reload unloads the installation if it is running, then loads it again from
// the store so option changes take effect. If ctx ends before the old runtime
// is torn down, the load still happens once teardown completes.
func (s *Supervisor) Reload(ctx context.Context, id string) error {
	inst, err := s.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("reload installation %s: %w", id, err)
	}

	stopped, err := s.stop(id)
	if errors.Is(err, ErrNotLoaded) {
		return s.Load(inst)
	}
	if err != nil {
		return err
	}

	select {
	case <-stopped:
		return s.Load(inst)
	case <-ctx.Done():
		go func() {
			<-stopped
			if err := s.Load(inst); err != nil {
				s.logger.Error("deferred reload failed", "installation_id", id, "error", err)
			}
		}()
		return fmt.Errorf("reload installation %s: %w", id, ctx.Err())
	}
}

// Remove unloads the installation and deletes it from the store.
func (s *Supervisor) Remove(ctx context.Context, id string) error {
	if err := s.Unload(ctx, id); err != nil && !errors.Is(err, ErrNotLoaded) {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("remove installation %s: %w", id, err)
	}
	return nil
}

// Refresh runs an out-of-band feed update for the installation.
func (s *Supervisor) Refresh(ctx context.Context, id string) error {
	rt, err := s.runtime(id)
	if err != nil {
		return err
	}
	if err := rt.manager.Update(ctx); err != nil {
		if errors.Is(err, feed.ErrClosed) {
			return fmt.Errorf("%w: %s", ErrNotLoaded, id)
		}
		return err
	}
	return nil
}

// Entities returns the surfaced entities of a loaded installation.
func (s *Supervisor) Entities(id string) ([]domain.EntityState, error) {
	rt, err := s.runtime(id)
	if err != nil {
		return nil, err
	}
	return rt.platform.Entities(), nil
}

// Installation returns the configuration of a loaded installation.
func (s *Supervisor) Installation(id string) (domain.Installation, bool) {
	rt, err := s.runtime(id)
	if err != nil {
		return domain.Installation{}, false
	}
	return rt.manager.Installation(), true
}

// Installations returns every loaded installation, sorted by id.
func (s *Supervisor) Installations() []domain.Installation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Installation, 0, len(s.runtimes))
	for _, rt := range s.runtimes {
		if rt.stopped != nil {
			continue
		}
		out = append(out, rt.manager.Installation())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CheckReadiness returns nil once every loaded installation has completed a
// successful fetch. A supervisor with nothing loaded is ready.
func (s *Supervisor) CheckReadiness(ctx context.Context) error {
	s.mu.Lock()
	managers := make(map[string]*feed.Manager, len(s.runtimes))
	for id, rt := range s.runtimes {
		if rt.stopped == nil {
			managers[id] = rt.manager
		}
	}
	s.mu.Unlock()

	for id, m := range managers {
		if err := m.CheckReadiness(ctx); err != nil {
			return fmt.Errorf("installation %s: %w", id, err)
		}
	}
	return nil
}

// Shutdown unloads every installation. Teardowns run concurrently; ctx bounds
// how long Shutdown waits for them.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.runtimes))
	for id := range s.runtimes {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	pending := make(map[string]<-chan struct{}, len(ids))
	for _, id := range ids {
		if stopped, err := s.stop(id); err == nil {
			pending[id] = stopped
		}
	}

	var errs []error
	for id, stopped := range pending {
		select {
		case <-stopped:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("unload installation %s: %w", id, ctx.Err()))
		}
	}
	return errors.Join(errs...)
}

// stop begins teardown of the installation's runtime, at most once, and
// returns a channel closed when it completes.
func (s *Supervisor) stop(id string) (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.runtimes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotLoaded, id)
	}
	if rt.stopped == nil {
		rt.stopped = make(chan struct{})
		go s.teardown(id, rt)
	}
	return rt.stopped, nil
}

// teardown stops polling and removes every surfaced entity before the
// runtime leaves the map.
func (s *Supervisor) teardown(id string, rt *runtime) {
	rt.cancel()
	<-rt.done
	rt.manager.Close()
	rt.platform.Close(context.Background())

	s.mu.Lock()
	delete(s.runtimes, id)
	s.metrics.InstallationsLive.Set(float64(len(s.runtimes)))
	s.mu.Unlock()

	close(rt.stopped)
	s.logger.Info("installation unloaded", "installation_id", id)
}

func (s *Supervisor) runtime(id string) (*runtime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.runtimes[id]
	if !ok || rt.stopped != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotLoaded, id)
	}
	return rt, nil
}

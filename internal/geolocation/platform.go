package geolocation

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/couchcryptid/seismoi-feed/internal/domain"
	"github.com/couchcryptid/seismoi-feed/internal/observability"
)

// EntryLookup resolves the latest feed entry for an external id.
type EntryLookup interface {
	Entry(externalID string) (domain.FeedEntry, bool)
}

// Listener receives entity lifecycle events.
type Listener interface {
	HandleEntityEvent(ctx context.Context, ev domain.EntityEvent)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(ctx context.Context, ev domain.EntityEvent)

func (f ListenerFunc) HandleEntityEvent(ctx context.Context, ev domain.EntityEvent) { f(ctx, ev) }

// Platform turns feed events for one installation into geolocation entities.
// Only events whose magnitude exceeds the installation threshold when first
// seen become entities; an event never surfaced is never surfaced later.
//
// Platform implements feed.Observer.
type Platform struct {
	installation domain.Installation
	lookup       EntryLookup
	listeners    []Listener
	logger       *slog.Logger
	metrics      *observability.Metrics

	mu       sync.RWMutex
	entities map[string]domain.EntityState // keyed by external id
}

// NewPlatform creates a platform reading entries through lookup.
func NewPlatform(inst domain.Installation, lookup EntryLookup, logger *slog.Logger, metrics *observability.Metrics, listeners ...Listener) *Platform {
	return &Platform{
		installation: inst,
		lookup:       lookup,
		listeners:    listeners,
		logger:       logger.With("installation_id", inst.ID),
		metrics:      metrics,
		entities:     make(map[string]domain.EntityState),
	}
}

// HandleFeedEvent applies one reconciliation event.
func (p *Platform) HandleFeedEvent(ctx context.Context, ev domain.FeedEvent) {
	switch ev.Kind {
	case domain.EntryAdded:
		p.add(ctx, ev.ExternalID, ev.Entry)
	case domain.EntryUpdated:
		p.update(ctx, ev.ExternalID)
	case domain.EntryRemoved:
		p.remove(ctx, ev.ExternalID)
	}
}

func (p *Platform) add(ctx context.Context, externalID string, entry domain.FeedEntry) {
	threshold := p.installation.Threshold()
	if !domain.ExceedsThreshold(entry.Magnitude, threshold) {
		p.logger.Debug("event below threshold, not surfaced",
			"external_id", externalID, "magnitude", entry.Magnitude, "threshold", threshold)
		return
	}

	p.mu.Lock()
	if _, exists := p.entities[externalID]; exists {
		p.mu.Unlock()
		return
	}
	state := p.stateFrom(externalID, entry)
	p.entities[externalID] = state
	active := len(p.entities)
	p.mu.Unlock()

	p.logger.Debug("adding geolocation", "unique_id", state.UniqueID, "magnitude", entry.Magnitude)
	p.emit(ctx, domain.EntityCreated, state, active)
}

func (p *Platform) update(ctx context.Context, externalID string) {
	p.mu.RLock()
	_, exists := p.entities[externalID]
	p.mu.RUnlock()
	if !exists {
		return
	}

	entry, ok := p.lookup.Entry(externalID)
	if !ok {
		return
	}

	p.mu.Lock()
	if _, exists := p.entities[externalID]; !exists {
		p.mu.Unlock()
		return
	}
	state := p.stateFrom(externalID, entry)
	p.entities[externalID] = state
	active := len(p.entities)
	p.mu.Unlock()

	p.emit(ctx, domain.EntityUpdated, state, active)
}

func (p *Platform) remove(ctx context.Context, externalID string) {
	p.mu.Lock()
	state, exists := p.entities[externalID]
	if !exists {
		p.mu.Unlock()
		return
	}
	delete(p.entities, externalID)
	active := len(p.entities)
	p.mu.Unlock()

	p.logger.Debug("removing geolocation", "unique_id", state.UniqueID)
	p.emit(ctx, domain.EntityRemoved, state, active)
}

// Entity returns the surfaced entity for an external id.
func (p *Platform) Entity(externalID string) (domain.EntityState, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.entities[externalID]
	return s, ok
}

// Entities returns every surfaced entity, sorted by unique id.
func (p *Platform) Entities() []domain.EntityState {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]domain.EntityState, 0, len(p.entities))
	for _, s := range p.entities {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UniqueID < out[j].UniqueID })
	return out
}

// Close tears down every entity, emitting a removal for each.
func (p *Platform) Close(ctx context.Context) {
	p.mu.Lock()
	removed := make([]domain.EntityState, 0, len(p.entities))
	for _, s := range p.entities {
		removed = append(removed, s)
	}
	p.entities = make(map[string]domain.EntityState)
	p.mu.Unlock()

	sort.Slice(removed, func(i, j int) bool { return removed[i].UniqueID < removed[j].UniqueID })
	for _, s := range removed {
		p.emit(ctx, domain.EntityRemoved, s, 0)
	}
	p.metrics.EntitiesActive.DeleteLabelValues(p.installation.ID)
}

func (p *Platform) stateFrom(externalID string, entry domain.FeedEntry) domain.EntityState {
	eventID := entry.EventID
	if eventID == "" {
		eventID = externalID
	}
	return domain.EntityState{
		UniqueID:       domain.UniqueID(p.installation.ID, externalID),
		InstallationID: p.installation.ID,
		ExternalID:     externalID,
		Name:           domain.Integration + "_" + eventID,
		Source:         domain.Source,
		Latitude:       entry.Geo.Lat,
		Longitude:      entry.Geo.Lon,
		Distance:       entry.DistanceToHome,
		Unit:           domain.UnitKilometers,
		Attributes: domain.EntityAttributes{
			Magnitude:  entry.Magnitude,
			Depth:      entry.Depth,
			Gmt:        entry.Gmt,
			Type:       entry.Type,
			Location:   entry.Location,
			LocationGR: entry.LocationGR,
		},
		UpdatedAt: domain.Now(),
	}
}

func (p *Platform) emit(ctx context.Context, kind domain.EntityEventKind, state domain.EntityState, active int) {
	p.metrics.EntityEvents.WithLabelValues(string(kind)).Inc()
	p.metrics.EntitiesActive.WithLabelValues(p.installation.ID).Set(float64(active))

	ev := domain.EntityEvent{Kind: kind, Entity: state, OccurredAt: domain.Now()}
	for _, l := range p.listeners {
		l.HandleEntityEvent(ctx, ev)
	}
}

// Command validate performs end-to-end integrity checks against a live seismic
// feed: it fetches two snapshots, verifies field presence and ranges, checks
// that reconciliation classifies every id exactly once, and previews which
// events an installation would surface.
//
// Usage:
//
//	go run ./cmd/validate \
//	  -url https://bbnet2.gein.noa.gr/data/1 \
//	  -lat 37.9755 -lon 23.7348 -radius 200 \
//	  -threshold 3.2 -wait 30s
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"github.com/couchcryptid/seismoi-feed/internal/adapter/seismoi"
	"github.com/couchcryptid/seismoi-feed/internal/domain"
	"github.com/couchcryptid/seismoi-feed/internal/feed"
	"github.com/couchcryptid/seismoi-feed/internal/geolocation"
	"github.com/couchcryptid/seismoi-feed/internal/observability"
)

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

type options struct {
	url       string
	home      domain.Geo
	radiusKM  float64
	threshold float64
	wait      time.Duration
	timeout   time.Duration
}

func main() {
	var o options
	flag.StringVar(&o.url, "url", domain.DefaultFeedURL, "feed URL")
	flag.Float64Var(&o.home.Lat, "lat", 37.9755, "home latitude")
	flag.Float64Var(&o.home.Lon, "lon", 23.7348, "home longitude")
	flag.Float64Var(&o.radiusKM, "radius", domain.MetersToKilometers(domain.DefaultRadiusMeters), "radius in km (0 disables filtering)")
	flag.Float64Var(&o.threshold, "threshold", domain.DefaultMagnitudeThreshold, "magnitude threshold")
	flag.DurationVar(&o.wait, "wait", 0, "delay between the two snapshots")
	flag.DurationVar(&o.timeout, "timeout", 10*time.Second, "fetch timeout")
	flag.Parse()

	if code := run(context.Background(), o, os.Stdout); code != 0 {
		os.Exit(code)
	}
}

func run(ctx context.Context, o options, out io.Writer) int {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := seismoi.NewClient(o.timeout, logger)

	fmt.Fprintln(out, "=== Seismoi Feed Integrity Validation ===")
	fmt.Fprintln(out)

	// ── Fetch snapshots ──
	all, err := client.Fetch(ctx, o.url, o.home, 0)
	if err != nil {
		fmt.Fprintf(out, "FATAL: fetch feed: %v\n", err)
		return 1
	}

	inst := domain.Installation{
		ID:        "validate",
		URL:       o.url,
		Latitude:  o.home.Lat,
		Longitude: o.home.Lon,
		RadiusKM:  o.radiusKM,
		Options:   domain.Options{MagnitudeThreshold: &o.threshold},
	}
	metrics := observability.NewMetricsForTesting()
	manager := feed.New(inst, client, logger, metrics)
	platform := geolocation.NewPlatform(inst, manager, logger, metrics)
	recorder := &eventRecorder{}
	manager.Subscribe(platform)
	manager.Subscribe(recorder)

	if err := manager.Update(ctx); err != nil {
		fmt.Fprintf(out, "FATAL: first update: %v\n", err)
		return 1
	}
	first := recorder.take()
	firstHeld := len(manager.Entries())

	if o.wait > 0 {
		fmt.Fprintf(out, "Waiting %s for a second snapshot...\n", o.wait)
		time.Sleep(o.wait)
	}
	if err := manager.Update(ctx); err != nil {
		fmt.Fprintf(out, "FATAL: second update: %v\n", err)
		return 1
	}
	second := recorder.take()

	// ── Run validation phases ──
	phases := []*phase{
		validateEntries(all),
		validateRadius(manager.Entries(), o.radiusKM),
		validateFirstSnapshot(first, firstHeld),
		validateReconciliation(second),
		validateEntities(platform.Entities(), manager, inst),
	}

	// ── Report results ──
	fmt.Fprintln(out)
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Fprintf(out, "  %-42s %s\n", p.name, status)
	}

	fmt.Fprintln(out)
	fmt.Fprintf(out, "Entries: %d in feed, %d within %.1f km, %d surfaced at M>%.1f\n",
		len(all), len(manager.Entries()), o.radiusKM, len(platform.Entities()), o.threshold)
	fmt.Fprintf(out, "Second snapshot: %s\n", summarize(second))

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Fprintf(out, "\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Fprintf(out, "  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Fprintln(out, "\nAll validations passed.")
		return 0
	}
	fmt.Fprintln(out, "\nValidation FAILED.")
	return 1
}

// ── Event capture ──

type eventRecorder struct {
	events []domain.FeedEvent
}

func (r *eventRecorder) HandleFeedEvent(_ context.Context, ev domain.FeedEvent) {
	r.events = append(r.events, ev)
}

func (r *eventRecorder) take() []domain.FeedEvent {
	out := r.events
	r.events = nil
	return out
}

func summarize(events []domain.FeedEvent) string {
	counts := map[domain.FeedEventKind]int{}
	for _, ev := range events {
		counts[ev.Kind]++
	}
	return fmt.Sprintf("added=%d updated=%d removed=%d",
		counts[domain.EntryAdded], counts[domain.EntryUpdated], counts[domain.EntryRemoved])
}

// ── Phases ──

// validateEntries checks field presence and ranges on every decoded entry.
func validateEntries(entries []domain.FeedEntry) *phase {
	p := &phase{name: "Phase 1: Entry field integrity"}
	if len(entries) == 0 {
		p.errorf("feed returned no point features")
		return p
	}

	seen := make(map[string]bool, len(entries))
	for i := range entries {
		e := &entries[i]
		if strings.TrimSpace(e.ExternalID) == "" {
			p.errorf("entry %d: empty external id", i)
		}
		if seen[e.ExternalID] {
			p.errorf("%s: duplicate external id", e.ExternalID)
		}
		seen[e.ExternalID] = true

		if e.Geo.Lat < -90 || e.Geo.Lat > 90 || e.Geo.Lon < -180 || e.Geo.Lon > 180 {
			p.errorf("%s: coordinates out of range (%v, %v)", e.ExternalID, e.Geo.Lat, e.Geo.Lon)
		}
		if e.Magnitude < -2 || e.Magnitude > 10 {
			p.errorf("%s: magnitude %v out of range", e.ExternalID, e.Magnitude)
		}
		if e.Depth < 0 || e.Depth > 800 {
			p.errorf("%s: depth %v out of range", e.ExternalID, e.Depth)
		}
		if e.Gmt == "" {
			p.errorf("%s: missing Gmt", e.ExternalID)
		} else if e.OriginTime.IsZero() {
			p.errorf("%s: unparseable Gmt %q", e.ExternalID, e.Gmt)
		}
		if e.EventID == "" {
			p.errorf("%s: missing EventId", e.ExternalID)
		}
		if math.IsNaN(e.DistanceToHome) || e.DistanceToHome < 0 {
			p.errorf("%s: invalid distance %v", e.ExternalID, e.DistanceToHome)
		}
	}
	return p
}

// validateRadius checks that the held snapshot respects the radius filter.
func validateRadius(entries []domain.FeedEntry, radiusKM float64) *phase {
	p := &phase{name: "Phase 2: Radius filter"}
	if radiusKM <= 0 {
		return p
	}
	for _, e := range entries {
		if e.DistanceToHome > radiusKM {
			p.errorf("%s: %.1f km exceeds radius %.1f km", e.ExternalID, e.DistanceToHome, radiusKM)
		}
	}
	return p
}

// validateFirstSnapshot checks that the first update reports every held id as added.
func validateFirstSnapshot(events []domain.FeedEvent, held int) *phase {
	p := &phase{name: "Phase 3: First snapshot classification"}
	added := 0
	for _, ev := range events {
		if ev.Kind != domain.EntryAdded {
			p.errorf("%s: first update emitted %s", ev.ExternalID, ev.Kind)
			continue
		}
		added++
	}
	if added != held {
		p.errorf("first update added %d ids but holds %d", added, held)
	}
	return p
}

// validateReconciliation checks that no id is classified twice in one update.
func validateReconciliation(events []domain.FeedEvent) *phase {
	p := &phase{name: "Phase 4: Reconciliation uniqueness"}
	kinds := make(map[string]domain.FeedEventKind, len(events))
	for _, ev := range events {
		if prev, ok := kinds[ev.ExternalID]; ok {
			p.errorf("%s: classified as both %s and %s", ev.ExternalID, prev, ev.Kind)
		}
		kinds[ev.ExternalID] = ev.Kind
	}
	return p
}

// validateEntities checks the attribute contract of every surfaced entity.
func validateEntities(entities []domain.EntityState, lookup geolocation.EntryLookup, inst domain.Installation) *phase {
	p := &phase{name: "Phase 5: Entity attribute contract"}
	for _, s := range entities {
		if s.UniqueID != domain.UniqueID(inst.ID, s.ExternalID) {
			p.errorf("%s: unique id %q", s.ExternalID, s.UniqueID)
		}
		if !strings.HasPrefix(s.Name, domain.Integration+"_") {
			p.errorf("%s: name %q lacks integration prefix", s.ExternalID, s.Name)
		}
		if s.Unit != domain.UnitKilometers || s.Source != domain.Source {
			p.errorf("%s: unit %q source %q", s.ExternalID, s.Unit, s.Source)
		}
		entry, ok := lookup.Entry(s.ExternalID)
		if !ok {
			p.errorf("%s: entity without a held feed entry", s.ExternalID)
			continue
		}
		if s.Attributes.Magnitude != entry.Magnitude || s.Distance != entry.DistanceToHome {
			p.errorf("%s: entity is stale relative to the feed", s.ExternalID)
		}
	}
	return p
}

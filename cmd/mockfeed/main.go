// Command mockfeed serves a synthetic seismic GeoJSON feed shaped like the NOA
// endpoint, with events churning on a fixed interval. It can also write a
// single snapshot to disk as a test fixture.
//
// Usage:
//
//	go run ./cmd/mockfeed -addr :8090 -churn 30s
//	go run ./cmd/mockfeed -out data/mock/feed.geojson -size 40 -seed 7
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/couchcryptid/seismoi-feed/internal/domain"
)

// fixtureTime pins generated timestamps when writing fixtures.
var fixtureTime = time.Date(2024, time.April, 26, 15, 0, 0, 0, time.UTC)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	addr := flag.String("addr", ":8090", "listen address for the mock feed")
	out := flag.String("out", "", "write one snapshot to this path and exit")
	churn := flag.Duration("churn", 30*time.Second, "interval between feed changes")
	size := flag.Int("size", 25, "number of events in the feed window")
	seed := flag.Uint64("seed", 1, "random seed")
	lat := flag.Float64("lat", 37.9755, "center latitude")
	lon := flag.Float64("lon", 23.7348, "center longitude")
	spread := flag.Float64("spread", 1.5, "max offset from the center in degrees")
	flag.Parse()

	center := orb.Point{*lon, *lat}

	if *out != "" {
		g := newGenerator(*seed, clockwork.NewFakeClockAt(fixtureTime), center, *spread, *size)
		fc := g.collection()
		if err := writeFixture(*out, fc); err != nil {
			return fmt.Errorf("writing fixture: %w", err)
		}
		log.Printf("wrote %d features to %s", len(fc.Features), *out)
		printStats(fc, center)
		return nil
	}

	clock := clockwork.NewRealClock()
	g := newGenerator(*seed, clock, center, *spread, *size)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go churnLoop(ctx, g, clock, *churn)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           newHandler(g),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("mock feed listening on %s (churn every %s)", *addr, *churn)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newHandler(g *generator) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /data/1", func(w http.ResponseWriter, _ *http.Request) {
		data, err := g.collection().MarshalJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		_, _ = w.Write(data)
	})
	return mux
}

func churnLoop(ctx context.Context, g *generator, clock clockwork.Clock, every time.Duration) {
	ticker := clock.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			g.step()
		}
	}
}

func writeFixture(path string, fc *geojson.FeatureCollection) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := fc.MarshalJSON()
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o600)
}

// printStats reports how many fixture events an installation at the center
// would surface with the default radius and threshold.
func printStats(fc *geojson.FeatureCollection, center orb.Point) {
	var inRadius, surfaced int
	home := domain.Geo{Lat: center.Lat(), Lon: center.Lon()}
	radiusKM := domain.MetersToKilometers(domain.DefaultRadiusMeters)
	for _, f := range fc.Features {
		pt, ok := f.Geometry.(orb.Point)
		if !ok {
			continue
		}
		e := domain.NewFeedEntry(f.ID, domain.Geo{Lat: pt.Lat(), Lon: pt.Lon()}, map[string]any(f.Properties))
		if distanceKM(home, pt) > radiusKM {
			continue
		}
		inRadius++
		if domain.ExceedsThreshold(e.Magnitude, domain.DefaultMagnitudeThreshold) {
			surfaced++
		}
	}
	fmt.Println("\n=== Stats for updating test assertions ===")
	fmt.Printf("Total: %d\n", len(fc.Features))
	fmt.Printf("Within %.0f km: %d\n", radiusKM, inRadius)
	fmt.Printf("Surfaced at M>%.1f: %d\n", domain.DefaultMagnitudeThreshold, surfaced)
}

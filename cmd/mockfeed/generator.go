package main

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"

	"github.com/couchcryptid/seismoi-feed/internal/domain"
)

// town anchors the human-readable Location property of generated events.
type town struct {
	name   string
	nameGR string
	point  orb.Point
}

var towns = []town{
	{name: "Athens", nameGR: "Αθήνα", point: orb.Point{23.7348, 37.9755}},
	{name: "Patras", nameGR: "Πάτρα", point: orb.Point{21.7346, 38.2466}},
	{name: "Thessaloniki", nameGR: "Θεσσαλονίκη", point: orb.Point{22.9444, 40.6401}},
	{name: "Heraklion", nameGR: "Ηράκλειο", point: orb.Point{25.1442, 35.3387}},
	{name: "Kalamata", nameGR: "Καλαμάτα", point: orb.Point{22.1142, 37.0389}},
}

var directions = []struct{ en, gr string }{
	{"N", "Β"}, {"NE", "ΒΑ"}, {"E", "Α"}, {"SE", "ΝΑ"},
	{"S", "Ν"}, {"SW", "ΝΔ"}, {"W", "Δ"}, {"NW", "ΒΔ"},
}

// generator keeps a rolling window of synthetic events around a center point.
// Every step retires the oldest event, revises one magnitude, and appends a
// new event, so successive polls see added, updated, and removed ids.
type generator struct {
	mu     sync.Mutex
	rng    *rand.Rand
	clock  clockwork.Clock
	center orb.Point
	spread float64 // degrees
	size   int
	seq    int
	events []*geojson.Feature
}

func newGenerator(seed uint64, clock clockwork.Clock, center orb.Point, spread float64, size int) *generator {
	g := &generator{
		rng:    rand.New(rand.NewPCG(seed, seed^0x5eed)),
		clock:  clock,
		center: center,
		spread: spread,
		size:   size,
	}
	for range size {
		g.events = append(g.events, g.newFeature())
	}
	return g
}

// step advances the window by one event.
func (g *generator) step() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.events) > 0 {
		g.events = g.events[1:]
	}
	if len(g.events) > 0 {
		f := g.events[g.rng.IntN(len(g.events))]
		f.Properties["Magnitude"] = formatMagnitude(g.magnitude())
	}
	for len(g.events) < g.size {
		g.events = append(g.events, g.newFeature())
	}
}

// collection returns a snapshot of the current window.
func (g *generator) collection() *geojson.FeatureCollection {
	g.mu.Lock()
	defer g.mu.Unlock()

	fc := geojson.NewFeatureCollection()
	for _, f := range g.events {
		clone := geojson.NewFeature(f.Geometry)
		clone.ID = f.ID
		clone.Properties = f.Properties.Clone()
		fc.Append(clone)
	}
	return fc
}

func (g *generator) newFeature() *geojson.Feature {
	g.seq++
	now := g.clock.Now().UTC()
	pt := orb.Point{
		g.center.Lon() + (g.rng.Float64()*2-1)*g.spread,
		g.center.Lat() + (g.rng.Float64()*2-1)*g.spread,
	}
	eventID := fmt.Sprintf("noa%s%04d", now.Format("20060102"), g.seq)

	f := geojson.NewFeature(pt)
	f.ID = eventID
	en, gr := describe(pt)
	f.Properties = geojson.Properties{
		domain.PropEventID:    eventID,
		domain.PropMagnitude:  formatMagnitude(g.magnitude()),
		domain.PropDepth:      math.Round(g.rng.Float64()*300) / 10,
		domain.PropGmt:        now.Format("2006-01-02 15:04:05"),
		domain.PropType:       "ML",
		domain.PropLocation:   en,
		domain.PropLocationGR: gr,
	}
	return f
}

// magnitude draws from an exponential distribution so most events are small.
func (g *generator) magnitude() float64 {
	m := 1.0 + g.rng.ExpFloat64()*1.1
	return math.Min(math.Round(m*10)/10, 7.5)
}

// describe names a point relative to the nearest town.
func describe(pt orb.Point) (string, string) {
	nearest := towns[0]
	best := math.Inf(1)
	for _, t := range towns {
		if d := geo.DistanceHaversine(pt, t.point); d < best {
			best, nearest = d, t
		}
	}
	bearing := geo.Bearing(nearest.point, pt)
	idx := int(math.Round(math.Mod(bearing+360, 360)/45)) % len(directions)
	km := strconv.FormatFloat(best/1000, 'f', 1, 64)
	dir := directions[idx]
	return fmt.Sprintf("%s km %s of %s", km, dir.en, nearest.name),
		fmt.Sprintf("%s χλμ %s %s", km, dir.gr, nearest.nameGR)
}

// formatMagnitude publishes magnitudes as strings, as the live feed does.
func formatMagnitude(m float64) string {
	return strconv.FormatFloat(m, 'f', 1, 64)
}

func distanceKM(home domain.Geo, pt orb.Point) float64 {
	return geo.DistanceHaversine(orb.Point{home.Lon, home.Lat}, pt) / 1000
}

package domain

import (
	"errors"
	"fmt"
	"time"
)

const (
	// Integration is the name prefix for entities and installation titles.
	Integration = "seismoi"

	// Source is the attribution shown on every entity, spelled as the
	// provider's own integration has always published it.
	Source = "Institude of Geodynamics"

	// DefaultFeedURL is the NOA GeoJSON endpoint.
	DefaultFeedURL = "https://bbnet2.gein.noa.gr/data/1"

	DefaultRadiusMeters       = 20000.0
	DefaultMagnitudeThreshold = 3.2
	DefaultUpdateInterval     = 300 * time.Second

	// UnitKilometers is the unit of every distance the service reports.
	UnitKilometers = "km"
)

var (
	// ErrInstallationNotFound is returned when no stored installation matches.
	ErrInstallationNotFound = errors.New("installation not found")

	// ErrAlreadyConfigured is returned when an installation with the same feed
	// URL and home location already exists.
	ErrAlreadyConfigured = errors.New("already_configured")
)

// Options holds the installation settings that may change after setup.
type Options struct {
	// MagnitudeThreshold is nil when the user never set one.
	MagnitudeThreshold *float64 `json:"magnitude_threshold,omitempty"`
}

// Installation is one configured feed subscription: a fixed feed URL, a home
// location, and a radius, plus mutable options.
type Installation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	RadiusKM  float64   `json:"radius_km"`
	Options   Options   `json:"options"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Home returns the installation's home coordinates.
func (i Installation) Home() Geo {
	return Geo{Lat: i.Latitude, Lon: i.Longitude}
}

// Threshold returns the effective magnitude threshold, falling back to the default.
func (i Installation) Threshold() float64 {
	if i.Options.MagnitudeThreshold == nil {
		return DefaultMagnitudeThreshold
	}
	return *i.Options.MagnitudeThreshold
}

// InstallationTitle formats the display title for a home location.
func InstallationTitle(lat, lon float64) string {
	return fmt.Sprintf("Seismoi (%v, %v)", lat, lon)
}

// ExceedsThreshold reports whether an event qualifies for an entity. The
// comparison is strict: an event exactly at the threshold is not surfaced.
func ExceedsThreshold(magnitude, threshold float64) bool {
	return magnitude > threshold
}

// MetersToKilometers converts a wizard radius to the stored unit.
func MetersToKilometers(m float64) float64 {
	return m / 1000.0
}

// UniqueID builds the entity unique id for an external id under an installation.
func UniqueID(installationID, externalID string) string {
	return installationID + "_" + externalID
}

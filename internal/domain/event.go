package domain

import (
	"time"
)

// Geo represents a WGS-84 latitude/longitude coordinate pair.
type Geo struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// FeedEntry is one seismic event as seen in a single fetch of the feed.
// Entries are immutable snapshots; a later fetch produces a new value.
type FeedEntry struct {
	ExternalID     string    `json:"external_id"`
	EventID        string    `json:"event_id,omitempty"`
	Geo            Geo       `json:"geo"`
	DistanceToHome float64   `json:"distance_to_home"` // kilometers
	Magnitude      float64   `json:"magnitude"`
	Depth          float64   `json:"depth"`       // kilometers
	Gmt            string    `json:"gmt"`         // origin time as published
	OriginTime     time.Time `json:"origin_time"` // zero when Gmt is unparseable
	Type           string    `json:"type"`
	Location       string    `json:"location"`
	LocationGR     string    `json:"location_gr"`
}

// FeedEventKind classifies an external id after comparing two snapshots.
type FeedEventKind string

const (
	EntryAdded   FeedEventKind = "added"
	EntryUpdated FeedEventKind = "updated"
	EntryRemoved FeedEventKind = "removed"
)

// FeedEvent notifies observers about one external id changing state between
// two successive fetches. Entry is the latest snapshot for added and updated
// ids and the last known snapshot for removed ids.
type FeedEvent struct {
	Kind           FeedEventKind
	InstallationID string
	ExternalID     string
	Entry          FeedEntry
}

// EntityEventKind describes a change to a surfaced geolocation entity.
type EntityEventKind string

const (
	EntityCreated EntityEventKind = "created"
	EntityUpdated EntityEventKind = "updated"
	EntityRemoved EntityEventKind = "removed"
)

// EntityState is the externally visible attribute set of a geolocation entity.
type EntityState struct {
	UniqueID       string           `json:"unique_id"`
	InstallationID string           `json:"installation_id"`
	ExternalID     string           `json:"external_id"`
	Name           string           `json:"name"`
	Source         string           `json:"source"`
	Latitude       float64          `json:"latitude"`
	Longitude      float64          `json:"longitude"`
	Distance       float64          `json:"distance"`
	Unit           string           `json:"unit_of_measurement"`
	Attributes     EntityAttributes `json:"attributes"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// EntityAttributes are the provider-specific extras carried on every entity.
type EntityAttributes struct {
	Magnitude  float64 `json:"magnitude"`
	Depth      float64 `json:"depth"`
	Gmt        string  `json:"gmt"`
	Type       string  `json:"type"`
	Location   string  `json:"location"`
	LocationGR string  `json:"location_gr"`
}

// EntityEvent is emitted to entity listeners whenever a surfaced entity is
// created, refreshed, or torn down.
type EntityEvent struct {
	Kind       EntityEventKind `json:"kind"`
	Entity     EntityState     `json:"entity"`
	OccurredAt time.Time       `json:"occurred_at"`
}

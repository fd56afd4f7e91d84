// Package domain models seismic events published by the Institute of
// Geodynamics of the National Observatory of Athens (NOA).
//
// # Data Source
//
// The provider publishes the currently relevant earthquakes as a single GeoJSON
// FeatureCollection at https://bbnet2.gein.noa.gr/data/1. The document is a
// rolling window: events appear when they are located, may be revised while
// they stay in the window (magnitude, depth, epicenter), and drop out when they
// age past it. The service polls the document every five minutes.
//
// # Feed Conventions
//
// Each feature carries a Point geometry in GeoJSON order:
//
//	[longitude, latitude] or [longitude, latitude, depth]
//
// and a property bag with these keys (case as published):
//
//	EventId      provider event identifier, e.g. "noa2024abcd"
//	Magnitude    local magnitude, number or numeric string, e.g. 3.6 or "3.6"
//	Depth        hypocentral depth in kilometers
//	Gmt          origin time in UTC, e.g. "2024-04-26 15:10:42"
//	Type         magnitude type or event class, e.g. "ML"
//	Location     English region description, e.g. "12.3 km NW of Patras"
//	Location_gr  Greek region description
//
// Values arrive inconsistently typed: numeric fields are sometimes strings and
// some fields may be missing on freshly located events. Unparseable numbers
// decode to zero rather than rejecting the whole feature.
//
// # External IDs
//
// The stable key for an event is the GeoJSON feature id. Features without an
// id fall back to the EventId property, and features with neither are keyed by
// a hash of their coordinates so that an unchanged feature keeps its key across
// polls. See [ExternalIDFor].
//
// # Threshold
//
// An event is surfaced as a geolocation entity only when its magnitude is
// strictly greater than the installation's threshold (default 3.2). Events at
// or below the threshold are still tracked for diffing. See [ExceedsThreshold].
package domain

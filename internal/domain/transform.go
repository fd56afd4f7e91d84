package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Property keys published by the provider.
const (
	PropEventID    = "EventId"
	PropMagnitude  = "Magnitude"
	PropDepth      = "Depth"
	PropGmt        = "Gmt"
	PropType       = "Type"
	PropLocation   = "Location"
	PropLocationGR = "Location_gr"
)

// gmtLayouts lists the origin time formats seen in the feed, most common first.
var gmtLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.0",
	"2006-01-02 15:04:05.00",
	"2006/01/02 15:04:05",
	time.RFC3339,
	"2006-01-02T15:04:05",
}

// NewFeedEntry builds a FeedEntry from a decoded feature. featureID is the raw
// GeoJSON feature id (string, number, or nil).
func NewFeedEntry(featureID any, geo Geo, props map[string]any) FeedEntry {
	eventID := stringValue(props[PropEventID])
	depth, _ := numericValue(props[PropDepth])
	magnitude, _ := numericValue(props[PropMagnitude])
	gmt := stringValue(props[PropGmt])

	return FeedEntry{
		ExternalID: ExternalIDFor(featureID, eventID, geo),
		EventID:    eventID,
		Geo:        geo,
		Magnitude:  magnitude,
		Depth:      depth,
		Gmt:        gmt,
		OriginTime: parseGmt(gmt),
		Type:       stringValue(props[PropType]),
		Location:   stringValue(props[PropLocation]),
		LocationGR: stringValue(props[PropLocationGR]),
	}
}

// ExternalIDFor picks the stable key for a feature: the feature id, then the
// EventId property, then a short hash of the coordinates.
func ExternalIDFor(featureID any, eventID string, geo Geo) string {
	if id := stringValue(featureID); id != "" {
		return id
	}
	if eventID != "" {
		return eventID
	}
	hash := sha256.Sum256([]byte(fmt.Sprintf("%.5f|%.5f", geo.Lat, geo.Lon)))
	return "geo-" + hex.EncodeToString(hash[:8])
}

// numericValue converts the representations the feed uses for numbers into a
// float64. Strings are trimmed and may use a decimal comma.
func numericValue(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		s := strings.TrimSpace(strings.ReplaceAll(t, ",", "."))
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// stringValue renders a property as a trimmed string. Integral numbers are
// printed without a fractional part so numeric ids stay stable.
func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

// parseGmt parses the provider origin time as UTC. Returns the zero time
// when no known layout matches.
func parseGmt(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range gmtLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

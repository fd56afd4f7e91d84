package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/couchcryptid/seismoi-feed/internal/domain"
)

const healthyFeed = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "id": "noa1",
     "geometry": {"type": "Point", "coordinates": [23.70, 38.05]},
     "properties": {"EventId": "noa1", "Magnitude": "3.6", "Depth": 11, "Gmt": "2024-04-26 15:10:42",
                    "Type": "ML", "Location": "8.9 km N of Athens", "Location_gr": "8.9 χλμ Β Αθήνα"}},
    {"type": "Feature", "id": "noa2",
     "geometry": {"type": "Point", "coordinates": [23.75, 37.95]},
     "properties": {"EventId": "noa2", "Magnitude": 2.1, "Depth": 5, "Gmt": "2024-04-26 15:20:00",
                    "Type": "ML", "Location": "3 km S of Athens", "Location_gr": "3 χλμ Ν Αθήνα"}}
  ]
}`

const brokenFeed = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "id": "bad",
     "geometry": {"type": "Point", "coordinates": [23.70, 38.05]},
     "properties": {"Magnitude": 12, "Depth": -3, "Gmt": "soon"}}
  ]
}`

func serve(t *testing.T, body string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func testOptions(url string) options {
	return options{
		url:       url,
		home:      domain.Geo{Lat: 37.9755, Lon: 23.7348},
		radiusKM:  20,
		threshold: domain.DefaultMagnitudeThreshold,
		timeout:   5 * time.Second,
	}
}

func TestRun_HealthyFeed(t *testing.T) {
	var out bytes.Buffer
	code := run(context.Background(), testOptions(serve(t, healthyFeed)), &out)

	assert.Equal(t, 0, code, out.String())
	assert.Contains(t, out.String(), "2 in feed, 2 within 20.0 km, 1 surfaced")
	assert.Contains(t, out.String(), "added=0 updated=2 removed=0")
}

func TestRun_BrokenFeed(t *testing.T) {
	var out bytes.Buffer
	code := run(context.Background(), testOptions(serve(t, brokenFeed)), &out)

	assert.Equal(t, 1, code)
	assert.Contains(t, out.String(), "magnitude 12 out of range")
	assert.Contains(t, out.String(), "unparseable Gmt")
	assert.Contains(t, out.String(), "missing EventId")
}

func TestRun_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	var out bytes.Buffer
	code := run(context.Background(), testOptions(url), &out)

	assert.Equal(t, 1, code)
	assert.Contains(t, out.String(), "FATAL")
}

func TestValidateReconciliation_DoubleClassification(t *testing.T) {
	p := validateReconciliation([]domain.FeedEvent{
		{Kind: domain.EntryAdded, ExternalID: "a"},
		{Kind: domain.EntryRemoved, ExternalID: "a"},
	})
	assert.False(t, p.passed())
}

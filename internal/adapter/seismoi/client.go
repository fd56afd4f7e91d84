package seismoi

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"

	"github.com/couchcryptid/seismoi-feed/internal/domain"
)

// maxFeedBytes caps how much of a response body is decoded.
const maxFeedBytes = 8 << 20

// Client fetches the NOA GeoJSON feed and maps it to feed entries.
// It implements feed.Fetcher.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a feed client with the given request timeout.
func NewClient(timeout time.Duration, logger *slog.Logger) *Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		logger:     logger,
	}
}

// Fetch downloads the feed at url and returns the entries within radiusKM of
// home, each with its distance to home. A radius of zero disables filtering.
func (c *Client) Fetch(ctx context.Context, url string, home domain.Geo, radiusKM float64) ([]domain.FeedEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/geo+json, application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("feed error: status %d: %s", resp.StatusCode, body)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, fmt.Errorf("read feed: %w", err)
	}

	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("decode feed: %w", err)
	}

	entries := mapFeatures(fc, home, radiusKM, c.logger)
	c.logger.Debug("feed fetched", "url", url, "features", len(fc.Features), "entries", len(entries))
	return entries, nil
}

// mapFeatures converts point features to feed entries, dropping features
// without point geometry and those farther than radiusKM from home.
func mapFeatures(fc *geojson.FeatureCollection, home domain.Geo, radiusKM float64, logger *slog.Logger) []domain.FeedEntry {
	homePoint := orb.Point{home.Lon, home.Lat}
	entries := make([]domain.FeedEntry, 0, len(fc.Features))

	for _, f := range fc.Features {
		pt, ok := f.Geometry.(orb.Point)
		if !ok {
			logger.Debug("skipping feature without point geometry", "id", f.ID)
			continue
		}

		// orb.Point keeps only lon/lat; depth comes from the Depth property.
		position := domain.Geo{Lat: pt.Lat(), Lon: pt.Lon()}
		entry := domain.NewFeedEntry(f.ID, position, map[string]any(f.Properties))
		entry.DistanceToHome = geo.DistanceHaversine(homePoint, pt) / 1000.0

		if radiusKM > 0 && entry.DistanceToHome > radiusKM {
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

package domain

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testEventID  = "noa2024hzkq"
	testLocation = "12.3 km NW of Patras"
	testGmt      = "2024-04-26 15:10:42"
)

func TestNewFeedEntry(t *testing.T) {
	geo := Geo{Lat: 38.33, Lon: 21.65}

	t.Run("numeric properties", func(t *testing.T) {
		props := map[string]any{
			PropEventID:    testEventID,
			PropMagnitude:  3.6,
			PropDepth:      12.0,
			PropGmt:        testGmt,
			PropType:       "ML",
			PropLocation:   testLocation,
			PropLocationGR: "12.3 χλμ ΒΔ της Πάτρας",
		}
		e := NewFeedEntry("f-1", geo, props)

		assert.Equal(t, "f-1", e.ExternalID)
		assert.Equal(t, testEventID, e.EventID)
		assert.Equal(t, geo, e.Geo)
		assert.Equal(t, 3.6, e.Magnitude)
		assert.Equal(t, 12.0, e.Depth)
		assert.Equal(t, testGmt, e.Gmt)
		assert.Equal(t, time.Date(2024, 4, 26, 15, 10, 42, 0, time.UTC), e.OriginTime)
		assert.Equal(t, "ML", e.Type)
		assert.Equal(t, testLocation, e.Location)
		assert.Equal(t, "12.3 χλμ ΒΔ της Πάτρας", e.LocationGR)
	})

	t.Run("string numbers", func(t *testing.T) {
		props := map[string]any{
			PropMagnitude: " 4.1 ",
			PropDepth:     "7,5",
		}
		e := NewFeedEntry(nil, geo, props)

		assert.Equal(t, 4.1, e.Magnitude)
		assert.Equal(t, 7.5, e.Depth)
	})

	t.Run("missing depth decodes to zero", func(t *testing.T) {
		e := NewFeedEntry("f-2", geo, map[string]any{PropMagnitude: 2.0})
		assert.Equal(t, 0.0, e.Depth)
	})

	t.Run("unparseable magnitude decodes to zero", func(t *testing.T) {
		e := NewFeedEntry("f-3", geo, map[string]any{PropMagnitude: "UNK"})
		assert.Equal(t, 0.0, e.Magnitude)
	})

	t.Run("unknown gmt layout keeps the raw string", func(t *testing.T) {
		e := NewFeedEntry("f-4", geo, map[string]any{PropGmt: "yesterday"})
		assert.Equal(t, "yesterday", e.Gmt)
		assert.True(t, e.OriginTime.IsZero())
	})

	t.Run("json.Number properties", func(t *testing.T) {
		var props map[string]any
		dec := json.NewDecoder(strings.NewReader(`{"Magnitude": 5.2, "EventId": 20240426}`))
		dec.UseNumber()
		require.NoError(t, dec.Decode(&props))

		e := NewFeedEntry(nil, geo, props)
		assert.Equal(t, 5.2, e.Magnitude)
		assert.Equal(t, "20240426", e.ExternalID)
	})
}

func TestExternalIDFor(t *testing.T) {
	geo := Geo{Lat: 38.33, Lon: 21.65}

	assert.Equal(t, "feature-7", ExternalIDFor("feature-7", testEventID, geo))
	assert.Equal(t, "42", ExternalIDFor(float64(42), testEventID, geo))
	assert.Equal(t, testEventID, ExternalIDFor(nil, testEventID, geo))
	assert.Equal(t, testEventID, ExternalIDFor("  ", testEventID, geo))

	hashed := ExternalIDFor(nil, "", geo)
	assert.True(t, strings.HasPrefix(hashed, "geo-"))
	assert.Equal(t, hashed, ExternalIDFor(nil, "", geo), "hash must be stable across polls")
	assert.NotEqual(t, hashed, ExternalIDFor(nil, "", Geo{Lat: 38.34, Lon: 21.65}))
}

func TestNumericValue(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want float64
		ok   bool
	}{
		{name: "float", in: 3.2, want: 3.2, ok: true},
		{name: "int", in: 4, want: 4, ok: true},
		{name: "string", in: "3.2", want: 3.2, ok: true},
		{name: "decimal comma", in: "3,2", want: 3.2, ok: true},
		{name: "empty", in: "", ok: false},
		{name: "garbage", in: "n/a", ok: false},
		{name: "nil", in: nil, ok: false},
		{name: "bool", in: true, ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := numericValue(tc.in)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.InDelta(t, tc.want, got, 1e-9)
			}
		})
	}
}

func TestParseGmt(t *testing.T) {
	want := time.Date(2024, 4, 26, 15, 10, 42, 0, time.UTC)

	assert.Equal(t, want, parseGmt("2024-04-26 15:10:42"))
	assert.Equal(t, want, parseGmt("2024/04/26 15:10:42"))
	assert.Equal(t, want, parseGmt("2024-04-26T15:10:42Z"))
	assert.Equal(t, want.Add(300*time.Millisecond), parseGmt("2024-04-26 15:10:42.3"))
	assert.True(t, parseGmt("").IsZero())
}

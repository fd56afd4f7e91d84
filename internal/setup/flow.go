package setup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/couchcryptid/seismoi-feed/internal/domain"
	"github.com/couchcryptid/seismoi-feed/internal/observability"
)

// Step ids.
const (
	StepUser    = "user"
	StepOptions = "init"
)

// ResultType is the outcome of a wizard step.
type ResultType string

const (
	ResultForm        ResultType = "form"
	ResultCreateEntry ResultType = "create_entry"
	ResultAbort       ResultType = "abort"
)

// Store persists installations created or changed by the wizard.
type Store interface {
	Get(ctx context.Context, id string) (domain.Installation, error)
	FindByLocation(ctx context.Context, url string, lat, lon float64) (domain.Installation, error)
	Create(ctx context.Context, inst domain.Installation) (domain.Installation, error)
	UpdateOptions(ctx context.Context, id string, opts domain.Options) (domain.Installation, error)
}

// Loader starts and restarts installations.
type Loader interface {
	Load(inst domain.Installation) error
	Reload(ctx context.Context, id string) error
}

// Magnitude is a threshold accepted as either a JSON number or a numeric string.
type Magnitude float64

func (m *Magnitude) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return fmt.Errorf("magnitude %q is not a number", s)
		}
		*m = Magnitude(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("magnitude must be a number: %w", err)
	}
	*m = Magnitude(v)
	return nil
}

// Location is the home location and radius picked in the user step. Radius is
// in meters.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Radius    float64 `json:"radius"`
}

// UserInput is a submitted user step.
type UserInput struct {
	Location  *Location  `json:"location"`
	Magnitude *Magnitude `json:"magnitude,omitempty"`
}

// OptionsInput is a submitted options step.
type OptionsInput struct {
	Magnitude *Magnitude `json:"magnitude"`
}

// Form describes the fields of a step with their suggested or default values.
type Form struct {
	Location  *Location `json:"location,omitempty"`
	Magnitude Magnitude `json:"magnitude"`
}

// Result is returned by every step.
type Result struct {
	Type         ResultType           `json:"type"`
	StepID       string               `json:"step_id"`
	Form         *Form                `json:"form,omitempty"`
	Errors       map[string]string    `json:"errors,omitempty"`
	Reason       string               `json:"reason,omitempty"`
	Installation *domain.Installation `json:"installation,omitempty"`
}

// Invalid reports whether the step rejected its input.
func (r Result) Invalid() bool {
	return len(r.Errors) > 0
}

// Defaults are the values suggested to a new installation.
type Defaults struct {
	URL       string
	Latitude  float64
	Longitude float64
}

// Flow runs the configuration wizard.
type Flow struct {
	store    Store
	loader   Loader
	defaults Defaults
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewFlow creates a wizard that stores installations and hands them to loader.
func NewFlow(store Store, loader Loader, defaults Defaults, logger *slog.Logger, metrics *observability.Metrics) *Flow {
	if defaults.URL == "" {
		defaults.URL = domain.DefaultFeedURL
	}
	return &Flow{store: store, loader: loader, defaults: defaults, logger: logger, metrics: metrics}
}

// User runs the user step. A nil input returns the form with suggested values.
func (f *Flow) User(ctx context.Context, in *UserInput) (Result, error) {
	if in == nil {
		return f.record(StepUser, Result{
			Type:   ResultForm,
			StepID: StepUser,
			Form: &Form{
				Location: &Location{
					Latitude:  f.defaults.Latitude,
					Longitude: f.defaults.Longitude,
					Radius:    domain.DefaultRadiusMeters,
				},
				Magnitude: Magnitude(domain.DefaultMagnitudeThreshold),
			},
		}), nil
	}

	if errs := validateUser(in); len(errs) > 0 {
		res := Result{Type: ResultForm, StepID: StepUser, Errors: errs}
		if in.Location != nil {
			res.Form = &Form{Location: in.Location, Magnitude: magnitudeOrDefault(in.Magnitude)}
		}
		return f.record(StepUser, res), nil
	}

	lat, lon := in.Location.Latitude, in.Location.Longitude
	_, err := f.store.FindByLocation(ctx, f.defaults.URL, lat, lon)
	switch {
	case err == nil:
		return f.abort(lat, lon), nil
	case !errors.Is(err, domain.ErrInstallationNotFound):
		return Result{}, fmt.Errorf("check existing installation: %w", err)
	}

	threshold := float64(magnitudeOrDefault(in.Magnitude))
	inst, err := f.store.Create(ctx, domain.Installation{
		Title:     domain.InstallationTitle(lat, lon),
		URL:       f.defaults.URL,
		Latitude:  lat,
		Longitude: lon,
		RadiusKM:  domain.MetersToKilometers(in.Location.Radius),
		Options:   domain.Options{MagnitudeThreshold: &threshold},
	})
	if errors.Is(err, domain.ErrAlreadyConfigured) {
		return f.abort(lat, lon), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("create installation: %w", err)
	}

	if err := f.loader.Load(inst); err != nil {
		return Result{}, fmt.Errorf("load installation %s: %w", inst.ID, err)
	}

	f.logger.Info("installation configured", "installation_id", inst.ID, "radius_km", inst.RadiusKM, "threshold", threshold)
	return f.record(StepUser, Result{Type: ResultCreateEntry, StepID: StepUser, Installation: &inst}), nil
}

// Options runs the options step for an installation. A nil input returns the
// form with the current threshold as default; a submission must carry a
// magnitude.
func (f *Flow) Options(ctx context.Context, id string, in *OptionsInput) (Result, error) {
	inst, err := f.store.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}

	if in == nil {
		return f.record(StepOptions, Result{
			Type:   ResultForm,
			StepID: StepOptions,
			Form:   &Form{Magnitude: Magnitude(inst.Threshold())},
		}), nil
	}

	errs := map[string]string{"magnitude": "required"}
	if in.Magnitude != nil {
		errs = validateMagnitude(*in.Magnitude)
	}
	if len(errs) > 0 {
		return f.record(StepOptions, Result{
			Type:   ResultForm,
			StepID: StepOptions,
			Form:   &Form{Magnitude: Magnitude(inst.Threshold())},
			Errors: errs,
		}), nil
	}
	threshold := float64(*in.Magnitude)
	opts := domain.Options{MagnitudeThreshold: &threshold}

	updated, err := f.store.UpdateOptions(ctx, id, opts)
	if err != nil {
		return Result{}, fmt.Errorf("update options: %w", err)
	}
	if err := f.loader.Reload(ctx, id); err != nil {
		return Result{}, fmt.Errorf("reload installation %s: %w", id, err)
	}

	f.logger.Info("installation options updated", "installation_id", id, "threshold", updated.Threshold())
	return f.record(StepOptions, Result{Type: ResultCreateEntry, StepID: StepOptions, Installation: &updated}), nil
}

func (f *Flow) abort(lat, lon float64) Result {
	f.logger.Info("installation already configured", "latitude", lat, "longitude", lon)
	return f.record(StepUser, Result{Type: ResultAbort, StepID: StepUser, Reason: domain.ErrAlreadyConfigured.Error()})
}

func (f *Flow) record(step string, r Result) Result {
	outcome := string(r.Type)
	if r.Invalid() {
		outcome = "invalid"
	}
	f.metrics.SetupResults.WithLabelValues(step, outcome).Inc()
	return r
}

func validateUser(in *UserInput) map[string]string {
	errs := make(map[string]string)
	if in.Location == nil {
		errs["location"] = "required"
		return errs
	}
	loc := in.Location
	if !finite(loc.Latitude) || loc.Latitude < -90 || loc.Latitude > 90 {
		errs["latitude"] = "must be between -90 and 90"
	}
	if !finite(loc.Longitude) || loc.Longitude < -180 || loc.Longitude > 180 {
		errs["longitude"] = "must be between -180 and 180"
	}
	if !finite(loc.Radius) || loc.Radius <= 0 {
		errs["radius"] = "must be a positive number of meters"
	}
	if in.Magnitude != nil {
		for k, v := range validateMagnitude(*in.Magnitude) {
			errs[k] = v
		}
	}
	return errs
}

func validateMagnitude(m Magnitude) map[string]string {
	if !finite(float64(m)) || m < 0 {
		return map[string]string{"magnitude": "must be a non-negative number"}
	}
	return nil
}

func magnitudeOrDefault(m *Magnitude) Magnitude {
	if m == nil {
		return Magnitude(domain.DefaultMagnitudeThreshold)
	}
	return *m
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

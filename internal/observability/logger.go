package observability

import (
	"log/slog"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"

	"github.com/couchcryptid/seismoi-feed/internal/config"
)

// NewLogger builds the service logger from LOG_LEVEL and LOG_FORMAT. The
// shared logger is installed as the slog default; the returned logger adds
// the service name.
func NewLogger(cfg *config.Config) *slog.Logger {
	return sharedobs.NewLogger(cfg.LogLevel, cfg.LogFormat).With("service", "seismoi-feed")
}

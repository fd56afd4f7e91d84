package observability

import (
	"context"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
)

// Readiness is ready when every checker is ready. The first failure wins.
type Readiness []sharedobs.ReadinessChecker

func (r Readiness) CheckReadiness(ctx context.Context) error {
	for _, c := range r {
		if err := c.CheckReadiness(ctx); err != nil {
			return err
		}
	}
	return nil
}

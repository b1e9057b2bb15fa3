package output

import (
	"context"

	"github.com/jobrunner/chartpacks/internal/domain"
)

// Catalog defines the secondary port for the remote region catalog.
type Catalog interface {
	// Region returns one region by ID.
	Region(ctx context.Context, id string) (*domain.Region, error)

	// Regions returns all regions, sorted by ID.
	Regions(ctx context.Context) ([]domain.Region, error)

	// Forget drops cached state for a region.
	Forget(id string)
}

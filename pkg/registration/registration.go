// Package registration defines the image registration service used to map
// subject volumes between spaces, together with an implementation backed by
// the ANTs command line tools. The service is an explicit dependency of the
// pipeline rather than a package-level global so tests can substitute an
// in-process fake.
package registration

import (
	"context"
	"os"
)

// Interpolation selects the resampling strategy applied when a volume is
// moved onto a new grid.
type Interpolation string

const (
	// Linear interpolation is appropriate for continuous intensity images.
	Linear Interpolation = "Linear"

	// NearestNeighbor assigns each output voxel the value of its closest
	// source voxel. It is mandatory for label volumes: label values are
	// categorical, and averaging them would invent invalid intermediate
	// labels at region boundaries.
	NearestNeighbor Interpolation = "NearestNeighbor"
)

// Transform is the forward transform chain produced by a registration,
// ordered the way it must be applied (deformable warp first, then affine).
type Transform struct {
	// Chain holds the transform component file paths in application order
	Chain []string

	// dir is the scratch directory holding the transform files, removed
	// by Cleanup
	dir string
}

// NewTransform builds a transform from its component files. A non-empty
// dir marks a scratch directory staging the files, removed by Cleanup;
// implementations whose transforms have no backing files pass an empty
// dir.
func NewTransform(chain []string, dir string) Transform {
	return Transform{Chain: chain, dir: dir}
}

// Cleanup removes the scratch directory holding the transform files.
// Calling it on a transform without backing files is a no-op.
func (t Transform) Cleanup() error {
	if t.dir == "" {
		return nil
	}
	return os.RemoveAll(t.dir)
}

// Service computes spatial transforms between volumes and applies them.
type Service interface {
	// Register computes the forward transform mapping the moving volume
	// onto the fixed volume's space.
	Register(ctx context.Context, fixedPath, movingPath string) (Transform, error)

	// Resample applies a transform chain to the moving volume, producing
	// a volume on the fixed volume's grid at outPath.
	Resample(ctx context.Context, t Transform, fixedPath, movingPath, outPath string, interp Interpolation) error
}

// Package volume provides loading, writing and in-memory access for 3D
// scalar image volumes stored in the NIfTI-1 format. Reading is delegated
// to the nifti library; writing uses a minimal NIfTI-1 encoder since the
// library is read-only.
package volume

// Volume holds a 3D scalar image as a flat array in row-major order,
// together with its grid dimensions and voxel spacing.
type Volume struct {
	// Data is the voxel data as a 1D array indexed as z*Nx*Ny + y*Nx + x
	Data []float64

	// Nx, Ny, Nz are the grid dimensions in voxels
	Nx, Ny, Nz int

	// Spacing is the physical voxel size along each axis in mm
	Spacing [3]float64
}

// New allocates a zero-filled volume with the given dimensions and a
// default spacing of 1mm along each axis.
func New(nx, ny, nz int) *Volume {
	return &Volume{
		Data:    make([]float64, nx*ny*nz),
		Nx:      nx,
		Ny:      ny,
		Nz:      nz,
		Spacing: [3]float64{1, 1, 1},
	}
}

// At returns the voxel value at (x, y, z).
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[z*v.Nx*v.Ny+y*v.Nx+x]
}

// Set assigns the voxel value at (x, y, z).
func (v *Volume) Set(x, y, z int, value float64) {
	v.Data[z*v.Nx*v.Ny+y*v.Nx+x] = value
}

// NumVoxels returns the total number of voxels in the volume.
func (v *Volume) NumVoxels() int {
	return v.Nx * v.Ny * v.Nz
}

// SameGrid reports whether two volumes share identical voxel grid
// dimensions. Spacing is deliberately not compared: co-registered maps
// written by different tools can disagree in spacing metadata at float
// precision while sharing the exact same grid.
func (v *Volume) SameGrid(o *Volume) bool {
	return v.Nx == o.Nx && v.Ny == o.Ny && v.Nz == o.Nz
}

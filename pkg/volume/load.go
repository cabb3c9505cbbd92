package volume

import (
	"fmt"
	"os"

	"github.com/henghuang/nifti"
)

// Load reads a NIfTI-1 volume (.nii or .nii.gz) from disk. Higher
// dimensions (time, gradient direction) are ignored: only the first 3D
// frame is kept, which is all the scalar FA/MD/label maps carry.
func Load(path string) (*Volume, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("volume %s: %w", path, err)
	}

	img, err := safelyParseImage(path, true)
	if err != nil {
		return nil, fmt.Errorf("reading volume %s: %v", path, err)
	}
	hdr, err := safelyParseHeader(path)
	if err != nil {
		return nil, fmt.Errorf("reading header %s: %v", path, err)
	}

	dims := img.GetDims()
	nx, ny, nz := dims[0], dims[1], dims[2]
	if nx <= 0 || ny <= 0 || nz <= 0 {
		return nil, fmt.Errorf("volume %s: invalid dimensions %dx%dx%d", path, nx, ny, nz)
	}

	vol := New(nx, ny, nz)
	for i := 0; i < 3; i++ {
		vol.Spacing[i] = float64(hdr.Pixdim[i+1])
	}

	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				vol.Set(x, y, z, float64(img.GetAt(x, y, z, 0)))
			}
		}
	}

	return vol, nil
}

// safelyParseImage consumes panics emitted by the nifti library, which are
// inappropriate and must be captured in order to turn them into recoverable
// errors.
func safelyParseImage(filename string, rdata bool) (parsed nifti.Nifti1Image, err error) {
	defer func() {
		if panicErr := recover(); panicErr != nil {
			err = fmt.Errorf("%v", panicErr)
		}
	}()

	parsed.LoadImage(filename, rdata)

	return
}

// safelyParseHeader consumes panics emitted by the nifti library during
// header parsing.
func safelyParseHeader(filename string) (parsed nifti.Nifti1Header, err error) {
	defer func() {
		if panicErr := recover(); panicErr != nil {
			err = fmt.Errorf("%v", panicErr)
		}
	}()

	parsed.LoadHeader(filename)

	return
}

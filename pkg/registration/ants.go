package registration

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// ANTs default binary names, resolved through PATH.
const (
	defaultRegistrationBin = "antsRegistration"
	defaultApplyBin        = "antsApplyTransforms"

	defaultTransformType = "SyN"
)

// deformableStages maps a configured transform type to the ANTs stage
// specification of its deformable pass. "Affine" stops after the linear
// stages and produces an affine-only transform chain.
var deformableStages = map[string]string{
	"SyN":        "SyN[0.1,3,0]",
	"BSplineSyN": "BSplineSyN[0.1,26,0,3]",
	"Affine":     "",
}

// ANTS implements Service by shelling out to the ANTs registration tools.
// The registration runs the standard rigid, affine, deformable (SyN) stage
// sequence with a mutual information metric, which tolerates the
// multimodal T2-versus-FA pairing where direct intensity comparison would
// be meaningless.
type ANTS struct {
	// RegistrationBin and ApplyBin override the binary names, mainly for
	// tests and non-standard installs.
	RegistrationBin string
	ApplyBin        string

	// TransformType selects the deformable registration stage: one of
	// SyN, BSplineSyN or Affine (affine-only, no deformable pass).
	// Empty means SyN.
	TransformType string

	// WorkDir is where per-registration scratch directories are created.
	// Empty means the system temp directory.
	WorkDir string
}

// NewANTS returns an ANTs-backed registration service with default binary
// names and the SyN transform.
func NewANTS() *ANTS {
	return &ANTS{
		RegistrationBin: defaultRegistrationBin,
		ApplyBin:        defaultApplyBin,
		TransformType:   defaultTransformType,
	}
}

func (a *ANTS) transformType() string {
	if a.TransformType == "" {
		return defaultTransformType
	}
	return a.TransformType
}

// Available reports whether both ANTs binaries can be found on PATH.
func (a *ANTS) Available() bool {
	if _, err := exec.LookPath(a.RegistrationBin); err != nil {
		return false
	}
	if _, err := exec.LookPath(a.ApplyBin); err != nil {
		return false
	}
	return true
}

// Register runs antsRegistration with rigid and affine stages, followed
// by the configured deformable stage, and returns the forward transform
// chain. The transform files live in a scratch directory owned by the
// returned Transform.
func (a *ANTS) Register(ctx context.Context, fixedPath, movingPath string) (Transform, error) {
	stage, ok := deformableStages[a.transformType()]
	if !ok {
		return Transform{}, fmt.Errorf("unsupported transform type %q (supported: SyN, BSplineSyN, Affine)", a.TransformType)
	}

	dir, err := os.MkdirTemp(a.WorkDir, "antsreg-")
	if err != nil {
		return Transform{}, fmt.Errorf("creating registration scratch dir: %w", err)
	}

	prefix := filepath.Join(dir, "reg_")
	args := registrationArgs(fixedPath, movingPath, prefix, stage)

	cmd := exec.CommandContext(ctx, a.RegistrationBin, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		os.RemoveAll(dir)
		return Transform{}, fmt.Errorf("antsRegistration %s -> %s failed: %v\n%s", movingPath, fixedPath, err, out)
	}

	return NewTransform(transformChain(prefix, stage), dir), nil
}

// Resample runs antsApplyTransforms, producing the moving volume resampled
// onto the fixed volume's grid at outPath.
func (a *ANTS) Resample(ctx context.Context, t Transform, fixedPath, movingPath, outPath string, interp Interpolation) error {
	args := resampleArgs(t, fixedPath, movingPath, outPath, interp)

	cmd := exec.CommandContext(ctx, a.ApplyBin, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("antsApplyTransforms %s -> %s failed: %v\n%s", movingPath, outPath, err, out)
	}
	return nil
}

// transformChain returns the forward transform file names produced by a
// registration with the given deformable stage, in application order:
// warp field first, then affine. An affine-only registration has no warp
// component.
func transformChain(prefix, deformableStage string) []string {
	if deformableStage == "" {
		return []string{prefix + "0GenericAffine.mat"}
	}
	return []string{
		prefix + "1Warp.nii.gz",
		prefix + "0GenericAffine.mat",
	}
}

// registrationArgs builds the antsRegistration stage sequence. The
// parameters follow the antsRegistrationSyN defaults: MI-driven rigid and
// affine initialization, then a cross-correlation deformable stage. An
// empty deformableStage drops the deformable pass.
func registrationArgs(fixed, moving, prefix, deformableStage string) []string {
	pair := fmt.Sprintf("%s,%s", fixed, moving)

	args := []string{
		"--dimensionality", "3",
		"--float", "0",
		"--output", prefix,
		"--interpolation", "Linear",
		"--winsorize-image-intensities", "[0.005,0.995]",
		"--use-histogram-matching", "0",
		"--initial-moving-transform", fmt.Sprintf("[%s,1]", pair),
		"--transform", "Rigid[0.1]",
		"--metric", fmt.Sprintf("MI[%s,1,32,Regular,0.25]", pair),
		"--convergence", "[1000x500x250x100,1e-6,10]",
		"--shrink-factors", "8x4x2x1",
		"--smoothing-sigmas", "3x2x1x0vox",
		"--transform", "Affine[0.1]",
		"--metric", fmt.Sprintf("MI[%s,1,32,Regular,0.25]", pair),
		"--convergence", "[1000x500x250x100,1e-6,10]",
		"--shrink-factors", "8x4x2x1",
		"--smoothing-sigmas", "3x2x1x0vox",
	}

	if deformableStage != "" {
		args = append(args,
			"--transform", deformableStage,
			"--metric", fmt.Sprintf("CC[%s,1,4]", pair),
			"--convergence", "[100x70x50x20,1e-6,10]",
			"--shrink-factors", "8x4x2x1",
			"--smoothing-sigmas", "3x2x1x0vox",
		)
	}

	return args
}

// resampleArgs builds the antsApplyTransforms argument list, passing the
// transform chain in application order.
func resampleArgs(t Transform, fixed, moving, out string, interp Interpolation) []string {
	args := []string{
		"--dimensionality", "3",
		"--input", moving,
		"--reference-image", fixed,
		"--output", out,
		"--interpolation", string(interp),
	}
	for _, tf := range t.Chain {
		args = append(args, "--transform", tf)
	}
	return args
}

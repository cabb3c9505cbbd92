package pipeline

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"regionalmetrics/pkg/config"
	"regionalmetrics/pkg/registration"
	"regionalmetrics/pkg/volume"
)

// fakeRegistration is an in-process stand-in for the ANTs tools. Register
// hands back an empty transform; Resample maps the moving volume onto the
// fixed grid by nearest-neighbor index scaling, so output voxels always
// hold values taken verbatim from the moving volume.
type fakeRegistration struct {
	interps     []registration.Interpolation
	registered  int
	failPattern string

	// transformDir, when set, backs the returned transforms with a
	// scratch directory path for Cleanup to remove
	transformDir string
}

func (f *fakeRegistration) Register(ctx context.Context, fixedPath, movingPath string) (registration.Transform, error) {
	if f.failPattern != "" && strings.Contains(fixedPath, f.failPattern) {
		return registration.Transform{}, fmt.Errorf("registration did not converge for %s", fixedPath)
	}
	f.registered++
	return registration.NewTransform(nil, f.transformDir), nil
}

func (f *fakeRegistration) Resample(ctx context.Context, t registration.Transform, fixedPath, movingPath, outPath string, interp registration.Interpolation) error {
	f.interps = append(f.interps, interp)

	fixed, err := volume.Load(fixedPath)
	if err != nil {
		return err
	}
	moving, err := volume.Load(movingPath)
	if err != nil {
		return err
	}

	out := volume.New(fixed.Nx, fixed.Ny, fixed.Nz)
	for z := 0; z < fixed.Nz; z++ {
		for y := 0; y < fixed.Ny; y++ {
			for x := 0; x < fixed.Nx; x++ {
				sx := nearestIndex(x, moving.Nx, fixed.Nx)
				sy := nearestIndex(y, moving.Ny, fixed.Ny)
				sz := nearestIndex(z, moving.Nz, fixed.Nz)
				out.Set(x, y, z, moving.At(sx, sy, sz))
			}
		}
	}

	return volume.Write(outPath, out)
}

func nearestIndex(i, srcN, dstN int) int {
	s := int(math.Round(float64(i) * float64(srcN) / float64(dstN)))
	if s >= srcN {
		s = srcN - 1
	}
	return s
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Pipeline.DelaySeconds = 0
	return cfg
}

// writeUniform writes a volume of the given dimensions filled with value
func writeUniform(t *testing.T, path string, nx, ny, nz int, value float64) {
	t.Helper()
	v := volume.New(nx, ny, nz)
	for i := range v.Data {
		v.Data[i] = value
	}
	if err := volume.Write(path, v); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

// subjectFiles controls which inputs makeSubject creates
type subjectFiles struct {
	fa, md, t2 bool
	labelFiles int
}

func allFiles() subjectFiles {
	return subjectFiles{fa: true, md: true, t2: true, labelFiles: 1}
}

// makeSubject lays out one subject folder plus its labels folder. Metric
// maps are 10x8x4 with FA=0.5 and MD=800; the label source is a doubled
// 20x16x8 grid so the fake resample actually has to remap indices. Labels:
// background below src z=2, region 1 for src x<10, region 2 otherwise.
func makeSubject(t *testing.T, processedRoot, labelsRoot, name string, files subjectFiles) string {
	t.Helper()

	dir := filepath.Join(processedRoot, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}

	if files.fa {
		writeUniform(t, filepath.Join(dir, "fa_bias_eddy.nii.gz"), 10, 8, 4, 0.5)
	}
	if files.md {
		writeUniform(t, filepath.Join(dir, "md_bias_eddy.nii.gz"), 10, 8, 4, 800)
	}
	if files.t2 {
		writeUniform(t, filepath.Join(dir, "raw_T2_anat.nii.gz"), 16, 16, 8, 1000)
	}

	if files.labelFiles > 0 {
		parts := strings.Split(name, "_")
		if len(parts) >= 3 {
			labelDir := filepath.Join(labelsRoot, parts[2])
			if err := os.MkdirAll(labelDir, 0755); err != nil {
				t.Fatal(err)
			}

			labels := volume.New(20, 16, 8)
			for z := 0; z < 8; z++ {
				for y := 0; y < 16; y++ {
					for x := 0; x < 20; x++ {
						switch {
						case z < 2:
							// background slab
						case x < 10:
							labels.Set(x, y, z, 1)
						default:
							labels.Set(x, y, z, 2)
						}
					}
				}
			}
			for i := 0; i < files.labelFiles; i++ {
				path := filepath.Join(labelDir, fmt.Sprintf("atlas%d_warped_label.nii", i))
				if err := volume.Write(path, labels); err != nil {
					t.Fatal(err)
				}
			}
		}
	}

	return dir
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening report: %v", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("parsing report: %v", err)
	}
	return records
}

func runPipeline(t *testing.T, processedRoot, labelsRoot, outputCSV string, reg registration.Service) *Summary {
	t.Helper()

	p := New(Params{
		ProcessedDir: processedRoot,
		LabelsDir:    labelsRoot,
		OutputCSV:    outputCSV,
		Config:       testConfig(),
		Log:          quietLogger(),
	}, reg)

	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return summary
}

// TestRunEndToEnd runs a synthetic two-region subject through the full
// pipeline and checks the report values
func TestRunEndToEnd(t *testing.T) {
	processedRoot := t.TempDir()
	labelsRoot := t.TempDir()
	outputCSV := filepath.Join(t.TempDir(), "regional_metrics.csv")

	dir := makeSubject(t, processedRoot, labelsRoot, "invivo_rat_230071_loaded", allFiles())

	reg := &fakeRegistration{}
	summary := runPipeline(t, processedRoot, labelsRoot, outputCSV, reg)

	if got := summary.Count(StatusCompleted); got != 1 {
		t.Fatalf("expected 1 completed subject, got %d (outcomes: %+v)", got, summary.Outcomes)
	}

	// Labels must be resampled with nearest neighbor, never interpolated
	for _, interp := range reg.interps {
		if interp != registration.NearestNeighbor {
			t.Errorf("labels resampled with %s, want NearestNeighbor", interp)
		}
	}

	// The warped label volume is written alongside the subject inputs and
	// only contains values present in the source labels
	warpedPath := filepath.Join(dir, "230071_label_in_FA.nii.gz")
	warped, err := volume.Load(warpedPath)
	if err != nil {
		t.Fatalf("warped labels missing: %v", err)
	}
	present := map[int]bool{}
	for _, v := range warped.Data {
		lbl := int(v)
		if lbl != 0 && lbl != 1 && lbl != 2 {
			t.Fatalf("warped labels contain invented value %f", v)
		}
		present[lbl] = true
	}
	if !present[0] || !present[1] || !present[2] {
		t.Fatalf("expected labels 0, 1 and 2 in warped volume, got %v", present)
	}

	records := readCSV(t, outputCSV)
	if len(records) != 3 {
		t.Fatalf("expected header + 2 rows, got %d records", len(records))
	}

	wantRegions := []int{1, 2}
	for i, wantRegion := range wantRegions {
		rec := records[i+1]
		if rec[0] != "invivo_rat_230071_loaded" || rec[1] != "230071" {
			t.Errorf("row %d: wrong subject/code: %v", i, rec)
		}
		region, _ := strconv.Atoi(rec[2])
		if region != wantRegion {
			t.Errorf("row %d: expected region %d, got %q", i, wantRegion, rec[2])
		}
		fa, _ := strconv.ParseFloat(rec[3], 64)
		if math.Abs(fa-0.5) > 1e-6 {
			t.Errorf("row %d: expected mean_FA 0.5, got %q", i, rec[3])
		}
		md, _ := strconv.ParseFloat(rec[4], 64)
		if math.Abs(md-800) > 1e-3 {
			t.Errorf("row %d: expected mean_MD 800, got %q", i, rec[4])
		}
	}
}

// TestMissingInputSkipsSubject verifies a subject lacking any required
// input contributes zero rows while the rest of the batch continues
func TestMissingInputSkipsSubject(t *testing.T) {
	testCases := []struct {
		name  string
		files subjectFiles
	}{
		{"missing FA", subjectFiles{md: true, t2: true, labelFiles: 1}},
		{"missing MD", subjectFiles{fa: true, t2: true, labelFiles: 1}},
		{"missing T2", subjectFiles{fa: true, md: true, labelFiles: 1}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			processedRoot := t.TempDir()
			labelsRoot := t.TempDir()
			outputCSV := filepath.Join(t.TempDir(), "regional_metrics.csv")

			makeSubject(t, processedRoot, labelsRoot, "study_a_111_loaded", tc.files)
			makeSubject(t, processedRoot, labelsRoot, "study_b_222_loaded", allFiles())

			summary := runPipeline(t, processedRoot, labelsRoot, outputCSV, &fakeRegistration{})

			if got := summary.Count(StatusSkipped); got != 1 {
				t.Errorf("expected 1 skipped subject, got %d", got)
			}
			if got := summary.Count(StatusCompleted); got != 1 {
				t.Errorf("expected 1 completed subject, got %d", got)
			}

			// All rows must belong to the healthy subject
			records := readCSV(t, outputCSV)
			for _, rec := range records[1:] {
				if rec[1] != "222" {
					t.Errorf("unexpected row for skipped subject: %v", rec)
				}
			}
		})
	}
}

// TestLabelFileCountSkipsSubject verifies the exactly-one-label-file rule
func TestLabelFileCountSkipsSubject(t *testing.T) {
	for _, count := range []int{0, 2} {
		t.Run(fmt.Sprintf("%d label files", count), func(t *testing.T) {
			processedRoot := t.TempDir()
			labelsRoot := t.TempDir()
			outputCSV := filepath.Join(t.TempDir(), "regional_metrics.csv")

			files := allFiles()
			files.labelFiles = count
			makeSubject(t, processedRoot, labelsRoot, "study_a_111_loaded", files)

			summary := runPipeline(t, processedRoot, labelsRoot, outputCSV, &fakeRegistration{})

			if got := summary.Count(StatusSkipped); got != 1 {
				t.Fatalf("expected 1 skipped subject, got %d (outcomes: %+v)", got, summary.Outcomes)
			}

			records := readCSV(t, outputCSV)
			if len(records) != 1 {
				t.Errorf("expected zero rows for skipped subject, got %d", len(records)-1)
			}
		})
	}
}

// TestMalformedSubjectNameSkips verifies a directory without a code field
// is skipped with a descriptive reason instead of aborting the batch
func TestMalformedSubjectNameSkips(t *testing.T) {
	processedRoot := t.TempDir()
	labelsRoot := t.TempDir()
	outputCSV := filepath.Join(t.TempDir(), "regional_metrics.csv")

	if err := os.MkdirAll(filepath.Join(processedRoot, "bad_loaded"), 0755); err != nil {
		t.Fatal(err)
	}
	makeSubject(t, processedRoot, labelsRoot, "study_b_222_loaded", allFiles())

	summary := runPipeline(t, processedRoot, labelsRoot, outputCSV, &fakeRegistration{})

	if got := summary.Count(StatusSkipped); got != 1 {
		t.Errorf("expected 1 skipped subject, got %d", got)
	}
	if got := summary.Count(StatusCompleted); got != 1 {
		t.Errorf("expected 1 completed subject, got %d", got)
	}
	for _, o := range summary.Outcomes {
		if o.Status == StatusSkipped && !strings.Contains(o.Reason, "bad_loaded") {
			t.Errorf("skip reason should name the directory, got %q", o.Reason)
		}
	}
}

// TestFailedSubjectContinuesBatch verifies a mid-processing error is
// classified as a failure for that subject only
func TestFailedSubjectContinuesBatch(t *testing.T) {
	processedRoot := t.TempDir()
	labelsRoot := t.TempDir()
	outputCSV := filepath.Join(t.TempDir(), "regional_metrics.csv")

	makeSubject(t, processedRoot, labelsRoot, "study_a_111_loaded", allFiles())
	makeSubject(t, processedRoot, labelsRoot, "study_b_222_loaded", allFiles())

	// Registration blows up for the first subject only
	reg := &fakeRegistration{failPattern: "study_a_111_loaded"}
	summary := runPipeline(t, processedRoot, labelsRoot, outputCSV, reg)

	if got := summary.Count(StatusFailed); got != 1 {
		t.Errorf("expected 1 failed subject, got %d", got)
	}
	if got := summary.Count(StatusCompleted); got != 1 {
		t.Errorf("expected 1 completed subject, got %d", got)
	}

	records := readCSV(t, outputCSV)
	for _, rec := range records[1:] {
		if rec[1] != "222" {
			t.Errorf("unexpected row for failed subject: %v", rec)
		}
	}
}

// TestRerunOverwritesReport verifies a second run truncates the report
func TestRerunOverwritesReport(t *testing.T) {
	processedRoot := t.TempDir()
	labelsRoot := t.TempDir()
	outputCSV := filepath.Join(t.TempDir(), "regional_metrics.csv")

	makeSubject(t, processedRoot, labelsRoot, "invivo_rat_230071_loaded", allFiles())

	runPipeline(t, processedRoot, labelsRoot, outputCSV, &fakeRegistration{})
	first := readCSV(t, outputCSV)

	runPipeline(t, processedRoot, labelsRoot, outputCSV, &fakeRegistration{})
	second := readCSV(t, outputCSV)

	if len(first) != len(second) {
		t.Errorf("rerun must overwrite, not append: %d records then %d", len(first), len(second))
	}
}

// TestScratchCleanupFailureLogged verifies a transform scratch directory
// that cannot be removed is reported instead of silently leaking
func TestScratchCleanupFailureLogged(t *testing.T) {
	processedRoot := t.TempDir()
	labelsRoot := t.TempDir()
	outputCSV := filepath.Join(t.TempDir(), "regional_metrics.csv")

	makeSubject(t, processedRoot, labelsRoot, "invivo_rat_230071_loaded", allFiles())

	// A path routed through a regular file cannot be removed, which
	// forces Cleanup to fail
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	reg := &fakeRegistration{transformDir: filepath.Join(blocker, "scratch")}

	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)

	p := New(Params{
		ProcessedDir: processedRoot,
		LabelsDir:    labelsRoot,
		OutputCSV:    outputCSV,
		Config:       testConfig(),
		Log:          logger,
	}, reg)

	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// The cleanup failure is diagnostic only; the subject still completes
	if got := summary.Count(StatusCompleted); got != 1 {
		t.Errorf("expected 1 completed subject, got %d", got)
	}
	if !strings.Contains(buf.String(), "scratch dir") {
		t.Errorf("expected scratch dir cleanup warning in log, got: %s", buf.String())
	}
}

// TestRunCancelled verifies cancellation stops the batch between subjects
func TestRunCancelled(t *testing.T) {
	processedRoot := t.TempDir()
	labelsRoot := t.TempDir()
	outputCSV := filepath.Join(t.TempDir(), "regional_metrics.csv")

	makeSubject(t, processedRoot, labelsRoot, "study_a_111_loaded", allFiles())
	makeSubject(t, processedRoot, labelsRoot, "study_b_222_loaded", allFiles())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := New(Params{
		ProcessedDir: processedRoot,
		LabelsDir:    labelsRoot,
		OutputCSV:    outputCSV,
		Config:       testConfig(),
		Log:          quietLogger(),
	}, &fakeRegistration{})

	summary, err := p.Run(ctx)
	if err == nil {
		t.Fatal("expected context error from cancelled run")
	}
	if len(summary.Outcomes) >= 2 {
		t.Errorf("cancelled run should not process the whole batch, got %d outcomes", len(summary.Outcomes))
	}
}

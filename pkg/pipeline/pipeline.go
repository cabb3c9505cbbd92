// Package pipeline orchestrates the per-subject regional analysis batch:
// subject discovery, label warping into FA space, region statistics
// extraction and report writing.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"regionalmetrics/internal/models"
	"regionalmetrics/pkg/config"
	"regionalmetrics/pkg/registration"
	"regionalmetrics/pkg/report"
	"regionalmetrics/pkg/stats"
	"regionalmetrics/pkg/volume"
)

// Status classifies the outcome of one subject's processing.
type Status int

const (
	// StatusCompleted means the subject produced report rows.
	StatusCompleted Status = iota

	// StatusSkipped means required inputs were missing or ambiguous and
	// the subject was passed over before any processing started.
	StatusSkipped

	// StatusFailed means processing started but an error occurred during
	// registration, resampling, I/O or statistics.
	StatusFailed
)

// String returns the lowercase status name used in logs and summaries.
func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusSkipped:
		return "skipped"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Outcome records how one subject fared. Every discovered subject gets an
// outcome: failures never abort the batch, they are classified and the
// batch moves on.
type Outcome struct {
	Subject models.Subject
	Status  Status
	Reason  string
	Rows    int
}

// Summary aggregates the outcomes of a batch run.
type Summary struct {
	Outcomes []Outcome
}

// Count returns how many subjects finished with the given status.
func (s *Summary) Count(status Status) int {
	n := 0
	for _, o := range s.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}

// TotalRows returns the number of report rows written across the batch.
func (s *Summary) TotalRows() int {
	n := 0
	for _, o := range s.Outcomes {
		n += o.Rows
	}
	return n
}

// Params holds the batch configuration.
type Params struct {
	// ProcessedDir is the root containing per-subject input folders
	ProcessedDir string

	// LabelsDir is the root containing per-code atlas label folders
	LabelsDir string

	// OutputCSV is the destination path of the regional metrics report
	OutputCSV string

	// Config supplies file patterns and pacing; nil means defaults
	Config *config.Config

	// Log receives per-subject diagnostics; nil means a default logger
	Log *logrus.Logger
}

// Pipeline runs the batch. The registration service is injected so tests
// can substitute an in-process implementation for the ANTs tools.
type Pipeline struct {
	params Params
	cfg    *config.Config
	reg    registration.Service
	log    *logrus.Logger
}

// New creates a pipeline with the given parameters and registration
// service.
func New(params Params, reg registration.Service) *Pipeline {
	cfg := params.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	log := params.Log
	if log == nil {
		log = logrus.New()
	}

	return &Pipeline{
		params: params,
		cfg:    cfg,
		reg:    reg,
		log:    log,
	}
}

// Run processes every subject folder under ProcessedDir sequentially and
// writes the regional metrics report. Subjects are independent: each one
// resolves to an outcome and the batch always continues to the next. The
// report file is truncated at the start of every run.
func (p *Pipeline) Run(ctx context.Context) (*Summary, error) {
	pattern := filepath.Join(p.params.ProcessedDir, "*"+p.cfg.Pipeline.SubjectSuffix)
	dirs, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", pattern, err)
	}

	rep, err := report.Create(p.params.OutputCSV)
	if err != nil {
		return nil, err
	}
	defer rep.Close()

	summary := &Summary{}
	delay := time.Duration(p.cfg.Pipeline.DelaySeconds * float64(time.Second))

	for i, dir := range dirs {
		outcome := p.processSubject(ctx, dir, rep)
		summary.Outcomes = append(summary.Outcomes, outcome)

		entry := p.log.WithFields(logrus.Fields{
			"subject": outcome.Subject.Name,
			"code":    outcome.Subject.Code,
			"status":  outcome.Status.String(),
		})
		switch outcome.Status {
		case StatusCompleted:
			entry.WithField("rows", outcome.Rows).Info("subject processed")
		default:
			entry.Warn(outcome.Reason)
		}

		if ctx.Err() != nil {
			return summary, ctx.Err()
		}

		// Fixed pause between subjects to avoid overloading shared storage
		if delay > 0 && i < len(dirs)-1 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return summary, ctx.Err()
			}
		}
	}

	if err := rep.Close(); err != nil {
		return summary, fmt.Errorf("closing report: %w", err)
	}

	return summary, nil
}

// processSubject runs the full per-subject sequence inside a failure
// boundary: any missing input skips the subject, any later error marks it
// failed, and in both cases the subject contributes zero report rows.
func (p *Pipeline) processSubject(ctx context.Context, dir string, rep *report.Writer) Outcome {
	subj, err := models.ParseSubject(dir)
	if err != nil {
		return Outcome{
			Subject: models.Subject{Name: filepath.Base(dir), Dir: dir},
			Status:  StatusSkipped,
			Reason:  err.Error(),
		}
	}

	skipped := func(reason string) Outcome {
		return Outcome{Subject: subj, Status: StatusSkipped, Reason: reason}
	}
	failed := func(err error) Outcome {
		return Outcome{Subject: subj, Status: StatusFailed, Reason: err.Error()}
	}

	// Locate the required inputs
	faPath := filepath.Join(dir, p.cfg.Pipeline.FAFile)
	if _, err := os.Stat(faPath); err != nil {
		return skipped(fmt.Sprintf("missing FA map %s", p.cfg.Pipeline.FAFile))
	}
	mdPath := filepath.Join(dir, p.cfg.Pipeline.MDFile)
	if _, err := os.Stat(mdPath); err != nil {
		return skipped(fmt.Sprintf("missing MD map %s", p.cfg.Pipeline.MDFile))
	}

	t2Matches, err := filepath.Glob(filepath.Join(dir, p.cfg.Pipeline.T2Pattern))
	if err != nil || len(t2Matches) == 0 {
		return skipped(fmt.Sprintf("no %s file in %s", p.cfg.Pipeline.T2Pattern, dir))
	}
	t2Path := t2Matches[0]

	labelDir := filepath.Join(p.params.LabelsDir, subj.Code)
	labelMatches, err := filepath.Glob(filepath.Join(labelDir, p.cfg.Pipeline.LabelPattern))
	if err != nil || len(labelMatches) != 1 {
		return skipped(fmt.Sprintf("found %d label files in %s, need exactly 1", len(labelMatches), labelDir))
	}
	labelPath := labelMatches[0]

	// Warp the atlas labels into FA space. Nearest neighbor keeps the
	// label values categorical through the resampling.
	transform, err := p.reg.Register(ctx, faPath, t2Path)
	if err != nil {
		return failed(err)
	}
	defer func() {
		if err := transform.Cleanup(); err != nil {
			p.log.WithFields(logrus.Fields{
				"subject": subj.Name,
				"code":    subj.Code,
			}).Warnf("failed to remove registration scratch dir: %v", err)
		}
	}()

	warpedPath := filepath.Join(dir, fmt.Sprintf(p.cfg.Pipeline.WarpedLabelName, subj.Code))
	if err := p.reg.Resample(ctx, transform, faPath, labelPath, warpedPath, registration.NearestNeighbor); err != nil {
		return failed(err)
	}

	// Extract per-region statistics from the warped labels
	labels, err := volume.Load(warpedPath)
	if err != nil {
		return failed(err)
	}
	fa, err := volume.Load(faPath)
	if err != nil {
		return failed(err)
	}
	md, err := volume.Load(mdPath)
	if err != nil {
		return failed(err)
	}

	regionStats, err := stats.Extract(labels, fa, md)
	if err != nil {
		return failed(err)
	}

	rows := make([]models.RegionMetrics, 0, len(regionStats))
	for _, region := range stats.Regions(regionStats) {
		rs := regionStats[region]
		rows = append(rows, models.RegionMetrics{
			Subject: subj.Name,
			Code:    subj.Code,
			Region:  region,
			MeanFA:  rs.MeanFA,
			MeanMD:  rs.MeanMD,
		})
	}

	if err := rep.Append(rows); err != nil {
		return failed(err)
	}

	return Outcome{Subject: subj, Status: StatusCompleted, Rows: len(rows)}
}

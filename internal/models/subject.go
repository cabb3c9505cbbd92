package models

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Subject describes one diffusion-imaging subject discovered on disk.
type Subject struct {
	// Name is the subject directory name, e.g. "invivo_rat_230071_loaded"
	Name string

	// Code is the numeric subject code extracted from the directory name,
	// e.g. "230071". It keys the per-subject atlas label folder.
	Code string

	// Dir is the absolute or relative path to the subject directory
	Dir string
}

// ParseSubject builds a validated Subject from a directory path. The subject
// code is the third underscore-delimited token of the directory name; a name
// with fewer tokens is rejected here rather than faulting later in the batch.
func ParseSubject(dir string) (Subject, error) {
	name := filepath.Base(dir)
	parts := strings.Split(name, "_")
	if len(parts) < 3 {
		return Subject{}, fmt.Errorf("subject directory %q: expected at least 3 underscore-separated fields, got %d", name, len(parts))
	}
	code := parts[2]
	if code == "" {
		return Subject{}, fmt.Errorf("subject directory %q: empty subject code field", name)
	}

	return Subject{
		Name: name,
		Code: code,
		Dir:  dir,
	}, nil
}

// RegionMetrics is one output row of the regional report: the mean FA and MD
// over a single atlas region of a single subject.
type RegionMetrics struct {
	Subject string  `csv:"subject"`
	Code    string  `csv:"code"`
	Region  int     `csv:"region"`
	MeanFA  float64 `csv:"mean_FA"`
	MeanMD  float64 `csv:"mean_MD"`
}

// Package config provides configuration loading and management for
// regionalmetrics. It handles loading configuration from YAML files and
// provides default values matching the standard study layout.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Registration parameters
	Registration struct {
		// TransformType names the deformable stage of the registration:
		// SyN (the ANTs symmetric normalization algorithm), BSplineSyN,
		// or Affine for an affine-only registration
		TransformType string `yaml:"transformType"`
	} `yaml:"registration"`

	// Pipeline parameters
	Pipeline struct {
		// DelaySeconds is the fixed pause inserted between subjects to
		// avoid overloading shared storage
		DelaySeconds float64 `yaml:"delaySeconds"`

		// SubjectSuffix is the directory-name suffix identifying subject
		// folders under the processed root
		SubjectSuffix string `yaml:"subjectSuffix"`

		// FAFile and MDFile are the fixed metric map filenames inside
		// each subject folder
		FAFile string `yaml:"faFile"`
		MDFile string `yaml:"mdFile"`

		// T2Pattern matches the structural image; the first match is used
		T2Pattern string `yaml:"t2Pattern"`

		// LabelPattern matches the atlas label file inside the per-code
		// labels folder; exactly one match is required
		LabelPattern string `yaml:"labelPattern"`

		// WarpedLabelName is the output filename for the label volume
		// warped into FA space; %s is replaced by the subject code
		WarpedLabelName string `yaml:"warpedLabelName"`
	} `yaml:"pipeline"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default registration parameters
	cfg.Registration.TransformType = "SyN"

	// Set default pipeline parameters
	cfg.Pipeline.DelaySeconds = 1.0
	cfg.Pipeline.SubjectSuffix = "_loaded"
	cfg.Pipeline.FAFile = "fa_bias_eddy.nii.gz"
	cfg.Pipeline.MDFile = "md_bias_eddy.nii.gz"
	cfg.Pipeline.T2Pattern = "raw_T2*.nii*"
	cfg.Pipeline.LabelPattern = "*_warped_label.nii"
	cfg.Pipeline.WarpedLabelName = "%s_label_in_FA.nii.gz"

	// Set default output parameters
	cfg.Output.Verbose = true

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

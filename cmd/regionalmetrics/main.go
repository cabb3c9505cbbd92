package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"regionalmetrics/pkg/config"
	"regionalmetrics/pkg/pipeline"
	"regionalmetrics/pkg/registration"
)

func main() {
	// Parse command line arguments
	processedDir := flag.String("processed_dir", "", "Root folder containing per-subject *_loaded input folders")
	labelsDir := flag.String("labels_dir", "", "Root folder containing per-code atlas label subfolders")
	outputCSV := flag.String("output_csv", "", "Destination path for the regional metrics CSV")
	configPath := flag.String("config", "regionalmetrics.yaml", "Optional YAML configuration file")
	delay := flag.Float64("delay", -1, "Override inter-subject delay in seconds (default: from config)")
	flag.Parse()

	// Validate inputs
	if *processedDir == "" || *labelsDir == "" || *outputCSV == "" {
		flag.Usage()
		os.Exit(1)
	}

	// Load configuration (missing file falls back to defaults)
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *delay >= 0 {
		cfg.Pipeline.DelaySeconds = *delay
	}

	logger := logrus.New()
	if cfg.Output.Verbose {
		logger.SetLevel(logrus.InfoLevel)
	} else {
		logger.SetLevel(logrus.WarnLevel)
	}

	// The registration work is delegated to the ANTs tools; verify they
	// are installed before touching any subject
	ants := registration.NewANTS()
	ants.TransformType = cfg.Registration.TransformType
	if !ants.Available() {
		log.Fatalf("ANTs tools (%s, %s) not found on PATH", ants.RegistrationBin, ants.ApplyBin)
	}

	fmt.Println("================================")
	fmt.Println("REGIONAL DIFFUSION METRICS: ATLAS LABEL WARPING AND PER-REGION FA/MD EXTRACTION")
	fmt.Println("================================")
	fmt.Printf("Processed root: %s\n", *processedDir)
	fmt.Printf("Labels root:    %s\n", *labelsDir)
	fmt.Printf("Output CSV:     %s\n", *outputCSV)

	// Stop cleanly on Ctrl-C; a long registration batch is expensive to
	// kill halfway through a subject
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := pipeline.New(pipeline.Params{
		ProcessedDir: *processedDir,
		LabelsDir:    *labelsDir,
		OutputCSV:    *outputCSV,
		Config:       cfg,
		Log:          logger,
	}, ants)

	fmt.Println("Starting batch processing...")
	startTime := time.Now()
	summary, err := p.Run(ctx)
	if err != nil {
		log.Fatalf("Batch failed: %v", err)
	}
	processingTime := time.Since(startTime)

	fmt.Printf("\nBatch completed in %.2f seconds\n", processingTime.Seconds())
	fmt.Printf("Metrics saved to: %s\n\n", *outputCSV)

	fmt.Printf("Subject outcomes:\n")
	fmt.Printf("=================\n")
	fmt.Printf("Completed: %d\n", summary.Count(pipeline.StatusCompleted))
	fmt.Printf("Skipped:   %d\n", summary.Count(pipeline.StatusSkipped))
	fmt.Printf("Failed:    %d\n", summary.Count(pipeline.StatusFailed))
	fmt.Printf("Report rows written: %d\n", summary.TotalRows())
}

package services

import (
	"path/filepath"
	"strings"
	"time"
)

// Estimator projects how long a conversion will take before it starts.
type Estimator interface {
	Estimate(filename string, sizeBytes int64) time.Duration
}

// throughput used when no better signal exists, in bytes per second.
const fallbackBytesPerSecond = 50000

// pdfSlowdownFactor reflects that PDF sources rasterize page by page
// and run well behind the archive formats.
const pdfSlowdownFactor = 2.5

// HeuristicEstimator projects duration from input size alone. It always
// returns a positive value so downstream consumers never see a job
// without a projection.
type HeuristicEstimator struct{}

func NewHeuristicEstimator() *HeuristicEstimator {
	return &HeuristicEstimator{}
}

func (e *HeuristicEstimator) Estimate(filename string, sizeBytes int64) time.Duration {
	if sizeBytes <= 0 {
		sizeBytes = 1
	}
	seconds := float64(sizeBytes) / fallbackBytesPerSecond
	if strings.EqualFold(filepath.Ext(filename), ".pdf") {
		seconds *= pdfSlowdownFactor
	}
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds * float64(time.Second))
}

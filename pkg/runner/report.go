package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gridbench/gridbench/pkg/types"
)

// Report is the JSON execution summary written after a run so batch and
// CI callers can parse outcomes without scraping logs.
type Report struct {
	GeneratedAt   time.Time               `json:"generated_at"`
	Runner        string                  `json:"runner"`
	Success       bool                    `json:"success"`
	TotalNodes    int                     `json:"total_nodes"`
	Successful    int                     `json:"successful_runs"`
	Failed        int                     `json:"failed_runs"`
	TotalDuration float64                 `json:"total_duration_seconds"`
	ErrorMessage  string                  `json:"error_message,omitempty"`
	Results       []types.ExecutionResult `json:"results"`
}

// WriteReport persists the run summary for one DistributedResult
func WriteReport(path, kind string, dr *types.DistributedResult) error {
	report := Report{
		GeneratedAt:   time.Now().UTC(),
		Runner:        kind,
		Success:       dr.Success(),
		TotalNodes:    dr.TotalNodes,
		Successful:    dr.SuccessfulCount(),
		Failed:        dr.FailedCount(),
		TotalDuration: dr.TotalDuration.Seconds(),
		ErrorMessage:  dr.ErrorMessage,
		Results:       dr.NodeResults,
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

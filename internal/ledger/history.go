package ledger

import (
	"context"
	"time"
)

// ImportRun is a summary of one finished batch import.
type ImportRun struct {
	ID         string        `json:"id" yaml:"id"`
	FileName   string        `json:"fileName" yaml:"fileName"`
	StartedAt  time.Time     `json:"startedAt" yaml:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt" yaml:"finishedAt"`
	Total      int           `json:"total" yaml:"total"`
	Succeeded  int           `json:"succeeded" yaml:"succeeded"`
	Failed     int           `json:"failed" yaml:"failed"`
	ParseErrs  int           `json:"parseErrors" yaml:"parseErrors"`
	Duration   time.Duration `json:"-" yaml:"-"`
}

// NewImportRun summarizes an outcome.
func NewImportRun(id, fileName string, parseErrs int, started, finished time.Time, outcome ImportOutcome) ImportRun {
	return ImportRun{
		ID:         id,
		FileName:   fileName,
		StartedAt:  started,
		FinishedAt: finished,
		Total:      outcome.Total(),
		Succeeded:  outcome.SuccessCount,
		Failed:     len(outcome.Failed),
		ParseErrs:  parseErrs,
		Duration:   finished.Sub(started),
	}
}

// ImportHistory records finished imports. Newest runs are listed first.
type ImportHistory interface {
	RecordImport(ctx context.Context, run ImportRun) error
	ListImports(ctx context.Context, limit int) ([]ImportRun, error)
}

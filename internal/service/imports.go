package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/partyledger/internal/ledger"
	"github.com/JonMunkholm/partyledger/internal/logging"
)

// ImportPhase is the stage of an asynchronous import.
type ImportPhase string

const (
	PhaseStarting  ImportPhase = "starting"
	PhaseImporting ImportPhase = "importing"
	PhaseComplete  ImportPhase = "complete"
	PhaseFailed    ImportPhase = "failed"
)

// ImportProgress is sent to subscribers after every batch.
type ImportProgress struct {
	ImportID string      `json:"importId"`
	FileName string      `json:"fileName"`
	Phase    ImportPhase `json:"phase"`
	ledger.Progress
	Error string `json:"error,omitempty"`
}

// Done reports whether the import has finished.
func (p ImportProgress) Done() bool {
	return p.Phase == PhaseComplete || p.Phase == PhaseFailed
}

// ImportResult is the final report of an import.
type ImportResult struct {
	ImportID    string               `json:"importId"`
	FileName    string               `json:"fileName"`
	ParseErrors []string             `json:"parseErrors"`
	Outcome     ledger.ImportOutcome `json:"outcome"`
	StartedAt   time.Time            `json:"startedAt"`
	FinishedAt  time.Time            `json:"finishedAt"`
}

type activeImport struct {
	id       string
	fileName string
	done     chan struct{}

	mu        sync.Mutex
	progress  ImportProgress
	result    *ImportResult
	listeners []chan ImportProgress
}

func (job *activeImport) update(fn func(p *ImportProgress)) {
	job.mu.Lock()
	defer job.mu.Unlock()

	fn(&job.progress)
	for _, ch := range job.listeners {
		select {
		case ch <- job.progress:
		default:
			// slow listener, drop this update
		}
	}
}

// finish stores the result, sends the final progress and closes listeners.
func (job *activeImport) finish(result *ImportResult, final func(p *ImportProgress)) {
	job.update(final)

	job.mu.Lock()
	job.result = result
	for _, ch := range job.listeners {
		close(ch)
	}
	job.listeners = nil
	job.mu.Unlock()

	close(job.done)
}

// StartImport submits parsed records in the background and returns the
// import id. Parse errors are carried into the result unchanged.
// Returns ErrTooManyImports if no slot frees up within the wait timeout.
func (s *Service) StartImport(ctx context.Context, fileName string, parsed ledger.ParseResult) (string, error) {
	if len(parsed.Records) == 0 {
		if len(parsed.Errors) > 0 {
			return "", fmt.Errorf("%w: %s", ErrNoRecords, strings.Join(parsed.Errors, "; "))
		}
		return "", ErrNoRecords
	}

	if err := s.limiter.Acquire(ctx); err != nil {
		return "", err
	}

	id := uuid.NewString()
	job := &activeImport{
		id:       id,
		fileName: fileName,
		done:     make(chan struct{}),
		progress: ImportProgress{
			ImportID: id,
			FileName: fileName,
			Phase:    PhaseStarting,
			Progress: ledger.Progress{Total: len(parsed.Records)},
		},
	}

	s.mu.Lock()
	s.imports[id] = job
	s.mu.Unlock()

	logger := logging.WithFields(ctx, "import_id", id, "file", fileName)
	logger.Info("import started", "records", len(parsed.Records), "parse_errors", len(parsed.Errors))

	// The job outlives the request that started it.
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.JobTimeout)

	go func() {
		defer s.limiter.Release()
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic in import", "panic", r)
				job.finish(nil, func(p *ImportProgress) {
					p.Phase = PhaseFailed
					p.Error = fmt.Sprintf("internal error: %v", r)
				})
				s.cleanup(id, s.opts.ResultTTL)
			}
		}()
		s.runImport(jobCtx, job, parsed, logger)
	}()

	return id, nil
}

func (s *Service) runImport(ctx context.Context, job *activeImport, parsed ledger.ParseResult, logger *slog.Logger) {
	started := time.Now()
	job.update(func(p *ImportProgress) { p.Phase = PhaseImporting })

	imp := &ledger.Importer{
		Store:      s.store,
		BatchSize:  s.opts.BatchSize,
		BatchDelay: s.opts.BatchDelay,
		Logger:     logger,
	}
	outcome := imp.ImportParties(ctx, parsed.Records, func(pr ledger.Progress) {
		job.update(func(p *ImportProgress) { p.Progress = pr })
	})
	finished := time.Now()

	result := &ImportResult{
		ImportID:    job.id,
		FileName:    job.fileName,
		ParseErrors: parsed.Errors,
		Outcome:     outcome,
		StartedAt:   started,
		FinishedAt:  finished,
	}
	if result.ParseErrors == nil {
		result.ParseErrors = []string{}
	}

	s.recordHistory(logger, ledger.NewImportRun(job.id, job.fileName, len(parsed.Errors), started, finished, outcome))

	job.finish(result, func(p *ImportProgress) { p.Phase = PhaseComplete })
	s.cleanup(job.id, s.opts.ResultTTL)
}

// recordHistory uses its own deadline so a job that timed out still leaves
// a history entry.
func (s *Service) recordHistory(logger *slog.Logger, run ledger.ImportRun) {
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	if err := s.store.RecordImport(ctx, run); err != nil {
		logger.Warn("failed to record import history", "error", err)
	}
}

// cleanup forgets the import after delay.
func (s *Service) cleanup(id string, delay time.Duration) {
	time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.imports, id)
		s.mu.Unlock()
	})
}

func (s *Service) lookup(id string) (*activeImport, error) {
	s.mu.RLock()
	job, ok := s.imports[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrImportNotFound, id)
	}
	return job, nil
}

// SubscribeProgress returns a channel of progress updates. The current
// progress is sent first. The channel is closed when the import finishes.
func (s *Service) SubscribeProgress(id string) (<-chan ImportProgress, error) {
	job, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	ch := make(chan ImportProgress, 16)

	job.mu.Lock()
	defer job.mu.Unlock()
	ch <- job.progress
	if job.result != nil || job.progress.Done() {
		close(ch)
		return ch, nil
	}
	job.listeners = append(job.listeners, ch)
	return ch, nil
}

// ImportProgress returns the current progress without blocking.
func (s *Service) ImportProgress(id string) (ImportProgress, error) {
	job, err := s.lookup(id)
	if err != nil {
		return ImportProgress{}, err
	}
	job.mu.Lock()
	defer job.mu.Unlock()
	return job.progress, nil
}

// ImportResult waits for the import to finish and returns its result.
func (s *Service) ImportResult(ctx context.Context, id string) (*ImportResult, error) {
	job, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	select {
	case <-job.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	job.mu.Lock()
	defer job.mu.Unlock()
	if job.result == nil {
		return nil, fmt.Errorf("import %s failed: %s", id, job.progress.Error)
	}
	return job.result, nil
}

// Package service runs the party-ledger pipeline on behalf of the HTTP
// server: asynchronous batch imports with progress streaming, snapshot
// transfer, duplicate detection and import history.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/JonMunkholm/partyledger/internal/ledger"
	"github.com/JonMunkholm/partyledger/internal/logging"
)

var (
	ErrImportNotFound      = errors.New("import not found")
	ErrUnsupportedFileType = errors.New("unsupported file type")
	ErrNoRecords           = errors.New("file has no importable rows")
	ErrNegativeAmount      = errors.New("amount must not be negative")
)

// Store is everything the service needs from a record store.
type Store interface {
	ledger.Store
	ledger.VisitRecorder
	ledger.ImportHistory
	Ping(ctx context.Context) error
}

// Options tunes batch imports.
type Options struct {
	BatchSize     int
	BatchDelay    time.Duration
	MaxConcurrent int
	MaxWait       time.Duration
	JobTimeout    time.Duration
	ResultTTL     time.Duration
}

const (
	defaultJobTimeout = 10 * time.Minute
	defaultResultTTL  = 5 * time.Minute
	historyTimeout    = 5 * time.Second
)

// Service provides the pipeline operations.
type Service struct {
	store   Store
	opts    Options
	limiter *ImportLimiter

	mu      sync.RWMutex
	imports map[string]*activeImport
}

// New creates a Service backed by store.
func New(store Store, opts Options) *Service {
	if opts.BatchSize <= 0 {
		opts.BatchSize = ledger.DefaultBatchSize
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = defaultJobTimeout
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = defaultResultTTL
	}
	return &Service{
		store:   store,
		opts:    opts,
		limiter: NewImportLimiter(opts.MaxConcurrent, opts.MaxWait),
		imports: make(map[string]*activeImport),
	}
}

// Store returns the underlying record store.
func (s *Service) Store() Store { return s.store }

// LimiterStatus reports import slot usage.
func (s *Service) LimiterStatus() LimiterStatus { return s.limiter.Status() }

// Ping checks that the record store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", ledger.ErrRemoteUnavailable, err)
	}
	return nil
}

// ParseFile parses an uploaded party sheet. The format is chosen from the
// file extension: .csv (or no extension) and .txt are parsed as CSV, .xlsx
// as a workbook.
func ParseFile(fileName string, r io.Reader) (ledger.ParseResult, error) {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".csv", ".txt", "":
		return ledger.ParseCSVReader(r)
	case ".xlsx", ".xlsm":
		return ledger.ParseWorkbook(r)
	default:
		return ledger.ParseResult{}, fmt.Errorf("%w: %s", ErrUnsupportedFileType, filepath.Ext(fileName))
	}
}

// ExportSnapshot reads the whole dataset.
func (s *Service) ExportSnapshot(ctx context.Context) (ledger.Snapshot, error) {
	return ledger.ExportSnapshot(ctx, s.store)
}

// ImportSnapshot decodes a transfer file and applies it with mode.
func (s *Service) ImportSnapshot(ctx context.Context, data []byte, mode ledger.Mode) error {
	return ledger.ImportSnapshotJSON(ctx, s.store, data, mode)
}

// Parties returns all parties in store order.
func (s *Service) Parties(ctx context.Context) ([]ledger.PartyEntry, error) {
	parties, err := s.store.GetAllParties(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list parties: %w", ledger.ErrRemoteUnavailable, err)
	}
	return parties, nil
}

// Duplicates groups parties whose names look alike.
func (s *Service) Duplicates(ctx context.Context, threshold float64) ([]ledger.DuplicateGroup, error) {
	parties, err := s.Parties(ctx)
	if err != nil {
		return nil, err
	}
	return ledger.FindDuplicates(parties, threshold), nil
}

// AddVisit appends a visit record to an existing party.
func (s *Service) AddVisit(ctx context.Context, v ledger.VisitRecord) error {
	if v.Amount < 0 {
		return ErrNegativeAmount
	}
	if next, ok := v.NextPaymentTime.Get(); ok && next < 0 {
		return errors.New("next payment date must not be negative")
	}
	if err := s.store.AddVisit(ctx, v); err != nil {
		return fmt.Errorf("add visit for %s: %w", v.PartyID, err)
	}
	logging.WithFields(ctx, "party_id", v.PartyID, "amount", v.Amount).Info("visit recorded")
	return nil
}

// ListImports returns recent import runs, newest first.
func (s *Service) ListImports(ctx context.Context, limit int) ([]ledger.ImportRun, error) {
	return s.store.ListImports(ctx, limit)
}

// Shutdown waits for running imports to finish or ctx to expire.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.limiter.WaitForDrain(ctx)
}

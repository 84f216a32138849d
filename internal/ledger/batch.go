package ledger

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Batch defaults.
const (
	DefaultBatchSize  = 10
	DefaultBatchDelay = 100 * time.Millisecond
)

// Importer submits parsed records to a store in throttled batches.
//
// Batches run strictly in input order; batch N+1 starts only after every
// record in batch N has settled. Records within a batch run concurrently,
// so at most BatchSize store operations are in flight at once.
//
// A record that fails never stops the import. Every record is attempted,
// even after ctx is cancelled; calls made with a done context fail and are
// reported like any other failure.
type Importer struct {
	Store      PartyCreator
	BatchSize  int           // records per batch; <= 0 means DefaultBatchSize
	BatchDelay time.Duration // pause between batches; < 0 disables
	Logger     *slog.Logger
}

// NewImporter returns an Importer with default batch settings.
func NewImporter(store PartyCreator) *Importer {
	return &Importer{
		Store:      store,
		BatchSize:  DefaultBatchSize,
		BatchDelay: DefaultBatchDelay,
		Logger:     slog.Default(),
	}
}

// batchResult holds the per-record outcome of one batch, indexed by
// position within the batch.
type batchResult struct {
	failures []*RecordFailure
}

// ImportParties allocates an id for each record and creates it.
// SuccessCount plus len(Failed) always equals len(records). Failures are
// ordered by batch, then by input position within the batch.
// onProgress, if non-nil, is called once after each batch.
func (im *Importer) ImportParties(ctx context.Context, records []ParsedPartyInput, onProgress ProgressFunc) ImportOutcome {
	logger := im.logger()
	size := im.batchSize()
	total := len(records)
	batches := (total + size - 1) / size

	outcome := ImportOutcome{Failed: []RecordFailure{}}
	start := time.Now()

	forEachBatch(ctx, total, size, im.BatchDelay, func(batch, lo, hi int) {
		res := im.runBatch(ctx, records[lo:hi])
		for _, f := range res.failures {
			if f != nil {
				outcome.Failed = append(outcome.Failed, *f)
			}
		}

		processed := hi
		logger.Debug("import batch settled",
			"batch", batch+1,
			"batches", batches,
			"processed", processed,
			"total", total,
			"failed", len(outcome.Failed),
		)
		if onProgress != nil {
			onProgress(Progress{
				Processed: processed,
				Total:     total,
				Succeeded: processed - len(outcome.Failed),
				Failed:    len(outcome.Failed),
				Batch:     batch + 1,
				Batches:   batches,
			})
		}
	})

	outcome.SuccessCount = total - len(outcome.Failed)
	logger.Info("party import complete",
		"total", total,
		"succeeded", outcome.SuccessCount,
		"failed", len(outcome.Failed),
		"duration", time.Since(start),
	)
	return outcome
}

// runBatch submits every record in batch concurrently and waits for all
// of them to settle.
func (im *Importer) runBatch(ctx context.Context, batch []ParsedPartyInput) batchResult {
	res := batchResult{failures: make([]*RecordFailure, len(batch))}

	var g errgroup.Group
	g.SetLimit(len(batch))
	for i, rec := range batch {
		g.Go(func() error {
			res.failures[i] = im.submit(ctx, rec)
			return nil
		})
	}
	_ = g.Wait()

	return res
}

// submit allocates and creates one party. It returns nil on success.
func (im *Importer) submit(ctx context.Context, rec ParsedPartyInput) *RecordFailure {
	id, err := im.Store.GenerateID(ctx, rec.Name, rec.Phone)
	if err != nil {
		kind, reason := Classify(err)
		im.logger().Warn("party id allocation failed",
			"name", rec.Name,
			"kind", kind,
			"error", err,
		)
		return &RecordFailure{Name: rec.Name, Reason: reason, Kind: kind, Stage: StageAllocate}
	}

	if err := im.Store.CreateParty(ctx, id, rec.Fields()); err != nil {
		kind, reason := Classify(err)
		// The allocated id is not reclaimed.
		im.logger().Warn("party create failed; allocated id left unused",
			"name", rec.Name,
			"id", id,
			"kind", kind,
			"error", err,
		)
		return &RecordFailure{Name: rec.Name, Reason: reason, Kind: kind, Stage: StageCreate, AllocatedID: id}
	}
	return nil
}

func (im *Importer) batchSize() int {
	if im.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return im.BatchSize
}

func (im *Importer) logger() *slog.Logger {
	if im.Logger == nil {
		return slog.Default()
	}
	return im.Logger
}

// forEachBatch calls fn for each contiguous [lo, hi) window of size items
// over n, in order, sleeping delay between windows. The sleep is skipped
// after the last window and once ctx is done.
func forEachBatch(ctx context.Context, n, size int, delay time.Duration, fn func(batch, lo, hi int)) {
	for batch, lo := 0, 0; lo < n; batch, lo = batch+1, lo+size {
		hi := min(lo+size, n)
		fn(batch, lo, hi)

		if hi < n && delay > 0 {
			sleep(ctx, delay)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

package ledger

import (
	"context"
	"fmt"
	"log/slog"
)

// ExportSnapshot reads the full dataset from store in one call.
// Store failures are wrapped in ErrRemoteUnavailable.
func ExportSnapshot(ctx context.Context, store SnapshotStore) (Snapshot, error) {
	snap, err := store.ExportSnapshot(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: export: %w", ErrRemoteUnavailable, err)
	}
	if snap.Parties == nil {
		snap.Parties = make(map[string]PartyRecord)
	}
	if snap.VisitRecords == nil {
		snap.VisitRecords = make(map[string][]VisitRecord)
	}
	for id, p := range snap.Parties {
		if p.ID != id {
			return Snapshot{}, fmt.Errorf("export: party %q stored under id %q", p.ID, id)
		}
	}
	if orphans := snap.OrphanedVisits(); len(orphans) > 0 {
		slog.WarnContext(ctx, "export contains visit records for unknown parties", "party_ids", orphans)
	}
	return snap, nil
}

// ImportSnapshot reconciles incoming with the store's current data and
// writes the result back in a single ApplySnapshot call. Merge mode reads
// the existing data first; overwrite mode does not.
func ImportSnapshot(ctx context.Context, store SnapshotStore, incoming Snapshot, mode Mode) error {
	if mode != ModeMerge && mode != ModeOverwrite {
		return fmt.Errorf("%w: %q", ErrInvalidMode, string(mode))
	}

	existing := NewSnapshot()
	if mode == ModeMerge {
		var err error
		if existing, err = ExportSnapshot(ctx, store); err != nil {
			return err
		}
	}

	target, err := ApplyImport(existing, incoming, mode)
	if err != nil {
		return err
	}

	if err := store.ApplySnapshot(ctx, target); err != nil {
		return fmt.Errorf("%w: apply snapshot: %w", ErrRemoteUnavailable, err)
	}

	slog.InfoContext(ctx, "snapshot imported",
		"mode", mode,
		"parties", len(target.Parties),
		"visit_parties", len(target.VisitRecords),
	)
	return nil
}

// ImportSnapshotJSON decodes data and imports it. A decode failure returns
// a *TransferFormatError before the store is touched.
func ImportSnapshotJSON(ctx context.Context, store SnapshotStore, data []byte, mode Mode) error {
	incoming, err := DecodeSnapshot(data)
	if err != nil {
		return err
	}
	return ImportSnapshot(ctx, store, incoming, mode)
}

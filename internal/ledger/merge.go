package ledger

import (
	"fmt"
	"strings"
)

// Mode selects how an incoming snapshot is reconciled with existing data.
type Mode string

const (
	// ModeMerge keeps existing data, replaces parties by id, and appends
	// incoming visit records after existing ones.
	ModeMerge Mode = "merge"
	// ModeOverwrite replaces the whole dataset with the incoming snapshot.
	ModeOverwrite Mode = "overwrite"
)

// ParseMode parses a mode name, case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeMerge:
		return ModeMerge, nil
	case ModeOverwrite:
		return ModeOverwrite, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

func (m Mode) String() string { return string(m) }

// ApplyImport computes the dataset that results from importing incoming
// over existing. It does not modify either argument and the result shares
// no maps or slices with them.
//
// Merge rules:
//   - parties: union by id; incoming wins for ids present in both
//   - visit records: per party, existing records followed by incoming ones
//   - branding: incoming if present, otherwise existing
//   - unknown top-level fields: union; incoming wins
//
// Re-importing the same snapshot in merge mode duplicates its visit records.
func ApplyImport(existing, incoming Snapshot, mode Mode) (Snapshot, error) {
	switch mode {
	case ModeOverwrite:
		return incoming.Clone(), nil
	case ModeMerge:
		return merge(existing, incoming), nil
	}
	return Snapshot{}, fmt.Errorf("%w: %q", ErrInvalidMode, string(mode))
}

func merge(existing, incoming Snapshot) Snapshot {
	out := existing.Clone()
	in := incoming.Clone()

	for id, p := range in.Parties {
		out.Parties[id] = p
	}
	for id, visits := range in.VisitRecords {
		prev := out.VisitRecords[id]
		combined := make([]VisitRecord, 0, len(prev)+len(visits))
		combined = append(combined, prev...)
		combined = append(combined, visits...)
		out.VisitRecords[id] = combined
	}
	if in.Branding.Valid {
		out.Branding = in.Branding
	}
	for k, v := range in.Extra {
		if out.Extra == nil {
			out.Extra = make(Extra)
		}
		out.Extra[k] = v
	}
	return out
}

package ledger

import (
	"encoding/csv"
	"fmt"
	"io"
	"slices"
	"strconv"
	"time"
)

// PartiesCSVHeader is the header row written by WritePartiesCSV.
var PartiesCSVHeader = []string{"Party ID", "Name", "Address", "Phone", "PAN", "Due Amount"}

// VisitsCSVHeader is the header row written by WriteVisitsCSV.
var VisitsCSVHeader = []string{
	"Party ID", "Party Name", "Amount", "Comment", "Payment Date",
	"Next Payment Date", "Has Location", "Latitude", "Longitude",
}

// WritePartiesCSV writes parties as CSV in the given order.
func WritePartiesCSV(w io.Writer, parties []PartyEntry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(PartiesCSVHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, e := range parties {
		p := e.Party
		row := []string{e.ID, p.Name, p.Address, p.Phone, p.TaxID, strconv.FormatInt(p.DueAmount, 10)}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write party %s: %w", e.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteVisitsCSV writes every visit record in snap, grouped by party id.
func WriteVisitsCSV(w io.Writer, snap Snapshot) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(VisitsCSVHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	ids := make([]string, 0, len(snap.VisitRecords))
	for id := range snap.VisitRecords {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		name := "Unknown"
		if p, ok := snap.Parties[id]; ok {
			name = p.Name
		}
		for _, v := range snap.VisitRecords[id] {
			row := []string{
				id,
				name,
				strconv.FormatInt(v.Amount, 10),
				v.Comment,
				v.PaymentAt().Format(time.RFC3339),
				"",
				"No", "", "",
			}
			if next, ok := v.NextPaymentTime.Get(); ok {
				row[5] = time.Unix(0, next).UTC().Format(time.DateOnly)
			}
			if loc, ok := v.Location.Get(); ok {
				row[6] = "Yes"
				row[7] = strconv.FormatFloat(loc.Latitude, 'f', -1, 64)
				row[8] = strconv.FormatFloat(loc.Longitude, 'f', -1, 64)
			}
			if err := cw.Write(row); err != nil {
				return fmt.Errorf("write visit for %s: %w", id, err)
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

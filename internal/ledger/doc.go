// Package ledger provides the party ingestion and reconciliation pipeline.
//
// The package holds the domain logic only. It talks to a record store
// through the [Store] interface, so the same code runs behind the HTTP
// server, inside the ledgerctl CLI, and in tests.
//
// # Parsing
//
// [ParseCSV] and [ParseWorkbook] turn untrusted spreadsheet data into
// [ParsedPartyInput] rows. Parsing is best effort: bad rows are reported in
// [ParseResult.Errors] and skipped, and only a header missing a required
// column is fatal.
//
// # Batch Import
//
// [Importer.ImportParties] submits rows to the store in batches:
//
//  1. Rows are split into contiguous batches of [Importer.BatchSize]
//  2. Each batch runs concurrently; the next starts once all have settled
//  3. Each row allocates an id, then creates the party
//  4. Failures are classified with [Classify] and collected, never fatal
//  5. Progress is reported after each batch
//
// # Transfer
//
// [ExportSnapshot] and [ImportSnapshot] move the whole dataset as a
// [Snapshot]. [EncodeSnapshot] and [DecodeSnapshot] implement the JSON
// transfer format, where integers travel as decimal strings. Imports run in
// [ModeMerge] or [ModeOverwrite]; see [ApplyImport].
//
// # Error Handling
//
// Technical errors are mapped to user-facing messages with [MapError]:
//
//   - LED001-LED003: Party errors (duplicate name, id conflicts)
//   - NET001-NET002: Record store connectivity and timeouts
//   - XFR001-XFR002: Transfer file and mode errors
//   - FILE001-FILE004: Upload file errors
//   - IMP001-IMP002: Import job errors
package ledger

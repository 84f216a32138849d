package ledger

// errors.go defines the pipeline's error taxonomy and the mapping from
// technical errors to user-facing messages.
//
// Row and record errors are collected into results and never returned.
// Only header-level and transfer-format errors abort an operation, and they
// do so before anything is written to the store.
//
// Error codes:
//
//	LED001 - Duplicate party name     ("already exists", ErrDuplicateName)
//	LED002 - Party id already exists  (ErrPartyExists)
//	LED003 - Party not found          (ErrPartyNotFound)
//	NET001 - Record store unreachable ("connection refused", "network", ...)
//	NET002 - Record store timeout     ("timeout", "deadline exceeded")
//	XFR001 - Invalid transfer file    (ErrTransferFormat)
//	XFR002 - Invalid import mode      (ErrInvalidMode)
//	FILE001 - File too large
//	FILE002 - No file provided
//	FILE003 - Unsupported file type
//	FILE004 - Empty file
//	FILE005 - No importable rows
//	VAL001 - Negative amount
//	IMP001 - Too many imports running
//	IMP002 - Import not found
//	RATE001 - Rate limited
//	ERR000 - Anything else

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrTransferFormat is wrapped by every TransferFormatError.
var ErrTransferFormat = errors.New("invalid transfer format")

// ErrRemoteUnavailable is returned when the record store cannot be reached
// during export or import.
var ErrRemoteUnavailable = errors.New("record store unavailable")

// ErrInvalidMode is returned for an unknown reconciliation mode.
var ErrInvalidMode = errors.New("invalid import mode")

// TransferFormatError reports malformed transfer JSON.
// Path locates the offending value, e.g. "parties[3][1].dueAmount".
type TransferFormatError struct {
	Path string
	Err  error
}

func (e *TransferFormatError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("invalid transfer format: %v", e.Err)
	}
	return fmt.Sprintf("invalid transfer format at %s: %v", e.Path, e.Err)
}

func (e *TransferFormatError) Unwrap() []error {
	return []error{ErrTransferFormat, e.Err}
}

func formatErr(path string, format string, args ...any) error {
	return &TransferFormatError{Path: path, Err: fmt.Errorf(format, args...)}
}

// Classify maps a store error to a failure kind and a user-facing reason.
func Classify(err error) (FailureKind, string) {
	if err == nil {
		return "", ""
	}
	kind := classifyKind(err)
	switch kind {
	case FailureDuplicateName:
		return kind, "A party with this name already exists"
	case FailureNetwork:
		return kind, "Unable to connect to the record store"
	case FailureTimeout:
		return kind, "Request to the record store timed out"
	}
	return FailureUnknown, err.Error()
}

var (
	duplicatePatterns = []string{"already exists", "duplicate"}
	timeoutPatterns   = []string{"timeout", "timed out", "deadline exceeded"}
	networkPatterns   = []string{
		"network", "fetch", "connection refused", "connection reset",
		"no such host", "dial tcp", "broken pipe", "unreachable",
	}
)

func classifyKind(err error) FailureKind {
	if errors.Is(err, ErrDuplicateName) {
		return FailureDuplicateName
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}

	msg := strings.ToLower(err.Error())
	// Order matters: a timed-out dial mentions both "dial tcp" and "timeout".
	if containsAny(msg, duplicatePatterns) {
		return FailureDuplicateName
	}
	if containsAny(msg, timeoutPatterns) {
		return FailureTimeout
	}
	if containsAny(msg, networkPatterns) {
		return FailureNetwork
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return FailureNetwork
	}
	return FailureUnknown
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

type sentinelMessage struct {
	target error
	msg    UserMessage
}

// sentinelMessages are checked with errors.Is before any text matching.
var sentinelMessages = []sentinelMessage{
	{ErrDuplicateName, UserMessage{"A party with this name already exists", "Use a different party name", "LED001"}},
	{ErrPartyExists, UserMessage{"A party with this id already exists", "Allocate a new id and retry", "LED002"}},
	{ErrPartyNotFound, UserMessage{"Party not found", "Check the party id", "LED003"}},
	{ErrTransferFormat, UserMessage{"The transfer file is not valid", "Use a file produced by the export function", "XFR001"}},
	{ErrInvalidMode, UserMessage{"Unknown import mode", "Use merge or overwrite", "XFR002"}},
	{ErrRemoteUnavailable, UserMessage{"Unable to reach the record store", "Please try again in a few moments", "NET001"}},
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns are matched case-insensitively; the first match wins.
var errorPatterns = []errorPattern{
	{"already exists", UserMessage{"A party with this name already exists", "Use a different party name", "LED001"}},
	{"file too large", UserMessage{"File exceeds maximum size limit", "Split the file into smaller chunks", "FILE001"}},
	{"request body too large", UserMessage{"File exceeds maximum size limit", "Split the file into smaller chunks", "FILE001"}},
	{"no file provided", UserMessage{"No file was selected", "Please select a CSV or XLSX file to upload", "FILE002"}},
	{"unsupported file type", UserMessage{"Unsupported file type", "Upload a .csv or .xlsx file", "FILE003"}},
	{"file is empty", UserMessage{"The uploaded file is empty", "Upload a file with a header row and data rows", "FILE004"}},
	{"no importable rows", UserMessage{"No valid rows were found in the file", "Fix the reported row errors and upload again", "FILE005"}},
	{"must not be negative", UserMessage{"Amounts must not be negative", "Enter a zero or positive amount", "VAL001"}},
	{"too many concurrent imports", UserMessage{"Too many imports in progress", "Please wait a moment and try again", "IMP001"}},
	{"import not found", UserMessage{"Import session not found", "The import may have expired. Please start a new import", "IMP002"}},
	{"rate limit", UserMessage{"Too many requests", "Please wait a moment before trying again", "RATE001"}},
	{"deadline exceeded", UserMessage{"Request to the record store timed out", "Please try again", "NET002"}},
	{"timeout", UserMessage{"Request to the record store timed out", "Please try again", "NET002"}},
	{"connection refused", UserMessage{"Unable to reach the record store", "Please try again in a few moments", "NET001"}},
	{"connection reset", UserMessage{"Connection to the record store was interrupted", "Please try again", "NET001"}},
}

var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error into a user-friendly message.
// Returns a zero UserMessage for a nil error.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}
	for _, s := range sentinelMessages {
		if errors.Is(err, s.target) {
			return s.msg
		}
	}
	msg := strings.ToLower(err.Error())
	for _, p := range errorPatterns {
		if strings.Contains(msg, p.pattern) {
			return p.msg
		}
	}
	return defaultMessage
}

// FormatUserError renders a UserMessage as a single line for display.
func FormatUserError(err error) string {
	m := MapError(err)
	if m.Code == "" {
		return ""
	}
	if m.Action == "" {
		return fmt.Sprintf("%s (%s)", m.Message, m.Code)
	}
	return fmt.Sprintf("%s. %s (%s)", m.Message, m.Action, m.Code)
}

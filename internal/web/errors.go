package web

// errors.go turns handler errors into JSON responses.
//
// The technical error is logged with the request id; the client gets the
// mapped user message and a stable code it can branch on.

import (
	"context"
	"errors"
	"net/http"

	"github.com/JonMunkholm/partyledger/internal/ledger"
	"github.com/JonMunkholm/partyledger/internal/logging"
	"github.com/JonMunkholm/partyledger/internal/service"
)

// ErrorResponse is the body of every API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

// errBadRequest marks client mistakes that have no sentinel of their own.
var errBadRequest = errors.New("bad request")

type statusRule struct {
	target error
	status int
}

var statusRules = []statusRule{
	{ledger.ErrDuplicateName, http.StatusConflict},
	{ledger.ErrPartyExists, http.StatusConflict},
	{ledger.ErrPartyNotFound, http.StatusNotFound},
	{service.ErrImportNotFound, http.StatusNotFound},
	{ledger.ErrTransferFormat, http.StatusBadRequest},
	{ledger.ErrInvalidMode, http.StatusBadRequest},
	{service.ErrUnsupportedFileType, http.StatusBadRequest},
	{service.ErrNoRecords, http.StatusUnprocessableEntity},
	{service.ErrNegativeAmount, http.StatusBadRequest},
	{errBadRequest, http.StatusBadRequest},
	{service.ErrTooManyImports, http.StatusServiceUnavailable},
	{context.DeadlineExceeded, http.StatusGatewayTimeout},
	{ledger.ErrRemoteUnavailable, http.StatusBadGateway},
}

// statusFor picks the HTTP status for err.
func statusFor(err error) int {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return http.StatusRequestEntityTooLarge
	}
	for _, rule := range statusRules {
		if errors.Is(err, rule.target) {
			return rule.status
		}
	}
	return http.StatusInternalServerError
}

// respondError logs err and writes the mapped message. A zero status is
// derived from err.
func respondError(w http.ResponseWriter, r *http.Request, err error, status int) {
	if status == 0 {
		status = statusFor(err)
	}
	msg := ledger.MapError(err)

	logger := logging.FromContext(r.Context())
	attrs := []any{
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
		"code", msg.Code,
	}
	if status >= 500 {
		logger.Error("request error", attrs...)
	} else {
		logger.Warn("request error", attrs...)
	}

	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, status, ErrorResponse{
		Error:   msg.Message,
		Message: msg.Message,
		Action:  msg.Action,
		Code:    msg.Code,
	})
}

// logWriteError records a failure that happened after headers were sent.
func logWriteError(r *http.Request, err error) {
	logging.FromContext(r.Context()).Error("write response failed",
		"path", r.URL.Path,
		"error", err,
	)
}

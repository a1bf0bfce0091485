// Package api exposes the governance runtime over HTTP. Errors are
// RFC 7807 problem details; outbound messages never leak internals.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/wardenhq/warden/pkg/contracts"
)

// ProblemDetail is an RFC 7807 error response body.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`

	// Alternatives carries entity candidates when the problem is an
	// ambiguous reference needing clarification.
	Alternatives []contracts.EntityRef `json:"alternatives,omitempty"`
}

func (p *ProblemDetail) Error() string { return p.Title + ": " + p.Detail }

func problemType(status int) string {
	return "https://warden.dev/errors/" + http.StatusText(status)
}

func writeProblem(w http.ResponseWriter, r *http.Request, p *ProblemDetail) {
	if p.Type == "" {
		p.Type = problemType(p.Status)
	}
	if r != nil {
		p.Instance = r.URL.Path
		p.TraceID = w.Header().Get("X-Request-ID")
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes one RFC 7807 response.
func WriteError(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, r, &ProblemDetail{Title: title, Status: status, Detail: Sanitize(detail)})
}

// WriteDomainError maps a runtime error to its HTTP status. Unknown
// errors become a 500 with the cause logged, never echoed.
func WriteDomainError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	var verr *contracts.ValidationError
	var clarify *contracts.NeedsClarificationError

	switch {
	case errors.As(err, &clarify):
		writeProblem(w, r, &ProblemDetail{
			Title:        "Needs Clarification",
			Status:       http.StatusUnprocessableEntity,
			Detail:       Sanitize(clarify.Question),
			Alternatives: clarify.Alternatives,
		})
	case errors.As(err, &verr):
		WriteError(w, r, http.StatusBadRequest, "Bad Request", verr.Error())
	case errors.Is(err, contracts.ErrNotFound):
		WriteError(w, r, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, contracts.ErrForbidden):
		WriteError(w, r, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, contracts.ErrApprovalExpired):
		WriteError(w, r, http.StatusGone, "Approval Expired", err.Error())
	case errors.Is(err, contracts.ErrApprovalAlreadyDecided), errors.Is(err, contracts.ErrStaleVersion):
		WriteError(w, r, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, contracts.ErrBindingHashMismatch):
		WriteError(w, r, http.StatusPreconditionFailed, "Binding Hash Mismatch", err.Error())
	case errors.Is(err, contracts.ErrInvalidTransition):
		WriteError(w, r, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, contracts.ErrTimeout):
		WriteError(w, r, http.StatusGatewayTimeout, "Gateway Timeout", "the operation timed out")
	default:
		if log == nil {
			log = slog.Default()
		}
		log.Error("internal error", slog.Any("error", err))
		WriteError(w, r, http.StatusInternalServerError, "Internal Server Error",
			"an unexpected error occurred")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

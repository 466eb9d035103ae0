package httpapi

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	pipelineerrors "github.com/opsconductor/opsconductor/internal/errors"
)

// problem is an RFC 7807 application/problem+json body.
type problem struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail"`
	Instance  string `json:"instance"`
	RequestID string `json:"request_id,omitempty"`
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, typ, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem{
		Type:      "https://opsconductor.dev/errors/" + typ,
		Title:     title,
		Status:    status,
		Detail:    detail,
		Instance:  r.URL.Path,
		RequestID: r.Header.Get("X-Request-ID"),
	})
}

// writeAppError maps a pipeline *errors.AppError (or any error) onto the
// HTTP response spec §6/§7 describe: status code from the error's type,
// a safe (non-leaking) detail message, and - for ApprovalRequired - the
// resume token the caller needs to call POST /pipeline/resume.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := pipelineerrors.GetStatusCode(err)
	errType := pipelineerrors.GetType(err)
	detail := pipelineerrors.SafeErrorMessage(err)

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	body := problem{
		Type:      "https://opsconductor.dev/errors/" + string(errType),
		Title:     string(errType),
		Status:    status,
		Detail:    detail,
		Instance:  r.URL.Path,
		RequestID: requestIDOf(err),
	}

	if errType == pipelineerrors.ErrorTypeApprovalRequired && requestIDOf(err) != "" {
		_ = json.NewEncoder(w).Encode(struct {
			problem
			ResumeToken string `json:"resume_token"`
		}{problem: body, ResumeToken: requestIDOf(err)})
		return
	}

	_ = json.NewEncoder(w).Encode(body)
}

// requestIDOf extracts the originating request id from err's *AppError, if any.
func requestIDOf(err error) string {
	var appErr *pipelineerrors.AppError
	if stderrors.As(err, &appErr) {
		return appErr.RequestID
	}
	return ""
}

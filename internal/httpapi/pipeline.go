package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	pipelineerrors "github.com/opsconductor/opsconductor/internal/errors"
	"github.com/opsconductor/opsconductor/pkg/types"
)

// validate is safe for concurrent use and caches struct tag parsing, so a
// single package-level instance is shared across requests.
var validate = validator.New()

// Pipeline is the subset of pkg/orchestrator.Orchestrator the HTTP layer
// depends on. Narrowing to an interface (the same pattern pkg/orchestrator
// itself uses for its own stages) keeps this package's tests free of
// building real LLM clients, catalogs, or cache managers.
type Pipeline interface {
	Execute(ctx context.Context, req types.Request) (types.Response, error)
	Resume(ctx context.Context, requestID, approvalToken string) (types.Response, error)
}

type pipelineRequest struct {
	Request    string `json:"request" validate:"required"`
	UserID     string `json:"user_id" validate:"required"`
	SessionID  string `json:"session_id"`
	DeadlineMS int64  `json:"deadline_ms" validate:"gte=0"`
}

const defaultRequestDeadline = 30 * time.Second

func (s *Server) handlePipeline(w http.ResponseWriter, r *http.Request) {
	var body pipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAppError(w, r, pipelineerrors.New(pipelineerrors.ErrorTypeValidation, "request body must be valid JSON").WithDetails(err.Error()))
		return
	}
	if err := validate.Struct(body); err != nil {
		writeAppError(w, r, pipelineerrors.New(pipelineerrors.ErrorTypeValidation, "invalid pipeline request").WithDetails(err.Error()))
		return
	}

	now := time.Now()
	deadline := now.Add(defaultRequestDeadline)
	if body.DeadlineMS > 0 {
		deadline = now.Add(time.Duration(body.DeadlineMS) * time.Millisecond)
	}

	req := types.Request{
		RequestID:  uuid.NewString(),
		UserID:     body.UserID,
		SessionID:  body.SessionID,
		Text:       body.Request,
		ReceivedAt: now,
		Deadline:   deadline,
	}

	resp, err := s.pipeline.Execute(r.Context(), req)
	if err != nil {
		writeAppError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

type pipelineResumeRequest struct {
	RequestID     string `json:"request_id" validate:"required"`
	ApprovalToken string `json:"approval_token" validate:"required"`
}

func (s *Server) handlePipelineResume(w http.ResponseWriter, r *http.Request) {
	var body pipelineResumeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAppError(w, r, pipelineerrors.New(pipelineerrors.ErrorTypeValidation, "request body must be valid JSON").WithDetails(err.Error()))
		return
	}
	if err := validate.Struct(body); err != nil {
		writeAppError(w, r, pipelineerrors.New(pipelineerrors.ErrorTypeValidation, "request_id and approval_token are required").WithDetails(err.Error()))
		return
	}

	resp, err := s.pipeline.Resume(r.Context(), body.RequestID, body.ApprovalToken)
	if err != nil {
		writeAppError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

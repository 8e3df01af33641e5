/*
handlers.go - HTTP API handlers for the leave engine

PURPOSE:
  Exposes the leave coordinator via REST API. Handles HTTP request/response,
  JSON serialization, and delegates every decision to leave.Coordinator.

ENDPOINTS:
  Registry:
    POST   /api/principals                       Register employee or manager

  Employee (any authenticated principal):
    POST   /api/leave/apply                      Apply for leave
    GET    /api/leave/my                         Own applications
    GET    /api/leave/balance                    Own ledger
    PATCH  /api/leave/cancel/{id}                Withdraw a Pending application
    GET    /api/leave/journal                    Own ledger journal

  Manager:
    GET    /api/manager/team                     Direct reports
    GET    /api/manager/leaves                   Team inbox (filterable)
    GET    /api/manager/calendar                 Team Approved leave
    GET    /api/manager/history                  Team resolved applications
    GET    /api/manager/leave/history.xlsx       History as a spreadsheet
    PATCH  /api/manager/leave/approve/{id}       Approve (debits the ledger)
    PATCH  /api/manager/leave/reject/{id}        Reject
    GET    /api/manager/balance/{employeeId}     Employee ledger
    PATCH  /api/manager/balance/{employeeId}     Overwrite employee ledger
    GET    /api/manager/audit                    Conservation check for the team

QUERY FILTERS (listing endpoints):
  ?status=Pending,Approved   any of the named statuses
  ?from=2024-01-01&to=...    applications overlapping [from, to]

ERROR HANDLING:
  Domain errors are mapped by kind (see statusFor):
  - 400: Missing fields, invalid input, insufficient balance
  - 401: Missing or invalid token
  - 403: Not a manager, or not the applicant's manager
  - 404: Resource not found (or not visible to the caller)
  - 409: Already processed, not cancellable
  - 503: Storage failure or lost race (retryable)

SEE ALSO:
  - dto.go: Request/response data structures
  - auth.go: Token verification and principal resolution
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/logger"
	"github.com/warp/leave-engine/metrics"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Leave *leave.Coordinator
	Auth  *Authenticator

	// Ping, when set, backs /healthz.
	Ping func(ctx context.Context) error

	validate *validator.Validate
}

// NewHandler creates a new handler around the coordinator.
func NewHandler(coord *leave.Coordinator, auth *Authenticator) *Handler {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{Leave: coord, Auth: auth, validate: v}
}

// Health reports liveness and storage reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		if err := h.Ping(r.Context()); err != nil {
			logger.FromContext(r.Context()).WithError(err).Error("health check failed")
			writeError(w, http.StatusServiceUnavailable, "Storage unavailable", nil)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// REGISTRY
// =============================================================================

// RegisterPrincipal creates an employee or manager and returns a token for it.
func (h *Handler) RegisterPrincipal(w http.ResponseWriter, r *http.Request) {
	var req RegisterPrincipalRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.check(req, leave.ErrInvalidPrincipal); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	p, err := h.Leave.RegisterPrincipal(r.Context(), leave.RegisterInput{
		Name:      req.Name,
		Email:     req.Email,
		Role:      req.Role,
		ManagerID: req.ManagerID,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	token, err := h.Auth.Issue(p)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to issue token", err)
		return
	}
	writeJSON(w, http.StatusCreated, RegisterResponse{Principal: toPrincipalDTO(p), Token: token})
}

// =============================================================================
// EMPLOYEE HANDLERS
// =============================================================================

// ApplyLeave files a leave request for the caller.
func (h *Handler) ApplyLeave(w http.ResponseWriter, r *http.Request) {
	p := mustPrincipal(r)

	var req ApplyLeaveRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.check(req, leave.ErrMissingField); err != nil {
		metrics.ObserveTransition("apply", resultLabel(err))
		h.writeDomainError(w, r, err)
		return
	}

	app, err := h.Leave.ApplyLeave(r.Context(), p.ID, leave.ApplyInput{
		StartDate: req.StartDate,
		EndDate:   req.EndDate,
		LeaveType: req.LeaveType,
		Reason:    req.Reason,
	})
	metrics.ObserveTransition("apply", resultLabel(err))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if app.Status == leave.StatusApproved {
		metrics.ObserveDebit(string(app.LeaveType), app.Days)
	}
	writeJSON(w, http.StatusCreated, toApplicationDTO(app))
}

// MyLeaves lists the caller's applications, newest first.
func (h *Handler) MyLeaves(w http.ResponseWriter, r *http.Request) {
	p := mustPrincipal(r)
	f, err := h.parseFilter(r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	apps, err := h.Leave.MyApplications(r.Context(), p.ID, f)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toApplicationDTOs(apps, nil))
}

// MyBalance returns the caller's ledger.
func (h *Handler) MyBalance(w http.ResponseWriter, r *http.Request) {
	p := mustPrincipal(r)
	bal, err := h.Leave.GetOwnBalance(r.Context(), p.ID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(bal))
}

// CancelLeave withdraws one of the caller's Pending applications.
func (h *Handler) CancelLeave(w http.ResponseWriter, r *http.Request) {
	p := mustPrincipal(r)
	app, err := h.Leave.CancelLeave(r.Context(), p.ID, chi.URLParam(r, "id"))
	metrics.ObserveTransition("cancel", resultLabel(err))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toApplicationDTO(app))
}

// MyJournal returns the caller's ledger journal, oldest first.
func (h *Handler) MyJournal(w http.ResponseWriter, r *http.Request) {
	p := mustPrincipal(r)
	entries, err := h.Leave.Journal(r.Context(), p.ID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerEntryDTOs(entries))
}

// =============================================================================
// MANAGER HANDLERS
// =============================================================================

// Team lists the manager's direct reports.
func (h *Handler) Team(w http.ResponseWriter, r *http.Request) {
	p := mustPrincipal(r)
	team, err := h.Leave.ListTeam(r.Context(), p.ID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPrincipalDTOs(team))
}

// TeamLeaves lists applications filed by the manager's team.
func (h *Handler) TeamLeaves(w http.ResponseWriter, r *http.Request) {
	h.teamListing(w, r, h.Leave.TeamApplications)
}

// TeamHistory lists the team's resolved applications.
func (h *Handler) TeamHistory(w http.ResponseWriter, r *http.Request) {
	h.teamListing(w, r, h.Leave.TeamHistory)
}

// TeamCalendar lists the team's Approved leave overlapping ?from/?to.
func (h *Handler) TeamCalendar(w http.ResponseWriter, r *http.Request) {
	h.teamListing(w, r, func(ctx context.Context, managerID string, f leave.Filter) ([]leave.Application, error) {
		return h.Leave.TeamCalendar(ctx, managerID, f.From, f.To)
	})
}

type teamQuery func(ctx context.Context, managerID string, f leave.Filter) ([]leave.Application, error)

func (h *Handler) teamListing(w http.ResponseWriter, r *http.Request, query teamQuery) {
	p := mustPrincipal(r)
	f, err := h.parseFilter(r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	apps, team, err := h.teamApplications(r.Context(), p.ID, f, query)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toApplicationDTOs(apps, team))
}

func (h *Handler) teamApplications(ctx context.Context, managerID string, f leave.Filter, query teamQuery) ([]leave.Application, map[string]leave.Principal, error) {
	apps, err := query(ctx, managerID, f)
	if err != nil {
		return nil, nil, err
	}
	members, err := h.Leave.ListTeam(ctx, managerID)
	if err != nil {
		return nil, nil, err
	}
	team := make(map[string]leave.Principal, len(members))
	for _, m := range members {
		team[m.ID] = m
	}
	return apps, team, nil
}

// ApproveLeave approves a Pending application and debits the ledger.
func (h *Handler) ApproveLeave(w http.ResponseWriter, r *http.Request) {
	h.review(w, r, "approve", h.Leave.ApproveLeave)
}

// RejectLeave rejects a Pending application.
func (h *Handler) RejectLeave(w http.ResponseWriter, r *http.Request) {
	h.review(w, r, "reject", h.Leave.RejectLeave)
}

func (h *Handler) review(w http.ResponseWriter, r *http.Request, transition string,
	fn func(ctx context.Context, managerID, requestID, comments string) (leave.Application, error)) {
	p := mustPrincipal(r)

	var req ReviewRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	app, err := fn(r.Context(), p.ID, chi.URLParam(r, "id"), req.ManagerComments)
	metrics.ObserveTransition(transition, resultLabel(err))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if app.Status == leave.StatusApproved {
		metrics.ObserveDebit(string(app.LeaveType), app.Days)
	}
	writeJSON(w, http.StatusOK, toApplicationDTO(app))
}

// EmployeeBalance returns the ledger of one of the manager's employees.
func (h *Handler) EmployeeBalance(w http.ResponseWriter, r *http.Request) {
	p := mustPrincipal(r)
	bal, err := h.Leave.GetEmployeeBalance(r.Context(), p.ID, chi.URLParam(r, "employeeId"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(bal))
}

// SetEmployeeBalance overwrites the ledger of one of the manager's employees.
func (h *Handler) SetEmployeeBalance(w http.ResponseWriter, r *http.Request) {
	p := mustPrincipal(r)

	var req SetBalanceRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.check(req, leave.ErrInvalidBalance); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	bal, err := h.Leave.SetEmployeeBalance(r.Context(), p.ID, chi.URLParam(r, "employeeId"), leave.BalanceInput{
		Casual: *req.Casual,
		Sick:   *req.Sick,
		Earned: *req.Earned,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(bal))
}

// TeamAudit runs the conservation check for the manager and their team.
func (h *Handler) TeamAudit(w http.ResponseWriter, r *http.Request) {
	p := mustPrincipal(r)
	results, err := h.Leave.AuditTeam(r.Context(), p.ID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditDTOs(results))
}

// =============================================================================
// REQUEST HELPERS
// =============================================================================

func mustPrincipal(r *http.Request) leave.Principal {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		panic("api: handler mounted without Authenticate")
	}
	return p
}

// decodeJSON decodes the body into dst. An empty body is accepted when
// optional is set.
func decodeJSON(r *http.Request, dst any, optional bool) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) && optional {
		return nil
	}
	return err
}

// check runs struct validation. A failed "required" tag becomes a
// MissingFieldError; any other failure wraps invalid.
func (h *Handler) check(req any, invalid error) error {
	err := h.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		if fe.Tag() == "required" {
			return &leave.MissingFieldError{Field: fe.Field()}
		}
		return fmt.Errorf("%w: %s failed %s", invalid, fe.Field(), fe.Tag())
	}
	return invalid
}

var errUnknownStatus = errors.New("unknown status")

func (h *Handler) parseFilter(r *http.Request) (leave.Filter, error) {
	var f leave.Filter
	q := r.URL.Query()
	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			s, ok := leave.ParseStatus(part)
			if !ok {
				return f, fmt.Errorf("%w: %q", errUnknownStatus, part)
			}
			f.Statuses = append(f.Statuses, s)
		}
	}
	loc := h.Leave.Location()
	if raw := q.Get("from"); raw != "" {
		t, err := leave.ParseDate(raw, loc)
		if err != nil {
			return f, err
		}
		f.From = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := leave.ParseDate(raw, loc)
		if err != nil {
			return f, err
		}
		f.To = t
	}
	return f, nil
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// errorKinds is checked in order; the first match decides status and code.
var errorKinds = []struct {
	err    error
	status int
	code   string
}{
	{leave.ErrMissingField, http.StatusBadRequest, "missing_field"},
	{leave.ErrInvalidDate, http.StatusBadRequest, "invalid_date"},
	{leave.ErrInvalidRange, http.StatusBadRequest, "invalid_range"},
	{leave.ErrInvalidDuration, http.StatusBadRequest, "invalid_duration"},
	{leave.ErrInvalidLeaveType, http.StatusBadRequest, "invalid_leave_type"},
	{leave.ErrInsufficientBalance, http.StatusBadRequest, "insufficient_balance"},
	{leave.ErrInvalidBalance, http.StatusBadRequest, "invalid_balance"},
	{leave.ErrInvalidPrincipal, http.StatusBadRequest, "invalid_principal"},
	{errUnknownStatus, http.StatusBadRequest, "invalid_status"},
	{leave.ErrNotAuthorized, http.StatusForbidden, "not_authorized"},
	{leave.ErrNotFound, http.StatusNotFound, "not_found"},
	{leave.ErrAlreadyProcessed, http.StatusConflict, "already_processed"},
	{leave.ErrNotCancellable, http.StatusConflict, "not_cancellable"},
	{leave.ErrDuplicateIdempotencyKey, http.StatusConflict, "already_processed"},
	{leave.ErrConcurrentModification, http.StatusServiceUnavailable, "concurrent_modification"},
	{leave.ErrStorageFailure, http.StatusServiceUnavailable, "storage_failure"},
}

func statusFor(err error) (int, string) {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.status, k.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

// resultLabel is the transition metric result for err.
func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	_, code := statusFor(err)
	return code
}

func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	resp := ErrorResponse{Error: err.Error(), Code: code, Retryable: leave.IsRetryable(err)}

	var insufficient *leave.InsufficientBalanceError
	var missing *leave.MissingFieldError
	switch {
	case errors.As(err, &insufficient):
		resp.Details = map[string]any{
			"leaveType": insufficient.LeaveType,
			"available": insufficient.Available,
			"requested": insufficient.Requested,
		}
	case errors.As(err, &missing):
		resp.Details = map[string]string{"field": missing.Field}
	}
	if status >= http.StatusInternalServerError {
		// storage detail stays in the log
		resp.Error = http.StatusText(status)
		logger.FromContext(r.Context()).WithError(err).WithFields(logrus.Fields{"code": code}).Error("request failed")
	}
	writeJSON(w, status, resp)
}

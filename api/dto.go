/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupled from the
  leave package's domain types.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags. A failed "required"
  tag becomes leave.MissingFieldError naming the JSON field; any other
  failed tag becomes the request's own invalid-input error.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/leave-engine/leave"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// RegisterPrincipalRequest is the body of POST /api/principals.
type RegisterPrincipalRequest struct {
	Name      string `json:"name" validate:"required"`
	Email     string `json:"email" validate:"required,email"`
	Role      string `json:"role" validate:"required"`
	ManagerID string `json:"managerId"`
}

// ApplyLeaveRequest is the body of POST /api/leave/apply.
type ApplyLeaveRequest struct {
	StartDate string `json:"startDate" validate:"required"`
	EndDate   string `json:"endDate" validate:"required"`
	LeaveType string `json:"leaveType" validate:"required"`
	Reason    string `json:"reason" validate:"required"`
}

// ReviewRequest is the optional body of approve/reject.
type ReviewRequest struct {
	ManagerComments string `json:"managerComments"`
}

// SetBalanceRequest is the body of PATCH /api/manager/balance/{employeeId}.
type SetBalanceRequest struct {
	Casual *int `json:"casual" validate:"required,min=0"`
	Sick   *int `json:"sick" validate:"required,min=0"`
	Earned *int `json:"earned" validate:"required,min=0"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// PrincipalDTO represents an employee or manager.
type PrincipalDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	ManagerID string `json:"managerId,omitempty"`
	CreatedAt string `json:"createdAt"`
}

// RegisterResponse is returned by POST /api/principals.
type RegisterResponse struct {
	Principal PrincipalDTO `json:"principal"`
	Token     string       `json:"token"`
}

// ApplicationDTO represents a leave application. Employee name and email
// are filled in for manager views.
type ApplicationDTO struct {
	ID              string `json:"id"`
	EmployeeID      string `json:"employeeId"`
	EmployeeName    string `json:"employeeName,omitempty"`
	EmployeeEmail   string `json:"employeeEmail,omitempty"`
	StartDate       string `json:"startDate"`
	EndDate         string `json:"endDate"`
	LeaveType       string `json:"leaveType"`
	Reason          string `json:"reason"`
	Days            int    `json:"days"`
	Status          string `json:"status"`
	ManagerComments string `json:"managerComments,omitempty"`
	CreatedAt       string `json:"createdAt"`
	UpdatedAt       string `json:"updatedAt"`
}

// BalanceDTO represents an owner's ledger.
type BalanceDTO struct {
	EmployeeID string `json:"employeeId"`
	Casual     int    `json:"casual"`
	Sick       int    `json:"sick"`
	Earned     int    `json:"earned"`
	Version    int64  `json:"version"`
	UpdatedAt  string `json:"updatedAt"`
}

// LedgerEntryDTO represents one journal line.
type LedgerEntryDTO struct {
	ID           string `json:"id"`
	RequestID    string `json:"requestId,omitempty"`
	LeaveType    string `json:"leaveType"`
	Kind         string `json:"kind"`
	Delta        int    `json:"delta"`
	BalanceAfter int    `json:"balanceAfter"`
	ActorID      string `json:"actorId,omitempty"`
	CreatedAt    string `json:"createdAt"`
}

// AuditDTO reports the conservation check for one owner.
type AuditDTO struct {
	OwnerID    string         `json:"ownerId"`
	Consistent bool           `json:"consistent"`
	Types      []TypeAuditDTO `json:"types"`
}

type TypeAuditDTO struct {
	LeaveType string `json:"leaveType"`
	Expected  int    `json:"expected"`
	Actual    int    `json:"actual"`
	Drift     int    `json:"drift"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	Details   any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toPrincipalDTO(p leave.Principal) PrincipalDTO {
	return PrincipalDTO{
		ID:        p.ID,
		Name:      p.Name,
		Email:     p.Email,
		Role:      string(p.Role),
		ManagerID: p.ManagerID,
		CreatedAt: p.CreatedAt.Format(time.RFC3339),
	}
}

func toPrincipalDTOs(ps []leave.Principal) []PrincipalDTO {
	dtos := make([]PrincipalDTO, len(ps))
	for i, p := range ps {
		dtos[i] = toPrincipalDTO(p)
	}
	return dtos
}

func toApplicationDTO(a leave.Application) ApplicationDTO {
	return ApplicationDTO{
		ID:              a.ID,
		EmployeeID:      a.OwnerID,
		StartDate:       a.StartDate.Format(leave.DateLayout),
		EndDate:         a.EndDate.Format(leave.DateLayout),
		LeaveType:       string(a.LeaveType),
		Reason:          a.Reason,
		Days:            a.Days,
		Status:          string(a.Status),
		ManagerComments: a.ManagerComments,
		CreatedAt:       a.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       a.UpdatedAt.Format(time.RFC3339),
	}
}

// toApplicationDTOs converts apps, naming owners found in team.
func toApplicationDTOs(apps []leave.Application, team map[string]leave.Principal) []ApplicationDTO {
	dtos := make([]ApplicationDTO, len(apps))
	for i, a := range apps {
		dtos[i] = toApplicationDTO(a)
		if p, ok := team[a.OwnerID]; ok {
			dtos[i].EmployeeName = p.Name
			dtos[i].EmployeeEmail = p.Email
		}
	}
	return dtos
}

func toBalanceDTO(b leave.Balance) BalanceDTO {
	return BalanceDTO{
		EmployeeID: b.OwnerID,
		Casual:     b.Casual,
		Sick:       b.Sick,
		Earned:     b.Earned,
		Version:    b.Version,
		UpdatedAt:  b.UpdatedAt.Format(time.RFC3339),
	}
}

func toLedgerEntryDTOs(entries []leave.LedgerEntry) []LedgerEntryDTO {
	dtos := make([]LedgerEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = LedgerEntryDTO{
			ID:           e.ID,
			RequestID:    e.RequestID,
			LeaveType:    string(e.LeaveType),
			Kind:         string(e.Kind),
			Delta:        e.Delta,
			BalanceAfter: e.BalanceAfter,
			ActorID:      e.ActorID,
			CreatedAt:    e.CreatedAt.Format(time.RFC3339),
		}
	}
	return dtos
}

func toAuditDTOs(results []leave.AuditResult) []AuditDTO {
	dtos := make([]AuditDTO, len(results))
	for i, r := range results {
		dto := AuditDTO{OwnerID: r.OwnerID, Consistent: r.Consistent()}
		for _, t := range r.Types {
			dto.Types = append(dto.Types, TypeAuditDTO{
				LeaveType: string(t.LeaveType),
				Expected:  t.Expected,
				Actual:    t.Actual,
				Drift:     t.Drift(),
			})
		}
		dtos[i] = dto
	}
	return dtos
}

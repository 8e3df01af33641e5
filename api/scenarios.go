/*
scenarios.go - Demo scenario loaders for development and demonstrations

PURPOSE:
	Populates the store with a small team and some leave history so the API
	can be explored without registering principals by hand. Every load
	creates a fresh team (emails carry a unique suffix), so scenarios can be
	loaded repeatedly into the same database.

AVAILABLE SCENARIOS:

	small-team:     one manager, two employees, untouched ledgers
	pending-inbox:  small-team plus Pending applications awaiting review
	busy-calendar:  approvals, a rejection, a cancellation and a
	                manager self-application

USAGE VIA API:

	POST /api/scenarios/load
	{"scenarioId": "pending-inbox"}

	The response lists every created principal with a bearer token.

NOTE:
	Routes are only mounted outside production.

SEE ALSO:
  - server.go: RouterOptions.Scenarios
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/warp/leave-engine/leave"
)

// ScenarioDTO describes a loadable demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the body of POST /api/scenarios/load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenarioId" validate:"required"`
}

// ScenarioPrincipalDTO is a seeded principal with a ready-to-use token.
type ScenarioPrincipalDTO struct {
	PrincipalDTO
	Token string `json:"token"`
}

// LoadScenarioResponse is returned by POST /api/scenarios/load.
type LoadScenarioResponse struct {
	Scenario     ScenarioDTO            `json:"scenario"`
	Principals   []ScenarioPrincipalDTO `json:"principals"`
	Applications []ApplicationDTO       `json:"applications"`
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "small-team",
		Name:        "Small Team",
		Description: "One manager with two direct reports and default allotments",
	},
	{
		ID:          "pending-inbox",
		Name:        "Pending Inbox",
		Description: "Small team with Pending applications waiting for the manager",
	},
	{
		ID:          "busy-calendar",
		Name:        "Busy Calendar",
		Description: "Approved, rejected and cancelled leave plus a manager self-application",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario seeds the chosen scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.check(req, leave.ErrMissingField); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	var scenario *ScenarioDTO
	for i := range scenarios {
		if scenarios[i].ID == req.ScenarioID {
			scenario = &scenarios[i]
		}
	}
	if scenario == nil {
		writeError(w, http.StatusNotFound, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	seed, err := h.seedScenario(r.Context(), scenario.ID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	resp := LoadScenarioResponse{Scenario: *scenario, Applications: toApplicationDTOs(seed.apps, nil)}
	for _, p := range seed.principals {
		token, err := h.Auth.Issue(p)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to issue token", err)
			return
		}
		resp.Principals = append(resp.Principals, ScenarioPrincipalDTO{PrincipalDTO: toPrincipalDTO(p), Token: token})
	}
	writeJSON(w, http.StatusCreated, resp)
}

// =============================================================================
// LOADERS
// =============================================================================

type seeded struct {
	principals []leave.Principal
	apps       []leave.Application
}

func (h *Handler) seedScenario(ctx context.Context, id string) (seeded, error) {
	var s seeded
	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]

	mgr, err := h.seedPrincipal(ctx, "Morgan Lee", "morgan", "manager", "", suffix)
	if err != nil {
		return s, err
	}
	ana, err := h.seedPrincipal(ctx, "Ana Silva", "ana", "employee", mgr.ID, suffix)
	if err != nil {
		return s, err
	}
	raj, err := h.seedPrincipal(ctx, "Raj Patel", "raj", "employee", mgr.ID, suffix)
	if err != nil {
		return s, err
	}
	s.principals = []leave.Principal{mgr, ana, raj}

	if id == "small-team" {
		return s, nil
	}

	apply := func(owner leave.Principal, leaveType, start, end, reason string) (leave.Application, error) {
		app, err := h.Leave.ApplyLeave(ctx, owner.ID, leave.ApplyInput{
			StartDate: start, EndDate: end, LeaveType: leaveType, Reason: reason,
		})
		if err == nil {
			s.apps = append(s.apps, app)
		}
		return app, err
	}

	if _, err := apply(ana, "Casual Leave", "2025-03-10", "2025-03-12", "Family visit"); err != nil {
		return s, err
	}
	flu, err := apply(raj, "Sick", "2025-03-17", "2025-03-18", "Flu")
	if err != nil {
		return s, err
	}
	if id == "pending-inbox" {
		return s, nil
	}

	// busy-calendar
	trip, err := apply(ana, "Earned", "2025-04-07", "2025-04-11", "Spring trip")
	if err != nil {
		return s, err
	}
	conference, err := apply(raj, "casual", "2025-05-05", "2025-05-05", "Conference")
	if err != nil {
		return s, err
	}
	move, err := apply(raj, "casual", "2025-06-02", "2025-06-03", "Moving house")
	if err != nil {
		return s, err
	}
	if _, err := apply(mgr, "Privilege Leave", "2025-04-14", "2025-04-15", "Offsite recovery"); err != nil {
		return s, err
	}

	for _, step := range []func() (leave.Application, error){
		func() (leave.Application, error) { return h.Leave.ApproveLeave(ctx, mgr.ID, flu.ID, "Get well soon") },
		func() (leave.Application, error) { return h.Leave.ApproveLeave(ctx, mgr.ID, trip.ID, "") },
		func() (leave.Application, error) { return h.Leave.RejectLeave(ctx, mgr.ID, conference.ID, "Release week") },
		func() (leave.Application, error) { return h.Leave.CancelLeave(ctx, raj.ID, move.ID) },
	} {
		updated, err := step()
		if err != nil {
			return s, err
		}
		for i := range s.apps {
			if s.apps[i].ID == updated.ID {
				s.apps[i] = updated
			}
		}
	}
	return s, nil
}

func (h *Handler) seedPrincipal(ctx context.Context, name, handle, role, managerID, suffix string) (leave.Principal, error) {
	return h.Leave.RegisterPrincipal(ctx, leave.RegisterInput{
		Name:      name,
		Email:     fmt.Sprintf("%s+%s@example.com", handle, suffix),
		Role:      role,
		ManagerID: managerID,
	})
}

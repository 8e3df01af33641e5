package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/warp/leave-engine/leave"
	"github.com/xuri/excelize/v2"
)

const historySheet = "History"

var historyHeader = []any{
	"Employee", "Email", "Leave Type", "Start Date", "End Date", "Days", "Status", "Reason", "Manager Comments", "Updated At",
}

// ExportTeamHistory streams the team's resolved applications as an xlsx
// workbook. Accepts the same filters as TeamHistory.
func (h *Handler) ExportTeamHistory(w http.ResponseWriter, r *http.Request) {
	p := mustPrincipal(r)
	f, err := h.parseFilter(r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	apps, team, err := h.teamApplications(r.Context(), p.ID, f, h.Leave.TeamHistory)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	book, err := buildHistoryWorkbook(apps, team)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to build workbook", err)
		return
	}
	defer book.Close()

	filename := fmt.Sprintf("leave-history-%s.xlsx", time.Now().In(h.Leave.Location()).Format(leave.DateLayout))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	if err := book.Write(w); err != nil {
		// headers are already sent
		return
	}
}

func buildHistoryWorkbook(apps []leave.Application, team map[string]leave.Principal) (*excelize.File, error) {
	book := excelize.NewFile()
	if err := book.SetSheetName("Sheet1", historySheet); err != nil {
		book.Close()
		return nil, err
	}
	if err := book.SetSheetRow(historySheet, "A1", &historyHeader); err != nil {
		book.Close()
		return nil, err
	}

	for i, a := range apps {
		owner := team[a.OwnerID]
		row := []any{
			owner.Name,
			owner.Email,
			string(a.LeaveType),
			a.StartDate.Format(leave.DateLayout),
			a.EndDate.Format(leave.DateLayout),
			a.Days,
			string(a.Status),
			a.Reason,
			a.ManagerComments,
			a.UpdatedAt.Format(time.RFC3339),
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			book.Close()
			return nil, err
		}
		if err := book.SetSheetRow(historySheet, cell, &row); err != nil {
			book.Close()
			return nil, err
		}
	}
	return book, nil
}

package leave

import (
	"context"
	"time"
)

// =============================================================================
// READ PROJECTIONS - "my leaves", team inbox, calendar, history
// =============================================================================

// MyApplications lists the caller's own applications, newest first.
func (c *Coordinator) MyApplications(ctx context.Context, ownerID string, f Filter) ([]Application, error) {
	apps, err := c.store.ListApplicationsByOwner(ctx, ownerID, f)
	if err != nil {
		return nil, storageErr("list applications", err)
	}
	return apps, nil
}

// TeamApplications lists applications filed by managerID's employees.
func (c *Coordinator) TeamApplications(ctx context.Context, managerID string, f Filter) ([]Application, error) {
	if err := c.requireManager(ctx, c.store, managerID); err != nil {
		return nil, err
	}
	apps, err := c.store.ListApplicationsByManagerScope(ctx, managerID, f)
	if err != nil {
		return nil, storageErr("list team applications", err)
	}
	return apps, nil
}

// TeamCalendar lists the team's Approved applications overlapping [from, to].
func (c *Coordinator) TeamCalendar(ctx context.Context, managerID string, from, to time.Time) ([]Application, error) {
	return c.TeamApplications(ctx, managerID, Filter{
		Statuses: []Status{StatusApproved},
		From:     from,
		To:       to,
	})
}

// TeamHistory lists the team's resolved applications unless f names statuses.
func (c *Coordinator) TeamHistory(ctx context.Context, managerID string, f Filter) ([]Application, error) {
	if len(f.Statuses) == 0 {
		f.Statuses = []Status{StatusApproved, StatusRejected, StatusCancelled}
	}
	return c.TeamApplications(ctx, managerID, f)
}

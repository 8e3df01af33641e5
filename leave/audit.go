/*
audit.go - Conservation check between the ledger and approved consumption

INVARIANT:
  For every owner and leave type:

    Σ allotment entries + Σ adjustment entries − Σ days(Approved applications)
      == current ledger counter

  The journal explains every number the ledger holds, so drift means a
  write reached the ledger without its matching transition (or vice versa).
*/
package leave

import (
	"context"
	"errors"
)

type TypeAudit struct {
	LeaveType LeaveType
	Expected  int
	Actual    int
}

func (t TypeAudit) Drift() int { return t.Actual - t.Expected }

type AuditResult struct {
	OwnerID string
	Types   []TypeAudit
}

func (r AuditResult) Consistent() bool {
	for _, t := range r.Types {
		if t.Drift() != 0 {
			return false
		}
	}
	return true
}

// Audit recomputes the expected ledger for ownerID. Owners without a ledger
// are reported with zero expected and actual values. The ledger, journal and
// applications are read in one transaction so a concurrent approval is seen
// either entirely or not at all.
func (c *Coordinator) Audit(ctx context.Context, ownerID string) (AuditResult, error) {
	var result AuditResult
	err := c.store.WithTx(ctx, func(tx Tx) error {
		var err error
		result, err = auditOwner(ctx, tx, ownerID)
		return err
	})
	if err != nil {
		return AuditResult{OwnerID: ownerID}, storageErr("audit", err)
	}
	return result, nil
}

func auditOwner(ctx context.Context, r Reader, ownerID string) (AuditResult, error) {
	result := AuditResult{OwnerID: ownerID}

	bal, err := r.GetBalance(ctx, ownerID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return result, storageErr("load balance", err)
	}
	entries, err := r.ListJournal(ctx, ownerID)
	if err != nil {
		return result, storageErr("list journal", err)
	}
	approved, err := r.ListApplicationsByOwner(ctx, ownerID, Filter{Statuses: []Status{StatusApproved}})
	if err != nil {
		return result, storageErr("list applications", err)
	}

	expected := make(map[LeaveType]int, len(LeaveTypes))
	for _, e := range entries {
		if e.Kind == EntryAllotment || e.Kind == EntryAdjustment {
			expected[e.LeaveType] += e.Delta
		}
	}
	for _, a := range approved {
		expected[a.LeaveType] -= a.Days
	}
	for _, t := range LeaveTypes {
		result.Types = append(result.Types, TypeAudit{LeaveType: t, Expected: expected[t], Actual: bal.Get(t)})
	}
	return result, nil
}

// AuditAll audits every registered principal.
func (c *Coordinator) AuditAll(ctx context.Context) ([]AuditResult, error) {
	principals, err := c.store.ListPrincipals(ctx)
	if err != nil {
		return nil, storageErr("list principals", err)
	}
	results := make([]AuditResult, 0, len(principals))
	for _, p := range principals {
		r, err := c.Audit(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, nil
}

// AuditTeam audits managerID and every employee reporting to them.
func (c *Coordinator) AuditTeam(ctx context.Context, managerID string) ([]AuditResult, error) {
	team, err := c.ListTeam(ctx, managerID)
	if err != nil {
		return nil, err
	}
	ids := append([]string{managerID}, principalIDs(team)...)
	results := make([]AuditResult, 0, len(ids))
	for _, id := range ids {
		r, err := c.Audit(ctx, id)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, nil
}

func principalIDs(ps []Principal) []string {
	ids := make([]string, len(ps))
	for i, p := range ps {
		ids[i] = p.ID
	}
	return ids
}

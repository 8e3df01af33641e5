/*
Package leave provides the leave lifecycle and entitlement ledger engine.

PURPOSE:
  Employees request time off, their manager approves, rejects or the
  employee cancels, and a per-principal ledger of casual / sick / earned
  days is debited exactly once when a request becomes Approved.

KEY CONCEPTS IN THIS FILE (types.go):
  - Principal: an authenticated employee or manager
  - LeaveType: canonical leave category (casual, sick, earned)
  - Application: one leave request and its lifecycle state
  - Balance: the per-principal ledger record (cached projection of consumption)
  - LedgerEntry: append-only journal line explaining every balance change

DESIGN PRINCIPLES:
  1. Normalize once: leave types are canonicalized when they enter the system
  2. Debit at approval: the ledger only moves on the Pending -> Approved edge
  3. Atomic units: check-and-debit-and-transition runs inside one store transaction
  4. Auditability: every ledger write has a journal entry with an idempotency key

USAGE:
  svc := leave.NewCoordinator(store, leave.Options{})
  app, err := svc.ApplyLeave(ctx, employeeID, leave.ApplyInput{
      StartDate: "2024-01-01", EndDate: "2024-01-03",
      LeaveType: "Sick Leave", Reason: "flu",
  })

SEE ALSO:
  - service.go: Coordinator (apply / approve / reject / cancel)
  - transitions.go: state machine and authorization guards
  - store.go: persistence contract
*/
package leave

import (
	"strings"
	"time"
)

// =============================================================================
// PRINCIPAL
// =============================================================================

type Role string

const (
	RoleEmployee Role = "employee"
	RoleManager  Role = "manager"
)

func (r Role) Valid() bool { return r == RoleEmployee || r == RoleManager }

// Principal identifies a person. ManagerID is set only for employees and
// never changes after registration.
type Principal struct {
	ID        string
	Name      string
	Email     string
	Role      Role
	ManagerID string
	CreatedAt time.Time
}

func (p Principal) IsManager() bool { return p.Role == RoleManager }

// =============================================================================
// LEAVE TYPE
// =============================================================================

type LeaveType string

const (
	Casual LeaveType = "casual"
	Sick   LeaveType = "sick"
	Earned LeaveType = "earned"
)

// LeaveTypes lists the canonical types in display order.
var LeaveTypes = []LeaveType{Casual, Sick, Earned}

func (t LeaveType) Valid() bool { return t == Casual || t == Sick || t == Earned }

// NormalizeLeaveType maps free-form client input ("Casual Leave", "SICK",
// "privilege") onto a canonical LeaveType. The boolean is false when no
// canonical root is contained in the input.
func NormalizeLeaveType(raw string) (LeaveType, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return "", false
	}
	switch {
	case strings.Contains(s, string(Casual)):
		return Casual, true
	case strings.Contains(s, string(Sick)):
		return Sick, true
	case strings.Contains(s, string(Earned)), strings.Contains(s, "privilege"):
		return Earned, true
	}
	return "", false
}

// =============================================================================
// APPLICATION
// =============================================================================

type Status string

const (
	StatusPending   Status = "Pending"
	StatusApproved  Status = "Approved"
	StatusRejected  Status = "Rejected"
	StatusCancelled Status = "Cancelled"
)

// Terminal reports whether no transition may leave this status.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusCancelled
}

func ParseStatus(raw string) (Status, bool) {
	for _, s := range []Status{StatusPending, StatusApproved, StatusRejected, StatusCancelled} {
		if strings.EqualFold(string(s), strings.TrimSpace(raw)) {
			return s, true
		}
	}
	return "", false
}

// Application is one leave request. Days and LeaveType are fixed at creation.
type Application struct {
	ID              string
	OwnerID         string
	StartDate       time.Time
	EndDate         time.Time
	LeaveType       LeaveType
	Reason          string
	Days            int
	Status          Status
	ManagerComments string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Overlaps reports whether the application's [start, end] intersects [from, to].
// Zero bounds are open.
func (a Application) Overlaps(from, to time.Time) bool {
	if !from.IsZero() && a.EndDate.Before(from) {
		return false
	}
	if !to.IsZero() && a.StartDate.After(to) {
		return false
	}
	return true
}

// =============================================================================
// BALANCE
// =============================================================================

// Allotment is the starting entitlement granted when a ledger is created.
type Allotment struct {
	Casual int
	Sick   int
	Earned int
}

// DefaultAllotment is the observed 10/10/10 starting entitlement.
var DefaultAllotment = Allotment{Casual: 10, Sick: 10, Earned: 10}

func (a Allotment) Get(t LeaveType) int {
	switch t {
	case Casual:
		return a.Casual
	case Sick:
		return a.Sick
	case Earned:
		return a.Earned
	}
	return 0
}

// Balance is the ledger record for one principal. All counters stay >= 0.
// Version increases on every write and is used for compare-and-swap.
type Balance struct {
	OwnerID   string
	Casual    int
	Sick      int
	Earned    int
	Version   int64
	UpdatedAt time.Time
}

func NewBalance(ownerID string, a Allotment, at time.Time) Balance {
	return Balance{OwnerID: ownerID, Casual: a.Casual, Sick: a.Sick, Earned: a.Earned, UpdatedAt: at}
}

func (b Balance) Get(t LeaveType) int {
	switch t {
	case Casual:
		return b.Casual
	case Sick:
		return b.Sick
	case Earned:
		return b.Earned
	}
	return 0
}

func (b *Balance) set(t LeaveType, v int) {
	switch t {
	case Casual:
		b.Casual = v
	case Sick:
		b.Sick = v
	case Earned:
		b.Earned = v
	}
}

// Covers reports whether the counter for t can absorb days.
func (b Balance) Covers(t LeaveType, days int) bool { return b.Get(t) >= days }

// Adjust applies a signed delta to one counter, floored at zero, and returns
// the delta actually applied.
func (b *Balance) Adjust(t LeaveType, delta int) int {
	before := b.Get(t)
	after := before + delta
	if after < 0 {
		after = 0
	}
	b.set(t, after)
	return after - before
}

// =============================================================================
// LEDGER JOURNAL
// =============================================================================

type EntryKind string

const (
	EntryAllotment  EntryKind = "allotment"
	EntryDebit      EntryKind = "debit"
	EntryAdjustment EntryKind = "adjustment"
)

// LedgerEntry is an immutable journal line. IdempotencyKey is unique per store.
type LedgerEntry struct {
	ID             string
	OwnerID        string
	RequestID      string
	LeaveType      LeaveType
	Kind           EntryKind
	Delta          int
	BalanceAfter   int
	ActorID        string
	IdempotencyKey string
	CreatedAt      time.Time
}

func debitKey(requestID string, t LeaveType) string { return "debit:" + requestID + ":" + string(t) }

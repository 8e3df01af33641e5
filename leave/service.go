/*
service.go - Approval/deduction coordinator

PURPOSE:
  Couples every state transition of a leave application to the ledger so
  that the ledger always equals the starting allotment (plus manual
  adjustments) minus the days of currently Approved applications.

REQUEST FLOW:
  ┌──────────────────────────────────────────────────────────────────┐
  │                                                                  │
  │  ApplyLeave ──▶ normalize type ──▶ resolve dates ──▶ ensure      │
  │                                                      ledger      │
  │                                                        │         │
  │                     employee ◀─────────────────────────┤         │
  │                        │                               │         │
  │                 check balance,               manager (self-apply)│
  │                 create Pending               check + debit +     │
  │                        │                     create Approved     │
  │                        ▼                                         │
  │   ApproveLeave: guard ─▶ re-check balance ─▶ debit + Approved    │
  │   RejectLeave:  guard ─▶ Rejected   (no ledger interaction)      │
  │   CancelLeave:  owner  ─▶ Cancelled (no ledger interaction)      │
  │                                                                  │
  └──────────────────────────────────────────────────────────────────┘

DEBIT AT APPROVAL:
  The ledger moves exactly once per application, at the moment it becomes
  Approved, and in the same transaction as the status change. Pending,
  Rejected and Cancelled applications never touch the ledger.

SEE ALSO:
  - transitions.go: state machine and guards
  - audit.go: conservation check over the journal
*/
package leave

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	CommentSelfApproved = "Self Approved"
	CommentApproved     = "Approved"
	CommentRejected     = "Rejected"
)

// =============================================================================
// COORDINATOR
// =============================================================================

type Options struct {
	// Allotment granted when a ledger is created. Nil means DefaultAllotment.
	Allotment *Allotment
	// Location is the reference timezone for calendar dates. Nil means UTC.
	Location *time.Location
	Clock    func() time.Time
	NewID    func() string
	Logger   *logrus.Entry
}

type Coordinator struct {
	store     Store
	allotment Allotment
	loc       *time.Location
	now       func() time.Time
	newID     func() string
	log       *logrus.Entry
}

func NewCoordinator(store Store, opts Options) *Coordinator {
	c := &Coordinator{
		store:     store,
		allotment: DefaultAllotment,
		loc:       time.UTC,
		now:       time.Now,
		newID:     uuid.NewString,
		log:       logrus.NewEntry(logrus.StandardLogger()),
	}
	if opts.Allotment != nil {
		c.allotment = *opts.Allotment
	}
	if opts.Location != nil {
		c.loc = opts.Location
	}
	if opts.Clock != nil {
		c.now = opts.Clock
	}
	if opts.NewID != nil {
		c.newID = opts.NewID
	}
	if opts.Logger != nil {
		c.log = opts.Logger
	}
	c.log = c.log.WithField("component", "leave.coordinator")
	return c
}

func (c *Coordinator) Location() *time.Location { return c.loc }
func (c *Coordinator) Allotment() Allotment     { return c.allotment }

// =============================================================================
// APPLY
// =============================================================================

type ApplyInput struct {
	StartDate string
	EndDate   string
	LeaveType string
	Reason    string
}

func (in ApplyInput) validate() error {
	for _, f := range []struct{ name, value string }{
		{"startDate", in.StartDate},
		{"endDate", in.EndDate},
		{"leaveType", in.LeaveType},
		{"reason", in.Reason},
	} {
		if strings.TrimSpace(f.value) == "" {
			return &MissingFieldError{Field: f.name}
		}
	}
	return nil
}

// ApplyLeave files a leave request for ownerID. Employees get a Pending
// application and no debit; managers get an Approved application debited in
// the same transaction.
func (c *Coordinator) ApplyLeave(ctx context.Context, ownerID string, in ApplyInput) (Application, error) {
	log := c.log.WithFields(logrus.Fields{"op": "apply", "owner_id": ownerID})

	if err := in.validate(); err != nil {
		return Application{}, c.reject(log, err)
	}
	leaveType, ok := NormalizeLeaveType(in.LeaveType)
	if !ok {
		return Application{}, c.reject(log, ErrInvalidLeaveType)
	}
	rng, err := ResolveRange(in.StartDate, in.EndDate, c.loc)
	if err != nil {
		return Application{}, c.reject(log, err)
	}

	var app Application
	err = c.store.WithTx(ctx, func(tx Tx) error {
		owner, err := tx.GetPrincipal(ctx, ownerID)
		if err != nil {
			return storageErr("load principal", err)
		}
		bal, err := c.ensureBalance(ctx, tx, ownerID)
		if err != nil {
			return err
		}
		if !bal.Covers(leaveType, rng.Days) {
			return &InsufficientBalanceError{
				OwnerID:   ownerID,
				LeaveType: leaveType,
				Available: bal.Get(leaveType),
				Requested: rng.Days,
			}
		}

		now := c.now()
		app = Application{
			ID:        c.newID(),
			OwnerID:   ownerID,
			StartDate: rng.Start,
			EndDate:   rng.End,
			LeaveType: leaveType,
			Reason:    strings.TrimSpace(in.Reason),
			Days:      rng.Days,
			Status:    InitialStatus(owner),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if app.Status == StatusApproved {
			app.ManagerComments = CommentSelfApproved
		}
		if err := tx.CreateApplication(ctx, app); err != nil {
			return storageErr("create application", err)
		}
		if app.Status == StatusApproved {
			return c.debit(ctx, tx, bal, app, ownerID)
		}
		return nil
	})
	if err != nil {
		return Application{}, c.reject(log, err)
	}

	log.WithFields(logrus.Fields{
		"request_id": app.ID,
		"leave_type": app.LeaveType,
		"days":       app.Days,
		"status":     app.Status,
	}).Info("leave applied")
	return app, nil
}

// =============================================================================
// APPROVE / REJECT / CANCEL
// =============================================================================

// ApproveLeave moves a Pending application to Approved and debits the owner's
// ledger in one transaction.
func (c *Coordinator) ApproveLeave(ctx context.Context, managerID, requestID, comments string) (Application, error) {
	return c.review(ctx, managerID, requestID, comments, ActionApprove)
}

// RejectLeave moves a Pending application to Rejected. The ledger is untouched.
func (c *Coordinator) RejectLeave(ctx context.Context, managerID, requestID, comments string) (Application, error) {
	return c.review(ctx, managerID, requestID, comments, ActionReject)
}

func (c *Coordinator) review(ctx context.Context, managerID, requestID, comments string, action Action) (Application, error) {
	log := c.log.WithFields(logrus.Fields{"op": string(action), "actor_id": managerID, "request_id": requestID})

	var app Application
	err := c.store.WithTx(ctx, func(tx Tx) error {
		var err error
		app, err = tx.GetApplication(ctx, requestID)
		if err != nil {
			return storageErr("load application", err)
		}
		actor, err := tx.GetPrincipal(ctx, managerID)
		if err != nil {
			return storageErr("load principal", err)
		}
		owner, err := tx.GetPrincipal(ctx, app.OwnerID)
		if err != nil {
			return storageErr("load owner", err)
		}
		if err := authorizeReview(actor, owner); err != nil {
			return err
		}
		next, err := Next(app.Status, action)
		if err != nil {
			return err
		}

		var bal Balance
		if action == ActionApprove {
			bal, err = c.ensureBalance(ctx, tx, app.OwnerID)
			if err != nil {
				return err
			}
			if !bal.Covers(app.LeaveType, app.Days) {
				return &InsufficientBalanceError{
					OwnerID:   app.OwnerID,
					LeaveType: app.LeaveType,
					Available: bal.Get(app.LeaveType),
					Requested: app.Days,
				}
			}
		}

		prev := app.Status
		app.Status = next
		app.ManagerComments = reviewComment(comments, next)
		app.UpdatedAt = c.now()
		if err := tx.SaveApplication(ctx, app, prev); err != nil {
			return storageErr("save application", err)
		}
		if action == ActionApprove {
			return c.debit(ctx, tx, bal, app, managerID)
		}
		return nil
	})
	if err != nil {
		return Application{}, c.reject(log, err)
	}

	log.WithFields(logrus.Fields{
		"owner_id":   app.OwnerID,
		"leave_type": app.LeaveType,
		"days":       app.Days,
		"status":     app.Status,
	}).Info("leave reviewed")
	return app, nil
}

func reviewComment(comments string, to Status) string {
	if s := strings.TrimSpace(comments); s != "" {
		return s
	}
	if to == StatusApproved {
		return CommentApproved
	}
	return CommentRejected
}

// CancelLeave withdraws the caller's own Pending application. Applications
// owned by someone else are reported as not found.
func (c *Coordinator) CancelLeave(ctx context.Context, ownerID, requestID string) (Application, error) {
	log := c.log.WithFields(logrus.Fields{"op": "cancel", "owner_id": ownerID, "request_id": requestID})

	var app Application
	err := c.store.WithTx(ctx, func(tx Tx) error {
		var err error
		app, err = tx.GetApplication(ctx, requestID)
		if err != nil {
			return storageErr("load application", err)
		}
		if err := authorizeCancel(ownerID, app); err != nil {
			return err
		}
		next, err := Next(app.Status, ActionCancel)
		if err != nil {
			return err
		}
		prev := app.Status
		app.Status = next
		app.UpdatedAt = c.now()
		if err := tx.SaveApplication(ctx, app, prev); err != nil {
			if errors.Is(err, ErrAlreadyProcessed) {
				return ErrNotCancellable
			}
			return storageErr("save application", err)
		}
		return nil
	})
	if err != nil {
		return Application{}, c.reject(log, err)
	}

	log.WithField("status", app.Status).Info("leave cancelled")
	return app, nil
}

// =============================================================================
// LEDGER
// =============================================================================

// GetOwnBalance returns the caller's ledger, creating it on first use.
func (c *Coordinator) GetOwnBalance(ctx context.Context, ownerID string) (Balance, error) {
	var bal Balance
	err := c.store.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.GetPrincipal(ctx, ownerID); err != nil {
			return storageErr("load principal", err)
		}
		var err error
		bal, err = c.ensureBalance(ctx, tx, ownerID)
		return err
	})
	if err != nil {
		return Balance{}, c.reject(c.log.WithFields(logrus.Fields{"op": "balance", "owner_id": ownerID}), err)
	}
	return bal, nil
}

// GetEmployeeBalance returns the ledger of one of managerID's employees.
func (c *Coordinator) GetEmployeeBalance(ctx context.Context, managerID, employeeID string) (Balance, error) {
	var bal Balance
	err := c.store.WithTx(ctx, func(tx Tx) error {
		if err := c.requireTeamMember(ctx, tx, managerID, employeeID); err != nil {
			return err
		}
		var err error
		bal, err = c.ensureBalance(ctx, tx, employeeID)
		return err
	})
	if err != nil {
		return Balance{}, c.reject(c.log.WithFields(logrus.Fields{"op": "employee_balance", "actor_id": managerID, "owner_id": employeeID}), err)
	}
	return bal, nil
}

type BalanceInput struct {
	Casual int
	Sick   int
	Earned int
}

func (in BalanceInput) get(t LeaveType) int {
	return Allotment(in).Get(t)
}

// SetEmployeeBalance overwrites an employee's counters and journals one
// adjustment per changed type.
func (c *Coordinator) SetEmployeeBalance(ctx context.Context, managerID, employeeID string, in BalanceInput) (Balance, error) {
	log := c.log.WithFields(logrus.Fields{"op": "set_balance", "actor_id": managerID, "owner_id": employeeID})
	if in.Casual < 0 || in.Sick < 0 || in.Earned < 0 {
		return Balance{}, c.reject(log, ErrInvalidBalance)
	}

	var bal Balance
	err := c.store.WithTx(ctx, func(tx Tx) error {
		if err := c.requireTeamMember(ctx, tx, managerID, employeeID); err != nil {
			return err
		}
		current, err := c.ensureBalance(ctx, tx, employeeID)
		if err != nil {
			return err
		}

		next := current
		deltas := make(map[LeaveType]int, len(LeaveTypes))
		for _, t := range LeaveTypes {
			if d := next.Adjust(t, in.get(t)-current.Get(t)); d != 0 {
				deltas[t] = d
			}
		}
		if len(deltas) == 0 {
			bal = current
			return nil
		}
		next.UpdatedAt = c.now()
		bal, err = tx.SaveBalance(ctx, next)
		if err != nil {
			return storageErr("save balance", err)
		}

		var entries []LedgerEntry
		for _, t := range LeaveTypes {
			d, ok := deltas[t]
			if !ok {
				continue
			}
			entries = append(entries, LedgerEntry{
				ID:             c.newID(),
				OwnerID:        employeeID,
				LeaveType:      t,
				Kind:           EntryAdjustment,
				Delta:          d,
				BalanceAfter:   bal.Get(t),
				ActorID:        managerID,
				IdempotencyKey: "adjustment:" + c.newID(),
				CreatedAt:      bal.UpdatedAt,
			})
		}
		return storageErr("append journal", tx.AppendJournal(ctx, entries...))
	})
	if err != nil {
		return Balance{}, c.reject(log, err)
	}

	log.WithFields(logrus.Fields{"casual": bal.Casual, "sick": bal.Sick, "earned": bal.Earned}).Info("ledger adjusted")
	return bal, nil
}

// Journal returns the caller's ledger journal, oldest first.
func (c *Coordinator) Journal(ctx context.Context, ownerID string) ([]LedgerEntry, error) {
	entries, err := c.store.ListJournal(ctx, ownerID)
	if err != nil {
		return nil, storageErr("list journal", err)
	}
	return entries, nil
}

// ensureBalance loads the owner's ledger, creating it with the allotment if
// absent. Creation is create-if-absent so concurrent first uses converge on
// one record and one set of allotment entries.
func (c *Coordinator) ensureBalance(ctx context.Context, tx Tx, ownerID string) (Balance, error) {
	now := c.now()
	bal, created, err := tx.CreateBalanceIfAbsent(ctx, NewBalance(ownerID, c.allotment, now))
	if err != nil {
		return Balance{}, storageErr("ensure balance", err)
	}
	if !created {
		return bal, nil
	}

	entries := make([]LedgerEntry, 0, len(LeaveTypes))
	for _, t := range LeaveTypes {
		entries = append(entries, LedgerEntry{
			ID:             c.newID(),
			OwnerID:        ownerID,
			LeaveType:      t,
			Kind:           EntryAllotment,
			Delta:          c.allotment.Get(t),
			BalanceAfter:   bal.Get(t),
			ActorID:        ownerID,
			IdempotencyKey: "allotment:" + ownerID + ":" + string(t),
			CreatedAt:      now,
		})
	}
	if err := tx.AppendJournal(ctx, entries...); err != nil {
		return Balance{}, storageErr("append journal", err)
	}
	return bal, nil
}

// debit subtracts app.Days from the ledger and journals it under the
// request's idempotency key. Callers have already checked Covers.
func (c *Coordinator) debit(ctx context.Context, tx Tx, bal Balance, app Application, actorID string) error {
	applied := bal.Adjust(app.LeaveType, -app.Days)
	bal.UpdatedAt = c.now()
	saved, err := tx.SaveBalance(ctx, bal)
	if err != nil {
		return storageErr("save balance", err)
	}
	entry := LedgerEntry{
		ID:             c.newID(),
		OwnerID:        app.OwnerID,
		RequestID:      app.ID,
		LeaveType:      app.LeaveType,
		Kind:           EntryDebit,
		Delta:          applied,
		BalanceAfter:   saved.Get(app.LeaveType),
		ActorID:        actorID,
		IdempotencyKey: debitKey(app.ID, app.LeaveType),
		CreatedAt:      saved.UpdatedAt,
	}
	if err := tx.AppendJournal(ctx, entry); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			return ErrAlreadyProcessed
		}
		return storageErr("append journal", err)
	}
	c.log.WithFields(logrus.Fields{
		"request_id": app.ID,
		"owner_id":   app.OwnerID,
		"leave_type": app.LeaveType,
		"days":       app.Days,
		"remaining":  entry.BalanceAfter,
	}).Debug("ledger debited")
	return nil
}

func (c *Coordinator) requireTeamMember(ctx context.Context, r Reader, managerID, employeeID string) error {
	manager, err := r.GetPrincipal(ctx, managerID)
	if err != nil {
		return storageErr("load principal", err)
	}
	employee, err := r.GetPrincipal(ctx, employeeID)
	if err != nil {
		return storageErr("load employee", err)
	}
	return authorizeTeamMember(manager, employee)
}

func (c *Coordinator) requireManager(ctx context.Context, r Reader, managerID string) error {
	p, err := r.GetPrincipal(ctx, managerID)
	if err != nil {
		return storageErr("load principal", err)
	}
	if !p.IsManager() {
		return ErrNotAuthorized
	}
	return nil
}

// reject logs a failed operation at a level matching its kind.
func (c *Coordinator) reject(log *logrus.Entry, err error) error {
	switch {
	case IsRetryable(err):
		log.WithError(err).Error("leave operation failed")
	default:
		log.WithError(err).Warn("leave operation rejected")
	}
	return err
}

// =============================================================================
// PRINCIPALS
// =============================================================================

type RegisterInput struct {
	Name      string
	Email     string
	Role      string
	ManagerID string
}

// RegisterPrincipal creates a principal and its ledger in one transaction.
func (c *Coordinator) RegisterPrincipal(ctx context.Context, in RegisterInput) (Principal, error) {
	log := c.log.WithFields(logrus.Fields{"op": "register"})
	for _, f := range []struct{ name, value string }{
		{"name", in.Name}, {"email", in.Email}, {"role", in.Role},
	} {
		if strings.TrimSpace(f.value) == "" {
			return Principal{}, c.reject(log, &MissingFieldError{Field: f.name})
		}
	}
	role := Role(strings.ToLower(strings.TrimSpace(in.Role)))
	if !role.Valid() {
		return Principal{}, c.reject(log, ErrInvalidPrincipal)
	}
	managerID := strings.TrimSpace(in.ManagerID)
	if role == RoleManager && managerID != "" {
		return Principal{}, c.reject(log, ErrInvalidPrincipal)
	}
	if role == RoleEmployee && managerID == "" {
		return Principal{}, c.reject(log, &MissingFieldError{Field: "managerId"})
	}

	p := Principal{
		ID:        c.newID(),
		Name:      strings.TrimSpace(in.Name),
		Email:     strings.ToLower(strings.TrimSpace(in.Email)),
		Role:      role,
		ManagerID: managerID,
		CreatedAt: c.now(),
	}
	err := c.store.WithTx(ctx, func(tx Tx) error {
		if role == RoleEmployee {
			m, err := tx.GetPrincipal(ctx, managerID)
			if errors.Is(err, ErrNotFound) || (err == nil && !m.IsManager()) {
				return ErrInvalidPrincipal
			}
			if err != nil {
				return storageErr("load manager", err)
			}
		}
		if err := tx.CreatePrincipal(ctx, p); err != nil {
			return storageErr("create principal", err)
		}
		_, err := c.ensureBalance(ctx, tx, p.ID)
		return err
	})
	if err != nil {
		return Principal{}, c.reject(log, err)
	}

	log.WithFields(logrus.Fields{"principal_id": p.ID, "role": p.Role, "manager_id": p.ManagerID}).Info("principal registered")
	return p, nil
}

func (c *Coordinator) GetPrincipal(ctx context.Context, id string) (Principal, error) {
	p, err := c.store.GetPrincipal(ctx, id)
	if err != nil {
		return Principal{}, storageErr("load principal", err)
	}
	return p, nil
}

// ListTeam returns the employees reporting to managerID.
func (c *Coordinator) ListTeam(ctx context.Context, managerID string) ([]Principal, error) {
	if err := c.requireManager(ctx, c.store, managerID); err != nil {
		return nil, err
	}
	team, err := c.store.ListTeam(ctx, managerID)
	if err != nil {
		return nil, storageErr("list team", err)
	}
	sort.SliceStable(team, func(i, j int) bool { return team[i].Name < team[j].Name })
	return team, nil
}

/*
store.go - Persistence contract for principals, ledgers, applications and journal

KEY INTERFACES:
  Reader: read projections ("my leaves", "team inbox", "calendar", "history")
  Tx:     writes that must commit together (check-and-debit-and-transition)
  Store:  Reader + WithTx

ATOMIC UNITS:
  Every coordinator operation runs inside WithTx. Stores must make the
  function behave as one serializable transaction: either every write in
  fn commits or none does. Writes also carry their own guards so a store
  that cannot serialize still cannot double-process:
  - SaveBalance compares Version and fails with ErrConcurrentModification
  - SaveApplication compares the expected status and fails with ErrAlreadyProcessed
  - AppendJournal rejects duplicate idempotency keys (one debit per request)

IMPLEMENTATIONS:
  - leave/store/memory.go: in-memory, for tests and ":memory:" mode
  - store/sqlite/sqlite.go: SQLite
*/
package leave

import (
	"context"
	"time"
)

// =============================================================================
// FILTER
// =============================================================================

// Filter narrows application listings. Zero values match everything; the
// date range matches applications overlapping [From, To].
type Filter struct {
	Statuses []Status
	From     time.Time
	To       time.Time
}

func (f Filter) Match(a Application) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if a.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return a.Overlaps(f.From, f.To)
}

// =============================================================================
// STORE
// =============================================================================

type Reader interface {
	// GetPrincipal returns ErrNotFound when id is unknown.
	GetPrincipal(ctx context.Context, id string) (Principal, error)
	ListPrincipals(ctx context.Context) ([]Principal, error)
	// ListTeam returns employees whose ManagerID is managerID, ordered by name.
	ListTeam(ctx context.Context, managerID string) ([]Principal, error)

	// GetBalance returns ErrNotFound when the ledger was never created.
	GetBalance(ctx context.Context, ownerID string) (Balance, error)

	// GetApplication returns ErrNotFound when id is unknown.
	GetApplication(ctx context.Context, id string) (Application, error)
	// Listings are ordered newest CreatedAt first.
	ListApplicationsByOwner(ctx context.Context, ownerID string, f Filter) ([]Application, error)
	ListApplicationsByManagerScope(ctx context.Context, managerID string, f Filter) ([]Application, error)

	// ListJournal returns entries oldest first.
	ListJournal(ctx context.Context, ownerID string) ([]LedgerEntry, error)
}

type Tx interface {
	Reader

	// CreatePrincipal fails with ErrInvalidPrincipal if the id or email exists.
	CreatePrincipal(ctx context.Context, p Principal) error

	// CreateBalanceIfAbsent inserts b unless a ledger already exists for
	// b.OwnerID. It returns the stored ledger and whether it was created.
	CreateBalanceIfAbsent(ctx context.Context, b Balance) (Balance, bool, error)

	// SaveBalance writes b if the stored version equals b.Version and returns
	// the record with its new version.
	SaveBalance(ctx context.Context, b Balance) (Balance, error)

	CreateApplication(ctx context.Context, a Application) error

	// SaveApplication writes a if the stored status equals expected.
	SaveApplication(ctx context.Context, a Application, expected Status) error

	AppendJournal(ctx context.Context, entries ...LedgerEntry) error
}

type Store interface {
	Reader

	// WithTx executes fn within a transaction.
	// If fn returns error, every write is rolled back.
	WithTx(ctx context.Context, fn func(Tx) error) error
}

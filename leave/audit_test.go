package leave_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/leave/store"
)

func TestAudit_ConsistentAfterMixedOperations(t *testing.T) {
	// GIVEN: Approvals, rejections, cancellations, a self-application and a manual adjustment
	f := newFixture(t)
	ctx := context.Background()

	a1 := f.apply(t, f.emp, "casual", "2024-02-05", "2024-02-07")
	a2 := f.apply(t, f.emp, "sick", "2024-02-12", "2024-02-12")
	a3 := f.apply(t, f.emp, "earned", "2024-02-19", "2024-02-20")
	_, err := f.coord.ApproveLeave(ctx, f.mgr.ID, a1.ID, "")
	require.NoError(t, err)
	_, err = f.coord.RejectLeave(ctx, f.mgr.ID, a2.ID, "")
	require.NoError(t, err)
	_, err = f.coord.CancelLeave(ctx, f.emp.ID, a3.ID)
	require.NoError(t, err)
	f.apply(t, f.mgr, "earned", "2024-03-01", "2024-03-03")
	f.setBalance(t, 12, 10, 9)
	a4 := f.apply(t, f.emp, "casual", "2024-04-01", "2024-04-02")
	_, err = f.coord.ApproveLeave(ctx, f.mgr.ID, a4.ID, "")
	require.NoError(t, err)

	// WHEN: Every owner is audited
	results, err := f.coord.AuditAll(ctx)

	// THEN: allotment + adjustments - approved days equals every counter
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Consistent(), "owner %s: %+v", r.OwnerID, r.Types)
	}
	assert.Equal(t, 10, f.balance(t, f.emp).Casual)
	assert.Equal(t, 7, f.balance(t, f.mgr).Earned)
}

func TestAudit_DetectsDrift(t *testing.T) {
	// GIVEN: A ledger written behind the coordinator's back
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.WithTx(ctx, func(tx leave.Tx) error {
		b, err := tx.GetBalance(ctx, f.emp.ID)
		if err != nil {
			return err
		}
		b.Sick = 3
		_, err = tx.SaveBalance(ctx, b)
		return err
	}))

	// WHEN: The owner is audited
	r, err := f.coord.Audit(ctx, f.emp.ID)

	// THEN: The sick counter drifts by -7
	require.NoError(t, err)
	assert.False(t, r.Consistent())
	for _, ta := range r.Types {
		if ta.LeaveType == leave.Sick {
			assert.Equal(t, 10, ta.Expected)
			assert.Equal(t, 3, ta.Actual)
			assert.Equal(t, -7, ta.Drift())
		} else {
			assert.Zero(t, ta.Drift())
		}
	}
}

func TestAuditTeam_ManagerAndReports(t *testing.T) {
	f := newFixture(t)
	f.register(t, "Olga Other", "olga@example.com", "manager", "")

	results, err := f.coord.AuditTeam(context.Background(), f.mgr.ID)

	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, f.mgr.ID, results[0].OwnerID)
	assert.Equal(t, f.emp.ID, results[1].OwnerID)

	_, err = f.coord.AuditTeam(context.Background(), f.emp.ID)
	assert.ErrorIs(t, err, leave.ErrNotAuthorized)
}

// racingStore runs onBalanceRead once, right after the first ledger read
// made while it is armed, whether that read happens in or out of a transaction.
type racingStore struct {
	leave.Store
	armed         bool
	once          sync.Once
	onBalanceRead func()
}

func (s *racingStore) fire() {
	if s.armed {
		s.once.Do(s.onBalanceRead)
	}
}

func (s *racingStore) GetBalance(ctx context.Context, ownerID string) (leave.Balance, error) {
	b, err := s.Store.GetBalance(ctx, ownerID)
	s.fire()
	return b, err
}

func (s *racingStore) WithTx(ctx context.Context, fn func(leave.Tx) error) error {
	return s.Store.WithTx(ctx, func(tx leave.Tx) error {
		return fn(&racingTx{Tx: tx, s: s})
	})
}

type racingTx struct {
	leave.Tx
	s *racingStore
}

func (t *racingTx) GetBalance(ctx context.Context, ownerID string) (leave.Balance, error) {
	b, err := t.Tx.GetBalance(ctx, ownerID)
	t.s.fire()
	return b, err
}

func TestAudit_ConcurrentApprovalIsNotDrift(t *testing.T) {
	// GIVEN: A Pending sick request and an approval that races the audit's ledger read
	rs := &racingStore{Store: store.NewMemory()}
	f := &fixture{coord: newCoordinator(rs)}
	f.mgr = f.register(t, "Maya Manager", "maya@example.com", "manager", "")
	f.emp = f.register(t, "Eli Employee", "eli@example.com", "employee", f.mgr.ID)
	app := f.apply(t, f.emp, "sick", "2024-02-05", "2024-02-07")
	ctx := context.Background()

	done := make(chan error, 1)
	rs.onBalanceRead = func() {
		rs.armed = false
		go func() {
			_, err := f.coord.ApproveLeave(ctx, f.mgr.ID, app.ID, "")
			done <- err
		}()
		// give the approval a chance to commit between the audit's reads
		time.Sleep(50 * time.Millisecond)
	}
	rs.armed = true

	// WHEN: The owner is audited while the approval runs
	r, err := f.coord.Audit(ctx, f.emp.ID)

	// THEN: The audit saw a consistent state, before or after the approval
	require.NoError(t, err)
	assert.True(t, r.Consistent(), "%+v", r.Types)

	require.NoError(t, <-done)
	assert.Equal(t, 7, f.balance(t, f.emp).Sick)
	after, err := f.coord.Audit(ctx, f.emp.ID)
	require.NoError(t, err)
	assert.True(t, after.Consistent(), "%+v", after.Types)
}

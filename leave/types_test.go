package leave

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// =============================================================================
// LEAVE TYPE NORMALIZATION
// =============================================================================

func TestNormalizeLeaveType(t *testing.T) {
	tests := []struct {
		raw  string
		want LeaveType
		ok   bool
	}{
		{"casual", Casual, true},
		{"Casual", Casual, true},
		{"  Casual Leave ", Casual, true},
		{"SICK", Sick, true},
		{"sick leave", Sick, true},
		{"earned", Earned, true},
		{"Earned Leave", Earned, true},
		{"privilege", Earned, true},
		{"Privilege Leave", Earned, true},
		{"", "", false},
		{"   ", "", false},
		{"vacation", "", false},
		{"maternity", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := NormalizeLeaveType(tt.raw)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseStatus_CaseInsensitive(t *testing.T) {
	s, ok := ParseStatus(" approved ")
	assert.True(t, ok)
	assert.Equal(t, StatusApproved, s)

	_, ok = ParseStatus("done")
	assert.False(t, ok)
}

// =============================================================================
// STATE MACHINE
// =============================================================================

func TestNext_OnlyPendingTransitions(t *testing.T) {
	// GIVEN: The three actions
	// WHEN: Applied to each status
	// THEN: Only Pending moves; terminal states report the right error

	to, err := Next(StatusPending, ActionApprove)
	assert.NoError(t, err)
	assert.Equal(t, StatusApproved, to)

	to, err = Next(StatusPending, ActionReject)
	assert.NoError(t, err)
	assert.Equal(t, StatusRejected, to)

	to, err = Next(StatusPending, ActionCancel)
	assert.NoError(t, err)
	assert.Equal(t, StatusCancelled, to)

	for _, from := range []Status{StatusApproved, StatusRejected, StatusCancelled} {
		assert.True(t, from.Terminal())

		_, err := Next(from, ActionApprove)
		assert.ErrorIs(t, err, ErrAlreadyProcessed, "approve from %s", from)

		_, err = Next(from, ActionReject)
		assert.ErrorIs(t, err, ErrAlreadyProcessed, "reject from %s", from)

		_, err = Next(from, ActionCancel)
		assert.ErrorIs(t, err, ErrNotCancellable, "cancel from %s", from)
	}
}

func TestInitialStatus(t *testing.T) {
	assert.Equal(t, StatusPending, InitialStatus(Principal{Role: RoleEmployee}))
	assert.Equal(t, StatusApproved, InitialStatus(Principal{Role: RoleManager}))
}

func TestAuthorizeReview(t *testing.T) {
	mgr := Principal{ID: "m1", Role: RoleManager}
	other := Principal{ID: "m2", Role: RoleManager}
	emp := Principal{ID: "e1", Role: RoleEmployee, ManagerID: "m1"}

	assert.NoError(t, authorizeReview(mgr, emp))
	assert.ErrorIs(t, authorizeReview(other, emp), ErrNotAuthorized)
	assert.ErrorIs(t, authorizeReview(emp, emp), ErrNotAuthorized)
	assert.ErrorIs(t, authorizeReview(mgr, mgr), ErrNotAuthorized, "a manager cannot review their own leave")
}

// =============================================================================
// BALANCE
// =============================================================================

func TestBalance_AdjustFloorsAtZero(t *testing.T) {
	b := NewBalance("e1", Allotment{Casual: 2, Sick: 10, Earned: 5}, time.Now())

	applied := b.Adjust(Casual, -5)

	assert.Equal(t, -2, applied, "only the available days are removed")
	assert.Equal(t, 0, b.Casual)
	assert.Equal(t, 10, b.Sick, "other counters untouched")

	applied = b.Adjust(Earned, 3)
	assert.Equal(t, 3, applied)
	assert.Equal(t, 8, b.Earned)
}

func TestBalance_Covers(t *testing.T) {
	b := NewBalance("e1", Allotment{Casual: 3}, time.Now())
	assert.True(t, b.Covers(Casual, 3))
	assert.False(t, b.Covers(Casual, 4))
	assert.False(t, b.Covers(Sick, 1))
}

// =============================================================================
// FILTER
// =============================================================================

func TestFilter_MatchOverlap(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2024, time.March, d, 0, 0, 0, 0, time.UTC) }
	app := Application{StartDate: day(10), EndDate: day(12), Status: StatusApproved}

	assert.True(t, Filter{}.Match(app))
	assert.True(t, Filter{From: day(12), To: day(20)}.Match(app), "touching the end day overlaps")
	assert.True(t, Filter{From: day(1), To: day(10)}.Match(app), "touching the start day overlaps")
	assert.False(t, Filter{From: day(13)}.Match(app))
	assert.False(t, Filter{To: day(9)}.Match(app))
	assert.False(t, Filter{Statuses: []Status{StatusPending}}.Match(app))
	assert.True(t, Filter{Statuses: []Status{StatusPending, StatusApproved}}.Match(app))
}

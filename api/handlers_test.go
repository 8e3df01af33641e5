package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/leave/store"
	"github.com/warp/leave-engine/logger"
	"github.com/xuri/excelize/v2"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const testSecret = "test-secret"

type testServer struct {
	t       *testing.T
	router  http.Handler
	handler *Handler
	store   *store.Memory
}

type session struct {
	Principal PrincipalDTO
	Token     string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger.SetupOutput(io.Discard, "error", false)

	quiet := logrus.New()
	quiet.SetOutput(io.Discard)

	s := store.NewMemory()
	coord := leave.NewCoordinator(s, leave.Options{Logger: logrus.NewEntry(quiet)})
	h := NewHandler(coord, NewAuthenticator(testSecret, time.Hour))
	return &testServer{
		t:       t,
		router:  NewRouter(h, RouterOptions{Scenarios: true}),
		handler: h,
		store:   s,
	}
}

func (ts *testServer) do(method, path, token string, body any) *httptest.ResponseRecorder {
	ts.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(ts.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) register(name, email, role, managerID string) session {
	ts.t.Helper()
	rec := ts.do(http.MethodPost, "/api/principals", "", RegisterPrincipalRequest{
		Name: name, Email: email, Role: role, ManagerID: managerID,
	})
	require.Equal(ts.t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp RegisterResponse
	decode(ts.t, rec, &resp)
	require.NotEmpty(ts.t, resp.Token)
	return session{Principal: resp.Principal, Token: resp.Token}
}

// team registers a manager with one report.
func (ts *testServer) team() (mgr, emp session) {
	mgr = ts.register("Maya Manager", "maya@example.com", "manager", "")
	emp = ts.register("Eli Employee", "eli@example.com", "employee", mgr.Principal.ID)
	return mgr, emp
}

func (ts *testServer) apply(emp session, leaveType, start, end string) ApplicationDTO {
	ts.t.Helper()
	rec := ts.do(http.MethodPost, "/api/leave/apply", emp.Token, ApplyLeaveRequest{
		StartDate: start, EndDate: end, LeaveType: leaveType, Reason: "personal",
	})
	require.Equal(ts.t, http.StatusCreated, rec.Code, rec.Body.String())
	var app ApplicationDTO
	decode(ts.t, rec, &app)
	return app
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst), rec.Body.String())
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	decode(t, rec, &resp)
	return resp
}

// =============================================================================
// AUTHENTICATION
// =============================================================================

func TestAuthenticate_RejectsMissingAndInvalidTokens(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/api/leave/balance", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(http.MethodGet, "/api/leave/balance", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	other := NewAuthenticator("other-secret", time.Hour)
	forged, err := other.Issue(leave.Principal{ID: "x", Role: leave.RoleManager})
	require.NoError(t, err)
	rec = ts.do(http.MethodGet, "/api/leave/balance", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthenticate_UnknownPrincipal(t *testing.T) {
	ts := newTestServer(t)
	token, err := ts.handler.Auth.Issue(leave.Principal{ID: "ghost", Role: leave.RoleEmployee})
	require.NoError(t, err)

	rec := ts.do(http.MethodGet, "/api/leave/balance", token, nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthenticate_AcceptsIDClaim(t *testing.T) {
	// GIVEN: A token minted elsewhere that carries the principal in "id"
	ts := newTestServer(t)
	_, emp := ts.team()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"id":  emp.Principal.ID,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	// WHEN: Reading the balance with it
	rec := ts.do(http.MethodGet, "/api/leave/balance", token, nil)

	// THEN: The principal is resolved from the id claim
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var bal BalanceDTO
	decode(t, rec, &bal)
	assert.Equal(t, emp.Principal.ID, bal.EmployeeID)
}

func TestRequireManager_ForbidsEmployees(t *testing.T) {
	ts := newTestServer(t)
	_, emp := ts.team()

	for _, path := range []string{"/api/manager/leaves", "/api/manager/team", "/api/manager/audit"} {
		rec := ts.do(http.MethodGet, path, emp.Token, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code, path)
	}
}

// =============================================================================
// REGISTRY
// =============================================================================

func TestRegisterPrincipal_Validation(t *testing.T) {
	ts := newTestServer(t)
	mgr := ts.register("Maya Manager", "maya@example.com", "manager", "")

	rec := ts.do(http.MethodPost, "/api/principals", "", RegisterPrincipalRequest{Email: "a@example.com", Role: "employee"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "missing_field", errorCode(t, rec).Code)

	rec = ts.do(http.MethodPost, "/api/principals", "", RegisterPrincipalRequest{Name: "A", Email: "not-an-email", Role: "employee"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_principal", errorCode(t, rec).Code)

	rec = ts.do(http.MethodPost, "/api/principals", "", RegisterPrincipalRequest{
		Name: "Dup", Email: "maya@example.com", Role: "employee", ManagerID: mgr.Principal.ID,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_principal", errorCode(t, rec).Code)
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestApplyLeave_MissingFieldReportsField(t *testing.T) {
	ts := newTestServer(t)
	_, emp := ts.team()

	rec := ts.do(http.MethodPost, "/api/leave/apply", emp.Token, ApplyLeaveRequest{
		StartDate: "2024-03-04", EndDate: "2024-03-05", Reason: "personal",
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := errorCode(t, rec)
	assert.Equal(t, "missing_field", resp.Code)
	assert.Equal(t, map[string]any{"field": "leaveType"}, resp.Details)
}

func TestApplyLeave_InsufficientBalanceDetails(t *testing.T) {
	ts := newTestServer(t)
	_, emp := ts.team()

	rec := ts.do(http.MethodPost, "/api/leave/apply", emp.Token, ApplyLeaveRequest{
		StartDate: "2024-05-01", EndDate: "2024-05-11", LeaveType: "Casual Leave", Reason: "long trip",
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := errorCode(t, rec)
	assert.Equal(t, "insufficient_balance", resp.Code)
	assert.Equal(t, map[string]any{"leaveType": "casual", "available": float64(10), "requested": float64(11)}, resp.Details)

	rec = ts.do(http.MethodGet, "/api/leave/my", emp.Token, nil)
	var apps []ApplicationDTO
	decode(t, rec, &apps)
	assert.Empty(t, apps)
}

func TestApproveFlow_DebitsOnceAndConflictsAfterwards(t *testing.T) {
	// GIVEN: A Pending 3-day sick application
	ts := newTestServer(t)
	mgr, emp := ts.team()
	app := ts.apply(emp, "Sick", "2024-03-04", "2024-03-06")
	assert.Equal(t, "Pending", app.Status)
	assert.Equal(t, 3, app.Days)

	// WHEN: The manager approves it with a comment
	rec := ts.do(http.MethodPatch, "/api/manager/leave/approve/"+app.ID, mgr.Token, ReviewRequest{ManagerComments: "Get well"})

	// THEN: It is Approved and sick drops to 7
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var approved ApplicationDTO
	decode(t, rec, &approved)
	assert.Equal(t, "Approved", approved.Status)
	assert.Equal(t, "Get well", approved.ManagerComments)

	rec = ts.do(http.MethodGet, "/api/leave/balance", emp.Token, nil)
	var bal BalanceDTO
	decode(t, rec, &bal)
	assert.Equal(t, 7, bal.Sick)

	// AND: A second approval conflicts without a second debit
	rec = ts.do(http.MethodPatch, "/api/manager/leave/approve/"+app.ID, mgr.Token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_processed", errorCode(t, rec).Code)

	// AND: The approved request cannot be cancelled
	rec = ts.do(http.MethodPatch, "/api/leave/cancel/"+app.ID, emp.Token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "not_cancellable", errorCode(t, rec).Code)

	rec = ts.do(http.MethodGet, "/api/leave/journal", emp.Token, nil)
	var journal []LedgerEntryDTO
	decode(t, rec, &journal)
	var debits int
	for _, e := range journal {
		if e.Kind == string(leave.EntryDebit) {
			debits++
			assert.Equal(t, -3, e.Delta)
			assert.Equal(t, app.ID, e.RequestID)
		}
	}
	assert.Equal(t, 1, debits)
}

func TestRejectAndCancel(t *testing.T) {
	ts := newTestServer(t)
	mgr, emp := ts.team()
	first := ts.apply(emp, "casual", "2024-03-04", "2024-03-04")
	second := ts.apply(emp, "casual", "2024-03-11", "2024-03-12")

	rec := ts.do(http.MethodPatch, "/api/manager/leave/reject/"+first.ID, mgr.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var rejected ApplicationDTO
	decode(t, rec, &rejected)
	assert.Equal(t, "Rejected", rejected.Status)
	assert.Equal(t, leave.CommentRejected, rejected.ManagerComments)

	rec = ts.do(http.MethodPatch, "/api/leave/cancel/"+second.ID, emp.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(http.MethodPatch, "/api/manager/leave/approve/"+second.ID, mgr.Token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(http.MethodGet, "/api/leave/balance", emp.Token, nil)
	var bal BalanceDTO
	decode(t, rec, &bal)
	assert.Equal(t, 10, bal.Casual)
}

func TestManagerSelfApplicationIsApproved(t *testing.T) {
	ts := newTestServer(t)
	mgr, _ := ts.team()

	app := ts.apply(mgr, "earned", "2024-03-04", "2024-03-05")

	assert.Equal(t, "Approved", app.Status)
	assert.Equal(t, leave.CommentSelfApproved, app.ManagerComments)
}

func TestApprove_OtherManagersTeamIsForbidden(t *testing.T) {
	ts := newTestServer(t)
	_, emp := ts.team()
	other := ts.register("Olga Other", "olga@example.com", "manager", "")
	app := ts.apply(emp, "casual", "2024-03-04", "2024-03-04")

	rec := ts.do(http.MethodPatch, "/api/manager/leave/approve/"+app.ID, other.Token, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(http.MethodPatch, "/api/manager/leave/approve/missing", other.Token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// MANAGER VIEWS
// =============================================================================

func TestTeamViews(t *testing.T) {
	ts := newTestServer(t)
	mgr, emp := ts.team()
	pending := ts.apply(emp, "casual", "2024-03-04", "2024-03-04")
	approved := ts.apply(emp, "sick", "2024-04-01", "2024-04-02")
	rec := ts.do(http.MethodPatch, "/api/manager/leave/approve/"+approved.ID, mgr.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodGet, "/api/manager/leaves?status=pending", mgr.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var apps []ApplicationDTO
	decode(t, rec, &apps)
	require.Len(t, apps, 1)
	assert.Equal(t, pending.ID, apps[0].ID)
	assert.Equal(t, "Eli Employee", apps[0].EmployeeName)
	assert.Equal(t, "eli@example.com", apps[0].EmployeeEmail)

	rec = ts.do(http.MethodGet, "/api/manager/history", mgr.Token, nil)
	decode(t, rec, &apps)
	require.Len(t, apps, 1)
	assert.Equal(t, approved.ID, apps[0].ID)

	rec = ts.do(http.MethodGet, "/api/manager/calendar?from=2024-04-02&to=2024-04-30", mgr.Token, nil)
	decode(t, rec, &apps)
	require.Len(t, apps, 1)
	assert.Equal(t, approved.ID, apps[0].ID)

	rec = ts.do(http.MethodGet, "/api/manager/leaves?status=bogus", mgr.Token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_status", errorCode(t, rec).Code)

	rec = ts.do(http.MethodGet, "/api/manager/team", mgr.Token, nil)
	var team []PrincipalDTO
	decode(t, rec, &team)
	require.Len(t, team, 1)
	assert.Equal(t, emp.Principal.ID, team[0].ID)
}

func TestSetEmployeeBalance(t *testing.T) {
	ts := newTestServer(t)
	mgr, emp := ts.team()
	path := "/api/manager/balance/" + emp.Principal.ID
	n := func(v int) *int { return &v }

	rec := ts.do(http.MethodPatch, path, mgr.Token, SetBalanceRequest{Casual: n(-1), Sick: n(5), Earned: n(5)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_balance", errorCode(t, rec).Code)

	rec = ts.do(http.MethodPatch, path, mgr.Token, map[string]int{"casual": 1, "earned": 2})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := errorCode(t, rec)
	assert.Equal(t, "missing_field", resp.Code)
	assert.Equal(t, map[string]any{"field": "sick"}, resp.Details)

	rec = ts.do(http.MethodPatch, path, mgr.Token, SetBalanceRequest{Casual: n(0), Sick: n(12), Earned: n(4)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var bal BalanceDTO
	decode(t, rec, &bal)
	assert.Equal(t, 0, bal.Casual)
	assert.Equal(t, 12, bal.Sick)
	assert.Equal(t, 4, bal.Earned)

	rec = ts.do(http.MethodGet, path, mgr.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodGet, "/api/manager/audit", mgr.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var audits []AuditDTO
	decode(t, rec, &audits)
	require.NotEmpty(t, audits)
	for _, a := range audits {
		assert.True(t, a.Consistent, a.OwnerID)
	}
}

func TestExportTeamHistory(t *testing.T) {
	// GIVEN: One approved application
	ts := newTestServer(t)
	mgr, emp := ts.team()
	app := ts.apply(emp, "earned", "2024-03-04", "2024-03-08")
	rec := ts.do(http.MethodPatch, "/api/manager/leave/approve/"+app.ID, mgr.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// WHEN: Exporting history
	rec = ts.do(http.MethodGet, "/api/manager/leave/history.xlsx", mgr.Token, nil)

	// THEN: The workbook has a header row plus the approved request
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "leave-history-")
	book, err := excelize.OpenReader(rec.Body)
	require.NoError(t, err)
	defer book.Close()
	rows, err := book.GetRows(historySheet)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Employee", rows[0][0])
	assert.Equal(t, "Eli Employee", rows[1][0])
	assert.Equal(t, "Approved", rows[1][6])
}

// =============================================================================
// OPERATIONS
// =============================================================================

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	ts.handler.Ping = func(ctx context.Context) error { return errors.New("disk gone") }
	rec = ts.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "disk gone")

	rec = ts.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "leave_http_requests_total")
}

func TestStorageFailureIsHidden(t *testing.T) {
	ts := newTestServer(t)
	_, emp := ts.team()
	ts.store.FailOn = func(op string) error {
		if op == "create_application" {
			return errors.New("disk full")
		}
		return nil
	}

	rec := ts.do(http.MethodPost, "/api/leave/apply", emp.Token, ApplyLeaveRequest{
		StartDate: "2024-03-04", EndDate: "2024-03-04", LeaveType: "casual", Reason: "personal",
	})

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := errorCode(t, rec)
	assert.Equal(t, "storage_failure", resp.Code)
	assert.NotContains(t, resp.Error, "disk full")
}

func TestAuditScheduler_RunNow(t *testing.T) {
	ts := newTestServer(t)
	_, emp := ts.team()
	sched := NewAuditScheduler(ts.handler.Leave, 0)
	assert.False(t, sched.Enabled)

	drifting, err := sched.RunNow(context.Background())
	require.NoError(t, err)
	assert.Empty(t, drifting)

	ctx := context.Background()
	require.NoError(t, ts.store.WithTx(ctx, func(tx leave.Tx) error {
		b, err := tx.GetBalance(ctx, emp.Principal.ID)
		if err != nil {
			return err
		}
		b.Casual = 2
		_, err = tx.SaveBalance(ctx, b)
		return err
	}))

	drifting, err = sched.RunNow(ctx)
	require.NoError(t, err)
	require.Len(t, drifting, 1)
	assert.Equal(t, emp.Principal.ID, drifting[0].OwnerID)
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestLoadScenario(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/api/scenarios", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodPost, "/api/scenarios/load", "", LoadScenarioRequest{ScenarioID: "busy-calendar"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp LoadScenarioResponse
	decode(t, rec, &resp)
	require.Len(t, resp.Principals, 3)
	assert.Len(t, resp.Applications, 6)

	// The returned tokens are usable
	mgr := resp.Principals[0]
	rec = ts.do(http.MethodGet, "/api/manager/audit", mgr.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Loading twice creates a second team
	rec = ts.do(http.MethodPost, "/api/scenarios/load", "", LoadScenarioRequest{ScenarioID: "small-team"})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(http.MethodPost, "/api/scenarios/load", "", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScenariosNotMountedByDefault(t *testing.T) {
	ts := newTestServer(t)
	router := NewRouter(ts.handler, RouterOptions{})

	req := httptest.NewRequest(http.MethodGet, "/api/scenarios", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

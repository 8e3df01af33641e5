/*
Package sqlite provides a SQLite-backed implementation of leave.Store.

KEY TABLES:
  principals:      employees and managers (manager_id back-reference)
  balances:        one ledger row per principal, versioned for compare-and-swap
  applications:    leave requests and their lifecycle status
  ledger_entries:  append-only journal; idempotency_key UNIQUE

GUARDS:
  The coordinator runs each operation in WithTx. In addition, every write
  is conditional so a lost race cannot corrupt state:
  - UPDATE balances ... WHERE version = ?       -> ErrConcurrentModification
  - UPDATE applications ... WHERE status = ?    -> ErrAlreadyProcessed
  - UNIQUE(idempotency_key) on ledger_entries   -> ErrDuplicateIdempotencyKey
  - CHECK(casual >= 0 ...) on balances

CONCURRENCY:
  WithTx is serialized in-process with a mutex and opens the transaction
  with BEGIN IMMEDIATE (_txlock=immediate), so two processes sharing the
  file also serialize their read-modify-write on the ledger.

WAL MODE:
  File databases are opened in WAL mode: readers do not block the writer.

USAGE:
  store, err := sqlite.New("./data/leave.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := leave.NewCoordinator(store, leave.Options{})
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/leave-engine/leave"
)

// timeLayout is fixed-width so lexical order matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements leave.Store using SQLite.
type Store struct {
	reader
	db *sql.DB
	mu sync.Mutex
}

var _ leave.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_txlock=immediate&_busy_timeout=5000"
	if dbPath != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	store := &Store{reader: reader{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS principals (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		role TEXT NOT NULL CHECK (role IN ('employee', 'manager')),
		manager_id TEXT REFERENCES principals(id),
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_principals_manager
		ON principals(manager_id) WHERE manager_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS balances (
		owner_id TEXT PRIMARY KEY REFERENCES principals(id),
		casual INTEGER NOT NULL CHECK (casual >= 0),
		sick INTEGER NOT NULL CHECK (sick >= 0),
		earned INTEGER NOT NULL CHECK (earned >= 0),
		version INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS applications (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		owner_id TEXT NOT NULL REFERENCES principals(id),
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		leave_type TEXT NOT NULL CHECK (leave_type IN ('casual', 'sick', 'earned')),
		reason TEXT NOT NULL,
		days INTEGER NOT NULL CHECK (days >= 1),
		status TEXT NOT NULL CHECK (status IN ('Pending', 'Approved', 'Rejected', 'Cancelled')),
		manager_comments TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_applications_owner
		ON applications(owner_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_applications_status
		ON applications(status);

	-- Append-only: no UPDATE or DELETE is ever issued against this table
	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		owner_id TEXT NOT NULL REFERENCES principals(id),
		request_id TEXT,
		leave_type TEXT NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('allotment', 'debit', 'adjustment')),
		delta INTEGER NOT NULL,
		balance_after INTEGER NOT NULL,
		actor_id TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_entries_owner
		ON ledger_entries(owner_id, seq);
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_request
		ON ledger_entries(request_id) WHERE request_id IS NOT NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(leave.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{reader: reader{q: sqlTx}, tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type txStore struct {
	reader
	tx *sql.Tx
}

func (ts *txStore) CreatePrincipal(ctx context.Context, p leave.Principal) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO principals (id, name, email, role, manager_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Email, string(p.Role), nullString(p.ManagerID), formatTime(p.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return leave.ErrInvalidPrincipal
	}
	if err != nil {
		return fmt.Errorf("failed to insert principal: %w", err)
	}
	return nil
}

func (ts *txStore) CreateBalanceIfAbsent(ctx context.Context, b leave.Balance) (leave.Balance, bool, error) {
	res, err := ts.tx.ExecContext(ctx, `
		INSERT INTO balances (owner_id, casual, sick, earned, version, updated_at)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT(owner_id) DO NOTHING`,
		b.OwnerID, b.Casual, b.Sick, b.Earned, formatTime(b.UpdatedAt),
	)
	if err != nil {
		return leave.Balance{}, false, fmt.Errorf("failed to insert balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return leave.Balance{}, false, err
	}
	stored, err := ts.GetBalance(ctx, b.OwnerID)
	if err != nil {
		return leave.Balance{}, false, err
	}
	return stored, n == 1, nil
}

func (ts *txStore) SaveBalance(ctx context.Context, b leave.Balance) (leave.Balance, error) {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE balances
		SET casual = ?, sick = ?, earned = ?, version = version + 1, updated_at = ?
		WHERE owner_id = ? AND version = ?`,
		b.Casual, b.Sick, b.Earned, formatTime(b.UpdatedAt), b.OwnerID, b.Version,
	)
	if err != nil {
		return leave.Balance{}, fmt.Errorf("failed to update balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return leave.Balance{}, err
	}
	if n == 0 {
		if _, err := ts.GetBalance(ctx, b.OwnerID); err != nil {
			return leave.Balance{}, err
		}
		return leave.Balance{}, leave.ErrConcurrentModification
	}
	b.Version++
	return b, nil
}

func (ts *txStore) CreateApplication(ctx context.Context, a leave.Application) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO applications
		(id, owner_id, start_date, end_date, leave_type, reason, days, status, manager_comments, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.OwnerID,
		a.StartDate.Format(time.RFC3339), a.EndDate.Format(time.RFC3339),
		string(a.LeaveType), a.Reason, a.Days, string(a.Status), a.ManagerComments,
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert application: %w", err)
	}
	return nil
}

func (ts *txStore) SaveApplication(ctx context.Context, a leave.Application, expected leave.Status) error {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE applications
		SET status = ?, manager_comments = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(a.Status), a.ManagerComments, formatTime(a.UpdatedAt), a.ID, string(expected),
	)
	if err != nil {
		return fmt.Errorf("failed to update application: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := ts.GetApplication(ctx, a.ID); err != nil {
			return err
		}
		return leave.ErrAlreadyProcessed
	}
	return nil
}

func (ts *txStore) AppendJournal(ctx context.Context, entries ...leave.LedgerEntry) error {
	for _, e := range entries {
		_, err := ts.tx.ExecContext(ctx, `
			INSERT INTO ledger_entries
			(id, owner_id, request_id, leave_type, kind, delta, balance_after, actor_id, idempotency_key, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.OwnerID, nullString(e.RequestID), string(e.LeaveType), string(e.Kind),
			e.Delta, e.BalanceAfter, nullString(e.ActorID), nullString(e.IdempotencyKey),
			formatTime(e.CreatedAt),
		)
		if isUniqueConstraintError(err) {
			return leave.ErrDuplicateIdempotencyKey
		}
		if err != nil {
			return fmt.Errorf("failed to append ledger entry: %w", err)
		}
	}
	return nil
}

// =============================================================================
// READER (shared by Store and txStore)
// =============================================================================

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type reader struct {
	q queryer
}

const principalColumns = `id, name, email, role, manager_id, created_at`

func (r reader) GetPrincipal(ctx context.Context, id string) (leave.Principal, error) {
	row := r.q.QueryRowContext(ctx, "SELECT "+principalColumns+" FROM principals WHERE id = ?", id)
	p, err := scanPrincipal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return leave.Principal{}, leave.ErrNotFound
	}
	return p, err
}

func (r reader) ListPrincipals(ctx context.Context) ([]leave.Principal, error) {
	return r.queryPrincipals(ctx, "SELECT "+principalColumns+" FROM principals ORDER BY name, id")
}

func (r reader) ListTeam(ctx context.Context, managerID string) ([]leave.Principal, error) {
	return r.queryPrincipals(ctx,
		"SELECT "+principalColumns+" FROM principals WHERE manager_id = ? AND role = 'employee' ORDER BY name, id",
		managerID)
}

func (r reader) queryPrincipals(ctx context.Context, query string, args ...any) ([]leave.Principal, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query principals: %w", err)
	}
	defer rows.Close()

	var principals []leave.Principal
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, err
		}
		principals = append(principals, p)
	}
	return principals, rows.Err()
}

func (r reader) GetBalance(ctx context.Context, ownerID string) (leave.Balance, error) {
	var (
		b         leave.Balance
		updatedAt string
	)
	err := r.q.QueryRowContext(ctx,
		"SELECT owner_id, casual, sick, earned, version, updated_at FROM balances WHERE owner_id = ?",
		ownerID,
	).Scan(&b.OwnerID, &b.Casual, &b.Sick, &b.Earned, &b.Version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return leave.Balance{}, leave.ErrNotFound
	}
	if err != nil {
		return leave.Balance{}, fmt.Errorf("failed to load balance: %w", err)
	}
	if b.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return leave.Balance{}, fmt.Errorf("failed to load balance: %w", err)
	}
	return b, nil
}

const applicationColumns = `a.id, a.owner_id, a.start_date, a.end_date, a.leave_type, a.reason,
	a.days, a.status, a.manager_comments, a.created_at, a.updated_at`

func (r reader) GetApplication(ctx context.Context, id string) (leave.Application, error) {
	row := r.q.QueryRowContext(ctx, "SELECT "+applicationColumns+" FROM applications a WHERE a.id = ?", id)
	a, err := scanApplication(row)
	if errors.Is(err, sql.ErrNoRows) {
		return leave.Application{}, leave.ErrNotFound
	}
	return a, err
}

func (r reader) ListApplicationsByOwner(ctx context.Context, ownerID string, f leave.Filter) ([]leave.Application, error) {
	where, args := statusClause("a.owner_id = ?", []any{ownerID}, f.Statuses)
	return r.queryApplications(ctx,
		"SELECT "+applicationColumns+" FROM applications a WHERE "+where+" ORDER BY a.created_at DESC, a.seq DESC",
		f, args...)
}

func (r reader) ListApplicationsByManagerScope(ctx context.Context, managerID string, f leave.Filter) ([]leave.Application, error) {
	where, args := statusClause("p.manager_id = ? AND p.role = 'employee'", []any{managerID}, f.Statuses)
	return r.queryApplications(ctx,
		"SELECT "+applicationColumns+" FROM applications a JOIN principals p ON p.id = a.owner_id WHERE "+where+
			" ORDER BY a.created_at DESC, a.seq DESC",
		f, args...)
}

// statusClause appends "AND status IN (...)" when statuses are given. Date
// overlap is applied in Go because stored dates carry the reference offset.
func statusClause(where string, args []any, statuses []leave.Status) (string, []any) {
	if len(statuses) == 0 {
		return where, args
	}
	marks := make([]string, len(statuses))
	for i, s := range statuses {
		marks[i] = "?"
		args = append(args, string(s))
	}
	return where + " AND a.status IN (" + strings.Join(marks, ", ") + ")", args
}

func (r reader) queryApplications(ctx context.Context, query string, f leave.Filter, args ...any) ([]leave.Application, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query applications: %w", err)
	}
	defer rows.Close()

	var apps []leave.Application
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		if f.Match(a) {
			apps = append(apps, a)
		}
	}
	return apps, rows.Err()
}

func (r reader) ListJournal(ctx context.Context, ownerID string) ([]leave.LedgerEntry, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, owner_id, request_id, leave_type, kind, delta, balance_after, actor_id, idempotency_key, created_at
		FROM ledger_entries
		WHERE owner_id = ?
		ORDER BY seq ASC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []leave.LedgerEntry
	for rows.Next() {
		var (
			e                                 leave.LedgerEntry
			requestID, actorID, idempotentKey sql.NullString
			leaveType, kind, createdAt        string
		)
		if err := rows.Scan(&e.ID, &e.OwnerID, &requestID, &leaveType, &kind, &e.Delta,
			&e.BalanceAfter, &actorID, &idempotentKey, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.RequestID = requestID.String
		e.ActorID = actorID.String
		e.IdempotencyKey = idempotentKey.String
		e.LeaveType = leave.LeaveType(leaveType)
		e.Kind = leave.EntryKind(kind)
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanPrincipal(s scanner) (leave.Principal, error) {
	var (
		p         leave.Principal
		role      string
		managerID sql.NullString
		createdAt string
	)
	if err := s.Scan(&p.ID, &p.Name, &p.Email, &role, &managerID, &createdAt); err != nil {
		return p, err
	}
	p.Role = leave.Role(role)
	p.ManagerID = managerID.String
	var err error
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return p, err
	}
	return p, nil
}

func scanApplication(s scanner) (leave.Application, error) {
	var (
		a                             leave.Application
		start, end, leaveType, status string
		createdAt, updatedAt          string
		err                           error
	)
	if err = s.Scan(&a.ID, &a.OwnerID, &start, &end, &leaveType, &a.Reason,
		&a.Days, &status, &a.ManagerComments, &createdAt, &updatedAt); err != nil {
		return a, err
	}
	if a.StartDate, err = time.Parse(time.RFC3339, start); err != nil {
		return a, fmt.Errorf("parse start_date %q: %w", start, err)
	}
	if a.EndDate, err = time.Parse(time.RFC3339, end); err != nil {
		return a, fmt.Errorf("parse end_date %q: %w", end, err)
	}
	a.LeaveType = leave.LeaveType(leaveType)
	a.Status = leave.Status(status)
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return a, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return a, err
	}
	return a, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// Package store provides in-memory leave.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/leave-engine/leave"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu   sync.RWMutex
	data memoryData

	// FailOn, when set, is consulted before every write; a non-nil error
	// aborts that write. Tests use it to simulate storage outages.
	FailOn func(op string) error
}

type memoryData struct {
	principals   map[string]leave.Principal
	emails       map[string]string
	balances     map[string]leave.Balance
	applications map[string]leave.Application
	order        map[string]int64
	journal      []leave.LedgerEntry
	idempotency  map[string]bool
	seq          int64
}

func NewMemory() *Memory {
	return &Memory{data: memoryData{
		principals:   make(map[string]leave.Principal),
		emails:       make(map[string]string),
		balances:     make(map[string]leave.Balance),
		applications: make(map[string]leave.Application),
		order:        make(map[string]int64),
		idempotency:  make(map[string]bool),
	}}
}

var _ leave.Store = (*Memory)(nil)

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn while holding the write lock, which serializes every
// transaction. Each write records how to undo itself; if fn fails or panics
// the undo log is replayed newest first.
func (m *Memory) WithTx(ctx context.Context, fn func(leave.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tv := &txView{m: m}
	committed := false
	defer func() {
		if !committed {
			tv.rollback()
		}
	}()
	if err := fn(tv); err != nil {
		return err
	}
	committed = true
	return nil
}

// =============================================================================
// READS (outside a transaction)
// =============================================================================

func (m *Memory) GetPrincipal(_ context.Context, id string) (leave.Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getPrincipal(id)
}

func (m *Memory) ListPrincipals(_ context.Context) ([]leave.Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listPrincipals(""), nil
}

func (m *Memory) ListTeam(_ context.Context, managerID string) ([]leave.Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listPrincipals(managerID), nil
}

func (m *Memory) GetBalance(_ context.Context, ownerID string) (leave.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getBalance(ownerID)
}

func (m *Memory) GetApplication(_ context.Context, id string) (leave.Application, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getApplication(id)
}

func (m *Memory) ListApplicationsByOwner(_ context.Context, ownerID string, f leave.Filter) ([]leave.Application, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listApplications(func(a leave.Application) bool { return a.OwnerID == ownerID }, f), nil
}

func (m *Memory) ListApplicationsByManagerScope(_ context.Context, managerID string, f leave.Filter) ([]leave.Application, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listApplications(m.inScope(managerID), f), nil
}

func (m *Memory) ListJournal(_ context.Context, ownerID string) ([]leave.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listJournal(ownerID), nil
}

// =============================================================================
// LOCKED HELPERS (caller holds mu)
// =============================================================================

func (m *Memory) getPrincipal(id string) (leave.Principal, error) {
	p, ok := m.data.principals[id]
	if !ok {
		return leave.Principal{}, leave.ErrNotFound
	}
	return p, nil
}

func (m *Memory) listPrincipals(managerID string) []leave.Principal {
	var result []leave.Principal
	for _, p := range m.data.principals {
		if managerID == "" || (p.Role == leave.RoleEmployee && p.ManagerID == managerID) {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func (m *Memory) getBalance(ownerID string) (leave.Balance, error) {
	b, ok := m.data.balances[ownerID]
	if !ok {
		return leave.Balance{}, leave.ErrNotFound
	}
	return b, nil
}

func (m *Memory) getApplication(id string) (leave.Application, error) {
	a, ok := m.data.applications[id]
	if !ok {
		return leave.Application{}, leave.ErrNotFound
	}
	return a, nil
}

func (m *Memory) inScope(managerID string) func(leave.Application) bool {
	return func(a leave.Application) bool {
		p, ok := m.data.principals[a.OwnerID]
		return ok && p.Role == leave.RoleEmployee && p.ManagerID == managerID
	}
}

func (m *Memory) listApplications(keep func(leave.Application) bool, f leave.Filter) []leave.Application {
	var result []leave.Application
	for _, a := range m.data.applications {
		if keep(a) && f.Match(a) {
			result = append(result, a)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return m.data.order[result[i].ID] > m.data.order[result[j].ID]
	})
	return result
}

func (m *Memory) listJournal(ownerID string) []leave.LedgerEntry {
	var result []leave.LedgerEntry
	for _, e := range m.data.journal {
		if e.OwnerID == ownerID {
			result = append(result, e)
		}
	}
	return result
}

func (m *Memory) fail(op string) error {
	if m.FailOn == nil {
		return nil
	}
	return m.FailOn(op)
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

type txView struct {
	m    *Memory
	undo []func()
}

func (tv *txView) onRollback(f func()) {
	tv.undo = append(tv.undo, f)
}

func (tv *txView) rollback() {
	for i := len(tv.undo) - 1; i >= 0; i-- {
		tv.undo[i]()
	}
	tv.undo = nil
}

func (tv *txView) GetPrincipal(_ context.Context, id string) (leave.Principal, error) {
	return tv.m.getPrincipal(id)
}

func (tv *txView) ListPrincipals(_ context.Context) ([]leave.Principal, error) {
	return tv.m.listPrincipals(""), nil
}

func (tv *txView) ListTeam(_ context.Context, managerID string) ([]leave.Principal, error) {
	return tv.m.listPrincipals(managerID), nil
}

func (tv *txView) GetBalance(_ context.Context, ownerID string) (leave.Balance, error) {
	return tv.m.getBalance(ownerID)
}

func (tv *txView) GetApplication(_ context.Context, id string) (leave.Application, error) {
	return tv.m.getApplication(id)
}

func (tv *txView) ListApplicationsByOwner(_ context.Context, ownerID string, f leave.Filter) ([]leave.Application, error) {
	return tv.m.listApplications(func(a leave.Application) bool { return a.OwnerID == ownerID }, f), nil
}

func (tv *txView) ListApplicationsByManagerScope(_ context.Context, managerID string, f leave.Filter) ([]leave.Application, error) {
	return tv.m.listApplications(tv.m.inScope(managerID), f), nil
}

func (tv *txView) ListJournal(_ context.Context, ownerID string) ([]leave.LedgerEntry, error) {
	return tv.m.listJournal(ownerID), nil
}

func (tv *txView) CreatePrincipal(_ context.Context, p leave.Principal) error {
	if err := tv.m.fail("create_principal"); err != nil {
		return err
	}
	d := &tv.m.data
	if _, ok := d.principals[p.ID]; ok {
		return leave.ErrInvalidPrincipal
	}
	if _, ok := d.emails[p.Email]; ok {
		return leave.ErrInvalidPrincipal
	}
	d.principals[p.ID] = p
	d.emails[p.Email] = p.ID
	tv.onRollback(func() {
		delete(d.principals, p.ID)
		delete(d.emails, p.Email)
	})
	return nil
}

func (tv *txView) CreateBalanceIfAbsent(_ context.Context, b leave.Balance) (leave.Balance, bool, error) {
	d := &tv.m.data
	if existing, ok := d.balances[b.OwnerID]; ok {
		return existing, false, nil
	}
	if err := tv.m.fail("create_balance"); err != nil {
		return leave.Balance{}, false, err
	}
	b.Version = 1
	d.balances[b.OwnerID] = b
	tv.onRollback(func() { delete(d.balances, b.OwnerID) })
	return b, true, nil
}

func (tv *txView) SaveBalance(_ context.Context, b leave.Balance) (leave.Balance, error) {
	if err := tv.m.fail("save_balance"); err != nil {
		return leave.Balance{}, err
	}
	d := &tv.m.data
	current, ok := d.balances[b.OwnerID]
	if !ok {
		return leave.Balance{}, leave.ErrNotFound
	}
	if current.Version != b.Version {
		return leave.Balance{}, leave.ErrConcurrentModification
	}
	b.Version++
	d.balances[b.OwnerID] = b
	tv.onRollback(func() { d.balances[current.OwnerID] = current })
	return b, nil
}

func (tv *txView) CreateApplication(_ context.Context, a leave.Application) error {
	if err := tv.m.fail("create_application"); err != nil {
		return err
	}
	d := &tv.m.data
	d.seq++
	d.applications[a.ID] = a
	d.order[a.ID] = d.seq
	tv.onRollback(func() {
		delete(d.applications, a.ID)
		delete(d.order, a.ID)
		d.seq--
	})
	return nil
}

func (tv *txView) SaveApplication(_ context.Context, a leave.Application, expected leave.Status) error {
	if err := tv.m.fail("save_application"); err != nil {
		return err
	}
	d := &tv.m.data
	current, ok := d.applications[a.ID]
	if !ok {
		return leave.ErrNotFound
	}
	if current.Status != expected {
		return leave.ErrAlreadyProcessed
	}
	d.applications[a.ID] = a
	tv.onRollback(func() { d.applications[current.ID] = current })
	return nil
}

func (tv *txView) AppendJournal(_ context.Context, entries ...leave.LedgerEntry) error {
	if err := tv.m.fail("append_journal"); err != nil {
		return err
	}
	d := &tv.m.data
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.IdempotencyKey == "" {
			continue
		}
		if d.idempotency[e.IdempotencyKey] || seen[e.IdempotencyKey] {
			return leave.ErrDuplicateIdempotencyKey
		}
		seen[e.IdempotencyKey] = true
	}
	n := len(d.journal)
	for _, e := range entries {
		d.journal = append(d.journal, e)
		if e.IdempotencyKey != "" {
			d.idempotency[e.IdempotencyKey] = true
		}
	}
	tv.onRollback(func() {
		d.journal = d.journal[:n]
		for key := range seen {
			delete(d.idempotency, key)
		}
	})
	return nil
}

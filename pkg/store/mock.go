package store

import (
	"sort"
	"sync"

	gate "github.com/xmrgate/xmrgate/pkg"
)

// interface guard ensures Mock implements gate.Store
var _ gate.Store = &Mock{}

// Mock is an in-memory gate.Store. Transactions buffer their writes and
// apply them on Commit, so readers only ever see committed state.
// FailCommit makes the next Commit fail with StoreIoError, for tests.
type Mock struct {
	lock       sync.Mutex
	invoices   map[gate.SubaddressIndex]gate.Invoice
	archive    map[string]gate.Invoice
	cursor     *gate.ChainState
	maxMinor   uint32
	FailCommit bool
	Commits    int
}

// NewMock returns a gate.Store implementor that keeps invoices in memory
func NewMock() *Mock {
	return &Mock{
		invoices: make(map[gate.SubaddressIndex]gate.Invoice, 10),
		archive:  make(map[string]gate.Invoice),
	}
}

func (m *Mock) Close() {}

func (m *Mock) Begin() (gate.StoreTransaction, error) {
	return &mockTransaction{m: m}, nil
}

func (m *Mock) GetInvoice(idx gate.SubaddressIndex) (gate.Invoice, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	v, ok := m.invoices[idx]
	if !ok {
		return gate.Invoice{}, gate.NewErr(gate.NotFound, "invoice not found: %s", idx)
	}
	return v.Clone(), nil
}

func (m *Mock) GetInvoiceByID(id string) (gate.Invoice, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, inv := range m.invoices {
		if inv.ID == id {
			return inv.Clone(), nil
		}
	}
	if inv, ok := m.archive[id]; ok {
		return inv.Clone(), nil
	}
	return gate.Invoice{}, gate.NewErr(gate.NotFound, "invoice not found: %s", id)
}

// sorted returns clones of the invoices matching keep, in index order.
func (m *Mock) sorted(keep func(gate.Invoice) bool) []gate.Invoice {
	m.lock.Lock()
	defer m.lock.Unlock()
	var result []gate.Invoice
	for _, inv := range m.invoices {
		if keep(inv) {
			result = append(result, inv.Clone())
		}
	}
	sort.Slice(result, func(a, b int) bool {
		if result[a].Index.Major != result[b].Index.Major {
			return result[a].Index.Major < result[b].Index.Major
		}
		return result[a].Index.Minor < result[b].Index.Minor
	})
	return result
}

func (m *Mock) ListActiveInvoices() ([]gate.Invoice, error) {
	return m.sorted(func(inv gate.Invoice) bool { return !inv.State.IsTerminal() }), nil
}

func (m *Mock) ListSettledInvoices(sinceHeight uint64) ([]gate.Invoice, error) {
	return m.sorted(func(inv gate.Invoice) bool {
		return inv.State.IsTerminal() && inv.CurrentHeight >= sinceHeight
	}), nil
}

func (m *Mock) ListInvoices(cursor int, limit int) (items []gate.Invoice, next_cursor int, err error) {
	all := m.sorted(func(inv gate.Invoice) bool {
		return inv.Index.Major == 0 && int(inv.Index.Minor) >= cursor
	})
	if len(all) < limit {
		return all, 0, nil
	}
	items = all[:limit]
	return items, int(items[limit-1].Index.Minor) + 1, nil
}

func (m *Mock) GetScanCursor() (gate.ChainState, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.cursor == nil {
		return gate.ChainState{}, gate.NewErr(gate.NotFound, "chainstate not found")
	}
	return *m.cursor, nil
}

func (m *Mock) MaxIndex() (uint32, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.maxMinor, nil
}

func (m *Mock) FindReusableIndex(settledBefore uint64) (gate.SubaddressIndex, bool, error) {
	for _, inv := range m.sorted(func(inv gate.Invoice) bool {
		return inv.Index.Major == 0 && inv.State.IsTerminal() && inv.CurrentHeight < settledBefore
	}) {
		return inv.Index, true, nil
	}
	return gate.SubaddressIndex{}, false, nil
}

// mockTransaction records operations and replays them under the store
// lock on Commit.
type mockTransaction struct {
	m        *Mock
	ops      []func(m *Mock) error
	finality bool
}

func (t *mockTransaction) CreateInvoice(inv gate.Invoice) error {
	inv = inv.Clone()
	t.ops = append(t.ops, func(m *Mock) error {
		if have, ok := m.invoices[inv.Index]; ok && !have.State.IsTerminal() {
			return gate.NewErr(gate.AlreadyExists, "an active invoice already uses index %s", inv.Index)
		} else if ok {
			m.archive[have.ID] = have
		}
		m.invoices[inv.Index] = inv
		if inv.Index.Minor > m.maxMinor {
			m.maxMinor = inv.Index.Minor
		}
		return nil
	})
	return nil
}

func (t *mockTransaction) UpdateInvoice(inv gate.Invoice) error {
	// fail early like the SQL stores do; Commit checks again.
	t.m.lock.Lock()
	have, ok := t.m.invoices[inv.Index]
	t.m.lock.Unlock()
	if !ok || have.ID != inv.ID {
		return gate.NewErr(gate.NotFound, "invoice not found: %s (%s)", inv.Index, inv.ID)
	}
	inv = inv.Clone()
	t.ops = append(t.ops, func(m *Mock) error {
		have, ok := m.invoices[inv.Index]
		if !ok || have.ID != inv.ID {
			return gate.NewErr(gate.NotFound, "invoice not found: %s (%s)", inv.Index, inv.ID)
		}
		m.invoices[inv.Index] = inv
		return nil
	})
	return nil
}

func (t *mockTransaction) DeleteInvoice(idx gate.SubaddressIndex) error {
	t.ops = append(t.ops, func(m *Mock) error {
		if _, ok := m.invoices[idx]; !ok {
			return gate.NewErr(gate.NotFound, "invoice not found: %s", idx)
		}
		delete(m.invoices, idx)
		return nil
	})
	return nil
}

func (t *mockTransaction) SetScanCursor(state gate.ChainState) error {
	t.ops = append(t.ops, func(m *Mock) error {
		m.cursor = &state
		return nil
	})
	return nil
}

// Commit applies all operations or none.
func (t *mockTransaction) Commit() error {
	if t.finality {
		return gate.NewErr(gate.StoreIoError, "transaction already finished")
	}
	t.finality = true
	m := t.m
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.FailCommit {
		m.FailCommit = false
		return gate.NewErr(gate.StoreIoError, "mock commit failure")
	}
	// work on copies so a failing op leaves the store untouched
	saved := make(map[gate.SubaddressIndex]gate.Invoice, len(m.invoices))
	for k, v := range m.invoices {
		saved[k] = v
	}
	savedArchive := make(map[string]gate.Invoice, len(m.archive))
	for k, v := range m.archive {
		savedArchive[k] = v
	}
	savedCursor, savedMax := m.cursor, m.maxMinor
	for _, op := range t.ops {
		if err := op(m); err != nil {
			m.invoices, m.archive, m.cursor, m.maxMinor = saved, savedArchive, savedCursor, savedMax
			return err
		}
	}
	m.Commits++
	return nil
}

func (t *mockTransaction) Rollback() error {
	t.finality = true
	return nil
}

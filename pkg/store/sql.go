package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"

	gate "github.com/xmrgate/xmrgate/pkg"
)

// Schema shared by the SQLite and Postgres backends. Each invoice row
// carries the JSON record plus the columns the queries filter on.
const SETUP_SQL string = `
CREATE TABLE IF NOT EXISTS invoice (
	major BIGINT NOT NULL,
	minor BIGINT NOT NULL,
	id TEXT NOT NULL,
	state TEXT NOT NULL,
	current_height BIGINT NOT NULL,
	record TEXT NOT NULL,
	PRIMARY KEY (major, minor)
);
CREATE INDEX IF NOT EXISTS invoice_state_i ON invoice (state, current_height);
CREATE INDEX IF NOT EXISTS invoice_id_i ON invoice (id);

CREATE TABLE IF NOT EXISTS invoice_archive (
	id TEXT NOT NULL PRIMARY KEY,
	major BIGINT NOT NULL,
	minor BIGINT NOT NULL,
	record TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS chainstate (
	best_height BIGINT NOT NULL,
	best_hash TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS allocator (
	max_minor BIGINT NOT NULL
);
`

const settledStates = "('confirmed', 'expired')"

// dialect is what differs between the SQL backends.
type dialect struct {
	name      string
	isolation sql.IsolationLevel
	rebind    func(query string) string
	mapErr    func(err error, where string) error
}

// sqlStore implements gate.Store over database/sql.
type sqlStore struct {
	db *sql.DB
	d  dialect
}

func (s sqlStore) q(query string) string {
	if s.d.rebind == nil {
		return query
	}
	return s.d.rebind(query)
}

// Defer this until shutdown
func (s sqlStore) Close() {
	s.db.Close()
}

func (s sqlStore) Begin() (gate.StoreTransaction, error) {
	tx, err := s.db.BeginTx(context.Background(), &sql.TxOptions{Isolation: s.d.isolation})
	if err != nil {
		return nil, s.d.mapErr(err, "Begin")
	}
	return &sqlStoreTransaction{tx: tx, s: s}, nil
}

func (s sqlStore) GetInvoice(idx gate.SubaddressIndex) (gate.Invoice, error) {
	return getInvoice(s.db, s, idx)
}

// GetInvoiceByID also finds settled invoices whose index was reused.
func (s sqlStore) GetInvoiceByID(id string) (gate.Invoice, error) {
	row := s.db.QueryRow(s.q(
		"SELECT record FROM invoice WHERE id = ? UNION ALL SELECT record FROM invoice_archive WHERE id = ?"), id, id)
	var record string
	err := row.Scan(&record)
	if err == sql.ErrNoRows {
		return gate.Invoice{}, gate.NewErr(gate.NotFound, "invoice not found: %s", id)
	}
	if err != nil {
		return gate.Invoice{}, s.d.mapErr(err, "GetInvoiceByID: row.Scan")
	}
	return decodeInvoice([]byte(record))
}

func (s sqlStore) ListActiveInvoices() ([]gate.Invoice, error) {
	return s.queryInvoices("ListActiveInvoices",
		"SELECT record FROM invoice WHERE state NOT IN "+settledStates+" ORDER BY major, minor")
}

func (s sqlStore) ListSettledInvoices(sinceHeight uint64) ([]gate.Invoice, error) {
	return s.queryInvoices("ListSettledInvoices",
		"SELECT record FROM invoice WHERE state IN "+settledStates+" AND current_height >= ? ORDER BY major, minor", sinceHeight)
}

func (s sqlStore) ListInvoices(cursor int, limit int) (items []gate.Invoice, next_cursor int, err error) {
	// MUST order by minor to support the cursor API: the next call resumes
	// from whatever next_cursor we return.
	items, err = s.queryInvoices("ListInvoices",
		"SELECT record FROM invoice WHERE major = 0 AND minor >= ? ORDER BY minor LIMIT ?", cursor, limit)
	if err != nil {
		return nil, 0, err
	}
	if len(items) < limit {
		// no more rows to follow.
		return items, 0, nil
	}
	return items, int(items[len(items)-1].Index.Minor) + 1, nil
}

func (s sqlStore) queryInvoices(where string, query string, args ...any) ([]gate.Invoice, error) {
	rows, err := s.db.Query(s.q(query), args...)
	if err != nil {
		return nil, s.d.mapErr(err, where+": querying invoices")
	}
	defer rows.Close()
	var result []gate.Invoice
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, s.d.mapErr(err, where+": scanning invoice row")
		}
		inv, err := decodeInvoice([]byte(record))
		if err != nil {
			return nil, err
		}
		result = append(result, inv)
	}
	if err = rows.Err(); err != nil { // docs say this check is required!
		return nil, s.d.mapErr(err, where+": querying invoices")
	}
	return result, nil
}

func (s sqlStore) GetScanCursor() (gate.ChainState, error) {
	row := s.db.QueryRow("SELECT best_height, best_hash FROM chainstate")
	var state gate.ChainState
	err := row.Scan(&state.Height, &state.Hash)
	if err == sql.ErrNoRows {
		// MUST detect this error to fulfil the API contract.
		return gate.ChainState{}, gate.NewErr(gate.NotFound, "chainstate not found")
	}
	if err != nil {
		return gate.ChainState{}, s.d.mapErr(err, "GetScanCursor: row.Scan")
	}
	return state, nil
}

func (s sqlStore) MaxIndex() (uint32, error) {
	row := s.db.QueryRow("SELECT max_minor FROM allocator")
	var top uint32
	err := row.Scan(&top)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, s.d.mapErr(err, "MaxIndex: row.Scan")
	}
	return top, nil
}

func (s sqlStore) FindReusableIndex(settledBefore uint64) (gate.SubaddressIndex, bool, error) {
	row := s.db.QueryRow(s.q("SELECT major, minor FROM invoice WHERE state IN "+settledStates+" AND current_height < ? AND major = 0 ORDER BY minor LIMIT 1"), settledBefore)
	var idx gate.SubaddressIndex
	err := row.Scan(&idx.Major, &idx.Minor)
	if err == sql.ErrNoRows {
		return gate.SubaddressIndex{}, false, nil
	}
	if err != nil {
		return gate.SubaddressIndex{}, false, s.d.mapErr(err, "FindReusableIndex: row.Scan")
	}
	return idx, true, nil
}

// queryRower is satisfied by *sql.DB and *sql.Tx.
type queryRower interface {
	QueryRow(query string, args ...any) *sql.Row
}

func getInvoice(db queryRower, s sqlStore, idx gate.SubaddressIndex) (gate.Invoice, error) {
	row := db.QueryRow(s.q("SELECT record FROM invoice WHERE major = ? AND minor = ?"), idx.Major, idx.Minor)
	var record string
	err := row.Scan(&record)
	if err == sql.ErrNoRows {
		return gate.Invoice{}, gate.NewErr(gate.NotFound, "invoice not found: %s", idx)
	}
	if err != nil {
		return gate.Invoice{}, s.d.mapErr(err, "GetInvoice: row.Scan")
	}
	return decodeInvoice([]byte(record))
}

/****** sqlStoreTransaction implements gate.StoreTransaction ******/
var _ gate.StoreTransaction = &sqlStoreTransaction{}

type sqlStoreTransaction struct {
	tx       *sql.Tx
	s        sqlStore
	finality bool
}

func (t *sqlStoreTransaction) Commit() error {
	err := t.tx.Commit()
	if err != nil {
		return t.s.d.mapErr(err, "Commit")
	}
	t.finality = true
	return nil
}

func (t *sqlStoreTransaction) Rollback() error {
	if !t.finality {
		t.finality = true
		return t.tx.Rollback()
	}
	return nil
}

func (t *sqlStoreTransaction) exec(where string, query string, args ...any) (int64, error) {
	res, err := t.tx.Exec(t.s.q(query), args...)
	if err != nil {
		return 0, t.s.d.mapErr(err, where)
	}
	num_rows, err := res.RowsAffected()
	if err != nil {
		return 0, t.s.d.mapErr(err, where+": res.RowsAffected")
	}
	return num_rows, nil
}

func (t *sqlStoreTransaction) CreateInvoice(inv gate.Invoice) error {
	record, err := encodeInvoice(inv)
	if err != nil {
		return err
	}
	existing, err := getInvoice(t.tx, t.s, inv.Index)
	switch {
	case err == nil:
		if !existing.State.IsTerminal() {
			// MUST detect 'AlreadyExists' to fulfil the API contract!
			return gate.NewErr(gate.AlreadyExists, "an active invoice already uses index %s", inv.Index)
		}
		old, err := encodeInvoice(existing)
		if err != nil {
			return err
		}
		_, err = t.exec("CreateInvoice: archiving settled invoice",
			"INSERT INTO invoice_archive (id, major, minor, record) VALUES (?, ?, ?, ?)",
			existing.ID, existing.Index.Major, existing.Index.Minor, old)
		if err != nil {
			return err
		}
		_, err = t.exec("CreateInvoice: replacing settled invoice",
			"UPDATE invoice SET id = ?, state = ?, current_height = ?, record = ? WHERE major = ? AND minor = ?",
			inv.ID, string(inv.State), inv.CurrentHeight, record, inv.Index.Major, inv.Index.Minor)
		if err != nil {
			return err
		}
	case gate.IsNotFoundError(err):
		_, err = t.exec("CreateInvoice: insert",
			"INSERT INTO invoice (major, minor, id, state, current_height, record) VALUES (?, ?, ?, ?, ?, ?)",
			inv.Index.Major, inv.Index.Minor, inv.ID, string(inv.State), inv.CurrentHeight, record)
		if err != nil {
			return err
		}
	default:
		return err
	}
	return t.raiseMaxIndex(inv.Index.Minor)
}

// raiseMaxIndex keeps the allocator's high-water mark, which survives
// invoice deletion.
func (t *sqlStoreTransaction) raiseMaxIndex(minor uint32) error {
	num_rows, err := t.exec("raiseMaxIndex: update",
		"UPDATE allocator SET max_minor = ? WHERE max_minor < ?", minor, minor)
	if err != nil || num_rows > 0 {
		return err
	}
	var count int
	if err := t.tx.QueryRow("SELECT COUNT(*) FROM allocator").Scan(&count); err != nil {
		return t.s.d.mapErr(err, "raiseMaxIndex: count")
	}
	if count == 0 {
		_, err = t.exec("raiseMaxIndex: insert", "INSERT INTO allocator (max_minor) VALUES (?)", minor)
	}
	return err
}

func (t *sqlStoreTransaction) UpdateInvoice(inv gate.Invoice) error {
	record, err := encodeInvoice(inv)
	if err != nil {
		return err
	}
	num_rows, err := t.exec("UpdateInvoice",
		"UPDATE invoice SET state = ?, current_height = ?, record = ? WHERE major = ? AND minor = ? AND id = ?",
		string(inv.State), inv.CurrentHeight, record, inv.Index.Major, inv.Index.Minor, inv.ID)
	if err != nil {
		return err
	}
	if num_rows < 1 {
		// MUST detect this error to fulfil the API contract.
		return gate.NewErr(gate.NotFound, "invoice not found: %s (%s)", inv.Index, inv.ID)
	}
	return nil
}

func (t *sqlStoreTransaction) DeleteInvoice(idx gate.SubaddressIndex) error {
	num_rows, err := t.exec("DeleteInvoice",
		"DELETE FROM invoice WHERE major = ? AND minor = ?", idx.Major, idx.Minor)
	if err != nil {
		return err
	}
	if num_rows < 1 {
		return gate.NewErr(gate.NotFound, "invoice not found: %s", idx)
	}
	return nil
}

func (t *sqlStoreTransaction) SetScanCursor(state gate.ChainState) error {
	num_rows, err := t.exec("SetScanCursor: update",
		"UPDATE chainstate SET best_height = ?, best_hash = ?", state.Height, state.Hash)
	if err != nil {
		return err
	}
	if num_rows < 1 {
		// this is the first call to SetScanCursor: insert the row.
		_, err = t.exec("SetScanCursor: insert",
			"INSERT INTO chainstate (best_height, best_hash) VALUES (?, ?)", state.Height, state.Hash)
	}
	return err
}

func encodeInvoice(inv gate.Invoice) (string, error) {
	b, err := json.Marshal(inv)
	if err != nil {
		return "", gate.NewErr(gate.StoreIoError, "encoding invoice %s: %v", inv.Index, err)
	}
	return string(b), nil
}

// decodeInvoice ignores unknown fields, so records written by a newer
// version still load.
func decodeInvoice(record []byte) (gate.Invoice, error) {
	var inv gate.Invoice
	if err := json.Unmarshal(record, &inv); err != nil {
		return gate.Invoice{}, gate.NewErr(gate.StoreIoError, "decoding invoice record: %v", err)
	}
	if inv.Transfers == nil {
		inv.Transfers = []gate.Transfer{}
	}
	return inv, nil
}

// rebindDollar turns '?' placeholders into Postgres' $1, $2...
func rebindDollar(query string) string {
	var sb strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(c)
	}
	return sb.String()
}

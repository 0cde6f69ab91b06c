package store

import (
	"encoding/binary"
	"encoding/json"
	"time"

	gate "github.com/xmrgate/xmrgate/pkg"
	bolt "go.etcd.io/bbolt"
)

var (
	invoiceBucket = []byte("invoices")
	metaBucket    = []byte("meta")
	archiveBucket = []byte("archive")
	chainStateKey = []byte("chainstate")
	maxIndexKey   = []byte("max_minor")
)

// interface guard ensures BoltStore implements gate.Store
var _ gate.Store = BoltStore{}

// BoltStore keeps invoices in a single bbolt file, keyed by the 8-byte
// big-endian (major, minor) so iteration follows index order.
type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(path string) (BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return BoltStore{}, boltErr(err, "opening database")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(invoiceBucket); err != nil {
			return err
		}
		// settled invoices displaced by index reuse, keyed by invoice ID
		if _, err := tx.CreateBucketIfNotExists(archiveBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return BoltStore{}, boltErr(err, "creating buckets")
	}
	return BoltStore{db}, nil
}

func (s BoltStore) Close() {
	s.db.Close()
}

func indexKey(idx gate.SubaddressIndex) []byte {
	var k [8]byte
	binary.BigEndian.PutUint32(k[:4], idx.Major)
	binary.BigEndian.PutUint32(k[4:], idx.Minor)
	return k[:]
}

func (s BoltStore) Begin() (gate.StoreTransaction, error) {
	// one write transaction at a time; Begin blocks until the last one ends.
	tx, err := s.db.Begin(true)
	if err != nil {
		return nil, boltErr(err, "Begin")
	}
	return &boltStoreTransaction{tx: tx}, nil
}

func (s BoltStore) GetInvoice(idx gate.SubaddressIndex) (inv gate.Invoice, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		inv, err = boltGetInvoice(tx, idx)
		return err
	})
	return
}

func boltGetInvoice(tx *bolt.Tx, idx gate.SubaddressIndex) (gate.Invoice, error) {
	v := tx.Bucket(invoiceBucket).Get(indexKey(idx))
	if v == nil {
		return gate.Invoice{}, gate.NewErr(gate.NotFound, "invoice not found: %s", idx)
	}
	return decodeInvoice(v)
}

func (s BoltStore) GetInvoiceByID(id string) (inv gate.Invoice, err error) {
	found := false
	err = s.scan(nil, func(have gate.Invoice) bool {
		if have.ID == id {
			inv, found = have, true
		}
		return !found
	})
	if err != nil || found {
		return
	}
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(archiveBucket).Get([]byte(id))
		if v == nil {
			return gate.NewErr(gate.NotFound, "invoice not found: %s", id)
		}
		inv, err = decodeInvoice(v)
		return err
	})
	return
}

// scan decodes every invoice from start, until fn returns false.
func (s BoltStore) scan(start []byte, fn func(inv gate.Invoice) bool) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(invoiceBucket).Cursor()
		var k, v []byte
		if start == nil {
			k, v = c.First()
		} else {
			k, v = c.Seek(start)
		}
		for ; k != nil; k, v = c.Next() {
			inv, err := decodeInvoice(v)
			if err != nil {
				return err
			}
			if !fn(inv) {
				break
			}
		}
		return nil
	})
}

func (s BoltStore) ListActiveInvoices() (result []gate.Invoice, err error) {
	err = s.scan(nil, func(inv gate.Invoice) bool {
		if !inv.State.IsTerminal() {
			result = append(result, inv)
		}
		return true
	})
	return
}

func (s BoltStore) ListSettledInvoices(sinceHeight uint64) (result []gate.Invoice, err error) {
	err = s.scan(nil, func(inv gate.Invoice) bool {
		if inv.State.IsTerminal() && inv.CurrentHeight >= sinceHeight {
			result = append(result, inv)
		}
		return true
	})
	return
}

func (s BoltStore) ListInvoices(cursor int, limit int) (items []gate.Invoice, next_cursor int, err error) {
	if limit <= 0 {
		return nil, 0, nil
	}
	start := indexKey(gate.SubaddressIndex{Minor: uint32(cursor)})
	err = s.scan(start, func(inv gate.Invoice) bool {
		if inv.Index.Major != 0 {
			return false
		}
		items = append(items, inv)
		return len(items) < limit
	})
	if err != nil || len(items) < limit {
		return items, 0, err
	}
	return items, int(items[len(items)-1].Index.Minor) + 1, nil
}

func (s BoltStore) GetScanCursor() (state gate.ChainState, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(metaBucket).Get(chainStateKey)
		if v == nil {
			return gate.NewErr(gate.NotFound, "chainstate not found")
		}
		if err := json.Unmarshal(v, &state); err != nil {
			return gate.NewErr(gate.StoreIoError, "decoding chainstate: %v", err)
		}
		return nil
	})
	return
}

func (s BoltStore) MaxIndex() (top uint32, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(metaBucket).Get(maxIndexKey); len(v) == 4 {
			top = binary.BigEndian.Uint32(v)
		}
		return nil
	})
	return
}

func (s BoltStore) FindReusableIndex(settledBefore uint64) (idx gate.SubaddressIndex, found bool, err error) {
	err = s.scan(nil, func(inv gate.Invoice) bool {
		if inv.Index.Major == 0 && inv.State.IsTerminal() && inv.CurrentHeight < settledBefore {
			idx, found = inv.Index, true
			return false
		}
		return true
	})
	return
}

/****** boltStoreTransaction implements gate.StoreTransaction ******/
var _ gate.StoreTransaction = &boltStoreTransaction{}

type boltStoreTransaction struct {
	tx       *bolt.Tx
	finality bool
}

func (t *boltStoreTransaction) Commit() error {
	// bbolt fsyncs the file before Commit returns.
	if err := t.tx.Commit(); err != nil {
		return boltErr(err, "Commit")
	}
	t.finality = true
	return nil
}

func (t *boltStoreTransaction) Rollback() error {
	if !t.finality {
		t.finality = true
		return t.tx.Rollback()
	}
	return nil
}

func (t *boltStoreTransaction) put(inv gate.Invoice) error {
	record, err := json.Marshal(inv)
	if err != nil {
		return gate.NewErr(gate.StoreIoError, "encoding invoice %s: %v", inv.Index, err)
	}
	if err := t.tx.Bucket(invoiceBucket).Put(indexKey(inv.Index), record); err != nil {
		return boltErr(err, "storing invoice")
	}
	return nil
}

func (t *boltStoreTransaction) CreateInvoice(inv gate.Invoice) error {
	existing, err := boltGetInvoice(t.tx, inv.Index)
	if err == nil && !existing.State.IsTerminal() {
		return gate.NewErr(gate.AlreadyExists, "an active invoice already uses index %s", inv.Index)
	}
	if err != nil && !gate.IsNotFoundError(err) {
		return err
	}
	if err == nil {
		old, err := json.Marshal(existing)
		if err != nil {
			return gate.NewErr(gate.StoreIoError, "encoding invoice %s: %v", existing.Index, err)
		}
		if err := t.tx.Bucket(archiveBucket).Put([]byte(existing.ID), old); err != nil {
			return boltErr(err, "archiving invoice")
		}
	}
	if err := t.put(inv); err != nil {
		return err
	}
	meta := t.tx.Bucket(metaBucket)
	if v := meta.Get(maxIndexKey); len(v) == 4 && binary.BigEndian.Uint32(v) >= inv.Index.Minor {
		return nil
	}
	var top [4]byte
	binary.BigEndian.PutUint32(top[:], inv.Index.Minor)
	if err := meta.Put(maxIndexKey, top[:]); err != nil {
		return boltErr(err, "storing max index")
	}
	return nil
}

func (t *boltStoreTransaction) UpdateInvoice(inv gate.Invoice) error {
	existing, err := boltGetInvoice(t.tx, inv.Index)
	if err != nil {
		return err
	}
	if existing.ID != inv.ID {
		return gate.NewErr(gate.NotFound, "invoice not found: %s (%s)", inv.Index, inv.ID)
	}
	return t.put(inv)
}

func (t *boltStoreTransaction) DeleteInvoice(idx gate.SubaddressIndex) error {
	b := t.tx.Bucket(invoiceBucket)
	if b.Get(indexKey(idx)) == nil {
		return gate.NewErr(gate.NotFound, "invoice not found: %s", idx)
	}
	if err := b.Delete(indexKey(idx)); err != nil {
		return boltErr(err, "deleting invoice")
	}
	return nil
}

func (t *boltStoreTransaction) SetScanCursor(state gate.ChainState) error {
	v, err := json.Marshal(state)
	if err != nil {
		return gate.NewErr(gate.StoreIoError, "encoding chainstate: %v", err)
	}
	if err := t.tx.Bucket(metaBucket).Put(chainStateKey, v); err != nil {
		return boltErr(err, "storing chainstate")
	}
	return nil
}

func boltErr(err error, where string) error {
	if gate.ErrorCodeOf(err) != gate.UnknownError {
		return err
	}
	return gate.NewErr(gate.StoreIoError, "BoltStore error: %s: %v", where, err)
}

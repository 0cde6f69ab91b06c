package gate

// A store for invoices and the scanner's progress.
// Reads on Store only ever see committed state.
type Store interface {
	// Begin a transaction; all writes go through a StoreTransaction.
	Begin() (StoreTransaction, error)

	// GetInvoice returns the invoice at a subaddress index (NotFound if none).
	GetInvoice(idx SubaddressIndex) (Invoice, error)
	// GetInvoiceByID finds an invoice by ID, including settled invoices
	// whose index has since been reused (NotFound if none).
	GetInvoiceByID(id string) (Invoice, error)
	// ListActiveInvoices returns every invoice that is not Confirmed or Expired.
	ListActiveInvoices() ([]Invoice, error)
	// ListSettledInvoices returns Confirmed and Expired invoices whose
	// CurrentHeight (the height they settled at) is >= sinceHeight.
	ListSettledInvoices(sinceHeight uint64) ([]Invoice, error)
	// ListInvoices returns invoices ordered by minor index.
	// pagination: next_cursor should be passed as 'cursor' on the next call (initial cursor = 0)
	// pagination: when next_cursor == 0, that is the final page of results.
	ListInvoices(cursor int, limit int) (items []Invoice, next_cursor int, err error)

	// GetScanCursor returns the last scanned block (NotFound before the first scan).
	GetScanCursor() (ChainState, error)
	// MaxIndex returns the highest minor index ever stored (0 if none).
	MaxIndex() (uint32, error)
	// FindReusableIndex returns the lowest index whose invoice settled
	// below settledBefore, if any.
	FindReusableIndex(settledBefore uint64) (SubaddressIndex, bool, error)

	Close()
}

type StoreTransaction interface {
	// CreateInvoice stores a new invoice. It may replace a settled invoice
	// at the same index, which is archived under its ID; an active one
	// fails with AlreadyExists.
	CreateInvoice(inv Invoice) error
	// UpdateInvoice overwrites the invoice with the same index and ID;
	// NotFound if it was removed or replaced meanwhile.
	UpdateInvoice(inv Invoice) error
	// DeleteInvoice removes the invoice at idx (NotFound if none).
	DeleteInvoice(idx SubaddressIndex) error
	// SetScanCursor records the last scanned block.
	SetScanCursor(state ChainState) error

	// Commit durably applies the transaction (the flush).
	Commit() error
	// Rollback discards the transaction; safe to call after Commit.
	Rollback() error
}

// ChainState is the scan cursor: the last scanned block.
type ChainState struct {
	Height uint64 `json:"height"`
	Hash   string `json:"hash"`
}

// NextHeight is the first block not yet scanned, which is also the
// daemon height the invoices were last evaluated at.
func (c ChainState) NextHeight() uint64 {
	return c.Height + 1
}

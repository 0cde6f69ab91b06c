package gate

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AddressDeriver turns a subaddress index into its address string.
// Implemented by xmr.ViewPair.
type AddressDeriver interface {
	Address(idx SubaddressIndex) (string, error)
}

// API is the invoice-facing surface shared by the web API and the CLI.
// It only ever creates and removes invoices; all payment progress is
// written by the scanner.
type API struct {
	Store   Store
	Deriver AddressDeriver
	Daemon  DaemonClient
	Bus     *MessageBus
	Scanner Scanner
	Watcher *InvoiceWatcher
	config  Config
	alloc   *allocator
}

func NewAPI(store Store, deriver AddressDeriver, daemon DaemonClient, bus *MessageBus, scanner Scanner, watcher *InvoiceWatcher, config Config) API {
	return API{
		Store:   store,
		Deriver: deriver,
		Daemon:  daemon,
		Bus:     bus,
		Scanner: scanner,
		Watcher: watcher,
		config:  config,
		alloc:   &allocator{reserved: make(map[SubaddressIndex]bool)},
	}
}

// allocator hands out minor indices. An index stays reserved from
// allocation until its invoice is stored, so concurrent creates never
// collide.
type allocator struct {
	lock      sync.Mutex
	highWater uint32
	reserved  map[SubaddressIndex]bool
}

// AllocateIndex reserves a subaddress index for a new invoice: either a
// settled index whose late-watch window has passed (when reuse_indices is
// on) or the next index above everything ever stored.
func (a API) AllocateIndex() (SubaddressIndex, error) {
	a.alloc.lock.Lock()
	defer a.alloc.lock.Unlock()

	if a.config.Invoices.ReuseIndices {
		cursor, err := a.Store.GetScanCursor()
		if err == nil {
			height := cursor.NextHeight()
			if height > a.config.Invoices.LateWatchBlocks {
				idx, found, err := a.Store.FindReusableIndex(height - a.config.Invoices.LateWatchBlocks)
				if err != nil {
					return SubaddressIndex{}, err
				}
				if found && !a.alloc.reserved[idx] {
					a.alloc.reserved[idx] = true
					return idx, nil
				}
			}
		} else if !IsNotFoundError(err) {
			return SubaddressIndex{}, err
		}
	}

	top, err := a.Store.MaxIndex()
	if err != nil {
		return SubaddressIndex{}, err
	}
	if top > a.alloc.highWater {
		a.alloc.highWater = top
	}
	if a.alloc.highWater == ^uint32(0) {
		return SubaddressIndex{}, NewErr(NotAvailable, "subaddress indices exhausted")
	}
	a.alloc.highWater++
	idx := SubaddressIndex{Major: 0, Minor: a.alloc.highWater}
	a.alloc.reserved[idx] = true
	return idx, nil
}

func (a API) release(idx SubaddressIndex) {
	a.alloc.lock.Lock()
	delete(a.alloc.reserved, idx)
	a.alloc.lock.Unlock()
}

// MaxExpirationBlocks is about a year of two-minute blocks.
const MaxExpirationBlocks = 262800

type InvoiceCreateRequest struct {
	// Amount in XMR ("1.5"), or AmountAtomic in piconero; exactly one.
	Amount       decimal.Decimal `json:"amount"`
	AmountAtomic uint64          `json:"amount_atomic"`
	// Optional overrides of the configured defaults.
	Confirmations    *uint64 `json:"confirmations"`
	ExpirationBlocks *uint64 `json:"expiration_blocks"`
	Description      string  `json:"description"`
}

func (r InvoiceCreateRequest) atomicAmount() (uint64, error) {
	if !r.Amount.IsZero() {
		if r.AmountAtomic != 0 {
			return 0, NewErr(BadRequest, "give either amount or amount_atomic, not both")
		}
		return XMRToAtomic(r.Amount)
	}
	return r.AmountAtomic, nil
}

func (a API) CreateInvoice(request InvoiceCreateRequest) (Invoice, error) {
	amount, err := request.atomicAmount()
	if err != nil {
		return Invoice{}, err
	}
	if amount == 0 {
		return Invoice{}, NewErr(BadRequest, "amount must be greater than zero")
	}
	confirmations := a.config.Invoices.Confirmations
	if request.Confirmations != nil {
		confirmations = *request.Confirmations
	}
	expiration := a.config.Invoices.ExpirationBlocks
	if request.ExpirationBlocks != nil {
		expiration = *request.ExpirationBlocks
	}
	if expiration > MaxExpirationBlocks {
		return Invoice{}, NewErr(BadRequest, "expiration_blocks must be at most %d", MaxExpirationBlocks)
	}
	height, err := a.creationHeight()
	if err != nil {
		return Invoice{}, err
	}

	idx, err := a.AllocateIndex()
	if err != nil {
		return Invoice{}, err
	}
	defer a.release(idx)
	address, err := a.Deriver.Address(idx)
	if err != nil {
		return Invoice{}, err
	}

	inv := Invoice{
		ID:                    uuid.NewString(),
		Index:                 idx,
		Address:               address,
		AmountRequested:       amount,
		ConfirmationsRequired: confirmations,
		CreationHeight:        height,
		ExpirationHeight:      height + expiration,
		State:                 Pending,
		Description:           request.Description,
		Created:               time.Now().UTC(),
		Transfers:             []Transfer{},
	}
	tx, err := a.Store.Begin()
	if err != nil {
		return Invoice{}, err
	}
	defer tx.Rollback()
	if err = tx.CreateInvoice(inv); err != nil {
		return Invoice{}, err
	}
	if err = tx.Commit(); err != nil {
		return Invoice{}, err
	}
	a.publish(INV_CREATED, inv, inv.ID)
	if a.Scanner != nil {
		a.Scanner.SendCommand(ScanNowCmd{})
	}
	return inv, nil
}

// creationHeight is the daemon's current height, falling back to the
// scanner's position when the daemon is unreachable.
func (a API) creationHeight() (uint64, error) {
	if a.Daemon != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		height, err := a.Daemon.GetHeight(ctx)
		if err == nil {
			return height, nil
		}
		log.Printf("API: daemon height unavailable, using scan cursor: %v\n", err)
	}
	cursor, err := a.Store.GetScanCursor()
	if err != nil {
		if IsNotFoundError(err) {
			return 0, NewErr(NotAvailable, "chain height unknown: daemon unreachable and nothing scanned yet")
		}
		return 0, err
	}
	return cursor.NextHeight(), nil
}

// GetInvoice returns the last committed snapshot of an invoice.
func (a API) GetInvoice(idx SubaddressIndex) (Invoice, error) {
	return a.Store.GetInvoice(idx)
}

// GetInvoiceByID also returns settled invoices whose index was reused.
func (a API) GetInvoiceByID(id string) (Invoice, error) {
	return a.Store.GetInvoiceByID(id)
}

type ListInvoicesResponse struct {
	Items  []Invoice `json:"items"`
	Cursor int       `json:"cursor"`
}

func (a API) ListInvoices(cursor int, limit int) (ListInvoicesResponse, error) {
	items, next_cursor, err := a.Store.ListInvoices(cursor, limit)
	if err != nil {
		return ListInvoicesResponse{}, err
	}
	if items == nil {
		items = []Invoice{} // encoded as '[]' in JSON
	}
	return ListInvoicesResponse{Items: items, Cursor: next_cursor}, nil
}

// RemoveInvoice deletes an invoice. Its subscriptions are closed when the
// watcher sees INV_REMOVED.
func (a API) RemoveInvoice(idx SubaddressIndex) error {
	inv, err := a.Store.GetInvoice(idx)
	if err != nil {
		return err
	}
	tx, err := a.Store.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err = tx.DeleteInvoice(idx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	a.publish(INV_REMOVED, inv, inv.ID)
	return nil
}

// Subscribe follows one invoice, starting from its current snapshot.
func (a API) Subscribe(idx SubaddressIndex) (*InvoiceSubscription, error) {
	if a.Watcher == nil {
		return nil, NewErr(NotAvailable, "subscriptions are not enabled")
	}
	inv, err := a.Store.GetInvoice(idx)
	if err != nil {
		return nil, err
	}
	return a.Watcher.Subscribe(inv), nil
}

// SubscribeAll follows every invoice update.
func (a API) SubscribeAll() (*InvoiceSubscription, error) {
	if a.Watcher == nil {
		return nil, NewErr(NotAvailable, "subscriptions are not enabled")
	}
	return a.Watcher.SubscribeAll(), nil
}

// SetSyncHeight asks the scanner to rescan from height; this is also how
// a scanner halted by a chain discontinuity is resumed.
func (a API) SetSyncHeight(height uint64) error {
	if a.Scanner == nil {
		return NewErr(NotAvailable, "scanner is not running")
	}
	if a.Daemon != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		tip, err := a.Daemon.GetHeight(ctx)
		if err != nil {
			return err
		}
		if height >= tip {
			return NewErr(BadRequest, "height %d is above the chain tip %d", height, tip-1)
		}
	}
	a.Scanner.SendCommand(ReSyncCmd{Height: height})
	return nil
}

type StatusResponse struct {
	Network string     `json:"network"`
	Scanner ScanStatus `json:"scanner"`
}

func (a API) Status() StatusResponse {
	r := StatusResponse{Network: a.config.Gateway.Network}
	if a.Scanner != nil {
		r.Scanner = a.Scanner.Status()
	}
	return r
}

func (a API) publish(t EventType, msg any, id string) {
	if a.Bus == nil {
		return
	}
	if err := a.Bus.Send(t, msg, id); err != nil {
		log.Printf("API: failed to publish %s: %v\n", t, err)
	}
}

package gate

import (
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Piconero per XMR.
const AtomicUnitsExp = 12

// SubaddressIndex identifies one derived subaddress. Major is always 0
// (single account); minor is allocated per invoice.
type SubaddressIndex struct {
	Major uint32 `json:"major"`
	Minor uint32 `json:"minor"`
}

func (i SubaddressIndex) String() string {
	return fmt.Sprintf("%d-%d", i.Major, i.Minor)
}

func (i SubaddressIndex) IsPrimary() bool {
	return i.Major == 0 && i.Minor == 0
}

// ParseSubaddressIndex accepts "major-minor" or a bare minor index.
func ParseSubaddressIndex(s string) (SubaddressIndex, error) {
	major, minor := "0", s
	if a, b, found := strings.Cut(s, "-"); found {
		major, minor = a, b
	}
	ma, err := strconv.ParseUint(major, 10, 32)
	if err != nil {
		return SubaddressIndex{}, NewErr(BadRequest, "invalid subaddress index: %q", s)
	}
	mi, err := strconv.ParseUint(minor, 10, 32)
	if err != nil {
		return SubaddressIndex{}, NewErr(BadRequest, "invalid subaddress index: %q", s)
	}
	return SubaddressIndex{Major: uint32(ma), Minor: uint32(mi)}, nil
}

type InvoiceState string

const (
	Pending       InvoiceState = "pending"
	PartiallyPaid InvoiceState = "partially_paid"
	Paid          InvoiceState = "paid"
	Confirmed     InvoiceState = "confirmed"
	Expired       InvoiceState = "expired"
)

// IsTerminal reports whether the invoice is no longer tracked.
func (s InvoiceState) IsTerminal() bool {
	return s == Confirmed || s == Expired
}

// Invoice is a request for payment to one subaddress.
type Invoice struct {
	// ID distinguishes successive invoices on a reused index.
	ID      string          `json:"id"`
	Index   SubaddressIndex `json:"index"`
	Address string          `json:"address"`

	AmountRequested       uint64 `json:"amount_requested"`
	ConfirmationsRequired uint64 `json:"confirmations_required"`
	AmountPaidPending     uint64 `json:"amount_paid_pending"`
	AmountPaidConfirmed   uint64 `json:"amount_paid_confirmed"`

	// CurrentHeight is the daemon height (last scanned block + 1) at the
	// last evaluation; 0 until the scanner has seen the invoice.
	CurrentHeight    uint64       `json:"current_height"`
	CreationHeight   uint64       `json:"creation_height"`
	ExpirationHeight uint64       `json:"expiration_height"`
	State            InvoiceState `json:"state"`

	Description string     `json:"description,omitempty"`
	Created     time.Time  `json:"created"`
	Transfers   []Transfer `json:"transfers"`
}

// Transfer is a matched output credited to an invoice.
type Transfer struct {
	TxID        string `json:"txid"`
	OutputIndex int    `json:"output_index"`
	Amount      uint64 `json:"amount"`
	Height      uint64 `json:"height"` // 0 while in the txpool
}

func (t Transfer) InPool() bool {
	return t.Height == 0
}

// Confirmations relative to the daemon height.
func (t Transfer) Confirmations(currentHeight uint64) uint64 {
	if t.Height == 0 || currentHeight <= t.Height {
		return 0
	}
	return currentHeight - t.Height
}

// MatchedOutput is an output found by the matcher; it is turned into a
// Transfer by the scanner and then discarded.
type MatchedOutput struct {
	Index       SubaddressIndex
	Amount      uint64
	TxID        string
	OutputIndex int
	Height      uint64 // 0 for txpool
	UnlockTime  uint64
}

func (m MatchedOutput) Transfer() Transfer {
	return Transfer{TxID: m.TxID, OutputIndex: m.OutputIndex, Amount: m.Amount, Height: m.Height}
}

func (i Invoice) TotalPaid() uint64 {
	return i.AmountPaidPending + i.AmountPaidConfirmed
}

func (i Invoice) HasTransfer(txid string, outputIndex int) bool {
	for _, t := range i.Transfers {
		if t.TxID == txid && t.OutputIndex == outputIndex {
			return true
		}
	}
	return false
}

// Clone copies the invoice including its transfer slice.
func (i Invoice) Clone() Invoice {
	c := i
	c.Transfers = append([]Transfer(nil), i.Transfers...)
	return c
}

// PaidConfirmations is the confirmation count of the transfer that
// completed payment (transfers taken in chain order), or nil while the
// invoice is not fully paid.
func (i Invoice) PaidConfirmations() *uint64 {
	ordered := append([]Transfer(nil), i.Transfers...)
	sort.SliceStable(ordered, func(a, b int) bool {
		return chainOrder(ordered[a]) < chainOrder(ordered[b])
	})
	var sum uint64
	for _, t := range ordered {
		sum += t.Amount
		if sum >= i.AmountRequested {
			c := t.Confirmations(i.CurrentHeight)
			return &c
		}
	}
	return nil
}

// txpool transfers sort after every mined one.
func chainOrder(t Transfer) uint64 {
	if t.Height == 0 {
		return ^uint64(0)
	}
	return t.Height
}

// PublicInvoice is what the public API and websockets show.
type PublicInvoice struct {
	ID                    string          `json:"id"`
	Index                 string          `json:"index"`
	Address               string          `json:"address"`
	URI                   string          `json:"uri"`
	State                 InvoiceState    `json:"state"`
	AmountRequested       decimal.Decimal `json:"amount_requested"`
	AmountPaidPending     decimal.Decimal `json:"amount_paid_pending"`
	AmountPaidConfirmed   decimal.Decimal `json:"amount_paid_confirmed"`
	ConfirmationsRequired uint64          `json:"confirmations_required"`
	Confirmations         *uint64         `json:"confirmations"`
	CurrentHeight         uint64          `json:"current_height"`
	ExpirationHeight      uint64          `json:"expiration_height"`
	BlocksRemaining       uint64          `json:"blocks_remaining"`
	Description           string          `json:"description,omitempty"`
	Created               time.Time       `json:"created"`
}

func (i Invoice) ToPublic() PublicInvoice {
	var remaining uint64
	height := i.CurrentHeight
	if height == 0 {
		height = i.CreationHeight // not scanned yet
	}
	if i.ExpirationHeight > height && !i.State.IsTerminal() {
		remaining = i.ExpirationHeight - height
	}
	return PublicInvoice{
		ID:                    i.ID,
		Index:                 i.Index.String(),
		Address:               i.Address,
		URI:                   i.PaymentURI(),
		State:                 i.State,
		AmountRequested:       AtomicToXMR(i.AmountRequested),
		AmountPaidPending:     AtomicToXMR(i.AmountPaidPending),
		AmountPaidConfirmed:   AtomicToXMR(i.AmountPaidConfirmed),
		ConfirmationsRequired: i.ConfirmationsRequired,
		Confirmations:         i.PaidConfirmations(),
		CurrentHeight:         i.CurrentHeight,
		ExpirationHeight:      i.ExpirationHeight,
		BlocksRemaining:       remaining,
		Description:           i.Description,
		Created:               i.Created,
	}
}

// PaymentURI is a monero: URI a wallet can open (also encoded in the QR code).
func (i Invoice) PaymentURI() string {
	uri := "monero:" + i.Address
	if i.AmountRequested > 0 {
		uri += "?tx_amount=" + AtomicToXMR(i.AmountRequested).String()
	}
	return uri
}

// AtomicToXMR converts piconero to XMR.
func AtomicToXMR(amount uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(amount), -AtomicUnitsExp)
}

// XMRToAtomic converts an XMR amount to piconero, rejecting negative
// values, sub-piconero precision and overflow.
func XMRToAtomic(xmr decimal.Decimal) (uint64, error) {
	if xmr.IsNegative() {
		return 0, NewErr(BadRequest, "amount must not be negative: %s", xmr)
	}
	atomic := xmr.Shift(AtomicUnitsExp)
	if !atomic.Equal(atomic.Truncate(0)) {
		return 0, NewErr(BadRequest, "amount has more than %d decimal places: %s", AtomicUnitsExp, xmr)
	}
	b := atomic.BigInt()
	if !b.IsUint64() {
		return 0, NewErr(BadRequest, "amount too large: %s", xmr)
	}
	return b.Uint64(), nil
}

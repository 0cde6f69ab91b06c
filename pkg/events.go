package gate

// Gateway event types

// bus.Send(INV_PAID, invoice)
// bus.Send(NET_REORG, ReorgEvent{...})

// Interface for any event
type EventType interface {
	Type() string
}

// slice of all msg types for config funcs lookup
var EVENT_TYPES []EventType = []EventType{EVENT_ALL("ALL"),
	EVENT_SYS("SYS"),
	EVENT_NET("NET"),
	EVENT_INV("INV")}

// ParseEventTypes maps config type names ("INV", "SYS", ...) to EventTypes,
// returning the names it did not recognise.
func ParseEventTypes(names []string) (types []EventType, invalid []string) {
	for _, t := range names {
		match := false
		for _, x := range EVENT_TYPES {
			if t == x.Type() {
				match = true
				types = append(types, x)
			}
		}
		if !match {
			invalid = append(invalid, t)
		}
	}
	return
}

// Special category, do not use directly, represents *
type EVENT_ALL string

func (e EVENT_ALL) Type() string {
	return "ALL"
}

// System Events
type EVENT_SYS string

func (e EVENT_SYS) Type() string {
	return "SYS"
}

const (
	SYS_STARTUP EVENT_SYS = "STARTUP"
	SYS_ERR     EVENT_SYS = "ERR"
	SYS_MSG     EVENT_SYS = "MSG"
)

// Network Events
type EVENT_NET string

func (e EVENT_NET) Type() string {
	return "NET"
}

const (
	NET_REORG         EVENT_NET = "REORG"         // scanned blocks were replaced
	NET_DISCONTINUITY EVENT_NET = "DISCONTINUITY" // scanner halted, resync required
	NET_RESYNC        EVENT_NET = "RESYNC"        // operator moved the scan cursor
)

// Invoice Events
type EVENT_INV string

func (e EVENT_INV) Type() string {
	return "INV"
}

const (
	INV_CREATED        EVENT_INV = "CREATED"
	INV_UPDATED        EVENT_INV = "UPDATED"
	INV_PARTIALLY_PAID EVENT_INV = "PARTIALLY_PAID"
	INV_PAID           EVENT_INV = "PAID"
	INV_CONFIRMED      EVENT_INV = "CONFIRMED"
	INV_EXPIRED        EVENT_INV = "EXPIRED"
	INV_REMOVED        EVENT_INV = "REMOVED"
	INV_LATE_PAYMENT   EVENT_INV = "LATE_PAYMENT"
)

// EventForState picks the event published when an invoice enters a state.
func EventForState(s InvoiceState) EVENT_INV {
	switch s {
	case PartiallyPaid:
		return INV_PARTIALLY_PAID
	case Paid:
		return INV_PAID
	case Confirmed:
		return INV_CONFIRMED
	case Expired:
		return INV_EXPIRED
	}
	return INV_UPDATED
}

type ReorgEvent struct {
	ForkHeight uint64 `json:"fork_height"`
	OldHash    string `json:"old_hash"`
	NewHash    string `json:"new_hash"`
}

type LatePaymentEvent struct {
	Invoice  Invoice  `json:"invoice"`
	Transfer Transfer `json:"transfer"`
}

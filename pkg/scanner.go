package gate

import (
	"sync"
	"time"
)

type TipChaserReceiver = chan NodeEvent

// Scanner is the API's handle on the running scanner.
type Scanner interface {
	SendCommand(cmd any) // send any of the commands below.
	Status() ScanStatus
}

/** Re-Sync the scanner from a specific block height.
 *  Transfers above the height are forgotten, the cursor is set to
 *  Height-1 and scanning resumes at Height. Also clears a halt caused
 *  by ChainDiscontinuity.
 */
type ReSyncCmd struct {
	Height uint64
}

/** Scan now instead of waiting for the next tick. */
type ScanNowCmd struct{}

type ScanStatus struct {
	Cursor    ChainState `json:"cursor"`
	TipHeight uint64     `json:"tip_height"`
	Halted    bool       `json:"halted"`
	LastError string     `json:"last_error,omitempty"`
	LastCycle time.Time  `json:"last_cycle"`
	Active    int        `json:"active_invoices"`

	// Critical is set while the store keeps failing; scanned progress is
	// being lost until it recovers.
	Critical      bool `json:"critical"`
	StoreFailures int  `json:"store_failures,omitempty"`
}

// MockScanner records commands, for API tests.
type MockScanner struct {
	lock     sync.Mutex
	Commands []any
	State    ScanStatus
}

func (m *MockScanner) SendCommand(cmd any) {
	m.lock.Lock()
	m.Commands = append(m.Commands, cmd)
	m.lock.Unlock()
}

func (m *MockScanner) Status() ScanStatus {
	return m.State
}

package scanner

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/lightningnetwork/lnd/clock"
	gate "github.com/xmrgate/xmrgate/pkg"
	"github.com/xmrgate/xmrgate/pkg/xmr"
)

// interface guard ensures Scanner implements gate.Scanner
var _ gate.Scanner = &Scanner{}

/*
 * Scanner walks the chain from the stored scan cursor to the tip, matching
 * every transaction against the subaddresses of open invoices, and keeps
 * the invoices' transfers and states up to date.
 *
 * It is the only writer of invoice payment state. Each cycle works on
 * copies of the active invoices and commits them together with the new
 * cursor in one store transaction; nothing is published and nothing in
 * memory moves until that commit succeeds, so a failed or abandoned cycle
 * is simply repeated.
 *
 * INVARIANT: the stored invoices contain the effects of every block up to
 * and including the stored cursor, and of no block above it.
 */
type Scanner struct {
	conf    gate.Config
	daemon  gate.DaemonClient
	store   gate.Store
	bus     *gate.MessageBus
	matcher *xmr.Matcher
	tables  *xmr.TableBuilder
	clock   clock.Clock

	// ReceiveBestBlock has capacity 1: it is a dirty flag set by the
	// TipChaser, the value is not used.
	ReceiveBestBlock chan string
	commands         chan any

	// owned by the Run goroutine
	loaded bool
	cursor gate.ChainState
	window []gate.BlockHeader // recently scanned blocks, ascending
	halted bool
	// consecutive cycles that failed in the store
	storeFailures int

	lock   sync.Mutex
	status gate.ScanStatus
}

func NewScanner(conf gate.Config, keys *xmr.ViewPair, daemon gate.DaemonClient, store gate.Store, bus *gate.MessageBus, clk clock.Clock) *Scanner {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &Scanner{
		conf:             conf,
		daemon:           daemon,
		store:            store,
		bus:              bus,
		matcher:          xmr.NewMatcher(keys),
		tables:           xmr.NewTableBuilder(keys),
		clock:            clk,
		ReceiveBestBlock: make(chan string, 1),
		commands:         make(chan any, 10),
	}
}

// SendCommand queues a gate.ReSyncCmd or gate.ScanNowCmd.
func (s *Scanner) SendCommand(cmd any) {
	if _, ok := cmd.(gate.ScanNowCmd); ok {
		select {
		case s.commands <- cmd:
		default: // a scan is already queued
		}
		return
	}
	s.commands <- cmd
}

func (s *Scanner) Status() gate.ScanStatus {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.status
}

// Implements conductor Service
func (s *Scanner) Run(started, stopped chan bool, stop chan context.Context) error {
	go func() {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			<-stop
			cancel() // abandons an in-flight cycle
		}()
		started <- true
		for {
			s.runCycle(ctx)
			if s.wait(ctx) {
				stopped <- true
				return
			}
		}
	}()
	return nil
}

// wait blocks until the next tick, tip change or command.
// Returns true when shutting down.
func (s *Scanner) wait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-s.clock.TickAfter(s.conf.Gateway.ScanEvery()):
	case <-s.ReceiveBestBlock:
	case cmd := <-s.commands:
		s.handleCommand(ctx, cmd)
	}
	return ctx.Err() != nil
}

func (s *Scanner) handleCommand(ctx context.Context, cmd any) {
	switch cmd := cmd.(type) {
	case gate.ReSyncCmd:
		if err := s.resync(ctx, cmd.Height); err != nil {
			log.Println("Scanner: resync failed:", err)
			s.setError(err)
		}
	case gate.ScanNowCmd:
		// the loop scans as soon as we return
	default:
		log.Printf("Scanner: ignoring unknown command %T\n", cmd)
	}
}

func (s *Scanner) runCycle(ctx context.Context) {
	active, err := s.scan(ctx)
	if ctx.Err() != nil {
		return // shutting down, nothing was committed
	}
	if err != nil {
		log.Println("Scanner: cycle failed:", err)
	}
	critical := s.trackStoreFailures(err)
	s.lock.Lock()
	defer s.lock.Unlock()
	s.status.Cursor = s.cursor
	s.status.Halted = s.halted
	s.status.LastCycle = s.clock.Now()
	s.status.StoreFailures = s.storeFailures
	s.status.Critical = critical
	if err != nil {
		s.status.LastError = err.Error()
	} else {
		s.status.LastError = ""
		s.status.Active = active
	}
}

// trackStoreFailures counts consecutive cycles lost to the store. Once
// the count reaches the configured limit the scanner reports itself
// critical and sends SYS_ERR, once per run of failures.
func (s *Scanner) trackStoreFailures(err error) bool {
	if err == nil {
		if s.storeFailures >= s.storeFailureLimit() {
			log.Println("Scanner: store recovered")
		}
		s.storeFailures = 0
		return false
	}
	if !gate.IsError(err, gate.StoreIoError) && !gate.IsError(err, gate.DBConflict) {
		return s.storeFailures >= s.storeFailureLimit()
	}
	s.storeFailures++
	if s.storeFailures == s.storeFailureLimit() {
		msg := fmt.Sprintf("CRITICAL: %d consecutive store failures, invoices are not being saved: %v", s.storeFailures, err)
		log.Println("Scanner:", msg)
		s.publish(gate.SYS_ERR, msg, "")
	}
	return s.storeFailures >= s.storeFailureLimit()
}

func (s *Scanner) storeFailureLimit() int {
	if s.conf.Gateway.StoreFailureLimit <= 0 {
		return 3
	}
	return s.conf.Gateway.StoreFailureLimit
}

func (s *Scanner) setError(err error) {
	s.lock.Lock()
	s.status.LastError = err.Error()
	s.lock.Unlock()
}

func (s *Scanner) setTip(tip uint64) {
	s.lock.Lock()
	s.status.TipHeight = tip
	s.lock.Unlock()
}

func (s *Scanner) windowSize() int {
	if s.conf.Gateway.ReorgWindow <= 0 {
		return 10
	}
	return s.conf.Gateway.ReorgWindow
}

func (s *Scanner) maxBlocks() uint64 {
	if s.conf.Gateway.MaxBlocksPerCycle <= 0 {
		return 100
	}
	return uint64(s.conf.Gateway.MaxBlocksPerCycle)
}

// cycle is the working state of one scan; it only replaces the
// scanner's state once committed.
type cycle struct {
	cursor   gate.ChainState
	window   []gate.BlockHeader
	active   map[gate.SubaddressIndex]*gate.Invoice
	original map[gate.SubaddressIndex]gate.Invoice
	settled  map[gate.SubaddressIndex]gate.Invoice // late-watched
	table    *xmr.LookupTable
	reorg    *gate.ReorgEvent
	late     []gate.LatePaymentEvent
}

// scan runs one cycle, returning the number of active invoices.
func (s *Scanner) scan(ctx context.Context) (int, error) {
	if s.halted {
		return 0, gate.NewErr(gate.ChainDiscontinuity, "scanner halted at block %d, waiting for resync", s.cursor.Height)
	}
	height, err := s.daemon.GetHeight(ctx)
	if err != nil {
		return 0, err
	}
	if height == 0 {
		return 0, gate.NewErr(gate.RpcError, "daemon reports an empty chain")
	}
	tip := height - 1
	s.setTip(tip)
	if !s.loaded {
		if err := s.loadCursor(ctx, tip); err != nil {
			return 0, err
		}
	}
	c, err := s.newCycle()
	if err != nil {
		return 0, err
	}
	if err := s.checkReorg(ctx, c, tip); err != nil {
		return 0, err
	}
	if err := s.catchUp(ctx, c); err != nil {
		return 0, err
	}
	if err := s.scanForward(ctx, c, tip); err != nil {
		return 0, err
	}
	if c.cursor.Height == tip {
		s.scanPool(ctx, c)
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	return len(c.active), s.commit(c)
}

// loadCursor restores the cursor from the store (or picks the start
// height on a fresh store) and refills the reorg window below it. A
// stored cursor whose block the daemon no longer has halts the scanner.
func (s *Scanner) loadCursor(ctx context.Context, tip uint64) error {
	state, err := s.store.GetScanCursor()
	if err != nil {
		if !gate.IsNotFoundError(err) {
			return err
		}
		start := s.conf.Gateway.StartHeight
		if start == 0 {
			start = tip
		}
		if start == 0 {
			start = 1 // nothing to find in genesis
		}
		if start-1 > tip {
			return gate.NewErr(gate.RpcError, "daemon tip %d is below the start height %d", tip, start)
		}
		headers, err := s.daemon.GetBlockHeaders(ctx, start-1, start-1)
		if err != nil {
			return err
		}
		if len(headers) != 1 {
			return gate.NewErr(gate.RpcError, "expected 1 header at %d, got %d", start-1, len(headers))
		}
		state = gate.ChainState{Height: start - 1, Hash: headers[0].Hash}
		log.Printf("Scanner: fresh store, scanning from block %d\n", start)
	} else {
		if state.Height > tip {
			return gate.NewErr(gate.RpcError, "daemon tip %d is below the stored cursor %d, waiting for it to sync", tip, state.Height)
		}
		headers, err := s.daemon.GetBlockHeaders(ctx, state.Height, state.Height)
		if err != nil {
			return err
		}
		if len(headers) != 1 {
			return gate.NewErr(gate.RpcError, "expected 1 header at %d, got %d", state.Height, len(headers))
		}
		if headers[0].Hash != state.Hash {
			s.cursor = state
			return s.discontinuity(state, "stored cursor block %d (%s) is not on the daemon's chain (%s)", state.Height, state.Hash, headers[0].Hash)
		}
		log.Printf("Scanner: resuming after block %d (%s)\n", state.Height, state.Hash)
	}
	window := []gate.BlockHeader{{Height: state.Height, Hash: state.Hash}}
	if below := uint64(s.windowSize() - 1); below > 0 && state.Height > 0 && state.Height-1 <= tip {
		lo := uint64(0)
		if state.Height > below {
			lo = state.Height - below
		}
		headers, err := s.daemon.GetBlockHeaders(ctx, lo, state.Height-1)
		if err != nil {
			return err
		}
		window = append(headers, window...)
	}
	s.cursor = state
	s.window = window
	s.loaded = true
	return nil
}

func (s *Scanner) newCycle() (*cycle, error) {
	active, err := s.store.ListActiveInvoices()
	if err != nil {
		return nil, err
	}
	c := &cycle{
		cursor:   s.cursor,
		window:   append([]gate.BlockHeader(nil), s.window...),
		active:   make(map[gate.SubaddressIndex]*gate.Invoice, len(active)),
		original: make(map[gate.SubaddressIndex]gate.Invoice, len(active)),
		settled:  make(map[gate.SubaddressIndex]gate.Invoice),
	}
	indices := make([]gate.SubaddressIndex, 0, len(active))
	for _, inv := range active {
		working := inv.Clone()
		c.active[inv.Index] = &working
		c.original[inv.Index] = inv.Clone()
		indices = append(indices, inv.Index)
	}
	if s.conf.Invoices.LatePaymentPolicy == gate.LatePaymentReport {
		var since uint64
		if next := s.cursor.NextHeight(); next > s.conf.Invoices.LateWatchBlocks {
			since = next - s.conf.Invoices.LateWatchBlocks
		}
		settled, err := s.store.ListSettledInvoices(since)
		if err != nil {
			return nil, err
		}
		for _, inv := range settled {
			if _, reused := c.active[inv.Index]; !reused {
				c.settled[inv.Index] = inv
				indices = append(indices, inv.Index)
			}
		}
	}
	c.table, err = s.tables.Build(indices)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// checkReorg compares the window against the daemon's chain. A fork
// inside the window rewinds the cycle's cursor; one at or below its
// bottom block halts the scanner.
func (s *Scanner) checkReorg(ctx context.Context, c *cycle, tip uint64) error {
	w := c.window
	lo, hi := w[0].Height, w[len(w)-1].Height
	top := hi
	if top > tip {
		top = tip
	}
	if lo > top {
		return s.discontinuity(c.cursor, "daemon tip %d is below every block we scanned recently (from %d)", tip, lo)
	}
	headers, err := s.daemon.GetBlockHeaders(ctx, lo, top)
	if err != nil {
		return err
	}
	if uint64(len(headers)) != top-lo+1 {
		return gate.NewErr(gate.RpcError, "expected %d headers from %d, got %d", top-lo+1, lo, len(headers))
	}
	fork := -1
	for n := range headers {
		if headers[n].Hash != w[n].Hash {
			fork = n
			break
		}
	}
	if fork == -1 {
		if top == hi {
			return nil
		}
		fork = len(headers) // the chain got shorter
	}
	if fork == 0 {
		return s.discontinuity(c.cursor, "block %d (%s) is no longer on the daemon's chain and lies beyond the reorg window", w[0].Height, w[0].Hash)
	}
	forkHeight := w[fork].Height
	reorg := &gate.ReorgEvent{ForkHeight: forkHeight, OldHash: w[fork].Hash}
	if fork < len(headers) {
		reorg.NewHash = headers[fork].Hash
	}
	log.Printf("Scanner: reorg at block %d (%s replaced by %q), rewinding\n", forkHeight, reorg.OldHash, reorg.NewHash)
	c.reorg = reorg
	c.window = w[:fork]
	c.cursor = gate.ChainState{Height: w[fork-1].Height, Hash: w[fork-1].Hash}
	for _, inv := range c.active {
		gate.DropTransfersFrom(inv, forkHeight)
	}
	return nil
}

func (s *Scanner) discontinuity(at gate.ChainState, format string, args ...any) error {
	err := gate.NewErr(gate.ChainDiscontinuity, format, args...)
	log.Println("Scanner: HALTED:", err)
	s.halted = true
	s.publish(gate.SYS_ERR, err.Error(), "")
	s.publish(gate.NET_DISCONTINUITY, at, "")
	return err
}

// catchUp scans [CreationHeight, cursor] for invoices the scanner has not
// evaluated yet but whose creation height it has already passed.
func (s *Scanner) catchUp(ctx context.Context, c *cycle) error {
	var indices []gate.SubaddressIndex
	from := c.cursor.Height + 1
	for idx, inv := range c.active {
		if inv.CurrentHeight == 0 && inv.CreationHeight <= c.cursor.Height {
			indices = append(indices, idx)
			if inv.CreationHeight < from {
				from = inv.CreationHeight
			}
		}
	}
	if len(indices) == 0 {
		return nil
	}
	table, err := s.tables.Build(indices)
	if err != nil {
		return err
	}
	log.Printf("Scanner: catch-up scan of blocks %d..%d for %d new invoices\n", from, c.cursor.Height, len(indices))
	for h := from; h <= c.cursor.Height; h++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		block, err := s.daemon.GetBlock(ctx, h)
		if err != nil {
			return err
		}
		if err := s.matchBlock(ctx, c, block, table); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scanner) scanForward(ctx context.Context, c *cycle, tip uint64) error {
	to := c.cursor.Height + s.maxBlocks()
	if to > tip {
		to = tip
	}
	for h := c.cursor.Height + 1; h <= to; h++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		block, err := s.daemon.GetBlock(ctx, h)
		if err != nil {
			return err
		}
		if block.PrevHash != c.cursor.Hash {
			// the chain moved under us; the reorg check sorts it out next cycle.
			return gate.NewErr(gate.RpcError, "block %d (%s) does not extend %s", h, block.Hash, c.cursor.Hash)
		}
		if err := s.matchBlock(ctx, c, block, c.table); err != nil {
			return err
		}
		c.cursor = gate.ChainState{Height: block.Height, Hash: block.Hash}
		c.window = append(c.window, block.BlockHeader)
	}
	if extra := len(c.window) - s.windowSize(); extra > 0 {
		c.window = c.window[extra:]
	}
	return nil
}

// matchBlock matches the block's transactions; the miner transaction is
// skipped since its outputs are always timelocked.
func (s *Scanner) matchBlock(ctx context.Context, c *cycle, block gate.Block, table *xmr.LookupTable) error {
	if len(block.TxHashes) == 0 || table.Len() == 0 {
		return nil
	}
	txs, err := s.daemon.GetTransactions(ctx, block.TxHashes)
	if err != nil {
		return err
	}
	for i := range txs {
		tx := &txs[i]
		tx.Height = block.Height
		tx.InPool = false
		matches, errs := s.matcher.Match(tx, table)
		for _, err := range errs {
			log.Println("Scanner: skipping output:", err)
		}
		for _, m := range matches {
			c.credit(m)
		}
	}
	return nil
}

func (c *cycle) credit(m gate.MatchedOutput) {
	if inv, ok := c.active[m.Index]; ok {
		if m.Height != 0 && m.Height < inv.CreationHeight {
			log.Printf("Scanner: %s:%d at block %d predates invoice %s (created at %d), ignoring\n",
				m.TxID, m.OutputIndex, m.Height, inv.ID, inv.CreationHeight)
			return
		}
		if gate.ApplyTransfer(inv, m.Transfer()) {
			log.Printf("Scanner: transfer %s:%d of %d to %s (height %d)\n", m.TxID, m.OutputIndex, m.Amount, m.Index, m.Height)
		}
		return
	}
	if inv, ok := c.settled[m.Index]; ok && m.Height >= inv.CreationHeight && !inv.HasTransfer(m.TxID, m.OutputIndex) {
		log.Printf("Scanner: late payment %s:%d of %d to %s invoice %s\n", m.TxID, m.OutputIndex, m.Amount, inv.State, inv.ID)
		c.late = append(c.late, gate.LatePaymentEvent{Invoice: inv, Transfer: m.Transfer()})
	}
}

// scanPool replaces every active invoice's txpool transfers with what the
// txpool holds now. Failures leave the previous pool view in place.
func (s *Scanner) scanPool(ctx context.Context, c *cycle) {
	if len(c.active) == 0 {
		return
	}
	hashes, err := s.daemon.GetTxpoolHashes(ctx)
	if err != nil {
		log.Println("Scanner: txpool unavailable:", err)
		return
	}
	var txs []gate.Transaction
	if len(hashes) > 0 {
		txs, err = s.daemon.GetTransactions(ctx, hashes)
		if err != nil {
			// usually a tx left the pool between the two calls
			log.Println("Scanner: txpool transactions unavailable:", err)
			return
		}
	}
	pool := make(map[gate.SubaddressIndex][]gate.Transfer)
	for i := range txs {
		tx := &txs[i]
		tx.Height = 0
		tx.InPool = true
		matches, errs := s.matcher.Match(tx, c.table)
		for _, err := range errs {
			log.Println("Scanner: skipping txpool output:", err)
		}
		for _, m := range matches {
			if _, ok := c.active[m.Index]; ok {
				pool[m.Index] = append(pool[m.Index], m.Transfer())
			}
		}
	}
	for idx, inv := range c.active {
		gate.ReplacePoolTransfers(inv, pool[idx])
	}
}

type invoiceEvent struct {
	event   gate.EVENT_INV
	invoice gate.Invoice
}

func (s *Scanner) commit(c *cycle) error {
	height := c.cursor.NextHeight()
	tx, err := s.store.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var events []invoiceEvent
	for _, idx := range sortedIndices(c.active) {
		old := c.original[idx]
		updated := gate.Track(*c.active[idx], height)
		if !gate.NeedsPersist(old, updated) {
			continue
		}
		if err := tx.UpdateInvoice(updated); err != nil {
			if gate.IsNotFoundError(err) {
				log.Printf("Scanner: invoice %s at %s was removed, skipping\n", old.ID, idx)
				continue
			}
			return err
		}
		if gate.NeedsNotify(old, updated) {
			event := gate.INV_UPDATED
			if updated.State != old.State {
				event = gate.EventForState(updated.State)
			}
			events = append(events, invoiceEvent{event, updated})
		}
	}
	// the cursor goes last: it vouches for everything above.
	if err := tx.SetScanCursor(c.cursor); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if c.cursor != s.cursor {
		log.Printf("Scanner: scanned to block %d (%s)\n", c.cursor.Height, c.cursor.Hash)
	}
	s.cursor = c.cursor
	s.window = c.window
	if c.reorg != nil {
		s.publish(gate.NET_REORG, *c.reorg, "")
	}
	for _, e := range events {
		log.Printf("Scanner: invoice %s %s: %s\n", e.invoice.Index, e.invoice.ID, e.event)
		s.publish(e.event, e.invoice, e.invoice.ID)
	}
	if s.conf.Invoices.LatePaymentPolicy == gate.LatePaymentReport {
		for _, late := range c.late {
			s.publish(gate.INV_LATE_PAYMENT, late, late.Invoice.ID)
		}
	}
	return nil
}

// resync moves the cursor to height-1, forgetting every transfer at or
// above height, and clears a halt.
func (s *Scanner) resync(ctx context.Context, height uint64) error {
	if height == 0 {
		height = 1
	}
	headers, err := s.daemon.GetBlockHeaders(ctx, height-1, height-1)
	if err != nil {
		return err
	}
	if len(headers) != 1 {
		return gate.NewErr(gate.RpcError, "expected 1 header at %d, got %d", height-1, len(headers))
	}
	cursor := gate.ChainState{Height: height - 1, Hash: headers[0].Hash}
	active, err := s.store.ListActiveInvoices()
	if err != nil {
		return err
	}
	tx, err := s.store.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var changed []gate.Invoice
	for _, inv := range active {
		working := inv.Clone()
		if !gate.DropTransfersFrom(&working, height) {
			continue
		}
		working = gate.Track(working, height)
		if err := tx.UpdateInvoice(working); err != nil && !gate.IsNotFoundError(err) {
			return err
		}
		if gate.NeedsNotify(inv, working) {
			changed = append(changed, working)
		}
	}
	if err := tx.SetScanCursor(cursor); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	log.Printf("Scanner: resynced, next block %d\n", height)
	s.cursor = cursor
	s.halted = false
	s.loaded = false // refill the window around the new cursor
	s.publish(gate.NET_RESYNC, cursor, "")
	for _, inv := range changed {
		s.publish(gate.INV_UPDATED, inv, inv.ID)
	}
	return nil
}

func (s *Scanner) publish(t gate.EventType, msg any, id string) {
	if s.bus == nil {
		return
	}
	var err error
	if id == "" {
		err = s.bus.Send(t, msg)
	} else {
		err = s.bus.Send(t, msg, id)
	}
	if err != nil {
		log.Printf("Scanner: failed to publish %s: %v\n", t, err)
	}
}

func sortedIndices(m map[gate.SubaddressIndex]*gate.Invoice) []gate.SubaddressIndex {
	keys := make([]gate.SubaddressIndex, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(a, b int) bool {
		if keys[a].Major != keys[b].Major {
			return keys[a].Major < keys[b].Major
		}
		return keys[a].Minor < keys[b].Minor
	})
	return keys
}

package daemon

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	gate "github.com/xmrgate/xmrgate/pkg"
	"github.com/xmrgate/xmrgate/pkg/xmr"
)

// interface guard ensures MockChain implements gate.DaemonClient
var _ gate.DaemonClient = &MockChain{}

// MockChain is a simulated monerod for tests: a chain of blocks holding
// transactions, a txpool, reorgs and injected RPC failures.
type MockChain struct {
	lock   sync.Mutex
	blocks []mockBlock
	txs    map[string]gate.Transaction
	pool   []string
	fork   int
	fail   error
	Calls  int
}

type mockBlock struct {
	header gate.BlockHeader
	txs    []string
}

// NewMockChain returns a chain of empty blocks 0..height-1.
func NewMockChain(height uint64) *MockChain {
	c := &MockChain{txs: make(map[string]gate.Transaction)}
	for i := uint64(0); i < height; i++ {
		c.appendBlock(nil)
	}
	return c
}

func (c *MockChain) appendBlock(txs []string) gate.BlockHeader {
	height := uint64(len(c.blocks))
	var prev string
	if height > 0 {
		prev = c.blocks[height-1].header.Hash
	}
	hash := xmr.Keccak256([]byte("block"), xmr.Varint(height), []byte(prev), xmr.Varint(uint64(c.fork)))
	h := gate.BlockHeader{
		Height:    height,
		Hash:      hex.EncodeToString(hash),
		PrevHash:  prev,
		Timestamp: 1700000000 + height*120,
	}
	c.blocks = append(c.blocks, mockBlock{header: h, txs: txs})
	return h
}

// Mine appends a block holding txs, taking them out of the txpool.
func (c *MockChain) Mine(txs ...gate.Transaction) gate.BlockHeader {
	c.lock.Lock()
	defer c.lock.Unlock()
	height := uint64(len(c.blocks))
	hashes := make([]string, 0, len(txs))
	for _, tx := range txs {
		tx.Height = height
		tx.InPool = false
		c.txs[tx.Hash] = tx
		hashes = append(hashes, tx.Hash)
		c.removeFromPool(tx.Hash)
	}
	return c.appendBlock(hashes)
}

// MinePool mines everything in the txpool into one block.
func (c *MockChain) MinePool() gate.BlockHeader {
	c.lock.Lock()
	pool := make([]gate.Transaction, 0, len(c.pool))
	for _, h := range c.pool {
		pool = append(pool, c.txs[h])
	}
	c.lock.Unlock()
	return c.Mine(pool...)
}

// AddToPool puts txs in the txpool.
func (c *MockChain) AddToPool(txs ...gate.Transaction) {
	c.lock.Lock()
	defer c.lock.Unlock()
	for _, tx := range txs {
		tx.Height = 0
		tx.InPool = true
		c.txs[tx.Hash] = tx
		c.removeFromPool(tx.Hash)
		c.pool = append(c.pool, tx.Hash)
	}
}

// DropFromPool evicts a txpool transaction without mining it.
func (c *MockChain) DropFromPool(hash string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.removeFromPool(hash)
}

func (c *MockChain) removeFromPool(hash string) {
	for n, h := range c.pool {
		if h == hash {
			c.pool = append(c.pool[:n], c.pool[n+1:]...)
			return
		}
	}
}

// Reorg discards blocks from forkHeight up; their transactions are
// forgotten. Blocks mined afterwards get different hashes.
func (c *MockChain) Reorg(forkHeight uint64) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if forkHeight >= uint64(len(c.blocks)) {
		return
	}
	for _, b := range c.blocks[forkHeight:] {
		for _, h := range b.txs {
			delete(c.txs, h)
		}
	}
	c.blocks = c.blocks[:forkHeight]
	c.fork++
}

// Header returns the header at height, for test assertions.
func (c *MockChain) Header(height uint64) gate.BlockHeader {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.blocks[height].header
}

// SetFailing makes every call fail with an RpcError until cleared with nil.
func (c *MockChain) SetFailing(err error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.fail = err
}

// begin locks the chain and applies failure injection.
func (c *MockChain) begin(what string) error {
	c.lock.Lock()
	c.Calls++
	if c.fail != nil {
		err := c.fail
		c.lock.Unlock()
		return gate.NewErr(gate.RpcError, "%s: %v", what, err)
	}
	return nil
}

func (c *MockChain) GetHeight(ctx context.Context) (uint64, error) {
	if err := c.begin("get_block_count"); err != nil {
		return 0, err
	}
	defer c.lock.Unlock()
	return uint64(len(c.blocks)), nil
}

func (c *MockChain) GetBlock(ctx context.Context, height uint64) (gate.Block, error) {
	if err := c.begin("get_block"); err != nil {
		return gate.Block{}, err
	}
	defer c.lock.Unlock()
	if height >= uint64(len(c.blocks)) {
		return gate.Block{}, gate.NewErr(gate.RpcError, "get_block: height %d beyond tip", height)
	}
	b := c.blocks[height]
	return gate.Block{
		BlockHeader: b.header,
		MinerTxHash: fmt.Sprintf("miner-%s", b.header.Hash[:16]),
		TxHashes:    append([]string(nil), b.txs...),
	}, nil
}

func (c *MockChain) GetBlockHeaders(ctx context.Context, start, end uint64) ([]gate.BlockHeader, error) {
	if err := c.begin("get_block_headers_range"); err != nil {
		return nil, err
	}
	defer c.lock.Unlock()
	if start > end || end >= uint64(len(c.blocks)) {
		return nil, gate.NewErr(gate.RpcError, "get_block_headers_range: invalid range %d..%d", start, end)
	}
	headers := make([]gate.BlockHeader, 0, end-start+1)
	for h := start; h <= end; h++ {
		headers = append(headers, c.blocks[h].header)
	}
	return headers, nil
}

func (c *MockChain) GetTransactions(ctx context.Context, hashes []string) ([]gate.Transaction, error) {
	if err := c.begin("get_transactions"); err != nil {
		return nil, err
	}
	defer c.lock.Unlock()
	result := make([]gate.Transaction, 0, len(hashes))
	for _, h := range hashes {
		tx, ok := c.txs[h]
		if !ok {
			return nil, gate.NewErr(gate.RpcError, "get_transactions: %s not found", h)
		}
		tx.Outputs = append([]gate.TxOutput(nil), tx.Outputs...)
		result = append(result, tx)
	}
	return result, nil
}

func (c *MockChain) GetTxpoolHashes(ctx context.Context) ([]string, error) {
	if err := c.begin("get_transaction_pool_hashes"); err != nil {
		return nil, err
	}
	defer c.lock.Unlock()
	return append([]string(nil), c.pool...), nil
}

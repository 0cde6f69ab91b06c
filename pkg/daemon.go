package gate

import "context"

// DaemonClient is what the scanner needs from monerod.
// Every method fails with an RpcError code on transport or daemon errors.
type DaemonClient interface {
	// GetHeight returns the chain height (top block index + 1).
	GetHeight(ctx context.Context) (uint64, error)
	GetBlock(ctx context.Context, height uint64) (Block, error)
	// GetBlockHeaders returns headers for start..end inclusive.
	GetBlockHeaders(ctx context.Context, start, end uint64) ([]BlockHeader, error)
	// GetTransactions returns the transactions in the order requested.
	GetTransactions(ctx context.Context, hashes []string) ([]Transaction, error)
	GetTxpoolHashes(ctx context.Context) ([]string, error)
}

type BlockHeader struct {
	Height    uint64 `json:"height"`
	Hash      string `json:"hash"`
	PrevHash  string `json:"prev_hash"`
	Timestamp uint64 `json:"timestamp"`
}

type Block struct {
	BlockHeader
	MinerTxHash string   `json:"miner_tx_hash"`
	TxHashes    []string `json:"tx_hashes"`
}

// Transaction is the part of a Monero transaction the matcher reads.
type Transaction struct {
	Hash       string
	Version    uint64
	UnlockTime uint64
	Extra      []byte
	// RingCT type (0 for v1 and coinbase)
	RctType int
	Outputs []TxOutput
	// Block height, 0 while in the txpool
	Height uint64
	InPool bool
}

type TxOutput struct {
	Key     []byte // one-time public key, 32 bytes
	ViewTag []byte // 1 byte for tagged outputs, else empty
	Amount  uint64 // cleartext amount (v1 and coinbase); 0 for RingCT
	// RingCT: encrypted amount (8 or 32 bytes), encrypted mask (32 bytes,
	// pre-Bulletproof2 only) and the output commitment.
	EncryptedAmount []byte
	EncryptedMask   []byte
	Commitment      []byte
}

// Node events emitted by the ZMQ receiver.
type NodeEventType int

const (
	BlockEvent NodeEventType = iota
	TxEvent
)

type NodeEvent struct {
	Type   NodeEventType
	ID     string
	Height uint64
}

type NodeEmitter interface {
	Subscribe(ch chan<- NodeEvent)
}

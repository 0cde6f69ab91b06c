package daemon

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/icholy/digest"
	gate "github.com/xmrgate/xmrgate/pkg"
)

const txJson = `{
  "version": 2,
  "unlock_time": 0,
  "vin": [{"key": {"amount": 0, "key_offsets": [1, 2], "k_image": "aa"}}],
  "vout": [
    {"amount": 0, "target": {"tagged_key": {"key": "0101010101010101010101010101010101010101010101010101010101010101", "view_tag": "7f"}}},
    {"amount": 0, "target": {"tagged_key": {"key": "zz", "view_tag": "01"}}}
  ],
  "extra": [1, 2, 3, 4],
  "rct_signatures": {
    "type": 6,
    "txnFee": 30000000,
    "ecdhInfo": [{"amount": "0102030405060708"}, {"amount": "1112131415161718"}],
    "outPk": ["0202020202020202020202020202020202020202020202020202020202020202", "0303030303030303030303030303030303030303030303030303030303030303"]
  }
}`

// fakeDaemon answers the handful of monerod calls the client makes.
type fakeDaemon struct {
	t          *testing.T
	login      string // user:pass, or empty for no auth
	nonce      string
	requests   []string
	challenges int
	counts     []int // nc of each authorized request
}

func (f *fakeDaemon) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.login != "" && !f.authorized(r) {
		f.challenges++
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Digest qop="auth",algorithm=MD5,realm="monero-rpc",nonce="%s",stale=false`, f.nonce))
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	body, _ := io.ReadAll(r.Body)
	f.requests = append(f.requests, r.URL.Path)
	switch r.URL.Path {
	case "/json_rpc":
		var req rpcRequest
		if err := json.Unmarshal(body, &req); err != nil {
			f.t.Fatalf("bad json_rpc request: %v", err)
		}
		var result string
		switch req.Method {
		case "get_block_count":
			result = `{"count": 3000001, "status": "OK"}`
		case "get_block":
			result = `{"block_header": {"hash": "bb", "prev_hash": "aa", "height": 3000000, "timestamp": 1700000000},
				"miner_tx_hash": "cc", "tx_hashes": ["t1", "t2"], "json": "{}", "status": "OK"}`
		case "get_block_headers_range":
			result = `{"headers": [{"hash": "aa", "height": 10}, {"hash": "bb", "prev_hash": "aa", "height": 11}], "status": "OK"}`
		default:
			fmt.Fprintf(w, `{"id": %q, "jsonrpc": "2.0", "error": {"code": -32601, "message": "Method not found"}}`, req.Id)
			return
		}
		fmt.Fprintf(w, `{"id": %q, "jsonrpc": "2.0", "result": %s}`, req.Id, result)
	case "/get_transactions":
		var req struct {
			Hashes []string `json:"txs_hashes"`
			AsJson bool     `json:"decode_as_json"`
		}
		json.Unmarshal(body, &req)
		if !req.AsJson {
			f.t.Fatalf("get_transactions without decode_as_json")
		}
		var txs []rpcTxEntry
		var missed []string
		for _, h := range req.Hashes {
			if h == "missing" {
				missed = append(missed, h)
				continue
			}
			txs = append(txs, rpcTxEntry{TxHash: h, AsJson: txJson, BlockHeight: 3000000, InPool: h == "pooled"})
		}
		json.NewEncoder(w).Encode(map[string]any{"txs": txs, "missed_tx": missed, "status": "OK"})
	case "/get_transaction_pool_hashes":
		fmt.Fprint(w, `{"tx_hashes": ["p1", "p2"], "status": "OK"}`)
	default:
		http.NotFound(w, r)
	}
}

// authorized checks the digest response independently of the client.
func (f *fakeDaemon) authorized(r *http.Request) bool {
	creds, err := digest.ParseCredentials(r.Header.Get("Authorization"))
	if err != nil {
		return false
	}
	user, pass, _ := strings.Cut(f.login, ":")
	if creds.Username != user || creds.Nonce != f.nonce || creds.QOP != "auth" {
		return false
	}
	ha1 := md5hex(user + ":" + creds.Realm + ":" + pass)
	ha2 := md5hex(r.Method + ":" + creds.URI)
	nc := fmt.Sprintf("%08x", creds.Nc)
	if creds.Response != md5hex(ha1+":"+creds.Nonce+":"+nc+":"+creds.Cnonce+":auth:"+ha2) {
		return false
	}
	f.counts = append(f.counts, creds.Nc)
	return true
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func newTestRPC(t *testing.T, f *fakeDaemon, login string) *RPC {
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	r, err := NewRPC(gate.DaemonConfig{URL: srv.URL, Login: login, Timeout: 5})
	if err != nil {
		t.Fatalf("NewRPC: %v", err)
	}
	return r
}

func TestRPCBlocks(t *testing.T) {
	r := newTestRPC(t, &fakeDaemon{t: t}, "")
	ctx := context.Background()

	height, err := r.GetHeight(ctx)
	if err != nil || height != 3000001 {
		t.Fatalf("GetHeight: %d %v", height, err)
	}
	block, err := r.GetBlock(ctx, 3000000)
	if err != nil {
		t.Fatalf("GetBlock: %v", err)
	}
	if block.Hash != "bb" || block.PrevHash != "aa" || block.MinerTxHash != "cc" || len(block.TxHashes) != 2 {
		t.Fatalf("GetBlock: unexpected block %+v", block)
	}
	if _, err := r.GetBlock(ctx, 5); !gate.IsError(err, gate.RpcError) {
		t.Fatalf("GetBlock: expected RpcError for a height mismatch, got %v", err)
	}
	headers, err := r.GetBlockHeaders(ctx, 10, 11)
	if err != nil || len(headers) != 2 || headers[1].PrevHash != headers[0].Hash {
		t.Fatalf("GetBlockHeaders: %+v %v", headers, err)
	}
	pool, err := r.GetTxpoolHashes(ctx)
	if err != nil || len(pool) != 2 {
		t.Fatalf("GetTxpoolHashes: %v %v", pool, err)
	}
}

func TestRPCTransactions(t *testing.T) {
	f := &fakeDaemon{t: t}
	r := newTestRPC(t, f, "")
	ctx := context.Background()

	txs, err := r.GetTransactions(ctx, []string{"mined", "pooled"})
	if err != nil {
		t.Fatalf("GetTransactions: %v", err)
	}
	if len(txs) != 2 || txs[0].Hash != "mined" || txs[1].Hash != "pooled" {
		t.Fatalf("GetTransactions: wrong order or count: %+v", txs)
	}
	tx := txs[0]
	if tx.Version != 2 || tx.RctType != 6 || tx.Height != 3000000 || tx.InPool {
		t.Fatalf("GetTransactions: wrong header fields: %+v", tx)
	}
	if len(tx.Extra) != 4 || tx.Extra[3] != 4 {
		t.Fatalf("GetTransactions: extra not decoded: %v", tx.Extra)
	}
	if len(tx.Outputs) != 2 {
		t.Fatalf("GetTransactions: expected 2 outputs, got %d", len(tx.Outputs))
	}
	out := tx.Outputs[0]
	if len(out.Key) != 32 || out.Key[0] != 1 || len(out.ViewTag) != 1 || out.ViewTag[0] != 0x7f {
		t.Fatalf("GetTransactions: output key/view tag: %+v", out)
	}
	if len(out.EncryptedAmount) != 8 || len(out.Commitment) != 32 || out.Commitment[0] != 2 {
		t.Fatalf("GetTransactions: ringct fields: %+v", out)
	}
	// bad hex leaves the key empty for the matcher to reject
	if tx.Outputs[1].Key != nil {
		t.Fatalf("GetTransactions: expected nil key for bad hex")
	}
	if txs[1].Height != 0 || !txs[1].InPool {
		t.Fatalf("GetTransactions: pool tx should have height 0: %+v", txs[1])
	}

	if _, err := r.GetTransactions(ctx, []string{"mined", "missing"}); !gate.IsError(err, gate.RpcError) {
		t.Fatalf("GetTransactions: expected RpcError for missed tx, got %v", err)
	}
}

func TestRPCChunking(t *testing.T) {
	f := &fakeDaemon{t: t}
	r := newTestRPC(t, f, "")
	hashes := make([]string, 250)
	for i := range hashes {
		hashes[i] = fmt.Sprintf("tx%03d", i)
	}
	txs, err := r.GetTransactions(context.Background(), hashes)
	if err != nil {
		t.Fatalf("GetTransactions: %v", err)
	}
	if len(txs) != 250 || txs[249].Hash != "tx249" {
		t.Fatalf("GetTransactions: expected 250 txs in order, got %d", len(txs))
	}
	if len(f.requests) != 3 {
		t.Fatalf("expected 3 chunked requests, got %d", len(f.requests))
	}
}

func TestRPCDigestAuth(t *testing.T) {
	f := &fakeDaemon{t: t, login: "alice:s3cret", nonce: "abc123"}
	r := newTestRPC(t, f, "alice:s3cret")
	ctx := context.Background()
	if _, err := r.GetHeight(ctx); err != nil {
		t.Fatalf("GetHeight with digest auth: %v", err)
	}
	// second call reuses the cached challenge with the next nonce count
	if _, err := r.GetTxpoolHashes(ctx); err != nil {
		t.Fatalf("GetTxpoolHashes with digest auth: %v", err)
	}
	if f.challenges != 1 {
		t.Fatalf("expected a single challenge, got %d", f.challenges)
	}
	if len(f.counts) != 2 || f.counts[0] == f.counts[1] {
		t.Fatalf("expected two requests with distinct nonce counts, got %v", f.counts)
	}

	bad := newTestRPC(t, &fakeDaemon{t: t, login: "alice:s3cret", nonce: "abc123"}, "alice:wrong")
	if _, err := bad.GetHeight(ctx); !gate.IsError(err, gate.RpcError) {
		t.Fatalf("expected RpcError with a wrong password, got %v", err)
	}
}

func TestRPCErrors(t *testing.T) {
	r := newTestRPC(t, &fakeDaemon{t: t}, "")
	var res struct{}
	if err := r.request(context.Background(), "no_such_method", nil, &res); !gate.IsError(err, gate.RpcError) {
		t.Fatalf("expected RpcError for json-rpc error, got %v", err)
	}
	if _, err := NewRPC(gate.DaemonConfig{URL: "http://x", Login: "nocolon"}); !gate.IsError(err, gate.BadRequest) {
		t.Fatalf("expected BadRequest for a malformed login, got %v", err)
	}
	down, _ := NewRPC(gate.DaemonConfig{URL: "http://127.0.0.1:1", Timeout: 1})
	if _, err := down.GetHeight(context.Background()); !gate.IsError(err, gate.RpcError) {
		t.Fatalf("expected RpcError for an unreachable daemon, got %v", err)
	}
}

func TestParseNotification(t *testing.T) {
	events, err := parseNotification([]byte(`json-minimal-chain_main:{"first_height":100,"first_prev_id":"aa","ids":["b1","b2"]}`))
	if err != nil {
		t.Fatalf("chain_main: %v", err)
	}
	if len(events) != 2 || events[1].Type != gate.BlockEvent || events[1].ID != "b2" || events[1].Height != 101 {
		t.Fatalf("chain_main: unexpected events %+v", events)
	}
	events, err = parseNotification([]byte(`json-minimal-txpool_add:[{"id":"t1","blob_size":1500,"weight":1500,"fee":30000}]`))
	if err != nil || len(events) != 1 || events[0].Type != gate.TxEvent || events[0].ID != "t1" {
		t.Fatalf("txpool_add: %+v %v", events, err)
	}
	if _, err := parseNotification([]byte("garbage")); err == nil {
		t.Fatalf("expected an error for a frame without topic")
	}
	if _, err := parseNotification([]byte(`json-full-chain_main:{}`)); err == nil {
		t.Fatalf("expected an error for an unknown topic")
	}
}

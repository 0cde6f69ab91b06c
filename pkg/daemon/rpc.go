package daemon

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/icholy/digest"
	gate "github.com/xmrgate/xmrgate/pkg"
)

// interface guard ensures RPC implements gate.DaemonClient
var _ gate.DaemonClient = &RPC{}

// monerod caps get_transactions; stay well under it.
const maxTxsPerRequest = 100

// RPC talks to monerod's JSON-RPC and REST-style endpoints.
type RPC struct {
	url    string
	client *http.Client
	id     uint64
}

// NewRPC returns a gate.DaemonClient for the monerod at config.URL.
func NewRPC(config gate.DaemonConfig) (*RPC, error) {
	url := strings.TrimRight(config.URL, "/")
	if url == "" {
		return nil, gate.NewErr(gate.BadRequest, "daemon url is required")
	}
	timeout := time.Duration(config.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	if config.Login != "" {
		user, pass, ok := strings.Cut(config.Login, ":")
		if !ok {
			return nil, gate.NewErr(gate.BadRequest, "daemon login must be user:password")
		}
		// monerod --rpc-login only speaks digest auth
		client.Transport = &digest.Transport{Username: user, Password: pass}
	}
	return &RPC{url: url, client: client}, nil
}

type rpcRequest struct {
	JsonRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	Id      string `json:"id"`
}
type rpcResponse struct {
	Id     string           `json:"id"`
	Result *json.RawMessage `json:"result"`
	Error  *rpcError        `json:"error"`
}
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// every monerod response carries a status
type statusResult struct {
	Status string `json:"status"`
}

func (s statusResult) check(what string) error {
	if s.Status != "OK" {
		return gate.NewErr(gate.RpcError, "%s: daemon status %q", what, s.Status)
	}
	return nil
}

// request calls a /json_rpc method.
func (r *RPC) request(ctx context.Context, method string, params any, result any) error {
	body := rpcRequest{
		JsonRPC: "2.0",
		Method:  method,
		Params:  params,
		Id:      fmt.Sprint(atomic.AddUint64(&r.id, 1)), // each request should use a unique ID
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return gate.NewErr(gate.RpcError, "json-rpc marshal request: %v", err)
	}
	res_bytes, err := r.post(ctx, "/json_rpc", payload)
	if err != nil {
		return err
	}
	var rpcres rpcResponse
	err = json.Unmarshal(res_bytes, &rpcres)
	if err != nil {
		return gate.NewErr(gate.RpcError, "json-rpc unmarshal response: %v", err)
	}
	if rpcres.Id != body.Id {
		return gate.NewErr(gate.RpcError, "json-rpc wrong ID returned: %v vs %v", rpcres.Id, body.Id)
	}
	if rpcres.Error != nil {
		return gate.NewErr(gate.RpcError, "json-rpc error returned: %s: %d %s", method, rpcres.Error.Code, rpcres.Error.Message)
	}
	if rpcres.Result == nil {
		return gate.NewErr(gate.RpcError, "json-rpc missing result")
	}
	err = json.Unmarshal(*rpcres.Result, result)
	if err != nil {
		return gate.NewErr(gate.RpcError, "json-rpc unmarshal result: %v | %v", err, string(*rpcres.Result))
	}
	return nil
}

// call posts JSON to one of the non-JSON-RPC endpoints (/get_transactions etc).
func (r *RPC) call(ctx context.Context, path string, params any, result any) error {
	payload, err := json.Marshal(params)
	if err != nil {
		return gate.NewErr(gate.RpcError, "%s marshal request: %v", path, err)
	}
	res_bytes, err := r.post(ctx, path, payload)
	if err != nil {
		return err
	}
	if err = json.Unmarshal(res_bytes, result); err != nil {
		return gate.NewErr(gate.RpcError, "%s unmarshal response: %v", path, err)
	}
	return nil
}

func (r *RPC) post(ctx context.Context, path string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", r.url+path, bytes.NewReader(payload))
	if err != nil {
		return nil, gate.NewErr(gate.RpcError, "%s request: %v", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := r.client.Do(req)
	if err != nil {
		return nil, gate.NewErr(gate.RpcError, "%s transport: %v", path, err)
	}
	// we MUST read all of res.Body and call res.Close,
	// otherwise the underlying connection cannot be re-used.
	defer res.Body.Close()
	res_bytes, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, gate.NewErr(gate.RpcError, "%s read response: %v", path, err)
	}
	if res.StatusCode != 200 {
		return nil, gate.NewErr(gate.RpcError, "%s status code: %s", path, res.Status)
	}
	return res_bytes, nil
}

func (r *RPC) GetHeight(ctx context.Context) (uint64, error) {
	var res struct {
		statusResult
		Count uint64 `json:"count"`
	}
	if err := r.request(ctx, "get_block_count", nil, &res); err != nil {
		return 0, err
	}
	return res.Count, res.check("get_block_count")
}

type rpcBlockHeader struct {
	Hash      string `json:"hash"`
	PrevHash  string `json:"prev_hash"`
	Height    uint64 `json:"height"`
	Timestamp uint64 `json:"timestamp"`
}

func (h rpcBlockHeader) header() gate.BlockHeader {
	return gate.BlockHeader{Height: h.Height, Hash: h.Hash, PrevHash: h.PrevHash, Timestamp: h.Timestamp}
}

func (r *RPC) GetBlock(ctx context.Context, height uint64) (gate.Block, error) {
	var res struct {
		statusResult
		BlockHeader rpcBlockHeader `json:"block_header"`
		MinerTxHash string         `json:"miner_tx_hash"`
		TxHashes    []string       `json:"tx_hashes"`
	}
	if err := r.request(ctx, "get_block", map[string]any{"height": height}, &res); err != nil {
		return gate.Block{}, err
	}
	if err := res.check("get_block"); err != nil {
		return gate.Block{}, err
	}
	if res.BlockHeader.Height != height {
		return gate.Block{}, gate.NewErr(gate.RpcError, "get_block: asked for %d, got %d", height, res.BlockHeader.Height)
	}
	return gate.Block{
		BlockHeader: res.BlockHeader.header(),
		MinerTxHash: res.MinerTxHash,
		TxHashes:    res.TxHashes,
	}, nil
}

func (r *RPC) GetBlockHeaders(ctx context.Context, start, end uint64) ([]gate.BlockHeader, error) {
	var res struct {
		statusResult
		Headers []rpcBlockHeader `json:"headers"`
	}
	params := map[string]any{"start_height": start, "end_height": end}
	if err := r.request(ctx, "get_block_headers_range", params, &res); err != nil {
		return nil, err
	}
	if err := res.check("get_block_headers_range"); err != nil {
		return nil, err
	}
	headers := make([]gate.BlockHeader, 0, len(res.Headers))
	for _, h := range res.Headers {
		headers = append(headers, h.header())
	}
	return headers, nil
}

func (r *RPC) GetTxpoolHashes(ctx context.Context) ([]string, error) {
	var res struct {
		statusResult
		TxHashes []string `json:"tx_hashes"`
	}
	if err := r.call(ctx, "/get_transaction_pool_hashes", struct{}{}, &res); err != nil {
		return nil, err
	}
	return res.TxHashes, res.check("get_transaction_pool_hashes")
}

type rpcTxEntry struct {
	TxHash      string `json:"tx_hash"`
	AsJson      string `json:"as_json"`
	BlockHeight uint64 `json:"block_height"`
	InPool      bool   `json:"in_pool"`
}

// GetTransactions fetches transactions in chunks, returning them in the
// order requested. A transaction the daemon does not know is an error:
// nothing may be skipped silently.
func (r *RPC) GetTransactions(ctx context.Context, hashes []string) ([]gate.Transaction, error) {
	result := make([]gate.Transaction, 0, len(hashes))
	for start := 0; start < len(hashes); start += maxTxsPerRequest {
		end := start + maxTxsPerRequest
		if end > len(hashes) {
			end = len(hashes)
		}
		chunk := hashes[start:end]
		var res struct {
			statusResult
			Txs      []rpcTxEntry `json:"txs"`
			MissedTx []string     `json:"missed_tx"`
		}
		params := map[string]any{"txs_hashes": chunk, "decode_as_json": true}
		if err := r.call(ctx, "/get_transactions", params, &res); err != nil {
			return nil, err
		}
		if err := res.check("get_transactions"); err != nil {
			return nil, err
		}
		if len(res.MissedTx) > 0 {
			return nil, gate.NewErr(gate.RpcError, "get_transactions: daemon missed %d txs (%s...)", len(res.MissedTx), res.MissedTx[0])
		}
		byHash := make(map[string]rpcTxEntry, len(res.Txs))
		for _, e := range res.Txs {
			byHash[e.TxHash] = e
		}
		for _, h := range chunk {
			e, ok := byHash[h]
			if !ok {
				return nil, gate.NewErr(gate.RpcError, "get_transactions: %s not returned", h)
			}
			tx, err := decodeTx(e)
			if err != nil {
				return nil, err
			}
			result = append(result, tx)
		}
	}
	return result, nil
}

// rawTx is the part of monerod's decode_as_json output we read.
type rawTx struct {
	Version    uint64 `json:"version"`
	UnlockTime uint64 `json:"unlock_time"`
	Vout       []struct {
		Amount uint64 `json:"amount"`
		Target struct {
			Key       string `json:"key"`
			TaggedKey *struct {
				Key     string `json:"key"`
				ViewTag string `json:"view_tag"`
			} `json:"tagged_key"`
		} `json:"target"`
	} `json:"vout"`
	Extra         []int `json:"extra"`
	RctSignatures struct {
		Type     int `json:"type"`
		EcdhInfo []struct {
			Mask   string `json:"mask"`
			Amount string `json:"amount"`
		} `json:"ecdhInfo"`
		OutPk []string `json:"outPk"`
	} `json:"rct_signatures"`
}

// decodeTx converts a get_transactions entry. Bad hex in one output
// leaves that field empty, so the matcher reports just that output.
func decodeTx(e rpcTxEntry) (gate.Transaction, error) {
	var raw rawTx
	if err := json.Unmarshal([]byte(e.AsJson), &raw); err != nil {
		return gate.Transaction{}, gate.NewErr(gate.RpcError, "get_transactions: decoding %s: %v", e.TxHash, err)
	}
	tx := gate.Transaction{
		Hash:       e.TxHash,
		Version:    raw.Version,
		UnlockTime: raw.UnlockTime,
		RctType:    raw.RctSignatures.Type,
		InPool:     e.InPool,
	}
	if !e.InPool {
		tx.Height = e.BlockHeight
	}
	tx.Extra = make([]byte, len(raw.Extra))
	for i, b := range raw.Extra {
		tx.Extra[i] = byte(b)
	}
	for i, v := range raw.Vout {
		out := gate.TxOutput{Amount: v.Amount}
		if v.Target.TaggedKey != nil {
			out.Key = unhex(v.Target.TaggedKey.Key)
			out.ViewTag = unhex(v.Target.TaggedKey.ViewTag)
		} else {
			out.Key = unhex(v.Target.Key)
		}
		if i < len(raw.RctSignatures.EcdhInfo) {
			ecdh := raw.RctSignatures.EcdhInfo[i]
			out.EncryptedAmount = unhex(ecdh.Amount)
			out.EncryptedMask = unhex(ecdh.Mask)
		}
		if i < len(raw.RctSignatures.OutPk) {
			out.Commitment = unhex(raw.RctSignatures.OutPk[i])
		}
		tx.Outputs = append(tx.Outputs, out)
	}
	return tx, nil
}

func unhex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}

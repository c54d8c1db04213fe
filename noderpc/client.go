// Package noderpc is a minimal JSON-RPC 1.0 client for the three bitcoind
// calls the watcher depends on: listunspent, sendrawtransaction and
// getrawtransaction.
package noderpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"bitvm.dev/prover/watcher"
)

// Client talks to one bitcoind instance over HTTP basic auth.
type Client struct {
	url        string
	user       string
	pass       string
	httpClient *http.Client
}

func NewClient(url, user, pass string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		url:        url,
		user:       user,
		pass:       pass,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []any, result any) error {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "1.0",
		ID:      "bitvm-watcher",
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.user, c.pass)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", method, err)
	}
	var decoded rpcResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s: http status %d", method, resp.StatusCode)
		}
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if decoded.Error != nil {
		return fmt.Errorf("%s: %w", method, decoded.Error)
	}
	if result == nil {
		return nil
	}
	if len(decoded.Result) == 0 || bytes.Equal(decoded.Result, []byte("null")) {
		return fmt.Errorf("%s: empty result", method)
	}
	return json.Unmarshal(decoded.Result, result)
}

type listUnspentEntry struct {
	Txid      string  `json:"txid"`
	Vout      uint32  `json:"vout"`
	AmountBTC float64 `json:"amount"`
}

// ListUnspent reports spendable outputs for one address, including
// unconfirmed ones. Amounts are converted from BTC to satoshis.
func (c *Client) ListUnspent(ctx context.Context, address string) ([]watcher.UTXO, error) {
	if address == "" {
		return nil, errors.New("address required")
	}
	var entries []listUnspentEntry
	if err := c.call(ctx, "listunspent", []any{0, 9999999, []string{address}}, &entries); err != nil {
		return nil, err
	}
	utxos := make([]watcher.UTXO, 0, len(entries))
	for _, e := range entries {
		utxos = append(utxos, watcher.UTXO{
			Txid:       e.Txid,
			Vout:       e.Vout,
			AmountSats: btcToSats(e.AmountBTC),
		})
	}
	return utxos, nil
}

// SendRawTransaction broadcasts a serialized transaction and returns its
// txid.
func (c *Client) SendRawTransaction(ctx context.Context, txHex string) (string, error) {
	var txid string
	if err := c.call(ctx, "sendrawtransaction", []any{txHex}, &txid); err != nil {
		return "", err
	}
	return txid, nil
}

type rawTxResult struct {
	Hex  string `json:"hex"`
	Vout []struct {
		ValueBTC     float64 `json:"value"`
		ScriptPubKey struct {
			Hex string `json:"hex"`
		} `json:"scriptPubKey"`
	} `json:"vout"`
}

// GetRawTransaction fetches the verbose decoded view of a broadcast
// transaction.
func (c *Client) GetRawTransaction(ctx context.Context, txid string) (*watcher.TxInfo, error) {
	var decoded rawTxResult
	if err := c.call(ctx, "getrawtransaction", []any{txid, true}, &decoded); err != nil {
		return nil, err
	}
	info := &watcher.TxInfo{Hex: decoded.Hex}
	for _, out := range decoded.Vout {
		info.Vout = append(info.Vout, watcher.TxOutInfo{
			ValueBTC:     out.ValueBTC,
			ScriptPubKey: out.ScriptPubKey.Hex,
		})
	}
	return info, nil
}

func btcToSats(v float64) int64 {
	return int64(math.Round(v * 1e8))
}

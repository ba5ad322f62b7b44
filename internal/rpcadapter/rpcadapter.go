// Package rpcadapter talks to a single archival node capable of answering
// balance queries at any historical block height. The wire dialect is
// NEAR's JSON-RPC "query" method; the manual envelope + atomic request-id
// idiom is carried over from the teacher's internal/backend/jsonrpc.go,
// reduced from a bitcoin/EVM dual dispatcher to one protocol because this
// engine targets exactly one chain.
package rpcadapter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/klingon-exchange/ledger-engine/internal/retry"
)

// Sentinel errors classifying what went wrong with an RPC call, per the
// error-handling design: account-not-exist normalizes to a zero balance and
// never surfaces past the adapter; block-unknown retries at a lower height
// before giving up as ErrDataUnavailable; a transient transport failure
// (connection refused, timeout, reset mid-read) is retried internally by
// call() and never surfaces either; everything else is returned as-is,
// wrapped.
var (
	ErrAccountNotExist = errors.New("account does not exist")
	ErrBlockUnknown    = errors.New("block is unknown or garbage collected")
	ErrDataUnavailable = errors.New("historical data unavailable at this height")

	errTransientTransport = errors.New("transient rpc transport error")
)

// transportRetryAttempts and transportRetryBackoff implement the bounded
// exponential backoff named in the error-handling design: 3 retries at
// 200ms/400ms/800ms, grounded on the teacher's internal/backend/jsonrpc.go
// transient handling but generalized through internal/retry.Do.
const transportRetryAttempts = 4

var transportRetryBackoff = retry.ExponentialBackoff(200*time.Millisecond, 800*time.Millisecond)

func isTransientTransport(err error) bool {
	return errors.Is(err, errTransientTransport)
}

// BlockHeader is the minimal header information the engine needs: enough to
// timestamp a balance change and to detect the chain's current tip.
type BlockHeader struct {
	Height int64
	Hash   string
	Time   time.Time
}

// Client is everything the rest of the engine needs from the archival node.
// All amounts are *big.Int: native NEAR alone uses 24 decimals, well past
// what a uint64/float64 conversion can hold exactly, and a fungible token's
// precision is unknown to the adapter at all.
type Client interface {
	NativeBalance(ctx context.Context, accountID string, height int64) (*big.Int, error)
	FTBalance(ctx context.Context, contractID, accountID string, height int64) (*big.Int, error)
	MTBalance(ctx context.Context, multiContractID, accountID, subID string, height int64) (*big.Int, error)
	BlockHeader(ctx context.Context, height int64) (BlockHeader, error)
	Tip(ctx context.Context) (int64, error)
}

// maxBlockRetries bounds the "block unknown, retry one lower" loop so a
// persistently bad height can't spin forever.
const maxBlockRetries = 10

// JSONRPCClient is the Client implementation backed by a real archival
// node's JSON-RPC endpoint.
type JSONRPCClient struct {
	url        string
	bearer     string
	httpClient *http.Client
	requestID  atomic.Uint64
}

// New creates a JSONRPCClient against the given endpoint. An empty bearer
// token means no Authorization header is sent.
func New(url, bearer string) *JSONRPCClient {
	return &JSONRPCClient{
		url:    url,
		bearer: bearer,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type queryParams struct {
	RequestType string `json:"request_type"`
	BlockID     int64  `json:"block_id"`
	AccountID   string `json:"account_id,omitempty"`
}

// NativeBalance returns the native-token balance of accountID at height.
// An account that does not exist at that height normalizes to zero: a brand
// new account simply has no balance before it was created, which is
// indistinguishable from "balance 0" for reconstruction purposes.
func (c *JSONRPCClient) NativeBalance(ctx context.Context, accountID string, height int64) (*big.Int, error) {
	result, err := c.query(ctx, queryParams{RequestType: "view_account", BlockID: height, AccountID: accountID})
	if err != nil {
		if errors.Is(err, ErrAccountNotExist) {
			return big.NewInt(0), nil
		}
		return nil, err
	}

	var account struct {
		Amount string `json:"amount"`
	}
	if err := json.Unmarshal(result, &account); err != nil {
		return nil, fmt.Errorf("failed to parse view_account result: %w", err)
	}

	balance, ok := new(big.Int).SetString(account.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("malformed native balance %q for %s", account.Amount, accountID)
	}
	return balance, nil
}

// FTBalance reads accountID's balance on a fungible-token contract by
// calling ft_balance_of through callFunctionJSONAtHeight, which handles the
// base64 encoding of the view arguments.
func (c *JSONRPCClient) FTBalance(ctx context.Context, contractID, accountID string, height int64) (*big.Int, error) {
	var out string
	err := c.callFunctionJSONAtHeight(ctx, contractID, "ft_balance_of", map[string]string{"account_id": accountID}, height, &out)
	if err != nil {
		if errors.Is(err, ErrAccountNotExist) {
			return big.NewInt(0), nil
		}
		return nil, err
	}

	balance, ok := new(big.Int).SetString(out, 10)
	if !ok {
		return nil, fmt.Errorf("malformed FT balance %q for %s on %s", out, accountID, contractID)
	}
	return balance, nil
}

func (c *JSONRPCClient) MTBalance(ctx context.Context, multiContractID, accountID, subID string, height int64) (*big.Int, error) {
	var out string
	err := c.callFunctionJSONAtHeight(ctx, multiContractID, "mt_balance_of", map[string]string{
		"token_id":   subID,
		"account_id": accountID,
	}, height, &out)
	if err != nil {
		if errors.Is(err, ErrAccountNotExist) {
			return big.NewInt(0), nil
		}
		return nil, err
	}

	balance, ok := new(big.Int).SetString(out, 10)
	if !ok {
		return nil, fmt.Errorf("malformed MT balance %q for %s:%s on %s", out, accountID, subID, multiContractID)
	}
	return balance, nil
}

// callFunctionJSONAtHeight invokes a read-only contract view method,
// retrying at a decreasing height when the node reports the block as
// unavailable (garbage collected or not yet indexed), up to maxBlockRetries
// times before surfacing ErrDataUnavailable.
func (c *JSONRPCClient) callFunctionJSONAtHeight(ctx context.Context, contractID, method string, args map[string]string, height int64, out interface{}) error {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("failed to marshal view args: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= maxBlockRetries; attempt++ {
		result, err := c.query(ctx, struct {
			RequestType string `json:"request_type"`
			BlockID     int64  `json:"block_id"`
			AccountID   string `json:"account_id"`
			MethodName  string `json:"method_name"`
			ArgsBase64  string `json:"args_base64"`
		}{
			RequestType: "call_function",
			BlockID:     height - int64(attempt),
			AccountID:   contractID,
			MethodName:  method,
			ArgsBase64:  base64.StdEncoding.EncodeToString(argsJSON),
		})
		if err == nil {
			var wrapper struct {
				Result []byte `json:"result"`
			}
			if err := json.Unmarshal(result, &wrapper); err != nil {
				return fmt.Errorf("failed to parse call_function result: %w", err)
			}
			if err := json.Unmarshal(wrapper.Result, out); err != nil {
				return fmt.Errorf("failed to parse view return value: %w", err)
			}
			return nil
		}

		lastErr = err
		if errors.Is(err, ErrAccountNotExist) {
			return err
		}
		if !errors.Is(err, ErrBlockUnknown) {
			return err
		}
		// ErrBlockUnknown: decrement height and retry.
	}

	return fmt.Errorf("%w: %v", ErrDataUnavailable, lastErr)
}

// ViewAtTip calls a read-only contract view method at the current chain tip
// and decodes its JSON return value into out. Exported (unlike the
// height-pinned helper above) for internal/discovery, which has no specific
// historical height in mind when enumerating an account's current tokens.
func (c *JSONRPCClient) ViewAtTip(ctx context.Context, contractID, method string, args map[string]string, out interface{}) error {
	tip, err := c.Tip(ctx)
	if err != nil {
		return fmt.Errorf("failed to read tip for view call: %w", err)
	}
	return c.callFunctionJSONAtHeight(ctx, contractID, method, args, tip, out)
}

// BlockHeader returns the header at height.
func (c *JSONRPCClient) BlockHeader(ctx context.Context, height int64) (BlockHeader, error) {
	result, err := c.call(ctx, "block", map[string]interface{}{"block_id": height})
	if err != nil {
		return BlockHeader{}, err
	}

	var block struct {
		Header struct {
			Height    int64  `json:"height"`
			Hash      string `json:"hash"`
			Timestamp int64  `json:"timestamp"` // nanoseconds since epoch
		} `json:"header"`
	}
	if err := json.Unmarshal(result, &block); err != nil {
		return BlockHeader{}, fmt.Errorf("failed to parse block header: %w", err)
	}

	return BlockHeader{
		Height: block.Header.Height,
		Hash:   block.Header.Hash,
		Time:   time.Unix(0, block.Header.Timestamp),
	}, nil
}

// Tip returns the current chain height (the latest final block).
func (c *JSONRPCClient) Tip(ctx context.Context) (int64, error) {
	result, err := c.call(ctx, "status", map[string]interface{}{})
	if err != nil {
		return 0, err
	}

	var status struct {
		SyncInfo struct {
			LatestBlockHeight int64 `json:"latest_block_height"`
		} `json:"sync_info"`
	}
	if err := json.Unmarshal(result, &status); err != nil {
		return 0, fmt.Errorf("failed to parse status: %w", err)
	}
	return status.SyncInfo.LatestBlockHeight, nil
}

func (c *JSONRPCClient) query(ctx context.Context, params interface{}) (json.RawMessage, error) {
	return c.call(ctx, "query", params)
}

// call sends one JSON-RPC request, retrying the whole round trip when it
// fails with a transient transport error (connection refused, timeout, reset
// mid-read) up to transportRetryAttempts times with transportRetryBackoff
// between attempts. Application-level errors (account/block not found, an
// RPC error response) are not retried here; they're classified and returned
// immediately.
func (c *JSONRPCClient) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	var result json.RawMessage
	err := retry.Do(ctx, isTransientTransport, transportRetryAttempts, transportRetryBackoff, func(ctx context.Context) error {
		r, err := c.doCall(ctx, method, params)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *JSONRPCClient) doCall(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := c.requestID.Add(1)

	request := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}

	data, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rpc transport error: %w: %w", errTransientTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read rpc response: %w: %w", errTransientTransport, err)
	}

	var response struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Name string `json:"name"`
			Cause struct {
				Name string `json:"name"`
			} `json:"cause"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to parse rpc response: %w", err)
	}

	if response.Error != nil {
		return nil, classifyRPCError(response.Error.Cause.Name, response.Error.Message)
	}

	return response.Result, nil
}

func classifyRPCError(causeName, message string) error {
	switch causeName {
	case "UNKNOWN_ACCOUNT":
		return fmt.Errorf("%w: %s", ErrAccountNotExist, message)
	case "UNKNOWN_BLOCK", "GC_BLOCK_MISSING":
		return fmt.Errorf("%w: %s", ErrBlockUnknown, message)
	default:
		return fmt.Errorf("rpc error %s: %s", causeName, message)
	}
}

var _ Client = (*JSONRPCClient)(nil)

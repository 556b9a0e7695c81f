// Package rpcclient is a thin JSON-RPC client for the workchain node.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"workchain/core/types"
	"workchain/crypto"
	"workchain/native/escrow"
)

const jsonRPCVersion = "2.0"

// Receipt statuses.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// JSON-RPC error codes the client reacts to.
const (
	CodeNotFound    = -32004
	CodeDuplicateTx = -32010
	CodeNonceTooLow = -32011
)

// Client wraps a node JSON-RPC endpoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
	authToken  string
	nextID     atomic.Int64
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for RPC calls.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithAuthToken sets the bearer token attached to transaction submissions.
func WithAuthToken(token string) Option {
	return func(c *Client) {
		c.authToken = strings.TrimSpace(token)
	}
}

// New initialises a client bound to the provided JSON-RPC endpoint.
func New(endpoint string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("rpcclient: endpoint required")
	}
	c := &Client{endpoint: trimmed, httpClient: http.DefaultClient}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.httpClient == nil {
		c.httpClient = http.DefaultClient
	}
	return c, nil
}

// Endpoint returns the base URL of the node.
func (c *Client) Endpoint() string { return c.endpoint }

// Error is a JSON-RPC error returned by the node. Escrow failures unwrap to
// the typed escrow error so errors.Is matches escrow sentinels.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`

	typed error
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpcclient: rpc error %d: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.typed }

type escrowErrorData struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

func (e *Error) resolve() {
	if len(e.Data) == 0 {
		return
	}
	var data escrowErrorData
	if err := json.Unmarshal(e.Data, &data); err != nil || data.Kind == "" {
		return
	}
	e.typed = escrow.Rebuild(data.Kind, data.Reason, e.Message)
}

// IsCode reports whether err is an RPC error with the given code.
func IsCode(err error, code int) bool {
	var rpcErr *Error
	return errors.As(err, &rpcErr) && rpcErr.Code == code
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
}

// Call invokes method and decodes the result into out.
func (c *Client) Call(ctx context.Context, method string, out interface{}, params ...interface{}) error {
	return c.call(ctx, method, params, false, out)
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, auth bool, out interface{}) error {
	if params == nil {
		params = []interface{}{}
	}
	payload := rpcRequest{
		JSONRPC: jsonRPCVersion,
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("rpcclient: encode rpc payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("rpcclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if auth && c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rpcclient: %s: %w", method, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("rpcclient: read response: %w", err)
	}
	var decoded rpcResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("rpcclient: rpc error status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
		}
		return fmt.Errorf("rpcclient: decode response: %w", err)
	}
	if decoded.Error != nil {
		decoded.Error.resolve()
		return decoded.Error
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(decoded.Result, out); err != nil {
		return fmt.Errorf("rpcclient: decode %s result: %w", method, err)
	}
	return nil
}

// Receipt is the inclusion state of a transaction.
type Receipt struct {
	TxHash      string        `json:"txHash"`
	Status      string        `json:"status"`
	Height      uint64        `json:"height,omitempty"`
	Index       int           `json:"index"`
	ErrorKind   string        `json:"errorKind,omitempty"`
	ErrorReason string        `json:"errorReason,omitempty"`
	Error       string        `json:"error,omitempty"`
	Events      []types.Event `json:"events,omitempty"`
}

// Pending reports whether the transaction awaits inclusion.
func (r *Receipt) Pending() bool { return r != nil && r.Status == StatusPending }

// Succeeded reports whether the transition was applied.
func (r *Receipt) Succeeded() bool { return r != nil && r.Status == StatusSuccess }

// Err rebuilds the typed escrow error of a failed receipt.
func (r *Receipt) Err() error {
	if r == nil || r.Status != StatusFailed {
		return nil
	}
	return escrow.Rebuild(r.ErrorKind, r.ErrorReason, r.Error)
}

// Attribute returns the first value of key across events of eventType.
func (r *Receipt) Attribute(eventType, key string) (string, bool) {
	if r == nil {
		return "", false
	}
	for _, evt := range r.Events {
		if evt.Type == eventType {
			if v, ok := evt.Attributes[key]; ok {
				return v, true
			}
		}
	}
	return "", false
}

// Balance is an account snapshot.
type Balance struct {
	Address  string `json:"address"`
	Balance  string `json:"balance"`
	Nonce    uint64 `json:"nonce"`
	Currency string `json:"currency"`
	Decimals int    `json:"decimals"`
}

// ChainInfo summarises the node.
type ChainInfo struct {
	ChainID  uint64 `json:"chainId"`
	Height   uint64 `json:"height"`
	TipHash  string `json:"tipHash"`
	Mempool  int    `json:"mempool"`
	Currency string `json:"currency"`
	Decimals int    `json:"decimals"`
}

// Status is a status code with its label.
type Status struct {
	Status     string `json:"status"`
	StatusCode uint8  `json:"statusCode"`
}

// Votes lists voters and votes in cast order.
type Votes struct {
	Voters []string `json:"voters"`
	Votes  []uint8  `json:"votes"`
}

// EventRecord is a ledger event with its sequence number.
type EventRecord struct {
	Seq    uint64      `json:"seq"`
	Height uint64      `json:"height"`
	TxHash string      `json:"txHash"`
	Event  types.Event `json:"event"`
}

// EventPage is a page of the event log.
type EventPage struct {
	Events []EventRecord `json:"events"`
	Next   uint64        `json:"next"`
}

type sendResult struct {
	TxHash string `json:"txHash"`
}

// SendTransaction broadcasts a signed transaction and returns its hash.
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) (string, error) {
	var out sendResult
	if err := c.call(ctx, "escrow_sendTransaction", []interface{}{tx}, true, &out); err != nil {
		return "", err
	}
	return out.TxHash, nil
}

// Receipt fetches the inclusion state of hash.
func (c *Client) Receipt(ctx context.Context, hash string) (*Receipt, error) {
	var out Receipt
	if err := c.Call(ctx, "tx_getReceipt", &out, hash); err != nil {
		return nil, err
	}
	return &out, nil
}

// Nonce returns the next nonce for addr. With pending set it accounts for
// transactions still in the mempool.
func (c *Client) Nonce(ctx context.Context, addr [20]byte, pending bool) (uint64, error) {
	tag := "latest"
	if pending {
		tag = "pending"
	}
	var out uint64
	err := c.Call(ctx, "account_getNonce", &out, crypto.FormatAddress(addr), tag)
	return out, err
}

// Balance returns the account snapshot of addr.
func (c *Client) Balance(ctx context.Context, addr [20]byte) (*Balance, error) {
	var out Balance
	if err := c.Call(ctx, "account_getBalance", &out, crypto.FormatAddress(addr)); err != nil {
		return nil, err
	}
	return &out, nil
}

// ChainInfo returns the node summary.
func (c *Client) ChainInfo(ctx context.Context) (*ChainInfo, error) {
	var out ChainInfo
	if err := c.Call(ctx, "chain_info", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Params returns the escrow parameters the node runs with.
func (c *Client) Params(ctx context.Context) (escrow.Params, error) {
	var out escrow.Params
	err := c.Call(ctx, "escrow_params", &out)
	return out, err
}

// Job returns the wire view of a job.
func (c *Client) Job(ctx context.Context, jobID uint64) (*escrow.JobView, error) {
	var out escrow.JobView
	if err := c.Call(ctx, "escrow_getJob", &out, jobID); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ProjectStatus(ctx context.Context, jobID uint64) (*Status, error) {
	var out Status
	if err := c.Call(ctx, "escrow_getProjectStatus", &out, jobID); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) MilestoneStatus(ctx context.Context, jobID, index uint64) (*Status, error) {
	var out Status
	if err := c.Call(ctx, "escrow_getMilestoneStatus", &out, jobID, index); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) MilestoneReviewers(ctx context.Context, jobID, index uint64) ([]string, error) {
	var out []string
	err := c.Call(ctx, "escrow_getMilestoneReviewers", &out, jobID, index)
	return out, err
}

func (c *Client) MilestoneVotes(ctx context.Context, jobID, index uint64) (*Votes, error) {
	var out Votes
	if err := c.Call(ctx, "escrow_getMilestoneVotes", &out, jobID, index); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) IsReviewer(ctx context.Context, addr [20]byte) (bool, error) {
	var out bool
	err := c.Call(ctx, "escrow_isReviewer", &out, crypto.FormatAddress(addr))
	return out, err
}

// EventFilter selects a page of the event log.
type EventFilter struct {
	From  uint64 `json:"from"`
	Limit int    `json:"limit,omitempty"`
	Type  string `json:"type,omitempty"`
}

// ListEvents returns a page of the ledger event log.
func (c *Client) ListEvents(ctx context.Context, filter EventFilter) (*EventPage, error) {
	var out EventPage
	if err := c.Call(ctx, "escrow_listEvents", &out, filter); err != nil {
		return nil, err
	}
	return &out, nil
}

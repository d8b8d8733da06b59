package ledger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jobagent/jobagent/internal/transport"
)

// RPCConfig configures an RPCClient.
type RPCConfig struct {
	URL string
	// From is the unlocked worker account on the node.
	From Address
	// Contract is the marketplace contract address.
	Contract    Address
	GasLimit    uint64
	GasPriceWei *big.Int
	// PollInterval between receipt lookups. Zero means 2s.
	PollInterval time.Duration
	// ConfirmTimeout bounds Wait. Zero means 2m.
	ConfirmTimeout time.Duration
}

// RPCClient is a Gateway speaking Ethereum JSON-RPC to a node that
// holds the worker key.
type RPCClient struct {
	cfg    RPCConfig
	http   *transport.Client
	nextID atomic.Int64
}

// NewRPCClient returns an RPCClient for cfg.
func NewRPCClient(cfg RPCConfig, http *transport.Client) (*RPCClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if cfg.GasPriceWei == nil {
		cfg.GasPriceWei = big.NewInt(1_000_000_000)
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 800_000
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	return &RPCClient{cfg: cfg, http: http}, nil
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func (c *RPCClient) call(ctx context.Context, method string, out any, params ...any) error {
	req := rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params}
	var resp rpcResponse
	if err := c.http.PostJSON(ctx, c.cfg.URL, req, &resp); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if resp.Error != nil {
		return fmt.Errorf("%s: %w", method, resp.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

func (c *RPCClient) Simulated() bool { return false }

// Sign uses eth_sign, which applies the EIP-191 personal message prefix.
func (c *RPCClient) Sign(ctx context.Context, digest []byte) ([]byte, error) {
	var sig string
	if err := c.call(ctx, "eth_sign", &sig, c.cfg.From.String(), hexBytes(digest)); err != nil {
		return nil, err
	}
	b, err := decodeHex(sig)
	if err != nil {
		return nil, fmt.Errorf("eth_sign: %w", err)
	}
	return b, nil
}

func (c *RPCClient) Send(ctx context.Context, call Call) (string, error) {
	data, err := call.Data()
	if err != nil {
		return "", err
	}
	tx := map[string]string{
		"from":     c.cfg.From.String(),
		"to":       c.cfg.Contract.String(),
		"gas":      hexQuantity(new(big.Int).SetUint64(c.cfg.GasLimit)),
		"gasPrice": hexQuantity(c.cfg.GasPriceWei),
		"data":     hexBytes(data),
	}
	var hash string
	if err := c.call(ctx, "eth_sendTransaction", &hash, tx); err != nil {
		return "", err
	}
	slog.Info("transaction sent", "method", call.Method, "tx_hash", hash)
	return hash, nil
}

func (c *RPCClient) Wait(ctx context.Context, txHash string) (*Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		r, err := c.Lookup(ctx, txHash)
		if err != nil && ctx.Err() == nil {
			slog.Warn("receipt lookup failed", "tx_hash", txHash, "error", err)
		}
		if r != nil {
			if !r.Success {
				return r, ErrReverted
			}
			return r, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrNotConfirmed, ctx.Err())
		case <-ticker.C:
		}
	}
}

type rpcReceipt struct {
	TransactionHash string `json:"transactionHash"`
	BlockNumber     string `json:"blockNumber"`
	Status          string `json:"status"`
	Logs            []Log  `json:"logs"`
}

func (c *RPCClient) Lookup(ctx context.Context, txHash string) (*Receipt, error) {
	var raw *rpcReceipt
	if err := c.call(ctx, "eth_getTransactionReceipt", &raw, txHash); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	block, err := parseQuantity(raw.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("receipt block number: %w", err)
	}
	status, err := parseQuantity(raw.Status)
	if err != nil {
		return nil, fmt.Errorf("receipt status: %w", err)
	}
	return &Receipt{
		TxHash:      raw.TransactionHash,
		BlockNumber: block,
		Success:     status == 1,
		Logs:        raw.Logs,
	}, nil
}

func hexBytes(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

func hexQuantity(v *big.Int) string {
	return "0x" + v.Text(16)
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

func parseQuantity(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
}

package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobagent/jobagent/internal/transport"
)

type fakeNode struct {
	mu sync.Mutex
	// pendingPolls is how many receipt lookups return null before mining.
	pendingPolls int
	status       string
	sent         []map[string]string
	methods      []string
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     int64             `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.methods = append(n.methods, req.Method)

	var result any
	switch req.Method {
	case "eth_sign":
		result = "0x" + strings.Repeat("ab", 65)
	case "eth_sendTransaction":
		var tx map[string]string
		json.Unmarshal(req.Params[0], &tx) //nolint:errcheck
		n.sent = append(n.sent, tx)
		result = "0xfeed"
	case "eth_getTransactionReceipt":
		if n.pendingPolls > 0 {
			n.pendingPolls--
			result = nil
			break
		}
		result = map[string]any{
			"transactionHash": "0xfeed",
			"blockNumber":     "0x10",
			"status":          n.status,
			"logs":            []any{},
		}
	default:
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"jsonrpc": "2.0", "id": req.ID,
			"error": map[string]any{"code": -32601, "message": "method not found"},
		})
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result}) //nolint:errcheck
}

func newTestRPC(t *testing.T, node *fakeNode) *RPCClient {
	t.Helper()
	srv := httptest.NewServer(node)
	t.Cleanup(srv.Close)
	from, _ := ParseAddress("0x00000000000000000000000000000000000000f0")
	contract, _ := ParseAddress("0x00000000000000000000000000000000000000c0")
	c, err := NewRPCClient(RPCConfig{
		URL:            srv.URL,
		From:           from,
		Contract:       contract,
		PollInterval:   5 * time.Millisecond,
		ConfirmTimeout: time.Second,
	}, transport.New(transport.Options{}))
	require.NoError(t, err)
	return c
}

func TestRPCClient_SubmitWaitsForReceipt(t *testing.T) {
	t.Parallel()
	node := &fakeNode{pendingPolls: 2, status: "0x1"}
	c := newTestRPC(t, node)

	call, err := DeliverResult("5", "QmX")
	require.NoError(t, err)
	r, err := Submit(context.Background(), c, call)
	require.NoError(t, err)
	assert.Equal(t, "0xfeed", r.TxHash)
	assert.EqualValues(t, 16, r.BlockNumber)
	assert.True(t, r.Success)
	assert.False(t, r.Simulated)

	node.mu.Lock()
	defer node.mu.Unlock()
	require.Len(t, node.sent, 1)
	tx := node.sent[0]
	assert.Equal(t, "0x00000000000000000000000000000000000000f0", tx["from"])
	assert.Equal(t, "0x00000000000000000000000000000000000000c0", tx["to"])
	assert.Equal(t, "0xc3500", tx["gas"])
	assert.Equal(t, "0x3b9aca00", tx["gasPrice"])
	assert.True(t, strings.HasPrefix(tx["data"], "0x"))
}

func TestRPCClient_RevertedReceipt(t *testing.T) {
	t.Parallel()
	c := newTestRPC(t, &fakeNode{status: "0x0"})

	call, _ := DeliverResult("5", "QmX")
	r, err := Submit(context.Background(), c, call)
	require.ErrorIs(t, err, ErrReverted)
	require.NotNil(t, r)
	assert.False(t, r.Success)
}

func TestRPCClient_WaitTimesOut(t *testing.T) {
	t.Parallel()
	c := newTestRPC(t, &fakeNode{pendingPolls: 1 << 30, status: "0x1"})
	c.cfg.ConfirmTimeout = 30 * time.Millisecond

	_, err := c.Wait(context.Background(), "0xfeed")
	assert.ErrorIs(t, err, ErrNotConfirmed)
}

func TestRPCClient_LookupPending(t *testing.T) {
	t.Parallel()
	c := newTestRPC(t, &fakeNode{pendingPolls: 1, status: "0x1"})

	r, err := c.Lookup(context.Background(), "0xfeed")
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestRPCClient_Sign(t *testing.T) {
	t.Parallel()
	c := newTestRPC(t, &fakeNode{})

	digest, err := TakeDigest("1")
	require.NoError(t, err)
	sig, err := c.Sign(context.Background(), digest)
	require.NoError(t, err)
	assert.Len(t, sig, 65)
}

func TestRPCClient_RPCError(t *testing.T) {
	t.Parallel()
	c := newTestRPC(t, &fakeNode{})

	err := c.call(context.Background(), "eth_unknown", nil)
	var re *RPCError
	require.True(t, errors.As(err, &re), "error = %v", err)
	assert.Equal(t, -32601, re.Code)
}

func TestSimulator(t *testing.T) {
	t.Parallel()
	var logs bytes.Buffer
	s := NewSimulator(slog.New(slog.NewJSONHandler(&logs, nil)))
	assert.True(t, s.Simulated())

	call, err := TakeJob("9", make([]byte, 65))
	require.NoError(t, err)
	r, err := Submit(context.Background(), s, call)
	require.NoError(t, err)
	assert.True(t, r.Simulated)
	assert.True(t, r.Success)
	assert.True(t, strings.HasPrefix(r.TxHash, SimulatedTxPrefix))

	again, err := s.Lookup(context.Background(), r.TxHash)
	require.NoError(t, err)
	assert.Equal(t, r, again)

	missing, err := s.Lookup(context.Background(), "sim-unknown")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.Len(t, s.Calls(), 1)
	assert.Equal(t, "takeJob", s.Calls()[0].Method)
	assert.Contains(t, logs.String(), `"msg":"simulated transaction"`)
	assert.Contains(t, logs.String(), r.TxHash)
}

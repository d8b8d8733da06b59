// Package ledger submits marketplace transactions and reads their receipts.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var (
	// ErrReverted is returned when a mined transaction has a failed status.
	ErrReverted = errors.New("transaction reverted")
	// ErrNotConfirmed is returned when no receipt appears before the
	// confirmation deadline.
	ErrNotConfirmed = errors.New("transaction not confirmed")
)

// Gateway is the write side of the marketplace contract.
type Gateway interface {
	// Simulated reports whether transactions are fabricated locally.
	Simulated() bool
	// Sign signs a 32-byte digest with the worker key.
	Sign(ctx context.Context, digest []byte) ([]byte, error)
	// Send submits call and returns its transaction hash without waiting.
	Send(ctx context.Context, call Call) (string, error)
	// Wait blocks until txHash is mined. A reverted transaction returns
	// its receipt together with ErrReverted.
	Wait(ctx context.Context, txHash string) (*Receipt, error)
	// Lookup returns the receipt for txHash, or nil if it is not mined.
	Lookup(ctx context.Context, txHash string) (*Receipt, error)
}

// Log is an event emitted by a mined transaction.
type Log struct {
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
	Data    string   `json:"data"`
}

// Receipt is the mined result of a transaction.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	Success     bool
	Simulated   bool
	Logs        []Log
}

// Submit sends call and waits for its receipt.
func Submit(ctx context.Context, gw Gateway, call Call) (*Receipt, error) {
	hash, err := gw.Send(ctx, call)
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", call.Method, err)
	}
	r, err := gw.Wait(ctx, hash)
	if err != nil {
		return r, fmt.Errorf("%s tx %s: %w", call.Method, hash, err)
	}
	return r, nil
}

// JobIDFromReceipt extracts the job id from the first log emitted by
// contract whose first indexed argument is the job id.
func JobIDFromReceipt(r *Receipt, contract Address) (string, bool) {
	if r == nil {
		return "", false
	}
	want := contract.String()
	for _, l := range r.Logs {
		if !strings.EqualFold(l.Address, want) || len(l.Topics) < 2 {
			continue
		}
		id, ok := new(big.Int).SetString(strings.TrimPrefix(l.Topics[1], "0x"), 16)
		if ok {
			return id.String(), true
		}
	}
	return "", false
}

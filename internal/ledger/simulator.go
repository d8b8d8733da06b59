package ledger

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// SimulatedTxPrefix marks transaction hashes fabricated by Simulator.
const SimulatedTxPrefix = "sim-"

// Simulator is a Gateway that never touches the network. Every call
// succeeds immediately with a fabricated hash.
type Simulator struct {
	logger *slog.Logger

	mu    sync.Mutex
	calls []Call
	seen  map[string]bool
}

// NewSimulator returns a ready Simulator. A nil logger means slog.Default().
func NewSimulator(logger *slog.Logger) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{logger: logger, seen: make(map[string]bool)}
}

func (s *Simulator) Simulated() bool { return true }

// Sign returns an all-zero 65-byte signature.
func (s *Simulator) Sign(_ context.Context, _ []byte) ([]byte, error) {
	return make([]byte, 65), nil
}

func (s *Simulator) Send(_ context.Context, call Call) (string, error) {
	if _, err := call.Data(); err != nil {
		return "", err
	}
	hash := SimulatedTxPrefix + uuid.NewString()
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.seen[hash] = true
	s.mu.Unlock()
	s.logger.Info("simulated transaction", "method", call.Method, "tx_hash", hash)
	return hash, nil
}

func (s *Simulator) Wait(ctx context.Context, txHash string) (*Receipt, error) {
	r, err := s.Lookup(ctx, txHash)
	if err == nil && r == nil {
		err = ErrNotConfirmed
	}
	return r, err
}

func (s *Simulator) Lookup(_ context.Context, txHash string) (*Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.seen[txHash] {
		return nil, nil
	}
	return &Receipt{TxHash: txHash, Success: true, Simulated: true}, nil
}

// Calls returns the calls sent so far, oldest first.
func (s *Simulator) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

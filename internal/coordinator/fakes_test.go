package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/stretchr/testify/require"

	"github.com/jobagent/jobagent/internal/clock"
	"github.com/jobagent/jobagent/internal/job"
	"github.com/jobagent/jobagent/internal/ledger"
)

type fakeIndex struct {
	mu     sync.Mutex
	events []job.Event
	err    error
	calls  int
	// ignoreCursor returns every event regardless of the cursor, like
	// an index replaying a batch.
	ignoreCursor bool
}

func (f *fakeIndex) JobsCreatedAfter(_ context.Context, cursor int64, limit int) ([]job.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []job.Event
	for _, e := range f.events {
		if f.ignoreCursor || e.Timestamp > cursor {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeIndex) add(events ...job.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, events...)
}

// fakeLedger is a live-mode Gateway whose transactions mine instantly
// unless told otherwise.
type fakeLedger struct {
	mu        sync.Mutex
	simulated bool
	sendErr   error
	waitErr   error
	revert    bool
	lookupErr error
	logs      []ledger.Log
	receipts  map[string]*ledger.Receipt

	signs, sends, waits, lookups int
	sent                         []ledger.Call
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{receipts: make(map[string]*ledger.Receipt)}
}

func (f *fakeLedger) Simulated() bool { return f.simulated }

func (f *fakeLedger) Sign(_ context.Context, digest []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signs++
	return append([]byte{0x1b}, digest...), nil
}

func (f *fakeLedger) Send(_ context.Context, call ledger.Call) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	if f.sendErr != nil {
		return "", f.sendErr
	}
	if _, err := call.Data(); err != nil {
		return "", err
	}
	f.sent = append(f.sent, call)
	return fmt.Sprintf("0xtx%d", f.sends), nil
}

func (f *fakeLedger) Wait(_ context.Context, txHash string) (*ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waits++
	if f.waitErr != nil {
		return nil, f.waitErr
	}
	r := &ledger.Receipt{TxHash: txHash, BlockNumber: 7, Success: !f.revert, Simulated: f.simulated, Logs: f.logs}
	f.receipts[txHash] = r
	if f.revert {
		return r, ledger.ErrReverted
	}
	return r, nil
}

func (f *fakeLedger) Lookup(_ context.Context, txHash string) (*ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	return f.receipts[txHash], nil
}

func (f *fakeLedger) counts() (signs, sends, waits, lookups int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signs, f.sends, f.waits, f.lookups
}

func (f *fakeLedger) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, c := range f.sent {
		out[i] = c.Method
	}
	return out
}

type fakeContent struct {
	mu     sync.Mutex
	blobs  map[string][]byte
	order  []string
	putErr error
}

func newFakeContent() *fakeContent {
	return &fakeContent{blobs: make(map[string][]byte)}
}

func (f *fakeContent) Put(_ context.Context, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return "", f.putErr
	}
	id := fmt.Sprintf("cid-%d", len(f.order)+1)
	f.blobs[id] = append([]byte(nil), data...)
	f.order = append(f.order, id)
	return id, nil
}

func (f *fakeContent) Get(_ context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return data, nil
}

func (f *fakeContent) puts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.order)
}

// flakyStore fails the next failCompletes state commits.
type flakyStore struct {
	job.Store
	failCompletes int
}

func (s *flakyStore) CompleteTransition(ctx context.Context, id string, state job.State, proof job.Proof) error {
	if s.failCompletes > 0 {
		s.failCompletes--
		return errors.New("disk I/O error")
	}
	return s.Store.CompleteTransition(ctx, id, state, proof)
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []job.Transition
}

func (n *recordingNotifier) Notify(_ context.Context, tr job.Transition) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, tr)
}

type prefixSealer struct{}

func (prefixSealer) Seal(p []byte) ([]byte, error) {
	return append([]byte("sealed:"), p...), nil
}

type failingGenerator struct{}

func (failingGenerator) Generate(context.Context, job.Job) ([]byte, error) {
	return nil, errors.New("model unavailable")
}

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	c       *Coordinator
	store   *job.SQLiteStore
	index   *fakeIndex
	ledger  *fakeLedger
	content *fakeContent
	clock   *clock.FakeClock
}

type harnessOpts struct {
	cfg      func(*Config)
	gw       func(*Gateways)
	store    func(job.Store) job.Store
	coordOpt []Option
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	clk := clock.Fake(testStart)
	store, err := job.NewSQLiteStore(":memory:", job.WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &harness{
		store:   store,
		index:   &fakeIndex{},
		ledger:  newFakeLedger(),
		content: newFakeContent(),
		clock:   clk,
	}
	cfg := Config{
		MinAmount:  apd.New(100, 0),
		CoolingOff: 2 * time.Minute,
		BatchSize:  50,
	}
	if o.cfg != nil {
		o.cfg(&cfg)
	}
	gw := Gateways{Index: h.index, Ledger: h.ledger, Content: h.content}
	if o.gw != nil {
		o.gw(&gw)
	}
	var s job.Store = store
	if o.store != nil {
		s = o.store(store)
	}
	opts := append([]Option{
		WithClock(clk),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, o.coordOpt...)

	h.c, err = New(s, gw, cfg, opts...)
	require.NoError(t, err)
	return h
}

func event(t *testing.T, id string, ts int64, amount string, tags ...string) job.Event {
	t.Helper()
	e := job.Event{JobID: id, Timestamp: ts, Title: "job " + id, Tags: tags}
	_, _, err := e.Amount.SetString(amount)
	require.NoError(t, err)
	return e
}

func (h *harness) state(t *testing.T, id string) job.State {
	t.Helper()
	j, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, j, "job %s not stored", id)
	return j.State
}

func (h *harness) cursor(t *testing.T) int64 {
	t.Helper()
	c, err := h.store.Cursor(context.Background())
	require.NoError(t, err)
	return c
}

func (h *harness) cycle(t *testing.T) *Report {
	t.Helper()
	rep, err := h.c.RunCycle(context.Background())
	require.NoError(t, err)
	return rep
}

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/ggonzalez94/planexec/internal/api"
	perr "github.com/ggonzalez94/planexec/internal/errors"
	"github.com/ggonzalez94/planexec/internal/httpx"
	"github.com/ggonzalez94/planexec/internal/plan"
	"github.com/ggonzalez94/planexec/internal/status"
	"github.com/ggonzalez94/planexec/internal/wallet"
)

// fakeWallet scripts wallet behavior per test and records every call.
type fakeWallet struct {
	chainID int64

	mu         sync.Mutex
	sends      []sentTx
	batchSends int
	signatures int
	probes     int
	confirms   int

	sendErr      func(attempt int) error
	batchHash    string
	batchErr     error
	atomicBatch  bool
	probeErr     error
	confirmDelay time.Duration
	confirmHook  func()
	signErr      error
}

type sentTx struct {
	chainID     int64
	maxFee      string
	maxPriority string
}

var _ wallet.Wallet = (*fakeWallet)(nil)

func (f *fakeWallet) ChainID(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chainID, nil
}

func (f *fakeWallet) SwitchChain(ctx context.Context, chainID int64) error {
	f.mu.Lock()
	f.chainID = chainID
	f.mu.Unlock()
	return nil
}

func (f *fakeWallet) SignMessage(ctx context.Context, item *plan.Item, step *plan.Step) (string, error) {
	f.mu.Lock()
	f.signatures++
	f.mu.Unlock()
	if f.signErr != nil {
		return "", f.signErr
	}
	return "0xsigned", nil
}

func (f *fakeWallet) SendTransaction(ctx context.Context, chainID int64, item *plan.Item, step *plan.Step) (string, error) {
	f.mu.Lock()
	attempt := len(f.sends)
	tx := sentTx{chainID: chainID}
	if item.Data != nil {
		tx.maxFee = item.Data.MaxFeePerGas
		tx.maxPriority = item.Data.MaxPriorityFeePerGas
	}
	f.sends = append(f.sends, tx)
	f.mu.Unlock()
	if f.sendErr != nil {
		if err := f.sendErr(attempt); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("0xhash%d", attempt), nil
}

func (f *fakeWallet) SendBatchTransaction(ctx context.Context, chainID int64, items []*plan.Item) (string, error) {
	f.mu.Lock()
	f.batchSends++
	f.mu.Unlock()
	if f.batchErr != nil {
		return "", f.batchErr
	}
	if f.batchHash == "" {
		return "0xbatch", nil
	}
	return f.batchHash, nil
}

func (f *fakeWallet) SupportsAtomicBatch(ctx context.Context, chainID int64) (bool, error) {
	f.mu.Lock()
	f.probes++
	f.mu.Unlock()
	if f.probeErr != nil {
		return false, f.probeErr
	}
	return f.atomicBatch, nil
}

func (f *fakeWallet) ConfirmTransaction(ctx context.Context, chainID int64, txHash string, onReplaced func(string), onCancelled func()) (*types.Receipt, error) {
	if f.confirmDelay > 0 {
		select {
		case <-time.After(f.confirmDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	f.confirms++
	f.mu.Unlock()
	if f.confirmHook != nil {
		f.confirmHook()
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
}

func (f *fakeWallet) SuggestGasFees(ctx context.Context, chainID int64) (*big.Int, *big.Int, error) {
	return big.NewInt(2_000_000_000), big.NewInt(1_000_000_000), nil
}

func (f *fakeWallet) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

// testBackend is a scriptable solver backend.
type testBackend struct {
	mu           sync.Mutex
	statusCalls  atomic.Int64
	indexCalls   atomic.Int64
	statusFn     func(n int64) api.StatusResponse
	planFn       func() *plan.Plan
	postResponse map[string]any
	postQueries  []string

	server *httptest.Server
}

func newTestBackend(t *testing.T) *testBackend {
	t.Helper()
	b := &testBackend{}
	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/intents/status"):
			n := b.statusCalls.Add(1)
			b.mu.Lock()
			fn := b.statusFn
			b.mu.Unlock()
			resp := api.StatusResponse{Status: "success"}
			if fn != nil {
				resp = fn(n)
			}
			json.NewEncoder(w).Encode(resp)
		case r.URL.Path == "/transactions/index":
			b.indexCalls.Add(1)
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/execute/plan":
			b.mu.Lock()
			fn := b.planFn
			b.mu.Unlock()
			if fn == nil {
				t.Errorf("unexpected plan fetch")
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			json.NewEncoder(w).Encode(fn())
		case strings.HasPrefix(r.URL.Path, "/orders"):
			b.mu.Lock()
			b.postQueries = append(b.postQueries, r.URL.RawQuery)
			resp := b.postResponse
			b.mu.Unlock()
			if resp == nil {
				resp = map[string]any{"status": "success"}
			}
			json.NewEncoder(w).Encode(resp)
		default:
			t.Errorf("unexpected backend path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(b.server.Close)
	return b
}

func (b *testBackend) setStatusFn(fn func(n int64) api.StatusResponse) {
	b.mu.Lock()
	b.statusFn = fn
	b.mu.Unlock()
}

func (b *testBackend) setPlanFn(fn func() *plan.Plan) {
	b.mu.Lock()
	b.planFn = fn
	b.mu.Unlock()
}

func (b *testBackend) setPostResponse(resp map[string]any) {
	b.mu.Lock()
	b.postResponse = resp
	b.mu.Unlock()
}

func newTestEngine(t *testing.T, b *testBackend, useEstimations bool) *Engine {
	t.Helper()
	client := api.New(httpx.New(2*time.Second, 0), b.server.URL)
	eng, err := New(Config{
		Chains: map[int64]string{1: "ethereum", 10: "optimism", 8453: "base"},
		API:    client,
		Resolver: &status.Resolver{
			API:          client,
			PollInterval: 5 * time.Millisecond,
			MaxAttempts:  50,
			HasMax:       true,
		},
		UseGasFeeEstimations: useEstimations,
	})
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	return eng
}

func singleTxPlan(stepID string) *plan.Plan {
	return &plan.Plan{Steps: []*plan.Step{{
		ID:   stepID,
		Kind: plan.KindTransaction,
		Items: []*plan.Item{{
			Status: plan.StatusIncomplete,
			Data:   &plan.ItemData{To: "0xrouter", ChainID: 1, MaxFeePerGas: "100", MaxPriorityFeePerGas: "10"},
			Check:  &plan.Check{Endpoint: "/intents/status"},
		}},
	}}}
}

func TestExecuteChainNotConfigured(t *testing.T) {
	b := newTestBackend(t)
	eng := newTestEngine(t, b, false)
	_, err := eng.Execute(context.Background(), 999, api.PlanRequest{}, &fakeWallet{chainID: 999}, nil, singleTxPlan("swap"), nil)
	if !perr.Is(err, perr.CodeChainNotFound) {
		t.Fatalf("expected chain-not-found, got %v", err)
	}
}

func TestExecuteChainMismatch(t *testing.T) {
	b := newTestBackend(t)
	eng := newTestEngine(t, b, false)
	_, err := eng.Execute(context.Background(), 1, api.PlanRequest{}, &fakeWallet{chainID: 10}, nil, singleTxPlan("swap"), nil)
	if !perr.Is(err, perr.CodeChainMismatch) {
		t.Fatalf("expected chain-mismatch, got %v", err)
	}
}

func TestExecuteCompletePlanIsIdempotent(t *testing.T) {
	b := newTestBackend(t)
	eng := newTestEngine(t, b, false)
	w := &fakeWallet{chainID: 1}
	p := singleTxPlan("swap")
	p.Steps[0].Items[0].Status = plan.StatusComplete

	result, err := eng.Execute(context.Background(), 1, api.PlanRequest{}, w, nil, p, nil)
	if err != nil {
		t.Fatalf("expected success on a complete plan, got %v", err)
	}
	if w.sentCount() != 0 || w.signatures != 0 {
		t.Fatalf("a complete plan must trigger no wallet activity, sends=%d signs=%d", w.sentCount(), w.signatures)
	}
	if !plan.IsComplete(result.Steps) {
		t.Fatalf("plan no longer complete after no-op execution")
	}
}

func TestExecuteSingleTransactionEndToEnd(t *testing.T) {
	b := newTestBackend(t)
	b.setStatusFn(func(n int64) api.StatusResponse {
		if n < 2 {
			return api.StatusResponse{Status: "pending"}
		}
		return api.StatusResponse{Status: "success", TxHashes: []string{"0xfill"}, DestinationChainID: 8453}
	})
	eng := newTestEngine(t, b, false)
	w := &fakeWallet{chainID: 1}

	var snapshots [][]*plan.Step
	onProgress := func(steps []*plan.Step, fees json.RawMessage) {
		snapshots = append(snapshots, steps)
	}
	result, err := eng.Execute(context.Background(), 1, api.PlanRequest{}, w, onProgress, singleTxPlan("swap"), nil)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	item := result.Steps[0].Items[0]
	if item.Status != plan.StatusComplete || item.ProgressState != plan.ProgressComplete {
		t.Fatalf("item not complete: %#v", item)
	}
	if len(item.TxHashes) != 2 {
		t.Fatalf("expected origin + fill hashes, got %#v", item.TxHashes)
	}
	if item.TxHashes[0].TxHash != "0xhash0" || item.TxHashes[0].ChainID != 1 {
		t.Fatalf("unexpected origin hash entry: %#v", item.TxHashes[0])
	}
	if item.TxHashes[1].TxHash != "0xfill" || item.TxHashes[1].ChainID != 8453 {
		t.Fatalf("unexpected fill hash entry: %#v", item.TxHashes[1])
	}
	if w.confirms != 1 {
		t.Fatalf("expected one confirmation, got %d", w.confirms)
	}
	if len(snapshots) == 0 {
		t.Fatalf("expected progress snapshots")
	}
	assertMonotonicProgress(t, snapshots)

	// The index notification is asynchronous and best-effort.
	deadline := time.Now().Add(time.Second)
	for b.indexCalls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if b.indexCalls.Load() == 0 {
		t.Fatalf("expected an index notification")
	}
}

// assertMonotonicProgress verifies no snapshot ever downgrades an item from
// complete back to incomplete.
func assertMonotonicProgress(t *testing.T, snapshots [][]*plan.Step) {
	t.Helper()
	completed := map[string]bool{}
	for si, steps := range snapshots {
		for _, step := range steps {
			for i, item := range step.Items {
				key := fmt.Sprintf("%s/%d", step.ID, i)
				if completed[key] && item.Status != plan.StatusComplete {
					t.Fatalf("snapshot %d downgraded %s from complete", si, key)
				}
				if item.Status == plan.StatusComplete {
					completed[key] = true
				}
			}
		}
	}
}

func TestExecuteStepsInOrder(t *testing.T) {
	b := newTestBackend(t)
	eng := newTestEngine(t, b, false)
	w := &fakeWallet{chainID: 1}

	p := &plan.Plan{Steps: []*plan.Step{
		{
			ID:   "first",
			Kind: plan.KindTransaction,
			Items: []*plan.Item{{
				Status: plan.StatusIncomplete,
				Data:   &plan.ItemData{To: "0xaaa", ChainID: 1},
			}},
		},
		{
			ID:   "second",
			Kind: plan.KindSignature,
			Items: []*plan.Item{{
				Status: plan.StatusIncomplete,
				Data:   &plan.ItemData{Sign: &plan.SignData{SignatureKind: "eip191", Message: "hello"}},
			}},
		},
	}}
	var order []string
	onProgress := func(steps []*plan.Step, fees json.RawMessage) {
		for _, step := range steps {
			for _, item := range step.Items {
				if item.Status == plan.StatusComplete {
					order = appendUniqueString(order, step.ID)
				}
			}
		}
	}
	if _, err := eng.Execute(context.Background(), 1, api.PlanRequest{}, w, onProgress, p, nil); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("steps completed out of order: %v", order)
	}
	if w.sentCount() != 1 || w.signatures != 1 {
		t.Fatalf("unexpected wallet activity: sends=%d signs=%d", w.sentCount(), w.signatures)
	}
}

func appendUniqueString(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

func TestExecuteRefetchesMissingItemData(t *testing.T) {
	b := newTestBackend(t)
	var fetches atomic.Int64
	b.setPlanFn(func() *plan.Plan {
		p := singleTxPlan("swap")
		if fetches.Add(1) == 1 {
			p.Steps[0].Items[0].Data = nil
		}
		return p
	})
	eng := newTestEngine(t, b, false)
	w := &fakeWallet{chainID: 1}

	result, err := eng.Execute(context.Background(), 1, api.PlanRequest{Endpoint: "/execute/plan"}, w, nil, nil, nil)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if fetches.Load() < 2 {
		t.Fatalf("expected a refetch for missing item data, got %d fetches", fetches.Load())
	}
	if !plan.IsComplete(result.Steps) {
		t.Fatalf("plan incomplete after data arrived")
	}
}

func TestExecuteStepOptionsOverrideFees(t *testing.T) {
	b := newTestBackend(t)
	eng := newTestEngine(t, b, false)
	w := &fakeWallet{chainID: 1}

	opts := map[string]StepOptions{
		"swap": {GasLimit: "210000", MaxFeePerGas: "555", MaxPriorityFeePerGas: "55"},
	}
	result, err := eng.Execute(context.Background(), 1, api.PlanRequest{}, w, nil, singleTxPlan("swap"), opts)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	data := result.Steps[0].Items[0].Data
	if data.Gas != "210000" || data.MaxFeePerGas != "555" || data.MaxPriorityFeePerGas != "55" {
		t.Fatalf("step options not applied: %#v", data)
	}
	w.mu.Lock()
	sent := w.sends[0]
	w.mu.Unlock()
	if sent.maxFee != "555" {
		t.Fatalf("wallet saw stale fees: %#v", sent)
	}
}

package engine

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggonzalez94/planexec/internal/api"
	perr "github.com/ggonzalez94/planexec/internal/errors"
	"github.com/ggonzalez94/planexec/internal/plan"
)

func TestIsApprovalStep(t *testing.T) {
	if !isApprovalStep(&plan.Step{ID: "approve-usdc"}) {
		t.Fatalf("approve ids must match")
	}
	if !isApprovalStep(&plan.Step{ID: "Token-Approval"}) {
		t.Fatalf("approval ids must match case-insensitively")
	}
	if isApprovalStep(&plan.Step{ID: "swap"}) {
		t.Fatalf("swap is not an approval")
	}
}

func TestApprovalConfirmsBeforeStatusPolling(t *testing.T) {
	var confirmed atomic.Bool
	var polledEarly atomic.Bool

	b := newTestBackend(t)
	b.setStatusFn(func(n int64) api.StatusResponse {
		if !confirmed.Load() {
			polledEarly.Store(true)
		}
		return api.StatusResponse{Status: "success"}
	})
	eng := newTestEngine(t, b, false)
	w := &fakeWallet{
		chainID:      1,
		confirmDelay: 50 * time.Millisecond,
		confirmHook:  func() { confirmed.Store(true) },
	}

	p := singleTxPlan("approve-usdc")
	if _, err := eng.Execute(context.Background(), 1, api.PlanRequest{}, w, nil, p, nil); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if polledEarly.Load() {
		t.Fatalf("status polling started before the approval confirmed")
	}
}

func TestNonApprovalConfirmsAndPollsConcurrently(t *testing.T) {
	var firstPoll atomic.Int64
	var confirmedAt atomic.Int64

	b := newTestBackend(t)
	b.setStatusFn(func(n int64) api.StatusResponse {
		firstPoll.CompareAndSwap(0, time.Now().UnixNano())
		return api.StatusResponse{Status: "success"}
	})
	eng := newTestEngine(t, b, false)
	w := &fakeWallet{
		chainID:      1,
		confirmDelay: 100 * time.Millisecond,
		confirmHook:  func() { confirmedAt.Store(time.Now().UnixNano()) },
	}

	if _, err := eng.Execute(context.Background(), 1, api.PlanRequest{}, w, nil, singleTxPlan("swap"), nil); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if firstPoll.Load() == 0 || confirmedAt.Load() == 0 {
		t.Fatalf("expected both confirmation and polling to run")
	}
	if firstPoll.Load() >= confirmedAt.Load() {
		t.Fatalf("expected polling to start while confirmation was pending")
	}
}

func TestTransactionOnOtherChainSwitchesWallet(t *testing.T) {
	b := newTestBackend(t)
	eng := newTestEngine(t, b, false)
	w := &fakeWallet{chainID: 1}

	p := singleTxPlan("swap")
	p.Steps[0].Items[0].Data.ChainID = 10
	result, err := eng.Execute(context.Background(), 1, api.PlanRequest{}, w, nil, p, nil)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if w.chainID != 10 {
		t.Fatalf("wallet not switched to the item's chain, still on %d", w.chainID)
	}
	if got := result.Steps[0].Items[0].TxHashes[0].ChainID; got != 10 {
		t.Fatalf("origin hash recorded on wrong chain %d", got)
	}
	w.mu.Lock()
	sent := w.sends[0]
	w.mu.Unlock()
	if sent.chainID != 10 {
		t.Fatalf("submission went to chain %d", sent.chainID)
	}
}

func TestSignatureItemFlow(t *testing.T) {
	b := newTestBackend(t)
	b.setPostResponse(map[string]any{
		"status": "success",
		"results": []map[string]any{
			{"orderId": "ord-1", "orderIndex": 0},
		},
		"steps": []map[string]any{{
			"id":   "deposit",
			"kind": "transaction",
			"items": []map[string]any{{
				"status": "incomplete",
				"data":   map[string]any{"to": "0xvault", "chainId": 1},
			}},
		}},
	})
	eng := newTestEngine(t, b, false)
	w := &fakeWallet{chainID: 1}

	p := &plan.Plan{Steps: []*plan.Step{{
		ID:   "sign-order",
		Kind: plan.KindSignature,
		Items: []*plan.Item{{
			Status: plan.StatusIncomplete,
			Data: &plan.ItemData{
				Sign: &plan.SignData{SignatureKind: "eip712", Message: "order"},
				Post: &plan.PostData{Endpoint: "/orders", Method: "POST"},
			},
			Check: &plan.Check{Endpoint: "/intents/status"},
		}},
	}}}
	result, err := eng.Execute(context.Background(), 1, api.PlanRequest{}, w, nil, p, nil)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if w.signatures != 1 {
		t.Fatalf("expected one signing call, got %d", w.signatures)
	}
	b.mu.Lock()
	queries := append([]string(nil), b.postQueries...)
	b.mu.Unlock()
	if len(queries) != 1 || !strings.Contains(queries[0], "signature=0xsigned") {
		t.Fatalf("signature not merged into the post request: %#v", queries)
	}

	signItem := result.Steps[0].Items[0]
	if signItem.Status != plan.StatusComplete {
		t.Fatalf("signature item not complete: %#v", signItem)
	}
	if signItem.IsValidatingSignature {
		t.Fatalf("validation flag must clear once the check resolves")
	}
	if len(signItem.OrderData) != 1 || signItem.OrderData[0].OrderID != "ord-1" {
		t.Fatalf("order data not recorded: %#v", signItem.OrderData)
	}

	// The backend's post response carried a follow-up step; it must be
	// appended and executed.
	if len(result.Steps) != 2 || result.Steps[1].ID != "deposit" {
		t.Fatalf("follow-up step not appended: %#v", result.Steps)
	}
	if result.Steps[1].Items[0].Status != plan.StatusComplete {
		t.Fatalf("follow-up step not executed")
	}
	if w.sentCount() != 1 {
		t.Fatalf("expected the appended transaction to be submitted, got %d sends", w.sentCount())
	}
}

func TestSignatureOnlyItemCompletesWithoutBackend(t *testing.T) {
	b := newTestBackend(t)
	eng := newTestEngine(t, b, false)
	w := &fakeWallet{chainID: 1}

	p := &plan.Plan{Steps: []*plan.Step{{
		ID:   "sign-permit",
		Kind: plan.KindSignature,
		Items: []*plan.Item{{
			Status: plan.StatusIncomplete,
			Data:   &plan.ItemData{Sign: &plan.SignData{SignatureKind: "eip191", Message: "permit"}},
		}},
	}}}
	result, err := eng.Execute(context.Background(), 1, api.PlanRequest{}, w, nil, p, nil)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if result.Steps[0].Items[0].Status != plan.StatusComplete {
		t.Fatalf("signature-only item must complete locally")
	}
	if b.statusCalls.Load() != 0 {
		t.Fatalf("no check configured, no status call expected")
	}
}

func TestUnknownStepKindFailsItem(t *testing.T) {
	b := newTestBackend(t)
	eng := newTestEngine(t, b, false)
	w := &fakeWallet{chainID: 1}

	run := &execution{
		eng:        eng,
		plan:       &plan.Plan{Steps: []*plan.Step{}},
		chainID:    1,
		wallet:     w,
		batchProbe: map[int64]bool{},
	}
	step := &plan.Step{ID: "weird", Kind: plan.Kind("teleport"), Items: []*plan.Item{{Status: plan.StatusIncomplete}}}
	run.plan.Steps = append(run.plan.Steps, step)
	err := run.executeItem(context.Background(), step, step.Items[0])
	if !perr.Is(err, perr.CodeInternal) {
		t.Fatalf("expected internal error for unknown kind, got %v", err)
	}
	if step.Items[0].Error == "" || step.Error == "" {
		t.Fatalf("failure not recorded on item and step")
	}
}

func TestAppendUniqueHashes(t *testing.T) {
	dst := []plan.TxHashEntry{{TxHash: "0xAAA", ChainID: 1}}
	appendUniqueHashes(&dst, []plan.TxHashEntry{
		{TxHash: "0xaaa", ChainID: 1}, // case-insensitive duplicate
		{TxHash: "0xbbb", ChainID: 8453},
	})
	if len(dst) != 2 {
		t.Fatalf("expected dedup to 2 entries, got %#v", dst)
	}
	if dst[1].TxHash != "0xbbb" {
		t.Fatalf("new hash not appended: %#v", dst)
	}
}

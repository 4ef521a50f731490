package engine

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	perr "github.com/ggonzalez94/planexec/internal/errors"
	"github.com/ggonzalez94/planexec/internal/plan"
)

// BatchStepID names the synthetic step that represents an atomic batch of
// merged transaction steps.
const BatchStepID = "approve-and-swap"

// maybeBatch merges consecutive transaction steps on the same chain into a
// single atomic submission when the wallet supports it. Returns true when
// the batch path fully handled the current step group.
func (run *execution) maybeBatch(ctx context.Context, stepIdx int) (bool, error) {
	steps := run.plan.Steps
	first := steps[stepIdx]
	anchor := plan.IncompleteItems(first)
	if len(anchor) == 0 {
		return false, nil
	}
	chain := run.effectiveChain(anchor[0])

	end := stepIdx
	total := 0
	for j := stepIdx; j < len(steps); j++ {
		candidate := steps[j]
		if candidate.Kind != plan.KindTransaction {
			break
		}
		incomplete := plan.IncompleteItems(candidate)
		if len(incomplete) == 0 {
			break
		}
		sameChain := true
		for _, item := range incomplete {
			if item.Data == nil || run.effectiveChain(item) != chain {
				sameChain = false
				break
			}
		}
		if !sameChain {
			break
		}
		end = j
		total += len(incomplete)
	}
	if total < 2 {
		return false, nil
	}
	if !run.probeBatchSupport(ctx, chain) {
		return false, nil
	}

	merged := run.mergeSteps(stepIdx, end)
	items := plan.IncompleteItems(merged)

	if err := run.ensureChain(ctx, chain); err != nil {
		run.failBatch(merged, items, err)
		return false, err
	}
	hash, err := run.wallet.SendBatchTransaction(ctx, chain, items)
	if err != nil {
		run.failBatch(merged, items, err)
		return false, err
	}
	if strings.TrimSpace(hash) == "" {
		err := perr.New(perr.CodeTxHashMissing, "wallet resolved batch without returning a transaction hash")
		run.failBatch(merged, items, err)
		return false, err
	}
	run.mutate(func() {
		for _, item := range items {
			item.TxHashes = append(item.TxHashes, plan.TxHashEntry{TxHash: hash, ChainID: chain})
			item.ProgressState = plan.ProgressConfirming
		}
	})
	run.indexAsync(chain, hash)

	if _, err := run.wallet.ConfirmTransaction(ctx, chain, hash, run.batchReplacementHandler(items, chain), nil); err != nil {
		run.failBatch(merged, items, err)
		return false, err
	}

	// Status checks still run per item so each reports its own hashes.
	tasks := pool.New().WithContext(ctx).WithFirstError()
	for _, item := range items {
		item := item
		if item.Check == nil {
			continue
		}
		tasks.Go(func(ctx context.Context) error {
			return run.resolveStatus(ctx, merged, item, chain, hash)
		})
	}
	if err := tasks.Wait(); err != nil {
		run.failBatch(merged, items, err)
		return false, err
	}

	run.mutate(func() {
		for _, item := range items {
			item.Status = plan.StatusComplete
			item.ProgressState = plan.ProgressComplete
		}
	})
	return true, nil
}

// probeBatchSupport caches the wallet capability probe per chain. A probe
// error counts as no support and the engine falls back to per-item
// submission.
func (run *execution) probeBatchSupport(ctx context.Context, chain int64) bool {
	if supported, ok := run.batchProbe[chain]; ok {
		return supported
	}
	supported, err := run.wallet.SupportsAtomicBatch(ctx, chain)
	if err != nil {
		run.eng.log.Debug("atomic batch capability probe failed",
			zap.Int64("chainId", chain), zap.Error(err))
		supported = false
	}
	run.batchProbe[chain] = supported
	return supported
}

// mergeSteps replaces steps [from, to] with one synthetic step that keeps
// every original item record for progress and hash reporting.
func (run *execution) mergeSteps(from, to int) *plan.Step {
	var merged *plan.Step
	run.mutate(func() {
		steps := run.plan.Steps
		var items []*plan.Item
		var actions []string
		requestID := ""
		for _, step := range steps[from : to+1] {
			items = append(items, step.Items...)
			if step.Action != "" {
				actions = append(actions, step.Action)
			}
			if step.RequestID != "" {
				requestID = step.RequestID
			}
		}
		merged = &plan.Step{
			ID:        BatchStepID,
			Action:    strings.Join(actions, " + "),
			Kind:      plan.KindTransaction,
			RequestID: requestID,
			Items:     items,
		}
		rebuilt := append([]*plan.Step{}, steps[:from]...)
		rebuilt = append(rebuilt, merged)
		rebuilt = append(rebuilt, steps[to+1:]...)
		run.plan.Steps = rebuilt
	})
	return merged
}

// failBatch applies the shared-fate rule: a failed batched call fails every
// constituent item identically.
func (run *execution) failBatch(step *plan.Step, items []*plan.Item, cause error) {
	run.mutate(func() {
		data := errorDetails(cause)
		for _, item := range items {
			item.Error = cause.Error()
			item.ErrorData = append(json.RawMessage(nil), data...)
		}
		step.Error = cause.Error()
		run.plan.Error = cause.Error()
	})
}

func (run *execution) batchReplacementHandler(items []*plan.Item, chain int64) func(string) {
	return func(newHash string) {
		run.mutate(func() {
			entry := plan.TxHashEntry{TxHash: newHash, ChainID: chain}
			for _, item := range items {
				if n := len(item.TxHashes); n > 0 {
					item.TxHashes[n-1] = entry
				} else {
					item.TxHashes = append(item.TxHashes, entry)
				}
			}
		})
	}
}

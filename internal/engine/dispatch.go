package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	perr "github.com/ggonzalez94/planexec/internal/errors"
	"github.com/ggonzalez94/planexec/internal/plan"
	"github.com/ggonzalez94/planexec/internal/status"
)

// executeItem runs one incomplete item to completion or terminal failure,
// recording the failure on the item and step before propagating it.
func (run *execution) executeItem(ctx context.Context, step *plan.Step, item *plan.Item) error {
	var err error
	switch step.Kind {
	case plan.KindTransaction:
		err = run.executeTransactionItem(ctx, step, item)
	case plan.KindSignature:
		err = run.executeSignatureItem(ctx, step, item)
	default:
		err = perr.New(perr.CodeInternal, fmt.Sprintf("unknown step kind %q", step.Kind))
	}
	if err != nil {
		run.failItem(step, item, err)
	}
	return err
}

// ensureChain moves the wallet's active connection to the item's chain
// before submission. Items on the ambient chain are a no-op.
func (run *execution) ensureChain(ctx context.Context, chain int64) error {
	connected, err := run.wallet.ChainID(ctx)
	if err != nil {
		return perr.Wrap(perr.CodeUnavailable, "read wallet chain id", err)
	}
	if connected == chain {
		return nil
	}
	if err := run.wallet.SwitchChain(ctx, chain); err != nil {
		return perr.Wrap(perr.CodeChainMismatch, fmt.Sprintf("switch wallet to chain %d", chain), err)
	}
	return nil
}

// effectiveChain prefers the item's own chain id over the call's ambient
// chain.
func (run *execution) effectiveChain(item *plan.Item) int64 {
	if item.Data != nil && item.Data.ChainID != 0 {
		return item.Data.ChainID
	}
	return run.chainID
}

func (run *execution) executeTransactionItem(ctx context.Context, step *plan.Step, item *plan.Item) error {
	chain := run.effectiveChain(item)
	if err := run.ensureChain(ctx, chain); err != nil {
		return err
	}
	hash, err := run.submitWithRetry(ctx, chain, step, item)
	if err != nil {
		return err
	}
	if strings.TrimSpace(hash) == "" {
		return perr.New(perr.CodeTxHashMissing, "wallet resolved without returning a transaction hash")
	}
	run.mutate(func() {
		item.TxHashes = append(item.TxHashes, plan.TxHashEntry{TxHash: hash, ChainID: chain})
		item.ProgressState = plan.ProgressConfirming
	})
	run.indexAsync(chain, hash)

	if err := run.confirmAndResolve(ctx, step, item, chain, hash); err != nil {
		return err
	}
	run.mutate(func() {
		item.Status = plan.StatusComplete
		item.ProgressState = plan.ProgressComplete
	})
	return nil
}

// confirmAndResolve awaits mining and resolves backend status. For
// approval-style steps confirmation must land before any status polling
// begins; for all other steps the two proceed concurrently.
func (run *execution) confirmAndResolve(ctx context.Context, step *plan.Step, item *plan.Item, chain int64, hash string) error {
	confirm := func(ctx context.Context) error {
		_, err := run.wallet.ConfirmTransaction(ctx, chain, hash, run.replacementHandler(item, chain), nil)
		return err
	}
	resolve := func(ctx context.Context) error {
		if item.Check == nil {
			return nil
		}
		return run.resolveStatus(ctx, step, item, chain, hash)
	}

	if isApprovalStep(step) || item.Check == nil {
		if err := confirm(ctx); err != nil {
			return err
		}
		return resolve(ctx)
	}
	tasks := pool.New().WithContext(ctx).WithFirstError()
	tasks.Go(confirm)
	tasks.Go(resolve)
	return tasks.Wait()
}

func (run *execution) resolveStatus(ctx context.Context, step *plan.Step, item *plan.Item, chain int64, hash string) error {
	res, err := run.eng.resolver.Resolve(ctx, status.Query{
		Check:     item.Check,
		ChainID:   chain,
		TxHash:    hash,
		RequestID: step.RequestID,
		UsePush:   run.isLastStep(step),
	})
	if err != nil {
		return err
	}
	run.mutate(func() {
		appendUniqueHashes(&item.TxHashes, res.TxHashes)
		appendUniqueHashes(&item.InternalTxHashes, res.InternalTxHashes)
	})
	return nil
}

// replacementHandler treats a mined same-nonce resubmission as the
// authoritative hash for the item.
func (run *execution) replacementHandler(item *plan.Item, chain int64) func(string) {
	return func(newHash string) {
		run.mutate(func() {
			entry := plan.TxHashEntry{TxHash: newHash, ChainID: chain}
			if n := len(item.TxHashes); n > 0 {
				item.TxHashes[n-1] = entry
			} else {
				item.TxHashes = append(item.TxHashes, entry)
			}
		})
	}
}

func (run *execution) executeSignatureItem(ctx context.Context, step *plan.Step, item *plan.Item) error {
	var signature string
	if item.Data != nil && item.Data.Sign != nil {
		run.mutate(func() { item.ProgressState = plan.ProgressSigning })
		sig, err := run.wallet.SignMessage(ctx, item, step)
		run.mutate(func() { item.ProgressState = plan.ProgressNone })
		if err != nil {
			return err
		}
		signature = sig
	}
	if item.Data != nil && item.Data.Post != nil {
		run.mutate(func() { item.ProgressState = plan.ProgressPosting })
		resp, err := run.eng.api.PostSignature(ctx, item.Data.Post, signature)
		if err != nil {
			return err
		}
		run.mutate(func() {
			item.ProgressState = plan.ProgressNone
			if orders := resp.Orders(); len(orders) > 0 {
				item.OrderData = append(item.OrderData, orders...)
			}
			if len(resp.Steps) > 0 {
				plan.AppendMissingSteps(run.plan, resp.Steps)
			}
		})
	}
	if item.Check != nil {
		run.mutate(func() {
			item.ProgressState = plan.ProgressValidating
			item.IsValidatingSignature = true
		})
		err := run.resolveStatus(ctx, step, item, run.effectiveChain(item), "")
		run.mutate(func() { item.IsValidatingSignature = false })
		if err != nil {
			return err
		}
	}
	run.mutate(func() {
		item.Status = plan.StatusComplete
		item.ProgressState = plan.ProgressComplete
	})
	return nil
}

// indexAsync notifies the backend of a submitted transaction. Failures are
// logged and never block item completion.
func (run *execution) indexAsync(chain int64, hash string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := run.eng.api.Index(ctx, chain, hash); err != nil {
			run.eng.log.Warn("transaction index notification failed",
				zap.String("txHash", hash), zap.Int64("chainId", chain), zap.Error(err))
		}
	}()
}

// appendUniqueHashes merges discovered hashes without duplicating the
// origin entry.
func appendUniqueHashes(dst *[]plan.TxHashEntry, src []plan.TxHashEntry) {
	for _, entry := range src {
		seen := false
		for _, existing := range *dst {
			if strings.EqualFold(existing.TxHash, entry.TxHash) {
				seen = true
				break
			}
		}
		if !seen {
			*dst = append(*dst, entry)
		}
	}
}

// isApprovalStep marks steps whose confirmation must land before any
// cross-chain status polling may start: the relayer will not act until the
// approval is mined.
func isApprovalStep(step *plan.Step) bool {
	id := strings.ToLower(step.ID)
	return strings.Contains(id, "approve") || strings.Contains(id, "approval")
}

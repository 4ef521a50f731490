// Package engine drives an execution plan to completion: it walks steps in
// order, dispatches the incomplete items of the current step to the wallet
// concurrently, submits results for backend indexing and resolves
// cross-chain status, until every item is complete or a terminal error
// occurs.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/ggonzalez94/planexec/internal/api"
	perr "github.com/ggonzalez94/planexec/internal/errors"
	"github.com/ggonzalez94/planexec/internal/plan"
	"github.com/ggonzalez94/planexec/internal/status"
	"github.com/ggonzalez94/planexec/internal/wallet"
)

// Engine executes plans against one backend and one set of configured
// chains. It is safe for concurrent use; each Execute call owns its plan.
type Engine struct {
	chains               map[int64]string
	api                  *api.Client
	resolver             *status.Resolver
	log                  *zap.Logger
	useGasFeeEstimations bool
}

type Config struct {
	// Chains maps configured chain ids to display names.
	Chains               map[int64]string
	API                  *api.Client
	Resolver             *status.Resolver
	Logger               *zap.Logger
	UseGasFeeEstimations bool
}

func New(cfg Config) (*Engine, error) {
	if len(cfg.Chains) == 0 {
		return nil, perr.New(perr.CodeUsage, "no chains configured")
	}
	if cfg.API == nil {
		return nil, perr.New(perr.CodeUsage, "missing backend client")
	}
	if cfg.Resolver == nil {
		return nil, perr.New(perr.CodeUsage, "missing status resolver")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	chains := make(map[int64]string, len(cfg.Chains))
	for id, name := range cfg.Chains {
		chains[id] = name
	}
	return &Engine{
		chains:               chains,
		api:                  cfg.API,
		resolver:             cfg.Resolver,
		log:                  cfg.Logger,
		useGasFeeEstimations: cfg.UseGasFeeEstimations,
	}, nil
}

// StepOptions are caller-supplied per-step overrides, correlated by step id.
type StepOptions struct {
	GasLimit             string
	MaxFeePerGas         string
	MaxPriorityFeePerGas string
}

// ProgressFunc receives a deep snapshot of the steps on every plan
// mutation. Calls are serialized by the engine.
type ProgressFunc func(steps []*plan.Step, fees json.RawMessage)

// Execute drives the plan to completion. When p is nil the plan is fetched
// via the request descriptor. The returned plan reflects all mutations up
// to success or the terminal error.
func (e *Engine) Execute(ctx context.Context, chainID int64, req api.PlanRequest, w wallet.Wallet, onProgress ProgressFunc, p *plan.Plan, stepOpts map[string]StepOptions) (*plan.Plan, error) {
	if _, ok := e.chains[chainID]; !ok {
		return nil, perr.New(perr.CodeChainNotFound, fmt.Sprintf("chain %d is not configured", chainID))
	}
	if w == nil {
		return nil, perr.New(perr.CodeUsage, "missing wallet")
	}
	connected, err := w.ChainID(ctx)
	if err != nil {
		return nil, perr.Wrap(perr.CodeUnavailable, "read wallet chain id", err)
	}
	if connected != chainID {
		return nil, perr.New(perr.CodeChainMismatch, fmt.Sprintf("wallet is connected to chain %d, expected %d", connected, chainID))
	}
	if p == nil {
		p, err = e.api.FetchPlan(ctx, req)
		if err != nil {
			return nil, err
		}
	} else if err := plan.Validate(p); err != nil {
		return nil, err
	}
	run := &execution{
		eng:        e,
		plan:       p,
		chainID:    chainID,
		req:        req,
		wallet:     w,
		onProgress: onProgress,
		stepOpts:   stepOpts,
		batchProbe: map[int64]bool{},
	}
	return run.run(ctx)
}

// execution is the single-writer owner of one in-flight plan.
type execution struct {
	eng        *Engine
	chainID    int64
	req        api.PlanRequest
	wallet     wallet.Wallet
	onProgress ProgressFunc
	stepOpts   map[string]StepOptions

	mu   sync.Mutex
	plan *plan.Plan

	// batchProbe caches the atomic-batch capability per chain; the probe
	// runs once per chain per execution.
	batchProbe map[int64]bool
}

// run is the orchestration loop: one step at a time, steps in order, items
// within a step concurrently.
func (run *execution) run(ctx context.Context) (*plan.Plan, error) {
	run.notify()
	for {
		if err := ctx.Err(); err != nil {
			return run.plan, run.fail(perr.Wrap(perr.CodeStatusTimeout, "execution cancelled", err))
		}
		si, ii, ok := plan.FirstIncomplete(run.plan.Steps)
		if !ok {
			return run.plan, nil
		}
		step := run.plan.Steps[si]
		run.applyStepOptions(step)

		if step.Items[ii].Data == nil {
			if err := run.waitForItemData(ctx, step, ii); err != nil {
				return run.plan, run.fail(err)
			}
			continue
		}

		if step.Kind == plan.KindTransaction {
			handled, err := run.maybeBatch(ctx, si)
			if err != nil {
				return run.plan, run.fail(err)
			}
			if handled {
				continue
			}
		}

		items := plan.IncompleteItems(step)
		tasks := pool.New().WithContext(ctx).WithFirstError()
		for _, item := range items {
			item := item
			tasks.Go(func(ctx context.Context) error {
				return run.executeItem(ctx, step, item)
			})
		}
		if err := tasks.Wait(); err != nil {
			return run.plan, run.fail(err)
		}
	}
}

// fail records the plan-level error unless an item failure already did.
func (run *execution) fail(err error) error {
	run.mutate(func() {
		if run.plan.Error == "" {
			run.plan.Error = err.Error()
		}
	})
	return err
}

// applyStepOptions applies caller overrides to every item of the step
// before dispatch.
func (run *execution) applyStepOptions(step *plan.Step) {
	opts, ok := run.stepOpts[step.ID]
	if !ok {
		return
	}
	run.mutate(func() {
		for _, item := range step.Items {
			if item == nil || item.Data == nil {
				continue
			}
			if opts.GasLimit != "" {
				item.Data.Gas = opts.GasLimit
			}
			if opts.MaxFeePerGas != "" {
				item.Data.MaxFeePerGas = opts.MaxFeePerGas
			}
			if opts.MaxPriorityFeePerGas != "" {
				item.Data.MaxPriorityFeePerGas = opts.MaxPriorityFeePerGas
			}
		}
	})
}

// waitForItemData re-fetches the plan until the target item's data appears
// or the backend marks it complete. This covers backend-side asynchronous
// step-data generation.
func (run *execution) waitForItemData(ctx context.Context, step *plan.Step, itemIdx int) error {
	item := step.Items[itemIdx]
	attempts := 0
	maxAttempts := run.eng.resolver.MaxAttempts
	if !run.eng.resolver.HasMax && maxAttempts == 0 {
		maxAttempts = int((150 * time.Second) / run.pollInterval())
	}
	for {
		if item.Data != nil || item.Status == plan.StatusComplete {
			return nil
		}
		if attempts >= maxAttempts {
			return perr.WithDetails(perr.CodeStatusTimeout,
				fmt.Sprintf("step %s item data not available after %d attempts", step.ID, attempts),
				perr.StatusTimeoutDetails{Attempts: attempts})
		}
		fetched, err := run.eng.api.FetchPlan(ctx, run.req)
		if err != nil {
			return err
		}
		run.mutate(func() {
			plan.AdoptItemData(run.plan, fetched)
		})
		attempts++
		if item.Data != nil || item.Status == plan.StatusComplete {
			return nil
		}
		select {
		case <-ctx.Done():
			return perr.Wrap(perr.CodeStatusTimeout, "execution cancelled", ctx.Err())
		case <-time.After(run.pollInterval()):
		}
	}
}

func (run *execution) pollInterval() time.Duration {
	if run.eng.resolver.PollInterval > 0 {
		return run.eng.resolver.PollInterval
	}
	return status.DefaultPollInterval
}

// mutate runs f under the single-writer lock and delivers a deep snapshot
// to the progress callback. Holding the lock across the callback serializes
// progress delivery from concurrent item goroutines.
func (run *execution) mutate(f func()) {
	run.mu.Lock()
	defer run.mu.Unlock()
	if f != nil {
		f()
	}
	if run.onProgress != nil {
		run.onProgress(plan.Snapshot(run.plan.Steps), run.plan.Fees)
	}
}

func (run *execution) notify() { run.mutate(nil) }

// isLastStep reports whether step is currently the plan's final step. Push
// status may only be used there; earlier steps poll.
func (run *execution) isLastStep(step *plan.Step) bool {
	run.mu.Lock()
	defer run.mu.Unlock()
	n := len(run.plan.Steps)
	return n > 0 && run.plan.Steps[n-1] == step
}

// failItem records a terminal item failure on the item, its step and the
// plan before the error propagates to the caller.
func (run *execution) failItem(step *plan.Step, item *plan.Item, cause error) {
	run.mutate(func() {
		item.Error = cause.Error()
		item.ErrorData = errorDetails(cause)
		step.Error = cause.Error()
		run.plan.Error = cause.Error()
	})
}

// errorDetails prefers backend-supplied details over the raw error message.
func errorDetails(err error) json.RawMessage {
	if typed, ok := perr.As(err); ok && typed.Details != nil {
		if raw, ok := typed.Details.(json.RawMessage); ok {
			return append(json.RawMessage(nil), raw...)
		}
		if buf, merr := json.Marshal(typed.Details); merr == nil {
			return buf
		}
	}
	buf, merr := json.Marshal(map[string]string{"message": err.Error()})
	if merr != nil {
		return nil
	}
	return buf
}

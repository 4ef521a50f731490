// Package status resolves an item's cross-chain completion status, either by
// bounded polling of the backend's check endpoint or over an optional
// WebSocket push channel that falls back to polling on transport failure.
package status

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ggonzalez94/planexec/internal/api"
	perr "github.com/ggonzalez94/planexec/internal/errors"
	"github.com/ggonzalez94/planexec/internal/plan"
)

const (
	DefaultPollInterval = 5 * time.Second

	// Attempt budget of 2.5 minutes at the default interval.
	defaultPollBudget = 150 * time.Second

	// DefaultSettleDelay is how long a push-channel failure/refund message
	// is held before finalizing, so a corrective success can still win.
	// Tunable: the backend does not guarantee correction messages.
	DefaultSettleDelay = 2 * time.Second
)

// Resolver drives status checks for a single backend client configuration.
type Resolver struct {
	API          *api.Client
	PollInterval time.Duration
	MaxAttempts  int
	HasMax       bool
	WebSocketURL string
	SettleDelay  time.Duration
	Log          *zap.Logger
}

// Query identifies what to resolve and over which transport.
type Query struct {
	Check     *plan.Check
	ChainID   int64
	TxHash    string
	RequestID string
	UsePush   bool
}

// Result carries the hashes a resolved status reported. Both transports
// produce identical results for identical terminal responses.
type Result struct {
	TxHashes         []plan.TxHashEntry
	InternalTxHashes []plan.TxHashEntry
}

func (r *Resolver) interval() time.Duration {
	if r.PollInterval > 0 {
		return r.PollInterval
	}
	return DefaultPollInterval
}

func (r *Resolver) maxAttempts() int {
	if r.HasMax {
		return r.MaxAttempts
	}
	if r.MaxAttempts > 0 {
		return r.MaxAttempts
	}
	return int(defaultPollBudget / r.interval())
}

func (r *Resolver) settleDelay() time.Duration {
	if r.SettleDelay > 0 {
		return r.SettleDelay
	}
	return DefaultSettleDelay
}

func (r *Resolver) logger() *zap.Logger {
	if r.Log != nil {
		return r.Log
	}
	return zap.NewNop()
}

// Resolve blocks until the item's status is terminal. Push is used only
// when the query asks for it and the resolver has a socket URL; any socket
// failure falls back to polling at the current attempt count.
func (r *Resolver) Resolve(ctx context.Context, q Query) (Result, error) {
	if q.UsePush && q.RequestID != "" && r.WebSocketURL != "" {
		res, attempts, err := r.watch(ctx, q)
		if err == nil {
			return res, nil
		}
		if fb, ok := err.(*fallbackError); ok {
			r.logger().Warn("push channel failed, falling back to polling",
				zap.String("requestId", q.RequestID), zap.Error(fb.cause))
			return r.poll(ctx, q, attempts)
		}
		return Result{}, err
	}
	return r.poll(ctx, q, 0)
}

func (r *Resolver) poll(ctx context.Context, q Query, attempts int) (Result, error) {
	max := r.maxAttempts()
	for {
		if attempts >= max {
			return Result{}, perr.StatusTimeout(q.TxHash, attempts)
		}
		res, done, err := r.checkOnce(ctx, q)
		if err != nil {
			return Result{}, err
		}
		attempts++
		if done {
			return res, nil
		}
		select {
		case <-ctx.Done():
			return Result{}, perr.Wrap(perr.CodeStatusTimeout, "status polling cancelled", ctx.Err())
		case <-time.After(r.interval()):
		}
	}
}

// checkOnce issues a single poll. done=false means the status is still
// pending or waiting.
func (r *Resolver) checkOnce(ctx context.Context, q Query) (Result, bool, error) {
	resp, err := r.API.CheckStatus(ctx, q.Check)
	if err != nil {
		// Transient backend trouble consumes an attempt instead of
		// failing the item.
		if perr.Is(err, perr.CodeUnavailable) || perr.Is(err, perr.CodeRateLimited) {
			r.logger().Debug("status check attempt failed", zap.Error(err))
			return Result{}, false, nil
		}
		return Result{}, false, err
	}
	switch strings.ToLower(resp.Status) {
	case "success":
		return mapHashes(resp.TxHashes, resp.InternalTxHashes, resp.DestinationChainID, resp.OriginChainID, q.ChainID), true, nil
	case "failure":
		msg := resp.Details
		if msg == "" {
			msg = "Transaction failed"
		}
		return Result{}, false, perr.New(perr.CodeBackendRejected, msg)
	default:
		return Result{}, false, nil
	}
}

// mapHashes converts the backend's raw hash lists into chain-qualified
// entries: origin hashes use the origin chain id, destination hashes the
// destination chain id, with the ambient chain as the fallback for both.
func mapHashes(txHashes, internalTxHashes []string, destChainID, originChainID, ambient int64) Result {
	dest := destChainID
	if dest == 0 {
		dest = ambient
	}
	origin := originChainID
	if origin == 0 {
		origin = ambient
	}
	var res Result
	for _, h := range txHashes {
		res.TxHashes = append(res.TxHashes, plan.TxHashEntry{TxHash: h, ChainID: dest})
	}
	for _, h := range internalTxHashes {
		res.InternalTxHashes = append(res.InternalTxHashes, plan.TxHashEntry{TxHash: h, ChainID: origin})
	}
	return res
}

package wallet

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/ggonzalez94/planexec/internal/plan"
)

// Wallet is the capability port a concrete wallet adapter implements. The
// engine drives execution exclusively through this interface.
type Wallet interface {
	// ChainID reports the wallet's currently connected chain.
	ChainID(ctx context.Context) (int64, error)

	// SwitchChain moves the wallet's active connection to the given chain.
	SwitchChain(ctx context.Context, chainID int64) error

	// SignMessage produces a signature for a signature item. The parent
	// step is passed for context. An empty signature with a nil error means
	// the item carried nothing to sign.
	SignMessage(ctx context.Context, item *plan.Item, step *plan.Step) (string, error)

	// SendTransaction signs and broadcasts a single transaction item and
	// returns the transaction hash.
	SendTransaction(ctx context.Context, chainID int64, item *plan.Item, step *plan.Step) (string, error)

	// SendBatchTransaction submits the items as one atomic batched call and
	// returns the single resulting hash.
	SendBatchTransaction(ctx context.Context, chainID int64, items []*plan.Item) (string, error)

	// SupportsAtomicBatch probes for EIP-5792-style atomic batch support on
	// the given chain.
	SupportsAtomicBatch(ctx context.Context, chainID int64) (bool, error)

	// ConfirmTransaction blocks until the transaction is mined or
	// superseded. onReplaced fires when a same-nonce resubmission was mined
	// instead (the replacement hash is authoritative); onCancelled fires
	// when the replacement was a cancellation.
	ConfirmTransaction(ctx context.Context, chainID int64, txHash string, onReplaced func(replacementHash string), onCancelled func()) (*types.Receipt, error)

	// SuggestGasFees returns suggested maxFeePerGas and maxPriorityFeePerGas
	// for the chain.
	SuggestGasFees(ctx context.Context, chainID int64) (maxFee, maxPriority *big.Int, err error)
}

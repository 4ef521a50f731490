package engine

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"go.uber.org/zap"

	perr "github.com/ggonzalez94/planexec/internal/errors"
	"github.com/ggonzalez94/planexec/internal/plan"
)

// Submission retry policy: insufficient-funds and out-of-gas failures get a
// bounded number of resubmissions with strictly increasing fees; everything
// else is terminal.
const maxSendAttempts = 3

// Fee bump of 5/4 per retry, with a +1 floor so escalation is strictly
// increasing even for tiny values.
var (
	gasBumpNum = big.NewInt(5)
	gasBumpDen = big.NewInt(4)
)

var retryableSendMarkers = []string{
	"insufficient funds",
	"insufficientfunds",
	"out of gas",
	"outofgas",
	"gas required exceeds allowance",
	"max fee per gas less than block base fee",
	"intrinsic gas too low",
}

func isRetryableSendError(err error) bool {
	if err == nil {
		return false
	}
	if perr.Is(err, perr.CodeWalletRejected) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range retryableSendMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// submitWithRetry submits the item through the wallet, escalating gas fees
// on recoverable errors until the attempt ceiling. A successful retry is
// indistinguishable downstream from a first-attempt success.
func (run *execution) submitWithRetry(ctx context.Context, chain int64, step *plan.Step, item *plan.Item) (string, error) {
	if run.eng.useGasFeeEstimations {
		run.seedFees(ctx, chain, item)
	}
	var lastErr error
	for attempt := 0; attempt < maxSendAttempts; attempt++ {
		hash, err := run.wallet.SendTransaction(ctx, chain, item, step)
		if err == nil {
			return hash, nil
		}
		lastErr = err
		if !isRetryableSendError(err) {
			return "", err
		}
		if attempt == maxSendAttempts-1 {
			break
		}
		if err := run.escalateFees(ctx, chain, item); err != nil {
			return "", err
		}
		run.eng.log.Info("retrying transaction submission with escalated fees",
			zap.String("step", step.ID), zap.Int("attempt", attempt+1), zap.Error(lastErr))
	}
	return "", lastErr
}

// seedFees fills absent fee fields from the wallet's suggestion so every
// later escalation has a prior value to strictly exceed. Suggestion
// failures are ignored; the wallet then prices the transaction itself.
func (run *execution) seedFees(ctx context.Context, chain int64, item *plan.Item) {
	if item.Data == nil || (item.Data.MaxFeePerGas != "" && item.Data.MaxPriorityFeePerGas != "") {
		return
	}
	maxFee, maxPriority, err := run.wallet.SuggestGasFees(ctx, chain)
	if err != nil || maxFee == nil || maxPriority == nil {
		return
	}
	run.mutate(func() {
		if item.Data.MaxFeePerGas == "" {
			item.Data.MaxFeePerGas = maxFee.String()
		}
		if item.Data.MaxPriorityFeePerGas == "" {
			item.Data.MaxPriorityFeePerGas = maxPriority.String()
		}
	})
}

// escalateFees bumps both fee caps to strictly greater values before a
// resubmission, seeding from the wallet suggestion when the previous
// attempt carried no explicit fees.
func (run *execution) escalateFees(ctx context.Context, chain int64, item *plan.Item) error {
	if item.Data == nil {
		return perr.New(perr.CodeInternal, "cannot escalate fees without item data")
	}
	if item.Data.MaxFeePerGas == "" || item.Data.MaxPriorityFeePerGas == "" {
		maxFee, maxPriority, err := run.wallet.SuggestGasFees(ctx, chain)
		if err != nil {
			return perr.Wrap(perr.CodeUnavailable, "fetch gas fee suggestion for retry", err)
		}
		run.mutate(func() {
			if item.Data.MaxFeePerGas == "" {
				item.Data.MaxFeePerGas = maxFee.String()
			}
			if item.Data.MaxPriorityFeePerGas == "" {
				item.Data.MaxPriorityFeePerGas = maxPriority.String()
			}
		})
	}
	maxFee, err := parseFeeValue(item.Data.MaxFeePerGas)
	if err != nil {
		return perr.Wrap(perr.CodeUsage, "parse maxFeePerGas for escalation", err)
	}
	maxPriority, err := parseFeeValue(item.Data.MaxPriorityFeePerGas)
	if err != nil {
		return perr.Wrap(perr.CodeUsage, "parse maxPriorityFeePerGas for escalation", err)
	}
	run.mutate(func() {
		item.Data.MaxFeePerGas = bumpFee(maxFee).String()
		item.Data.MaxPriorityFeePerGas = bumpFee(maxPriority).String()
	})
	return nil
}

func bumpFee(v *big.Int) *big.Int {
	out := new(big.Int).Mul(v, gasBumpNum)
	out.Div(out, gasBumpDen)
	if out.Cmp(v) <= 0 {
		out = new(big.Int).Add(v, big.NewInt(1))
	}
	return out
}

func parseFeeValue(v string) (*big.Int, error) {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return nil, fmt.Errorf("empty fee value")
	}
	if strings.HasPrefix(clean, "0x") || strings.HasPrefix(clean, "0X") {
		out, ok := new(big.Int).SetString(clean[2:], 16)
		if !ok {
			return nil, fmt.Errorf("invalid hex fee value %q", v)
		}
		return out, nil
	}
	out, ok := new(big.Int).SetString(clean, 10)
	if !ok {
		return nil, fmt.Errorf("invalid fee value %q", v)
	}
	return out, nil
}

// Package ethwallet adapts a local-key EVM wallet to the engine's wallet
// capability port using go-ethereum JSON-RPC clients.
package ethwallet

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	perr "github.com/ggonzalez94/planexec/internal/errors"
	"github.com/ggonzalez94/planexec/internal/plan"
	"github.com/ggonzalez94/planexec/internal/wallet/signer"
)

const (
	defaultGasMultiplier = 1.2
	defaultPollInterval  = 2 * time.Second
	replacementScanDepth = 16
)

type Adapter struct {
	signer        signer.Signer
	rpcURLs       map[int64]string
	gasMultiplier float64
	pollInterval  time.Duration
	log           *zap.Logger

	mu      sync.Mutex
	current int64
	clients map[int64]*ethclient.Client
}

type Options struct {
	GasMultiplier float64
	PollInterval  time.Duration
	Logger        *zap.Logger
}

func New(txSigner signer.Signer, rpcURLs map[int64]string, current int64, opts Options) (*Adapter, error) {
	if txSigner == nil {
		return nil, errors.New("ethwallet: missing signer")
	}
	if len(rpcURLs) == 0 {
		return nil, errors.New("ethwallet: no rpc endpoints configured")
	}
	if _, ok := rpcURLs[current]; !ok {
		return nil, fmt.Errorf("ethwallet: no rpc endpoint for chain %d", current)
	}
	if opts.GasMultiplier <= 1 {
		opts.GasMultiplier = defaultGasMultiplier
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	urls := make(map[int64]string, len(rpcURLs))
	for id, u := range rpcURLs {
		urls[id] = u
	}
	return &Adapter{
		signer:        txSigner,
		rpcURLs:       urls,
		gasMultiplier: opts.GasMultiplier,
		pollInterval:  opts.PollInterval,
		log:           opts.Logger,
		current:       current,
		clients:       map[int64]*ethclient.Client{},
	}, nil
}

func (a *Adapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.clients {
		c.Close()
	}
	a.clients = map[int64]*ethclient.Client{}
}

func (a *Adapter) ChainID(ctx context.Context) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current, nil
}

func (a *Adapter) SwitchChain(ctx context.Context, chainID int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.rpcURLs[chainID]; !ok {
		return perr.New(perr.CodeChainNotFound, fmt.Sprintf("no rpc endpoint for chain %d", chainID))
	}
	a.current = chainID
	return nil
}

func (a *Adapter) client(ctx context.Context, chainID int64) (*ethclient.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.clients[chainID]; ok {
		return c, nil
	}
	url, ok := a.rpcURLs[chainID]
	if !ok {
		return nil, perr.New(perr.CodeChainNotFound, fmt.Sprintf("no rpc endpoint for chain %d", chainID))
	}
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, perr.Wrap(perr.CodeUnavailable, "connect rpc", err)
	}
	a.clients[chainID] = c
	return c, nil
}

// SignMessage handles EIP-191 message payloads and precomputed EIP-712
// digests. Items without a sign sub-object produce an empty signature.
func (a *Adapter) SignMessage(ctx context.Context, item *plan.Item, step *plan.Step) (string, error) {
	if item == nil || item.Data == nil || item.Data.Sign == nil {
		return "", nil
	}
	sign := item.Data.Sign
	kind := strings.ToLower(strings.TrimSpace(sign.SignatureKind))
	switch kind {
	case "", "eip191":
		if sign.Message == "" {
			return "", perr.New(perr.CodeUsage, "signature item has no message")
		}
		sig, err := a.signer.SignMessage([]byte(sign.Message))
		if err != nil {
			return "", perr.Wrap(perr.CodeWalletRejected, "sign message", err)
		}
		return hexutil.Encode(sig), nil
	case "eip712":
		// The backend supplies the fully encoded digest in the message
		// field for typed-data payloads.
		digest, err := decodeHex(sign.Message)
		if err != nil || len(digest) != 32 {
			return "", perr.New(perr.CodeUsage, "eip712 signature item needs a 32-byte digest")
		}
		sig, err := a.signer.SignDigest(digest)
		if err != nil {
			return "", perr.Wrap(perr.CodeWalletRejected, "sign typed data digest", err)
		}
		return hexutil.Encode(sig), nil
	default:
		return "", perr.New(perr.CodeUsage, fmt.Sprintf("unsupported signature kind %q", sign.SignatureKind))
	}
}

func (a *Adapter) SendTransaction(ctx context.Context, chainID int64, item *plan.Item, step *plan.Step) (string, error) {
	if item == nil || item.Data == nil {
		return "", perr.New(perr.CodeUsage, "transaction item has no data")
	}
	client, err := a.client(ctx, chainID)
	if err != nil {
		return "", err
	}
	tx, err := a.buildTx(ctx, client, chainID, item.Data)
	if err != nil {
		return "", err
	}
	signed, err := a.signer.SignTx(big.NewInt(chainID), tx)
	if err != nil {
		return "", perr.Wrap(perr.CodeWalletRejected, "sign transaction", err)
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return "", err
	}
	return signed.Hash().Hex(), nil
}

func (a *Adapter) buildTx(ctx context.Context, client *ethclient.Client, chainID int64, data *plan.ItemData) (*types.Transaction, error) {
	if strings.TrimSpace(data.To) == "" {
		return nil, perr.New(perr.CodeUsage, "transaction item missing target address")
	}
	target := common.HexToAddress(data.To)
	calldata, err := decodeHex(data.Data)
	if err != nil {
		return nil, perr.Wrap(perr.CodeUsage, "decode transaction calldata", err)
	}
	value := big.NewInt(0)
	if strings.TrimSpace(data.Value) != "" {
		value, err = parseBig(data.Value)
		if err != nil {
			return nil, perr.Wrap(perr.CodeUsage, "parse transaction value", err)
		}
	}

	feeCap, tipCap, err := a.resolveFees(ctx, client, data)
	if err != nil {
		return nil, err
	}

	from := a.signer.Address()
	gasLimit := uint64(0)
	if strings.TrimSpace(data.Gas) != "" {
		parsed, err := parseBig(data.Gas)
		if err != nil {
			return nil, perr.Wrap(perr.CodeUsage, "parse gas limit", err)
		}
		gasLimit = parsed.Uint64()
	} else {
		msg := ethereum.CallMsg{From: from, To: &target, Value: value, Data: calldata}
		estimated, err := client.EstimateGas(ctx, msg)
		if err != nil {
			return nil, err
		}
		gasLimit = uint64(float64(estimated) * a.gasMultiplier)
	}

	nonce, err := client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, perr.Wrap(perr.CodeUnavailable, "fetch nonce", err)
	}

	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(chainID),
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &target,
		Value:     value,
		Data:      calldata,
	}), nil
}

func (a *Adapter) resolveFees(ctx context.Context, client *ethclient.Client, data *plan.ItemData) (feeCap, tipCap *big.Int, err error) {
	if strings.TrimSpace(data.MaxFeePerGas) != "" && strings.TrimSpace(data.MaxPriorityFeePerGas) != "" {
		feeCap, err = parseBig(data.MaxFeePerGas)
		if err != nil {
			return nil, nil, perr.Wrap(perr.CodeUsage, "parse maxFeePerGas", err)
		}
		tipCap, err = parseBig(data.MaxPriorityFeePerGas)
		if err != nil {
			return nil, nil, perr.Wrap(perr.CodeUsage, "parse maxPriorityFeePerGas", err)
		}
		return feeCap, tipCap, nil
	}
	return a.suggestFees(ctx, client)
}

func (a *Adapter) SuggestGasFees(ctx context.Context, chainID int64) (*big.Int, *big.Int, error) {
	client, err := a.client(ctx, chainID)
	if err != nil {
		return nil, nil, err
	}
	return a.suggestFees(ctx, client)
}

func (a *Adapter) suggestFees(ctx context.Context, client *ethclient.Client) (feeCap, tipCap *big.Int, err error) {
	tipCap, err = client.SuggestGasTipCap(ctx)
	if err != nil {
		tipCap = big.NewInt(2_000_000_000) // 2 gwei fallback
	}
	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, perr.Wrap(perr.CodeUnavailable, "fetch latest header", err)
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(1_000_000_000)
	}
	feeCap = new(big.Int).Mul(baseFee, big.NewInt(2))
	feeCap.Add(feeCap, tipCap)
	return feeCap, tipCap, nil
}

type atomicCapability struct {
	Atomic struct {
		Status string `json:"status"`
	} `json:"atomic"`
}

func (a *Adapter) SupportsAtomicBatch(ctx context.Context, chainID int64) (bool, error) {
	client, err := a.client(ctx, chainID)
	if err != nil {
		return false, err
	}
	var caps map[string]atomicCapability
	chainKey := hexutil.EncodeUint64(uint64(chainID))
	err = client.Client().CallContext(ctx, &caps, "wallet_getCapabilities", a.signer.Address(), []string{chainKey})
	if err != nil {
		return false, err
	}
	chainCaps, ok := caps[chainKey]
	if !ok {
		return false, nil
	}
	status := strings.ToLower(chainCaps.Atomic.Status)
	return status == "supported" || status == "ready", nil
}

type sendCallsResult struct {
	ID string `json:"id"`
}

type callsStatusResult struct {
	Status   int `json:"status"`
	Receipts []struct {
		TransactionHash string `json:"transactionHash"`
	} `json:"receipts"`
}

// SendBatchTransaction submits the items as one EIP-5792 call bundle and
// waits for the bundle to surface an on-chain transaction hash.
func (a *Adapter) SendBatchTransaction(ctx context.Context, chainID int64, items []*plan.Item) (string, error) {
	if len(items) == 0 {
		return "", perr.New(perr.CodeUsage, "no items to batch")
	}
	client, err := a.client(ctx, chainID)
	if err != nil {
		return "", err
	}
	calls := make([]map[string]string, 0, len(items))
	for _, item := range items {
		if item.Data == nil {
			return "", perr.New(perr.CodeUsage, "batched item has no data")
		}
		call := map[string]string{"to": item.Data.To}
		if strings.TrimSpace(item.Data.Value) != "" {
			v, err := parseBig(item.Data.Value)
			if err != nil {
				return "", perr.Wrap(perr.CodeUsage, "parse batched item value", err)
			}
			call["value"] = hexutil.EncodeBig(v)
		}
		if strings.TrimSpace(item.Data.Data) != "" {
			call["data"] = item.Data.Data
		}
		calls = append(calls, call)
	}
	params := map[string]any{
		"version":        "2.0.0",
		"chainId":        hexutil.EncodeUint64(uint64(chainID)),
		"from":           a.signer.Address().Hex(),
		"atomicRequired": true,
		"calls":          calls,
	}
	var sent sendCallsResult
	if err := client.Client().CallContext(ctx, &sent, "wallet_sendCalls", params); err != nil {
		return "", err
	}

	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()
	for {
		var status callsStatusResult
		if err := client.Client().CallContext(ctx, &status, "wallet_getCallsStatus", sent.ID); err == nil {
			if len(status.Receipts) > 0 && status.Receipts[0].TransactionHash != "" {
				return status.Receipts[0].TransactionHash, nil
			}
			if status.Status >= 400 {
				return "", perr.New(perr.CodeUnavailable, fmt.Sprintf("batched call failed (status %d)", status.Status))
			}
		}
		select {
		case <-ctx.Done():
			return "", perr.Wrap(perr.CodeStatusTimeout, "timed out waiting for batched call", ctx.Err())
		case <-ticker.C:
		}
	}
}

// ConfirmTransaction polls for the receipt. When the submitted hash drops
// out of the pool and the sender's nonce has advanced past it, recent blocks
// are scanned for a same-nonce replacement: a plain resubmission switches
// the watch to the replacement hash, a zero-value self-send is a
// cancellation.
func (a *Adapter) ConfirmTransaction(ctx context.Context, chainID int64, txHash string, onReplaced func(string), onCancelled func()) (*types.Receipt, error) {
	client, err := a.client(ctx, chainID)
	if err != nil {
		return nil, err
	}
	watch := common.HexToHash(txHash)
	tx, _, err := client.TransactionByHash(ctx, watch)
	var sender common.Address
	var txNonce uint64
	haveOrigin := false
	if err == nil && tx != nil {
		txNonce = tx.Nonce()
		if from, serr := types.Sender(types.LatestSignerForChainID(big.NewInt(chainID)), tx); serr == nil {
			sender = from
			haveOrigin = true
		}
	}

	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := client.TransactionReceipt(ctx, watch)
		if err == nil && receipt != nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, perr.WithDetails(perr.CodeTxReverted, fmt.Sprintf("transaction %s reverted on-chain", watch.Hex()), receipt)
			}
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			a.log.Debug("transient receipt poll failure", zap.Error(err))
		}
		if haveOrigin {
			replaced, cancelled, newHash, scanErr := a.findReplacement(ctx, client, chainID, sender, txNonce, watch)
			if scanErr == nil {
				if cancelled {
					if onCancelled != nil {
						onCancelled()
					}
					return nil, perr.New(perr.CodeTxCancelled, fmt.Sprintf("transaction %s was cancelled", watch.Hex()))
				}
				if replaced {
					watch = newHash
					if onReplaced != nil {
						onReplaced(newHash.Hex())
					}
					continue
				}
			}
		}
		select {
		case <-ctx.Done():
			return nil, perr.Wrap(perr.CodeStatusTimeout, "timed out waiting for receipt", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (a *Adapter) findReplacement(ctx context.Context, client *ethclient.Client, chainID int64, sender common.Address, nonce uint64, origin common.Hash) (replaced, cancelled bool, newHash common.Hash, err error) {
	onChainNonce, err := client.NonceAt(ctx, sender, nil)
	if err != nil || onChainNonce <= nonce {
		return false, false, common.Hash{}, err
	}
	head, err := client.BlockNumber(ctx)
	if err != nil {
		return false, false, common.Hash{}, err
	}
	chainSigner := types.LatestSignerForChainID(big.NewInt(chainID))
	for depth := uint64(0); depth < replacementScanDepth && depth <= head; depth++ {
		block, err := client.BlockByNumber(ctx, new(big.Int).SetUint64(head-depth))
		if err != nil {
			return false, false, common.Hash{}, err
		}
		for _, tx := range block.Transactions() {
			if tx.Nonce() != nonce {
				continue
			}
			from, err := types.Sender(chainSigner, tx)
			if err != nil || from != sender {
				continue
			}
			if tx.Hash() == origin {
				return false, false, common.Hash{}, nil
			}
			isCancel := tx.To() != nil && *tx.To() == sender && tx.Value().Sign() == 0 && len(tx.Data()) == 0
			return !isCancel, isCancel, tx.Hash(), nil
		}
	}
	return false, false, common.Hash{}, nil
}

func parseBig(v string) (*big.Int, error) {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return nil, fmt.Errorf("empty numeric value")
	}
	if strings.HasPrefix(clean, "0x") || strings.HasPrefix(clean, "0X") {
		out, ok := new(big.Int).SetString(clean[2:], 16)
		if !ok {
			return nil, fmt.Errorf("invalid hex value %q", v)
		}
		return out, nil
	}
	out, ok := new(big.Int).SetString(clean, 10)
	if !ok {
		return nil, fmt.Errorf("invalid numeric value %q", v)
	}
	return out, nil
}

func decodeHex(v string) ([]byte, error) {
	clean := strings.TrimSpace(v)
	clean = strings.TrimPrefix(clean, "0x")
	if clean == "" {
		return []byte{}, nil
	}
	if len(clean)%2 != 0 {
		clean = "0" + clean
	}
	buf, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return buf, nil
}

package plan

import "encoding/json"

// Kind discriminates what an item of a step asks the wallet to do.
type Kind string

const (
	KindTransaction Kind = "transaction"
	KindSignature   Kind = "signature"
)

// ItemStatus is the engine-facing completion state of an item. It is
// monotonic: once complete, an item never reverts to incomplete.
type ItemStatus string

const (
	StatusIncomplete ItemStatus = "incomplete"
	StatusComplete   ItemStatus = "complete"
)

// ProgressState is the finer-grained, UI-facing state of an item. It is
// informational only; control flow never depends on it.
type ProgressState string

const (
	ProgressNone       ProgressState = ""
	ProgressSigning    ProgressState = "signing"
	ProgressPosting    ProgressState = "posting"
	ProgressValidating ProgressState = "validating"
	ProgressConfirming ProgressState = "confirming"
	ProgressComplete   ProgressState = "complete"
)

// TxHashEntry pairs a transaction hash with the chain it landed on.
type TxHashEntry struct {
	TxHash  string `json:"txHash"`
	ChainID int64  `json:"chainId"`
}

// Check describes how to poll the backend for an item's cross-chain status.
type Check struct {
	Endpoint string `json:"endpoint"`
	Method   string `json:"method"`
}

// PostData describes the backend endpoint a produced signature (or bare
// payload) is posted to.
type PostData struct {
	Endpoint string          `json:"endpoint"`
	Method   string          `json:"method"`
	Body     json.RawMessage `json:"body,omitempty"`
}

// SignData is the signing request attached to a signature item. The engine
// treats the domain/types/value payload as opaque and hands it to the wallet.
type SignData struct {
	SignatureKind string          `json:"signatureKind,omitempty"`
	Message       string          `json:"message,omitempty"`
	Domain        json.RawMessage `json:"domain,omitempty"`
	Types         json.RawMessage `json:"types,omitempty"`
	Value         json.RawMessage `json:"value,omitempty"`
}

// ItemData carries either transaction fields or a signature payload,
// depending on the parent step's kind. Numeric fields arrive as decimal or
// 0x-prefixed strings on the wire.
type ItemData struct {
	From                 string `json:"from,omitempty"`
	To                   string `json:"to,omitempty"`
	Value                string `json:"value,omitempty"`
	Data                 string `json:"data,omitempty"`
	ChainID              int64  `json:"chainId,omitempty"`
	Gas                  string `json:"gas,omitempty"`
	MaxFeePerGas         string `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas,omitempty"`

	Sign *SignData `json:"sign,omitempty"`
	Post *PostData `json:"post,omitempty"`
}

// OrderData is the normalized record of a backend order created by a posted
// signature.
type OrderData struct {
	OrderID             string `json:"orderId,omitempty"`
	CrossPostingOrderID string `json:"crossPostingOrderId,omitempty"`
	OrderIndex          int    `json:"orderIndex,omitempty"`
}

// Item is one atomic unit of signing or submission.
type Item struct {
	Status                ItemStatus      `json:"status" validate:"omitempty,oneof=incomplete complete"`
	ProgressState         ProgressState   `json:"progressState,omitempty"`
	Data                  *ItemData       `json:"data,omitempty"`
	Check                 *Check          `json:"check,omitempty"`
	TxHashes              []TxHashEntry   `json:"txHashes,omitempty"`
	InternalTxHashes      []TxHashEntry   `json:"internalTxHashes,omitempty"`
	OrderData             []OrderData     `json:"orderData,omitempty"`
	IsValidatingSignature bool            `json:"isValidatingSignature,omitempty"`
	Error                 string          `json:"error,omitempty"`
	ErrorData             json.RawMessage `json:"errorData,omitempty"`
}

// Step is one logical operation group. A step with zero items is treated as
// already complete.
type Step struct {
	ID          string  `json:"id"`
	Action      string  `json:"action,omitempty"`
	Description string  `json:"description,omitempty"`
	Kind        Kind    `json:"kind" validate:"required,oneof=transaction signature"`
	RequestID   string  `json:"requestId,omitempty"`
	Items       []*Item `json:"items" validate:"dive,required"`
	Error       string  `json:"error,omitempty"`
}

// Plan is the execution plan returned by the solver backend. The engine owns
// and mutates it for the duration of a single execution call.
type Plan struct {
	Steps   []*Step         `json:"steps"`
	Fees    json.RawMessage `json:"fees,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
	Error   string          `json:"error,omitempty"`
}

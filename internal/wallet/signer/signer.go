package signer

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Signer signs transactions, EIP-191 messages and raw digests for a single
// account.
type Signer interface {
	Address() common.Address
	SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error)
	SignMessage(message []byte) ([]byte, error)
	SignDigest(digest []byte) ([]byte, error)
}

package ledger

import (
	"crypto/ecdsa"
	"encoding/hex"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Build a legacy value transfer to dest.
func buildLegacyTx(t Transfer, dest common.Address) *types.Transaction {
	to := dest
	return types.NewTx(&types.LegacyTx{
		Nonce:    t.Nonce,
		GasPrice: t.Plan.GasPrice.ToBig(),
		Gas:      t.Plan.GasLimit,
		To:       &to,
		Value:    t.Plan.Amount.ToBig(),
	})
}

// Sign transaction with latest signer for given chain ID.
func signTx(tx *types.Transaction, chain *big.Int, prv *ecdsa.PrivateKey) (*types.Transaction, error) {
	signer := types.LatestSignerForChainID(chain)
	return types.SignTx(tx, signer, prv)
}

// Hex-encode transaction.
func txAsHex(tx *types.Transaction) string {
	b, _ := tx.MarshalBinary()
	return "0x" + hex.EncodeToString(b)
}

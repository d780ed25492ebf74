package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// BroadcastError wraps a failure to sign or submit a transfer.
type BroadcastError struct {
	Account common.Address
	Err     error
}

func (e *BroadcastError) Error() string {
	return fmt.Sprintf("broadcast from %s: %v", e.Account.Hex(), e.Err)
}

func (e *BroadcastError) Unwrap() error { return e.Err }

// ParsePrivateKey parses a hex ECDSA private key (with / without 0x).
func ParsePrivateKey(s string) (*ecdsa.PrivateKey, error) {
	h := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if len(h) == 0 {
		return nil, errors.New("empty private key")
	}
	return gethcrypto.HexToECDSA(h)
}

// KeyAddress returns the account controlled by key.
func KeyAddress(key *ecdsa.PrivateKey) common.Address {
	return gethcrypto.PubkeyToAddress(key.PublicKey)
}

// FormatEther renders wei as ether.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -18).String()
}

// FormatGwei renders wei as gwei.
func FormatGwei(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -9).String()
}

// ClassifyError returns a coarse class for RPC transport errors.
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(strings.ToLower(err.Error()), "context deadline exceeded") {
		return "rpc_timeout"
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return "rpc_timeout"
	}
	s := strings.ToLower(err.Error())
	if strings.Contains(s, "connection reset") || strings.Contains(s, "connection refused") ||
		strings.Contains(s, "broken pipe") || strings.Contains(s, "eof") {
		return "rpc_unavailable"
	}
	if strings.Contains(s, "too many requests") || strings.Contains(s, "-32005") {
		return "rpc_rate_limited"
	}
	return "rpc_error"
}

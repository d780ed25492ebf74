package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePrivateKey(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	hexKey := fmt.Sprintf("%x", crypto.FromECDSA(key))

	for _, in := range []string{hexKey, "0x" + hexKey, "  0x" + hexKey + "\t"} {
		got, err := ParsePrivateKey(in)
		require.NoError(t, err, in)
		assert.Equal(t, KeyAddress(key), KeyAddress(got))
	}

	_, err = ParsePrivateKey("0x")
	assert.Error(t, err)
	_, err = ParsePrivateKey("0x1234abcd")
	assert.Error(t, err)
}

func TestFormatEther(t *testing.T) {
	assert.Equal(t, "0.000079", FormatEther(big.NewInt(79_000_000_000_000)))
	assert.Equal(t, "1", FormatEther(big.NewInt(1_000_000_000_000_000_000)))
	assert.Equal(t, "0", FormatEther(nil))
	assert.Equal(t, "1.5", FormatGwei(big.NewInt(1_500_000_000)))
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, "", ClassifyError(nil))
	assert.Equal(t, "rpc_timeout", ClassifyError(fmt.Errorf("call: %w", context.DeadlineExceeded)))
	assert.Equal(t, "rpc_unavailable", ClassifyError(errors.New("read: connection reset by peer")))
	assert.Equal(t, "rpc_rate_limited", ClassifyError(errors.New("429 Too Many Requests")))
	assert.Equal(t, "rpc_error", ClassifyError(errors.New("insufficient funds for gas * price + value")))
}

func TestBroadcastError_Unwrap(t *testing.T) {
	base := errors.New("replacement transaction underpriced")
	err := &BroadcastError{Err: base}
	assert.ErrorIs(t, err, base)
}

package sweep

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ligun0805/balance-sweep/internal/credentials"
	"github.com/ligun0805/balance-sweep/internal/ledger"
	"github.com/ligun0805/balance-sweep/internal/notify"
)

var destination = common.HexToAddress("0x000000000000000000000000000000000000dEaD")

type fakeLedger struct {
	mu           sync.Mutex
	balances     map[common.Address]*uint256.Int
	balanceErr   map[common.Address]error
	broadcastErr map[common.Address]error
	gasPrice     *uint256.Int
	gasCalls     int
	sent         []ledger.Transfer
	delay        time.Duration

	inFlight, maxInFlight atomic.Int32
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		balances:     map[common.Address]*uint256.Int{},
		balanceErr:   map[common.Address]error{},
		broadcastErr: map[common.Address]error{},
		gasPrice:     uint256.NewInt(1_000_000_000),
	}
}

func (f *fakeLedger) Balance(ctx context.Context, a common.Address) (*uint256.Int, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxInFlight.Load()
		if n <= m || f.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.balanceErr[a]; err != nil {
		return nil, err
	}
	if b, ok := f.balances[a]; ok {
		return new(uint256.Int).Set(b), nil
	}
	return new(uint256.Int), nil
}

func (f *fakeLedger) GasPrice(context.Context) (*uint256.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gasCalls++
	return new(uint256.Int).Set(f.gasPrice), nil
}

func (f *fakeLedger) Nonce(context.Context, common.Address) (uint64, error) { return 4, nil }

func (f *fakeLedger) ChainID(context.Context) (*big.Int, error) { return big.NewInt(10143), nil }

func (f *fakeLedger) SignAndBroadcast(_ context.Context, t ledger.Transfer, key *ecdsa.PrivateKey) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ledger.KeyAddress(key) != t.From {
		return common.Hash{}, errors.New("wrong signer")
	}
	if err := f.broadcastErr[t.From]; err != nil {
		return common.Hash{}, &ledger.BroadcastError{Account: t.From, Err: err}
	}
	f.sent = append(f.sent, t)
	return common.BytesToHash(t.From.Bytes()), nil
}

type countingNotifier struct {
	mu      sync.Mutex
	reports []notify.Report
}

func (c *countingNotifier) Notify(_ context.Context, r notify.Report) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = append(c.reports, r)
	return true
}

func newAccount(t *testing.T) credentials.Record {
	t.Helper()
	k, err := crypto.GenerateKey()
	require.NoError(t, err)
	return credentials.Record{
		Account:    crypto.PubkeyToAddress(k.PublicKey),
		SigningKey: "0x" + hex.EncodeToString(crypto.FromECDSA(k)),
	}
}

func TestRun_Scenarios(t *testing.T) {
	l := newFakeLedger()
	rich, exact, empty := newAccount(t), newAccount(t), newAccount(t)
	l.balances[rich.Account] = uint256.NewInt(100_000_000_000_000)
	l.balances[exact.Account] = uint256.NewInt(21_000_000_000_000)

	n := &countingNotifier{}
	res := New(l, n, Options{Destination: destination}).Run(context.Background(), []credentials.Record{rich, exact, empty})

	require.Len(t, res.Success, 1)
	assert.Equal(t, rich.Account.Hex(), res.Success[0].Address)
	assert.Equal(t, uint256.NewInt(79_000_000_000_000), res.Success[0].Amount)
	assert.NotEqual(t, common.Hash{}, res.Success[0].TxHash)

	require.Len(t, res.Skipped, 2)
	reasons := map[string]string{}
	for _, o := range res.Skipped {
		reasons[o.Address] = o.Reason
	}
	assert.Equal(t, "insufficient for fee", reasons[exact.Account.Hex()])
	assert.Equal(t, "zero balance", reasons[empty.Account.Hex()])

	assert.Empty(t, res.Failed)
	assert.Empty(t, n.reports)

	require.Len(t, l.sent, 1)
	tx := l.sent[0]
	assert.Equal(t, uint64(4), tx.Nonce)
	assert.Equal(t, uint64(21_000), tx.Plan.GasLimit)
	assert.Equal(t, uint256.NewInt(21_000_000_000_000), tx.Plan.Fee)
}

func TestRun_EveryRecordOnce(t *testing.T) {
	for _, workers := range []int{1, 2, 7, 40} {
		l := newFakeLedger()
		var recs []credentials.Record
		for i := 0; i < 20; i++ {
			r := newAccount(t)
			switch i % 3 {
			case 0:
				l.balances[r.Account] = uint256.NewInt(1_000_000_000_000_000)
			case 1:
				l.balanceErr[r.Account] = errors.New("rpc down")
			}
			recs = append(recs, r)
		}

		res := New(l, &countingNotifier{}, Options{Workers: workers}).Run(context.Background(), recs)
		assert.Equal(t, len(recs), res.Total(), "workers=%d", workers)

		seen := map[string]int{}
		for _, group := range [][]Outcome{res.Success, res.Skipped, res.Failed} {
			for _, o := range group {
				seen[o.Address]++
			}
		}
		for _, r := range recs {
			assert.Equal(t, 1, seen[r.Account.Hex()], "workers=%d", workers)
		}
		assert.Len(t, res.Success, 7)
		assert.Len(t, res.Failed, 7)
		assert.Len(t, res.Skipped, 6)
	}
}

func TestRun_WorkerBound(t *testing.T) {
	l := newFakeLedger()
	l.delay = 5 * time.Millisecond
	var recs []credentials.Record
	for i := 0; i < 24; i++ {
		recs = append(recs, newAccount(t))
	}
	New(l, nil, Options{Workers: 3}).Run(context.Background(), recs)
	assert.LessOrEqual(t, l.maxInFlight.Load(), int32(3))
	assert.Positive(t, l.maxInFlight.Load())
}

func TestRun_KeyMismatch(t *testing.T) {
	l := newFakeLedger()
	a, b := newAccount(t), newAccount(t)
	l.balances[a.Account] = uint256.NewInt(1_000_000_000_000_000)
	bad := credentials.Record{Account: a.Account, SigningKey: b.SigningKey}

	n := &countingNotifier{}
	res := New(l, n, Options{}).Run(context.Background(), []credentials.Record{bad})

	require.Len(t, res.Failed, 1)
	assert.Contains(t, res.Failed[0].Error, b.Account.Hex())
	assert.Empty(t, l.sent)
	require.Len(t, n.reports, 1)
	assert.Equal(t, a.Account, n.reports[0].Account)
}

func TestRun_BroadcastFailureNotifiesOnce(t *testing.T) {
	l := newFakeLedger()
	r := newAccount(t)
	l.balances[r.Account] = uint256.NewInt(1_000_000_000_000_000)
	l.broadcastErr[r.Account] = errors.New("nonce too low")

	n := &countingNotifier{}
	s := New(l, n, Options{RunID: "run-7"})
	res := s.Run(context.Background(), []credentials.Record{r})

	require.Len(t, res.Failed, 1)
	assert.Equal(t, "broadcast from "+r.Account.Hex()+": nonce too low", res.Failed[0].Error)
	require.Len(t, n.reports, 1)
	rep := n.reports[0]
	assert.Equal(t, r.Account, rep.Account)
	assert.Equal(t, res.Failed[0].Error, rep.Error)
	assert.Equal(t, "run-7", rep.RunID)

	keyHex := strings.TrimPrefix(r.SigningKey, "0x")
	assert.NotContains(t, rep.Query(), keyHex)
	assert.NotContains(t, res.Failed[0].Error, keyHex)
}

func TestRun_InvalidKey(t *testing.T) {
	l := newFakeLedger()
	r := credentials.Record{Account: common.HexToAddress("0x1111111111111111111111111111111111111111"), SigningKey: "0xzz"}
	l.balances[r.Account] = uint256.NewInt(1_000_000_000_000_000)
	n := &countingNotifier{}
	res := New(l, n, Options{}).Run(context.Background(), []credentials.Record{r})
	require.Len(t, res.Failed, 1)
	assert.Contains(t, res.Failed[0].Error, "signing key")
	assert.Len(t, n.reports, 1)
}

func TestRun_DeclinedAccountsIgnoreKey(t *testing.T) {
	l := newFakeLedger()
	other := newAccount(t)
	empty := credentials.Record{Account: common.HexToAddress("0x1111111111111111111111111111111111111111"), SigningKey: "0x1234abcd"}
	poor := credentials.Record{Account: common.HexToAddress("0x2222222222222222222222222222222222222222"), SigningKey: other.SigningKey}
	l.balances[poor.Account] = uint256.NewInt(20_000_000_000_000)

	n := &countingNotifier{}
	res := New(l, n, Options{}).Run(context.Background(), []credentials.Record{empty, poor})

	assert.Empty(t, res.Failed)
	require.Len(t, res.Skipped, 2)
	assert.Equal(t, empty.Account.Hex(), res.Skipped[0].Address)
	assert.Equal(t, "zero balance", res.Skipped[0].Reason)
	assert.Equal(t, poor.Account.Hex(), res.Skipped[1].Address)
	assert.Equal(t, "insufficient for fee", res.Skipped[1].Reason)
	assert.Empty(t, n.reports)
	assert.Empty(t, l.sent)
}

func TestRun_DryRun(t *testing.T) {
	l := newFakeLedger()
	r := newAccount(t)
	l.balances[r.Account] = uint256.NewInt(100_000_000_000_000)

	res := New(l, &countingNotifier{}, Options{DryRun: true}).Run(context.Background(), []credentials.Record{r})
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "dry run: would send 0.000079", res.Skipped[0].Reason)
	assert.Empty(t, l.sent)
}

func TestRun_GasPriceOverride(t *testing.T) {
	l := newFakeLedger()
	r := newAccount(t)
	l.balances[r.Account] = uint256.NewInt(100_000_000_000_000)

	res := New(l, nil, Options{GasPrice: uint256.NewInt(2_000_000_000)}).Run(context.Background(), []credentials.Record{r})
	require.Len(t, res.Success, 1)
	assert.Equal(t, uint256.NewInt(58_000_000_000_000), res.Success[0].Amount)
	assert.Zero(t, l.gasCalls)
}

func TestRun_Cancelled(t *testing.T) {
	l := newFakeLedger()
	r := newAccount(t)
	l.balances[r.Account] = uint256.NewInt(100_000_000_000_000)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := New(l, nil, Options{}).Run(ctx, []credentials.Record{r})
	require.Len(t, res.Failed, 1)
	assert.Empty(t, l.sent)
}

func TestRun_Empty(t *testing.T) {
	res := New(newFakeLedger(), nil, Options{}).Run(context.Background(), nil)
	assert.Zero(t, res.Total())
}

func TestNew_Defaults(t *testing.T) {
	s := New(newFakeLedger(), nil, Options{})
	assert.Equal(t, DefaultWorkers, s.opts.Workers)
	assert.Equal(t, uint64(21_000), s.opts.GasLimit)
	assert.NotEmpty(t, s.RunID())
}

func TestFileFailure(t *testing.T) {
	res := FileFailure(errors.New("open keys.txt: no such file"))
	require.Len(t, res.Failed, 1)
	assert.Equal(t, AllAccounts, res.Failed[0].Address)
	assert.Equal(t, "open keys.txt: no such file", res.Failed[0].Error)
	assert.Equal(t, 1, res.Total())
}

func TestBalances(t *testing.T) {
	l := newFakeLedger()
	a := common.HexToAddress("0x1111111111111111111111111111111111111111")
	b := common.HexToAddress("0x2222222222222222222222222222222222222222")
	c := common.HexToAddress("0x3333333333333333333333333333333333333333")
	l.balances[a] = uint256.NewInt(5)
	l.balanceErr[b] = errors.New("timeout")
	l.balances[c] = uint256.NewInt(7)

	hs := Balances(context.Background(), l, []common.Address{c, b, a}, 2)
	require.Len(t, hs, 3)
	assert.Equal(t, c, hs[0].Account)
	assert.Equal(t, uint256.NewInt(7), hs[0].Balance)
	assert.Equal(t, "timeout", hs[1].Error)
	assert.Nil(t, hs[1].Balance)
	assert.Equal(t, a, hs[2].Account)
	assert.Equal(t, uint256.NewInt(12), Total(hs))
}

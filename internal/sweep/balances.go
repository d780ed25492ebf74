package sweep

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"
)

// BalanceReader is the read-only side of Ledger.
type BalanceReader interface {
	Balance(ctx context.Context, addr common.Address) (*uint256.Int, error)
}

// Holding is one account's balance from a collect-only survey.
type Holding struct {
	Account common.Address
	Balance *uint256.Int
	Error   string
}

// Balances queries every address without moving funds. The result is in input
// order; lookup failures are recorded on the holding, not returned.
func Balances(ctx context.Context, l BalanceReader, addrs []common.Address, workers int) []Holding {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	out := make([]Holding, len(addrs))
	var g errgroup.Group
	g.SetLimit(workers)
	for i, a := range addrs {
		i, a := i, a
		g.Go(func() error {
			h := Holding{Account: a}
			if bal, err := l.Balance(ctx, a); err != nil {
				h.Error = err.Error()
			} else {
				h.Balance = bal
			}
			out[i] = h
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Total sums the balances that were read successfully.
func Total(hs []Holding) *uint256.Int {
	sum := new(uint256.Int)
	for _, h := range hs {
		if h.Balance != nil {
			sum.Add(sum, h.Balance)
		}
	}
	return sum
}

// Package sweep moves the spendable balance of many accounts to a single
// destination, one transfer per account, with a bounded worker pool.
package sweep

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ligun0805/balance-sweep/internal/credentials"
	"github.com/ligun0805/balance-sweep/internal/ledger"
	"github.com/ligun0805/balance-sweep/internal/notify"
	"github.com/ligun0805/balance-sweep/internal/planner"
)

// DefaultWorkers is the pool size when Options.Workers is unset.
const DefaultWorkers = 15

// AllAccounts labels the synthetic failure written when no account could be read.
const AllAccounts = "all"

// Ledger is the subset of *ledger.Gateway the sweeper needs.
type Ledger interface {
	Balance(ctx context.Context, addr common.Address) (*uint256.Int, error)
	GasPrice(ctx context.Context) (*uint256.Int, error)
	Nonce(ctx context.Context, addr common.Address) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	SignAndBroadcast(ctx context.Context, t ledger.Transfer, key *ecdsa.PrivateKey) (common.Hash, error)
}

// Status is the terminal state of one account.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// Outcome is the result for one account. Address is a hex account or AllAccounts.
type Outcome struct {
	Address string
	Status  Status
	TxHash  common.Hash
	Amount  *uint256.Int
	Reason  string
	Error   string
}

// Result groups outcomes by status, each list ordered by address.
type Result struct {
	Success []Outcome
	Skipped []Outcome
	Failed  []Outcome
}

// Total is the number of accounts accounted for.
func (r Result) Total() int { return len(r.Success) + len(r.Skipped) + len(r.Failed) }

func (r *Result) add(o Outcome) {
	switch o.Status {
	case StatusSucceeded:
		r.Success = append(r.Success, o)
	case StatusSkipped:
		r.Skipped = append(r.Skipped, o)
	default:
		r.Failed = append(r.Failed, o)
	}
}

func (r *Result) sort() {
	for _, l := range [][]Outcome{r.Success, r.Skipped, r.Failed} {
		sort.Slice(l, func(i, j int) bool { return l[i].Address < l[j].Address })
	}
}

// FileFailure is the result when the credential source itself could not be read.
func FileFailure(err error) Result {
	return Result{Failed: []Outcome{{Address: AllAccounts, Status: StatusFailed, Error: err.Error()}}}
}

// Options tunes a Sweeper.
type Options struct {
	Destination common.Address
	GasLimit    uint64
	// GasPrice, when set, replaces the network price for every transfer.
	GasPrice *uint256.Int
	Workers  int
	DryRun   bool
	RunID    string
	Logger   zerolog.Logger
}

// Sweeper runs sweeps. It holds no per-run state and may be reused.
type Sweeper struct {
	ledger   Ledger
	notifier notify.Notifier
	prices   planner.GasPriceSource
	opts     Options
	log      zerolog.Logger
}

// New builds a Sweeper. A nil notifier disables failure reports.
func New(l Ledger, n notify.Notifier, o Options) *Sweeper {
	if o.GasLimit == 0 {
		o.GasLimit = planner.DefaultGasLimit
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.RunID == "" {
		o.RunID = uuid.NewString()
	}
	if n == nil {
		n = notify.Nop{Log: o.Logger}
	}
	return &Sweeper{
		ledger:   l,
		notifier: n,
		prices:   planner.GasPriceSource{Override: o.GasPrice, Network: l},
		opts:     o,
		log:      o.Logger.With().Str("run", o.RunID).Logger(),
	}
}

// RunID identifies this sweeper's runs in logs and failure reports.
func (s *Sweeper) RunID() string { return s.opts.RunID }

// Run processes every record and returns once all of them have an outcome.
// Per-account errors never escape; they end up in Result.Failed.
func (s *Sweeper) Run(ctx context.Context, records []credentials.Record) Result {
	s.log.Info().
		Int("accounts", len(records)).
		Int("workers", s.opts.Workers).
		Str("destination", s.opts.Destination.Hex()).
		Bool("dry_run", s.opts.DryRun).
		Msg("sweep started")

	outcomes := make(chan Outcome, s.opts.Workers)
	var res Result
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for o := range outcomes {
			res.add(o)
		}
	}()

	var g errgroup.Group
	g.SetLimit(s.opts.Workers)
	for _, rec := range records {
		rec := rec
		g.Go(func() error {
			outcomes <- s.process(ctx, rec)
			return nil
		})
	}
	_ = g.Wait()
	close(outcomes)
	<-collected

	res.sort()
	s.log.Info().
		Int("succeeded", len(res.Success)).
		Int("skipped", len(res.Skipped)).
		Int("failed", len(res.Failed)).
		Msg("sweep finished")
	return res
}

func (s *Sweeper) process(ctx context.Context, rec credentials.Record) Outcome {
	log := s.log.With().Str("account", rec.Account.Hex()).Logger()
	out, err := s.sweepOne(ctx, rec, log)
	if err == nil {
		return out
	}

	log.Error().Err(err).Str("class", ledger.ClassifyError(err)).Msg("sweep failed")
	if !s.notifier.Notify(ctx, notify.Report{Account: rec.Account, Error: err.Error(), RunID: s.opts.RunID}) {
		log.Debug().Msg("failure report not delivered")
	}
	return Outcome{Address: rec.Account.Hex(), Status: StatusFailed, Error: err.Error()}
}

func (s *Sweeper) sweepOne(ctx context.Context, rec credentials.Record, log zerolog.Logger) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	balance, err := s.ledger.Balance(ctx, rec.Account)
	if err != nil {
		return Outcome{}, err
	}
	gasPrice, err := s.prices.Price(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("gas price: %w", err)
	}
	plan, err := planner.Decide(balance, gasPrice, s.opts.GasLimit)
	if d, ok := planner.IsDecline(err); ok {
		log.Info().Str("balance", ledger.FormatEther(balance.ToBig())).Str("reason", d.Reason).Msg("skipped")
		return Outcome{Address: rec.Account.Hex(), Status: StatusSkipped, Reason: d.Reason}, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	amount := ledger.FormatEther(plan.Amount.ToBig())
	if s.opts.DryRun {
		log.Info().Str("amount", amount).Str("gas_price_gwei", ledger.FormatGwei(plan.GasPrice.ToBig())).Msg("dry run")
		return Outcome{
			Address: rec.Account.Hex(),
			Status:  StatusSkipped,
			Amount:  plan.Amount,
			Reason:  "dry run: would send " + amount,
		}, nil
	}

	// Only accounts that are about to sign need a usable key; declined ones
	// are skipped whatever their key looks like.
	key, err := ledger.ParsePrivateKey(rec.SigningKey)
	if err != nil {
		return Outcome{}, fmt.Errorf("signing key: %w", err)
	}
	if derived := ledger.KeyAddress(key); derived != rec.Account {
		return Outcome{}, fmt.Errorf("signing key controls %s, not this account", derived.Hex())
	}

	nonce, err := s.ledger.Nonce(ctx, rec.Account)
	if err != nil {
		return Outcome{}, err
	}
	chainID, err := s.ledger.ChainID(ctx)
	if err != nil {
		return Outcome{}, err
	}
	hash, err := s.ledger.SignAndBroadcast(ctx, ledger.Transfer{From: rec.Account, Nonce: nonce, ChainID: chainID, Plan: plan}, key)
	if err != nil {
		return Outcome{}, err
	}

	log.Info().Str("tx", hash.Hex()).Str("amount", amount).Uint64("nonce", nonce).Msg("swept")
	return Outcome{Address: rec.Account.Hex(), Status: StatusSucceeded, TxHash: hash, Amount: plan.Amount}, nil
}

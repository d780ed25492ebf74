// Package planner decides how much of an account balance can be swept once
// the transfer fee is paid.
package planner

import (
	"context"
	"errors"

	"github.com/holiman/uint256"
)

// DefaultGasLimit is the gas of a plain value transfer.
const DefaultGasLimit uint64 = 21_000

// Decline reasons.
const (
	ReasonZeroBalance     = "zero balance"
	ReasonInsufficientFee = "insufficient for fee"
)

// Plan is the exact transfer for one account.
type Plan struct {
	Amount   *uint256.Int
	Fee      *uint256.Int
	GasPrice *uint256.Int
	GasLimit uint64
}

// Decline is returned when sweeping the account would be pointless.
type Decline struct {
	Reason string
}

func (d *Decline) Error() string { return d.Reason }

// IsDecline reports whether err is a Decline.
func IsDecline(err error) (*Decline, bool) {
	var d *Decline
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}

// Decide computes the sendable amount: balance - gasPrice*gasLimit.
// A fee that overflows 256 bits can never be covered and is treated as insufficient.
func Decide(balance, gasPrice *uint256.Int, gasLimit uint64) (Plan, error) {
	if balance == nil || balance.IsZero() {
		return Plan{}, &Decline{Reason: ReasonZeroBalance}
	}
	if gasPrice == nil {
		gasPrice = new(uint256.Int)
	}
	fee, overflow := new(uint256.Int).MulOverflow(gasPrice, uint256.NewInt(gasLimit))
	if overflow || balance.Cmp(fee) <= 0 {
		return Plan{}, &Decline{Reason: ReasonInsufficientFee}
	}
	return Plan{
		Amount:   new(uint256.Int).Sub(balance, fee),
		Fee:      fee,
		GasPrice: new(uint256.Int).Set(gasPrice),
		GasLimit: gasLimit,
	}, nil
}

// GasPricer is the network side of gas price lookup.
type GasPricer interface {
	GasPrice(ctx context.Context) (*uint256.Int, error)
}

// GasPriceSource yields the configured override, or asks the network on every
// call. Prices are not cached between accounts.
type GasPriceSource struct {
	Override *uint256.Int
	Network  GasPricer
}

// Price returns the gas price to use for the next transfer.
func (s GasPriceSource) Price(ctx context.Context) (*uint256.Int, error) {
	if s.Override != nil {
		return new(uint256.Int).Set(s.Override), nil
	}
	if s.Network == nil {
		return nil, errors.New("no gas price source")
	}
	return s.Network.GasPrice(ctx)
}

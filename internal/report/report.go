// Package report writes sweep and survey results as JSON files.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ligun0805/balance-sweep/internal/ledger"
	"github.com/ligun0805/balance-sweep/internal/sweep"
)

// Success is one broadcast transfer.
type Success struct {
	Address string `json:"address"`
	TxHash  string `json:"tx_hash"`
	Amount  string `json:"amount"`
}

// Failure is one account that could not be swept.
type Failure struct {
	Address string `json:"address"`
	Error   string `json:"error"`
}

// Skip is one account that was deliberately left alone.
type Skip struct {
	Address string `json:"address"`
	Reason  string `json:"reason"`
}

// Sweep is the on-disk shape of a sweep result.
type Sweep struct {
	Success []Success `json:"success"`
	Failed  []Failure `json:"failed"`
	Skipped []Skip    `json:"skipped"`
}

// Holding is the on-disk shape of one surveyed balance.
type Holding struct {
	Address    string `json:"address"`
	BalanceWei string `json:"balance_wei,omitempty"`
	Balance    string `json:"balance,omitempty"`
	Error      string `json:"error,omitempty"`
}

// FromResult converts a sweep result. Amounts are rendered in ether.
func FromResult(r sweep.Result) Sweep {
	out := Sweep{
		Success: make([]Success, 0, len(r.Success)),
		Failed:  make([]Failure, 0, len(r.Failed)),
		Skipped: make([]Skip, 0, len(r.Skipped)),
	}
	for _, o := range r.Success {
		amount := "0"
		if o.Amount != nil {
			amount = ledger.FormatEther(o.Amount.ToBig())
		}
		out.Success = append(out.Success, Success{Address: o.Address, TxHash: o.TxHash.Hex(), Amount: amount})
	}
	for _, o := range r.Failed {
		out.Failed = append(out.Failed, Failure{Address: o.Address, Error: o.Error})
	}
	for _, o := range r.Skipped {
		out.Skipped = append(out.Skipped, Skip{Address: o.Address, Reason: o.Reason})
	}
	return out
}

// FromHoldings converts survey results.
func FromHoldings(hs []sweep.Holding) []Holding {
	out := make([]Holding, 0, len(hs))
	for _, h := range hs {
		row := Holding{Address: h.Account.Hex(), Error: h.Error}
		if h.Balance != nil {
			row.BalanceWei = h.Balance.Dec()
			row.Balance = ledger.FormatEther(h.Balance.ToBig())
		}
		out = append(out, row)
	}
	return out
}

// WriteSweep writes r to path.
func WriteSweep(path string, r sweep.Result) error {
	return writeJSON(path, FromResult(r))
}

// WriteHoldings writes a balance survey to path.
func WriteHoldings(path string, hs []sweep.Holding) error {
	return writeJSON(path, FromHoldings(hs))
}

// writeJSON writes to a temp file and renames it over path so a crash never
// leaves a truncated report.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	data = append(data, '\n')

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create report dir: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

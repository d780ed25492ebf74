package main

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ligun0805/balance-sweep/internal/config"
	"github.com/ligun0805/balance-sweep/internal/credentials"
	"github.com/ligun0805/balance-sweep/internal/ledger"
	"github.com/ligun0805/balance-sweep/internal/report"
	"github.com/ligun0805/balance-sweep/internal/sweep"
)

const defaultCollectOutput = "balances.json"

func newCollectCmd(fv *flagValues) *cobra.Command {
	return &cobra.Command{
		Use:   "collect",
		Short: "Read balances of the listed accounts without moving funds",
		Long: "Reads one account per line (a trailing ----key is ignored) and writes\n" +
			"address, wei and ether balances as JSON. Nothing is signed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, log, err := setup(cmd, fv, config.Settings.ValidateSurvey)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("output") && st.Output == config.Defaults().Output {
				st.Output = defaultCollectOutput
			}
			return fail(log, runCollect(cmd.Context(), st, log))
		},
	}
}

func runCollect(ctx context.Context, st config.Settings, log zerolog.Logger) error {
	addrs, err := credentials.ReadAddressesFile(st.Input)
	if err != nil {
		return err
	}
	gw, err := dialLedger(ctx, st, log)
	if err != nil {
		return err
	}
	defer gw.Close()

	hs := sweep.Balances(ctx, gw, addrs, st.Workers)
	if err := report.WriteHoldings(st.Output, hs); err != nil {
		return err
	}
	failed := 0
	for _, h := range hs {
		if h.Error != "" {
			failed++
		}
	}
	log.Info().
		Str("report", st.Output).
		Int("accounts", len(hs)).
		Int("unreadable", failed).
		Str("total", ledger.FormatEther(sweep.Total(hs).ToBig())).
		Msg("done")
	return nil
}

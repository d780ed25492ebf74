package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ligun0805/balance-sweep/internal/config"
	"github.com/ligun0805/balance-sweep/internal/credentials"
	"github.com/ligun0805/balance-sweep/internal/ledger"
	"github.com/ligun0805/balance-sweep/internal/notify"
	"github.com/ligun0805/balance-sweep/internal/report"
	"github.com/ligun0805/balance-sweep/internal/sweep"
)

func dialLedger(ctx context.Context, st config.Settings, log zerolog.Logger) (*ledger.Gateway, error) {
	return ledger.Dial(ctx, ledger.Options{
		URL:         st.RPCURL,
		Destination: st.DestinationAddress(),
		Timeout:     st.RPCTimeout.Std(),
		RateLimit:   st.RPCRate,
		Logger:      log,
	})
}

func buildNotifier(st config.Settings, log zerolog.Logger) (notify.Notifier, error) {
	if len(st.Relays) == 0 {
		log.Warn().Msg("no relays configured, failures are only logged")
		return notify.Nop{Log: log}, nil
	}
	n, err := notify.NewRelayNotifier(notify.RelayConfig{
		Pool:    st.Relays,
		Scheme:  st.RelayScheme,
		Port:    st.RelayPort,
		Path:    st.RelayPath,
		Marker:  st.RelayMarker,
		Retries: st.NotifyRetries,
		Delay:   st.NotifyDelay.Std(),
		Timeout: st.NotifyTimeout.Std(),
	}, notify.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("relay notifier: %w", err)
	}
	log.Info().Strs("relays", n.Hosts()).Msg("failure reports enabled")
	return n, nil
}

// runSweep is the whole sweep mode. Per-account failures end up in the report
// and do not make the process fail.
func runSweep(ctx context.Context, st config.Settings, log zerolog.Logger) error {
	gasPrice, err := st.GasPrice()
	if err != nil {
		return err
	}
	notifier, err := buildNotifier(st, log)
	if err != nil {
		return err
	}

	gw, err := dialLedger(ctx, st, log)
	if err != nil {
		return err
	}
	defer gw.Close()

	var res sweep.Result
	pairs, err := credentials.ReadPairsFile(st.Input)
	var fre *credentials.FileReadError
	switch {
	case errors.As(err, &fre):
		log.Error().Err(err).Msg("credential file unreadable")
		res = sweep.FileFailure(err)
	case err != nil:
		return err
	default:
		s := sweep.New(gw, notifier, sweep.Options{
			Destination: gw.Destination(),
			GasLimit:    st.GasLimit,
			GasPrice:    gasPrice,
			Workers:     st.Workers,
			DryRun:      st.DryRun,
			Logger:      log,
		})
		res = s.Run(ctx, credentials.Records(pairs))
	}

	if err := report.WriteSweep(st.Output, res); err != nil {
		return err
	}
	log.Info().
		Str("report", st.Output).
		Int("succeeded", len(res.Success)).
		Int("skipped", len(res.Skipped)).
		Int("failed", len(res.Failed)).
		Msg("done")
	return nil
}

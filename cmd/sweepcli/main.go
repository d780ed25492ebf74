package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ligun0805/balance-sweep/internal/config"
	"github.com/ligun0805/balance-sweep/internal/credentials"
	"github.com/ligun0805/balance-sweep/internal/logging"
)

var longHelp = strings.TrimSpace(`
Move the spendable balance of every account in a credential file to one
destination account, leaving exactly the transfer fee behind.

Input lines look like "0x<account>----<signing key>"; anything else is ignored.
Results are written as JSON (success / failed / skipped).

Configuration is read from sweep.toml (or --config), then the environment
(a .env file is honoured), then flags.
`)

var exampleUsage = strings.TrimSpace(`
  sweepcli -i keys.txt --destination 0xYourVault --dry-run
  sweepcli -i keys.txt --relay ops1.internal --relay ops2.internal:8080
  sweepcli collect -i addresses.txt -o balances.json
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var fv flagValues

	root := &cobra.Command{
		Use:           "sweepcli",
		Short:         "Consolidate account balances into one destination",
		Long:          longHelp,
		Example:       exampleUsage,
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, log, err := setup(cmd, &fv, config.Settings.Validate)
			if err != nil {
				return err
			}
			return fail(log, runSweep(cmd.Context(), st, log))
		},
	}
	fv.register(root.PersistentFlags())
	root.AddCommand(newCollectCmd(&fv))
	return root
}

// setup resolves settings and builds the process logger. Errors before the
// logger exists go to stderr.
func setup(cmd *cobra.Command, fv *flagValues, validate func(config.Settings) error) (config.Settings, zerolog.Logger, error) {
	st, err := config.Load(fv.configPath)
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
		return st, zerolog.Nop(), err
	}
	fv.apply(cmd.Flags(), &st)

	log := logging.New(st.LogLevel, st.LogFormat, cmd.ErrOrStderr())
	credentials.SetLogger(log)
	if err := validate(st); err != nil {
		log.Error().Err(err).Msg("configuration rejected")
		return st, log, err
	}
	log.Info().EmbedObject(st).Msg("configuration")
	return st, log, nil
}

func fail(log zerolog.Logger, err error) error {
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("sweepcli")
	}
	return err
}

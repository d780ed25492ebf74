package main

import (
	"github.com/spf13/pflag"

	"github.com/ligun0805/balance-sweep/internal/config"
)

// flagValues holds raw flag input. Only flags the user actually set override
// the file and environment layers.
type flagValues struct {
	configPath  string
	input       string
	output      string
	destination string
	rpc         string
	gasPrice    string
	gasLimit    uint64
	workers     int
	relays      []string
	dryRun      bool
	logLevel    string
	logFormat   string
}

func (f *flagValues) register(fs *pflag.FlagSet) {
	d := config.Defaults()
	fs.StringVar(&f.configPath, "config", "", "path to TOML config file (default: ./"+config.DefaultPath+" if present)")
	fs.StringVarP(&f.input, "input", "i", "", "credential or address file")
	fs.StringVarP(&f.output, "output", "o", d.Output, "JSON report path")
	fs.StringVar(&f.destination, "destination", "", "account that receives every balance")
	fs.StringVar(&f.rpc, "rpc", d.RPCURL, "JSON-RPC endpoint URL")
	fs.StringVar(&f.gasPrice, "gas-price", "", "fixed gas price in wei, decimal or 0x (default: ask the node)")
	fs.Uint64Var(&f.gasLimit, "gas-limit", d.GasLimit, "gas limit per transfer")
	fs.IntVar(&f.workers, "workers", d.Workers, "concurrent accounts")
	fs.StringSliceVar(&f.relays, "relay", nil, "failure-report relay host[:port], repeatable")
	fs.BoolVar(&f.dryRun, "dry-run", false, "plan transfers without broadcasting")
	fs.StringVar(&f.logLevel, "log-level", d.LogLevel, "trace, debug, info, warn or error")
	fs.StringVar(&f.logFormat, "log-format", d.LogFormat, "auto, console or json")
}

func (f *flagValues) apply(fs *pflag.FlagSet, st *config.Settings) {
	changed := func(name string) bool {
		fl := fs.Lookup(name)
		return fl != nil && fl.Changed
	}
	if changed("input") {
		st.Input = f.input
	}
	if changed("output") {
		st.Output = f.output
	}
	if changed("destination") {
		st.Destination = f.destination
	}
	if changed("rpc") {
		st.RPCURL = f.rpc
	}
	if changed("gas-price") {
		st.GasPriceWei = f.gasPrice
	}
	if changed("gas-limit") {
		st.GasLimit = f.gasLimit
	}
	if changed("workers") {
		st.Workers = f.workers
	}
	if changed("relay") {
		st.Relays = append([]string(nil), f.relays...)
	}
	if changed("dry-run") {
		st.DryRun = f.dryRun
	}
	if changed("log-level") {
		st.LogLevel = f.logLevel
	}
	if changed("log-format") {
		st.LogFormat = f.logFormat
	}
}

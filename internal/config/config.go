// Package config loads sweeper settings from defaults, a TOML file, the
// environment (optionally seeded from .env) and finally CLI flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
)

// DefaultPath is the config file looked up when none is given.
const DefaultPath = "sweep.toml"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Duration accepts "1s"-style strings from both TOML and the environment.
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Settings keeps all configuration options.
type Settings struct {
	Destination string   `toml:"destination" env:"SWEEP_DESTINATION"`
	RPCURL      string   `toml:"rpc_url" env:"RPC_URL"`
	GasPriceWei string   `toml:"gas_price_wei" env:"GAS_PRICE_WEI"`
	GasLimit    uint64   `toml:"gas_limit" env:"GAS_LIMIT"`
	Workers     int      `toml:"workers" env:"SWEEP_WORKERS"`
	DryRun      bool     `toml:"dry_run" env:"SWEEP_DRY_RUN"`
	Input       string   `toml:"input" env:"SWEEP_INPUT"`
	Output      string   `toml:"output" env:"SWEEP_OUTPUT"`
	RPCTimeout  Duration `toml:"rpc_timeout" env:"RPC_TIMEOUT"`
	RPCRate     float64  `toml:"rpc_rate" env:"RPC_RATE"`

	Relays        []string `toml:"relays" env:"SWEEP_RELAYS" envSeparator:","`
	RelayScheme   string   `toml:"relay_scheme" env:"RELAY_SCHEME"`
	RelayPort     int      `toml:"relay_port" env:"RELAY_PORT"`
	RelayPath     string   `toml:"relay_path" env:"RELAY_PATH"`
	RelayMarker   string   `toml:"relay_marker" env:"RELAY_MARKER"`
	NotifyRetries int      `toml:"notify_retries" env:"NOTIFY_RETRIES"`
	NotifyDelay   Duration `toml:"notify_delay" env:"NOTIFY_DELAY"`
	NotifyTimeout Duration `toml:"notify_timeout" env:"NOTIFY_TIMEOUT"`

	LogLevel  string `toml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `toml:"log_format" env:"LOG_FORMAT"`
}

// Defaults returns the built-in settings.
func Defaults() Settings {
	return Settings{
		RPCURL:        "https://testnet-rpc.monad.xyz/",
		GasLimit:      21_000,
		Workers:       15,
		Output:        "transfer_results.json",
		RPCTimeout:    Duration(30 * time.Second),
		RelayScheme:   "http",
		RelayPort:     60000,
		RelayPath:     "/api",
		RelayMarker:   "success",
		NotifyRetries: 10,
		NotifyDelay:   Duration(time.Second),
		NotifyTimeout: Duration(10 * time.Second),
		LogLevel:      "info",
		LogFormat:     "auto",
	}
}

// Load layers the config file and the environment over the defaults. An
// explicit path must exist; otherwise DefaultPath is read only if present.
// Flags are applied afterwards by the caller.
func Load(path string) (Settings, error) {
	st := Defaults()

	file, required := path, true
	if file == "" {
		file, required = DefaultPath, false
	}
	if err := loadFile(file, &st); err != nil {
		if required || !errors.Is(err, os.ErrNotExist) {
			return Settings{}, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Settings{}, fmt.Errorf("load .env: %w", err)
	}
	if err := env.Parse(&st); err != nil {
		return Settings{}, fmt.Errorf("parse environment: %w", err)
	}
	st.Relays = splitCSV(st.Relays)
	return st, nil
}

func loadFile(path string, st *Settings) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := toml.Unmarshal(b, st); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// splitCSV trims entries and drops empty ones; TOML lists may also carry
// comma-joined values.
func splitCSV(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// DestinationAddress returns the parsed destination account.
func (s Settings) DestinationAddress() common.Address { return common.HexToAddress(s.Destination) }

// GasPrice parses GasPriceWei. A nil result means "ask the network".
func (s Settings) GasPrice() (*uint256.Int, error) {
	v := strings.TrimSpace(s.GasPriceWei)
	if v == "" {
		return nil, nil
	}
	if strings.HasPrefix(v, "0x") || strings.HasPrefix(v, "0X") {
		digits := strings.TrimLeft(v[2:], "0")
		if digits == "" && len(v) > 2 {
			digits = "0"
		}
		return uint256.FromHex("0x" + digits)
	}
	return uint256.FromDecimal(v)
}

// Validate checks the settings for a sweep. Every error wraps ErrInvalidConfig.
func (s Settings) Validate() error { return s.validate(true) }

// ValidateSurvey checks the settings for a read-only balance survey, which
// needs no destination.
func (s Settings) ValidateSurvey() error { return s.validate(false) }

func (s Settings) validate(sweeping bool) error {
	var errs []error
	if sweeping && !common.IsHexAddress(strings.TrimSpace(s.Destination)) {
		errs = append(errs, fmt.Errorf("destination %q is not a hex address", s.Destination))
	}
	if strings.TrimSpace(s.Input) == "" {
		errs = append(errs, errors.New("input file is required"))
	}
	if u, err := url.Parse(s.RPCURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("rpc_url %q is not a URL", s.RPCURL))
	}
	if _, err := s.GasPrice(); err != nil {
		errs = append(errs, fmt.Errorf("gas_price_wei %q: %v", s.GasPriceWei, err))
	}
	if s.GasLimit == 0 {
		errs = append(errs, errors.New("gas_limit must be positive"))
	}
	if s.Workers <= 0 {
		errs = append(errs, errors.New("workers must be positive"))
	}
	if s.NotifyRetries <= 0 {
		errs = append(errs, errors.New("notify_retries must be positive"))
	}
	if s.RelayPort <= 0 || s.RelayPort > 65535 {
		errs = append(errs, fmt.Errorf("relay_port %d out of range", s.RelayPort))
	}
	if s.RPCRate < 0 {
		errs = append(errs, errors.New("rpc_rate must not be negative"))
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(s.LogLevel)); err != nil {
		errs = append(errs, fmt.Errorf("log_level %q: %v", s.LogLevel, err))
	}
	switch s.LogFormat {
	case "auto", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q must be auto, console or json", s.LogFormat))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// Masked returns a copy that is safe to log. RPC URLs often embed an API key
// in the path or query, so only scheme and host survive.
func (s Settings) Masked() Settings {
	m := s
	m.RPCURL = maskURL(s.RPCURL)
	m.Relays = append([]string(nil), s.Relays...)
	return m
}

// MarshalZerologObject logs the masked settings.
func (s Settings) MarshalZerologObject(e *zerolog.Event) {
	m := s.Masked()
	e.Str("destination", m.Destination).
		Str("rpc_url", m.RPCURL).
		Str("gas_price_wei", m.GasPriceWei).
		Uint64("gas_limit", m.GasLimit).
		Int("workers", m.Workers).
		Bool("dry_run", m.DryRun).
		Str("input", m.Input).
		Str("output", m.Output).
		Dur("rpc_timeout", m.RPCTimeout.Std()).
		Float64("rpc_rate", m.RPCRate).
		Strs("relays", m.Relays).
		Int("notify_retries", m.NotifyRetries).
		Dur("notify_delay", m.NotifyDelay.Std())
}

func maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return maskHex(raw)
	}
	if u.Path == "" || u.Path == "/" {
		if u.RawQuery == "" {
			return u.Scheme + "://" + u.Host + u.Path
		}
	}
	return u.Scheme + "://" + u.Host + "/***"
}

func maskHex(h string) string {
	h = strings.TrimSpace(h)
	if len(h) <= 10 {
		return "***"
	}
	return h[:6] + "..." + h[len(h)-4:]
}

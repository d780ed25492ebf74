// Package ledger is a thin synchronous client over an Ethereum-style JSON-RPC
// endpoint. Every call is a single attempt; retries belong to the caller.
package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ligun0805/balance-sweep/internal/planner"
)

// ErrConnection is returned by Dial when the endpoint cannot be reached.
var ErrConnection = errors.New("ledger: endpoint unreachable")

// DefaultTimeout bounds a single RPC round trip.
const DefaultTimeout = 30 * time.Second

// Options configures a Gateway.
type Options struct {
	URL         string
	Destination common.Address
	Timeout     time.Duration
	// RateLimit caps RPC calls per second across all workers. Zero disables it.
	RateLimit float64
	Logger    zerolog.Logger
}

// Gateway wraps an ethclient. It is safe for concurrent use.
type Gateway struct {
	ec   *ethclient.Client
	dest common.Address
	lim  *rate.Limiter
	log  zerolog.Logger
}

// Transfer is one signed value transfer to the gateway destination.
type Transfer struct {
	From    common.Address
	Nonce   uint64
	ChainID *big.Int
	Plan    planner.Plan
}

// newEthClientWithTimeout dials RPC with keep-alives and a request timeout.
func newEthClientWithTimeout(rpcURL string, timeout time.Duration) (*ethclient.Client, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     90 * time.Second,
	}
	httpClient := &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
	rpcClient, err := rpc.DialHTTPWithClient(rpcURL, httpClient)
	if err != nil {
		return nil, err
	}
	return ethclient.NewClient(rpcClient), nil
}

// Dial connects to the endpoint and checks that it answers. An unreachable
// endpoint yields an error wrapping ErrConnection.
func Dial(ctx context.Context, o Options) (*Gateway, error) {
	ec, err := newEthClientWithTimeout(o.URL, o.Timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnection, o.URL, err)
	}
	g := New(ec, o)
	head, err := g.blockNumber(ctx)
	if err != nil {
		ec.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrConnection, o.URL, err)
	}
	g.log.Info().Str("rpc", o.URL).Uint64("block", head).Msg("connected to ledger")
	return g, nil
}

// New wraps an existing client without probing it.
func New(ec *ethclient.Client, o Options) *Gateway {
	g := &Gateway{ec: ec, dest: o.Destination, log: o.Logger}
	if o.RateLimit > 0 {
		burst := int(o.RateLimit)
		if burst < 1 {
			burst = 1
		}
		g.lim = rate.NewLimiter(rate.Limit(o.RateLimit), burst)
	}
	return g
}

// Close releases the underlying connection.
func (g *Gateway) Close() { g.ec.Close() }

// Destination is where every transfer goes.
func (g *Gateway) Destination() common.Address { return g.dest }

func (g *Gateway) wait(ctx context.Context) error {
	if g.lim == nil {
		return nil
	}
	return g.lim.Wait(ctx)
}

func (g *Gateway) blockNumber(ctx context.Context) (uint64, error) {
	if err := g.wait(ctx); err != nil {
		return 0, err
	}
	return g.ec.BlockNumber(ctx)
}

// IsReachable reports whether the endpoint answers eth_blockNumber.
func (g *Gateway) IsReachable(ctx context.Context) bool {
	_, err := g.blockNumber(ctx)
	return err == nil
}

// Balance returns the latest balance of addr in wei.
func (g *Gateway) Balance(ctx context.Context, addr common.Address) (*uint256.Int, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	bal, err := g.ec.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("balance(%s): %w", addr.Hex(), err)
	}
	return toU256(bal, "balance")
}

// GasPrice returns the node's suggested legacy gas price.
func (g *Gateway) GasPrice(ctx context.Context) (*uint256.Int, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	p, err := g.ec.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	return toU256(p, "gas price")
}

// Nonce returns the pending nonce of addr.
func (g *Gateway) Nonce(ctx context.Context, addr common.Address) (uint64, error) {
	if err := g.wait(ctx); err != nil {
		return 0, err
	}
	n, err := g.ec.PendingNonceAt(ctx, addr)
	if err != nil {
		return 0, fmt.Errorf("nonce(%s): %w", addr.Hex(), err)
	}
	return n, nil
}

// ChainID returns the chain identifier used for replay protection.
func (g *Gateway) ChainID(ctx context.Context) (*big.Int, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	id, err := g.ec.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	return id, nil
}

// SignAndBroadcast signs t with key and submits it. Failures are *BroadcastError.
func (g *Gateway) SignAndBroadcast(ctx context.Context, t Transfer, key *ecdsa.PrivateKey) (common.Hash, error) {
	signed, err := signTx(buildLegacyTx(t, g.dest), t.ChainID, key)
	if err != nil {
		return common.Hash{}, &BroadcastError{Account: t.From, Err: fmt.Errorf("sign: %w", err)}
	}
	if err := g.wait(ctx); err != nil {
		return common.Hash{}, &BroadcastError{Account: t.From, Err: err}
	}
	g.log.Trace().Str("account", t.From.Hex()).Str("raw", txAsHex(signed)).Msg("signed transfer")
	if err := g.ec.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, &BroadcastError{Account: t.From, Err: err}
	}
	g.log.Debug().Str("account", t.From.Hex()).Str("tx", signed.Hash().Hex()).Msg("transaction submitted")
	return signed.Hash(), nil
}

func toU256(x *big.Int, what string) (*uint256.Int, error) {
	v, overflow := uint256.FromBig(x)
	if overflow || x.Sign() < 0 {
		return nil, fmt.Errorf("%s out of range: %s", what, x.String())
	}
	return v, nil
}

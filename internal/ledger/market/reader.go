// Package market reads outstanding share supply from prediction market
// contracts.
package market

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/predicta/internal/lmsr"
)

// DefaultLiquidity is the liquidity parameter used when none is configured.
const DefaultLiquidity = 100.0

const marketABI = `[
{"type":"function","name":"getMarketInfo","stateMutability":"view","inputs":[],
 "outputs":[
  {"name":"targetPrice","type":"int256"},
  {"name":"resolutionTime","type":"uint256"},
  {"name":"resolved","type":"bool"},
  {"name":"btcAboveTarget","type":"bool"},
  {"name":"actualPrice","type":"int256"},
  {"name":"totalEthLocked","type":"uint256"},
  {"name":"yesTokenSupply","type":"uint256"},
  {"name":"noTokenSupply","type":"uint256"},
  {"name":"yesToken","type":"address"},
  {"name":"noToken","type":"address"},
  {"name":"priceFeed","type":"address"}]}
]`

var parsedABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(marketABI))
	if err != nil {
		panic("market: parse abi: " + err.Error())
	}
	return parsed
}()

// Caller executes read-only contract calls. *ethclient.Client implements it.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Info is the decoded market snapshot.
type Info struct {
	TargetPrice    *big.Int       `json:"target_price"`
	ResolutionTime uint64         `json:"resolution_time"`
	Resolved       bool           `json:"resolved"`
	YesWon         bool           `json:"yes_won"`
	ActualPrice    *big.Int       `json:"actual_price"`
	TotalLocked    *big.Int       `json:"total_locked"`
	YesSupply      *big.Int       `json:"yes_supply"`
	NoSupply       *big.Int       `json:"no_supply"`
	YesToken       common.Address `json:"yes_token"`
	NoToken        common.Address `json:"no_token"`
	PriceFeed      common.Address `json:"price_feed"`
}

// Reader fetches market state. Nothing is cached: every call goes to the
// chain so quotes are never priced off stale supply.
type Reader struct {
	caller    Caller
	liquidity float64
	logger    *slog.Logger
}

// NewReader creates a Reader. A non-positive liquidity falls back to
// DefaultLiquidity.
func NewReader(caller Caller, liquidity float64, logger *slog.Logger) *Reader {
	if liquidity <= 0 {
		liquidity = DefaultLiquidity
	}
	return &Reader{
		caller:    caller,
		liquidity: liquidity,
		logger:    logger.With(slog.String("component", "market_reader")),
	}
}

// Info returns the full market snapshot.
func (r *Reader) Info(ctx context.Context, market common.Address) (Info, error) {
	data, err := parsedABI.Pack("getMarketInfo")
	if err != nil {
		return Info{}, fmt.Errorf("market: pack: %w", err)
	}
	raw, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &market, Data: data}, nil)
	if err != nil {
		return Info{}, fmt.Errorf("market: getMarketInfo %s: %w", market.Hex(), err)
	}
	out, err := parsedABI.Unpack("getMarketInfo", raw)
	if err != nil {
		return Info{}, fmt.Errorf("market: unpack %s: %w", market.Hex(), err)
	}
	if len(out) != 11 {
		return Info{}, fmt.Errorf("market: getMarketInfo %s: %d outputs", market.Hex(), len(out))
	}

	resolution := out[1].(*big.Int)
	return Info{
		TargetPrice:    out[0].(*big.Int),
		ResolutionTime: resolution.Uint64(),
		Resolved:       out[2].(bool),
		YesWon:         out[3].(bool),
		ActualPrice:    out[4].(*big.Int),
		TotalLocked:    out[5].(*big.Int),
		YesSupply:      out[6].(*big.Int),
		NoSupply:       out[7].(*big.Int),
		YesToken:       out[8].(common.Address),
		NoToken:        out[9].(common.Address),
		PriceFeed:      out[10].(common.Address),
	}, nil
}

// Supply returns the market's outstanding shares in whole tokens together
// with the configured liquidity parameter.
func (r *Reader) Supply(ctx context.Context, market common.Address) (lmsr.ShareSupply, error) {
	info, err := r.Info(ctx, market)
	if err != nil {
		return lmsr.ShareSupply{}, err
	}
	supply := lmsr.ShareSupply{
		Yes: FromWei(info.YesSupply),
		No:  FromWei(info.NoSupply),
		B:   r.liquidity,
	}
	r.logger.DebugContext(ctx, "supply read",
		slog.String("market", market.Hex()),
		slog.Float64("yes", supply.Yes),
		slog.Float64("no", supply.No),
	)
	return supply, nil
}

var weiPerToken = new(big.Float).SetInt(big.NewInt(1_000_000_000_000_000_000))

// FromWei converts an 18-decimal token amount to a float.
func FromWei(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v), weiPerToken).Float64()
	return f
}

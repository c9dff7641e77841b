package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/alanyoungcy/predicta/internal/ledger/custody"
	"github.com/alanyoungcy/predicta/internal/ledger/market"
	"github.com/alanyoungcy/predicta/internal/lmsr"
	"github.com/alanyoungcy/predicta/internal/service"
)

type quoteFlags struct {
	yes, no, b float64
	side       string
	amount     float64
	budget     float64
	market     string
}

// quoteOutput is printed as JSON; unset parts are omitted.
type quoteOutput struct {
	Supply     lmsr.ShareSupply `json:"supply"`
	Quote      lmsr.Quote       `json:"quote"`
	Side       string           `json:"side,omitempty"`
	Cost       *float64         `json:"cost,omitempty"`
	Simulation *lmsr.Simulation `json:"simulation,omitempty"`
	Market     *common.Address  `json:"market,omitempty"`
}

func quoteCmd(opts *options) *cobra.Command {
	f := &quoteFlags{}
	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Price an LMSR market from share counts or a market contract",
		Long: "Prints the yes/no prices for the given supply. With --amount the cost of\n" +
			"buying that many shares is added; with --budget the purchase is simulated.\n" +
			"--market reads the supply from the chain configured in chain.rpc_url.",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(cmd.ErrOrStderr(), "warn")
			quotes := service.NewQuoteService(nil, logger)

			supply := lmsr.ShareSupply{Yes: f.yes, No: f.no, B: f.b}
			out := quoteOutput{}

			if f.market != "" {
				if !common.IsHexAddress(f.market) {
					return fmt.Errorf("--market %q is not a hex address", f.market)
				}
				cfg, err := opts.load()
				if err != nil {
					return err
				}
				eth, err := custody.Dial(cmd.Context(), cfg.Chain.RPCURL)
				if err != nil {
					return err
				}
				defer eth.Close()

				liquidity := cfg.Chain.MarketLiquidity
				if cmd.Flags().Changed("b") {
					liquidity = f.b
				}
				quotes = service.NewQuoteService(market.NewReader(eth, liquidity, logger), logger)
				addr := common.HexToAddress(f.market)
				mq, err := quotes.MarketQuote(cmd.Context(), addr)
				if err != nil {
					return err
				}
				supply = mq.Supply
				out.Market = &addr
			}

			return runQuote(cmd.OutOrStdout(), quotes, supply, f, &out)
		},
	}
	cmd.Flags().Float64Var(&f.yes, "yes", 0, "outstanding yes shares")
	cmd.Flags().Float64Var(&f.no, "no", 0, "outstanding no shares")
	cmd.Flags().Float64Var(&f.b, "b", market.DefaultLiquidity, "liquidity parameter")
	cmd.Flags().StringVar(&f.side, "side", "yes", "outcome to buy: yes or no")
	cmd.Flags().Float64Var(&f.amount, "amount", 0, "shares to price")
	cmd.Flags().Float64Var(&f.budget, "budget", 0, "budget to simulate spending")
	cmd.Flags().StringVar(&f.market, "market", "", "market contract address")
	return cmd
}

func runQuote(w io.Writer, quotes *service.QuoteService, supply lmsr.ShareSupply, f *quoteFlags, out *quoteOutput) error {
	var buyYes bool
	switch strings.ToLower(f.side) {
	case "yes":
		buyYes = true
	case "no":
	default:
		return fmt.Errorf("--side must be yes or no, got %q", f.side)
	}

	q, err := quotes.Quote(supply)
	if err != nil {
		return err
	}
	out.Supply = supply
	out.Quote = q

	if f.amount > 0 {
		cost, err := quotes.Cost(supply, f.amount, buyYes)
		if err != nil {
			return err
		}
		out.Side = strings.ToLower(f.side)
		out.Cost = &cost
	}
	if f.budget > 0 {
		sim, err := quotes.Simulate(supply, f.budget, buyYes)
		if err != nil {
			return err
		}
		out.Side = strings.ToLower(f.side)
		out.Simulation = &sim
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

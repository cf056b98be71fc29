// Command verify probes the configured markets once and prints the yield
// economics the bot would act on, without touching the state store or
// placing orders. Run it before switching a deployment to live mode.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"time"

	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/ledger"
	"funding-arb-bot/internal/logging"
	"funding-arb-bot/internal/strategy"
	"funding-arb-bot/internal/venue"
	"funding-arb-bot/internal/venue/binance"
	"funding-arb-bot/internal/venue/hyperliquid"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultVerifyEnvFile = ".env"
	probeTimeout         = 60 * time.Second
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	asJSON := flag.Bool("json", false, "print one JSON document per symbol")
	fundingHours := flag.Int("funding-hours", 0, "also print funding settlements for the last N hours")
	flag.Parse()

	if err := config.LoadEnv(defaultVerifyEnvFile); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	adapters, err := buildAdapters(cfg, log)
	if err != nil {
		fatal(err)
	}

	// Symbols probe concurrently; output stays in config order.
	reports := make([]symbolReport, len(cfg.Symbols))
	g, gctx := errgroup.WithContext(ctx)
	for i, sym := range cfg.Symbols {
		i, sym := i, sym
		g.Go(func() error {
			report, err := probeSymbol(gctx, cfg, adapters, sym)
			if err != nil {
				return fmt.Errorf("%s: %w", sym.Symbol, err)
			}
			reports[i] = report
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		fatal(err)
	}

	for i, report := range reports {
		if *asJSON {
			pretty, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				fatal(err)
			}
			fmt.Println(string(pretty))
		} else {
			printReport(report)
		}
		if *fundingHours > 0 {
			if err := printFundingHistory(ctx, adapters, cfg.Symbols[i], *fundingHours); err != nil {
				fatal(fmt.Errorf("%s funding history: %w", report.Symbol, err))
			}
		}
	}
}

// buildAdapters constructs read-only venue clients: no signing keys, no
// websocket streams. Prices come over REST.
func buildAdapters(cfg *config.Config, log *zap.Logger) (map[string]venue.Adapter, error) {
	out := make(map[string]venue.Adapter)
	for _, name := range cfg.VenueNames() {
		switch name {
		case "hyperliquid":
			hl, err := hyperliquid.New(hyperliquid.Options{
				BaseURL: cfg.Venues.Hyperliquid.BaseURL,
				Timeout: cfg.Venues.Hyperliquid.Timeout,
				Log:     log,
			})
			if err != nil {
				return nil, err
			}
			out[name] = hl
		case "binance":
			out[name] = binance.New(binance.Options{
				BaseURL:    cfg.Venues.Binance.BaseURL,
				Timeout:    cfg.Venues.Binance.Timeout,
				RecvWindow: cfg.Venues.Binance.RecvWindow,
				Log:        log,
			})
		default:
			return nil, fmt.Errorf("no adapter for venue %q", name)
		}
	}
	return out, nil
}

type legReport struct {
	Venue         string  `json:"venue"`
	Market        string  `json:"market"`
	Instrument    string  `json:"instrument"`
	Side          string  `json:"side"`
	Price         float64 `json:"price"`
	FundingRate   float64 `json:"funding_rate"`
	IntervalHours float64 `json:"funding_interval_hours"`
}

type symbolReport struct {
	Symbol    string                    `json:"symbol"`
	Legs      [2]legReport              `json:"legs"`
	Estimate  strategy.NetYieldEstimate `json:"estimate"`
	Qualifies bool                      `json:"qualifies"`
}

func probeSymbol(ctx context.Context, cfg *config.Config, adapters map[string]venue.Adapter, sym config.SymbolConfig) (symbolReport, error) {
	report := symbolReport{Symbol: sym.Symbol}
	var prices [2]float64
	var funding [2]venue.FundingRate
	rebalLeg := 0
	for i, leg := range sym.Legs {
		if leg.Rebalance {
			rebalLeg = i
		}
		ad, ok := adapters[leg.Venue]
		if !ok {
			return report, fmt.Errorf("no adapter for venue %q", leg.Venue)
		}
		px, err := ad.Price(ctx, leg.Market)
		if err != nil {
			return report, fmt.Errorf("price %s %s: %w", leg.Venue, leg.Market, err)
		}
		prices[i] = px
		if ledger.InstrumentKind(leg.Instrument) == ledger.InstrumentSpot {
			continue
		}
		fr, err := venue.FetchFundingRate(ctx, ad, leg.Market)
		if err != nil {
			return report, fmt.Errorf("funding %s %s: %w", leg.Venue, leg.Market, err)
		}
		funding[i] = fr
	}

	sides := legSides(cfg, sym, rebalLeg, funding[rebalLeg].Rate)
	in := strategy.CostInputs{
		TransferCostUSD:     cfg.Costs.TransferCostUSD,
		ExpectedHoldingDays: cfg.Signal.ExpectedHoldingDays,
	}
	for i, leg := range sym.Legs {
		in.Legs[i] = strategy.LegCostInputs{
			NotionalUSD:          sym.NotionalUSD,
			Side:                 sides[i],
			Maker:                leg.Maker,
			MakerFeeBps:          leg.MakerFeeBps,
			TakerFeeBps:          leg.TakerFeeBps,
			SlippageBps:          leg.SlippageBps,
			BorrowRateDaily:      leg.BorrowRateDaily,
			FundingRate:          funding[i].Rate,
			FundingIntervalHours: funding[i].IntervalHours,
		}
		report.Legs[i] = legReport{
			Venue:         leg.Venue,
			Market:        leg.Market,
			Instrument:    leg.Instrument,
			Side:          string(sides[i]),
			Price:         prices[i],
			FundingRate:   funding[i].Rate,
			IntervalHours: funding[i].IntervalHours,
		}
	}
	report.Estimate = strategy.Evaluate(in)
	report.Qualifies = report.Estimate.NetDailyUSD >= cfg.Signal.DailyFundingMinUSD
	return report, nil
}

// legSides mirrors the controller's entry-time resolution: configured sides
// win, otherwise the direction rule picks the funding leg and the other leg
// opposes it.
func legSides(cfg *config.Config, sym config.SymbolConfig, rebalLeg int, fundingRate float64) [2]ledger.Side {
	var out [2]ledger.Side
	if sym.Legs[0].Side != "" && sym.Legs[1].Side != "" {
		for i := range sym.Legs {
			out[i] = ledger.Side(sym.Legs[i].Side)
		}
		return out
	}
	lead := strategy.DirectionFor(cfg.Signal.Direction)(time.Now().UTC(), fundingRate)
	out[rebalLeg] = lead
	out[1-rebalLeg] = lead.Opposite()
	return out
}

func printReport(r symbolReport) {
	fmt.Printf("%s: net=%.2f/day funding=%.2f fees=%.2f slippage=%.2f borrow=%.2f transfer=%.2f breakeven=%s qualifies=%t\n",
		r.Symbol,
		r.Estimate.NetDailyUSD,
		r.Estimate.DailyFundingUSD,
		r.Estimate.FeeCostUSD,
		r.Estimate.SlippageCostUSD,
		r.Estimate.BorrowCostUSD,
		r.Estimate.TransferCostUSD,
		breakevenString(r.Estimate.BreakevenDays),
		r.Qualifies)
	for _, leg := range r.Legs {
		if leg.IntervalHours > 0 {
			fmt.Printf("  %s %s %s %s price=%.6g funding=%.6f per %gh\n",
				leg.Venue, leg.Market, leg.Instrument, leg.Side, leg.Price, leg.FundingRate, leg.IntervalHours)
			continue
		}
		fmt.Printf("  %s %s %s %s price=%.6g\n",
			leg.Venue, leg.Market, leg.Instrument, leg.Side, leg.Price)
	}
}

func printFundingHistory(ctx context.Context, adapters map[string]venue.Adapter, sym config.SymbolConfig, hours int) error {
	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	for _, leg := range sym.Legs {
		if ledger.InstrumentKind(leg.Instrument) == ledger.InstrumentSpot {
			continue
		}
		historian, ok := adapters[leg.Venue].(venue.FundingHistorian)
		if !ok {
			fmt.Printf("  %s %s: no funding history endpoint\n", leg.Venue, leg.Market)
			continue
		}
		history, err := historian.FundingHistory(ctx, leg.Market, since)
		if err != nil {
			return err
		}
		sum := 0.0
		for _, p := range history {
			sum += p.Rate
		}
		if len(history) == 0 {
			fmt.Printf("  %s %s: no settlements in %dh\n", leg.Venue, leg.Market, hours)
			continue
		}
		fmt.Printf("  %s %s: %d settlements in %dh avg_rate=%.6f\n",
			leg.Venue, leg.Market, len(history), hours, sum/float64(len(history)))
	}
	return nil
}

func breakevenString(days float64) string {
	if math.IsInf(days, 1) {
		return "never"
	}
	return fmt.Sprintf("%.1fd", days)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

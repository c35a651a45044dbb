// Package universe curates the set of symbols the scheduler may trade.
//
// The curator pulls the venue's market list and 24h ticker stats, applies
// the selection criteria (include list, base-symbol length, market warning,
// minimum 24h traded value), ranks the survivors by traded value, and caps
// the set. Each refresh writes an atomic snapshot file for operators.
package universe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"upbit-trader/internal/config"
	"upbit-trader/internal/exchange"
	"upbit-trader/pkg/types"
)

// Exclusion reasons, keyed in the snapshot's excludedCounts.
const (
	reasonShortBase     = "short_base_symbol"
	reasonMarketWarning = "market_warning"
	reasonLowValue      = "low_24h_value"
)

// tickerChunk bounds how many markets one ticker request carries.
const tickerChunk = 100

// MarketData is the slice of the exchange client the curator needs.
type MarketData interface {
	GetMarkets(ctx context.Context) ([]exchange.MarketListing, error)
	GetTickers(ctx context.Context, markets []string) ([]exchange.TickerData, error)
}

// Candidate is one market that passed selection.
type Candidate struct {
	Symbol           string  `json:"symbol"`
	Market           string  `json:"market"`
	LastPrice        float64 `json:"lastPrice"`
	ChangeRate       float64 `json:"changeRate"`
	AccTradeValue24h float64 `json:"accTradeValue24h"`
	SelectionReason  string  `json:"selectionReason"` // "included" or "liquidity"
}

// Criteria echoes the selection inputs into the snapshot.
type Criteria struct {
	IncludeSymbols      []string `json:"includeSymbols"`
	MinAccTradeValue24h float64  `json:"minAccTradeValue24h"`
	MinBaseLen          int      `json:"minBaseLen"`
	MaxSymbols          int      `json:"maxSymbols"`
}

// Snapshot is one curated universe.
type Snapshot struct {
	GeneratedAt    time.Time      `json:"generatedAt"`
	Quote          string         `json:"quote"`
	Criteria       Criteria       `json:"criteria"`
	Totals         map[string]int `json:"totals"`
	Symbols        []string       `json:"symbols"`
	Candidates     []Candidate    `json:"candidates"`
	ExcludedCounts map[string]int `json:"excludedCounts"`
	NextRefreshSec int            `json:"nextRefreshSec"`
}

// Contains reports whether the symbol survived curation.
func (s *Snapshot) Contains(symbol types.Symbol) bool {
	for _, sym := range s.Symbols {
		if sym == string(symbol) {
			return true
		}
	}
	return false
}

// Curator owns the current snapshot and its refresh cadence.
type Curator struct {
	source MarketData
	cfg    config.UniverseConfig
	logger *slog.Logger
	nowFn  func() time.Time

	mu            sync.Mutex
	snapshot      *Snapshot
	nextRefreshAt time.Time
}

// NewCurator creates the curator; the first RefreshIfDue builds the snapshot.
func NewCurator(source MarketData, cfg config.UniverseConfig, logger *slog.Logger) *Curator {
	return &Curator{
		source: source,
		cfg:    cfg,
		logger: logger.With("component", "universe"),
		nowFn:  time.Now,
	}
}

// Snapshot returns the current universe, or nil before the first refresh.
func (c *Curator) Snapshot() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// Filter intersects the requested symbols with the curated universe. Before
// the first successful refresh every symbol passes: curation narrows, it
// never blocks startup.
func (c *Curator) Filter(symbols []types.Symbol) []types.Symbol {
	snap := c.Snapshot()
	if snap == nil {
		return symbols
	}
	kept := make([]types.Symbol, 0, len(symbols))
	for _, s := range symbols {
		if snap.Contains(s) {
			kept = append(kept, s)
		}
	}
	return kept
}

// RefreshIfDue refreshes the universe when the refresh interval elapsed.
// A refresh failure is tolerated: the previous snapshot stays in use.
func (c *Curator) RefreshIfDue(ctx context.Context) {
	c.mu.Lock()
	due := c.nowFn().After(c.nextRefreshAt) || c.nextRefreshAt.IsZero()
	c.mu.Unlock()
	if !due {
		return
	}

	if err := c.Refresh(ctx); err != nil {
		c.logger.Warn("universe refresh failed, reusing cached snapshot", "error", err)
	}
}

// Refresh rebuilds the snapshot from the venue and persists it.
func (c *Curator) Refresh(ctx context.Context) error {
	listings, err := c.source.GetMarkets(ctx)
	if err != nil {
		return fmt.Errorf("fetch markets: %w", err)
	}

	quote := c.cfg.Quote
	if quote == "" {
		quote = "KRW"
	}
	var markets []exchange.MarketListing
	for _, l := range listings {
		if strings.HasPrefix(l.Market, quote+"-") {
			markets = append(markets, l)
		}
	}

	tickers, err := c.fetchTickers(ctx, markets)
	if err != nil {
		return fmt.Errorf("fetch tickers: %w", err)
	}

	snap := c.build(markets, tickers)

	c.mu.Lock()
	c.snapshot = snap
	c.nextRefreshAt = c.nowFn().Add(time.Duration(c.cfg.RefreshSec) * time.Second)
	c.mu.Unlock()

	if c.cfg.SnapshotPath != "" {
		if err := writeSnapshotFile(c.cfg.SnapshotPath, snap); err != nil {
			c.logger.Warn("failed to persist universe snapshot", "error", err)
		}
	}
	c.logger.Info("universe refreshed",
		"selected", len(snap.Symbols), "candidates", len(snap.Candidates), "excluded", snap.ExcludedCounts)
	return nil
}

// fetchTickers pulls 24h stats in bounded chunks, concurrently.
func (c *Curator) fetchTickers(ctx context.Context, markets []exchange.MarketListing) (map[string]exchange.TickerData, error) {
	codes := make([]string, len(markets))
	for i, m := range markets {
		codes[i] = m.Market
	}

	var mu sync.Mutex
	byMarket := make(map[string]exchange.TickerData, len(codes))

	g, ctx := errgroup.WithContext(ctx)
	for start := 0; start < len(codes); start += tickerChunk {
		end := start + tickerChunk
		if end > len(codes) {
			end = len(codes)
		}
		chunk := codes[start:end]
		g.Go(func() error {
			rows, err := c.source.GetTickers(ctx, chunk)
			if err != nil {
				return err
			}
			mu.Lock()
			for _, r := range rows {
				byMarket[r.Market] = r
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return byMarket, nil
}

// build applies the selection criteria and ranks survivors by 24h value.
func (c *Curator) build(markets []exchange.MarketListing, tickers map[string]exchange.TickerData) *Snapshot {
	include := make(map[string]bool, len(c.cfg.IncludeSymbols))
	for _, s := range c.cfg.IncludeSymbols {
		include[strings.ToUpper(s)] = true
	}

	excluded := map[string]int{}
	var candidates []Candidate

	for _, m := range markets {
		symbol, err := types.ParseWireMarket(m.Market)
		if err != nil {
			continue
		}
		base := symbol.Base()
		ticker := tickers[m.Market]

		cand := Candidate{
			Symbol:           string(symbol),
			Market:           m.Market,
			LastPrice:        ticker.TradePrice,
			ChangeRate:       ticker.SignedChangeRate,
			AccTradeValue24h: ticker.AccTradePrice24h,
		}

		// The include list is unconditional: pinned symbols skip every filter.
		if include[base] {
			cand.SelectionReason = "included"
			candidates = append(candidates, cand)
			continue
		}

		switch {
		case len(base) < c.cfg.MinBaseLen:
			excluded[reasonShortBase]++
		case hasWarning(m.MarketWarning):
			excluded[reasonMarketWarning]++
		case ticker.AccTradePrice24h < c.cfg.MinAccTradeValue24h:
			excluded[reasonLowValue]++
		default:
			cand.SelectionReason = "liquidity"
			candidates = append(candidates, cand)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].AccTradeValue24h > candidates[j].AccTradeValue24h
	})

	selected := candidates
	if c.cfg.MaxSymbols > 0 && len(selected) > c.cfg.MaxSymbols {
		selected = selected[:c.cfg.MaxSymbols]
	}
	symbols := make([]string, len(selected))
	for i, cand := range selected {
		symbols[i] = cand.Symbol
	}

	quote := c.cfg.Quote
	if quote == "" {
		quote = "KRW"
	}
	return &Snapshot{
		GeneratedAt: c.nowFn(),
		Quote:       quote,
		Criteria: Criteria{
			IncludeSymbols:      c.cfg.IncludeSymbols,
			MinAccTradeValue24h: c.cfg.MinAccTradeValue24h,
			MinBaseLen:          c.cfg.MinBaseLen,
			MaxSymbols:          c.cfg.MaxSymbols,
		},
		Totals: map[string]int{
			"markets":    len(markets),
			"candidates": len(candidates),
			"selected":   len(symbols),
		},
		Symbols:        symbols,
		Candidates:     candidates,
		ExcludedCounts: excluded,
		NextRefreshSec: c.cfg.RefreshSec,
	}
}

func hasWarning(flag string) bool {
	return flag != "" && !strings.EqualFold(flag, "NONE")
}

func writeSnapshotFile(path string, snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

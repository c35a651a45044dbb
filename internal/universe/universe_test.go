package universe

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"upbit-trader/internal/config"
	"upbit-trader/internal/exchange"
	"upbit-trader/pkg/types"
)

type fakeMarketData struct {
	markets []exchange.MarketListing
	tickers map[string]exchange.TickerData
	err     error
}

func (f *fakeMarketData) GetMarkets(context.Context) ([]exchange.MarketListing, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.markets, nil
}

func (f *fakeMarketData) GetTickers(_ context.Context, markets []string) ([]exchange.TickerData, error) {
	if f.err != nil {
		return nil, f.err
	}
	rows := make([]exchange.TickerData, 0, len(markets))
	for _, m := range markets {
		if t, ok := f.tickers[m]; ok {
			rows = append(rows, t)
		}
	}
	return rows, nil
}

func krwVenue() *fakeMarketData {
	ticker := func(market string, value float64) exchange.TickerData {
		return exchange.TickerData{Market: market, TradePrice: 100, AccTradePrice24h: value}
	}
	return &fakeMarketData{
		markets: []exchange.MarketListing{
			{Market: "KRW-BTC"},
			{Market: "KRW-ETH"},
			{Market: "KRW-USDT"},
			{Market: "KRW-XRP"},
			{Market: "KRW-DOGE"},
			{Market: "KRW-A"},
			{Market: "KRW-WARN", MarketWarning: "CAUTION"},
			{Market: "BTC-ETH"}, // non-KRW quote, out of scope
		},
		tickers: map[string]exchange.TickerData{
			"KRW-BTC":  ticker("KRW-BTC", 9e12),
			"KRW-ETH":  ticker("KRW-ETH", 5e12),
			"KRW-USDT": ticker("KRW-USDT", 3e12),
			"KRW-XRP":  ticker("KRW-XRP", 2.5e10),
			"KRW-DOGE": ticker("KRW-DOGE", 1e10),
			"KRW-A":    ticker("KRW-A", 9e10),
			"KRW-WARN": ticker("KRW-WARN", 9e10),
		},
	}
}

func testConfig() config.UniverseConfig {
	return config.UniverseConfig{
		Quote:               "KRW",
		IncludeSymbols:      []string{"BTC", "ETH", "USDT"},
		MinAccTradeValue24h: 2e10,
		MinBaseLen:          2,
		MaxSymbols:          4,
		RefreshSec:          600,
	}
}

func newTestCurator(t *testing.T, source MarketData, cfg config.UniverseConfig) *Curator {
	t.Helper()
	if cfg.SnapshotPath == "" {
		cfg.SnapshotPath = filepath.Join(t.TempDir(), "universe.json")
	}
	return NewCurator(source, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRefreshSelectsAndExcludes(t *testing.T) {
	t.Parallel()
	c := newTestCurator(t, krwVenue(), testConfig())
	require.NoError(t, c.Refresh(context.Background()))

	snap := c.Snapshot()
	require.NotNil(t, snap)

	assert.Equal(t, []string{"BTC_KRW", "ETH_KRW", "USDT_KRW", "XRP_KRW"}, snap.Symbols)
	assert.Equal(t, map[string]int{
		"short_base_symbol": 1,
		"market_warning":    1,
		"low_24h_value":     1,
	}, snap.ExcludedCounts)
	assert.Equal(t, 7, snap.Totals["markets"], "non-KRW quote excluded from scope")
	assert.Equal(t, 4, snap.Totals["selected"])
	assert.Equal(t, 600, snap.NextRefreshSec)
}

func TestIncludeListSkipsFilters(t *testing.T) {
	t.Parallel()
	venue := krwVenue()
	// Tank USDT's volume below the threshold; it stays pinned.
	usdt := venue.tickers["KRW-USDT"]
	usdt.AccTradePrice24h = 1
	venue.tickers["KRW-USDT"] = usdt

	c := newTestCurator(t, venue, testConfig())
	require.NoError(t, c.Refresh(context.Background()))

	snap := c.Snapshot()
	assert.Contains(t, snap.Symbols, "USDT_KRW")
	for _, cand := range snap.Candidates {
		if cand.Symbol == "USDT_KRW" {
			assert.Equal(t, "included", cand.SelectionReason)
		}
		if cand.Symbol == "XRP_KRW" {
			assert.Equal(t, "liquidity", cand.SelectionReason)
		}
	}
}

func TestFilterIntersectsUniverse(t *testing.T) {
	t.Parallel()
	c := newTestCurator(t, krwVenue(), testConfig())

	// Before the first refresh everything passes.
	symbols := []types.Symbol{types.MustSymbol("BTC_KRW"), types.MustSymbol("DOGE_KRW")}
	assert.Equal(t, symbols, c.Filter(symbols))

	require.NoError(t, c.Refresh(context.Background()))
	kept := c.Filter(symbols)
	assert.Equal(t, []types.Symbol{types.MustSymbol("BTC_KRW")}, kept)
}

func TestRefreshIfDueToleratesFailure(t *testing.T) {
	t.Parallel()
	venue := krwVenue()
	c := newTestCurator(t, venue, testConfig())
	require.NoError(t, c.Refresh(context.Background()))
	before := c.Snapshot()

	venue.err = errors.New("venue down")
	c.nextRefreshAt = c.nowFn() // force due
	c.RefreshIfDue(context.Background())

	assert.Equal(t, before, c.Snapshot(), "failed refresh must keep the cached snapshot")
}

func TestRefreshWritesSnapshotFile(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.SnapshotPath = filepath.Join(t.TempDir(), "universe.json")
	c := newTestCurator(t, krwVenue(), cfg)
	require.NoError(t, c.Refresh(context.Background()))

	data, err := os.ReadFile(cfg.SnapshotPath)
	require.NoError(t, err)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, []string{"BTC_KRW", "ETH_KRW", "USDT_KRW", "XRP_KRW"}, snap.Symbols)

	_, err = os.Stat(cfg.SnapshotPath + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must not remain")
}

func TestMaxSymbolsCapsByValue(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.MaxSymbols = 2
	c := newTestCurator(t, krwVenue(), cfg)
	require.NoError(t, c.Refresh(context.Background()))

	assert.Equal(t, []string{"BTC_KRW", "ETH_KRW"}, c.Snapshot().Symbols)
}

// marketdata.go is the market-data facade the strategy layer consumes:
// validated candle series, tickers, an account preflight that normalizes
// balances, and the WebSocket ticker stream. It narrows the raw client to
// exactly what the pipeline needs.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"upbit-trader/pkg/types"
)

// Feed exposes market data and account state on top of the REST client.
type Feed struct {
	client *Client
	wsURL  string
	logger *slog.Logger
}

// NewFeed creates the facade.
func NewFeed(client *Client, wsURL string, logger *slog.Logger) *Feed {
	return &Feed{
		client: client,
		wsURL:  wsURL,
		logger: logger.With("component", "marketdata"),
	}
}

// Candles fetches count bars oldest-first and validates the series: strictly
// ascending timestamps, positive closes, high ≥ low. A malformed series is an
// error rather than a silent HOLD so upstream can distinguish venue trouble
// from a quiet market.
func (f *Feed) Candles(ctx context.Context, symbol types.Symbol, interval types.Interval, count int) ([]types.Candle, error) {
	candles, err := f.client.GetCandles(ctx, symbol, interval, count)
	if err != nil {
		return nil, err
	}
	if err := ValidateCandles(candles); err != nil {
		return nil, fmt.Errorf("candles %s %s: %w", symbol, interval, err)
	}
	return candles, nil
}

// ValidateCandles checks the series invariants.
func ValidateCandles(candles []types.Candle) error {
	for i, c := range candles {
		if c.Close <= 0 {
			return fmt.Errorf("bar %d: non-positive close %v", i, c.Close)
		}
		if c.High < c.Low {
			return fmt.Errorf("bar %d: high %v < low %v", i, c.High, c.Low)
		}
		if i > 0 && candles[i-1].Timestamp >= c.Timestamp {
			return fmt.Errorf("bar %d: timestamps not strictly ascending", i)
		}
	}
	return nil
}

// Tickers fetches 24h stats for the given symbols.
func (f *Feed) Tickers(ctx context.Context, symbols []types.Symbol) ([]TickerData, error) {
	markets := make([]string, len(symbols))
	for i, s := range symbols {
		markets[i] = s.Wire()
	}
	return f.client.GetTickers(ctx, markets)
}

// AccountSnapshot performs the account preflight and normalizes balances
// into a snapshot for the state store.
func (f *Feed) AccountSnapshot(ctx context.Context) (*types.BalancesSnapshot, error) {
	rows, err := f.client.GetAccounts(ctx)
	if err != nil {
		return nil, err
	}

	items := make([]types.BalanceItem, 0, len(rows))
	for _, r := range rows {
		balance, err := decimal.NewFromString(r.Balance)
		if err != nil {
			return nil, fmt.Errorf("account %s: bad balance %q", r.Currency, r.Balance)
		}
		locked, err := decimal.NewFromString(r.Locked)
		if err != nil {
			return nil, fmt.Errorf("account %s: bad locked %q", r.Currency, r.Locked)
		}
		avgBuy, err := decimal.NewFromString(r.AvgBuyPrice)
		if err != nil {
			return nil, fmt.Errorf("account %s: bad avg buy price %q", r.Currency, r.AvgBuyPrice)
		}
		items = append(items, types.BalanceItem{
			Currency:     r.Currency,
			UnitCurrency: r.UnitCurrency,
			Balance:      balance,
			Locked:       locked,
			AvgBuyPrice:  avgBuy,
		})
	}

	return &types.BalancesSnapshot{
		CapturedAt: time.Now(),
		Source:     "exchange",
		Items:      items,
	}, nil
}

// Stream opens the live ticker stream for the given symbols.
func (f *Feed) Stream(ctx context.Context, opts TickerStreamOptions) (*TickerStream, error) {
	return OpenTickerStream(ctx, f.wsURL, opts, f.logger)
}

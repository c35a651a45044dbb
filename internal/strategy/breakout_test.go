package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"upbit-trader/pkg/types"
)

// bar builds one candle; timestamps are assigned by position.
func bar(i int, high, low, close float64) types.Candle {
	return types.Candle{Timestamp: int64(i+1) * 60_000, Open: close, High: high, Low: low, Close: close}
}

func TestBreakoutValidation(t *testing.T) {
	t.Parallel()
	_, err := NewBreakout(0, 10)
	assert.Error(t, err)
	_, err = NewBreakout(5, -1)
	assert.Error(t, err)
}

func TestBreakoutInsufficientCandles(t *testing.T) {
	t.Parallel()
	b, err := NewBreakout(3, 10)
	require.NoError(t, err)

	sig := b.Evaluate([]types.Candle{bar(0, 101, 99, 100), bar(1, 101, 99, 100), bar(2, 101, 99, 100)})
	assert.Equal(t, types.ActionHold, sig.Action)
	assert.Equal(t, "insufficient_candles", sig.Reason)
}

func TestBreakoutUp(t *testing.T) {
	t.Parallel()
	b, err := NewBreakout(3, 10)
	require.NoError(t, err)

	// Range high 102, buffered bound 102·1.001 = 102.102.
	candles := []types.Candle{
		bar(0, 100, 98, 99),
		bar(1, 102, 99, 101),
		bar(2, 101, 99, 100),
		bar(3, 103.5, 100, 103),
	}
	sig := b.Evaluate(candles)
	assert.Equal(t, types.ActionBuy, sig.Action)
	assert.Equal(t, "breakout_up", sig.Reason)
	assert.Equal(t, 102.0, sig.Metrics["rangeHigh"])
	assert.InDelta(t, 102.102, sig.Metrics["upperBound"], 1e-9)
}

func TestBreakoutBufferHoldsMarginalMove(t *testing.T) {
	t.Parallel()
	b, err := NewBreakout(3, 10)
	require.NoError(t, err)

	// Close 102.05 beats the raw high but not the buffered bound 102.102.
	candles := []types.Candle{
		bar(0, 100, 98, 99),
		bar(1, 102, 99, 101),
		bar(2, 101, 99, 100),
		bar(3, 102.1, 100, 102.05),
	}
	sig := b.Evaluate(candles)
	assert.Equal(t, types.ActionHold, sig.Action)
	assert.Equal(t, "inside_range", sig.Reason)
}

func TestBreakoutDown(t *testing.T) {
	t.Parallel()
	b, err := NewBreakout(3, 10)
	require.NoError(t, err)

	// Range low 97, buffered bound 97·0.999 = 96.903.
	candles := []types.Candle{
		bar(0, 100, 98, 99),
		bar(1, 101, 97, 98),
		bar(2, 100, 98, 99),
		bar(3, 99, 96, 96.5),
	}
	sig := b.Evaluate(candles)
	assert.Equal(t, types.ActionSell, sig.Action)
	assert.Equal(t, "breakout_dn", sig.Reason)
}

func TestBreakoutExcludesCurrentBar(t *testing.T) {
	t.Parallel()
	b, err := NewBreakout(3, 0)
	require.NoError(t, err)

	// The current bar spikes to a new high but closes back inside the
	// previous range; its own high must not widen the range it breaks.
	candles := []types.Candle{
		bar(0, 102, 98, 100),
		bar(1, 102, 98, 100),
		bar(2, 102, 98, 100),
		bar(3, 200, 98, 100),
	}
	sig := b.Evaluate(candles)
	assert.Equal(t, types.ActionHold, sig.Action)
	assert.Equal(t, 102.0, sig.Metrics["rangeHigh"])
}

package types

import "fmt"

// Interval is a candle interval from the closed supported set:
// 1m 3m 5m 10m 15m 30m 60m 240m day week month.
type Interval string

const (
	Interval1m    Interval = "1m"
	Interval3m    Interval = "3m"
	Interval5m    Interval = "5m"
	Interval10m   Interval = "10m"
	Interval15m   Interval = "15m"
	Interval30m   Interval = "30m"
	Interval60m   Interval = "60m"
	Interval240m  Interval = "240m"
	IntervalDay   Interval = "day"
	IntervalWeek  Interval = "week"
	IntervalMonth Interval = "month"
)

// candlePaths maps each supported interval to its Upbit candle endpoint.
var candlePaths = map[Interval]string{
	Interval1m:    "/v1/candles/minutes/1",
	Interval3m:    "/v1/candles/minutes/3",
	Interval5m:    "/v1/candles/minutes/5",
	Interval10m:   "/v1/candles/minutes/10",
	Interval15m:   "/v1/candles/minutes/15",
	Interval30m:   "/v1/candles/minutes/30",
	Interval60m:   "/v1/candles/minutes/60",
	Interval240m:  "/v1/candles/minutes/240",
	IntervalDay:   "/v1/candles/days",
	IntervalWeek:  "/v1/candles/weeks",
	IntervalMonth: "/v1/candles/months",
}

// ParseInterval validates raw against the closed set.
func ParseInterval(raw string) (Interval, error) {
	iv := Interval(raw)
	if _, ok := candlePaths[iv]; !ok {
		return "", fmt.Errorf("unsupported candle interval %q", raw)
	}
	return iv, nil
}

// CandlePath returns the exchange endpoint path for the interval.
func (iv Interval) CandlePath() (string, error) {
	path, ok := candlePaths[iv]
	if !ok {
		return "", fmt.Errorf("unsupported candle interval %q", string(iv))
	}
	return path, nil
}

// Valid reports whether the interval is in the supported set.
func (iv Interval) Valid() bool {
	_, ok := candlePaths[iv]
	return ok
}

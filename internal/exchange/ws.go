// ws.go implements the real-time ticker stream.
//
// The stream subscribes to the venue's "ticker" type for the requested wire
// markets and pushes normalized ticks to the OnTicker callback. Errors
// surface through OnError; Close is idempotent and resolves Closed exactly
// once with a close reason.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"upbit-trader/pkg/types"
)

const wsWriteTimeout = 10 * time.Second

// TickerStreamOptions configures OpenTickerStream.
type TickerStreamOptions struct {
	Symbols  []types.Symbol
	OnTicker func(types.Tick)
	OnError  func(error)
}

// TickerStream is a live subscription to trade-price updates.
type TickerStream struct {
	conn      *websocket.Conn
	done      chan struct{} // signals the read loop that Close was requested
	closed    chan string
	closeOnce sync.Once
	logger    *slog.Logger
}

// tickerFrame is the venue's ticker message shape.
type tickerFrame struct {
	Type       string  `json:"type"`
	Code       string  `json:"code"` // wire market, e.g. "KRW-BTC"
	TradePrice float64 `json:"trade_price"`
	StreamType string  `json:"stream_type"`
	Timestamp  int64   `json:"timestamp"`
}

// OpenTickerStream dials the WebSocket endpoint, subscribes to ticker frames
// for the given symbols, and starts the read loop.
func OpenTickerStream(ctx context.Context, wsURL string, opts TickerStreamOptions, logger *slog.Logger) (*TickerStream, error) {
	if len(opts.Symbols) == 0 {
		return nil, fmt.Errorf("ticker stream requires at least one symbol")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial ticker stream: %w", err)
	}

	codes := make([]string, len(opts.Symbols))
	for i, sym := range opts.Symbols {
		codes[i] = sym.Wire()
	}

	sub := []any{
		map[string]string{"ticket": uuid.NewString()},
		map[string]any{"type": "ticker", "codes": codes},
		map[string]string{"format": "DEFAULT"},
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe ticker: %w", err)
	}

	s := &TickerStream{
		conn:   conn,
		done:   make(chan struct{}),
		closed: make(chan string, 1),
		logger: logger.With("component", "ws_ticker"),
	}

	go s.readLoop(opts)

	s.logger.Info("ticker stream connected", "codes", codes)
	return s, nil
}

// Closed resolves once with the close reason when the stream ends.
func (s *TickerStream) Closed() <-chan string { return s.closed }

// Close tears the stream down. Safe to call more than once; Closed resolves
// exactly once regardless.
func (s *TickerStream) Close() {
	s.finish("closed")
}

func (s *TickerStream) finish(reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
		s.closed <- reason
		close(s.closed)
		s.logger.Info("ticker stream closed", "reason", reason)
	})
}

func (s *TickerStream) readLoop(opts TickerStreamOptions) {
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				// Close() already resolved; nothing to report.
			default:
				if opts.OnError != nil {
					opts.OnError(fmt.Errorf("ticker stream read: %w", err))
				}
				s.finish("read_error")
			}
			return
		}

		var frame tickerFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			s.logger.Debug("ignoring non-ticker frame", "error", err)
			continue
		}
		if frame.Type != "ticker" || frame.Code == "" {
			continue
		}

		sym, err := types.ParseWireMarket(frame.Code)
		if err != nil {
			s.logger.Warn("unparseable market code in tick", "code", frame.Code)
			continue
		}

		if opts.OnTicker != nil {
			opts.OnTicker(types.Tick{
				Symbol:     sym,
				Market:     frame.Code,
				TradePrice: frame.TradePrice,
				StreamType: frame.StreamType,
				Timestamp:  frame.Timestamp,
			})
		}
	}
}

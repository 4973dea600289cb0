package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/osiristrader/agent/internal/domain"
)

// TickerStream maintains a live, push-updated ticker cache over a
// websocket connection, so signal fetchers can read current prices
// without a REST round trip on every cycle. It reconnects with backoff
// on disconnect; consumers always read the last-known value and are
// never blocked waiting on the network.
type TickerStream struct {
	wsURL   string
	symbols []string
	log     zerolog.Logger

	mu   sync.RWMutex
	last map[string]domain.Ticker
}

// NewTickerStream constructs a stream for the given symbols. Run must be
// called to start consuming.
func NewTickerStream(wsURL string, symbols []string, log zerolog.Logger) *TickerStream {
	return &TickerStream{
		wsURL:   wsURL,
		symbols: symbols,
		log:     log.With().Str("component", "exchange.stream").Logger(),
		last:    make(map[string]domain.Ticker, len(symbols)),
	}
}

// Get returns the last-known ticker for symbol and whether one has ever
// been received.
func (s *TickerStream) Get(symbol string) (domain.Ticker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.last[symbol]
	return t, ok
}

// Run connects and reconnects until ctx is cancelled. Callers should run
// this in its own goroutine.
func (s *TickerStream) Run(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.connectAndConsume(ctx); err != nil {
			s.log.Warn().Err(err).Dur("backoff", backoff).Msg("ticker stream disconnected, retrying")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

type streamTickerMsg struct {
	Symbol             string `json:"s"`
	LastPrice          string `json:"c"`
	PriceChange        string `json:"p"`
	PriceChangePercent string `json:"P"`
	Volume             string `json:"v"`
}

func (s *TickerStream) connectAndConsume(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, s.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	s.log.Info().Str("url", s.wsURL).Int("symbols", len(s.symbols)).Msg("ticker stream connected")

	for {
		var msg streamTickerMsg
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		s.ingest(msg)
	}
}

func (s *TickerStream) ingest(msg streamTickerMsg) {
	if msg.Symbol == "" {
		return
	}
	price, err := strconv.ParseFloat(msg.LastPrice, 64)
	if err != nil {
		return
	}
	change, _ := strconv.ParseFloat(msg.PriceChange, 64)
	changePct, _ := strconv.ParseFloat(msg.PriceChangePercent, 64)
	volume, _ := strconv.ParseFloat(msg.Volume, 64)

	t := domain.Ticker{
		Symbol:       msg.Symbol,
		Price:        price,
		Change24h:    change,
		ChangePct24h: changePct,
		Volume24h:    volume,
		Timestamp:    time.Now().UTC(),
	}

	s.mu.Lock()
	s.last[msg.Symbol] = t
	s.mu.Unlock()
}

package market

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// klineEvent mirrors the exchange kline stream payload.
type klineEvent struct {
	EventType string    `json:"e"`
	EventTime int64     `json:"E"`
	Symbol    string    `json:"s"`
	Kline     klineData `json:"k"`
}

type klineData struct {
	OpenTime  int64  `json:"t"`
	CloseTime int64  `json:"T"`
	Interval  string `json:"i"`
	Open      string `json:"o"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Close     string `json:"c"`
	Volume    string `json:"v"`
	IsClosed  bool   `json:"x"`
}

// Feed streams closed candles for a single symbol and interval over the
// exchange websocket. In-progress updates are dropped; only closed candles
// reach the output channel.
type Feed struct {
	streamURL string
	symbol    string
	interval  string
	logger    zerolog.Logger

	out chan Candle
}

// NewFeed creates a feed for symbol at the given interval. streamURL is the
// websocket base, e.g. wss://fstream.binance.com/ws.
func NewFeed(streamURL, symbol, interval string, logger zerolog.Logger) *Feed {
	return &Feed{
		streamURL: strings.TrimRight(streamURL, "/"),
		symbol:    strings.ToLower(symbol),
		interval:  interval,
		logger:    logger,
		out:       make(chan Candle, 16),
	}
}

// Candles returns the channel of closed candles. It is closed when Run
// returns.
func (f *Feed) Candles() <-chan Candle { return f.out }

// Run connects to the stream and keeps reading until ctx is cancelled,
// reconnecting with capped backoff on failure.
func (f *Feed) Run(ctx context.Context) {
	defer close(f.out)

	url := f.streamURL + "/" + f.symbol + "@kline_" + f.interval
	backoff := time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			f.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("kline stream connect failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > time.Minute {
				backoff = time.Minute
			}
			continue
		}

		f.logger.Info().Str("url", url).Msg("kline stream connected")
		backoff = time.Second

		f.readLoop(ctx, conn)
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		f.logger.Warn().Msg("kline stream disconnected, reconnecting")
	}
}

func (f *Feed) readLoop(ctx context.Context, conn *websocket.Conn) {
	// Close the connection when the context ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				f.logger.Warn().Err(err).Msg("kline stream read error")
			}
			return
		}
		f.handleMessage(ctx, message)
	}
}

func (f *Feed) handleMessage(ctx context.Context, message []byte) {
	var ev klineEvent
	if err := json.Unmarshal(message, &ev); err != nil {
		f.logger.Warn().Err(err).Msg("failed to parse kline event")
		return
	}
	if ev.EventType != "kline" || !ev.Kline.IsClosed {
		return
	}

	candle, err := ev.Kline.toCandle()
	if err != nil {
		f.logger.Warn().Err(err).Msg("failed to decode closed kline")
		return
	}

	select {
	case f.out <- candle:
	case <-ctx.Done():
	}
}

func (k klineData) toCandle() (Candle, error) {
	c := Candle{
		OpenTime:  time.UnixMilli(k.OpenTime).UTC(),
		CloseTime: time.UnixMilli(k.CloseTime).UTC(),
	}
	var err error
	if c.Open, err = strconv.ParseFloat(k.Open, 64); err != nil {
		return Candle{}, err
	}
	if c.High, err = strconv.ParseFloat(k.High, 64); err != nil {
		return Candle{}, err
	}
	if c.Low, err = strconv.ParseFloat(k.Low, 64); err != nil {
		return Candle{}, err
	}
	if c.Close, err = strconv.ParseFloat(k.Close, 64); err != nil {
		return Candle{}, err
	}
	if c.Volume, err = strconv.ParseFloat(k.Volume, 64); err != nil {
		return Candle{}, err
	}
	return c, nil
}

// Package pricefeed subscribes to pool swap events over a websocket and
// reports every new tick.
package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	dialTimeout  = 10 * time.Second
	readTimeout  = 60 * time.Second
	pingInterval = 25 * time.Second
	writeWait    = 5 * time.Second
)

// ErrNoURL is returned by Run when the feed has no endpoint.
var ErrNoURL = errors.New("pricefeed: url is empty")

// Event is one swap observed on the pool.
type Event struct {
	Tick         int32           `json:"tick"`
	SqrtPriceX96 decimal.Decimal `json:"sqrtPriceX96"`
}

// Handler receives events in arrival order.
type Handler func(Event)

// Feed is a reconnecting websocket subscription.
type Feed struct {
	url     string
	handler Handler
	logger  *zap.Logger

	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// New creates a feed for url. handler runs on the read goroutine and must
// not block for long.
func New(url string, handler Handler, logger *zap.Logger) *Feed {
	return &Feed{
		url:            url,
		handler:        handler,
		logger:         logger.Named("pricefeed"),
		initialBackoff: 500 * time.Millisecond,
		maxBackoff:     10 * time.Second,
	}
}

// SetBackoff overrides the reconnect delays.
func (f *Feed) SetBackoff(initial, max time.Duration) {
	f.initialBackoff, f.maxBackoff = initial, max
}

// Run connects and reads until ctx ends, reconnecting with exponential
// backoff after every failure.
func (f *Feed) Run(ctx context.Context) error {
	if f.url == "" {
		return ErrNoURL
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = f.initialBackoff
	policy.MaxInterval = f.maxBackoff

	for {
		connected, err := f.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			policy.Reset()
		}

		wait := policy.NextBackOff()
		f.logger.Warn("price feed disconnected, reconnecting",
			zap.String("url", f.url),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// session runs one connection. connected reports whether the dial
// succeeded.
func (f *Feed) session(ctx context.Context) (connected bool, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, f.url, nil)
	cancel()
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	f.logger.Info("price feed connected", zap.String("url", f.url))
	return true, f.readLoop(ctx, conn)
}

func (f *Feed) readLoop(ctx context.Context, conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	errCh := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

			var ev Event
			if err := json.Unmarshal(data, &ev); err != nil {
				f.logger.Warn("malformed price event", zap.ByteString("payload", data), zap.Error(err))
				continue
			}
			f.handler(ev)
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

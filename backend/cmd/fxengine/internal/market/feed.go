// Package market implements the Market Listener: the single persistent
// connection to the upstream market feed that keeps the Quote Store
// fresh and tells the rest of the engine which symbols just moved.
// Grounded on the retrieval pack's WebSocket feed clients (notably
// 0xtitan6-polymarket-mm's internal/exchange.WSFeed) for the
// dial/read-loop/exponential-backoff shape, generalized from JSON
// messages to the zlib-compressed protobuf frames spec.md §4.2
// describes, decoded with fxengine/pkg/wireproto instead of
// encoding/json.
package market

import (
	"bytes"
	"compress/zlib"
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fxengine/internal/events"
	"fxengine/internal/quote"
	"fxengine/pkg/wireproto"
)

const (
	minBackoff       = time.Second
	maxBackoff       = 30 * time.Second
	maxFailures      = 10
	readIdleTimeout  = 30 * time.Second
	batchWriteWindow = 20 * time.Millisecond
	keepAliveWindow  = 5 * time.Second
	changeEpsilon    = 1e-5
)

// Listener maintains one persistent framed connection to the upstream
// market feed and keeps Store fresh with dedup/keep-alive/batching
// exactly as spec.md §4.2 describes.
type Listener struct {
	URL   string
	Store *quote.Store
	Bus   *events.Bus

	// Epsilon and KeepAlive override the spec defaults; zero means use
	// the package defaults (changeEpsilon / keepAliveWindow).
	Epsilon   float64
	KeepAlive time.Duration

	dialer *websocket.Dialer

	lastMu   sync.Mutex
	lastSent map[string]quote.Record // last-emitted (bid, ask, ts_ms) per symbol

	pendingMu sync.Mutex
	pending   map[string]quote.Record // batch accumulated within the current write window

	failures int
}

// Run connects and maintains the connection with auto-reconnect until
// ctx is cancelled. It never returns except on ctx cancellation.
func (l *Listener) Run(ctx context.Context) {
	if l.dialer == nil {
		l.dialer = websocket.DefaultDialer
	}
	l.lastSent = make(map[string]quote.Record)
	l.pending = make(map[string]quote.Record)
	if l.Epsilon == 0 {
		l.Epsilon = changeEpsilon
	}
	if l.KeepAlive == 0 {
		l.KeepAlive = keepAliveWindow
	}

	flushCtx, cancelFlush := context.WithCancel(ctx)
	defer cancelFlush()
	go l.flushLoop(flushCtx)

	backoff := minBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		err := l.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}

		l.failures++
		if l.failures >= maxFailures {
			log.Printf("market: %d consecutive connection failures, escalating (last error: %v)", l.failures, err)
			l.failures = 0
			backoff = maxBackoff
		}

		log.Printf("market: connection lost, reconnecting in %s: %v", backoff, err)
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

func (l *Listener) connectAndRead(ctx context.Context) error {
	conn, _, err := l.dialer.DialContext(ctx, l.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	l.failures = 0
	log.Printf("market: connected to %s", l.URL)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		if err := l.handleFrame(data); err != nil {
			log.Printf("market: dropping malformed frame: %v", err)
		}
	}
}

func (l *Listener) handleFrame(raw []byte) error {
	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("zlib: %w", err)
	}
	defer zr.Close()
	payload, err := io.ReadAll(zr)
	if err != nil {
		return fmt.Errorf("inflate: %w", err)
	}

	mu, err := wireproto.DecodeMarketUpdate(payload)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	nowMs := quote.TimeNowMs()
	l.pendingMu.Lock()
	for symbol, p := range mu.Data {
		if l.shouldEmit(symbol, p.Buy, p.Sell, nowMs) {
			l.pending[symbol] = quote.Record{Symbol: symbol, Bid: p.Sell, Ask: p.Buy, TsMs: nowMs}
		}
	}
	l.pendingMu.Unlock()
	return nil
}

// shouldEmit decides dedup/keep-alive admission. Caller holds lastMu
// indirectly through this method.
func (l *Listener) shouldEmit(symbol string, ask, bid float64, nowMs int64) bool {
	l.lastMu.Lock()
	defer l.lastMu.Unlock()

	prev, ok := l.lastSent[symbol]
	if !ok {
		l.lastSent[symbol] = quote.Record{Symbol: symbol, Bid: bid, Ask: ask, TsMs: nowMs}
		return true
	}
	changed := absDiff(prev.Bid, bid) > l.Epsilon || absDiff(prev.Ask, ask) > l.Epsilon
	stale := nowMs-prev.TsMs >= l.KeepAlive.Milliseconds()
	if !changed && !stale {
		return false
	}
	l.lastSent[symbol] = quote.Record{Symbol: symbol, Bid: bid, Ask: ask, TsMs: nowMs}
	return true
}

func absDiff(a, b float64) float64 {
	d := a - b
	if d < 0 {
		return -d
	}
	return d
}

// flushLoop drains the pending batch into the Quote Store every
// batchWriteWindow, mirrors it to Redis, and publishes the dirty
// symbol set on the Dirty-User Bus (spec.md §4.2/§4.3).
func (l *Listener) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(batchWriteWindow)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.flush(ctx)
		}
	}
}

func (l *Listener) flush(ctx context.Context) {
	l.pendingMu.Lock()
	if len(l.pending) == 0 {
		l.pendingMu.Unlock()
		return
	}
	batch := l.pending
	l.pending = make(map[string]quote.Record)
	l.pendingMu.Unlock()

	dirty := make([]string, 0, len(batch))
	records := make([]quote.Record, 0, len(batch))
	for symbol, p := range batch {
		rec := l.Store.PutPartial(symbol, &p.Bid, &p.Ask, p.TsMs)
		records = append(records, rec)
		dirty = append(dirty, symbol)
	}

	if err := l.Store.Mirror(ctx, records); err != nil {
		log.Printf("market: redis mirror failed: %v", err)
	}
	if l.Bus != nil {
		l.Bus.Publish(events.EventDirtySymbols, events.DirtySymbolsPayload{
			Symbols: dirty,
			TsMs:    quote.TimeNowMs(),
		})
	}
}

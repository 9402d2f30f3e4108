package market

import (
	"context"
	"log"
	"math/rand"
	"time"

	"fxengine/internal/events"
	"fxengine/internal/quote"
)

// MockFeed generates a synthetic random walk directly into the Quote
// Store, bypassing the websocket/zlib/protobuf pipeline, for local
// development without a live upstream feed.
type MockFeed struct {
	Store      *quote.Store
	Bus        *events.Bus
	Symbols    []string
	StartPrice float64
	Step       float64
	Interval   time.Duration
}

func (m *MockFeed) Start(ctx context.Context) {
	if m.Store == nil {
		log.Println("mock feed: store not set")
		return
	}
	if len(m.Symbols) == 0 {
		m.Symbols = []string{"EURUSD"}
	}
	price := m.StartPrice
	if price == 0 {
		price = 1.1000
	}
	if m.Step == 0 {
		m.Step = 0.0002
	}
	if m.Interval == 0 {
		m.Interval = time.Second
	}

	go func() {
		t := time.NewTicker(m.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				dirty := make([]string, 0, len(m.Symbols))
				for _, sym := range m.Symbols {
					price += (rand.Float64()*2 - 1) * m.Step
					bid := price
					ask := price + 0.0002
					nowMs := quote.TimeNowMs()
					m.Store.PutPartial(sym, &bid, &ask, nowMs)
					dirty = append(dirty, sym)
				}
				if m.Bus != nil {
					m.Bus.Publish(events.EventDirtySymbols, events.DirtySymbolsPayload{
						Symbols: dirty,
						TsMs:    quote.TimeNowMs(),
					})
				}
			}
		}
	}()
}

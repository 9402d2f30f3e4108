// Package wireproto decodes the upstream market feed's binary protobuf
// frame without generated (protoc) code, using the wire-level primitives
// in google.golang.org/protobuf/encoding/protowire directly. Parsing at
// the wire level is inherently tolerant of unknown fields — an unknown
// tag is simply skipped — which is exactly the decoder property spec.md
// §4.2 requires ("must be tolerant of unknown fields").
//
// Wire shape (spec.md §6):
//
//	message MarketUpdate {
//	  string type = 1;
//	  MarketPrices data = 2;
//	}
//	message MarketPrices {
//	  map<string, SymbolPrice> data = 1; // map entries are (key=1,value=2) submessages
//	}
//	message SymbolPrice {
//	  double buy = 1;
//	  double sell = 2;
//	  double spread = 3;
//	}
package wireproto

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// SymbolPrice is one entry of MarketPrices.data.
type SymbolPrice struct {
	Buy    float64
	Sell   float64
	Spread float64
}

// MarketUpdate is the decoded tick frame.
type MarketUpdate struct {
	Type string
	Data map[string]SymbolPrice
}

// DecodeMarketUpdate parses a MarketUpdate from its wire bytes.
func DecodeMarketUpdate(b []byte) (MarketUpdate, error) {
	var mu MarketUpdate
	mu.Data = make(map[string]SymbolPrice)

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return mu, fmt.Errorf("wireproto: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case 1: // type (string)
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return mu, fmt.Errorf("wireproto: bad type field: %w", protowire.ParseError(n))
			}
			mu.Type = v
			b = b[n:]
		case 2: // data (MarketPrices, embedded message)
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return mu, fmt.Errorf("wireproto: bad data field: %w", protowire.ParseError(n))
			}
			prices, err := decodeMarketPrices(v)
			if err != nil {
				return mu, err
			}
			for k, p := range prices {
				mu.Data[k] = p
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return mu, fmt.Errorf("wireproto: bad unknown field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return mu, nil
}

func decodeMarketPrices(b []byte) (map[string]SymbolPrice, error) {
	out := make(map[string]SymbolPrice)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("wireproto: bad prices tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		if num != 1 { // only field 1 (the map) is known; skip anything else
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("wireproto: bad unknown prices field: %w", protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		entry, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("wireproto: bad map entry: %w", protowire.ParseError(n))
		}
		b = b[n:]

		symbol, price, err := decodeMapEntry(entry)
		if err != nil {
			return nil, err
		}
		out[symbol] = price
	}
	return out, nil
}

// decodeMapEntry parses a protobuf map entry, which is wire-encoded as a
// two-field message: key=1, value=2.
func decodeMapEntry(b []byte) (string, SymbolPrice, error) {
	var key string
	var price SymbolPrice

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", price, fmt.Errorf("wireproto: bad map entry tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case 1: // key (string)
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return "", price, fmt.Errorf("wireproto: bad map key: %w", protowire.ParseError(n))
			}
			key = v
			b = b[n:]
		case 2: // value (SymbolPrice message)
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return "", price, fmt.Errorf("wireproto: bad map value: %w", protowire.ParseError(n))
			}
			p, err := decodeSymbolPrice(v)
			if err != nil {
				return "", price, err
			}
			price = p
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", price, fmt.Errorf("wireproto: bad unknown map entry field: %w", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return key, price, nil
}

func decodeSymbolPrice(b []byte) (SymbolPrice, error) {
	var p SymbolPrice
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return p, fmt.Errorf("wireproto: bad symbol price tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case 1:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return p, fmt.Errorf("wireproto: bad buy field: %w", protowire.ParseError(n))
			}
			p.Buy = math.Float64frombits(v)
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return p, fmt.Errorf("wireproto: bad sell field: %w", protowire.ParseError(n))
			}
			p.Sell = math.Float64frombits(v)
			b = b[n:]
		case 3:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return p, fmt.Errorf("wireproto: bad spread field: %w", protowire.ParseError(n))
			}
			p.Spread = math.Float64frombits(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return p, fmt.Errorf("wireproto: bad unknown symbol price field: %w", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return p, nil
}

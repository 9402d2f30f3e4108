package wireproto

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// EncodeMarketUpdate is the inverse of DecodeMarketUpdate. It exists
// mainly so tests and the mock feed can construct wire frames without a
// protoc toolchain.
func EncodeMarketUpdate(mu MarketUpdate) []byte {
	var data []byte
	for symbol, price := range mu.Data {
		entry := protowire.AppendTag(nil, 1, protowire.BytesType)
		entry = protowire.AppendString(entry, symbol)
		entry = protowire.AppendTag(entry, 2, protowire.BytesType)
		entry = protowire.AppendBytes(entry, encodeSymbolPrice(price))

		data = protowire.AppendTag(data, 1, protowire.BytesType)
		data = protowire.AppendBytes(data, entry)
	}

	var out []byte
	out = protowire.AppendTag(out, 1, protowire.BytesType)
	out = protowire.AppendString(out, mu.Type)
	out = protowire.AppendTag(out, 2, protowire.BytesType)
	out = protowire.AppendBytes(out, data)
	return out
}

func encodeSymbolPrice(p SymbolPrice) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(p.Buy))
	b = protowire.AppendTag(b, 2, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(p.Sell))
	b = protowire.AppendTag(b, 3, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(p.Spread))
	return b
}

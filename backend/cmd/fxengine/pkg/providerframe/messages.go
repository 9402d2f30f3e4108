package providerframe

import "strconv"

// OrderPayload is the outbound message shape for opens/closes/SL/TP sets
// (spec.md §6).
type OrderPayload struct {
	Type            string  `msgpack:"type"`
	TsMs            int64   `msgpack:"ts_ms"`
	OrderID         string  `msgpack:"order_id"`
	Symbol          string  `msgpack:"symbol"`
	OrderType       string  `msgpack:"order_type"`
	OrderPrice      float64 `msgpack:"order_price"`
	OrderQuantity   float64 `msgpack:"order_quantity,omitempty"`
	ContractValue   float64 `msgpack:"contract_value,omitempty"`
	Status          string  `msgpack:"status"`
	StoplossID      string  `msgpack:"stoploss_id,omitempty"`
	TakeprofitID    string  `msgpack:"takeprofit_id,omitempty"`
}

// CancelPayload is the outbound shape for order/SL/TP/pending cancels.
type CancelPayload struct {
	Type         string `msgpack:"type"`
	TsMs         int64  `msgpack:"ts_ms"`
	OriginalID   string `msgpack:"original_id"`
	CancelID     string `msgpack:"cancel_id"`
	OrderType    string `msgpack:"order_type"`
	Status       string `msgpack:"status"`
	StoplossID   string `msgpack:"stoploss_id,omitempty"`
	TakeprofitID string `msgpack:"takeprofit_id,omitempty"`
}

// ExecutionReport is the canonical inbound shape (spec.md §4.9/§6).
type ExecutionReport struct {
	Type       string  `msgpack:"type"`
	OrderID    string  `msgpack:"order_id"`
	ExecID     string  `msgpack:"exec_id"`
	OrdStatus  string  `msgpack:"ord_status"`
	AvgPx      float64 `msgpack:"avgpx"`
	CumQty     float64 `msgpack:"cumqty"`
	TsMs       int64   `msgpack:"ts"`
	Idempotency string `msgpack:"idempotency,omitempty"`
	Raw        []byte  `msgpack:"-"`
}

// Order status values carried on outbound payloads (spec.md §6).
const (
	StatusOpen             = "OPEN"
	StatusClosed           = "CLOSED"
	StatusPending          = "PENDING"
	StatusModify           = "MODIFY"
	StatusCancelled        = "CANCELLED"
	StatusStoploss         = "STOPLOSS"
	StatusTakeprofit       = "TAKEPROFIT"
	StatusStoplossCancel   = "STOPLOSS-CANCEL"
	StatusTakeprofitCancel = "TAKEPROFIT-CANCEL"
)

// Inbound ord_status values.
const (
	OrdStatusExecuted  = "EXECUTED"
	OrdStatusPending   = "PENDING"
	OrdStatusModify    = "MODIFY"
	OrdStatusCancelled = "CANCELLED"
	OrdStatusCanceled  = "CANCELED"
	OrdStatusRejected  = "REJECTED"
)

// LooksLikeFIX reports whether a decoded generic map carries FIX tag "35"
// (MsgType), the signal spec.md §4.9 uses to detect "35=8" field maps that
// need conversion instead of being an already-shaped execution report.
func LooksLikeFIX(m map[string]any) bool {
	_, ok := m["35"]
	return ok
}

// FromFIXFields converts a FIX-style field map (string tag -> value) into
// a canonical ExecutionReport. Unknown tags are ignored (tolerant decode).
func FromFIXFields(m map[string]any) ExecutionReport {
	get := func(tag string) string {
		v, ok := m[tag]
		if !ok {
			return ""
		}
		switch t := v.(type) {
		case string:
			return t
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64)
		default:
			return ""
		}
	}
	toFloat := func(s string) float64 {
		f, _ := strconv.ParseFloat(s, 64)
		return f
	}
	return ExecutionReport{
		Type:      "execution_report",
		OrderID:   firstNonEmpty(get("11"), get("37")), // ClOrdID, OrderID
		ExecID:    get("17"),                            // ExecID
		OrdStatus: fixOrdStatus(get("39")),               // OrdStatus
		AvgPx:     toFloat(get("6")),                     // AvgPx
		CumQty:    toFloat(get("14")),                    // CumQty
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// fixOrdStatus maps FIX tag 39 enum values to the canonical ord_status set.
func fixOrdStatus(tag39 string) string {
	switch tag39 {
	case "2": // Filled
		return OrdStatusExecuted
	case "0", "A": // New, Pending New
		return OrdStatusPending
	case "5": // Replaced
		return OrdStatusModify
	case "4": // Canceled
		return OrdStatusCancelled
	case "8": // Rejected
		return OrdStatusRejected
	default:
		return OrdStatusPending
	}
}

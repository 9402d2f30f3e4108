package order

import (
	"github.com/vmihailenco/msgpack/v5"

	"fxengine/internal/domain"
)

// replayRecord is the sanitized idempotency-cache payload (spec.md §4.3
// step 10: "must not re-trigger a provider send on replay"), so
// ProviderPayload is deliberately never part of it.
type replayRecord struct {
	OrderID   string
	Status    string
	ExecPrice float64
	MarginUSD float64
	ErrorCode string
}

// replayableErrors maps the sentinel errors execute_instant_order can
// return into a stable code for cross-process replay; anything outside
// this set is replayed as a generic failure rather than losing type info
// on an error that was never meant to be retried identically.
var replayableErrors = map[string]error{
	"":                          nil,
	domain.ErrUserNotFound.Error():      domain.ErrUserNotFound,
	domain.ErrUserNotVerified.Error():   domain.ErrUserNotVerified,
	domain.ErrInvalidLeverage.Error():   domain.ErrInvalidLeverage,
	domain.ErrMissingGroupData.Error():  domain.ErrMissingGroupData,
	domain.ErrPricingFailed.Error():     domain.ErrPricingFailed,
	domain.ErrMarginCalculationFailed.Error(): domain.ErrMarginCalculationFailed,
	domain.ErrInsufficientMargin.Error(): domain.ErrInsufficientMargin,
	domain.ErrOverallMarginFailed.Error(): domain.ErrOverallMarginFailed,
	domain.ErrOrderExists.Error():        domain.ErrOrderExists,
}

func encodeResultForReplay(res ExecuteResult, err error) string {
	rec := replayRecord{
		OrderID: res.OrderID, Status: string(res.Status),
		ExecPrice: res.ExecPrice, MarginUSD: res.MarginUSD,
	}
	if err != nil {
		rec.ErrorCode = err.Error()
	}
	b, encErr := msgpack.Marshal(rec)
	if encErr != nil {
		return ""
	}
	return string(b)
}

func decodeReplayedResult(raw string) (ExecuteResult, error) {
	var rec replayRecord
	if err := msgpack.Unmarshal([]byte(raw), &rec); err != nil {
		return ExecuteResult{}, domain.ErrIdempotencyInProgress
	}
	res := ExecuteResult{
		OrderID: rec.OrderID, Status: domain.OrderStatus(rec.Status),
		ExecPrice: rec.ExecPrice, MarginUSD: rec.MarginUSD, Replayed: true,
	}
	if rec.ErrorCode == "" {
		return res, nil
	}
	if sentinel, ok := replayableErrors[rec.ErrorCode]; ok && sentinel != nil {
		return res, sentinel
	}
	return res, &domain.PlaceOrderFailed{Cause: domain.ErrMarginCalculationFailed}
}

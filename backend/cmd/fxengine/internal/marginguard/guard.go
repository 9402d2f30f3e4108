// Package marginguard implements the pending/provider-pending
// re-validation step spec.md §4.8 step 2 and §4.11's provider-pending
// monitor both call "re-check free margin at the preview execution
// price": compute what the order would cost in margin if it filled
// right now, and compare against the user's last-known free margin.
// Grounded on internal/margin's existing single-order margin formula
// (SingleOrderMarginUSD) and internal/portfolio/calculator.go's
// FreeMargin field, the same two primitives the portfolio calculator
// itself combines, just evaluated against a hypothetical fill instead
// of an order already on the book.
package marginguard

import (
	"context"

	"fxengine/internal/domain"
	"fxengine/internal/margin"
)

// Repo is the read surface the guard needs.
type Repo interface {
	GetUserConfig(ctx context.Context, userType domain.UserType, userID string) (domain.UserConfig, bool, error)
	GetPortfolio(ctx context.Context, userType domain.UserType, userID string) (domain.UserPortfolio, bool, error)
}

// Guard re-validates a pending order's margin requirement at a preview
// fill price; it satisfies both internal/pendingmon.MarginValidator and
// internal/workers.FreeMarginChecker, which share this exact signature.
type Guard struct {
	repo   Repo
	quotes margin.QuoteLookup
	strict bool
}

func New(repo Repo, quotes margin.QuoteLookup, strict bool) *Guard {
	return &Guard{repo: repo, quotes: quotes, strict: strict}
}

func (g *Guard) HasSufficientFreeMargin(ctx context.Context, userType domain.UserType, userID string, po domain.PendingOrder, execPrice float64, group domain.GroupConfig) (bool, error) {
	cfg, found, err := g.repo.GetUserConfig(ctx, userType, userID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	nowMs := domain.TimeNowMs()
	requiredMargin, err := margin.SingleOrderMarginUSD(
		group.ContractSize, po.OrderQuantity, execPrice, group.ProfitCurrency, po.Symbol,
		cfg.Leverage, group.Type, group.CryptoMarginFactor, g.quotes, nowMs, g.strict,
	)
	if err != nil {
		return false, err
	}

	portfolio, found, err := g.repo.GetPortfolio(ctx, userType, userID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	return requiredMargin <= portfolio.FreeMargin, nil
}

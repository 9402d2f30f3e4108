// Package autocutoff implements the Auto-Cutoff Watcher (L): it reacts
// to every recomputed portfolio snapshot and, when a user's margin
// level crosses into the alert or liquidation zone, sends an SMTP
// alert or force-closes the user's largest-loss positions until the
// margin level recovers (spec.md §4.12). Grounded on
// internal/monitor/alerts.go's AlertSink abstraction for pluggable
// delivery, and on internal/trigger/scan.go's lock-before-act shape
// (acquire a Redis sentinel, do the work, release it) generalized from
// a single order close to a whole liquidation pass.
package autocutoff

import (
	"context"
	"fmt"
	"log"
	"time"

	"fxengine/internal/domain"
	"fxengine/internal/events"
	"fxengine/internal/margin"
	"fxengine/internal/monitor"
)

const alertSentTTL = 3 * time.Hour

// Repo is the read surface the watcher needs to run a liquidation pass.
type Repo interface {
	GetUserConfig(ctx context.Context, userType domain.UserType, userID string) (domain.UserConfig, bool, error)
	ListUserOrders(ctx context.Context, userType domain.UserType, userID string) ([]domain.Order, error)
	GetPortfolio(ctx context.Context, userType domain.UserType, userID string) (domain.UserPortfolio, bool, error)
}

// Closer is the Order Closer collaborator; order.Engine satisfies it.
type Closer interface {
	CloseOrder(ctx context.Context, orderID, closeReason, lifecycleID string) error
}

// SentinelStore is the subset of pkg/redisx.Client the watcher needs for
// its NX sentinels (no TTL lock semantics — these are plain presence flags).
type SentinelStore interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
}

// FollowerDirectory resolves a strategy provider's active followers for
// cascade liquidation; internal/copytrading.Directory satisfies it.
type FollowerDirectory interface {
	ActiveFollowers(ctx context.Context, strategyProviderID string) ([]string, error)
}

// Watcher owns the portfolio_updates subscription and the liquidation pass.
type Watcher struct {
	bus       *events.Bus
	redis     SentinelStore
	repo      Repo
	quotes    margin.QuoteLookup
	closer    Closer
	alert     monitor.AlertSink
	followers FollowerDirectory
	strict    bool

	newID func() string

	// auditSink records a cascade liquidation's follower fan-out; tests
	// override it to assert cascade behavior without a log dependency.
	auditSink func(userID string, followers []string)
}

// New constructs a Watcher. newID mints close-lifecycle ids; pass nil to
// fall back to uuid.NewString.
func New(bus *events.Bus, redis SentinelStore, repo Repo, quotes margin.QuoteLookup, closer Closer, alert monitor.AlertSink, followers FollowerDirectory, strict bool, newID func() string) *Watcher {
	return &Watcher{
		bus: bus, redis: redis, repo: repo, quotes: quotes, closer: closer,
		alert: alert, followers: followers, strict: strict, newID: newID,
		auditSink: func(userID string, followers []string) {
			if len(followers) > 0 {
				log.Printf("autocutoff: cascading liquidation from %s to %d followers", userID, len(followers))
			}
		},
	}
}

// Run subscribes to portfolio updates and processes them until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	ch, unsub := w.bus.Subscribe(events.EventPortfolioUpdate, 256)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-ch:
			if !ok {
				return nil
			}
			p, ok := payload.(domain.UserPortfolio)
			if !ok {
				continue
			}
			if err := w.handle(ctx, p); err != nil {
				log.Printf("autocutoff: handle %s/%s: %v", p.UserType, p.UserID, err)
			}
		}
	}
}

func (w *Watcher) handle(ctx context.Context, p domain.UserPortfolio) error {
	if p.UsedMarginExecuted == 0 {
		p.MarginLevel = domain.MarginLevelSafeSentinel
	}

	cfg, found, err := w.repo.GetUserConfig(ctx, p.UserType, p.UserID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	cutoff := cfg.EffectiveAutoCutoffLevel()
	liq := cfg.EffectiveAutoLiquidationLevel()

	liquidatingKey := domain.KeyAutocutoffLiquidating(p.UserType, p.UserID)
	alertKey := domain.KeyAutocutoffAlertSent(p.UserType, p.UserID)

	switch {
	case p.MarginLevel > cutoff:
		return w.redis.Del(ctx, liquidatingKey)

	case p.MarginLevel > liq:
		acquired, err := w.redis.SetNX(ctx, alertKey, "1", alertSentTTL)
		if err != nil || !acquired {
			return err
		}
		msg := alertMessage(p, cutoff, liq)
		if sendErr := w.sendAlertWithRetry(msg); sendErr != nil {
			_ = w.redis.Del(ctx, alertKey)
			return sendErr
		}
		return nil

	default:
		acquired, err := w.redis.SetNX(ctx, liquidatingKey, "1", 0)
		if err != nil || !acquired {
			return err
		}
		defer w.redis.Del(ctx, liquidatingKey)
		return w.liquidate(ctx, p.UserType, p.UserID, p.MarginLevel)
	}
}

func (w *Watcher) sendAlertWithRetry(message string) error {
	var lastErr error
	backoff := 500 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		if lastErr = w.alert.Send(message); lastErr == nil {
			return nil
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return lastErr
}

func alertMessage(p domain.UserPortfolio, cutoff, liq float64) string {
	return fmt.Sprintf("margin alert: user %s:%s margin_level=%.2f is below auto_cutoff_level=%.2f (auto_liquidation_level=%.2f)",
		p.UserType, p.UserID, p.MarginLevel, cutoff, liq)
}

func (w *Watcher) nextID() string {
	if w.newID != nil {
		return w.newID()
	}
	return defaultNewID()
}

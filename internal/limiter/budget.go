package limiter

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"qualisys/pkg/counterstore"
)

// budgetWindow is the fixed monthly accounting period. The expiry is set by
// whichever call first creates the counter, so the window starts at the
// tenant's first consumption of the month.
const budgetWindow = 30 * 24 * time.Hour

// warnThresholdPercent is where usage starts logging warnings without
// blocking.
const warnThresholdPercent = 80

// BudgetExceededError reports that a tenant has exhausted its monthly token
// budget.
type BudgetExceededError struct {
	Used  int64
	Limit int64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("monthly token budget exceeded: %d of %d tokens used", e.Used, e.Limit)
}

// TokenBudget tracks per-tenant monthly LLM token consumption.
type TokenBudget struct {
	store counterstore.Store
	limit int64
	log   *zap.Logger
}

// NewTokenBudget creates a budget with the given monthly token limit.
func NewTokenBudget(store counterstore.Store, limit int64, log *zap.Logger) *TokenBudget {
	return &TokenBudget{store: store, limit: limit, log: log}
}

func budgetKey(tenantSlug string) string {
	return fmt.Sprintf("token_budget:%s", tenantSlug)
}

// Consume adds tokens to the tenant's monthly usage and returns the new
// total. A zero-token consumption skips the atomic write and just reads the
// current total.
func (b *TokenBudget) Consume(ctx context.Context, tenantSlug string, tokens int64) (int64, error) {
	if tokens <= 0 {
		return b.Usage(ctx, tenantSlug)
	}

	count, _, err := b.store.IncrWithTTL(ctx, budgetKey(tenantSlug), tokens, budgetWindow)
	if err != nil {
		return 0, fmt.Errorf("recording token usage: %w", err)
	}
	return count, nil
}

// Usage reads the tenant's current monthly total.
func (b *TokenBudget) Usage(ctx context.Context, tenantSlug string) (int64, error) {
	usage, err := b.store.Get(ctx, budgetKey(tenantSlug))
	if err != nil {
		return 0, fmt.Errorf("reading token usage: %w", err)
	}
	return usage, nil
}

// Check enforces the monthly limit. Usage at or above the limit fails with
// a BudgetExceededError carrying used/limit; usage at or above the warning
// threshold logs a structured warning without blocking. Budget enforcement
// is a hard dependency: a store failure aborts rather than waving the call
// through.
func (b *TokenBudget) Check(ctx context.Context, tenantSlug string) error {
	usage, err := b.Usage(ctx, tenantSlug)
	if err != nil {
		return err
	}

	if usage >= b.limit {
		return &BudgetExceededError{Used: usage, Limit: b.limit}
	}

	if usage*100 >= b.limit*warnThresholdPercent {
		b.log.Warn("Tenant approaching monthly token budget",
			zap.String("tenant", tenantSlug),
			zap.Int64("used", usage),
			zap.Int64("limit", b.limit))
	}

	return nil
}

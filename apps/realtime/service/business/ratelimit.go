package business

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pitabwire/util"

	"github.com/antinvestor/service-realtime/apps/realtime/config"
	"github.com/antinvestor/service-realtime/apps/realtime/service"
	"github.com/antinvestor/service-realtime/apps/realtime/service/models"
	"github.com/antinvestor/service-realtime/apps/realtime/service/store"
	"github.com/antinvestor/service-realtime/internal/telemetry"
)

// Actor identifies the caller of a rate-limited operation.
type Actor struct {
	SocketID string
	UserID   string
	IP       string
}

// Rule is one sliding-window admission rule. KeyFn scopes the window; a rule
// with budget zero or an empty key is skipped.
type Rule struct {
	Name   string
	Budget int
	Window time.Duration
	KeyFn  func(actor Actor, category models.Category) string
}

// Decision reports the outcome of a rule chain evaluation. When denied it
// names the blocking rule and how long to wait; Escalate means the socket
// has violated too often and must be disconnected.
type Decision struct {
	Allowed    bool
	Rule       string
	RetryAfter time.Duration
	Escalate   bool
}

var allowed = Decision{Allowed: true}

// RateLimiter chains sliding-window rules over the shared store. The first
// failing rule blocks the event and short-circuits the rest.
type RateLimiter struct {
	store           store.RateLimitStore
	rules           []Rule
	categoryBudgets map[models.Category]int

	violationMax    int
	violationWindow time.Duration

	mu         sync.Mutex
	violations map[string][]time.Time

	totalChecked atomic.Int64
	totalDenied  atomic.Int64
}

// NewRateLimiter builds the standard chain: global per-IP, then per-socket,
// then per-event-category.
func NewRateLimiter(cfg *config.RealtimeConfig, limitStore store.RateLimitStore) *RateLimiter {
	categoryBudgets := map[models.Category]int{
		models.CategoryMessages:  cfg.RateLimitMessagesPerMin,
		models.CategoryTyping:    cfg.RateLimitTypingPerMin,
		models.CategoryReactions: cfg.RateLimitReactionsPerMin,
		models.CategoryAdmin:     cfg.RateLimitAdminPerMin,
	}

	rules := []Rule{
		{
			Name:   "global_ip",
			Budget: cfg.RateLimitGlobalIPPerMin,
			Window: time.Minute,
			KeyFn: func(actor Actor, _ models.Category) string {
				if actor.IP == "" {
					return ""
				}
				return "ip:" + actor.IP
			},
		},
		{
			Name:   "socket",
			Budget: cfg.RateLimitSocketPerMin,
			Window: time.Minute,
			KeyFn: func(actor Actor, _ models.Category) string {
				return "socket:" + actor.SocketID
			},
		},
		{
			Name:   "category",
			Window: time.Minute,
			KeyFn: func(actor Actor, category models.Category) string {
				if categoryBudgets[category] <= 0 {
					return ""
				}
				return "cat:" + actor.UserID + ":" + string(category)
			},
		},
	}

	return &RateLimiter{
		store:           limitStore,
		rules:           rules,
		violationMax:    cfg.RateLimitViolationMax,
		violationWindow: cfg.RateLimitViolationWindow(),
		violations:      map[string][]time.Time{},
		categoryBudgets: categoryBudgets,
	}
}

// Check evaluates the rule chain for one inbound event. A store failure
// allows the event through; availability wins over strict enforcement.
func (rl *RateLimiter) Check(ctx context.Context, actor Actor, category models.Category) Decision {
	rl.totalChecked.Add(1)

	for _, rule := range rl.rules {
		key := rule.KeyFn(actor, category)
		if key == "" {
			continue
		}

		budget := rule.Budget
		if rule.Name == "category" {
			budget = rl.categoryBudgets[category]
		}
		if budget <= 0 {
			continue
		}

		ok, retryAfter, err := rl.store.SlideWindow(ctx, key, budget, rule.Window, util.IDString())
		if err != nil {
			if errors.Is(err, service.ErrStoreUnavailable) {
				util.Log(ctx).WithError(err).WithField("rule", rule.Name).
					Warn("rate limit check failed open")
				return allowed
			}
			util.Log(ctx).WithError(err).WithField("rule", rule.Name).
				Error("rate limit check errored, allowing")
			return allowed
		}

		if !ok {
			rl.totalDenied.Add(1)
			telemetry.RateLimitedCounter.Add(ctx, 1)
			return Decision{
				Rule:       rule.Name,
				RetryAfter: retryAfter,
				Escalate:   rl.recordViolation(ctx, actor.SocketID),
			}
		}
	}

	return allowed
}

// recordViolation counts denials per socket in-process. Escalation forces a
// disconnect and is deliberately local: each process polices the sockets it
// owns.
func (rl *RateLimiter) recordViolation(ctx context.Context, socketID string) bool {
	now := time.Now()
	cutoff := now.Add(-rl.violationWindow)

	rl.mu.Lock()
	kept := rl.violations[socketID][:0]
	for _, at := range rl.violations[socketID] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	kept = append(kept, now)
	rl.violations[socketID] = kept
	count := len(kept)
	rl.mu.Unlock()

	if count >= rl.violationMax {
		telemetry.RateLimitEscalationsCounter.Add(ctx, 1)
		util.Log(ctx).WithFields(map[string]any{
			"socket_id":  socketID,
			"violations": count,
		}).Warn("rate limit violations escalated to disconnect")
		return true
	}
	return false
}

// Forget drops violation bookkeeping for a closed socket.
func (rl *RateLimiter) Forget(socketID string) {
	rl.mu.Lock()
	delete(rl.violations, socketID)
	rl.mu.Unlock()
}

// Name implements health.InfoSource.
func (rl *RateLimiter) Name() string { return "ratelimit" }

// Info implements health.InfoSource.
func (rl *RateLimiter) Info() map[string]any {
	rl.mu.Lock()
	tracked := len(rl.violations)
	rl.mu.Unlock()

	return map[string]any{
		"checked":         rl.totalChecked.Load(),
		"denied":          rl.totalDenied.Load(),
		"tracked_sockets": tracked,
	}
}

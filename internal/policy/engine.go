// Package policy implements the enforcement engine: it keeps the host
// network-rule set matching the lock and block-list state, and vetoes
// navigation attempts that violate it.
package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bzinkan/ClassPilot-sub001/internal/domain"
)

// Engine owns all mutable enforcement state. Lock flags, block lists, and
// the tab limit are only ever mutated through its entry points, which is
// what makes the rule-update serialization guarantee structural rather
// than conventional.
type Engine struct {
	rules    domain.RuleEngine
	store    domain.PolicyStore
	tabs     domain.TabService
	notifier domain.Notifier
	events   domain.EventSink
	logger   *zap.Logger

	mu         sync.Mutex
	lock       domain.Lock
	global     []string
	session    []string
	tempAllows []domain.TemporaryAllow
	tabLimit   int

	// updateRules serialization: at most one rule mutation in flight per
	// concern; a request arriving mid-update replaces any queued one so
	// the freshest payload (never a stale one) is applied next.
	updating map[domain.RuleConcern]bool
	pending  map[domain.RuleConcern]*domain.RuleSet

	now func() time.Time
}

// NewEngine creates the enforcement engine.
func NewEngine(
	rules domain.RuleEngine,
	store domain.PolicyStore,
	tabs domain.TabService,
	notifier domain.Notifier,
	events domain.EventSink,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		rules:    rules,
		store:    store,
		tabs:     tabs,
		notifier: notifier,
		events:   events,
		logger:   logger,
		updating: make(map[domain.RuleConcern]bool),
		pending:  make(map[domain.RuleConcern]*domain.RuleSet),
		now:      time.Now,
	}
}

// Restore reloads persisted enforcement state after a process restart and
// reapplies the matching network rules. The session block list is
// deliberately left empty: it belongs to a live teacher session, not to
// account state.
func (e *Engine) Restore(ctx context.Context) error {
	lock, err := e.store.LoadLock()
	if err != nil {
		return fmt.Errorf("failed to load lock state: %w", err)
	}
	global, err := e.store.LoadGlobalBlockList()
	if err != nil {
		return fmt.Errorf("failed to load global block list: %w", err)
	}
	limit, err := e.store.LoadTabLimit()
	if err != nil {
		return fmt.Errorf("failed to load tab limit: %w", err)
	}

	e.mu.Lock()
	e.lock = lock
	e.global = global
	e.session = nil
	e.tempAllows = nil
	e.tabLimit = limit
	e.mu.Unlock()

	if lock.Active() {
		e.updateRules(ctx, domain.RuleSet{Concern: domain.ConcernLock, Allow: lock.AllowedDomains()})
	}
	if len(global) > 0 {
		e.updateRules(ctx, domain.RuleSet{Concern: domain.ConcernBlock, Deny: global})
	}
	return nil
}

// --- lock management ---

// ApplyLock activates a lock, replacing any previous one. The resulting
// allowed-domain rules replace all prior lock rules, the lock is persisted,
// and open tabs outside the allowed set are closed.
func (e *Engine) ApplyLock(ctx context.Context, lock domain.Lock) error {
	if !lock.Active() {
		return fmt.Errorf("lock mode required")
	}
	allowed := lock.AllowedDomains()
	if len(allowed) == 0 {
		return fmt.Errorf("lock %q has no usable domains", lock.Mode)
	}

	e.mu.Lock()
	e.lock = lock
	e.mu.Unlock()

	e.updateRules(ctx, domain.RuleSet{Concern: domain.ConcernLock, Allow: allowed})

	if err := e.store.SaveLock(lock); err != nil {
		e.logger.Error("failed to persist lock state", zap.Error(err))
	}

	e.closeDisallowedTabs(ctx, lock)

	e.logger.Info("lock applied",
		zap.String("mode", string(lock.Mode)),
		zap.Strings("domains", allowed))
	return nil
}

// RemoveLock clears the lock, its rules, and its persisted record.
func (e *Engine) RemoveLock(ctx context.Context) {
	e.mu.Lock()
	e.lock = domain.Lock{}
	e.mu.Unlock()

	e.updateRules(ctx, domain.RuleSet{Concern: domain.ConcernLock})

	if err := e.store.ClearLock(); err != nil {
		e.logger.Error("failed to clear persisted lock", zap.Error(err))
	}
	e.logger.Info("lock removed")
}

// Lock returns the currently active lock.
func (e *Engine) Lock() domain.Lock {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lock
}

// closeDisallowedTabs closes every open tab outside the lock's allowed set.
func (e *Engine) closeDisallowedTabs(ctx context.Context, lock domain.Lock) {
	tabs, err := e.tabs.ListTabs(ctx)
	if err != nil {
		e.logger.Warn("failed to list tabs for lock cleanup", zap.Error(err))
		return
	}
	for _, tab := range tabs {
		host := domain.Hostname(tab.URL)
		if host == "" || lock.Allows(host) {
			continue
		}
		if err := e.tabs.CloseTab(ctx, tab.ID); err != nil {
			e.logger.Warn("failed to close disallowed tab",
				zap.String("tab", tab.ID), zap.Error(err))
		}
	}
}

// --- block-list management ---

// ApplyBlockList merges domains into the list at the given scope and
// recomputes deny rules. Global-scope lists are persisted; session-scope
// lists die with the process.
func (e *Engine) ApplyBlockList(ctx context.Context, domains []string, scope domain.BlockScope) {
	e.mu.Lock()
	switch scope {
	case domain.ScopeSession:
		e.session = mergeDomains(e.session, domains)
	default:
		e.global = mergeDomains(e.global, domains)
	}
	deny := mergeDomains(e.global, e.session)
	persist := scope != domain.ScopeSession
	e.mu.Unlock()

	e.updateRules(ctx, domain.RuleSet{Concern: domain.ConcernBlock, Deny: deny})

	if persist {
		e.persistGlobal()
	}
	e.logger.Info("block list applied",
		zap.String("scope", string(scope)),
		zap.Int("domains", len(domains)))
}

// SetGlobalBlockList replaces the org-wide list wholesale (server push or
// settings fetch), persists it, and recomputes deny rules.
func (e *Engine) SetGlobalBlockList(ctx context.Context, domains []string) {
	e.mu.Lock()
	e.global = append([]string(nil), domains...)
	deny := mergeDomains(e.global, e.session)
	e.mu.Unlock()

	e.updateRules(ctx, domain.RuleSet{Concern: domain.ConcernBlock, Deny: deny})
	e.persistGlobal()
}

// persistGlobal snapshots the current global list and writes it. Taken
// after updateRules returns so racing mutations persist their final
// merged state, never a stale intermediate.
func (e *Engine) persistGlobal() {
	e.mu.Lock()
	global := append([]string(nil), e.global...)
	e.mu.Unlock()
	if err := e.store.SaveGlobalBlockList(global); err != nil {
		e.logger.Error("failed to persist global block list", zap.Error(err))
	}
}

// RemoveBlockList drops the list at the given scope and recomputes rules.
func (e *Engine) RemoveBlockList(ctx context.Context, scope domain.BlockScope) {
	e.mu.Lock()
	switch scope {
	case domain.ScopeSession:
		e.session = nil
	default:
		e.global = nil
	}
	deny := mergeDomains(e.global, e.session)
	persist := scope != domain.ScopeSession
	e.mu.Unlock()

	e.updateRules(ctx, domain.RuleSet{Concern: domain.ConcernBlock, Deny: deny})

	if persist {
		e.persistGlobal()
	}
	e.logger.Info("block list removed", zap.String("scope", string(scope)))
}

// TemporarilyAllow exempts one domain from block lists for the duration.
// Entries expire at the deadline and are pruned lazily on the next check.
func (e *Engine) TemporarilyAllow(target string, d time.Duration) {
	host := domain.Hostname(target)
	if host == "" {
		host = target
	}
	e.mu.Lock()
	e.tempAllows = append(e.tempAllows, domain.TemporaryAllow{
		Domain:    host,
		ExpiresAt: e.now().Add(d),
	})
	e.mu.Unlock()

	e.logger.Info("temporary allow granted",
		zap.String("domain", host),
		zap.Duration("duration", d))
}

// BlockedDomains returns the effective deny set (global then session).
func (e *Engine) BlockedDomains() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return mergeDomains(e.global, e.session)
}

// --- navigation interception ---

// Verdict is the outcome of a navigation check.
type Verdict int

const (
	VerdictAllow Verdict = iota
	VerdictAllowTemporary
	VerdictBlockedGlobal
	VerdictBlockedSession
	VerdictLocked
)

// Decision carries the verdict plus the enforcement side effect to take.
type Decision struct {
	Verdict Verdict
	// RedirectURL is where the tab should be sent instead, when vetoed.
	// Empty means revert/close is up to the caller.
	RedirectURL string
}

// Allowed reports whether the navigation may proceed.
func (d Decision) Allowed() bool {
	return d.Verdict == VerdictAllow || d.Verdict == VerdictAllowTemporary
}

// Evaluate decides a navigation attempt. Evaluation order: unexpired
// temporary allows win over everything, then the global block list, then
// the session block list, then the lock's allowed set.
func (e *Engine) Evaluate(rawURL string) Decision {
	host := domain.Hostname(rawURL)
	if host == "" {
		// Non-web URL (chrome://, about:) - outside our jurisdiction.
		return Decision{Verdict: VerdictAllow}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.pruneTempAllowsLocked()

	for _, ta := range e.tempAllows {
		if domain.MatchesDomain(host, ta.Domain) {
			return Decision{Verdict: VerdictAllowTemporary}
		}
	}
	for _, d := range e.global {
		if domain.MatchesDomain(host, d) {
			return Decision{Verdict: VerdictBlockedGlobal}
		}
	}
	for _, d := range e.session {
		if domain.MatchesDomain(host, d) {
			return Decision{Verdict: VerdictBlockedSession}
		}
	}
	if e.lock.Active() && !e.lock.Allows(host) {
		return Decision{Verdict: VerdictLocked, RedirectURL: e.lock.URL}
	}
	return Decision{Verdict: VerdictAllow}
}

// HandleNavigation evaluates a navigation and enacts the decision: vetoed
// tabs are redirected (lock with a target URL) or closed, the student is
// notified, and a telemetry event is reported. Returns the decision.
func (e *Engine) HandleNavigation(ctx context.Context, tab domain.Tab) Decision {
	decision := e.Evaluate(tab.URL)
	if decision.Allowed() {
		return decision
	}

	switch decision.Verdict {
	case VerdictLocked:
		if decision.RedirectURL != "" {
			if err := e.tabs.NavigateTab(ctx, tab.ID, decision.RedirectURL); err != nil {
				e.logger.Warn("failed to redirect locked tab",
					zap.String("tab", tab.ID), zap.Error(err))
			}
		} else if err := e.tabs.CloseTab(ctx, tab.ID); err != nil {
			e.logger.Warn("failed to close locked tab",
				zap.String("tab", tab.ID), zap.Error(err))
		}
		e.notifier.Notify("Screen locked", "Navigation is restricted by your teacher.")
	default:
		if err := e.tabs.CloseTab(ctx, tab.ID); err != nil {
			e.logger.Warn("failed to close blocked tab",
				zap.String("tab", tab.ID), zap.Error(err))
		}
		e.notifier.Notify("Site blocked", "This site is not allowed.")
	}

	if e.events != nil {
		e.events.ReportEvent("navigation_blocked", map[string]any{
			"url":     tab.URL,
			"verdict": int(decision.Verdict),
		})
	}
	return decision
}

// pruneTempAllowsLocked drops expired temporary allows. Caller holds mu.
func (e *Engine) pruneTempAllowsLocked() {
	if len(e.tempAllows) == 0 {
		return
	}
	now := e.now()
	kept := e.tempAllows[:0]
	for _, ta := range e.tempAllows {
		if ta.ExpiresAt.After(now) {
			kept = append(kept, ta)
		}
	}
	e.tempAllows = kept
}

// --- tab limit ---

// SetTabLimit sets (or clears, with 0) the maximum open-tab count.
func (e *Engine) SetTabLimit(limit int) {
	if limit < 0 {
		limit = 0
	}
	e.mu.Lock()
	e.tabLimit = limit
	e.mu.Unlock()

	if err := e.store.SaveTabLimit(limit); err != nil {
		e.logger.Error("failed to persist tab limit", zap.Error(err))
	}
	e.logger.Info("tab limit set", zap.Int("limit", limit))
}

// TabLimit returns the current limit (0 = unlimited).
func (e *Engine) TabLimit() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tabLimit
}

// OnTabCreated enforces new-tab policy. Under a single-domain lock no new
// tabs are allowed at all; otherwise a positive tab limit closes the
// newest tab once the count exceeds it.
func (e *Engine) OnTabCreated(ctx context.Context, tab domain.Tab, openCount int) {
	e.mu.Lock()
	lock := e.lock
	limit := e.tabLimit
	e.mu.Unlock()

	if lock.Mode == domain.LockSingleDomain {
		if err := e.tabs.CloseTab(ctx, tab.ID); err != nil {
			e.logger.Warn("failed to close tab under lock",
				zap.String("tab", tab.ID), zap.Error(err))
		}
		return
	}

	if limit > 0 && openCount > limit {
		if err := e.tabs.CloseTab(ctx, tab.ID); err != nil {
			e.logger.Warn("failed to close tab over limit",
				zap.String("tab", tab.ID), zap.Error(err))
			return
		}
		e.notifier.Notify("Tab limit", fmt.Sprintf("Your teacher limited you to %d open tabs.", limit))
	}
}

// --- status for heartbeat ---

// Status summarizes lock and block state for the heartbeat snapshot.
func (e *Engine) Status() (lockStatus, blockStatus string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.lock.Mode {
	case domain.LockSingleDomain:
		lockStatus = "locked:" + domain.Hostname(e.lock.URL)
	case domain.LockAllowList:
		lockStatus = "flight-path:" + e.lock.Name
	default:
		lockStatus = "unlocked"
	}

	total := len(e.global) + len(e.session)
	if total == 0 {
		blockStatus = "none"
	} else {
		blockStatus = fmt.Sprintf("blocking:%d", total)
	}
	return lockStatus, blockStatus
}

// --- serialized rule updates ---

// updateRules is the single writer of host network rules. If an update
// for the same concern is already in flight, the new payload is queued,
// replacing any previously queued one; the drain loop then applies the
// queued payload, so two racing updates A then B always converge to B.
// Rule-engine errors are logged, never fatal; the next mutation retries.
func (e *Engine) updateRules(ctx context.Context, rs domain.RuleSet) {
	e.mu.Lock()
	if e.updating[rs.Concern] {
		pending := rs
		e.pending[rs.Concern] = &pending
		e.mu.Unlock()
		return
	}
	e.updating[rs.Concern] = true
	e.mu.Unlock()

	for {
		e.applyRuleSet(ctx, rs)

		e.mu.Lock()
		next := e.pending[rs.Concern]
		if next == nil {
			e.updating[rs.Concern] = false
			e.mu.Unlock()
			return
		}
		delete(e.pending, rs.Concern)
		e.mu.Unlock()
		rs = *next
	}
}

func (e *Engine) applyRuleSet(ctx context.Context, rs domain.RuleSet) {
	var err error
	if rs.Empty() {
		err = e.rules.Clear(ctx, rs.Concern)
	} else {
		err = e.rules.Apply(ctx, rs)
	}
	if err != nil {
		e.logger.Error("rule update failed",
			zap.String("concern", string(rs.Concern)),
			zap.Error(err))
	}
}

// mergeDomains unions b into a, preserving order and dropping duplicates.
func mergeDomains(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, lists := range [][]string{a, b} {
		for _, d := range lists {
			if d == "" || seen[d] {
				continue
			}
			seen[d] = true
			out = append(out, d)
		}
	}
	return out
}

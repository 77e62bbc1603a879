// Package infra implements host platform adapters (network rules, browser
// tabs, idle and camera signals, notifications).
package infra

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/bzinkan/ClassPilot-sub001/internal/domain"
)

// MemoryRuleEngine is an in-process declarative rule engine. It is the
// reference implementation for hosts without a system firewall adapter
// and the engine used by tests. Rule IDs are derived from the concern so
// lock rules and block rules can never collide.
type MemoryRuleEngine struct {
	mu   sync.Mutex
	sets map[domain.RuleConcern]domain.RuleSet
}

// NewMemoryRuleEngine creates an empty rule engine.
func NewMemoryRuleEngine() *MemoryRuleEngine {
	return &MemoryRuleEngine{sets: make(map[domain.RuleConcern]domain.RuleSet)}
}

// Apply replaces every rule of the set's concern.
func (m *MemoryRuleEngine) Apply(ctx context.Context, rs domain.RuleSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets[rs.Concern] = rs
	return nil
}

// Clear removes all rules of a concern.
func (m *MemoryRuleEngine) Clear(ctx context.Context, concern domain.RuleConcern) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sets, concern)
	return nil
}

// RuleSet returns the current set for a concern (zero value if none).
func (m *MemoryRuleEngine) RuleSet(concern domain.RuleConcern) domain.RuleSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sets[concern]
}

// RuleIDs lists the effective rule IDs, partitioned by concern, e.g.
// "block-1". Useful for asserting the no-duplicate-ID invariant.
func (m *MemoryRuleEngine) RuleIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for concern, rs := range m.sets {
		n := len(rs.Allow) + len(rs.Deny)
		for i := 1; i <= n; i++ {
			ids = append(ids, fmt.Sprintf("%s-%d", concern, i))
		}
	}
	return ids
}

// Ensure MemoryRuleEngine implements domain.RuleEngine.
var _ domain.RuleEngine = (*MemoryRuleEngine)(nil)

const (
	hostsMarkerBegin = "# classpilot-agent begin"
	hostsMarkerEnd   = "# classpilot-agent end"
)

// HostsRuleEngine enforces deny rules by rewriting a managed block inside
// a hosts file, sinkholing blocked domains to 0.0.0.0. Allow-only
// confinement cannot be expressed in a hosts file; that half is enforced
// by navigation interception, so allow sets are tracked but emit no
// entries.
type HostsRuleEngine struct {
	path   string
	logger *zap.Logger

	mu   sync.Mutex
	sets map[domain.RuleConcern]domain.RuleSet
}

// NewHostsRuleEngine creates a hosts-file-backed rule engine.
// Pass "/etc/hosts" in production (requires root); tests use a temp file.
func NewHostsRuleEngine(path string, logger *zap.Logger) *HostsRuleEngine {
	return &HostsRuleEngine{
		path:   path,
		logger: logger,
		sets:   make(map[domain.RuleConcern]domain.RuleSet),
	}
}

// Apply replaces the concern's rules and rewrites the managed block.
func (h *HostsRuleEngine) Apply(ctx context.Context, rs domain.RuleSet) error {
	h.mu.Lock()
	h.sets[rs.Concern] = rs
	deny := h.effectiveDenyLocked()
	h.mu.Unlock()
	return h.rewrite(deny)
}

// Clear removes the concern's rules and rewrites the managed block.
func (h *HostsRuleEngine) Clear(ctx context.Context, concern domain.RuleConcern) error {
	h.mu.Lock()
	delete(h.sets, concern)
	deny := h.effectiveDenyLocked()
	h.mu.Unlock()
	return h.rewrite(deny)
}

// effectiveDenyLocked unions deny rules across concerns. Caller holds mu.
func (h *HostsRuleEngine) effectiveDenyLocked() []string {
	seen := make(map[string]bool)
	var deny []string
	for _, rs := range h.sets {
		for _, d := range rs.Deny {
			if !seen[d] {
				seen[d] = true
				deny = append(deny, d)
			}
		}
	}
	return deny
}

// rewrite replaces the managed block with sinkhole entries for the deny
// set, using the atomic write-then-rename pattern.
func (h *HostsRuleEngine) rewrite(deny []string) error {
	existing, err := os.ReadFile(h.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read hosts file: %w", err)
	}

	var out strings.Builder
	inBlock := false
	for _, line := range strings.Split(string(existing), "\n") {
		switch {
		case strings.TrimSpace(line) == hostsMarkerBegin:
			inBlock = true
		case strings.TrimSpace(line) == hostsMarkerEnd:
			inBlock = false
		case !inBlock && line != "":
			out.WriteString(line)
			out.WriteString("\n")
		}
	}

	if len(deny) > 0 {
		out.WriteString(hostsMarkerBegin)
		out.WriteString("\n")
		for _, d := range deny {
			out.WriteString("0.0.0.0 " + d + "\n")
			out.WriteString("0.0.0.0 www." + d + "\n")
		}
		out.WriteString(hostsMarkerEnd)
		out.WriteString("\n")
	}

	tmpPath := fmt.Sprintf("%s.%d.tmp", h.path, os.Getpid())
	if err := os.WriteFile(tmpPath, []byte(out.String()), 0644); err != nil {
		return fmt.Errorf("failed to write hosts file: %w", err)
	}
	if err := os.Rename(tmpPath, h.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace hosts file: %w", err)
	}

	h.logger.Debug("hosts rules rewritten", zap.Int("deny", len(deny)))
	return nil
}

// Ensure HostsRuleEngine implements domain.RuleEngine.
var _ domain.RuleEngine = (*HostsRuleEngine)(nil)

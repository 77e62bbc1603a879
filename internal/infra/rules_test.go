package infra

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bzinkan/ClassPilot-sub001/internal/domain"
)

func TestMemoryRuleEngine_ReplaceByConcern(t *testing.T) {
	m := NewMemoryRuleEngine()
	ctx := context.Background()

	require.NoError(t, m.Apply(ctx, domain.RuleSet{Concern: domain.ConcernBlock, Deny: []string{"a.com", "b.com"}}))
	require.NoError(t, m.Apply(ctx, domain.RuleSet{Concern: domain.ConcernBlock, Deny: []string{"c.com"}}))

	// Second apply replaces the first wholesale: no residual rules.
	rs := m.RuleSet(domain.ConcernBlock)
	assert.Equal(t, []string{"c.com"}, rs.Deny)
	assert.Equal(t, []string{"block-1"}, m.RuleIDs())

	// Concerns are partitioned: lock rules never collide with block rules.
	require.NoError(t, m.Apply(ctx, domain.RuleSet{Concern: domain.ConcernLock, Allow: []string{"ixl.com"}}))
	assert.ElementsMatch(t, []string{"block-1", "lock-1"}, m.RuleIDs())

	require.NoError(t, m.Clear(ctx, domain.ConcernBlock))
	assert.Equal(t, []string{"lock-1"}, m.RuleIDs())
}

func TestHostsRuleEngine_WritesManagedBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts")
	require.NoError(t, os.WriteFile(path, []byte("127.0.0.1 localhost\n"), 0644))

	h := NewHostsRuleEngine(path, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, h.Apply(ctx, domain.RuleSet{Concern: domain.ConcernBlock, Deny: []string{"youtube.com"}}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)

	assert.Contains(t, content, "127.0.0.1 localhost", "preexisting entries survive")
	assert.Contains(t, content, hostsMarkerBegin)
	assert.Contains(t, content, "0.0.0.0 youtube.com")
	assert.Contains(t, content, "0.0.0.0 www.youtube.com")
	assert.Contains(t, content, hostsMarkerEnd)
}

func TestHostsRuleEngine_ReplaceAndClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts")
	require.NoError(t, os.WriteFile(path, []byte("127.0.0.1 localhost\n"), 0644))

	h := NewHostsRuleEngine(path, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, h.Apply(ctx, domain.RuleSet{Concern: domain.ConcernBlock, Deny: []string{"a.com"}}))
	require.NoError(t, h.Apply(ctx, domain.RuleSet{Concern: domain.ConcernBlock, Deny: []string{"b.com"}}))

	data, _ := os.ReadFile(path)
	assert.NotContains(t, string(data), "a.com", "replaced rules leave no residue")
	assert.Contains(t, string(data), "0.0.0.0 b.com")

	require.NoError(t, h.Clear(ctx, domain.ConcernBlock))
	data, _ = os.ReadFile(path)
	assert.NotContains(t, string(data), hostsMarkerBegin)
	assert.Contains(t, string(data), "127.0.0.1 localhost")
}

func TestHostsRuleEngine_UnionsDenyAcrossConcerns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts")
	h := NewHostsRuleEngine(path, zap.NewNop())
	ctx := context.Background()

	// Lock allow sets emit no sinkhole entries; deny sets do.
	require.NoError(t, h.Apply(ctx, domain.RuleSet{Concern: domain.ConcernLock, Allow: []string{"ixl.com"}}))
	require.NoError(t, h.Apply(ctx, domain.RuleSet{Concern: domain.ConcernBlock, Deny: []string{"youtube.com"}}))

	data, _ := os.ReadFile(path)
	content := string(data)
	assert.Contains(t, content, "0.0.0.0 youtube.com")
	assert.NotContains(t, content, "ixl.com")

	// Exactly one managed block.
	assert.Equal(t, 1, strings.Count(content, hostsMarkerBegin))
}

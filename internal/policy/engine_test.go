package policy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bzinkan/ClassPilot-sub001/internal/domain"
)

// mockRules records applied rule sets. The optional entered/release
// channels let a test hold an Apply in flight.
type mockRules struct {
	mu      sync.Mutex
	applied []domain.RuleSet
	cleared []domain.RuleConcern

	entered chan struct{}
	release chan struct{}
}

func (m *mockRules) Apply(ctx context.Context, rs domain.RuleSet) error {
	if m.entered != nil {
		m.entered <- struct{}{}
	}
	if m.release != nil {
		<-m.release
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied = append(m.applied, rs)
	return nil
}

func (m *mockRules) Clear(ctx context.Context, concern domain.RuleConcern) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleared = append(m.cleared, concern)
	return nil
}

func (m *mockRules) appliedSets() []domain.RuleSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.RuleSet(nil), m.applied...)
}

// mockPolicyStore is an in-memory domain.PolicyStore.
type mockPolicyStore struct {
	mu       sync.Mutex
	lock     domain.Lock
	global   []string
	tabLimit int
}

func (m *mockPolicyStore) SaveLock(lock domain.Lock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lock = lock
	return nil
}

func (m *mockPolicyStore) LoadLock() (domain.Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lock, nil
}

func (m *mockPolicyStore) ClearLock() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lock = domain.Lock{}
	return nil
}

func (m *mockPolicyStore) SaveGlobalBlockList(domains []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.global = append([]string(nil), domains...)
	return nil
}

func (m *mockPolicyStore) LoadGlobalBlockList() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.global...), nil
}

func (m *mockPolicyStore) SaveTabLimit(limit int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tabLimit = limit
	return nil
}

func (m *mockPolicyStore) LoadTabLimit() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tabLimit, nil
}

// mockTabs records tab control calls.
type mockTabs struct {
	mu        sync.Mutex
	tabs      []domain.Tab
	closed    []string
	navigated map[string]string
}

func (m *mockTabs) ActiveTab(ctx context.Context) (*domain.Tab, error) {
	if len(m.tabs) == 0 {
		return nil, nil
	}
	return &m.tabs[0], nil
}

func (m *mockTabs) ListTabs(ctx context.Context) ([]domain.Tab, error) {
	return m.tabs, nil
}

func (m *mockTabs) OpenTab(ctx context.Context, url string) error { return nil }

func (m *mockTabs) CloseTab(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = append(m.closed, id)
	return nil
}

func (m *mockTabs) NavigateTab(ctx context.Context, id, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.navigated == nil {
		m.navigated = make(map[string]string)
	}
	m.navigated[id] = url
	return nil
}

func (m *mockTabs) SendMessage(ctx context.Context, id string, payload []byte) error {
	return nil
}

type mockNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (m *mockNotifier) Notify(title, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.titles = append(m.titles, title)
}

type mockSink struct {
	mu     sync.Mutex
	events []string
}

func (m *mockSink) ReportEvent(eventType string, metadata map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, eventType)
}

func newTestEngine(rules domain.RuleEngine) (*Engine, *mockPolicyStore, *mockTabs, *mockNotifier, *mockSink) {
	store := &mockPolicyStore{}
	tabs := &mockTabs{}
	notifier := &mockNotifier{}
	sink := &mockSink{}
	e := NewEngine(rules, store, tabs, notifier, sink, zap.NewNop())
	return e, store, tabs, notifier, sink
}

func TestEngine_ApplyLockReplacesAndClosesTabs(t *testing.T) {
	rules := &mockRules{}
	e, store, tabs, _, _ := newTestEngine(rules)
	tabs.tabs = []domain.Tab{
		{ID: "t1", URL: "https://www.ixl.com/math"},
		{ID: "t2", URL: "https://www.youtube.com/watch"},
	}

	ctx := context.Background()
	err := e.ApplyLock(ctx, domain.Lock{Mode: domain.LockSingleDomain, URL: "https://ixl.com/math"})
	require.NoError(t, err)

	// Rules replaced with the lock's allowed set, lock persisted, and
	// the tab outside the allowed set closed.
	sets := rules.appliedSets()
	require.Len(t, sets, 1)
	assert.Equal(t, domain.ConcernLock, sets[0].Concern)
	assert.Equal(t, []string{"ixl.com"}, sets[0].Allow)
	assert.True(t, store.lock.Active())
	assert.Equal(t, []string{"t2"}, tabs.closed)

	// A second lock replaces the first wholesale.
	err = e.ApplyLock(ctx, domain.Lock{
		Mode: domain.LockAllowList, Name: "math",
		Domains: []string{"khanacademy.org", "desmos.com"},
	})
	require.NoError(t, err)

	sets = rules.appliedSets()
	require.Len(t, sets, 2)
	assert.Equal(t, []string{"khanacademy.org", "desmos.com"}, sets[1].Allow)
	assert.Equal(t, domain.LockAllowList, e.Lock().Mode)
}

func TestEngine_ApplyLockRejectsEmptyDomains(t *testing.T) {
	e, _, _, _, _ := newTestEngine(&mockRules{})
	err := e.ApplyLock(context.Background(), domain.Lock{Mode: domain.LockSingleDomain, URL: "chrome://settings"})
	assert.Error(t, err)
}

func TestEngine_RemoveLockClearsRules(t *testing.T) {
	rules := &mockRules{}
	e, store, _, _, _ := newTestEngine(rules)
	ctx := context.Background()

	require.NoError(t, e.ApplyLock(ctx, domain.Lock{Mode: domain.LockSingleDomain, URL: "https://ixl.com"}))
	e.RemoveLock(ctx)

	assert.Equal(t, []domain.RuleConcern{domain.ConcernLock}, rules.cleared)
	assert.False(t, store.lock.Active())
	assert.False(t, e.Lock().Active())
}

func TestEngine_RacingRuleUpdatesConvergeToLatest(t *testing.T) {
	rules := &mockRules{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	e, store, _, _, _ := newTestEngine(rules)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		e.SetGlobalBlockList(ctx, []string{"a.com"})
		close(done)
	}()

	// First update is now held inside Apply.
	<-rules.entered

	// Second update arrives mid-flight: it must queue and return.
	go e.SetGlobalBlockList(ctx, []string{"b.com"})

	// Give the second call time to queue, then let the first finish.
	time.Sleep(20 * time.Millisecond)
	rules.release <- struct{}{}

	// The drain loop applies the queued payload next.
	<-rules.entered
	rules.release <- struct{}{}
	<-done

	sets := rules.appliedSets()
	require.Len(t, sets, 2)
	assert.Equal(t, []string{"a.com"}, sets[0].Deny)
	assert.Equal(t, []string{"b.com"}, sets[1].Deny, "later update wins")

	assert.Equal(t, []string{"b.com"}, e.BlockedDomains())
	persisted, _ := store.LoadGlobalBlockList()
	assert.Equal(t, []string{"b.com"}, persisted)
}

func TestEngine_EvaluateOrdering(t *testing.T) {
	e, _, _, _, _ := newTestEngine(&mockRules{})
	ctx := context.Background()

	e.ApplyBlockList(ctx, []string{"youtube.com"}, domain.ScopeGlobal)
	e.ApplyBlockList(ctx, []string{"coolmath.com"}, domain.ScopeSession)
	require.NoError(t, e.ApplyLock(ctx, domain.Lock{
		Mode: domain.LockAllowList, Name: "reading",
		Domains: []string{"ixl.com"},
	}))

	// Block lists veto even under a lock that would otherwise not allow
	// the domain; the verdict names the responsible layer.
	assert.Equal(t, VerdictBlockedGlobal, e.Evaluate("https://www.youtube.com/watch").Verdict)
	assert.Equal(t, VerdictBlockedSession, e.Evaluate("https://coolmath.com/run3").Verdict)
	assert.Equal(t, VerdictLocked, e.Evaluate("https://docs.google.com").Verdict)
	assert.Equal(t, VerdictAllow, e.Evaluate("https://www.ixl.com/ela").Verdict)

	// Non-web URLs are outside enforcement.
	assert.Equal(t, VerdictAllow, e.Evaluate("chrome://settings").Verdict)

	// A temporary allow beats every blocking layer.
	e.TemporarilyAllow("youtube.com", time.Minute)
	assert.Equal(t, VerdictAllowTemporary, e.Evaluate("https://www.youtube.com/watch").Verdict)
}

func TestEngine_TemporaryAllowExpires(t *testing.T) {
	e, _, _, _, _ := newTestEngine(&mockRules{})
	ctx := context.Background()

	now := time.Date(2026, time.March, 3, 10, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	e.ApplyBlockList(ctx, []string{"youtube.com"}, domain.ScopeGlobal)
	e.TemporarilyAllow("https://youtube.com/some-video", 5*time.Minute)

	assert.True(t, e.Evaluate("https://youtube.com").Allowed())

	now = now.Add(5*time.Minute + time.Second)
	assert.Equal(t, VerdictBlockedGlobal, e.Evaluate("https://youtube.com").Verdict)
}

func TestEngine_HandleNavigationRedirectsLockedTab(t *testing.T) {
	e, _, tabs, notifier, sink := newTestEngine(&mockRules{})
	ctx := context.Background()

	require.NoError(t, e.ApplyLock(ctx, domain.Lock{Mode: domain.LockSingleDomain, URL: "https://ixl.com/math"}))

	decision := e.HandleNavigation(ctx, domain.Tab{ID: "t1", URL: "https://example.com"})
	assert.Equal(t, VerdictLocked, decision.Verdict)
	assert.Equal(t, "https://ixl.com/math", tabs.navigated["t1"])
	assert.Contains(t, notifier.titles, "Screen locked")
	assert.Contains(t, sink.events, "navigation_blocked")
}

func TestEngine_HandleNavigationClosesBlockedTab(t *testing.T) {
	e, _, tabs, notifier, _ := newTestEngine(&mockRules{})
	ctx := context.Background()

	e.ApplyBlockList(ctx, []string{"youtube.com"}, domain.ScopeGlobal)

	decision := e.HandleNavigation(ctx, domain.Tab{ID: "t9", URL: "https://youtube.com"})
	assert.False(t, decision.Allowed())
	assert.Equal(t, []string{"t9"}, tabs.closed)
	assert.Contains(t, notifier.titles, "Site blocked")
}

func TestEngine_RestoreRebuildsPersistedStateOnly(t *testing.T) {
	rules := &mockRules{}
	e, store, _, _, _ := newTestEngine(rules)
	ctx := context.Background()

	require.NoError(t, e.ApplyLock(ctx, domain.Lock{Mode: domain.LockSingleDomain, URL: "https://ixl.com"}))
	e.ApplyBlockList(ctx, []string{"youtube.com"}, domain.ScopeGlobal)
	e.ApplyBlockList(ctx, []string{"coolmath.com"}, domain.ScopeSession)

	// Simulated restart: a fresh engine over the same store.
	rules2 := &mockRules{}
	e2 := NewEngine(rules2, store, &mockTabs{}, &mockNotifier{}, &mockSink{}, zap.NewNop())
	require.NoError(t, e2.Restore(ctx))

	// Lock and global list survive; the session list does not.
	assert.True(t, e2.Lock().Active())
	assert.Equal(t, VerdictBlockedGlobal, e2.Evaluate("https://youtube.com").Verdict)
	assert.NotEqual(t, VerdictBlockedSession, e2.Evaluate("https://coolmath.com").Verdict)
	assert.Equal(t, []string{"youtube.com"}, e2.BlockedDomains())

	sets := rules2.appliedSets()
	require.Len(t, sets, 2)
	assert.Equal(t, domain.ConcernLock, sets[0].Concern)
	assert.Equal(t, domain.ConcernBlock, sets[1].Concern)
}

func TestEngine_TabLimitClosesNewestTab(t *testing.T) {
	e, store, tabs, notifier, _ := newTestEngine(&mockRules{})
	ctx := context.Background()

	e.SetTabLimit(2)
	assert.Equal(t, 2, store.tabLimit)

	e.OnTabCreated(ctx, domain.Tab{ID: "t3", URL: "https://c.com"}, 3)
	assert.Equal(t, []string{"t3"}, tabs.closed)
	assert.Contains(t, notifier.titles, "Tab limit")

	// At or under the limit nothing happens.
	e.OnTabCreated(ctx, domain.Tab{ID: "t2", URL: "https://b.com"}, 2)
	assert.Len(t, tabs.closed, 1)
}

func TestEngine_SingleDomainLockBlocksNewTabs(t *testing.T) {
	e, _, tabs, _, _ := newTestEngine(&mockRules{})
	ctx := context.Background()

	require.NoError(t, e.ApplyLock(ctx, domain.Lock{Mode: domain.LockSingleDomain, URL: "https://ixl.com"}))

	// Even a tab on the allowed domain is closed; the lock pins one tab.
	e.OnTabCreated(ctx, domain.Tab{ID: "new", URL: "https://ixl.com/other"}, 2)
	assert.Contains(t, tabs.closed, "new")
}

func TestEngine_Status(t *testing.T) {
	e, _, _, _, _ := newTestEngine(&mockRules{})
	ctx := context.Background()

	lockStatus, blockStatus := e.Status()
	assert.Equal(t, "unlocked", lockStatus)
	assert.Equal(t, "none", blockStatus)

	require.NoError(t, e.ApplyLock(ctx, domain.Lock{Mode: domain.LockSingleDomain, URL: "https://ixl.com"}))
	e.ApplyBlockList(ctx, []string{"a.com", "b.com"}, domain.ScopeGlobal)
	e.ApplyBlockList(ctx, []string{"c.com"}, domain.ScopeSession)

	lockStatus, blockStatus = e.Status()
	assert.Equal(t, "locked:ixl.com", lockStatus)
	assert.Equal(t, "blocking:3", blockStatus)
}

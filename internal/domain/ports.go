package domain

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned by ConfigStore.Get for missing keys.
var ErrKeyNotFound = errors.New("key not found")

// ConfigStore is the durable key/value store surviving process restarts.
// Every write is an atomic single-key set; the agent is single-process so
// no concurrent writers are expected.
// Implementation: SQLCipher-encrypted SQLite database.
type ConfigStore interface {
	// Get retrieves a value, or ErrKeyNotFound.
	Get(key string) (string, error)

	// Set stores a value atomically.
	Set(key, value string) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(key string) error

	// Close releases the underlying database connection.
	Close() error
}

// PolicyStore persists the enforcement state that must survive restarts:
// the active lock, the org-wide block list, and the tab limit. The
// session-scoped block list is deliberately NOT here - it dies with the
// teacher session.
type PolicyStore interface {
	SaveLock(lock Lock) error
	// LoadLock returns the persisted lock, or a zero Lock if none.
	LoadLock() (Lock, error)
	ClearLock() error

	SaveGlobalBlockList(domains []string) error
	LoadGlobalBlockList() ([]string, error)

	SaveTabLimit(limit int) error
	LoadTabLimit() (int, error)
}

// RuleConcern partitions network rules so lock rules and block-list rules
// never collide on rule IDs.
type RuleConcern string

const (
	ConcernLock  RuleConcern = "lock"
	ConcernBlock RuleConcern = "block"
)

// RuleSet is a declarative rule payload for one concern. Applying a set
// replaces every existing rule of that concern (last writer wins, no
// residual rules, no duplicate IDs).
type RuleSet struct {
	Concern RuleConcern
	// Allow restricts navigation to these domains when non-empty.
	Allow []string
	// Deny blocks these domains. Deny rules take priority over Allow.
	Deny []string
}

// Empty reports whether the set carries no rules at all.
func (rs RuleSet) Empty() bool { return len(rs.Allow) == 0 && len(rs.Deny) == 0 }

// RuleEngine is the host's declarative network-rule service.
// Implementations must treat Apply as replace-by-concern.
type RuleEngine interface {
	Apply(ctx context.Context, rs RuleSet) error
	Clear(ctx context.Context, concern RuleConcern) error
}

// TabService provides browser tab introspection and control.
// Implementation: DevTools debugging endpoint of the managed browser.
type TabService interface {
	// ActiveTab returns the focused tab of the last-focused window,
	// or nil if no HTTP(S) tab is open.
	ActiveTab(ctx context.Context) (*Tab, error)

	// ListTabs returns all open HTTP(S) tabs.
	ListTabs(ctx context.Context) ([]Tab, error)

	OpenTab(ctx context.Context, url string) error
	CloseTab(ctx context.Context, id string) error

	// NavigateTab points an existing tab at a new URL (used to revert or
	// redirect a vetoed navigation).
	NavigateTab(ctx context.Context, id, url string) error

	// SendMessage delivers an ephemeral UI payload (attention, timer,
	// poll, chat) into one tab. Best effort; failures are logged and
	// skipped by callers.
	SendMessage(ctx context.Context, id string, payload []byte) error
}

// IdleSource reports the host idle/lock signal.
type IdleSource interface {
	Idle(ctx context.Context) (bool, error)
}

// CameraSource reports whether a capture device is in use.
type CameraSource interface {
	InUse(ctx context.Context) (bool, error)
}

// Notifier displays a local notification to the student.
type Notifier interface {
	Notify(title, body string)
}

// EventSink receives fire-and-forget telemetry events. Implementations
// must never block primary control flow and never amplify retries.
type EventSink interface {
	ReportEvent(eventType string, metadata map[string]any)
}

// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import "time"

// TrackingState describes whether the agent is actively reporting.
type TrackingState string

const (
	TrackingActive TrackingState = "active"
	TrackingIdle   TrackingState = "idle"
	TrackingOff    TrackingState = "off"
)

// AgentIdentity is the device's persisted identity.
// DeviceID is generated once on first run and never shown to teachers;
// AccountEmail is the identity the server uses to resolve the organization.
type AgentIdentity struct {
	DeviceID     string `json:"deviceId"`
	AccountEmail string `json:"accountEmail"`
	AuthToken    string `json:"authToken"`
	Registered   bool   `json:"registered"`
}

// AfterHoursMode controls behavior outside scheduled hours.
type AfterHoursMode string

const (
	AfterHoursOff   AfterHoursMode = "off"   // stop tracking entirely
	AfterHoursTrack AfterHoursMode = "track" // keep tracking after hours
)

// SchedulePolicy is the server-provided school-hours configuration.
// Read-only from the agent's perspective; cached with a fetch timestamp.
type SchedulePolicy struct {
	EnforceHours   bool           `json:"enforceHours"`
	Start          string         `json:"start"` // "HH:MM" local to Timezone
	End            string         `json:"end"`
	Timezone       string         `json:"timezone"`
	ActiveDays     []time.Weekday `json:"activeDays"`
	AfterHoursMode AfterHoursMode `json:"afterHoursMode"`
}

// WithinHours reports whether the agent should track at the given instant.
// A policy that does not enforce hours is always within hours. Outside the
// configured window the after-hours mode decides: "track" keeps the agent on.
func (p SchedulePolicy) WithinHours(now time.Time) bool {
	if !p.EnforceHours {
		return true
	}
	if p.inWindow(now) {
		return true
	}
	return p.AfterHoursMode == AfterHoursTrack
}

// inWindow checks the raw schedule window without the after-hours override.
func (p SchedulePolicy) inWindow(now time.Time) bool {
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		loc = time.Local
	}
	local := now.In(loc)

	if len(p.ActiveDays) > 0 {
		dayOK := false
		for _, d := range p.ActiveDays {
			if local.Weekday() == d {
				dayOK = true
				break
			}
		}
		if !dayOK {
			return false
		}
	}

	start, err1 := parseClock(p.Start)
	end, err2 := parseClock(p.End)
	if err1 != nil || err2 != nil {
		// Malformed window: fail open so a bad server config never
		// silently disables tracking during school hours.
		return true
	}

	minutes := local.Hour()*60 + local.Minute()
	return minutes >= start && minutes < end
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// LockMode identifies the kind of navigation lock in effect.
type LockMode string

const (
	LockNone         LockMode = ""
	LockSingleDomain LockMode = "domain-only" // one URL, one domain, no new tabs
	LockAllowList    LockMode = "flight-path" // named multi-domain allow-list
)

// Lock restricts navigation to one domain or an explicit allow-list.
// At most one lock is active. Persisted so it survives process restarts.
type Lock struct {
	Mode    LockMode `json:"mode"`
	URL     string   `json:"url,omitempty"`     // single-domain target
	Domains []string `json:"domains,omitempty"` // allow-list entries
	Name    string   `json:"name,omitempty"`    // allow-list display name
}

// Active reports whether any lock is in effect.
func (l Lock) Active() bool { return l.Mode != LockNone }

// AllowedDomains returns the domain set the lock permits.
func (l Lock) AllowedDomains() []string {
	switch l.Mode {
	case LockSingleDomain:
		if d := Hostname(l.URL); d != "" {
			return []string{d}
		}
		return nil
	case LockAllowList:
		return l.Domains
	default:
		return nil
	}
}

// Allows reports whether the given host falls inside the lock's allowed set.
func (l Lock) Allows(host string) bool {
	for _, d := range l.AllowedDomains() {
		if MatchesDomain(host, d) {
			return true
		}
	}
	return false
}

// TemporaryAllow exempts one domain from block lists until ExpiresAt.
// Expired entries are pruned lazily on each navigation check.
type TemporaryAllow struct {
	Domain    string    `json:"domain"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// BlockScope distinguishes persisted org-wide lists from teacher-session lists.
type BlockScope string

const (
	ScopeGlobal  BlockScope = "global"  // persisted, survives restarts
	ScopeSession BlockScope = "session" // volatile, discarded on restart
)

// LicenseState is the server-side entitlement gating agent operation.
type LicenseState struct {
	Active     bool   `json:"active"`
	PlanStatus string `json:"planStatus"`
}

// Tab is a browser tab as seen through host introspection.
type Tab struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Title   string `json:"title"`
	Favicon string `json:"favicon,omitempty"`
}

// HeartbeatSnapshot is the per-send status report. Computed fresh for every
// heartbeat and never persisted.
type HeartbeatSnapshot struct {
	DeviceID       string        `json:"deviceId"`
	AccountEmail   string        `json:"accountEmail"`
	ActiveTab      *Tab          `json:"activeTab,omitempty"`
	AllTabs        []Tab         `json:"allTabs"`
	LockStatus     string        `json:"lockStatus"`
	BlockStatus    string        `json:"blockStatus"`
	CameraActive   bool          `json:"cameraActive"`
	TrackingStatus TrackingState `json:"trackingStatus"`
}

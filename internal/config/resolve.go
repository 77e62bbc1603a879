package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/bzinkan/ClassPilot-sub001/internal/domain"
)

// DefaultServerURL is the compiled-in fallback server.
const DefaultServerURL = "https://api.classpilot.app"

// Settings holds the resolved runtime configuration. Cadences follow one
// authoritative policy: a fixed, configurable heartbeat interval per
// tracking state rather than a schedule-derived one.
type Settings struct {
	ServerURL string
	DataDir   string

	HeartbeatActive  time.Duration // heartbeat cadence while ACTIVE
	HeartbeatIdle    time.Duration // heartbeat cadence while IDLE
	EventDebounce    time.Duration // per-tab navigation event debounce window
	LicenseInterval  time.Duration // entitlement poll
	ScheduleInterval time.Duration // settings/schedule refresh, bounded <=1h
	WakeInterval     time.Duration // re-evaluation timer while schedule-OFF
	RegisterRetry    time.Duration // fixed delay before one registration retry
	TabPollInterval  time.Duration // tab introspection poll

	ReconnectFloor   time.Duration // realtime reconnect backoff floor
	ReconnectCeiling time.Duration // realtime reconnect backoff ceiling

	DevToolsURL string // browser debugging endpoint
}

// Resolve builds Settings with viper precedence:
// explicit override (flag/env) > value stored from a previous run > default.
// Environment variables use the CLASSPILOT_ prefix (CLASSPILOT_SERVER_URL).
func Resolve(store domain.ConfigStore, overrides map[string]string) Settings {
	v := viper.New()
	v.SetEnvPrefix("classpilot")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server-url", DefaultServerURL)
	v.SetDefault("data-dir", defaultDataDir())
	v.SetDefault("heartbeat-active", 30*time.Second)
	v.SetDefault("heartbeat-idle", 2*time.Minute)
	v.SetDefault("event-debounce", 75*time.Millisecond)
	v.SetDefault("license-interval", 10*time.Minute)
	v.SetDefault("schedule-interval", 15*time.Minute)
	v.SetDefault("wake-interval", 5*time.Minute)
	v.SetDefault("register-retry", 30*time.Second)
	v.SetDefault("tab-poll-interval", 2*time.Second)
	v.SetDefault("reconnect-floor", time.Second)
	v.SetDefault("reconnect-ceiling", time.Minute)
	v.SetDefault("devtools-url", "http://127.0.0.1:9222")

	// Stored server URL sits between override and default.
	if store != nil {
		if stored, err := store.Get(KeyServerURL); err == nil && stored != "" {
			v.SetDefault("server-url", stored)
		}
	}

	for key, val := range overrides {
		if val != "" {
			v.Set(key, val)
		}
	}

	s := Settings{
		ServerURL:        strings.TrimSuffix(v.GetString("server-url"), "/"),
		DataDir:          v.GetString("data-dir"),
		HeartbeatActive:  v.GetDuration("heartbeat-active"),
		HeartbeatIdle:    v.GetDuration("heartbeat-idle"),
		EventDebounce:    v.GetDuration("event-debounce"),
		LicenseInterval:  v.GetDuration("license-interval"),
		ScheduleInterval: v.GetDuration("schedule-interval"),
		WakeInterval:     v.GetDuration("wake-interval"),
		RegisterRetry:    v.GetDuration("register-retry"),
		TabPollInterval:  v.GetDuration("tab-poll-interval"),
		ReconnectFloor:   v.GetDuration("reconnect-floor"),
		ReconnectCeiling: v.GetDuration("reconnect-ceiling"),
		DevToolsURL:      v.GetString("devtools-url"),
	}

	// Schedule refresh must never exceed an hour; stale school-hours
	// config would keep tracking on (or off) past a policy change.
	if s.ScheduleInterval > time.Hour {
		s.ScheduleInterval = time.Hour
	}
	return s
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/var/tmp/.classpilot"
	}
	return filepath.Join(home, ".classpilot")
}

// Package config implements the persistent config store and settings
// resolution. Everything the agent must remember across process restarts
// lives here: identity, auth token, lock state, cached policy.
package config

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	// Ensure sqlcipher driver is registered.
	_ "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/bzinkan/ClassPilot-sub001/internal/domain"
)

const storeDBName = "agent.db"

// Well-known store keys. The agent is the only writer; each Set is an
// atomic single-key upsert so an interrupted process never leaves a
// half-written record.
const (
	KeyDeviceID      = "device_id"
	KeyAccountEmail  = "account_email"
	KeyAuthToken     = "auth_token"
	KeyRegistered    = "registered"
	KeyServerURL     = "server_url"
	KeyLockState     = "lock_state"
	KeyGlobalBlock   = "global_block_list"
	KeyTabLimit      = "tab_limit"
	KeySchedule      = "schedule_policy"
	KeyScheduleFetch = "schedule_fetched_at"
)

// Store is the SQLCipher-backed persistent key/value store.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Open creates or opens the encrypted store in dataDir.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func Open(dataDir string, key []byte) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, storeDBName)
	keyHex := hex.EncodeToString(key)

	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}

	// Verify encryption works by running a query
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	s := &Store{db: db, dbPath: dbPath}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *Store) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Path returns the database file path (for status output and tests).
func (s *Store) Path() string { return s.dbPath }

// --- domain.ConfigStore implementation ---

// Get retrieves a value, or domain.ErrKeyNotFound.
func (s *Store) Get(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", domain.ErrKeyNotFound
	}
	return value, err
}

// Set stores a value atomically via single-statement upsert.
func (s *Store) Set(key, value string) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO kv (key, value, updated_at) VALUES (?, ?, ?)`,
		key, value, time.Now().Unix())
	return err
}

// Delete removes a key. Missing keys are not an error.
func (s *Store) Delete(key string) error {
	_, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	return err
}

// Close releases the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// --- identity accessors ---

// LoadIdentity reconstructs the persisted agent identity. Missing keys
// yield zero values so a fresh install starts from a blank identity.
func (s *Store) LoadIdentity() domain.AgentIdentity {
	id := domain.AgentIdentity{}
	id.DeviceID, _ = s.getOrEmpty(KeyDeviceID)
	id.AccountEmail, _ = s.getOrEmpty(KeyAccountEmail)
	id.AuthToken, _ = s.getOrEmpty(KeyAuthToken)
	reg, _ := s.getOrEmpty(KeyRegistered)
	id.Registered = reg == "true"
	return id
}

// SaveIdentity persists every identity field.
func (s *Store) SaveIdentity(id domain.AgentIdentity) error {
	if err := s.Set(KeyDeviceID, id.DeviceID); err != nil {
		return err
	}
	if err := s.Set(KeyAccountEmail, id.AccountEmail); err != nil {
		return err
	}
	if err := s.Set(KeyAuthToken, id.AuthToken); err != nil {
		return err
	}
	return s.Set(KeyRegistered, strconv.FormatBool(id.Registered))
}

// ClearAuth drops the token and registered flag after an auth failure,
// forcing re-registration on the next cycle.
func (s *Store) ClearAuth() error {
	if err := s.Delete(KeyAuthToken); err != nil {
		return err
	}
	return s.Set(KeyRegistered, "false")
}

func (s *Store) getOrEmpty(key string) (string, error) {
	v, err := s.Get(key)
	if err == domain.ErrKeyNotFound {
		return "", nil
	}
	return v, err
}

// --- domain.PolicyStore implementation ---

// SaveLock persists the active lock as JSON.
func (s *Store) SaveLock(lock domain.Lock) error {
	data, err := json.Marshal(lock)
	if err != nil {
		return err
	}
	return s.Set(KeyLockState, string(data))
}

// LoadLock returns the persisted lock, or a zero Lock if none.
func (s *Store) LoadLock() (domain.Lock, error) {
	raw, err := s.Get(KeyLockState)
	if err == domain.ErrKeyNotFound {
		return domain.Lock{}, nil
	}
	if err != nil {
		return domain.Lock{}, err
	}
	var lock domain.Lock
	if err := json.Unmarshal([]byte(raw), &lock); err != nil {
		return domain.Lock{}, err
	}
	return lock, nil
}

// ClearLock removes the persisted lock record.
func (s *Store) ClearLock() error {
	return s.Delete(KeyLockState)
}

// SaveGlobalBlockList persists the org-wide block list.
func (s *Store) SaveGlobalBlockList(domains []string) error {
	data, err := json.Marshal(domains)
	if err != nil {
		return err
	}
	return s.Set(KeyGlobalBlock, string(data))
}

// LoadGlobalBlockList returns the org-wide block list, empty if unset.
func (s *Store) LoadGlobalBlockList() ([]string, error) {
	raw, err := s.Get(KeyGlobalBlock)
	if err == domain.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var domains []string
	if err := json.Unmarshal([]byte(raw), &domains); err != nil {
		return nil, err
	}
	return domains, nil
}

// SaveTabLimit persists the tab limit (0 clears it).
func (s *Store) SaveTabLimit(limit int) error {
	return s.Set(KeyTabLimit, strconv.Itoa(limit))
}

// LoadTabLimit returns the persisted tab limit, 0 if unset.
func (s *Store) LoadTabLimit() (int, error) {
	raw, err := s.Get(KeyTabLimit)
	if err == domain.ErrKeyNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(raw)
}

// --- schedule cache ---

// SaveSchedule caches the fetched schedule with a timestamp so the agent
// can evaluate school hours immediately after a restart, before the next
// settings fetch succeeds.
func (s *Store) SaveSchedule(policy domain.SchedulePolicy) error {
	data, err := json.Marshal(policy)
	if err != nil {
		return err
	}
	if err := s.Set(KeySchedule, string(data)); err != nil {
		return err
	}
	return s.Set(KeyScheduleFetch, strconv.FormatInt(time.Now().Unix(), 10))
}

// LoadSchedule returns the cached schedule and its fetch time.
// A zero time means nothing is cached yet.
func (s *Store) LoadSchedule() (domain.SchedulePolicy, time.Time, error) {
	raw, err := s.Get(KeySchedule)
	if err == domain.ErrKeyNotFound {
		return domain.SchedulePolicy{}, time.Time{}, nil
	}
	if err != nil {
		return domain.SchedulePolicy{}, time.Time{}, err
	}
	var policy domain.SchedulePolicy
	if err := json.Unmarshal([]byte(raw), &policy); err != nil {
		return domain.SchedulePolicy{}, time.Time{}, err
	}

	var fetched time.Time
	if ts, err := s.Get(KeyScheduleFetch); err == nil {
		if unix, err := strconv.ParseInt(ts, 10, 64); err == nil {
			fetched = time.Unix(unix, 0)
		}
	}
	return policy, fetched, nil
}

// Ensure Store implements the persistence ports.
var _ domain.ConfigStore = (*Store)(nil)
var _ domain.PolicyStore = (*Store)(nil)

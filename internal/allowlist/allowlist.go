// Package allowlist persists the set of trusted external schema sources.
//
// Trust comes in two levels: PERMANENT entries survive across invocations
// in a JSON file under the user's home directory, while SESSION entries
// live only for the current process (typically granted through an
// interactive prompt). Only permanent entries are ever written to disk.
package allowlist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/alexanderparker/its-compiler-go/internal/config"
	"github.com/alexanderparker/its-compiler-go/internal/errors"
)

// TrustLevel classifies how long a trust decision lasts.
type TrustLevel string

const (
	TrustSession   TrustLevel = "session"
	TrustPermanent TrustLevel = "permanent"
)

// Entry is one trusted schema source.
type Entry struct {
	URL        string     `json:"url"`
	TrustLevel TrustLevel `json:"trust_level"`
	Reason     string     `json:"reason,omitempty"`
	AddedAt    time.Time  `json:"added_at"`
	UseCount   int        `json:"use_count"`
	LastUsed   time.Time  `json:"last_used,omitempty"`
}

// UsageStat is one row of the most-used report.
type UsageStat struct {
	URL      string `json:"url"`
	UseCount int    `json:"use_count"`
}

// Stats summarizes the store for the status command.
type Stats struct {
	TotalEntries     int
	PermanentEntries int
	SessionEntries   int
	TotalUses        int
	Path             string
	MostUsed         []UsageStat
}

// Rows returns the scalar metrics as ordered key/value pairs. Keys are
// snake_case; the presentation layer title-cases them.
func (s Stats) Rows() [][]string {
	return [][]string{
		{"total_entries", strconv.Itoa(s.TotalEntries)},
		{"permanent_entries", strconv.Itoa(s.PermanentEntries)},
		{"session_entries", strconv.Itoa(s.SessionEntries)},
		{"total_uses", strconv.Itoa(s.TotalUses)},
		{"allowlist_path", s.Path},
	}
}

// fileFormat is the on-disk shape of the allowlist.
type fileFormat struct {
	Version string           `json:"version"`
	Entries map[string]Entry `json:"entries"`
}

const fileVersion = "1.0"

// Manager owns the allowlist for one invocation. Safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	path    string
	entries map[string]*Entry
	now     func() time.Time
}

// NewManager loads the allowlist named by the policy. A missing file
// yields an empty store; a corrupt file is an error so trust decisions
// never run against silently dropped state.
func NewManager(policy config.SecurityPolicy) (*Manager, error) {
	m := &Manager{
		path:    policy.Allowlist.Path,
		entries: make(map[string]*Entry),
		now:     time.Now,
	}

	if err := m.load(); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.NewAllowlistError(errors.ErrCodeAllowlistOp, "cannot read allowlist", err)
	}

	var file fileFormat
	if err := json.Unmarshal(data, &file); err != nil {
		return errors.NewAllowlistError(errors.ErrCodeAllowlistOp,
			fmt.Sprintf("allowlist file is corrupt: %s", m.path), err)
	}

	for url, entry := range file.Entries {
		e := entry
		e.URL = url
		e.TrustLevel = TrustPermanent
		m.entries[url] = &e
	}

	return nil
}

// Path returns the backing file location.
func (m *Manager) Path() string {
	return m.path
}

// IsTrusted reports whether url holds any trust level.
func (m *Manager) IsTrusted(url string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.entries[url]
	return ok
}

// Lookup returns a copy of the entry for url, if one exists.
func (m *Manager) Lookup(url string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[url]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// RecordUse bumps the usage counters for url and persists the change when
// the entry is permanent. Unknown URLs are ignored.
func (m *Manager) RecordUse(url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[url]
	if !ok {
		return nil
	}

	entry.UseCount++
	entry.LastUsed = m.now()

	if entry.TrustLevel == TrustPermanent {
		return m.save()
	}
	return nil
}

// AddTrusted records a trust decision. Permanent additions are persisted
// immediately; session additions vanish with the process.
func (m *Manager) AddTrusted(url string, level TrustLevel, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[url] = &Entry{
		URL:        url,
		TrustLevel: level,
		Reason:     reason,
		AddedAt:    m.now(),
	}

	if level == TrustPermanent {
		return m.save()
	}
	return nil
}

// Remove deletes url from the store, reporting whether it was present.
func (m *Manager) Remove(url string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[url]
	if !ok {
		return false, nil
	}

	delete(m.entries, url)

	if entry.TrustLevel == TrustPermanent {
		if err := m.save(); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Stats returns the store summary, including the five most used sources.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		TotalEntries: len(m.entries),
		Path:         m.path,
	}

	used := make([]UsageStat, 0, len(m.entries))
	for url, entry := range m.entries {
		if entry.TrustLevel == TrustPermanent {
			stats.PermanentEntries++
		} else {
			stats.SessionEntries++
		}
		stats.TotalUses += entry.UseCount
		if entry.UseCount > 0 {
			used = append(used, UsageStat{URL: url, UseCount: entry.UseCount})
		}
	}

	sort.Slice(used, func(i, j int) bool {
		if used[i].UseCount != used[j].UseCount {
			return used[i].UseCount > used[j].UseCount
		}
		return used[i].URL < used[j].URL
	})

	if len(used) > 5 {
		used = used[:5]
	}
	stats.MostUsed = used

	return stats
}

// Export writes the permanent entries to path in the allowlist file
// format.
func (m *Manager) Export(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := m.marshal()
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.NewAllowlistError(errors.ErrCodeAllowlistOp, "cannot create export directory", err)
		}
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.NewAllowlistError(errors.ErrCodeAllowlistOp, "cannot export allowlist", err)
	}
	return nil
}

// Import reads entries from path. With merge, existing entries win on
// conflict and only new URLs count; without it, the store is replaced.
// The imported state is persisted before returning.
func (m *Manager) Import(path string, merge bool) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.NewAllowlistError(errors.ErrCodeAllowlistOp, "cannot read import file", err)
	}

	var file fileFormat
	if err := json.Unmarshal(data, &file); err != nil {
		return 0, errors.NewAllowlistError(errors.ErrCodeAllowlistOp,
			fmt.Sprintf("import file is not a valid allowlist: %s", path), err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !merge {
		m.entries = make(map[string]*Entry)
	}

	imported := 0
	for url, entry := range file.Entries {
		if _, exists := m.entries[url]; merge && exists {
			continue
		}
		e := entry
		e.URL = url
		e.TrustLevel = TrustPermanent
		m.entries[url] = &e
		imported++
	}

	if err := m.save(); err != nil {
		return imported, err
	}
	return imported, nil
}

// Cleanup removes entries whose last activity is older than the given
// number of days and persists the result. It returns the removal count.
func (m *Manager) Cleanup(olderThanDays int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().AddDate(0, 0, -olderThanDays)

	removed := 0
	for url, entry := range m.entries {
		lastActivity := entry.AddedAt
		if entry.LastUsed.After(lastActivity) {
			lastActivity = entry.LastUsed
		}
		if lastActivity.Before(cutoff) {
			delete(m.entries, url)
			removed++
		}
	}

	if removed > 0 {
		if err := m.save(); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// save persists permanent entries with a temp-then-rename write so a
// crash cannot corrupt the store. Callers must hold m.mu.
func (m *Manager) save() error {
	data, err := m.marshal()
	if err != nil {
		return err
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.NewAllowlistError(errors.ErrCodeAllowlistOp, "cannot create allowlist directory", err)
	}

	tmp, err := os.CreateTemp(dir, ".allowlist-*.json")
	if err != nil {
		return errors.NewAllowlistError(errors.ErrCodeAllowlistOp, "cannot write allowlist", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.NewAllowlistError(errors.ErrCodeAllowlistOp, "cannot write allowlist", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.NewAllowlistError(errors.ErrCodeAllowlistOp, "cannot write allowlist", err)
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return errors.NewAllowlistError(errors.ErrCodeAllowlistOp, "cannot write allowlist", err)
	}
	return nil
}

func (m *Manager) marshal() ([]byte, error) {
	file := fileFormat{
		Version: fileVersion,
		Entries: make(map[string]Entry),
	}

	for url, entry := range m.entries {
		if entry.TrustLevel != TrustPermanent {
			continue
		}
		file.Entries[url] = *entry
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return nil, errors.NewAllowlistError(errors.ErrCodeAllowlistOp, "cannot encode allowlist", err)
	}
	return data, nil
}

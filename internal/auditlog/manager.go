package auditlog

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const maxStoreIDLen = 120

// SanitizeStoreID maps a project id onto the safe store filename
// alphabet [a-z0-9._-]. Runs of other characters collapse to a single
// dash. Ids that sanitize to nothing, or exceed the length cap, are
// rejected with ErrInvalidStoreID.
func SanitizeStoreID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty id", ErrInvalidStoreID)
	}
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(trimmed) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
			lastDash = r == '-'
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	safe := strings.Trim(b.String(), "-.")
	if safe == "" {
		return "", fmt.Errorf("%w: %q has no usable characters", ErrInvalidStoreID, raw)
	}
	if len(safe) > maxStoreIDLen {
		return "", fmt.Errorf("%w: %q exceeds %d characters", ErrInvalidStoreID, raw, maxStoreIDLen)
	}
	return safe, nil
}

// Manager hands out one Store per project, keyed by sanitized id, and
// keeps opened stores cached for the process lifetime. There is no
// cross-project table anywhere: listing works by scanning the directory
// and asking each store for its own identity.
type Manager struct {
	Dir string
	Now func() time.Time

	mu     sync.Mutex
	stores map[string]*Store
}

func NewManager(dir string) *Manager {
	return &Manager{Dir: dir, stores: make(map[string]*Store)}
}

// Store returns the project's store, opening it on first use.
func (m *Manager) Store(projectID string) (*Store, error) {
	safe, err := SanitizeStoreID(projectID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openLocked(safe, projectID)
}

func (m *Manager) openLocked(safe, projectID string) (*Store, error) {
	if s, ok := m.stores[safe]; ok {
		return s, nil
	}
	s, err := Open(filepath.Join(m.Dir, safe+".db"), projectID)
	if err != nil {
		return nil, err
	}
	if m.Now != nil {
		s.Now = m.Now
	}
	m.stores[safe] = s
	return s, nil
}

// Exists reports whether a store file already exists for the project,
// without creating one.
func (m *Manager) Exists(projectID string) (bool, error) {
	safe, err := SanitizeStoreID(projectID)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	if _, ok := m.stores[safe]; ok {
		m.mu.Unlock()
		return true, nil
	}
	m.mu.Unlock()
	matches, err := filepath.Glob(filepath.Join(m.Dir, safe+".db"))
	if err != nil {
		return false, err
	}
	return len(matches) > 0, nil
}

// List returns the original project ids of every store under the
// directory, sorted. Each store records its own id in metadata; files
// predating that record fall back to their sanitized name.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(m.Dir, "*.db"))
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, path := range matches {
		safe := strings.TrimSuffix(filepath.Base(path), ".db")
		s, err := m.openLocked(safe, safe)
		if err != nil {
			return nil, fmt.Errorf("open store %s: %w", path, err)
		}
		id, err := s.GetMetadataString(ctx, MetaProjectID)
		if errors.Is(err, ErrNotFound) {
			id = safe
		} else if err != nil {
			return nil, err
		}
		if s.ProjectID == safe && id != safe {
			s.ProjectID = id
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Close closes every opened store.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for safe, s := range m.stores {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.stores, safe)
	}
	return firstErr
}

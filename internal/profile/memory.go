package profile

import (
	"context"
	"sort"
	"sync"

	"github.com/crumbgate/crumbgate/errs"
	"github.com/crumbgate/crumbgate/internal/schema"
)

// MemoryStore is the in-process Store used in tests and when no Postgres DSN
// is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]map[string]Snapshot
	meta     map[string]Metadata
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[string]map[string]Snapshot),
		meta:     make(map[string]Metadata),
	}
}

func (m *MemoryStore) SaveProfile(_ context.Context, snapshot Snapshot) error {
	if snapshot.Domain == "" || snapshot.Name == "" {
		return errs.New("profile", errs.CodeInvalid,
			errs.WithMessage("profile domain and name are required"))
	}
	key := schema.NormalizeDomain(snapshot.Domain)
	m.mu.Lock()
	defer m.mu.Unlock()
	byName := m.profiles[key]
	if byName == nil {
		byName = make(map[string]Snapshot)
		m.profiles[key] = byName
	}
	byName[snapshot.Name] = snapshot.Clone()
	return nil
}

func (m *MemoryStore) GetProfile(_ context.Context, domain, name string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.profiles[schema.NormalizeDomain(domain)][name]
	if !ok {
		return Snapshot{}, errs.New("profile", errs.CodeNotFound,
			errs.WithMessage("profile not found"),
			errs.WithField("domain", domain),
			errs.WithField("name", name))
	}
	return snap.Clone(), nil
}

func (m *MemoryStore) ListProfiles(_ context.Context, domain string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byName := m.profiles[schema.NormalizeDomain(domain)]
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryStore) RenameProfile(_ context.Context, domain, oldName, newName string) error {
	if newName == "" {
		return errs.New("profile", errs.CodeInvalid, errs.WithMessage("new profile name is required"))
	}
	key := schema.NormalizeDomain(domain)
	m.mu.Lock()
	defer m.mu.Unlock()
	byName := m.profiles[key]
	snap, ok := byName[oldName]
	if !ok {
		return errs.New("profile", errs.CodeNotFound,
			errs.WithMessage("profile not found"),
			errs.WithField("domain", domain),
			errs.WithField("name", oldName))
	}
	if _, exists := byName[newName]; exists {
		return errs.New("profile", errs.CodeConflict,
			errs.WithMessage("profile name already in use"),
			errs.WithField("name", newName))
	}
	snap.Name = newName
	byName[newName] = snap
	delete(byName, oldName)
	if meta, ok := m.meta[key]; ok && meta.LastLoadedName == oldName {
		meta.LastLoadedName = newName
		m.meta[key] = meta
	}
	return nil
}

func (m *MemoryStore) DeleteProfile(_ context.Context, domain, name string) error {
	key := schema.NormalizeDomain(domain)
	m.mu.Lock()
	defer m.mu.Unlock()
	byName := m.profiles[key]
	if _, ok := byName[name]; !ok {
		return errs.New("profile", errs.CodeNotFound,
			errs.WithMessage("profile not found"),
			errs.WithField("domain", domain),
			errs.WithField("name", name))
	}
	delete(byName, name)
	if meta, ok := m.meta[key]; ok && meta.LastLoadedName == name {
		m.meta[key] = Metadata{}
	}
	return nil
}

func (m *MemoryStore) GetMetadata(_ context.Context, domain string) (Metadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.meta[schema.NormalizeDomain(domain)], nil
}

func (m *MemoryStore) SetMetadata(_ context.Context, domain string, meta Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta[schema.NormalizeDomain(domain)] = meta
	return nil
}

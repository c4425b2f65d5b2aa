// Package memstore provides an in-memory implementation of dispatch.Store.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/courier/internal/dispatch"
)

// Store holds all records in memory. Suitable for dev/testing. A single
// mutex covers every record kind, so the grouped writes the Store contract
// requires (fan-out, per-dispatch transition) are trivially atomic.
type Store struct {
	mu         sync.RWMutex
	incidents  map[string]*dispatch.Incident
	dispatches map[string]*dispatch.Dispatch
	identities map[string]*dispatch.Identity
	groups     map[string]*dispatch.Group
	settings   map[string]string
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		incidents:  make(map[string]*dispatch.Incident),
		dispatches: make(map[string]*dispatch.Dispatch),
		identities: make(map[string]*dispatch.Identity),
		groups:     make(map[string]*dispatch.Group),
		settings:   make(map[string]string),
	}
}

// CreateIncident stores a copy of the incident.
func (s *Store) CreateIncident(_ context.Context, in *dispatch.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *in
	s.incidents[in.ID] = &cp
	return nil
}

// GetIncident retrieves an incident by ID. Returns a copy.
func (s *Store) GetIncident(_ context.Context, id string) (*dispatch.Incident, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.incidents[id]
	if !ok {
		return nil, false, nil
	}
	cp := *in
	return &cp, true, nil
}

// PutIncident replaces a stored incident.
func (s *Store) PutIncident(_ context.Context, in *dispatch.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *in
	s.incidents[in.ID] = &cp
	return nil
}

// ListIncidents returns one page of matching incidents, newest first.
func (s *Store) ListIncidents(_ context.Context, f dispatch.IncidentFilter, p dispatch.Page) ([]dispatch.Incident, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []dispatch.Incident
	for _, in := range s.incidents {
		if f.Matches(in) {
			all = append(all, *in)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})
	return pageOf(all, p), len(all), nil
}

// GetDispatch retrieves a dispatch by ID. Returns a copy.
func (s *Store) GetDispatch(_ context.Context, id string) (*dispatch.Dispatch, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.dispatches[id]
	if !ok {
		return nil, false, nil
	}
	cp := *d
	return &cp, true, nil
}

// ListDispatches returns one page of matching dispatches, newest first.
func (s *Store) ListDispatches(_ context.Context, f dispatch.DispatchFilter, p dispatch.Page) ([]dispatch.Dispatch, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []dispatch.Dispatch
	for _, d := range s.dispatches {
		if f.Matches(d) {
			all = append(all, *d)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].SentAt.Equal(all[j].SentAt) {
			return all[i].SentAt.After(all[j].SentAt)
		}
		return all[i].ID > all[j].ID
	})
	return pageOf(all, p), len(all), nil
}

// CountOutstanding counts the incident's dispatches still in unread or read.
func (s *Store) CountOutstanding(_ context.Context, incidentID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, d := range s.dispatches {
		if d.IncidentID == incidentID && d.Outstanding() {
			n++
		}
	}
	return n, nil
}

// CreateFanout stores the dispatch set and the updated incident under one
// lock acquisition.
func (s *Store) CreateFanout(_ context.Context, in *dispatch.Incident, ds []*dispatch.Dispatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range ds {
		cp := *d
		s.dispatches[d.ID] = &cp
	}
	cp := *in
	s.incidents[in.ID] = &cp
	return nil
}

// UpdateDispatch replaces a dispatch and, when in is non-nil, its incident
// under one lock acquisition.
func (s *Store) UpdateDispatch(_ context.Context, d *dispatch.Dispatch, in *dispatch.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *d
	s.dispatches[d.ID] = &cp
	if in != nil {
		icp := *in
		s.incidents[in.ID] = &icp
	}
	return nil
}

// MarkTimedOut moves unread dispatches sent before cutoff to timeout.
func (s *Store) MarkTimedOut(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, d := range s.dispatches {
		if d.Status == dispatch.StatusUnread && d.SentAt.Before(cutoff) {
			d.Status = dispatch.StatusTimeout
			n++
		}
	}
	return n, nil
}

// GetIdentity retrieves an identity by ID. Returns a copy.
func (s *Store) GetIdentity(_ context.Context, id string) (*dispatch.Identity, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ident, ok := s.identities[id]
	if !ok {
		return nil, false, nil
	}
	cp := *ident
	return &cp, true, nil
}

// FindRecipients resolves ids to recipient-role identities; unresolved ids
// are omitted.
func (s *Store) FindRecipients(_ context.Context, ids []string) ([]dispatch.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]dispatch.Identity, 0, len(ids))
	for _, id := range ids {
		if ident, ok := s.identities[id]; ok && ident.Role == dispatch.RoleRecipient {
			out = append(out, *ident)
		}
	}
	return out, nil
}

// ListGroups returns all groups ordered by name.
func (s *Store) ListGroups(_ context.Context) ([]dispatch.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]dispatch.Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// GetSetting looks up a configuration value.
func (s *Store) GetSetting(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.settings[key]
	return v, ok, nil
}

// PutSetting creates or replaces a configuration value.
func (s *Store) PutSetting(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

// SeedIdentity loads reference data; for dev/test wiring only.
func (s *Store) SeedIdentity(ident *dispatch.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ident
	s.identities[ident.ID] = &cp
}

// SeedGroup loads reference data; for dev/test wiring only.
func (s *Store) SeedGroup(g *dispatch.Group) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *g
	s.groups[g.ID] = &cp
}

func pageOf[T any](all []T, p dispatch.Page) []T {
	off := p.Offset()
	if off >= len(all) {
		return nil
	}
	end := off + pageSize(p)
	if end > len(all) {
		end = len(all)
	}
	return all[off:end]
}

func pageSize(p dispatch.Page) int {
	if p.Size < 1 {
		return dispatch.DefaultPageSize
	}
	if p.Size > dispatch.MaxPageSize {
		return dispatch.MaxPageSize
	}
	return p.Size
}

package dispatch

import (
	"context"
	"time"
)

// DispatchFilter narrows dispatch listings. Zero-valued fields match
// everything; Statuses is an OR over the listed states.
type DispatchFilter struct {
	IncidentID  string
	SenderID    string
	RecipientID string
	Statuses    []Status
}

// Matches reports whether the dispatch satisfies the filter. Exposed for
// Store implementations that filter in memory.
func (f DispatchFilter) Matches(d *Dispatch) bool {
	if f.IncidentID != "" && d.IncidentID != f.IncidentID {
		return false
	}
	if f.SenderID != "" && d.SenderID != f.SenderID {
		return false
	}
	if f.RecipientID != "" && d.RecipientID != f.RecipientID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, st := range f.Statuses {
		if d.Status == st {
			return true
		}
	}
	return false
}

// IncidentFilter narrows incident listings.
type IncidentFilter struct {
	Statuses []IncidentStatus
}

// Matches reports whether the incident satisfies the filter.
func (f IncidentFilter) Matches(in *Incident) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, st := range f.Statuses {
		if in.Status == st {
			return true
		}
	}
	return false
}

// Store is the persistence interface for incidents, dispatches, and the
// read-only reference data around them. Implementations must apply
// CreateFanout and UpdateDispatch as single atomic units, and must return
// listings newest-first (incidents by creation time, dispatches by sent time).
type Store interface {
	// CreateIncident persists a new incident.
	CreateIncident(ctx context.Context, in *Incident) error

	// GetIncident retrieves an incident by ID.
	GetIncident(ctx context.Context, id string) (*Incident, bool, error)

	// PutIncident updates an existing incident.
	PutIncident(ctx context.Context, in *Incident) error

	// ListIncidents returns one page of incidents plus the total match count.
	ListIncidents(ctx context.Context, f IncidentFilter, p Page) ([]Incident, int, error)

	// GetDispatch retrieves a dispatch by ID.
	GetDispatch(ctx context.Context, id string) (*Dispatch, bool, error)

	// ListDispatches returns one page of dispatches plus the total match count.
	ListDispatches(ctx context.Context, f DispatchFilter, p Page) ([]Dispatch, int, error)

	// CountOutstanding counts the incident's dispatches still in unread or read.
	CountOutstanding(ctx context.Context, incidentID string) (int, error)

	// CreateFanout inserts the dispatch set and updates the incident as one
	// atomic unit. A failure must leave neither partial dispatches nor a
	// status flip without them.
	CreateFanout(ctx context.Context, in *Incident, ds []*Dispatch) error

	// UpdateDispatch persists a dispatch transition and, when in is non-nil,
	// the incident effect of that transition, as one atomic unit.
	UpdateDispatch(ctx context.Context, d *Dispatch, in *Incident) error

	// MarkTimedOut bulk-moves unread dispatches sent before cutoff to the
	// timeout state and returns the number affected.
	MarkTimedOut(ctx context.Context, cutoff time.Time) (int64, error)

	// GetIdentity retrieves a sender or recipient identity by ID.
	GetIdentity(ctx context.Context, id string) (*Identity, bool, error)

	// FindRecipients resolves the given IDs to recipient-role identities.
	// IDs that do not resolve are simply absent from the result.
	FindRecipients(ctx context.Context, ids []string) ([]Identity, error)

	// ListGroups returns all recipient groups, ordered by name.
	ListGroups(ctx context.Context) ([]Group, error)

	// GetSetting looks up a named configuration value.
	GetSetting(ctx context.Context, key string) (string, bool, error)

	// PutSetting creates or replaces a named configuration value.
	PutSetting(ctx context.Context, key, value string) error
}

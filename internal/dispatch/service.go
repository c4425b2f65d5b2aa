package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
)

// SettingTimeoutHours names the configuration entry holding the unread
// timeout threshold, in hours.
const SettingTimeoutHours = "dispatch_timeout_hours"

// DefaultTimeoutHours applies when the setting is absent.
const DefaultTimeoutHours = 24

// Service is the business boundary for dispatch operations. It owns fan-out,
// the per-dispatch state machine, and incident status aggregation; nothing
// else writes Incident.Status after creation.
type Service struct {
	store    Store
	logger   log.Logger
	metrics  *Metrics
	notifier Notifier
}

// NewService creates a new dispatch service. metrics and notifier may be nil.
func NewService(store Store, logger log.Logger, metrics *Metrics, notifier Notifier) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		store:    store,
		logger:   logger,
		metrics:  metrics,
		notifier: notifier,
	}
}

// NewIncidentParams carries the intake fields for a reported incident.
type NewIncidentParams struct {
	OccurredAt     time.Time
	Category       string
	EvidenceURL    string
	SubjectName    string
	SubjectPhone   string
	SecondaryName  string
	SecondaryPhone string
}

// CreateIncident records a newly reported incident in the pending state.
func (s *Service) CreateIncident(ctx context.Context, p NewIncidentParams) (*Incident, error) {
	if p.OccurredAt.IsZero() {
		return nil, invalid("occurred_at is required")
	}
	if p.Category == "" {
		return nil, invalid("category is required")
	}
	if p.SubjectName == "" || p.SubjectPhone == "" {
		return nil, invalid("subject name and phone are required")
	}

	now := time.Now()
	in := &Incident{
		ID:             ulid.Make().String(),
		OccurredAt:     p.OccurredAt,
		Category:       p.Category,
		EvidenceURL:    p.EvidenceURL,
		SubjectName:    p.SubjectName,
		SubjectPhone:   p.SubjectPhone,
		SecondaryName:  p.SecondaryName,
		SecondaryPhone: p.SecondaryPhone,
		Status:         IncidentPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateIncident(ctx, in); err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "incident created", "incident_id", in.ID, "category", in.Category)
	return in, nil
}

// IncidentByID retrieves a single incident.
func (s *Service) IncidentByID(ctx context.Context, id string) (*Incident, error) {
	in, ok, err := s.store.GetIncident(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound("incident", id)
	}
	return in, nil
}

// Incidents lists incidents in the given statuses, newest first.
func (s *Service) Incidents(ctx context.Context, statuses []IncidentStatus, p Page) (*PageResult[Incident], error) {
	items, total, err := s.store.ListIncidents(ctx, IncidentFilter{Statuses: statuses}, p.normalize())
	if err != nil {
		return nil, err
	}
	return newPageResult(items, total, p), nil
}

// Dispatch routes an incident to the given recipients, creating one unread
// dispatch per recipient and moving the incident to processing. The
// precondition check is all-or-nothing: one invalid recipient ID means no
// dispatches are created at all.
func (s *Service) Dispatch(ctx context.Context, incidentID, senderID string, recipientIDs []string) ([]Dispatch, error) {
	if len(recipientIDs) == 0 {
		return nil, invalid("recipient list must not be empty")
	}
	if dup := firstDuplicate(recipientIDs); dup != "" {
		return nil, invalid("duplicate recipient id", dup)
	}

	in, ok, err := s.store.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound("incident", incidentID)
	}
	if in.Status != IncidentPending && in.Status != IncidentReturned {
		return nil, conflict("incident is already being handled")
	}

	found, err := s.store.FindRecipients(ctx, recipientIDs)
	if err != nil {
		return nil, err
	}
	if len(found) != len(recipientIDs) {
		valid := make(map[string]bool, len(found))
		for _, r := range found {
			valid[r.ID] = true
		}
		var missing []string
		for _, id := range recipientIDs {
			if !valid[id] {
				missing = append(missing, id)
			}
		}
		return nil, invalid("invalid recipient ids", missing...)
	}

	now := time.Now()
	ds := make([]*Dispatch, 0, len(recipientIDs))
	for _, rid := range recipientIDs {
		ds = append(ds, &Dispatch{
			ID:          ulid.Make().String(),
			IncidentID:  incidentID,
			SenderID:    senderID,
			RecipientID: rid,
			Status:      StatusUnread,
			SentAt:      now,
		})
	}

	in.Status = IncidentProcessing
	in.UpdatedAt = now
	if err := s.store.CreateFanout(ctx, in, ds); err != nil {
		return nil, fmt.Errorf("dispatch fan-out: %w", err)
	}

	if s.metrics != nil {
		s.metrics.FanoutsTotal.Inc()
		s.metrics.FanoutSize.Observe(float64(len(ds)))
	}
	s.logger.Info(ctx, "incident dispatched",
		"incident_id", incidentID,
		"sender_id", senderID,
		"recipients", len(ds),
	)

	out := make([]Dispatch, len(ds))
	for i, d := range ds {
		out[i] = *d
	}
	return out, nil
}

// Open retrieves a dispatch visible to the caller. When the caller is the
// addressed recipient and the dispatch is unread, it is marked read with the
// read timestamp set; any later open is a no-op on both.
func (s *Service) Open(ctx context.Context, caller Caller, id string) (*Dispatch, error) {
	d, err := s.getScoped(ctx, ScopeFor(caller), id)
	if err != nil {
		return nil, err
	}

	if caller.Role == RoleRecipient && d.Status == StatusUnread {
		now := time.Now()
		d.Status = StatusRead
		d.ReadAt = &now
		if err := s.store.UpdateDispatch(ctx, d, nil); err != nil {
			return nil, err
		}
		s.observeTransition(StatusRead)
	}

	return d, nil
}

// Confirm marks the dispatch confirmed by its recipient: the subject belongs
// to the recipient's jurisdiction. The parent incident moves to completed
// unconditionally, regardless of sibling dispatch states.
func (s *Service) Confirm(ctx context.Context, recipientID, id string) (*Dispatch, error) {
	d, err := s.getScoped(ctx, AsRecipient(recipientID), id)
	if err != nil {
		return nil, err
	}
	if !d.Outstanding() {
		return nil, conflict("dispatch state does not permit this operation")
	}

	in, ok, err := s.store.GetIncident(ctx, d.IncidentID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("dispatch %s references missing incident %s", d.ID, d.IncidentID)
	}

	now := time.Now()
	yes := true
	d.Status = StatusConfirmed
	d.ProcessedAt = &now
	d.InJurisdiction = &yes

	in.Status = IncidentCompleted
	in.UpdatedAt = now

	if err := s.store.UpdateDispatch(ctx, d, in); err != nil {
		return nil, err
	}

	s.observeTransition(StatusConfirmed)
	s.observeIncident(IncidentCompleted)
	s.logger.Info(ctx, "dispatch confirmed",
		"dispatch_id", d.ID,
		"incident_id", d.IncidentID,
		"recipient_id", recipientID,
	)
	return d, nil
}

// Reject marks the dispatch rejected by its recipient: the subject is not
// theirs. If no sibling dispatch remains outstanding, the parent incident is
// returned to the sender for re-dispatch.
func (s *Service) Reject(ctx context.Context, recipientID, id string) (*Dispatch, error) {
	d, err := s.getScoped(ctx, AsRecipient(recipientID), id)
	if err != nil {
		return nil, err
	}
	if !d.Outstanding() {
		return nil, conflict("dispatch state does not permit this operation")
	}

	now := time.Now()
	no := false
	d.Status = StatusRejected
	d.ProcessedAt = &now
	d.InJurisdiction = &no

	if err := s.store.UpdateDispatch(ctx, d, nil); err != nil {
		return nil, err
	}
	s.observeTransition(StatusRejected)

	if err := s.aggregate(ctx, d.IncidentID); err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "dispatch rejected",
		"dispatch_id", d.ID,
		"incident_id", d.IncidentID,
		"recipient_id", recipientID,
	)
	return d, nil
}

// aggregate re-derives the incident status after a rejection: if every
// dispatch for the incident is confirmed, rejected, or timed out, the
// incident goes back to returned. A completed incident is never re-derived;
// confirmation is authoritative.
func (s *Service) aggregate(ctx context.Context, incidentID string) error {
	in, ok, err := s.store.GetIncident(ctx, incidentID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("aggregate: missing incident %s", incidentID)
	}
	if in.Status == IncidentCompleted {
		return nil
	}

	outstanding, err := s.store.CountOutstanding(ctx, incidentID)
	if err != nil {
		return err
	}
	if outstanding > 0 {
		return nil
	}

	in.Status = IncidentReturned
	in.UpdatedAt = time.Now()
	if err := s.store.PutIncident(ctx, in); err != nil {
		return err
	}

	s.observeIncident(IncidentReturned)
	s.logger.Info(ctx, "incident returned", "incident_id", in.ID)
	if s.notifier != nil {
		s.notifier.IncidentReturned(ctx, in)
	}
	return nil
}

// SetTimeoutState is the administrative override on a single dispatch:
// timedOut forces an unread/read dispatch into timeout, !timedOut restores a
// timed-out dispatch to unread. Any other starting state is a conflict.
func (s *Service) SetTimeoutState(ctx context.Context, id string, timedOut bool) (*Dispatch, error) {
	d, ok, err := s.store.GetDispatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound("dispatch", id)
	}

	if timedOut {
		if !d.Outstanding() {
			return nil, conflict("only unread or read dispatches can be forced to timeout")
		}
		d.Status = StatusTimeout
	} else {
		if d.Status != StatusTimeout {
			return nil, conflict("dispatch is not timed out")
		}
		d.Status = StatusUnread
	}

	if err := s.store.UpdateDispatch(ctx, d, nil); err != nil {
		return nil, err
	}

	s.observeTransition(d.Status)
	s.logger.Info(ctx, "dispatch timeout override", "dispatch_id", d.ID, "timed_out", timedOut)
	return d, nil
}

// BatchSetTimeoutState applies SetTimeoutState to each ID independently and
// reports how many succeeded and failed; one bad ID does not abort the rest.
func (s *Service) BatchSetTimeoutState(ctx context.Context, ids []string, timedOut bool) (*BatchResult, error) {
	if len(ids) == 0 {
		return nil, invalid("dispatch id list must not be empty")
	}

	var res BatchResult
	for _, id := range ids {
		if _, err := s.SetTimeoutState(ctx, id, timedOut); err != nil {
			res.Failed++
			continue
		}
		res.Success++
	}

	if s.metrics != nil {
		s.metrics.OverridesTotal.WithLabelValues("success").Add(float64(res.Success))
		s.metrics.OverridesTotal.WithLabelValues("failed").Add(float64(res.Failed))
	}
	return &res, nil
}

// Dispatches lists dispatches visible within the scope, optionally narrowed
// by status, newest first.
func (s *Service) Dispatches(ctx context.Context, sc Scope, statuses []Status, p Page) (*PageResult[Dispatch], error) {
	f := sc.apply(DispatchFilter{Statuses: statuses})
	items, total, err := s.store.ListDispatches(ctx, f, p.normalize())
	if err != nil {
		return nil, err
	}
	return newPageResult(items, total, p), nil
}

// IncidentDispatches lists every dispatch for one incident, unscoped.
func (s *Service) IncidentDispatches(ctx context.Context, incidentID string) ([]Dispatch, error) {
	items, _, err := s.store.ListDispatches(ctx, DispatchFilter{IncidentID: incidentID}, Page{Size: MaxPageSize})
	return items, err
}

// RecipientInfo looks up a recipient identity for display.
func (s *Service) RecipientInfo(ctx context.Context, id string) (*Identity, error) {
	return s.identityWithRole(ctx, id, RoleRecipient, "recipient")
}

// SenderInfo looks up a sender identity for display.
func (s *Service) SenderInfo(ctx context.Context, id string) (*Identity, error) {
	return s.identityWithRole(ctx, id, RoleSender, "sender")
}

// Groups lists all recipient groups.
func (s *Service) Groups(ctx context.Context) ([]Group, error) {
	return s.store.ListGroups(ctx)
}

// TimeoutHours reads the unread timeout threshold, defaulting when the
// setting is absent or malformed.
func (s *Service) TimeoutHours(ctx context.Context) (int, error) {
	v, ok, err := s.store.GetSetting(ctx, SettingTimeoutHours)
	if err != nil {
		return 0, err
	}
	if !ok {
		return DefaultTimeoutHours, nil
	}
	hours, err := strconv.Atoi(v)
	if err != nil || hours <= 0 {
		return DefaultTimeoutHours, nil
	}
	return hours, nil
}

// SetTimeoutHours updates the unread timeout threshold.
func (s *Service) SetTimeoutHours(ctx context.Context, hours int) error {
	if hours <= 0 {
		return invalid("timeout hours must be positive")
	}
	if err := s.store.PutSetting(ctx, SettingTimeoutHours, strconv.Itoa(hours)); err != nil {
		return err
	}
	s.logger.Info(ctx, "timeout threshold updated", "hours", hours)
	return nil
}

// getScoped fetches a dispatch and applies the ownership predicate as part of
// the lookup: a dispatch outside the scope reads as not found, never as
// forbidden.
func (s *Service) getScoped(ctx context.Context, sc Scope, id string) (*Dispatch, error) {
	d, ok, err := s.store.GetDispatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok || !sc.permits(d) {
		return nil, notFound("dispatch", id)
	}
	return d, nil
}

func (s *Service) identityWithRole(ctx context.Context, id string, role Role, kind string) (*Identity, error) {
	ident, ok, err := s.store.GetIdentity(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok || ident.Role != role {
		return nil, notFound(kind, id)
	}
	return ident, nil
}

func (s *Service) observeTransition(to Status) {
	if s.metrics != nil {
		s.metrics.TransitionsTotal.WithLabelValues(string(to)).Inc()
	}
}

func (s *Service) observeIncident(st IncidentStatus) {
	if s.metrics != nil {
		s.metrics.IncidentsTotal.WithLabelValues(string(st)).Inc()
	}
}

func firstDuplicate(ids []string) string {
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return id
		}
		seen[id] = true
	}
	return ""
}

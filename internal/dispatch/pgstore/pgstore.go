// Package pgstore provides a PostgreSQL implementation of dispatch.Store.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/courier/internal/dispatch"
)

var tracer = otel.Tracer("github.com/linnemanlabs/courier/internal/dispatch/pgstore")

//go:embed schema.sql
var schema string

// Store persists dispatch records in PostgreSQL. Grouped writes (fan-out,
// per-dispatch transitions) run inside a transaction, which is what makes
// them atomic against crashes mid-operation.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema and returns a ready Store over the given pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const incidentColumns = `id, occurred_at, category, evidence_url, subject_name, subject_phone,
	secondary_name, secondary_phone, status, created_at, updated_at`

const dispatchColumns = `id, incident_id, sender_id, recipient_id, status, sent_at,
	read_at, processed_at, in_jurisdiction`

// CreateIncident inserts a new incident row.
func (s *Store) CreateIncident(ctx context.Context, in *dispatch.Incident) error {
	ctx, span := s.startSpan(ctx, "pgstore.CreateIncident", "INSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx, `INSERT INTO incidents (`+incidentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		in.ID, in.OccurredAt, in.Category, in.EvidenceURL, in.SubjectName, in.SubjectPhone,
		in.SecondaryName, in.SecondaryPhone, string(in.Status), in.CreatedAt, in.UpdatedAt,
	)
	if err != nil {
		return spanErr(span, fmt.Errorf("insert incident: %w", err))
	}
	return nil
}

// GetIncident retrieves an incident by ID.
func (s *Store) GetIncident(ctx context.Context, id string) (*dispatch.Incident, bool, error) {
	ctx, span := s.startSpan(ctx, "pgstore.GetIncident", "SELECT")
	defer span.End()

	row := s.pool.QueryRow(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = $1`, id)
	in, err := scanIncident(row)
	if err != nil {
		return nil, false, spanErr(span, err)
	}
	if in == nil {
		return nil, false, nil
	}
	return in, true, nil
}

// PutIncident updates an existing incident row.
func (s *Store) PutIncident(ctx context.Context, in *dispatch.Incident) error {
	ctx, span := s.startSpan(ctx, "pgstore.PutIncident", "UPDATE")
	defer span.End()

	if err := updateIncident(ctx, s.pool, in); err != nil {
		return spanErr(span, err)
	}
	return nil
}

// ListIncidents returns one page of matching incidents, newest first.
func (s *Store) ListIncidents(ctx context.Context, f dispatch.IncidentFilter, p dispatch.Page) ([]dispatch.Incident, int, error) {
	ctx, span := s.startSpan(ctx, "pgstore.ListIncidents", "SELECT")
	defer span.End()

	where, args := incidentWhere(f)

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM incidents`+where, args...).Scan(&total); err != nil {
		return nil, 0, spanErr(span, fmt.Errorf("count incidents: %w", err))
	}

	query := fmt.Sprintf(`SELECT %s FROM incidents%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		incidentColumns, where, len(args)+1, len(args)+2)
	args = append(args, pageLimit(p), p.Offset())

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, spanErr(span, fmt.Errorf("query incidents: %w", err))
	}
	defer rows.Close()

	var items []dispatch.Incident
	for rows.Next() {
		in, err := scanIncident(rows)
		if err != nil {
			return nil, 0, spanErr(span, err)
		}
		items = append(items, *in)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, spanErr(span, fmt.Errorf("iterate incidents: %w", err))
	}
	return items, total, nil
}

// GetDispatch retrieves a dispatch by ID.
func (s *Store) GetDispatch(ctx context.Context, id string) (*dispatch.Dispatch, bool, error) {
	ctx, span := s.startSpan(ctx, "pgstore.GetDispatch", "SELECT")
	defer span.End()

	row := s.pool.QueryRow(ctx, `SELECT `+dispatchColumns+` FROM dispatches WHERE id = $1`, id)
	d, err := scanDispatch(row)
	if err != nil {
		return nil, false, spanErr(span, err)
	}
	if d == nil {
		return nil, false, nil
	}
	return d, true, nil
}

// ListDispatches returns one page of matching dispatches, newest first.
func (s *Store) ListDispatches(ctx context.Context, f dispatch.DispatchFilter, p dispatch.Page) ([]dispatch.Dispatch, int, error) {
	ctx, span := s.startSpan(ctx, "pgstore.ListDispatches", "SELECT")
	defer span.End()

	where, args := dispatchWhere(f)

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM dispatches`+where, args...).Scan(&total); err != nil {
		return nil, 0, spanErr(span, fmt.Errorf("count dispatches: %w", err))
	}

	query := fmt.Sprintf(`SELECT %s FROM dispatches%s ORDER BY sent_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		dispatchColumns, where, len(args)+1, len(args)+2)
	args = append(args, pageLimit(p), p.Offset())

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, spanErr(span, fmt.Errorf("query dispatches: %w", err))
	}
	defer rows.Close()

	var items []dispatch.Dispatch
	for rows.Next() {
		d, err := scanDispatch(rows)
		if err != nil {
			return nil, 0, spanErr(span, err)
		}
		items = append(items, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, spanErr(span, fmt.Errorf("iterate dispatches: %w", err))
	}
	return items, total, nil
}

// CountOutstanding counts the incident's dispatches still in unread or read.
func (s *Store) CountOutstanding(ctx context.Context, incidentID string) (int, error) {
	ctx, span := s.startSpan(ctx, "pgstore.CountOutstanding", "SELECT")
	defer span.End()

	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM dispatches WHERE incident_id = $1 AND status IN ($2, $3)`,
		incidentID, string(dispatch.StatusUnread), string(dispatch.StatusRead),
	).Scan(&n)
	if err != nil {
		return 0, spanErr(span, fmt.Errorf("count outstanding: %w", err))
	}
	return n, nil
}

// CreateFanout inserts the dispatch set and updates the incident inside one
// transaction. The incident row is locked first so two concurrent fan-outs
// of the same incident serialize instead of interleaving.
func (s *Store) CreateFanout(ctx context.Context, in *dispatch.Incident, ds []*dispatch.Dispatch) error {
	ctx, span := s.startSpan(ctx, "pgstore.CreateFanout", "INSERT")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return spanErr(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	var current string
	if err := tx.QueryRow(ctx, `SELECT status FROM incidents WHERE id = $1 FOR UPDATE`, in.ID).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return spanErr(span, fmt.Errorf("incident %s vanished", in.ID))
		}
		return spanErr(span, fmt.Errorf("lock incident: %w", err))
	}

	for _, d := range ds {
		if _, err := tx.Exec(ctx, `INSERT INTO dispatches (`+dispatchColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			d.ID, d.IncidentID, d.SenderID, d.RecipientID, string(d.Status), d.SentAt,
			d.ReadAt, d.ProcessedAt, d.InJurisdiction,
		); err != nil {
			return spanErr(span, fmt.Errorf("insert dispatch for %s: %w", d.RecipientID, err))
		}
	}

	if err := updateIncident(ctx, tx, in); err != nil {
		return spanErr(span, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return spanErr(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// UpdateDispatch persists a dispatch transition and, when in is non-nil, the
// incident effect, inside one transaction.
func (s *Store) UpdateDispatch(ctx context.Context, d *dispatch.Dispatch, in *dispatch.Incident) error {
	ctx, span := s.startSpan(ctx, "pgstore.UpdateDispatch", "UPDATE")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return spanErr(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	tag, err := tx.Exec(ctx, `UPDATE dispatches SET
			status = $2, read_at = $3, processed_at = $4, in_jurisdiction = $5
		WHERE id = $1`,
		d.ID, string(d.Status), d.ReadAt, d.ProcessedAt, d.InJurisdiction,
	)
	if err != nil {
		return spanErr(span, fmt.Errorf("update dispatch: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return spanErr(span, fmt.Errorf("dispatch %s vanished", d.ID))
	}

	if in != nil {
		if err := updateIncident(ctx, tx, in); err != nil {
			return spanErr(span, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return spanErr(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// MarkTimedOut bulk-moves stale unread dispatches to timeout.
func (s *Store) MarkTimedOut(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, span := s.startSpan(ctx, "pgstore.MarkTimedOut", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`UPDATE dispatches SET status = $1 WHERE status = $2 AND sent_at < $3`,
		string(dispatch.StatusTimeout), string(dispatch.StatusUnread), cutoff,
	)
	if err != nil {
		return 0, spanErr(span, fmt.Errorf("mark timed out: %w", err))
	}
	return tag.RowsAffected(), nil
}

// GetIdentity retrieves an identity by ID.
func (s *Store) GetIdentity(ctx context.Context, id string) (*dispatch.Identity, bool, error) {
	ctx, span := s.startSpan(ctx, "pgstore.GetIdentity", "SELECT")
	defer span.End()

	var ident dispatch.Identity
	var role string
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, phone, role, group_id FROM identities WHERE id = $1`, id,
	).Scan(&ident.ID, &ident.Name, &ident.Phone, &role, &ident.GroupID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, spanErr(span, fmt.Errorf("get identity: %w", err))
	}
	ident.Role = dispatch.Role(role)
	return &ident, true, nil
}

// FindRecipients resolves ids to recipient-role identities; unresolved ids
// are omitted.
func (s *Store) FindRecipients(ctx context.Context, ids []string) ([]dispatch.Identity, error) {
	ctx, span := s.startSpan(ctx, "pgstore.FindRecipients", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT id, name, phone, role, group_id FROM identities WHERE id = ANY($1) AND role = $2`,
		ids, string(dispatch.RoleRecipient),
	)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("find recipients: %w", err))
	}
	defer rows.Close()

	var out []dispatch.Identity
	for rows.Next() {
		var ident dispatch.Identity
		var role string
		if err := rows.Scan(&ident.ID, &ident.Name, &ident.Phone, &role, &ident.GroupID); err != nil {
			return nil, spanErr(span, fmt.Errorf("scan identity: %w", err))
		}
		ident.Role = dispatch.Role(role)
		out = append(out, ident)
	}
	if err := rows.Err(); err != nil {
		return nil, spanErr(span, fmt.Errorf("iterate identities: %w", err))
	}
	return out, nil
}

// ListGroups returns all groups ordered by name.
func (s *Store) ListGroups(ctx context.Context) ([]dispatch.Group, error) {
	ctx, span := s.startSpan(ctx, "pgstore.ListGroups", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT id, name, area FROM groups ORDER BY name`)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("query groups: %w", err))
	}
	defer rows.Close()

	var out []dispatch.Group
	for rows.Next() {
		var g dispatch.Group
		if err := rows.Scan(&g.ID, &g.Name, &g.Area); err != nil {
			return nil, spanErr(span, fmt.Errorf("scan group: %w", err))
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, spanErr(span, fmt.Errorf("iterate groups: %w", err))
	}
	return out, nil
}

// GetSetting looks up a configuration value.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	ctx, span := s.startSpan(ctx, "pgstore.GetSetting", "SELECT")
	defer span.End()

	var v string
	err := s.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&v)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, spanErr(span, fmt.Errorf("get setting: %w", err))
	}
	return v, true, nil
}

// PutSetting creates or replaces a configuration value.
func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	ctx, span := s.startSpan(ctx, "pgstore.PutSetting", "UPSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO settings (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value,
	)
	if err != nil {
		return spanErr(span, fmt.Errorf("put setting: %w", err))
	}
	return nil
}

// execer covers both *pgxpool.Pool and pgx.Tx for the incident update.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// updateIncident writes the mutable incident columns through either the pool
// or an open transaction.
func updateIncident(ctx context.Context, q execer, in *dispatch.Incident) error {
	tag, err := q.Exec(ctx,
		`UPDATE incidents SET status = $2, updated_at = $3 WHERE id = $1`,
		in.ID, string(in.Status), in.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update incident: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("incident %s vanished", in.ID)
	}
	return nil
}

func scanIncident(row pgx.Row) (*dispatch.Incident, error) {
	var in dispatch.Incident
	var status string
	err := row.Scan(
		&in.ID, &in.OccurredAt, &in.Category, &in.EvidenceURL, &in.SubjectName, &in.SubjectPhone,
		&in.SecondaryName, &in.SecondaryPhone, &status, &in.CreatedAt, &in.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan incident: %w", err)
	}
	in.Status = dispatch.IncidentStatus(status)
	return &in, nil
}

func scanDispatch(row pgx.Row) (*dispatch.Dispatch, error) {
	var d dispatch.Dispatch
	var status string
	err := row.Scan(
		&d.ID, &d.IncidentID, &d.SenderID, &d.RecipientID, &status, &d.SentAt,
		&d.ReadAt, &d.ProcessedAt, &d.InJurisdiction,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan dispatch: %w", err)
	}
	d.Status = dispatch.Status(status)
	return &d, nil
}

func incidentWhere(f dispatch.IncidentFilter) (string, []any) {
	if len(f.Statuses) == 0 {
		return "", nil
	}
	statuses := make([]string, len(f.Statuses))
	for i, st := range f.Statuses {
		statuses[i] = string(st)
	}
	return " WHERE status = ANY($1)", []any{statuses}
}

func dispatchWhere(f dispatch.DispatchFilter) (string, []any) {
	var conds []string
	var args []any

	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.IncidentID != "" {
		add("incident_id = $%d", f.IncidentID)
	}
	if f.SenderID != "" {
		add("sender_id = $%d", f.SenderID)
	}
	if f.RecipientID != "" {
		add("recipient_id = $%d", f.RecipientID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		add("status = ANY($%d)", statuses)
	}

	if len(conds) == 0 {
		return "", nil
	}
	where := " WHERE " + conds[0]
	for _, c := range conds[1:] {
		where += " AND " + c
	}
	return where, args
}

func pageLimit(p dispatch.Page) int {
	if p.Size < 1 {
		return dispatch.DefaultPageSize
	}
	if p.Size > dispatch.MaxPageSize {
		return dispatch.MaxPageSize
	}
	return p.Size
}

func (s *Store) startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func spanErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

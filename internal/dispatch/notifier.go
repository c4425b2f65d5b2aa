package dispatch

import "context"

// Notifier receives best-effort operational notifications. Implementations
// must not block the calling operation on delivery; failures are logged, not
// propagated.
type Notifier interface {
	// IncidentReturned fires when aggregation moves an incident back to the
	// returned state.
	IncidentReturned(ctx context.Context, in *Incident)

	// SweepCompleted fires after a sweep that timed out at least one dispatch.
	SweepCompleted(ctx context.Context, marked int64)
}

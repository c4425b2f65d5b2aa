package dispatch

import "time"

// IncidentStatus tracks where an incident is in its lifecycle.
type IncidentStatus string

const (
	// IncidentPending means reported, not yet routed to anyone
	IncidentPending IncidentStatus = "pending"

	// IncidentProcessing means dispatched, awaiting recipient responses
	IncidentProcessing IncidentStatus = "processing"

	// IncidentCompleted means a recipient confirmed the subject is theirs
	IncidentCompleted IncidentStatus = "completed"

	// IncidentReturned means every dispatch was exhausted without a confirmation
	IncidentReturned IncidentStatus = "returned"
)

// Status tracks the lifecycle of a single dispatch.
type Status string

const (
	// StatusUnread means delivered, not yet opened by the recipient
	StatusUnread Status = "unread"

	// StatusRead means the recipient opened it but has not responded
	StatusRead Status = "read"

	// StatusConfirmed means the recipient claimed the subject (terminal)
	StatusConfirmed Status = "confirmed"

	// StatusRejected means the recipient disclaimed the subject (terminal)
	StatusRejected Status = "rejected"

	// StatusTimeout means it sat unread past the configured threshold
	StatusTimeout Status = "timeout"
)

// Role classifies an identity for scoping purposes.
type Role string

const (
	RoleSender    Role = "sender"
	RoleRecipient Role = "recipient"
	RoleAdmin     Role = "admin"
)

// Incident is a reported event requiring resolution by one of potentially
// several recipients. Status is derived from the dispatch set after creation;
// the Service is the only writer of Status past that point.
type Incident struct {
	ID             string         `json:"id"`
	OccurredAt     time.Time      `json:"occurred_at"`
	Category       string         `json:"category"`
	EvidenceURL    string         `json:"evidence_url,omitempty"`
	SubjectName    string         `json:"subject_name"`
	SubjectPhone   string         `json:"subject_phone"`
	SecondaryName  string         `json:"secondary_name"`
	SecondaryPhone string         `json:"secondary_phone"`
	Status         IncidentStatus `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Dispatch is one sender->recipient routing of exactly one incident, the unit
// of individual acknowledgment. ReadAt, ProcessedAt, and InJurisdiction are
// nil until the corresponding transition happens: ReadAt is set once on the
// first open, ProcessedAt on confirm or reject, and InJurisdiction records the
// recipient's verdict (true on confirm, false on reject).
type Dispatch struct {
	ID             string     `json:"id"`
	IncidentID     string     `json:"incident_id"`
	SenderID       string     `json:"sender_id"`
	RecipientID    string     `json:"recipient_id"`
	Status         Status     `json:"status"`
	SentAt         time.Time  `json:"sent_at"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
	ProcessedAt    *time.Time `json:"processed_at,omitempty"`
	InJurisdiction *bool      `json:"in_jurisdiction,omitempty"`
}

// Terminal reports whether the dispatch has reached a state that permits no
// further recipient action.
func (d *Dispatch) Terminal() bool {
	return d.Status == StatusConfirmed || d.Status == StatusRejected
}

// Outstanding reports whether the dispatch still awaits a recipient response.
func (d *Dispatch) Outstanding() bool {
	return d.Status == StatusUnread || d.Status == StatusRead
}

// Identity is read-only reference data for a sender or recipient. Group
// membership is display/lookup data only; it plays no part in authorization.
type Identity struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Role    Role   `json:"role"`
	GroupID string `json:"group_id,omitempty"`
}

// Group is a recipient jurisdiction (e.g. a district).
type Group struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Area string `json:"area,omitempty"`
}

// Caller is the authenticated identity an operation runs on behalf of,
// produced by the transport layer's auth middleware.
type Caller struct {
	ID   string
	Role Role
}

// Page selects one page of a listing. Zero values fall back to page 1 with
// DefaultPageSize items.
type Page struct {
	Number int
	Size   int
}

// DefaultPageSize is used when a Page does not specify a size.
const DefaultPageSize = 10

// MaxPageSize caps the number of items a single page may return.
const MaxPageSize = 100

func (p Page) normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size < 1 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

// Offset returns the number of items to skip for this page.
func (p Page) Offset() int {
	p = p.normalize()
	return (p.Number - 1) * p.Size
}

// PageResult is one page of a listing plus pagination totals.
type PageResult[T any] struct {
	Items      []T `json:"items"`
	Total      int `json:"total"`
	Page       int `json:"page"`
	PageSize   int `json:"pageSize"`
	TotalPages int `json:"totalPages"`
}

func newPageResult[T any](items []T, total int, p Page) *PageResult[T] {
	p = p.normalize()
	pages := total / p.Size
	if total%p.Size != 0 {
		pages++
	}
	if items == nil {
		items = []T{}
	}
	return &PageResult[T]{
		Items:      items,
		Total:      total,
		Page:       p.Number,
		PageSize:   p.Size,
		TotalPages: pages,
	}
}

// BatchResult reports per-item outcomes of a batch operation.
type BatchResult struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

package dispatch

type scopeKind int

const (
	scopeUnrestricted scopeKind = iota
	scopeSender
	scopeRecipient
)

// Scope restricts which dispatches a query may return, based on who is
// asking: a recipient sees only dispatches addressed to them, a sender only
// dispatches they created, an administrator everything. Batch and
// administrative operations use Unrestricted.
type Scope struct {
	kind scopeKind
	id   string
}

// AsSender scopes queries to dispatches created by the given sender.
func AsSender(id string) Scope {
	return Scope{kind: scopeSender, id: id}
}

// AsRecipient scopes queries to dispatches addressed to the given recipient.
func AsRecipient(id string) Scope {
	return Scope{kind: scopeRecipient, id: id}
}

// Unrestricted places no ownership restriction on queries.
func Unrestricted() Scope {
	return Scope{kind: scopeUnrestricted}
}

// ScopeFor maps a caller to their scope: senders and recipients are
// restricted to their own dispatches, admins are not.
func ScopeFor(c Caller) Scope {
	switch c.Role {
	case RoleSender:
		return AsSender(c.ID)
	case RoleRecipient:
		return AsRecipient(c.ID)
	default:
		return Unrestricted()
	}
}

// apply folds the scope into a store filter.
func (s Scope) apply(f DispatchFilter) DispatchFilter {
	switch s.kind {
	case scopeSender:
		f.SenderID = s.id
	case scopeRecipient:
		f.RecipientID = s.id
	}
	return f
}

// permits reports whether the scope allows access to the given dispatch.
func (s Scope) permits(d *Dispatch) bool {
	switch s.kind {
	case scopeSender:
		return d.SenderID == s.id
	case scopeRecipient:
		return d.RecipientID == s.id
	default:
		return true
	}
}

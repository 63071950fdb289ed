package contract

// Status is the lifecycle state of a contract.
type Status string

const (
	StatusDraft      Status = "DRAFT"
	StatusSent       Status = "SENT"
	StatusInProgress Status = "IN_PROGRESS"
	StatusSigned     Status = "SIGNED"
	StatusDeclined   Status = "DECLINED"
	StatusExpired    Status = "EXPIRED"
	StatusCancelled  Status = "CANCELLED"
)

// edges lists every allowed transition. EXPIRED and CANCELLED are reachable from
// every non-terminal state; SIGNED only once signing has started.
var edges = map[Status][]Status{
	StatusDraft:      {StatusSent, StatusExpired, StatusCancelled},
	StatusSent:       {StatusInProgress, StatusDeclined, StatusExpired, StatusCancelled},
	StatusInProgress: {StatusSigned, StatusDeclined, StatusExpired, StatusCancelled},
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusSent, StatusInProgress, StatusSigned, StatusDeclined, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSigned, StatusDeclined, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// AcceptsSignerActions reports whether signers may sign or decline in s.
func (s Status) AcceptsSignerActions() bool {
	return s == StatusSent || s == StatusInProgress
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Sources returns every status that may transition to `to`, for compare-and-swap updates.
func Sources(to Status) []Status {
	var out []Status
	for _, from := range []Status{StatusDraft, StatusSent, StatusInProgress} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// NonTerminal lists the statuses a contract may still leave.
func NonTerminal() []Status {
	return []Status{StatusDraft, StatusSent, StatusInProgress}
}

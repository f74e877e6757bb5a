package relationship

// State is the relationship between an ordered pair of users, seen from
// the first user.
type State int

const (
	StateNone State = iota
	// StatePendingOutgoing: a asked b to be friends.
	StatePendingOutgoing
	// StatePendingIncoming: b asked a to be friends.
	StatePendingIncoming
	StateFriends
	// StateBlocked: a blocks b.
	StateBlocked
	// StateBlockedBy: b blocks a.
	StateBlockedBy
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StatePendingOutgoing:
		return "pending_outgoing"
	case StatePendingIncoming:
		return "pending_incoming"
	case StateFriends:
		return "friends"
	case StateBlocked:
		return "blocked"
	case StateBlockedBy:
		return "blocked_by"
	default:
		return "unknown"
	}
}

// State derives the relationship state of (a, b) from the two directed edges.
func (g *Graph) State(a, b string) State {
	out, hasOut := g.Get(a, b)
	in, hasIn := g.Get(b, a)

	switch {
	case hasOut && out.Type == Block:
		return StateBlocked
	case hasIn && in.Type == Block:
		return StateBlockedBy
	case hasOut && hasIn:
		return StateFriends
	case hasOut:
		return StatePendingOutgoing
	case hasIn:
		return StatePendingIncoming
	default:
		return StateNone
	}
}

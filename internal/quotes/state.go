package quotes

import "github.com/MarcoPoloResearchLab/parley/internal/conversations"

// Decision is the buyer's answer to a priced quote.
type Decision string

const (
	DecisionAccepted Decision = "accepted"
	DecisionDeclined Decision = "declined"
)

// transition is one edge of the negotiation graph. An empty actor means the system.
type transition struct {
	from  []Status
	to    Status
	actor conversations.Role
}

var (
	setFinalPriceEdge = transition{
		from:  []Status{StatusRequested, StatusNegotiating},
		to:    StatusNegotiating,
		actor: conversations.RoleProvider,
	}
	acceptEdge = transition{
		from:  []Status{StatusNegotiating},
		to:    StatusAccepted,
		actor: conversations.RoleBuyer,
	}
	declineEdge = transition{
		from:  []Status{StatusNegotiating},
		to:    StatusDeclined,
		actor: conversations.RoleBuyer,
	}
	expireEdge = transition{
		from: []Status{StatusRequested, StatusNegotiating},
		to:   StatusExpired,
	}
)

func (t transition) allows(from Status) bool {
	for _, candidate := range t.from {
		if candidate == from {
			return true
		}
	}
	return false
}

func (t transition) sources() []string {
	values := make([]string, 0, len(t.from))
	for _, status := range t.from {
		values = append(values, string(status))
	}
	return values
}

// Terminal reports whether no further transition can leave the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusAccepted, StatusDeclined, StatusExpired:
		return true
	default:
		return false
	}
}

func edgeForDecision(decision Decision) (transition, bool) {
	switch decision {
	case DecisionAccepted:
		return acceptEdge, true
	case DecisionDeclined:
		return declineEdge, true
	default:
		return transition{}, false
	}
}

// openStatuses are the statuses an expiry policy may act on.
func openStatuses() []string {
	return expireEdge.sources()
}

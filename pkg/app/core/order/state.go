package order

// State is the lifecycle state of an order
type State string

const (
	Pending         State = "pending" // locked and persisted, awaiting venue ack
	Open            State = "open"
	PartiallyFilled State = "partially_filled"
	Filled          State = "filled"
	Canceled        State = "canceled"
	Rejected        State = "rejected"
)

// transitions lists every allowed move. Terminal states have no entry.
// Pending may jump ahead because venue events can race the ack. A venue may
// still reject an order after acking it.
var transitions = map[State][]State{
	Pending:         {Open, PartiallyFilled, Filled, Canceled, Rejected},
	Open:            {PartiallyFilled, Filled, Canceled, Rejected},
	PartiallyFilled: {PartiallyFilled, Filled, Canceled, Rejected},
}

// Terminal reports whether the state accepts no further events
func (s State) Terminal() bool {
	return s == Filled || s == Canceled || s == Rejected
}

// CanTransition reports whether s → to is allowed
func (s State) CanTransition(to State) bool {
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

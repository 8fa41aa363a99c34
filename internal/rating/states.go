package rating

// State is the feedback sub-state-machine per session.
type State int

const (
	StateNotStarted State = iota
	StatePrompted
	StatePartiallySubmitted
	StateFullySubmitted
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StatePrompted:
		return "prompted"
	case StatePartiallySubmitted:
		return "partially_submitted"
	case StateFullySubmitted:
		return "fully_submitted"
	case StateFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

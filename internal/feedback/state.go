package feedback

// State is the phase of a feedback session
type State int

const (
	Idle State = iota
	AwaitingInitialCritique
	ChatDisabled
	AwaitingReferenceCritique
	ChatEnabled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingInitialCritique:
		return "awaiting_initial_critique"
	case ChatDisabled:
		return "chat_disabled"
	case AwaitingReferenceCritique:
		return "awaiting_reference_critique"
	case ChatEnabled:
		return "chat_enabled"
	default:
		return "unknown"
	}
}

// MarshalText lets the state travel as its name in JSON
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

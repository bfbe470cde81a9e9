package harness

// State is the lifecycle state of a Controller.
type State int32

const (
	NotStarted State = iota
	Preflighting
	Spawning
	AwaitingResponses
	Completed
	TimedOut
	FatallyErrored
	AbnormallyExited
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case Preflighting:
		return "Preflighting"
	case Spawning:
		return "Spawning"
	case AwaitingResponses:
		return "AwaitingResponses"
	case Completed:
		return "Completed"
	case TimedOut:
		return "TimedOut"
	case FatallyErrored:
		return "FatallyErrored"
	case AbnormallyExited:
		return "AbnormallyExited"
	default:
		return "unknown"
	}
}

// IsTerminal returns true for the states a run ends in.
func (s State) IsTerminal() bool {
	return s >= Completed
}

// ErrorResponsePolicy decides what a JSON-RPC error response means for the run.
type ErrorResponsePolicy int

const (
	// ErrorResponsesComplete counts an error response as an answer, like any other response.
	ErrorResponsesComplete ErrorResponsePolicy = iota
	// ErrorResponsesFatal ends the run as soon as any request is answered with an error.
	ErrorResponsesFatal
)

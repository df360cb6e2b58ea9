package status

// State is the tag recorded with every status entry.
type State string

const (
	Unknown State = "UNKNOWN"

	// Test run lifecycle.
	Created        State = "CREATED"
	CreationError  State = "CREATION_ERROR"
	Building       State = "BUILDING"
	BuildFailed    State = "BUILD_FAILED"
	BuildTimeout   State = "BUILD_TIMEOUT"
	BuildError     State = "BUILD_ERROR"
	BuildDone      State = "BUILD_DONE"
	Scheduled      State = "SCHEDULED"
	SchedError     State = "SCHED_ERROR"
	SchedCancelled State = "SCHED_CANCELLED"
	EnvFailed      State = "ENV_FAILED"
	Running        State = "RUNNING"
	RunTimeout     State = "RUN_TIMEOUT"
	RunError       State = "RUN_ERROR"
	ResultsError   State = "RESULTS_ERROR"
	Skipped        State = "SKIPPED"
	Complete       State = "COMPLETE"

	// RunUser is an operator annotation. It marks no lifecycle phase.
	RunUser State = "RUN_USER"

	// Series only.
	AllStarted State = "ALL_STARTED"
	Canceled   State = "CANCELED"
	Error      State = "ERROR"
)

// StateSet is an unordered set of states.
type StateSet map[State]struct{}

// NewStateSet builds a set from the given states.
func NewStateSet(states ...State) StateSet {
	s := make(StateSet, len(states))
	for _, st := range states {
		s[st] = struct{}{}
	}
	return s
}

// Has reports whether st is a member of the set.
func (s StateSet) Has(st State) bool {
	_, ok := s[st]
	return ok
}

var (
	// TestTerminal holds every state after which a test run makes no further progress.
	TestTerminal = NewStateSet(
		CreationError, SchedError, SchedCancelled,
		BuildFailed, BuildTimeout, BuildError,
		EnvFailed, RunTimeout, RunError, ResultsError,
		Skipped, Complete,
	)

	// TestStates holds every state a test run may record, the operator
	// annotation included.
	TestStates = NewStateSet(
		Created, CreationError, Building, BuildFailed, BuildTimeout,
		BuildError, BuildDone, Scheduled, SchedError, SchedCancelled, EnvFailed,
		Running, RunTimeout, RunError, ResultsError, Skipped, Complete, RunUser,
	)

	// SeriesTerminal holds the terminal states of a series.
	SeriesTerminal = NewStateSet(Complete, Canceled)

	known = NewStateSet(
		Unknown, Created, CreationError, Building, BuildFailed, BuildTimeout,
		BuildError, BuildDone, Scheduled, SchedError, SchedCancelled, EnvFailed,
		Running, RunTimeout, RunError, ResultsError, Skipped, Complete, RunUser,
		AllStarted, Canceled, Error,
	)
)

// Valid reports whether st is a state this package knows about.
func Valid(st State) bool { return known.Has(st) }

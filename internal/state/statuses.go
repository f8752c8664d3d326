package state

// Status is the lifecycle state of a single execution attempt.
type Status string

const (
	StatusRunning     Status = "running"
	StatusSuccess     Status = "success"
	StatusFailed      Status = "failed"
	StatusSkipped     Status = "skipped"
	StatusInterrupted Status = "interrupted"
)

func (s Status) String() string {
	return string(s)
}

var AllStatuses = []Status{
	StatusRunning,
	StatusSuccess,
	StatusFailed,
	StatusSkipped,
	StatusInterrupted,
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s != StatusRunning
}

type Transition struct {
	From Status
	To   Status
}

// ValidTransitions: skipped executions are created terminal and never move;
// interrupted is only applied at startup to rows a crashed process left
// behind.
var ValidTransitions = []Transition{
	{From: StatusRunning, To: StatusSuccess},
	{From: StatusRunning, To: StatusFailed},
	{From: StatusRunning, To: StatusInterrupted},
}

func IsValidTransition(from, to Status) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

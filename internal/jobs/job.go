package jobs

import (
	"time"

	goipp "github.com/OpenPrinting/goipp"
)

// State is the IPP job-state enum (RFC 8011 section 5.3.7).
type State int

const (
	StatePending    State = 3
	StateHeld       State = 4
	StateProcessing State = 5
	StateStopped    State = 6
	StateCanceled   State = 7
	StateAborted    State = 8
	StateCompleted  State = 9
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateHeld:
		return "pending-held"
	case StateProcessing:
		return "processing"
	case StateStopped:
		return "processing-stopped"
	case StateCanceled:
		return "canceled"
	case StateAborted:
		return "aborted"
	case StateCompleted:
		return "completed"
	}
	return "unknown"
}

// Terminal reports whether s is one of the three final states. Jobs in a
// terminal state never transition again; they are only purged.
func (s State) Terminal() bool {
	return s == StateCanceled || s == StateAborted || s == StateCompleted
}

// Active reports whether a job in state s belongs on the active queue.
func (s State) Active() bool {
	return s <= StateStopped
}

// transitions lists the permitted state-machine edges. A transition not in
// this table is rejected by Store.SetState.
var transitions = map[State][]State{
	StatePending:    {StateHeld, StateProcessing, StateStopped, StateCanceled, StateAborted},
	StateHeld:       {StatePending, StateCanceled, StateAborted},
	StateProcessing: {StatePending, StateStopped, StateCanceled, StateAborted, StateCompleted},
	StateStopped:    {StatePending, StateProcessing, StateCanceled, StateAborted},
}

func validTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Document is one file attached to a job, in submission order.
type Document struct {
	Number      int
	Name        string
	Path        string
	Format      string
	Compression string
	SizeBytes   int64
}

// Job is one print task. It is owned exclusively by the Store; the
// destination it targets and any subscriptions watching it hold only its id.
type Job struct {
	ID       int
	Dest     string
	Username string
	Name     string
	Priority int

	State        State
	StateReasons []string
	HoldUntil    string

	CreatedAt    time.Time
	ProcessingAt time.Time
	CompletedAt  time.Time

	// Deadline for Send-Document after Create-Job. Zero once the job has
	// been closed or was submitted in one shot.
	DocDeadline time.Time

	KOctets     int
	Impressions int
	RetryCount  int

	Documents []Document

	// Attrs carries the job template and description attributes supplied
	// at submission, echoed back by Get-Job-Attributes.
	Attrs goipp.Attributes
}

// HasReason reports whether reason is present in the job's state reasons.
func (j *Job) HasReason(reason string) bool {
	for _, r := range j.StateReasons {
		if r == reason {
			return true
		}
	}
	return false
}

// ReasonsKeyword returns the state reasons, or "none" when empty, suitable
// for the job-state-reasons attribute.
func (j *Job) ReasonsKeyword() []string {
	if len(j.StateReasons) == 0 {
		return []string{"none"}
	}
	out := make([]string, len(j.StateReasons))
	copy(out, j.StateReasons)
	return out
}

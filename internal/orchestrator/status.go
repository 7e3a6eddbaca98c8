package orchestrator

// Status is a command's lifecycle state. The set is closed: commands
// move only along the transitions in legalTransitions, and every
// transition is written to the audit log before the next step runs.
type Status int

const (
	StatusReceived Status = iota
	StatusAuthenticating
	StatusAwaitingConfirmation
	StatusStaged
	StatusValidated
	StatusBackedUp
	StatusApplying
	StatusReloaded
	StatusSucceeded
	StatusAuthFailed
	StatusDenied
	StatusTimedOut
	StatusValidationFailed
	StatusApplyFailed
	StatusRolledBack
	StatusFatal
)

var statusNames = map[Status]string{
	StatusReceived:             "received",
	StatusAuthenticating:       "authenticating",
	StatusAwaitingConfirmation: "awaiting_confirmation",
	StatusStaged:               "staged",
	StatusValidated:            "validated",
	StatusBackedUp:             "backed_up",
	StatusApplying:             "applying",
	StatusReloaded:             "reloaded",
	StatusSucceeded:            "succeeded",
	StatusAuthFailed:           "auth_failed",
	StatusDenied:               "denied",
	StatusTimedOut:             "timed_out_awaiting_confirmation",
	StatusValidationFailed:     "validation_failed",
	StatusApplyFailed:          "apply_failed",
	StatusRolledBack:           "rolled_back",
	StatusFatal:                "fatal",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// IsTerminal reports whether a command in this state is finished.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusAuthFailed, StatusDenied, StatusTimedOut,
		StatusValidationFailed, StatusRolledBack, StatusFatal:
		return true
	}
	return false
}

// legalTransitions encodes forward progress: each state may only move
// to the listed successors. Auxiliary commands (confirm, deny, history)
// close directly from authenticating.
var legalTransitions = map[Status][]Status{
	StatusReceived:             {StatusAuthenticating},
	StatusAuthenticating:       {StatusAwaitingConfirmation, StatusStaged, StatusApplying, StatusSucceeded, StatusAuthFailed, StatusValidationFailed, StatusTimedOut},
	StatusAwaitingConfirmation: {StatusStaged, StatusApplying, StatusSucceeded, StatusDenied, StatusTimedOut, StatusValidationFailed},
	StatusStaged:               {StatusValidated, StatusValidationFailed},
	StatusValidated:            {StatusBackedUp, StatusApplyFailed},
	StatusBackedUp:             {StatusApplying},
	StatusApplying:             {StatusReloaded, StatusApplyFailed},
	StatusReloaded:             {StatusSucceeded},
	StatusApplyFailed:          {StatusRolledBack, StatusFatal},
}

// CanTransition reports whether moving from one status to another is
// legal.
func CanTransition(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

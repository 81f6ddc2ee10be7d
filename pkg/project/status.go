package project

// Status is a PluginProject lifecycle state.
type Status string

const (
	StatusPending         Status = "pending"
	StatusDiscovery       Status = "discovery"
	StatusMVPDevelopment  Status = "mvp_development"
	StatusHealing         Status = "healing"
	StatusPublishing      Status = "publishing"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
	StatusAwaitingSecrets Status = "awaiting_secrets"
)

// IsTerminal reports whether no further phase execution is permitted.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s Status) String() string {
	return string(s)
}

// TransitionTable maps a status to the statuses reachable from it.
type TransitionTable map[Status][]Status

// ValidTransitions is the phase state machine.
// Terminal statuses have no outgoing edges.
//
//nolint:gochecknoglobals // static table
var ValidTransitions = TransitionTable{
	// Created, waiting for discovery.
	StatusPending: {StatusDiscovery, StatusAwaitingSecrets, StatusFailed, StatusCancelled},

	// Research or static analysis producing the MVP plan.
	StatusDiscovery: {StatusMVPDevelopment, StatusAwaitingSecrets, StatusFailed, StatusCancelled},

	// Initial code generation into the workspace.
	StatusMVPDevelopment: {StatusHealing, StatusAwaitingSecrets, StatusFailed, StatusCancelled},

	// Verify / classify / patch iterations.
	StatusHealing: {StatusCompleted, StatusPublishing, StatusAwaitingSecrets, StatusFailed, StatusCancelled},

	// Hand-off to publishing collaborators.
	StatusPublishing: {StatusCompleted, StatusAwaitingSecrets, StatusFailed, StatusCancelled},

	// Parked until credentials arrive; resumes to the status it left.
	StatusAwaitingSecrets: {
		StatusPending, StatusDiscovery, StatusMVPDevelopment, StatusHealing, StatusPublishing,
		StatusFailed, StatusCancelled,
	},

	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// IsValidTransition checks the phase state machine.
func IsValidTransition(from, to Status) bool {
	for _, allowed := range ValidTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

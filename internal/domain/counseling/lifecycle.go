package counseling

// Action is a request to move an appointment through its lifecycle.
type Action string

const (
	ActionAssign     Action = "assign"
	ActionAccept     Action = "accept"
	ActionReject     Action = "reject"
	ActionStart      Action = "start_session"
	ActionComplete   Action = "complete"
	ActionCancel     Action = "cancel"
	ActionReschedule Action = "reschedule"
)

// Actions lists every lifecycle action.
var Actions = []Action{ActionAssign, ActionAccept, ActionReject, ActionStart, ActionComplete, ActionCancel, ActionReschedule}

// Statuses lists every appointment status.
var Statuses = []Status{StatusPending, StatusAssigned, StatusScheduled, StatusInProgress, StatusCompleted, StatusCancelled, StatusBlocked}

// transitions maps action -> current status -> next status. Creation and
// holds are not transitions of an existing row and are not listed.
var transitions = map[Action]map[Status]Status{
	ActionAssign: {
		StatusPending: StatusAssigned,
	},
	ActionAccept: {
		StatusAssigned: StatusScheduled,
	},
	ActionReject: {
		StatusAssigned:  StatusPending,
		StatusScheduled: StatusPending,
	},
	ActionStart: {
		StatusScheduled: StatusInProgress,
	},
	ActionComplete: {
		StatusAssigned:   StatusCompleted,
		StatusScheduled:  StatusCompleted,
		StatusInProgress: StatusCompleted,
	},
	ActionCancel: {
		StatusPending:   StatusCancelled,
		StatusAssigned:  StatusCancelled,
		StatusScheduled: StatusCancelled,
		StatusBlocked:   StatusCancelled,
	},
	ActionReschedule: {
		StatusAssigned:  StatusScheduled,
		StatusScheduled: StatusScheduled,
	},
}

// NextStatus returns the status reached by applying action in from.
func NextStatus(from Status, action Action) (Status, error) {
	if next, ok := transitions[action][from]; ok {
		return next, nil
	}
	return "", &IllegalTransitionError{From: from, Action: action}
}

// Allowed reports whether action is legal in from.
func Allowed(from Status, action Action) bool {
	_, ok := transitions[action][from]
	return ok
}

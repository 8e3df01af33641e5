/*
transitions.go - Leave application state machine

STATES:
  Pending   initial state for employee submissions
  Approved  terminal; also initial for a manager's self-application
  Rejected  terminal
  Cancelled terminal

LEGAL TRANSITIONS:
  ┌──────────┐  approve (owner's manager)  ┌──────────┐
  │          │ ──────────────────────────▶ │ Approved │
  │          │                             └──────────┘
  │ Pending  │  reject (owner's manager)   ┌──────────┐
  │          │ ──────────────────────────▶ │ Rejected │
  │          │                             └──────────┘
  │          │  cancel (owner)             ┌───────────┐
  │          │ ──────────────────────────▶ │ Cancelled │
  └──────────┘                             └───────────┘

Any transition out of a terminal state fails with ErrAlreadyProcessed
(ErrNotCancellable for cancel), so a replayed approve never debits twice.
*/
package leave

type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionCancel  Action = "cancel"
)

var transitions = map[Status]map[Action]Status{
	StatusPending: {
		ActionApprove: StatusApproved,
		ActionReject:  StatusRejected,
		ActionCancel:  StatusCancelled,
	},
}

// Next returns the status reached by applying action to from.
func Next(from Status, action Action) (Status, error) {
	to, ok := transitions[from][action]
	if !ok {
		if action == ActionCancel {
			return "", ErrNotCancellable
		}
		return "", ErrAlreadyProcessed
	}
	return to, nil
}

// InitialStatus is the status a new application starts in for its submitter.
func InitialStatus(submitter Principal) Status {
	if submitter.IsManager() {
		return StatusApproved
	}
	return StatusPending
}

// authorizeReview checks that actor manages the application's owner.
func authorizeReview(actor, owner Principal) error {
	if !actor.IsManager() || owner.ManagerID == "" || owner.ManagerID != actor.ID {
		return ErrNotAuthorized
	}
	return nil
}

// authorizeCancel hides the application from anyone but its owner.
func authorizeCancel(actorID string, app Application) error {
	if app.OwnerID != actorID {
		return ErrNotFound
	}
	return nil
}

// authorizeTeamMember checks that employee reports to manager.
func authorizeTeamMember(manager, employee Principal) error {
	if !manager.IsManager() || employee.ManagerID != manager.ID {
		return ErrNotAuthorized
	}
	return nil
}

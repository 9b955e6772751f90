package workflow

const (
	FeedbackPending   = "pending"
	FeedbackConfirmed = "confirmed"
	FeedbackRejected  = "rejected"
)

const (
	ActionItemOpen      = "open"
	ActionItemCompleted = "completed"
)

const (
	EventFeedbackConfirmed   = "feedback_confirmed"
	EventFeedbackRejected    = "feedback_rejected"
	EventActionItemCompleted = "action_item_completed"
)

var feedbackTransitions = map[string]map[string]string{
	FeedbackPending: {
		FeedbackConfirmed: EventFeedbackConfirmed,
		FeedbackRejected:  EventFeedbackRejected,
	},
}

var actionItemTransitions = map[string]map[string]string{
	ActionItemOpen: {
		ActionItemCompleted: EventActionItemCompleted,
	},
}

// FeedbackState maps the tri-state feedback column onto a workflow state.
func FeedbackState(correct *bool) string {
	switch {
	case correct == nil:
		return FeedbackPending
	case *correct:
		return FeedbackConfirmed
	default:
		return FeedbackRejected
	}
}

func ActionItemState(completed bool) string {
	if completed {
		return ActionItemCompleted
	}
	return ActionItemOpen
}

// CanRecordFeedback reports whether feedback may move from -> to. Feedback is
// recorded once; re-sending the same answer is not a transition.
func CanRecordFeedback(from string, to string) bool {
	return allowed(feedbackTransitions, from, to)
}

// CanUpdateActionItem allows open -> completed and same-state no-ops.
func CanUpdateActionItem(from string, to string) bool {
	if from == to {
		return true
	}
	return allowed(actionItemTransitions, from, to)
}

func FeedbackEvent(from string, to string) string {
	return feedbackTransitions[from][to]
}

func ActionItemEvent(from string, to string) string {
	return actionItemTransitions[from][to]
}

func allowed(table map[string]map[string]string, from string, to string) bool {
	next := table[from]
	if next == nil {
		return false
	}
	_, ok := next[to]
	return ok
}

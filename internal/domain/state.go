package domain

// Action is the routing outcome for a failed fetch.
type Action string

const (
	ActionComplete Action = "complete"
	ActionAbort    Action = "abort"
	ActionIgnore   Action = "ignore"
	ActionRetry    Action = "retry"
	ActionRestart  Action = "restart"
)

func (a Action) IsValid() bool {
	switch a {
	case ActionAbort, ActionIgnore, ActionRetry, ActionRestart:
		return true
	}
	return false
}

// FailureDecision tells the worker where a failed item goes next.
//
// For ActionRetry an empty Extractor keeps the current one and a nil
// Priority keeps the current priority. For ActionRestart Extractor is
// required.
type FailureDecision struct {
	Action    Action
	Extractor string
	Priority  *int
}

func Abort() FailureDecision {
	return FailureDecision{Action: ActionAbort}
}

func Ignore() FailureDecision {
	return FailureDecision{Action: ActionIgnore}
}

func Retry(extractor string, priority *int) FailureDecision {
	return FailureDecision{Action: ActionRetry, Extractor: extractor, Priority: priority}
}

func Restart(extractor string) FailureDecision {
	return FailureDecision{Action: ActionRestart, Extractor: extractor}
}

// FetcherState is derived from queue sizes, never stored.
type FetcherState string

const (
	StateIdle          FetcherState = "idle"
	StateWorking       FetcherState = "working"
	StateConsolidating FetcherState = "consolidating"
)

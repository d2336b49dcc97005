package provider

import "github.com/ricirt/karnak/internal/domain"

// ErrorThrottled marks failures the upstream asked us to back off from.
const ErrorThrottled = "throttled"

// RetryPolicy decides where a failed fetch goes next:
//
//	throttled                        -> ignore (returned untouched)
//	not retryable                    -> abort
//	retries left                     -> retry, one priority level less urgent
//	retries exhausted, fallback set  -> restart under the fallback extractor
//	otherwise                        -> abort
type RetryPolicy struct {
	MaxRetries  int
	MaxPriority int
	// Fallback maps an extractor to the one that takes over once its
	// retries are exhausted.
	Fallback map[string]string
}

func (p RetryPolicy) Decide(r domain.FetchResult) domain.FailureDecision {
	if r.ErrorType != nil && *r.ErrorType == ErrorThrottled {
		return domain.Ignore()
	}
	if !r.CanRetry {
		return domain.Abort()
	}
	if r.Item.CurrentRetries < p.MaxRetries {
		return domain.Retry("", p.demote(r.Item.Priority))
	}
	if next, ok := p.Fallback[r.Item.Extractor]; ok && next != r.Item.Extractor {
		return domain.Restart(next)
	}
	return domain.Abort()
}

// demote moves a priority one step toward the least urgent partition.
// Items without a priority stay in the catch-all partition.
func (p RetryPolicy) demote(priority *int) *int {
	if priority == nil {
		return nil
	}
	return domain.IntPtr(min(*priority+1, max(p.MaxPriority, *priority)))
}

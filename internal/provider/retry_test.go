package provider_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ricirt/karnak/internal/domain"
	"github.com/ricirt/karnak/internal/provider"
)

func TestRetryPolicy_Decide(t *testing.T) {
	policy := provider.RetryPolicy{
		MaxRetries:  2,
		MaxPriority: 3,
		Fallback:    map[string]string{"default": "slow_extractor"},
	}
	base := domain.NewQueueItem("k", "id", "t").WithExtractor("default")

	retried := func(n int) domain.QueueItem {
		it := base
		for i := 0; i < n; i++ {
			it = it.Retried("boom")
		}
		return it
	}

	tests := []struct {
		name   string
		result domain.FetchResult
		want   domain.FailureDecision
	}{
		{
			name:   "throttled is ignored",
			result: domain.NewFailure(base, provider.ErrorThrottled, "slow down", true, 0),
			want:   domain.Ignore(),
		},
		{
			name:   "not retryable aborts",
			result: domain.NewFailure(base, provider.ErrorNotFound, "gone", false, 0),
			want:   domain.Abort(),
		},
		{
			name:   "retry without priority stays in catch-all",
			result: domain.NewFailure(base, provider.ErrorServer, "502", true, 0),
			want:   domain.Retry("", nil),
		},
		{
			name:   "retry demotes priority",
			result: domain.NewFailure(base.WithPriority(domain.IntPtr(1)), provider.ErrorServer, "502", true, 0),
			want:   domain.Retry("", domain.IntPtr(2)),
		},
		{
			name:   "demotion stops at max priority",
			result: domain.NewFailure(base.WithPriority(domain.IntPtr(3)), provider.ErrorServer, "502", true, 0),
			want:   domain.Retry("", domain.IntPtr(3)),
		},
		{
			name:   "exhausted with fallback restarts",
			result: domain.NewFailure(retried(2), provider.ErrorServer, "502", true, 0),
			want:   domain.Restart("slow_extractor"),
		},
		{
			name:   "exhausted without fallback aborts",
			result: domain.NewFailure(retried(2).WithExtractor("slow_extractor"), provider.ErrorServer, "502", true, 0),
			want:   domain.Abort(),
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, policy.Decide(tc.result))
		})
	}
}

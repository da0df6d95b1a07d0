package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/contact-harvester/internal/crawler"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, Fatal},
		{"deadline", fmt.Errorf("navigate: %w", context.DeadlineExceeded), Retryable},
		{"retryable wrapper", &crawler.RetryableNetworkError{URL: "https://a", Err: errors.New("backstop")}, Retryable},
		{"reset text", errors.New("read tcp: connection reset by peer"), Retryable},
		{"chrome net error", errors.New("page load error net::ERR_CONNECTION_TIMED_OUT"), Retryable},
		{"socket closed", errors.New("write: use of closed network connection"), Retryable},
		{"context destroyed", errors.New("Execution context destroyed"), NeedsSlotRecovery},
		{"target closed", errors.New("cdp: target closed"), NeedsSlotRecovery},
		{"detached", errors.New("frame detached"), NeedsSlotRecovery},
		{"browser gone", errors.New("Target page, context or browser has been closed"), NeedsSlotRecovery},
		{"idle connection closed", errors.New(`Get "https://a.example": http: server closed idle connection`), Retryable},
		{"peer closed", errors.New("remote error: tls: connection closed by peer"), Retryable},
		{"handle destroyed text", errors.New("upstream destroyed the response"), Fatal},
		{"slot error", &crawler.SlotInvalidError{Slot: 2, Err: errors.New("probe failed")}, NeedsSlotRecovery},
		{"block", fmt.Errorf("load: %w", &crawler.BlockDetectedError{URL: "https://a", StatusCode: 403}), NeedsRotation},
		{"canceled", context.Canceled, Fatal},
		{"other", errors.New("invalid character in html"), Fatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, Classify(tt.err), tt.want.String())
		})
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	t.Parallel()

	p := New(Config{MaxRetries: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second})
	require.Equal(t, 100*time.Millisecond, p.Backoff(0))
	require.Equal(t, 200*time.Millisecond, p.Backoff(1))
	require.Equal(t, 400*time.Millisecond, p.Backoff(2))
	require.Equal(t, time.Second, p.Backoff(10))
}

func TestBackoffJitterStaysInRange(t *testing.T) {
	t.Parallel()

	p := New(Config{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: true})
	for i := 0; i < 20; i++ {
		d := p.Backoff(1)
		require.GreaterOrEqual(t, d, 100*time.Millisecond)
		require.Less(t, d, 200*time.Millisecond)
	}
}

func TestExhausted(t *testing.T) {
	t.Parallel()

	p := New(Config{MaxRetries: 3})
	require.False(t, p.Exhausted(3))
	require.True(t, p.Exhausted(4))
	require.Equal(t, 3, p.MaxRetries())

	defaults := New(Config{})
	require.Equal(t, 500*time.Millisecond, defaults.Backoff(0))
}

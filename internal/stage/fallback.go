package stage

import (
	"context"
	"time"
)

// Fallback wraps a primary stage with a retry budget and an optional
// cheaper secondary. Only enhancement stages get a secondary; essential
// stages are never wrapped and their failure is fatal to the task.
//
// Run invokes the primary under a per-attempt timeout, retrying transient
// failures per the policy. Once the budget is exhausted, or the failure is
// classified non-retryable, the secondary (if any) runs synchronously.
// Whatever remains unabsorbed surfaces as a fallback-exhausted error.
type Fallback struct {
	Primary   Stage
	Secondary Stage
	Retry     RetryPolicy
	// Timeout bounds each individual invocation; 0 disables the bound.
	Timeout time.Duration
	Events  EventPublisher
	// Now is the clock source for event timestamps; tests inject a fake.
	Now func() time.Time
}

// NewFallback wraps primary. secondary may be nil.
func NewFallback(primary, secondary Stage, retry RetryPolicy, timeout time.Duration, events EventPublisher) *Fallback {
	if events == nil {
		events = NopPublisher{}
	}
	return &Fallback{
		Primary:   primary,
		Secondary: secondary,
		Retry:     retry.normalized(),
		Timeout:   timeout,
		Events:    events,
		Now:       time.Now,
	}
}

func (f *Fallback) ID() string             { return f.Primary.ID() }
func (f *Fallback) Capability() Capability { return f.Primary.Capability() }

func (f *Fallback) Run(ctx context.Context, doc *Document) error {
	policy := f.Retry.normalized()
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, policy.backoffFor(attempt-1)); err != nil {
				return err
			}
		}
		lastErr = f.runOnce(ctx, f.Primary, doc)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			break
		}
	}

	if f.Secondary == nil {
		return ErrFallbackExhausted(f.Primary.ID(), lastErr)
	}

	f.publish(FallbackEvent{Stage: f.Primary.ID(), Reason: lastErr.Error(), At: f.now()})
	fallbackTotal.WithLabelValues(f.Primary.ID()).Inc()
	if err := f.runOnce(ctx, f.Secondary, doc); err != nil {
		return ErrFallbackExhausted(f.Primary.ID(), err)
	}
	return nil
}

// runOnce executes one stage invocation under the per-attempt timeout.
func (f *Fallback) runOnce(ctx context.Context, s Stage, doc *Document) error {
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}
	return s.Run(ctx, doc)
}

func (f *Fallback) publish(e FallbackEvent) {
	if f.Events != nil {
		f.Events.Publish(e)
	}
}

func (f *Fallback) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

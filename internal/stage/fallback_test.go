package stage

import (
	"context"
	"errors"
	"testing"
	"time"

	"chemd/pkg/types"
)

// fastRetry keeps test backoffs negligible.
func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func countingStage(id string, calls *int, err error) Func {
	return Func{StageID: id, Fn: func(ctx context.Context, doc *Document) error {
		*calls++
		return err
	}}
}

func TestFallback_PrimarySuccessSkipsSecondary(t *testing.T) {
	var primary, secondary int
	pub := NewMemoryPublisher()
	f := NewFallback(
		countingStage("enhance", &primary, nil),
		countingStage("enhance-rule", &secondary, nil),
		fastRetry(3), 0, pub)

	doc := NewDocument("t1", "/tmp/x.pdf", types.ExtractOptions{})
	if err := f.Run(context.Background(), doc); err != nil {
		t.Fatalf("run: %v", err)
	}
	if primary != 1 || secondary != 0 {
		t.Fatalf("expected primary=1 secondary=0, got %d/%d", primary, secondary)
	}
	if n := len(pub.Events()); n != 0 {
		t.Fatalf("expected no fallback events, got %d", n)
	}
}

func TestFallback_TransientRetriesThenSecondary(t *testing.T) {
	var primary, secondary int
	pub := NewMemoryPublisher()
	f := NewFallback(
		countingStage("enhance", &primary, ErrUnavailable("llm endpoint down")),
		countingStage("enhance-rule", &secondary, nil),
		fastRetry(3), 0, pub)

	doc := NewDocument("t1", "/tmp/x.pdf", types.ExtractOptions{})
	if err := f.Run(context.Background(), doc); err != nil {
		t.Fatalf("run: %v", err)
	}
	if primary != 3 {
		t.Fatalf("expected 3 primary attempts, got %d", primary)
	}
	if secondary != 1 {
		t.Fatalf("expected 1 secondary attempt, got %d", secondary)
	}
	evs := pub.Events()
	if len(evs) != 1 || evs[0].Stage != "enhance" {
		t.Fatalf("expected one fallback event for enhance, got %+v", evs)
	}
}

func TestFallback_NonRetryableGoesStraightToSecondary(t *testing.T) {
	var primary, secondary int
	f := NewFallback(
		countingStage("enhance", &primary, ErrBadInput("garbled molecule block")),
		countingStage("enhance-rule", &secondary, nil),
		fastRetry(3), 0, nil)

	doc := NewDocument("t1", "/tmp/x.pdf", types.ExtractOptions{})
	if err := f.Run(context.Background(), doc); err != nil {
		t.Fatalf("run: %v", err)
	}
	if primary != 1 {
		t.Fatalf("expected single primary attempt for non-retryable error, got %d", primary)
	}
	if secondary != 1 {
		t.Fatalf("expected secondary invoked, got %d", secondary)
	}
}

func TestFallback_ExhaustedWithoutSecondary(t *testing.T) {
	var primary int
	f := NewFallback(
		countingStage("enhance", &primary, ErrUnavailable("down")),
		nil, fastRetry(2), 0, nil)

	err := f.Run(context.Background(), NewDocument("t1", "x.pdf", types.ExtractOptions{}))
	if err == nil || !IsFallbackExhausted(err) {
		t.Fatalf("expected fallback exhausted, got %v", err)
	}
	if primary != 2 {
		t.Fatalf("expected 2 attempts, got %d", primary)
	}
}

func TestFallback_SecondaryFailureIsExhausted(t *testing.T) {
	var primary, secondary int
	f := NewFallback(
		countingStage("enhance", &primary, ErrUnavailable("down")),
		countingStage("enhance-rule", &secondary, errors.New("rule engine broken")),
		fastRetry(2), 0, nil)

	err := f.Run(context.Background(), NewDocument("t1", "x.pdf", types.ExtractOptions{}))
	if err == nil || !IsFallbackExhausted(err) {
		t.Fatalf("expected fallback exhausted, got %v", err)
	}
	if secondary != 1 {
		t.Fatalf("expected one secondary attempt, got %d", secondary)
	}
}

func TestFallback_AttemptTimeoutIsRetryable(t *testing.T) {
	var primary, secondary int
	slow := Func{StageID: "enhance", Fn: func(ctx context.Context, doc *Document) error {
		primary++
		<-ctx.Done()
		return ctx.Err()
	}}
	f := NewFallback(slow,
		countingStage("enhance-rule", &secondary, nil),
		fastRetry(2), 5*time.Millisecond, NewMemoryPublisher())

	if err := f.Run(context.Background(), NewDocument("t1", "x.pdf", types.ExtractOptions{})); err != nil {
		t.Fatalf("run: %v", err)
	}
	if primary != 2 || secondary != 1 {
		t.Fatalf("expected primary=2 secondary=1, got %d/%d", primary, secondary)
	}
}

func TestFallback_CanceledContextStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var primary int
	f := NewFallback(
		Func{StageID: "enhance", Fn: func(ctx context.Context, doc *Document) error {
			primary++
			cancel()
			return ErrUnavailable("down")
		}},
		nil, fastRetry(5), 0, nil)

	err := f.Run(ctx, NewDocument("t1", "x.pdf", types.ExtractOptions{}))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if primary != 1 {
		t.Fatalf("expected retries to stop after cancel, got %d attempts", primary)
	}
}

func TestRetryPolicy_BackoffCapped(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, InitialBackoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 300 * time.Millisecond},
		{3, 300 * time.Millisecond},
	}
	for _, c := range cases {
		if got := p.backoffFor(c.attempt); got != c.want {
			t.Fatalf("attempt %d: expected %v got %v", c.attempt, c.want, got)
		}
	}
}

func TestIsRetryableClassification(t *testing.T) {
	if !IsRetryable(ErrUnavailable("x")) {
		t.Fatalf("unavailable should be retryable")
	}
	if !IsRetryable(context.DeadlineExceeded) {
		t.Fatalf("deadline exceeded should be retryable")
	}
	if IsRetryable(ErrBadInput("x")) {
		t.Fatalf("bad input should not be retryable")
	}
	if IsRetryable(nil) {
		t.Fatalf("nil should not be retryable")
	}
}

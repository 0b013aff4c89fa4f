package sat

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTokenSource_SingleFlight(t *testing.T) {
	var fetches int32
	release := make(chan struct{})
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	ts := newTokenSource(func(ctx context.Context) (TokenState, error) {
		n := atomic.AddInt32(&fetches, 1)
		<-release
		return TokenState{Value: fmt.Sprintf("tok-%d", n), Expiry: now.Add(5 * time.Minute)}, nil
	}, time.Minute, func() time.Time { return now })

	var wg sync.WaitGroup
	tokens := make([]string, 20)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := ts.Token(context.Background())
			if err != nil {
				t.Errorf("Token() error = %v", err)
				return
			}
			tokens[i] = tok.Value
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&fetches); got != 1 {
		t.Errorf("fetches = %d, want 1", got)
	}
	for i, tok := range tokens {
		if tok != "tok-1" {
			t.Errorf("caller %d got %q, want tok-1", i, tok)
		}
	}
}

func TestTokenSource_RenewsBeforeExpiry(t *testing.T) {
	var fetches int
	clock := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	ts := newTokenSource(func(ctx context.Context) (TokenState, error) {
		fetches++
		return TokenState{Value: fmt.Sprintf("tok-%d", fetches), Expiry: clock.Add(5 * time.Minute)}, nil
	}, time.Minute, func() time.Time { return clock })

	tests := []struct {
		advance time.Duration
		want    string
	}{
		{0, "tok-1"},
		{3 * time.Minute, "tok-1"},
		{59 * time.Second, "tok-1"},
		{time.Second, "tok-2"}, // 4 minutes in: within a minute of expiry
	}

	for _, tt := range tests {
		clock = clock.Add(tt.advance)
		tok, err := ts.Token(context.Background())
		if err != nil {
			t.Fatalf("Token() error = %v", err)
		}
		if tok.Value != tt.want {
			t.Errorf("after %v got %s, want %s", tt.advance, tok.Value, tt.want)
		}
	}
}

func TestTokenSource_Invalidate(t *testing.T) {
	var fetches int
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	ts := newTokenSource(func(ctx context.Context) (TokenState, error) {
		fetches++
		return TokenState{Value: fmt.Sprintf("tok-%d", fetches), Expiry: now.Add(5 * time.Minute)}, nil
	}, time.Minute, func() time.Time { return now })

	first, _ := ts.Token(context.Background())
	ts.Invalidate("some-older-token")
	if again, _ := ts.Token(context.Background()); again.Value != first.Value {
		t.Errorf("stale invalidation replaced the token: %s", again.Value)
	}

	ts.Invalidate(first.Value)
	if again, _ := ts.Token(context.Background()); again.Value != "tok-2" {
		t.Errorf("got %s after invalidation, want tok-2", again.Value)
	}
}

func TestTokenSource_CancelledCallerDoesNotFailOthers(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	ts := newTokenSource(func(ctx context.Context) (TokenState, error) {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
			return TokenState{}, ctx.Err()
		}
		return TokenState{Value: "tok-1", Expiry: now.Add(5 * time.Minute)}, nil
	}, time.Minute, func() time.Time { return now })
	ts.timeout = 5 * time.Second

	first, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := ts.Token(first)
		firstErr <- err
	}()
	<-started

	type result struct {
		tok TokenState
		err error
	}
	second := make(chan result, 1)
	go func() {
		tok, err := ts.Token(context.Background())
		second <- result{tok, err}
	}()

	cancelFirst()
	if err := <-firstErr; err != context.Canceled {
		t.Errorf("cancelled caller error = %v, want %v", err, context.Canceled)
	}

	close(release)
	got := <-second
	if got.err != nil {
		t.Fatalf("live caller error = %v", got.err)
	}
	if got.tok.Value != "tok-1" {
		t.Errorf("live caller got %q, want tok-1", got.tok.Value)
	}
	if cached := ts.current(); cached.Value != "tok-1" {
		t.Errorf("cached token = %q, want tok-1", cached.Value)
	}
}

func TestTokenSource_TimeoutBoundsRenewal(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	ts := newTokenSource(func(ctx context.Context) (TokenState, error) {
		<-ctx.Done()
		return TokenState{}, ctx.Err()
	}, time.Minute, func() time.Time { return now })
	ts.timeout = 20 * time.Millisecond

	if _, err := ts.Token(context.Background()); err != context.DeadlineExceeded {
		t.Errorf("Token() error = %v, want %v", err, context.DeadlineExceeded)
	}
}

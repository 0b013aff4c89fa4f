package sat

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// TokenState is the WRAP access token and the moment SAT stops honouring it.
type TokenState struct {
	Value  string
	Expiry time.Time
}

func (t TokenState) usable(now time.Time, renewBefore time.Duration) bool {
	return t.Value != "" && now.Before(t.Expiry.Add(-renewBefore))
}

// tokenSource caches one token per client and renews it renewBefore ahead of
// expiry. Concurrent callers needing a renewal share a single authentication,
// which runs detached from any one caller: a caller that gives up stops
// waiting, the others still get the token.
type tokenSource struct {
	mu          sync.Mutex
	state       TokenState
	renewBefore time.Duration
	// timeout bounds the shared authentication; zero means no bound.
	timeout time.Duration
	fetch   func(context.Context) (TokenState, error)
	now     func() time.Time
	group   singleflight.Group
}

func newTokenSource(fetch func(context.Context) (TokenState, error), renewBefore time.Duration, now func() time.Time) *tokenSource {
	return &tokenSource{fetch: fetch, renewBefore: renewBefore, now: now}
}

func (ts *tokenSource) current() TokenState {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.state
}

// Token returns a usable token, authenticating when needed. The mutex is
// never held during the network call.
func (ts *tokenSource) Token(ctx context.Context) (TokenState, error) {
	if st := ts.current(); st.usable(ts.now(), ts.renewBefore) {
		return st, nil
	}
	if err := ctx.Err(); err != nil {
		return TokenState{}, err
	}

	ch := ts.group.DoChan("token", func() (interface{}, error) {
		if st := ts.current(); st.usable(ts.now(), ts.renewBefore) {
			return st, nil
		}
		fetchCtx := context.WithoutCancel(ctx)
		if ts.timeout > 0 {
			var cancel context.CancelFunc
			fetchCtx, cancel = context.WithTimeout(fetchCtx, ts.timeout)
			defer cancel()
		}
		fresh, err := ts.fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		ts.mu.Lock()
		ts.state = fresh
		ts.mu.Unlock()
		return fresh, nil
	})

	select {
	case <-ctx.Done():
		return TokenState{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return TokenState{}, res.Err
		}
		return res.Val.(TokenState), nil
	}
}

// Invalidate drops value if it is still the cached token. A token renewed
// by another caller in the meantime is kept.
func (ts *tokenSource) Invalidate(value string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.state.Value == value {
		ts.state = TokenState{}
	}
}

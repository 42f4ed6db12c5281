package adapters

import (
	"context"
	"errors"
	"time"
)

// Observer receives one call per adapter operation. outcome is "ok" or
// the KindName of the returned error.
type Observer interface {
	ObserveCall(adapter, op, outcome string, d time.Duration)
}

// Bounded wraps an adapter so that every call runs under a timeout.
// A call that hits the deadline or is cancelled fails with
// ErrPlatformUnavailable.
type Bounded struct {
	inner    Adapter
	timeout  time.Duration
	observer Observer
}

// Bound wraps a with a per-call timeout. A zero timeout leaves calls
// bounded only by the caller's context. obs may be nil.
func Bound(a Adapter, timeout time.Duration, obs Observer) *Bounded {
	return &Bounded{inner: a, timeout: timeout, observer: obs}
}

// Unwrap returns the wrapped adapter.
func (b *Bounded) Unwrap() Adapter { return b.inner }

// Name returns the wrapped adapter's name.
func (b *Bounded) Name() string { return b.inner.Name() }

// Detect runs the wrapped detection under the timeout. A detection that
// times out counts as no match.
func (b *Bounded) Detect(ctx context.Context, url string) bool {
	var ok bool
	_ = b.run(ctx, "detect", func(ctx context.Context) error {
		ok = b.inner.Detect(ctx, url)
		return nil
	})
	return ok
}

// Authenticate calls the wrapped adapter under the timeout.
func (b *Bounded) Authenticate(ctx context.Context, url string, cred Credential) (Session, error) {
	var sess Session
	err := b.run(ctx, "authenticate", func(ctx context.Context) error {
		var err error
		sess, err = b.inner.Authenticate(ctx, url, cred)
		return err
	})
	return sess, err
}

// EndSession calls the wrapped adapter under the timeout.
func (b *Bounded) EndSession(ctx context.Context, sess Session) error {
	return b.run(ctx, "end_session", func(ctx context.Context) error {
		return b.inner.EndSession(ctx, sess)
	})
}

// ListChallenges calls the wrapped adapter under the timeout.
func (b *Bounded) ListChallenges(ctx context.Context, sess Session) ([]Challenge, error) {
	var out []Challenge
	err := b.run(ctx, "list_challenges", func(ctx context.Context) error {
		var err error
		out, err = b.inner.ListChallenges(ctx, sess)
		return err
	})
	return out, err
}

// GetChallenge calls the wrapped adapter under the timeout.
func (b *Bounded) GetChallenge(ctx context.Context, id string, sess Session) (Challenge, error) {
	var ch Challenge
	err := b.run(ctx, "get_challenge", func(ctx context.Context) error {
		var err error
		ch, err = b.inner.GetChallenge(ctx, id, sess)
		return err
	})
	return ch, err
}

// SubmitFlag calls the wrapped adapter under the timeout.
func (b *Bounded) SubmitFlag(ctx context.Context, sess Session, ch Challenge, flag string) (bool, error) {
	var ok bool
	err := b.run(ctx, "submit_one", func(ctx context.Context) error {
		var err error
		ok, err = b.inner.SubmitFlag(ctx, sess, ch, flag)
		return err
	})
	return ok, err
}

// SubmitFlags checks the pair count, then calls the wrapped adapter
// under the timeout.
func (b *Bounded) SubmitFlags(ctx context.Context, sess Session, challenges []Challenge, flags []string) ([]bool, error) {
	if err := CheckCounts(len(challenges), len(flags)); err != nil {
		return nil, err
	}
	var out []bool
	err := b.run(ctx, "submit_many", func(ctx context.Context) error {
		var err error
		out, err = b.inner.SubmitFlags(ctx, sess, challenges, flags)
		return err
	})
	return out, err
}

func (b *Bounded) run(ctx context.Context, op string, fn func(context.Context) error) error {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	start := time.Now()
	err := fn(ctx)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			err = Fail(op, "", ErrPlatformUnavailable, err)
		} else {
			err = Wrap(op, "", err, ErrPlatformUnavailable)
		}
	}
	if b.observer != nil {
		b.observer.ObserveCall(b.inner.Name(), op, KindName(err), time.Since(start))
	}
	return err
}

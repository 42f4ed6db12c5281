package adapters_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/szaher/ctfops/internal/adapters"
	"github.com/szaher/ctfops/internal/adapters/adaptertest"
)

type recordingObserver struct {
	mu    sync.Mutex
	calls []string
}

func (o *recordingObserver) ObserveCall(adapter, op, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, adapter+"/"+op+"/"+outcome)
}

func TestBoundedTimeoutIsPlatformUnavailable(t *testing.T) {
	fake := adaptertest.New("slow", "https://")
	fake.Tokens = []string{"abc"}
	fake.AuthDelay = time.Second

	obs := &recordingObserver{}
	bounded := adapters.Bound(fake, 20*time.Millisecond, obs)

	_, err := bounded.Authenticate(context.Background(), "https://x", adapters.TokenCredential("abc"))
	if !errors.Is(err, adapters.ErrPlatformUnavailable) {
		t.Fatalf("Authenticate error = %v, want ErrPlatformUnavailable", err)
	}
	if len(obs.calls) != 1 || obs.calls[0] != "slow/authenticate/unavailable" {
		t.Errorf("observer calls = %v", obs.calls)
	}
}

func TestBoundedPassesKindsThrough(t *testing.T) {
	fake := adaptertest.New("fake", "https://")
	bounded := adapters.Bound(fake, time.Second, nil)

	_, err := bounded.Authenticate(context.Background(), "https://x", adapters.TokenCredential("wrong"))
	if !errors.Is(err, adapters.ErrLoginFailed) {
		t.Fatalf("Authenticate error = %v, want ErrLoginFailed", err)
	}

	_, err = bounded.GetChallenge(context.Background(), "nope", adapters.Session{})
	if !errors.Is(err, adapters.ErrChallengeNotFound) {
		t.Fatalf("GetChallenge error = %v, want ErrChallengeNotFound", err)
	}
}

func TestBoundedSubmitFlagsChecksCountFirst(t *testing.T) {
	fake := adaptertest.New("fake", "https://")
	bounded := adapters.Bound(fake, time.Second, nil)

	_, err := bounded.SubmitFlags(context.Background(), adapters.Session{},
		[]adapters.Challenge{{ID: "a"}, {ID: "b"}}, []string{"x"})
	if !errors.Is(err, adapters.ErrMismatchedCount) {
		t.Fatalf("SubmitFlags error = %v, want ErrMismatchedCount", err)
	}
	if n := fake.BatchCalls.Load(); n != 0 {
		t.Errorf("adapter called %d times, want 0", n)
	}
}

func TestSubmitEach(t *testing.T) {
	fake := adaptertest.New("fake", "https://")
	fake.Flags["a"] = "A"
	fake.Flags["b"] = "B"
	fake.SetChallenges(adapters.Challenge{ID: "a"}, adapters.Challenge{ID: "b"})

	got, err := adapters.SubmitEach(context.Background(), fake, adapters.Session{},
		[]adapters.Challenge{{ID: "a"}, {ID: "b"}}, []string{"A", "wrong"})
	if err != nil {
		t.Fatalf("SubmitEach: %v", err)
	}
	if len(got) != 2 || !got[0] || got[1] {
		t.Errorf("SubmitEach = %v, want [true false]", got)
	}
}

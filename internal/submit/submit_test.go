package submit

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/szaher/ctfops/internal/adapters"
	"github.com/szaher/ctfops/internal/adapters/adaptertest"
	"github.com/szaher/ctfops/internal/roster"
	"github.com/szaher/ctfops/internal/state"
)

type countingRecorder struct {
	mu       sync.Mutex
	accepted int
	rejected int
}

func (r *countingRecorder) RecordSubmission(_ string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ok {
		r.accepted++
	} else {
		r.rejected++
	}
}

func setup(t *testing.T, cached ...adapters.Challenge) (*Engine, *adaptertest.Fake, *state.Store, state.Key) {
	t.Helper()
	store := state.New(state.NewMemoryBackend())
	key := state.NewKey("https://fake.ctf", "ops")
	if len(cached) > 0 {
		_, err := store.UpdateChallenges(context.Background(), key, func(c *state.ChallengeCache) error {
			c.Challenges = cached
			return nil
		})
		if err != nil {
			t.Fatalf("seed cache: %v", err)
		}
	}
	fake := adaptertest.New("fake", "https://fake.")
	fake.SetChallenges(cached...)
	return NewEngine(store, nil, nil, nil), fake, store, key
}

func cached(t *testing.T, store *state.Store, key state.Key, id string) adapters.Challenge {
	t.Helper()
	cache, _, err := store.Challenges(context.Background(), key)
	if err != nil {
		t.Fatalf("Challenges: %v", err)
	}
	ch := cache.Find(id)
	if ch == nil {
		t.Fatalf("challenge %s not cached", id)
	}
	return *ch
}

func TestSolveOne_AcceptedAndRejected(t *testing.T) {
	e, fake, store, key := setup(t, adapters.Challenge{ID: "1"}, adapters.Challenge{ID: "2"})
	rec := &countingRecorder{}
	e.recorder = rec
	fake.Flags["1"] = "flag{one}"
	fake.Flags["2"] = "flag{two}"
	ctx := context.Background()

	ok, err := e.SolveOne(ctx, key, fake, adapters.Session{}, "1", "flag{one}")
	if err != nil || !ok {
		t.Fatalf("SolveOne(1) = %v, %v", ok, err)
	}
	if ch := cached(t, store, key, "1"); !ch.Solved || ch.StagedFlag != "" {
		t.Errorf("accepted challenge = %+v, want solved with no staged flag", ch)
	}

	ok, err = e.SolveOne(ctx, key, fake, adapters.Session{}, "2", "flag{wrong}")
	if err != nil || ok {
		t.Fatalf("SolveOne(2) = %v, %v", ok, err)
	}
	if ch := cached(t, store, key, "2"); ch.Solved || ch.StagedFlag != "flag{wrong}" {
		t.Errorf("rejected challenge = %+v, want unsolved with staged flag", ch)
	}
	if rec.accepted != 1 || rec.rejected != 1 {
		t.Errorf("recorder = %+v", rec)
	}
}

func TestSolveOne_FetchesUncachedChallenge(t *testing.T) {
	e, fake, store, key := setup(t)
	fake.SetChallenges(adapters.Challenge{ID: "9", Name: "late", Attrs: map[string]any{"points": 50}})
	fake.Flags["9"] = "flag{late}"

	ok, err := e.SolveOne(context.Background(), key, fake, adapters.Session{}, "9", "flag{late}")
	if err != nil || !ok {
		t.Fatalf("SolveOne = %v, %v", ok, err)
	}
	if n := fake.GetCalls.Load(); n != 1 {
		t.Errorf("GetChallenge called %d times, want 1", n)
	}
	ch := cached(t, store, key, "9")
	if ch.Name != "late" || !ch.Solved {
		t.Errorf("cached = %+v", ch)
	}
}

func TestSolveOne_SyncsFullRosterWhenUncached(t *testing.T) {
	e, fake, store, key := setup(t)
	e.rosters = roster.NewSynchronizer(store, nil)
	fake.SetChallenges(adapters.Challenge{ID: "c1"}, adapters.Challenge{ID: "c2"}, adapters.Challenge{ID: "c3"})
	fake.Flags["c1"] = "flag{one}"

	ok, err := e.SolveOne(context.Background(), key, fake, adapters.Session{}, "c1", "flag{one}")
	if err != nil || !ok {
		t.Fatalf("SolveOne = %v, %v", ok, err)
	}
	if n := fake.ListCalls.Load(); n != 1 {
		t.Errorf("ListChallenges called %d times, want 1", n)
	}
	if n := fake.GetCalls.Load(); n != 0 {
		t.Errorf("GetChallenge called %d times, want 0", n)
	}
	cache, _, err := store.Challenges(context.Background(), key)
	if err != nil {
		t.Fatalf("Challenges: %v", err)
	}
	if len(cache.Challenges) != 3 {
		t.Fatalf("cached %d challenges, want the full roster of 3", len(cache.Challenges))
	}
	if ch := cached(t, store, key, "c1"); !ch.Solved {
		t.Errorf("c1 = %+v, want solved", ch)
	}
	if ch := cached(t, store, key, "c2"); ch.Solved || ch.Staged() {
		t.Errorf("c2 = %+v, want untouched", ch)
	}
}

func TestSolveOne_RefreshInFlightKeepsSolvedState(t *testing.T) {
	e, fake, store, key := setup(t, adapters.Challenge{ID: "1", Name: "one"})
	rosters := roster.NewSynchronizer(store, nil)
	fake.Flags["1"] = "flag{one}"
	ctx := context.Background()

	// The refresh's snapshot is taken before the solve lands, so it
	// still reports the challenge unsolved.
	fake.OnList = func() {
		fake.OnList = nil
		if ok, err := e.SolveOne(ctx, key, fake, adapters.Session{}, "1", "flag{one}"); err != nil || !ok {
			t.Errorf("SolveOne = %v, %v", ok, err)
		}
	}
	if _, err := rosters.Refresh(ctx, key, fake, adapters.Session{}); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if ch := cached(t, store, key, "1"); !ch.Solved || ch.StagedFlag != "" {
		t.Errorf("after racing refresh = %+v, want solved with no staged flag", ch)
	}
}

func TestSolveOne_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("empty flag", func(t *testing.T) {
		e, fake, _, key := setup(t, adapters.Challenge{ID: "1"})
		if _, err := e.SolveOne(ctx, key, fake, adapters.Session{}, "1", ""); !errors.Is(err, adapters.ErrInvalidFlag) {
			t.Fatalf("err = %v", err)
		}
		if fake.SubmitCalls.Load() != 0 || fake.GetCalls.Load() != 0 {
			t.Error("adapter called for an empty flag")
		}
	})

	t.Run("unknown challenge", func(t *testing.T) {
		e, fake, _, key := setup(t)
		if _, err := e.SolveOne(ctx, key, fake, adapters.Session{}, "nope", "f"); !errors.Is(err, adapters.ErrChallengeNotFound) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("already solved", func(t *testing.T) {
		e, fake, _, key := setup(t, adapters.Challenge{ID: "1", Solved: true})
		if _, err := e.SolveOne(ctx, key, fake, adapters.Session{}, "1", "f"); !errors.Is(err, adapters.ErrInvalidFlag) {
			t.Fatalf("err = %v", err)
		}
		if fake.SubmitCalls.Load() != 0 {
			t.Error("solved challenge was resubmitted")
		}
	})

	t.Run("expired session keeps staged flag", func(t *testing.T) {
		e, fake, store, key := setup(t, adapters.Challenge{ID: "1"})
		fake.Expire()
		if _, err := e.SolveOne(ctx, key, fake, adapters.Session{}, "1", "flag{x}"); !errors.Is(err, adapters.ErrSessionExpired) {
			t.Fatalf("err = %v", err)
		}
		if ch := cached(t, store, key, "1"); ch.StagedFlag != "flag{x}" {
			t.Errorf("staged flag = %q", ch.StagedFlag)
		}
	})
}

func TestSolveStaged(t *testing.T) {
	e, fake, store, key := setup(t,
		adapters.Challenge{ID: "a", StagedFlag: "flag{a}"},
		adapters.Challenge{ID: "b"},
		adapters.Challenge{ID: "c", StagedFlag: "flag{bad}"},
		adapters.Challenge{ID: "d", StagedFlag: "flag{d}", Solved: true},
	)
	fake.Flags["a"] = "flag{a}"
	fake.Flags["c"] = "flag{c}"

	results, err := e.SolveStaged(context.Background(), key, fake, adapters.Session{})
	if err != nil {
		t.Fatalf("SolveStaged: %v", err)
	}
	want := []Result{{ID: "a", Accepted: true}, {ID: "c", Accepted: false}}
	if len(results) != len(want) {
		t.Fatalf("results = %+v, want %+v", results, want)
	}
	for i := range want {
		if results[i] != want[i] {
			t.Errorf("results[%d] = %+v, want %+v", i, results[i], want[i])
		}
	}
	if ch := cached(t, store, key, "a"); !ch.Solved || ch.Staged() {
		t.Errorf("a = %+v", ch)
	}
	if ch := cached(t, store, key, "c"); ch.Solved || ch.StagedFlag != "flag{bad}" {
		t.Errorf("c = %+v", ch)
	}
	if n := fake.BatchCalls.Load(); n != 1 {
		t.Errorf("SubmitFlags called %d times", n)
	}
}

func TestSolveStaged_NothingStaged(t *testing.T) {
	e, fake, _, key := setup(t, adapters.Challenge{ID: "a"})
	results, err := e.SolveStaged(context.Background(), key, fake, adapters.Session{})
	if err != nil || len(results) != 0 {
		t.Fatalf("SolveStaged = %+v, %v", results, err)
	}
	if n := fake.BatchCalls.Load(); n != 0 {
		t.Errorf("SubmitFlags called %d times with nothing staged", n)
	}
}

func TestSolveStaged_MismatchedCountBeforeNetwork(t *testing.T) {
	e, fake, _, key := setup(t, adapters.Challenge{ID: "a", StagedFlag: "x"}, adapters.Challenge{ID: "b", StagedFlag: "y"})
	e.collect = func(c state.ChallengeCache) ([]adapters.Challenge, []string) {
		chs, flags := collectStaged(c)
		return chs, flags[:1]
	}
	_, err := e.SolveStaged(context.Background(), key, fake, adapters.Session{})
	if !errors.Is(err, adapters.ErrMismatchedCount) {
		t.Fatalf("err = %v, want ErrMismatchedCount", err)
	}
	if n := fake.BatchCalls.Load() + fake.SubmitCalls.Load(); n != 0 {
		t.Errorf("adapter called %d times", n)
	}
}

type shortBatch struct{ *adaptertest.Fake }

func (s shortBatch) SubmitFlags(context.Context, adapters.Session, []adapters.Challenge, []string) ([]bool, error) {
	return []bool{true}, nil
}

func TestSolveStaged_ShortResultFromAdapter(t *testing.T) {
	e, fake, store, key := setup(t, adapters.Challenge{ID: "a", StagedFlag: "x"}, adapters.Challenge{ID: "b", StagedFlag: "y"})
	_, err := e.SolveStaged(context.Background(), key, shortBatch{fake}, adapters.Session{})
	if !errors.Is(err, adapters.ErrMismatchedCount) {
		t.Fatalf("err = %v, want ErrMismatchedCount", err)
	}
	if ch := cached(t, store, key, "a"); ch.Solved {
		t.Error("verdicts applied from a malformed batch result")
	}
}

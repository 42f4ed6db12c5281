// Package submit sends flags to a platform and records the verdicts in
// the cached roster.
package submit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/szaher/ctfops/internal/adapters"
	"github.com/szaher/ctfops/internal/state"
)

// Result is the verdict for one submitted flag.
type Result struct {
	ID       string `json:"id"`
	Accepted bool   `json:"accepted"`
}

// Recorder counts verdicts. telemetry.Metrics satisfies it.
type Recorder interface {
	RecordSubmission(adapter string, accepted bool)
}

// Refresher syncs the full roster for a key. roster.Synchronizer
// satisfies it.
type Refresher interface {
	Refresh(ctx context.Context, key state.Key, a adapters.Adapter, sess adapters.Session) (state.ChallengeCache, error)
}

// Engine submits single flags and batches of staged flags.
type Engine struct {
	store    *state.Store
	rosters  Refresher
	logger   *slog.Logger
	recorder Recorder

	// collect picks the pairs for a batch submission.
	collect func(state.ChallengeCache) ([]adapters.Challenge, []string)
}

// NewEngine creates a submission engine. rosters, logger, and recorder
// may be nil; without rosters a missing challenge is fetched on its own.
func NewEngine(store *state.Store, rosters Refresher, logger *slog.Logger, recorder Recorder) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{store: store, rosters: rosters, logger: logger, recorder: recorder, collect: collectStaged}
}

// SolveOne stages flag on challenge id and submits it. When the cache
// does not have the challenge the full roster is synchronized first, and
// the challenge alone is fetched only if the roster still lacks it. An
// accepted flag marks the challenge solved and clears the staged flag;
// a rejected one stays staged.
func (e *Engine) SolveOne(ctx context.Context, key state.Key, a adapters.Adapter, sess adapters.Session, id, flag string) (bool, error) {
	if err := adapters.CheckFlag(flag); err != nil {
		return false, adapters.Wrap("solve", key.String(), err, adapters.ErrInvalidFlag)
	}
	cache, _, err := e.store.Challenges(ctx, key)
	if err != nil {
		return false, err
	}
	if cache.Find(id) == nil && e.rosters != nil {
		if cache, err = e.rosters.Refresh(ctx, key, a, sess); err != nil {
			return false, err
		}
	}

	var fetched *adapters.Challenge
	if cache.Find(id) == nil {
		ch, err := a.GetChallenge(ctx, id, sess)
		if err != nil {
			return false, adapters.Wrap("solve", key.String(), err, adapters.ErrPlatformUnavailable)
		}
		ch.ID = id
		fetched = &ch
	}

	var staged adapters.Challenge
	_, err = e.store.UpdateChallenges(ctx, key, func(c *state.ChallengeCache) error {
		if c.Find(id) == nil {
			if fetched == nil {
				return adapters.Fail("solve", key.String(), adapters.ErrChallengeNotFound,
					fmt.Errorf("challenge %q left the cache", id))
			}
			c.Upsert(fetched.Clone())
		}
		ch := c.Find(id)
		if ch.Solved {
			return adapters.Fail("solve", key.String(), adapters.ErrInvalidFlag,
				fmt.Errorf("challenge %q is already solved", id))
		}
		ch.StagedFlag = flag
		staged = ch.Clone()
		return nil
	})
	if err != nil {
		return false, err
	}

	ok, err := a.SubmitFlag(ctx, sess, staged, flag)
	if err != nil {
		return false, adapters.Wrap("solve", key.String(), err, adapters.ErrPlatformUnavailable)
	}
	e.record(a.Name(), ok)
	if ok {
		if err := e.markSolved(ctx, key, []string{id}); err != nil {
			return true, err
		}
	}
	e.logger.Info("flag submitted", "key", key.String(), "adapter", a.Name(), "challenge", id, "accepted", ok)
	return ok, nil
}

// SolveStaged submits every unsolved challenge with a staged flag in one
// batch and applies the verdicts. Results are in submission order.
func (e *Engine) SolveStaged(ctx context.Context, key state.Key, a adapters.Adapter, sess adapters.Session) ([]Result, error) {
	cache, _, err := e.store.Challenges(ctx, key)
	if err != nil {
		return nil, err
	}
	chs, flags := e.collect(cache)
	if err := adapters.CheckCounts(len(chs), len(flags)); err != nil {
		return nil, adapters.Wrap("submit_staged", key.String(), err, adapters.ErrMismatchedCount)
	}
	if len(chs) == 0 {
		return []Result{}, nil
	}

	verdicts, err := a.SubmitFlags(ctx, sess, chs, flags)
	if err != nil {
		return nil, adapters.Wrap("submit_staged", key.String(), err, adapters.ErrPlatformUnavailable)
	}
	if len(verdicts) != len(chs) {
		return nil, adapters.Fail("submit_staged", key.String(), adapters.ErrMismatchedCount,
			fmt.Errorf("submitted %d flags, got %d results", len(chs), len(verdicts)))
	}

	results := make([]Result, len(chs))
	var accepted []string
	for i, ch := range chs {
		results[i] = Result{ID: ch.ID, Accepted: verdicts[i]}
		e.record(a.Name(), verdicts[i])
		if verdicts[i] {
			accepted = append(accepted, ch.ID)
		}
	}
	if err := e.markSolved(ctx, key, accepted); err != nil {
		return results, err
	}
	e.logger.Info("staged flags submitted",
		"key", key.String(),
		"adapter", a.Name(),
		"submitted", len(chs),
		"accepted", len(accepted),
	)
	return results, nil
}

func (e *Engine) markSolved(ctx context.Context, key state.Key, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := e.store.UpdateChallenges(ctx, key, func(c *state.ChallengeCache) error {
		for _, id := range ids {
			if ch := c.Find(id); ch != nil {
				ch.Solved = true
				ch.StagedFlag = ""
			}
		}
		return nil
	})
	return err
}

func (e *Engine) record(adapter string, accepted bool) {
	if e.recorder != nil {
		e.recorder.RecordSubmission(adapter, accepted)
	}
}

func collectStaged(cache state.ChallengeCache) ([]adapters.Challenge, []string) {
	var (
		chs   []adapters.Challenge
		flags []string
	)
	for _, ch := range cache.Challenges {
		if ch.Staged() && !ch.Solved {
			chs = append(chs, ch.Clone())
			flags = append(flags, ch.StagedFlag)
		}
	}
	return chs, flags
}

// Package roster keeps the cached challenge list for each state key in
// step with the platform while preserving locally staged answers.
package roster

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/szaher/ctfops/internal/adapters"
	"github.com/szaher/ctfops/internal/state"
)

// Synchronizer refreshes, merges, and serves cached rosters.
type Synchronizer struct {
	store  *state.Store
	logger *slog.Logger
}

// NewSynchronizer creates a synchronizer over store. logger may be nil.
func NewSynchronizer(store *state.Store, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Synchronizer{store: store, logger: logger}
}

// Refresh fetches the remote roster and merges it into the cache for
// key in one atomic update.
func (s *Synchronizer) Refresh(ctx context.Context, key state.Key, a adapters.Adapter, sess adapters.Session) (state.ChallengeCache, error) {
	fresh, err := a.ListChallenges(ctx, sess)
	if err != nil {
		return state.ChallengeCache{}, adapters.Wrap("refresh", key.String(), err, adapters.ErrPlatformUnavailable)
	}
	var dropped int
	cache, err := s.store.UpdateChallenges(ctx, key, func(c *state.ChallengeCache) error {
		before := len(c.Challenges)
		c.Challenges = Merge(c.Challenges, fresh)
		dropped = max(0, before-len(c.Challenges))
		return nil
	})
	if err != nil {
		return state.ChallengeCache{}, err
	}
	s.logger.Debug("roster refreshed",
		"key", key.String(),
		"adapter", a.Name(),
		"challenges", len(cache.Challenges),
		"shrunk_by", dropped,
	)
	return cache, nil
}

// Merge combines a cached roster with a fresh fetch. The result has the
// fresh order and membership. For ids present in both, a non-empty
// cached staged flag and a cached solved state are kept; everything else
// comes from the fresh copy. Fresh entries with an empty or repeated id
// are skipped.
func Merge(cached, fresh []adapters.Challenge) []adapters.Challenge {
	prev := make(map[string]adapters.Challenge, len(cached))
	for _, ch := range cached {
		prev[ch.ID] = ch
	}
	seen := make(map[string]struct{}, len(fresh))
	out := make([]adapters.Challenge, 0, len(fresh))
	for _, ch := range fresh {
		if ch.ID == "" {
			continue
		}
		if _, dup := seen[ch.ID]; dup {
			continue
		}
		seen[ch.ID] = struct{}{}

		merged := ch.Clone()
		if old, ok := prev[ch.ID]; ok {
			if old.Staged() {
				merged.StagedFlag = old.StagedFlag
			}
			if old.Solved {
				merged.Solved = true
			}
		}
		out = append(out, merged)
	}
	return out
}

// View returns the cached roster for key filtered and ordered by q,
// refreshing first when nothing is cached. The query is validated
// before any network call.
func (s *Synchronizer) View(ctx context.Context, key state.Key, a adapters.Adapter, sess adapters.Session, q Query) ([]adapters.Challenge, error) {
	q, err := q.Normalize()
	if err != nil {
		return nil, adapters.Wrap("view", key.String(), err, adapters.ErrInvalidQuery)
	}
	var filter *Filter
	if q.Where != "" {
		if filter, err = CompileFilter(q.Where); err != nil {
			return nil, adapters.Fail("view", key.String(), adapters.ErrInvalidQuery, err)
		}
	}

	cache, found, err := s.store.Challenges(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		if cache, err = s.Refresh(ctx, key, a, sess); err != nil {
			return nil, err
		}
	}
	out, err := Apply(cache.Challenges, q, filter)
	if err != nil {
		return nil, adapters.Wrap("view", key.String(), err, adapters.ErrInvalidQuery)
	}
	return out, nil
}

// Stage records flag as the pending answer for a cached challenge
// without submitting it.
func (s *Synchronizer) Stage(ctx context.Context, key state.Key, id, flag string) (adapters.Challenge, error) {
	if err := adapters.CheckFlag(flag); err != nil {
		return adapters.Challenge{}, adapters.Wrap("stage", key.String(), err, adapters.ErrInvalidFlag)
	}
	var staged adapters.Challenge
	_, err := s.store.UpdateChallenges(ctx, key, func(c *state.ChallengeCache) error {
		ch := c.Find(id)
		if ch == nil {
			return adapters.Fail("stage", key.String(), adapters.ErrChallengeNotFound, fmt.Errorf("challenge %q is not cached", id))
		}
		if ch.Solved {
			return adapters.Fail("stage", key.String(), adapters.ErrInvalidFlag, fmt.Errorf("challenge %q is already solved", id))
		}
		ch.StagedFlag = flag
		staged = ch.Clone()
		return nil
	})
	if err != nil {
		return adapters.Challenge{}, err
	}
	s.logger.Debug("flag staged", "key", key.String(), "challenge", id)
	return staged, nil
}

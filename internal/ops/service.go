// Package ops exposes the ctfops command surface as one Service that
// wires adapters, state, sessions, rosters, and submissions together.
package ops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/szaher/ctfops/internal/adapters"
	"github.com/szaher/ctfops/internal/roster"
	"github.com/szaher/ctfops/internal/secrets"
	"github.com/szaher/ctfops/internal/session"
	"github.com/szaher/ctfops/internal/state"
	"github.com/szaher/ctfops/internal/submit"
	"github.com/szaher/ctfops/internal/telemetry"
)

// DefaultCallTimeout bounds adapter calls when Config leaves it zero.
const DefaultCallTimeout = 30 * time.Second

// Config holds the collaborators of a Service. Store and at least one
// adapter are required.
type Config struct {
	// Adapters in detection priority order.
	Adapters []adapters.Adapter
	Store    *state.Store

	// CallTimeout bounds every adapter call. Negative disables the bound.
	CallTimeout time.Duration

	Resolver secrets.Resolver
	OnSecret func(values ...string)
	Logger   *slog.Logger
	Metrics  *telemetry.Metrics
	Tracer   *telemetry.Tracer

	// RefreshConcurrency caps parallel refreshes in RefreshAll.
	RefreshConcurrency int
}

// Service implements every ctfops operation.
type Service struct {
	registry  *adapters.Registry
	store     *state.Store
	sessions  *session.Manager
	rosters   *roster.Synchronizer
	submitter *submit.Engine
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
	parallel  int
}

// SessionSummary describes a stored session without its token.
type SessionSummary struct {
	URL       string    `json:"url"`
	Context   string    `json:"context"`
	Adapter   string    `json:"adapter"`
	CreatedAt time.Time `json:"created_at"`
}

// RefreshResult is the outcome of refreshing one key.
type RefreshResult struct {
	Key        state.Key `json:"key"`
	Challenges int       `json:"challenges"`
	Err        error     `json:"-"`
}

// New builds a Service. Every adapter is wrapped so that its calls are
// bounded by the call timeout and observed by the metrics.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("ops: store is required")
	}
	if len(cfg.Adapters) == 0 {
		return nil, errors.New("ops: at least one adapter is required")
	}
	timeout := cfg.CallTimeout
	switch {
	case timeout == 0:
		timeout = DefaultCallTimeout
	case timeout < 0:
		timeout = 0
	}
	bounded := make([]adapters.Adapter, len(cfg.Adapters))
	for i, a := range cfg.Adapters {
		if a == nil {
			return nil, fmt.Errorf("ops: nil adapter at position %d", i)
		}
		bounded[i] = adapters.Bound(a, timeout, cfg.Metrics)
	}
	registry, err := adapters.NewRegistry(bounded...)
	if err != nil {
		return nil, fmt.Errorf("ops: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = telemetry.NewTracer(nil)
	}
	parallel := cfg.RefreshConcurrency
	if parallel <= 0 {
		parallel = 4
	}
	rosters := roster.NewSynchronizer(cfg.Store, logger)
	return &Service{
		registry: registry,
		store:    cfg.Store,
		sessions: session.NewManager(registry, cfg.Store, session.Options{
			Resolver: cfg.Resolver,
			OnSecret: cfg.OnSecret,
			Logger:   logger,
		}),
		rosters:   rosters,
		submitter: submit.NewEngine(cfg.Store, rosters, logger, cfg.Metrics),
		logger:    logger,
		metrics:   cfg.Metrics,
		tracer:    tracer,
		parallel:  parallel,
	}, nil
}

// Close releases the store.
func (s *Service) Close() error {
	return s.store.Close()
}

// ListAdapters returns adapter names in detection order.
func (s *Service) ListAdapters() []string {
	return s.registry.Names()
}

// Identify returns the name of the adapter that handles url.
func (s *Service) Identify(ctx context.Context, url string) (string, error) {
	a, err := s.registry.Detect(ctx, state.NormalizeURL(url))
	if err != nil {
		return "", err
	}
	return a.Name(), nil
}

// SetDefaultURL sets the platform used by a calling context when a
// command omits the URL. An empty url clears it.
func (s *Service) SetDefaultURL(ctx context.Context, scope, url string) error {
	return s.store.SetDefaultURL(ctx, scope, url)
}

// ResolveKey builds the key for url in scope, falling back to the
// scope's default URL when url is empty.
func (s *Service) ResolveKey(ctx context.Context, url, scope string) (state.Key, error) {
	key := state.NewKey(url, scope)
	if key.URL != "" {
		return key, nil
	}
	def, ok, err := s.store.DefaultURL(ctx, key.Context)
	if err != nil {
		return state.Key{}, err
	}
	if !ok {
		return state.Key{}, adapters.Fail("resolve_key", key.String(), adapters.ErrNoAdapterFound,
			errors.New("no platform url given and no default set for this context"))
	}
	key.URL = def
	return key, nil
}

// SaveCredential stores cred for key without logging in.
func (s *Service) SaveCredential(ctx context.Context, key state.Key, cred adapters.Credential) (err error) {
	ctx, end := s.trace(ctx, "save_credential", key)
	defer func() { end(err) }()
	return s.store.SaveCredential(ctx, key, cred)
}

// Login authenticates with cred, or the stored credential when cred is
// nil, and replaces any stored session.
func (s *Service) Login(ctx context.Context, key state.Key, cred *adapters.Credential) (_ SessionSummary, err error) {
	ctx, end := s.trace(ctx, "login", key)
	defer func() { end(err) }()
	rec, err := s.sessions.Login(ctx, key, cred)
	if err != nil {
		return SessionSummary{}, err
	}
	return SessionSummary{URL: key.URL, Context: key.Context, Adapter: rec.Adapter, CreatedAt: rec.CreatedAt}, nil
}

// Logout ends and forgets the session for key.
func (s *Service) Logout(ctx context.Context, key state.Key) (err error) {
	ctx, end := s.trace(ctx, "logout", key)
	defer func() { end(err) }()
	return s.sessions.Logout(ctx, key)
}

// Delete purges every record for key.
func (s *Service) Delete(ctx context.Context, key state.Key) (err error) {
	ctx, end := s.trace(ctx, "delete", key)
	defer func() { end(err) }()
	if err := s.store.Delete(ctx, key); err != nil {
		return err
	}
	s.logger.Info("key deleted", "key", key.String())
	return nil
}

// ListChallenges returns the roster view for key.
func (s *Service) ListChallenges(ctx context.Context, key state.Key, q roster.Query) (out []adapters.Challenge, err error) {
	ctx, end := s.trace(ctx, "list_challenges", key)
	defer func() { end(err) }()
	if q, err = q.Normalize(); err != nil {
		return nil, adapters.Wrap("list_challenges", key.String(), err, adapters.ErrInvalidQuery)
	}
	if q.Where != "" {
		if _, err := roster.CompileFilter(q.Where); err != nil {
			return nil, adapters.Fail("list_challenges", key.String(), adapters.ErrInvalidQuery, err)
		}
	}
	err = s.withSession(ctx, key, func(a adapters.Adapter, sess adapters.Session) error {
		var err error
		out, err = s.rosters.View(ctx, key, a, sess, q)
		return err
	})
	return out, err
}

// Refresh re-fetches the roster for key and returns its size.
func (s *Service) Refresh(ctx context.Context, key state.Key) (n int, err error) {
	ctx, end := s.trace(ctx, "refresh", key)
	defer func() { end(err) }()
	err = s.withSession(ctx, key, func(a adapters.Adapter, sess adapters.Session) error {
		cache, err := s.rosters.Refresh(ctx, key, a, sess)
		n = len(cache.Challenges)
		return err
	})
	s.metrics.RecordRefresh(key.String(), adapters.KindName(err), n)
	return n, err
}

// RefreshAll refreshes every key concurrently. One key failing does not
// stop the others; each result carries its own error.
func (s *Service) RefreshAll(ctx context.Context, keys []state.Key) []RefreshResult {
	results := make([]RefreshResult, len(keys))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallel)
	for i, key := range keys {
		g.Go(func() error {
			n, err := s.Refresh(ctx, key)
			results[i] = RefreshResult{Key: key, Challenges: n, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Stage records flag for challenge id without submitting it. The
// roster is fetched first when nothing is cached for key.
func (s *Service) Stage(ctx context.Context, key state.Key, id, flag string) (_ adapters.Challenge, err error) {
	ctx, end := s.trace(ctx, "stage", key)
	defer func() { end(err) }()
	if err := adapters.CheckFlag(flag); err != nil {
		return adapters.Challenge{}, adapters.Wrap("stage", key.String(), err, adapters.ErrInvalidFlag)
	}
	_, cached, err := s.store.Challenges(ctx, key)
	if err != nil {
		return adapters.Challenge{}, err
	}
	if !cached {
		if _, err := s.Refresh(ctx, key); err != nil {
			return adapters.Challenge{}, err
		}
	}
	return s.rosters.Stage(ctx, key, id, flag)
}

// StageAndSolve stages flag on challenge id and submits it.
func (s *Service) StageAndSolve(ctx context.Context, key state.Key, id, flag string) (ok bool, err error) {
	ctx, end := s.trace(ctx, "solve", key)
	defer func() { end(err) }()
	if err := adapters.CheckFlag(flag); err != nil {
		return false, adapters.Wrap("solve", key.String(), err, adapters.ErrInvalidFlag)
	}
	err = s.withSession(ctx, key, func(a adapters.Adapter, sess adapters.Session) error {
		var err error
		ok, err = s.submitter.SolveOne(ctx, key, a, sess, id, flag)
		return err
	})
	return ok, err
}

// SubmitStaged submits every staged flag for key in one batch.
func (s *Service) SubmitStaged(ctx context.Context, key state.Key) (out []submit.Result, err error) {
	ctx, end := s.trace(ctx, "submit_staged", key)
	defer func() { end(err) }()
	err = s.withSession(ctx, key, func(a adapters.Adapter, sess adapters.Session) error {
		var err error
		out, err = s.submitter.SolveStaged(ctx, key, a, sess)
		return err
	})
	return out, err
}

// withSession runs fn with the adapter and session for key. A session
// the platform reports as expired is dropped so the next command logs
// in again from the stored credential.
func (s *Service) withSession(ctx context.Context, key state.Key, fn func(adapters.Adapter, adapters.Session) error) error {
	rec, err := s.sessions.Resolve(ctx, key, nil)
	if err != nil {
		return err
	}
	a, err := s.registry.Get(rec.Adapter)
	if err != nil {
		if ierr := s.sessions.Invalidate(ctx, key); ierr != nil {
			s.logger.Warn("drop orphaned session", "key", key.String(), "error", ierr)
		}
		return err
	}
	err = fn(a, rec.Session)
	if errors.Is(err, adapters.ErrSessionExpired) {
		if ierr := s.sessions.Invalidate(ctx, key); ierr != nil {
			s.logger.Warn("drop expired session", "key", key.String(), "error", ierr)
		}
	}
	return err
}

func (s *Service) trace(ctx context.Context, op string, key state.Key) (context.Context, func(error)) {
	ctx, span := s.tracer.Start(ctx, op, telemetry.KeyAttrs(key.URL, key.Context)...)
	return ctx, func(err error) {
		span.End(adapters.KindName(err))
		if err != nil {
			s.logger.Debug("operation failed", "op", op, "key", key.String(), "kind", adapters.KindName(err), "error", err)
		}
	}
}

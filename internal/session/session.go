// Package session owns login and logout against platform adapters and
// persists the resulting sessions in the state store.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/szaher/ctfops/internal/adapters"
	"github.com/szaher/ctfops/internal/secrets"
	"github.com/szaher/ctfops/internal/state"
)

// Options configures a Manager. Every field is optional.
type Options struct {
	// Resolver expands secret references such as env(VAR) in credential
	// fields at login time. Nil leaves fields as stored.
	Resolver secrets.Resolver

	// OnSecret receives resolved credential values and session tokens so
	// they can be scrubbed from logs.
	OnSecret func(values ...string)

	Logger *slog.Logger

	// Now overrides the clock used for SessionRecord.CreatedAt.
	Now func() time.Time
}

// Manager resolves, creates, and ends sessions per state key. At most
// one login per key is in flight at a time; concurrent callers for the
// same key share its result.
type Manager struct {
	registry *adapters.Registry
	store    *state.Store
	resolver secrets.Resolver
	onSecret func(values ...string)
	logger   *slog.Logger
	now      func() time.Time
	group    singleflight.Group
}

// NewManager creates a session manager.
func NewManager(registry *adapters.Registry, store *state.Store, opts Options) *Manager {
	m := &Manager{
		registry: registry,
		store:    store,
		resolver: opts.Resolver,
		onSecret: opts.OnSecret,
		logger:   opts.Logger,
		now:      opts.Now,
	}
	if m.logger == nil {
		m.logger = slog.New(slog.DiscardHandler)
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Resolve returns the stored session for key, logging in first when
// there is none. override, when non-nil, takes precedence over the
// stored credential. See Login for how a done ctx is handled.
func (m *Manager) Resolve(ctx context.Context, key state.Key, override *adapters.Credential) (state.SessionRecord, error) {
	if err := checkOverride(key, override); err != nil {
		return state.SessionRecord{}, err
	}
	rec, ok, err := m.store.Session(ctx, key)
	if err != nil {
		return state.SessionRecord{}, err
	}
	if ok {
		return rec, nil
	}
	return m.login(ctx, key, override, false)
}

// Login authenticates unconditionally and replaces any stored session.
//
// The login is shared by every concurrent caller for key and is not
// bound to any one caller's ctx. A caller whose ctx ends first gets
// ErrPlatformUnavailable, but the login keeps running and its session
// is still stored if it succeeds, so a later call finds it.
func (m *Manager) Login(ctx context.Context, key state.Key, override *adapters.Credential) (state.SessionRecord, error) {
	if err := checkOverride(key, override); err != nil {
		return state.SessionRecord{}, err
	}
	return m.login(ctx, key, override, true)
}

// Logout ends the remote session, best effort, and deletes the stored
// one. Logging out of a key without a session is a no-op.
func (m *Manager) Logout(ctx context.Context, key state.Key) error {
	rec, ok, err := m.store.Session(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if a, err := m.registry.Get(rec.Adapter); err != nil {
		m.logger.Warn("logout: adapter no longer registered", "key", key.String(), "adapter", rec.Adapter)
	} else if err := a.EndSession(ctx, rec.Session); err != nil {
		m.logger.Warn("logout: end session failed", "key", key.String(), "adapter", rec.Adapter, "error", err)
	}
	if err := m.store.DeleteSession(ctx, key); err != nil {
		return err
	}
	m.logger.Info("logged out", "key", key.String(), "adapter", rec.Adapter)
	return nil
}

// Invalidate drops the stored session without contacting the platform.
func (m *Manager) Invalidate(ctx context.Context, key state.Key) error {
	if err := m.store.DeleteSession(ctx, key); err != nil {
		return err
	}
	m.logger.Info("session invalidated", "key", key.String())
	return nil
}

// Adapter returns the adapter for key: the one that issued the stored
// session when there is one, otherwise the detected one.
func (m *Manager) Adapter(ctx context.Context, key state.Key) (adapters.Adapter, error) {
	rec, ok, err := m.store.Session(ctx, key)
	if err != nil {
		return nil, err
	}
	if ok {
		if a, err := m.registry.Get(rec.Adapter); err == nil {
			return a, nil
		}
	}
	return m.registry.Detect(ctx, key.URL)
}

func (m *Manager) login(ctx context.Context, key state.Key, override *adapters.Credential, force bool) (state.SessionRecord, error) {
	ch := m.group.DoChan("login:"+key.String(), func() (any, error) {
		// The login outlives a caller that gives up so other waiters
		// still get its result.
		ctx := context.WithoutCancel(ctx)
		if !force {
			rec, ok, err := m.store.Session(ctx, key)
			if err != nil {
				return nil, err
			}
			if ok {
				return rec, nil
			}
		}
		return m.authenticate(ctx, key, override)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return state.SessionRecord{}, res.Err
		}
		return res.Val.(state.SessionRecord), nil
	case <-ctx.Done():
		return state.SessionRecord{}, adapters.Fail("login", key.String(), adapters.ErrPlatformUnavailable, ctx.Err())
	}
}

func (m *Manager) authenticate(ctx context.Context, key state.Key, override *adapters.Credential) (state.SessionRecord, error) {
	cred, source, err := m.credential(ctx, key, override)
	if err != nil {
		return state.SessionRecord{}, err
	}
	adapter, err := m.registry.Detect(ctx, key.URL)
	if err != nil {
		return state.SessionRecord{}, adapters.Wrap("login", key.String(), err, adapters.ErrNoAdapterFound)
	}

	start := m.now()
	sess, err := adapter.Authenticate(ctx, key.URL, cred)
	if err != nil {
		m.logger.Warn("login failed", "key", key.String(), "adapter", adapter.Name(), "credential", source, "error", err)
		return state.SessionRecord{}, adapters.Wrap("login", key.String(), err, adapters.ErrLoginFailed)
	}
	if m.onSecret != nil {
		m.onSecret(sess.Token)
	}

	rec := state.SessionRecord{
		Adapter:   adapter.Name(),
		Session:   sess,
		CreatedAt: m.now().UTC(),
	}
	if err := m.store.SaveSession(ctx, key, rec); err != nil {
		return state.SessionRecord{}, err
	}
	m.logger.Info("logged in",
		"key", key.String(),
		"adapter", adapter.Name(),
		"credential", source,
		"duration_ms", m.now().Sub(start).Milliseconds(),
	)
	return rec, nil
}

// credential picks override over the stored credential and expands
// secret references in it.
func (m *Manager) credential(ctx context.Context, key state.Key, override *adapters.Credential) (adapters.Credential, string, error) {
	var (
		cred   adapters.Credential
		source string
	)
	if override != nil {
		cred, source = *override, "override"
	} else {
		stored, ok, err := m.store.Credential(ctx, key)
		if err != nil {
			return adapters.Credential{}, "", err
		}
		if !ok {
			return adapters.Credential{}, "", adapters.Fail("login", key.String(), adapters.ErrInvalidCredentials,
				fmt.Errorf("no credential supplied or stored"))
		}
		cred, source = stored.Credential, "stored"
	}

	resolved, err := m.expand(ctx, cred)
	if err != nil {
		return adapters.Credential{}, "", adapters.Fail("login", key.String(), adapters.ErrInvalidCredentials, err)
	}
	if err := resolved.Validate(); err != nil {
		return adapters.Credential{}, "", adapters.Wrap("login", key.String(), err, adapters.ErrInvalidCredentials)
	}
	if m.onSecret != nil {
		m.onSecret(resolved.Secrets()...)
	}
	return resolved, source, nil
}

func (m *Manager) expand(ctx context.Context, cred adapters.Credential) (adapters.Credential, error) {
	if m.resolver == nil {
		return cred, nil
	}
	for _, field := range []*string{&cred.Username, &cred.Password, &cred.Token} {
		if *field == "" {
			continue
		}
		v, err := m.resolver.Resolve(ctx, *field)
		if err != nil {
			return adapters.Credential{}, err
		}
		*field = v
	}
	return cred, nil
}

func checkOverride(key state.Key, override *adapters.Credential) error {
	if override == nil {
		return nil
	}
	if err := override.Validate(); err != nil {
		return adapters.Wrap("login", key.String(), err, adapters.ErrInvalidCredentials)
	}
	return nil
}

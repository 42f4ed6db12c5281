// Package adaptertest provides an in-memory adapter for tests.
package adaptertest

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/szaher/ctfops/internal/adapters"
)

// Fake is a scriptable adapter. It matches URLs with Prefix, accepts
// the credentials in Tokens/Passwords, and checks submissions against
// Flags. The exported fields must be set before first use.
type Fake struct {
	AdapterName string
	Prefix      string
	Tokens      []string
	Passwords   map[string]string
	Flags       map[string]string

	// AuthDelay slows Authenticate down so tests can pile up callers.
	AuthDelay time.Duration

	// OnList runs after ListChallenges has taken its snapshot and before
	// it returns, so tests can change state under an in-flight refresh.
	OnList func()

	mu         sync.Mutex
	challenges []adapters.Challenge
	expired    bool
	listErr    error
	submitErr  error

	AuthCalls    atomic.Int32
	EndCalls     atomic.Int32
	ListCalls    atomic.Int32
	GetCalls     atomic.Int32
	SubmitCalls  atomic.Int32
	BatchCalls   atomic.Int32
	EndSessionFn func(adapters.Session) error
}

// New returns a fake named name that detects URLs starting with prefix.
func New(name, prefix string) *Fake {
	return &Fake{
		AdapterName: name,
		Prefix:      prefix,
		Passwords:   make(map[string]string),
		Flags:       make(map[string]string),
	}
}

// SetChallenges replaces the remote roster.
func (f *Fake) SetChallenges(chs ...adapters.Challenge) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.challenges = nil
	for _, ch := range chs {
		f.challenges = append(f.challenges, ch.Clone())
	}
}

// Expire makes every session-bound call fail with ErrSessionExpired
// until the next successful Authenticate.
func (f *Fake) Expire() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired = true
}

// FailList makes ListChallenges return err.
func (f *Fake) FailList(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

// FailSubmit makes SubmitFlag and SubmitFlags return err.
func (f *Fake) FailSubmit(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErr = err
}

func (f *Fake) Name() string { return f.AdapterName }

func (f *Fake) Detect(_ context.Context, url string) bool {
	return strings.HasPrefix(url, f.Prefix)
}

func (f *Fake) Authenticate(ctx context.Context, url string, cred adapters.Credential) (adapters.Session, error) {
	f.AuthCalls.Add(1)
	if f.AuthDelay > 0 {
		select {
		case <-time.After(f.AuthDelay):
		case <-ctx.Done():
			return adapters.Session{}, ctx.Err()
		}
	}
	var team string
	switch cred.Kind {
	case adapters.CredentialToken:
		for _, t := range f.Tokens {
			if t == cred.Token {
				team = "token"
			}
		}
	case adapters.CredentialPassword:
		if pw, ok := f.Passwords[cred.Username]; ok && pw == cred.Password {
			team = cred.Username
		}
	}
	if team == "" {
		return adapters.Session{}, adapters.Fail("authenticate", "", adapters.ErrLoginFailed, nil)
	}
	f.mu.Lock()
	f.expired = false
	f.mu.Unlock()
	return adapters.Session{
		URL:   url,
		Token: "tok-" + team,
		Attrs: map[string]any{"team": team},
	}, nil
}

func (f *Fake) EndSession(_ context.Context, sess adapters.Session) error {
	f.EndCalls.Add(1)
	if f.EndSessionFn != nil {
		return f.EndSessionFn(sess)
	}
	return nil
}

func (f *Fake) ListChallenges(_ context.Context, _ adapters.Session) ([]adapters.Challenge, error) {
	f.ListCalls.Add(1)
	out, err := f.snapshot()
	if err == nil && f.OnList != nil {
		f.OnList()
	}
	return out, err
}

func (f *Fake) snapshot() ([]adapters.Challenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.sessionErr(); err != nil {
		return nil, err
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]adapters.Challenge, len(f.challenges))
	for i, ch := range f.challenges {
		out[i] = ch.Clone()
	}
	return out, nil
}

func (f *Fake) GetChallenge(_ context.Context, id string, _ adapters.Session) (adapters.Challenge, error) {
	f.GetCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.sessionErr(); err != nil {
		return adapters.Challenge{}, err
	}
	for _, ch := range f.challenges {
		if ch.ID == id {
			return ch.Clone(), nil
		}
	}
	return adapters.Challenge{}, adapters.Fail("get_challenge", "", adapters.ErrChallengeNotFound, nil)
}

func (f *Fake) SubmitFlag(_ context.Context, _ adapters.Session, ch adapters.Challenge, flag string) (bool, error) {
	f.SubmitCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.sessionErr(); err != nil {
		return false, err
	}
	if f.submitErr != nil {
		return false, f.submitErr
	}
	return f.accept(ch.ID, flag), nil
}

func (f *Fake) SubmitFlags(_ context.Context, _ adapters.Session, chs []adapters.Challenge, flags []string) ([]bool, error) {
	f.BatchCalls.Add(1)
	if err := adapters.CheckCounts(len(chs), len(flags)); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.sessionErr(); err != nil {
		return nil, err
	}
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	out := make([]bool, len(chs))
	for i, ch := range chs {
		out[i] = f.accept(ch.ID, flags[i])
	}
	return out, nil
}

// accept must be called with f.mu held.
func (f *Fake) accept(id, flag string) bool {
	want, ok := f.Flags[id]
	if !ok || want != flag {
		return false
	}
	for i := range f.challenges {
		if f.challenges[i].ID == id {
			f.challenges[i].Solved = true
		}
	}
	return true
}

func (f *Fake) sessionErr() error {
	if f.expired {
		return adapters.Fail("session", "", adapters.ErrSessionExpired, nil)
	}
	return nil
}

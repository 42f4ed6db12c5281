// Package local implements an adapter for CTF rosters kept in a YAML
// file on disk. It needs no network and is used for offline practice
// and tests.
//
// A roster is addressed either by a file:// URL or by a path ending in
// .yaml or .yml. Accepted solves are written next to the roster in
// <roster>.solves.yaml.
package local

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/szaher/ctfops/internal/adapters"
)

// Name is the adapter identifier.
const Name = "local"

// Roster is the on-disk format of a local CTF.
type Roster struct {
	Title      string            `yaml:"title,omitempty"`
	Token      string            `yaml:"token,omitempty"`
	Users      map[string]string `yaml:"users,omitempty"`
	Challenges []Entry           `yaml:"challenges"`
}

// Entry is one challenge in a roster. Exactly one of Flag and FlagSHA256
// should be set.
type Entry struct {
	ID          string         `yaml:"id"`
	Name        string         `yaml:"name"`
	Description string         `yaml:"description,omitempty"`
	Flag        string         `yaml:"flag,omitempty"`
	FlagSHA256  string         `yaml:"flag_sha256,omitempty"`
	Points      *float64       `yaml:"points,omitempty"`
	Solves      *float64       `yaml:"solves,omitempty"`
	Category    string         `yaml:"category,omitempty"`
	Attrs       map[string]any `yaml:"attrs,omitempty"`
}

// solveLog maps team to the ids it solved.
type solveLog map[string][]string

// Adapter serves rosters from YAML files. It is safe for concurrent use.
type Adapter struct {
	mu sync.Mutex
}

// New creates a local adapter.
func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Name() string { return Name }

// Detect matches file:// URLs and paths with a YAML extension. It looks
// only at the URL, never at the file system.
func (a *Adapter) Detect(_ context.Context, rawURL string) bool {
	_, err := rosterPath(rawURL)
	return err == nil
}

// Authenticate accepts the roster token or a username/password pair
// listed under users.
func (a *Adapter) Authenticate(ctx context.Context, rawURL string, cred adapters.Credential) (adapters.Session, error) {
	if err := ctx.Err(); err != nil {
		return adapters.Session{}, adapters.Fail("authenticate", "", adapters.ErrPlatformUnavailable, err)
	}
	if err := cred.Validate(); err != nil {
		return adapters.Session{}, err
	}
	path, err := rosterPath(rawURL)
	if err != nil {
		return adapters.Session{}, adapters.Fail("authenticate", "", adapters.ErrPlatformUnavailable, err)
	}
	r, err := loadRoster(path)
	if err != nil {
		return adapters.Session{}, adapters.Fail("authenticate", "", adapters.ErrPlatformUnavailable, err)
	}

	var team, secret string
	switch cred.Kind {
	case adapters.CredentialToken:
		if r.Token == "" || !equal(r.Token, cred.Token) {
			return adapters.Session{}, adapters.Fail("authenticate", "", adapters.ErrLoginFailed, errors.New("token rejected"))
		}
		team, secret = "token", r.Token
	case adapters.CredentialPassword:
		pw, ok := r.Users[cred.Username]
		if !ok || !equal(pw, cred.Password) {
			return adapters.Session{}, adapters.Fail("authenticate", "", adapters.ErrLoginFailed, errors.New("username or password rejected"))
		}
		team, secret = cred.Username, pw
	}
	return adapters.Session{
		URL:   rawURL,
		Token: sessionToken(path, team, secret),
		Attrs: map[string]any{"team": team, "title": r.Title},
	}, nil
}

// EndSession is a no-op; local sessions are derived, not issued.
func (a *Adapter) EndSession(context.Context, adapters.Session) error {
	return nil
}

func (a *Adapter) ListChallenges(ctx context.Context, sess adapters.Session) ([]adapters.Challenge, error) {
	path, r, team, err := a.open(ctx, sess)
	if err != nil {
		return nil, err
	}
	log, err := loadSolves(path)
	if err != nil {
		return nil, adapters.Fail("list_challenges", "", adapters.ErrPlatformUnavailable, err)
	}
	out := make([]adapters.Challenge, 0, len(r.Challenges))
	for _, e := range r.Challenges {
		out = append(out, e.challenge(team, log))
	}
	return out, nil
}

func (a *Adapter) GetChallenge(ctx context.Context, id string, sess adapters.Session) (adapters.Challenge, error) {
	path, r, team, err := a.open(ctx, sess)
	if err != nil {
		return adapters.Challenge{}, err
	}
	e, ok := r.find(id)
	if !ok {
		return adapters.Challenge{}, adapters.Fail("get_challenge", "", adapters.ErrChallengeNotFound, fmt.Errorf("no challenge %q", id))
	}
	log, err := loadSolves(path)
	if err != nil {
		return adapters.Challenge{}, adapters.Fail("get_challenge", "", adapters.ErrPlatformUnavailable, err)
	}
	return e.challenge(team, log), nil
}

// SubmitFlag checks flag and records the solve when it is correct.
func (a *Adapter) SubmitFlag(ctx context.Context, sess adapters.Session, ch adapters.Challenge, flag string) (bool, error) {
	path, r, team, err := a.open(ctx, sess)
	if err != nil {
		return false, err
	}
	e, ok := r.find(ch.ID)
	if !ok {
		return false, adapters.Fail("submit_one", "", adapters.ErrChallengeNotFound, fmt.Errorf("no challenge %q", ch.ID))
	}
	if !e.accepts(flag) {
		return false, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return false, adapters.Fail("submit_one", "", adapters.ErrPlatformUnavailable, err)
	}
	log, err := loadSolves(path)
	if err != nil {
		return false, adapters.Fail("submit_one", "", adapters.ErrPlatformUnavailable, err)
	}
	if !slices.Contains(log[team], e.ID) {
		log[team] = append(log[team], e.ID)
		if err := saveSolves(path, log); err != nil {
			return false, adapters.Fail("submit_one", "", adapters.ErrPlatformUnavailable, err)
		}
	}
	return true, nil
}

// SubmitFlags has no batch endpoint to call, so it submits each pair.
func (a *Adapter) SubmitFlags(ctx context.Context, sess adapters.Session, challenges []adapters.Challenge, flags []string) ([]bool, error) {
	return adapters.SubmitEach(ctx, a, sess, challenges, flags)
}

// open fails fast on a done ctx, then loads the roster behind sess and checks that the session still
// matches its credentials.
func (a *Adapter) open(ctx context.Context, sess adapters.Session) (string, Roster, string, error) {
	if err := ctx.Err(); err != nil {
		return "", Roster{}, "", adapters.Fail("session", "", adapters.ErrPlatformUnavailable, err)
	}
	path, err := rosterPath(sess.URL)
	if err != nil {
		return "", Roster{}, "", adapters.Fail("session", "", adapters.ErrPlatformUnavailable, err)
	}
	r, err := loadRoster(path)
	if err != nil {
		return "", Roster{}, "", adapters.Fail("session", "", adapters.ErrPlatformUnavailable, err)
	}
	team, _ := sess.Attrs["team"].(string)
	secret := r.Token
	if team != "token" {
		secret = r.Users[team]
	}
	if team == "" || secret == "" || !equal(sess.Token, sessionToken(path, team, secret)) {
		return "", Roster{}, "", adapters.Fail("session", "", adapters.ErrSessionExpired, errors.New("session does not match roster credentials"))
	}
	return path, r, team, nil
}

func (r Roster) find(id string) (Entry, bool) {
	for _, e := range r.Challenges {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

func (e Entry) accepts(flag string) bool {
	if e.FlagSHA256 != "" {
		sum := sha256.Sum256([]byte(flag))
		return equal(strings.ToLower(e.FlagSHA256), hex.EncodeToString(sum[:]))
	}
	return e.Flag != "" && equal(e.Flag, flag)
}

func (e Entry) challenge(team string, log solveLog) adapters.Challenge {
	attrs := make(map[string]any, len(e.Attrs)+3)
	for k, v := range e.Attrs {
		attrs[k] = v
	}
	if e.Points != nil {
		attrs[adapters.AttrPoints] = *e.Points
	}
	solves := 0.0
	if e.Solves != nil {
		solves = *e.Solves
	}
	for _, ids := range log {
		if slices.Contains(ids, e.ID) {
			solves++
		}
	}
	if e.Solves != nil || solves > 0 {
		attrs[adapters.AttrSolves] = solves
	}
	if e.Category != "" {
		attrs[adapters.AttrCategory] = e.Category
	}
	return adapters.Challenge{
		ID:          e.ID,
		Name:        e.Name,
		Description: e.Description,
		Solved:      slices.Contains(log[team], e.ID),
		Attrs:       attrs,
	}
}

// rosterPath extracts the roster file path from a platform URL.
func rosterPath(rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	path := rawURL
	if strings.HasPrefix(rawURL, "file://") {
		u, err := url.Parse(rawURL)
		if err != nil {
			return "", fmt.Errorf("parse %q: %w", rawURL, err)
		}
		path = u.Path
	} else if strings.Contains(rawURL, "://") {
		return "", fmt.Errorf("%q is not a local roster", rawURL)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return filepath.Clean(path), nil
	}
	return "", fmt.Errorf("%q is not a .yaml roster", rawURL)
}

func loadRoster(path string) (Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Roster{}, fmt.Errorf("read roster: %w", err)
	}
	var r Roster
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Roster{}, fmt.Errorf("parse roster %s: %w", path, err)
	}
	seen := make(map[string]bool, len(r.Challenges))
	for i, e := range r.Challenges {
		if e.ID == "" {
			return Roster{}, fmt.Errorf("roster %s: challenge %d has no id", path, i)
		}
		if seen[e.ID] {
			return Roster{}, fmt.Errorf("roster %s: duplicate challenge id %q", path, e.ID)
		}
		seen[e.ID] = true
	}
	return r, nil
}

func solvesPath(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".solves.yaml"
}

func loadSolves(path string) (solveLog, error) {
	data, err := os.ReadFile(solvesPath(path))
	if errors.Is(err, os.ErrNotExist) {
		return solveLog{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read solves: %w", err)
	}
	log := solveLog{}
	if err := yaml.Unmarshal(data, &log); err != nil {
		return nil, fmt.Errorf("parse solves: %w", err)
	}
	return log, nil
}

func saveSolves(path string, log solveLog) error {
	data, err := yaml.Marshal(log)
	if err != nil {
		return fmt.Errorf("encode solves: %w", err)
	}
	target := solvesPath(path)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write solves: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("rename solves: %w", err)
	}
	return nil
}

func sessionToken(path, team, secret string) string {
	sum := sha256.Sum256([]byte(path + "\x00" + team + "\x00" + secret))
	return hex.EncodeToString(sum[:])
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

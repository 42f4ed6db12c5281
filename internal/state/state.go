// Package state defines the keyed state store that persists credentials,
// sessions, and challenge caches per (platform URL, context) key.
package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/szaher/ctfops/internal/adapters"
)

// Key addresses one engagement: a platform URL seen from one calling
// context. The same URL under two contexts is two independent keys.
type Key struct {
	URL     string `json:"url"`
	Context string `json:"context"`
}

// NewKey normalizes url and builds a key.
func NewKey(url, context string) Key {
	return Key{URL: NormalizeURL(url), Context: strings.TrimSpace(context)}
}

// NormalizeURL trims whitespace and trailing slashes so that
// "https://ctf.example/" and "https://ctf.example" share records.
func NormalizeURL(url string) string {
	return strings.TrimRight(strings.TrimSpace(url), "/")
}

// Validate reports whether k can address records.
func (k Key) Validate() error {
	if k.URL == "" {
		return errors.New("platform url is required")
	}
	return nil
}

func (k Key) String() string {
	return k.Context + "|" + k.URL
}

// Table names one logical table of the store.
type Table string

const (
	TableCredentials Table = "credentials"
	TableSessions    Table = "sessions"
	TableChallenges  Table = "challenges"
	TableContexts    Table = "contexts"
)

// keyTables are the tables purged together when a key is deleted.
var keyTables = []Table{TableCredentials, TableSessions, TableChallenges}

// Tx reads and writes raw records. Writes made through a Tx become
// visible only when the enclosing Backend.Update returns nil.
type Tx interface {
	Get(table Table, key Key) ([]byte, bool, error)
	Put(table Table, key Key, value []byte) error
	Delete(table Table, key Key) error
}

// Backend is a transactional key-value store. Update runs fn atomically:
// either every write in fn is applied or none is. Backends with
// optimistic concurrency may run fn more than once.
type Backend interface {
	View(ctx context.Context, fn func(Tx) error) error
	Update(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// CredentialRecord is the stored credential for a key.
type CredentialRecord struct {
	Credential adapters.Credential `json:"credential"`
	SavedAt    time.Time           `json:"saved_at"`
}

// SessionRecord is the live session for a key along with the adapter
// that issued it, which doubles as the cached detection result.
type SessionRecord struct {
	Adapter   string           `json:"adapter"`
	Session   adapters.Session `json:"session"`
	CreatedAt time.Time        `json:"created_at"`
}

// ChallengeCache is the cached roster for a key, unique by id, in
// insertion order.
type ChallengeCache struct {
	Challenges []adapters.Challenge `json:"challenges"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// Index returns the position of id, or -1.
func (c *ChallengeCache) Index(id string) int {
	for i := range c.Challenges {
		if c.Challenges[i].ID == id {
			return i
		}
	}
	return -1
}

// Find returns a pointer to the cached challenge id, or nil.
func (c *ChallengeCache) Find(id string) *adapters.Challenge {
	if i := c.Index(id); i >= 0 {
		return &c.Challenges[i]
	}
	return nil
}

// Upsert replaces the challenge with ch.ID or appends ch.
func (c *ChallengeCache) Upsert(ch adapters.Challenge) {
	if i := c.Index(ch.ID); i >= 0 {
		c.Challenges[i] = ch
		return
	}
	c.Challenges = append(c.Challenges, ch)
}

// ContextRecord holds per-context settings.
type ContextRecord struct {
	DefaultURL string    `json:"default_url"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func contextKey(name string) Key {
	return Key{Context: name}
}

func storageErr(op string, key Key, err error) error {
	if err == nil {
		return nil
	}
	if adapters.KindOf(err) != nil {
		return adapters.Wrap(op, key.String(), err, adapters.ErrStorage)
	}
	return adapters.Fail(op, key.String(), adapters.ErrStorage, err)
}

func errBadKey(op string, key Key, err error) error {
	return adapters.Fail(op, key.String(), adapters.ErrStorage, fmt.Errorf("invalid key: %w", err))
}

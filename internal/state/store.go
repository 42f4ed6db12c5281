package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/szaher/ctfops/internal/adapters"
)

// Store is the typed view over a Backend. Every record kind is JSON
// encoded, so unknown attributes survive a read-modify-write.
type Store struct {
	backend Backend
	now     func() time.Time
}

// New wraps a backend.
func New(b Backend) *Store {
	return &Store{backend: b, now: time.Now}
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// Credential returns the stored credential for key.
func (s *Store) Credential(ctx context.Context, key Key) (CredentialRecord, bool, error) {
	var rec CredentialRecord
	found, err := s.get(ctx, "get_credential", TableCredentials, key, &rec)
	return rec, found, err
}

// SaveCredential validates and stores cred for key, replacing any
// earlier credential.
func (s *Store) SaveCredential(ctx context.Context, key Key, cred adapters.Credential) error {
	if err := cred.Validate(); err != nil {
		return adapters.Wrap("save_credential", key.String(), err, adapters.ErrInvalidCredentials)
	}
	return s.put(ctx, "save_credential", TableCredentials, key, CredentialRecord{
		Credential: cred,
		SavedAt:    s.now().UTC(),
	})
}

// Session returns the stored session for key.
func (s *Store) Session(ctx context.Context, key Key) (SessionRecord, bool, error) {
	var rec SessionRecord
	found, err := s.get(ctx, "get_session", TableSessions, key, &rec)
	return rec, found, err
}

// SaveSession stores rec for key, replacing any earlier session.
func (s *Store) SaveSession(ctx context.Context, key Key, rec SessionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	return s.put(ctx, "save_session", TableSessions, key, rec)
}

// DeleteSession removes the session for key. Missing sessions are fine.
func (s *Store) DeleteSession(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return errBadKey("delete_session", key, err)
	}
	err := s.backend.Update(ctx, func(tx Tx) error {
		return tx.Delete(TableSessions, key)
	})
	return storageErr("delete_session", key, err)
}

// Challenges returns the cached roster for key.
func (s *Store) Challenges(ctx context.Context, key Key) (ChallengeCache, bool, error) {
	var rec ChallengeCache
	found, err := s.get(ctx, "get_challenges", TableChallenges, key, &rec)
	return rec, found, err
}

// UpdateChallenges runs fn on the cached roster for key and stores the
// result, atomically with respect to other updates of the same roster.
// fn receives an empty cache when none exists. If fn fails nothing is
// written. fn may run more than once.
func (s *Store) UpdateChallenges(ctx context.Context, key Key, fn func(*ChallengeCache) error) (ChallengeCache, error) {
	if err := key.Validate(); err != nil {
		return ChallengeCache{}, errBadKey("update_challenges", key, err)
	}
	var out ChallengeCache
	err := s.backend.Update(ctx, func(tx Tx) error {
		var cache ChallengeCache
		raw, found, err := tx.Get(TableChallenges, key)
		if err != nil {
			return err
		}
		if found {
			if err := json.Unmarshal(raw, &cache); err != nil {
				return fmt.Errorf("decode challenges: %w", err)
			}
		}
		if err := fn(&cache); err != nil {
			return err
		}
		cache.UpdatedAt = s.now().UTC()
		data, err := json.Marshal(cache)
		if err != nil {
			return fmt.Errorf("encode challenges: %w", err)
		}
		out = cache
		return tx.Put(TableChallenges, key, data)
	})
	if err != nil {
		return ChallengeCache{}, storageErr("update_challenges", key, err)
	}
	return out, nil
}

// Delete purges credentials, session, and challenge cache for key in
// one transaction. Deleting a key with no records succeeds.
func (s *Store) Delete(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return errBadKey("delete", key, err)
	}
	err := s.backend.Update(ctx, func(tx Tx) error {
		for _, t := range keyTables {
			if err := tx.Delete(t, key); err != nil {
				return fmt.Errorf("delete %s: %w", t, err)
			}
		}
		return nil
	})
	return storageErr("delete", key, err)
}

// DefaultURL returns the platform URL set for a calling context.
func (s *Store) DefaultURL(ctx context.Context, context string) (string, bool, error) {
	var rec ContextRecord
	found, err := s.getRaw(ctx, "get_default_url", TableContexts, contextKey(context), &rec)
	if err != nil || !found {
		return "", false, err
	}
	return rec.DefaultURL, rec.DefaultURL != "", nil
}

// SetDefaultURL sets the platform URL used when a command omits one.
func (s *Store) SetDefaultURL(ctx context.Context, context, url string) error {
	url = NormalizeURL(url)
	key := contextKey(context)
	data, err := json.Marshal(ContextRecord{DefaultURL: url, UpdatedAt: s.now().UTC()})
	if err != nil {
		return storageErr("set_default_url", key, err)
	}
	err = s.backend.Update(ctx, func(tx Tx) error {
		if url == "" {
			return tx.Delete(TableContexts, key)
		}
		return tx.Put(TableContexts, key, data)
	})
	return storageErr("set_default_url", key, err)
}

func (s *Store) get(ctx context.Context, op string, table Table, key Key, v any) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, errBadKey(op, key, err)
	}
	return s.getRaw(ctx, op, table, key, v)
}

func (s *Store) getRaw(ctx context.Context, op string, table Table, key Key, v any) (bool, error) {
	var (
		raw   []byte
		found bool
	)
	err := s.backend.View(ctx, func(tx Tx) error {
		var err error
		raw, found, err = tx.Get(table, key)
		return err
	})
	if err != nil {
		return false, storageErr(op, key, err)
	}
	if !found {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, storageErr(op, key, fmt.Errorf("decode %s: %w", table, err))
	}
	return true, nil
}

func (s *Store) put(ctx context.Context, op string, table Table, key Key, v any) error {
	if err := key.Validate(); err != nil {
		return errBadKey(op, key, err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return storageErr(op, key, fmt.Errorf("encode %s: %w", table, err))
	}
	err = s.backend.Update(ctx, func(tx Tx) error {
		return tx.Put(table, key, data)
	})
	return storageErr(op, key, err)
}

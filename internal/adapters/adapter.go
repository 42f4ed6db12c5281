// Package adapters defines the contract every CTF platform backend
// implements and the registry used to pick one for a platform URL.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Adapter drives one family of CTF platforms. Implementations are
// stateless: everything needed to talk to the platform after login
// travels in the Session value.
//
// Every method must return promptly once ctx is done. Call timeouts are
// applied only through ctx, so an implementation that ignores it blocks
// its caller for as long as it runs.
type Adapter interface {
	// Name returns the adapter identifier.
	Name() string

	// Detect reports whether this adapter handles the platform at url.
	// It must return the same answer for the same url.
	Detect(ctx context.Context, url string) bool

	// Authenticate logs into the platform at url.
	Authenticate(ctx context.Context, url string, cred Credential) (Session, error)

	// EndSession invalidates the session remotely, best effort.
	EndSession(ctx context.Context, sess Session) error

	// ListChallenges returns a full roster snapshot.
	ListChallenges(ctx context.Context, sess Session) ([]Challenge, error)

	// GetChallenge returns a single challenge by its platform id.
	GetChallenge(ctx context.Context, id string, sess Session) (Challenge, error)

	// SubmitFlag submits one flag and reports whether it was accepted.
	SubmitFlag(ctx context.Context, sess Session, ch Challenge, flag string) (bool, error)

	// SubmitFlags submits flags[i] for challenges[i] and returns one
	// result per pair in the same order.
	SubmitFlags(ctx context.Context, sess Session, challenges []Challenge, flags []string) ([]bool, error)
}

// FlagSubmitter is the single-flag half of the Adapter contract.
type FlagSubmitter interface {
	SubmitFlag(ctx context.Context, sess Session, ch Challenge, flag string) (bool, error)
}

// SubmitEach implements SubmitFlags for platforms without a batch
// endpoint by submitting each pair in order. It stops at the first
// transport error.
func SubmitEach(ctx context.Context, s FlagSubmitter, sess Session, challenges []Challenge, flags []string) ([]bool, error) {
	if err := CheckCounts(len(challenges), len(flags)); err != nil {
		return nil, err
	}
	results := make([]bool, len(challenges))
	for i, ch := range challenges {
		ok, err := s.SubmitFlag(ctx, sess, ch, flags[i])
		if err != nil {
			return nil, fmt.Errorf("submit %s: %w", ch.ID, err)
		}
		results[i] = ok
	}
	return results, nil
}

// CheckCounts fails with ErrMismatchedCount unless the challenge and
// flag sequences have the same length.
func CheckCounts(challenges, flags int) error {
	if challenges != flags {
		return Fail("submit_many", "", ErrMismatchedCount,
			fmt.Errorf("%d challenges, %d flags", challenges, flags))
	}
	return nil
}

// CheckFlag fails with ErrInvalidFlag when flag is empty or blank.
func CheckFlag(flag string) error {
	if strings.TrimSpace(flag) == "" {
		return Fail("flag", "", ErrInvalidFlag, errors.New("flag is empty"))
	}
	return nil
}

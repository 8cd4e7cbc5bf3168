package pairing

import (
	"context"
	"errors"

	"github.com/crowdpm/device-core/pkg/types"
)

var (
	ErrNotFound          = errors.New("not_found")
	ErrDuplicateUserCode = errors.New("duplicate_user_code")
)

// Mutator is a pure function of the current session state, returning the
// new state and whether the transition is accepted (spec.md §4.1's
// read-modify-write contract). Store.Update applies it under a single
// transaction so status/acc_id/registration_token_jti/last_poll_at/
// poll_interval never tear.
type Mutator func(current types.PairingSession) (next types.PairingSession, ok bool)

// Store is C1: a durable device_code-keyed map with a secondary
// user_code index. It carries no business logic — all state-machine
// rules live in the Coordinator (C2).
type Store interface {
	Create(ctx context.Context, session types.PairingSession) error
	GetByDeviceCode(ctx context.Context, deviceCode string) (types.PairingSession, error)
	GetByUserCode(ctx context.Context, userCode string) (types.PairingSession, error)
	// GetByThumbprintAndNonce supports the optional start idempotency
	// contract of spec.md §4.2: returns the prior unexpired session for
	// (pub_ke_thumbprint, nonce), if any.
	GetByThumbprintAndNonce(ctx context.Context, thumbprint, nonce string) (types.PairingSession, error)
	Update(ctx context.Context, deviceCode string, mutate Mutator) (types.PairingSession, error)
	DeleteExpired(ctx context.Context, graceSeconds int) (int, error)
}

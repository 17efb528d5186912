package service

import "github.com/lockerhub/lockerd/internal/locker/types"

// Identity carries the verified claims the identity provider attaches to a
// request.  The core trusts these claims; it never authenticates
// credentials itself.
type Identity struct {
	UserID      string
	Email       string
	DisplayName string
	Admin       bool
}

// Capability is the authorization level an operation requires.
type Capability int

const (
	// CapabilityOwner requires the caller to hold the target locker.
	// Admins satisfy it too.
	CapabilityOwner Capability = iota

	// CapabilityAdmin requires the admin claim.
	CapabilityAdmin
)

// Authorizer gates every mutation before it reaches the engine's
// transaction.  Unauthenticated callers fail with ErrUnauthenticated;
// authenticated callers lacking the capability fail with ErrForbidden
// (admin operations) or ErrNotOwner (ownership operations).
type Authorizer struct{}

func (Authorizer) Authorize(actor Identity, cap Capability, l types.Locker) error {
	if actor.UserID == "" {
		return ErrUnauthenticated
	}
	switch cap {
	case CapabilityAdmin:
		if !actor.Admin {
			return ErrForbidden
		}
	case CapabilityOwner:
		if actor.Admin {
			return nil
		}
		if l.AssignedUserID != actor.UserID {
			return ErrNotOwner
		}
	}
	return nil
}

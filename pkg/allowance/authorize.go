package allowance

import (
	"context"
	"errors"
	"fmt"
)

// Action names a privileged operation checked by an Authorizer
type Action string

const (
	// ActionEnsureOther resolves the allowance of a user other than the caller
	ActionEnsureOther Action = "ensure_other"
	// ActionBatchInit runs batch bootstrap across all users
	ActionBatchInit Action = "batch_init"
	// ActionCorrectBalance overwrites the balance of a period
	ActionCorrectBalance Action = "correct_balance"
	// ActionReadLedger reads another user's periods or the audit log
	ActionReadLedger Action = "read_ledger"
	// ActionOverrideGrant sets an explicit window, source, forced grant or skips rollover
	ActionOverrideGrant Action = "override_grant"
)

// Authorizer decides whether caller may perform action against target
type Authorizer interface {
	Authorize(ctx context.Context, caller string, action Action, target string) (bool, error)
}

// AuthorizerFunc adapts a function to the Authorizer interface
type AuthorizerFunc func(ctx context.Context, caller string, action Action, target string) (bool, error)

// Authorize implements Authorizer
func (f AuthorizerFunc) Authorize(ctx context.Context, caller string, action Action, target string) (bool, error) {
	return f(ctx, caller, action, target)
}

// RoleLookup returns the role recorded on a user's profile
type RoleLookup interface {
	GetRole(ctx context.Context, userID string) (string, error)
}

// RoleAuthorizer grants every privileged action to profiles with the admin role
type RoleAuthorizer struct {
	Roles RoleLookup

	// OpenBatchInit lets any authenticated caller trigger batch bootstrap
	OpenBatchInit bool
}

// NewRoleAuthorizer creates a RoleAuthorizer over roles
func NewRoleAuthorizer(roles RoleLookup) *RoleAuthorizer {
	return &RoleAuthorizer{Roles: roles}
}

// Authorize implements Authorizer. A missing profile is a denial, not an error.
func (a *RoleAuthorizer) Authorize(ctx context.Context, caller string, action Action, target string) (bool, error) {
	if caller == "" {
		return false, nil
	}
	switch action {
	case ActionEnsureOther, ActionReadLedger:
		if target == caller {
			return true, nil
		}
	case ActionBatchInit:
		if a.OpenBatchInit {
			return true, nil
		}
	case ActionCorrectBalance, ActionOverrideGrant:
	default:
		return false, nil
	}

	role, err := a.Roles.GetRole(ctx, caller)
	if err != nil {
		if errors.Is(err, ErrProfileNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get role: %w", err)
	}
	return role == RoleAdmin, nil
}

// authorize runs the configured authorizer and turns a denial into ErrForbidden.
// Lookup failures also deny so a broken role store never grants access.
func (r *Resolver) authorize(ctx context.Context, caller string, action Action, target string) error {
	ok, err := r.authorizer.Authorize(ctx, caller, action, target)
	if err != nil {
		r.logger.Warn("authorization check failed",
			Field{"caller", caller},
			Field{"action", string(action)},
			Field{"error", err.Error()},
		)
		return fmt.Errorf("%w: %s", ErrForbidden, action)
	}
	if !ok {
		r.logger.Info("authorization denied",
			Field{"caller", caller},
			Field{"action", string(action)},
			Field{"target", target},
		)
		return fmt.Errorf("%w: %s", ErrForbidden, action)
	}
	return nil
}

// authenticate resolves a bearer credential to the caller's user id
func (r *Resolver) authenticate(ctx context.Context, token string) (string, error) {
	if r.identity == nil {
		return "", fmt.Errorf("%w: no identity provider configured", ErrUnauthenticated)
	}
	if token == "" {
		return "", fmt.Errorf("%w: missing bearer token", ErrUnauthenticated)
	}
	userID, err := r.identity.Authenticate(ctx, token)
	if err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if userID == "" {
		return "", fmt.Errorf("%w: empty subject", ErrUnauthenticated)
	}
	return userID, nil
}

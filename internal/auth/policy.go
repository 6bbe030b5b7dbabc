package auth

import (
	"github.com/example/quietora/internal/apperr"
	"github.com/example/quietora/internal/models"
)

// Authorize allows any authenticated caller when no roles are required, and
// otherwise only callers holding one of required. A nil claims value means
// identity was never established.
func Authorize(claims *Claims, required ...models.Role) error {
	if claims == nil {
		return apperr.Unauthorized("UNAUTHORIZED", "Authentication required")
	}
	if len(required) == 0 {
		return nil
	}
	for _, r := range required {
		if claims.Role == r {
			return nil
		}
	}
	return apperr.Forbidden("FORBIDDEN", "Insufficient role")
}

// GuardSelfDemotion rejects an actor moving their own role away from OWNER.
func GuardSelfDemotion(actor *Claims, targetID int64, newRole models.Role) error {
	if actor != nil && actor.UserID == targetID && newRole != models.RoleOwner {
		return apperr.BadRequest("SELF_DEMOTION", "You cannot remove your own OWNER role")
	}
	return nil
}

// GuardSelfDelete rejects an actor deleting their own account.
func GuardSelfDelete(actor *Claims, targetID int64) error {
	if actor != nil && actor.UserID == targetID {
		return apperr.BadRequest("SELF_DELETE", "You cannot delete your own account")
	}
	return nil
}

// GuardOwnerTarget rejects privileged mutations of a user that currently holds OWNER.
func GuardOwnerTarget(target *models.User) error {
	if target != nil && target.Role == models.RoleOwner {
		return ErrOwnerProtected
	}
	return nil
}

// ErrOwnerProtected is returned when a privileged operation targets the OWNER.
var ErrOwnerProtected = apperr.BadRequest("OWNER_PROTECTED", "The OWNER account cannot be modified or deleted")

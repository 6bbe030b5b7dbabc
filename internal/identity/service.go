// Package identity implements the account lifecycle: registration, login,
// the one-shot owner bootstrap, password changes and the owner's user
// administration.
package identity

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/quietora/internal/apperr"
	"github.com/example/quietora/internal/auth"
	"github.com/example/quietora/internal/models"
	"github.com/example/quietora/internal/store"
	"github.com/sirupsen/logrus"
)

// UserRepository is the part of the store the identity service needs.
type UserRepository interface {
	CreateUser(ctx context.Context, email, name, passwordHash string, role models.Role, createdAt time.Time) (*models.User, error)
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	FindOwner(ctx context.Context) (*models.User, error)
	PromoteOwner(ctx context.Context, id int64) (*models.User, error)
	UpdateUserRole(ctx context.Context, id int64, role models.Role) (*models.User, error)
	UpdateUserPassword(ctx context.Context, id int64, passwordHash string) error
	DeleteUser(ctx context.Context, id int64) error
	ListUsers(ctx context.Context) ([]models.User, error)
	CountUsers(ctx context.Context) (int64, error)
}

var (
	errInvalidCredentials = apperr.Unauthorized("INVALID_CREDENTIALS", "Invalid email or password")
	errEmailTaken         = apperr.BadRequest("EMAIL_TAKEN", "Email already registered")
	errBootstrapDisabled  = apperr.BadRequest("BOOTSTRAP_NOT_CONFIGURED", "OWNER_BOOTSTRAP_SECRET is not configured on the server")
	errBadBootstrapSecret = apperr.Unauthorized("INVALID_BOOTSTRAP_SECRET", "Invalid bootstrap secret")
	errOwnerExists        = apperr.BadRequest("OWNER_EXISTS", "An OWNER already exists. Bootstrap is disabled")
	errUserNotFound       = apperr.BadRequest("USER_NOT_FOUND", "User not found")
	errOwnerGrant         = apperr.BadRequest("OWNER_GRANT", "The OWNER role can only be granted through bootstrap")
)

// AuthResult is returned by every operation that establishes a session.
type AuthResult struct {
	User  *models.User `json:"user"`
	Token string       `json:"token"`
}

type Service struct {
	users           UserRepository
	hasher          auth.PasswordHasher
	tokens          *auth.TokenService
	bootstrapSecret string
	log             logrus.FieldLogger
	now             func() time.Time

	// compared against for unknown emails so both login failures cost a hash check
	dummyDigest string
}

type Option func(*Service)

// WithClock overrides the clock used for creation timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithBootstrapSecret enables bootstrapOwner and forceSetPassword.
func WithBootstrapSecret(secret string) Option {
	return func(s *Service) { s.bootstrapSecret = secret }
}

func NewService(users UserRepository, hasher auth.PasswordHasher, tokens *auth.TokenService, log logrus.FieldLogger, opts ...Option) *Service {
	s := &Service{
		users:  users,
		hasher: hasher,
		tokens: tokens,
		log:    log,
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if d, err := hasher.Hash("quietora-dummy-password"); err == nil {
		s.dummyDigest = d
	}
	return s
}

func (s *Service) session(u *models.User) (*AuthResult, error) {
	token, err := s.tokens.Issue(auth.ClaimsFor(u))
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	return &AuthResult{User: u, Token: token}, nil
}

func (s *Service) Register(ctx context.Context, email, password, name string) (*AuthResult, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, apperr.BadRequest("INVALID_REQUEST", "Email and password are required")
	}

	if _, err := s.users.GetUserByEmail(ctx, email); err == nil {
		return nil, errEmailTaken
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	digest, err := s.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u, err := s.users.CreateUser(ctx, email, strings.TrimSpace(name), digest, models.RoleUser, s.now().UTC().Truncate(time.Microsecond))
	if errors.Is(err, store.ErrConflict) {
		return nil, errEmailTaken
	}
	if err != nil {
		return nil, err
	}

	s.log.WithField("user_id", u.ID).Info("user registered")
	return s.session(u)
}

// Login authenticates email and password. Unknown emails and wrong passwords
// fail with the same error.
func (s *Service) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	u, err := s.users.GetUserByEmail(ctx, strings.TrimSpace(email))
	if errors.Is(err, store.ErrNotFound) {
		s.hasher.Verify(password, s.dummyDigest)
		return nil, errInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !s.hasher.Verify(password, u.PasswordHash) {
		return nil, errInvalidCredentials
	}
	return s.session(u)
}

// checkBootstrapSecret enforces the first two bootstrap preconditions.
func (s *Service) checkBootstrapSecret(secret string) error {
	if s.bootstrapSecret == "" {
		return errBootstrapDisabled
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(s.bootstrapSecret)) != 1 {
		return errBadBootstrapSecret
	}
	return nil
}

// BootstrapOwner elevates a registered user to OWNER. It succeeds at most
// once for the lifetime of the system.
func (s *Service) BootstrapOwner(ctx context.Context, email, secret string) (*AuthResult, error) {
	if err := s.checkBootstrapSecret(secret); err != nil {
		entry := s.log.WithError(err)
		var e *apperr.Error
		if errors.As(err, &e) {
			entry = entry.WithField("reason", e.Code)
		}
		entry.Warn("owner bootstrap refused")
		return nil, err
	}

	if _, err := s.users.FindOwner(ctx); err == nil {
		return nil, errOwnerExists
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	u, err := s.users.GetUserByEmail(ctx, strings.TrimSpace(email))
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("USER_NOT_FOUND", "No user registered with this email")
	}
	if err != nil {
		return nil, err
	}

	owner, err := s.users.PromoteOwner(ctx, u.ID)
	switch {
	case errors.Is(err, store.ErrConflict):
		// another bootstrap won the race
		return nil, errOwnerExists
	case errors.Is(err, store.ErrNotFound):
		return nil, apperr.NotFound("USER_NOT_FOUND", "No user registered with this email")
	case err != nil:
		return nil, err
	}

	s.log.WithField("user_id", owner.ID).Warn("owner bootstrapped")
	return s.session(owner)
}

// ForceSetPassword resets a user's password using the bootstrap secret.
func (s *Service) ForceSetPassword(ctx context.Context, email, newPassword, secret string) error {
	if err := s.checkBootstrapSecret(secret); err != nil {
		return err
	}
	if newPassword == "" {
		return apperr.BadRequest("INVALID_REQUEST", "New password is required")
	}
	u, err := s.users.GetUserByEmail(ctx, strings.TrimSpace(email))
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("USER_NOT_FOUND", "No user registered with this email")
	}
	if err != nil {
		return err
	}
	if err := s.setPassword(ctx, u.ID, newPassword); err != nil {
		return err
	}
	s.log.WithField("user_id", u.ID).Warn("password force-set")
	return nil
}

// ChangePassword updates the caller's own password after checking the current one.
func (s *Service) ChangePassword(ctx context.Context, actor *auth.Claims, current, newPassword string) error {
	if err := auth.Authorize(actor); err != nil {
		return err
	}
	if newPassword == "" {
		return apperr.BadRequest("INVALID_REQUEST", "New password is required")
	}
	u, err := s.users.GetUserByID(ctx, actor.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return errInvalidCredentials
	}
	if err != nil {
		return err
	}
	if !s.hasher.Verify(current, u.PasswordHash) {
		return apperr.Unauthorized("INVALID_CREDENTIALS", "Current password is incorrect")
	}
	return s.setPassword(ctx, u.ID, newPassword)
}

func (s *Service) setPassword(ctx context.Context, id int64, plain string) error {
	digest, err := s.hasher.Hash(plain)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.users.UpdateUserPassword(ctx, id, digest); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errUserNotFound
		}
		return err
	}
	return nil
}

// WhoAmI returns the claims the caller's token carries.
func (s *Service) WhoAmI(actor *auth.Claims) (*auth.Claims, error) {
	if err := auth.Authorize(actor); err != nil {
		return nil, err
	}
	return actor, nil
}

// loadTarget resolves the target of a privileged user mutation.
func (s *Service) loadTarget(ctx context.Context, id int64) (*models.User, error) {
	u, err := s.users.GetUserByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errUserNotFound
	}
	return u, err
}

// UpdateRole changes another user's role. Only OWNER may call it, the OWNER
// cannot demote themselves, and the OWNER account itself is never a valid target.
func (s *Service) UpdateRole(ctx context.Context, actor *auth.Claims, targetID int64, newRole string) (*models.User, error) {
	if err := auth.Authorize(actor, models.RoleOwner); err != nil {
		return nil, err
	}
	role, ok := models.ParseRole(newRole)
	if !ok {
		return nil, apperr.BadRequest("INVALID_ROLE", "Role must be one of OWNER, ADMIN, USER")
	}
	if err := auth.GuardSelfDemotion(actor, targetID, role); err != nil {
		return nil, err
	}
	if role == models.RoleOwner {
		return nil, errOwnerGrant
	}
	target, err := s.loadTarget(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if err := auth.GuardOwnerTarget(target); err != nil {
		return nil, err
	}

	updated, err := s.users.UpdateUserRole(ctx, targetID, role)
	switch {
	case errors.Is(err, store.ErrConflict):
		return nil, auth.ErrOwnerProtected
	case errors.Is(err, store.ErrNotFound):
		return nil, errUserNotFound
	case err != nil:
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"actor_id": actor.UserID,
		"user_id":  targetID,
		"from":     target.Role,
		"to":       role,
	}).Info("user role updated")
	return updated, nil
}

// DeleteUser removes another user and their usage links.
func (s *Service) DeleteUser(ctx context.Context, actor *auth.Claims, targetID int64) error {
	if err := auth.Authorize(actor, models.RoleOwner); err != nil {
		return err
	}
	if err := auth.GuardSelfDelete(actor, targetID); err != nil {
		return err
	}
	target, err := s.loadTarget(ctx, targetID)
	if err != nil {
		return err
	}
	if err := auth.GuardOwnerTarget(target); err != nil {
		return err
	}

	err = s.users.DeleteUser(ctx, targetID)
	switch {
	case errors.Is(err, store.ErrConflict):
		return auth.ErrOwnerProtected
	case errors.Is(err, store.ErrNotFound):
		return errUserNotFound
	case err != nil:
		return err
	}

	s.log.WithFields(logrus.Fields{"actor_id": actor.UserID, "user_id": targetID}).Info("user deleted")
	return nil
}

func (s *Service) ListUsers(ctx context.Context, actor *auth.Claims) ([]models.User, error) {
	if err := auth.Authorize(actor, models.RoleOwner); err != nil {
		return nil, err
	}
	return s.users.ListUsers(ctx)
}

// CountUsers backs the system-info report.
func (s *Service) CountUsers(ctx context.Context, actor *auth.Claims) (int64, error) {
	if err := auth.Authorize(actor, models.RoleOwner); err != nil {
		return 0, err
	}
	return s.users.CountUsers(ctx)
}

// Package store holds the persistence adapters. Every adapter enforces the
// same contract: unique emails, unique app codes, at most one OWNER and at
// most one usage link per (user, app) pair, with launch increments applied
// atomically by the store.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/example/quietora/internal/models"
)

var (
	// ErrNotFound is returned when the referenced row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write is rejected by a uniqueness
	// constraint or by the current state of the target row.
	ErrConflict = errors.New("conflict")
)

// AppUsersLimit caps the number of rows returned by ListAppUsers.
const AppUsersLimit = 200

// Store is the full set of operations implemented by each adapter.
type Store interface {
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

	GetAppByCode(ctx context.Context, code string) (*models.App, error)
	InsertApp(ctx context.Context, app models.App) (*models.App, error)
	UpdateAppDetails(ctx context.Context, id int64, name string, latestVersion *string) (*models.App, error)
	ListAppSummaries(ctx context.Context) ([]models.AppSummary, error)
	ListAppUsers(ctx context.Context, appID int64, limit int) ([]models.AppUser, error)

	RecordLaunch(ctx context.Context, userID, appID int64, at time.Time) (*models.UsageLink, error)
	PurgeOrphanedLinks(ctx context.Context) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

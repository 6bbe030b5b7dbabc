package telemetry

import (
	"context"
	"errors"

	"github.com/example/quietora/internal/auth"
	"github.com/example/quietora/internal/models"
	"github.com/example/quietora/internal/store"
)

// AppUsers lists the users of one app. Unknown codes yield an empty result
// with a nil name.
type AppUsers struct {
	Code      string           `json:"code"`
	Name      *string          `json:"name"`
	UserCount int              `json:"userCount"`
	Users     []models.AppUser `json:"users"`
}

// Queries serves the read side of the ledger to the owner.
type Queries struct {
	repo Repository
}

func NewQueries(repo Repository) *Queries {
	return &Queries{repo: repo}
}

// ListApps returns every app, newest first, with usage aggregated over links
// whose user still exists.
func (q *Queries) ListApps(ctx context.Context, actor *auth.Claims) ([]models.AppSummary, error) {
	if err := auth.Authorize(actor, models.RoleOwner); err != nil {
		return nil, err
	}
	return q.repo.ListAppSummaries(ctx)
}

func (q *Queries) AppUsers(ctx context.Context, actor *auth.Claims, code string) (*AppUsers, error) {
	if err := auth.Authorize(actor, models.RoleOwner); err != nil {
		return nil, err
	}
	code = NormalizeCode(code)

	app, err := q.repo.GetAppByCode(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return &AppUsers{Code: code, Users: []models.AppUser{}}, nil
	}
	if err != nil {
		return nil, err
	}

	users, err := q.repo.ListAppUsers(ctx, app.ID, store.AppUsersLimit)
	if err != nil {
		return nil, err
	}
	return &AppUsers{Code: app.Code, Name: &app.Name, UserCount: len(users), Users: users}, nil
}

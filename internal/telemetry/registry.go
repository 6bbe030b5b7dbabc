// Package telemetry ingests client heartbeats into the app registry and the
// per-user usage ledger, and serves the owner-facing aggregates.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/example/quietora/internal/models"
	"github.com/example/quietora/internal/store"
	"github.com/sirupsen/logrus"
)

// Repository is the part of the store telemetry needs.
type Repository interface {
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	GetAppByCode(ctx context.Context, code string) (*models.App, error)
	InsertApp(ctx context.Context, app models.App) (*models.App, error)
	UpdateAppDetails(ctx context.Context, id int64, name string, latestVersion *string) (*models.App, error)
	ListAppSummaries(ctx context.Context) ([]models.AppSummary, error)
	ListAppUsers(ctx context.Context, appID int64, limit int) ([]models.AppUser, error)
	RecordLaunch(ctx context.Context, userID, appID int64, at time.Time) (*models.UsageLink, error)
	PurgeOrphanedLinks(ctx context.Context) (int64, error)
}

var codePattern = regexp.MustCompile(`^[A-Z0-9_]+$`)

// resolveAttempts bounds the insert/re-read cycle when concurrent heartbeats
// register the same code.
const resolveAttempts = 3

// NormalizeCode trims and upper-cases an app code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidCode reports whether a normalized code uses only [A-Z0-9_].
func ValidCode(code string) bool {
	return codePattern.MatchString(code)
}

// Registry owns the canonical record of known client applications.
type Registry struct {
	repo Repository
	log  logrus.FieldLogger
}

func NewRegistry(repo Repository, log logrus.FieldLogger) *Registry {
	return &Registry{repo: repo, log: log}
}

// Resolve returns the app for code, registering it on first sight and
// otherwise merging name and version. Empty values never overwrite recorded
// ones. code must already be normalized and validated.
func (r *Registry) Resolve(ctx context.Context, code, name, version string, at time.Time) (*models.App, error) {
	for attempt := 0; attempt < resolveAttempts; attempt++ {
		app, err := r.repo.GetAppByCode(ctx, code)
		if err == nil {
			return r.merge(ctx, app, name, version)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}

		app, err = r.repo.InsertApp(ctx, models.App{
			Code:          code,
			Name:          name,
			LatestVersion: optional(version),
			Status:        models.AppStatusActive,
			CreatedAt:     at,
		})
		if errors.Is(err, store.ErrConflict) {
			// lost the registration race; the winner's row is merged on the next pass
			continue
		}
		if err != nil {
			return nil, err
		}
		r.log.WithField("app_code", code).Info("app registered")
		return app, nil
	}
	return nil, fmt.Errorf("resolve app %s: gave up after %d attempts", code, resolveAttempts)
}

func (r *Registry) merge(ctx context.Context, app *models.App, name, version string) (*models.App, error) {
	newName := app.Name
	if name != "" && name != app.Name {
		newName = name
	}
	var newVersion *string
	if version != "" && (app.LatestVersion == nil || *app.LatestVersion != version) {
		newVersion = &version
	}
	if newName == app.Name && newVersion == nil {
		return app, nil
	}
	return r.repo.UpdateAppDetails(ctx, app.ID, newName, newVersion)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

package telemetry

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/example/quietora/internal/apperr"
	"github.com/example/quietora/internal/auth"
	"github.com/example/quietora/internal/models"
	"github.com/example/quietora/internal/store"
	"github.com/sirupsen/logrus"
)

const (
	maxCodeLen    = 64
	maxNameLen    = 120
	maxVersionLen = 32
)

var errUserRequired = apperr.BadRequest("USER_REQUIRED", "A valid authenticated user is required")

type HeartbeatInput struct {
	AppCode    string `json:"appCode"`
	AppName    string `json:"appName"`
	AppVersion string `json:"appVersion,omitempty"`
}

type AppView struct {
	Code          string           `json:"code"`
	Name          string           `json:"name"`
	LatestVersion *string          `json:"latestVersion"`
	Status        models.AppStatus `json:"status"`
}

type UsageView struct {
	FirstSeenAt time.Time `json:"firstSeenAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
	LaunchCount int64     `json:"launchCount"`
}

type HeartbeatResult struct {
	App   AppView   `json:"app"`
	Usage UsageView `json:"usage"`
}

// Ledger records heartbeats as per-(user, app) usage links.
type Ledger struct {
	repo     Repository
	registry *Registry
	log      logrus.FieldLogger
	now      func() time.Time
}

func NewLedger(repo Repository, registry *Registry, log logrus.FieldLogger) *Ledger {
	return &Ledger{repo: repo, registry: registry, log: log, now: time.Now}
}

// WithClock returns a copy of l that stamps heartbeats using now.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	c := *l
	c.now = now
	return &c
}

func tooLong(s string, max int) bool {
	return utf8.RuneCountInString(s) > max
}

// Heartbeat validates the input, resolves the app and bumps the caller's
// usage link for it. Replaying a heartbeat only ever adds one launch.
func (l *Ledger) Heartbeat(ctx context.Context, actor *auth.Claims, in HeartbeatInput) (*HeartbeatResult, error) {
	if actor == nil || actor.UserID <= 0 {
		return nil, errUserRequired
	}
	if _, err := l.repo.GetUserByID(ctx, actor.UserID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errUserRequired
		}
		return nil, err
	}

	code := NormalizeCode(in.AppCode)
	if tooLong(code, maxCodeLen) || !ValidCode(code) {
		return nil, apperr.BadRequest("INVALID_APP_CODE", "appCode must match [A-Z0-9_] and be at most 64 characters")
	}
	name := strings.TrimSpace(in.AppName)
	if name == "" || tooLong(name, maxNameLen) {
		return nil, apperr.BadRequest("INVALID_APP_NAME", "appName is required and must be at most 120 characters")
	}
	version := strings.TrimSpace(in.AppVersion)
	if tooLong(version, maxVersionLen) {
		return nil, apperr.BadRequest("INVALID_APP_VERSION", "appVersion must be at most 32 characters")
	}

	at := l.now().UTC().Truncate(time.Microsecond)
	app, err := l.registry.Resolve(ctx, code, name, version, at)
	if err != nil {
		return nil, err
	}

	link, err := l.repo.RecordLaunch(ctx, actor.UserID, app.ID, at)
	if errors.Is(err, store.ErrNotFound) {
		// user deleted between the check and the write
		return nil, errUserRequired
	}
	if err != nil {
		return nil, err
	}

	l.log.WithFields(logrus.Fields{
		"user_id":      actor.UserID,
		"app_code":     app.Code,
		"launch_count": link.LaunchCount,
	}).Debug("heartbeat recorded")

	return &HeartbeatResult{
		App: AppView{
			Code:          app.Code,
			Name:          app.Name,
			LatestVersion: app.LatestVersion,
			Status:        app.Status,
		},
		Usage: UsageView{
			FirstSeenAt: link.FirstSeenAt,
			LastSeenAt:  link.LastSeenAt,
			LaunchCount: link.LaunchCount,
		},
	}, nil
}

// PurgeOrphanedLinks deletes usage links whose user no longer resolves.
func (l *Ledger) PurgeOrphanedLinks(ctx context.Context, actor *auth.Claims) (int64, error) {
	if err := auth.Authorize(actor, models.RoleOwner); err != nil {
		return 0, err
	}
	n, err := l.repo.PurgeOrphanedLinks(ctx)
	if err != nil {
		return 0, err
	}
	l.log.WithFields(logrus.Fields{"actor_id": actor.UserID, "deleted": n}).Info("purged orphaned usage links")
	return n, nil
}

package telemetry

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/example/quietora/internal/apperr"
	"github.com/example/quietora/internal/auth"
	"github.com/example/quietora/internal/models"
	"github.com/example/quietora/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 4, 5, 6, 7, 891234567, time.UTC)

type backend interface {
	Repository
	CreateUser(ctx context.Context, email, name, passwordHash string, role models.Role, createdAt time.Time) (*models.User, error)
	DeleteUser(ctx context.Context, id int64) error
}

func quietLog() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newSQLite(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "telemetry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func backends() map[string]func(t *testing.T) backend {
	return map[string]func(t *testing.T) backend{
		"memory": func(t *testing.T) backend { return store.NewMemoryStore() },
		"sqlite": func(t *testing.T) backend { return newSQLite(t) },
	}
}

// steppingClock advances one millisecond per reading.
type steppingClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func newLedger(repo Repository, clock func() time.Time) *Ledger {
	log := quietLog()
	return NewLedger(repo, NewRegistry(repo, log), log).WithClock(clock)
}

func claimsFor(t *testing.T, b backend, email string, role models.Role) *auth.Claims {
	t.Helper()
	u, err := b.CreateUser(context.Background(), email, "", "digest", models.RoleUser, t0)
	require.NoError(t, err)
	return &auth.Claims{UserID: u.ID, Email: u.Email, Role: role}
}

func requireKind(t *testing.T, err error, k apperr.Kind) {
	t.Helper()
	require.Error(t, err)
	got, ok := apperr.KindOf(err)
	require.True(t, ok, "expected a business error, got %v", err)
	require.Equal(t, k, got, err.Error())
}

func TestHeartbeatExample(t *testing.T) {
	for name, newBackend := range backends() {
		t.Run(name, func(t *testing.T) {
			b := newBackend(t)
			alice := claimsFor(t, b, "alice@x.com", models.RoleUser)
			l := newLedger(b, func() time.Time { return t0 })

			res, err := l.Heartbeat(context.Background(), alice, HeartbeatInput{AppCode: "quietora_calc", AppName: "Calc"})
			require.NoError(t, err)

			want := t0.Truncate(time.Microsecond)
			assert.Equal(t, AppView{Code: "QUIETORA_CALC", Name: "Calc", Status: models.AppStatusActive}, res.App)
			assert.Nil(t, res.App.LatestVersion)
			assert.Equal(t, int64(1), res.Usage.LaunchCount)
			assert.True(t, want.Equal(res.Usage.FirstSeenAt))
			assert.True(t, want.Equal(res.Usage.LastSeenAt))
		})
	}
}

func TestHeartbeatReplay(t *testing.T) {
	for name, newBackend := range backends() {
		t.Run(name, func(t *testing.T) {
			b := newBackend(t)
			u := claimsFor(t, b, "u@x.com", models.RoleUser)
			clock := &steppingClock{t: t0}
			l := newLedger(b, clock.Now)

			const n = 7
			var first time.Time
			var res *HeartbeatResult
			for i := 0; i < n; i++ {
				var err error
				res, err = l.Heartbeat(context.Background(), u, HeartbeatInput{AppCode: "CALC", AppName: "Calc", AppVersion: "1.0"})
				require.NoError(t, err)
				if i == 0 {
					first = res.Usage.FirstSeenAt
				}
				require.True(t, first.Equal(res.Usage.FirstSeenAt))
			}
			assert.Equal(t, int64(n), res.Usage.LaunchCount)
			assert.True(t, clock.t.Truncate(time.Microsecond).Equal(res.Usage.LastSeenAt))
			assert.Equal(t, "1.0", *res.App.LatestVersion)
		})
	}
}

func TestConcurrentHeartbeats(t *testing.T) {
	for name, newBackend := range backends() {
		t.Run(name, func(t *testing.T) {
			b := newBackend(t)
			u := claimsFor(t, b, "u@x.com", models.RoleUser)
			owner := &auth.Claims{UserID: u.UserID, Email: u.Email, Role: models.RoleOwner}
			clock := &steppingClock{t: t0}
			l := newLedger(b, clock.Now)

			const k = 30
			var wg sync.WaitGroup
			errs := make(chan error, k)
			for i := 0; i < k; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := l.Heartbeat(context.Background(), u, HeartbeatInput{AppCode: " race ", AppName: "Race"})
					errs <- err
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}

			q := NewQueries(b)
			apps, err := q.ListApps(context.Background(), owner)
			require.NoError(t, err)
			require.Len(t, apps, 1)
			assert.Equal(t, int64(1), apps[0].UserCount)
			assert.Equal(t, int64(k), apps[0].TotalLaunches)

			users, err := q.AppUsers(context.Background(), owner, "RACE")
			require.NoError(t, err)
			require.Len(t, users.Users, 1)
			assert.Equal(t, int64(k), users.Users[0].LaunchCount)
		})
	}
}

func TestHeartbeatMerge(t *testing.T) {
	ctx := context.Background()
	b := store.NewMemoryStore()
	u := claimsFor(t, b, "u@x.com", models.RoleUser)
	l := newLedger(b, time.Now)

	_, err := l.Heartbeat(ctx, u, HeartbeatInput{AppCode: "CALC", AppName: "Calc", AppVersion: "1.0"})
	require.NoError(t, err)

	res, err := l.Heartbeat(ctx, u, HeartbeatInput{AppCode: "calc", AppName: "Calc", AppVersion: ""})
	require.NoError(t, err)
	require.NotNil(t, res.App.LatestVersion)
	assert.Equal(t, "1.0", *res.App.LatestVersion)

	res, err = l.Heartbeat(ctx, u, HeartbeatInput{AppCode: " calc ", AppName: "Calculator", AppVersion: " 1.1 "})
	require.NoError(t, err)
	assert.Equal(t, "Calculator", res.App.Name)
	assert.Equal(t, "1.1", *res.App.LatestVersion)
	assert.Equal(t, int64(3), res.Usage.LaunchCount)

	app, err := b.GetAppByCode(ctx, "CALC")
	require.NoError(t, err)
	assert.Equal(t, "Calculator", app.Name)
}

func TestHeartbeatValidation(t *testing.T) {
	ctx := context.Background()
	b := store.NewMemoryStore()
	u := claimsFor(t, b, "u@x.com", models.RoleUser)
	l := newLedger(b, time.Now)

	long := func(n int) string {
		s := make([]byte, n)
		for i := range s {
			s[i] = 'A'
		}
		return string(s)
	}

	cases := map[string]struct {
		actor *auth.Claims
		in    HeartbeatInput
	}{
		"no claims":     {nil, HeartbeatInput{AppCode: "CALC", AppName: "Calc"}},
		"unknown user":  {&auth.Claims{UserID: 999, Email: "x@x.com", Role: models.RoleUser}, HeartbeatInput{AppCode: "CALC", AppName: "Calc"}},
		"empty code":    {u, HeartbeatInput{AppCode: "  ", AppName: "Calc"}},
		"bad charset":   {u, HeartbeatInput{AppCode: "calc-app", AppName: "Calc"}},
		"code too long": {u, HeartbeatInput{AppCode: long(65), AppName: "Calc"}},
		"empty name":    {u, HeartbeatInput{AppCode: "CALC", AppName: "   "}},
		"name too long": {u, HeartbeatInput{AppCode: "CALC", AppName: long(121)}},
		"long version":  {u, HeartbeatInput{AppCode: "CALC", AppName: "Calc", AppVersion: long(33)}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := l.Heartbeat(ctx, tc.actor, tc.in)
			requireKind(t, err, apperr.KindBadRequest)
		})
	}

	_, err := b.GetAppByCode(ctx, "CALC")
	require.ErrorIs(t, err, store.ErrNotFound)
}

// racingRepo reports the first lookup as a miss and the first insert as a
// conflict, as if another heartbeat registered the app in between.
type racingRepo struct {
	*store.MemStore
	missed, conflicted bool
	inserts            int
}

func (r *racingRepo) GetAppByCode(ctx context.Context, code string) (*models.App, error) {
	if !r.missed {
		r.missed = true
		return nil, store.ErrNotFound
	}
	return r.MemStore.GetAppByCode(ctx, code)
}

func (r *racingRepo) InsertApp(ctx context.Context, app models.App) (*models.App, error) {
	r.inserts++
	if !r.conflicted {
		r.conflicted = true
		return nil, store.ErrConflict
	}
	return r.MemStore.InsertApp(ctx, app)
}

func TestResolveRetriesAfterConflict(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	v := "1.0"
	_, err := mem.InsertApp(ctx, models.App{Code: "CALC", Name: "Calc", LatestVersion: &v, Status: models.AppStatusActive, CreatedAt: t0})
	require.NoError(t, err)

	repo := &racingRepo{MemStore: mem}
	app, err := NewRegistry(repo, quietLog()).Resolve(ctx, "CALC", "Calc", "2.0", t0)
	require.NoError(t, err)
	assert.Equal(t, 1, repo.inserts)
	assert.Equal(t, "2.0", *app.LatestVersion)
}

func TestQueries(t *testing.T) {
	ctx := context.Background()
	b := newSQLite(t)
	alice := claimsFor(t, b, "alice@x.com", models.RoleUser)
	bob := claimsFor(t, b, "bob@x.com", models.RoleUser)
	owner := &auth.Claims{UserID: alice.UserID, Email: alice.Email, Role: models.RoleOwner}
	admin := &auth.Claims{UserID: bob.UserID, Email: bob.Email, Role: models.RoleAdmin}

	clock := &steppingClock{t: t0}
	l := newLedger(b, clock.Now)
	q := NewQueries(b)

	for _, c := range []*auth.Claims{alice, bob, bob} {
		_, err := l.Heartbeat(ctx, c, HeartbeatInput{AppCode: "CALC", AppName: "Calc"})
		require.NoError(t, err)
	}
	_, err := l.Heartbeat(ctx, alice, HeartbeatInput{AppCode: "NOTES", AppName: "Notes"})
	require.NoError(t, err)

	_, err = q.ListApps(ctx, admin)
	requireKind(t, err, apperr.KindForbidden)
	_, err = q.ListApps(ctx, nil)
	requireKind(t, err, apperr.KindUnauthorized)
	_, err = q.AppUsers(ctx, admin, "CALC")
	requireKind(t, err, apperr.KindForbidden)

	apps, err := q.ListApps(ctx, owner)
	require.NoError(t, err)
	require.Len(t, apps, 2)
	assert.Equal(t, "NOTES", apps[0].Code)
	assert.Equal(t, "CALC", apps[1].Code)
	assert.Equal(t, int64(2), apps[1].UserCount)
	assert.Equal(t, int64(3), apps[1].TotalLaunches)

	users, err := q.AppUsers(ctx, owner, " calc ")
	require.NoError(t, err)
	assert.Equal(t, "CALC", users.Code)
	assert.Equal(t, "Calc", *users.Name)
	assert.Equal(t, 2, users.UserCount)
	assert.Equal(t, bob.UserID, users.Users[0].UserID)
	assert.Equal(t, int64(2), users.Users[0].LaunchCount)

	empty, err := q.AppUsers(ctx, owner, "missing")
	require.NoError(t, err)
	assert.Equal(t, "MISSING", empty.Code)
	assert.Nil(t, empty.Name)
	assert.Zero(t, empty.UserCount)
	assert.NotNil(t, empty.Users)
	assert.Empty(t, empty.Users)
}

func TestPurgeOrphanedLinks(t *testing.T) {
	ctx := context.Background()
	b := newSQLite(t)
	alice := claimsFor(t, b, "alice@x.com", models.RoleUser)
	bob := claimsFor(t, b, "bob@x.com", models.RoleUser)
	owner := &auth.Claims{UserID: alice.UserID, Email: alice.Email, Role: models.RoleOwner}
	l := newLedger(b, time.Now)
	q := NewQueries(b)

	for _, c := range []*auth.Claims{alice, bob} {
		_, err := l.Heartbeat(ctx, c, HeartbeatInput{AppCode: "CALC", AppName: "Calc"})
		require.NoError(t, err)
	}

	// remove bob behind the store's back so his link is left dangling
	db := b.DB()
	_, err := db.Exec(`PRAGMA foreign_keys = OFF`)
	require.NoError(t, err)
	_, err = db.Exec(`DELETE FROM users WHERE id = ?`, bob.UserID)
	require.NoError(t, err)
	_, err = db.Exec(`PRAGMA foreign_keys = ON`)
	require.NoError(t, err)

	apps, err := q.ListApps(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(1), apps[0].UserCount)
	assert.Equal(t, int64(1), apps[0].TotalLaunches)

	_, err = l.PurgeOrphanedLinks(ctx, alice)
	requireKind(t, err, apperr.KindForbidden)

	n, err := l.PurgeOrphanedLinks(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = l.PurgeOrphanedLinks(ctx, owner)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// vanishingUser deletes the user right after the heartbeat has looked it up.
type vanishingUser struct {
	backend
}

func (v vanishingUser) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	u, err := v.backend.GetUserByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := v.backend.DeleteUser(ctx, id); err != nil {
		return nil, err
	}
	return u, nil
}

func TestHeartbeatUserDeletedBeforeWrite(t *testing.T) {
	for name, newBackend := range backends() {
		newBackend := newBackend
		t.Run(name, func(t *testing.T) {
			b := newBackend(t)
			alice := claimsFor(t, b, "alice@x.com", models.RoleUser)
			l := newLedger(vanishingUser{b}, time.Now)

			_, err := l.Heartbeat(context.Background(), alice, HeartbeatInput{AppCode: "CALC", AppName: "Calc"})
			requireKind(t, err, apperr.KindBadRequest)
			var e *apperr.Error
			require.True(t, errors.As(err, &e))
			assert.Equal(t, "USER_REQUIRED", e.Code)
		})
	}
}

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/quietora/internal/models"
)

type linkKey struct {
	userID int64
	appID  int64
}

// MemStore keeps everything in process memory. A single mutex serializes
// all access, which makes every operation atomic.
type MemStore struct {
	mu      sync.Mutex
	users   map[int64]*models.User
	byEmail map[string]int64
	apps    map[int64]*models.App
	byCode  map[string]int64
	links   map[linkKey]*models.UsageLink
	seq     int64
}

func NewMemoryStore() *MemStore {
	return &MemStore{
		users:   map[int64]*models.User{},
		byEmail: map[string]int64{},
		apps:    map[int64]*models.App{},
		byCode:  map[string]int64{},
		links:   map[linkKey]*models.UsageLink{},
	}
}

func (m *MemStore) nextID() int64 {
	m.seq++
	return m.seq
}

func copyUser(u *models.User) *models.User {
	c := *u
	return &c
}

func copyApp(a *models.App) *models.App {
	c := *a
	if a.LatestVersion != nil {
		v := *a.LatestVersion
		c.LatestVersion = &v
	}
	return &c
}

func (m *MemStore) CreateUser(_ context.Context, email, name, passwordHash string, role models.Role, createdAt time.Time) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEmail[email]; ok {
		return nil, ErrConflict
	}
	if role == models.RoleOwner && m.ownerLocked() != nil {
		return nil, ErrConflict
	}
	u := &models.User{ID: m.nextID(), Email: email, Name: name, PasswordHash: passwordHash, Role: role, CreatedAt: createdAt}
	m.users[u.ID] = u
	m.byEmail[email] = u.ID
	return copyUser(u), nil
}

func (m *MemStore) GetUserByID(_ context.Context, id int64) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		return copyUser(u), nil
	}
	return nil, ErrNotFound
}

func (m *MemStore) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byEmail[email]; ok {
		return copyUser(m.users[id]), nil
	}
	return nil, ErrNotFound
}

func (m *MemStore) ownerLocked() *models.User {
	for _, u := range m.users {
		if u.Role == models.RoleOwner {
			return u
		}
	}
	return nil
}

func (m *MemStore) FindOwner(_ context.Context) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u := m.ownerLocked(); u != nil {
		return copyUser(u), nil
	}
	return nil, ErrNotFound
}

func (m *MemStore) PromoteOwner(_ context.Context, id int64) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	if m.ownerLocked() != nil {
		return nil, ErrConflict
	}
	u.Role = models.RoleOwner
	return copyUser(u), nil
}

func (m *MemStore) UpdateUserRole(_ context.Context, id int64, role models.Role) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	if u.Role == models.RoleOwner || role == models.RoleOwner {
		return nil, ErrConflict
	}
	u.Role = role
	return copyUser(u), nil
}

func (m *MemStore) UpdateUserPassword(_ context.Context, id int64, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = passwordHash
	return nil
}

func (m *MemStore) DeleteUser(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	if u.Role == models.RoleOwner {
		return ErrConflict
	}
	delete(m.users, id)
	delete(m.byEmail, u.Email)
	for k := range m.links {
		if k.userID == id {
			delete(m.links, k)
		}
	}
	return nil
}

func (m *MemStore) ListUsers(_ context.Context) ([]models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) CountUsers(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.users)), nil
}

func (m *MemStore) GetAppByCode(_ context.Context, code string) (*models.App, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byCode[code]; ok {
		return copyApp(m.apps[id]), nil
	}
	return nil, ErrNotFound
}

func (m *MemStore) InsertApp(_ context.Context, app models.App) (*models.App, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byCode[app.Code]; ok {
		return nil, ErrConflict
	}
	a := copyApp(&app)
	a.ID = m.nextID()
	m.apps[a.ID] = a
	m.byCode[a.Code] = a.ID
	return copyApp(a), nil
}

func (m *MemStore) UpdateAppDetails(_ context.Context, id int64, name string, latestVersion *string) (*models.App, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.apps[id]
	if !ok {
		return nil, ErrNotFound
	}
	a.Name = name
	if latestVersion != nil {
		v := *latestVersion
		a.LatestVersion = &v
	}
	return copyApp(a), nil
}

func (m *MemStore) ListAppSummaries(_ context.Context) ([]models.AppSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	apps := make([]*models.App, 0, len(m.apps))
	for _, a := range m.apps {
		apps = append(apps, a)
	}
	sort.Slice(apps, func(i, j int) bool {
		if !apps[i].CreatedAt.Equal(apps[j].CreatedAt) {
			return apps[i].CreatedAt.After(apps[j].CreatedAt)
		}
		return apps[i].ID > apps[j].ID
	})

	out := make([]models.AppSummary, 0, len(apps))
	for _, a := range apps {
		c := copyApp(a)
		s := models.AppSummary{Code: c.Code, Name: c.Name, Status: c.Status, LatestVersion: c.LatestVersion, CreatedAt: c.CreatedAt}
		for k, l := range m.links {
			if k.appID != a.ID {
				continue
			}
			if _, ok := m.users[k.userID]; !ok {
				continue
			}
			s.UserCount++
			s.TotalLaunches += l.LaunchCount
			if s.LastSeenAt == nil || l.LastSeenAt.After(*s.LastSeenAt) {
				t := l.LastSeenAt
				s.LastSeenAt = &t
			}
		}
		out = append(out, s)
	}
	return out, nil
}

func (m *MemStore) ListAppUsers(_ context.Context, appID int64, limit int) ([]models.AppUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.AppUser{}
	for k, l := range m.links {
		if k.appID != appID {
			continue
		}
		u, ok := m.users[k.userID]
		if !ok {
			continue
		}
		out = append(out, models.AppUser{
			UserID:      u.ID,
			Email:       u.Email,
			Name:        u.Name,
			Role:        u.Role,
			FirstSeenAt: l.FirstSeenAt,
			LastSeenAt:  l.LastSeenAt,
			LaunchCount: l.LaunchCount,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeenAt.Equal(out[j].LastSeenAt) {
			return out[i].LastSeenAt.After(out[j].LastSeenAt)
		}
		return out[i].UserID < out[j].UserID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) RecordLaunch(_ context.Context, userID, appID int64, at time.Time) (*models.UsageLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		return nil, ErrNotFound
	}
	if _, ok := m.apps[appID]; !ok {
		return nil, ErrNotFound
	}
	k := linkKey{userID: userID, appID: appID}
	l, ok := m.links[k]
	if !ok {
		l = &models.UsageLink{ID: m.nextID(), UserID: userID, AppID: appID, FirstSeenAt: at, LastSeenAt: at, LaunchCount: 1}
		m.links[k] = l
	} else {
		l.LaunchCount++
		if at.After(l.LastSeenAt) {
			l.LastSeenAt = at
		}
	}
	c := *l
	return &c, nil
}

func (m *MemStore) PurgeOrphanedLinks(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k := range m.links {
		if _, ok := m.users[k.userID]; !ok {
			delete(m.links, k)
			n++
		}
	}
	return n, nil
}

func (m *MemStore) Ping(context.Context) error { return nil }
func (m *MemStore) Close() error               { return nil }
